package handler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mumuon/rasterrunner/internal/model"
	"github.com/mumuon/rasterrunner/internal/raster"
	"github.com/mumuon/rasterrunner/internal/tiling"
)

// RegionRequestHandler implements C9: decomposes one region into tiles,
// dispatches each through an inference detector, refines and persists the
// results, and rolls the outcome up into the region's and image's progress.
type RegionRequestHandler struct {
	cfg       Config
	progress  ProgressStore
	strategy  Strategy
	raster    RasterSource
	tiles     raster.TileFactory
	detectors DetectorFactory
	completer ImageCompleter
	elevation raster.ElevationModel
	regionMon RegionStatusMonitor
	metrics   TileMetrics
	logger    *slog.Logger
}

// TileMetrics records per-tile inference outcomes (C9), implemented by
// internal/metrics.Registry. Optional: a nil TileMetrics is a no-op, matching
// the regionMon/imageMon optional-collaborator pattern.
type TileMetrics interface {
	RecordTileResult(endpointName string, succeeded bool)
}

// SetMetrics wires an optional metrics sink without changing the
// constructor signature every existing caller and test already depends on.
func (h *RegionRequestHandler) SetMetrics(m TileMetrics) {
	h.metrics = m
}

func NewRegionRequestHandler(
	cfg Config,
	progress ProgressStore,
	strategy Strategy,
	rasterSource RasterSource,
	tileFactory raster.TileFactory,
	detectors DetectorFactory,
	completer ImageCompleter,
	elevation raster.ElevationModel,
	regionMon RegionStatusMonitor,
	logger *slog.Logger,
) *RegionRequestHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegionRequestHandler{
		cfg: cfg, progress: progress, strategy: strategy, raster: rasterSource,
		tiles: tileFactory, detectors: detectors, completer: completer,
		elevation: elevation, regionMon: regionMon, logger: logger,
	}
}

var _ RegionProcessor = (*RegionRequestHandler)(nil)

type tileWorkItem struct {
	bbox     model.BBox
	path     string
	sentinel bool
}

// ProcessRegionRequest implements C9's algorithm: throttle check, resume or
// start the RegionJob, spawn a fixed tile-worker pool, drain tile dispatch
// through it, then fold the outcome into progress and (if this was the
// image's last region) complete the image.
func (h *RegionRequestHandler) ProcessRegionRequest(ctx context.Context, req model.RegionRequest) error {
	if !req.SharedPropertiesValid() {
		return &model.InvalidImageRequestError{Reason: "region request missing required shared properties"}
	}

	endpointName := req.ModelName
	if h.cfg.SelfThrottlingEnabled {
		stats, err := h.progress.EndpointStatisticsByName(ctx, endpointName)
		if err == nil && stats.MaxRegions > 0 && stats.RegionsInProgress >= stats.MaxRegions {
			return model.ErrSelfThrottledRegion
		}
		if err := h.progress.IncrementInProgress(ctx, endpointName); err != nil {
			return fmt.Errorf("handler: incrementing in-progress for %s: %w", endpointName, err)
		}
		defer func() {
			if err := h.progress.DecrementInProgress(ctx, endpointName); err != nil {
				h.logger.Error("failed to decrement in-progress", "endpoint", endpointName, "error", err)
			}
		}()
	}

	startTime := time.Now()
	alreadySucceeded, err := h.resumeOrStartRegion(ctx, req, startTime)
	if err != nil {
		return err
	}

	ds, err := h.raster.Open(ctx, req.ImageURL, req.ImageReadRole)
	if err != nil {
		return fmt.Errorf("handler: opening raster for region %s/%s: %w", req.ImageID, req.RegionID, err)
	}

	regionBounds := tiling.ProcessingBounds{
		UL:     req.RegionBounds.UL,
		Width:  req.RegionBounds.Width,
		Height: req.RegionBounds.Height,
	}
	crops, err := h.strategy.ComputeTiles(regionBounds, req.TileSize, req.TileOverlap)
	if err != nil {
		return fmt.Errorf("handler: computing tiles for region %s/%s: %w", req.ImageID, req.RegionID, err)
	}

	detector, err := h.detectors.ForRequest(model.ImageRequest{ModelInvokeMode: req.ModelInvokeMode, ModelName: req.ModelName, ModelInvocationRole: req.ModelInvocationRole})
	if err != nil {
		return fmt.Errorf("handler: selecting detector for %s: %w", req.ModelName, err)
	}

	failureCount, totalDispatched, err := h.runTileWorkers(ctx, req, ds, crops, alreadySucceeded, detector)
	if err != nil {
		return err
	}

	succeededCount := totalDispatched - failureCount
	status := model.RegionJob{
		TotalTiles:         len(crops),
		SucceededTileCount: succeededCount + len(alreadySucceeded),
		FailedTileCount:    failureCount,
	}.DeriveStatus()

	endTime := time.Now()
	if err := h.progress.CompleteRegion(ctx, req.ImageID, req.RegionID, status, endTime); err != nil {
		return err
	}
	if h.regionMon != nil {
		_ = h.regionMon.PublishRegionStatus(ctx, model.RegionJob{
			ImageID: req.ImageID, RegionID: req.RegionID, Status: status,
			TotalTiles: len(crops), SucceededTileCount: succeededCount, FailedTileCount: failureCount,
			StartTime: startTime, EndTime: endTime, ProcessingDuration: endTime.Sub(startTime),
		})
	}

	succeeded := status == model.RegionStatusSuccess
	if err := h.progress.CompleteRegionOfImage(ctx, req.ImageID, succeeded); err != nil {
		return err
	}

	complete, err := h.progress.IsImageComplete(ctx, req.ImageID)
	if err != nil {
		return err
	}
	if complete && h.completer != nil {
		return h.completer.CompleteImageRequest(ctx, req.ImageID)
	}
	return nil
}

func (h *RegionRequestHandler) resumeOrStartRegion(ctx context.Context, req model.RegionRequest, startTime time.Time) (map[model.BBox]bool, error) {
	existing, ok, err := h.progress.GetRegionJob(ctx, req.ImageID, req.RegionID)
	if err != nil {
		return nil, err
	}
	if ok {
		bounds, err := h.progress.SucceededTileBounds(ctx, req.ImageID, req.RegionID)
		if err != nil {
			return nil, err
		}
		set := make(map[model.BBox]bool, len(bounds))
		for _, b := range bounds {
			set[b] = true
		}
		_ = existing
		return set, nil
	}

	if err := h.progress.StartRegion(ctx, model.RegionJob{
		ImageID: req.ImageID, RegionID: req.RegionID, Status: model.RegionStatusStarted, StartTime: startTime,
	}); err != nil {
		return nil, err
	}
	return nil, nil
}

// runTileWorkers dispatches every not-yet-succeeded tile through a fixed
// worker pool, pushing one sentinel per worker once enumeration is done.
func (h *RegionRequestHandler) runTileWorkers(
	ctx context.Context, req model.RegionRequest, ds raster.Dataset, crops []tiling.Crop,
	alreadySucceeded map[model.BBox]bool, detector Detector,
) (failureCount int, totalDispatched int, err error) {
	workerCount := h.cfg.TileWorkerCount
	if workerCount < 1 {
		workerCount = 1
	}

	work := make(chan tileWorkItem, workerCount*2)
	var failures int64
	var wg sync.WaitGroup

	refineryFor := h.elevation

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.tileWorker(ctx, req, ds.SensorModel(), refineryFor, detector, work, &failures)
		}()
	}

	go func() {
		defer func() {
			for i := 0; i < workerCount; i++ {
				work <- tileWorkItem{sentinel: true}
			}
			close(work)
		}()
		for _, crop := range crops {
			bbox := crop.BBox()
			if alreadySucceeded[bbox] {
				continue
			}
			path, encodeErr := h.tiles.EncodeTile(ds, raster.ImageBounds{
				ULCol: crop.UL.X, ULRow: crop.UL.Y, Width: crop.Width, Height: crop.Height,
			}, req.TileFormat, req.TileCompression)
			if encodeErr != nil {
				h.logger.Error("failed to encode tile", "image_id", req.ImageID, "region_id", req.RegionID, "error", encodeErr)
				atomic.AddInt64(&failures, 1)
				continue
			}
			totalDispatched++
			select {
			case <-ctx.Done():
				return
			case work <- tileWorkItem{bbox: bbox, path: path}:
			}
		}
	}()

	wg.Wait()
	return int(atomic.LoadInt64(&failures)), totalDispatched, nil
}

func (h *RegionRequestHandler) tileWorker(
	ctx context.Context, req model.RegionRequest, sensor raster.SensorModel, elevation raster.ElevationModel,
	detector Detector, work <-chan tileWorkItem, failures *int64,
) {
	for item := range work {
		if item.sentinel {
			return
		}
		if err := h.processTile(ctx, req, sensor, elevation, detector, item); err != nil {
			h.logger.Warn("tile failed", "image_id", req.ImageID, "region_id", req.RegionID, "error", err)
			atomic.AddInt64(failures, 1)
			_ = h.progress.AppendTile(ctx, req.ImageID, req.RegionID, item.bbox, false)
			if h.metrics != nil {
				h.metrics.RecordTileResult(req.ModelName, false)
			}
		} else {
			_ = h.progress.AppendTile(ctx, req.ImageID, req.RegionID, item.bbox, true)
			if h.metrics != nil {
				h.metrics.RecordTileResult(req.ModelName, true)
			}
		}
	}
}

func (h *RegionRequestHandler) processTile(
	ctx context.Context, req model.RegionRequest, sensor raster.SensorModel, elevation raster.ElevationModel,
	detector Detector, item tileWorkItem,
) error {
	tileBytes, err := readTileFile(item.path)
	if err != nil {
		return err
	}

	features, err := detector.FindFeatures(ctx, Payload{TileBytes: tileBytes, Format: req.TileFormat, Compression: req.TileCompression})
	if err != nil {
		return err
	}
	if len(features) == 0 {
		return nil
	}

	tileUL := model.Point{
		X: req.RegionBounds.UL.X + int(item.bbox[0]),
		Y: req.RegionBounds.UL.Y + int(item.bbox[1]),
	}
	if err := refineAndGeolocate(sensor, elevation, features, tileUL, req.JobID+":"+req.ImageID); err != nil {
		return err
	}

	return h.writeFeatureRows(ctx, req, item, features)
}

// writeFeatureRows batches refined features into FeatureRow entries,
// flushing a new row once the accumulated byte size crosses the
// configured limit or the tile's features are exhausted.
func (h *RegionRequestHandler) writeFeatureRows(ctx context.Context, req model.RegionRequest, item tileWorkItem, features []*model.Feature) error {
	limit := h.cfg.FeatureRowByteLimit
	if limit <= 0 {
		limit = 200 * 1024
	}

	minX := req.RegionBounds.UL.X + int(item.bbox[0])
	minY := req.RegionBounds.UL.Y + int(item.bbox[1])
	maxX := req.RegionBounds.UL.X + int(item.bbox[2])
	maxY := req.RegionBounds.UL.Y + int(item.bbox[3])
	tileID := model.TileID(req.ImageID, minX, maxX, minY, maxY)

	var buf []byte
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		err := h.progress.InsertFeatureRow(ctx, model.FeatureRow{
			ImageID: req.ImageID, RangeKey: uuid.NewString(), TileID: tileID, Features: buf,
		})
		buf = nil
		return err
	}

	for _, f := range features {
		encoded, err := encodeFeature(f)
		if err != nil {
			return err
		}
		if len(buf)+len(encoded) > limit {
			if err := flush(); err != nil {
				return err
			}
		}
		buf = append(buf, encoded...)
	}
	return flush()
}
