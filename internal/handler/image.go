package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/mumuon/rasterrunner/internal/model"
	"github.com/mumuon/rasterrunner/internal/tiling"
)

// ImageRequestHandler implements C8: admits one image request, fans its
// regions out to the region queue (processing the first in-line), and
// later aggregates every region's features into the image's configured
// sinks once the last region lands.
type ImageRequestHandler struct {
	cfg        Config
	progress   ProgressStore
	strategy   Strategy
	selector   Selector
	raster     RasterSource
	regionQ    RegionQueue
	sink       FeatureSink
	imageMon   ImageStatusMonitor
	logger     *slog.Logger

	// regionProcessor is wired after construction via SetRegionProcessor to
	// break the cyclic image-handler/region-handler dependency.
	regionProcessor RegionProcessor
}

func NewImageRequestHandler(
	cfg Config,
	progress ProgressStore,
	strategy Strategy,
	selector Selector,
	rasterSource RasterSource,
	regionQ RegionQueue,
	sink FeatureSink,
	imageMon ImageStatusMonitor,
	logger *slog.Logger,
) *ImageRequestHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageRequestHandler{
		cfg: cfg, progress: progress, strategy: strategy, selector: selector,
		raster: rasterSource, regionQ: regionQ, sink: sink, imageMon: imageMon, logger: logger,
	}
}

var _ ImageCompleter = (*ImageRequestHandler)(nil)

// SetRegionProcessor wires the region handler the image handler uses to
// process an image's first region in-line. Must be called once, after both
// handlers exist.
func (h *ImageRequestHandler) SetRegionProcessor(p RegionProcessor) {
	h.regionProcessor = p
}

var supportedInvokeModes = map[model.ModelInvokeMode]bool{
	model.InvokeModeHosted: true,
	model.InvokeModeHTTP:   true,
}

// ProcessImageRequest implements C8's algorithm.
func (h *ImageRequestHandler) ProcessImageRequest(ctx context.Context, req model.ImageRequest) error {
	if err := validateImageRequest(req); err != nil {
		return err
	}

	startTime := time.Now()
	ds, err := h.raster.Open(ctx, req.ImageURL, req.ImageReadRole)
	if err != nil {
		return fmt.Errorf("handler: opening raster for image %s: %w", req.ImageID, err)
	}

	extents := ds.Extents()
	bounds := tiling.ProcessingBounds{UL: model.Point{X: 0, Y: 0}, Width: ds.Width(), Height: ds.Height()}
	if req.ROI != nil {
		roiBound := req.ROI.Bound()
		intersection := extents.Intersect(roiBound)
		if intersection.IsEmpty() {
			return fmt.Errorf("handler: region of interest does not intersect image %s", req.ImageID)
		}
	}

	regions, err := h.strategy.ComputeRegions(bounds, h.cfg.RegionSize, req.TileSize, req.TileOverlap)
	if err != nil {
		return fmt.Errorf("handler: computing regions for image %s: %w", req.ImageID, err)
	}
	if len(regions) == 0 {
		return fmt.Errorf("handler: image %s produced zero regions", req.ImageID)
	}

	job := model.ImageJob{
		ImageID: req.ImageID, JobID: req.JobID, Status: model.ImageStatusStarted,
		RegionCount: len(regions), Width: ds.Width(), Height: ds.Height(), Extents: extents,
		TileSize: req.TileSize, TileOverlap: req.TileOverlap, Outputs: req.Outputs,
		FeatureProperties: req.FeatureProperties, ROI: req.ROI, PostProcessing: req.PostProcessing,
		StartTime: startTime,
	}
	if err := h.progress.StartImage(ctx, job); err != nil {
		return err
	}
	if h.imageMon != nil {
		_ = h.imageMon.PublishImageStatus(ctx, job)
	}

	for i, region := range regions[1:] {
		regionID := model.RegionID(region.UL, req.JobID)
		if err := h.progress.StartRegion(ctx, model.RegionJob{
			ImageID: req.ImageID, RegionID: regionID, Status: model.RegionStatusStarted, StartTime: time.Now(),
		}); err != nil {
			return fmt.Errorf("handler: starting region %d of image %s: %w", i+1, req.ImageID, err)
		}
		if err := h.regionQ.Push(ctx, regionRequestFor(req, region, regionID)); err != nil {
			return fmt.Errorf("handler: pushing region %d of image %s: %w", i+1, req.ImageID, err)
		}
	}

	firstRegion := regions[0]
	firstRegionID := model.RegionID(firstRegion.UL, req.JobID)
	if h.regionProcessor == nil {
		return fmt.Errorf("handler: image handler has no region processor wired")
	}
	if err := h.regionProcessor.ProcessRegionRequest(ctx, regionRequestFor(req, firstRegion, firstRegionID)); err != nil {
		return err
	}

	return nil
}

func regionRequestFor(req model.ImageRequest, region tiling.ProcessingBounds, regionID string) model.RegionRequest {
	return model.RegionRequest{
		ImageID: req.ImageID, JobID: req.JobID, RegionID: regionID,
		ImageURL: req.ImageURL, ImageReadRole: req.ImageReadRole,
		RegionBounds:    model.RegionBounds{UL: region.UL, Width: region.Width, Height: region.Height},
		TileSize:        req.TileSize, TileOverlap: req.TileOverlap,
		TileFormat:      req.TileFormat, TileCompression: req.TileCompression,
		ModelName:       req.ModelName, ModelInvokeMode: req.ModelInvokeMode, ModelInvocationRole: req.ModelInvocationRole,
	}
}

func validateImageRequest(req model.ImageRequest) error {
	if !req.SharedPropertiesValid() {
		return &model.InvalidImageRequestError{Reason: "missing or inconsistent shared properties"}
	}
	if !supportedInvokeModes[req.ModelInvokeMode] {
		return &model.InvalidImageRequestError{Reason: fmt.Sprintf("unsupported model invoke mode %q", req.ModelInvokeMode)}
	}
	for _, out := range req.Outputs {
		if out.Type != model.SinkTypeS3 && out.Type != model.SinkTypeKinesis {
			return &model.InvalidImageRequestError{Reason: fmt.Sprintf("unrecognized sink type %q", out.Type)}
		}
	}
	return nil
}

// CompleteImageRequest implements C8's complete_image_request: aggregate
// every FeatureRow for the image, deduplicate across region/tile seams,
// attach caller-supplied properties, write to every sink, and finalize.
func (h *ImageRequestHandler) CompleteImageRequest(ctx context.Context, imageID string) error {
	job, err := h.progress.GetImageJob(ctx, imageID)
	if err != nil {
		return err
	}

	rows, err := h.progress.ScanFeatureRows(ctx, imageID)
	if err != nil {
		return err
	}
	features, err := decodeFeatureRows(rows)
	if err != nil {
		return err
	}

	bounds := tiling.ProcessingBounds{UL: model.Point{X: 0, Y: 0}, Width: job.Width, Height: job.Height}
	tilingFeatures := make([]tiling.Feature, len(features))
	for i, f := range features {
		tilingFeatures[i] = f
	}
	deduped, err := h.strategy.CleanupDuplicateFeatures(bounds, h.cfg.RegionSize, job.TileSize, job.TileOverlap, tilingFeatures, h.selector, job.PostProcessing)
	if err != nil {
		return err
	}

	final := make([]*model.Feature, 0, len(deduped))
	now := time.Now()
	for _, f := range deduped {
		feature, ok := f.(*model.Feature)
		if !ok {
			continue
		}
		attachImageProperties(feature, job, now)
		final = append(final, feature)
	}

	wrote, err := h.sink.WriteFeatures(ctx, job, final)
	if err != nil {
		return err
	}

	status := model.ImageStatusFailed
	if wrote {
		status = model.ImageStatusSuccess
	}
	endTime := time.Now()
	if err := h.progress.FinalizeImage(ctx, imageID, status, endTime); err != nil {
		return err
	}
	if h.imageMon != nil {
		job.Status = status
		job.EndTime = endTime
		job.ProcessingDuration = endTime.Sub(job.StartTime)
		_ = h.imageMon.PublishImageStatus(ctx, job)
	}
	return nil
}

func attachImageProperties(f *model.Feature, job model.ImageJob, now time.Time) {
	if f.Properties == nil {
		f.Properties = make(map[string]any)
	}
	f.Properties["jobId"] = job.JobID
	f.Properties["inferenceDT"] = now.UTC().Format("2006-01-02T15:04:05Z")
	for _, extra := range job.FeatureProperties {
		for k, v := range extra {
			f.Properties[k] = v
		}
	}
}

func decodeFeatureRows(rows []model.FeatureRow) ([]*model.Feature, error) {
	var out []*model.Feature
	for _, row := range rows {
		features, err := decodeFeatureRowBody(row.Features)
		if err != nil {
			return nil, fmt.Errorf("handler: decoding feature row %s/%s: %w", row.ImageID, row.RangeKey, err)
		}
		out = append(out, features...)
	}
	return out, nil
}

// decodeFeatureRowBody decodes a run of back-to-back GeoJSON Feature values
// written by the region handler's batched FeatureRow encoder.
func decodeFeatureRowBody(body []byte) ([]*model.Feature, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	var out []*model.Feature
	for {
		var gf geojson.Feature
		if err := dec.Decode(&gf); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}

		f := &model.Feature{ID: fmt.Sprint(gf.ID), Geometry: gf.Geometry, Properties: map[string]any(gf.Properties)}
		if raw, ok := gf.Properties["bounds_imcoords"]; ok {
			if data, err := json.Marshal(raw); err == nil {
				var bbox model.BBox
				if json.Unmarshal(data, &bbox) == nil {
					f.BBox = bbox
				}
			}
		}
		if raw, ok := gf.Properties["featureClasses"]; ok {
			if data, err := json.Marshal(raw); err == nil {
				var classes []model.FeatureClass
				if json.Unmarshal(data, &classes) == nil {
					f.FeatureClasses = classes
				}
			}
		}
		out = append(out, f)
	}
	return out, nil
}
