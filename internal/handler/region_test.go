package handler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mumuon/rasterrunner/internal/inference"
	"github.com/mumuon/rasterrunner/internal/model"
	"github.com/mumuon/rasterrunner/internal/raster"
	"github.com/mumuon/rasterrunner/internal/tiling"
)

type fakeTileFactory struct {
	dir   string
	calls int
}

func (f *fakeTileFactory) EncodeTile(ds raster.Dataset, bounds raster.ImageBounds, format, compression string) (string, error) {
	f.calls++
	path := filepath.Join(f.dir, "tile.nitf")
	if err := os.WriteFile(path, []byte("fake-tile-bytes"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

var _ raster.TileFactory = (*fakeTileFactory)(nil)

type fakeDetector struct {
	features []*model.Feature
	err      error
	calls    int
}

func (d *fakeDetector) FindFeatures(ctx context.Context, payload inference.Payload) ([]*model.Feature, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	out := make([]*model.Feature, len(d.features))
	for i, f := range d.features {
		cp := *f
		out[i] = &cp
	}
	return out, nil
}

var _ inference.Detector = (*fakeDetector)(nil)

type fakeDetectorFactory struct {
	detector Detector
	err      error
}

func (f *fakeDetectorFactory) ForRequest(req model.ImageRequest) (Detector, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.detector, nil
}

var _ DetectorFactory = (*fakeDetectorFactory)(nil)

type fakeImageCompleter struct {
	completed []string
	err       error
}

func (c *fakeImageCompleter) CompleteImageRequest(ctx context.Context, imageID string) error {
	c.completed = append(c.completed, imageID)
	return c.err
}

var _ ImageCompleter = (*fakeImageCompleter)(nil)

func validRegionRequest() model.RegionRequest {
	return model.RegionRequest{
		ImageID: "image-1", JobID: "job-1", RegionID: "region-1",
		ImageURL: "s3://bucket/image.tif",
		RegionBounds: model.RegionBounds{UL: model.Point{X: 1000, Y: 2000}, Width: 512, Height: 512},
		TileSize: model.ImageDimensions{Width: 256, Height: 256},
		TileOverlap: model.ImageDimensions{Width: 16, Height: 16},
		TileFormat: "NITF", TileCompression: "NONE",
		ModelName: "model-a", ModelInvokeMode: model.InvokeModeHosted,
	}
}

func newRegionHandler(t *testing.T, progress *fakeProgress, tiles raster.TileFactory, detectors DetectorFactory, completer ImageCompleter, mon RegionStatusMonitor) *RegionRequestHandler {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TileWorkerCount = 2
	cfg.SelfThrottlingEnabled = false
	ds := fakeDataset{width: 3000, height: 3000, sensor: identitySensor{}}
	return NewRegionRequestHandler(cfg, progress, tiling.VariableTile{}, fakeRasterSource{ds: ds}, tiles, detectors, completer, nil, mon, nil)
}

func TestProcessRegionRequest_RejectsInvalidRequest(t *testing.T) {
	h := newRegionHandler(t, newFakeProgress(), &fakeTileFactory{dir: t.TempDir()}, &fakeDetectorFactory{detector: &fakeDetector{}}, &fakeImageCompleter{}, nil)
	req := validRegionRequest()
	req.RegionID = ""

	err := h.ProcessRegionRequest(context.Background(), req)
	require.Error(t, err)
	var invalid *model.InvalidImageRequestError
	assert.ErrorAs(t, err, &invalid)
}

func TestProcessRegionRequest_SelfThrottlesWhenAtCapacity(t *testing.T) {
	progress := newFakeProgress()
	progress.stats = model.EndpointStatistics{MaxRegions: 1, RegionsInProgress: 1}

	cfg := DefaultConfig()
	cfg.SelfThrottlingEnabled = true
	ds := fakeDataset{width: 3000, height: 3000, sensor: identitySensor{}}
	h := NewRegionRequestHandler(cfg, progress, tiling.VariableTile{}, fakeRasterSource{ds: ds},
		&fakeTileFactory{dir: t.TempDir()}, &fakeDetectorFactory{detector: &fakeDetector{}}, &fakeImageCompleter{}, nil, nil, nil)

	err := h.ProcessRegionRequest(context.Background(), validRegionRequest())
	assert.ErrorIs(t, err, model.ErrSelfThrottledRegion)
}

func TestProcessRegionRequest_DispatchesTilesAndCompletesRegion(t *testing.T) {
	progress := newFakeProgress()
	tiles := &fakeTileFactory{dir: t.TempDir()}
	detector := &fakeDetector{features: []*model.Feature{
		{ID: "f1", BBox: model.BBox{1, 1, 10, 10}, Properties: map[string]any{}},
	}}
	completer := &fakeImageCompleter{}
	mon := &fakeRegionMonitor{}
	h := newRegionHandler(t, progress, tiles, &fakeDetectorFactory{detector: detector}, completer, mon)

	req := validRegionRequest()
	progress.imageComplete = true

	require.NoError(t, h.ProcessRegionRequest(context.Background(), req))

	assert.Greater(t, tiles.calls, 0, "tiles were encoded")
	assert.Greater(t, detector.calls, 0, "detector was invoked per tile")

	regionJob, ok := progress.regions[req.ImageID+"/"+req.RegionID]
	require.True(t, ok)
	assert.Equal(t, model.RegionStatusSuccess, regionJob.Status)

	require.Len(t, mon.published, 1)
	assert.Len(t, progress.completeRegionOfImageCalls, 1)
	assert.True(t, progress.completeRegionOfImageCalls[0])

	require.Len(t, completer.completed, 1, "last region completion triggers image completion")
	assert.Equal(t, req.ImageID, completer.completed[0])

	rows := progress.rows[req.ImageID]
	require.NotEmpty(t, rows, "detected features were persisted as feature rows")
}

// flakyDetector fails the first call and succeeds on every call after,
// so a region with more than one tile ends up partially successful.
type flakyDetector struct {
	failed bool
	calls  int
}

func (d *flakyDetector) FindFeatures(ctx context.Context, payload inference.Payload) ([]*model.Feature, error) {
	d.calls++
	if !d.failed {
		d.failed = true
		return nil, errors.New("inference unavailable")
	}
	return nil, nil
}

var _ inference.Detector = (*flakyDetector)(nil)

func TestProcessRegionRequest_PartialRegionCountsAsRegionErrorNotSuccess(t *testing.T) {
	progress := newFakeProgress()
	tiles := &fakeTileFactory{dir: t.TempDir()}
	detector := &flakyDetector{}
	completer := &fakeImageCompleter{}
	h := newRegionHandler(t, progress, tiles, &fakeDetectorFactory{detector: detector}, completer, nil)

	req := validRegionRequest()
	require.NoError(t, h.ProcessRegionRequest(context.Background(), req))
	require.Greater(t, detector.calls, 1, "region must have more than one tile for a partial status to be possible")

	regionJob := progress.regions[req.ImageID+"/"+req.RegionID]
	require.Equal(t, model.RegionStatusPartial, regionJob.Status)

	require.Len(t, progress.completeRegionOfImageCalls, 1)
	assert.False(t, progress.completeRegionOfImageCalls[0], "a partial region must count as a region error, not a region success")
}

func TestProcessRegionRequest_MarksFailedWhenEveryTileFails(t *testing.T) {
	progress := newFakeProgress()
	tiles := &fakeTileFactory{dir: t.TempDir()}
	detector := &fakeDetector{err: errors.New("inference unavailable")}
	completer := &fakeImageCompleter{}
	h := newRegionHandler(t, progress, tiles, &fakeDetectorFactory{detector: detector}, completer, nil)

	req := validRegionRequest()
	require.NoError(t, h.ProcessRegionRequest(context.Background(), req))

	regionJob := progress.regions[req.ImageID+"/"+req.RegionID]
	assert.Equal(t, model.RegionStatusFailed, regionJob.Status)
	assert.Empty(t, completer.completed, "image not yet complete")
}

func TestProcessRegionRequest_ResumesFromExistingRegionSkippingSucceededTiles(t *testing.T) {
	progress := newFakeProgress()
	req := validRegionRequest()
	key := req.ImageID + "/" + req.RegionID
	progress.regions[key] = model.RegionJob{ImageID: req.ImageID, RegionID: req.RegionID, Status: model.RegionStatusPartial}

	crops, err := tiling.VariableTile{}.ComputeTiles(tiling.ProcessingBounds{Width: req.RegionBounds.Width, Height: req.RegionBounds.Height}, req.TileSize, req.TileOverlap)
	require.NoError(t, err)
	require.NotEmpty(t, crops)
	for _, c := range crops {
		progress.succeeded[key] = append(progress.succeeded[key], c.BBox())
	}

	tiles := &fakeTileFactory{dir: t.TempDir()}
	detector := &fakeDetector{}
	h := newRegionHandler(t, progress, tiles, &fakeDetectorFactory{detector: detector}, &fakeImageCompleter{}, nil)

	require.NoError(t, h.ProcessRegionRequest(context.Background(), req))
	assert.Equal(t, 0, tiles.calls, "every tile had already succeeded, so none were re-encoded")
}
