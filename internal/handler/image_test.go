package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mumuon/rasterrunner/internal/model"
	"github.com/mumuon/rasterrunner/internal/raster"
	"github.com/mumuon/rasterrunner/internal/tiling"
)

// --- fakes shared by image_test.go and region_test.go ---

type fakeProgress struct {
	images       map[string]model.ImageJob
	regions      map[string]model.RegionJob
	rows         map[string][]model.FeatureRow
	succeeded    map[string][]model.BBox
	stats        model.EndpointStatistics
	completeErr  error
	startImageErr error
	completeRegionOfImageCalls []bool
	imageComplete bool
}

func newFakeProgress() *fakeProgress {
	return &fakeProgress{
		images:    make(map[string]model.ImageJob),
		regions:   make(map[string]model.RegionJob),
		rows:      make(map[string][]model.FeatureRow),
		succeeded: make(map[string][]model.BBox),
	}
}

func (f *fakeProgress) StartImage(ctx context.Context, job model.ImageJob) error {
	if f.startImageErr != nil {
		return f.startImageErr
	}
	f.images[job.ImageID] = job
	return nil
}

func (f *fakeProgress) CompleteRegionOfImage(ctx context.Context, imageID string, succeeded bool) error {
	f.completeRegionOfImageCalls = append(f.completeRegionOfImageCalls, succeeded)
	return f.completeErr
}

func (f *fakeProgress) IsImageComplete(ctx context.Context, imageID string) (bool, error) {
	return f.imageComplete, nil
}

func (f *fakeProgress) FinalizeImage(ctx context.Context, imageID string, status model.ImageStatus, endTime time.Time) error {
	job := f.images[imageID]
	job.Status = status
	job.EndTime = endTime
	f.images[imageID] = job
	return nil
}

func (f *fakeProgress) GetImageJob(ctx context.Context, imageID string) (model.ImageJob, error) {
	job, ok := f.images[imageID]
	if !ok {
		return model.ImageJob{}, errors.New("image job not found")
	}
	return job, nil
}

func (f *fakeProgress) StartRegion(ctx context.Context, job model.RegionJob) error {
	f.regions[job.ImageID+"/"+job.RegionID] = job
	return nil
}

func (f *fakeProgress) GetRegionJob(ctx context.Context, imageID, regionID string) (model.RegionJob, bool, error) {
	job, ok := f.regions[imageID+"/"+regionID]
	return job, ok, nil
}

func (f *fakeProgress) CompleteRegion(ctx context.Context, imageID, regionID string, status model.RegionStatus, endTime time.Time) error {
	key := imageID + "/" + regionID
	job := f.regions[key]
	job.Status = status
	job.EndTime = endTime
	f.regions[key] = job
	return nil
}

func (f *fakeProgress) AppendTile(ctx context.Context, imageID, regionID string, bbox model.BBox, succeeded bool) error {
	if succeeded {
		key := imageID + "/" + regionID
		f.succeeded[key] = append(f.succeeded[key], bbox)
	}
	return nil
}

func (f *fakeProgress) SucceededTileBounds(ctx context.Context, imageID, regionID string) ([]model.BBox, error) {
	return f.succeeded[imageID+"/"+regionID], nil
}

func (f *fakeProgress) IncrementInProgress(ctx context.Context, endpointName string) error {
	f.stats.RegionsInProgress++
	return nil
}

func (f *fakeProgress) DecrementInProgress(ctx context.Context, endpointName string) error {
	f.stats.RegionsInProgress--
	return nil
}

func (f *fakeProgress) EndpointStatisticsByName(ctx context.Context, endpointName string) (model.EndpointStatistics, error) {
	return f.stats, nil
}

func (f *fakeProgress) InsertFeatureRow(ctx context.Context, row model.FeatureRow) error {
	f.rows[row.ImageID] = append(f.rows[row.ImageID], row)
	return nil
}

func (f *fakeProgress) ScanFeatureRows(ctx context.Context, imageID string) ([]model.FeatureRow, error) {
	return f.rows[imageID], nil
}

var _ ProgressStore = (*fakeProgress)(nil)

type fakeDataset struct {
	width, height int
	extents       orb.Bound
	sensor        raster.SensorModel
}

func (d fakeDataset) Width() int                  { return d.width }
func (d fakeDataset) Height() int                 { return d.height }
func (d fakeDataset) Extents() orb.Bound          { return d.extents }
func (d fakeDataset) SensorModel() raster.SensorModel { return d.sensor }
func (d fakeDataset) DriverName() string          { return "fake" }

var _ raster.Dataset = fakeDataset{}

type identitySensor struct{}

func (identitySensor) ImageToWorld(p raster.ImagePoint, elevation raster.ElevationModel) (raster.WorldPoint, error) {
	return raster.WorldPoint{Lon: p.X, Lat: p.Y}, nil
}

type fakeRasterSource struct {
	ds  raster.Dataset
	err error
}

func (f fakeRasterSource) Open(ctx context.Context, imageURL, readRole string) (raster.Dataset, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ds, nil
}

var _ RasterSource = fakeRasterSource{}

type fakeRegionQueue struct {
	pushed []model.RegionRequest
	err    error
}

func (q *fakeRegionQueue) Push(ctx context.Context, req model.RegionRequest) error {
	if q.err != nil {
		return q.err
	}
	q.pushed = append(q.pushed, req)
	return nil
}

var _ RegionQueue = (*fakeRegionQueue)(nil)

type fakeSink struct {
	wrote    bool
	err      error
	features []*model.Feature
}

func (s *fakeSink) WriteFeatures(ctx context.Context, job model.ImageJob, features []*model.Feature) (bool, error) {
	s.features = features
	return s.wrote, s.err
}

var _ FeatureSink = (*fakeSink)(nil)

type fakeImageMonitor struct {
	published []model.ImageJob
}

func (m *fakeImageMonitor) PublishImageStatus(ctx context.Context, job model.ImageJob) error {
	m.published = append(m.published, job)
	return nil
}

var _ ImageStatusMonitor = (*fakeImageMonitor)(nil)

type fakeRegionMonitor struct {
	published []model.RegionJob
}

func (m *fakeRegionMonitor) PublishRegionStatus(ctx context.Context, job model.RegionJob) error {
	m.published = append(m.published, job)
	return nil
}

var _ RegionStatusMonitor = (*fakeRegionMonitor)(nil)

type fakeRegionProcessor struct {
	processed []model.RegionRequest
	err       error
}

func (p *fakeRegionProcessor) ProcessRegionRequest(ctx context.Context, req model.RegionRequest) error {
	p.processed = append(p.processed, req)
	return p.err
}

var _ RegionProcessor = (*fakeRegionProcessor)(nil)

func validImageRequest() model.ImageRequest {
	return model.ImageRequest{
		JobID: "job-1", ImageID: "image-1", ImageURL: "s3://bucket/image.tif",
		ModelName: "model-a", ModelInvokeMode: model.InvokeModeHosted,
		TileSize: model.ImageDimensions{Width: 512, Height: 512},
		TileOverlap: model.ImageDimensions{Width: 32, Height: 32},
		TileFormat: "NITF", TileCompression: "NONE",
		Outputs: []model.SinkDescriptor{{Type: model.SinkTypeS3, Bucket: "b"}},
	}
}

func newImageHandler(t *testing.T, progress *fakeProgress, ds raster.Dataset, regionQ RegionQueue, sink FeatureSink, mon ImageStatusMonitor) *ImageRequestHandler {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RegionSize = model.ImageDimensions{Width: 2048, Height: 2048}
	return NewImageRequestHandler(cfg, progress, tiling.VariableTile{}, noopSelector{}, fakeRasterSource{ds: ds}, regionQ, sink, mon, nil)
}

type noopSelector struct{}

func (noopSelector) Select(features []tiling.Feature, option model.FeatureDistillationOption) ([]tiling.Feature, error) {
	return features, nil
}

var _ tiling.FeatureSelector = noopSelector{}

func TestProcessImageRequest_RejectsInvalidRequest(t *testing.T) {
	h := newImageHandler(t, newFakeProgress(), fakeDataset{width: 100, height: 100}, &fakeRegionQueue{}, &fakeSink{}, nil)
	req := validImageRequest()
	req.ImageID = ""

	err := h.ProcessImageRequest(context.Background(), req)
	require.Error(t, err)
	var invalid *model.InvalidImageRequestError
	assert.ErrorAs(t, err, &invalid)
}

func TestProcessImageRequest_FansOutAndProcessesFirstRegionInline(t *testing.T) {
	progress := newFakeProgress()
	ds := fakeDataset{width: 3000, height: 1500, sensor: identitySensor{}}
	regionQ := &fakeRegionQueue{}
	mon := &fakeImageMonitor{}
	h := newImageHandler(t, progress, ds, regionQ, &fakeSink{}, mon)

	regionProc := &fakeRegionProcessor{}
	h.SetRegionProcessor(regionProc)

	req := validImageRequest()
	require.NoError(t, h.ProcessImageRequest(context.Background(), req))

	// 3000x1500 area with 2048x2048 regions produces 2 regions (x-split).
	assert.Len(t, regionProc.processed, 1, "first region processed inline")
	assert.Len(t, regionQ.pushed, 1, "remaining regions fanned out to the queue")

	job, ok := progress.images[req.ImageID]
	require.True(t, ok)
	assert.Equal(t, model.ImageStatusStarted, job.Status)
	assert.Equal(t, 2, job.RegionCount)
	assert.Len(t, mon.published, 1)
}

func TestProcessImageRequest_FailsFastWhenROIDoesNotIntersect(t *testing.T) {
	progress := newFakeProgress()
	ds := fakeDataset{width: 100, height: 100, extents: orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}}}
	h := newImageHandler(t, progress, ds, &fakeRegionQueue{}, &fakeSink{}, nil)
	h.SetRegionProcessor(&fakeRegionProcessor{})

	req := validImageRequest()
	req.ROI = orb.Point{1000, 1000}

	err := h.ProcessImageRequest(context.Background(), req)
	require.Error(t, err)
	assert.Empty(t, progress.images)
}

func TestProcessImageRequest_ErrorsWithoutRegionProcessorWired(t *testing.T) {
	h := newImageHandler(t, newFakeProgress(), fakeDataset{width: 100, height: 100}, &fakeRegionQueue{}, &fakeSink{}, nil)
	err := h.ProcessImageRequest(context.Background(), validImageRequest())
	require.Error(t, err)
}

func TestCompleteImageRequest_AggregatesDedupesAndWritesToSink(t *testing.T) {
	progress := newFakeProgress()
	imageID := "image-1"
	progress.images[imageID] = model.ImageJob{
		ImageID: imageID, JobID: "job-1", Width: 1000, Height: 1000,
		TileSize: model.ImageDimensions{Width: 512, Height: 512},
		TileOverlap: model.ImageDimensions{Width: 32, Height: 32},
		PostProcessing: model.DefaultFeatureDistillationOption(),
		StartTime: time.Now(),
	}

	f1 := &model.Feature{ID: "f1", BBox: model.BBox{10, 10, 20, 20}, Properties: map[string]any{}}
	encoded, err := encodeFeature(f1)
	require.NoError(t, err)
	progress.rows[imageID] = []model.FeatureRow{{ImageID: imageID, RangeKey: "r1", Features: encoded}}

	sink := &fakeSink{wrote: true}
	mon := &fakeImageMonitor{}
	h := newImageHandler(t, progress, fakeDataset{}, &fakeRegionQueue{}, sink, mon)

	require.NoError(t, h.CompleteImageRequest(context.Background(), imageID))

	require.Len(t, sink.features, 1)
	assert.Equal(t, "job-1", sink.features[0].Properties["jobId"])
	assert.Equal(t, model.ImageStatusSuccess, progress.images[imageID].Status)
	require.Len(t, mon.published, 1)
	assert.Equal(t, model.ImageStatusSuccess, mon.published[0].Status)
}

func TestCompleteImageRequest_FailedWhenSinkReportsNoWrite(t *testing.T) {
	progress := newFakeProgress()
	imageID := "image-1"
	progress.images[imageID] = model.ImageJob{ImageID: imageID, JobID: "job-1", PostProcessing: model.DefaultFeatureDistillationOption()}

	sink := &fakeSink{wrote: false}
	h := newImageHandler(t, progress, fakeDataset{}, &fakeRegionQueue{}, sink, nil)

	require.NoError(t, h.CompleteImageRequest(context.Background(), imageID))
	assert.Equal(t, model.ImageStatusFailed, progress.images[imageID].Status)
}

func TestDecodeFeatureRowBody_RoundTripsBBoxAndClasses(t *testing.T) {
	f := &model.Feature{
		ID: "f1", BBox: model.BBox{1, 2, 3, 4},
		FeatureClasses: []model.FeatureClass{{IRI: "vehicle", Score: 0.9}},
		Properties:     map[string]any{},
	}
	encoded, err := encodeFeature(f)
	require.NoError(t, err)

	decoded, err := decodeFeatureRowBody(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, f.BBox, decoded[0].BBox)
	require.Len(t, decoded[0].FeatureClasses, 1)
	assert.Equal(t, "vehicle", decoded[0].FeatureClasses[0].IRI)
}
