// Package handler implements C8 (image handler) and C9 (region handler):
// the two request handlers that turn an admitted image request into tile
// dispatch, and fold tile results back up into a completed image.
//
// C8 and C9 are naturally cyclic — the image handler processes the first
// region inline through the region handler, and the region handler calls
// back into the image handler when it completes the image's last region.
// The cycle is broken with constructor/setter injection: ImageRequestHandler
// is built first with its RegionProcessor left unset, RegionRequestHandler
// is built holding the image handler as its ImageCompleter, then
// SetRegionProcessor wires the image handler back to the region handler.
package handler

import (
	"context"
	"time"

	"github.com/mumuon/rasterrunner/internal/inference"
	"github.com/mumuon/rasterrunner/internal/model"
	"github.com/mumuon/rasterrunner/internal/raster"
	"github.com/mumuon/rasterrunner/internal/tiling"
)

// RegionProcessor processes one region request, in-line or off a queue.
type RegionProcessor interface {
	ProcessRegionRequest(ctx context.Context, req model.RegionRequest) error
}

// ImageCompleter finishes an image once its last region lands.
type ImageCompleter interface {
	CompleteImageRequest(ctx context.Context, imageID string) error
}

// RegionQueue is the outbound side of C6's internal region-work queue.
type RegionQueue interface {
	Push(ctx context.Context, req model.RegionRequest) error
}

// ProgressStore is the subset of internal/progress.Store the handlers call.
type ProgressStore interface {
	StartImage(ctx context.Context, job model.ImageJob) error
	CompleteRegionOfImage(ctx context.Context, imageID string, succeeded bool) error
	IsImageComplete(ctx context.Context, imageID string) (bool, error)
	FinalizeImage(ctx context.Context, imageID string, status model.ImageStatus, endTime time.Time) error
	GetImageJob(ctx context.Context, imageID string) (model.ImageJob, error)

	StartRegion(ctx context.Context, job model.RegionJob) error
	GetRegionJob(ctx context.Context, imageID, regionID string) (model.RegionJob, bool, error)
	CompleteRegion(ctx context.Context, imageID, regionID string, status model.RegionStatus, endTime time.Time) error
	AppendTile(ctx context.Context, imageID, regionID string, bbox model.BBox, succeeded bool) error
	SucceededTileBounds(ctx context.Context, imageID, regionID string) ([]model.BBox, error)

	IncrementInProgress(ctx context.Context, endpointName string) error
	DecrementInProgress(ctx context.Context, endpointName string) error
	EndpointStatisticsByName(ctx context.Context, endpointName string) (model.EndpointStatistics, error)

	InsertFeatureRow(ctx context.Context, row model.FeatureRow) error
	ScanFeatureRows(ctx context.Context, imageID string) ([]model.FeatureRow, error)
}

// CapacityLookup reports an endpoint's current instance count (C13). The
// handlers in this package do not hold or call one: the self-throttling
// ceiling comes from EndpointStatistics.MaxRegions alone.
type CapacityLookup interface {
	GetMaxRegions(ctx context.Context, now time.Time, endpointName string) int
}

// RasterSource opens a raster and constructs its sensor model; entirely an
// external collaborator (SPEC_FULL.md §1).
type RasterSource interface {
	Open(ctx context.Context, imageURL, readRole string) (raster.Dataset, error)
}

// DetectorFactory dispatches to the right C4 Detector variant for a request.
type DetectorFactory interface {
	ForRequest(req model.ImageRequest) (Detector, error)
}

// Detector and Payload alias internal/inference's types directly: the
// handler dispatches real detectors, not a parallel shape.
type Detector = inference.Detector
type Payload = inference.Payload

// FeatureSink writes an image's final, deduplicated feature collection to
// every configured AGGREGATE-mode sink, succeeding if at least one wrote.
type FeatureSink interface {
	WriteFeatures(ctx context.Context, job model.ImageJob, features []*model.Feature) (bool, error)
}

// ImageStatusMonitor publishes image lifecycle events (C12).
type ImageStatusMonitor interface {
	PublishImageStatus(ctx context.Context, job model.ImageJob) error
}

// RegionStatusMonitor publishes region lifecycle events (C12).
type RegionStatusMonitor interface {
	PublishRegionStatus(ctx context.Context, job model.RegionJob) error
}

// Strategy mirrors internal/tiling.Strategy, to keep this package's public
// surface free of a tiling import in signatures that don't need Crop.
type Strategy = tiling.Strategy

// Selector mirrors internal/tiling.FeatureSelector.
type Selector = tiling.FeatureSelector

// Config tunes the handlers' concurrency and batching behavior.
type Config struct {
	TileWorkerCount       int
	SelfThrottlingEnabled bool
	FeatureRowByteLimit   int
	RegionSize            model.ImageDimensions
}

// DefaultConfig matches SPEC_FULL.md §4.9's "≈200 KB" FeatureRow batching
// threshold and a modest default worker count.
func DefaultConfig() Config {
	return Config{TileWorkerCount: 8, SelfThrottlingEnabled: true, FeatureRowByteLimit: 200 * 1024}
}
