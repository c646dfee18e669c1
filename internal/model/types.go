// Package model defines the data structures shared across the orchestrator:
// requests as admitted from the outside world, and the mutable progress
// records the tables in internal/progress persist.
package model

import (
	"time"

	"github.com/paulmach/orb"
)

// ImageDimensions is a width/height pair in pixels.
type ImageDimensions struct {
	Width  int
	Height int
}

// ModelInvokeMode selects which Detector variant an endpoint is reached through.
type ModelInvokeMode string

const (
	InvokeModeHosted ModelInvokeMode = "SM_ENDPOINT"
	InvokeModeHTTP   ModelInvokeMode = "HTTP_ENDPOINT"
	InvokeModeNone   ModelInvokeMode = ""
)

// SinkType names a configured output destination kind.
type SinkType string

const (
	SinkTypeS3      SinkType = "S3"
	SinkTypeKinesis SinkType = "Kinesis"
)

// SinkDescriptor is one entry of ImageRequest.Outputs, as received over the wire.
type SinkDescriptor struct {
	Type           SinkType
	Bucket         string
	Prefix         string
	Role           string
	Stream         string
	BatchSize      int
	AssumedRole    string
}

// FeatureDistillationKind selects the feature-selector algorithm (C2).
type FeatureDistillationKind string

const (
	DistillationNMS     FeatureDistillationKind = "NMS"
	DistillationSoftNMS FeatureDistillationKind = "SOFT_NMS"
)

// FeatureDistillationOption configures the C2 selector bound to an image request.
type FeatureDistillationOption struct {
	Kind             FeatureDistillationKind
	IoUThreshold     float64
	Sigma            float64
	SkipBoxThreshold float64
	// ModelWeights optionally normalizes per-model confidence before
	// selection, keyed by the value of a feature's "modelId" property
	// (weighted-fusion / ensemble mode). Nil disables weighting.
	ModelWeights map[string]float64
}

// DefaultFeatureDistillationOption mirrors the original source's default
// post-processing step: standard NMS at a 0.75 IoU threshold.
func DefaultFeatureDistillationOption() FeatureDistillationOption {
	return FeatureDistillationOption{Kind: DistillationNMS, IoUThreshold: 0.75}
}

// ImageRequest is the immutable-after-admission request to process one image.
// Grounded on the external interface in SPEC_FULL.md §6 / original_source
// api/image_request.py.
type ImageRequest struct {
	JobID                  string
	ImageID                string
	ImageURL               string
	ImageReadRole          string
	ModelName              string
	ModelInvokeMode        ModelInvokeMode
	ModelInvocationRole    string
	TileSize               ImageDimensions
	TileOverlap            ImageDimensions
	TileFormat             string
	TileCompression        string
	Outputs                []SinkDescriptor
	FeatureProperties      []map[string]any
	ROI                    orb.Geometry
	PostProcessing         FeatureDistillationOption
}

// SharedPropertiesValid checks the subset of fields a RegionRequest also
// carries and must agree with its parent ImageRequest on.
func (r ImageRequest) SharedPropertiesValid() bool {
	return r.ImageID != "" && r.JobID != "" && r.ImageURL != "" &&
		r.TileSize.Width > r.TileOverlap.Width && r.TileSize.Height > r.TileOverlap.Height
}

// RegionBounds is ((upper-left row, upper-left col), (width, height)) in
// image pixel coordinates, matching the original source's nested-tuple shape.
type RegionBounds struct {
	UL    Point
	Width int
	Height int
}

// Point is an integer pixel coordinate (row/col or x/y depending on context;
// callers are consistent within a single axis pairing).
type Point struct {
	X int
	Y int
}

// BBox is a four-corner pixel or normalized bounding box [minX, minY, maxX, maxY].
type BBox [4]float64

// RegionRequest is the message pushed onto the region-work queue (C6→C9).
type RegionRequest struct {
	ImageID             string
	JobID               string
	RegionID            string
	ImageURL            string
	ImageReadRole       string
	RegionBounds        RegionBounds
	TileSize            ImageDimensions
	TileOverlap         ImageDimensions
	TileFormat          string
	TileCompression     string
	ImageExtension      string
	ModelName           string
	ModelInvokeMode     ModelInvokeMode
	ModelInvocationRole string
}

func (r RegionRequest) SharedPropertiesValid() bool {
	return r.ImageID != "" && r.JobID != "" && r.RegionID != "" &&
		r.RegionBounds.Width > 0 && r.RegionBounds.Height > 0
}

// RegionID derives the canonical region identifier from its upper-left corner
// and job id, mirroring region_request.py's `f"{ulx}{uly}-{job_id}"`.
func RegionID(ul Point, jobID string) string {
	return itoa(ul.X) + itoa(ul.Y) + "-" + jobID
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ImageStatus is the terminal/interim lifecycle state of an ImageJob.
type ImageStatus string

const (
	ImageStatusStarted   ImageStatus = "STARTED"
	ImageStatusSuccess   ImageStatus = "SUCCESS"
	ImageStatusPartial   ImageStatus = "PARTIAL"
	ImageStatusFailed    ImageStatus = "FAILED"
)

// ImageJob is the mutable progress record for one admitted image request.
type ImageJob struct {
	ImageID            string
	JobID              string
	Status             ImageStatus
	RegionCount        int
	RegionSuccess      int
	RegionError        int
	Width              int
	Height             int
	Extents            orb.Bound
	TileSize           ImageDimensions
	TileOverlap        ImageDimensions
	ImageExtension     string
	Outputs            []SinkDescriptor
	FeatureProperties  []map[string]any
	ROI                orb.Geometry
	PostProcessing     FeatureDistillationOption
	StartTime          time.Time
	EndTime            time.Time
	ProcessingDuration time.Duration
	ExpireTime         time.Time
}

// Complete reports whether every region has reached a terminal outcome.
func (j ImageJob) Complete() bool {
	return j.RegionSuccess+j.RegionError == j.RegionCount
}

// RegionStatus is the terminal/interim lifecycle state of a RegionJob.
type RegionStatus string

const (
	RegionStatusStarted RegionStatus = "STARTED"
	RegionStatusSuccess RegionStatus = "SUCCESS"
	RegionStatusPartial RegionStatus = "PARTIAL"
	RegionStatusFailed  RegionStatus = "FAILED"
)

// RegionJob is the mutable progress record for one region within an image.
type RegionJob struct {
	ImageID            string
	RegionID           string
	Status             RegionStatus
	TotalTiles         int
	SucceededTiles     []BBox
	FailedTiles        []BBox
	SucceededTileCount int
	FailedTileCount    int
	RetryCount         int
	StartTime          time.Time
	EndTime            time.Time
	ProcessingDuration time.Duration
	ExpireTime         time.Time
}

// DeriveStatus computes the terminal RegionStatus from tile counts, per
// SPEC_FULL.md §3: SUCCESS if all tiles succeeded, FAILED if all failed,
// PARTIAL otherwise.
func (r RegionJob) DeriveStatus() RegionStatus {
	switch {
	case r.TotalTiles == 0:
		return RegionStatusSuccess
	case r.FailedTileCount == 0:
		return RegionStatusSuccess
	case r.SucceededTileCount == 0:
		return RegionStatusFailed
	default:
		return RegionStatusPartial
	}
}

// EndpointStatistics is the shared, atomically-updated load record for one
// inference endpoint.
type EndpointStatistics struct {
	EndpointName      string
	RegionsInProgress int
	MaxRegions        int
	LastCapacityCheck time.Time
}

// ImageRequestStatusRecord is the buffered-queue lookahead record (C6).
type ImageRequestStatusRecord struct {
	EndpointID      string
	JobID           string
	RequestTime     time.Time
	LastAttempt     time.Time
	NumAttempts     int
	RegionsComplete []string
	RegionCount     int
	RegionCountSet  bool
	Request         ImageRequest
}

// FeatureRow is one batch of encoded features for an image, keyed by a
// random range key (C5 FeatureRow table).
type FeatureRow struct {
	ImageID    string
	RangeKey   string
	TileID     string
	Features   []byte // serialized GeoJSON FeatureCollection fragment
	ExpireTime time.Time
}

// TileID builds the full-image-pixel-coordinate tile key used to group
// FeatureRow entries and to test seam membership, mirroring
// `"{image_id}-region-{minx}:{maxx}:{miny}:{maxy}"` from the original source.
func TileID(imageID string, minX, maxX, minY, maxY int) string {
	return imageID + "-region-" + itoa(minX) + ":" + itoa(maxX) + ":" + itoa(minY) + ":" + itoa(maxY)
}
