// Package raster defines the external-collaborator contracts this
// orchestrator depends on but does not implement: raster I/O, tile pixel
// encoding, and sensor-model/elevation-model construction are explicitly out
// of scope (SPEC_FULL.md §1) and are owned by a real image library. Only the
// small interfaces the orchestrator calls through are specified here.
package raster

import "github.com/paulmach/orb"

// ImagePoint is a pixel coordinate within a raster, (column, row).
type ImagePoint struct {
	X float64
	Y float64
}

// WorldPoint is a geodetic coordinate in degrees, (longitude, latitude,
// elevation meters).
type WorldPoint struct {
	Lon float64
	Lat float64
	Elevation float64
}

// ElevationModel resolves terrain height at a geodetic location; an
// external collaborator (e.g. a DEM lookup service).
type ElevationModel interface {
	ElevationAt(lon, lat float64) (float64, error)
}

// SensorModel converts between image pixel coordinates and world
// coordinates for one opened raster. Composite sensor models (ones built
// from an approximate plus a precise model) additionally satisfy
// CompositeSensorModel so the refinery can use the cheaper approximate path
// per-vertex and a single precise correction per feature.
type SensorModel interface {
	ImageToWorld(p ImagePoint, elevation ElevationModel) (WorldPoint, error)
}

// CompositeSensorModel is implemented by sensor models assembled from an
// approximate (cheap, per-vertex) and precise (expensive, per-feature)
// delegate, per SPEC_FULL.md §4.3's delta-correction technique.
type CompositeSensorModel interface {
	SensorModel
	ApproximateImageToWorld(p ImagePoint, elevation ElevationModel) (WorldPoint, error)
}

// Dataset is the minimal view of an opened raster the image handler needs:
// its pixel extent and bound sensor model. Opening the dataset itself (GDAL
// or equivalent) is entirely an external collaborator's responsibility.
type Dataset interface {
	Width() int
	Height() int
	Extents() orb.Bound
	SensorModel() SensorModel
	DriverName() string
}

// TileFactory encodes one tile of an opened dataset to a temporary file in
// the requested format/compression, returning its path. An external
// collaborator per SPEC_FULL.md §1 ("Raster I/O, tile pixel encoding").
type TileFactory interface {
	EncodeTile(ds Dataset, bounds ImageBounds, format, compression string) (path string, err error)
}

// ImageBounds is a pixel-space rectangle within a Dataset.
type ImageBounds struct {
	ULCol, ULRow int
	Width, Height int
}
