package tiling

import "github.com/mumuon/rasterrunner/internal/model"

// ProcessingBounds is the pixel-space area to decompose, expressed as an
// upper-left offset plus a width/height span.
type ProcessingBounds struct {
	UL     model.Point
	Width  int
	Height int
}

// FeatureSelector groups and deduplicates features found within a single
// overlap cell. It is C2's entry point as seen by C1 — implemented by
// internal/selection.Selector.
type FeatureSelector interface {
	Select(features []Feature, option model.FeatureDistillationOption) ([]Feature, error)
}

// Feature is the minimal view of a detection C1 needs: a mutable image-space
// bounding box used to decide overlap-cell membership. Concrete feature
// payloads (internal/refinery.Feature) satisfy this via an adapter.
type Feature interface {
	ImageBBox() model.BBox
}

// Strategy is C1's polymorphic interface. Two variants: VariableTile and
// VariableOverlap.
type Strategy interface {
	// ComputeRegions yields the region bounding boxes covering bounds.
	ComputeRegions(bounds ProcessingBounds, regionSize, tileSize, overlap model.ImageDimensions) ([]ProcessingBounds, error)

	// ComputeTiles yields the tile bounding boxes covering one region,
	// in region-local pixel coordinates.
	ComputeTiles(region ProcessingBounds, tileSize, overlap model.ImageDimensions) ([]Crop, error)

	// CleanupDuplicateFeatures removes duplicate detections from overlap
	// zones between adjacent regions and tiles, deferring to selector only
	// for features that actually straddle a seam.
	CleanupDuplicateFeatures(bounds ProcessingBounds, regionSize, tileSize, overlap model.ImageDimensions, features []Feature, selector FeatureSelector, option model.FeatureDistillationOption) ([]Feature, error)
}
