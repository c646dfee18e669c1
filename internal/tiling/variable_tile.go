package tiling

import "github.com/mumuon/rasterrunner/internal/model"

// VariableTile is the fixed-tile-with-residual variant: regions and tiles
// are produced directly by GenerateCrops with onlyFullTiles=false, so edge
// regions/tiles may be smaller than nominal. Grounded on
// original_source/tile_worker/variable_tile_tiling_strategy.py.
type VariableTile struct{}

var _ Strategy = VariableTile{}

func (VariableTile) ComputeRegions(bounds ProcessingBounds, regionSize, tileSize, overlap model.ImageDimensions) ([]ProcessingBounds, error) {
	crops, err := GenerateCrops(bounds.Width, bounds.Height, regionSize, overlap, false)
	if err != nil {
		return nil, err
	}
	regions := make([]ProcessingBounds, len(crops))
	for i, c := range crops {
		regions[i] = ProcessingBounds{
			UL:     model.Point{X: bounds.UL.X + c.UL.X, Y: bounds.UL.Y + c.UL.Y},
			Width:  c.Width,
			Height: c.Height,
		}
	}
	return regions, nil
}

func (VariableTile) ComputeTiles(region ProcessingBounds, tileSize, overlap model.ImageDimensions) ([]Crop, error) {
	return GenerateCrops(region.Width, region.Height, tileSize, overlap, false)
}

func (s VariableTile) CleanupDuplicateFeatures(bounds ProcessingBounds, regionSize, tileSize, overlap model.ImageDimensions, features []Feature, selector FeatureSelector, option model.FeatureDistillationOption) ([]Feature, error) {
	regionStrideX := regionSize.Width - overlap.Width
	regionStrideY := regionSize.Height - overlap.Height
	tileStrideX := tileSize.Width - overlap.Width
	tileStrideY := tileSize.Height - overlap.Height
	return groupAndDeduplicate(features,
		regionStrideX, regionStrideY, overlap.Width, overlap.Height,
		tileStrideX, tileStrideY, overlap.Width, overlap.Height,
		selector, option)
}
