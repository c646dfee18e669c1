package tiling

import (
	"fmt"

	"github.com/mumuon/rasterrunner/internal/model"
)

// VariableOverlap is the exact-full-tile variant: overlap is widened per
// axis so tiles exactly tile the image, and region size is adjusted so each
// region holds an integer number of tiles. Grounded on
// original_source/tile_worker/variable_overlap_tiling_strategy.py.
type VariableOverlap struct{}

var _ Strategy = VariableOverlap{}

// expandOverlapAxis widens minOverlap along one axis so that chipSize tiles
// exactly cover imageSize, per SPEC_FULL.md §4.1: stride = tile - min_overlap;
// num_tiles = ceil((image-min_overlap)/stride); if num_tiles>1, overlap +=
// ceil((min_overlap + num_tiles*stride - image)/(num_tiles-1)).
func expandOverlapAxis(imageSize, chipSize, minOverlap int) (overlap int, numTiles int) {
	stride := chipSize - minOverlap
	if stride <= 0 {
		return minOverlap, 1
	}
	numTiles = ceilDiv(imageSize-minOverlap, stride)
	if numTiles <= 1 {
		return minOverlap, numTiles
	}
	extra := minOverlap + numTiles*stride - imageSize
	overlap = minOverlap + ceilDiv(extra, numTiles-1)
	return overlap, numTiles
}

// regionSizeForFullTilesAxis adjusts a requested region extent along one
// axis so it contains an integer number of tiles of size chipSize separated
// by the (already-expanded) overlap, per SPEC_FULL.md §4.1: stride =
// chip-overlap; num_tiles_per_region = floor((region-overlap)/stride);
// new_region = stride*num_tiles_per_region + overlap.
func regionSizeForFullTilesAxis(regionSize, chipSize, overlap int) (int, error) {
	if overlap >= chipSize {
		return 0, fmt.Errorf("tiling: overlap %d must be smaller than tile size %d", overlap, chipSize)
	}
	stride := chipSize - overlap
	numTilesPerRegion := (regionSize - overlap) / stride
	if numTilesPerRegion < 1 {
		numTilesPerRegion = 1
	}
	return stride*numTilesPerRegion + overlap, nil
}

func (VariableOverlap) ComputeRegions(bounds ProcessingBounds, regionSize, tileSize, overlap model.ImageDimensions) ([]ProcessingBounds, error) {
	tileOverlapX, _ := expandOverlapAxis(bounds.Width, tileSize.Width, overlap.Width)
	tileOverlapY, _ := expandOverlapAxis(bounds.Height, tileSize.Height, overlap.Height)
	tileOverlapSize := model.ImageDimensions{Width: tileOverlapX, Height: tileOverlapY}

	adjRegionW, err := regionSizeForFullTilesAxis(regionSize.Width, tileSize.Width, tileOverlapX)
	if err != nil {
		return nil, err
	}
	adjRegionH, err := regionSizeForFullTilesAxis(regionSize.Height, tileSize.Height, tileOverlapY)
	if err != nil {
		return nil, err
	}

	// The region grid must only span the portion of the image that the
	// (widened) tile grid actually fully tiles: find the full-tile span
	// first, shrink the processing bounds to it, then lay the adjusted
	// regions out across that shrunk area. The region crop itself is not
	// required to be a full adjRegionW/H chip at the trailing edge — only
	// every tile within it must be — so the region pass runs with
	// onlyFullTiles=false.
	fullTileCrops, err := GenerateCrops(bounds.Width, bounds.Height, tileSize, tileOverlapSize, true)
	if err != nil {
		return nil, err
	}
	fullTileSpans := make([]ProcessingBounds, len(fullTileCrops))
	for i, c := range fullTileCrops {
		fullTileSpans[i] = ProcessingBounds{UL: model.Point{X: c.UL.X, Y: c.UL.Y}, Width: c.Width, Height: c.Height}
	}
	adjustedBounds := ShrinkProcessingBounds(ProcessingBounds{Width: bounds.Width, Height: bounds.Height}, fullTileSpans)

	crops, err := GenerateCrops(adjustedBounds.Width, adjustedBounds.Height,
		model.ImageDimensions{Width: adjRegionW, Height: adjRegionH},
		tileOverlapSize, false)
	if err != nil {
		return nil, err
	}
	regions := make([]ProcessingBounds, len(crops))
	for i, c := range crops {
		regions[i] = ProcessingBounds{
			UL:     model.Point{X: bounds.UL.X + adjustedBounds.UL.X + c.UL.X, Y: bounds.UL.Y + adjustedBounds.UL.Y + c.UL.Y},
			Width:  c.Width,
			Height: c.Height,
		}
	}
	return regions, nil
}

// ShrinkProcessingBounds recomputes the image's processing bounds as the
// span of the given rectangles (ComputeRegions passes the generated full
// tiles), per SPEC_FULL.md §4.1's "the image's
// processing bounds are shrunk to the span of generated full tiles".
func ShrinkProcessingBounds(bounds ProcessingBounds, regions []ProcessingBounds) ProcessingBounds {
	if len(regions) == 0 {
		return ProcessingBounds{UL: bounds.UL, Width: 0, Height: 0}
	}
	minX, minY := regions[0].UL.X, regions[0].UL.Y
	maxX, maxY := regions[0].UL.X+regions[0].Width, regions[0].UL.Y+regions[0].Height
	for _, r := range regions[1:] {
		if r.UL.X < minX {
			minX = r.UL.X
		}
		if r.UL.Y < minY {
			minY = r.UL.Y
		}
		if x := r.UL.X + r.Width; x > maxX {
			maxX = x
		}
		if y := r.UL.Y + r.Height; y > maxY {
			maxY = y
		}
	}
	return ProcessingBounds{UL: model.Point{X: minX, Y: minY}, Width: maxX - minX, Height: maxY - minY}
}

func (VariableOverlap) ComputeTiles(region ProcessingBounds, tileSize, overlap model.ImageDimensions) ([]Crop, error) {
	tileOverlapX, _ := expandOverlapAxis(region.Width, tileSize.Width, overlap.Width)
	tileOverlapY, _ := expandOverlapAxis(region.Height, tileSize.Height, overlap.Height)
	return GenerateCrops(region.Width, region.Height, tileSize,
		model.ImageDimensions{Width: tileOverlapX, Height: tileOverlapY}, true)
}

func (s VariableOverlap) CleanupDuplicateFeatures(bounds ProcessingBounds, regionSize, tileSize, overlap model.ImageDimensions, features []Feature, selector FeatureSelector, option model.FeatureDistillationOption) ([]Feature, error) {
	tileOverlapX, _ := expandOverlapAxis(bounds.Width, tileSize.Width, overlap.Width)
	tileOverlapY, _ := expandOverlapAxis(bounds.Height, tileSize.Height, overlap.Height)

	adjRegionW, err := regionSizeForFullTilesAxis(regionSize.Width, tileSize.Width, tileOverlapX)
	if err != nil {
		return nil, err
	}
	adjRegionH, err := regionSizeForFullTilesAxis(regionSize.Height, tileSize.Height, tileOverlapY)
	if err != nil {
		return nil, err
	}

	regionStrideX := adjRegionW - tileOverlapX
	regionStrideY := adjRegionH - tileOverlapY
	tileStrideX := tileSize.Width - tileOverlapX
	tileStrideY := tileSize.Height - tileOverlapY

	return groupAndDeduplicate(features,
		regionStrideX, regionStrideY, tileOverlapX, tileOverlapY,
		tileStrideX, tileStrideY, tileOverlapX, tileOverlapY,
		selector, option)
}
