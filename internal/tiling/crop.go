// Package tiling implements C1: the tiling strategies that decompose a raster
// image into regions and regions into tiles, plus the overlap-aware
// deduplication grouping used to clean up duplicate detections at seams.
//
// Grounded on original_source/tile_worker/tiling_strategy.py,
// variable_tile_tiling_strategy.py and variable_overlap_tiling_strategy.py.
package tiling

import (
	"fmt"

	"github.com/mumuon/rasterrunner/internal/model"
)

// Crop is one generated rectangle, anchored at an upper-left pixel offset
// within the area generate_crops was called over.
type Crop struct {
	UL     model.Point
	Width  int
	Height int
}

// BBox returns the crop's bounding box in pixel coordinates relative to the
// area it was generated over.
func (c Crop) BBox() model.BBox {
	return model.BBox{
		float64(c.UL.X), float64(c.UL.Y),
		float64(c.UL.X + c.Width), float64(c.UL.Y + c.Height),
	}
}

func ceilDiv(a, b int) int {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// GenerateCrops is the shared crop-generation primitive both tiling variants
// build on. area is (width, height); chipSize and overlap are (width,
// height) pairs. When onlyFullTiles is true, any crop smaller than chipSize
// is dropped (used for "variable-overlap" full-tile regions/tiles);
// otherwise a crop is dropped when either its width or its height is at
// most the corresponding overlap (degenerate sliver), matching
// generate_crops' `w > overlap and h > overlap` keep-test applied in the
// negative.
func GenerateCrops(areaW, areaH int, chipSize, overlap model.ImageDimensions, onlyFullTiles bool) ([]Crop, error) {
	if overlap.Width >= chipSize.Width || overlap.Height >= chipSize.Height {
		return nil, fmt.Errorf("tiling: overlap (%d,%d) must be smaller than chip size (%d,%d)",
			overlap.Width, overlap.Height, chipSize.Width, chipSize.Height)
	}

	strideX := chipSize.Width - overlap.Width
	strideY := chipSize.Height - overlap.Height

	var crops []Crop
	for y := 0; y < areaH; y += strideY {
		h := chipSize.Height
		if remaining := areaH - y; remaining < h {
			h = remaining
		}
		for x := 0; x < areaW; x += strideX {
			w := chipSize.Width
			if remaining := areaW - x; remaining < w {
				w = remaining
			}

			if onlyFullTiles {
				if w < chipSize.Width || h < chipSize.Height {
					continue
				}
			} else if w <= overlap.Width || h <= overlap.Height {
				continue
			}

			crops = append(crops, Crop{UL: model.Point{X: x, Y: y}, Width: w, Height: h})
		}
	}
	return crops, nil
}
