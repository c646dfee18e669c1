package tiling

import (
	"math"

	"github.com/mumuon/rasterrunner/internal/model"
)

// overlapCell identifies which stride cell(s) along one axis a coordinate
// range touches, grounded on variable_tile_tiling_strategy.py's
// _identify_overlap: given a bbox's [min,max] on one axis, a stride and an
// overlap margin, return (minIndex, maxIndex). When minIndex == maxIndex the
// range lies entirely within one cell's non-overlap interior.
func overlapCell(min, max float64, stride, overlap int) (minIndex, maxIndex int) {
	if stride <= 0 {
		return 0, 0
	}
	maxIndex = int(max) / stride
	minIndex = int(min) / stride
	minOffset := int(min) % stride
	if minOffset < overlap && minIndex > 0 {
		minIndex--
	}
	return minIndex, maxIndex
}

// overlapKey is the four-integer group key (minX, maxX, minY, maxY) cell
// indices for one feature's bounding box against a given stride/overlap.
type overlapKey struct {
	minX, maxX, minY, maxY int
}

// isSeam reports whether a key spans more than one cell on either axis —
// i.e. whether the feature actually touches an overlap zone.
func (k overlapKey) isSeam() bool {
	return k.minX != k.maxX || k.minY != k.maxY
}

func keyFor(bbox model.BBox, strideX, strideY, overlapX, overlapY int) overlapKey {
	minX, maxX := overlapCell(bbox[0], bbox[2], strideX, overlapX)
	minY, maxY := overlapCell(bbox[1], bbox[3], strideY, overlapY)
	return overlapKey{minX, maxX, minY, maxY}
}

// offsetBBox translates a bbox by (-dx, -dy), used to express an
// image-absolute bbox in a region's local coordinate space before it is
// checked against the tile-stride grid.
func offsetBBox(bbox model.BBox, dx, dy float64) model.BBox {
	return model.BBox{bbox[0] - dx, bbox[1] - dy, bbox[2] - dx, bbox[3] - dy}
}

// groupAndDeduplicate implements cleanup_duplicate_features' two-level
// grouping: group first by region-overlap cell, and within regions that
// coincide (i.e. are not a region seam), group again by tile-overlap cell.
// Features whose key is a non-overlap zone at a level pass through
// untouched; features sharing a seam group are handed to selector together.
func groupAndDeduplicate(
	features []Feature,
	regionStrideX, regionStrideY, regionOverlapX, regionOverlapY int,
	tileStrideX, tileStrideY, tileOverlapX, tileOverlapY int,
	selector FeatureSelector,
	option model.FeatureDistillationOption,
) ([]Feature, error) {
	regionGroups := make(map[overlapKey][]Feature)
	var regionOrder []overlapKey
	for _, f := range features {
		k := keyFor(f.ImageBBox(), regionStrideX, regionStrideY, regionOverlapX, regionOverlapY)
		if _, ok := regionGroups[k]; !ok {
			regionOrder = append(regionOrder, k)
		}
		regionGroups[k] = append(regionGroups[k], f)
	}

	var result []Feature
	for _, k := range regionOrder {
		group := regionGroups[k]
		if !k.isSeam() {
			// Not a region seam: regroup by tile overlap within this region.
			// The region this group sits in is not generally anchored at the
			// image origin, and regionStride is rarely an integer multiple of
			// tileStride, so the feature's image-absolute bbox is first
			// translated into the region's local coordinate space (by the
			// region's pixel origin) before it is checked against the
			// tile-stride grid.
			regionOriginX := float64(regionStrideX * k.minX)
			regionOriginY := float64(regionStrideY * k.minY)
			tileGroups := make(map[overlapKey][]Feature)
			var tileOrder []overlapKey
			for _, f := range group {
				localBBox := offsetBBox(f.ImageBBox(), regionOriginX, regionOriginY)
				tk := keyFor(localBBox, tileStrideX, tileStrideY, tileOverlapX, tileOverlapY)
				if _, ok := tileGroups[tk]; !ok {
					tileOrder = append(tileOrder, tk)
				}
				tileGroups[tk] = append(tileGroups[tk], f)
			}
			for _, tk := range tileOrder {
				tgroup := tileGroups[tk]
				if !tk.isSeam() || len(tgroup) < 2 {
					result = append(result, tgroup...)
					continue
				}
				selected, err := selector.Select(tgroup, option)
				if err != nil {
					return nil, err
				}
				result = append(result, selected...)
			}
			continue
		}
		if len(group) < 2 {
			result = append(result, group...)
			continue
		}
		selected, err := selector.Select(group, option)
		if err != nil {
			return nil, err
		}
		result = append(result, selected...)
	}
	return result, nil
}

func ceilF(v float64) int {
	return int(math.Ceil(v))
}
