package tiling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mumuon/rasterrunner/internal/model"
)

// firstOnlySelector simulates a deduplicating selector: given a seam group
// it always keeps just the first feature, so tests can tell whether
// groupAndDeduplicate actually routed a pair of features to the selector.
type firstOnlySelector struct{}

func (firstOnlySelector) Select(features []Feature, option model.FeatureDistillationOption) ([]Feature, error) {
	return features[:1], nil
}

// TestVariableTile_CleanupDuplicateFeatures_DeduplicatesAcrossTileSeamInNonOriginRegion
// exercises a region that is not anchored at the image origin, where
// regionStride (490) is not an integer multiple of tileStride (90). Two
// features straddle a tile seam at local x=180 within region index 1
// (region origin x=490), but their image-absolute coordinates (665-678)
// land in the interior of absolute tile cell 7 rather than on any
// absolute-coordinate tile boundary. Classifying the tile seam from the
// absolute bbox (ignoring the region's pixel origin) would misclassify
// this as a non-overlap zone and let both features through untouched; the
// region-local offset must be subtracted first to see the real seam.
func TestVariableTile_CleanupDuplicateFeatures_DeduplicatesAcrossTileSeamInNonOriginRegion(t *testing.T) {
	strategy := VariableTile{}
	regionSize := model.ImageDimensions{Width: 500, Height: 500}
	tileSize := model.ImageDimensions{Width: 100, Height: 100}
	overlap := model.ImageDimensions{Width: 10, Height: 10}

	f1 := fakeFeature{bbox: model.BBox{665, 250, 675, 260}}
	f2 := fakeFeature{bbox: model.BBox{668, 250, 678, 260}}

	out, err := strategy.CleanupDuplicateFeatures(ProcessingBounds{}, regionSize, tileSize, overlap,
		[]Feature{f1, f2}, firstOnlySelector{}, model.DefaultFeatureDistillationOption())
	require.NoError(t, err)
	assert.Len(t, out, 1, "features straddling a tile seam in a non-origin region must be deduplicated")
}
