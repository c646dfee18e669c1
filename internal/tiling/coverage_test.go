package tiling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mumuon/rasterrunner/internal/model"
)

func TestVerifyCoverage_NoGapsForFullyTiledArea(t *testing.T) {
	crops, err := GenerateCrops(1000, 1000,
		model.ImageDimensions{Width: 300, Height: 300},
		model.ImageDimensions{Width: 20, Height: 20}, false)
	require.NoError(t, err)

	gaps := VerifyCoverage(1000, 1000, crops)
	assert.Empty(t, gaps)
}

func TestVerifyCoverage_ReportsGapWhenACropIsMissing(t *testing.T) {
	crops, err := GenerateCrops(1000, 1000,
		model.ImageDimensions{Width: 300, Height: 300},
		model.ImageDimensions{Width: 20, Height: 20}, false)
	require.NoError(t, err)
	require.Greater(t, len(crops), 1)

	missing := crops[1:]
	gaps := VerifyCoverage(1000, 1000, missing)
	assert.NotEmpty(t, gaps)
}

func TestVerifyCoverage_VariableOverlapScenarioBFullyCoversShrunkBounds(t *testing.T) {
	strategy := VariableOverlap{}
	bounds := ProcessingBounds{Width: 25000, Height: 12000}
	regionSize := model.ImageDimensions{Width: 10000, Height: 10000}
	tileSize := model.ImageDimensions{Width: 4096, Height: 4096}
	overlap := model.ImageDimensions{Width: 100, Height: 100}

	regions, err := strategy.ComputeRegions(bounds, regionSize, tileSize, overlap)
	require.NoError(t, err)

	crops := make([]Crop, 0, len(regions))
	for _, r := range regions {
		crops = append(crops, Crop{UL: r.UL, Width: r.Width, Height: r.Height})
	}

	maxX, maxY := 0, 0
	for _, c := range crops {
		if x := c.UL.X + c.Width; x > maxX {
			maxX = x
		}
		if y := c.UL.Y + c.Height; y > maxY {
			maxY = y
		}
	}

	gaps := VerifyCoverage(maxX, maxY, crops)
	assert.Empty(t, gaps, "generated regions must fully cover the shrunk processing bounds")
}
