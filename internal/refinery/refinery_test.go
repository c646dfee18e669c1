package refinery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mumuon/rasterrunner/internal/model"
	"github.com/mumuon/rasterrunner/internal/raster"
)

// identitySensor maps image coordinates directly to degrees, scaled down,
// so test assertions can reason about the math without a real projection.
type identitySensor struct{}

func (identitySensor) ImageToWorld(p raster.ImagePoint, _ raster.ElevationModel) (raster.WorldPoint, error) {
	return raster.WorldPoint{Lon: p.X / 1000, Lat: p.Y / 1000}, nil
}

func TestRefineTile_TranslatesAndStampsMetadata(t *testing.T) {
	f := &model.Feature{BBox: model.BBox{10, 20, 30, 40}, Properties: map[string]any{}}
	r := New(identitySensor{}, nil)

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	r.RefineTile([]*model.Feature{f}, model.Point{X: 100, Y: 200}, "job:img", now)

	assert.Equal(t, model.BBox{110, 220, 130, 240}, f.BBox)
	assert.Equal(t, "job:img", f.Properties["imageId"])
	assert.Equal(t, "2026-07-30T12:00:00Z", f.Properties["inferenceTime"])
}

func TestGeolocate_SparseStrategy_BuildsClosedRing(t *testing.T) {
	f := &model.Feature{BBox: model.BBox{0, 0, 1000, 2000}}
	r := New(identitySensor{}, nil)

	require.NoError(t, r.Geolocate([]*model.Feature{f}))
	assert.NotNil(t, f.Geometry)
	assert.InDelta(t, 0.5, f.Properties["centroidLon"], 1e-9)
	assert.InDelta(t, 1.0, f.Properties["centroidLat"], 1e-9)
}
