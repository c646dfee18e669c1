package handler

import (
	"encoding/json"
	"os"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/mumuon/rasterrunner/internal/model"
	"github.com/mumuon/rasterrunner/internal/raster"
	"github.com/mumuon/rasterrunner/internal/refinery"
)

func readTileFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// refineAndGeolocate translates a tile's detections into full-image pixel
// coordinates and geolocates them through the region's sensor model (C3).
func refineAndGeolocate(sensor raster.SensorModel, elevation raster.ElevationModel, features []*model.Feature, tileUL model.Point, imageID string) error {
	r := refinery.New(sensor, elevation)
	r.RefineTile(features, tileUL, imageID, time.Now())
	return r.Geolocate(features)
}

// encodeFeature marshals one refined feature to its wire GeoJSON form.
func encodeFeature(f *model.Feature) ([]byte, error) {
	gf := geojson.NewFeature(f.Geometry)
	gf.ID = f.ID
	gf.Properties = make(geojson.Properties, len(f.Properties)+1)
	for k, v := range f.Properties {
		gf.Properties[k] = v
	}
	gf.Properties["bounds_imcoords"] = f.BBox
	gf.Properties["featureClasses"] = f.FeatureClasses
	return json.Marshal(gf)
}
