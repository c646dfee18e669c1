// Package refinery implements C3: translating tile-local detections into
// full-image coordinates, geolocating them through a sensor model, and
// attaching inference metadata.
//
// Grounded on original_source/tile_worker/tile_worker.py (_refine_features,
// convert_deprecated_feature_properties) and
// original_source/photogrammetry/coordinates.py (geolocation strategy).
package refinery

import (
	"time"

	"github.com/paulmach/orb"

	"github.com/mumuon/rasterrunner/internal/model"
	"github.com/mumuon/rasterrunner/internal/raster"
)

// DefaultGridSize is the bilinear-interpolation grid dimension; when a call
// has fewer than DefaultGridSize² features the sparse (direct per-feature)
// geolocation strategy is used instead, per SPEC_FULL.md §4.3.
const DefaultGridSize = 11

// Refinery owns one region's sensor model and elevation model and refines
// every tile dispatched within it.
type Refinery struct {
	SensorModel raster.SensorModel
	Elevation   raster.ElevationModel
	GridSize    int
}

// New constructs a Refinery with the default grid size.
func New(sensor raster.SensorModel, elevation raster.ElevationModel) *Refinery {
	return &Refinery{SensorModel: sensor, Elevation: elevation, GridSize: DefaultGridSize}
}

// RefineTile translates each feature from tile-local to full-image pixel
// coordinates, attaches imageId/inferenceTime, and migrates deprecated
// properties. It does not geolocate; call Geolocate afterward once all of a
// region's (or image's) features are assembled, since the strategy choice
// depends on the total feature count.
func (r *Refinery) RefineTile(features []*model.Feature, tileUL model.Point, imageID string, now time.Time) {
	stamp := now.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05") + "Z"
	for _, f := range features {
		translateBBox(f, tileUL)
		translateGeometry(f, tileUL)

		if f.Properties == nil {
			f.Properties = map[string]any{}
		}
		f.Properties["imageId"] = imageID
		f.Properties["inferenceTime"] = stamp
		convertDeprecatedProperties(f)
	}
}

func translateBBox(f *model.Feature, ul model.Point) {
	f.BBox[0] += float64(ul.X)
	f.BBox[1] += float64(ul.Y)
	f.BBox[2] += float64(ul.X)
	f.BBox[3] += float64(ul.Y)
}

func translateGeometry(f *model.Feature, ul model.Point) {
	if f.Geometry == nil {
		return
	}
	f.Geometry = translateGeom(f.Geometry, float64(ul.X), float64(ul.Y))
}

func translateGeom(g orb.Geometry, dx, dy float64) orb.Geometry {
	switch v := g.(type) {
	case orb.Point:
		return orb.Point{v[0] + dx, v[1] + dy}
	case orb.LineString:
		out := make(orb.LineString, len(v))
		for i, p := range v {
			out[i] = orb.Point{p[0] + dx, p[1] + dy}
		}
		return out
	case orb.Ring:
		out := make(orb.Ring, len(v))
		for i, p := range v {
			out[i] = orb.Point{p[0] + dx, p[1] + dy}
		}
		return out
	case orb.Polygon:
		out := make(orb.Polygon, len(v))
		for i, ring := range v {
			out[i] = translateGeom(ring, dx, dy).(orb.Ring)
		}
		return out
	default:
		return g
	}
}

// convertDeprecatedProperties migrates the legacy "feature_types" map
// property into the "featureClasses" list once the new field is populated,
// mirroring tile_worker.py's convert_deprecated_feature_properties.
func convertDeprecatedProperties(f *model.Feature) {
	if len(f.FeatureClasses) == 0 {
		if legacy, ok := f.Properties["feature_types"].(map[string]float64); ok {
			for iri, score := range legacy {
				f.FeatureClasses = append(f.FeatureClasses, model.FeatureClass{IRI: iri, Score: score})
			}
		}
	}
	delete(f.Properties, "feature_types")
}
