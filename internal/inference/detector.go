// Package inference implements C4: the polymorphic dispatcher that sends an
// encoded tile to a remote endpoint and parses the returned feature
// collection. Two variants intentionally differ in error handling: the
// hosted-endpoint variant surfaces transport/decode errors, the
// HTTP-endpoint variant swallows them into an empty collection.
//
// Grounded on original_source/inference/sm_detector.py (raises) and
// original_source/inference/http_detector.py (swallows), dispatched the way
// original_source/inference/endpoint_factory.py does.
package inference

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb/geojson"

	"github.com/mumuon/rasterrunner/internal/model"
)

// Payload is one encoded tile plus the metadata an endpoint needs to
// interpret it.
type Payload struct {
	TileBytes   []byte
	Format      string
	Compression string
}

// Detector is C4's polymorphic interface.
type Detector interface {
	FindFeatures(ctx context.Context, payload Payload) ([]*model.Feature, error)
}

// featuresFromGeoJSON decodes a raw GeoJSON FeatureCollection body into the
// orchestrator's working Feature representation. The caller decides whether
// a decode failure is raised or swallowed.
func featuresFromGeoJSON(body []byte) ([]*model.Feature, error) {
	if len(body) == 0 {
		return nil, nil
	}
	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return nil, fmt.Errorf("inference: decoding feature collection: %w", err)
	}

	out := make([]*model.Feature, 0, len(fc.Features))
	for _, gf := range fc.Features {
		f := &model.Feature{
			ID:         fmt.Sprint(gf.ID),
			Geometry:   gf.Geometry,
			Properties: map[string]any(gf.Properties),
		}
		if bboxRaw, ok := gf.Properties["bounds_imcoords"]; ok {
			if b, err := decodeBBox(bboxRaw); err == nil {
				f.BBox = b
			}
		}
		if classesRaw, ok := gf.Properties["featureClasses"]; ok {
			f.FeatureClasses = decodeFeatureClasses(classesRaw)
		}
		out = append(out, f)
	}
	return out, nil
}

func decodeBBox(raw any) (model.BBox, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return model.BBox{}, err
	}
	var vals [4]float64
	if err := json.Unmarshal(data, &vals); err != nil {
		return model.BBox{}, err
	}
	return model.BBox(vals), nil
}

func decodeFeatureClasses(raw any) []model.FeatureClass {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var entries []struct {
		IRI   string  `json:"iri"`
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil
	}
	classes := make([]model.FeatureClass, len(entries))
	for i, e := range entries {
		classes[i] = model.FeatureClass{IRI: e.IRI, Score: e.Score}
	}
	return classes
}
