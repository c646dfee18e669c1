// Package sink implements C11: writing an image's deduplicated feature
// collection to every AGGREGATE-mode output destination a request
// configured, succeeding overall if at least one sink wrote successfully.
//
// Grounded on original_source/sink/s3_sink.py, kinesis_sink.py, and
// sink_factory.py.
package sink

import (
	"context"
	"fmt"

	"github.com/paulmach/orb/geojson"

	"github.com/mumuon/rasterrunner/internal/model"
)

// Sink writes one image's feature collection to a single configured
// destination.
type Sink interface {
	WriteFeatures(ctx context.Context, job model.ImageJob, features []*model.Feature) error
}

func encodeFeature(f *model.Feature) *geojson.Feature {
	gf := geojson.NewFeature(f.Geometry)
	gf.ID = f.ID
	gf.Properties = make(geojson.Properties, len(f.Properties)+2)
	for k, v := range f.Properties {
		gf.Properties[k] = v
	}
	gf.Properties["bounds_imcoords"] = f.BBox
	gf.Properties["featureClasses"] = f.FeatureClasses
	return gf
}

func encodeFeatureCollection(features []*model.Feature) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, f := range features {
		fc.Append(encodeFeature(f))
	}
	body, err := fc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("sink: encoding feature collection: %w", err)
	}
	return body, nil
}
