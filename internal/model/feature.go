package model

import "github.com/paulmach/orb"

// FeatureClass is one scored class label attached to a detected feature.
type FeatureClass struct {
	IRI      string
	Score    float64
	RawScore float64
	hasRaw   bool
}

// SetRawScore records the pre-adjustment score (soft-NMS keeps the original
// around as rawScore once Score is overwritten).
func (c *FeatureClass) SetRawScore(v float64) {
	c.RawScore = v
	c.hasRaw = true
}

// HasRawScore reports whether a raw score was recorded.
func (c FeatureClass) HasRawScore() bool { return c.hasRaw }

// Feature is the orchestrator's working representation of a GeoJSON
// detection: an image-space bounding box plus scored classes, carried
// through C2 (selection) and C3 (refinery) before final GeoJSON encoding.
type Feature struct {
	ID             string
	BBox           BBox // image pixel coordinates [x1,y1,x2,y2]
	Geometry       orb.Geometry
	FeatureClasses []FeatureClass
	Properties     map[string]any
	ModelID        string
}

// ImageBBox satisfies internal/tiling.Feature.
func (f *Feature) ImageBBox() BBox { return f.BBox }

// TopClass returns the feature's highest-scoring class, used as its label
// for grouping during selection. Returns the zero value if there are none.
func (f *Feature) TopClass() FeatureClass {
	var best FeatureClass
	for i, c := range f.FeatureClasses {
		if i == 0 || c.Score > best.Score {
			best = c
		}
	}
	return best
}

// TopClassIndex returns the index of TopClass within FeatureClasses, or -1.
func (f *Feature) TopClassIndex() int {
	idx := -1
	best := -1.0
	for i, c := range f.FeatureClasses {
		if idx == -1 || c.Score > best {
			idx = i
			best = c.Score
		}
	}
	return idx
}

// Clone returns a shallow-independent copy safe to mutate (BBox array and
// FeatureClasses slice are copied; Properties map and Geometry are shared).
func (f *Feature) Clone() *Feature {
	cp := *f
	cp.FeatureClasses = append([]FeatureClass(nil), f.FeatureClasses...)
	return &cp
}
