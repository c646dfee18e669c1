// Package selection implements C2: the non-max-suppression family that
// deduplicates overlapping detections within one overlap group.
//
// Grounded on original_source/inference/feature_selection.py and
// original_source/common/ensemble_boxes_nms.py.
package selection

import (
	"math"
	"sort"

	"github.com/mumuon/rasterrunner/internal/model"
	"github.com/mumuon/rasterrunner/internal/tiling"
)

// Selector implements tiling.FeatureSelector over *model.Feature values.
type Selector struct{}

var _ tiling.FeatureSelector = Selector{}

// preparedBox is a feature's box/score/label after normalization, used by
// both NMS variants.
type preparedBox struct {
	feature *model.Feature
	box     [4]float64 // normalized [x1,y1,x2,y2]
	score   float64
	label   string
}

// Select runs the configured algorithm over features, which are assumed to
// all belong to the same overlap group (tiling hands it one seam's worth at
// a time). Unknown algorithm kinds and input values that are not
// *model.Feature return a *model.DistillationError rather than panicking.
func (s Selector) Select(features []tiling.Feature, option model.FeatureDistillationOption) ([]tiling.Feature, error) {
	typed := make([]*model.Feature, 0, len(features))
	for _, f := range features {
		mf, ok := f.(*model.Feature)
		if !ok {
			return nil, &model.DistillationError{Reason: "selector requires *model.Feature values"}
		}
		typed = append(typed, mf)
	}

	prepared := prepare(typed, option)

	byLabel := make(map[string][]preparedBox)
	var labelOrder []string
	for _, p := range prepared {
		if _, ok := byLabel[p.label]; !ok {
			labelOrder = append(labelOrder, p.label)
		}
		byLabel[p.label] = append(byLabel[p.label], p)
	}

	var out []tiling.Feature
	for _, label := range labelOrder {
		group := byLabel[label]
		var survivors []preparedBox
		var err error
		switch option.Kind {
		case model.DistillationNMS:
			survivors, err = standardNMS(group, option.IoUThreshold)
		case model.DistillationSoftNMS:
			survivors, err = softNMS(group, option.Sigma, option.SkipBoxThreshold)
		default:
			return nil, &model.DistillationError{Reason: "unknown feature distillation algorithm: " + string(option.Kind)}
		}
		if err != nil {
			return nil, err
		}
		for _, p := range survivors {
			out = append(out, p.feature)
		}
	}
	return out, nil
}

// prepare extracts the highest-score class as each feature's label, clamps
// zero-area boxes by 0.1px on their zero side, and normalizes all boxes into
// [0,1]x[0,1] against the extent of the input set, applying optional
// per-model weight normalization first.
func prepare(features []*model.Feature, option model.FeatureDistillationOption) []preparedBox {
	boxes := make([][4]float64, len(features))
	scores := make([]float64, len(features))
	labels := make([]string, len(features))

	for i, f := range features {
		b := f.BBox
		x1, y1, x2, y2 := b[0], b[1], b[2], b[3]
		if x2-x1 <= 0 {
			x2 = x1 + 0.1
		}
		if y2-y1 <= 0 {
			y2 = y1 + 0.1
		}
		boxes[i] = [4]float64{x1, y1, x2, y2}

		top := f.TopClass()
		labels[i] = top.IRI
		score := top.Score
		if option.ModelWeights != nil {
			if w, ok := option.ModelWeights[f.ModelID]; ok {
				score *= w
			}
		}
		scores[i] = score
	}

	if option.ModelWeights != nil {
		total := 0.0
		for _, w := range option.ModelWeights {
			total += w
		}
		if total > 0 {
			for i := range scores {
				scores[i] /= total
			}
		}
	}

	var minX, minY, maxX, maxY float64
	for i, b := range boxes {
		if i == 0 {
			minX, minY, maxX, maxY = b[0], b[1], b[2], b[3]
			continue
		}
		minX = math.Min(minX, b[0])
		minY = math.Min(minY, b[1])
		maxX = math.Max(maxX, b[2])
		maxY = math.Max(maxY, b[3])
	}
	spanX := maxX - minX
	spanY := maxY - minY
	if spanX == 0 {
		spanX = 1
	}
	if spanY == 0 {
		spanY = 1
	}

	out := make([]preparedBox, len(features))
	for i, b := range boxes {
		out[i] = preparedBox{
			feature: features[i],
			score:   scores[i],
			label:   labels[i],
			box: [4]float64{
				(b[0] - minX) / spanX,
				(b[1] - minY) / spanY,
				(b[2] - minX) / spanX,
				(b[3] - minY) / spanY,
			},
		}
	}
	return out
}

func iou(a, b [4]float64) float64 {
	ix1 := math.Max(a[0], b[0])
	iy1 := math.Max(a[1], b[1])
	ix2 := math.Min(a[2], b[2])
	iy2 := math.Min(a[3], b[3])

	iw := math.Max(0, ix2-ix1)
	ih := math.Max(0, iy2-iy1)
	inter := iw * ih
	if inter == 0 {
		return 0
	}
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// standardNMS sorts by score descending; repeatedly takes the top box,
// discards any remaining box whose IoU with it exceeds threshold.
func standardNMS(group []preparedBox, threshold float64) ([]preparedBox, error) {
	sorted := append([]preparedBox(nil), group...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].score > sorted[j].score })

	kept := make([]bool, len(sorted))
	for i := range kept {
		kept[i] = true
	}

	var result []preparedBox
	for i := range sorted {
		if !kept[i] {
			continue
		}
		result = append(result, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if !kept[j] {
				continue
			}
			if iou(sorted[i].box, sorted[j].box) > threshold {
				kept[j] = false
			}
		}
	}
	return result, nil
}

// softNMS implements Gaussian soft-NMS: repeatedly takes the current
// highest-scoring active box, decays every other active box's score by
// exp(-iou^2/sigma), and re-selects the new maximum each round (classic
// dynamic soft-NMS, ensemble_boxes_nms.py's cpu_soft_nms_float method=2).
// Boxes whose final decayed score is at or below skipThreshold are dropped;
// the winning class's Score is overwritten with the decayed score and its
// original is preserved as RawScore.
func softNMS(group []preparedBox, sigma, skipThreshold float64) ([]preparedBox, error) {
	if sigma <= 0 {
		sigma = 0.5
	}
	active := append([]preparedBox(nil), group...)

	var result []preparedBox
	for len(active) > 0 {
		maxIdx := 0
		for i, p := range active {
			if p.score > active[maxIdx].score {
				maxIdx = i
			}
		}
		top := active[maxIdx]
		active = append(active[:maxIdx], active[maxIdx+1:]...)

		for i := range active {
			weight := math.Exp(-(iou(top.box, active[i].box) * iou(top.box, active[i].box)) / sigma)
			active[i].score *= weight
		}

		if top.score > skipThreshold {
			idx := top.feature.TopClassIndex()
			if idx >= 0 {
				original := top.feature.FeatureClasses[idx]
				top.feature.FeatureClasses[idx].SetRawScore(original.Score)
				top.feature.FeatureClasses[idx].Score = top.score
			}
			result = append(result, top)
		}
	}
	return result, nil
}
