package nn

import (
	"fmt"
	"math"
	"slices"

	"github.com/collectkid/speciesml/pkg/labels"
)

// ClassAlignmentError is returned when a probability vector does not have exactly
// one entry per class in the label catalog.
type ClassAlignmentError struct {
	Expected int
	Got      int
}

func (e *ClassAlignmentError) Error() string {
	return fmt.Sprintf("Probability vector has %v entries, but the label catalog has %v classes", e.Got, e.Expected)
}

// TopK returns the indices of the min(k, len(probs)) highest probabilities, highest first.
// Exact ties are ranked by class index, lowest index first.
func TopK(probs []float64, k int) []int {
	k = min(k, len(probs))
	if k <= 0 {
		return nil
	}
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	slices.SortFunc(idx, func(a, b int) int {
		switch {
		case probs[a] > probs[b]:
			return -1
		case probs[a] < probs[b]:
			return 1
		}
		return a - b
	})
	return idx[:k]
}

// Probabilities within this distance of a threshold count as meeting it.
// It covers float32 rounding of the model output, where 0.62-0.54 is 0.0799999833.
const thresholdTolerance = 1e-6

// IsConfident is the dual threshold test.
// p2 is ignored when there is no second candidate.
func IsConfident(p1, p2 float64, haveSecond bool, t Thresholds) bool {
	if p1 < t.Tau-thresholdTolerance {
		return false
	}
	return !haveSecond || p1-p2 >= t.Margin-thresholdTolerance
}

// Gate turns a probability vector into a ConfidenceDecision.
// A Gate is immutable, and safe for concurrent use.
type Gate struct {
	Catalog    *labels.Catalog
	Thresholds Thresholds
	K          int // Number of predictions to return. Zero means DefaultTopK.
}

// Create a gate with the default thresholds and k
func NewGate(catalog *labels.Catalog) *Gate {
	return &Gate{
		Catalog:    catalog,
		Thresholds: DefaultThresholds(),
		K:          DefaultTopK,
	}
}

// Create a gate that uses the thresholds from artifact metadata
func NewGateFromMetadata(catalog *labels.Catalog, meta *ArtifactMetadata) *Gate {
	g := NewGate(catalog)
	g.Thresholds = meta.Thresholds
	return g
}

// Decide ranks the probabilities and applies the confidence test.
func (g *Gate) Decide(probs []float64) (*ConfidenceDecision, error) {
	if len(probs) != g.Catalog.Len() {
		return nil, &ClassAlignmentError{Expected: g.Catalog.Len(), Got: len(probs)}
	}
	for i, p := range probs {
		if math.IsNaN(p) {
			return nil, fmt.Errorf("Probability of class %v is NaN", i)
		}
	}
	k := g.K
	if k <= 0 {
		k = DefaultTopK
	}

	// The confidence test always looks at the real top 2, even if k is 1
	top := TopK(probs, max(k, 2))
	d := &ConfidenceDecision{}
	for _, i := range top[:min(k, len(top))] {
		cls := g.Catalog.At(i)
		d.Predictions = append(d.Predictions, RankedPrediction{
			LabelID:     cls.ID,
			CommonName:  cls.CommonName,
			Category:    cls.Category,
			ClassIndex:  i,
			Probability: probs[i],
		})
	}
	p1 := probs[top[0]]
	if len(top) > 1 {
		d.Confident = IsConfident(p1, probs[top[1]], true, g.Thresholds)
	} else {
		d.Confident = IsConfident(p1, 0, false, g.Thresholds)
	}
	return d, nil
}

// DecideFloat32 is Decide for a float32 model output
func (g *Gate) DecideFloat32(probs []float32) (*ConfidenceDecision, error) {
	return g.Decide(Float64s(probs))
}

func Float64s(v []float32) []float64 {
	r := make([]float64, len(v))
	for i, x := range v {
		r[i] = float64(x)
	}
	return r
}
