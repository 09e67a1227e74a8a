package eval

// Package eval measures a trained classifier on a held out partition.

import (
	"fmt"
	"math"

	"github.com/collectkid/speciesml/pkg/cnn"
	"github.com/collectkid/speciesml/pkg/dataset"
	"github.com/collectkid/speciesml/pkg/labels"
	"github.com/collectkid/speciesml/pkg/nn"
	"github.com/cyclopcam/logs"
)

const (
	DefaultBatchSize = 32
	DefaultECEBins   = 15
)

// Predictor produces one probability row per sample
type Predictor interface {
	PredictBatch(x *cnn.Tensor) ([][]float32, error)
}

// Accuracy of a single class, over the samples whose true label is that class
type ClassAccuracy struct {
	LabelID  string  `json:"labelId"`
	Correct  int     `json:"correct"`
	Total    int     `json:"total"`
	Accuracy float64 `json:"accuracy"` // Zero when Total is zero
}

// Metrics of a model on a set of samples
type Metrics struct {
	NumSamples        int             `json:"numSamples"`
	Top1              float64         `json:"top1"`
	Top3              float64         `json:"top3"`
	PerClass          []ClassAccuracy `json:"perClass"` // One entry per catalog class, in catalog order
	ECE               float64         `json:"ece"`      // Expected calibration error of the top-1 confidence
	ECEBins           int             `json:"eceBins"`
	Coverage          float64         `json:"coverage"`          // Fraction of samples that the gate accepted as confident
	SelectiveAccuracy float64         `json:"selectiveAccuracy"` // Top-1 accuracy over the confident samples only
}

// Evaluator runs a model over samples, and judges every prediction with the same gate
// that is used at runtime.
type Evaluator struct {
	Log       logs.Log
	Gate      *nn.Gate
	Width     int
	Height    int
	BatchSize int
	ECEBins   int
}

func NewEvaluator(log logs.Log, gate *nn.Gate, width, height int) *Evaluator {
	return &Evaluator{
		Log:       log,
		Gate:      gate,
		Width:     width,
		Height:    height,
		BatchSize: DefaultBatchSize,
		ECEBins:   DefaultECEBins,
	}
}

// Evaluate runs the model over every sample and computes the metrics
func (e *Evaluator) Evaluate(model Predictor, samples []dataset.Sample) (*Metrics, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("No samples to evaluate")
	}
	acc := newAccumulator(e.Gate.Catalog, e.ECEBins)
	indices := make([]int, 0, e.BatchSize)
	for start := 0; start < len(samples); start += e.BatchSize {
		indices = indices[:0]
		for i := start; i < min(start+e.BatchSize, len(samples)); i++ {
			indices = append(indices, i)
		}
		x, batchLabels, err := dataset.Batch(samples, indices, e.Width, e.Height)
		if err != nil {
			return nil, err
		}
		rows, err := model.PredictBatch(x)
		if err != nil {
			return nil, err
		}
		if len(rows) != len(batchLabels) {
			return nil, fmt.Errorf("Model returned %v predictions for %v samples", len(rows), len(batchLabels))
		}
		for i, row := range rows {
			if err := acc.add(e.Gate, nn.Float64s(row), batchLabels[i]); err != nil {
				return nil, err
			}
		}
	}
	return acc.metrics(), nil
}

// EvaluateProbabilities computes metrics from probability vectors that have already been produced
func EvaluateProbabilities(gate *nn.Gate, probs [][]float64, truth []int, eceBins int) (*Metrics, error) {
	if len(probs) != len(truth) {
		return nil, fmt.Errorf("%v probability vectors but %v labels", len(probs), len(truth))
	}
	if len(probs) == 0 {
		return nil, fmt.Errorf("No samples to evaluate")
	}
	acc := newAccumulator(gate.Catalog, eceBins)
	for i, p := range probs {
		if err := acc.add(gate, p, truth[i]); err != nil {
			return nil, err
		}
	}
	return acc.metrics(), nil
}

// Log per-class accuracy, one line per class
func LogPerClass(log logs.Log, catalog *labels.Catalog, m *Metrics) {
	for i, c := range m.PerClass {
		if c.Total == 0 {
			log.Infof("  %-24v no test samples", catalog.At(i).CommonName)
			continue
		}
		log.Infof("  %-24v %.3f (%v/%v)", catalog.At(i).CommonName, c.Accuracy, c.Correct, c.Total)
	}
}

type accumulator struct {
	catalog    *labels.Catalog
	n          int
	top1       int
	top3       int
	correct    []int
	total      []int
	confident  int
	confidentC int
	binCount   []int
	binConf    []float64
	binCorrect []int
}

func newAccumulator(catalog *labels.Catalog, bins int) *accumulator {
	if bins <= 0 {
		bins = DefaultECEBins
	}
	return &accumulator{
		catalog:    catalog,
		correct:    make([]int, catalog.Len()),
		total:      make([]int, catalog.Len()),
		binCount:   make([]int, bins),
		binConf:    make([]float64, bins),
		binCorrect: make([]int, bins),
	}
}

func (a *accumulator) add(gate *nn.Gate, probs []float64, truth int) error {
	if len(probs) != a.catalog.Len() {
		return &nn.ClassAlignmentError{Expected: a.catalog.Len(), Got: len(probs)}
	}
	if truth < 0 || truth >= a.catalog.Len() {
		return fmt.Errorf("Label %v out of range", truth)
	}
	decision, err := gate.Decide(probs)
	if err != nil {
		return err
	}
	top := nn.TopK(probs, 3)
	hit1 := top[0] == truth
	a.n++
	a.total[truth]++
	if hit1 {
		a.top1++
		a.correct[truth]++
	}
	for _, i := range top {
		if i == truth {
			a.top3++
			break
		}
	}
	if decision.Confident {
		a.confident++
		if hit1 {
			a.confidentC++
		}
	}

	conf := probs[top[0]]
	bins := len(a.binCount)
	bin := min(int(conf*float64(bins)), bins-1)
	bin = max(bin, 0)
	a.binCount[bin]++
	a.binConf[bin] += conf
	if hit1 {
		a.binCorrect[bin]++
	}
	return nil
}

func (a *accumulator) metrics() *Metrics {
	n := float64(a.n)
	m := &Metrics{
		NumSamples: a.n,
		Top1:       float64(a.top1) / n,
		Top3:       float64(a.top3) / n,
		ECEBins:    len(a.binCount),
		Coverage:   float64(a.confident) / n,
	}
	if a.confident > 0 {
		m.SelectiveAccuracy = float64(a.confidentC) / float64(a.confident)
	}
	for i := range a.total {
		c := ClassAccuracy{
			LabelID: a.catalog.At(i).ID,
			Correct: a.correct[i],
			Total:   a.total[i],
		}
		if c.Total > 0 {
			c.Accuracy = float64(c.Correct) / float64(c.Total)
		}
		m.PerClass = append(m.PerClass, c)
	}
	// ECE = sum over bins of |B|/n * |accuracy(B) - confidence(B)|
	for b, count := range a.binCount {
		if count == 0 {
			continue
		}
		accuracy := float64(a.binCorrect[b]) / float64(count)
		confidence := a.binConf[b] / float64(count)
		m.ECE += float64(count) / n * math.Abs(accuracy-confidence)
	}
	return m
}
