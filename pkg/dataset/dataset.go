package dataset

// Package dataset holds labeled images in memory, and splits them into stratified
// train/validation/test partitions.

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/bmharper/cimg/v2"
	"github.com/collectkid/speciesml/pkg/cnn"
	"github.com/collectkid/speciesml/pkg/labels"
)

// Sample is one image with its class index into the label catalog
type Sample struct {
	Image *cimg.Image
	Label int
}

// Dataset is the result of a stratified split
type Dataset struct {
	Train      []Sample
	Validation []Sample
	Test       []Sample
}

// Ratios of the three partitions. They must sum to 1.
type SplitRatios struct {
	Train      float64 `json:"train"`
	Validation float64 `json:"validation"`
	Test       float64 `json:"test"`
}

func DefaultSplitRatios() SplitRatios {
	return SplitRatios{
		Train:      0.70,
		Validation: 0.15,
		Test:       0.15,
	}
}

func (r SplitRatios) Validate() error {
	if r.Train <= 0 || r.Validation <= 0 || r.Test <= 0 {
		return fmt.Errorf("Split ratios must all be positive (%v, %v, %v)", r.Train, r.Validation, r.Test)
	}
	if math.Abs(r.Train+r.Validation+r.Test-1) > 1e-9 {
		return fmt.Errorf("Split ratios must sum to 1 (%v + %v + %v)", r.Train, r.Validation, r.Test)
	}
	return nil
}

// InsufficientSamplesError is returned when a class cannot contribute at least
// one sample to each of the train, validation and test partitions.
type InsufficientSamplesError struct {
	ClassIndex int
	ClassID    string
	Samples    int
}

func (e *InsufficientSamplesError) Error() string {
	return fmt.Sprintf("Class '%v' (index %v) has %v samples, which is too few to stratify across train/validation/test", e.ClassID, e.ClassIndex, e.Samples)
}

// Per-class counts of every partition
type Counts struct {
	Train      []int
	Validation []int
	Test       []int
}

// Count the number of samples of each class in every partition
func (d *Dataset) Counts(numClasses int) Counts {
	count := func(samples []Sample) []int {
		c := make([]int, numClasses)
		for _, s := range samples {
			c[s.Label]++
		}
		return c
	}
	return Counts{
		Train:      count(d.Train),
		Validation: count(d.Validation),
		Test:       count(d.Test),
	}
}

// Split partitions samples by class, preserving each class's proportion in every partition.
//
// For each class, the test and validation shares are rounded to whole samples, and the train
// partition takes the rest. Every class with at least 3 samples gets at least one sample in every
// partition. Within that, each partition of each class stays within one sample of its exact
// proportion, and the partition totals match round(total * ratio) wherever those constraints
// allow. Rounding ties go to the lower class index.
//
// Within a class, samples are shuffled with the given seed before being dealt out, so the split
// is reproducible. If a class has fewer than 3 samples, no split is produced and
// an *InsufficientSamplesError names the class.
func Split(samples []Sample, catalog *labels.Catalog, ratios SplitRatios, seed int64) (*Dataset, error) {
	if err := ratios.Validate(); err != nil {
		return nil, err
	}
	numClasses := catalog.Len()
	byClass := make([][]Sample, numClasses)
	for i, s := range samples {
		if s.Label < 0 || s.Label >= numClasses {
			return nil, fmt.Errorf("Sample %v has label %v, but the catalog has %v classes", i, s.Label, numClasses)
		}
		byClass[s.Label] = append(byClass[s.Label], s)
	}
	exactTest := make([]float64, numClasses)
	exactVal := make([]float64, numClasses)
	for c := range byClass {
		n := len(byClass[c])
		if n < 3 {
			return nil, &InsufficientSamplesError{ClassIndex: c, ClassID: catalog.At(c).ID, Samples: n}
		}
		exactTest[c] = float64(n) * ratios.Test
		exactVal[c] = float64(n) * ratios.Validation
	}

	// Test leaves room for one validation and one train sample
	nTest := roundToTotal(exactTest, func(c, v int) bool {
		return v >= 1 && len(byClass[c])-v >= 2
	}, nil)
	// Validation leaves at least one train sample, and keeps train within one of its exact share
	nVal := roundToTotal(exactVal, func(c, v int) bool {
		return v >= 1 && len(byClass[c])-nTest[c]-v >= 1
	}, func(c, v int) bool {
		n := len(byClass[c])
		return math.Abs(float64(n-nTest[c]-v)-float64(n)*ratios.Train) <= 1+epsilon
	})
	for c, cs := range byClass {
		if nTest[c] < 1 || nVal[c] < 1 || len(cs)-nTest[c]-nVal[c] < 1 {
			return nil, &InsufficientSamplesError{ClassIndex: c, ClassID: catalog.At(c).ID, Samples: len(cs)}
		}
	}

	rng := rand.New(rand.NewSource(seed))
	d := &Dataset{}
	for c, cs := range byClass {
		shuffled := append([]Sample(nil), cs...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		cut := nTest[c] + nVal[c]
		d.Test = append(d.Test, shuffled[:nTest[c]]...)
		d.Validation = append(d.Validation, shuffled[nTest[c]:cut]...)
		d.Train = append(d.Train, shuffled[cut:]...)
	}
	return d, nil
}

const epsilon = 1e-9

// Snap values that are within floating point noise of an integer
func floorCeil(x float64) (int, int) {
	if r := math.Round(x); math.Abs(x-r) < epsilon {
		return int(r), int(r)
	}
	return int(math.Floor(x)), int(math.Ceil(x))
}

// Round every exact value to its floor or ceiling, so that the sum is as close as possible to
// round(sum(exact)). Values with the largest fractional part are rounded up first, with ties going
// to the lower index.
//
// A rounding must satisfy hard(index, value). If neither the floor nor the ceiling does, the
// ceiling is used. Among roundings that satisfy hard, those that also satisfy soft are preferred,
// and the sum is only adjusted through roundings that satisfy both. A nil soft accepts everything.
func roundToTotal(exact []float64, hard, soft func(i, v int) bool) []int {
	valid := func(i, v int) bool { return hard(i, v) && (soft == nil || soft(i, v)) }
	sum := 0.0
	for _, x := range exact {
		sum += x
	}
	target := int(math.Round(sum))

	out := make([]int, len(exact))
	total := 0
	for i, x := range exact {
		lo, hi := floorCeil(x)
		switch {
		case valid(i, lo):
			out[i] = lo
		case valid(i, hi):
			out[i] = hi
		case hard(i, lo):
			out[i] = lo
		default:
			out[i] = hi
		}
		total += out[i]
	}

	frac := func(i int) float64 { return exact[i] - math.Floor(exact[i]) }
	order := make([]int, len(exact))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return frac(order[a]) > frac(order[b])
	})
	for _, i := range order {
		if total >= target {
			break
		}
		lo, hi := floorCeil(exact[i])
		if out[i] == lo && hi != lo && valid(i, hi) {
			out[i] = hi
			total++
		}
	}
	for k := len(order) - 1; k >= 0 && total > target; k-- {
		i := order[k]
		lo, hi := floorCeil(exact[i])
		if out[i] == hi && hi != lo && valid(i, lo) {
			out[i] = lo
			total--
		}
	}
	return out
}

// Batch converts samples[indices] into a model input tensor and a label slice
func Batch(samples []Sample, indices []int, width, height int) (*cnn.Tensor, []int, error) {
	images := make([]*cimg.Image, len(indices))
	batchLabels := make([]int, len(indices))
	for i, idx := range indices {
		images[i] = samples[idx].Image
		batchLabels[i] = samples[idx].Label
	}
	t, err := cnn.TensorFromImages(images, width, height)
	if err != nil {
		return nil, nil, err
	}
	return t, batchLabels, nil
}
