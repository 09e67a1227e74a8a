package dataset

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/collectkid/speciesml/pkg/labels"
	"github.com/stretchr/testify/require"
)

func makeCatalog(t *testing.T, n int) *labels.Catalog {
	entries := []labels.ClassLabel{}
	for i := 0; i < n; i++ {
		entries = append(entries, labels.ClassLabel{ID: fmt.Sprintf("class%02d", i), Category: labels.CategoryAnimal})
	}
	c, err := labels.New(entries)
	require.NoError(t, err)
	return c
}

func makeSamples(perClass []int) []Sample {
	samples := []Sample{}
	for c, n := range perClass {
		for i := 0; i < n; i++ {
			samples = append(samples, Sample{Label: c})
		}
	}
	return samples
}

func uniform(numClasses, perClass int) []int {
	r := make([]int, numClasses)
	for i := range r {
		r[i] = perClass
	}
	return r
}

func TestSplitTotals(t *testing.T) {
	catalog := makeCatalog(t, 24)
	d, err := Split(makeSamples(uniform(24, 50)), catalog, DefaultSplitRatios(), 42)
	require.NoError(t, err)
	require.Len(t, d.Train, 840)
	require.Len(t, d.Validation, 180)
	require.Len(t, d.Test, 180)
}

func TestSplitIsStratified(t *testing.T) {
	perClass := []int{50, 37, 12, 100, 9, 23}
	catalog := makeCatalog(t, len(perClass))
	ratios := DefaultSplitRatios()
	d, err := Split(makeSamples(perClass), catalog, ratios, 1)
	require.NoError(t, err)

	counts := d.Counts(len(perClass))
	for c, n := range perClass {
		require.Equal(t, n, counts.Train[c]+counts.Validation[c]+counts.Test[c])
		require.LessOrEqual(t, math.Abs(float64(counts.Train[c])-float64(n)*ratios.Train), 1.0, "class %v train", c)
		require.LessOrEqual(t, math.Abs(float64(counts.Validation[c])-float64(n)*ratios.Validation), 1.0, "class %v validation", c)
		require.LessOrEqual(t, math.Abs(float64(counts.Test[c])-float64(n)*ratios.Test), 1.0, "class %v test", c)
	}
}

func TestSplitSmallClasses(t *testing.T) {
	cases := []struct {
		numClasses int
		perClass   int
		train      int
		validation int
		test       int
	}{
		{1, 3, 1, 1, 1},
		{1, 4, 2, 1, 1},
		{24, 3, 24, 24, 24},
		{24, 5, 72, 24, 24},
		{24, 6, 96, 24, 24},
	}
	for _, c := range cases {
		d, err := Split(makeSamples(uniform(c.numClasses, c.perClass)), makeCatalog(t, c.numClasses), DefaultSplitRatios(), 3)
		require.NoError(t, err, "%v x %v", c.numClasses, c.perClass)
		require.Len(t, d.Train, c.train, "%v x %v", c.numClasses, c.perClass)
		require.Len(t, d.Validation, c.validation, "%v x %v", c.numClasses, c.perClass)
		require.Len(t, d.Test, c.test, "%v x %v", c.numClasses, c.perClass)
		counts := d.Counts(c.numClasses)
		for k := 0; k < c.numClasses; k++ {
			require.GreaterOrEqual(t, counts.Train[k], 1)
			require.GreaterOrEqual(t, counts.Validation[k], 1)
			require.GreaterOrEqual(t, counts.Test[k], 1)
		}
	}
}

func TestSplitIsReproducible(t *testing.T) {
	catalog := makeCatalog(t, 2)
	// Give every sample a distinct image so that the shuffle order is observable
	samples := []Sample{}
	for c := 0; c < 2; c++ {
		for i := 0; i < 20; i++ {
			img := cimg.NewImage(1, 1, cimg.PixelFormatRGB)
			img.Pixels[0] = byte(c*20 + i)
			samples = append(samples, Sample{Image: img, Label: c})
		}
	}
	ids := func(s []Sample) []byte {
		r := []byte{}
		for _, x := range s {
			r = append(r, x.Image.Pixels[0])
		}
		return r
	}
	a, err := Split(samples, catalog, DefaultSplitRatios(), 7)
	require.NoError(t, err)
	b, err := Split(samples, catalog, DefaultSplitRatios(), 7)
	require.NoError(t, err)
	c, err := Split(samples, catalog, DefaultSplitRatios(), 8)
	require.NoError(t, err)
	require.Equal(t, ids(a.Train), ids(b.Train))
	require.Equal(t, ids(a.Test), ids(b.Test))
	require.NotEqual(t, ids(a.Train), ids(c.Train))
}

func TestSplitInsufficientSamples(t *testing.T) {
	catalog := makeCatalog(t, 3)
	d, err := Split(makeSamples([]int{50, 2, 50}), catalog, DefaultSplitRatios(), 1)
	require.Nil(t, d)
	var ise *InsufficientSamplesError
	require.True(t, errors.As(err, &ise))
	require.Equal(t, 1, ise.ClassIndex)
	require.Equal(t, "class01", ise.ClassID)
	require.Contains(t, err.Error(), "class01")

	// A class with no samples at all is also insufficient
	_, err = Split(makeSamples([]int{50, 50}), makeCatalog(t, 3), DefaultSplitRatios(), 1)
	require.True(t, errors.As(err, &ise))
	require.Equal(t, "class02", ise.ClassID)
}

func TestSplitRejectsBadInput(t *testing.T) {
	catalog := makeCatalog(t, 2)
	_, err := Split(makeSamples([]int{10, 10}), catalog, SplitRatios{Train: 0.5, Validation: 0.5, Test: 0.5}, 1)
	require.Error(t, err)
	_, err = Split([]Sample{{Label: 5}}, catalog, DefaultSplitRatios(), 1)
	require.Error(t, err)
}

func TestBatch(t *testing.T) {
	img := cimg.NewImage(16, 16, cimg.PixelFormatRGB)
	for i := range img.Pixels {
		img.Pixels[i] = 255
	}
	samples := []Sample{{Image: img, Label: 3}}
	x, lb, err := Batch(samples, []int{0, 0}, 16, 16)
	require.NoError(t, err)
	require.Equal(t, []int{3, 3}, lb)
	require.Equal(t, 2, x.N)
	require.Equal(t, float32(1), x.Data[0])

	_, _, err = Batch(samples, []int{0}, 32, 32)
	require.Error(t, err)
}
