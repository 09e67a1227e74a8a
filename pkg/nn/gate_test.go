package nn

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/collectkid/speciesml/pkg/labels"
	"github.com/stretchr/testify/require"
)

func makeCatalog(t *testing.T, n int) *labels.Catalog {
	entries := []labels.ClassLabel{}
	for i := 0; i < n; i++ {
		entries = append(entries, labels.ClassLabel{
			ID:         fmt.Sprintf("c%v", i),
			CommonName: fmt.Sprintf("Class %v", i),
			Category:   labels.CategoryFlower,
		})
	}
	c, err := labels.New(entries)
	require.NoError(t, err)
	return c
}

func TestIsConfident(t *testing.T) {
	th := DefaultThresholds()
	require.Equal(t, 0.62, th.Tau)
	require.Equal(t, 0.08, th.Margin)

	require.True(t, IsConfident(0.62, 0.54, true, th))
	require.False(t, IsConfident(0.61, 0.10, true, th), "tau fails despite a large margin")
	require.False(t, IsConfident(0.70, 0.65, true, th), "margin fails despite tau passing")
	require.True(t, IsConfident(0.62, 0, false, th), "no second candidate")
	require.False(t, IsConfident(0.5, 0, false, th))
}

func TestDecide(t *testing.T) {
	g := NewGate(makeCatalog(t, 4))
	d, err := g.Decide([]float64{0.02, 0.61, 0.37, 0.0})
	require.NoError(t, err)
	require.False(t, d.Confident)

	d, err = g.Decide([]float64{0.62, 0.0, 0.0, 0.38})
	require.NoError(t, err)
	require.True(t, d.Confident)
	require.Len(t, d.Predictions, 4)
	require.Equal(t, "c0", d.Best().LabelID)
	require.Equal(t, "Class 0", d.Best().CommonName)
	require.Equal(t, labels.CategoryFlower, d.Best().Category)
	require.Equal(t, 3, d.Predictions[1].ClassIndex)

	d, err = g.Decide([]float64{0.1, 0.62, 0.1, 0.18})
	require.NoError(t, err)
	require.True(t, d.Confident)
}

func TestDecideTable(t *testing.T) {
	g := NewGate(makeCatalog(t, 3))
	cases := []struct {
		probs     []float64
		confident bool
	}{
		{[]float64{0.62, 0.54, 0}, true},
		{[]float64{0.10, 0.61, 0.29}, false},
		{[]float64{0.65, 0, 0.70}, false},
	}
	for _, c := range cases {
		d, err := g.Decide(c.probs)
		require.NoError(t, err)
		require.Equal(t, c.confident, d.Confident, "%v", c.probs)
	}
}

func TestDecideFloat32Boundary(t *testing.T) {
	g := NewGate(makeCatalog(t, 3))
	d, err := g.DecideFloat32([]float32{0.62, 0.54, 0})
	require.NoError(t, err)
	require.True(t, d.Confident)
	d, err = g.DecideFloat32([]float32{0.619, 0.1, 0})
	require.NoError(t, err)
	require.False(t, d.Confident)
	d, err = g.DecideFloat32([]float32{0.70, 0.621, 0})
	require.NoError(t, err)
	require.False(t, d.Confident)
}

func TestSingleClass(t *testing.T) {
	g := NewGate(makeCatalog(t, 1))
	d, err := g.Decide([]float64{1})
	require.NoError(t, err)
	require.True(t, d.Confident)
	require.Len(t, d.Predictions, 1)

	g.Thresholds.Tau = 1.0
	d, err = g.Decide([]float64{0.99})
	require.NoError(t, err)
	require.False(t, d.Confident)
}

func TestTopK(t *testing.T) {
	probs := []float64{0.1, 0.3, 0.05, 0.3, 0.25}
	require.Equal(t, []int{1, 3, 4}, TopK(probs, 3))
	require.Equal(t, []int{1, 3, 4, 0, 2}, TopK(probs, 5))
	require.Len(t, TopK(probs, 10), 5)
	require.Empty(t, TopK(probs, 0))

	// All tied: lower index wins
	require.Equal(t, []int{0, 1, 2}, TopK([]float64{0.25, 0.25, 0.25, 0.25}, 3))

	// Descending
	top := TopK([]float64{0.01, 0.2, 0.09, 0.4, 0.3}, 5)
	for i := 1; i < len(top); i++ {
		require.Greater(t, []float64{0.01, 0.2, 0.09, 0.4, 0.3}[top[i-1]], []float64{0.01, 0.2, 0.09, 0.4, 0.3}[top[i]])
	}
}

func TestDecideK(t *testing.T) {
	catalog := makeCatalog(t, 8)
	g := NewGate(catalog)
	probs := []float64{0.3, 0.05, 0.05, 0.2, 0.1, 0.1, 0.1, 0.1}
	d, err := g.Decide(probs)
	require.NoError(t, err)
	require.Len(t, d.Predictions, DefaultTopK)
	ids := []string{}
	for _, p := range d.Predictions {
		ids = append(ids, p.LabelID)
	}
	require.Equal(t, []string{"c0", "c3", "c4", "c5", "c6"}, ids)

	// k=1 still uses the second candidate for the margin test
	g.K = 1
	d, err = g.Decide([]float64{0.63, 0.6, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	require.Len(t, d.Predictions, 1)
	require.False(t, d.Confident)

	g.K = 0
	d, err = g.Decide(probs)
	require.NoError(t, err)
	require.Len(t, d.Predictions, DefaultTopK)
}

func TestClassAlignment(t *testing.T) {
	g := NewGate(makeCatalog(t, 3))
	for _, probs := range [][]float64{{0.5, 0.5}, {0.25, 0.25, 0.25, 0.25}, {}} {
		_, err := g.Decide(probs)
		var cae *ClassAlignmentError
		require.True(t, errors.As(err, &cae))
		require.Equal(t, 3, cae.Expected)
		require.Equal(t, len(probs), cae.Got)
	}
	_, err := g.Decide([]float64{math.NaN(), 0.5, 0.5})
	require.Error(t, err)
}

func TestGateFromMetadata(t *testing.T) {
	catalog := makeCatalog(t, 2)
	meta := &ArtifactMetadata{Thresholds: Thresholds{Tau: 0.9, Margin: 0.5}}
	g := NewGateFromMetadata(catalog, meta)
	d, err := g.Decide([]float64{0.8, 0.2})
	require.NoError(t, err)
	require.False(t, d.Confident)
	d, err = g.DecideFloat32([]float32{0.95, 0.05})
	require.NoError(t, err)
	require.True(t, d.Confident)
}

func TestGateIsReentrant(t *testing.T) {
	g := NewGate(makeCatalog(t, 5))
	probs := []float64{0.1, 0.7, 0.1, 0.05, 0.05}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := g.Decide(probs)
			if err != nil || !d.Confident || d.Best().ClassIndex != 1 {
				t.Errorf("Unexpected decision %v %v", d, err)
			}
		}()
	}
	wg.Wait()
}
