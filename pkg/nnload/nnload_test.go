package nnload

import (
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/collectkid/speciesml/pkg/cnn"
	"github.com/collectkid/speciesml/pkg/eval"
	"github.com/collectkid/speciesml/pkg/export"
	"github.com/collectkid/speciesml/pkg/labels"
	"github.com/collectkid/speciesml/pkg/nn"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

type artifact struct {
	catalog  *labels.Catalog
	model    string
	metadata string
}

func writeArtifact(t *testing.T, log logs.Log) artifact {
	catalog, err := labels.Load("../labels/testdata/label_map.json")
	require.NoError(t, err)
	arch := cnn.Architecture{
		Name:              "tiny",
		ConvWidths:        []int{4, 4},
		DenseUnits:        []int{8},
		DropoutRates:      []float32{0},
		BatchNormMomentum: 0.9,
		BatchNormEpsilon:  0.001,
	}
	model, err := cnn.NewClassifier(arch, 8, 8, catalog.IDs(), 5)
	require.NoError(t, err)

	dir := t.TempDir()
	a := artifact{
		catalog:  catalog,
		model:    filepath.Join(dir, "model.smodel"),
		metadata: filepath.Join(dir, "model.json"),
	}
	_, err = export.NewExporter(log).Export(model, catalog, a.model)
	require.NoError(t, err)
	meta, err := export.BuildMetadata(catalog, export.MetadataInput{
		Version:    "v001",
		Thresholds: nn.DefaultThresholds(),
		Width:      8,
		Height:     8,
		Metrics:    &eval.Metrics{Top1: 0.5, Top3: 0.7, ECE: 0.1},
	})
	require.NoError(t, err)
	require.NoError(t, export.WriteMetadata(meta, a.metadata))
	return a
}

func testImage(w, h int, seed byte) *cimg.Image {
	img := cimg.NewImage(w, h, cimg.PixelFormatRGB)
	for i := range img.Pixels {
		img.Pixels[i] = byte(i*7) + seed
	}
	return img
}

func TestOpenAndClassify(t *testing.T) {
	log := logs.NewTestingLog(t)
	a := writeArtifact(t, log)
	c, err := Open(log, a.model, a.metadata, a.catalog)
	require.NoError(t, err)
	require.Equal(t, "v001", c.Metadata().Version)
	require.Equal(t, cnn.PrecisionFloat16, c.Header().Precision)
	require.Greater(t, c.ArtifactSize(), int64(0))

	// Same size as the model input, and a larger image that must be resized
	for _, img := range []*cimg.Image{testImage(8, 8, 0), testImage(40, 30, 3)} {
		probs, err := c.Classify(img)
		require.NoError(t, err)
		require.Len(t, probs, 24)
		sum := 0.0
		for _, p := range probs {
			require.GreaterOrEqual(t, p, 0.0)
			sum += p
		}
		require.InDelta(t, 1.0, sum, 1e-4)

		d, err := c.Decide(img)
		require.NoError(t, err)
		require.Len(t, d.Predictions, nn.DefaultTopK)
		best := d.Best()
		require.Equal(t, a.catalog.At(best.ClassIndex).ID, best.LabelID)
		require.Equal(t, probs[best.ClassIndex], best.Probability)
		p2 := d.Predictions[1].Probability
		require.Equal(t, best.Probability >= 0.62 && best.Probability-p2 >= 0.08, d.Confident)
	}
	require.EqualValues(t, 4, c.InferenceStats().Samples)
}

func TestClassifyConcurrent(t *testing.T) {
	log := logs.NewTestingLog(t)
	a := writeArtifact(t, log)
	c, err := Open(log, a.model, a.metadata, a.catalog)
	require.NoError(t, err)

	img := testImage(8, 8, 1)
	expect, err := c.Classify(img)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]float64, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.Classify(img)
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		require.Len(t, r, len(expect))
		for j := range r {
			require.False(t, math.IsNaN(r[j]))
			require.Equal(t, expect[j], r[j])
		}
	}
}

func TestCatalogMismatch(t *testing.T) {
	log := logs.NewTestingLog(t)
	a := writeArtifact(t, log)

	// Same classes, different order
	classes := a.catalog.Classes()
	classes[0], classes[1] = classes[1], classes[0]
	reordered, err := labels.New(classes)
	require.NoError(t, err)
	_, err = Open(log, a.model, a.metadata, reordered)
	require.True(t, errors.Is(err, ErrCatalogMismatch))

	// Fewer classes
	shorter, err := labels.New(a.catalog.Classes()[:10])
	require.NoError(t, err)
	_, err = Open(log, a.model, a.metadata, shorter)
	require.True(t, errors.Is(err, ErrCatalogMismatch))

	_, err = Open(log, a.model+".missing", a.metadata, a.catalog)
	require.Error(t, err)
}

func TestDownload(t *testing.T) {
	log := logs.NewTestingLog(t)
	a := writeArtifact(t, log)
	raw, err := os.ReadFile(a.model)
	require.NoError(t, err)

	nRequests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nRequests++
		if r.URL.Path != "/v001/model.smodel" {
			http.NotFound(w, r)
			return
		}
		w.Write(raw)
	}))
	defer srv.Close()

	require.True(t, IsURL(srv.URL))
	require.False(t, IsURL(a.model))

	target := filepath.Join(t.TempDir(), "cache", "model.smodel")
	require.NoError(t, Download(log, srv.URL+"/v001/model.smodel", target))
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, raw, got)

	// Already present, so no second request
	require.NoError(t, Download(log, srv.URL+"/v001/model.smodel", target))
	require.Equal(t, 1, nRequests)

	missing := filepath.Join(t.TempDir(), "missing.smodel")
	require.Error(t, Download(log, srv.URL+"/nope", missing))
	_, err = os.Stat(missing)
	require.True(t, os.IsNotExist(err))
}
