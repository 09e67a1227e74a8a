package nnload

// Package nnload ties together the pieces needed at inference time: the model artifact,
// its metadata, and the label catalog. Callers get back an nn.ImageClassifier, and don't
// need to know how the network is implemented.

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/collectkid/speciesml/pkg/cnn"
	"github.com/collectkid/speciesml/pkg/iox"
	"github.com/collectkid/speciesml/pkg/labels"
	"github.com/collectkid/speciesml/pkg/nn"
	"github.com/collectkid/speciesml/pkg/perfstats"
	"github.com/cyclopcam/logs"
)

// ErrCatalogMismatch is returned when the artifact was not trained against the given catalog
var ErrCatalogMismatch = errors.New("Model was trained with a different label catalog")

// Classifier is a loaded model artifact, ready to classify images.
// It is safe to use from multiple goroutines.
type Classifier struct {
	model   *cnn.Model
	header  *cnn.Header
	meta    *nn.ArtifactMetadata
	catalog *labels.Catalog
	gate    *nn.Gate
	size    int64
	infer   perfstats.TimeAccumulator
}

// Assert that Classifier implements nn.ImageClassifier
var _ nn.ImageClassifier = (*Classifier)(nil)

// Download fetches srcUrl into targetFile, unless targetFile already exists
func Download(log logs.Log, srcUrl, targetFile string) error {
	if _, err := os.Stat(targetFile); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	log.Infof("Downloading %v to %v", srcUrl, targetFile)
	resp, err := http.DefaultClient.Get(srcUrl)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("HTTP error %v", resp.Status)
	}
	return iox.WriteStreamToFile(targetFile, resp.Body)
}

func IsURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Open loads an exported artifact and its metadata, and verifies that both of them
// agree with catalog about the number and order of classes.
func Open(log logs.Log, artifactPath, metadataPath string, catalog *labels.Catalog) (*Classifier, error) {
	meta, err := nn.LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}
	if meta.NumClasses != catalog.Len() {
		return nil, fmt.Errorf("%w: metadata has %v classes, catalog has %v", ErrCatalogMismatch, meta.NumClasses, catalog.Len())
	}
	if meta.LabelsSHA256 != catalog.SHA256() {
		return nil, fmt.Errorf("%w: metadata labels hash %v, catalog hash %v", ErrCatalogMismatch, meta.LabelsSHA256, catalog.SHA256())
	}

	start := time.Now()
	model, header, err := cnn.LoadFile(artifactPath)
	if err != nil {
		return nil, err
	}
	if header.LabelsSHA256 != catalog.SHA256() {
		return nil, fmt.Errorf("%w: artifact %v", ErrCatalogMismatch, artifactPath)
	}
	if header.Input.W != meta.InputSize[0] || header.Input.H != meta.InputSize[1] {
		return nil, fmt.Errorf("Artifact input is %vx%v, but metadata says %vx%v", header.Input.W, header.Input.H, meta.InputSize[0], meta.InputSize[1])
	}
	st, err := os.Stat(artifactPath)
	if err != nil {
		return nil, err
	}
	log.Infof("Loaded %v model %v (%v classes, %v parameters, %v) in %v", header.Precision, meta.Version, model.NumClasses(), model.NumParameters(), header.Architecture.Name, time.Since(start))
	return &Classifier{
		model:   model,
		header:  header,
		meta:    meta,
		catalog: catalog,
		gate:    nn.NewGateFromMetadata(catalog, meta),
		size:    st.Size(),
	}, nil
}

func (c *Classifier) Metadata() *nn.ArtifactMetadata {
	return c.meta
}

func (c *Classifier) Header() *cnn.Header {
	return c.header
}

// Size of the artifact file, in bytes
func (c *Classifier) ArtifactSize() int64 {
	return c.size
}

// Timing of every Classify call since Open, excluding any resize
func (c *Classifier) InferenceStats() perfstats.TimeStats {
	return c.infer.Stats()
}

func (c *Classifier) Gate() *nn.Gate {
	return c.gate
}

// Classify returns the probability of every class, in catalog order.
// The image is resized to the model's input size if necessary.
func (c *Classifier) Classify(img *cimg.Image) ([]float64, error) {
	w, h := c.meta.InputSize[0], c.meta.InputSize[1]
	if img.NChan() != 1 && img.NChan() != 3 && img.NChan() != 4 {
		return nil, fmt.Errorf("Unsupported image with %v channels", img.NChan())
	}
	if img.Width != w || img.Height != h {
		img = cimg.ResizeNew(img, w, h, &cimg.ResizeParams{CheapSRGBFilter: true})
	}
	start := time.Now()
	x, err := cnn.TensorFromImages([]*cimg.Image{img}, w, h)
	if err != nil {
		return nil, err
	}
	probs, err := c.model.PredictBatch(x)
	if err != nil {
		return nil, err
	}
	c.infer.AddSince(start)
	return nn.Float64s(probs[0]), nil
}

// Decide classifies img and applies the confidence gate
func (c *Classifier) Decide(img *cimg.Image) (*nn.ConfidenceDecision, error) {
	probs, err := c.Classify(img)
	if err != nil {
		return nil, err
	}
	return c.gate.Decide(probs)
}
