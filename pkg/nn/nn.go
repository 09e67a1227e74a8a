package nn

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bmharper/cimg/v2"
)

// Package nn is the decision layer that sits on top of the species classifier.
// The same code runs during offline evaluation and at runtime, so that a prediction
// is judged identically in both places. To load a model, use the nnload package.

const (
	DefaultTau    = 0.62 // Minimum top-1 probability for a confident classification
	DefaultMargin = 0.08 // Minimum gap between the top-1 and top-2 probabilities
	DefaultTopK   = 5
)

const (
	DefaultProvider     = "local-training"
	DefaultExportFormat = "speciesml-fp16"
	MetadataDateLayout  = "2006-01-02"
)

// Thresholds of the confidence test
type Thresholds struct {
	Tau    float64 `json:"tau"`
	Margin float64 `json:"margin"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Tau:    DefaultTau,
		Margin: DefaultMargin,
	}
}

func (t Thresholds) Validate() error {
	if t.Tau <= 0 || t.Tau > 1 {
		return fmt.Errorf("tau must be in (0,1], not %v", t.Tau)
	}
	if t.Margin < 0 || t.Margin >= 1 {
		return fmt.Errorf("margin must be in [0,1), not %v", t.Margin)
	}
	return nil
}

// ImageClassifier is given an image, and returns one probability per class
type ImageClassifier interface {
	// Classify returns a probability vector that is index-aligned with the label catalog.
	// The image must be 24-bit RGB, of any size.
	Classify(img *cimg.Image) ([]float64, error)

	// Callers assume that the metadata will remain constant
	Metadata() *ArtifactMetadata
}

// Performance of the exported model on the held out test set
type Performance struct {
	Top1 float64 `json:"top1"`
	Top3 float64 `json:"top3"`
	ECE  float64 `json:"ece"`
}

// ArtifactMetadata is saved in a JSON file along with the exported weights.
// It is the entire contract between training and the runtime.
type ArtifactMetadata struct {
	Version      string      `json:"version"`      // eg "v001"
	Updated      string      `json:"updated"`      // YYYY-MM-DD
	LabelsSHA256 string      `json:"labelsSha256"` // labels.Catalog.SHA256() of the training catalog
	Thresholds   Thresholds  `json:"thresholds"`
	InputSize    [2]int      `json:"inputSize"` // [width, height]
	NumClasses   int         `json:"numClasses"`
	Provider     string      `json:"provider"`     // eg "local-training"
	ExportFormat string      `json:"exportFormat"` // eg "speciesml-fp16"
	Performance  Performance `json:"performance"`
}

func (m *ArtifactMetadata) Validate() error {
	if m.Version == "" {
		return errors.New("version is empty")
	}
	if _, err := time.Parse(MetadataDateLayout, m.Updated); err != nil {
		return fmt.Errorf("updated '%v' is not a date", m.Updated)
	}
	if len(m.LabelsSHA256) != 64 {
		return fmt.Errorf("labelsSha256 '%v' is not a SHA-256 digest", m.LabelsSHA256)
	}
	if err := m.Thresholds.Validate(); err != nil {
		return err
	}
	if m.InputSize[0] <= 0 || m.InputSize[1] <= 0 {
		return fmt.Errorf("invalid inputSize %v", m.InputSize)
	}
	if m.NumClasses <= 0 {
		return fmt.Errorf("invalid numClasses %v", m.NumClasses)
	}
	return nil
}

// Load artifact metadata from a JSON file
func LoadMetadata(filename string) (*ArtifactMetadata, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	meta := &ArtifactMetadata{}
	if err := json.Unmarshal(b, meta); err != nil {
		return nil, fmt.Errorf("Malformed artifact metadata %v: %w", filename, err)
	}
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid artifact metadata %v: %w", filename, err)
	}
	return meta, nil
}
