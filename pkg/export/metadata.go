package export

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/collectkid/speciesml/pkg/eval"
	"github.com/collectkid/speciesml/pkg/iox"
	"github.com/collectkid/speciesml/pkg/labels"
	"github.com/collectkid/speciesml/pkg/nn"
)

// MetadataInput is everything needed to describe an exported artifact
type MetadataInput struct {
	Version      string
	Provider     string // Defaults to nn.DefaultProvider
	ExportFormat string // Defaults to nn.DefaultExportFormat
	Thresholds   nn.Thresholds
	Width        int
	Height       int
	Metrics      *eval.Metrics
	Now          time.Time // Defaults to time.Now()
}

// BuildMetadata creates the metadata record for a model trained on catalog
func BuildMetadata(catalog *labels.Catalog, in MetadataInput) (*nn.ArtifactMetadata, error) {
	if in.Metrics == nil {
		return nil, fmt.Errorf("Metadata needs evaluation metrics")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	meta := &nn.ArtifactMetadata{
		Version:      in.Version,
		Updated:      now.Format(nn.MetadataDateLayout),
		LabelsSHA256: catalog.SHA256(),
		Thresholds:   in.Thresholds,
		InputSize:    [2]int{in.Width, in.Height},
		NumClasses:   catalog.Len(),
		Provider:     in.Provider,
		ExportFormat: in.ExportFormat,
		Performance: nn.Performance{
			Top1: in.Metrics.Top1,
			Top3: in.Metrics.Top3,
			ECE:  in.Metrics.ECE,
		},
	}
	if meta.Provider == "" {
		meta.Provider = nn.DefaultProvider
	}
	if meta.ExportFormat == "" {
		meta.ExportFormat = nn.DefaultExportFormat
	}
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid artifact metadata: %w", err)
	}
	return meta, nil
}

// WriteMetadata atomically writes the metadata as indented JSON
func WriteMetadata(meta *nn.ArtifactMetadata, path string) error {
	if err := meta.Validate(); err != nil {
		return fmt.Errorf("Invalid artifact metadata: %w", err)
	}
	err := iox.WriteFileAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(meta)
	})
	if err != nil {
		return fmt.Errorf("Failed to write artifact metadata %v: %w", path, err)
	}
	return nil
}
