package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/collectkid/speciesml/pkg/cnn"
	"github.com/collectkid/speciesml/pkg/dataset"
	"github.com/collectkid/speciesml/pkg/kibi"
	"github.com/collectkid/speciesml/pkg/nn"
	"github.com/collectkid/speciesml/pkg/storage"
	"github.com/collectkid/speciesml/pkg/train"
)

// Paths of every file that the pipeline reads or writes.
// Optional outputs are skipped when their path is empty.
type Paths struct {
	Catalog    string `json:"catalog"`    // Label catalog (input)
	Checkpoint string `json:"checkpoint"` // Best fp32 weights, rewritten on every improvement (optional)
	Artifact   string `json:"artifact"`   // Exported fp16 model
	Metadata   string `json:"metadata"`   // Artifact metadata JSON
	RunDB      string `json:"runDB"`      // SQLite history of runs (optional)
	Report     string `json:"report"`     // Training curves PNG (optional)
	Previews   string `json:"previews"`   // Directory for one synthetic JPEG per class (optional)
}

// PublishConfig copies the artifact and its metadata to a blob store after a successful run
type PublishConfig struct {
	storage.Config
	Prefix string `json:"prefix"` // Directory inside the store. Defaults to the model version.
}

type Config struct {
	Paths           Paths               `json:"paths"`
	Version         string              `json:"version"`
	Provider        string              `json:"provider"`
	ExportFormat    string              `json:"exportFormat"`
	Seed            int64               `json:"seed"`
	SamplesPerClass int                 `json:"samplesPerClass"`
	Epochs          int                 `json:"epochs"`
	LearningRate    float64             `json:"learningRate"`
	InputSize       [2]int              `json:"inputSize"` // Width, height
	Architecture    cnn.Architecture    `json:"architecture"`
	Thresholds      nn.Thresholds       `json:"thresholds"`
	Split           dataset.SplitRatios `json:"split"`
	Workers         int                 `json:"workers"`         // Zero means one per logical core
	MaxArtifactSize string              `json:"maxArtifactSize"` // eg "20 MB". Larger artifacts produce a warning. Empty means no limit.
	Publish         *PublishConfig      `json:"publish,omitempty"`
}

// OutputPaths reads the catalog from catalog, and places every output of a run inside dir
func OutputPaths(catalog, dir string) Paths {
	return Paths{
		Catalog:    catalog,
		Checkpoint: filepath.Join(dir, "checkpoint.smodel"),
		Artifact:   filepath.Join(dir, "model.smodel"),
		Metadata:   filepath.Join(dir, "model.json"),
		RunDB:      filepath.Join(dir, "runs.sqlite"),
		Report:     filepath.Join(dir, "report.png"),
		Previews:   filepath.Join(dir, "previews"),
	}
}

// DefaultConfig holds the default hyperparameters. It has no paths, so the caller must fill in
// Paths (for example with OutputPaths) before the config is valid.
func DefaultConfig() Config {
	run := train.DefaultRun()
	return Config{
		Version:         "v001",
		Provider:        nn.DefaultProvider,
		ExportFormat:    nn.DefaultExportFormat,
		Seed:            run.Seed,
		SamplesPerClass: 50,
		Epochs:          run.Epochs,
		LearningRate:    run.LearningRate,
		InputSize:       [2]int{224, 224},
		Architecture:    cnn.DefaultArchitecture(),
		Thresholds:      nn.DefaultThresholds(),
		Split:           dataset.DefaultSplitRatios(),
	}
}

// LoadConfig reads a JSON config file. Fields that are absent from the file keep their default values.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("Error parsing config file %v: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid config file %v: %w", filename, err)
	}
	return &cfg, nil
}

// TrainingRun returns the trainer hyperparameters
func (c *Config) TrainingRun() train.Run {
	run := train.DefaultRun()
	run.Epochs = c.Epochs
	run.LearningRate = c.LearningRate
	run.Seed = c.Seed
	return run
}

func (c *Config) Validate() error {
	if c.Paths.Catalog == "" || c.Paths.Artifact == "" || c.Paths.Metadata == "" {
		return errors.New("paths.catalog, paths.artifact and paths.metadata are required")
	}
	if c.Paths.Artifact == c.Paths.Checkpoint || c.Paths.Artifact == c.Paths.Metadata {
		return errors.New("paths.artifact must differ from paths.checkpoint and paths.metadata")
	}
	if c.Version == "" {
		return errors.New("version is required")
	}
	if c.SamplesPerClass < 3 {
		return fmt.Errorf("samplesPerClass must be at least 3, so that every class reaches every partition (got %v)", c.SamplesPerClass)
	}
	if err := c.TrainingRun().Validate(); err != nil {
		return err
	}
	if err := c.Architecture.Validate(); err != nil {
		return err
	}
	if minSize := c.Architecture.MinInputSize(); c.InputSize[0] < minSize || c.InputSize[1] < minSize {
		return fmt.Errorf("inputSize %v is too small for the architecture (minimum %v)", c.InputSize, minSize)
	}
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if err := c.Split.Validate(); err != nil {
		return err
	}
	if c.Workers < 0 {
		return fmt.Errorf("Invalid workers %v", c.Workers)
	}
	if c.MaxArtifactSize != "" {
		if _, err := kibi.Parse(c.MaxArtifactSize); err != nil {
			return fmt.Errorf("Invalid maxArtifactSize '%v': %w", c.MaxArtifactSize, err)
		}
	}
	if c.Publish != nil {
		if !c.Publish.IsConfigured() {
			return errors.New("publish needs either 'filesystem' or 'gcs'")
		}
		if err := c.Publish.Validate(); err != nil {
			return err
		}
	}
	return nil
}
