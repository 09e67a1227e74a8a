package pipeline

// Package pipeline runs the whole training job: generate data, split, train, evaluate,
// export, and describe the exported model.

import (
	"fmt"
	"time"

	"github.com/collectkid/speciesml/pkg/cnn"
	"github.com/collectkid/speciesml/pkg/dataset"
	"github.com/collectkid/speciesml/pkg/eval"
	"github.com/collectkid/speciesml/pkg/export"
	"github.com/collectkid/speciesml/pkg/kibi"
	"github.com/collectkid/speciesml/pkg/labels"
	"github.com/collectkid/speciesml/pkg/nn"
	"github.com/collectkid/speciesml/pkg/report"
	"github.com/collectkid/speciesml/pkg/runstore"
	"github.com/collectkid/speciesml/pkg/storage"
	"github.com/collectkid/speciesml/pkg/synth"
	"github.com/collectkid/speciesml/pkg/train"
	"github.com/cyclopcam/logs"
)

// Result of a successful pipeline run
type Result struct {
	RunUUID   string // Empty if there is no run database
	Catalog   *labels.Catalog
	Counts    dataset.Counts
	History   *train.History
	Metrics   *eval.Metrics
	Export    *export.Result
	Metadata  *nn.ArtifactMetadata
	Published []storage.Published
	Duration  time.Duration
}

// Run executes the pipeline described by cfg.
// Any error aborts the run. Outputs are written atomically, so an aborted run never leaves
// a partial artifact or metadata file behind.
func Run(log logs.Log, cfg *Config) (res *Result, err error) {
	start := time.Now()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Infof("CPU: %v", cnn.DescribeCPU())

	catalog, err := labels.Load(cfg.Paths.Catalog)
	if err != nil {
		return nil, err
	}
	log.Infof("Loaded %v classes from %v (catalog version '%v', %v excluded)", catalog.Len(), cfg.Paths.Catalog, catalog.Version(), len(catalog.Excluded()))

	width, height := cfg.InputSize[0], cfg.InputSize[1]
	workers := cfg.Workers
	if workers == 0 {
		workers = cnn.DefaultParallelism()
	}

	var runs *runstore.RunStore
	var run *runstore.Run
	if cfg.Paths.RunDB != "" {
		runs, err = runstore.Open(log, cfg.Paths.RunDB)
		if err != nil {
			return nil, err
		}
		defer runs.Close()
		run, err = runs.StartRun(cfg.Version, catalog.SHA256(), runstore.RunParams{
			Seed:            cfg.Seed,
			SamplesPerClass: cfg.SamplesPerClass,
			NumClasses:      catalog.Len(),
			InputSize:       cfg.InputSize,
			Architecture:    cfg.Architecture.Name,
			Epochs:          cfg.Epochs,
			LearningRate:    cfg.LearningRate,
			CPU:             cnn.DescribeCPU(),
		})
		if err != nil {
			return nil, err
		}
		defer func() {
			if err != nil {
				if errFail := runs.FailRun(run, err); errFail != nil {
					log.Errorf("Failed to record failure of run %v: %v", run.UUID, errFail)
				}
			}
		}()
	}

	// Data
	samples, err := synth.Generate(log, catalog, synth.Options{
		SamplesPerClass: cfg.SamplesPerClass,
		Width:           width,
		Height:          height,
		Seed:            cfg.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("Failed to generate dataset: %w", err)
	}
	if cfg.Paths.Previews != "" {
		if err := synth.WritePreviews(log, catalog, samples, cfg.Paths.Previews); err != nil {
			return nil, err
		}
	}
	ds, err := dataset.Split(samples, catalog, cfg.Split, cfg.Seed)
	if err != nil {
		return nil, err
	}
	log.Infof("Dataset: %v train, %v validation, %v test", len(ds.Train), len(ds.Validation), len(ds.Test))

	// Train
	model, err := cnn.NewClassifier(cfg.Architecture, width, height, catalog.IDs(), cfg.Seed)
	if err != nil {
		return nil, err
	}
	model.Workers = workers
	log.Infof("Model %v: %v parameters, input %vx%v, %v workers", cfg.Architecture.Name, model.NumParameters(), width, height, workers)

	trainer := train.NewTrainer(log, cfg.TrainingRun(), width, height, cfg.Paths.Checkpoint)
	if runs != nil {
		trainer.OnEpoch = func(stats train.EpochStats) {
			if err := runs.RecordEpoch(run, stats); err != nil {
				log.Warnf("Failed to record epoch %v: %v", stats.Epoch, err)
			}
		}
	}
	history, err := trainer.Fit(model, ds.Train, ds.Validation)
	if err != nil {
		return nil, fmt.Errorf("Training failed: %w", err)
	}

	// Evaluate with the same gate that the runtime uses
	gate := nn.NewGate(catalog)
	gate.Thresholds = cfg.Thresholds
	evaluator := eval.NewEvaluator(log, gate, width, height)
	metrics, err := evaluator.Evaluate(model, ds.Test)
	if err != nil {
		return nil, fmt.Errorf("Evaluation failed: %w", err)
	}
	log.Infof("Test top-1 %.4f, top-3 %.4f, ECE %.4f, coverage %.4f, selective accuracy %.4f",
		metrics.Top1, metrics.Top3, metrics.ECE, metrics.Coverage, metrics.SelectiveAccuracy)
	eval.LogPerClass(log, catalog, metrics)

	// Export
	exported, err := export.NewExporter(log).Export(model, catalog, cfg.Paths.Artifact)
	if err != nil {
		return nil, err
	}
	if cfg.MaxArtifactSize != "" {
		if limit, _ := kibi.Parse(cfg.MaxArtifactSize); exported.Bytes > limit {
			log.Warnf("Artifact is %v, which exceeds the limit of %v", kibi.FormatBytes(exported.Bytes), kibi.FormatBytes(limit))
		}
	}
	meta, err := export.BuildMetadata(catalog, export.MetadataInput{
		Version:      cfg.Version,
		Provider:     cfg.Provider,
		ExportFormat: cfg.ExportFormat,
		Thresholds:   cfg.Thresholds,
		Width:        width,
		Height:       height,
		Metrics:      metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := export.WriteMetadata(meta, cfg.Paths.Metadata); err != nil {
		return nil, err
	}
	log.Infof("Wrote metadata %v", cfg.Paths.Metadata)

	if cfg.Paths.Report != "" {
		if err := report.WritePNG(cfg.Paths.Report, history, metrics); err != nil {
			return nil, fmt.Errorf("Failed to write report: %w", err)
		}
	}

	res = &Result{
		Catalog:  catalog,
		Counts:   ds.Counts(catalog.Len()),
		History:  history,
		Metrics:  metrics,
		Export:   exported,
		Metadata: meta,
	}

	if cfg.Publish != nil {
		res.Published, err = publish(log, cfg)
		if err != nil {
			return nil, err
		}
	}

	if run != nil {
		results := runstore.RunResults{
			Top1:              metrics.Top1,
			Top3:              metrics.Top3,
			ECE:               metrics.ECE,
			Coverage:          metrics.Coverage,
			SelectiveAccuracy: metrics.SelectiveAccuracy,
			BestEpoch:         history.BestEpoch,
			StoppedEarly:      history.StoppedEarly,
			ArtifactBytes:     exported.Bytes,
		}
		for _, p := range res.Published {
			if p.URL != "" && results.ArtifactURL == "" {
				results.ArtifactURL = p.URL
			}
		}
		if err = runs.FinishRun(run, results); err != nil {
			return nil, err
		}
		res.RunUUID = run.UUID
	}

	res.Duration = time.Since(start)
	log.Infof("Pipeline finished in %.1f seconds", res.Duration.Seconds())
	return res, nil
}

func publish(log logs.Log, cfg *Config) ([]storage.Published, error) {
	store, err := storage.Open(log, &cfg.Publish.Config)
	if err != nil {
		return nil, fmt.Errorf("Failed to open publish storage: %w", err)
	}
	prefix := cfg.Publish.Prefix
	if prefix == "" {
		prefix = cfg.Version
	}
	files := []string{cfg.Paths.Artifact, cfg.Paths.Metadata}
	if cfg.Paths.Report != "" {
		files = append(files, cfg.Paths.Report)
	}
	return storage.Publish(log, store, prefix, files...)
}
