package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/collectkid/speciesml/pkg/kibi"
	"github.com/collectkid/speciesml/pkg/pipeline"
	"github.com/cyclopcam/logs"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("train", "Train and export the species classifier")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Config file path. If omitted, the defaults are used"})
	catalog := parser.String("l", "labels", &argparse.Options{Help: "Label catalog (overrides paths.catalog)", Default: ""})
	outDir := parser.String("o", "out", &argparse.Options{Help: "Output directory, used when there is no config file", Default: "out"})
	epochs := parser.Int("e", "epochs", &argparse.Options{Help: "Number of training epochs (default 10)", Default: 0})
	samplesPerClass := parser.Int("s", "samples-per-class", &argparse.Options{Help: "Synthetic samples per class (default 50)", Default: 0})
	version := parser.String("v", "version", &argparse.Options{Help: "Model version (default v001)"})
	seed := parser.Int("", "seed", &argparse.Options{Help: "Random seed (default 42)", Default: -1})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)

	cfg := pipeline.DefaultConfig()
	if *configFile != "" {
		loaded, err := pipeline.LoadConfig(*configFile)
		check(err)
		cfg = *loaded
	} else {
		cfg.Paths = pipeline.OutputPaths("label_map.json", *outDir)
	}
	if *catalog != "" {
		cfg.Paths.Catalog = *catalog
	}
	if *epochs != 0 {
		cfg.Epochs = *epochs
	}
	if *samplesPerClass != 0 {
		cfg.SamplesPerClass = *samplesPerClass
	}
	if *version != "" {
		cfg.Version = *version
	}
	if *seed >= 0 {
		cfg.Seed = int64(*seed)
	}

	res, err := pipeline.Run(logger, &cfg)
	if err != nil {
		logger.Errorf("Training failed: %v", err)
		os.Exit(1)
	}

	fmt.Printf("Model %v exported to %v (%v)\n", res.Metadata.Version, res.Export.Path, kibi.FormatBytes(res.Export.Bytes))
	fmt.Printf("Metadata written to %v\n", cfg.Paths.Metadata)
	fmt.Printf("Test top-1 %.4f, top-3 %.4f, ECE %.4f\n", res.Metrics.Top1, res.Metrics.Top3, res.Metrics.ECE)
	for _, p := range res.Published {
		if p.URL != "" {
			fmt.Printf("Published %v\n", p.URL)
		} else {
			fmt.Printf("Published %v\n", p.Name)
		}
	}
}
