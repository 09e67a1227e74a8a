package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/akamensky/argparse"
	"github.com/bmharper/cimg/v2"
	"github.com/collectkid/speciesml/pkg/kibi"
	"github.com/collectkid/speciesml/pkg/labels"
	"github.com/collectkid/speciesml/pkg/nn"
	"github.com/collectkid/speciesml/pkg/nnload"
	"github.com/cyclopcam/logs"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

// Fetch the file into cacheDir if it's a URL, otherwise return it unchanged
func localFile(log logs.Log, src, cacheDir string) string {
	if !nnload.IsURL(src) {
		return src
	}
	target := filepath.Join(cacheDir, path.Base(src))
	check(nnload.Download(log, src, target))
	return target
}

func main() {
	parser := argparse.NewParser("predict", "Classify images with an exported species model")
	images := parser.StringList("i", "input", &argparse.Options{Help: "JPEG image file. May be repeated", Required: true})
	modelFile := parser.String("m", "model", &argparse.Options{Help: "Path or URL of the model artifact", Required: true})
	metadataFile := parser.String("d", "metadata", &argparse.Options{Help: "Path or URL of the model metadata", Required: true})
	catalogFile := parser.String("l", "labels", &argparse.Options{Help: "Label catalog that the model was trained with", Required: true})
	cacheDir := parser.String("", "cache", &argparse.Options{Help: "Directory for downloaded models", Default: filepath.Join(os.TempDir(), "speciesml")})
	asJSON := parser.Flag("j", "json", &argparse.Options{Help: "Print decisions as JSON", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)

	catalog, err := labels.Load(*catalogFile)
	check(err)
	classifier, err := nnload.Open(logger, localFile(logger, *modelFile, *cacheDir), localFile(logger, *metadataFile, *cacheDir), catalog)
	check(err)
	meta := classifier.Metadata()
	gate := classifier.Gate()

	if !*asJSON {
		fmt.Printf("Model %v (%v), %v classes, input %vx%v, artifact %v\n",
			meta.Version, meta.ExportFormat, meta.NumClasses, meta.InputSize[0], meta.InputSize[1], kibi.FormatBytes(classifier.ArtifactSize()))
	}

	type jsonResult struct {
		Image       string                 `json:"image"`
		Decision    *nn.ConfidenceDecision `json:"decision"`
		InferenceMS float64                `json:"inferenceMs"`
	}
	results := []jsonResult{}

	for _, fn := range *images {
		img, err := cimg.ReadFile(fn)
		check(err)
		start := time.Now()
		probs, err := classifier.Classify(img)
		check(err)
		elapsed := time.Since(start)
		decision, err := gate.Decide(probs)
		check(err)

		if *asJSON {
			results = append(results, jsonResult{Image: fn, Decision: decision, InferenceMS: float64(elapsed.Microseconds()) / 1000})
			continue
		}

		fmt.Printf("\n%v (%v ms)\n", fn, elapsed.Milliseconds())
		for i, p := range decision.Predictions {
			fmt.Printf("  %v. %-28v %-7v %.4f\n", i+1, p.CommonName, p.Category, p.Probability)
		}
		p1 := decision.Predictions[0].Probability
		p2 := 0.0
		if len(decision.Predictions) > 1 {
			p2 = decision.Predictions[1].Probability
		}
		t := gate.Thresholds
		if decision.Confident {
			fmt.Printf("  Confident: %v (p1 %.3f >= tau %.2f, p1-p2 %.3f >= margin %.2f)\n", decision.Best().CommonName, p1, t.Tau, p1-p2, t.Margin)
		} else {
			fmt.Printf("  Unsure: p1 %.3f (tau %.2f), p1-p2 %.3f (margin %.2f)\n", p1, t.Tau, p1-p2, t.Margin)
		}
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		check(enc.Encode(results))
	} else if len(*images) > 1 {
		st := classifier.InferenceStats()
		fmt.Printf("\n%v images, average inference %v, slowest %v\n", st.Samples, st.Average, st.Max)
	}
}
