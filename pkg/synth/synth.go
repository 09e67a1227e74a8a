package synth

// Package synth generates synthetic training images for the species classifier.
// Every pixel channel is drawn uniformly from a range that depends on the category of the class,
// which gives the network something learnable without any real photographs.

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/bmharper/cimg/v2"
	"github.com/collectkid/speciesml/pkg/dataset"
	"github.com/collectkid/speciesml/pkg/labels"
	"github.com/cyclopcam/logs"
)

// Inclusive pixel value range
type PixelRange struct {
	Lo int
	Hi int
}

var (
	FlowerRange = PixelRange{Lo: 100, Hi: 255} // Flowers are bright and colorful
	BugRange    = PixelRange{Lo: 0, Hi: 150}   // Bugs are dark
	OtherRange  = PixelRange{Lo: 50, Hi: 200}  // Everything else is mid-toned
)

// Return the pixel range used for a category
func RangeForCategory(category string) PixelRange {
	switch category {
	case labels.CategoryFlower:
		return FlowerRange
	case labels.CategoryBug:
		return BugRange
	}
	return OtherRange
}

type Options struct {
	SamplesPerClass int
	Width           int
	Height          int
	Seed            int64
}

func (o Options) Validate() error {
	if o.SamplesPerClass <= 0 {
		return fmt.Errorf("Samples per class must be positive, not %v", o.SamplesPerClass)
	}
	if o.Width <= 0 || o.Height <= 0 {
		return fmt.Errorf("Invalid image size %vx%v", o.Width, o.Height)
	}
	return nil
}

// Generate creates SamplesPerClass RGB images for every class in the catalog, in catalog order.
// The same options always produce the same pixels.
func Generate(log logs.Log, catalog *labels.Catalog, opt Options) ([]dataset.Sample, error) {
	if err := opt.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(opt.Seed))
	samples := make([]dataset.Sample, 0, catalog.Len()*opt.SamplesPerClass)
	for c := 0; c < catalog.Len(); c++ {
		cls := catalog.At(c)
		r := RangeForCategory(cls.Category)
		log.Debugf("Creating %v samples for %v (%v, pixels %v..%v)", opt.SamplesPerClass, cls.CommonName, cls.Category, r.Lo, r.Hi)
		for i := 0; i < opt.SamplesPerClass; i++ {
			samples = append(samples, dataset.Sample{
				Image: randomImage(rng, opt.Width, opt.Height, r),
				Label: c,
			})
		}
	}
	return samples, nil
}

func randomImage(rng *rand.Rand, width, height int, r PixelRange) *cimg.Image {
	img := cimg.NewImage(width, height, cimg.PixelFormatRGB)
	span := r.Hi - r.Lo + 1
	for y := 0; y < height; y++ {
		row := img.Pixels[y*img.Stride : y*img.Stride+width*3]
		for i := range row {
			row[i] = byte(r.Lo + rng.Intn(span))
		}
	}
	return img
}

// WritePreviews writes the first sample of every class to dir as <classID>.jpg
func WritePreviews(log logs.Log, catalog *labels.Catalog, samples []dataset.Sample, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	done := make([]bool, catalog.Len())
	written := 0
	for _, s := range samples {
		if done[s.Label] {
			continue
		}
		done[s.Label] = true
		filename := filepath.Join(dir, catalog.At(s.Label).ID+".jpg")
		if err := s.Image.WriteJPEG(filename, cimg.MakeCompressParams(cimg.Sampling444, 90, 0), 0644); err != nil {
			return fmt.Errorf("Failed to write preview %v: %w", filename, err)
		}
		written++
	}
	if written == 0 {
		return errors.New("No samples to preview")
	}
	log.Infof("Wrote %v preview images to %v", written, dir)
	return nil
}
