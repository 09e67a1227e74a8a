package train

import (
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/collectkid/speciesml/pkg/cnn"
	"github.com/collectkid/speciesml/pkg/dataset"
	"github.com/collectkid/speciesml/pkg/labels"
	"github.com/collectkid/speciesml/pkg/synth"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

// scripted is a fake model whose validation accuracy follows a script, one entry per epoch.
// The true label of every sample is encoded in its first pixel.
type scripted struct {
	valAccuracy []float64
	nanAtEpoch  int
	epoch       int // Number of epochs that have started
	weights     float32
	lrs         []float32
}

const samplesPerEpoch = 20 // Fits in one batch, so one TrainBatch call is one epoch

func (s *scripted) TrainBatch(x *cnn.Tensor, labels []int, lr float32, rng *rand.Rand) (cnn.BatchResult, error) {
	s.epoch++
	s.weights = float32(s.epoch)
	s.lrs = append(s.lrs, lr)
	if s.epoch == s.nanAtEpoch {
		return cnn.BatchResult{Loss: math.NaN()}, nil
	}
	return cnn.BatchResult{Loss: 1 / float64(s.epoch), Correct: len(labels) / 2}, nil
}

func (s *scripted) PredictBatch(x *cnn.Tensor) ([][]float32, error) {
	acc := s.valAccuracy[s.epoch-1]
	nCorrect := int(math.Round(acc * float64(x.N)))
	rows := [][]float32{}
	for n := 0; n < x.N; n++ {
		label := int(math.Round(float64(x.Sample(n)[0] * 255)))
		row := []float32{0.1, 0.1}
		if n < nCorrect {
			row[label] = 0.9
		} else {
			row[1-label] = 0.9
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *scripted) Snapshot() [][]float32 {
	return [][]float32{{s.weights}}
}

func (s *scripted) Restore(snapshot [][]float32) error {
	s.weights = snapshot[0][0]
	return nil
}

func (s *scripted) Save(w io.Writer) error {
	_, err := fmt.Fprintf(w, "epoch %v", s.weights)
	return err
}

func labeledSamples(n int) []dataset.Sample {
	samples := []dataset.Sample{}
	for i := 0; i < n; i++ {
		img := cimg.NewImage(16, 16, cimg.PixelFormatRGB)
		img.Pixels[0] = byte(i % 2)
		samples = append(samples, dataset.Sample{Image: img, Label: i % 2})
	}
	return samples
}

func newTestTrainer(t *testing.T, epochs int) *Trainer {
	run := DefaultRun()
	run.Epochs = epochs
	return NewTrainer(logs.NewTestingLog(t), run, 16, 16, filepath.Join(t.TempDir(), "best.ckpt"))
}

func readCheckpoint(t *testing.T, tr *Trainer) string {
	raw, err := os.ReadFile(tr.CheckpointPath)
	require.NoError(t, err)
	return string(raw)
}

func TestEarlyStopping(t *testing.T) {
	tr := newTestTrainer(t, 10)
	epochs := []int{}
	tr.OnEpoch = func(s EpochStats) { epochs = append(epochs, s.Epoch) }
	m := &scripted{valAccuracy: []float64{0.1, 0.2, 0.2, 0.2, 0.2, 0.9, 0.9, 0.9, 0.9, 0.9}}

	h, err := tr.Fit(m, labeledSamples(samplesPerEpoch), labeledSamples(10))
	require.NoError(t, err)
	require.True(t, h.StoppedEarly)
	require.Len(t, h.Epochs, 5)
	require.Equal(t, []int{1, 2, 3, 4, 5}, epochs)
	require.Equal(t, 2, h.BestEpoch)
	require.InDelta(t, 0.2, h.BestValAccuracy, 1e-9)
	require.True(t, h.Epochs[0].Improved)
	require.True(t, h.Epochs[1].Improved)
	require.False(t, h.Epochs[2].Improved)

	// Best weights are restored, and the checkpoint holds the best epoch
	require.Equal(t, float32(2), m.weights)
	require.Equal(t, "epoch 2", readCheckpoint(t, tr))

	// The learning rate was halved once, after epoch 4
	require.Equal(t, []float32{0.001, 0.001, 0.001, 0.001, 0.0005}, m.lrs)
	require.InDelta(t, 0.0005, h.FinalLearningRate, 1e-12)
}

func TestLearningRateDecayIsSeparateFromStopping(t *testing.T) {
	tr := newTestTrainer(t, 10)
	m := &scripted{valAccuracy: []float64{0.1, 0.1, 0.1, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2}}
	h, err := tr.Fit(m, labeledSamples(samplesPerEpoch), labeledSamples(10))
	require.NoError(t, err)
	require.True(t, h.StoppedEarly)
	require.Len(t, h.Epochs, 7)
	require.Equal(t, 4, h.BestEpoch)
	require.Equal(t, []float64{0.001, 0.001, 0.001, 0.0005, 0.0005, 0.0005, 0.00025},
		[]float64{h.Epochs[0].LearningRate, h.Epochs[1].LearningRate, h.Epochs[2].LearningRate, h.Epochs[3].LearningRate,
			h.Epochs[4].LearningRate, h.Epochs[5].LearningRate, h.Epochs[6].LearningRate})
	require.Equal(t, float32(4), m.weights)
}

func TestBudgetExhausted(t *testing.T) {
	tr := newTestTrainer(t, 3)
	m := &scripted{valAccuracy: []float64{0.3, 0.5, 0.4}}
	h, err := tr.Fit(m, labeledSamples(samplesPerEpoch), labeledSamples(10))
	require.NoError(t, err)
	require.False(t, h.StoppedEarly)
	require.Len(t, h.Epochs, 3)
	require.Equal(t, 2, h.BestEpoch)
	require.Equal(t, float32(2), m.weights)
	require.Equal(t, "epoch 2", readCheckpoint(t, tr))
}

func TestNonFiniteLoss(t *testing.T) {
	tr := newTestTrainer(t, 10)
	m := &scripted{valAccuracy: []float64{0.5, 0.6, 0.7}, nanAtEpoch: 2}
	h, err := tr.Fit(m, labeledSamples(samplesPerEpoch), labeledSamples(10))
	require.ErrorIs(t, err, ErrNonFiniteLoss)
	require.Len(t, h.Epochs, 1)
	// The checkpoint of epoch 1 survives
	require.Equal(t, "epoch 1", readCheckpoint(t, tr))
}

func TestFitRejectsBadInput(t *testing.T) {
	tr := newTestTrainer(t, 0)
	_, err := tr.Fit(&scripted{}, labeledSamples(4), labeledSamples(4))
	require.Error(t, err)
	tr = newTestTrainer(t, 2)
	_, err = tr.Fit(&scripted{}, labeledSamples(4), nil)
	require.Error(t, err)
}

func TestFitRealModel(t *testing.T) {
	log := logs.NewTestingLog(t)
	catalog, err := labels.New([]labels.ClassLabel{
		{ID: "sunflower", Category: labels.CategoryFlower},
		{ID: "ant_black_garden", Category: labels.CategoryBug},
	})
	require.NoError(t, err)
	samples, err := synth.Generate(log, catalog, synth.Options{SamplesPerClass: 20, Width: 16, Height: 16, Seed: 1})
	require.NoError(t, err)
	d, err := dataset.Split(samples, catalog, dataset.DefaultSplitRatios(), 1)
	require.NoError(t, err)

	arch := cnn.Architecture{
		Name:              "tiny",
		ConvWidths:        []int{4, 4, 4, 4},
		DenseUnits:        []int{8, 8},
		DropoutRates:      []float32{0.5, 0.3},
		BatchNormMomentum: 0.9,
		BatchNormEpsilon:  0.001,
	}
	model, err := cnn.NewClassifier(arch, 16, 16, catalog.IDs(), 1)
	require.NoError(t, err)

	tr := newTestTrainer(t, 3)
	h, err := tr.Fit(model, d.Train, d.Validation)
	require.NoError(t, err)
	require.NotEmpty(t, h.Epochs)
	require.GreaterOrEqual(t, h.BestEpoch, 1)
	require.True(t, model.IsFinite())

	// The checkpoint is a loadable model
	loaded, header, err := cnn.LoadFile(tr.CheckpointPath)
	require.NoError(t, err)
	require.Equal(t, cnn.PrecisionFloat32, header.Precision)
	require.Equal(t, catalog.IDs(), loaded.Classes)
}

func TestErrNonFiniteLossWraps(t *testing.T) {
	err := fmt.Errorf("%w %v at epoch %v batch %v", ErrNonFiniteLoss, math.Inf(1), 3, 0)
	require.True(t, errors.Is(err, ErrNonFiniteLoss))
}
