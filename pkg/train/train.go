package train

import (
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/collectkid/speciesml/pkg/cnn"
	"github.com/collectkid/speciesml/pkg/dataset"
	"github.com/collectkid/speciesml/pkg/iox"
	"github.com/cyclopcam/logs"
)

// Every training and validation batch has this many samples (except the last one of an epoch)
const BatchSize = 32

var ErrNonFiniteLoss = errors.New("Non-finite loss")

// Model is the part of cnn.Model that the trainer needs
type Model interface {
	TrainBatch(x *cnn.Tensor, labels []int, lr float32, rng *rand.Rand) (cnn.BatchResult, error)
	PredictBatch(x *cnn.Tensor) ([][]float32, error)
	Snapshot() [][]float32
	Restore(snapshot [][]float32) error
	Save(w io.Writer) error
}

// Run holds the hyperparameters of a training run
type Run struct {
	Epochs       int     `json:"epochs"`       // Epoch budget
	Patience     int     `json:"patience"`     // Stop after this many epochs without validation improvement
	LRPatience   int     `json:"lrPatience"`   // Decay the learning rate after this many epochs without improvement
	LRFactor     float64 `json:"lrFactor"`     // Multiplier applied on every decay
	LearningRate float64 `json:"learningRate"` // Initial learning rate
	Seed         int64   `json:"seed"`         // Seeds shuffling and dropout
}

func DefaultRun() Run {
	return Run{
		Epochs:       10,
		Patience:     3,
		LRPatience:   2,
		LRFactor:     0.5,
		LearningRate: 0.001,
		Seed:         42,
	}
}

func (r Run) Validate() error {
	if r.Epochs <= 0 {
		return fmt.Errorf("Epochs must be positive, not %v", r.Epochs)
	}
	if r.Patience <= 0 || r.LRPatience <= 0 {
		return fmt.Errorf("Patience must be positive (patience %v, lr patience %v)", r.Patience, r.LRPatience)
	}
	if r.LRFactor <= 0 || r.LRFactor >= 1 {
		return fmt.Errorf("Learning rate factor must be in (0,1), not %v", r.LRFactor)
	}
	if r.LearningRate <= 0 {
		return fmt.Errorf("Learning rate must be positive, not %v", r.LearningRate)
	}
	return nil
}

// EpochStats is recorded at the end of every epoch
type EpochStats struct {
	Epoch         int           `json:"epoch"` // 1-based
	LearningRate  float64       `json:"learningRate"`
	TrainLoss     float64       `json:"trainLoss"`
	TrainAccuracy float64       `json:"trainAccuracy"`
	ValLoss       float64       `json:"valLoss"`
	ValAccuracy   float64       `json:"valAccuracy"`
	Improved      bool          `json:"improved"`
	Duration      time.Duration `json:"duration"`
}

// History of a completed training run
type History struct {
	Epochs            []EpochStats `json:"epochs"`
	BestEpoch         int          `json:"bestEpoch"`
	BestValAccuracy   float64      `json:"bestValAccuracy"`
	StoppedEarly      bool         `json:"stoppedEarly"`
	FinalLearningRate float64      `json:"finalLearningRate"`
}

// Trainer fits a model with early stopping, learning rate decay, and checkpointing
type Trainer struct {
	Log            logs.Log
	Run            Run
	Width          int
	Height         int
	CheckpointPath string           // If not empty, the best model so far is written here after every improvement
	OnEpoch        func(EpochStats) // Optional
}

func NewTrainer(log logs.Log, run Run, width, height int, checkpointPath string) *Trainer {
	return &Trainer{
		Log:            log,
		Run:            run,
		Width:          width,
		Height:         height,
		CheckpointPath: checkpointPath,
	}
}

// Fit trains the model on train, and measures validation accuracy after every epoch.
//
// An epoch improves when its validation accuracy is strictly higher than the best so far.
// Two separate counters track epochs without improvement: one halts training after Run.Patience
// epochs, the other multiplies the learning rate by Run.LRFactor after Run.LRPatience epochs and
// then starts counting again. Both reset on improvement.
//
// When Fit returns without error, the model holds the weights of the best epoch.
// If an error is returned, the model is in an undefined state, but the checkpoint file
// holds the best model up to that point.
func (t *Trainer) Fit(model Model, train, val []dataset.Sample) (*History, error) {
	if err := t.Run.Validate(); err != nil {
		return nil, err
	}
	if len(train) == 0 || len(val) == 0 {
		return nil, fmt.Errorf("Training needs samples in both partitions (train %v, validation %v)", len(train), len(val))
	}

	rng := rand.New(rand.NewSource(t.Run.Seed))
	lr := t.Run.LearningRate
	order := make([]int, len(train))
	for i := range order {
		order[i] = i
	}

	history := &History{BestValAccuracy: -1}
	var best [][]float32
	stopWait := 0
	lrWait := 0

	for epoch := 1; epoch <= t.Run.Epochs; epoch++ {
		start := time.Now()
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		lossSum := 0.0
		correct := 0
		for b := 0; b < len(order); b += BatchSize {
			idx := order[b:min(b+BatchSize, len(order))]
			x, y, err := dataset.Batch(train, idx, t.Width, t.Height)
			if err != nil {
				return history, err
			}
			res, err := model.TrainBatch(x, y, float32(lr), rng)
			if err != nil {
				return history, fmt.Errorf("Epoch %v batch %v: %w", epoch, b/BatchSize, err)
			}
			if !isFinite(res.Loss) {
				return history, fmt.Errorf("%w %v at epoch %v batch %v", ErrNonFiniteLoss, res.Loss, epoch, b/BatchSize)
			}
			lossSum += res.Loss * float64(len(idx))
			correct += res.Correct
		}

		valLoss, valAcc, err := t.validate(model, val)
		if err != nil {
			return history, fmt.Errorf("Epoch %v validation: %w", epoch, err)
		}
		if !isFinite(valLoss) {
			return history, fmt.Errorf("%w %v in validation at epoch %v", ErrNonFiniteLoss, valLoss, epoch)
		}

		stats := EpochStats{
			Epoch:         epoch,
			LearningRate:  lr,
			TrainLoss:     lossSum / float64(len(train)),
			TrainAccuracy: float64(correct) / float64(len(train)),
			ValLoss:       valLoss,
			ValAccuracy:   valAcc,
		}

		if valAcc > history.BestValAccuracy {
			stats.Improved = true
			history.BestValAccuracy = valAcc
			history.BestEpoch = epoch
			best = model.Snapshot()
			stopWait = 0
			lrWait = 0
			if err := t.writeCheckpoint(model); err != nil {
				return history, err
			}
		} else {
			stopWait++
			lrWait++
			if lrWait >= t.Run.LRPatience {
				lr *= t.Run.LRFactor
				lrWait = 0
				t.Log.Infof("Validation accuracy has not improved for %v epochs. Reducing learning rate to %.6g", t.Run.LRPatience, lr)
			}
		}

		stats.Duration = time.Since(start)
		history.Epochs = append(history.Epochs, stats)
		t.Log.Infof("Epoch %v/%v: loss %.4f, accuracy %.3f, val_loss %.4f, val_accuracy %.3f, lr %.6g (%.1fs)",
			epoch, t.Run.Epochs, stats.TrainLoss, stats.TrainAccuracy, stats.ValLoss, stats.ValAccuracy, stats.LearningRate, stats.Duration.Seconds())
		if t.OnEpoch != nil {
			t.OnEpoch(stats)
		}

		if stopWait >= t.Run.Patience {
			history.StoppedEarly = true
			t.Log.Infof("Stopping early after epoch %v. Best epoch was %v", epoch, history.BestEpoch)
			break
		}
	}

	history.FinalLearningRate = lr
	if err := model.Restore(best); err != nil {
		return history, fmt.Errorf("Failed to restore best weights: %w", err)
	}
	return history, nil
}

// Mean cross-entropy and accuracy over the validation samples
func (t *Trainer) validate(model Model, val []dataset.Sample) (loss, accuracy float64, err error) {
	correct := 0
	idx := make([]int, 0, BatchSize)
	for b := 0; b < len(val); b += BatchSize {
		idx = idx[:0]
		for i := b; i < min(b+BatchSize, len(val)); i++ {
			idx = append(idx, i)
		}
		x, y, err := dataset.Batch(val, idx, t.Width, t.Height)
		if err != nil {
			return 0, 0, err
		}
		rows, err := model.PredictBatch(x)
		if err != nil {
			return 0, 0, err
		}
		if len(rows) != len(y) {
			return 0, 0, fmt.Errorf("Model returned %v predictions for %v samples", len(rows), len(y))
		}
		for i, row := range rows {
			if y[i] >= len(row) {
				return 0, 0, fmt.Errorf("Model returned %v probabilities, but label is %v", len(row), y[i])
			}
			loss -= math.Log(math.Max(float64(row[y[i]]), 1e-7))
			if argmax(row) == y[i] {
				correct++
			}
		}
	}
	return loss / float64(len(val)), float64(correct) / float64(len(val)), nil
}

func (t *Trainer) writeCheckpoint(model Model) error {
	if t.CheckpointPath == "" {
		return nil
	}
	if err := iox.WriteFileAtomic(t.CheckpointPath, model.Save); err != nil {
		return fmt.Errorf("Failed to write checkpoint %v: %w", t.CheckpointPath, err)
	}
	return nil
}

func argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
