package cnn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/chewxy/math32"
)

// Architecture describes the shape of the classifier network.
// It is stored in the header of every checkpoint and exported artifact.
type Architecture struct {
	Name              string    `json:"name"`
	ConvWidths        []int     `json:"convWidths"`   // Output channels of each conv block
	DenseUnits        []int     `json:"denseUnits"`   // Hidden dense layers after global pooling
	DropoutRates      []float32 `json:"dropoutRates"` // One per dense layer
	BatchNormMomentum float32   `json:"batchNormMomentum"`
	BatchNormEpsilon  float32   `json:"batchNormEpsilon"`
}

const DefaultArchitectureName = "speciescnn-v1"

// DefaultArchitecture is four conv blocks of 32, 64, 128, 256 channels,
// followed by dense layers of 512 and 256 units, with dropout 0.5 and 0.3.
func DefaultArchitecture() Architecture {
	return Architecture{
		Name:              DefaultArchitectureName,
		ConvWidths:        []int{32, 64, 128, 256},
		DenseUnits:        []int{512, 256},
		DropoutRates:      []float32{0.5, 0.3},
		BatchNormMomentum: 0.99,
		BatchNormEpsilon:  0.001,
	}
}

// Smallest input height or width that survives every pooling stage
func (a Architecture) MinInputSize() int {
	return 1 << len(a.ConvWidths)
}

func (a Architecture) Validate() error {
	if len(a.ConvWidths) == 0 {
		return errors.New("Architecture needs at least one conv block")
	}
	for _, w := range a.ConvWidths {
		if w <= 0 {
			return fmt.Errorf("Invalid conv width %v", w)
		}
	}
	if len(a.DenseUnits) != len(a.DropoutRates) {
		return fmt.Errorf("Architecture has %v dense layers but %v dropout rates", len(a.DenseUnits), len(a.DropoutRates))
	}
	for i, u := range a.DenseUnits {
		if u <= 0 {
			return fmt.Errorf("Invalid dense units %v", u)
		}
		if r := a.DropoutRates[i]; r < 0 || r >= 1 {
			return fmt.Errorf("Invalid dropout rate %v", r)
		}
	}
	if a.BatchNormMomentum < 0 || a.BatchNormMomentum >= 1 {
		return fmt.Errorf("Invalid batch norm momentum %v", a.BatchNormMomentum)
	}
	if a.BatchNormEpsilon <= 0 {
		return fmt.Errorf("Invalid batch norm epsilon %v", a.BatchNormEpsilon)
	}
	return nil
}

// Model is the species classifier network.
// The output of the final Softmax is index-aligned with Classes.
type Model struct {
	Arch    Architecture
	Input   Shape
	Classes []string // Class ids, in output order
	Workers int      // Goroutines used inside a forward or backward pass

	layers    []Layer
	trainable []*Param
	optimizer *Adam
}

// BatchResult summarizes one training step
type BatchResult struct {
	Loss    float64 // Mean cross-entropy over the batch
	Correct int     // Number of samples whose argmax equals the label
}

// Create a new classifier with freshly initialized weights.
// The input is RGB, of size width x height.
func NewClassifier(arch Architecture, width, height int, classes []string, seed int64) (*Model, error) {
	m, err := newModel(arch, Shape{C: 3, H: height, W: width}, classes)
	if err != nil {
		return nil, err
	}
	m.initWeights(rand.New(rand.NewSource(seed)))
	return m, nil
}

// Build the layer stack, with zero weights
func newModel(arch Architecture, input Shape, classes []string) (*Model, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		return nil, errors.New("Model needs at least one class")
	}
	if input.C != 3 {
		return nil, fmt.Errorf("Input must have 3 channels, not %v", input.C)
	}
	if minSize := arch.MinInputSize(); input.W < minSize || input.H < minSize {
		return nil, fmt.Errorf("Input size %vx%v is too small for %v conv blocks (minimum %v)", input.W, input.H, len(arch.ConvWidths), minSize)
	}

	m := &Model{
		Arch:      arch,
		Input:     input,
		Classes:   append([]string(nil), classes...),
		Workers:   DefaultParallelism(),
		optimizer: NewAdam(),
	}
	inC := input.C
	for i, width := range arch.ConvWidths {
		name := fmt.Sprintf("block%v", i+1)
		m.layers = append(m.layers,
			NewConv2D(name+".conv", inC, width),
			&ReLU{},
			&MaxPool2D{},
			NewBatchNorm(name+".bn", width, arch.BatchNormMomentum, arch.BatchNormEpsilon),
		)
		inC = width
	}
	m.layers = append(m.layers, &GlobalAvgPool{})
	for i, units := range arch.DenseUnits {
		m.layers = append(m.layers,
			NewDense(fmt.Sprintf("dense%v", i+1), inC, units),
			&ReLU{},
			&Dropout{Rate: arch.DropoutRates[i]},
		)
		inC = units
	}
	m.layers = append(m.layers,
		NewDense("output", inC, len(classes)),
		&Softmax{},
	)
	for _, p := range m.Params() {
		if p.Trainable() {
			m.trainable = append(m.trainable, p)
		}
	}
	return m, nil
}

// Glorot uniform for kernels, zero for biases
func (m *Model) initWeights(rng *rand.Rand) {
	for _, l := range m.layers {
		var kernel *Param
		var fanIn, fanOut int
		switch t := l.(type) {
		case *Conv2D:
			kernel = t.Kernel
			fanIn, fanOut = t.InC*convK*convK, t.OutC*convK*convK
		case *Dense:
			kernel = t.Kernel
			fanIn, fanOut = t.In, t.Out
		default:
			continue
		}
		limit := float32(math.Sqrt(6 / float64(fanIn+fanOut)))
		for i := range kernel.Value {
			kernel.Value[i] = (rng.Float32()*2 - 1) * limit
		}
	}
}

// Every param of the model, trainable or not, in a stable order
func (m *Model) Params() []*Param {
	var all []*Param
	for _, l := range m.layers {
		all = append(all, l.Params()...)
	}
	return all
}

func (m *Model) Layers() []Layer {
	return m.layers
}

// Total number of scalar weights
func (m *Model) NumParameters() int {
	n := 0
	for _, p := range m.Params() {
		n += len(p.Value)
	}
	return n
}

func (m *Model) NumClasses() int {
	return len(m.Classes)
}

func (m *Model) checkInput(x *Tensor) error {
	if x.Shape() != m.Input {
		return fmt.Errorf("Input shape %v does not match model input %v", x.Shape(), m.Input)
	}
	if len(x.Data) != x.N*m.Input.Size() {
		return fmt.Errorf("Input tensor has %v values, expected %v", len(x.Data), x.N*m.Input.Size())
	}
	return nil
}

// Predict returns the class probabilities for every sample in x, as an N x NumClasses x 1 x 1 tensor.
// Predict does not modify the model, so it is safe to call concurrently.
func (m *Model) Predict(x *Tensor) (*Tensor, error) {
	if err := m.checkInput(x); err != nil {
		return nil, err
	}
	p := &pass{training: false, workers: m.Workers}
	h := x
	for _, l := range m.layers {
		h, _ = l.Forward(h, p)
	}
	return h, nil
}

// PredictBatch is Predict, returning one probability row per sample
func (m *Model) PredictBatch(x *Tensor) ([][]float32, error) {
	probs, err := m.Predict(x)
	if err != nil {
		return nil, err
	}
	rows := make([][]float32, probs.N)
	for i := range rows {
		rows[i] = append([]float32(nil), probs.Sample(i)...)
	}
	return rows, nil
}

// TrainBatch performs one forward/backward pass and one optimizer step.
// If the loss is not finite, the weights are left untouched and the loss is returned as-is,
// so that the caller can decide what to do.
func (m *Model) TrainBatch(x *Tensor, labels []int, lr float32, rng *rand.Rand) (BatchResult, error) {
	if err := m.checkInput(x); err != nil {
		return BatchResult{}, err
	}
	if len(labels) != x.N {
		return BatchResult{}, fmt.Errorf("Batch has %v samples but %v labels", x.N, len(labels))
	}
	for _, lb := range labels {
		if lb < 0 || lb >= m.NumClasses() {
			return BatchResult{}, fmt.Errorf("Label %v out of range [0,%v)", lb, m.NumClasses())
		}
	}

	p := &pass{training: true, rng: rng, workers: m.Workers}
	caches := make([]any, len(m.layers))
	h := x
	for i, l := range m.layers {
		h, caches[i] = l.Forward(h, p)
	}

	res, dlogits := crossEntropy(h, labels)
	if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
		return res, nil
	}

	for _, param := range m.trainable {
		clear(param.Grad)
	}
	// The softmax is the last layer, and its gradient is folded into dlogits
	g := dlogits
	for i := len(m.layers) - 2; i >= 0; i-- {
		g = m.layers[i].Backward(p, caches[i], g, i > 0)
	}
	m.optimizer.Step(m.trainable, lr, m.Workers)
	return res, nil
}

// Mean cross-entropy, and its gradient with respect to the logits that fed the softmax
func crossEntropy(probs *Tensor, labels []int) (BatchResult, *Tensor) {
	const minProb = 1e-7
	res := BatchResult{}
	grad := NewTensor(probs.N, probs.Shape())
	invN := 1 / float32(probs.N)
	for n, lb := range labels {
		pr := probs.Sample(n)
		res.Loss -= math.Log(float64(max(pr[lb], minProb)))
		if argmax(pr) == lb {
			res.Correct++
		}
		g := grad.Sample(n)
		for i, v := range pr {
			g[i] = v * invN
		}
		g[lb] -= invN
	}
	res.Loss /= float64(probs.N)
	return res, grad
}

// Index of the largest value. The lowest index wins a tie.
func argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// Snapshot returns a deep copy of every param value
func (m *Model) Snapshot() [][]float32 {
	params := m.Params()
	snap := make([][]float32, len(params))
	for i, p := range params {
		snap[i] = append([]float32(nil), p.Value...)
	}
	return snap
}

// Restore params from a Snapshot
func (m *Model) Restore(snap [][]float32) error {
	params := m.Params()
	if len(snap) != len(params) {
		return fmt.Errorf("Snapshot has %v tensors, model has %v", len(snap), len(params))
	}
	for i, p := range params {
		if len(snap[i]) != len(p.Value) {
			return fmt.Errorf("Snapshot tensor %v has %v values, expected %v", p.Name, len(snap[i]), len(p.Value))
		}
	}
	for i, p := range params {
		copy(p.Value, snap[i])
	}
	return nil
}

// Returns true if every param value is finite
func (m *Model) IsFinite() bool {
	for _, p := range m.Params() {
		for _, v := range p.Value {
			if math32.IsNaN(v) || math32.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
