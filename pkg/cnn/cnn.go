package cnn

// Package cnn is a small pure-Go convolutional network, sized for the species classifier.
// Tensors are float32, laid out NCHW. Every layer caches what it needs for backprop in a value
// that is returned from Forward, so a forward pass in inference mode does not mutate the model,
// and Model.Predict may be called from many goroutines at once.

import (
	"fmt"
	"math/rand"
	"runtime"

	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sync/errgroup"
)

// Shape of a single sample (channels, height, width)
type Shape struct {
	C int `json:"c"`
	H int `json:"h"`
	W int `json:"w"`
}

func (s Shape) Size() int {
	return s.C * s.H * s.W
}

func (s Shape) String() string {
	return fmt.Sprintf("%vx%vx%v", s.C, s.H, s.W)
}

// Tensor is a batch of N samples, each of shape CxHxW
type Tensor struct {
	N, C, H, W int
	Data       []float32
}

func NewTensor(n int, s Shape) *Tensor {
	return &Tensor{
		N:    n,
		C:    s.C,
		H:    s.H,
		W:    s.W,
		Data: make([]float32, n*s.Size()),
	}
}

func (t *Tensor) Shape() Shape {
	return Shape{C: t.C, H: t.H, W: t.W}
}

// Return the slice of Data that belongs to sample i
func (t *Tensor) Sample(i int) []float32 {
	n := t.C * t.H * t.W
	return t.Data[i*n : (i+1)*n]
}

// Param is a named block of weights.
// Grad is nil for non-trainable params (eg batch norm running statistics).
type Param struct {
	Name  string
	Shape []int
	Value []float32
	Grad  []float32
}

func newParam(name string, trainable bool, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	p := &Param{
		Name:  name,
		Shape: shape,
		Value: make([]float32, n),
	}
	if trainable {
		p.Grad = make([]float32, n)
	}
	return p
}

func (p *Param) Trainable() bool {
	return p.Grad != nil
}

// Layer is one stage of the network.
// Forward returns the output and an opaque cache which must be handed back to Backward.
// Backward accumulates into the Grad of its params, and returns the gradient with respect
// to its input (or nil if needDX is false).
type Layer interface {
	Kind() string
	OutputShape(in Shape) Shape
	Forward(x *Tensor, p *pass) (*Tensor, any)
	Backward(p *pass, cache any, dy *Tensor, needDX bool) *Tensor
	Params() []*Param
}

// pass carries the per-call state of a forward pass
type pass struct {
	training bool
	rng      *rand.Rand // Only used in training mode (dropout)
	workers  int
}

// DefaultParallelism is the number of goroutines used for per-sample and per-channel work
func DefaultParallelism() int {
	if cpuid.CPU.LogicalCores > 0 {
		return cpuid.CPU.LogicalCores
	}
	return runtime.NumCPU()
}

// DescribeCPU returns a one line summary of the CPU, for logging
func DescribeCPU() string {
	return fmt.Sprintf("%v (%v logical cores, AVX2: %v, FMA3: %v, AVX512F: %v)",
		cpuid.CPU.BrandName, cpuid.CPU.LogicalCores,
		cpuid.CPU.Supports(cpuid.AVX2), cpuid.CPU.Supports(cpuid.FMA3), cpuid.CPU.Supports(cpuid.AVX512F))
}

// forEach runs body(0..n-1) with at most limit goroutines.
// Each body call must write only to memory that no other index touches.
func forEach(n, limit int, body func(i int)) {
	if limit <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			body(i)
		}
		return
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			body(i)
			return nil
		})
	}
	g.Wait()
}
