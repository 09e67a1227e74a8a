package cnn

import (
	"github.com/chewxy/math32"
)

type ReLU struct{}

func (l *ReLU) Kind() string               { return "relu" }
func (l *ReLU) Params() []*Param           { return nil }
func (l *ReLU) OutputShape(in Shape) Shape { return in }

func (l *ReLU) Forward(x *Tensor, p *pass) (*Tensor, any) {
	y := NewTensor(x.N, x.Shape())
	for i, v := range x.Data {
		if v > 0 {
			y.Data[i] = v
		}
	}
	return y, y
}

func (l *ReLU) Backward(p *pass, cache any, dy *Tensor, needDX bool) *Tensor {
	if !needDX {
		return nil
	}
	y := cache.(*Tensor)
	dx := NewTensor(dy.N, dy.Shape())
	for i, v := range dy.Data {
		if y.Data[i] > 0 {
			dx.Data[i] = v
		}
	}
	return dx
}

// Dropout zeroes a fraction Rate of its inputs during training, and scales the survivors
// by 1/(1-Rate). At inference it is the identity.
type Dropout struct {
	Rate float32
}

func (l *Dropout) Kind() string               { return "dropout" }
func (l *Dropout) Params() []*Param           { return nil }
func (l *Dropout) OutputShape(in Shape) Shape { return in }

func (l *Dropout) Forward(x *Tensor, p *pass) (*Tensor, any) {
	if !p.training || l.Rate <= 0 {
		return x, nil
	}
	keep := 1 - l.Rate
	scale := 1 / keep
	mask := make([]float32, len(x.Data))
	y := NewTensor(x.N, x.Shape())
	for i, v := range x.Data {
		if p.rng.Float32() < keep {
			mask[i] = scale
			y.Data[i] = v * scale
		}
	}
	return y, mask
}

func (l *Dropout) Backward(p *pass, cache any, dy *Tensor, needDX bool) *Tensor {
	if !needDX {
		return nil
	}
	mask, _ := cache.([]float32)
	if mask == nil {
		return dy
	}
	dx := NewTensor(dy.N, dy.Shape())
	for i, v := range dy.Data {
		dx.Data[i] = v * mask[i]
	}
	return dx
}

// Softmax normalizes each sample into a probability distribution over its channels.
// During training, Model fuses the backward pass of Softmax with the cross-entropy loss,
// so Backward here is only the general Jacobian-vector product.
type Softmax struct{}

func (l *Softmax) Kind() string               { return "softmax" }
func (l *Softmax) Params() []*Param           { return nil }
func (l *Softmax) OutputShape(in Shape) Shape { return in }

func (l *Softmax) Forward(x *Tensor, p *pass) (*Tensor, any) {
	y := NewTensor(x.N, x.Shape())
	for n := 0; n < x.N; n++ {
		softmax(x.Sample(n), y.Sample(n))
	}
	return y, y
}

func (l *Softmax) Backward(p *pass, cache any, dy *Tensor, needDX bool) *Tensor {
	if !needDX {
		return nil
	}
	y := cache.(*Tensor)
	dx := NewTensor(dy.N, dy.Shape())
	for n := 0; n < dy.N; n++ {
		g := dy.Sample(n)
		s := y.Sample(n)
		dot := float32(0)
		for i := range g {
			dot += g[i] * s[i]
		}
		dst := dx.Sample(n)
		for i := range g {
			dst[i] = s[i] * (g[i] - dot)
		}
	}
	return dx
}

func softmax(src, dst []float32) {
	mx := math32.Inf(-1)
	for _, v := range src {
		mx = max(mx, v)
	}
	sum := float32(0)
	for i, v := range src {
		dst[i] = math32.Exp(v - mx)
		sum += dst[i]
	}
	inv := 1 / sum
	for i := range dst {
		dst[i] *= inv
	}
}
