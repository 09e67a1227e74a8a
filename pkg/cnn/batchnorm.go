package cnn

import (
	"github.com/chewxy/math32"
)

// BatchNorm normalizes each channel over the batch and spatial dimensions.
// In training mode it uses batch statistics and updates the running statistics.
// In inference mode it uses only the running statistics.
type BatchNorm struct {
	C        int
	Momentum float32
	Epsilon  float32
	Gamma    *Param
	Beta     *Param
	Mean     *Param // running mean (not trainable)
	Var      *Param // running variance (not trainable)
}

type batchNormCache struct {
	xhat   *Tensor
	invStd []float32
}

func NewBatchNorm(name string, channels int, momentum, epsilon float32) *BatchNorm {
	l := &BatchNorm{
		C:        channels,
		Momentum: momentum,
		Epsilon:  epsilon,
		Gamma:    newParam(name+".gamma", true, channels),
		Beta:     newParam(name+".beta", true, channels),
		Mean:     newParam(name+".moving_mean", false, channels),
		Var:      newParam(name+".moving_variance", false, channels),
	}
	for i := 0; i < channels; i++ {
		l.Gamma.Value[i] = 1
		l.Var.Value[i] = 1
	}
	return l
}

func (l *BatchNorm) Kind() string               { return "batchnorm" }
func (l *BatchNorm) Params() []*Param           { return []*Param{l.Gamma, l.Beta, l.Mean, l.Var} }
func (l *BatchNorm) OutputShape(in Shape) Shape { return in }

func (l *BatchNorm) Forward(x *Tensor, p *pass) (*Tensor, any) {
	y := NewTensor(x.N, x.Shape())
	plane := x.H * x.W
	if !p.training {
		forEach(l.C, p.workers, func(c int) {
			scale := l.Gamma.Value[c] / math32.Sqrt(l.Var.Value[c]+l.Epsilon)
			shift := l.Beta.Value[c] - l.Mean.Value[c]*scale
			for n := 0; n < x.N; n++ {
				src := x.Sample(n)[c*plane : (c+1)*plane]
				dst := y.Sample(n)[c*plane : (c+1)*plane]
				for i, v := range src {
					dst[i] = v*scale + shift
				}
			}
		})
		return y, nil
	}

	cache := &batchNormCache{
		xhat:   NewTensor(x.N, x.Shape()),
		invStd: make([]float32, l.C),
	}
	m := float32(x.N * plane)
	forEach(l.C, p.workers, func(c int) {
		mean := float32(0)
		for n := 0; n < x.N; n++ {
			for _, v := range x.Sample(n)[c*plane : (c+1)*plane] {
				mean += v
			}
		}
		mean /= m
		variance := float32(0)
		for n := 0; n < x.N; n++ {
			for _, v := range x.Sample(n)[c*plane : (c+1)*plane] {
				d := v - mean
				variance += d * d
			}
		}
		variance /= m
		invStd := 1 / math32.Sqrt(variance+l.Epsilon)
		cache.invStd[c] = invStd
		gamma, beta := l.Gamma.Value[c], l.Beta.Value[c]
		for n := 0; n < x.N; n++ {
			src := x.Sample(n)[c*plane : (c+1)*plane]
			xh := cache.xhat.Sample(n)[c*plane : (c+1)*plane]
			dst := y.Sample(n)[c*plane : (c+1)*plane]
			for i, v := range src {
				xh[i] = (v - mean) * invStd
				dst[i] = gamma*xh[i] + beta
			}
		}
		l.Mean.Value[c] = l.Momentum*l.Mean.Value[c] + (1-l.Momentum)*mean
		l.Var.Value[c] = l.Momentum*l.Var.Value[c] + (1-l.Momentum)*variance
	})
	return y, cache
}

func (l *BatchNorm) Backward(p *pass, cache any, dy *Tensor, needDX bool) *Tensor {
	bc := cache.(*batchNormCache)
	plane := dy.H * dy.W
	m := float32(dy.N * plane)
	var dx *Tensor
	if needDX {
		dx = NewTensor(dy.N, dy.Shape())
	}
	forEach(l.C, p.workers, func(c int) {
		sumDy := float32(0)
		sumDyXhat := float32(0)
		for n := 0; n < dy.N; n++ {
			g := dy.Sample(n)[c*plane : (c+1)*plane]
			xh := bc.xhat.Sample(n)[c*plane : (c+1)*plane]
			for i, v := range g {
				sumDy += v
				sumDyXhat += v * xh[i]
			}
		}
		l.Gamma.Grad[c] += sumDyXhat
		l.Beta.Grad[c] += sumDy
		if dx == nil {
			return
		}
		k := l.Gamma.Value[c] * bc.invStd[c] / m
		for n := 0; n < dy.N; n++ {
			g := dy.Sample(n)[c*plane : (c+1)*plane]
			xh := bc.xhat.Sample(n)[c*plane : (c+1)*plane]
			dst := dx.Sample(n)[c*plane : (c+1)*plane]
			for i, v := range g {
				dst[i] = k * (m*v - sumDy - xh[i]*sumDyXhat)
			}
		}
	})
	return dx
}
