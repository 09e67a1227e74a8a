package cnn

import (
	"github.com/chewxy/math32"
)

// Adam optimizer, with the same defaults as Keras
type Adam struct {
	Beta1   float32
	Beta2   float32
	Epsilon float32
	step    int
	m       map[*Param][]float32
	v       map[*Param][]float32
}

func NewAdam() *Adam {
	return &Adam{
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: 1e-7,
		m:       map[*Param][]float32{},
		v:       map[*Param][]float32{},
	}
}

// Apply one update to every trainable param, using the gradients accumulated in Param.Grad
func (a *Adam) Step(params []*Param, lr float32, workers int) {
	a.step++
	// The moment buffers are created up front, so that the map is never written concurrently
	for _, p := range params {
		if _, ok := a.m[p]; !ok {
			a.m[p] = make([]float32, len(p.Value))
			a.v[p] = make([]float32, len(p.Value))
		}
	}
	t := float32(a.step)
	lrT := lr * math32.Sqrt(1-math32.Pow(a.Beta2, t)) / (1 - math32.Pow(a.Beta1, t))
	forEach(len(params), workers, func(i int) {
		p := params[i]
		m := a.m[p]
		v := a.v[p]
		for j, g := range p.Grad {
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*g
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*g*g
			p.Value[j] -= lrT * m[j] / (math32.Sqrt(v[j]) + a.Epsilon)
		}
	})
}
