package cnn

// Dense is a fully connected layer. The input sample is flattened.
type Dense struct {
	In     int
	Out    int
	Kernel *Param // [Out, In]
	Bias   *Param // [Out]
}

func NewDense(name string, in, out int) *Dense {
	return &Dense{
		In:     in,
		Out:    out,
		Kernel: newParam(name+".kernel", true, out, in),
		Bias:   newParam(name+".bias", true, out),
	}
}

func (l *Dense) Kind() string     { return "dense" }
func (l *Dense) Params() []*Param { return []*Param{l.Kernel, l.Bias} }

func (l *Dense) OutputShape(in Shape) Shape {
	return Shape{C: l.Out, H: 1, W: 1}
}

func (l *Dense) Forward(x *Tensor, p *pass) (*Tensor, any) {
	y := NewTensor(x.N, l.OutputShape(x.Shape()))
	w := l.Kernel.Value
	forEach(x.N, p.workers, func(n int) {
		src := x.Sample(n)
		dst := y.Sample(n)
		for o := 0; o < l.Out; o++ {
			row := w[o*l.In : (o+1)*l.In]
			sum := l.Bias.Value[o]
			for i, v := range src {
				sum += row[i] * v
			}
			dst[o] = sum
		}
	})
	return y, x
}

func (l *Dense) Backward(p *pass, cache any, dy *Tensor, needDX bool) *Tensor {
	x := cache.(*Tensor)
	forEach(l.Out, p.workers, func(o int) {
		grow := l.Kernel.Grad[o*l.In : (o+1)*l.In]
		for n := 0; n < x.N; n++ {
			g := dy.Sample(n)[o]
			if g == 0 {
				continue
			}
			for i, v := range x.Sample(n) {
				grow[i] += g * v
			}
			l.Bias.Grad[o] += g
		}
	})
	if !needDX {
		return nil
	}
	dx := NewTensor(x.N, x.Shape())
	w := l.Kernel.Value
	forEach(x.N, p.workers, func(n int) {
		g := dy.Sample(n)
		dst := dx.Sample(n)
		for o := 0; o < l.Out; o++ {
			if g[o] == 0 {
				continue
			}
			row := w[o*l.In : (o+1)*l.In]
			for i := range dst {
				dst[i] += g[o] * row[i]
			}
		}
	})
	return dx
}
