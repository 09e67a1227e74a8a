package cnn

// MaxPool2D is a 2x2 max pool with stride 2. Odd trailing rows and columns are dropped.
type MaxPool2D struct{}

type maxPoolCache struct {
	in     Shape
	argmax []int32 // Index into the input sample, per output element
}

func (l *MaxPool2D) Kind() string     { return "maxpool2d" }
func (l *MaxPool2D) Params() []*Param { return nil }

func (l *MaxPool2D) OutputShape(in Shape) Shape {
	return Shape{C: in.C, H: in.H / 2, W: in.W / 2}
}

func (l *MaxPool2D) Forward(x *Tensor, p *pass) (*Tensor, any) {
	in := x.Shape()
	out := l.OutputShape(in)
	y := NewTensor(x.N, out)
	var argmax []int32
	if p.training {
		argmax = make([]int32, len(y.Data))
	}
	forEach(x.N, p.workers, func(n int) {
		src := x.Sample(n)
		dst := y.Sample(n)
		base := n * out.Size()
		for c := 0; c < in.C; c++ {
			for i := 0; i < out.H; i++ {
				for j := 0; j < out.W; j++ {
					best := c*in.H*in.W + (2*i)*in.W + 2*j
					for _, k := range [3]int{best + 1, best + in.W, best + in.W + 1} {
						if src[k] > src[best] {
							best = k
						}
					}
					o := (c*out.H+i)*out.W + j
					dst[o] = src[best]
					if argmax != nil {
						argmax[base+o] = int32(best)
					}
				}
			}
		}
	})
	return y, &maxPoolCache{in: in, argmax: argmax}
}

func (l *MaxPool2D) Backward(p *pass, cache any, dy *Tensor, needDX bool) *Tensor {
	if !needDX {
		return nil
	}
	mc := cache.(*maxPoolCache)
	dx := NewTensor(dy.N, mc.in)
	outSize := dy.C * dy.H * dy.W
	forEach(dy.N, p.workers, func(n int) {
		g := dy.Sample(n)
		dst := dx.Sample(n)
		idx := mc.argmax[n*outSize : (n+1)*outSize]
		for o, v := range g {
			dst[idx[o]] += v
		}
	})
	return dx
}

// GlobalAvgPool averages every channel down to a single value
type GlobalAvgPool struct{}

func (l *GlobalAvgPool) Kind() string     { return "globalavgpool" }
func (l *GlobalAvgPool) Params() []*Param { return nil }

func (l *GlobalAvgPool) OutputShape(in Shape) Shape {
	return Shape{C: in.C, H: 1, W: 1}
}

func (l *GlobalAvgPool) Forward(x *Tensor, p *pass) (*Tensor, any) {
	in := x.Shape()
	y := NewTensor(x.N, l.OutputShape(in))
	plane := in.H * in.W
	inv := 1 / float32(plane)
	for n := 0; n < x.N; n++ {
		src := x.Sample(n)
		dst := y.Sample(n)
		for c := 0; c < in.C; c++ {
			sum := float32(0)
			for _, v := range src[c*plane : (c+1)*plane] {
				sum += v
			}
			dst[c] = sum * inv
		}
	}
	return y, in
}

func (l *GlobalAvgPool) Backward(p *pass, cache any, dy *Tensor, needDX bool) *Tensor {
	if !needDX {
		return nil
	}
	in := cache.(Shape)
	dx := NewTensor(dy.N, in)
	plane := in.H * in.W
	inv := 1 / float32(plane)
	for n := 0; n < dy.N; n++ {
		g := dy.Sample(n)
		dst := dx.Sample(n)
		for c := 0; c < in.C; c++ {
			v := g[c] * inv
			d := dst[c*plane : (c+1)*plane]
			for i := range d {
				d[i] = v
			}
		}
	}
	return dx
}
