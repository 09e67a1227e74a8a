package cnn

// Conv2D is a 3x3 convolution with stride 1 and zero ("same") padding
type Conv2D struct {
	InC    int
	OutC   int
	Kernel *Param // [OutC, InC, 3, 3]
	Bias   *Param // [OutC]
}

const convK = 3

func NewConv2D(name string, inC, outC int) *Conv2D {
	return &Conv2D{
		InC:    inC,
		OutC:   outC,
		Kernel: newParam(name+".kernel", true, outC, inC, convK, convK),
		Bias:   newParam(name+".bias", true, outC),
	}
}

func (l *Conv2D) Kind() string { return "conv2d" }

func (l *Conv2D) Params() []*Param { return []*Param{l.Kernel, l.Bias} }

func (l *Conv2D) OutputShape(in Shape) Shape {
	return Shape{C: l.OutC, H: in.H, W: in.W}
}

// Valid destination range along one axis when the source is offset by d
func convRange(d, size int) (lo, hi int) {
	return max(0, -d), min(size, size-d)
}

func (l *Conv2D) Forward(x *Tensor, p *pass) (*Tensor, any) {
	H, W := x.H, x.W
	plane := H * W
	y := NewTensor(x.N, l.OutputShape(x.Shape()))
	w := l.Kernel.Value
	forEach(x.N, p.workers, func(n int) {
		src := x.Sample(n)
		dst := y.Sample(n)
		for o := 0; o < l.OutC; o++ {
			out := dst[o*plane : (o+1)*plane]
			b := l.Bias.Value[o]
			for i := range out {
				out[i] = b
			}
			for c := 0; c < l.InC; c++ {
				in := src[c*plane : (c+1)*plane]
				for ky := 0; ky < convK; ky++ {
					dy := ky - 1
					y0, y1 := convRange(dy, H)
					for kx := 0; kx < convK; kx++ {
						dx := kx - 1
						x0, x1 := convRange(dx, W)
						wv := w[((o*l.InC+c)*convK+ky)*convK+kx]
						for i := y0; i < y1; i++ {
							orow := out[i*W : i*W+W]
							irow := in[(i+dy)*W : (i+dy)*W+W]
							for j := x0; j < x1; j++ {
								orow[j] += wv * irow[j+dx]
							}
						}
					}
				}
			}
		}
	})
	return y, x
}

func (l *Conv2D) Backward(p *pass, cache any, dy *Tensor, needDX bool) *Tensor {
	x := cache.(*Tensor)
	H, W := x.H, x.W
	plane := H * W
	w := l.Kernel.Value

	// Weight gradients: each output channel owns its own slice of Kernel.Grad
	forEach(l.OutC, p.workers, func(o int) {
		gb := float32(0)
		for n := 0; n < x.N; n++ {
			g := dy.Sample(n)[o*plane : (o+1)*plane]
			for _, v := range g {
				gb += v
			}
			src := x.Sample(n)
			for c := 0; c < l.InC; c++ {
				in := src[c*plane : (c+1)*plane]
				for ky := 0; ky < convK; ky++ {
					ddy := ky - 1
					y0, y1 := convRange(ddy, H)
					for kx := 0; kx < convK; kx++ {
						ddx := kx - 1
						x0, x1 := convRange(ddx, W)
						sum := float32(0)
						for i := y0; i < y1; i++ {
							grow := g[i*W : i*W+W]
							irow := in[(i+ddy)*W : (i+ddy)*W+W]
							for j := x0; j < x1; j++ {
								sum += grow[j] * irow[j+ddx]
							}
						}
						l.Kernel.Grad[((o*l.InC+c)*convK+ky)*convK+kx] += sum
					}
				}
			}
		}
		l.Bias.Grad[o] += gb
	})

	if !needDX {
		return nil
	}

	// Input gradients: each sample owns its own slice of dx
	dx := NewTensor(x.N, x.Shape())
	forEach(x.N, p.workers, func(n int) {
		g := dy.Sample(n)
		dst := dx.Sample(n)
		for o := 0; o < l.OutC; o++ {
			gp := g[o*plane : (o+1)*plane]
			for c := 0; c < l.InC; c++ {
				dp := dst[c*plane : (c+1)*plane]
				for ky := 0; ky < convK; ky++ {
					ddy := ky - 1
					y0, y1 := convRange(ddy, H)
					for kx := 0; kx < convK; kx++ {
						ddx := kx - 1
						x0, x1 := convRange(ddx, W)
						wv := w[((o*l.InC+c)*convK+ky)*convK+kx]
						for i := y0; i < y1; i++ {
							grow := gp[i*W : i*W+W]
							drow := dp[(i+ddy)*W : (i+ddy)*W+W]
							for j := x0; j < x1; j++ {
								drow[j+ddx] += wv * grow[j]
							}
						}
					}
				}
			}
		}
	})
	return dx
}
