// Package nn implements the small CPU inference engine behind the
// visualization pipeline: named sequential networks of convolutional
// layers with exact forward/backward pairs, so Grad-CAM can recover
// the gradient of a class logit at any intermediate layer.
package nn

import (
	"fmt"

	"convscope/internal/tensor"
)

// Layer is one step of a sequential network. Layers are stateless with
// respect to a forward call: Backward receives the input that produced the
// output, so a single layer instance is safe for concurrent forward passes.
type Layer interface {
	Name() string
	Kind() string
	// OutShape computes the output shape for a given input shape.
	OutShape(in []int) ([]int, error)
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	// Backward computes the gradient of a scalar loss with respect to the
	// layer input, given the forward input x, the forward output y, and the
	// gradient with respect to y.
	Backward(x, y, grad *tensor.Tensor) (*tensor.Tensor, error)
}

// Param is one learnable tensor of a layer, loaded from a weights file.
type Param struct {
	Name string
	Data []float32
}

// paramLayer is implemented by layers carrying learnable parameters.
type paramLayer interface {
	Layer
	params() []*Param
}

// Conv2D is a 2-D convolution with square kernel, uniform stride and
// zero padding. Weight layout is [out][in][k][k], row-major.
type Conv2D struct {
	name                string
	inC, outC           int
	kernel, stride, pad int
	w, b                []float32
}

func NewConv2D(name string, inC, outC, kernel, stride, pad int) *Conv2D {
	return &Conv2D{
		name: name, inC: inC, outC: outC,
		kernel: kernel, stride: stride, pad: pad,
		w: make([]float32, outC*inC*kernel*kernel),
		b: make([]float32, outC),
	}
}

func (c *Conv2D) Name() string { return c.name }
func (c *Conv2D) Kind() string { return "conv" }

func (c *Conv2D) params() []*Param {
	return []*Param{
		{Name: c.name + ".weight", Data: c.w},
		{Name: c.name + ".bias", Data: c.b},
	}
}

func (c *Conv2D) OutShape(in []int) ([]int, error) {
	if len(in) != 3 {
		return nil, fmt.Errorf("conv %q: expected CHW input, got shape %v", c.name, in)
	}
	if in[0] != c.inC {
		return nil, fmt.Errorf("conv %q: expected %d input channels, got %d", c.name, c.inC, in[0])
	}
	oh := (in[1]+2*c.pad-c.kernel)/c.stride + 1
	ow := (in[2]+2*c.pad-c.kernel)/c.stride + 1
	if oh < 1 || ow < 1 {
		return nil, fmt.Errorf("conv %q: kernel %d does not fit input %dx%d", c.name, c.kernel, in[1], in[2])
	}
	return []int{c.outC, oh, ow}, nil
}

func (c *Conv2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	outShape, err := c.OutShape(x.Shape)
	if err != nil {
		return nil, err
	}
	h, w := x.Height(), x.Width()
	oh, ow := outShape[1], outShape[2]
	y := tensor.New(c.outC, oh, ow)
	kk := c.kernel * c.kernel
	for o := 0; o < c.outC; o++ {
		wBase := o * c.inC * kk
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				sum := c.b[o]
				for i := 0; i < c.inC; i++ {
					for ky := 0; ky < c.kernel; ky++ {
						iy := oy*c.stride - c.pad + ky
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < c.kernel; kx++ {
							ix := ox*c.stride - c.pad + kx
							if ix < 0 || ix >= w {
								continue
							}
							sum += x.At3(i, iy, ix) * c.w[wBase+i*kk+ky*c.kernel+kx]
						}
					}
				}
				y.Set3(o, oy, ox, sum)
			}
		}
	}
	return y, nil
}

func (c *Conv2D) Backward(x, y, grad *tensor.Tensor) (*tensor.Tensor, error) {
	if !grad.SameShape(y) {
		return nil, fmt.Errorf("conv %q: gradient shape %v does not match output %v", c.name, grad.Shape, y.Shape)
	}
	h, w := x.Height(), x.Width()
	oh, ow := y.Height(), y.Width()
	gx := x.ZerosLike()
	kk := c.kernel * c.kernel
	for o := 0; o < c.outC; o++ {
		wBase := o * c.inC * kk
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				g := grad.At3(o, oy, ox)
				if g == 0 {
					continue
				}
				for i := 0; i < c.inC; i++ {
					for ky := 0; ky < c.kernel; ky++ {
						iy := oy*c.stride - c.pad + ky
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < c.kernel; kx++ {
							ix := ox*c.stride - c.pad + kx
							if ix < 0 || ix >= w {
								continue
							}
							gx.Set3(i, iy, ix, gx.At3(i, iy, ix)+g*c.w[wBase+i*kk+ky*c.kernel+kx])
						}
					}
				}
			}
		}
	}
	return gx, nil
}

// ReLU applies max(0, x) elementwise.
type ReLU struct {
	name string
}

func NewReLU(name string) *ReLU { return &ReLU{name: name} }

func (r *ReLU) Name() string { return r.name }
func (r *ReLU) Kind() string { return "relu" }

func (r *ReLU) OutShape(in []int) ([]int, error) {
	return append([]int(nil), in...), nil
}

func (r *ReLU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y := x.ZerosLike()
	for i, v := range x.Data {
		if v > 0 {
			y.Data[i] = v
		}
	}
	return y, nil
}

func (r *ReLU) Backward(x, y, grad *tensor.Tensor) (*tensor.Tensor, error) {
	gx := x.ZerosLike()
	for i, v := range x.Data {
		if v > 0 {
			gx.Data[i] = grad.Data[i]
		}
	}
	return gx, nil
}

// MaxPool2D is a max pooling layer with square window and no padding.
type MaxPool2D struct {
	name           string
	kernel, stride int
}

func NewMaxPool2D(name string, kernel, stride int) *MaxPool2D {
	return &MaxPool2D{name: name, kernel: kernel, stride: stride}
}

func (p *MaxPool2D) Name() string { return p.name }
func (p *MaxPool2D) Kind() string { return "maxpool" }

func (p *MaxPool2D) OutShape(in []int) ([]int, error) {
	if len(in) != 3 {
		return nil, fmt.Errorf("maxpool %q: expected CHW input, got shape %v", p.name, in)
	}
	oh := (in[1]-p.kernel)/p.stride + 1
	ow := (in[2]-p.kernel)/p.stride + 1
	if oh < 1 || ow < 1 {
		return nil, fmt.Errorf("maxpool %q: window %d does not fit input %dx%d", p.name, p.kernel, in[1], in[2])
	}
	return []int{in[0], oh, ow}, nil
}

func (p *MaxPool2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	outShape, err := p.OutShape(x.Shape)
	if err != nil {
		return nil, err
	}
	y := tensor.New(outShape...)
	p.scan(x, outShape[1], outShape[2], func(c, oy, ox, iy, ix int, v float32) {
		y.Set3(c, oy, ox, v)
	})
	return y, nil
}

func (p *MaxPool2D) Backward(x, y, grad *tensor.Tensor) (*tensor.Tensor, error) {
	if !grad.SameShape(y) {
		return nil, fmt.Errorf("maxpool %q: gradient shape %v does not match output %v", p.name, grad.Shape, y.Shape)
	}
	gx := x.ZerosLike()
	p.scan(x, y.Height(), y.Width(), func(c, oy, ox, iy, ix int, v float32) {
		gx.Set3(c, iy, ix, gx.At3(c, iy, ix)+grad.At3(c, oy, ox))
	})
	return gx, nil
}

// scan visits each pooling window and reports the argmax position. Ties
// resolve to the first maximum in row-major scan order, which keeps the
// backward pass deterministic.
func (p *MaxPool2D) scan(x *tensor.Tensor, oh, ow int, visit func(c, oy, ox, iy, ix int, v float32)) {
	for c := 0; c < x.Channels(); c++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				bestY, bestX := oy*p.stride, ox*p.stride
				best := x.At3(c, bestY, bestX)
				for ky := 0; ky < p.kernel; ky++ {
					for kx := 0; kx < p.kernel; kx++ {
						iy, ix := oy*p.stride+ky, ox*p.stride+kx
						if v := x.At3(c, iy, ix); v > best {
							best, bestY, bestX = v, iy, ix
						}
					}
				}
				visit(c, oy, ox, bestY, bestX, best)
			}
		}
	}
}

// GlobalAvgPool reduces a CHW tensor to a length-C vector of channel means.
type GlobalAvgPool struct {
	name string
}

func NewGlobalAvgPool(name string) *GlobalAvgPool { return &GlobalAvgPool{name: name} }

func (g *GlobalAvgPool) Name() string { return g.name }
func (g *GlobalAvgPool) Kind() string { return "globalavgpool" }

func (g *GlobalAvgPool) OutShape(in []int) ([]int, error) {
	if len(in) != 3 {
		return nil, fmt.Errorf("globalavgpool %q: expected CHW input, got shape %v", g.name, in)
	}
	return []int{in[0]}, nil
}

func (g *GlobalAvgPool) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if _, err := g.OutShape(x.Shape); err != nil {
		return nil, err
	}
	y := tensor.New(x.Channels())
	n := float32(x.Height() * x.Width())
	for c := 0; c < x.Channels(); c++ {
		var sum float32
		for _, v := range x.Channel(c) {
			sum += v
		}
		y.Data[c] = sum / n
	}
	return y, nil
}

func (g *GlobalAvgPool) Backward(x, y, grad *tensor.Tensor) (*tensor.Tensor, error) {
	gx := x.ZerosLike()
	n := float32(x.Height() * x.Width())
	for c := 0; c < x.Channels(); c++ {
		gv := grad.Data[c] / n
		ch := gx.Channel(c)
		for i := range ch {
			ch[i] = gv
		}
	}
	return gx, nil
}

// Flatten reshapes a CHW tensor to a vector.
type Flatten struct {
	name string
}

func NewFlatten(name string) *Flatten { return &Flatten{name: name} }

func (f *Flatten) Name() string { return f.name }
func (f *Flatten) Kind() string { return "flatten" }

func (f *Flatten) OutShape(in []int) ([]int, error) {
	n := 1
	for _, d := range in {
		n *= d
	}
	return []int{n}, nil
}

func (f *Flatten) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.FromData(append([]float32(nil), x.Data...), len(x.Data)), nil
}

func (f *Flatten) Backward(x, y, grad *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.FromData(append([]float32(nil), grad.Data...), x.Shape...), nil
}

// Linear is a fully connected layer on a vector input.
// Weight layout is [out][in], row-major.
type Linear struct {
	name    string
	in, out int
	w, b    []float32
}

func NewLinear(name string, in, out int) *Linear {
	return &Linear{name: name, in: in, out: out, w: make([]float32, out*in), b: make([]float32, out)}
}

func (l *Linear) Name() string { return l.name }
func (l *Linear) Kind() string { return "linear" }

func (l *Linear) params() []*Param {
	return []*Param{
		{Name: l.name + ".weight", Data: l.w},
		{Name: l.name + ".bias", Data: l.b},
	}
}

func (l *Linear) OutShape(in []int) ([]int, error) {
	if len(in) != 1 || in[0] != l.in {
		return nil, fmt.Errorf("linear %q: expected input shape [%d], got %v", l.name, l.in, in)
	}
	return []int{l.out}, nil
}

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if _, err := l.OutShape(x.Shape); err != nil {
		return nil, err
	}
	y := tensor.New(l.out)
	for o := 0; o < l.out; o++ {
		sum := l.b[o]
		row := l.w[o*l.in : (o+1)*l.in]
		for j, v := range x.Data {
			sum += row[j] * v
		}
		y.Data[o] = sum
	}
	return y, nil
}

func (l *Linear) Backward(x, y, grad *tensor.Tensor) (*tensor.Tensor, error) {
	gx := x.ZerosLike()
	for o := 0; o < l.out; o++ {
		g := grad.Data[o]
		if g == 0 {
			continue
		}
		row := l.w[o*l.in : (o+1)*l.in]
		for j := range gx.Data {
			gx.Data[j] += g * row[j]
		}
	}
	return gx, nil
}
