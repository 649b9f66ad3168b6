package nn

import (
	"math"
	"testing"

	"convscope/internal/tensor"
)

func TestConv2DForwardKnownValues(t *testing.T) {
	// 1x3x3 input, single 2x2 kernel of ones, stride 1, no padding.
	c := NewConv2D("c", 1, 1, 2, 1, 0)
	for i := range c.w {
		c.w[i] = 1
	}
	c.b[0] = 0.5
	x := tensor.FromData([]float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}, 1, 3, 3)
	y, err := c.Forward(x)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	want := []float32{12.5, 16.5, 24.5, 28.5}
	for i, v := range want {
		if y.Data[i] != v {
			t.Fatalf("output[%d] = %v, want %v", i, y.Data[i], v)
		}
	}
}

func TestConv2DPaddingKeepsSize(t *testing.T) {
	c := NewConv2D("c", 1, 2, 3, 1, 1)
	x := tensor.New(1, 5, 7)
	shape, err := c.OutShape(x.Shape)
	if err != nil {
		t.Fatalf("out shape: %v", err)
	}
	if shape[0] != 2 || shape[1] != 5 || shape[2] != 7 {
		t.Fatalf("unexpected shape %v", shape)
	}
}

func TestConv2DRejectsChannelMismatch(t *testing.T) {
	c := NewConv2D("c", 3, 4, 3, 1, 1)
	if _, err := c.Forward(tensor.New(1, 4, 4)); err == nil {
		t.Fatalf("expected channel mismatch error")
	}
}

func TestReLUForwardBackward(t *testing.T) {
	r := NewReLU("r")
	x := tensor.FromData([]float32{-1, 0, 2, -3}, 4)
	y, _ := r.Forward(x)
	if y.Data[0] != 0 || y.Data[1] != 0 || y.Data[2] != 2 || y.Data[3] != 0 {
		t.Fatalf("unexpected forward: %v", y.Data)
	}
	grad := tensor.FromData([]float32{1, 1, 1, 1}, 4)
	gx, _ := r.Backward(x, y, grad)
	if gx.Data[0] != 0 || gx.Data[2] != 1 {
		t.Fatalf("unexpected backward: %v", gx.Data)
	}
}

func TestMaxPoolForwardBackward(t *testing.T) {
	p := NewMaxPool2D("p", 2, 2)
	x := tensor.FromData([]float32{
		1, 3, 2, 1,
		4, 2, 0, 5,
		1, 1, 1, 1,
		2, 1, 1, 1,
	}, 1, 4, 4)
	y, err := p.Forward(x)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	want := []float32{4, 5, 2, 1}
	for i, v := range want {
		if y.Data[i] != v {
			t.Fatalf("output[%d] = %v, want %v", i, y.Data[i], v)
		}
	}
	grad := tensor.FromData([]float32{1, 1, 1, 1}, 1, 2, 2)
	gx, _ := p.Backward(x, y, grad)
	// Gradient lands on the argmax of each window; the all-ones window
	// resolves to its first element in scan order.
	if gx.At3(0, 1, 0) != 1 || gx.At3(0, 1, 3) != 1 || gx.At3(0, 3, 0) != 1 || gx.At3(0, 2, 2) != 1 {
		t.Fatalf("unexpected backward: %v", gx.Data)
	}
	var total float32
	for _, v := range gx.Data {
		total += v
	}
	if total != 4 {
		t.Fatalf("gradient mass %v, want 4", total)
	}
}

func TestGlobalAvgPool(t *testing.T) {
	g := NewGlobalAvgPool("g")
	x := tensor.FromData([]float32{1, 2, 3, 4, 10, 10, 10, 10}, 2, 2, 2)
	y, _ := g.Forward(x)
	if y.Data[0] != 2.5 || y.Data[1] != 10 {
		t.Fatalf("unexpected forward: %v", y.Data)
	}
	grad := tensor.FromData([]float32{4, 8}, 2)
	gx, _ := g.Backward(x, y, grad)
	if gx.Data[0] != 1 || gx.Data[4] != 2 {
		t.Fatalf("unexpected backward: %v", gx.Data)
	}
}

func TestLinearForwardBackward(t *testing.T) {
	l := NewLinear("fc", 2, 2)
	copy(l.w, []float32{1, 2, 3, 4}) // rows: [1 2], [3 4]
	copy(l.b, []float32{0.5, -0.5})
	x := tensor.FromData([]float32{1, 1}, 2)
	y, err := l.Forward(x)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if y.Data[0] != 3.5 || y.Data[1] != 6.5 {
		t.Fatalf("unexpected forward: %v", y.Data)
	}
	grad := tensor.FromData([]float32{1, 0}, 2)
	gx, _ := l.Backward(x, y, grad)
	if gx.Data[0] != 1 || gx.Data[1] != 2 {
		t.Fatalf("unexpected backward: %v", gx.Data)
	}
}

func TestFlattenRoundTrip(t *testing.T) {
	f := NewFlatten("flat")
	x := tensor.New(2, 3, 3)
	y, _ := f.Forward(x)
	if y.Dims() != 1 || y.NumElems() != 18 {
		t.Fatalf("unexpected flatten shape %v", y.Shape)
	}
	grad := tensor.New(18)
	gx, _ := f.Backward(x, y, grad)
	if !gx.SameShape(x) {
		t.Fatalf("backward shape %v, want %v", gx.Shape, x.Shape)
	}
}

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}
