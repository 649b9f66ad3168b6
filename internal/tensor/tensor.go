// Package tensor provides a minimal float32 tensor used by the inference
// and Grad-CAM engines. Layouts are row-major; activations use CHW order.
package tensor

import "fmt"

// Tensor is a dense float32 array with a shape. Data is row-major.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	n := numElems(shape)
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, n)}
}

// FromData wraps an existing slice. The slice length must match the shape.
func FromData(data []float32, shape ...int) *Tensor {
	if len(data) != numElems(shape) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}
}

func numElems(shape []int) int {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			panic(fmt.Sprintf("tensor: invalid dimension %d in shape %v", d, shape))
		}
		n *= d
	}
	return n
}

// NumElems returns the total element count.
func (t *Tensor) NumElems() int { return len(t.Data) }

// Dims returns the number of dimensions.
func (t *Tensor) Dims() int { return len(t.Shape) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	d := make([]float32, len(t.Data))
	copy(d, t.Data)
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: d}
}

// ZerosLike returns a zero tensor with the same shape.
func (t *Tensor) ZerosLike() *Tensor {
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: make([]float32, len(t.Data))}
}

// SameShape reports whether both tensors have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Channels, Height and Width address 3-dimensional CHW tensors.

func (t *Tensor) Channels() int { return t.Shape[0] }
func (t *Tensor) Height() int   { return t.Shape[1] }
func (t *Tensor) Width() int    { return t.Shape[2] }

// At3 reads element (c, y, x) of a CHW tensor.
func (t *Tensor) At3(c, y, x int) float32 {
	return t.Data[(c*t.Shape[1]+y)*t.Shape[2]+x]
}

// Set3 writes element (c, y, x) of a CHW tensor.
func (t *Tensor) Set3(c, y, x int, v float32) {
	t.Data[(c*t.Shape[1]+y)*t.Shape[2]+x] = v
}

// Channel returns the [H*W]-length slice backing channel c of a CHW tensor.
func (t *Tensor) Channel(c int) []float32 {
	hw := t.Shape[1] * t.Shape[2]
	return t.Data[c*hw : (c+1)*hw]
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}
