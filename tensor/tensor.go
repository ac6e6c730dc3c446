// Package tensor provides the float32 n-dimensional array the diffusion
// pipeline computes on. Layout is row-major NCHW; all operations return
// freshly allocated tensors and never mutate their inputs.
package tensor

import (
	"math"
	"math/rand"
)

// Tensor is an n-dimensional float32 array.
type Tensor struct {
	Data  []float32
	Shape []int
}

// New allocates a zero-filled tensor of the given shape.
func New(shape ...int) *Tensor {
	size := 1
	for _, s := range shape {
		size *= s
	}
	return &Tensor{Data: make([]float32, size), Shape: shape}
}

// From wraps existing data in a tensor without copying.
func From(data []float32, shape []int) *Tensor {
	return &Tensor{Data: data, Shape: shape}
}

// Randn fills a new tensor of the given shape with standard-normal
// draws from rng. Callers own rng; a fixed seed yields a fixed tensor.
func Randn(rng *rand.Rand, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

// Numel returns the total number of elements.
func (t *Tensor) Numel() int {
	n := 1
	for _, s := range t.Shape {
		n *= s
	}
	return n
}

func (t *Tensor) Clone() *Tensor {
	d := make([]float32, len(t.Data))
	copy(d, t.Data)
	return &Tensor{Data: d, Shape: append([]int{}, t.Shape...)}
}

// Batch returns the leading (batch) dimension, or 1 for a rank-0 tensor.
func (t *Tensor) Batch() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

// Finite reports whether every element is neither NaN nor infinite.
func (t *Tensor) Finite() bool {
	for _, v := range t.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// Add returns a + b element-wise. Shapes must match in size.
func Add(a, b *Tensor) *Tensor {
	out := New(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out
}

// Sub returns a - b element-wise.
func Sub(a, b *Tensor) *Tensor {
	out := New(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	return out
}

// Scale returns x scaled by s.
func Scale(x *Tensor, s float32) *Tensor {
	out := New(x.Shape...)
	for i := range x.Data {
		out.Data[i] = x.Data[i] * s
	}
	return out
}

// Sqrt returns the element-wise square root of x.
func Sqrt(x *Tensor) *Tensor {
	out := New(x.Shape...)
	for i := range x.Data {
		out.Data[i] = float32(math.Sqrt(float64(x.Data[i])))
	}
	return out
}

// Clip returns x with every element clamped to [lo, hi].
func Clip(x *Tensor, lo, hi float32) *Tensor {
	out := New(x.Shape...)
	for i, v := range x.Data {
		switch {
		case v < lo:
			out.Data[i] = lo
		case v > hi:
			out.Data[i] = hi
		default:
			out.Data[i] = v
		}
	}
	return out
}

// BroadcastMul multiplies x by a per-example coefficient tensor of
// shape (batch, 1, ..., 1): every element of example b in x is scaled
// by coef.Data[b].
func BroadcastMul(coef, x *Tensor) *Tensor {
	out := New(x.Shape...)
	stride := x.Numel() / x.Batch()
	for i := range x.Data {
		out.Data[i] = coef.Data[i/stride] * x.Data[i]
	}
	return out
}

// BroadcastDiv divides x element-wise by a per-example coefficient
// tensor of shape (batch, 1, ..., 1).
func BroadcastDiv(x, coef *Tensor) *Tensor {
	out := New(x.Shape...)
	stride := x.Numel() / x.Batch()
	for i := range x.Data {
		out.Data[i] = x.Data[i] / coef.Data[i/stride]
	}
	return out
}

// Min returns the smallest element of t.
func Min(t *Tensor) float32 {
	m := t.Data[0]
	for _, v := range t.Data[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// Max returns the largest element of t.
func Max(t *Tensor) float32 {
	m := t.Data[0]
	for _, v := range t.Data[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
