package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")
)

// Tensor represents a multi-dimensional array of float64 values stored in
// row-major (C-contiguous) order. A rank-2 tensor is a (rows, cols) matrix,
// a rank-3 tensor is a (batch, seq, features) activation, a rank-4 tensor is
// a (batch, channel, height, width) image.
//
// Tensor is not safe for concurrent mutation. Synchronization must be
// handled by the caller if needed; read-only sharing across goroutines
// (weights during a forward pass) is fine.
type Tensor struct {
	data  []float64
	shape []int
}

// NewTensor creates a tensor with the given shape, initialized to zero.
// Panics if shape is invalid (empty or contains non-positive dimensions).
// Shape errors at this level are programmer bugs, not runtime conditions.
func NewTensor(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	// Copy shape slice to prevent external mutation
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
	}
}

// NewTensorRand creates a tensor with values drawn from a normal
// distribution with standard deviation 0.02, using the Box-Muller
// transform. This is the usual small-weight initialization.
func NewTensorRand(shape ...int) *Tensor {
	return NewTensorNormal(0.02, shape...)
}

// NewTensorNormal creates a tensor with values drawn from a normal
// distribution with the given standard deviation (Box-Muller transform).
func NewTensorNormal(std float64, shape ...int) *Tensor {
	t := NewTensor(shape...)

	for i := 0; i < len(t.data); i += 2 {
		u1, u2 := rand.Float64(), rand.Float64()
		mag := std * math.Sqrt(-2*math.Log(u1))
		t.data[i] = mag * math.Cos(2*math.Pi*u2)
		if i+1 < len(t.data) {
			t.data[i+1] = mag * math.Sin(2*math.Pi*u2)
		}
	}

	return t
}

// NewTensorTruncNormal creates a tensor with values drawn from a normal
// distribution with the given standard deviation, truncated to ±2 std.
// Fresh positional-embedding tables use this with std=0.02.
func NewTensorTruncNormal(std float64, shape ...int) *Tensor {
	t := NewTensor(shape...)

	for i := range t.data {
		for {
			u1, u2 := rand.Float64(), rand.Float64()
			v := std * math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
			if math.Abs(v) <= 2*std {
				t.data[i] = v
				break
			}
		}
	}

	return t
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Dims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.data)
}

// At returns the element at the given indices.
// Panics if indices are invalid - this is a programmer error.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the element at the given indices.
// Panics if indices are invalid.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

// flatIndex converts multi-dimensional indices to a flat index.
// Panics on invalid indices.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}

	return idx
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	return clone
}

// Reshape returns a view of the tensor with a different shape.
// The total number of elements must remain the same; the returned
// tensor shares the underlying data.
func (t *Tensor) Reshape(newShape ...int) *Tensor {
	newSize := 1
	for _, dim := range newShape {
		newSize *= dim
	}

	if newSize != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape size %d to %v (size %d)", len(t.data), newShape, newSize))
	}

	shapeCopy := make([]int, len(newShape))
	copy(shapeCopy, newShape)

	return &Tensor{
		data:  t.data, // Share underlying data
		shape: shapeCopy,
	}
}

// Row returns a view of slice i along the first axis, with rank reduced
// by one. For a (B, L, D) tensor, Row(b) is the (L, D) matrix of batch
// element b, sharing storage. Panics on out-of-range i or rank-1 input.
func (t *Tensor) Row(i int) *Tensor {
	if len(t.shape) < 2 {
		panic("tensor: Row requires rank >= 2")
	}
	if i < 0 || i >= t.shape[0] {
		panic(fmt.Sprintf("tensor: row %d out of bounds [0,%d)", i, t.shape[0]))
	}

	stride := 1
	for _, dim := range t.shape[1:] {
		stride *= dim
	}

	shapeCopy := make([]int, len(t.shape)-1)
	copy(shapeCopy, t.shape[1:])

	return &Tensor{
		data:  t.data[i*stride : (i+1)*stride],
		shape: shapeCopy,
	}
}

// SetRow copies src into slice i along the first axis.
// src's shape must equal this tensor's shape with the first axis removed.
func (t *Tensor) SetRow(i int, src *Tensor) {
	dst := t.Row(i)
	if !shapeEqual(dst.shape, src.shape) {
		panic(fmt.Sprintf("tensor: cannot set row of shape %v from %v", dst.shape, src.shape))
	}
	copy(dst.data, src.data)
}

// Data returns the underlying flat storage. Callers must not resize it;
// mutation is visible through the tensor.
func (t *Tensor) Data() []float64 {
	return t.data
}

// String returns a string representation of the tensor for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b.
// Panics if shapes don't match.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}

	return out
}

// Mul performs element-wise multiplication: out = a * b (Hadamard product).
// Panics if shapes don't match.
func Mul(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot multiply shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * b.data[i]
	}

	return out
}

// Scale multiplies all elements by a scalar: out = a * scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * scalar
	}
	return out
}

// MatMul performs matrix multiplication: C = A @ B.
// A must be (M, K), B must be (K, N), result is (M, N).
//
// This is the O(M*N*K) operation at the heart of the model.
// Uses the global compute configuration to determine parallel execution.
func MatMul(a, b *Tensor) *Tensor {
	return ParallelMatMul(a, b, globalComputeConfig)
}

// Transpose returns the transpose of a 2D matrix: A^T.
// A: (M, N) -> A^T: (N, M).
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires 2D tensor")
	}

	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.Set(a.At(i, j), j, i)
		}
	}

	return out
}

// ===========================================================================
// ACTIVATION FUNCTIONS
// ===========================================================================

// ReLU applies Rectified Linear Unit: f(x) = max(0, x).
func ReLU(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i := range x.data {
		out.data[i] = math.Max(0, x.data[i])
	}
	return out
}

// GELU applies Gaussian Error Linear Unit, the transformer-standard
// activation. Tanh approximation:
//
//	GELU(x) ≈ 0.5 * x * (1 + tanh(√(2/π) * (x + 0.044715 * x³)))
func GELU(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)

	const (
		sqrt2OverPi = 0.7978845608028654 // sqrt(2/π)
		coeff       = 0.044715
	)

	for i := range x.data {
		v := x.data[i]
		inner := sqrt2OverPi * (v + coeff*v*v*v)
		out.data[i] = 0.5 * v * (1.0 + math.Tanh(inner))
	}

	return out
}

// Softmax applies softmax row-wise: p_i = exp(x_i) / Σ exp(x_j).
// Numerically stable version: subtract max before exp to prevent overflow.
// Requires a 2D tensor (rows, features).
func Softmax(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: Softmax requires 2D tensor")
	}

	rows, features := x.shape[0], x.shape[1]
	out := NewTensor(rows, features)

	for r := 0; r < rows; r++ {
		maxVal := x.At(r, 0)
		for f := 1; f < features; f++ {
			if v := x.At(r, f); v > maxVal {
				maxVal = v
			}
		}

		sum := 0.0
		for f := 0; f < features; f++ {
			expVal := math.Exp(x.At(r, f) - maxVal)
			out.Set(expVal, r, f)
			sum += expVal
		}

		for f := 0; f < features; f++ {
			out.Set(out.At(r, f)/sum, r, f)
		}
	}

	return out
}

// ===========================================================================
// HELPERS
// ===========================================================================

// addBias adds a bias vector to each row of a 2D tensor.
// x: (rows, features), bias: (features,)
func addBias(x, bias *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("addBias: x must be 2D")
	}
	if len(bias.shape) != 1 {
		panic("addBias: bias must be 1D")
	}
	if x.shape[1] != bias.shape[0] {
		panic(fmt.Sprintf("addBias: dimension mismatch %d vs %d", x.shape[1], bias.shape[0]))
	}

	out := x.Clone()
	rows, features := x.shape[0], x.shape[1]

	for i := 0; i < rows; i++ {
		for j := 0; j < features; j++ {
			out.Set(out.At(i, j)+bias.data[j], i, j)
		}
	}

	return out
}

// argmax returns the index of the maximum value, lower index winning ties.
func argmax(data []float64) int {
	if len(data) == 0 {
		return -1
	}

	maxIdx := 0
	maxVal := data[0]
	for i := 1; i < len(data); i++ {
		if data[i] > maxVal {
			maxVal = data[i]
			maxIdx = i
		}
	}

	return maxIdx
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
