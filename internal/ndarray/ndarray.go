// Package ndarray provides owning (Array) and non-owning (View) N-dimensional
// buffers. Frame storage elsewhere is a plain byte slice; a View gives typed
// access to it without copying.
package ndarray

import (
	"fmt"
	"unsafe"

	"slsframe-go/internal/types"
)

type Shape []int

func (s Shape) Size() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

func (s Shape) validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: empty shape", types.ErrConfig)
	}
	for _, d := range s {
		if d < 0 {
			return fmt.Errorf("%w: negative dimension in %v", types.ErrConfig, []int(s))
		}
	}
	return nil
}

func rowMajorStrides(s Shape) []int {
	strides := make([]int, len(s))
	acc := 1
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= s[i]
	}
	return strides
}

// Array exclusively owns its buffer.
type Array[T types.Number] struct {
	shape   Shape
	strides []int
	data    []T
}

func New[T types.Number](shape ...int) (*Array[T], error) {
	s := Shape(append([]int(nil), shape...))
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &Array[T]{shape: s, strides: rowMajorStrides(s), data: make([]T, s.Size())}, nil
}

// FromSlice takes ownership of data.
func FromSlice[T types.Number](data []T, shape ...int) (*Array[T], error) {
	s := Shape(append([]int(nil), shape...))
	if err := s.validate(); err != nil {
		return nil, err
	}
	if s.Size() != len(data) {
		return nil, fmt.Errorf("%w: %d elements do not fill shape %v", types.ErrConfig, len(data), []int(s))
	}
	return &Array[T]{shape: s, strides: rowMajorStrides(s), data: data}, nil
}

func (a *Array[T]) Shape() Shape { return append(Shape(nil), a.shape...) }
func (a *Array[T]) Size() int { return len(a.data) }
func (a *Array[T]) Data() []T { return a.data }
func (a *Array[T]) DType() types.DType { return types.DTypeOf[T]() }

func (a *Array[T]) At(idx ...int) T { return a.data[offset(a.shape, a.strides, idx)] }
func (a *Array[T]) Set(v T, idx ...int) { a.data[offset(a.shape, a.strides, idx)] = v }

func (a *Array[T]) Fill(v T) {
	for i := range a.data {
		a.data[i] = v
	}
}

func (a *Array[T]) Clone() *Array[T] {
	return &Array[T]{
		shape:   a.Shape(),
		strides: append([]int(nil), a.strides...),
		data:    append([]T(nil), a.data...),
	}
}

// Resize replaces the buffer. Views taken before the call keep referencing
// the old buffer and no longer observe the array.
func (a *Array[T]) Resize(shape ...int) error {
	s := Shape(append([]int(nil), shape...))
	if err := s.validate(); err != nil {
		return err
	}
	a.shape = s
	a.strides = rowMajorStrides(s)
	a.data = make([]T, s.Size())
	return nil
}

func (a *Array[T]) View() View[T] {
	return View[T]{shape: a.Shape(), strides: append([]int(nil), a.strides...), data: a.data}
}

// View is a non-owning window over a buffer.
type View[T types.Number] struct {
	shape   Shape
	strides []int
	data    []T
}

func NewView[T types.Number](data []T, shape ...int) (View[T], error) {
	s := Shape(append([]int(nil), shape...))
	if err := s.validate(); err != nil {
		return View[T]{}, err
	}
	if s.Size() > len(data) {
		return View[T]{}, fmt.Errorf("%w: shape %v needs %d elements, buffer has %d",
			types.ErrConfig, []int(s), s.Size(), len(data))
	}
	return View[T]{shape: s, strides: rowMajorStrides(s), data: data[:s.Size()]}, nil
}

// ViewBytes reinterprets a little endian byte buffer as elements of T.
func ViewBytes[T types.Number](buf []byte, shape ...int) (View[T], error) {
	var zero T
	size := int(unsafe.Sizeof(zero))
	s := Shape(append([]int(nil), shape...))
	if err := s.validate(); err != nil {
		return View[T]{}, err
	}
	if s.Size()*size != len(buf) {
		return View[T]{}, fmt.Errorf("%w: %d bytes do not hold shape %v of %d-byte elements",
			types.ErrFormat, len(buf), []int(s), size)
	}
	if len(buf) == 0 {
		return View[T]{shape: s, strides: rowMajorStrides(s)}, nil
	}
	if uintptr(unsafe.Pointer(&buf[0]))%uintptr(unsafe.Alignof(zero)) != 0 {
		return View[T]{}, fmt.Errorf("%w: buffer not aligned for %d-byte elements", types.ErrFormat, size)
	}
	data := unsafe.Slice((*T)(unsafe.Pointer(&buf[0])), s.Size())
	return View[T]{shape: s, strides: rowMajorStrides(s), data: data}, nil
}

// FrameView gives typed access to a frame. T must match the frame dtype.
func FrameView[T types.Number](f *types.Frame) (View[T], error) {
	if !types.Is[T](f.DType) {
		return View[T]{}, fmt.Errorf("%w: frame dtype %s is not %s", types.ErrFormat, f.DType, types.DTypeOf[T]())
	}
	return ViewBytes[T](f.Data, f.Rows, f.Cols)
}

func (v View[T]) Shape() Shape { return append(Shape(nil), v.shape...) }
func (v View[T]) Size() int { return v.shape.Size() }
func (v View[T]) Data() []T { return v.data }

func (v View[T]) At(idx ...int) T { return v.data[offset(v.shape, v.strides, idx)] }
func (v View[T]) Set(x T, idx ...int) { v.data[offset(v.shape, v.strides, idx)] = x }

// Row returns row i of a 2-D view as a slice sharing the buffer.
func (v View[T]) Row(i int) []T {
	if len(v.shape) != 2 {
		panic("ndarray: Row on a view that is not 2-D")
	}
	start := i * v.strides[0]
	return v.data[start : start+v.shape[1]]
}

func (v View[T]) Sum() float64 {
	var s float64
	for _, x := range v.data {
		s += float64(x)
	}
	return s
}

func (v View[T]) Max() T {
	var m T
	for i, x := range v.data {
		if i == 0 || x > m {
			m = x
		}
	}
	return m
}

func offset(shape Shape, strides []int, idx []int) int {
	if len(idx) != len(shape) {
		panic(fmt.Sprintf("ndarray: %d indices for %d dimensions", len(idx), len(shape)))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= shape[i] {
			panic(fmt.Sprintf("ndarray: index %d out of range [0,%d) in dimension %d", x, shape[i], i))
		}
		off += x * strides[i]
	}
	return off
}
