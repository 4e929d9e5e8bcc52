// Package array5d provides a dense, labeled 5d (t,c,x,y,z) array with typed views,
// tiling iterators and image and binary input/output.
package array5d

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/janelia-flyem/voxflow/voxflow"
)

// Array5D is a dense buffer over the axes t,c,x,y,z.  Elements are stored little-endian
// with x varying fastest, then y, z, c and t.  Every array knows its global location, so
// Cut and SetFrom work in global coordinates.
type Array5D struct {
	dtype    DType
	shape    voxflow.Shape5D
	location voxflow.Point5D
	data     []byte
}

// AllocateShape returns an array of the given shape located at the origin with every
// element set to value.
func AllocateShape(shape voxflow.Shape5D, dtype DType, value float64) (*Array5D, error) {
	return Allocate(shape.ToSlice5D(), dtype, value)
}

// Allocate returns an array covering a defined interval with every element set to value.
func Allocate(interval voxflow.Slice5D, dtype DType, value float64) (*Array5D, error) {
	if !interval.IsDefined() {
		return nil, fmt.Errorf("cannot allocate array for undefined interval %s", interval)
	}
	shape := interval.Shape()
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("cannot allocate array with %s", dtype)
	}
	a := &Array5D{
		dtype:    dtype,
		shape:    shape,
		location: interval.Start(),
		data:     make([]byte, shape.Volume()*int64(dtype.Size())),
	}
	if value != 0 && len(a.data) > 0 {
		a.dtype.putFloat(a.data, 0, value)
		for n := dtype.Size(); n < len(a.data); n *= 2 {
			copy(a.data[n:], a.data[:n])
		}
	}
	return a, nil
}

// FromSlice wraps typed data given in memory order (x fastest) as an array located at
// the origin.
func FromSlice[T Number](data []T, shape voxflow.Shape5D) (*Array5D, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if int64(len(data)) != shape.Volume() {
		return nil, fmt.Errorf("%d elements cannot fill shape %s: %w", len(data), shape, voxflow.ErrShapeMismatch)
	}
	dtype, buf := encode(data)
	return &Array5D{dtype: dtype, shape: shape, data: buf}, nil
}

// FromBytes wraps an existing little-endian buffer in memory order.  The buffer is owned
// by the returned array.
func FromBytes(data []byte, dtype DType, interval voxflow.Slice5D) (*Array5D, error) {
	if !interval.IsDefined() {
		return nil, fmt.Errorf("undefined interval %s for raw data", interval)
	}
	shape := interval.Shape()
	if int64(len(data)) != shape.Volume()*int64(dtype.Size()) {
		return nil, fmt.Errorf("%d bytes of %s cannot fill %s: %w", len(data), dtype, interval, voxflow.ErrShapeMismatch)
	}
	return &Array5D{dtype: dtype, shape: shape, location: interval.Start(), data: data}, nil
}

// View5D builds an array from typed data laid out in row-major order over dims, where
// axiskeys names the axis of each dimension, e.g. "zyx" or "yxc".  Axes not named have
// extent 1.
func View5D[T Number](data []T, dims []int64, axiskeys string) (*Array5D, error) {
	if len(dims) != len(axiskeys) {
		return nil, fmt.Errorf("%d dims for axis keys %q: %w", len(dims), axiskeys, voxflow.ErrShapeMismatch)
	}
	shape := voxflow.ShapeFromMap(nil)
	for i := 0; i < len(axiskeys); i++ {
		if strings.IndexByte(voxflow.Axes, axiskeys[i]) < 0 {
			return nil, fmt.Errorf("unknown axis %q in axis keys %q", axiskeys[i], axiskeys)
		}
		if strings.IndexByte(axiskeys[:i], axiskeys[i]) >= 0 {
			return nil, fmt.Errorf("axis %q repeated in axis keys %q", axiskeys[i], axiskeys)
		}
		shape = shape.With(axiskeys[i], dims[i])
	}
	src, err := FromSlice(data, voxflow.ShapeFromMap(map[byte]int64{'x': int64(len(data))}))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != shape.Volume() {
		return nil, fmt.Errorf("%d elements cannot fill dims %v: %w", len(data), dims, voxflow.ErrShapeMismatch)
	}
	a, err := AllocateShape(shape, src.dtype, 0)
	if err != nil {
		return nil, err
	}

	// source strides in elements, last key fastest
	srcStride := make(map[byte]int64, 5)
	stride := int64(1)
	for i := len(axiskeys) - 1; i >= 0; i-- {
		srcStride[axiskeys[i]] = stride
		stride *= dims[i]
	}
	size := int64(src.dtype.Size())
	var dst int64
	for t := int64(0); t < shape.T; t++ {
		for c := int64(0); c < shape.C; c++ {
			for z := int64(0); z < shape.Z; z++ {
				for y := int64(0); y < shape.Y; y++ {
					for x := int64(0); x < shape.X; x++ {
						s := t*srcStride['t'] + c*srcStride['c'] + z*srcStride['z'] + y*srcStride['y'] + x*srcStride['x']
						copy(a.data[dst*size:(dst+1)*size], src.data[s*size:(s+1)*size])
						dst++
					}
				}
			}
		}
	}
	return a, nil
}

func (a *Array5D) DType() DType              { return a.dtype }
func (a *Array5D) Shape() voxflow.Shape5D    { return a.shape }
func (a *Array5D) Location() voxflow.Point5D { return a.location }

// Interval returns the global box [Location, Location+Shape).
func (a *Array5D) Interval() voxflow.Slice5D {
	return voxflow.NewSlice5D(a.location, a.location.Add(a.shape.Point()))
}

// Data returns the raw little-endian buffer.  Callers must not modify it.
func (a *Array5D) Data() []byte {
	return a.data
}

// NumBytes returns the size of the buffer.
func (a *Array5D) NumBytes() int {
	return len(a.data)
}

func (a *Array5D) String() string {
	return fmt.Sprintf("Array5D %s %s at %s", a.dtype, a.shape, a.location)
}

// index returns the element index of a global point.
func (a *Array5D) index(p voxflow.Point5D) int64 {
	l := p.Sub(a.location)
	s := a.shape
	return (((l.T*s.C+l.C)*s.Z+l.Z)*s.Y+l.Y)*s.X + l.X
}

func (a *Array5D) checkPoint(p voxflow.Point5D) {
	if !a.Interval().ContainsPoint(p) {
		panic(fmt.Sprintf("point %s outside %s", p, a.Interval()))
	}
}

// At returns the element at a global point as float64.
func (a *Array5D) At(p voxflow.Point5D) float64 {
	a.checkPoint(p)
	return a.dtype.getFloat(a.data, int(a.index(p))*a.dtype.Size())
}

// Set stores v at a global point converting to the array dtype.
func (a *Array5D) Set(p voxflow.Point5D, v float64) {
	a.checkPoint(p)
	a.dtype.putFloat(a.data, int(a.index(p))*a.dtype.Size(), v)
}

// Uint64At returns the element at a global point as a label value.
func (a *Array5D) Uint64At(p voxflow.Point5D) uint64 {
	a.checkPoint(p)
	return a.dtype.getUint64(a.data, int(a.index(p))*a.dtype.Size())
}

// SetUint64 stores a label value at a global point.
func (a *Array5D) SetUint64(p voxflow.Point5D, v uint64) {
	a.checkPoint(p)
	a.dtype.putUint64(a.data, int(a.index(p))*a.dtype.Size(), v)
}

// Float64s returns all elements in memory order.
func (a *Array5D) Float64s() []float64 {
	size := a.dtype.Size()
	out := make([]float64, len(a.data)/size)
	for i := range out {
		out[i] = a.dtype.getFloat(a.data, i*size)
	}
	return out
}

// Uint64s returns all elements in memory order as label values.
func (a *Array5D) Uint64s() []uint64 {
	size := a.dtype.Size()
	out := make([]uint64, len(a.data)/size)
	for i := range out {
		out[i] = a.dtype.getUint64(a.data, i*size)
	}
	return out
}

// Unique returns the sorted distinct label values.
func (a *Array5D) Unique() []uint64 {
	seen := make(map[uint64]struct{})
	size := a.dtype.Size()
	for off := 0; off < len(a.data); off += size {
		seen[a.dtype.getUint64(a.data, off)] = struct{}{}
	}
	out := make([]uint64, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// IsZero is true if every element is zero.
func (a *Array5D) IsZero() bool {
	for _, b := range a.data {
		if b != 0 {
			return false
		}
	}
	return true
}

// Equal is true if both arrays have the same dtype, interval and content.
func (a *Array5D) Equal(b *Array5D) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.dtype == b.dtype && a.shape == b.shape && a.location == b.location && bytes.Equal(a.data, b.data)
}

// Copy returns an independent copy.
func (a *Array5D) Copy() *Array5D {
	return &Array5D{dtype: a.dtype, shape: a.shape, location: a.location, data: bytes.Clone(a.data)}
}

// Relocated returns an independent copy placed at a new global location.
func (a *Array5D) Relocated(location voxflow.Point5D) *Array5D {
	out := a.Copy()
	out.location = location
	return out
}

// Converted returns a copy with elements converted to another dtype.
func (a *Array5D) Converted(dtype DType) (*Array5D, error) {
	if dtype == a.dtype {
		return a.Copy(), nil
	}
	out, err := Allocate(a.Interval(), dtype, 0)
	if err != nil {
		return nil, err
	}
	src, dst := a.dtype.Size(), dtype.Size()
	for i := 0; i < len(a.data)/src; i++ {
		if a.dtype.IsInteger() && dtype.IsInteger() {
			dtype.putUint64(out.data, i*dst, a.dtype.getUint64(a.data, i*src))
		} else {
			dtype.putFloat(out.data, i*dst, a.dtype.getFloat(a.data, i*src))
		}
	}
	return out, nil
}

// resolve replaces unbound endpoints of roi with the array's own interval.
func (a *Array5D) resolve(roi voxflow.Slice5D) voxflow.Slice5D {
	return roi.DefinedWithin(a.Interval())
}
