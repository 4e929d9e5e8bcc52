package voxflow

import (
	"fmt"
	"strings"
)

// Axes lists the five axis names in their canonical order.
const Axes = "tcxyz"

// SpatialAxes lists the spatial axis names.
const SpatialAxes = "xyz"

// Point5D is an immutable 5d coordinate addressed by axis name.  All five axes are always
// present and default to 0.
type Point5D struct {
	T, C, X, Y, Z int64
}

// NewPoint5D returns a point from values given in the canonical "tcxyz" order.
func NewPoint5D(t, c, x, y, z int64) Point5D {
	return Point5D{T: t, C: c, X: x, Y: y, Z: z}
}

// PointFromMap returns a point with the given axes set and all others equal to fill.
func PointFromMap(values map[byte]int64, fill int64) Point5D {
	p := Point5D{fill, fill, fill, fill, fill}
	for axis, v := range values {
		p = p.With(axis, v)
	}
	return p
}

// Get returns the value for an axis name.  Unknown axis names panic since they are
// always programming errors.
func (p Point5D) Get(axis byte) int64 {
	switch axis {
	case 't':
		return p.T
	case 'c':
		return p.C
	case 'x':
		return p.X
	case 'y':
		return p.Y
	case 'z':
		return p.Z
	}
	panic(fmt.Sprintf("unknown axis %q", axis))
}

// With returns a copy of the point with the given axis modified.
func (p Point5D) With(axis byte, v int64) Point5D {
	switch axis {
	case 't':
		p.T = v
	case 'c':
		p.C = v
	case 'x':
		p.X = v
	case 'y':
		p.Y = v
	case 'z':
		p.Z = v
	default:
		panic(fmt.Sprintf("unknown axis %q", axis))
	}
	return p
}

// Array returns the values in canonical "tcxyz" order.
func (p Point5D) Array() [5]int64 {
	return [5]int64{p.T, p.C, p.X, p.Y, p.Z}
}

func pointFromArray(a [5]int64) Point5D {
	return Point5D{a[0], a[1], a[2], a[3], a[4]}
}

func (p Point5D) combine(q Point5D, f func(a, b int64) int64) Point5D {
	return Point5D{f(p.T, q.T), f(p.C, q.C), f(p.X, q.X), f(p.Y, q.Y), f(p.Z, q.Z)}
}

// Add returns the componentwise sum.
func (p Point5D) Add(q Point5D) Point5D {
	return p.combine(q, func(a, b int64) int64 { return a + b })
}

// Sub returns the componentwise difference p - q.
func (p Point5D) Sub(q Point5D) Point5D {
	return p.combine(q, func(a, b int64) int64 { return a - b })
}

// Mul returns the componentwise product.
func (p Point5D) Mul(q Point5D) Point5D {
	return p.combine(q, func(a, b int64) int64 { return a * b })
}

// FloorDiv returns the componentwise division rounding toward negative infinity.
func (p Point5D) FloorDiv(q Point5D) Point5D {
	return p.combine(q, floorDiv)
}

// Min returns the componentwise minimum.
func (p Point5D) Min(q Point5D) Point5D {
	return p.combine(q, min64)
}

// Max returns the componentwise maximum.
func (p Point5D) Max(q Point5D) Point5D {
	return p.combine(q, max64)
}

// Clamped returns the point with each component constrained to [lo, hi].
func (p Point5D) Clamped(lo, hi Point5D) Point5D {
	return p.Max(lo).Min(hi)
}

// LessEq is true if every component of p is <= the corresponding component of q.
func (p Point5D) LessEq(q Point5D) bool {
	return p.T <= q.T && p.C <= q.C && p.X <= q.X && p.Y <= q.Y && p.Z <= q.Z
}

func (p Point5D) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d,%d)", p.T, p.C, p.X, p.Y, p.Z)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Shape5D is a Point5D interpreted as non-negative extents.
type Shape5D Point5D

// NewShape5D returns a shape from "tcxyz" extents and fails for negative extents.
func NewShape5D(t, c, x, y, z int64) (Shape5D, error) {
	s := Shape5D{T: t, C: c, X: x, Y: y, Z: z}
	if err := s.Validate(); err != nil {
		return Shape5D{}, err
	}
	return s, nil
}

// ShapeFromMap returns a shape with the given axes set and all others equal to 1.
func ShapeFromMap(values map[byte]int64) Shape5D {
	return Shape5D(PointFromMap(values, 1))
}

// Validate checks that all extents are non-negative.
func (s Shape5D) Validate() error {
	for i, v := range Point5D(s).Array() {
		if v < 0 {
			return fmt.Errorf("negative extent %d on axis %c of shape %s", v, Axes[i], s)
		}
	}
	return nil
}

// Get returns the extent along an axis.
func (s Shape5D) Get(axis byte) int64 {
	return Point5D(s).Get(axis)
}

// With returns a copy of the shape with the given axis extent modified.
func (s Shape5D) With(axis byte, v int64) Shape5D {
	return Shape5D(Point5D(s).With(axis, v))
}

// Point returns the shape as a point.
func (s Shape5D) Point() Point5D {
	return Point5D(s)
}

// Volume returns the number of elements within the shape.
func (s Shape5D) Volume() int64 {
	return s.T * s.C * s.X * s.Y * s.Z
}

// IsEmpty is true if any extent is zero.
func (s Shape5D) IsEmpty() bool {
	return s.Volume() == 0
}

// ToSlice5D returns the box [0, shape).
func (s Shape5D) ToSlice5D() Slice5D {
	return NewSlice5D(Point5D{}, Point5D(s))
}

// Clamped returns the shape constrained componentwise to [lo, hi].
func (s Shape5D) Clamped(lo, hi Shape5D) Shape5D {
	return Shape5D(Point5D(s).Clamped(Point5D(lo), Point5D(hi)))
}

// SpatialAxes returns the spatial axes ("xyz" subset) with extent greater than 1.
func (s Shape5D) SpatialAxes() string {
	var b strings.Builder
	for i := 0; i < len(SpatialAxes); i++ {
		if s.Get(SpatialAxes[i]) > 1 {
			b.WriteByte(SpatialAxes[i])
		}
	}
	return b.String()
}

// IsScalar is true if the shape has a single channel.
func (s Shape5D) IsScalar() bool {
	return s.C == 1
}

func (s Shape5D) String() string {
	return fmt.Sprintf("<t:%d c:%d x:%d y:%d z:%d>", s.T, s.C, s.X, s.Y, s.Z)
}
