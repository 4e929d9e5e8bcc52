package graph

import (
	"fmt"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/voxflow"
)

// Stype is the kind of data a slot carries.
type Stype uint8

const (
	// StypeArray slots carry 5d arrays pulled by region of interest.
	StypeArray Stype = iota
	// StypeValue slots carry small values like numbers, strings or flags.
	StypeValue
	// StypeOpaque slots carry arbitrary Go values such as tables or block lists.
	StypeOpaque
)

func (s Stype) String() string {
	switch s {
	case StypeArray:
		return "array"
	case StypeValue:
		return "value"
	case StypeOpaque:
		return "opaque"
	}
	return fmt.Sprintf("stype(%d)", uint8(s))
}

// compatible reports whether an input of stype s accepts data from a source of stype src.
// Opaque inputs accept anything.
func (s Stype) compatible(src Stype) bool {
	return s == src || s == StypeOpaque
}

// Meta describes the data of a slot without computing it.
type Meta struct {
	Shape voxflow.Shape5D
	DType array5d.DType
	Axes  string
	Extra map[string]interface{}
}

// ArrayMeta returns the meta of an array value.
func ArrayMeta(a *array5d.Array5D) Meta {
	return Meta{Shape: a.Shape(), DType: a.DType(), Axes: voxflow.Axes}
}

// Bounds returns the addressable region [0, Shape).
func (m Meta) Bounds() voxflow.Slice5D {
	return m.Shape.ToSlice5D()
}

// WithExtra returns a copy of the meta with an extra key set.
func (m Meta) WithExtra(key string, v interface{}) Meta {
	extra := make(map[string]interface{}, len(m.Extra)+1)
	for k, val := range m.Extra {
		extra[k] = val
	}
	extra[key] = v
	m.Extra = extra
	return m
}

func (m Meta) String() string {
	return fmt.Sprintf("%s %s", m.DType, m.Shape)
}
