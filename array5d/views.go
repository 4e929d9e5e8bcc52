package array5d

import (
	"fmt"

	"github.com/janelia-flyem/voxflow/voxflow"
)

// Image is a single 2d (x, y) plane with any number of channels.
type Image struct {
	*Array5D
}

// ScalarImage is an Image with a single channel.
type ScalarImage struct {
	Image
}

// Line is a single row along x with any number of channels.
type Line struct {
	*Array5D
}

// StaticLine is a Line of a fixed length.
type StaticLine struct {
	Line
}

func constraintErr(kind string, a *Array5D, reason string) error {
	return fmt.Errorf("%s cannot hold %s: %s: %w", kind, a.shape, reason, voxflow.ErrAxisConstraint)
}

// NewImage wraps an array with t and z extents of 1.
func NewImage(a *Array5D) (*Image, error) {
	if a.shape.T != 1 || a.shape.Z != 1 {
		return nil, constraintErr("Image", a, "needs t and z extents of 1")
	}
	return &Image{a}, nil
}

// NewScalarImage wraps an array with t, c and z extents of 1.
func NewScalarImage(a *Array5D) (*ScalarImage, error) {
	img, err := NewImage(a)
	if err != nil {
		return nil, err
	}
	if !a.shape.IsScalar() {
		return nil, constraintErr("ScalarImage", a, "needs a single channel")
	}
	return &ScalarImage{*img}, nil
}

// NewLine wraps an array whose only spatial extent is along x.
func NewLine(a *Array5D) (*Line, error) {
	if a.shape.T != 1 || a.shape.Y != 1 || a.shape.Z != 1 {
		return nil, constraintErr("Line", a, "needs t, y and z extents of 1")
	}
	return &Line{a}, nil
}

// NewStaticLine wraps a Line whose x extent equals length.
func NewStaticLine(a *Array5D, length int64) (*StaticLine, error) {
	line, err := NewLine(a)
	if err != nil {
		return nil, err
	}
	if a.shape.X != length {
		return nil, constraintErr("StaticLine", a, fmt.Sprintf("needs x extent of %d", length))
	}
	return &StaticLine{*line}, nil
}

// Pixel returns the value at plane coordinate (x, y) for channel c.
func (img *Image) Pixel(x, y, c int64) float64 {
	l := img.location
	return img.At(voxflow.Point5D{T: l.T, C: l.C + c, X: l.X + x, Y: l.Y + y, Z: l.Z})
}

// Concatenate appends other lines along x.
func (line *Line) Concatenate(others ...*Line) (*Line, error) {
	arrays := []*Array5D{line.Array5D}
	for _, o := range others {
		arrays = append(arrays, o.Array5D)
	}
	joined, err := Concatenate('x', arrays...)
	if err != nil {
		return nil, err
	}
	return &Line{joined}, nil
}
