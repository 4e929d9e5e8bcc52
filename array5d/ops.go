package array5d

import (
	"fmt"

	"github.com/janelia-flyem/voxflow/voxflow"
)

// copyRegion copies the global region from src into dst.  The region must lie within
// both arrays and both must share a dtype.
func copyRegion(dst, src *Array5D, region voxflow.Slice5D) {
	if region.IsEmpty() {
		return
	}
	size := int64(dst.dtype.Size())
	start, stop := region.Start(), region.Stop()
	rowBytes := (stop.X - start.X) * size
	for t := start.T; t < stop.T; t++ {
		for c := start.C; c < stop.C; c++ {
			for z := start.Z; z < stop.Z; z++ {
				for y := start.Y; y < stop.Y; y++ {
					p := voxflow.Point5D{T: t, C: c, X: start.X, Y: y, Z: z}
					d := dst.index(p) * size
					s := src.index(p) * size
					copy(dst.data[d:d+rowBytes], src.data[s:s+rowBytes])
				}
			}
		}
	}
}

// Cut returns an independent copy of the sub-array covering roi, given in global
// coordinates.  Unbound roi axes span the whole array.  The roi must lie within the
// array's interval or ErrOutOfBounds is returned.
func (a *Array5D) Cut(roi voxflow.Slice5D) (*Array5D, error) {
	roi = a.resolve(roi)
	if !a.Interval().Contains(roi) {
		return nil, fmt.Errorf("cut %s from %s: %w", roi, a.Interval(), voxflow.ErrOutOfBounds)
	}
	out, err := Allocate(roi, a.dtype, 0)
	if err != nil {
		return nil, err
	}
	copyRegion(out, a, roi)
	return out, nil
}

// SetFrom pastes the overlapping part of src into the array.  Arrays that do not overlap
// are left untouched.  Differing dtypes are converted.
func (a *Array5D) SetFrom(src *Array5D) error {
	overlap := a.Interval().Intersection(src.Interval())
	if overlap.IsEmpty() {
		return nil
	}
	if src.dtype != a.dtype {
		var err error
		if src, err = src.Converted(a.dtype); err != nil {
			return err
		}
	}
	copyRegion(a, src, overlap)
	return nil
}

// Concatenate joins arrays along axis, placing each after the previous one.  The result
// is located at the first array's location.  Every other axis must agree in extent and
// all arrays must share a dtype, otherwise ErrShapeMismatch is returned.
func Concatenate(axis byte, arrays ...*Array5D) (*Array5D, error) {
	if len(arrays) == 0 {
		return nil, fmt.Errorf("nothing to concatenate")
	}
	first := arrays[0]
	shape := first.shape
	for i, arr := range arrays[1:] {
		if arr.dtype != first.dtype {
			return nil, fmt.Errorf("array %d has dtype %s, expected %s: %w", i+1, arr.dtype, first.dtype, voxflow.ErrShapeMismatch)
		}
		for j := 0; j < len(voxflow.Axes); j++ {
			other := voxflow.Axes[j]
			if other != axis && arr.shape.Get(other) != first.shape.Get(other) {
				return nil, fmt.Errorf("array %d has shape %s, incompatible with %s along %c: %w",
					i+1, arr.shape, first.shape, other, voxflow.ErrShapeMismatch)
			}
		}
		shape = shape.With(axis, shape.Get(axis)+arr.shape.Get(axis))
	}
	out, err := Allocate(voxflow.NewSlice5D(first.location, first.location.Add(shape.Point())), first.dtype, 0)
	if err != nil {
		return nil, err
	}
	offset := first.location
	for _, arr := range arrays {
		placed := &Array5D{dtype: arr.dtype, shape: arr.shape, location: offset, data: arr.data}
		copyRegion(out, placed, placed.Interval())
		offset = offset.With(axis, offset.Get(axis)+arr.shape.Get(axis))
	}
	return out, nil
}
