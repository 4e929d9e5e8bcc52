package operators

import (
	"context"
	"fmt"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/graph"
	"github.com/janelia-flyem/voxflow/voxflow"
)

// intValue reads an integer setting from a value slot.
func intValue(in *graph.InputSlot) (int64, error) {
	v, err := in.Value(context.Background())
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	}
	return 0, fmt.Errorf("slot %s holds %T, expected an integer: %w", in, v, voxflow.ErrIncompatibleSlotType)
}

// floatValue reads a number from a value slot.
func floatValue(in *graph.InputSlot) (float64, error) {
	v, err := in.Value(context.Background())
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	}
	i, err := intValue(in)
	return float64(i), err
}

// dtypeValue reads an optional dtype setting, either a DType or its name.
func dtypeValue(in *graph.InputSlot, def array5d.DType) (array5d.DType, error) {
	if !in.Ready() {
		return def, nil
	}
	v, err := in.Value(context.Background())
	if err != nil {
		return def, err
	}
	switch d := v.(type) {
	case array5d.DType:
		return d, nil
	case string:
		return array5d.ParseDType(d)
	}
	return def, fmt.Errorf("slot %s holds %T, expected a dtype: %w", in, v, voxflow.ErrIncompatibleSlotType)
}

// spatialHalo returns a point with radius on every spatial axis the shape extends along.
func spatialHalo(shape voxflow.Shape5D, radius int64) voxflow.Point5D {
	var halo voxflow.Point5D
	for _, axis := range []byte(shape.SpatialAxes()) {
		halo = halo.With(axis, radius)
	}
	return halo
}

// forEachPoint calls fn for every voxel of a defined slice in raster order.
func forEachPoint(roi voxflow.Slice5D, fn func(p voxflow.Point5D)) {
	start, stop := roi.Start(), roi.Stop()
	for t := start.T; t < stop.T; t++ {
		for c := start.C; c < stop.C; c++ {
			for z := start.Z; z < stop.Z; z++ {
				for y := start.Y; y < stop.Y; y++ {
					for x := start.X; x < stop.X; x++ {
						fn(voxflow.Point5D{T: t, C: c, X: x, Y: y, Z: z})
					}
				}
			}
		}
	}
}
