package operators

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/graph"
	"github.com/janelia-flyem/voxflow/voxflow"
)

// OpBoxFilter replaces each voxel by the mean of the box of the given Radius around it,
// computed independently per channel and time point.  The box is clipped at the volume
// border.
type OpBoxFilter struct {
	graph.OperatorBase
	Input  *graph.InputSlot
	Radius *graph.InputSlot
	Output *graph.OutputSlot
}

func NewOpBoxFilter(g *graph.Graph, parent graph.Operator) *OpBoxFilter {
	op := &OpBoxFilter{}
	op.Init(g, op, "OpBoxFilter", parent)
	op.Input = op.NewInput("Input", graph.StypeArray)
	op.Radius = op.NewInput("Radius", graph.StypeValue)
	op.Output = op.NewOutput("Output", graph.StypeArray)
	return op
}

func (op *OpBoxFilter) SetupOutputs() error {
	radius, err := intValue(op.Radius)
	if err != nil {
		return err
	}
	if radius < 0 {
		return fmt.Errorf("negative radius %d for %s", radius, op.Name())
	}
	meta := op.Input.Meta()
	meta.DType = array5d.Float32
	op.Output.SetMeta(meta)
	return nil
}

func (op *OpBoxFilter) halo() voxflow.Point5D {
	radius, err := intValue(op.Radius)
	if err != nil {
		return voxflow.Point5D{}
	}
	return spatialHalo(op.Input.Meta().Shape, radius)
}

func (op *OpBoxFilter) Execute(ctx context.Context, out *graph.OutputSlot, roi voxflow.Slice5D) (*array5d.Array5D, error) {
	halo := op.halo()
	srcRoi := roi.Enlarged(halo).Intersection(op.Input.Meta().Bounds())
	src, err := op.Input.Get(ctx, srcRoi)
	if err != nil {
		return nil, err
	}
	result, err := array5d.Allocate(roi, array5d.Float32, 0)
	if err != nil {
		return nil, err
	}
	one := voxflow.Point5D{T: 1, C: 1, X: 1, Y: 1, Z: 1}
	forEachPoint(roi, func(p voxflow.Point5D) {
		window := voxflow.NewSlice5D(p, p.Add(one)).Enlarged(halo).Intersection(srcRoi)
		var sum float64
		forEachPoint(window, func(q voxflow.Point5D) {
			sum += src.At(q)
		})
		result.Set(p, sum/float64(window.Shape().Volume()))
	})
	return result, nil
}

func (op *OpBoxFilter) PropagateDirty(in *graph.InputSlot, roi voxflow.Slice5D) {
	switch in {
	case op.Input:
		op.Output.SetDirty(roi.Enlarged(op.halo()))
	case op.Radius:
		op.Output.SetDirty(voxflow.AllSlice())
	}
}

// OpNormalize rescales its input linearly so that the global minimum maps to 0 and the
// global maximum to 1.  Constant inputs map to 0.  Any input change dirties the whole
// output since the range may change.
type OpNormalize struct {
	graph.OperatorBase
	Input  *graph.InputSlot
	Output *graph.OutputSlot
}

func NewOpNormalize(g *graph.Graph, parent graph.Operator) *OpNormalize {
	op := &OpNormalize{}
	op.Init(g, op, "OpNormalize", parent)
	op.Input = op.NewInput("Input", graph.StypeArray)
	op.Output = op.NewOutput("Output", graph.StypeArray)
	return op
}

func (op *OpNormalize) SetupOutputs() error {
	meta := op.Input.Meta()
	meta.DType = array5d.Float32
	op.Output.SetMeta(meta)
	return nil
}

func (op *OpNormalize) Execute(ctx context.Context, out *graph.OutputSlot, roi voxflow.Slice5D) (*array5d.Array5D, error) {
	whole, err := op.Input.Get(ctx, voxflow.AllSlice())
	if err != nil {
		return nil, err
	}
	values := whole.Float64s()
	lo, hi := floats.Min(values), floats.Max(values)
	part, err := whole.Cut(roi)
	if err != nil {
		return nil, err
	}
	result, err := array5d.Allocate(roi, array5d.Float32, 0)
	if err != nil {
		return nil, err
	}
	if hi == lo {
		return result, nil
	}
	forEachPoint(roi, func(p voxflow.Point5D) {
		result.Set(p, (part.At(p)-lo)/(hi-lo))
	})
	return result, nil
}

func (op *OpNormalize) PropagateDirty(in *graph.InputSlot, roi voxflow.Slice5D) {
	op.Output.SetDirty(voxflow.AllSlice())
}

// OpThreshold marks voxels above Threshold with 1 and all others with 0.
type OpThreshold struct {
	graph.OperatorBase
	Input     *graph.InputSlot
	Threshold *graph.InputSlot
	Output    *graph.OutputSlot
}

func NewOpThreshold(g *graph.Graph, parent graph.Operator) *OpThreshold {
	op := &OpThreshold{}
	op.Init(g, op, "OpThreshold", parent)
	op.Input = op.NewInput("Input", graph.StypeArray)
	op.Threshold = op.NewInput("Threshold", graph.StypeValue)
	op.Output = op.NewOutput("Output", graph.StypeArray)
	return op
}

func (op *OpThreshold) SetupOutputs() error {
	if _, err := floatValue(op.Threshold); err != nil {
		return err
	}
	meta := op.Input.Meta()
	meta.DType = array5d.Uint8
	op.Output.SetMeta(meta)
	return nil
}

func (op *OpThreshold) Execute(ctx context.Context, out *graph.OutputSlot, roi voxflow.Slice5D) (*array5d.Array5D, error) {
	threshold, err := floatValue(op.Threshold)
	if err != nil {
		return nil, err
	}
	src, err := op.Input.Get(ctx, roi)
	if err != nil {
		return nil, err
	}
	result, err := array5d.Allocate(roi, array5d.Uint8, 0)
	if err != nil {
		return nil, err
	}
	forEachPoint(roi, func(p voxflow.Point5D) {
		if src.At(p) > threshold {
			result.Set(p, 1)
		}
	})
	return result, nil
}

func (op *OpThreshold) PropagateDirty(in *graph.InputSlot, roi voxflow.Slice5D) {
	switch in {
	case op.Input:
		op.Output.SetDirty(roi)
	case op.Threshold:
		op.Output.SetDirty(voxflow.AllSlice())
	}
}
