package operators

import (
	"context"
	"fmt"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/graph"
	"github.com/janelia-flyem/voxflow/voxflow"
)

// OpArrayPiper passes its input through unchanged.  It is the usual entry point for
// arrays handed to a graph with SetValue.
type OpArrayPiper struct {
	graph.OperatorBase
	Input  *graph.InputSlot
	Output *graph.OutputSlot
}

func NewOpArrayPiper(g *graph.Graph, parent graph.Operator) *OpArrayPiper {
	op := &OpArrayPiper{}
	op.Init(g, op, "OpArrayPiper", parent)
	op.Input = op.NewInput("Input", graph.StypeArray)
	op.Output = op.NewOutput("Output", graph.StypeArray)
	return op
}

func (op *OpArrayPiper) SetupOutputs() error {
	op.Output.SetMeta(op.Input.Meta())
	return nil
}

func (op *OpArrayPiper) Execute(ctx context.Context, out *graph.OutputSlot, roi voxflow.Slice5D) (*array5d.Array5D, error) {
	return op.Input.Get(ctx, roi)
}

func (op *OpArrayPiper) PropagateDirty(in *graph.InputSlot, roi voxflow.Slice5D) {
	op.Output.SetDirty(roi)
}

// OpZeros produces an all-zero array of the shape set on Shape and the dtype set on
// DType, uint8 by default.
type OpZeros struct {
	graph.OperatorBase
	Shape  *graph.InputSlot
	DType  *graph.InputSlot
	Output *graph.OutputSlot
}

func NewOpZeros(g *graph.Graph, parent graph.Operator) *OpZeros {
	op := &OpZeros{}
	op.Init(g, op, "OpZeros", parent)
	op.Shape = op.NewInput("Shape", graph.StypeValue)
	op.DType = op.NewInput("DType", graph.StypeValue, graph.Optional())
	op.Output = op.NewOutput("Output", graph.StypeArray)
	return op
}

func (op *OpZeros) SetupOutputs() error {
	v, err := op.Shape.Value(context.Background())
	if err != nil {
		return err
	}
	shape, ok := v.(voxflow.Shape5D)
	if !ok {
		return fmt.Errorf("shape of %s is %T: %w", op.Name(), v, voxflow.ErrIncompatibleSlotType)
	}
	if err := shape.Validate(); err != nil {
		return err
	}
	dtype, err := dtypeValue(op.DType, array5d.Uint8)
	if err != nil {
		return err
	}
	op.Output.SetMeta(graph.Meta{Shape: shape, DType: dtype, Axes: voxflow.Axes})
	return nil
}

func (op *OpZeros) Execute(ctx context.Context, out *graph.OutputSlot, roi voxflow.Slice5D) (*array5d.Array5D, error) {
	return array5d.Allocate(roi, out.Meta().DType, 0)
}

func (op *OpZeros) PropagateDirty(in *graph.InputSlot, roi voxflow.Slice5D) {
	op.Output.SetDirty(voxflow.AllSlice())
}
