package operators

import (
	"context"
	"fmt"
	"sync"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/graph"
	"github.com/janelia-flyem/voxflow/rag"
	"github.com/janelia-flyem/voxflow/voxflow"
)

// MetaColumns is the key of the Features meta extra listing the table columns.
const MetaColumns = "columns"

// OpRagFeatures computes edge and superpixel features over a superpixel label volume.
// FeatureNames holds a []string of feature names and the optional HistogramRange a
// rag.Range for quantiles.  Features provides a *rag.FeatureTable and becomes dirty as a
// whole whenever any input does.
type OpRagFeatures struct {
	graph.OperatorBase
	Superpixels    *graph.InputSlot
	Values         *graph.InputSlot
	FeatureNames   *graph.InputSlot
	HistogramRange *graph.InputSlot
	Features       *graph.OutputSlot

	mu  sync.Mutex
	rag *rag.Rag
	gen uint64 // bumped whenever the superpixels go dirty
}

func NewOpRagFeatures(g *graph.Graph, parent graph.Operator) *OpRagFeatures {
	op := &OpRagFeatures{}
	op.Init(g, op, "OpRagFeatures", parent)
	op.Superpixels = op.NewInput("Superpixels", graph.StypeArray)
	op.Values = op.NewInput("Values", graph.StypeArray)
	op.FeatureNames = op.NewInput("FeatureNames", graph.StypeValue)
	op.HistogramRange = op.NewInput("HistogramRange", graph.StypeValue, graph.Optional())
	op.Features = op.NewOutput("Features", graph.StypeOpaque)
	return op
}

func (op *OpRagFeatures) featureNames() ([]string, error) {
	v, err := op.FeatureNames.Value(context.Background())
	if err != nil {
		return nil, err
	}
	names, ok := v.([]string)
	if !ok {
		return nil, fmt.Errorf("slot %s holds %T, expected []string: %w", op.FeatureNames, v, voxflow.ErrIncompatibleSlotType)
	}
	return names, nil
}

func (op *OpRagFeatures) SetupOutputs() error {
	labels, values := op.Superpixels.Meta(), op.Values.Meta()
	if labels.Shape != values.Shape {
		return fmt.Errorf("%s: superpixels %s and values %s: %w", op.Name(), labels.Shape, values.Shape, voxflow.ErrShapeMismatch)
	}
	names, err := op.featureNames()
	if err != nil {
		return err
	}
	var edgeColumns, spColumns []string
	for _, name := range names {
		f, err := rag.ParseFeature(name)
		if err != nil {
			return err
		}
		if f.Edge {
			edgeColumns = append(edgeColumns, f.Columns()...)
		} else {
			spColumns = append(spColumns, f.Columns()...)
		}
	}
	columns := append([]string{"sp1", "sp2"}, append(edgeColumns, spColumns...)...)
	op.Features.SetMeta(graph.Meta{Shape: labels.Shape, DType: array5d.Float64, Axes: labels.Axes}.WithExtra(MetaColumns, columns))
	return nil
}

func (op *OpRagFeatures) Execute(ctx context.Context, out *graph.OutputSlot, roi voxflow.Slice5D) (*array5d.Array5D, error) {
	return nil, fmt.Errorf("%s has no array outputs", op.Name())
}

// Rag returns the adjacency graph of the current superpixels, building it if needed.
// A graph built from superpixels that went dirty during the build is returned to the
// caller but not kept.
func (op *OpRagFeatures) Rag(ctx context.Context) (*rag.Rag, error) {
	op.mu.Lock()
	r, gen := op.rag, op.gen
	op.mu.Unlock()
	if r != nil {
		return r, nil
	}
	labels, err := op.Superpixels.Get(ctx, voxflow.AllSlice())
	if err != nil {
		return nil, err
	}
	if r, err = rag.New(ctx, labels); err != nil {
		return nil, err
	}
	op.mu.Lock()
	if op.gen == gen {
		op.rag = r
	} else {
		voxflow.Debugf("%s: superpixels changed while building rag, not keeping it\n", op.Name())
	}
	op.mu.Unlock()
	return r, nil
}

func (op *OpRagFeatures) ExecuteValue(ctx context.Context, out *graph.OutputSlot) (interface{}, error) {
	if out != op.Features {
		return nil, fmt.Errorf("%s has no value on %s", op.Name(), out)
	}
	names, err := op.featureNames()
	if err != nil {
		return nil, err
	}
	var opts rag.FeatureOptions
	if op.HistogramRange.Ready() {
		v, err := op.HistogramRange.Value(ctx)
		if err != nil {
			return nil, err
		}
		hr, ok := v.(rag.Range)
		if !ok {
			return nil, fmt.Errorf("slot %s holds %T, expected rag.Range: %w", op.HistogramRange, v, voxflow.ErrIncompatibleSlotType)
		}
		opts.HistogramRange = &hr
	}
	r, err := op.Rag(ctx)
	if err != nil {
		return nil, err
	}
	values, err := op.Values.Get(ctx, voxflow.AllSlice())
	if err != nil {
		return nil, err
	}
	return r.ComputeHighlevelFeatures(ctx, values, names, opts)
}

func (op *OpRagFeatures) PropagateDirty(in *graph.InputSlot, roi voxflow.Slice5D) {
	if in == op.Superpixels {
		op.mu.Lock()
		op.rag = nil
		op.gen++
		op.mu.Unlock()
	}
	op.Features.SetDirty(voxflow.AllSlice())
}

// Cleanup drops the adjacency graph.
func (op *OpRagFeatures) Cleanup() {
	op.mu.Lock()
	op.rag = nil
	op.gen++
	op.mu.Unlock()
}
