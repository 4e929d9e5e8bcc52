package operators

import (
	"context"
	"fmt"
	"sync"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/cache"
	"github.com/janelia-flyem/voxflow/graph"
	"github.com/janelia-flyem/voxflow/voxflow"
)

// OpSparseLabelArray keeps user-drawn labels for any number of lanes.  Each lane of Input
// provides the default content, usually from an OpZeros, and is backed by a sparse
// blocked cache that accepts writes.  Output and NonzeroBlocks lanes forward the lane
// caches.
type OpSparseLabelArray struct {
	graph.OperatorBase
	Input         *graph.InputSlot
	Output        *graph.OutputSlot
	NonzeroBlocks *graph.OutputSlot

	cfg cache.Config

	mu     sync.Mutex
	caches []*cache.OpBlockedArrayCache
}

// NewOpSparseLabelArray returns a label array whose lane caches use cfg.  The caches are
// always sparse.
func NewOpSparseLabelArray(g *graph.Graph, parent graph.Operator, cfg cache.Config) *OpSparseLabelArray {
	op := &OpSparseLabelArray{cfg: cfg}
	op.cfg.Sparse = true
	op.Init(g, op, "OpSparseLabelArray", parent)
	op.Input = op.NewInput("Input", graph.StypeArray, graph.Level(1))
	op.Output = op.NewOutput("Output", graph.StypeArray, graph.Level(1))
	op.NonzeroBlocks = op.NewOutput("NonzeroBlocks", graph.StypeOpaque, graph.Level(1))
	op.Input.NotifyInserted(op.insertLane)
	op.Input.NotifyRemoved(op.removeLane)
	return op
}

func (op *OpSparseLabelArray) insertLane(i int) {
	cfg := op.cfg
	cfg.Name = fmt.Sprintf("%s-lane%d", op.cfg.Name, i)
	c, err := cache.NewOpBlockedArrayCache(op.Graph(), op, cfg)
	if err != nil {
		voxflow.Errorf("Creating label cache for lane %d: %v\n", i, err)
		return
	}
	op.mu.Lock()
	op.caches = append(op.caches, nil)
	copy(op.caches[i+1:], op.caches[i:])
	op.caches[i] = c
	op.mu.Unlock()

	if err := c.Input.Connect(op.Input.Sub(i)); err != nil {
		voxflow.Errorf("Connecting label cache for lane %d: %v\n", i, err)
	}
	op.Output.Insert(i)
	op.NonzeroBlocks.Insert(i)
	if err := op.Output.Sub(i).Forward(c.Output); err != nil {
		voxflow.Errorf("Forwarding label lane %d: %v\n", i, err)
	}
	if err := op.NonzeroBlocks.Sub(i).Forward(c.NonzeroBlocks); err != nil {
		voxflow.Errorf("Forwarding nonzero blocks of lane %d: %v\n", i, err)
	}
}

func (op *OpSparseLabelArray) removeLane(i int) {
	op.mu.Lock()
	if i >= len(op.caches) {
		op.mu.Unlock()
		return
	}
	c := op.caches[i]
	op.caches = append(op.caches[:i], op.caches[i+1:]...)
	op.mu.Unlock()

	op.Output.Remove(i)
	op.NonzeroBlocks.Remove(i)
	op.Graph().Cleanup(c)
}

// Lane returns the cache backing lane i.
func (op *OpSparseLabelArray) Lane(i int) *cache.OpBlockedArrayCache {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.caches[i]
}

func (op *OpSparseLabelArray) SetupOutputs() error {
	return nil
}

func (op *OpSparseLabelArray) Execute(ctx context.Context, out *graph.OutputSlot, roi voxflow.Slice5D) (*array5d.Array5D, error) {
	return nil, fmt.Errorf("lane %s of %s is not forwarded", out, op.Name())
}

// PropagateDirty has nothing to do: lane caches receive dirty regions of their lane
// directly.
func (op *OpSparseLabelArray) PropagateDirty(in *graph.InputSlot, roi voxflow.Slice5D) {}

// SetInSlot writes labels into the cache of the written lane.
func (op *OpSparseLabelArray) SetInSlot(ctx context.Context, in *graph.InputSlot, roi voxflow.Slice5D, data *array5d.Array5D) error {
	if in.Parent() != op.Input {
		return fmt.Errorf("%s accepts writes only to lanes of %s", op.Name(), op.Input)
	}
	return op.Lane(in.Index()).Input.Write(ctx, roi, data)
}

// UnloadSlot drops the labels of one lane, or of all lanes when given Input itself.
func (op *OpSparseLabelArray) UnloadSlot(in *graph.InputSlot) {
	if in == op.Input {
		op.mu.Lock()
		caches := append([]*cache.OpBlockedArrayCache(nil), op.caches...)
		op.mu.Unlock()
		for _, c := range caches {
			c.Unload()
		}
		return
	}
	if in.Parent() == op.Input {
		op.Lane(in.Index()).Unload()
	}
}
