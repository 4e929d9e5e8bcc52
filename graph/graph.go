package graph

import (
	"slices"
	"sync"

	"github.com/janelia-flyem/voxflow/voxflow"
)

// OpID identifies an operator within its Graph.  The zero OpID is never assigned.
type OpID uint64

// Graph is the arena owning all operators of a workflow.
type Graph struct {
	mu   sync.RWMutex
	last OpID
	ops  map[OpID]Operator
}

func NewGraph() *Graph {
	return &Graph{ops: make(map[OpID]Operator)}
}

func (g *Graph) register(op Operator) OpID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last++
	g.ops[g.last] = op
	return g.last
}

// Lookup returns a live operator by id.
func (g *Graph) Lookup(id OpID) (Operator, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	op, found := g.ops[id]
	return op, found
}

// Len returns the number of live operators.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.ops)
}

// Operators returns the live operators in creation order.
func (g *Graph) Operators() []Operator {
	g.mu.RLock()
	ids := make([]OpID, 0, len(g.ops))
	for id := range g.ops {
		ids = append(ids, id)
	}
	g.mu.RUnlock()
	slices.Sort(ids)

	ops := make([]Operator, 0, len(ids))
	for _, id := range ids {
		if op, found := g.Lookup(id); found {
			ops = append(ops, op)
		}
	}
	return ops
}

// Cleanup tears down an operator: children first, then every connection into and out of
// its slots, then any memory it holds.  The operator is removed from the arena.
func (g *Graph) Cleanup(op Operator) {
	b := op.Base()
	b.mu.Lock()
	if b.cleaned {
		b.mu.Unlock()
		return
	}
	b.cleaned = true
	children := slices.Clone(b.children)
	parent := b.parent
	inputs, outputs := slices.Clone(b.inputs), slices.Clone(b.outputs)
	b.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		if child, found := g.Lookup(children[i]); found {
			g.Cleanup(child)
		}
	}
	for _, in := range inputs {
		in.disconnect()
		in.dirty.clear()
	}
	for _, out := range outputs {
		lanes := []*OutputSlot{out}
		for i := 0; i < out.Len(); i++ {
			lanes = append(lanes, out.Sub(i))
		}
		for _, lane := range lanes {
			lane.unforward()
			lane.setReady(false)
			lane.mu.RLock()
			downstream := slices.Clone(lane.downstream)
			lane.mu.RUnlock()
			for _, in := range downstream {
				in.Disconnect()
			}
			lane.dirty.clear()
		}
	}
	if c, ok := op.(Cleaner); ok {
		c.Cleanup()
	}

	if parent != 0 {
		if p, found := g.Lookup(parent); found {
			pb := p.Base()
			pb.mu.Lock()
			pb.children = slices.DeleteFunc(pb.children, func(id OpID) bool { return id == b.id })
			pb.mu.Unlock()
		}
	}
	g.mu.Lock()
	delete(g.ops, b.id)
	g.mu.Unlock()
	voxflow.Debugf("Cleaned up operator %s (%d)\n", b.name, b.id)
}

// Close tears down every root operator, newest first.
func (g *Graph) Close() {
	ops := g.Operators()
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].Base().Parent() == nil {
			g.Cleanup(ops[i])
		}
	}
}
