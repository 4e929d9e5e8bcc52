package graph

import (
	"context"
	"slices"
	"sync"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/voxflow"
)

// Operator is implemented by every node of the graph.  Concrete operators embed
// OperatorBase, declare their slots at construction and implement the three callbacks.
type Operator interface {
	// Base returns the embedded OperatorBase.
	Base() *OperatorBase

	// SetupOutputs is called whenever all required inputs are ready and any input meta
	// changed.  It must publish the meta of every output and must not compute data.
	SetupOutputs() error

	// Execute produces exactly the data of out within roi, which is always defined and
	// within the bounds of out.
	Execute(ctx context.Context, out *OutputSlot, roi voxflow.Slice5D) (*array5d.Array5D, error)

	// PropagateDirty is called when roi of input in became stale.  It must forward SetDirty
	// on the affected regions of the outputs.
	PropagateDirty(in *InputSlot, roi voxflow.Slice5D)
}

// Writer is implemented by operators whose inputs accept written data.
type Writer interface {
	SetInSlot(ctx context.Context, in *InputSlot, roi voxflow.Slice5D, data *array5d.Array5D) error
}

// ValueExecutor is implemented by operators with value or opaque outputs.
type ValueExecutor interface {
	ExecuteValue(ctx context.Context, out *OutputSlot) (interface{}, error)
}

// Cleaner is implemented by operators holding memory that must be released on teardown.
type Cleaner interface {
	Cleanup()
}

// Unloader is implemented by operators that can reset the data written through an input
// to its empty default.
type Unloader interface {
	UnloadSlot(in *InputSlot)
}

// OperatorBase holds the identity, family and slots of an operator.
type OperatorBase struct {
	name  string
	id    OpID
	graph *Graph
	self  Operator

	mu       sync.Mutex
	parent   OpID
	children []OpID
	inputs   []*InputSlot
	outputs  []*OutputSlot
	setupErr error
	cleaned  bool
}

// Init registers the operator with the graph, optionally as a child of parent.  It must
// be called by every constructor before any slot is declared.
func (b *OperatorBase) Init(g *Graph, self Operator, name string, parent Operator) {
	b.name = name
	b.graph = g
	b.self = self
	b.id = g.register(self)
	if parent != nil {
		pb := parent.Base()
		b.parent = pb.id
		pb.mu.Lock()
		pb.children = append(pb.children, b.id)
		pb.mu.Unlock()
	}
}

func (b *OperatorBase) Base() *OperatorBase { return b }
func (b *OperatorBase) Self() Operator      { return b.self }
func (b *OperatorBase) Name() string        { return b.name }
func (b *OperatorBase) ID() OpID            { return b.id }
func (b *OperatorBase) Graph() *Graph       { return b.graph }

// Parent returns the parent operator or nil for roots.
func (b *OperatorBase) Parent() Operator {
	b.mu.Lock()
	parent := b.parent
	b.mu.Unlock()
	if parent == 0 {
		return nil
	}
	op, _ := b.graph.Lookup(parent)
	return op
}

// Children returns the live child operators in creation order.
func (b *OperatorBase) Children() []Operator {
	b.mu.Lock()
	ids := slices.Clone(b.children)
	b.mu.Unlock()
	var children []Operator
	for _, id := range ids {
		if op, found := b.graph.Lookup(id); found {
			children = append(children, op)
		}
	}
	return children
}

// NewInput declares an input slot.
func (b *OperatorBase) NewInput(name string, stype Stype, opts ...SlotOption) *InputSlot {
	var cfg slotConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	in := newInputSlot(b, name, stype, cfg)
	b.mu.Lock()
	b.inputs = append(b.inputs, in)
	b.mu.Unlock()
	return in
}

// NewOutput declares an output slot.
func (b *OperatorBase) NewOutput(name string, stype Stype, opts ...SlotOption) *OutputSlot {
	var cfg slotConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	out := newOutputSlot(b, name, stype, cfg)
	b.mu.Lock()
	b.outputs = append(b.outputs, out)
	b.mu.Unlock()
	return out
}

func (b *OperatorBase) Inputs() []*InputSlot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.inputs)
}

func (b *OperatorBase) Outputs() []*OutputSlot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.outputs)
}

// Input returns the declared input with the given name or nil.
func (b *OperatorBase) Input(name string) *InputSlot {
	for _, in := range b.Inputs() {
		if in.name == name {
			return in
		}
	}
	return nil
}

// Output returns the declared output with the given name or nil.
func (b *OperatorBase) Output(name string) *OutputSlot {
	for _, out := range b.Outputs() {
		if out.name == name {
			return out
		}
	}
	return nil
}

// SetupError returns the error of the last SetupOutputs call, if any.
func (b *OperatorBase) SetupError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.setupErr
}

func (b *OperatorBase) isCleaned() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cleaned
}

// configure runs SetupOutputs once every required input is ready and announces the new
// output state downstream.  Outputs stay unready while inputs are missing or setup fails.
func (b *OperatorBase) configure() {
	if b.isCleaned() {
		return
	}
	ready := true
	for _, in := range b.Inputs() {
		if !in.optional && !in.Ready() {
			ready = false
			break
		}
	}
	var err error
	if ready {
		if err = b.self.SetupOutputs(); err != nil {
			voxflow.Errorf("Setting up outputs of %s: %v\n", b.name, err)
		}
	}
	b.mu.Lock()
	b.setupErr = err
	b.mu.Unlock()

	outputs := b.Outputs()
	for _, out := range outputs {
		if out.forwarded() == nil {
			out.setReady(ready && err == nil)
		}
	}
	for _, out := range outputs {
		if out.level == 1 {
			for i := 0; i < out.Len(); i++ {
				out.Sub(i).changed()
			}
		}
		out.changed()
	}
}

func (b *OperatorBase) propagateDirty(in *InputSlot, roi voxflow.Slice5D) {
	if b.isCleaned() {
		return
	}
	b.self.PropagateDirty(in, roi)
}
