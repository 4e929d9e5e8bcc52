package graph

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/voxflow"
)

// Source is anything an input slot can be connected to: an output slot, or the input
// slot of an enclosing operator.
type Source interface {
	Name() string
	Stype() Stype
	Level() int
	Len() int
	Ready() bool
	Meta() Meta
	Get(ctx context.Context, roi voxflow.Slice5D) (*array5d.Array5D, error)
	Value(ctx context.Context) (interface{}, error)
	NotifyInserted(func(int)) (unsubscribe func())
	NotifyRemoved(func(int)) (unsubscribe func())

	lane(i int) Source
	attach(in *InputSlot)
	detach(in *InputSlot)
}

type slotConfig struct {
	optional bool
	level    int
}

// SlotOption modifies a slot at declaration.
type SlotOption func(*slotConfig)

// Optional marks an input that does not need to be ready for the operator to be ready.
func Optional() SlotOption {
	return func(c *slotConfig) { c.optional = true }
}

// Level sets the slot level: 0 for a single slot, 1 for a list of lanes.
func Level(level int) SlotOption {
	return func(c *slotConfig) { c.level = level }
}

// ---- InputSlot

// InputSlot is a port through which an operator receives data, either from a connected
// Source or from a directly set value.
type InputSlot struct {
	name     string
	owner    *OperatorBase
	stype    Stype
	level    int
	optional bool
	parent   *InputSlot

	mu         sync.RWMutex
	index      int
	partner    Source
	mirror     []func()
	value      interface{}
	hasValue   bool
	wasReady   bool
	lanes      []*InputSlot
	downstream []*InputSlot

	dirty    signal[voxflow.Slice5D]
	ready    signal[*InputSlot]
	unready  signal[*InputSlot]
	inserted signal[int]
	removed  signal[int]
}

func newInputSlot(owner *OperatorBase, name string, stype Stype, cfg slotConfig) *InputSlot {
	return &InputSlot{name: name, owner: owner, stype: stype, level: cfg.level, optional: cfg.optional, index: -1}
}

func (in *InputSlot) Name() string         { return in.name }
func (in *InputSlot) Stype() Stype         { return in.stype }
func (in *InputSlot) Level() int           { return in.level }
func (in *InputSlot) Optional() bool       { return in.optional }
func (in *InputSlot) Owner() *OperatorBase { return in.owner }
func (in *InputSlot) Parent() *InputSlot   { return in.parent }
func (in *InputSlot) String() string       { return in.owner.name + "." + in.name }
func (in *InputSlot) lane(i int) Source    { return in.Sub(i) }

// Index returns the lane index of a subslot or -1 for top-level slots.
func (in *InputSlot) Index() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.index
}

// Partner returns the connected source or nil.
func (in *InputSlot) Partner() Source {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.partner
}

// Len returns the number of lanes of a level 1 slot.
func (in *InputSlot) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.lanes)
}

// Sub returns lane i of a level 1 slot.
func (in *InputSlot) Sub(i int) *InputSlot {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.lanes[i]
}

// Resize inserts or removes lanes at the end until there are n.
func (in *InputSlot) Resize(n int) {
	for in.Len() < n {
		in.Insert(in.Len())
	}
	for in.Len() > n {
		in.Remove(in.Len() - 1)
	}
}

// Insert adds an unconfigured lane at index i.
func (in *InputSlot) Insert(i int) {
	if in.level != 1 {
		panic(fmt.Sprintf("insert into level %d slot %s", in.level, in))
	}
	lane := &InputSlot{name: in.name, owner: in.owner, stype: in.stype, optional: in.optional, parent: in}
	in.mu.Lock()
	in.lanes = slices.Insert(in.lanes, i, lane)
	in.renumber()
	in.mu.Unlock()
	in.inserted.emit(i)
	in.changed()
}

// Remove disconnects and removes lane i.
func (in *InputSlot) Remove(i int) {
	in.mu.Lock()
	lane := in.lanes[i]
	in.lanes = slices.Delete(in.lanes, i, i+1)
	in.renumber()
	in.mu.Unlock()

	lane.mu.Lock()
	lane.parent = nil
	lane.mu.Unlock()
	lane.disconnect()
	in.removed.emit(i)
	in.changed()
}

func (in *InputSlot) renumber() {
	for i, lane := range in.lanes {
		lane.mu.Lock()
		lane.index = i
		lane.mu.Unlock()
	}
}

// Connect subscribes the slot to src.  Any previous connection or value is dropped.
// The stypes and levels of both slots must be compatible.
func (in *InputSlot) Connect(src Source) error {
	if src == nil {
		return fmt.Errorf("connecting %s to nil source", in)
	}
	if !in.stype.compatible(src.Stype()) || in.level != src.Level() {
		return fmt.Errorf("connecting %s (%s, level %d) to %s (%s, level %d): %w",
			in, in.stype, in.level, src.Name(), src.Stype(), src.Level(), voxflow.ErrIncompatibleSlotType)
	}
	in.disconnect()
	in.mu.Lock()
	in.partner = src
	in.mu.Unlock()
	src.attach(in)

	if in.level == 1 {
		unsubInsert := src.NotifyInserted(func(i int) {
			in.Insert(i)
			if err := in.Sub(i).Connect(src.lane(i)); err != nil {
				voxflow.Errorf("mirroring lane %d of %s: %v\n", i, src.Name(), err)
			}
		})
		unsubRemove := src.NotifyRemoved(func(i int) { in.Remove(i) })
		in.mu.Lock()
		in.mirror = []func(){unsubInsert, unsubRemove}
		in.mu.Unlock()
		for i := 0; i < src.Len(); i++ {
			in.Insert(i)
			if err := in.Sub(i).Connect(src.lane(i)); err != nil {
				return err
			}
		}
		return nil
	}
	in.changed()
	in.dirtyAll()
	return nil
}

// Disconnect drops any connection or value, returning the slot to unconfigured.
func (in *InputSlot) Disconnect() {
	if in.disconnect() {
		in.changed()
	}
}

func (in *InputSlot) disconnect() (had bool) {
	in.mu.Lock()
	partner, mirror := in.partner, in.mirror
	had = partner != nil || in.hasValue
	in.partner, in.mirror = nil, nil
	in.value, in.hasValue = nil, false
	in.mu.Unlock()

	for _, unsub := range mirror {
		unsub()
	}
	if partner != nil {
		partner.detach(in)
	}
	if in.level == 1 {
		for in.Len() > 0 {
			in.Remove(in.Len() - 1)
		}
	}
	return had
}

// SetValue drops any connection, stores v and marks the whole slot dirty.  Array slots
// require an *array5d.Array5D value.
func (in *InputSlot) SetValue(v interface{}) error {
	if in.level != 0 {
		return fmt.Errorf("setting value on level %d slot %s: %w", in.level, in, voxflow.ErrIncompatibleSlotType)
	}
	if _, isArray := v.(*array5d.Array5D); in.stype == StypeArray && !isArray {
		return fmt.Errorf("setting %T on array slot %s: %w", v, in, voxflow.ErrIncompatibleSlotType)
	}
	in.disconnect()
	in.mu.Lock()
	in.value, in.hasValue = v, true
	in.mu.Unlock()
	in.changed()
	in.dirtyAll()
	return nil
}

// Ready is true once the slot has a value or a ready source.  Level 1 slots are ready when
// every lane is.
func (in *InputSlot) Ready() bool {
	in.mu.RLock()
	hasValue, partner := in.hasValue, in.partner
	lanes := slices.Clone(in.lanes)
	in.mu.RUnlock()
	if in.level == 1 {
		for _, lane := range lanes {
			if !lane.Ready() {
				return false
			}
		}
		return true
	}
	if hasValue {
		return true
	}
	return partner != nil && partner.Ready()
}

// Meta returns the meta of the value or source.
func (in *InputSlot) Meta() Meta {
	in.mu.RLock()
	value, hasValue, partner := in.value, in.hasValue, in.partner
	in.mu.RUnlock()
	if hasValue {
		if a, ok := value.(*array5d.Array5D); ok {
			return ArrayMeta(a)
		}
		return Meta{}
	}
	if partner != nil {
		return partner.Meta()
	}
	return Meta{}
}

// Value returns the set value or the value of the source.
func (in *InputSlot) Value(ctx context.Context) (interface{}, error) {
	in.mu.RLock()
	value, hasValue, partner := in.value, in.hasValue, in.partner
	in.mu.RUnlock()
	switch {
	case hasValue:
		return value, nil
	case partner != nil && in.level == 0:
		return partner.Value(ctx)
	}
	return nil, fmt.Errorf("value of %s: %w", in, voxflow.ErrNotReady)
}

// Get returns the data within roi from the set array value or the source.
func (in *InputSlot) Get(ctx context.Context, roi voxflow.Slice5D) (*array5d.Array5D, error) {
	in.mu.RLock()
	value, hasValue, partner := in.value, in.hasValue, in.partner
	in.mu.RUnlock()
	switch {
	case hasValue:
		a, ok := value.(*array5d.Array5D)
		if !ok {
			return nil, fmt.Errorf("get on %s holding %T: %w", in, value, voxflow.ErrIncompatibleSlotType)
		}
		return a.Cut(roi)
	case partner != nil && in.level == 0:
		return partner.Get(ctx, roi)
	}
	return nil, fmt.Errorf("get %s on %s: %w", roi, in, voxflow.ErrNotReady)
}

// Write hands data for roi to the owning operator, which must implement Writer.
func (in *InputSlot) Write(ctx context.Context, roi voxflow.Slice5D, data *array5d.Array5D) error {
	w, ok := in.owner.self.(Writer)
	if !ok {
		return fmt.Errorf("slot %s does not accept writes", in)
	}
	return w.SetInSlot(ctx, in, roi, data)
}

// NotifyDirty registers fn for dirty regions arriving at this slot.
func (in *InputSlot) NotifyDirty(fn func(roi voxflow.Slice5D)) (unsubscribe func()) {
	return in.dirty.subscribe(fn)
}

// NotifyReady registers fn for transitions to ready.
func (in *InputSlot) NotifyReady(fn func(*InputSlot)) (unsubscribe func()) {
	return in.ready.subscribe(fn)
}

// NotifyUnready registers fn for transitions to unready.
func (in *InputSlot) NotifyUnready(fn func(*InputSlot)) (unsubscribe func()) {
	return in.unready.subscribe(fn)
}

func (in *InputSlot) NotifyInserted(fn func(int)) (unsubscribe func()) {
	return in.inserted.subscribe(fn)
}

func (in *InputSlot) NotifyRemoved(fn func(int)) (unsubscribe func()) {
	return in.removed.subscribe(fn)
}

func (in *InputSlot) attach(d *InputSlot) {
	in.mu.Lock()
	in.downstream = append(in.downstream, d)
	in.mu.Unlock()
}

func (in *InputSlot) detach(d *InputSlot) {
	in.mu.Lock()
	in.downstream = slices.DeleteFunc(in.downstream, func(x *InputSlot) bool { return x == d })
	in.mu.Unlock()
}

// changed re-evaluates readiness after a connection, value or meta change and lets the
// owner reconfigure.
func (in *InputSlot) changed() {
	ready := in.Ready()
	in.mu.Lock()
	was := in.wasReady
	in.wasReady = ready
	parent := in.parent
	var downstream []*InputSlot
	if in.level == 0 {
		downstream = slices.Clone(in.downstream)
	}
	in.mu.Unlock()

	if ready && !was {
		in.ready.emit(in)
	} else if !ready && was {
		in.unready.emit(in)
	}
	for _, d := range downstream {
		d.changed()
	}
	if parent != nil {
		parent.changed()
	} else {
		in.owner.configure()
	}
}

// upstreamDirty delivers a dirty region: first to the owning operator, then to
// subscribers, then to inputs connected to this one.
func (in *InputSlot) upstreamDirty(roi voxflow.Slice5D) {
	in.owner.propagateDirty(in, roi)
	in.dirty.emit(roi)
	in.mu.RLock()
	downstream := slices.Clone(in.downstream)
	in.mu.RUnlock()
	for _, d := range downstream {
		d.upstreamDirty(roi)
	}
}

func (in *InputSlot) dirtyAll() {
	if in.Ready() {
		in.upstreamDirty(voxflow.AllSlice())
	}
}

// ---- OutputSlot

// OutputSlot is a port through which an operator publishes data.  Its meta is set by the
// owner's SetupOutputs and its data is computed by the owner's Execute on demand.  An
// output may instead forward another operator's output.
type OutputSlot struct {
	name   string
	owner  *OperatorBase
	stype  Stype
	level  int
	parent *OutputSlot

	mu         sync.RWMutex
	index      int
	meta       Meta
	ready      bool
	wasReady   bool
	forward    *OutputSlot
	unforwards []func()
	lanes      []*OutputSlot
	downstream []*InputSlot

	// serializes dirty delivery so subscribers see mutations in order
	notifyMu sync.Mutex

	dirty    signal[voxflow.Slice5D]
	readySig signal[*OutputSlot]
	unready  signal[*OutputSlot]
	metaSig  signal[*OutputSlot]
	inserted signal[int]
	removed  signal[int]
}

func newOutputSlot(owner *OperatorBase, name string, stype Stype, cfg slotConfig) *OutputSlot {
	return &OutputSlot{name: name, owner: owner, stype: stype, level: cfg.level, index: -1}
}

func (out *OutputSlot) Name() string         { return out.name }
func (out *OutputSlot) Stype() Stype         { return out.stype }
func (out *OutputSlot) Level() int           { return out.level }
func (out *OutputSlot) Owner() *OperatorBase { return out.owner }
func (out *OutputSlot) Parent() *OutputSlot  { return out.parent }
func (out *OutputSlot) String() string       { return out.owner.name + "." + out.name }
func (out *OutputSlot) lane(i int) Source    { return out.Sub(i) }

func (out *OutputSlot) Index() int {
	out.mu.RLock()
	defer out.mu.RUnlock()
	return out.index
}

func (out *OutputSlot) Len() int {
	out.mu.RLock()
	defer out.mu.RUnlock()
	return len(out.lanes)
}

func (out *OutputSlot) Sub(i int) *OutputSlot {
	out.mu.RLock()
	defer out.mu.RUnlock()
	return out.lanes[i]
}

func (out *OutputSlot) Resize(n int) {
	for out.Len() < n {
		out.Insert(out.Len())
	}
	for out.Len() > n {
		out.Remove(out.Len() - 1)
	}
}

// Insert adds an unready lane at index i.  Level 1 inputs connected to this slot mirror it.
func (out *OutputSlot) Insert(i int) {
	if out.level != 1 {
		panic(fmt.Sprintf("insert into level %d slot %s", out.level, out))
	}
	lane := &OutputSlot{name: out.name, owner: out.owner, stype: out.stype, parent: out}
	out.mu.Lock()
	out.lanes = slices.Insert(out.lanes, i, lane)
	for j, l := range out.lanes {
		l.mu.Lock()
		l.index = j
		l.mu.Unlock()
	}
	out.mu.Unlock()
	out.inserted.emit(i)
	out.changed()
}

func (out *OutputSlot) Remove(i int) {
	out.mu.Lock()
	lane := out.lanes[i]
	out.lanes = slices.Delete(out.lanes, i, i+1)
	for j, l := range out.lanes {
		l.mu.Lock()
		l.index = j
		l.mu.Unlock()
	}
	out.mu.Unlock()

	lane.unforward()
	lane.mu.Lock()
	lane.parent, lane.ready = nil, false
	lane.mu.Unlock()
	lane.changed()
	out.removed.emit(i)
	out.changed()
}

// SetMeta publishes the meta of the slot.  It is called from SetupOutputs.
func (out *OutputSlot) SetMeta(m Meta) {
	out.mu.Lock()
	out.meta = m
	out.mu.Unlock()
}

func (out *OutputSlot) Meta() Meta {
	if inner := out.forwarded(); inner != nil {
		return inner.Meta()
	}
	out.mu.RLock()
	defer out.mu.RUnlock()
	return out.meta
}

// Ready is true once the owner has configured the slot.
func (out *OutputSlot) Ready() bool {
	if inner := out.forwarded(); inner != nil {
		return inner.Ready()
	}
	out.mu.RLock()
	ready, lanes := out.ready, slices.Clone(out.lanes)
	out.mu.RUnlock()
	if out.level == 1 {
		for _, lane := range lanes {
			if !lane.Ready() {
				return false
			}
		}
		return ready
	}
	return ready
}

func (out *OutputSlot) setReady(ready bool) {
	out.mu.Lock()
	out.ready = ready
	lanes := slices.Clone(out.lanes)
	out.mu.Unlock()
	for _, lane := range lanes {
		if lane.forwarded() == nil {
			lane.setReady(ready)
		}
	}
}

func (out *OutputSlot) forwarded() *OutputSlot {
	out.mu.RLock()
	defer out.mu.RUnlock()
	return out.forward
}

// Forward makes the slot a proxy for inner: meta, readiness, data and dirty regions of
// inner are all seen through this slot.
func (out *OutputSlot) Forward(inner *OutputSlot) error {
	if out.level != 0 || inner.level != 0 || out.stype != inner.stype {
		return fmt.Errorf("forwarding %s to %s: %w", out, inner, voxflow.ErrIncompatibleSlotType)
	}
	out.unforward()
	out.mu.Lock()
	out.forward = inner
	out.mu.Unlock()
	unsubDirty := inner.NotifyDirty(func(roi voxflow.Slice5D) { out.SetDirty(roi) })
	unsubMeta := inner.NotifyMetaChanged(func(*OutputSlot) { out.changed() })
	out.mu.Lock()
	out.unforwards = []func(){unsubDirty, unsubMeta}
	out.mu.Unlock()
	out.changed()
	return nil
}

func (out *OutputSlot) unforward() {
	out.mu.Lock()
	unforwards := out.unforwards
	out.forward, out.unforwards = nil, nil
	out.mu.Unlock()
	for _, unsub := range unforwards {
		unsub()
	}
}

// Get computes the data within roi through the owner's Execute.  Unbound roi axes span
// the whole slot.
func (out *OutputSlot) Get(ctx context.Context, roi voxflow.Slice5D) (*array5d.Array5D, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("get %s on %s: %v: %w", roi, out, err, voxflow.ErrCancelled)
	}
	if inner := out.forwarded(); inner != nil {
		return inner.Get(ctx, roi)
	}
	if out.level != 0 || out.stype != StypeArray {
		return nil, fmt.Errorf("get on %s slot %s: %w", out.stype, out, voxflow.ErrIncompatibleSlotType)
	}
	if !out.Ready() {
		return nil, fmt.Errorf("get %s on %s: %w", roi, out, voxflow.ErrNotReady)
	}
	bounds := out.Meta().Bounds()
	roi = roi.DefinedWithin(bounds)
	if !bounds.Contains(roi) {
		return nil, fmt.Errorf("get %s on %s with bounds %s: %w", roi, out, bounds, voxflow.ErrOutOfBounds)
	}
	result, err := out.owner.self.Execute(ctx, out, roi)
	if err != nil {
		return nil, err
	}
	if result.Interval() != roi {
		return nil, fmt.Errorf("operator %s produced %s for requested %s", out.owner.name, result.Interval(), roi)
	}
	return result, nil
}

// Value returns the whole content of the slot: opaque and value slots ask the owner's
// ExecuteValue, array slots return the whole array.
func (out *OutputSlot) Value(ctx context.Context) (interface{}, error) {
	if inner := out.forwarded(); inner != nil {
		return inner.Value(ctx)
	}
	if !out.Ready() {
		return nil, fmt.Errorf("value of %s: %w", out, voxflow.ErrNotReady)
	}
	if ve, ok := out.owner.self.(ValueExecutor); ok {
		return ve.ExecuteValue(ctx, out)
	}
	if out.stype == StypeArray {
		return out.Get(ctx, voxflow.AllSlice())
	}
	return nil, fmt.Errorf("operator %s provides no value for %s", out.owner.name, out)
}

// SetDirty marks roi of the slot stale.  Delivery is synchronous: each connected input in
// connection order sees the region, then the slot's own subscribers.  Regions of array
// slots are clipped to the slot bounds when the meta is known.
func (out *OutputSlot) SetDirty(roi voxflow.Slice5D) {
	out.notifyMu.Lock()
	defer out.notifyMu.Unlock()

	if out.stype == StypeArray && out.Ready() {
		bounds := out.Meta().Bounds()
		roi = roi.DefinedWithin(bounds).Intersection(bounds)
		if roi.IsEmpty() {
			return
		}
	}
	out.mu.RLock()
	downstream := slices.Clone(out.downstream)
	out.mu.RUnlock()
	for _, in := range downstream {
		in.upstreamDirty(roi)
	}
	out.dirty.emit(roi)
}

func (out *OutputSlot) NotifyDirty(fn func(roi voxflow.Slice5D)) (unsubscribe func()) {
	return out.dirty.subscribe(fn)
}

func (out *OutputSlot) NotifyReady(fn func(*OutputSlot)) (unsubscribe func()) {
	return out.readySig.subscribe(fn)
}

func (out *OutputSlot) NotifyUnready(fn func(*OutputSlot)) (unsubscribe func()) {
	return out.unready.subscribe(fn)
}

// NotifyMetaChanged registers fn for every reconfiguration of the slot.
func (out *OutputSlot) NotifyMetaChanged(fn func(*OutputSlot)) (unsubscribe func()) {
	return out.metaSig.subscribe(fn)
}

func (out *OutputSlot) NotifyInserted(fn func(int)) (unsubscribe func()) {
	return out.inserted.subscribe(fn)
}

func (out *OutputSlot) NotifyRemoved(fn func(int)) (unsubscribe func()) {
	return out.removed.subscribe(fn)
}

func (out *OutputSlot) attach(in *InputSlot) {
	out.mu.Lock()
	out.downstream = append(out.downstream, in)
	out.mu.Unlock()
}

func (out *OutputSlot) detach(in *InputSlot) {
	out.mu.Lock()
	out.downstream = slices.DeleteFunc(out.downstream, func(x *InputSlot) bool { return x == in })
	out.mu.Unlock()
}

// changed announces a reconfiguration to subscribers and connected inputs.
func (out *OutputSlot) changed() {
	ready := out.Ready()
	out.mu.Lock()
	was := out.wasReady
	out.wasReady = ready
	parent := out.parent
	var downstream []*InputSlot
	if out.level == 0 {
		downstream = slices.Clone(out.downstream)
	}
	out.mu.Unlock()

	if ready && !was {
		out.readySig.emit(out)
	} else if !ready && was {
		out.unready.emit(out)
	}
	out.metaSig.emit(out)
	for _, in := range downstream {
		in.changed()
	}
	if parent != nil {
		parent.changed()
	}
}
