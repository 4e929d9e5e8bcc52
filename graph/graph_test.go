package graph

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/janelia-flyem/go/gocheck"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/voxflow"
)

func Test(t *testing.T) { TestingT(t) }

type GraphSuite struct {
	g *Graph
}

var _ = Suite(&GraphSuite{})

func (s *GraphSuite) SetUpTest(c *C) {
	s.g = NewGraph()
}

func (s *GraphSuite) TearDownTest(c *C) {
	s.g.Close()
}

// testPiper passes its input through and counts executions.
type testPiper struct {
	OperatorBase
	Input    *InputSlot
	Output   *OutputSlot
	executes int64
	setups   int64
}

func newTestPiper(g *Graph, parent Operator) *testPiper {
	op := &testPiper{}
	op.Init(g, op, "testPiper", parent)
	op.Input = op.NewInput("Input", StypeArray)
	op.Output = op.NewOutput("Output", StypeArray)
	return op
}

func (op *testPiper) SetupOutputs() error {
	atomic.AddInt64(&op.setups, 1)
	op.Output.SetMeta(op.Input.Meta())
	return nil
}

func (op *testPiper) Execute(ctx context.Context, out *OutputSlot, roi voxflow.Slice5D) (*array5d.Array5D, error) {
	atomic.AddInt64(&op.executes, 1)
	return op.Input.Get(ctx, roi)
}

func (op *testPiper) PropagateDirty(in *InputSlot, roi voxflow.Slice5D) {
	op.Output.SetDirty(roi)
}

// testLanes exposes one output lane per input lane.
type testLanes struct {
	OperatorBase
	Inputs  *InputSlot
	Outputs *OutputSlot
}

func newTestLanes(g *Graph) *testLanes {
	op := &testLanes{}
	op.Init(g, op, "testLanes", nil)
	op.Inputs = op.NewInput("Inputs", StypeArray, Level(1))
	op.Outputs = op.NewOutput("Outputs", StypeArray, Level(1))
	return op
}

func (op *testLanes) SetupOutputs() error {
	op.Outputs.Resize(op.Inputs.Len())
	for i := 0; i < op.Inputs.Len(); i++ {
		op.Outputs.Sub(i).SetMeta(op.Inputs.Sub(i).Meta())
	}
	return nil
}

func (op *testLanes) Execute(ctx context.Context, out *OutputSlot, roi voxflow.Slice5D) (*array5d.Array5D, error) {
	return op.Inputs.Sub(out.Index()).Get(ctx, roi)
}

func (op *testLanes) PropagateDirty(in *InputSlot, roi voxflow.Slice5D) {
	if i := in.Index(); i < op.Outputs.Len() {
		op.Outputs.Sub(i).SetDirty(roi)
	}
}

func volume(c *C, x, y int64, value float64) *array5d.Array5D {
	a, err := array5d.AllocateShape(voxflow.ShapeFromMap(map[byte]int64{'x': x, 'y': y}), array5d.Uint8, value)
	c.Assert(err, IsNil)
	return a
}

func (s *GraphSuite) TestReadiness(c *C) {
	op := newTestPiper(s.g, nil)
	c.Assert(op.Output.Ready(), Equals, false)
	_, err := op.Output.Get(context.Background(), voxflow.AllSlice())
	c.Assert(errors.Is(err, voxflow.ErrNotReady), Equals, true)

	var readied, unreadied int
	op.Input.NotifyReady(func(*InputSlot) { readied++ })
	op.Input.NotifyUnready(func(*InputSlot) { unreadied++ })

	c.Assert(op.Input.SetValue(volume(c, 4, 3, 5)), IsNil)
	c.Assert(op.Output.Ready(), Equals, true)
	c.Assert(op.Output.Meta().Shape, Equals, voxflow.ShapeFromMap(map[byte]int64{'x': 4, 'y': 3}))
	c.Assert(readied, Equals, 1)

	data, err := op.Output.Get(context.Background(), voxflow.SliceFromMap(map[byte]voxflow.Interval{'x': {Start: 1, Stop: 3}}))
	c.Assert(err, IsNil)
	c.Assert(data.Shape(), Equals, voxflow.ShapeFromMap(map[byte]int64{'x': 2, 'y': 3}))

	_, err = op.Output.Get(context.Background(), voxflow.SliceFromMap(map[byte]voxflow.Interval{'x': {Start: 1, Stop: 9}}))
	c.Assert(errors.Is(err, voxflow.ErrOutOfBounds), Equals, true)

	op.Input.Disconnect()
	c.Assert(op.Output.Ready(), Equals, false)
	c.Assert(unreadied, Equals, 1)

	c.Assert(op.Input.SetValue("not an array"), NotNil)
}

func (s *GraphSuite) TestConnect(c *C) {
	a := newTestPiper(s.g, nil)
	b := newTestPiper(s.g, nil)
	c.Assert(b.Input.Connect(a.Output), IsNil)
	c.Assert(b.Output.Ready(), Equals, false)

	c.Assert(a.Input.SetValue(volume(c, 2, 2, 1)), IsNil)
	c.Assert(b.Output.Ready(), Equals, true)
	c.Assert(b.Input.Partner(), Equals, Source(a.Output))

	value, err := b.Output.Value(context.Background())
	c.Assert(err, IsNil)
	c.Assert(value.(*array5d.Array5D).Float64s(), DeepEquals, []float64{1, 1, 1, 1})

	lanes := newTestLanes(s.g)
	err = lanes.Inputs.Connect(a.Output)
	c.Assert(errors.Is(err, voxflow.ErrIncompatibleSlotType), Equals, true)

	flag := &testFlag{}
	flag.Init(s.g, flag, "testFlag", nil)
	flag.Output = flag.NewOutput("Output", StypeValue)
	err = b.Input.Connect(flag.Output)
	c.Assert(errors.Is(err, voxflow.ErrIncompatibleSlotType), Equals, true)
}

type testFlag struct {
	OperatorBase
	Output *OutputSlot
}

func (op *testFlag) SetupOutputs() error { return nil }
func (op *testFlag) Execute(ctx context.Context, out *OutputSlot, roi voxflow.Slice5D) (*array5d.Array5D, error) {
	return nil, errors.New("no data")
}
func (op *testFlag) PropagateDirty(in *InputSlot, roi voxflow.Slice5D) {}

func (s *GraphSuite) TestDirtyPropagation(c *C) {
	a := newTestPiper(s.g, nil)
	b := newTestPiper(s.g, nil)
	c.Assert(b.Input.Connect(a.Output), IsNil)
	c.Assert(a.Input.SetValue(volume(c, 20, 20, 0)), IsNil)

	var seen []string
	unsubscribe := b.Output.NotifyDirty(func(roi voxflow.Slice5D) { seen = append(seen, "b"+roi.String()) })
	b.Input.NotifyDirty(func(roi voxflow.Slice5D) { seen = append(seen, "in"+roi.String()) })

	first := voxflow.SliceFromMap(map[byte]voxflow.Interval{'x': {Start: 0, Stop: 5}, 'y': {Start: 0, Stop: 5}})
	second := voxflow.SliceFromMap(map[byte]voxflow.Interval{'x': {Start: 15, Stop: 30}})
	a.Output.SetDirty(first)
	a.Output.SetDirty(second)
	c.Assert(seen, DeepEquals, []string{
		"b[0:1,0:1,0:5,0:5,0:1]",
		"in[0:1,0:1,0:5,0:5,0:1]",
		"b[0:1,0:1,15:20,0:20,0:1]",
		"in[0:1,0:1,15:20,0:20,0:1]",
	})

	// regions outside the slot are dropped
	seen = nil
	a.Output.SetDirty(voxflow.SliceFromMap(map[byte]voxflow.Interval{'x': {Start: 40, Stop: 50}}))
	c.Assert(seen, HasLen, 0)

	unsubscribe()
	seen = nil
	a.Output.SetDirty(first)
	c.Assert(seen, DeepEquals, []string{"in[0:1,0:1,0:5,0:5,0:1]"})

	// a new value dirties the whole extent
	seen = nil
	c.Assert(a.Input.SetValue(volume(c, 20, 20, 3)), IsNil)
	c.Assert(seen, DeepEquals, []string{"in[0:1,0:1,0:20,0:20,0:1]"})
}

func (s *GraphSuite) TestLevelOneMirroring(c *C) {
	src := newTestLanes(s.g)
	dst := newTestLanes(s.g)

	var inserted, removed []int
	dst.Inputs.NotifyInserted(func(i int) { inserted = append(inserted, i) })
	dst.Inputs.NotifyRemoved(func(i int) { removed = append(removed, i) })

	src.Inputs.Resize(2)
	c.Assert(src.Inputs.Sub(0).SetValue(volume(c, 2, 2, 1)), IsNil)
	c.Assert(src.Inputs.Sub(1).SetValue(volume(c, 3, 3, 2)), IsNil)
	c.Assert(src.Outputs.Len(), Equals, 2)

	c.Assert(dst.Inputs.Connect(src.Outputs), IsNil)
	c.Assert(dst.Inputs.Len(), Equals, 2)
	c.Assert(dst.Outputs.Len(), Equals, 2)
	c.Assert(dst.Outputs.Ready(), Equals, true)
	c.Assert(dst.Outputs.Sub(1).Meta().Shape, Equals, voxflow.ShapeFromMap(map[byte]int64{'x': 3, 'y': 3}))

	data, err := dst.Outputs.Sub(1).Get(context.Background(), voxflow.AllSlice())
	c.Assert(err, IsNil)
	c.Assert(data.Unique(), DeepEquals, []uint64{2})

	// a lane added upstream appears downstream once configured
	src.Inputs.Insert(2)
	c.Assert(dst.Outputs.Ready(), Equals, false)
	c.Assert(src.Inputs.Sub(2).SetValue(volume(c, 1, 1, 9)), IsNil)
	c.Assert(dst.Inputs.Len(), Equals, 3)
	c.Assert(dst.Outputs.Ready(), Equals, true)

	// removing an input lane shrinks the lane list from the end
	src.Inputs.Remove(0)
	c.Assert(dst.Inputs.Len(), Equals, 2)
	c.Assert(dst.Inputs.Sub(1).Index(), Equals, 1)
	data, err = dst.Outputs.Sub(1).Get(context.Background(), voxflow.AllSlice())
	c.Assert(err, IsNil)
	c.Assert(data.Unique(), DeepEquals, []uint64{9})

	c.Assert(inserted, DeepEquals, []int{0, 1, 2})
	c.Assert(removed, DeepEquals, []int{2})

	dst.Inputs.Disconnect()
	c.Assert(dst.Inputs.Len(), Equals, 0)
}

// testWrapper forwards the output of an inner piper.
type testWrapper struct {
	OperatorBase
	Input  *InputSlot
	Output *OutputSlot
	inner  *testPiper
}

func newTestWrapper(g *Graph) *testWrapper {
	op := &testWrapper{}
	op.Init(g, op, "testWrapper", nil)
	op.Input = op.NewInput("Input", StypeArray)
	op.Output = op.NewOutput("Output", StypeArray)
	op.inner = newTestPiper(g, op)
	if err := op.inner.Input.Connect(op.Input); err != nil {
		panic(err)
	}
	if err := op.Output.Forward(op.inner.Output); err != nil {
		panic(err)
	}
	return op
}

func (op *testWrapper) SetupOutputs() error { return nil }
func (op *testWrapper) Execute(ctx context.Context, out *OutputSlot, roi voxflow.Slice5D) (*array5d.Array5D, error) {
	return nil, errors.New("forwarded")
}
func (op *testWrapper) PropagateDirty(in *InputSlot, roi voxflow.Slice5D) {}

func (s *GraphSuite) TestForwardingAndCleanup(c *C) {
	w := newTestWrapper(s.g)
	down := newTestPiper(s.g, nil)
	c.Assert(down.Input.Connect(w.Output), IsNil)
	c.Assert(s.g.Len(), Equals, 3)
	c.Assert(w.Children(), HasLen, 1)

	c.Assert(w.Input.SetValue(volume(c, 5, 5, 4)), IsNil)
	c.Assert(down.Output.Ready(), Equals, true)
	data, err := down.Output.Get(context.Background(), voxflow.AllSlice())
	c.Assert(err, IsNil)
	c.Assert(data.Unique(), DeepEquals, []uint64{4})
	c.Assert(w.inner.executes, Equals, int64(1))

	var dirty []voxflow.Slice5D
	down.Output.NotifyDirty(func(roi voxflow.Slice5D) { dirty = append(dirty, roi) })
	w.inner.Output.SetDirty(voxflow.SliceFromMap(map[byte]voxflow.Interval{'y': {Start: 1, Stop: 2}}))
	c.Assert(dirty, HasLen, 1)
	c.Assert(dirty[0].Y, Equals, voxflow.Interval{Start: 1, Stop: 2})

	s.g.Cleanup(w)
	c.Assert(s.g.Len(), Equals, 1)
	c.Assert(down.Input.Ready(), Equals, false)
	c.Assert(down.Output.Ready(), Equals, false)
	_, found := s.g.Lookup(w.inner.ID())
	c.Assert(found, Equals, false)
}

func (s *GraphSuite) TestRequest(c *C) {
	var progress []float64
	req := NewRequest(func(ctx context.Context, report func(float64)) (interface{}, error) {
		for _, p := range []float64{10, 5, 50, 50, 80} {
			report(p)
		}
		return 42, nil
	})
	req.NotifyProgress(func(p float64) { progress = append(progress, p) })
	finished := make(chan interface{}, 1)
	req.NotifyFinished(func(v interface{}) { finished <- v })
	c.Assert(req.ID(), Not(Equals), "")

	result, err := req.Wait()
	c.Assert(err, IsNil)
	c.Assert(result, Equals, 42)
	c.Assert(<-finished, Equals, 42)
	c.Assert(progress, DeepEquals, []float64{10, 50, 80, 100})
	c.Assert(req.State(), Equals, RequestFinished)

	failed := make(chan error, 1)
	bad := NewRequest(func(ctx context.Context, report func(float64)) (interface{}, error) {
		return nil, errors.New("upstream failure")
	})
	bad.NotifyFailed(func(err error) { failed <- err })
	_, err = bad.Wait()
	c.Assert(err, ErrorMatches, "upstream failure")
	c.Assert(<-failed, NotNil)
}

func (s *GraphSuite) TestExportCancellation(c *C) {
	op := newTestPiper(s.g, nil)
	c.Assert(op.Input.SetValue(volume(c, 10, 10, 1)), IsNil)

	var tiles int
	var req *Request
	tile := voxflow.ShapeFromMap(map[byte]int64{'x': 5, 'y': 5})
	req = ExportRequest(op.Output, voxflow.AllSlice(), tile, func(a *array5d.Array5D) error {
		tiles++
		if tiles == 2 {
			req.Cancel()
		}
		return nil
	})
	cancelled := make(chan struct{}, 1)
	req.NotifyCancelled(func() { cancelled <- struct{}{} })
	_, err := req.Wait()
	c.Assert(errors.Is(err, voxflow.ErrCancelled), Equals, true)
	c.Assert(tiles, Equals, 2)
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		c.Fatal("no cancellation notice")
	}
	c.Assert(req.State(), Equals, RequestCancelled)

	full := ExportRequest(op.Output, voxflow.AllSlice(), tile, func(*array5d.Array5D) error { return nil })
	n, err := full.Wait()
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(100))
}
