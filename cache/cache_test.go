package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/janelia-flyem/go/gocheck"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/graph"
	"github.com/janelia-flyem/voxflow/voxflow"
)

func Test(t *testing.T) { TestingT(t) }

type CacheSuite struct {
	g   *graph.Graph
	src *testSource
}

var _ = Suite(&CacheSuite{})

func (s *CacheSuite) SetUpTest(c *C) {
	s.g = graph.NewGraph()
	s.src = newTestSource(s.g)
	c.Assert(s.src.Input.SetValue(gradient(c, 20, 20, 0)), IsNil)
}

func (s *CacheSuite) TearDownTest(c *C) {
	s.g.Close()
}

var errUpstream = errors.New("upstream failure")

// testSource serves its input array and counts executions.  It fails while failing is
// set and blocks on gate when one is installed.
type testSource struct {
	graph.OperatorBase
	Input    *graph.InputSlot
	Output   *graph.OutputSlot
	executes int64
	failing  atomic.Bool
	gate     chan struct{}
}

func newTestSource(g *graph.Graph) *testSource {
	op := &testSource{}
	op.Init(g, op, "testSource", nil)
	op.Input = op.NewInput("Input", graph.StypeArray)
	op.Output = op.NewOutput("Output", graph.StypeArray)
	return op
}

func (op *testSource) SetupOutputs() error {
	op.Output.SetMeta(op.Input.Meta())
	return nil
}

func (op *testSource) Execute(ctx context.Context, out *graph.OutputSlot, roi voxflow.Slice5D) (*array5d.Array5D, error) {
	atomic.AddInt64(&op.executes, 1)
	if op.gate != nil {
		<-op.gate
	}
	if op.failing.Load() {
		return nil, errUpstream
	}
	return op.Input.Get(ctx, roi)
}

func (op *testSource) PropagateDirty(in *graph.InputSlot, roi voxflow.Slice5D) {
	op.Output.SetDirty(roi)
}

func (op *testSource) count() int64 {
	return atomic.SwapInt64(&op.executes, 0)
}

// gradient returns an x by y uint8 array holding x + y + offset.
func gradient(c *C, nx, ny int, offset uint8) *array5d.Array5D {
	data := make([]uint8, nx*ny)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			data[y*nx+x] = uint8(x+y) + offset
		}
	}
	a, err := array5d.FromSlice(data, voxflow.ShapeFromMap(map[byte]int64{'x': int64(nx), 'y': int64(ny)}))
	c.Assert(err, IsNil)
	return a
}

func xy(x0, x1, y0, y1 int64) voxflow.Slice5D {
	return voxflow.SliceFromMap(map[byte]voxflow.Interval{'x': {Start: x0, Stop: x1}, 'y': {Start: y0, Stop: y1}})
}

func blockConfig(name string) Config {
	return Config{
		Name:            name,
		InnerBlockShape: voxflow.ShapeFromMap(map[byte]int64{'x': 10, 'y': 10}),
	}
}

func (s *CacheSuite) newCache(c *C, cfg Config) *OpBlockedArrayCache {
	op, err := NewOpBlockedArrayCache(s.g, nil, cfg)
	c.Assert(err, IsNil)
	c.Assert(op.Input.Connect(s.src.Output), IsNil)
	c.Assert(op.Output.Ready(), Equals, true)
	s.src.count()
	return op
}

func (s *CacheSuite) TestBlockShapeClipping(c *C) {
	cfg := blockConfig("clip")
	cfg.InnerBlockShape = voxflow.ShapeFromMap(map[byte]int64{'x': 64, 'y': 10, 'c': 0})
	op := s.newCache(c, cfg)
	c.Assert(op.BlockShape(), Equals, voxflow.ShapeFromMap(map[byte]int64{'x': 20, 'y': 10}))

	_, err := NewOpBlockedArrayCache(s.g, nil, Config{Store: "disk"})
	c.Assert(err, NotNil)
}

func (s *CacheSuite) TestBlockReuse(c *C) {
	op := s.newCache(c, blockConfig("reuse"))
	ctx := context.Background()

	first, err := op.Output.Get(ctx, xy(0, 15, 0, 15))
	c.Assert(err, IsNil)
	c.Assert(s.src.count(), Equals, int64(4))
	c.Assert(first.Interval(), Equals, xy(0, 15, 0, 15).DefinedWithin(voxflow.Shape5D{T: 1, C: 1, Z: 1}.ToSlice5D()))
	c.Assert(first.At(voxflow.Point5D{X: 12, Y: 3}), Equals, 15.0)

	second, err := op.Output.Get(ctx, xy(0, 15, 0, 15))
	c.Assert(err, IsNil)
	c.Assert(s.src.count(), Equals, int64(0))
	c.Assert(second.Equal(first), Equals, true)

	stats := op.Stats()
	c.Assert(stats.Blocks, Equals, 4)
	c.Assert(stats.CleanBlocks, Equals, 4)
	c.Assert(stats.Computations, Equals, int64(4))
	c.Assert(stats.Hits, Equals, int64(4))
	c.Assert(stats.StoredBytes, Equals, int64(400))
}

func (s *CacheSuite) TestDirtyBlocksRecomputed(c *C) {
	op := s.newCache(c, blockConfig("dirty"))
	ctx := context.Background()

	var dirty []voxflow.Slice5D
	op.Output.NotifyDirty(func(roi voxflow.Slice5D) { dirty = append(dirty, roi) })

	_, err := op.Output.Get(ctx, voxflow.AllSlice())
	c.Assert(err, IsNil)
	c.Assert(s.src.count(), Equals, int64(4))

	s.src.Output.SetDirty(xy(2, 3, 2, 3))
	c.Assert(dirty, HasLen, 1)
	c.Assert(op.Stats().DirtyBlocks, Equals, 1)
	c.Assert(op.Stats().StoredBytes, Equals, int64(400))

	_, err = op.Output.Get(ctx, voxflow.AllSlice())
	c.Assert(err, IsNil)
	c.Assert(s.src.count(), Equals, int64(1))
	c.Assert(op.Stats().DirtyBlocks, Equals, 0)
}

func (s *CacheSuite) TestFreeze(c *C) {
	op := s.newCache(c, blockConfig("freeze"))
	ctx := context.Background()

	var dirty int
	op.Output.NotifyDirty(func(voxflow.Slice5D) { dirty++ })

	before, err := op.Output.Get(ctx, voxflow.AllSlice())
	c.Assert(err, IsNil)
	c.Assert(op.FixAtCurrent.SetValue(true), IsNil)
	c.Assert(op.Frozen(), Equals, true)

	c.Assert(s.src.Input.SetValue(gradient(c, 20, 20, 100)), IsNil)
	c.Assert(dirty, Equals, 0)

	during, err := op.Output.Get(ctx, voxflow.AllSlice())
	c.Assert(err, IsNil)
	c.Assert(during.Equal(before), Equals, true)

	err = op.Input.Write(ctx, xy(0, 1, 0, 1), gradient(c, 1, 1, 0))
	c.Assert(errors.Is(err, voxflow.ErrFrozen), Equals, true)

	c.Assert(op.FixAtCurrent.SetValue(false), IsNil)
	c.Assert(op.Frozen(), Equals, false)
	c.Assert(dirty > 0, Equals, true)

	after, err := op.Output.Get(ctx, voxflow.AllSlice())
	c.Assert(err, IsNil)
	c.Assert(after.At(voxflow.Point5D{X: 1, Y: 1}), Equals, 102.0)
}

func (s *CacheSuite) TestFailureLeavesBlockDirty(c *C) {
	op := s.newCache(c, blockConfig("failure"))
	ctx := context.Background()

	s.src.failing.Store(true)
	_, err := op.Output.Get(ctx, xy(0, 5, 0, 5))
	c.Assert(errors.Is(err, errUpstream), Equals, true)
	c.Assert(op.Stats().Failures, Equals, int64(1))
	c.Assert(op.Stats().CleanBlocks, Equals, 0)

	s.src.failing.Store(false)
	data, err := op.Output.Get(ctx, xy(0, 5, 0, 5))
	c.Assert(err, IsNil)
	c.Assert(data.At(voxflow.Point5D{X: 4, Y: 4}), Equals, 8.0)
	c.Assert(op.Stats().CleanBlocks, Equals, 1)
}

func (s *CacheSuite) TestConcurrentRequestsShareComputation(c *C) {
	op := s.newCache(c, blockConfig("shared"))
	s.src.gate = make(chan struct{})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := op.Output.Get(context.Background(), xy(0, 10, 0, 10))
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(s.src.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		c.Assert(err, IsNil)
	}
	c.Assert(s.src.count(), Equals, int64(1))
}

func (s *CacheSuite) TestCancelledRequest(c *C) {
	op := s.newCache(c, blockConfig("cancel"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := op.Output.Get(ctx, voxflow.AllSlice())
	c.Assert(errors.Is(err, voxflow.ErrCancelled), Equals, true)
	c.Assert(s.src.count(), Equals, int64(0))
}

func (s *CacheSuite) TestSparseNonzeroBlocks(c *C) {
	zeros, err := array5d.AllocateShape(voxflow.ShapeFromMap(map[byte]int64{'x': 20, 'y': 20}), array5d.Uint8, 0)
	c.Assert(err, IsNil)
	zeros.Set(voxflow.Point5D{X: 15, Y: 5}, 3)
	c.Assert(s.src.Input.SetValue(zeros), IsNil)

	cfg := blockConfig("sparse")
	cfg.Sparse = true
	op := s.newCache(c, cfg)
	ctx := context.Background()

	_, err = op.Output.Get(ctx, voxflow.AllSlice())
	c.Assert(err, IsNil)
	v, err := op.NonzeroBlocks.Value(ctx)
	c.Assert(err, IsNil)
	c.Assert(v, DeepEquals, []voxflow.Slice5D{xy(10, 20, 0, 10).DefinedWithin(voxflow.Shape5D{T: 1, C: 1, Z: 1}.ToSlice5D())})
	c.Assert(op.Stats().StoredBytes, Equals, int64(100))

	again, err := op.Output.Get(ctx, xy(0, 10, 0, 10))
	c.Assert(err, IsNil)
	c.Assert(again.IsZero(), Equals, true)
	c.Assert(s.src.count(), Equals, int64(4))
}

func (s *CacheSuite) TestWriteIntoBlocks(c *C) {
	op := s.newCache(c, blockConfig("write"))
	ctx := context.Background()

	var dirty []voxflow.Slice5D
	op.Output.NotifyDirty(func(roi voxflow.Slice5D) { dirty = append(dirty, roi) })

	patch, err := array5d.Allocate(xy(8, 11, 8, 11).DefinedWithin(voxflow.Shape5D{T: 1, C: 1, Z: 1}.ToSlice5D()), array5d.Uint8, 7)
	c.Assert(err, IsNil)
	c.Assert(op.Input.Write(ctx, patch.Interval(), patch), IsNil)
	c.Assert(s.src.count(), Equals, int64(4))
	c.Assert(dirty, DeepEquals, []voxflow.Slice5D{patch.Interval()})

	data, err := op.Output.Get(ctx, voxflow.AllSlice())
	c.Assert(err, IsNil)
	c.Assert(s.src.count(), Equals, int64(0))
	c.Assert(data.At(voxflow.Point5D{X: 9, Y: 10}), Equals, 7.0)
	c.Assert(data.At(voxflow.Point5D{X: 12, Y: 10}), Equals, 22.0)

	err = op.Input.Write(ctx, xy(15, 25, 0, 1), patch)
	c.Assert(errors.Is(err, voxflow.ErrOutOfBounds), Equals, true)
}

func (s *CacheSuite) TestUnload(c *C) {
	op := s.newCache(c, blockConfig("unload"))
	ctx := context.Background()

	_, err := op.Output.Get(ctx, voxflow.AllSlice())
	c.Assert(err, IsNil)
	c.Assert(s.src.count(), Equals, int64(4))

	op.Unload()
	c.Assert(op.Stats().Blocks, Equals, 0)
	_, err = op.Output.Get(ctx, voxflow.AllSlice())
	c.Assert(err, IsNil)
	c.Assert(s.src.count(), Equals, int64(4))
}

func (s *CacheSuite) TestFreecacheStore(c *C) {
	cfg := blockConfig("freecache")
	cfg.Store = "Freecache"
	op := s.newCache(c, cfg)
	ctx := context.Background()

	first, err := op.Output.Get(ctx, voxflow.AllSlice())
	c.Assert(err, IsNil)
	second, err := op.Output.Get(ctx, voxflow.AllSlice())
	c.Assert(err, IsNil)
	c.Assert(s.src.count(), Equals, int64(4))
	c.Assert(second.Equal(first), Equals, true)
	c.Assert(op.Stats().StoredBytes > 0, Equals, true)
}

func (s *CacheSuite) TestSlicedEviction(c *C) {
	cfg := blockConfig("sliced")
	cfg.OuterBlockShape = voxflow.ShapeFromMap(map[byte]int64{'x': 10, 'y': 10})
	cfg.MaxOuterBlocks = 2
	cfg.Workers = 1
	op, err := NewOpSlicedBlockedArrayCache(s.g, nil, cfg)
	c.Assert(err, IsNil)
	c.Assert(op.Input.Connect(s.src.Output), IsNil)
	c.Assert(op.OuterBlockShape(), Equals, voxflow.ShapeFromMap(map[byte]int64{'x': 10, 'y': 10}))
	ctx := context.Background()

	_, err = op.Output.Get(ctx, voxflow.AllSlice())
	c.Assert(err, IsNil)
	c.Assert(s.src.count(), Equals, int64(4))
	c.Assert(op.Stats().Blocks, Equals, 2)

	_, err = op.Output.Get(ctx, xy(10, 20, 10, 20))
	c.Assert(err, IsNil)
	c.Assert(s.src.count(), Equals, int64(0))

	_, err = op.Output.Get(ctx, xy(0, 10, 0, 10))
	c.Assert(err, IsNil)
	c.Assert(s.src.count(), Equals, int64(1))
}

func (s *CacheSuite) TestFrozenSlicedCacheKeepsBlocks(c *C) {
	cfg := blockConfig("sliced-frozen")
	cfg.OuterBlockShape = voxflow.ShapeFromMap(map[byte]int64{'x': 10, 'y': 10})
	cfg.MaxOuterBlocks = 1
	cfg.Workers = 1
	op, err := NewOpSlicedBlockedArrayCache(s.g, nil, cfg)
	c.Assert(err, IsNil)
	c.Assert(op.Input.Connect(s.src.Output), IsNil)
	ctx := context.Background()
	blockA, blockB := xy(0, 10, 0, 10), xy(10, 20, 0, 10)

	before, err := op.Output.Get(ctx, blockA)
	c.Assert(err, IsNil)
	c.Assert(op.FixAtCurrent.SetValue(true), IsNil)
	c.Assert(s.src.Input.SetValue(gradient(c, 20, 20, 100)), IsNil)
	s.src.count()

	_, err = op.Output.Get(ctx, blockB)
	c.Assert(err, IsNil)
	during, err := op.Output.Get(ctx, blockA)
	c.Assert(err, IsNil)
	c.Assert(during.Equal(before), Equals, true)
	c.Assert(s.src.count(), Equals, int64(1))
	c.Assert(op.Stats().Blocks, Equals, 2)

	c.Assert(op.FixAtCurrent.SetValue(false), IsNil)
	c.Assert(op.Stats().Blocks, Equals, 1)
	after, err := op.Output.Get(ctx, blockA)
	c.Assert(err, IsNil)
	c.Assert(after.At(voxflow.Point5D{X: 1, Y: 1}), Equals, 102.0)
}

func (s *CacheSuite) TestFreecacheFrozenPinsBlocks(c *C) {
	store := newBlockStore(Config{Store: FreecacheStore, FreecacheMB: 1}).(*freecacheStore)
	block := xy(0, 10, 0, 10).DefinedWithin(voxflow.Shape5D{T: 1, C: 1, Z: 1}.ToSlice5D())
	data := gradient(c, 10, 10, 0)
	c.Assert(data.Interval(), Equals, block)

	store.setFrozen(true)
	store.put(block, data)
	_, inMemory := store.large.get(block)
	c.Assert(inMemory, Equals, true)

	store.setFrozen(false)
	_, inMemory = store.large.get(block)
	c.Assert(inMemory, Equals, false)
	got, found := store.get(block)
	c.Assert(found, Equals, true)
	c.Assert(got.Equal(data), Equals, true)
	c.Assert(store.numBytes() > 0, Equals, true)
}

func (s *CacheSuite) TestCleanupReleasesBlocks(c *C) {
	op := s.newCache(c, blockConfig("cleanup"))
	_, err := op.Output.Get(context.Background(), voxflow.AllSlice())
	c.Assert(err, IsNil)
	s.g.Cleanup(op)
	c.Assert(op.Stats().Blocks, Equals, 0)
	c.Assert(op.Stats().StoredBytes, Equals, int64(0))
}

func TestCompareBlocks(t *testing.T) {
	a := voxflow.NewSlice5D(voxflow.Point5D{X: 10}, voxflow.Point5D{T: 1, C: 1, X: 20, Y: 10, Z: 1})
	b := voxflow.NewSlice5D(voxflow.Point5D{Y: 10}, voxflow.Point5D{T: 1, C: 1, X: 10, Y: 20, Z: 1})
	if compareBlocks(a, b) >= 0 {
		t.Errorf("expected %s before %s", a, b)
	}
	if compareBlocks(b, a) <= 0 || compareBlocks(a, a) != 0 {
		t.Errorf("bad ordering of %s and %s", a, b)
	}
}
