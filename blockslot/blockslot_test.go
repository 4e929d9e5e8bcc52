package blockslot

import (
	"context"
	"math/rand/v2"
	"testing"

	. "github.com/janelia-flyem/go/gocheck"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/cache"
	"github.com/janelia-flyem/voxflow/graph"
	"github.com/janelia-flyem/voxflow/operators"
	"github.com/janelia-flyem/voxflow/storage"
	_ "github.com/janelia-flyem/voxflow/storage/badger"
	"github.com/janelia-flyem/voxflow/voxflow"
)

func Test(t *testing.T) { TestingT(t) }

type BlockSlotSuite struct {
	store storage.Store
}

var _ = Suite(&BlockSlotSuite{})

var (
	volumeShape = voxflow.Shape5D{T: 1, C: 1, X: 20, Y: 20, Z: 1}
	labelBlocks = voxflow.Shape5D{T: 1, C: 1, X: 10, Y: 10, Z: 1}
)

func (s *BlockSlotSuite) SetUpTest(c *C) {
	var err error
	s.store, err = storage.NewStore(storage.Config{
		Engine:   "badger",
		Settings: map[string]interface{}{"in_memory": true},
	})
	c.Assert(err, IsNil)
}

func (s *BlockSlotSuite) TearDownTest(c *C) {
	c.Assert(s.store.Close(), IsNil)
}

// labelGraph is a label array whose lanes default to zeros.
type labelGraph struct {
	g      *graph.Graph
	labels *operators.OpSparseLabelArray
	slot   *SerialBlockSlot
}

func newLabelGraph(c *C, lanes int) *labelGraph {
	g := graph.NewGraph()
	labels := operators.NewOpSparseLabelArray(g, nil, cache.Config{Name: "labels", InnerBlockShape: labelBlocks})
	lg := &labelGraph{g: g, labels: labels}
	lg.slot = &SerialBlockSlot{
		Name:        "labels",
		Outputs:     labels.Output,
		Inputs:      labels.Input,
		Blocks:      labels.NonzeroBlocks,
		Compression: voxflow.Snappy,
		NewLane:     lg.connectZeros,
	}
	for i := 0; i < lanes; i++ {
		labels.Input.Insert(i)
		c.Assert(lg.connectZeros(labels.Input.Sub(i)), IsNil)
	}
	return lg
}

func (lg *labelGraph) connectZeros(lane *graph.InputSlot) error {
	zeros := operators.NewOpZeros(lg.g, nil)
	if err := zeros.Shape.SetValue(volumeShape); err != nil {
		return err
	}
	return lane.Connect(zeros.Output)
}

func (lg *labelGraph) paint(c *C, lane int, roi voxflow.Slice5D, value float64) {
	patch, err := array5d.Allocate(roi, array5d.Uint8, value)
	c.Assert(err, IsNil)
	c.Assert(lg.labels.Input.Sub(lane).Write(context.Background(), roi, patch), IsNil)
}

func (lg *labelGraph) lane(c *C, i int) *array5d.Array5D {
	data, err := lg.labels.Output.Sub(i).Get(context.Background(), voxflow.AllSlice())
	c.Assert(err, IsNil)
	return data
}

func region(x0, x1, y0, y1 int64) voxflow.Slice5D {
	return voxflow.NewSlice5D(voxflow.Point5D{X: x0, Y: y0}, voxflow.Point5D{T: 1, C: 1, X: x1, Y: y1, Z: 1})
}

func (s *BlockSlotSuite) TestRoundTrip(c *C) {
	ctx := context.Background()
	src := newLabelGraph(c, 2)
	defer src.g.Close()
	src.paint(c, 0, region(2, 5, 2, 5), 1)
	src.paint(c, 1, region(12, 15, 15, 18), 2)
	src.paint(c, 1, region(8, 12, 0, 1), 3)

	c.Assert(src.slot.Serialize(ctx, s.store), IsNil)

	lanes, err := s.store.ListGroup(ctx, "labels")
	c.Assert(err, IsNil)
	c.Assert(lanes, DeepEquals, []string{"0", "1"})
	blocks, err := s.store.ListGroup(ctx, "labels/1")
	c.Assert(err, IsNil)
	c.Assert(blocks, DeepEquals, []string{"block0000", "block0001", "block0002"})
	_, attrs, err := s.store.GetDataset(ctx, "labels/0/block0000")
	c.Assert(err, IsNil)
	c.Assert(attrs[BlockSliceAttr], Equals, "[0:1,0:1,0:10,0:10,0:1]")

	dst := newLabelGraph(c, 0)
	defer dst.g.Close()
	c.Assert(dst.slot.Deserialize(ctx, s.store), IsNil)
	c.Assert(dst.labels.Input.Len(), Equals, 2)
	for i := 0; i < 2; i++ {
		c.Assert(dst.lane(c, i).Equal(src.lane(c, i)), Equals, true, Commentf("lane %d", i))
	}
	v, err := dst.labels.NonzeroBlocks.Sub(0).Value(ctx)
	c.Assert(err, IsNil)
	c.Assert(v, DeepEquals, []voxflow.Slice5D{region(0, 10, 0, 10)})
}

func (s *BlockSlotSuite) TestRandomSparseRoundTrip(c *C) {
	ctx := context.Background()
	for _, seed := range []uint64{1, 7, 42} {
		rng := rand.New(rand.NewPCG(seed, seed))
		expected, err := array5d.Allocate(volumeShape.ToSlice5D(), array5d.Uint8, 0)
		c.Assert(err, IsNil)
		nonzero := make(map[voxflow.Slice5D]bool)
		for y := int64(0); y < volumeShape.Y; y++ {
			for x := int64(0); x < volumeShape.X; x++ {
				if rng.IntN(30) != 0 {
					continue
				}
				expected.Set(voxflow.Point5D{X: x, Y: y}, float64(1+rng.IntN(250)))
				nonzero[region(x/10*10, x/10*10+10, y/10*10, y/10*10+10)] = true
			}
		}

		src := newLabelGraph(c, 1)
		c.Assert(src.labels.Input.Sub(0).Write(ctx, expected.Interval(), expected), IsNil)
		c.Assert(src.slot.Serialize(ctx, s.store), IsNil)
		blocks, err := s.store.ListGroup(ctx, "labels/0")
		c.Assert(err, IsNil)
		c.Assert(blocks, HasLen, len(nonzero), Commentf("seed %d", seed))

		dst := newLabelGraph(c, 1)
		c.Assert(dst.slot.Deserialize(ctx, s.store), IsNil)
		got := dst.lane(c, 0)
		for y := int64(0); y < volumeShape.Y; y++ {
			for x := int64(0); x < volumeShape.X; x++ {
				p := voxflow.Point5D{X: x, Y: y}
				c.Assert(got.At(p), Equals, expected.At(p), Commentf("seed %d voxel %s", seed, p))
			}
		}
		src.g.Close()
		dst.g.Close()
	}
}

func TestBlockOrder(t *testing.T) {
	names := []string{"block10000", "block2000", "attrs", "block0001", "block9999", "blockx"}
	expected := []string{"block0001", "block2000", "block9999", "block10000"}
	got := blockOrder(names)
	if len(got) != len(expected) {
		t.Fatalf("expected %v, got %v\n", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("position %d: expected %s, got %s\n", i, expected[i], got[i])
		}
	}
	if k, ok := blockIndex(blockName(12345)); !ok || k != 12345 {
		t.Errorf("bad index %d for %s\n", k, blockName(12345))
	}
}

func (s *BlockSlotSuite) TestSerializeReplacesGroup(c *C) {
	ctx := context.Background()
	src := newLabelGraph(c, 1)
	defer src.g.Close()
	src.paint(c, 0, region(0, 20, 0, 20), 4)
	c.Assert(src.slot.Serialize(ctx, s.store), IsNil)

	src.labels.Input.Remove(0)
	c.Assert(src.slot.Serialize(ctx, s.store), IsNil)
	lanes, err := s.store.ListGroup(ctx, "labels")
	c.Assert(err, IsNil)
	c.Assert(lanes, HasLen, 0)
}

func (s *BlockSlotSuite) TestEmptyLanesStoreNothing(c *C) {
	ctx := context.Background()
	src := newLabelGraph(c, 1)
	defer src.g.Close()
	c.Assert(src.slot.Serialize(ctx, s.store), IsNil)
	blocks, err := s.store.ListGroup(ctx, "labels/0")
	c.Assert(err, IsNil)
	c.Assert(blocks, HasLen, 0)
}

func (s *BlockSlotSuite) TestSubname(c *C) {
	slot := &SerialBlockSlot{Name: "labels", Subname: "lane%03d"}
	c.Assert(slot.subname(7), Equals, "lane007")
	i, err := slot.laneIndex("lane012")
	c.Assert(err, IsNil)
	c.Assert(i, Equals, 12)
	_, err = slot.laneIndex("other")
	c.Assert(err, NotNil)
}

func (s *BlockSlotSuite) TestFailedLoadUnloadsLanes(c *C) {
	ctx := context.Background()
	src := newLabelGraph(c, 2)
	defer src.g.Close()
	src.paint(c, 0, region(2, 5, 2, 5), 1)
	src.paint(c, 1, region(2, 5, 2, 5), 1)
	c.Assert(src.slot.Serialize(ctx, s.store), IsNil)

	b, _, err := s.store.GetDataset(ctx, "labels/1/block0000")
	c.Assert(err, IsNil)
	c.Assert(s.store.PutDataset(ctx, "labels/1/block0000", b, storage.Attrs{BlockSliceAttr: "[0:1,0:1,0:10"}), IsNil)

	dst := newLabelGraph(c, 0)
	defer dst.g.Close()
	c.Assert(dst.slot.Deserialize(ctx, s.store), NotNil)
	for i := 0; i < dst.labels.Input.Len(); i++ {
		c.Assert(dst.lane(c, i).IsZero(), Equals, true, Commentf("lane %d", i))
	}
}
