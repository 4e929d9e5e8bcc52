package operators

import (
	"context"
	"errors"
	"sync"
	"testing"

	. "github.com/janelia-flyem/go/gocheck"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/cache"
	"github.com/janelia-flyem/voxflow/graph"
	"github.com/janelia-flyem/voxflow/rag"
	"github.com/janelia-flyem/voxflow/voxflow"
)

func Test(t *testing.T) { TestingT(t) }

type OperatorSuite struct {
	g *graph.Graph
}

var _ = Suite(&OperatorSuite{})

func (s *OperatorSuite) SetUpTest(c *C) {
	s.g = graph.NewGraph()
}

func (s *OperatorSuite) TearDownTest(c *C) {
	s.g.Close()
}

func image[T array5d.Number](c *C, nx, ny int, f func(x, y int) T) *array5d.Array5D {
	data := make([]T, nx*ny)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			data[y*nx+x] = f(x, y)
		}
	}
	a, err := array5d.FromSlice(data, voxflow.ShapeFromMap(map[byte]int64{'x': int64(nx), 'y': int64(ny)}))
	c.Assert(err, IsNil)
	return a
}

func region(x0, x1, y0, y1 int64) voxflow.Slice5D {
	return voxflow.NewSlice5D(voxflow.Point5D{X: x0, Y: y0}, voxflow.Point5D{T: 1, C: 1, X: x1, Y: y1, Z: 1})
}

func (s *OperatorSuite) source(c *C, a *array5d.Array5D) *OpArrayPiper {
	op := NewOpArrayPiper(s.g, nil)
	c.Assert(op.Input.SetValue(a), IsNil)
	return op
}

func (s *OperatorSuite) TestArrayPiper(c *C) {
	ctx := context.Background()
	a := image(c, 6, 4, func(x, y int) uint8 { return uint8(10*y + x) })
	src := s.source(c, a)
	c.Assert(src.Output.Meta().Shape, Equals, a.Shape())

	part, err := src.Output.Get(ctx, region(1, 3, 2, 4))
	c.Assert(err, IsNil)
	c.Assert(part.Interval(), Equals, region(1, 3, 2, 4))
	c.Assert(part.At(voxflow.Point5D{X: 2, Y: 3}), Equals, 32.0)

	_, err = src.Output.Get(ctx, region(4, 8, 0, 1))
	c.Assert(errors.Is(err, voxflow.ErrOutOfBounds), Equals, true)

	piper := NewOpArrayPiper(s.g, nil)
	c.Assert(piper.Input.Connect(src.Output), IsNil)
	var dirty []voxflow.Slice5D
	piper.Output.NotifyDirty(func(roi voxflow.Slice5D) { dirty = append(dirty, roi) })
	src.Output.SetDirty(region(0, 2, 0, 2))
	c.Assert(dirty, DeepEquals, []voxflow.Slice5D{region(0, 2, 0, 2)})
}

func (s *OperatorSuite) TestZeros(c *C) {
	ctx := context.Background()
	zeros := NewOpZeros(s.g, nil)
	c.Assert(zeros.Output.Ready(), Equals, false)
	shape := voxflow.Shape5D{T: 1, C: 1, X: 8, Y: 8, Z: 2}
	c.Assert(zeros.Shape.SetValue(shape), IsNil)
	c.Assert(zeros.Output.Meta().DType, Equals, array5d.Uint8)

	c.Assert(zeros.DType.SetValue("uint16"), IsNil)
	c.Assert(zeros.Output.Meta().DType, Equals, array5d.Uint16)
	data, err := zeros.Output.Get(ctx, voxflow.AllSlice())
	c.Assert(err, IsNil)
	c.Assert(data.Shape(), Equals, shape)
	c.Assert(data.IsZero(), Equals, true)

	var dirty []voxflow.Slice5D
	zeros.Output.NotifyDirty(func(roi voxflow.Slice5D) { dirty = append(dirty, roi) })
	c.Assert(zeros.Shape.SetValue(voxflow.Shape5D{T: 1, C: 1, X: 4, Y: 4, Z: 1}), IsNil)
	c.Assert(dirty, Not(HasLen), 0)
	c.Assert(zeros.Output.Meta().Shape.X, Equals, int64(4))

	c.Assert(zeros.DType.SetValue(3.5), IsNil)
	c.Assert(zeros.Output.Ready(), Equals, false)
	c.Assert(errors.Is(zeros.SetupError(), voxflow.ErrIncompatibleSlotType), Equals, true)
}

func (s *OperatorSuite) TestBoxFilter(c *C) {
	ctx := context.Background()
	src := s.source(c, image(c, 5, 5, func(x, y int) float32 {
		if x == 2 && y == 2 {
			return 9
		}
		return 0
	}))
	filter := NewOpBoxFilter(s.g, nil)
	c.Assert(filter.Input.Connect(src.Output), IsNil)
	c.Assert(filter.Radius.SetValue(1), IsNil)
	c.Assert(filter.Output.Meta().DType, Equals, array5d.Float32)

	out, err := filter.Output.Get(ctx, voxflow.AllSlice())
	c.Assert(err, IsNil)
	tests := []struct {
		x, y int64
		v    float64
	}{
		{2, 2, 1}, {1, 1, 1}, {3, 3, 1}, {0, 0, 0}, {4, 4, 0}, {2, 0, 0},
	}
	for _, tc := range tests {
		c.Assert(out.At(voxflow.Point5D{X: tc.x, Y: tc.y}), Equals, tc.v, Commentf("(%d,%d)", tc.x, tc.y))
	}

	// partial requests read the halo around the roi
	part, err := filter.Output.Get(ctx, region(1, 2, 1, 2))
	c.Assert(err, IsNil)
	c.Assert(part.At(voxflow.Point5D{X: 1, Y: 1}), Equals, 1.0)

	var dirty []voxflow.Slice5D
	filter.Output.NotifyDirty(func(roi voxflow.Slice5D) { dirty = append(dirty, roi) })
	src.Output.SetDirty(region(2, 3, 2, 3))
	c.Assert(dirty, HasLen, 1)
	c.Assert(dirty[0].Get('x'), Equals, voxflow.Interval{Start: 1, Stop: 4})
	c.Assert(dirty[0].Get('y'), Equals, voxflow.Interval{Start: 1, Stop: 4})

	c.Assert(filter.Radius.SetValue(-1), IsNil)
	c.Assert(filter.Output.Ready(), Equals, false)
}

func (s *OperatorSuite) TestNormalizeThreshold(c *C) {
	ctx := context.Background()
	src := s.source(c, image(c, 5, 1, func(x, y int) uint8 { return uint8(2 + x) }))
	norm := NewOpNormalize(s.g, nil)
	c.Assert(norm.Input.Connect(src.Output), IsNil)
	out, err := norm.Output.Get(ctx, voxflow.AllSlice())
	c.Assert(err, IsNil)
	c.Assert(out.Float64s(), DeepEquals, []float64{0, 0.25, 0.5, 0.75, 1})

	part, err := norm.Output.Get(ctx, region(3, 5, 0, 1))
	c.Assert(err, IsNil)
	c.Assert(part.Float64s(), DeepEquals, []float64{0.75, 1})

	thresh := NewOpThreshold(s.g, nil)
	c.Assert(thresh.Input.Connect(norm.Output), IsNil)
	c.Assert(thresh.Threshold.SetValue(0.5), IsNil)
	mask, err := thresh.Output.Get(ctx, voxflow.AllSlice())
	c.Assert(err, IsNil)
	c.Assert(mask.DType(), Equals, array5d.Uint8)
	c.Assert(mask.Float64s(), DeepEquals, []float64{0, 0, 0, 1, 1})

	c.Assert(src.Input.SetValue(image(c, 5, 1, func(x, y int) uint8 { return 7 })), IsNil)
	out, err = norm.Output.Get(ctx, voxflow.AllSlice())
	c.Assert(err, IsNil)
	c.Assert(out.IsZero(), Equals, true)
}

func (s *OperatorSuite) splitLabels(c *C, split int) *array5d.Array5D {
	return image(c, 20, 20, func(x, y int) uint32 {
		if x < split {
			return 1
		}
		return 2
	})
}

func (s *OperatorSuite) TestRagFeatures(c *C) {
	ctx := context.Background()
	labels := s.source(c, s.splitLabels(c, 10))
	values := NewOpArrayPiper(s.g, nil)
	c.Assert(values.Input.Connect(labels.Output), IsNil)

	op := NewOpRagFeatures(s.g, nil)
	c.Assert(op.Superpixels.Connect(labels.Output), IsNil)
	c.Assert(op.Values.Connect(values.Output), IsNil)
	c.Assert(op.FeatureNames.SetValue([]string{"sp_count", "edge_mean"}), IsNil)
	c.Assert(op.Features.Ready(), Equals, true)
	c.Assert(op.Features.Meta().Extra[MetaColumns], DeepEquals,
		[]string{"sp1", "sp2", "edge_mean", "sp_count_sum", "sp_count_difference"})

	v, err := op.Features.Value(ctx)
	c.Assert(err, IsNil)
	table, ok := v.(*rag.FeatureTable)
	c.Assert(ok, Equals, true)
	mean, _ := table.Column("edge_mean")
	c.Assert(mean, DeepEquals, []float64{1.5})
	diff, _ := table.Column("sp_count_difference")
	c.Assert(diff, DeepEquals, []float64{0})

	var dirty int
	op.Features.NotifyDirty(func(voxflow.Slice5D) { dirty++ })
	labels.Output.SetDirty(region(0, 1, 0, 1))
	c.Assert(dirty, Equals, 2)

	c.Assert(labels.Input.SetValue(s.splitLabels(c, 5)), IsNil)
	v, err = op.Features.Value(ctx)
	c.Assert(err, IsNil)
	diff, _ = v.(*rag.FeatureTable).Column("sp_count_difference")
	c.Assert(diff[0] > 0, Equals, true)

	c.Assert(op.HistogramRange.SetValue(rag.Range{Min: 0, Max: 64}), IsNil)
	c.Assert(op.FeatureNames.SetValue([]string{"edge_quantiles_50"}), IsNil)
	v, err = op.Features.Value(ctx)
	c.Assert(err, IsNil)
	c.Assert(v.(*rag.FeatureTable).Row(0), DeepEquals, []float64{2})

	c.Assert(op.FeatureNames.SetValue([]string{"edge_centroid"}), IsNil)
	c.Assert(op.Features.Ready(), Equals, false)
	c.Assert(errors.Is(op.SetupError(), voxflow.ErrUnsupportedFeature), Equals, true)
	_, err = op.Features.Value(ctx)
	c.Assert(errors.Is(err, voxflow.ErrNotReady), Equals, true)
}

// gatedPiper reads its input and then holds the first request until released.
type gatedPiper struct {
	OpArrayPiper
	once     sync.Once
	entered  chan struct{}
	released chan struct{}
}

func newGatedPiper(g *graph.Graph) *gatedPiper {
	op := &gatedPiper{entered: make(chan struct{}), released: make(chan struct{})}
	op.Init(g, op, "gatedPiper", nil)
	op.Input = op.NewInput("Input", graph.StypeArray)
	op.Output = op.NewOutput("Output", graph.StypeArray)
	return op
}

func (op *gatedPiper) Execute(ctx context.Context, out *graph.OutputSlot, roi voxflow.Slice5D) (*array5d.Array5D, error) {
	a, err := op.Input.Get(ctx, roi)
	op.once.Do(func() {
		close(op.entered)
		<-op.released
	})
	return a, err
}

func (s *OperatorSuite) TestRagFeaturesDirtyDuringBuild(c *C) {
	ctx := context.Background()
	labels := s.source(c, s.splitLabels(c, 10))
	gate := newGatedPiper(s.g)
	c.Assert(gate.Input.Connect(labels.Output), IsNil)

	op := NewOpRagFeatures(s.g, nil)
	c.Assert(op.Superpixels.Connect(gate.Output), IsNil)
	c.Assert(op.Values.Connect(labels.Output), IsNil)
	c.Assert(op.FeatureNames.SetValue([]string{"sp_count"}), IsNil)

	done := make(chan error)
	go func() {
		_, err := op.Features.Value(ctx)
		done <- err
	}()
	<-gate.entered
	c.Assert(labels.Input.SetValue(s.splitLabels(c, 5)), IsNil)
	close(gate.released)
	c.Assert(<-done, IsNil)

	v, err := op.Features.Value(ctx)
	c.Assert(err, IsNil)
	diff, _ := v.(*rag.FeatureTable).Column("sp_count_difference")
	c.Assert(diff, HasLen, 1)
	c.Assert(diff[0] > 0, Equals, true)
}

func (s *OperatorSuite) TestRagFeaturesShapeMismatch(c *C) {
	op := NewOpRagFeatures(s.g, nil)
	c.Assert(op.Superpixels.Connect(s.source(c, s.splitLabels(c, 10)).Output), IsNil)
	c.Assert(op.Values.Connect(s.source(c, image(c, 4, 4, func(x, y int) float32 { return 0 })).Output), IsNil)
	c.Assert(op.FeatureNames.SetValue([]string{"edge_mean"}), IsNil)
	c.Assert(errors.Is(op.SetupError(), voxflow.ErrShapeMismatch), Equals, true)
}

func (s *OperatorSuite) TestSparseLabelLanes(c *C) {
	ctx := context.Background()
	labels := NewOpSparseLabelArray(s.g, nil, cache.Config{
		Name:            "labels",
		InnerBlockShape: voxflow.Shape5D{T: 1, C: 1, X: 10, Y: 10, Z: 1},
	})
	for i := 0; i < 3; i++ {
		labels.Input.Insert(i)
		zeros := NewOpZeros(s.g, nil)
		c.Assert(zeros.Shape.SetValue(voxflow.Shape5D{T: 1, C: 1, X: 20, Y: 20, Z: 1}), IsNil)
		c.Assert(labels.Input.Sub(i).Connect(zeros.Output), IsNil)
	}
	c.Assert(labels.Output.Len(), Equals, 3)
	c.Assert(labels.NonzeroBlocks.Len(), Equals, 3)

	patch, err := array5d.Allocate(region(12, 14, 3, 5), array5d.Uint8, 2)
	c.Assert(err, IsNil)
	c.Assert(labels.Input.Sub(1).Write(ctx, patch.Interval(), patch), IsNil)

	blocks, err := labels.NonzeroBlocks.Sub(1).Value(ctx)
	c.Assert(err, IsNil)
	c.Assert(blocks, DeepEquals, []voxflow.Slice5D{region(10, 20, 0, 10)})
	blocks, err = labels.NonzeroBlocks.Sub(0).Value(ctx)
	c.Assert(err, IsNil)
	c.Assert(blocks, HasLen, 0)

	data, err := labels.Output.Sub(1).Get(ctx, region(10, 15, 0, 5))
	c.Assert(err, IsNil)
	c.Assert(data.At(voxflow.Point5D{X: 13, Y: 4}), Equals, 2.0)
	c.Assert(data.At(voxflow.Point5D{X: 11, Y: 4}), Equals, 0.0)

	// removing lane 0 shifts the painted lane down
	labels.Input.Remove(0)
	c.Assert(labels.Output.Len(), Equals, 2)
	blocks, err = labels.NonzeroBlocks.Sub(0).Value(ctx)
	c.Assert(err, IsNil)
	c.Assert(blocks, HasLen, 1)

	labels.UnloadSlot(labels.Input.Sub(0))
	data, err = labels.Output.Sub(0).Get(ctx, voxflow.AllSlice())
	c.Assert(err, IsNil)
	c.Assert(data.IsZero(), Equals, true)

	c.Assert(labels.Input.Write(ctx, patch.Interval(), patch), NotNil)
}
