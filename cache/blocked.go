package cache

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/DmitriyVTitov/size"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/graph"
	"github.com/janelia-flyem/voxflow/voxflow"
)

// MetaBlockShape is the key of the NonzeroBlocks meta extra holding the block shape.
const MetaBlockShape = "blockShape"

type blockState struct {
	gen     uint64
	dirty   bool
	present bool
	nonzero bool
}

func (st *blockState) clean() bool {
	return st.present && !st.dirty
}

// Stats is a snapshot of a cache's bookkeeping.
type Stats struct {
	Name          string
	BlockShape    voxflow.Shape5D
	Blocks        int
	CleanBlocks   int
	DirtyBlocks   int
	NonzeroBlocks int
	Hits          int64
	Misses        int64
	Computations  int64
	Failures      int64
	StoredBytes   int64
	StateBytes    int
	Frozen        bool
}

// OpBlockedArrayCache caches its input block-wise.  Requests are answered from clean
// blocks where possible; missing or dirty blocks are pulled from Input, each at most once
// per generation no matter how many requests wait on it.
type OpBlockedArrayCache struct {
	graph.OperatorBase

	Input        *graph.InputSlot
	FixAtCurrent *graph.InputSlot

	Output        *graph.OutputSlot
	NonzeroBlocks *graph.OutputSlot

	cfg     Config
	metrics *cacheMetrics
	flight  singleflight.Group

	mu         sync.Mutex
	blockShape voxflow.Shape5D
	meta       graph.Meta
	blocks     map[voxflow.Slice5D]*blockState
	store      blockStore
	frozen     bool
	pending    []voxflow.Slice5D
	stats      Stats

	// touched is called with mu held whenever a block is served or stored.
	touched func(block voxflow.Slice5D)
	// dropped is called with mu held after all blocks were dropped.
	dropped func()
	// freezeChanged is called with mu held after FixAtCurrent flips.
	freezeChanged func(frozen bool)
}

// NewOpBlockedArrayCache returns a cache operator registered with g.
func NewOpBlockedArrayCache(g *graph.Graph, parent graph.Operator, cfg Config) (*OpBlockedArrayCache, error) {
	c := &OpBlockedArrayCache{}
	if err := c.init(g, c, parent, cfg); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *OpBlockedArrayCache) init(g *graph.Graph, self graph.Operator, parent graph.Operator, cfg Config) error {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.metrics = newCacheMetrics(cfg.Name)
	c.blocks = make(map[voxflow.Slice5D]*blockState)
	c.store = newBlockStore(cfg)

	c.Init(g, self, cfg.Name, parent)
	c.Input = c.NewInput("Input", graph.StypeArray)
	c.FixAtCurrent = c.NewInput("FixAtCurrent", graph.StypeValue, graph.Optional())
	c.Output = c.NewOutput("Output", graph.StypeArray)
	c.NonzeroBlocks = c.NewOutput("NonzeroBlocks", graph.StypeOpaque)
	return nil
}

// Config returns the configuration with defaults filled in.
func (c *OpBlockedArrayCache) Config() Config {
	return c.cfg
}

// BlockShape returns the block shape in effect after clipping to the output shape.
func (c *OpBlockedArrayCache) BlockShape() voxflow.Shape5D {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockShape
}

func (c *OpBlockedArrayCache) SetupOutputs() error {
	meta := c.Input.Meta()
	blockShape := clipBlockShape(c.cfg.InnerBlockShape, meta.Shape)

	c.mu.Lock()
	if blockShape != c.blockShape || meta.Shape != c.meta.Shape || meta.DType != c.meta.DType {
		c.dropAll()
	}
	c.blockShape = blockShape
	c.meta = meta
	c.mu.Unlock()

	c.Output.SetMeta(meta)
	c.NonzeroBlocks.SetMeta(graph.Meta{Shape: meta.Shape, DType: meta.DType, Axes: meta.Axes}.WithExtra(MetaBlockShape, blockShape))
	c.syncFreeze()
	return nil
}

func (c *OpBlockedArrayCache) PropagateDirty(in *graph.InputSlot, roi voxflow.Slice5D) {
	switch in {
	case c.FixAtCurrent:
		c.syncFreeze()
	case c.Input:
		c.mu.Lock()
		if c.frozen {
			c.pending = append(c.pending, roi)
			c.mu.Unlock()
			return
		}
		c.markDirty(roi)
		c.mu.Unlock()
		c.forwardDirty(roi)
	}
}

func (c *OpBlockedArrayCache) forwardDirty(roi voxflow.Slice5D) {
	c.Output.SetDirty(roi)
	c.NonzeroBlocks.SetDirty(voxflow.AllSlice())
}

// markDirty bumps the generation of every known block intersecting roi.  Stale data stays
// in the store until the block is recomputed or overwritten.  Requires mu.
func (c *OpBlockedArrayCache) markDirty(roi voxflow.Slice5D) {
	var n int
	for block, st := range c.blocks {
		if !block.Intersects(roi) {
			continue
		}
		st.gen++
		st.dirty = true
		n++
	}
	c.metrics.dirtied.Add(float64(n))
}

// dropAll forgets every block.  Requires mu.
func (c *OpBlockedArrayCache) dropAll() {
	for _, st := range c.blocks {
		st.gen++
	}
	c.blocks = make(map[voxflow.Slice5D]*blockState)
	c.store.clear()
	if c.dropped != nil {
		c.dropped()
	}
}

// syncFreeze follows the FixAtCurrent flag.  On unfreeze the dirty regions recorded while
// frozen are applied and forwarded in the order they arrived.
func (c *OpBlockedArrayCache) syncFreeze() {
	fixed := false
	if c.FixAtCurrent.Ready() {
		if v, err := c.FixAtCurrent.Value(context.Background()); err == nil {
			fixed, _ = v.(bool)
		}
	}
	c.mu.Lock()
	if fixed == c.frozen {
		c.mu.Unlock()
		return
	}
	c.frozen = fixed
	c.store.setFrozen(fixed)
	var pending []voxflow.Slice5D
	if !fixed {
		pending, c.pending = c.pending, nil
		for _, roi := range pending {
			c.markDirty(roi)
		}
	}
	if c.freezeChanged != nil {
		c.freezeChanged(fixed)
	}
	c.mu.Unlock()

	voxflow.Debugf("Cache %s frozen: %t, applying %d recorded dirty regions\n", c.Name(), fixed, len(pending))
	for _, roi := range pending {
		c.forwardDirty(roi)
	}
}

// Frozen is true while FixAtCurrent is set.
func (c *OpBlockedArrayCache) Frozen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frozen
}

func (c *OpBlockedArrayCache) Execute(ctx context.Context, out *graph.OutputSlot, roi voxflow.Slice5D) (*array5d.Array5D, error) {
	if out != c.Output {
		return nil, fmt.Errorf("cache %s has no array data on %s", c.Name(), out)
	}
	c.mu.Lock()
	blockShape, meta := c.blockShape, c.meta
	c.mu.Unlock()

	result, err := array5d.Allocate(roi, meta.DType, 0)
	if err != nil {
		return nil, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for block := range roi.GetTiles(blockShape, meta.Bounds()) {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return fmt.Errorf("fetching block %s of %s: %v: %w", block, c.Name(), err, voxflow.ErrCancelled)
			}
			data, err := c.fetchBlock(gctx, block)
			if err != nil {
				return err
			}
			// blocks are disjoint so concurrent pastes touch disjoint bytes
			return result.SetFrom(data)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// state returns the bookkeeping of a block, creating it if needed.  Requires mu.
func (c *OpBlockedArrayCache) state(block voxflow.Slice5D) *blockState {
	st, found := c.blocks[block]
	if !found {
		st = &blockState{}
		c.blocks[block] = st
	}
	return st
}

// cached returns the data of a clean block.  Requires mu.
func (c *OpBlockedArrayCache) cached(block voxflow.Slice5D, st *blockState) (*array5d.Array5D, bool) {
	if !st.clean() {
		return nil, false
	}
	if !st.nonzero && c.cfg.Sparse {
		data, err := array5d.Allocate(block, c.meta.DType, 0)
		return data, err == nil
	}
	data, found := c.store.get(block)
	if !found {
		voxflow.Debugf("Block %s of cache %s was evicted\n", block, c.Name())
		st.present = false
		return nil, false
	}
	return data, true
}

// fetchBlock returns the data of a block, computing it if it is not clean.  Concurrent
// fetches of the same block generation share one computation.
func (c *OpBlockedArrayCache) fetchBlock(ctx context.Context, block voxflow.Slice5D) (*array5d.Array5D, error) {
	c.mu.Lock()
	st := c.state(block)
	if data, ok := c.cached(block, st); ok {
		c.stats.Hits++
		if c.touched != nil {
			c.touched(block)
		}
		c.mu.Unlock()
		c.metrics.hits.Inc()
		return data, nil
	}
	gen := st.gen
	c.stats.Misses++
	c.mu.Unlock()
	c.metrics.misses.Inc()

	v, err, _ := c.flight.Do(fmt.Sprintf("%s@%d", block, gen), func() (interface{}, error) {
		return c.computeBlock(ctx, block, gen)
	})
	if err != nil {
		return nil, err
	}
	return v.(*array5d.Array5D), nil
}

// computeBlock pulls a block from Input.  The computation is not cancelled with the
// request that started it since other requests may wait on the same block.
func (c *OpBlockedArrayCache) computeBlock(ctx context.Context, block voxflow.Slice5D, gen uint64) (*array5d.Array5D, error) {
	timedLog := voxflow.NewTimeLog()
	c.metrics.computations.Inc()
	data, err := c.Input.Get(context.WithoutCancel(ctx), block)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Computations++
	if err != nil {
		c.stats.Failures++
		c.metrics.failures.Inc()
		return nil, fmt.Errorf("computing block %s of cache %s: %w", block, c.Name(), err)
	}
	st, found := c.blocks[block]
	if found && st.gen == gen {
		c.storeBlock(block, st, data)
	}
	timedLog.Debugf("Computed block %s of cache %s", block, c.Name())
	return data, nil
}

// storeBlock keeps data as the clean content of a block.  Requires mu.
func (c *OpBlockedArrayCache) storeBlock(block voxflow.Slice5D, st *blockState, data *array5d.Array5D) {
	st.present = true
	st.dirty = false
	st.nonzero = !data.IsZero()
	if c.cfg.Sparse && !st.nonzero {
		c.store.del(block)
	} else {
		c.store.put(block, data)
	}
	c.metrics.stored.Set(float64(c.store.numBytes()))
	if c.touched != nil {
		c.touched(block)
	}
}

// SetInSlot writes data into the blocks covered by roi.  Blocks only partly covered are
// computed first.  The written region is forwarded as dirty.
func (c *OpBlockedArrayCache) SetInSlot(ctx context.Context, in *graph.InputSlot, roi voxflow.Slice5D, data *array5d.Array5D) error {
	if in != c.Input {
		return fmt.Errorf("cache %s does not accept writes to %s", c.Name(), in)
	}
	c.mu.Lock()
	frozen, blockShape, meta := c.frozen, c.blockShape, c.meta
	c.mu.Unlock()
	if frozen {
		return fmt.Errorf("writing %s into cache %s: %w", roi, c.Name(), voxflow.ErrFrozen)
	}
	if !c.Output.Ready() {
		return fmt.Errorf("writing %s into cache %s: %w", roi, c.Name(), voxflow.ErrNotReady)
	}
	bounds := meta.Bounds()
	roi = roi.DefinedWithin(bounds)
	if !bounds.Contains(roi) || !data.Interval().Contains(roi) {
		return fmt.Errorf("writing %s of %s into cache %s with bounds %s: %w",
			roi, data.Interval(), c.Name(), bounds, voxflow.ErrOutOfBounds)
	}
	src, err := data.Cut(roi)
	if err != nil {
		return err
	}
	for block := range roi.GetTiles(blockShape, bounds) {
		var base *array5d.Array5D
		if roi.Contains(block) {
			if base, err = array5d.Allocate(block, meta.DType, 0); err != nil {
				return err
			}
		} else {
			existing, err := c.fetchBlock(ctx, block)
			if err != nil {
				return err
			}
			base = existing.Copy()
		}
		if err := base.SetFrom(src); err != nil {
			return err
		}
		c.mu.Lock()
		st := c.state(block)
		st.gen++
		c.storeBlock(block, st, base)
		c.mu.Unlock()
	}
	c.forwardDirty(roi)
	return nil
}

func (c *OpBlockedArrayCache) ExecuteValue(ctx context.Context, out *graph.OutputSlot) (interface{}, error) {
	switch out {
	case c.NonzeroBlocks:
		return c.Nonzero(), nil
	case c.Output:
		return c.Output.Get(ctx, voxflow.AllSlice())
	}
	return nil, fmt.Errorf("cache %s has no value on %s", c.Name(), out)
}

// Nonzero returns the clean blocks holding any nonzero voxel in raster order.
func (c *OpBlockedArrayCache) Nonzero() []voxflow.Slice5D {
	c.mu.Lock()
	var blocks []voxflow.Slice5D
	for block, st := range c.blocks {
		if st.clean() && st.nonzero {
			blocks = append(blocks, block)
		}
	}
	c.mu.Unlock()
	slices.SortFunc(blocks, compareBlocks)
	return blocks
}

// compareBlocks orders blocks by start with t outermost and x innermost.
func compareBlocks(a, b voxflow.Slice5D) int {
	pa, pb := a.Start(), b.Start()
	for _, axis := range []byte("tczyx") {
		va, vb := pa.Get(axis), pb.Get(axis)
		if va < vb {
			return -1
		}
		if va > vb {
			return 1
		}
	}
	return 0
}

// Unload drops every block and marks the whole output dirty.
func (c *OpBlockedArrayCache) Unload() {
	c.mu.Lock()
	c.dropAll()
	c.mu.Unlock()
	c.forwardDirty(voxflow.AllSlice())
}

func (c *OpBlockedArrayCache) UnloadSlot(in *graph.InputSlot) {
	if in == c.Input {
		c.Unload()
	}
}

func (c *OpBlockedArrayCache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropAll()
	c.pending = nil
	c.metrics.stored.Set(0)
}

// Stats returns a snapshot of the cache's counters and memory use.
func (c *OpBlockedArrayCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Name = c.cfg.Name
	s.BlockShape = c.blockShape
	s.Frozen = c.frozen
	s.Blocks = len(c.blocks)
	for _, st := range c.blocks {
		switch {
		case st.dirty:
			s.DirtyBlocks++
		case st.clean():
			s.CleanBlocks++
			if st.nonzero {
				s.NonzeroBlocks++
			}
		}
	}
	s.StoredBytes = c.store.numBytes()
	s.StateBytes = size.Of(c.blocks)
	return s
}
