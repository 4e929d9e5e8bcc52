package cache

import (
	"github.com/golang/groupcache/lru"

	"github.com/janelia-flyem/voxflow/graph"
	"github.com/janelia-flyem/voxflow/voxflow"
)

// OpSlicedBlockedArrayCache is a blocked cache whose inner blocks are grouped into outer
// blocks.  Only the most recently used MaxOuterBlocks outer blocks are kept; evicting an
// outer block drops every inner block it groups.  Nothing is evicted while frozen, and the
// excess is trimmed on unfreeze.
type OpSlicedBlockedArrayCache struct {
	OpBlockedArrayCache

	outerShape voxflow.Shape5D
	recent     *lru.Cache
}

// NewOpSlicedBlockedArrayCache returns a sliced cache operator registered with g.
func NewOpSlicedBlockedArrayCache(g *graph.Graph, parent graph.Operator, cfg Config) (*OpSlicedBlockedArrayCache, error) {
	c := &OpSlicedBlockedArrayCache{}
	if err := c.init(g, c, parent, cfg); err != nil {
		return nil, err
	}
	c.recent = lru.New(c.cfg.MaxOuterBlocks)
	c.recent.OnEvicted = c.evicted
	c.touched = c.touch
	c.dropped = c.recent.Clear
	c.freezeChanged = c.holdEviction
	return c, nil
}

// holdEviction lifts the outer block bound while frozen and trims the least recently used
// outer blocks on unfreeze.  Called with mu held.
func (c *OpSlicedBlockedArrayCache) holdEviction(frozen bool) {
	if frozen {
		c.recent.MaxEntries = 0
		return
	}
	c.recent.MaxEntries = c.cfg.MaxOuterBlocks
	for c.recent.MaxEntries > 0 && c.recent.Len() > c.recent.MaxEntries {
		c.recent.RemoveOldest()
	}
}

func (c *OpSlicedBlockedArrayCache) SetupOutputs() error {
	if err := c.OpBlockedArrayCache.SetupOutputs(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	outer := clipBlockShape(c.cfg.OuterBlockShape, c.meta.Shape)
	// outer blocks must group whole inner blocks
	c.outerShape = voxflow.Shape5D(outer.Point().Max(c.blockShape.Point()))
	return nil
}

// OuterBlockShape returns the outer block shape in effect.
func (c *OpSlicedBlockedArrayCache) OuterBlockShape() voxflow.Shape5D {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outerShape
}

// outerBlock returns the outer block containing the start of an inner block.  Requires mu.
func (c *OpSlicedBlockedArrayCache) outerBlock(block voxflow.Slice5D) voxflow.Slice5D {
	start := block.Start()
	voxel := voxflow.NewSlice5D(start, start.Add(voxflow.Point5D{T: 1, C: 1, X: 1, Y: 1, Z: 1}))
	for outer := range voxel.GetTiles(c.outerShape, c.meta.Bounds()) {
		return outer
	}
	return voxel
}

// touch marks the outer block of block as recently used.  Requires mu.
func (c *OpSlicedBlockedArrayCache) touch(block voxflow.Slice5D) {
	outer := c.outerBlock(block)
	if _, found := c.recent.Get(outer); !found {
		c.recent.Add(outer, struct{}{})
	}
}

// evicted drops the inner blocks of an outer block.  Called with mu held.
func (c *OpSlicedBlockedArrayCache) evicted(key lru.Key, _ interface{}) {
	outer := key.(voxflow.Slice5D)
	var n int
	for block, st := range c.blocks {
		if outer.Contains(block) {
			st.gen++
			c.store.del(block)
			delete(c.blocks, block)
			n++
		}
	}
	voxflow.Debugf("Cache %s evicted outer block %s holding %d blocks\n", c.Name(), outer, n)
}
