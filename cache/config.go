// Package cache provides block-wise caching operators.  A cache decomposes its output into
// a grid of blocks anchored at the origin, computes each block at most once from its
// input and keeps it until upstream marks it dirty.
package cache

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/janelia-flyem/voxflow/voxflow"
)

const (
	// DefaultFreecacheMB is the byte budget of a freecache block store when none is given.
	DefaultFreecacheMB = 64

	// DefaultMaxOuterBlocks bounds the outer blocks a sliced cache keeps when none is given.
	DefaultMaxOuterBlocks = 64
)

// StoreKind selects where computed blocks are kept.
type StoreKind string

const (
	// MemoryStore keeps blocks as arrays in a map without any budget.
	MemoryStore StoreKind = "memory"

	// FreecacheStore keeps compressed blocks in a freecache ring under a byte budget.
	// Evicted blocks are recomputed on the next read.
	FreecacheStore StoreKind = "freecache"
)

// Config is set once at construction of a cache.
type Config struct {
	// Name labels the cache in metrics and status reports.
	Name string

	// InnerBlockShape is the storage block granularity.  Extents <= 0 cover the whole axis.
	// The shape is clipped to the output shape.
	InnerBlockShape voxflow.Shape5D

	// OuterBlockShape groups inner blocks for eviction in the sliced cache.
	OuterBlockShape voxflow.Shape5D

	// MaxOuterBlocks is the number of outer blocks a sliced cache keeps.
	MaxOuterBlocks int

	// Workers bounds the blocks fetched concurrently for one request.
	Workers int

	// Sparse caches do not store all-zero blocks.
	Sparse bool

	Store       StoreKind
	FreecacheMB int
}

// withDefaults fills unset fields.
func (c Config) withDefaults() (Config, error) {
	if c.Name == "" {
		c.Name = "cache"
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.MaxOuterBlocks <= 0 {
		c.MaxOuterBlocks = DefaultMaxOuterBlocks
	}
	if c.FreecacheMB <= 0 {
		c.FreecacheMB = DefaultFreecacheMB
	}
	c.Store = StoreKind(strings.ToLower(string(c.Store)))
	switch c.Store {
	case "":
		c.Store = MemoryStore
	case MemoryStore, FreecacheStore:
	default:
		return c, fmt.Errorf("unknown cache store %q", c.Store)
	}
	return c, nil
}

// clipBlockShape limits a block shape to the extents of shape.  Extents <= 0 take the
// whole axis.
func clipBlockShape(block, shape voxflow.Shape5D) voxflow.Shape5D {
	b := block.Point().Array()
	s := shape.Point().Array()
	var out [5]int64
	for i := range b {
		switch {
		case b[i] <= 0 || b[i] > s[i]:
			out[i] = s[i]
		default:
			out[i] = b[i]
		}
		if out[i] == 0 {
			out[i] = 1
		}
	}
	return voxflow.Shape5D{T: out[0], C: out[1], X: out[2], Y: out[3], Z: out[4]}
}
