package cache

import (
	"errors"

	"github.com/coocood/freecache"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/voxflow"
)

// blockStore holds the data of clean blocks.  All calls happen under the cache lock.
type blockStore interface {
	get(block voxflow.Slice5D) (*array5d.Array5D, bool)
	put(block voxflow.Slice5D, data *array5d.Array5D)
	del(block voxflow.Slice5D)
	clear()
	numBytes() int64

	// setFrozen is called when the cache freezes or thaws.  A frozen store must not
	// lose blocks it already holds.
	setFrozen(frozen bool)
}

func newBlockStore(cfg Config) blockStore {
	if cfg.Store == FreecacheStore {
		return &freecacheStore{
			cache:  freecache.NewCache(cfg.FreecacheMB * 1024 * 1024),
			large:  newMemoryStore(),
			sizes:  make(map[voxflow.Slice5D]int),
			pinned: make(map[voxflow.Slice5D]struct{}),
		}
	}
	return newMemoryStore()
}

type memoryStore struct {
	blocks map[voxflow.Slice5D]*array5d.Array5D
	bytes  int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{blocks: make(map[voxflow.Slice5D]*array5d.Array5D)}
}

func (s *memoryStore) get(block voxflow.Slice5D) (*array5d.Array5D, bool) {
	data, found := s.blocks[block]
	return data, found
}

func (s *memoryStore) put(block voxflow.Slice5D, data *array5d.Array5D) {
	s.del(block)
	s.blocks[block] = data
	s.bytes += int64(data.NumBytes())
}

func (s *memoryStore) del(block voxflow.Slice5D) {
	if old, found := s.blocks[block]; found {
		s.bytes -= int64(old.NumBytes())
		delete(s.blocks, block)
	}
}

func (s *memoryStore) clear() {
	s.blocks = make(map[voxflow.Slice5D]*array5d.Array5D)
	s.bytes = 0
}

func (s *memoryStore) numBytes() int64 {
	return s.bytes
}

func (s *memoryStore) setFrozen(bool) {}

// freecacheStore keeps snappy-compressed blocks in a freecache ring.  Blocks too large
// for a freecache entry are kept in memory instead.  While frozen, new blocks also go to
// memory since any Set may overwrite older ring entries.
type freecacheStore struct {
	cache  *freecache.Cache
	large  *memoryStore
	sizes  map[voxflow.Slice5D]int
	frozen bool
	pinned map[voxflow.Slice5D]struct{}
}

func (s *freecacheStore) get(block voxflow.Slice5D) (*array5d.Array5D, bool) {
	if data, found := s.large.get(block); found {
		return data, true
	}
	value, err := s.cache.Get([]byte(block.String()))
	if err != nil {
		if !errors.Is(err, freecache.ErrNotFound) {
			voxflow.Errorf("Reading block %s from freecache: %v\n", block, err)
		}
		delete(s.sizes, block)
		return nil, false
	}
	data, err := array5d.Deserialize(value)
	if err != nil {
		voxflow.Errorf("Decoding block %s from freecache: %v\n", block, err)
		return nil, false
	}
	return data, true
}

func (s *freecacheStore) put(block voxflow.Slice5D, data *array5d.Array5D) {
	s.del(block)
	if s.frozen {
		s.large.put(block, data)
		s.pinned[block] = struct{}{}
		return
	}
	s.set(block, data)
}

func (s *freecacheStore) set(block voxflow.Slice5D, data *array5d.Array5D) {
	value, err := data.Serialize(voxflow.Snappy, voxflow.NoChecksum)
	if err == nil {
		err = s.cache.Set([]byte(block.String()), value, 0)
	}
	if err != nil {
		voxflow.Debugf("Keeping block %s (%s) outside freecache: %v\n", block, voxflow.Bytes(len(value)), err)
		s.large.put(block, data)
		return
	}
	s.sizes[block] = len(value)
}

func (s *freecacheStore) del(block voxflow.Slice5D) {
	s.cache.Del([]byte(block.String()))
	s.large.del(block)
	delete(s.sizes, block)
	delete(s.pinned, block)
}

func (s *freecacheStore) clear() {
	s.cache.Clear()
	s.large.clear()
	s.sizes = make(map[voxflow.Slice5D]int)
	s.pinned = make(map[voxflow.Slice5D]struct{})
}

// setFrozen moves blocks pinned in memory while frozen back into freecache on thaw.
func (s *freecacheStore) setFrozen(frozen bool) {
	s.frozen = frozen
	if frozen {
		return
	}
	for block := range s.pinned {
		if data, found := s.large.get(block); found {
			s.large.del(block)
			s.set(block, data)
		}
	}
	s.pinned = make(map[voxflow.Slice5D]struct{})
}

// numBytes counts compressed sizes of entries not known to be evicted.
func (s *freecacheStore) numBytes() int64 {
	n := s.large.numBytes()
	for _, size := range s.sizes {
		n += int64(size)
	}
	return n
}
