/*
Package blockslot persists sparse array slots block by block.  Only the blocks a cache
reports as nonzero are written, so empty regions cost nothing and come back as zeros.

A slot named "labels" with two lanes is laid out as

	labels/0/block0000   blockSlice="[0:1,0:1,0:10,0:10,0:1]"
	labels/0/block0001   blockSlice="[0:1,0:1,10:20,0:10,0:1]"
	labels/1/block0000   ...

where each dataset holds one serialized Array5D and its blockSlice attribute is the
global region of the block.
*/
package blockslot

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/graph"
	"github.com/janelia-flyem/voxflow/storage"
	"github.com/janelia-flyem/voxflow/voxflow"
)

// BlockSliceAttr is the dataset attribute holding the block region.
const BlockSliceAttr = "blockSlice"

// SerialBlockSlot ties the level 1 slots of a sparse array operator to a group in a store.
type SerialBlockSlot struct {
	// Name is the group holding all lanes.
	Name string

	// Subname is a fmt format taking the lane index, "%d" if empty.
	Subname string

	// Outputs provides the data of each lane.
	Outputs *graph.OutputSlot

	// Inputs receives loaded blocks through Write.
	Inputs *graph.InputSlot

	// Blocks gives each lane's nonzero block regions as []voxflow.Slice5D.
	Blocks *graph.OutputSlot

	// Compression of stored blocks.  Blocks are always checksummed.
	Compression voxflow.Compression

	// NewLane, if set, is called for each lane Deserialize adds to an unconnected Inputs,
	// e.g., to connect it to a default source.
	NewLane func(lane *graph.InputSlot) error
}

func (s *SerialBlockSlot) subname(lane int) string {
	format := s.Subname
	if format == "" {
		format = "%d"
	}
	return fmt.Sprintf(format, lane)
}

func (s *SerialBlockSlot) laneIndex(name string) (int, error) {
	format := s.Subname
	if format == "" {
		format = "%d"
	}
	var i int
	if _, err := fmt.Sscanf(name, format, &i); err != nil || s.subname(i) != name {
		return 0, fmt.Errorf("group %s/%s does not name a lane of format %q", s.Name, name, format)
	}
	return i, nil
}

func blockName(k int) string {
	return fmt.Sprintf("block%04d", k)
}

// blockIndex parses the number of a block dataset name.
func blockIndex(name string) (int, bool) {
	digits, found := strings.CutPrefix(name, "block")
	if !found {
		return 0, false
	}
	k, err := strconv.Atoi(digits)
	return k, err == nil && k >= 0
}

// blockOrder returns the block dataset names in numeric order.  Names past block9999
// are wider, so lexical order is not enough.
func blockOrder(names []string) []string {
	type numbered struct {
		k    int
		name string
	}
	var blocks []numbered
	for _, name := range names {
		if k, ok := blockIndex(name); ok {
			blocks = append(blocks, numbered{k, name})
		}
	}
	slices.SortFunc(blocks, func(a, b numbered) int { return a.k - b.k })
	ordered := make([]string, len(blocks))
	for i, b := range blocks {
		ordered[i] = b.name
	}
	return ordered
}

// Serialize replaces the slot's group in store with the nonzero blocks of every lane.
func (s *SerialBlockSlot) Serialize(ctx context.Context, store storage.Store) error {
	timedLog := voxflow.NewTimeLog()
	if err := store.DeleteGroup(ctx, s.Name); err != nil {
		return fmt.Errorf("clearing %s: %v", s.Name, err)
	}
	var numBlocks, numBytes int
	for i := 0; i < s.Outputs.Len(); i++ {
		v, err := s.Blocks.Sub(i).Value(ctx)
		if err != nil {
			return fmt.Errorf("nonzero blocks of lane %d of %s: %w", i, s.Name, err)
		}
		blocks, ok := v.([]voxflow.Slice5D)
		if !ok {
			return fmt.Errorf("lane %d of %s gave %T for its blocks", i, s.Blocks, v)
		}
		group := storage.JoinPath(s.Name, s.subname(i))
		for k, block := range blocks {
			data, err := s.Outputs.Sub(i).Get(ctx, block)
			if err != nil {
				return fmt.Errorf("block %s of lane %d of %s: %w", block, i, s.Name, err)
			}
			b, err := data.Serialize(s.Compression, voxflow.CRC32)
			if err != nil {
				return err
			}
			attrs := storage.Attrs{BlockSliceAttr: block.String()}
			if err := store.PutDataset(ctx, storage.JoinPath(group, blockName(k)), b, attrs); err != nil {
				return fmt.Errorf("storing block %s of lane %d of %s: %v", block, i, s.Name, err)
			}
			numBlocks++
			numBytes += len(b)
		}
	}
	timedLog.Infof("Stored %d blocks (%s) of %d lanes into %s/%s", numBlocks, voxflow.Bytes(numBytes), s.Outputs.Len(), store, s.Name)
	return nil
}

// Deserialize writes every stored block into the matching lane of Inputs, adding lanes
// as needed.  On error, every lane written so far is unloaded.
func (s *SerialBlockSlot) Deserialize(ctx context.Context, store storage.Store) (err error) {
	timedLog := voxflow.NewTimeLog()
	lanes, err := s.storedLanes(ctx, store)
	if err != nil {
		return err
	}
	numLanes := 0
	for _, l := range lanes {
		numLanes = max(numLanes, l.index+1)
	}
	if err := s.ensureLanes(numLanes); err != nil {
		return err
	}

	var touched []*graph.InputSlot
	defer func() {
		if err != nil {
			s.unload(touched)
		}
	}()
	var numBlocks int
	for _, l := range lanes {
		lane := s.Inputs.Sub(l.index)
		touched = append(touched, lane)
		n, err := s.loadLane(ctx, store, l.name, lane)
		if err != nil {
			return err
		}
		numBlocks += n
	}
	timedLog.Infof("Loaded %d blocks of %d lanes from %s/%s", numBlocks, len(lanes), store, s.Name)
	return nil
}

type storedLane struct {
	index int
	name  string
}

func (s *SerialBlockSlot) storedLanes(ctx context.Context, store storage.Store) ([]storedLane, error) {
	names, err := store.ListGroup(ctx, s.Name)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %v", s.Name, err)
	}
	lanes := make([]storedLane, 0, len(names))
	for _, name := range names {
		i, err := s.laneIndex(name)
		if err != nil {
			return nil, err
		}
		lanes = append(lanes, storedLane{i, name})
	}
	slices.SortFunc(lanes, func(a, b storedLane) int { return a.index - b.index })
	return lanes, nil
}

// ensureLanes grows Inputs to n lanes.  Inputs whose lanes mirror a level 1 source cannot
// be resized and must already have enough lanes.
func (s *SerialBlockSlot) ensureLanes(n int) error {
	if s.Inputs.Partner() != nil {
		if s.Inputs.Len() < n {
			return fmt.Errorf("%s has %d lanes but %d are stored: %w", s.Inputs, s.Inputs.Len(), n, voxflow.ErrShapeMismatch)
		}
		return nil
	}
	for i := s.Inputs.Len(); i < n; i++ {
		s.Inputs.Insert(i)
		if s.NewLane != nil {
			if err := s.NewLane(s.Inputs.Sub(i)); err != nil {
				return fmt.Errorf("setting up lane %d of %s: %v", i, s.Inputs, err)
			}
		}
	}
	return nil
}

func (s *SerialBlockSlot) loadLane(ctx context.Context, store storage.Store, name string, lane *graph.InputSlot) (int, error) {
	group := storage.JoinPath(s.Name, name)
	names, err := store.ListGroup(ctx, group)
	if err != nil {
		return 0, fmt.Errorf("listing %s: %v", group, err)
	}
	blocks := blockOrder(names)
	for _, block := range blocks {
		path := storage.JoinPath(group, block)
		b, attrs, err := store.GetDataset(ctx, path)
		if err != nil {
			return 0, err
		}
		str, found := attrs.Get(BlockSliceAttr)
		if !found {
			return 0, fmt.Errorf("dataset %s has no %s attribute", path, BlockSliceAttr)
		}
		roi, err := voxflow.ParseSlice5D(str)
		if err != nil {
			return 0, fmt.Errorf("dataset %s: %v", path, err)
		}
		data, err := array5d.Deserialize(b)
		if err != nil {
			return 0, fmt.Errorf("decoding %s: %v", path, err)
		}
		if data.Shape() != roi.Shape() {
			return 0, fmt.Errorf("dataset %s holds %s for block %s: %w", path, data.Shape(), roi, voxflow.ErrShapeMismatch)
		}
		if err := lane.Write(ctx, roi, data.Relocated(roi.Start())); err != nil {
			return 0, fmt.Errorf("writing %s into %s: %w", path, lane, err)
		}
	}
	return len(blocks), nil
}

func (s *SerialBlockSlot) unload(lanes []*graph.InputSlot) {
	u, ok := s.Inputs.Owner().Base().Self().(graph.Unloader)
	if !ok {
		voxflow.Errorf("Unable to unload %d lanes of %s after failed load\n", len(lanes), s.Inputs)
		return
	}
	for _, lane := range lanes {
		u.UnloadSlot(lane)
	}
}
