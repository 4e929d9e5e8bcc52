/*
Package rag builds region adjacency graphs over superpixel label volumes and computes
edge and superpixel features from an accompanying value volume.

Edges are unordered pairs of touching superpixels, kept as (SP1, SP2) with SP1 < SP2 and
sorted lexicographically.  An edge's position in that order is its edge label, the
accumulator index used while computing features.
*/
package rag

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/voxflow"
)

// EdgeID is an adjacent superpixel pair with SP1 < SP2.
type EdgeID struct {
	SP1, SP2 uint64
}

func (e EdgeID) String() string {
	return fmt.Sprintf("(%d,%d)", e.SP1, e.SP2)
}

func compareEdges(a, b EdgeID) int {
	switch {
	case a.SP1 < b.SP1:
		return -1
	case a.SP1 > b.SP1:
		return 1
	case a.SP2 < b.SP2:
		return -1
	case a.SP2 > b.SP2:
		return 1
	}
	return 0
}

// axisEdges holds the edge voxels found along one spatial axis.
type axisEdges struct {
	axis   byte
	stride int

	// positions are flat indices of the left voxel of each differing pair.
	positions []int
	// local is the index into unique for each position.
	local []int
	// unique is the sorted set of pairs seen along this axis.
	unique []EdgeID
	// final maps a local edge label to the edge label of the merged table.
	final []int
}

// Rag is a region adjacency graph over a label volume.  It is immutable once built.
type Rag struct {
	labels  *array5d.Array5D
	flat    []uint64
	axes    []*axisEdges
	edgeIDs []EdgeID
	spIDs   []uint64
}

// New builds the adjacency graph of a single channel, single time point integer label
// volume.  Every spatial axis with an extent above 1 contributes edges.
func New(ctx context.Context, labels *array5d.Array5D) (*Rag, error) {
	shape := labels.Shape()
	if shape.T != 1 || shape.C != 1 {
		return nil, fmt.Errorf("label volume of shape %s needs one channel and time point: %w", shape, voxflow.ErrAxisConstraint)
	}
	if !labels.DType().IsInteger() {
		return nil, fmt.Errorf("label volume has non-integer dtype %s: %w", labels.DType(), voxflow.ErrAxisConstraint)
	}
	timedLog := voxflow.NewTimeLog()
	r := &Rag{labels: labels, flat: labels.Uint64s()}

	for _, axis := range []byte(shape.SpatialAxes()) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("building rag: %v: %w", err, voxflow.ErrCancelled)
		}
		r.axes = append(r.axes, r.edgesAlong(axis))
	}
	r.mergeAxes()
	timedLog.Debugf("Built rag with %d edges and %d superpixels over %s", len(r.edgeIDs), len(r.spIDs), shape)
	return r, nil
}

// strides returns the flat index step per spatial axis in x fastest memory order.
func strides(shape voxflow.Shape5D) map[byte]int {
	return map[byte]int{
		'x': 1,
		'y': int(shape.X),
		'z': int(shape.X * shape.Y),
	}
}

// edgesAlong finds every voxel whose label differs from its neighbor along axis.
func (r *Rag) edgesAlong(axis byte) *axisEdges {
	shape := r.labels.Shape()
	ae := &axisEdges{axis: axis, stride: strides(shape)[axis]}
	extent := int(shape.Get(axis))
	var ids []EdgeID
	for i, l1 := range r.flat {
		if (i/ae.stride)%extent == extent-1 {
			continue
		}
		l2 := r.flat[i+ae.stride]
		if l1 == l2 {
			continue
		}
		ae.positions = append(ae.positions, i)
		ids = append(ids, EdgeID{min(l1, l2), max(l1, l2)})
	}
	ae.unique = slices.Clone(ids)
	slices.SortFunc(ae.unique, compareEdges)
	ae.unique = slices.Compact(ae.unique)

	ae.local = make([]int, len(ids))
	for k, id := range ids {
		ae.local[k], _ = slices.BinarySearchFunc(ae.unique, id, compareEdges)
	}
	return ae
}

// mergeAxes joins the per-axis edge sets into the global table and derives superpixels.
func (r *Rag) mergeAxes() {
	var all []EdgeID
	for _, ae := range r.axes {
		all = append(all, ae.unique...)
	}
	slices.SortFunc(all, compareEdges)
	r.edgeIDs = slices.Compact(all)

	for _, ae := range r.axes {
		ae.final = make([]int, len(ae.unique))
		for k, id := range ae.unique {
			ae.final[k], _ = slices.BinarySearchFunc(r.edgeIDs, id, compareEdges)
		}
	}

	sps := make([]uint64, 0, 2*len(r.edgeIDs))
	for _, e := range r.edgeIDs {
		sps = append(sps, e.SP1, e.SP2)
	}
	slices.Sort(sps)
	r.spIDs = slices.Compact(sps)
}

// Labels returns the label volume the graph was built from.
func (r *Rag) Labels() *array5d.Array5D { return r.labels }

// EdgeIDs returns the sorted edge table.  Callers must not modify it.
func (r *Rag) EdgeIDs() []EdgeID { return r.edgeIDs }

// SpIDs returns the sorted superpixel ids that take part in at least one edge.
func (r *Rag) SpIDs() []uint64 { return r.spIDs }

func (r *Rag) NumEdges() int { return len(r.edgeIDs) }

func (r *Rag) NumSp() int { return len(r.spIDs) }

// MaxSp returns the largest superpixel id, or 0 without edges.
func (r *Rag) MaxSp() uint64 {
	if len(r.spIDs) == 0 {
		return 0
	}
	return r.spIDs[len(r.spIDs)-1]
}

// Axes returns the spatial axes edges were searched along.
func (r *Rag) Axes() string {
	b := make([]byte, len(r.axes))
	for i, ae := range r.axes {
		b[i] = ae.axis
	}
	return string(b)
}

// AxialEdges returns the sorted pairs touching along one axis, or nil for axes that
// were not searched.
func (r *Rag) AxialEdges(axis byte) []EdgeID {
	for _, ae := range r.axes {
		if ae.axis == axis {
			return ae.unique
		}
	}
	return nil
}

// EdgeLabel returns the edge label of a pair, or -1 if the pair is not adjacent.
func (r *Rag) EdgeLabel(sp1, sp2 uint64) int {
	id := EdgeID{min(sp1, sp2), max(sp1, sp2)}
	i, found := slices.BinarySearchFunc(r.edgeIDs, id, compareEdges)
	if !found {
		return -1
	}
	return i
}

// spIndex returns the position of a superpixel id in SpIDs, or -1.
func (r *Rag) spIndex(sp uint64) int {
	i := sort.Search(len(r.spIDs), func(i int) bool { return r.spIDs[i] >= sp })
	if i < len(r.spIDs) && r.spIDs[i] == sp {
		return i
	}
	return -1
}
