package rag

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/voxflow"
)

// NaiveSegmentationFromEdgeDecisions merges superpixels joined by edges decided false
// and relabels each group with 1..n, numbered in order of the smallest superpixel of each
// group.  Label 0 is background and stays 0.  The result has the label volume's shape,
// location and dtype.
func (r *Rag) NaiveSegmentationFromEdgeDecisions(decisions []bool) (*array5d.Array5D, error) {
	if len(decisions) != len(r.edgeIDs) {
		return nil, fmt.Errorf("%d decisions for %d edges: %w", len(decisions), len(r.edgeIDs), voxflow.ErrShapeMismatch)
	}
	g := simple.NewUndirectedGraph()
	for _, sp := range r.labels.Unique() {
		if sp != 0 {
			g.AddNode(simple.Node(int64(sp)))
		}
	}
	for i, e := range r.edgeIDs {
		if decisions[i] || e.SP1 == 0 {
			continue
		}
		g.SetEdge(g.NewEdge(simple.Node(int64(e.SP1)), simple.Node(int64(e.SP2))))
	}

	components := topo.ConnectedComponents(g)
	smallest := make([]int64, len(components))
	for i, comp := range components {
		smallest[i] = comp[0].ID()
		for _, n := range comp[1:] {
			smallest[i] = min(smallest[i], n.ID())
		}
	}
	order := make([]int, len(components))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int {
		switch {
		case smallest[a] < smallest[b]:
			return -1
		case smallest[a] > smallest[b]:
			return 1
		}
		return 0
	})
	relabel := make(map[uint64]uint64, len(r.spIDs))
	for k, i := range order {
		for _, n := range components[i] {
			relabel[uint64(n.ID())] = uint64(k + 1)
		}
	}

	out := r.labels.Copy()
	loc := out.Location()
	for i, sp := range r.flat {
		if sp == 0 {
			continue
		}
		out.SetUint64(r.point(loc, i), relabel[sp])
	}
	return out, nil
}

// point converts a flat index of the label volume to global coordinates.
func (r *Rag) point(loc voxflow.Point5D, i int) voxflow.Point5D {
	shape := r.labels.Shape()
	nx, ny := int(shape.X), int(shape.Y)
	return voxflow.Point5D{
		T: loc.T,
		C: loc.C,
		X: loc.X + int64(i%nx),
		Y: loc.Y + int64((i/nx)%ny),
		Z: loc.Z + int64(i/(nx*ny)),
	}
}
