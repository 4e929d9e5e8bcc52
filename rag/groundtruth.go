package rag

import (
	"context"
	"fmt"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/voxflow"
)

// LabelVolMapping maps each superpixel of the graph to the groundtruth label it overlaps
// most.  Ties go to the smaller groundtruth label.
func (r *Rag) LabelVolMapping(ctx context.Context, groundtruth *array5d.Array5D) (map[uint64]uint64, error) {
	if groundtruth.Shape() != r.labels.Shape() {
		return nil, fmt.Errorf("groundtruth of shape %s for labels of shape %s: %w",
			groundtruth.Shape(), r.labels.Shape(), voxflow.ErrShapeMismatch)
	}
	gt := groundtruth.Uint64s()
	overlaps := make(map[uint64]map[uint64]int, len(r.spIDs))
	for i, sp := range r.flat {
		counts, found := overlaps[sp]
		if !found {
			counts = make(map[uint64]int)
			overlaps[sp] = counts
		}
		counts[gt[i]]++
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("mapping groundtruth: %v: %w", err, voxflow.ErrCancelled)
	}
	mapping := make(map[uint64]uint64, len(overlaps))
	for sp, counts := range overlaps {
		var best uint64
		bestCount := -1
		for label, n := range counts {
			if n > bestCount || (n == bestCount && label < best) {
				best, bestCount = label, n
			}
		}
		mapping[sp] = best
	}
	return mapping, nil
}

// EdgeDecisionsFromGroundtruth returns, per edge, true if its superpixels belong to
// different groundtruth objects and the boundary should be kept, and false if they
// should be merged.
func (r *Rag) EdgeDecisionsFromGroundtruth(ctx context.Context, groundtruth *array5d.Array5D) ([]bool, error) {
	mapping, err := r.LabelVolMapping(ctx, groundtruth)
	if err != nil {
		return nil, err
	}
	decisions := make([]bool, len(r.edgeIDs))
	for i, e := range r.edgeIDs {
		decisions[i] = mapping[e.SP1] != mapping[e.SP2]
	}
	return decisions, nil
}
