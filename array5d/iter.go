package array5d

import (
	"iter"

	"github.com/janelia-flyem/voxflow/voxflow"
)

// cuts yields a cut of the array for each region.  Regions always lie within the array.
func (a *Array5D) cuts(regions iter.Seq[voxflow.Slice5D]) iter.Seq[*Array5D] {
	return func(yield func(*Array5D) bool) {
		for roi := range regions {
			piece, err := a.Cut(roi)
			if err != nil {
				panic(err)
			}
			if !yield(piece) {
				return
			}
		}
	}
}

// Images yields one x-y slab, with all channels, per (t, z) coordinate.
func (a *Array5D) Images() iter.Seq[*Array5D] {
	return a.cuts(a.Interval().Split(voxflow.Shape5D{T: 1, C: 0, X: 0, Y: 0, Z: 1}))
}

// Channels yields one single-channel array per channel.
func (a *Array5D) Channels() iter.Seq[*Array5D] {
	return a.ChannelStacks(1)
}

// ChannelStacks yields consecutive groups of step channels.  The last group holds the
// remaining channels.
func (a *Array5D) ChannelStacks(step int64) iter.Seq[*Array5D] {
	return a.cuts(a.Interval().Split(voxflow.Shape5D{C: step}))
}

// Tiles yields the array split into tiles of the given shape in raster order.
func (a *Array5D) Tiles(shape voxflow.Shape5D) iter.Seq[*Array5D] {
	return a.cuts(a.Interval().Split(shape))
}
