package voxflow

import (
	"fmt"
	"iter"
	"math"
	"strconv"
	"strings"
)

// Sentinels for unbound interval endpoints.  An unbound start behaves as -inf and an
// unbound stop as +inf under containment and intersection.
const (
	UnboundedStart int64 = math.MinInt64
	UnboundedStop  int64 = math.MaxInt64
)

// Interval is a half-open range [Start, Stop) along one axis.
type Interval struct {
	Start, Stop int64
}

// All is the fully unbound interval.
var All = Interval{UnboundedStart, UnboundedStop}

// IsDefined is true if neither endpoint is unbound.
func (iv Interval) IsDefined() bool {
	return iv.Start != UnboundedStart && iv.Stop != UnboundedStop
}

// Len returns the length of a defined interval.
func (iv Interval) Len() int64 {
	return iv.Stop - iv.Start
}

func (iv Interval) contains(o Interval) bool {
	return iv.Start <= o.Start && o.Stop <= iv.Stop
}

func (iv Interval) String() string {
	var start, stop string
	if iv.Start != UnboundedStart {
		start = strconv.FormatInt(iv.Start, 10)
	}
	if iv.Stop != UnboundedStop {
		stop = strconv.FormatInt(iv.Stop, 10)
	}
	return start + ":" + stop
}

// Slice5D is an axis-aligned box over the 5d coordinate space.  It is a comparable value
// type: two slices with identical ranges are equal and hash identically as map keys.
type Slice5D struct {
	T, C, X, Y, Z Interval
}

// NewSlice5D returns the box [start, stop).
func NewSlice5D(start, stop Point5D) Slice5D {
	return Slice5D{
		T: Interval{start.T, stop.T},
		C: Interval{start.C, stop.C},
		X: Interval{start.X, stop.X},
		Y: Interval{start.Y, stop.Y},
		Z: Interval{start.Z, stop.Z},
	}
}

// AllSlice returns the fully unbound slice.
func AllSlice() Slice5D {
	return Slice5D{All, All, All, All, All}
}

// SliceFromMap returns a slice with the given axes bound and all others unbound.
func SliceFromMap(values map[byte]Interval) Slice5D {
	s := AllSlice()
	for axis, iv := range values {
		s = s.With(axis, iv)
	}
	return s
}

// Get returns the interval along an axis.
func (s Slice5D) Get(axis byte) Interval {
	switch axis {
	case 't':
		return s.T
	case 'c':
		return s.C
	case 'x':
		return s.X
	case 'y':
		return s.Y
	case 'z':
		return s.Z
	}
	panic(fmt.Sprintf("unknown axis %q", axis))
}

// With returns a copy with the given axis interval replaced.
func (s Slice5D) With(axis byte, iv Interval) Slice5D {
	switch axis {
	case 't':
		s.T = iv
	case 'c':
		s.C = iv
	case 'x':
		s.X = iv
	case 'y':
		s.Y = iv
	case 'z':
		s.Z = iv
	default:
		panic(fmt.Sprintf("unknown axis %q", axis))
	}
	return s
}

func (s Slice5D) intervals() [5]Interval {
	return [5]Interval{s.T, s.C, s.X, s.Y, s.Z}
}

func sliceFromIntervals(ivs [5]Interval) Slice5D {
	return Slice5D{ivs[0], ivs[1], ivs[2], ivs[3], ivs[4]}
}

// Start returns the start point.  Unbound starts are returned as UnboundedStart.
func (s Slice5D) Start() Point5D {
	return Point5D{s.T.Start, s.C.Start, s.X.Start, s.Y.Start, s.Z.Start}
}

// Stop returns the stop point.  Unbound stops are returned as UnboundedStop.
func (s Slice5D) Stop() Point5D {
	return Point5D{s.T.Stop, s.C.Stop, s.X.Stop, s.Y.Stop, s.Z.Stop}
}

// Shape returns the extents of a defined slice.
func (s Slice5D) Shape() Shape5D {
	return Shape5D(s.Stop().Sub(s.Start()))
}

// IsDefined is true if every axis is bound.
func (s Slice5D) IsDefined() bool {
	for _, iv := range s.intervals() {
		if !iv.IsDefined() {
			return false
		}
	}
	return true
}

// IsEmpty is true if some axis has start >= stop.
func (s Slice5D) IsEmpty() bool {
	for _, iv := range s.intervals() {
		if iv.Start >= iv.Stop {
			return true
		}
	}
	return false
}

// DefinedWith resolves unbound endpoints against a concrete shape: unbound starts become
// 0 and unbound stops become the shape's extent.
func (s Slice5D) DefinedWith(shape Shape5D) Slice5D {
	ivs := s.intervals()
	ext := Point5D(shape).Array()
	for i := range ivs {
		if ivs[i].Start == UnboundedStart {
			ivs[i].Start = 0
		}
		if ivs[i].Stop == UnboundedStop {
			ivs[i].Stop = ext[i]
		}
	}
	return sliceFromIntervals(ivs)
}

// DefinedWithin resolves unbound endpoints against the corresponding endpoints of bounds.
func (s Slice5D) DefinedWithin(bounds Slice5D) Slice5D {
	ivs, b := s.intervals(), bounds.intervals()
	for i := range ivs {
		if ivs[i].Start == UnboundedStart {
			ivs[i].Start = b[i].Start
		}
		if ivs[i].Stop == UnboundedStop {
			ivs[i].Stop = b[i].Stop
		}
	}
	return sliceFromIntervals(ivs)
}

// Offset translates all bound endpoints by delta.  Unbound endpoints stay unbound.
func (s Slice5D) Offset(delta Point5D) Slice5D {
	ivs := s.intervals()
	d := delta.Array()
	for i := range ivs {
		if ivs[i].Start != UnboundedStart {
			ivs[i].Start += d[i]
		}
		if ivs[i].Stop != UnboundedStop {
			ivs[i].Stop += d[i]
		}
	}
	return sliceFromIntervals(ivs)
}

// Enlarged grows each bound axis by the given halo on both sides without reference to
// any array bounds.
func (s Slice5D) Enlarged(by Point5D) Slice5D {
	ivs := s.intervals()
	d := by.Array()
	for i := range ivs {
		if ivs[i].Start != UnboundedStart {
			ivs[i].Start -= d[i]
		}
		if ivs[i].Stop != UnboundedStop {
			ivs[i].Stop += d[i]
		}
	}
	return sliceFromIntervals(ivs)
}

// Intersection returns the axis-wise intersection without checking for emptiness.
func (s Slice5D) Intersection(bounds Slice5D) Slice5D {
	a, b := s.intervals(), bounds.intervals()
	var out [5]Interval
	for i := range a {
		out[i] = Interval{max64(a[i].Start, b[i].Start), min64(a[i].Stop, b[i].Stop)}
	}
	return sliceFromIntervals(out)
}

// Clamped intersects the slice with bounds.  If the intersection is empty along any axis,
// ErrEmptyIntersection is returned.
func (s Slice5D) Clamped(bounds Slice5D) (Slice5D, error) {
	out := s.Intersection(bounds)
	if out.IsEmpty() {
		return Slice5D{}, fmt.Errorf("clamping %s with %s: %w", s, bounds, ErrEmptyIntersection)
	}
	return out, nil
}

// Intersects is true if the two slices share at least one coordinate.
func (s Slice5D) Intersects(other Slice5D) bool {
	return !s.Intersection(other).IsEmpty()
}

// Contains is true if every axis range of other lies within the corresponding range of s.
func (s Slice5D) Contains(other Slice5D) bool {
	a, b := s.intervals(), other.intervals()
	for i := range a {
		if !a[i].contains(b[i]) {
			return false
		}
	}
	return true
}

// ContainsPoint is true if the point lies within the slice.
func (s Slice5D) ContainsPoint(p Point5D) bool {
	return s.Contains(NewSlice5D(p, p.Add(Point5D{1, 1, 1, 1, 1})))
}

// Split partitions a defined slice into disjoint tiles of the given shape, starting at the
// slice's own start.  The last tile along each axis is truncated at the slice boundary,
// never padded.  A non-positive tile extent leaves that axis unsplit.
//
// Tiles are produced lazily in raster order: t outermost, then c, z, y and x innermost.
// The returned sequence can be ranged over any number of times.
func (s Slice5D) Split(tile Shape5D) iter.Seq[Slice5D] {
	if !s.IsDefined() {
		panic(fmt.Sprintf("cannot split undefined slice %s", s))
	}
	return s.tiles(s.Start(), tile, s)
}

// GetTiles returns the tiles of a grid anchored at the origin that intersect the slice.
// Each tile keeps its full grid extent except where it is clipped by clampTo.  The order
// matches Split.
func (s Slice5D) GetTiles(tile Shape5D, clampTo Slice5D) iter.Seq[Slice5D] {
	if !s.IsDefined() {
		panic(fmt.Sprintf("cannot tile undefined slice %s", s))
	}
	anchor := s.Start()
	ts := Point5D(tile).Array()
	a := anchor.Array()
	for i := range a {
		if ts[i] > 0 {
			a[i] = floorDiv(a[i], ts[i]) * ts[i]
		}
	}
	return s.tiles(pointFromArray(a), tile, clampTo)
}

// tiles walks tile starts from anchor across s and yields each tile intersected with clip.
func (s Slice5D) tiles(anchor Point5D, tile Shape5D, clip Slice5D) iter.Seq[Slice5D] {
	return func(yield func(Slice5D) bool) {
		if s.IsEmpty() {
			return
		}
		start, stop := anchor.Array(), s.Stop().Array()
		step := Point5D(tile).Array()
		for i := range step {
			if step[i] <= 0 {
				step[i] = stop[i] - start[i]
			}
		}
		// iteration order by canonical axis index: t, c, z, y, x
		order := [5]int{0, 1, 4, 3, 2}
		var cur [5]int64
		var walk func(level int) bool
		walk = func(level int) bool {
			if level == len(order) {
				var ivs [5]Interval
				for i := range ivs {
					ivs[i] = Interval{cur[i], cur[i] + step[i]}
				}
				t := sliceFromIntervals(ivs).Intersection(clip)
				if t.IsEmpty() {
					return true
				}
				return yield(t)
			}
			axis := order[level]
			for v := start[axis]; v < stop[axis]; v += step[axis] {
				cur[axis] = v
				if !walk(level + 1) {
					return false
				}
			}
			return true
		}
		walk(0)
	}
}

// TileShapeClamped returns tile with each extent limited to the slice's shape.
func (s Slice5D) TileShapeClamped(tile Shape5D) Shape5D {
	return Shape5D(Point5D(tile).Min(Point5D(s.Shape())))
}

// String renders the slice as "[t0:t1,c0:c1,x0:x1,y0:y1,z0:z1]".  Unbound endpoints are
// left empty.
func (s Slice5D) String() string {
	ivs := s.intervals()
	parts := make([]string, len(ivs))
	for i, iv := range ivs {
		parts[i] = iv.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ParseSlice5D parses the representation produced by Slice5D.String.
func ParseSlice5D(str string) (Slice5D, error) {
	str = strings.TrimSpace(str)
	if len(str) < 2 || str[0] != '[' || str[len(str)-1] != ']' {
		return Slice5D{}, fmt.Errorf("slice descriptor %q must be enclosed in brackets", str)
	}
	parts := strings.Split(str[1:len(str)-1], ",")
	if len(parts) != 5 {
		return Slice5D{}, fmt.Errorf("slice descriptor %q must have 5 axes, has %d", str, len(parts))
	}
	var ivs [5]Interval
	for i, part := range parts {
		bounds := strings.Split(strings.TrimSpace(part), ":")
		if len(bounds) != 2 {
			return Slice5D{}, fmt.Errorf("bad range %q for axis %c in %q", part, Axes[i], str)
		}
		iv := All
		var err error
		if bounds[0] != "" {
			if iv.Start, err = strconv.ParseInt(bounds[0], 10, 64); err != nil {
				return Slice5D{}, fmt.Errorf("bad start %q for axis %c: %v", bounds[0], Axes[i], err)
			}
		}
		if bounds[1] != "" {
			if iv.Stop, err = strconv.ParseInt(bounds[1], 10, 64); err != nil {
				return Slice5D{}, fmt.Errorf("bad stop %q for axis %c: %v", bounds[1], Axes[i], err)
			}
		}
		if iv.IsDefined() && iv.Start > iv.Stop {
			return Slice5D{}, fmt.Errorf("start > stop for axis %c in %q", Axes[i], str)
		}
		ivs[i] = iv
	}
	return sliceFromIntervals(ivs), nil
}
