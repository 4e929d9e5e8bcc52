package rag

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/voxflow"
)

// HistogramBins is the number of bins used to estimate quantiles.
const HistogramBins = 64

// Statistics computable for edges and superpixels.  Quantiles are written as
// "quantiles_<q>".
var statistics = map[string]bool{
	"count":    true,
	"sum":      true,
	"minimum":  true,
	"maximum":  true,
	"mean":     true,
	"variance": true,
	"kurtosis": true,
	"skewness": true,
}

var quantiles = map[string]float64{
	"quantiles_10": 0.10,
	"quantiles_25": 0.25,
	"quantiles_50": 0.50,
	"quantiles_75": 0.75,
	"quantiles_90": 0.90,
}

// Coordinate-valued statistics need voxel positions that edge accumulation discards.
var coordinateStatistics = []string{
	"regioncenter", "regionradii", "regionaxes", "centroid", "boundingbox", "center", "coord",
}

// Feature is a parsed feature name of the form <edge|sp>_<stat>.
type Feature struct {
	Name  string
	Edge  bool
	Stat  string
	Quant float64
}

// ParseFeature checks a feature name.  Malformed names and unknown statistics return
// ErrBadFeatureName; coordinate statistics return ErrUnsupportedFeature.
func ParseFeature(name string) (Feature, error) {
	f := Feature{Name: name}
	switch {
	case strings.HasPrefix(name, "edge_"):
		f.Edge, f.Stat = true, strings.TrimPrefix(name, "edge_")
	case strings.HasPrefix(name, "sp_"):
		f.Stat = strings.TrimPrefix(name, "sp_")
	default:
		return f, fmt.Errorf("feature %q must start with edge_ or sp_: %w", name, voxflow.ErrBadFeatureName)
	}
	lower := strings.ToLower(f.Stat)
	for _, coord := range coordinateStatistics {
		if strings.HasPrefix(lower, coord) {
			return f, fmt.Errorf("coordinate feature %q: %w", name, voxflow.ErrUnsupportedFeature)
		}
	}
	if q, found := quantiles[f.Stat]; found {
		f.Quant = q
		return f, nil
	}
	if !statistics[f.Stat] {
		return f, fmt.Errorf("unknown statistic %q in feature %q: %w", f.Stat, name, voxflow.ErrBadFeatureName)
	}
	return f, nil
}

// IsQuantile is true for quantile features which need a histogram range.
func (f Feature) IsQuantile() bool {
	return f.Quant > 0
}

// Columns returns the table columns of the feature.  Superpixel features expand to a sum
// and a difference column.
func (f Feature) Columns() []string {
	if f.Edge {
		return []string{f.Name}
	}
	return []string{f.Name + "_sum", f.Name + "_difference"}
}

// Range is a histogram range [Min, Max].
type Range struct {
	Min, Max float64
}

// FeatureOptions tune feature computation.
type FeatureOptions struct {
	// HistogramRange fixes the quantile histogram range.  If nil, the range of the edge
	// values along the first axis is used for every axis.
	HistogramRange *Range

	// Progress receives monotonically increasing percentages.
	Progress func(percent float64)
}

// ComputeHighlevelFeatures computes the named features for every edge.  The value volume
// must have the label volume's shape.
func (r *Rag) ComputeHighlevelFeatures(ctx context.Context, values *array5d.Array5D, names []string, opts FeatureOptions) (*FeatureTable, error) {
	if values.Shape() != r.labels.Shape() {
		return nil, fmt.Errorf("values of shape %s for labels of shape %s: %w", values.Shape(), r.labels.Shape(), voxflow.ErrShapeMismatch)
	}
	var edgeFeatures, spFeatures []Feature
	for _, name := range names {
		f, err := ParseFeature(name)
		if err != nil {
			return nil, err
		}
		if f.Edge {
			edgeFeatures = append(edgeFeatures, f)
		} else {
			spFeatures = append(spFeatures, f)
		}
	}
	progress := opts.Progress
	if progress == nil {
		progress = func(float64) {}
	}
	timedLog := voxflow.NewTimeLog()
	flat := values.Float64s()

	table := newFeatureTable(r.edgeIDs)
	if len(edgeFeatures) > 0 {
		perEdge, err := r.edgeValues(ctx, flat)
		if err != nil {
			return nil, err
		}
		hr := opts.HistogramRange
		if hr == nil && len(r.axes) > 0 {
			hr = r.firstAxisRange(flat)
		}
		for _, f := range edgeFeatures {
			col := make([]float64, len(r.edgeIDs))
			for e, v := range perEdge {
				col[e] = statistic(f, v, hr)
			}
			table.add(f.Name, col)
		}
	}
	progress(50)

	if len(spFeatures) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("computing superpixel features: %v: %w", err, voxflow.ErrCancelled)
		}
		perSp := r.spValues(flat)
		hr := opts.HistogramRange
		if hr == nil && len(flat) > 0 {
			hr = &Range{floats.Min(flat), floats.Max(flat)}
		}
		for _, f := range spFeatures {
			spStat := make([]float64, len(r.spIDs))
			for i, v := range perSp {
				spStat[i] = statistic(f, v, hr)
			}
			sum, diff := make([]float64, len(r.edgeIDs)), make([]float64, len(r.edgeIDs))
			for e, id := range r.edgeIDs {
				sum[e], diff[e] = combineSp(f, spStat[r.spIndex(id.SP1)], spStat[r.spIndex(id.SP2)])
			}
			cols := f.Columns()
			table.add(cols[0], sum)
			table.add(cols[1], diff)
		}
	}
	progress(100)
	timedLog.Debugf("Computed %d features for %d edges", len(names), len(r.edgeIDs))
	return table, nil
}

// combineSp joins the statistics a of sp1 and b of sp2.  The sum is symmetric and the
// difference is a-b, so it flips sign when the superpixels swap.  Counts and sums are
// cube-rooted to compress their range, their difference taken absolute first.
func combineSp(f Feature, a, b float64) (sum, diff float64) {
	if f.Stat == "count" || f.Stat == "sum" {
		return math.Cbrt(a + b), math.Cbrt(math.Abs(a - b))
	}
	return a + b, a - b
}

// edgeValues gathers the values of both voxels of every edge pair, per final edge label.
// Axes are accumulated concurrently into local labels and merged in axis order.
func (r *Rag) edgeValues(ctx context.Context, flat []float64) ([][]float64, error) {
	local := make([][][]float64, len(r.axes))
	g, gctx := errgroup.WithContext(ctx)
	for i, ae := range r.axes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return fmt.Errorf("accumulating edges along %c: %v: %w", ae.axis, err, voxflow.ErrCancelled)
			}
			acc := make([][]float64, len(ae.unique))
			for k, pos := range ae.positions {
				l := ae.local[k]
				acc[l] = append(acc[l], flat[pos], flat[pos+ae.stride])
			}
			local[i] = acc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	perEdge := make([][]float64, len(r.edgeIDs))
	for i, ae := range r.axes {
		for l, vals := range local[i] {
			e := ae.final[l]
			perEdge[e] = append(perEdge[e], vals...)
		}
	}
	return perEdge, nil
}

// firstAxisRange returns the range of the edge voxel values along the first axis.
func (r *Rag) firstAxisRange(flat []float64) *Range {
	ae := r.axes[0]
	if len(ae.positions) == 0 {
		return nil
	}
	hr := &Range{math.Inf(1), math.Inf(-1)}
	for _, pos := range ae.positions {
		for _, v := range [2]float64{flat[pos], flat[pos+ae.stride]} {
			hr.Min = math.Min(hr.Min, v)
			hr.Max = math.Max(hr.Max, v)
		}
	}
	return hr
}

// spValues gathers the values of every voxel per superpixel in SpIDs order.
func (r *Rag) spValues(flat []float64) [][]float64 {
	perSp := make([][]float64, len(r.spIDs))
	for i, label := range r.flat {
		if k := r.spIndex(label); k >= 0 {
			perSp[k] = append(perSp[k], flat[i])
		}
	}
	return perSp
}

// statistic computes one statistic over the values of a region.
func statistic(f Feature, x []float64, hr *Range) float64 {
	if len(x) == 0 {
		return 0
	}
	if f.IsQuantile() {
		return histogramQuantile(x, f.Quant, hr)
	}
	switch f.Stat {
	case "count":
		return float64(len(x))
	case "sum":
		return floats.Sum(x)
	case "minimum":
		return floats.Min(x)
	case "maximum":
		return floats.Max(x)
	case "mean":
		return stat.Mean(x, nil)
	case "variance":
		return stat.PopVariance(x, nil)
	case "skewness":
		m2 := stat.PopVariance(x, nil)
		if m2 == 0 {
			return 0
		}
		return stat.Moment(3, x, nil) / math.Pow(m2, 1.5)
	case "kurtosis":
		m2 := stat.PopVariance(x, nil)
		if m2 == 0 {
			return 0
		}
		return stat.Moment(4, x, nil)/(m2*m2) - 3
	}
	return math.NaN()
}

// histogramQuantile estimates a quantile from a HistogramBins histogram over hr,
// interpolating linearly within the bin and clamping to the observed extremes.
func histogramQuantile(x []float64, q float64, hr *Range) float64 {
	lo, hi := floats.Min(x), floats.Max(x)
	if hr == nil {
		hr = &Range{lo, hi}
	}
	if hr.Max <= hr.Min {
		return lo
	}
	dividers := make([]float64, HistogramBins+1)
	floats.Span(dividers, hr.Min, hr.Max)
	// widen the last divider so values equal to the maximum are counted
	dividers[HistogramBins] = math.Nextafter(hr.Max, math.Inf(1))

	clamped := make([]float64, len(x))
	for i, v := range x {
		clamped[i] = math.Max(hr.Min, math.Min(hr.Max, v))
	}
	slices.Sort(clamped)
	counts := stat.Histogram(nil, dividers, clamped, nil)

	target := q * float64(len(x))
	var cum float64
	for b, n := range counts {
		if n == 0 {
			continue
		}
		if cum+n >= target {
			frac := (target - cum) / n
			v := dividers[b] + frac*(dividers[b+1]-dividers[b])
			return math.Max(lo, math.Min(hi, v))
		}
		cum += n
	}
	return hi
}
