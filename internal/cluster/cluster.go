package cluster

import (
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/taxi-demand/internal/features"
	"github.com/sells-group/taxi-demand/internal/hexgrid"
	"github.com/sells-group/taxi-demand/internal/model"
)

// Options configures Assign.
type Options struct {
	K       int
	MaxIter int
	Seed    uint64
}

// Summary is one hotspot class.
type Summary struct {
	Label       int     `json:"label"`
	Cells       int     `json:"cells"`
	MeanDemand  float64 `json:"mean_demand"`
	TotalDemand float64 `json:"total_demand"`
}

// Result holds the ordered hotspot labels of every cell.
type Result struct {
	K          int
	Labels     map[string]int
	Signatures []Signature
}

// Assign clusters the cells of t and adds the categorical demand_cluster
// column. Labels are ordered by mean demand, 0 being the quietest class.
// When k exceeds the number of cells it is clipped with a warning.
func Assign(t *features.Table, opts Options) (*Result, error) {
	log := zap.L().With(zap.String("component", "cluster"))
	if opts.K <= 0 {
		return nil, eris.Errorf("cluster: k must be positive, got %d", opts.K)
	}
	if opts.MaxIter <= 0 {
		opts.MaxIter = 100
	}

	sigs, points, err := Signatures(t)
	if err != nil {
		return nil, err
	}
	if len(sigs) == 0 {
		return nil, eris.New("cluster: no cells to cluster")
	}

	k := opts.K
	if k > len(sigs) {
		log.Warn("cluster: k exceeds cell count, clipping",
			zap.Int("k", k),
			zap.Int("cells", len(sigs)),
		)
		k = len(sigs)
	}

	raw, _ := KMeans(points, k, opts.MaxIter, opts.Seed)
	order := rankByDemand(sigs, raw, k)

	res := &Result{K: k, Labels: make(map[string]int, len(sigs)), Signatures: sigs}
	for i, s := range sigs {
		res.Labels[s.Cell] = order[raw[i]]
	}

	col := make([]float64, t.NumRows())
	for i, cell := range t.Cells {
		col[i] = float64(res.Labels[cell])
	}
	if err := t.AddColumn(features.ColCluster, col, true); err != nil {
		return nil, eris.Wrap(err, "cluster: add label column")
	}

	log.Info("cluster: assigned",
		zap.Int("cells", len(sigs)),
		zap.Int("k", k),
	)
	return res, nil
}

// rankByDemand maps raw k-means labels to labels ordered by the mean demand
// of their member cells.
func rankByDemand(sigs []Signature, raw []int, k int) []int {
	sums := make([]float64, k)
	counts := make([]int, k)
	for i, s := range sigs {
		sums[raw[i]] += s.Mean
		counts[raw[i]]++
	}
	ids := make([]int, k)
	means := make([]float64, k)
	for c := 0; c < k; c++ {
		ids[c] = c
		if counts[c] > 0 {
			means[c] = sums[c] / float64(counts[c])
		}
	}
	sort.SliceStable(ids, func(a, b int) bool {
		return means[ids[a]] < means[ids[b]]
	})
	order := make([]int, k)
	for rank, c := range ids {
		order[c] = rank
	}
	return order
}

// Summary returns per-label cell counts and demand, ordered by label.
func (r *Result) Summary() []Summary {
	out := make([]Summary, r.K)
	for i := range out {
		out[i].Label = i
	}
	for _, s := range r.Signatures {
		l := r.Labels[s.Cell]
		out[l].Cells++
		out[l].MeanDemand += s.Mean
		out[l].TotalDemand += s.Total
	}
	for i := range out {
		if out[i].Cells > 0 {
			out[i].MeanDemand /= float64(out[i].Cells)
		}
	}
	return out
}

// Cells returns one summary row per cell, busiest first. Centroids are
// filled in when ix is non-nil.
func (r *Result) Cells(ix *hexgrid.Indexer) []model.CellSummary {
	out := make([]model.CellSummary, 0, len(r.Signatures))
	for _, s := range r.Signatures {
		cs := model.CellSummary{
			Cell:        s.Cell,
			Cluster:     r.Labels[s.Cell],
			MeanDemand:  s.Mean,
			TotalDemand: s.Total,
			PeakDemand:  s.Peak,
		}
		if c, ok := hexgrid.Parse(s.Cell); ok && ix != nil {
			if lat, lon, ok := ix.CentroidOf(c); ok {
				cs.Lat, cs.Lon = lat, lon
			}
		}
		out = append(out, cs)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TotalDemand != out[j].TotalDemand {
			return out[i].TotalDemand > out[j].TotalDemand
		}
		return out[i].Cell < out[j].Cell
	})
	return out
}

// FromTable rebuilds a Result from a table that already carries the
// demand_cluster column, as read back from the clustered artifact.
func FromTable(t *features.Table) (*Result, error) {
	col, ok := t.Column(features.ColCluster)
	if !ok {
		return nil, eris.Errorf("cluster: table has no %s column", features.ColCluster)
	}
	sigs, _, err := Signatures(t)
	if err != nil {
		return nil, err
	}
	res := &Result{Labels: make(map[string]int, len(sigs)), Signatures: sigs}
	for _, g := range t.Groups() {
		l := int(col.Values[g[0]])
		res.Labels[t.Cells[g[0]]] = l
		if l+1 > res.K {
			res.K = l + 1
		}
	}
	return res, nil
}
