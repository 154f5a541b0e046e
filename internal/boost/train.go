package boost

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Dataset is a column-major design matrix. Missing values are NaN.
// Categorical columns hold non-negative integer codes.
type Dataset struct {
	Names       []string
	Categorical []bool
	Columns     [][]float64
	Label       []float64
}

// NumRows returns the number of rows.
func (d *Dataset) NumRows() int {
	return len(d.Label)
}

func (d *Dataset) validate() error {
	if len(d.Columns) == 0 {
		return eris.New("boost: dataset has no features")
	}
	if len(d.Names) != len(d.Columns) || len(d.Categorical) != len(d.Columns) {
		return eris.Errorf("boost: %d names, %d categorical flags for %d columns",
			len(d.Names), len(d.Categorical), len(d.Columns))
	}
	for i, c := range d.Columns {
		if len(c) != len(d.Label) {
			return eris.Errorf("boost: column %s has %d rows, label has %d", d.Names[i], len(c), len(d.Label))
		}
	}
	for i, y := range d.Label {
		if math.IsNaN(y) || math.IsInf(y, 0) {
			return eris.Errorf("boost: label at row %d is not finite", i)
		}
	}
	return nil
}

// History records the validation curve of a training run.
type History struct {
	Metric        string    `json:"metric"`
	Valid         []float64 `json:"valid,omitempty"`
	BestIteration int       `json:"best_iteration"`
	BestScore     float64   `json:"best_score"`
}

// Train fits a booster on train, monitoring valid when it is non-nil.
// With EarlyStoppingRounds > 0 training stops once the validation metric has
// not improved for that many rounds, and the model keeps the trees up to the
// best iteration.
func Train(train, valid *Dataset, p Params) (*Model, *History, error) {
	if err := p.normalize(); err != nil {
		return nil, nil, err
	}
	if err := train.validate(); err != nil {
		return nil, nil, eris.Wrap(err, "boost: train set")
	}
	if train.NumRows() == 0 {
		return nil, nil, eris.New("boost: empty train set")
	}
	if valid != nil {
		if err := valid.validate(); err != nil {
			return nil, nil, eris.Wrap(err, "boost: valid set")
		}
		if len(valid.Columns) != len(train.Columns) {
			return nil, nil, eris.Errorf("boost: valid set has %d features, train has %d",
				len(valid.Columns), len(train.Columns))
		}
	}

	log := zap.L().With(zap.String("component", "boost"))
	nf := len(train.Columns)
	n := train.NumRows()

	maps := make([]*binMapper, nf)
	bins := make([][]uint16, nf)
	for f, col := range train.Columns {
		if train.Categorical[f] {
			maps[f] = newCategoricalMapper(col)
		} else {
			maps[f] = newNumericMapper(col, p.MaxBins)
		}
		// Bin indexes, the missing bin included, are stored as uint16.
		if mb := maps[f].missingBin(); mb > math.MaxUint16 {
			return nil, nil, eris.Errorf("boost: feature %s has too many bins (%d, limit %d)",
				train.Names[f], mb, math.MaxUint16)
		}
		b := make([]uint16, n)
		for i, v := range col {
			b[i] = uint16(maps[f].binOf(v))
		}
		bins[f] = b
	}

	initial := initScore(train.Label, p.Objective)
	m := &Model{
		Names:       append([]string(nil), train.Names...),
		Categorical: append([]bool(nil), train.Categorical...),
		Objective:   p.Objective,
		InitScore:   initial,
	}

	pred := make([]float64, n)
	for i := range pred {
		pred[i] = initial
	}
	var vpred []float64
	if valid != nil {
		vpred = make([]float64, valid.NumRows())
		for i := range vpred {
			vpred[i] = initial
		}
	}

	rng := rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15))
	grad := make([]float64, n)
	hess := make([]float64, n)
	hist := &History{Metric: p.Metric, BestIteration: -1, BestScore: math.Inf(1)}
	all := make([]int32, n)
	for i := range all {
		all[i] = int32(i)
	}
	rows := all

	for iter := 0; iter < p.NumIterations; iter++ {
		gradients(p.Objective, train.Label, pred, grad, hess)

		if p.BaggingFraction < 1 && p.BaggingFreq > 0 && iter%p.BaggingFreq == 0 {
			rows = bag(all, p.BaggingFraction, rng)
		}
		gr := &grower{
			p:     &p,
			bins:  bins,
			maps:  maps,
			feats: sampleFeatures(nf, p.FeatureFraction, rng),
			grad:  grad,
			hess:  hess,
		}
		tree, leaves := gr.grow(rows)

		for _, l := range leaves {
			node := &tree.Nodes[l.node]
			if p.Objective == ObjectiveL1 {
				node.Value = leafMedian(l.rows, train.Label, pred)
			}
			node.Value = finite(node.Value * p.LearningRate)
		}
		m.Trees = append(m.Trees, *tree)

		for i := range pred {
			pred[i] += tree.predictColumns(train.Columns, i)
		}

		if valid == nil {
			continue
		}
		for i := range vpred {
			vpred[i] += tree.predictColumns(valid.Columns, i)
		}
		score := evalMetric(p.Metric, valid.Label, vpred)
		hist.Valid = append(hist.Valid, score)
		if score < hist.BestScore {
			hist.BestScore = score
			hist.BestIteration = iter
		}
		if p.EarlyStoppingRounds > 0 && iter-hist.BestIteration >= p.EarlyStoppingRounds {
			log.Info("boost: early stopping",
				zap.Int("iteration", iter+1),
				zap.Int("best_iteration", hist.BestIteration+1),
				zap.Float64("best_score", hist.BestScore),
			)
			break
		}
	}

	switch {
	case valid == nil || hist.BestIteration < 0:
		hist.BestIteration = len(m.Trees) - 1
		hist.BestScore = evalMetric(p.Metric, train.Label, pred)
	case p.EarlyStoppingRounds <= 0:
		hist.BestIteration = len(m.Trees) - 1
		hist.BestScore = hist.Valid[len(hist.Valid)-1]
	}
	m.Trees = m.Trees[:hist.BestIteration+1]
	// Report iterations 1-based, matching how boosting libraries count them.
	hist.BestIteration++
	m.BestIteration = hist.BestIteration

	log.Info("boost: trained",
		zap.Int("trees", len(m.Trees)),
		zap.String("metric", p.Metric),
		zap.Float64("best_score", hist.BestScore),
	)
	return m, hist, nil
}

func initScore(y []float64, objective string) float64 {
	if objective == ObjectiveL1 {
		return median(append([]float64(nil), y...))
	}
	var s float64
	for _, v := range y {
		s += v
	}
	return s / float64(len(y))
}

func gradients(objective string, y, pred, grad, hess []float64) {
	for i := range y {
		d := pred[i] - y[i]
		if objective == ObjectiveL1 {
			switch {
			case d > 0:
				grad[i] = 1
			case d < 0:
				grad[i] = -1
			default:
				grad[i] = 0
			}
		} else {
			grad[i] = d
		}
		hess[i] = 1
	}
}

// leafMedian is the L1 leaf renewal: the median residual of the leaf's rows.
func leafMedian(rows []int32, y, pred []float64) float64 {
	res := make([]float64, len(rows))
	for i, r := range rows {
		res[i] = y[r] - pred[r]
	}
	return median(res)
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sort.Float64s(xs)
	mid := len(xs) / 2
	if len(xs)%2 == 1 {
		return xs[mid]
	}
	return (xs[mid-1] + xs[mid]) / 2
}

func bag(all []int32, frac float64, rng *rand.Rand) []int32 {
	k := int(math.Round(frac * float64(len(all))))
	if k < 1 {
		k = 1
	}
	perm := rng.Perm(len(all))[:k]
	sort.Ints(perm)
	out := make([]int32, k)
	for i, p := range perm {
		out[i] = all[p]
	}
	return out
}

func sampleFeatures(nf int, frac float64, rng *rand.Rand) []int {
	if frac >= 1 {
		out := make([]int, nf)
		for i := range out {
			out[i] = i
		}
		return out
	}
	k := int(math.Round(frac * float64(nf)))
	if k < 1 {
		k = 1
	}
	out := rng.Perm(nf)[:k]
	sort.Ints(out)
	return out
}

func evalMetric(metric string, y, pred []float64) float64 {
	if len(y) == 0 {
		return 0
	}
	if metric == MetricRMSE {
		return RMSE(y, pred)
	}
	return MAE(y, pred)
}

// MAE is the mean absolute error.
func MAE(y, pred []float64) float64 {
	var s float64
	for i := range y {
		s += math.Abs(y[i] - pred[i])
	}
	return s / float64(len(y))
}

// RMSE is the root mean squared error.
func RMSE(y, pred []float64) float64 {
	var s float64
	for i := range y {
		d := y[i] - pred[i]
		s += d * d
	}
	return math.Sqrt(s / float64(len(y)))
}
