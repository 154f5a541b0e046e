// Package forecast trains and applies the hourly demand regressor on the
// feature table.
package forecast

import (
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/taxi-demand/internal/boost"
	"github.com/sells-group/taxi-demand/internal/config"
	"github.com/sells-group/taxi-demand/internal/features"
	"github.com/sells-group/taxi-demand/internal/model"
)

var (
	// ErrTargetInFeatures is returned when the target column is also listed
	// as a feature.
	ErrTargetInFeatures = eris.New("forecast: target column listed as feature")
	// ErrCategoricalNotFeature is returned when a categorical column is not
	// among the selected features.
	ErrCategoricalNotFeature = eris.New("forecast: categorical column is not a feature")
	// ErrEmptySplit is returned when the time split leaves a side empty.
	ErrEmptySplit = eris.New("forecast: empty split")
)

// TrainSpec names the target, the feature columns and which of those are
// categorical.
type TrainSpec struct {
	Target      string   `json:"target" yaml:"target"`
	Features    []string `json:"features" yaml:"features"`
	Categorical []string `json:"categorical" yaml:"categorical"`
}

// SpecFor selects every column of t except the target as a feature.
func SpecFor(t *features.Table, target string, categorical []string) TrainSpec {
	spec := TrainSpec{Target: target, Categorical: append([]string(nil), categorical...)}
	for _, name := range t.ColumnNames() {
		if name != target {
			spec.Features = append(spec.Features, name)
		}
	}
	return spec
}

// Validate checks the spec against t.
func (s TrainSpec) Validate(t *features.Table) error {
	if _, ok := t.Column(s.Target); !ok {
		return eris.Errorf("forecast: target column %s not in table", s.Target)
	}
	if len(s.Features) == 0 {
		return eris.New("forecast: no feature columns")
	}
	feats := make(map[string]bool, len(s.Features))
	for _, f := range s.Features {
		if f == s.Target {
			return eris.Wrapf(ErrTargetInFeatures, "forecast: %s", f)
		}
		if _, ok := t.Column(f); !ok {
			return eris.Errorf("forecast: feature column %s not in table", f)
		}
		feats[f] = true
	}
	for _, c := range s.Categorical {
		if c == s.Target {
			return eris.Wrapf(ErrTargetInFeatures, "forecast: %s is categorical", c)
		}
		if !feats[c] {
			return eris.Wrapf(ErrCategoricalNotFeature, "forecast: %s", c)
		}
	}
	return nil
}

func (s TrainSpec) isCategorical(name string) bool {
	for _, c := range s.Categorical {
		if c == name {
			return true
		}
	}
	return false
}

// ParamsFromConfig maps the model configuration onto booster parameters.
func ParamsFromConfig(cfg config.ModelConfig) boost.Params {
	return boost.Params{
		Objective:           cfg.Objective,
		Metric:              cfg.Metric,
		NumIterations:       cfg.NEstimators,
		LearningRate:        cfg.LearningRate,
		NumLeaves:           cfg.NumLeaves,
		MaxDepth:            cfg.MaxDepth,
		MinDataInLeaf:       cfg.MinDataInLeaf,
		MaxBins:             cfg.MaxBins,
		FeatureFraction:     cfg.FeatureFraction,
		BaggingFraction:     cfg.BaggingFraction,
		BaggingFreq:         cfg.BaggingFreq,
		EarlyStoppingRounds: cfg.EarlyStoppingRounds,
		Seed:                cfg.Seed,
		NumThreads:          cfg.NumThreads,
	}
}

// Model is a trained forecaster: the booster plus the feature layout and
// category dictionaries it was trained with.
type Model struct {
	Spec    TrainSpec           `json:"spec"`
	Params  boost.Params        `json:"params"`
	Levels  map[string][]string `json:"levels,omitempty"`
	Cutoff  time.Time           `json:"cutoff"`
	Booster *boost.Model        `json:"booster"`
}

// Evaluation summarizes a training run on the validation window.
type Evaluation struct {
	MAE           float64            `json:"mae" yaml:"mae"`
	RMSE          float64            `json:"rmse" yaml:"rmse"`
	BestIteration int                `json:"best_iteration" yaml:"best_iteration"`
	TrainRows     int                `json:"train_rows" yaml:"train_rows"`
	ValidRows     int                `json:"valid_rows" yaml:"valid_rows"`
	Cutoff        time.Time          `json:"cutoff" yaml:"cutoff"`
	Curve         []float64          `json:"curve,omitempty" yaml:"-"`
	Importance    []boost.Importance `json:"importance" yaml:"importance"`
	Predictions   []model.Prediction `json:"-" yaml:"-"`
}

// Train splits t by time, fits the booster on the earlier rows with early
// stopping on the trailing testDays window, and evaluates the result.
func Train(t *features.Table, spec TrainSpec, params boost.Params, testDays int) (*Model, *Evaluation, error) {
	log := zap.L().With(zap.String("component", "forecast"))
	if err := spec.Validate(t); err != nil {
		return nil, nil, err
	}

	trainT, validT, cutoff, err := Split(t, testDays)
	if err != nil {
		return nil, nil, err
	}
	log.Info("forecast: split",
		zap.Time("cutoff", cutoff),
		zap.Int("train_rows", trainT.NumRows()),
		zap.Int("valid_rows", validT.NumRows()),
	)

	trainD, err := dataset(trainT, spec)
	if err != nil {
		return nil, nil, err
	}
	validD, err := dataset(validT, spec)
	if err != nil {
		return nil, nil, err
	}

	booster, hist, err := boost.Train(trainD, validD, params)
	if err != nil {
		return nil, nil, eris.Wrap(err, "forecast: train booster")
	}

	m := &Model{Spec: spec, Params: params, Cutoff: cutoff, Booster: booster, Levels: make(map[string][]string)}
	for _, f := range spec.Features {
		if lv, ok := t.Levels[f]; ok {
			m.Levels[f] = lv
		}
	}

	pred, err := booster.PredictDataset(validD)
	if err != nil {
		return nil, nil, eris.Wrap(err, "forecast: score validation rows")
	}
	eval := &Evaluation{
		MAE:           boost.MAE(validD.Label, pred),
		RMSE:          boost.RMSE(validD.Label, pred),
		BestIteration: hist.BestIteration,
		TrainRows:     trainT.NumRows(),
		ValidRows:     validT.NumRows(),
		Cutoff:        cutoff,
		Curve:         hist.Valid,
		Importance:    booster.FeatureImportance(),
		Predictions:   predictions(validT, pred, validD.Label),
	}

	log.Info("forecast: trained",
		zap.Float64("valid_mae", eval.MAE),
		zap.Float64("valid_rmse", eval.RMSE),
		zap.Int("best_iteration", eval.BestIteration),
	)
	return m, eval, nil
}

func dataset(t *features.Table, spec TrainSpec) (*boost.Dataset, error) {
	target, ok := t.Column(spec.Target)
	if !ok {
		return nil, eris.Errorf("forecast: target column %s not in table", spec.Target)
	}
	d := &boost.Dataset{Label: target.Values}
	for _, name := range spec.Features {
		c, ok := t.Column(name)
		if !ok {
			return nil, eris.Errorf("forecast: feature column %s not in table", name)
		}
		d.Names = append(d.Names, name)
		d.Categorical = append(d.Categorical, spec.isCategorical(name))
		d.Columns = append(d.Columns, c.Values)
	}
	return d, nil
}

// Predict scores a single row keyed by feature name. Absent features are
// treated as missing.
func (m *Model) Predict(row map[string]float64) float64 {
	x := make([]float64, len(m.Spec.Features))
	for i, name := range m.Spec.Features {
		v, ok := row[name]
		if !ok {
			v = math.NaN()
		}
		x[i] = v
	}
	return m.Booster.Predict(x)
}

// PredictTable scores every row of t. Dictionary-coded columns are recoded
// into the model's dictionary; values the model never saw become missing.
func (m *Model) PredictTable(t *features.Table) ([]float64, error) {
	d := &boost.Dataset{}
	for _, name := range m.Spec.Features {
		c, ok := t.Column(name)
		if !ok {
			return nil, eris.Errorf("forecast: table lacks feature column %s", name)
		}
		d.Names = append(d.Names, name)
		d.Categorical = append(d.Categorical, m.Spec.isCategorical(name))
		d.Columns = append(d.Columns, m.recode(name, c.Values, t.Levels[name]))
	}
	return m.Booster.PredictDataset(d)
}

func (m *Model) recode(name string, values []float64, levels []string) []float64 {
	modelLevels, ok := m.Levels[name]
	if !ok || levels == nil || sameLevels(modelLevels, levels) {
		return values
	}
	index := make(map[string]float64, len(modelLevels))
	for i, l := range modelLevels {
		index[l] = float64(i)
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = math.NaN()
		if math.IsNaN(v) || v < 0 || int(v) >= len(levels) {
			continue
		}
		if code, ok := index[levels[int(v)]]; ok {
			out[i] = code
		}
	}
	return out
}

func sameLevels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Code returns the dictionary code of value in a categorical feature.
func (m *Model) Code(feature, value string) (float64, bool) {
	for i, l := range m.Levels[feature] {
		if l == value {
			return float64(i), true
		}
	}
	return 0, false
}

// Predictions pairs scores with the table's row keys. Actual comes from the
// target column when the table has one.
func (m *Model) Predictions(t *features.Table, pred []float64) []model.Prediction {
	var actual []float64
	if c, ok := t.Column(m.Spec.Target); ok {
		actual = c.Values
	}
	return predictions(t, pred, actual)
}

func predictions(t *features.Table, pred, actual []float64) []model.Prediction {
	out := make([]model.Prediction, len(pred))
	for i := range pred {
		a := math.NaN()
		if actual != nil {
			a = actual[i]
		}
		out[i] = model.Prediction{Cell: t.Cells[i], Hour: t.Hours[i], Predicted: pred[i], Actual: a}
	}
	return out
}
