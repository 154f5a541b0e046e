// Package boost implements a histogram-based gradient boosted regression tree
// ensemble with leaf-wise growth, NaN-aware and categorical splits, and early
// stopping on a validation set.
package boost

import (
	"runtime"

	"github.com/rotisserie/eris"
)

// Objectives.
const (
	ObjectiveL1 = "regression_l1"
	ObjectiveL2 = "regression"
)

// Metrics.
const (
	MetricMAE  = "mae"
	MetricRMSE = "rmse"
)

// Params are the booster hyperparameters.
type Params struct {
	Objective           string  `json:"objective" yaml:"objective"`
	Metric              string  `json:"metric" yaml:"metric"`
	NumIterations       int     `json:"num_iterations" yaml:"num_iterations"`
	LearningRate        float64 `json:"learning_rate" yaml:"learning_rate"`
	NumLeaves           int     `json:"num_leaves" yaml:"num_leaves"`
	MaxDepth            int     `json:"max_depth" yaml:"max_depth"`
	MinDataInLeaf       int     `json:"min_data_in_leaf" yaml:"min_data_in_leaf"`
	MaxBins             int     `json:"max_bins" yaml:"max_bins"`
	FeatureFraction     float64 `json:"feature_fraction" yaml:"feature_fraction"`
	BaggingFraction     float64 `json:"bagging_fraction" yaml:"bagging_fraction"`
	BaggingFreq         int     `json:"bagging_freq" yaml:"bagging_freq"`
	EarlyStoppingRounds int     `json:"early_stopping_rounds" yaml:"early_stopping_rounds"`
	Lambda              float64 `json:"lambda_l2" yaml:"lambda_l2"`
	Seed                uint64  `json:"seed" yaml:"seed"`
	NumThreads          int     `json:"num_threads" yaml:"num_threads"`
}

// DefaultParams returns an L1 regression setup.
func DefaultParams() Params {
	return Params{
		Objective:           ObjectiveL1,
		Metric:              MetricMAE,
		NumIterations:       100,
		LearningRate:        0.1,
		NumLeaves:           31,
		MaxDepth:            -1,
		MinDataInLeaf:       20,
		MaxBins:             255,
		FeatureFraction:     1,
		BaggingFraction:     1,
		EarlyStoppingRounds: 0,
		Seed:                42,
	}
}

func (p *Params) normalize() error {
	switch p.Objective {
	case ObjectiveL1, ObjectiveL2:
	case "":
		p.Objective = ObjectiveL1
	default:
		return eris.Errorf("boost: unknown objective %q", p.Objective)
	}
	switch p.Metric {
	case MetricMAE, MetricRMSE:
	case "":
		p.Metric = MetricMAE
		if p.Objective == ObjectiveL2 {
			p.Metric = MetricRMSE
		}
	default:
		return eris.Errorf("boost: unknown metric %q", p.Metric)
	}
	if p.NumIterations <= 0 {
		return eris.Errorf("boost: num_iterations must be positive, got %d", p.NumIterations)
	}
	if p.LearningRate <= 0 {
		return eris.Errorf("boost: learning_rate must be positive, got %v", p.LearningRate)
	}
	if p.NumLeaves < 2 {
		return eris.Errorf("boost: num_leaves must be at least 2, got %d", p.NumLeaves)
	}
	if p.MinDataInLeaf < 1 {
		p.MinDataInLeaf = 1
	}
	if p.MaxBins < 2 {
		return eris.Errorf("boost: max_bins must be at least 2, got %d", p.MaxBins)
	}
	if p.MaxBins > 65000 {
		return eris.Errorf("boost: max_bins must be at most 65000, got %d", p.MaxBins)
	}
	if p.FeatureFraction <= 0 || p.FeatureFraction > 1 {
		return eris.Errorf("boost: feature_fraction must be in (0, 1], got %v", p.FeatureFraction)
	}
	if p.BaggingFraction <= 0 || p.BaggingFraction > 1 {
		return eris.Errorf("boost: bagging_fraction must be in (0, 1], got %v", p.BaggingFraction)
	}
	if p.Lambda < 0 {
		return eris.Errorf("boost: lambda_l2 must be non-negative, got %v", p.Lambda)
	}
	if p.NumThreads <= 0 {
		p.NumThreads = runtime.GOMAXPROCS(0)
	}
	return nil
}
