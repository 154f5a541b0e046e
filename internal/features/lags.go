package features

import (
	"fmt"
	"math"

	"github.com/rotisserie/eris"
)

// LagName is the column name for a lag of h hours.
func LagName(h int) string {
	return fmt.Sprintf("demand_lag_%dh", h)
}

// MAName is the column name for a w-hour moving average.
func MAName(w int) string {
	return fmt.Sprintf("demand_ma_%dh", w)
}

// AddLagFeatures adds, for each horizon h, the cell's demand h hours earlier.
// Rows whose lagged hour falls before the cell's first hour get NaN.
func AddLagFeatures(t *Table, horizons []int) error {
	target, err := seriesTarget(t)
	if err != nil {
		return err
	}
	groups := t.Groups()

	for _, h := range horizons {
		if h <= 0 {
			return eris.Errorf("features: lag horizon must be positive, got %d", h)
		}
		vals := make([]float64, t.NumRows())
		for _, g := range groups {
			for i := g[0]; i < g[1]; i++ {
				if i-h < g[0] {
					vals[i] = math.NaN()
					continue
				}
				vals[i] = target[i-h]
			}
		}
		if err := t.AddColumn(LagName(h), vals, false); err != nil {
			return err
		}
	}
	return nil
}

// AddMovingAverageFeatures adds, for each window w, the mean of the cell's
// demand over the last w rows including the current one. The first rows of a
// series average over the shorter window available.
func AddMovingAverageFeatures(t *Table, windows []int) error {
	target, err := seriesTarget(t)
	if err != nil {
		return err
	}
	groups := t.Groups()

	for _, w := range windows {
		if w <= 0 {
			return eris.Errorf("features: moving-average window must be positive, got %d", w)
		}
		vals := make([]float64, t.NumRows())
		for _, g := range groups {
			var sum float64
			for i := g[0]; i < g[1]; i++ {
				sum += target[i]
				if i-w >= g[0] {
					sum -= target[i-w]
				}
				n := i - g[0] + 1
				if n > w {
					n = w
				}
				vals[i] = sum / float64(n)
			}
		}
		if err := t.AddColumn(MAName(w), vals, false); err != nil {
			return err
		}
	}
	return nil
}

func seriesTarget(t *Table) ([]float64, error) {
	if err := t.CheckSeries(); err != nil {
		return nil, err
	}
	col, ok := t.Column(ColDemand)
	if !ok {
		return nil, eris.Errorf("features: table has no %s column", ColDemand)
	}
	return col.Values, nil
}
