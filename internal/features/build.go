package features

import (
	"go.uber.org/zap"

	"github.com/sells-group/taxi-demand/internal/config"
	"github.com/sells-group/taxi-demand/internal/demand"
)

// Build turns a dense grid into the full feature table: target, zone,
// calendar, lag and moving-average columns.
func Build(g *demand.Grid, cfg config.FeaturesConfig) (*Table, error) {
	t := FromGrid(g)
	if err := AddCalendarFeatures(t); err != nil {
		return nil, err
	}
	if err := AddLagFeatures(t, cfg.LagHours); err != nil {
		return nil, err
	}
	if err := AddMovingAverageFeatures(t, cfg.MAWindowsHours); err != nil {
		return nil, err
	}

	zap.L().Info("features: built",
		zap.Int("rows", t.NumRows()),
		zap.Int("columns", len(t.Columns)),
		zap.Ints("lags", cfg.LagHours),
		zap.Ints("ma_windows", cfg.MAWindowsHours),
	)
	return t, nil
}
