package pipeline

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/taxi-demand/internal/demand"
	"github.com/sells-group/taxi-demand/internal/forecast"
	"github.com/sells-group/taxi-demand/internal/model"
	"github.com/sells-group/taxi-demand/internal/report"
)

// PredictOptions selects the rows to score.
type PredictOptions struct {
	// Cell restricts scoring to one cell.
	Cell string
	// Hour scores that hour; zero means the latest hour in the table.
	Hour time.Time
	// Limit keeps the highest predictions; 0 keeps all.
	Limit int
}

// Predict scores feature rows with the saved model, highest demand first.
// The model is read from disk unless Train ran in this invocation.
func (p *Pipeline) Predict(ctx context.Context, opts PredictOptions) ([]model.Prediction, error) {
	t, _, err := p.Cluster(ctx, Options{})
	if err != nil {
		return nil, err
	}
	m := p.model
	if m == nil {
		path := p.cfg.Paths.ModelFile()
		if _, serr := os.Stat(path); serr != nil {
			return nil, eris.Wrapf(serr, "pipeline: no model at %s; run `taxi-demand train` first", path)
		}
		if m, err = forecast.Load(path); err != nil {
			return nil, err
		}
	}

	var out []model.Prediction
	err = p.track(ctx, StagePredict, model.RunStatusPredicting, func() (*model.StageResult, error) {
		hour := t.MaxHour()
		if !opts.Hour.IsZero() {
			hour = demand.FloorHour(opts.Hour)
		}
		sub := t.FilterRows(func(i int) bool {
			if opts.Cell != "" && t.Cells[i] != opts.Cell {
				return false
			}
			return t.Hours[i].Equal(hour)
		})
		if sub.NumRows() == 0 {
			return nil, eris.Errorf("pipeline: no feature rows for cell %q at %s", opts.Cell, hour.Format(time.RFC3339))
		}

		pred, err := m.PredictTable(sub)
		if err != nil {
			return nil, err
		}
		preds := m.Predictions(sub, pred)
		sort.SliceStable(preds, func(i, j int) bool {
			if preds[i].Predicted != preds[j].Predicted {
				return preds[i].Predicted > preds[j].Predicted
			}
			return preds[i].Cell < preds[j].Cell
		})
		if opts.Limit > 0 && len(preds) > opts.Limit {
			preds = preds[:opts.Limit]
		}

		if p.store != nil && p.runID != "" {
			if _, serr := p.store.SavePredictions(ctx, p.runID, preds); serr != nil {
				zap.L().Warn("pipeline: failed to record predictions", zap.Error(serr))
			}
		}
		out = preds
		return &model.StageResult{
			Rows: len(preds),
			Metadata: map[string]any{
				"hour": hour.Format(time.RFC3339),
				"cell": opts.Cell,
			},
		}, nil
	})
	return out, err
}

// Report writes the hotspot map and the summary workbook. The model sheets
// are left empty when no model has been saved yet.
func (p *Pipeline) Report(ctx context.Context, topN int) (*report.Output, error) {
	_, res, err := p.Cluster(ctx, Options{})
	if err != nil {
		return nil, err
	}

	var meta *forecast.Metadata
	if m, lerr := forecast.LoadMetadata(p.cfg.Paths.ModelFile()); lerr == nil {
		meta = m
	} else {
		zap.L().Warn("pipeline: no model metadata, reporting clusters only", zap.Error(lerr))
	}

	var out *report.Output
	err = p.track(ctx, StageReport, model.RunStatusReporting, func() (*model.StageResult, error) {
		o, err := report.Write(ctx, p.cfg.Paths.ReportsDir, p.cfg.Paths.MapsDir(), p.ix, report.Input{
			Clusters: res.Summary(),
			Cells:    res.Cells(p.ix),
			Meta:     meta,
			TopN:     topN,
		})
		if err != nil {
			return nil, err
		}
		out = o
		return &model.StageResult{
			Rows: o.Features,
			Metadata: map[string]any{
				"geojson":  o.GeoJSON,
				"workbook": o.Workbook,
			},
		}, nil
	})
	return out, err
}
