package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/taxi-demand/internal/artifact"
	"github.com/sells-group/taxi-demand/internal/cluster"
	"github.com/sells-group/taxi-demand/internal/config"
	"github.com/sells-group/taxi-demand/internal/demand"
	"github.com/sells-group/taxi-demand/internal/features"
	"github.com/sells-group/taxi-demand/internal/forecast"
	"github.com/sells-group/taxi-demand/internal/hexgrid"
	"github.com/sells-group/taxi-demand/internal/loader"
	"github.com/sells-group/taxi-demand/internal/model"
)

type preprocessParams struct {
	Columns config.ColumnsConfig `yaml:"columns"`
	Geo     config.GeoConfig     `yaml:"geo"`
}

type clusterParams struct {
	Cluster    config.ClusterConfig `yaml:"cluster"`
	Resolution int                  `yaml:"resolution"`
}

// gridFingerprint covers the raw inputs and the settings that shape the grid.
func (p *Pipeline) gridFingerprint() (string, error) {
	inputs := []string{p.cfg.Paths.RawTrips}
	if p.cfg.Paths.Boundaries != "" && p.cfg.Geo.RegionFilter != "" {
		inputs = append(inputs, p.cfg.Paths.Boundaries)
	}
	return fingerprint(inputs, preprocessParams{Columns: p.cfg.Columns, Geo: p.cfg.Geo})
}

func (p *Pipeline) featuresFingerprint() (string, error) {
	return fingerprint([]string{p.cfg.Paths.GridFile()}, p.cfg.Features)
}

func (p *Pipeline) clusterFingerprint() (string, error) {
	return fingerprint([]string{p.cfg.Paths.FeaturesFile()},
		clusterParams{Cluster: p.cfg.Cluster, Resolution: p.cfg.Geo.Resolution})
}

// current reports whether a stage's output is usable without recomputing:
// either it was produced in this invocation, or its artifact and every
// upstream artifact pass the cache check.
func (p *Pipeline) current(ctx context.Context, stage string) bool {
	var (
		upstream string
		path     string
		fpFn     func() (string, error)
	)
	switch stage {
	case StagePreprocess:
		if p.grid != nil {
			return true
		}
		path, fpFn = p.cfg.Paths.GridFile(), p.gridFingerprint
	case StageFeatures:
		if p.table != nil {
			return true
		}
		upstream, path, fpFn = StagePreprocess, p.cfg.Paths.FeaturesFile(), p.featuresFingerprint
	case StageCluster:
		if p.clustered != nil {
			return true
		}
		upstream, path, fpFn = StageFeatures, p.cfg.Paths.ClusteredFile(), p.clusterFingerprint
	default:
		return false
	}
	if upstream != "" && !p.current(ctx, upstream) {
		return false
	}
	fp, err := fpFn()
	return err == nil && p.reuse(ctx, Options{}, path, fp)
}

// Preprocess loads the raw trips, applies the region filter and builds the
// dense hourly demand grid.
func (p *Pipeline) Preprocess(ctx context.Context, opts Options) (*demand.Grid, error) {
	if p.grid != nil && !opts.Force {
		return p.grid, nil
	}
	paths := p.cfg.Paths
	fp, err := p.gridFingerprint()
	if err != nil {
		return nil, err
	}

	path := paths.GridFile()
	if p.reuse(ctx, opts, path, fp) {
		var g *demand.Grid
		if p.fromCache(ctx, StagePreprocess, model.RunStatusPreprocessing, path, func() (int, error) {
			var lerr error
			g, lerr = artifact.LoadGrid(ctx, path)
			if lerr != nil {
				return 0, lerr
			}
			return len(g.Records), nil
		}) {
			p.grid = g
			p.observeGrid(g)
			return g, nil
		}
	}

	var grid *demand.Grid
	err = p.track(ctx, StagePreprocess, model.RunStatusPreprocessing, func() (*model.StageResult, error) {
		trips, ls, err := loader.LoadTrips(ctx, paths.RawTrips, p.cfg.Columns)
		if err != nil {
			return nil, err
		}
		p.metrics.TripsRead.Add(float64(ls.Rows))
		p.metrics.RowsDropped.WithLabelValues("bad_timestamp").Add(float64(ls.BadTimestamp))
		p.metrics.RowsDropped.WithLabelValues("bad_row").Add(float64(ls.BadRows))

		trips, outside := p.filterRegion(trips)
		p.metrics.RowsDropped.WithLabelValues("outside_region").Add(float64(outside))

		g, as := demand.Aggregate(trips, p.ix)
		p.metrics.RowsDropped.WithLabelValues("no_cell").Add(float64(as.NoCell))
		if len(g.Records) == 0 {
			return nil, eris.Errorf("pipeline: no trips left to aggregate (%d read, %d outside region, %d without cell)",
				ls.Rows, outside, as.NoCell)
		}
		if err := g.Validate(); err != nil {
			return nil, eris.Wrap(err, "pipeline: aggregated grid")
		}
		if err := artifact.SaveGrid(ctx, path, g, fp); err != nil {
			return nil, err
		}
		grid = g
		return &model.StageResult{
			Rows: len(g.Records),
			Metadata: map[string]any{
				"trips":           ls.Rows,
				"bad_timestamp":   ls.BadTimestamp,
				"bad_coordinates": ls.BadCoordinates,
				"bad_rows":        ls.BadRows,
				"outside_region":  outside,
				"no_cell":         as.NoCell,
				"cells":           as.Cells,
				"hours":           as.Hours,
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	p.grid = grid
	p.observeGrid(grid)
	return grid, nil
}

// filterRegion keeps trips inside the configured region. A missing boundary
// file or an unknown region name disables the filter with a warning.
func (p *Pipeline) filterRegion(trips []model.Trip) ([]model.Trip, int) {
	name := p.cfg.Geo.RegionFilter
	if name == "" {
		return trips, 0
	}
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("region", name))

	b := loader.LoadBoundaries(p.cfg.Paths.Boundaries, p.cfg.Geo.RegionProperty)
	if b == nil {
		log.Warn("pipeline: region filter requested but boundaries unavailable; keeping all trips")
		return trips, 0
	}
	region, ok := b.Region(name)
	if !ok {
		log.Warn("pipeline: region not found in boundaries; keeping all trips",
			zap.Strings("available", b.Names()))
		return trips, 0
	}
	kept, dropped := loader.FilterRegion(trips, region)
	log.Info("pipeline: region filter applied",
		zap.Int("kept", len(kept)),
		zap.Int("dropped", dropped),
	)
	return kept, dropped
}

func (p *Pipeline) observeGrid(g *demand.Grid) {
	p.metrics.GridRows.Set(float64(len(g.Records)))
	p.metrics.Cells.Set(float64(len(g.Cells())))
	if len(g.Records) > 0 {
		first, last := g.Span()
		p.metrics.Hours.Set(float64(last.Sub(first)/time.Hour) + 1)
	}
}

// Features builds the calendar, lag and moving-average feature table.
func (p *Pipeline) Features(ctx context.Context, opts Options) (*features.Table, error) {
	if p.table != nil && !opts.Force {
		return p.table, nil
	}
	path := p.cfg.Paths.FeaturesFile()

	if !opts.Force && p.current(ctx, StagePreprocess) {
		if t, ok := p.cachedTable(ctx, StageFeatures, model.RunStatusFeaturizing, path, p.featuresFingerprint); ok {
			p.table = t
			return t, nil
		}
	}

	g, err := p.Preprocess(ctx, Options{})
	if err != nil {
		return nil, err
	}
	fp, err := p.featuresFingerprint()
	if err != nil {
		return nil, err
	}

	var table *features.Table
	err = p.track(ctx, StageFeatures, model.RunStatusFeaturizing, func() (*model.StageResult, error) {
		t, err := features.Build(g, p.cfg.Features)
		if err != nil {
			return nil, err
		}
		if err := artifact.SaveTable(ctx, path, artifact.KindFeatures, t, fp, nil, nil); err != nil {
			return nil, err
		}
		table = t
		return &model.StageResult{
			Rows:     t.NumRows(),
			Metadata: map[string]any{"columns": t.ColumnNames()},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	p.table = table
	return table, nil
}

// Cluster labels every cell with its hotspot class and stores the per-cell
// summaries alongside the clustered table and in the ledger.
func (p *Pipeline) Cluster(ctx context.Context, opts Options) (*features.Table, *cluster.Result, error) {
	if p.clustered != nil && !opts.Force {
		return p.clustered, p.clusters, nil
	}
	path := p.cfg.Paths.ClusteredFile()

	if !opts.Force && p.current(ctx, StageFeatures) {
		if t, ok := p.cachedTable(ctx, StageCluster, model.RunStatusClustering, path, p.clusterFingerprint); ok {
			res, err := cluster.FromTable(t)
			if err == nil {
				p.clustered, p.clusters = t, res
				p.metrics.Clusters.Set(float64(res.K))
				return t, res, nil
			}
			zap.L().Warn("pipeline: cached clustered table unusable, recomputing", zap.Error(err))
		}
	}

	base, err := p.Features(ctx, Options{})
	if err != nil {
		return nil, nil, err
	}
	fp, err := p.clusterFingerprint()
	if err != nil {
		return nil, nil, err
	}

	var (
		table *features.Table
		res   *cluster.Result
	)
	err = p.track(ctx, StageCluster, model.RunStatusClustering, func() (*model.StageResult, error) {
		// Label a shallow copy so the feature table stays as built.
		t, err := base.Select(base.ColumnNames())
		if err != nil {
			return nil, err
		}
		r, err := cluster.Assign(t, cluster.Options{
			K:       p.cfg.Cluster.K,
			MaxIter: p.cfg.Cluster.MaxIter,
			Seed:    p.cfg.Cluster.Seed,
		})
		if err != nil {
			return nil, err
		}
		cells := r.Cells(p.ix)
		if err := artifact.SaveTable(ctx, path, artifact.KindClustered, t, fp, cells, p.boundaryOf); err != nil {
			return nil, err
		}
		if p.store != nil {
			if _, uerr := p.store.UpsertCells(ctx, cells); uerr != nil {
				zap.L().Warn("pipeline: failed to record cells in ledger", zap.Error(uerr))
			}
		}
		table, res = t, r
		return &model.StageResult{
			Rows: t.NumRows(),
			Metadata: map[string]any{
				"k":     r.K,
				"cells": len(cells),
			},
		}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	p.clustered, p.clusters = table, res
	p.metrics.Clusters.Set(float64(res.K))
	return table, res, nil
}

// cachedTable returns the table artifact at path when the cache allows it.
func (p *Pipeline) cachedTable(ctx context.Context, stage string, status model.RunStatus,
	path string, fpFn func() (string, error)) (*features.Table, bool) {
	fp, err := fpFn()
	if err != nil || !p.reuse(ctx, Options{}, path, fp) {
		return nil, false
	}
	var t *features.Table
	ok := p.fromCache(ctx, stage, status, path, func() (int, error) {
		var lerr error
		t, lerr = artifact.LoadTable(ctx, path)
		if lerr != nil {
			return 0, lerr
		}
		return t.NumRows(), nil
	})
	return t, ok
}

func (p *Pipeline) boundaryOf(cell string) (*geom.Polygon, bool) {
	c, ok := hexgrid.Parse(cell)
	if !ok {
		return nil, false
	}
	return p.ix.BoundaryOf(c)
}

// Train fits the forecaster on the clustered table and saves it with its
// metadata sidecar. Training always runs; only the data stages are cached.
func (p *Pipeline) Train(ctx context.Context) (*forecast.Model, *forecast.Evaluation, error) {
	t, _, err := p.Cluster(ctx, Options{})
	if err != nil {
		return nil, nil, err
	}

	var (
		m    *forecast.Model
		eval *forecast.Evaluation
	)
	err = p.track(ctx, StageTrain, model.RunStatusTraining, func() (*model.StageResult, error) {
		spec := forecast.SpecFor(t, p.cfg.Features.Target, p.cfg.Model.Categorical)
		var err error
		m, eval, err = forecast.Train(t, spec, forecast.ParamsFromConfig(p.cfg.Model), p.cfg.Model.TestDays)
		if err != nil {
			return nil, err
		}
		path := p.cfg.Paths.ModelFile()
		if err := forecast.Save(path, m, eval); err != nil {
			return nil, err
		}
		if p.store != nil && p.runID != "" {
			if _, serr := p.store.SavePredictions(ctx, p.runID, eval.Predictions); serr != nil {
				zap.L().Warn("pipeline: failed to record validation predictions", zap.Error(serr))
			}
		}
		return &model.StageResult{
			Rows: eval.TrainRows + eval.ValidRows,
			Metadata: map[string]any{
				"model":          path,
				"mae":            eval.MAE,
				"rmse":           eval.RMSE,
				"best_iteration": eval.BestIteration,
				"train_rows":     eval.TrainRows,
				"valid_rows":     eval.ValidRows,
				"cutoff":         eval.Cutoff.Format(time.RFC3339),
			},
		}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	p.model, p.eval = m, eval
	p.metrics.ValidationMAE.Set(eval.MAE)
	p.metrics.ValidationRMSE.Set(eval.RMSE)
	p.metrics.BestIteration.Set(float64(eval.BestIteration))
	return m, eval, nil
}
