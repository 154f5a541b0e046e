// Package pipeline runs the demand stages in order: preprocess, features,
// cluster, train. Every stage reuses its cached artifact when allowed,
// records itself in the run ledger and updates the run metrics.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/taxi-demand/internal/artifact"
	"github.com/sells-group/taxi-demand/internal/cluster"
	"github.com/sells-group/taxi-demand/internal/config"
	"github.com/sells-group/taxi-demand/internal/demand"
	"github.com/sells-group/taxi-demand/internal/features"
	"github.com/sells-group/taxi-demand/internal/forecast"
	"github.com/sells-group/taxi-demand/internal/hexgrid"
	"github.com/sells-group/taxi-demand/internal/metrics"
	"github.com/sells-group/taxi-demand/internal/model"
	"github.com/sells-group/taxi-demand/internal/store"
)

// Stage names as recorded in the ledger and metrics.
const (
	StagePreprocess = "preprocess"
	StageFeatures   = "features"
	StageCluster    = "cluster"
	StageTrain      = "train"
	StagePredict    = "predict"
	StageReport     = "report"
)

// Options are per-invocation choices.
type Options struct {
	// Force ignores the artifact cache for the requested stage.
	Force bool
}

// Pipeline holds the configuration, ledger and metrics for one invocation
// plus whatever the earlier stages produced in memory. It is not safe for
// concurrent use.
type Pipeline struct {
	cfg     *config.Config
	store   store.Store
	metrics *metrics.Metrics
	ix      *hexgrid.Indexer

	runID  string
	stages []model.StageResult

	grid      *demand.Grid
	table     *features.Table
	clustered *features.Table
	clusters  *cluster.Result
	model     *forecast.Model
	eval      *forecast.Evaluation
}

// New creates a Pipeline. st may be nil, in which case nothing is recorded
// in a ledger; m may be nil, in which case a fresh registry is used.
func New(cfg *config.Config, st store.Store, m *metrics.Metrics) *Pipeline {
	if m == nil {
		m = metrics.New()
	}
	return &Pipeline{
		cfg:     cfg,
		store:   st,
		metrics: m,
		ix:      hexgrid.NewIndexer(cfg.Geo.Resolution),
	}
}

// Indexer returns the hex indexer bound to the configured resolution.
func (p *Pipeline) Indexer() *hexgrid.Indexer {
	return p.ix
}

// Metrics returns the run's collectors.
func (p *Pipeline) Metrics() *metrics.Metrics {
	return p.metrics
}

// RunID returns the ledger id of the current run, or "" when none.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Stages returns the stages executed so far, in order.
func (p *Pipeline) Stages() []model.StageResult {
	return p.stages
}

// Exec wraps fn in a ledger run named after command. The run result records
// every stage fn executed; the metrics textfile is written afterwards.
// Ledger failures are logged and never fail the command.
func (p *Pipeline) Exec(ctx context.Context, command string, fn func(ctx context.Context) error) error {
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("command", command))
	start := time.Now()

	if p.store != nil {
		run, err := p.store.CreateRun(ctx, command, p.snapshot())
		if err != nil {
			log.Warn("pipeline: failed to create run", zap.Error(err))
		} else {
			p.runID = run.ID
			log = log.With(zap.String("run_id", run.ID))
		}
	}
	log.Info("pipeline: starting")

	err := fn(ctx)

	result := p.result()
	if err != nil {
		result.Error = err.Error()
		log.Error("pipeline: failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
	} else {
		p.metrics.MarkSuccess(time.Now())
		log.Info("pipeline: complete", zap.Duration("elapsed", time.Since(start)))
	}

	if p.store != nil && p.runID != "" {
		// Use a fresh context so an interrupted run is still recorded.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if uerr := p.store.UpdateRunResult(rctx, p.runID, result); uerr != nil {
			log.Warn("pipeline: failed to record run result", zap.Error(uerr))
		}
		cancel()
	}
	if werr := p.metrics.WriteTextfile(p.cfg.Metrics.Textfile); werr != nil {
		log.Warn("pipeline: failed to write metrics textfile", zap.Error(werr))
	}
	return err
}

// Run executes every stage in order.
func (p *Pipeline) Run(ctx context.Context, opts Options) error {
	if _, err := p.Preprocess(ctx, opts); err != nil {
		return err
	}
	if _, err := p.Features(ctx, opts); err != nil {
		return err
	}
	if _, _, err := p.Cluster(ctx, opts); err != nil {
		return err
	}
	_, _, err := p.Train(ctx)
	return err
}

func (p *Pipeline) result() *model.RunResult {
	r := &model.RunResult{Stages: p.stages}
	if p.grid != nil {
		r.GridRows = len(p.grid.Records)
		r.Cells = len(p.grid.Cells())
	} else if p.clusters != nil {
		r.Cells = len(p.clusters.Labels)
	}
	if p.eval != nil {
		r.ValidationMAE = p.eval.MAE
		r.ValidationRMSE = p.eval.RMSE
		r.BestIteration = p.eval.BestIteration
	}
	return r
}

// snapshot renders the configuration for the ledger, without credentials.
func (p *Pipeline) snapshot() map[string]any {
	data, err := yaml.Marshal(p.cfg)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil
	}
	delete(out, "store")
	return out
}

// track runs fn as a ledger stage and records its duration and outcome.
func (p *Pipeline) track(ctx context.Context, name string, status model.RunStatus, fn func() (*model.StageResult, error)) error {
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("stage", name))

	var stage *model.RunStage
	if p.store != nil && p.runID != "" {
		if err := p.store.UpdateRunStatus(ctx, p.runID, status); err != nil {
			log.Warn("pipeline: failed to update status", zap.Error(err))
		}
		var err error
		stage, err = p.store.CreateStage(ctx, p.runID, name)
		if err != nil {
			log.Warn("pipeline: failed to create stage", zap.Error(err))
		}
	}

	start := time.Now()
	res, err := fn()
	elapsed := time.Since(start)

	if res == nil {
		res = &model.StageResult{}
	}
	res.Name = name
	res.Duration = elapsed.Milliseconds()
	if err != nil {
		res.Status = model.StageStatusFailed
		res.Error = err.Error()
		log.Error("pipeline: stage failed", zap.Duration("elapsed", elapsed), zap.Error(err))
	} else {
		if res.Status == "" {
			res.Status = model.StageStatusComplete
		}
		log.Info("pipeline: stage complete",
			zap.String("status", string(res.Status)),
			zap.Int("rows", res.Rows),
			zap.Duration("elapsed", elapsed),
		)
	}
	p.metrics.ObserveStage(name, elapsed, err)

	if stage != nil {
		if cerr := p.store.CompleteStage(ctx, stage.ID, res); cerr != nil {
			log.Warn("pipeline: failed to complete stage", zap.Error(cerr))
		}
	}
	p.stages = append(p.stages, *res)
	return err
}

// reuse reports whether the artifact at path may stand in for recomputing
// the stage.
func (p *Pipeline) reuse(ctx context.Context, opts Options, path, fp string) bool {
	if opts.Force || !p.cfg.Cache.Enabled {
		return false
	}
	return artifact.Fresh(ctx, path, fp, p.cfg.Cache.Verify)
}

// fromCache loads a cached artifact and records the stage as cached. An
// unreadable artifact is logged and reported as a miss.
func (p *Pipeline) fromCache(ctx context.Context, name string, status model.RunStatus, path string, load func() (int, error)) bool {
	start := time.Now()
	rows, err := load()
	if err != nil {
		zap.L().Warn("pipeline: cached artifact unreadable, recomputing",
			zap.String("stage", name), zap.String("path", path), zap.Error(err))
		return false
	}
	p.metrics.CacheHits.WithLabelValues(name).Inc()
	_ = p.track(ctx, name, status, func() (*model.StageResult, error) {
		return &model.StageResult{
			Status: model.StageStatusCached,
			Rows:   rows,
			Metadata: map[string]any{
				"artifact": path,
				"load_ms":  time.Since(start).Milliseconds(),
			},
		}, nil
	})
	return true
}

func fingerprint(inputs []string, params any) (string, error) {
	fp, err := artifact.Fingerprint(inputs, params)
	return fp, eris.Wrap(err, "pipeline: fingerprint")
}
