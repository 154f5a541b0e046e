package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/taxi-demand/internal/config"
	"github.com/sells-group/taxi-demand/internal/features"
	"github.com/sells-group/taxi-demand/internal/loader"
	"github.com/sells-group/taxi-demand/internal/model"
	"github.com/sells-group/taxi-demand/internal/store"
)

const boroughs = `{
  "type": "FeatureCollection",
  "features": [
    {
      "type": "Feature",
      "properties": {"BoroName": "Manhattan"},
      "geometry": {"type": "Polygon", "coordinates": [[[-74.02, 40.70], [-73.93, 40.70], [-73.93, 40.88], [-74.02, 40.88], [-74.02, 40.70]]]}
    },
    {
      "type": "Feature",
      "properties": {"BoroName": "Brooklyn"},
      "geometry": {"type": "Polygon", "coordinates": [[[-74.05, 40.57], [-73.85, 40.57], [-73.85, 40.69], [-74.05, 40.69], [-74.05, 40.57]]]}
    }
  ]
}`

// Three Manhattan pickup spots plus one in Brooklyn.
var spots = [][2]float64{
	{40.7580, -73.9855},
	{40.7061, -74.0087},
	{40.8000, -73.9500},
}

var brooklyn = [2]float64{40.6500, -73.9500}

const fixtureDays = 8

var start = time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)

// writeTrips writes a trip CSV whose demand depends on hour of day and spot.
// It returns the number of Brooklyn rows.
func writeTrips(t *testing.T, path string) int {
	t.Helper()
	var b strings.Builder
	b.WriteString("VendorID,tpep_pickup_datetime,tpep_dropoff_datetime,pickup_longitude,pickup_latitude\n")
	outside := 0
	for h := 0; h < fixtureDays*24; h++ {
		at := start.Add(time.Duration(h) * time.Hour)
		for si, s := range spots {
			n := (h%24)/4 + si
			for k := 0; k < n; k++ {
				pick := at.Add(time.Duration(k) * time.Minute)
				fmt.Fprintf(&b, "1,%s,%s,%f,%f\n",
					pick.Format("2006-01-02 15:04:05"),
					pick.Add(10*time.Minute).Format("2006-01-02 15:04:05"),
					s[1], s[0])
			}
		}
		if h%6 == 0 {
			fmt.Fprintf(&b, "2,%s,,%f,%f\n", at.Format("2006-01-02 15:04:05"), brooklyn[1], brooklyn[0])
			outside++
		}
	}
	b.WriteString("1,not-a-time,,-73.98,40.75\n")
	b.WriteString("1,2015-01-01 03:00:00,,0,999\n")
	b.WriteString("1,2015-01-01 04:00:00,,-73.98,40.\"75\n")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return outside
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Paths: config.PathsConfig{
			DataDir:      dir,
			RawTrips:     filepath.Join(dir, "trips.csv"),
			Boundaries:   filepath.Join(dir, "borough.geo.json"),
			ProcessedDir: filepath.Join(dir, "processed"),
			ModelDir:     filepath.Join(dir, "models"),
			ReportsDir:   filepath.Join(dir, "reports"),
		},
		Columns: config.ColumnsConfig{
			PickupDatetime:  "tpep_pickup_datetime",
			DropoffDatetime: "tpep_dropoff_datetime",
			PickupLat:       "pickup_latitude",
			PickupLon:       "pickup_longitude",
			TimeLayout:      "2006-01-02 15:04:05",
			Delimiter:       ",",
		},
		Geo: config.GeoConfig{Resolution: 9, RegionFilter: "Manhattan", RegionProperty: "BoroName"},
		Features: config.FeaturesConfig{
			LagHours:       []int{1, 24},
			MAWindowsHours: []int{3},
			Target:         features.ColDemand,
		},
		Cluster: config.ClusterConfig{K: 2, MaxIter: 50, Seed: 42},
		Model: config.ModelConfig{
			Objective:           "regression_l1",
			Metric:              "mae",
			NEstimators:         30,
			LearningRate:        0.2,
			NumLeaves:           8,
			MaxDepth:            -1,
			MinDataInLeaf:       5,
			MaxBins:             63,
			FeatureFraction:     1,
			BaggingFraction:     1,
			EarlyStoppingRounds: 10,
			Seed:                42,
			NumThreads:          2,
			TestDays:            2,
			Categorical:         []string{features.ColZone, features.ColHourOfDay, features.ColCluster},
		},
		Cache:   config.CacheConfig{Enabled: true, Verify: true},
		Store:   config.StoreConfig{Driver: "sqlite"},
		Metrics: config.MetricsConfig{Textfile: filepath.Join(dir, "metrics", "taxi_demand.prom")},
		Log:     config.LogConfig{Level: "info", Format: "json"},
	}
	require.NoError(t, os.WriteFile(cfg.Paths.Boundaries, []byte(boroughs), 0o644))
	require.NoError(t, cfg.Paths.EnsureDirs())
	return cfg
}

func openStore(t *testing.T, cfg *config.Config) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(cfg.Paths.LedgerFile())
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	return st
}

func stageStatuses(stages []model.StageResult) map[string]model.StageStatus {
	out := make(map[string]model.StageStatus, len(stages))
	for _, s := range stages {
		out[s.Name] = s.Status
	}
	return out
}

func TestRun_EndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	outside := writeTrips(t, cfg.Paths.RawTrips)
	st := openStore(t, cfg)

	p := New(cfg, st, nil)
	require.NoError(t, p.Exec(ctx, "run", func(ctx context.Context) error {
		return p.Run(ctx, Options{})
	}))

	for _, path := range []string{
		cfg.Paths.GridFile(), cfg.Paths.FeaturesFile(), cfg.Paths.ClusteredFile(),
		cfg.Paths.ModelFile(), cfg.Metrics.Textfile,
	} {
		_, err := os.Stat(path)
		assert.NoError(t, err, path)
	}

	assert.Equal(t, float64(len(spots)*fixtureDays*24), testutil.ToFloat64(p.Metrics().GridRows))
	assert.Equal(t, float64(len(spots)), testutil.ToFloat64(p.Metrics().Cells))
	dropped := p.Metrics().RowsDropped
	assert.Equal(t, float64(outside), testutil.ToFloat64(dropped.WithLabelValues("outside_region")))
	assert.Equal(t, 1.0, testutil.ToFloat64(dropped.WithLabelValues("no_cell")))
	assert.Equal(t, 1.0, testutil.ToFloat64(dropped.WithLabelValues("bad_timestamp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(dropped.WithLabelValues("bad_row")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.Metrics().Clusters))
	assert.Positive(t, testutil.ToFloat64(p.Metrics().BestIteration))

	require.NotNil(t, p.eval)
	assert.Equal(t, len(spots)*2*24, p.eval.ValidRows)

	runs, err := st.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusComplete, runs[0].Status)
	require.NotNil(t, runs[0].Result)
	assert.Equal(t, len(spots), runs[0].Result.Cells)
	assert.InDelta(t, p.eval.MAE, runs[0].Result.ValidationMAE, 1e-9)
	_, hasStore := runs[0].Config["store"]
	assert.False(t, hasStore)

	stages, err := st.ListStages(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Len(t, stages, 4)

	cells, err := st.ListCells(ctx)
	require.NoError(t, err)
	assert.Len(t, cells, len(spots))

	preds, err := st.ListPredictions(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Len(t, preds, p.eval.ValidRows)
}

func TestRun_ReusesCache(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	writeTrips(t, cfg.Paths.RawTrips)

	first := New(cfg, nil, nil)
	require.NoError(t, first.Run(ctx, Options{}))

	second := New(cfg, nil, nil)
	require.NoError(t, second.Run(ctx, Options{}))

	got := stageStatuses(second.stages)
	assert.Equal(t, model.StageStatusCached, got[StagePreprocess])
	assert.Equal(t, model.StageStatusCached, got[StageFeatures])
	assert.Equal(t, model.StageStatusCached, got[StageCluster])
	assert.Equal(t, model.StageStatusComplete, got[StageTrain])
	assert.Equal(t, 1.0, testutil.ToFloat64(second.Metrics().CacheHits.WithLabelValues(StageFeatures)))

	// Reloaded artifacts train the same model.
	assert.InDelta(t, first.eval.MAE, second.eval.MAE, 1e-9)
	assert.Equal(t, first.eval.BestIteration, second.eval.BestIteration)
}

func TestRun_ForceRecomputes(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	writeTrips(t, cfg.Paths.RawTrips)

	require.NoError(t, New(cfg, nil, nil).Run(ctx, Options{}))

	p := New(cfg, nil, nil)
	_, err := p.Features(ctx, Options{Force: true})
	require.NoError(t, err)

	got := stageStatuses(p.stages)
	assert.Equal(t, model.StageStatusCached, got[StagePreprocess])
	assert.Equal(t, model.StageStatusComplete, got[StageFeatures])
}

func TestRun_StaleInputRecomputes(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	writeTrips(t, cfg.Paths.RawTrips)

	_, err := New(cfg, nil, nil).Features(ctx, Options{})
	require.NoError(t, err)

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(cfg.Paths.RawTrips, later, later))

	p := New(cfg, nil, nil)
	_, err = p.Features(ctx, Options{})
	require.NoError(t, err)

	got := stageStatuses(p.stages)
	assert.Equal(t, model.StageStatusComplete, got[StagePreprocess])
	assert.Equal(t, model.StageStatusComplete, got[StageFeatures])

	// With verification off an existing artifact is reused as is.
	require.NoError(t, os.Chtimes(cfg.Paths.RawTrips, later.Add(time.Hour), later.Add(time.Hour)))
	cfg.Cache.Verify = false
	q := New(cfg, nil, nil)
	_, err = q.Preprocess(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusCached, stageStatuses(q.stages)[StagePreprocess])
}

func TestRun_MissingTrips(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	st := openStore(t, cfg)

	p := New(cfg, st, nil)
	err := p.Exec(ctx, "run", func(ctx context.Context) error {
		return p.Run(ctx, Options{})
	})
	require.Error(t, err)
	assert.True(t, eris.Is(err, loader.ErrMissingFile))

	runs, lerr := st.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, lerr)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.Equal(t, model.StageStatusFailed, stageStatuses(p.stages)[StagePreprocess])
}

func TestPreprocess_NoBoundariesKeepsAllTrips(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	writeTrips(t, cfg.Paths.RawTrips)
	require.NoError(t, os.Remove(cfg.Paths.Boundaries))

	p := New(cfg, nil, nil)
	g, err := p.Preprocess(ctx, Options{})
	require.NoError(t, err)
	assert.Len(t, g.Cells(), len(spots)+1)
	assert.Equal(t, 0.0, testutil.ToFloat64(p.Metrics().RowsDropped.WithLabelValues("outside_region")))
}

func TestPredict(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	writeTrips(t, cfg.Paths.RawTrips)

	_, err := New(cfg, nil, nil).Predict(ctx, PredictOptions{})
	require.Error(t, err, "no model saved yet")

	require.NoError(t, New(cfg, nil, nil).Run(ctx, Options{}))

	// A fresh pipeline reads the saved model back from disk.
	p := New(cfg, nil, nil)
	preds, err := p.Predict(ctx, PredictOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, preds, 2)
	last := start.Add(time.Duration(fixtureDays*24-1) * time.Hour)
	for _, pr := range preds {
		assert.True(t, pr.Hour.Equal(last))
	}
	assert.GreaterOrEqual(t, preds[0].Predicted, preds[1].Predicted)

	one, err := p.Predict(ctx, PredictOptions{Cell: preds[1].Cell, Hour: last.Add(-30 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, preds[1].Cell, one[0].Cell)
	assert.True(t, one[0].Hour.Equal(last.Add(-time.Hour)))

	_, err = p.Predict(ctx, PredictOptions{Cell: "unknown"})
	assert.Error(t, err)
}

func TestReport(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	writeTrips(t, cfg.Paths.RawTrips)

	p := New(cfg, nil, nil)
	require.NoError(t, p.Run(ctx, Options{}))

	out, err := p.Report(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, len(spots), out.Features)
	for _, path := range []string{out.GeoJSON, out.Workbook} {
		_, err := os.Stat(path)
		assert.NoError(t, err, path)
	}
}
