package artifact

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/taxi-demand/internal/demand"
	"github.com/sells-group/taxi-demand/internal/features"
	"github.com/sells-group/taxi-demand/internal/hexgrid"
	"github.com/sells-group/taxi-demand/internal/model"
)

var base = time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)

func testGrid() *demand.Grid {
	counts := map[demand.Key]float64{
		{Cell: "a", Hour: base}:                    3,
		{Cell: "a", Hour: base.Add(2 * time.Hour)}: 1,
		{Cell: "b", Hour: base.Add(time.Hour)}:     5,
	}
	return demand.Densify(counts)
}

func TestGrid_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "grid.db")
	g := testGrid()

	require.NoError(t, SaveGrid(ctx, path, g, "fp-1"))

	back, err := LoadGrid(ctx, path)
	require.NoError(t, err)
	require.Len(t, back.Records, len(g.Records))
	for i := range g.Records {
		assert.Equal(t, g.Records[i].Cell, back.Records[i].Cell)
		assert.True(t, g.Records[i].Hour.Equal(back.Records[i].Hour))
		assert.Equal(t, g.Records[i].Demand, back.Records[i].Demand)
	}

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close() //nolint:errcheck

	kind, ok, err := r.Meta(ctx, MetaKind)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, KindGrid, kind)

	rows, ok, err := r.Meta(ctx, MetaRows)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "6", rows)

	_, ok, err = r.Meta(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestTable_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "features.db")

	tbl := features.FromGrid(testGrid())
	lag := make([]float64, tbl.NumRows())
	for i := range lag {
		lag[i] = float64(i)
	}
	lag[0] = math.NaN()
	require.NoError(t, tbl.AddColumn("lag_1h", lag, false))

	require.NoError(t, SaveTable(ctx, path, KindFeatures, tbl, "fp", nil, nil))

	back, err := LoadTable(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, tbl.ColumnNames(), back.ColumnNames())
	assert.Equal(t, tbl.Cells, back.Cells)
	assert.Equal(t, tbl.Levels, back.Levels)
	require.Len(t, back.Hours, len(tbl.Hours))
	for i := range tbl.Hours {
		assert.True(t, tbl.Hours[i].Equal(back.Hours[i]))
	}

	for _, want := range tbl.Columns {
		got, ok := back.Column(want.Name)
		require.True(t, ok, want.Name)
		assert.Equal(t, want.Categorical, got.Categorical, want.Name)
		require.Len(t, got.Values, len(want.Values))
		for i := range want.Values {
			if math.IsNaN(want.Values[i]) {
				assert.True(t, math.IsNaN(got.Values[i]), "%s[%d]", want.Name, i)
				continue
			}
			assert.Equal(t, want.Values[i], got.Values[i], "%s[%d]", want.Name, i)
		}
	}
}

func TestCells_RoundTripWithBoundary(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "clustered.db")
	ix := hexgrid.NewIndexer(9)

	busy, ok := ix.CellOf(40.7580, -73.9855)
	require.True(t, ok)
	quiet, ok := ix.CellOf(40.7061, -74.0087)
	require.True(t, ok)

	lat, lon, ok := ix.CentroidOf(busy)
	require.True(t, ok)
	cells := []model.CellSummary{
		{Cell: quiet.String(), Cluster: 0, MeanDemand: 1, TotalDemand: 10, PeakDemand: 2},
		{Cell: busy.String(), Cluster: 1, MeanDemand: 9, TotalDemand: 90, PeakDemand: 20, Lat: lat, Lon: lon},
		{Cell: "not-a-cell", Cluster: 0, TotalDemand: 1},
	}
	boundaryOf := func(s string) (*geom.Polygon, bool) {
		c, ok := hexgrid.Parse(s)
		if !ok {
			return nil, false
		}
		return ix.BoundaryOf(c)
	}

	tbl := features.FromGrid(testGrid())
	require.NoError(t, SaveTable(ctx, path, KindClustered, tbl, "fp", cells, boundaryOf))

	got, err := LoadCells(ctx, path)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, busy.String(), got[0].Cell)
	assert.Equal(t, 1, got[0].Cluster)
	assert.InDelta(t, lat, got[0].Lat, 1e-12)
	assert.InDelta(t, lon, got[0].Lon, 1e-12)
	require.NotNil(t, got[0].Boundary)
	want, _ := ix.BoundaryOf(busy)
	assert.Equal(t, want.FlatCoords(), got[0].Boundary.FlatCoords())

	assert.Equal(t, quiet.String(), got[1].Cell)
	assert.NotNil(t, got[1].Boundary)
	assert.Equal(t, "not-a-cell", got[2].Cell)
	assert.Nil(t, got[2].Boundary)
}

func TestWriter_Abort(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "grid.db")

	w, err := Create(ctx, path, KindGrid)
	require.NoError(t, err)
	require.NoError(t, w.PutGrid(ctx, testGrid()))
	w.Abort()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadGrid_Missing(t *testing.T) {
	_, err := LoadGrid(context.Background(), filepath.Join(t.TempDir(), "absent.db"))
	assert.Error(t, err)
}

func TestFresh(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "grid.db")

	assert.False(t, Fresh(ctx, path, "fp", false))
	assert.False(t, Fresh(ctx, path, "fp", true))

	require.NoError(t, SaveGrid(ctx, path, testGrid(), "fp"))
	assert.True(t, Fresh(ctx, path, "fp", true))
	assert.True(t, Fresh(ctx, path, "other", false))
	assert.False(t, Fresh(ctx, path, "other", true))

	junk := filepath.Join(t.TempDir(), "junk.db")
	require.NoError(t, os.WriteFile(junk, []byte("not sqlite"), 0o644))
	assert.False(t, Fresh(ctx, junk, "fp", true))
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "trips.csv")
	require.NoError(t, os.WriteFile(in, []byte("a,b\n"), 0o644))

	type params struct {
		Res int `yaml:"res"`
	}

	fp1, err := Fingerprint([]string{in}, params{Res: 9})
	require.NoError(t, err)
	again, err := Fingerprint([]string{in}, params{Res: 9})
	require.NoError(t, err)
	assert.Equal(t, fp1, again)

	otherParams, err := Fingerprint([]string{in}, params{Res: 8})
	require.NoError(t, err)
	assert.NotEqual(t, fp1, otherParams)

	require.NoError(t, os.WriteFile(in, []byte("a,b\n1,2\n"), 0o644))
	changed, err := Fingerprint([]string{in}, params{Res: 9})
	require.NoError(t, err)
	assert.NotEqual(t, fp1, changed)

	missing, err := Fingerprint([]string{filepath.Join(dir, "absent.csv")}, nil)
	require.NoError(t, err)
	assert.Len(t, missing, 64)
}
