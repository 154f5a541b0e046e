package cluster

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/taxi-demand/internal/demand"
	"github.com/sells-group/taxi-demand/internal/features"
	"github.com/sells-group/taxi-demand/internal/hexgrid"
)

var base = time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)

func tableOf(t *testing.T, series map[string][]float64) *features.Table {
	t.Helper()
	counts := make(map[demand.Key]float64)
	for cell, vals := range series {
		for i, v := range vals {
			counts[demand.Key{Cell: cell, Hour: base.Add(time.Duration(i) * time.Hour)}] += v
		}
	}
	g := demand.Densify(counts)
	require.NoError(t, g.Validate())
	return features.FromGrid(g)
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func spiky(low, high float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = low
		if i%24 >= 17 && i%24 <= 19 {
			out[i] = high
		}
	}
	return out
}

func TestSignatures(t *testing.T) {
	tbl := tableOf(t, map[string][]float64{
		"a": {1, 3},
		"b": {0, 0},
	})

	sigs, points, err := Signatures(tbl)
	require.NoError(t, err)
	require.Len(t, sigs, 2)

	assert.Equal(t, "a", sigs[0].Cell)
	assert.InDelta(t, 2.0, sigs[0].Mean, 1e-9)
	assert.InDelta(t, 1.0, sigs[0].Std, 1e-9)
	assert.InDelta(t, 3.0, sigs[0].Peak, 1e-9)
	assert.InDelta(t, 4.0, sigs[0].Total, 1e-9)
	require.Len(t, sigs[0].Raw, 3+profileHours)
	assert.InDelta(t, 1.0, sigs[0].Raw[3], 1e-9, "hour 0 profile")
	assert.InDelta(t, 3.0, sigs[0].Raw[4], 1e-9, "hour 1 profile")

	require.Len(t, points, 2)
	// Two points z-score to +1 / -1 on every varying dimension.
	assert.InDelta(t, 1.0, points[0][0], 1e-9)
	assert.InDelta(t, -1.0, points[1][0], 1e-9)
	// Hour 5 is zero for both cells, a constant dimension.
	assert.InDelta(t, 0.0, points[0][3+5], 1e-9)
}

func TestSignatures_MissingTarget(t *testing.T) {
	tbl := features.NewTable([]string{"a"}, []time.Time{base})
	_, _, err := Signatures(tbl)
	assert.Error(t, err)
}

func TestZscore_ConstantDimension(t *testing.T) {
	points := [][]float64{{5, 1}, {5, 3}}
	zscore(points)
	assert.Equal(t, 0.0, points[0][0])
	assert.Equal(t, 0.0, points[1][0])
	assert.InDelta(t, -1.0, points[0][1], 1e-9)
	assert.InDelta(t, 1.0, points[1][1], 1e-9)
}

func TestKMeans_SeparatesBlobs(t *testing.T) {
	points := [][]float64{
		{0, 0}, {0.1, 0}, {0, 0.1},
		{10, 10}, {10.1, 10}, {10, 10.1},
	}
	labels, centroids := KMeans(points, 2, 50, 42)
	require.Len(t, labels, 6)
	require.Len(t, centroids, 2)

	assert.Equal(t, labels[0], labels[1])
	assert.Equal(t, labels[0], labels[2])
	assert.Equal(t, labels[3], labels[4])
	assert.Equal(t, labels[3], labels[5])
	assert.NotEqual(t, labels[0], labels[3])
}

func TestKMeans_Deterministic(t *testing.T) {
	points := make([][]float64, 0, 40)
	for i := 0; i < 40; i++ {
		points = append(points, []float64{math.Sin(float64(i)), math.Cos(float64(i * 3))})
	}
	l1, c1 := KMeans(points, 4, 100, 7)
	l2, c2 := KMeans(points, 4, 100, 7)
	assert.Equal(t, l1, l2)
	assert.Equal(t, c1, c2)
}

func TestKMeans_Degenerate(t *testing.T) {
	labels, centroids := KMeans(nil, 3, 10, 1)
	assert.Nil(t, labels)
	assert.Nil(t, centroids)

	labels, centroids = KMeans([][]float64{{1}, {1}, {1}}, 2, 10, 1)
	require.Len(t, labels, 3)
	assert.Len(t, centroids, 2)
}

func TestAssign_OrdersLabelsByDemand(t *testing.T) {
	n := 48
	tbl := tableOf(t, map[string][]float64{
		"busy1":  spiky(20, 60, n),
		"busy2":  spiky(20, 60, n),
		"quiet1": repeat(1, n),
		"quiet2": repeat(1, n),
	})

	res, err := Assign(tbl, Options{K: 2, MaxIter: 50, Seed: 42})
	require.NoError(t, err)

	assert.Equal(t, 2, res.K)
	assert.Equal(t, 0, res.Labels["quiet1"])
	assert.Equal(t, 0, res.Labels["quiet2"])
	assert.Equal(t, 1, res.Labels["busy1"])
	assert.Equal(t, 1, res.Labels["busy2"])

	col, ok := tbl.Column(features.ColCluster)
	require.True(t, ok)
	assert.True(t, col.Categorical)
	for i, cell := range tbl.Cells {
		assert.Equal(t, float64(res.Labels[cell]), col.Values[i])
	}
}

func TestAssign_ClipsK(t *testing.T) {
	tbl := tableOf(t, map[string][]float64{
		"a": {1, 2, 3},
		"b": {4, 5, 6},
		"c": {9, 9, 9},
	})

	res, err := Assign(tbl, Options{K: 10, MaxIter: 10, Seed: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, res.K)

	seen := map[int]bool{}
	for _, l := range res.Labels {
		assert.GreaterOrEqual(t, l, 0)
		assert.Less(t, l, 3)
		seen[l] = true
	}
	assert.Len(t, seen, 3)
	// Ordered by mean demand.
	assert.Equal(t, 0, res.Labels["a"])
	assert.Equal(t, 1, res.Labels["b"])
	assert.Equal(t, 2, res.Labels["c"])
}

func TestAssign_RejectsBadK(t *testing.T) {
	tbl := tableOf(t, map[string][]float64{"a": {1}})
	_, err := Assign(tbl, Options{K: 0})
	assert.Error(t, err)
}

func TestAssign_Deterministic(t *testing.T) {
	series := map[string][]float64{}
	for i, name := range []string{"a", "b", "c", "d", "e", "f"} {
		series[name] = spiky(float64(i), float64(i*5), 48)
	}
	r1, err := Assign(tableOf(t, series), Options{K: 3, MaxIter: 100, Seed: 42})
	require.NoError(t, err)
	r2, err := Assign(tableOf(t, series), Options{K: 3, MaxIter: 100, Seed: 42})
	require.NoError(t, err)
	assert.Equal(t, r1.Labels, r2.Labels)
}

func TestResult_Summary(t *testing.T) {
	tbl := tableOf(t, map[string][]float64{
		"a": {1, 1},
		"b": {1, 1},
		"c": {10, 30},
	})
	res, err := Assign(tbl, Options{K: 2, MaxIter: 10, Seed: 3})
	require.NoError(t, err)

	sum := res.Summary()
	require.Len(t, sum, 2)
	assert.Equal(t, 0, sum[0].Label)
	assert.Equal(t, 2, sum[0].Cells)
	assert.InDelta(t, 1.0, sum[0].MeanDemand, 1e-9)
	assert.InDelta(t, 4.0, sum[0].TotalDemand, 1e-9)
	assert.Equal(t, 1, sum[1].Cells)
	assert.InDelta(t, 20.0, sum[1].MeanDemand, 1e-9)
}

func TestResult_Cells(t *testing.T) {
	ix := hexgrid.NewIndexer(9)
	busy, ok := ix.CellOf(40.7580, -73.9855)
	require.True(t, ok)
	quiet, ok := ix.CellOf(40.7061, -74.0087)
	require.True(t, ok)

	tbl := tableOf(t, map[string][]float64{
		busy.String():  {5, 7},
		quiet.String(): {0, 1},
	})
	res, err := Assign(tbl, Options{K: 2, MaxIter: 10, Seed: 42})
	require.NoError(t, err)

	cells := res.Cells(ix)
	require.Len(t, cells, 2)
	assert.Equal(t, busy.String(), cells[0].Cell)
	assert.Equal(t, 1, cells[0].Cluster)
	assert.InDelta(t, 12.0, cells[0].TotalDemand, 1e-9)
	assert.InDelta(t, 7.0, cells[0].PeakDemand, 1e-9)
	assert.InDelta(t, 40.758, cells[0].Lat, 0.01)
	assert.InDelta(t, -73.9855, cells[0].Lon, 0.01)

	noGeo := res.Cells(nil)
	assert.Zero(t, noGeo[0].Lat)
}

func TestFromTable(t *testing.T) {
	tbl := tableOf(t, map[string][]float64{
		"a": {1, 1},
		"b": {8, 9},
	})
	res, err := Assign(tbl, Options{K: 2, MaxIter: 10, Seed: 42})
	require.NoError(t, err)

	back, err := FromTable(tbl)
	require.NoError(t, err)
	assert.Equal(t, res.K, back.K)
	assert.Equal(t, res.Labels, back.Labels)
	assert.Equal(t, res.Summary(), back.Summary())

	_, err = FromTable(tableOf(t, map[string][]float64{"a": {1}}))
	assert.Error(t, err)
}
