package features

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/taxi-demand/internal/config"
	"github.com/sells-group/taxi-demand/internal/demand"
)

var base = time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC) // a Thursday

func hour(h int) time.Time {
	return base.Add(time.Duration(h) * time.Hour)
}

// gridOf builds a dense grid from per-cell demand series starting at base.
func gridOf(series map[string][]float64) *demand.Grid {
	counts := make(map[demand.Key]float64)
	for cell, vals := range series {
		for i, v := range vals {
			// Zero counts still register the key so every hour is present.
			counts[demand.Key{Cell: cell, Hour: hour(i)}] += v
		}
	}
	return demand.Densify(counts)
}

func values(t *testing.T, tbl *Table, name string) []float64 {
	t.Helper()
	c, ok := tbl.Column(name)
	require.True(t, ok, name)
	return c.Values
}

func assertSeries(t *testing.T, want, got []float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		if math.IsNaN(want[i]) {
			assert.True(t, math.IsNaN(got[i]), "index %d: want NaN, got %v", i, got[i])
			continue
		}
		assert.InDelta(t, want[i], got[i], 1e-9, "index %d", i)
	}
}

func TestFromGrid(t *testing.T) {
	tbl := FromGrid(gridOf(map[string][]float64{"b": {1, 2}, "a": {3, 4}}))

	assert.Equal(t, 4, tbl.NumRows())
	assert.Equal(t, []string{"a", "a", "b", "b"}, tbl.Cells)
	assert.Equal(t, []string{ColDemand, ColZone}, tbl.ColumnNames())
	assertSeries(t, []float64{3, 4, 1, 2}, values(t, tbl, ColDemand))
	assertSeries(t, []float64{0, 0, 1, 1}, values(t, tbl, ColZone))
	assert.Equal(t, []string{"a", "b"}, tbl.Levels[ColZone])

	zone, _ := tbl.Column(ColZone)
	assert.True(t, zone.Categorical)
}

func TestAddCalendarFeatures(t *testing.T) {
	tbl := NewTable(
		[]string{"a", "a", "a"},
		[]time.Time{
			time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC),  // Thursday, ISO week 1
			time.Date(2015, 1, 3, 23, 0, 0, 0, time.UTC), // Saturday
			time.Date(2015, 11, 2, 7, 0, 0, 0, time.UTC), // Monday, Q4
		},
	)
	require.NoError(t, AddCalendarFeatures(tbl))

	assertSeries(t, []float64{0, 23, 7}, values(t, tbl, ColHourOfDay))
	assertSeries(t, []float64{3, 5, 0}, values(t, tbl, ColDayOfWeek))
	assertSeries(t, []float64{1, 3, 2}, values(t, tbl, ColDayOfMonth))
	assertSeries(t, []float64{1, 1, 11}, values(t, tbl, ColMonth))
	assertSeries(t, []float64{2015, 2015, 2015}, values(t, tbl, ColYear))
	assertSeries(t, []float64{0, 1, 0}, values(t, tbl, ColIsWeekend))
	assertSeries(t, []float64{1, 1, 4}, values(t, tbl, ColQuarter))
	assertSeries(t, []float64{1, 1, 45}, values(t, tbl, ColWeekOfYear))
}

func TestDayOfWeek(t *testing.T) {
	assert.Equal(t, 0, DayOfWeek(time.Date(2015, 1, 5, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 6, DayOfWeek(time.Date(2015, 1, 4, 0, 0, 0, 0, time.UTC)))
}

func TestAddLagFeatures(t *testing.T) {
	tbl := FromGrid(gridOf(map[string][]float64{
		"a": {1, 2, 3, 4, 5},
		"b": {10, 20, 30, 40, 50},
	}))
	require.NoError(t, AddLagFeatures(tbl, []int{1, 3}))

	nan := math.NaN()
	assertSeries(t, []float64{nan, 1, 2, 3, 4, nan, 10, 20, 30, 40}, values(t, tbl, "demand_lag_1h"))
	assertSeries(t, []float64{nan, nan, nan, 1, 2, nan, nan, nan, 10, 20}, values(t, tbl, "demand_lag_3h"))
}

func TestAddLagFeatures_LongerThanSeries(t *testing.T) {
	tbl := FromGrid(gridOf(map[string][]float64{"a": {1, 2}}))
	require.NoError(t, AddLagFeatures(tbl, []int{168}))

	for _, v := range values(t, tbl, LagName(168)) {
		assert.True(t, math.IsNaN(v))
	}
}

func TestAddLagFeatures_RejectsBadHorizon(t *testing.T) {
	tbl := FromGrid(gridOf(map[string][]float64{"a": {1, 2}}))
	assert.Error(t, AddLagFeatures(tbl, []int{0}))
}

func TestAddMovingAverageFeatures_PartialWindows(t *testing.T) {
	tbl := FromGrid(gridOf(map[string][]float64{
		"a": {2, 4, 6, 8},
		"b": {1, 1, 1, 5},
	}))
	require.NoError(t, AddMovingAverageFeatures(tbl, []int{3}))

	// The first rows average over what is available, and the window
	// includes the current hour.
	assertSeries(t, []float64{2, 3, 4, 6, 1, 1, 1, 7.0 / 3}, values(t, tbl, "demand_ma_3h"))
}

func TestAddMovingAverageFeatures_WindowOne(t *testing.T) {
	tbl := FromGrid(gridOf(map[string][]float64{"a": {2, 0, 7}}))
	require.NoError(t, AddMovingAverageFeatures(tbl, []int{1}))
	assertSeries(t, []float64{2, 0, 7}, values(t, tbl, MAName(1)))
}

func TestSeriesFeatures_RequireContiguousHours(t *testing.T) {
	tbl := NewTable([]string{"a", "a"}, []time.Time{hour(0), hour(2)})
	require.NoError(t, tbl.AddColumn(ColDemand, []float64{1, 2}, false))

	err := AddLagFeatures(tbl, []int{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "breaks hourly order")

	tbl = NewTable([]string{"a", "b", "a"}, []time.Time{hour(0), hour(0), hour(1)})
	require.NoError(t, tbl.AddColumn(ColDemand, []float64{1, 2, 3}, false))
	err = AddMovingAverageFeatures(tbl, []int{2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not contiguous")
}

func TestBuild(t *testing.T) {
	g := gridOf(map[string][]float64{"a": {1, 2, 3}, "b": {0, 0, 9}})
	tbl, err := Build(g, config.FeaturesConfig{LagHours: []int{1, 2}, MAWindowsHours: []int{2}, Target: ColDemand})
	require.NoError(t, err)

	want := append([]string{ColDemand, ColZone}, CalendarColumns...)
	want = append(want, "demand_lag_1h", "demand_lag_2h", "demand_ma_2h")
	assert.Equal(t, want, tbl.ColumnNames())
	assert.Equal(t, 6, tbl.NumRows())
}

func TestTable_AddColumnLengthMismatch(t *testing.T) {
	tbl := NewTable([]string{"a"}, []time.Time{hour(0)})
	err := tbl.AddColumn("x", []float64{1, 2}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has 2 values")
}

func TestTable_AddColumnReplaces(t *testing.T) {
	tbl := NewTable([]string{"a"}, []time.Time{hour(0)})
	require.NoError(t, tbl.AddColumn("x", []float64{1}, false))
	require.NoError(t, tbl.AddColumn("x", []float64{2}, true))

	assert.Equal(t, []string{"x"}, tbl.ColumnNames())
	c, _ := tbl.Column("x")
	assert.True(t, c.Categorical)
	assert.Equal(t, 2.0, c.Values[0])
}

func TestTable_SelectAndFilter(t *testing.T) {
	tbl := FromGrid(gridOf(map[string][]float64{"a": {1, 2, 3}, "b": {4, 5, 6}}))
	require.NoError(t, AddCalendarFeatures(tbl))

	sel, err := tbl.Select([]string{ColHourOfDay, ColZone})
	require.NoError(t, err)
	assert.Equal(t, []string{ColHourOfDay, ColZone}, sel.ColumnNames())
	assert.Equal(t, []string{"a", "b"}, sel.Levels[ColZone])

	_, err = tbl.Select([]string{"nope"})
	assert.Error(t, err)

	late := tbl.FilterRows(func(i int) bool { return !tbl.Hours[i].Before(hour(2)) })
	assert.Equal(t, 2, late.NumRows())
	assert.Equal(t, []string{"a", "b"}, late.Cells)
	assertSeries(t, []float64{3, 6}, values(t, late, ColDemand))
	assert.Equal(t, hour(2), late.MaxHour())

	row := tbl.Row(4)
	assert.Equal(t, 5.0, row[ColDemand])
	assert.Equal(t, 1.0, row[ColHourOfDay])
}

func TestTable_Groups(t *testing.T) {
	tbl := FromGrid(gridOf(map[string][]float64{"a": {1, 2}, "b": {4, 5}}))
	assert.Equal(t, [][2]int{{0, 2}, {2, 4}}, tbl.Groups())
	assert.Nil(t, NewTable(nil, nil).Groups())
}

func TestCategoryLevels(t *testing.T) {
	assert.Equal(t, []float64{0, 2, 5}, CategoryLevels([]float64{5, 0, math.NaN(), 2, 5}))
}
