// Package features builds the columnar feature table the forecaster trains on.
package features

import (
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/taxi-demand/internal/demand"
)

// Column names shared across stages.
const (
	ColDemand     = "demand"
	ColZone       = "pickup_h3_zone"
	ColCluster    = "demand_cluster"
	ColHourOfDay  = "hour_of_day"
	ColDayOfWeek  = "day_of_week"
	ColDayOfMonth = "day_of_month"
	ColMonth      = "month"
	ColYear       = "year"
	ColIsWeekend  = "is_weekend"
	ColQuarter    = "quarter"
	ColWeekOfYear = "week_of_year"
)

// Column is one named feature. Missing values are NaN. Categorical columns
// hold integer codes.
type Column struct {
	Name        string
	Values      []float64
	Categorical bool
}

// Table is a columnar feature table, one row per (cell, hour), grouped by
// cell and ordered by hour within each cell.
type Table struct {
	Cells   []string
	Hours   []time.Time
	Columns []*Column
	// Levels holds the dictionary for string-valued categorical columns.
	Levels map[string][]string

	index map[string]int
}

// NewTable returns an empty table over the given row keys.
func NewTable(cells []string, hours []time.Time) *Table {
	return &Table{
		Cells:  cells,
		Hours:  hours,
		Levels: make(map[string][]string),
		index:  make(map[string]int),
	}
}

// FromGrid builds a table holding the target column and the dictionary
// encoded zone column.
func FromGrid(g *demand.Grid) *Table {
	n := len(g.Records)
	cells := make([]string, n)
	hours := make([]time.Time, n)
	target := make([]float64, n)
	for i, r := range g.Records {
		cells[i] = r.Cell
		hours[i] = r.Hour
		target[i] = r.Demand
	}

	t := NewTable(cells, hours)
	levels := g.Cells()
	codes := make(map[string]float64, len(levels))
	for i, c := range levels {
		codes[c] = float64(i)
	}
	zone := make([]float64, n)
	for i, c := range cells {
		zone[i] = codes[c]
	}
	t.Levels[ColZone] = levels

	t.mustAdd(ColDemand, target, false)
	t.mustAdd(ColZone, zone, true)
	return t
}

// NumRows returns the number of rows.
func (t *Table) NumRows() int {
	return len(t.Cells)
}

// ColumnNames lists columns in insertion order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Column returns the named column.
func (t *Table) Column(name string) (*Column, bool) {
	t.reindex()
	i, ok := t.index[name]
	if !ok {
		return nil, false
	}
	return t.Columns[i], true
}

// AddColumn appends a column or replaces an existing one of the same name.
func (t *Table) AddColumn(name string, values []float64, categorical bool) error {
	if len(values) != t.NumRows() {
		return eris.Errorf("features: column %s has %d values, table has %d rows", name, len(values), t.NumRows())
	}
	t.reindex()
	col := &Column{Name: name, Values: values, Categorical: categorical}
	if i, ok := t.index[name]; ok {
		t.Columns[i] = col
		return nil
	}
	t.index[name] = len(t.Columns)
	t.Columns = append(t.Columns, col)
	return nil
}

func (t *Table) mustAdd(name string, values []float64, categorical bool) {
	if err := t.AddColumn(name, values, categorical); err != nil {
		panic(err)
	}
}

func (t *Table) reindex() {
	if t.index != nil && len(t.index) == len(t.Columns) {
		return
	}
	t.index = make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		t.index[c.Name] = i
	}
}

// Row returns the values of row i keyed by column name.
func (t *Table) Row(i int) map[string]float64 {
	row := make(map[string]float64, len(t.Columns))
	for _, c := range t.Columns {
		row[c.Name] = c.Values[i]
	}
	return row
}

// Select returns a table sharing row keys with t and holding only the named
// columns, in the order given.
func (t *Table) Select(names []string) (*Table, error) {
	out := NewTable(t.Cells, t.Hours)
	for _, name := range names {
		c, ok := t.Column(name)
		if !ok {
			return nil, eris.Errorf("features: unknown column %s", name)
		}
		out.mustAdd(c.Name, c.Values, c.Categorical)
		if lv, ok := t.Levels[name]; ok {
			out.Levels[name] = lv
		}
	}
	return out, nil
}

// FilterRows returns a copy holding the rows for which keep returns true.
func (t *Table) FilterRows(keep func(i int) bool) *Table {
	var idx []int
	for i := 0; i < t.NumRows(); i++ {
		if keep(i) {
			idx = append(idx, i)
		}
	}
	cells := make([]string, len(idx))
	hours := make([]time.Time, len(idx))
	for j, i := range idx {
		cells[j] = t.Cells[i]
		hours[j] = t.Hours[i]
	}
	out := NewTable(cells, hours)
	for name, lv := range t.Levels {
		out.Levels[name] = lv
	}
	for _, c := range t.Columns {
		vals := make([]float64, len(idx))
		for j, i := range idx {
			vals[j] = c.Values[i]
		}
		out.mustAdd(c.Name, vals, c.Categorical)
	}
	return out
}

// MaxHour returns the latest hour in the table.
func (t *Table) MaxHour() time.Time {
	var max time.Time
	for _, h := range t.Hours {
		if h.After(max) {
			max = h
		}
	}
	return max
}

// Groups returns the [start, end) row range of each cell.
func (t *Table) Groups() [][2]int {
	if t.NumRows() == 0 {
		return nil
	}
	var groups [][2]int
	start := 0
	for i := 1; i <= t.NumRows(); i++ {
		if i == t.NumRows() || t.Cells[i] != t.Cells[start] {
			groups = append(groups, [2]int{start, i})
			start = i
		}
	}
	return groups
}

// CheckSeries verifies that rows are grouped by cell with strictly hourly,
// gap-free hours inside each group. Lag and moving-average features rely on it.
func (t *Table) CheckSeries() error {
	seen := make(map[string]bool)
	for _, g := range t.Groups() {
		cell := t.Cells[g[0]]
		if seen[cell] {
			return eris.Errorf("features: cell %s is not contiguous", cell)
		}
		seen[cell] = true
		for i := g[0] + 1; i < g[1]; i++ {
			if t.Hours[i].Sub(t.Hours[i-1]) != time.Hour {
				return eris.Errorf("features: cell %s breaks hourly order at %s", cell, t.Hours[i].Format(time.RFC3339))
			}
		}
	}
	return nil
}

// CategoryLevels returns the sorted distinct non-missing codes of a column.
func CategoryLevels(values []float64) []float64 {
	set := make(map[float64]struct{})
	for _, v := range values {
		if !math.IsNaN(v) {
			set[v] = struct{}{}
		}
	}
	out := make([]float64, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Float64s(out)
	return out
}
