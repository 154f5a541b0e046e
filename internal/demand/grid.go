// Package demand buckets trips into hourly per-cell counts and densifies the
// result into contiguous time series.
package demand

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/taxi-demand/internal/hexgrid"
	"github.com/sells-group/taxi-demand/internal/model"
)

// Record is the demand observed in one cell during one hour.
type Record struct {
	Cell   string    `json:"cell"`
	Hour   time.Time `json:"hour"`
	Demand float64   `json:"demand"`
}

// Key identifies a (cell, hour) bucket.
type Key struct {
	Cell string
	Hour time.Time
}

// Grid is a dense demand grid sorted by cell then hour. Every cell seen at
// least once has one record per hour over the grid's span.
type Grid struct {
	Records []Record
}

// AggregateStats counts trips by outcome.
type AggregateStats struct {
	Trips    int `json:"trips"`
	NoCell   int `json:"no_cell"`
	Counted  int `json:"counted"`
	Cells    int `json:"cells"`
	Hours    int `json:"hours"`
	GridRows int `json:"grid_rows"`
}

// Indexer assigns a coordinate to a cell.
type Indexer interface {
	CellOf(lat, lon float64) (hexgrid.Cell, bool)
}

// FloorHour truncates t to the start of its hour in UTC.
func FloorHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// Aggregate counts pickups per (cell, hour) and densifies the result. Trips
// without a cell are excluded and counted.
func Aggregate(trips []model.Trip, ix Indexer) (*Grid, AggregateStats) {
	stats := AggregateStats{Trips: len(trips)}
	counts := make(map[Key]float64)
	for _, t := range trips {
		cell, ok := ix.CellOf(t.PickupLat, t.PickupLon)
		if !ok {
			stats.NoCell++
			continue
		}
		counts[Key{Cell: cell.String(), Hour: FloorHour(t.PickupAt)}]++
		stats.Counted++
	}

	grid := Densify(counts)
	first, last := grid.Span()
	stats.Cells = len(grid.Cells())
	stats.GridRows = len(grid.Records)
	if stats.GridRows > 0 {
		stats.Hours = int(last.Sub(first)/time.Hour) + 1
	}

	zap.L().Info("demand: aggregated",
		zap.Int("trips", stats.Trips),
		zap.Int("no_cell", stats.NoCell),
		zap.Int("cells", stats.Cells),
		zap.Int("hours", stats.Hours),
		zap.Int("grid_rows", stats.GridRows),
	)
	return grid, stats
}

// Densify expands sparse counts into a full grid: every cell present in
// counts gets one record per hour from the global first hour to the global
// last hour, with 0 where nothing was counted.
func Densify(counts map[Key]float64) *Grid {
	if len(counts) == 0 {
		return &Grid{}
	}

	// Keys are re-floored so time.Time map lookups agree on location.
	norm := make(map[Key]float64, len(counts))
	cellSet := make(map[string]struct{})
	var first, last time.Time
	for k, v := range counts {
		h := FloorHour(k.Hour)
		norm[Key{Cell: k.Cell, Hour: h}] += v
		cellSet[k.Cell] = struct{}{}
		if first.IsZero() || h.Before(first) {
			first = h
		}
		if h.After(last) {
			last = h
		}
	}
	cells := make([]string, 0, len(cellSet))
	for c := range cellSet {
		cells = append(cells, c)
	}
	sort.Strings(cells)

	hours := int(last.Sub(first)/time.Hour) + 1
	records := make([]Record, 0, len(cells)*hours)
	for _, c := range cells {
		for i := 0; i < hours; i++ {
			h := first.Add(time.Duration(i) * time.Hour)
			records = append(records, Record{Cell: c, Hour: h, Demand: norm[Key{Cell: c, Hour: h}]})
		}
	}
	return &Grid{Records: records}
}

// Cells returns the distinct cells in grid order.
func (g *Grid) Cells() []string {
	var cells []string
	for i, r := range g.Records {
		if i == 0 || r.Cell != g.Records[i-1].Cell {
			cells = append(cells, r.Cell)
		}
	}
	return cells
}

// Span returns the first and last hour in the grid.
func (g *Grid) Span() (first, last time.Time) {
	for i, r := range g.Records {
		if i == 0 || r.Hour.Before(first) {
			first = r.Hour
		}
		if r.Hour.After(last) {
			last = r.Hour
		}
	}
	return first, last
}

// Series returns the records for one cell in hour order.
func (g *Grid) Series(cell string) []Record {
	lo := sort.Search(len(g.Records), func(i int) bool { return g.Records[i].Cell >= cell })
	hi := lo
	for hi < len(g.Records) && g.Records[hi].Cell == cell {
		hi++
	}
	return g.Records[lo:hi]
}

// Total sums demand over the whole grid.
func (g *Grid) Total() float64 {
	var sum float64
	for _, r := range g.Records {
		sum += r.Demand
	}
	return sum
}

// Validate checks that records are sorted by (cell, hour), keys are unique,
// and every cell covers the same contiguous hourly span.
func (g *Grid) Validate() error {
	if len(g.Records) == 0 {
		return nil
	}
	first, last := g.Span()
	want := int(last.Sub(first)/time.Hour) + 1

	start := 0
	for i := 1; i <= len(g.Records); i++ {
		if i < len(g.Records) && g.Records[i].Cell == g.Records[start].Cell {
			continue
		}
		if i < len(g.Records) && g.Records[i].Cell < g.Records[start].Cell {
			return eris.Errorf("demand: cells out of order at row %d", i)
		}
		series := g.Records[start:i]
		if len(series) != want {
			return eris.Errorf("demand: cell %s has %d hours, want %d", series[0].Cell, len(series), want)
		}
		for j, r := range series {
			expected := first.Add(time.Duration(j) * time.Hour)
			if !r.Hour.Equal(expected) {
				return eris.Errorf("demand: cell %s has hour %s at position %d, want %s",
					r.Cell, r.Hour.Format(time.RFC3339), j, expected.Format(time.RFC3339))
			}
		}
		start = i
	}
	return nil
}
