// Package loader reads raw trip records and optional region boundaries.
package loader

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/taxi-demand/internal/config"
	"github.com/sells-group/taxi-demand/internal/model"
)

// ErrMissingFile is returned when a required input file does not exist.
var ErrMissingFile = eris.New("loader: input file missing")

// TripDataURL is where the raw yellow taxi trip files are published.
const TripDataURL = "https://www.nyc.gov/site/tlc/about/tlc-trip-record-data.page"

// fallbackLayouts are tried after the configured timestamp layout.
var fallbackLayouts = []string{
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04",
}

// LoadStats counts what happened to each input row.
type LoadStats struct {
	Rows           int `json:"rows"`
	Kept           int `json:"kept"`
	BadTimestamp   int `json:"bad_timestamp"`
	BadCoordinates int `json:"bad_coordinates"`
	BadRows        int `json:"bad_rows"`
}

// LoadTrips reads the trip CSV at path. A missing file is fatal and wraps
// ErrMissingFile with instructions for obtaining it.
func LoadTrips(ctx context.Context, path string, cols config.ColumnsConfig) ([]model.Trip, LoadStats, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, LoadStats{}, eris.Wrapf(ErrMissingFile,
				"raw trip data not found at %s: download the monthly yellow taxi CSV from %s and place it there, or run `taxi-demand fetch --trips`",
				path, TripDataURL)
		}
		return nil, LoadStats{}, eris.Wrapf(err, "loader: open trips %s", path)
	}
	defer f.Close()

	trips, stats, err := ReadTrips(ctx, f, cols)
	if err != nil {
		return nil, stats, eris.Wrapf(err, "loader: read trips %s", path)
	}

	zap.L().Info("loader: trips loaded",
		zap.String("path", path),
		zap.Int("rows", stats.Rows),
		zap.Int("kept", stats.Kept),
		zap.Int("bad_timestamp", stats.BadTimestamp),
		zap.Int("bad_coordinates", stats.BadCoordinates),
		zap.Int("bad_rows", stats.BadRows),
	)
	return trips, stats, nil
}

// ReadTrips parses trip rows from r. Columns are located by header name.
// Rows with an unparsable pickup time are dropped; unparsable coordinates
// become NaN and the row is kept. Rows the CSV reader rejects outright, such
// as a stray quote inside a field, are skipped and counted as BadRows.
func ReadTrips(ctx context.Context, r io.Reader, cols config.ColumnsConfig) ([]model.Trip, LoadStats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stats LoadStats
	var badRows atomic.Int64
	headerCh := make(chan []string, 1)
	rows, errs := streamCSV(ctx, r, csvOptions{Delimiter: cols.DelimiterRune(), HeaderCh: headerCh, BadRows: &badRows})

	var header []string
	select {
	case header = <-headerCh:
	case err, ok := <-errs:
		if ok && err != nil {
			return nil, stats, err
		}
		header = <-headerCh
	}

	colIdx := mapColumns(header)
	pickupIdx, err := requireCol(colIdx, cols.PickupDatetime)
	if err != nil {
		return nil, stats, err
	}
	latIdx, err := requireCol(colIdx, cols.PickupLat)
	if err != nil {
		return nil, stats, err
	}
	lonIdx, err := requireCol(colIdx, cols.PickupLon)
	if err != nil {
		return nil, stats, err
	}
	dropoffIdx := -1
	if cols.DropoffDatetime != "" {
		if idx, ok := colIdx[normalizeCol(cols.DropoffDatetime)]; ok {
			dropoffIdx = idx
		}
	}

	var trips []model.Trip
	for record := range rows {
		stats.Rows++

		pickup, ok := parseTime(field(record, pickupIdx), cols.TimeLayout)
		if !ok {
			stats.BadTimestamp++
			continue
		}

		trip := model.Trip{
			PickupAt:  pickup,
			PickupLat: parseCoord(field(record, latIdx)),
			PickupLon: parseCoord(field(record, lonIdx)),
		}
		if dropoffIdx >= 0 {
			trip.DropoffAt, _ = parseTime(field(record, dropoffIdx), cols.TimeLayout)
		}
		if math.IsNaN(trip.PickupLat) || math.IsNaN(trip.PickupLon) {
			stats.BadCoordinates++
		}
		trips = append(trips, trip)
	}
	err = <-errs
	stats.BadRows = int(badRows.Load())
	stats.Rows += stats.BadRows
	if err != nil {
		return nil, stats, err
	}

	stats.Kept = len(trips)
	return trips, stats, nil
}

func mapColumns(header []string) map[string]int {
	m := make(map[string]int, len(header))
	for i, col := range header {
		m[normalizeCol(col)] = i
	}
	return m
}

func normalizeCol(s string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(s, "\ufeff")))
}

func requireCol(colIdx map[string]int, name string) (int, error) {
	idx, ok := colIdx[normalizeCol(name)]
	if !ok {
		return 0, eris.Errorf("loader: required column %q not in header", name)
	}
	return idx, nil
}

func field(record []string, idx int) string {
	if idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// parseTime reads a naive timestamp as UTC wall-clock time.
func parseTime(s, layout string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
		return t, true
	}
	for _, l := range fallbackLayouts {
		if t, err := time.ParseInLocation(l, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func parseCoord(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}
