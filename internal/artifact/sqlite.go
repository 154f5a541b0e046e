package artifact

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	_ "modernc.org/sqlite"

	"github.com/sells-group/taxi-demand/internal/demand"
	"github.com/sells-group/taxi-demand/internal/features"
	"github.com/sells-group/taxi-demand/internal/model"
)

// Meta keys.
const (
	MetaFingerprint = "fingerprint"
	MetaKind        = "kind"
	MetaCreatedAt   = "created_at"
	MetaRows        = "rows"
)

// Artifact kinds.
const (
	KindGrid      = "grid"
	KindFeatures  = "features"
	KindClustered = "clustered"
)

const metaSchema = `
CREATE TABLE meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

const gridSchema = `
CREATE TABLE grid (
	cell   TEXT NOT NULL,
	hour   INTEGER NOT NULL,
	demand REAL NOT NULL
);`

const tableSchema = `
CREATE TABLE feature_columns (
	position    INTEGER PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	categorical INTEGER NOT NULL
);

CREATE TABLE feature_levels (
	column_name TEXT NOT NULL,
	code        INTEGER NOT NULL,
	value       TEXT NOT NULL,
	PRIMARY KEY (column_name, code)
);`

const cellsSchema = `
CREATE TABLE cells (
	cell         TEXT PRIMARY KEY,
	cluster      INTEGER NOT NULL,
	mean_demand  REAL NOT NULL,
	total_demand REAL NOT NULL,
	peak_demand  REAL NOT NULL,
	lat          REAL NOT NULL,
	lon          REAL NOT NULL,
	centroid     BLOB,
	boundary     BLOB
);`

// Writer builds an artifact in a temporary file and moves it into place on
// Commit, so an interrupted stage never leaves a half-written artifact.
type Writer struct {
	db   *sql.DB
	tx   *sql.Tx
	path string
	tmp  string
}

// Create starts a new artifact at path, replacing any existing one on Commit.
func Create(ctx context.Context, path, kind string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrap(err, "artifact: create dir")
	}
	tmp := path + ".tmp"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrapf(err, "artifact: remove stale %s", tmp)
	}

	db, err := sql.Open("sqlite", tmp)
	if err != nil {
		return nil, eris.Wrap(err, "artifact: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=OFF",
		"PRAGMA synchronous=OFF",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "artifact: exec %s", pragma)
		}
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		db.Close()
		return nil, eris.Wrap(err, "artifact: begin")
	}

	w := &Writer{db: db, tx: tx, path: path, tmp: tmp}
	if _, err := tx.ExecContext(ctx, metaSchema); err != nil {
		w.Abort()
		return nil, eris.Wrap(err, "artifact: create meta")
	}
	if err := w.SetMeta(ctx, MetaKind, kind); err != nil {
		w.Abort()
		return nil, err
	}
	if err := w.SetMeta(ctx, MetaCreatedAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
		w.Abort()
		return nil, err
	}
	return w, nil
}

// SetMeta records a key/value pair.
func (w *Writer) SetMeta(ctx context.Context, key, value string) error {
	_, err := w.tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return eris.Wrapf(err, "artifact: set meta %s", key)
}

// PutGrid writes the dense demand grid.
func (w *Writer) PutGrid(ctx context.Context, g *demand.Grid) error {
	if _, err := w.tx.ExecContext(ctx, gridSchema); err != nil {
		return eris.Wrap(err, "artifact: create grid")
	}
	stmt, err := w.tx.PrepareContext(ctx, `INSERT INTO grid (cell, hour, demand) VALUES (?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "artifact: prepare grid insert")
	}
	defer stmt.Close()

	for _, r := range g.Records {
		if _, err := stmt.ExecContext(ctx, r.Cell, r.Hour.Unix(), r.Demand); err != nil {
			return eris.Wrapf(err, "artifact: insert grid row %s", r.Cell)
		}
	}
	return w.SetMeta(ctx, MetaRows, strconv.Itoa(len(g.Records)))
}

// PutTable writes a feature table. Column values live in c0..cN of
// feature_rows; feature_columns maps positions to names. NaN is stored as NULL.
func (w *Writer) PutTable(ctx context.Context, t *features.Table) error {
	if _, err := w.tx.ExecContext(ctx, tableSchema); err != nil {
		return eris.Wrap(err, "artifact: create table schema")
	}

	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = fmt.Sprintf("c%d REAL", i)
		if _, err := w.tx.ExecContext(ctx,
			`INSERT INTO feature_columns (position, name, categorical) VALUES (?, ?, ?)`,
			i, c.Name, c.Categorical); err != nil {
			return eris.Wrapf(err, "artifact: insert column %s", c.Name)
		}
	}
	for name, levels := range t.Levels {
		for code, v := range levels {
			if _, err := w.tx.ExecContext(ctx,
				`INSERT INTO feature_levels (column_name, code, value) VALUES (?, ?, ?)`,
				name, code, v); err != nil {
				return eris.Wrapf(err, "artifact: insert level %s", name)
			}
		}
	}

	ddl := "CREATE TABLE feature_rows (cell TEXT NOT NULL, hour INTEGER NOT NULL"
	if len(cols) > 0 {
		ddl += ", " + strings.Join(cols, ", ")
	}
	ddl += ")"
	if _, err := w.tx.ExecContext(ctx, ddl); err != nil {
		return eris.Wrap(err, "artifact: create rows")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(t.Columns)+2), ", ")
	names := []string{"cell", "hour"}
	for i := range t.Columns {
		names = append(names, fmt.Sprintf("c%d", i))
	}
	stmt, err := w.tx.PrepareContext(ctx,
		fmt.Sprintf("INSERT INTO feature_rows (%s) VALUES (%s)", strings.Join(names, ", "), placeholders))
	if err != nil {
		return eris.Wrap(err, "artifact: prepare rows insert")
	}
	defer stmt.Close()

	args := make([]any, len(t.Columns)+2)
	for i := 0; i < t.NumRows(); i++ {
		args[0] = t.Cells[i]
		args[1] = t.Hours[i].Unix()
		for j, c := range t.Columns {
			args[j+2] = nullable(c.Values[i])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return eris.Wrapf(err, "artifact: insert row %d", i)
		}
	}
	return w.SetMeta(ctx, MetaRows, strconv.Itoa(t.NumRows()))
}

// PutCells writes per-cell hotspot summaries with WKB centroid and boundary
// geometry. boundaryOf may return false for cells without an outline.
func (w *Writer) PutCells(ctx context.Context, cells []model.CellSummary, boundaryOf func(cell string) (*geom.Polygon, bool)) error {
	if _, err := w.tx.ExecContext(ctx, cellsSchema); err != nil {
		return eris.Wrap(err, "artifact: create cells")
	}
	stmt, err := w.tx.PrepareContext(ctx, `
		INSERT INTO cells (cell, cluster, mean_demand, total_demand, peak_demand, lat, lon, centroid, boundary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "artifact: prepare cells insert")
	}
	defer stmt.Close()

	for _, c := range cells {
		centroid, err := ewkb.Marshal(geom.NewPointFlat(geom.XY, []float64{c.Lon, c.Lat}).SetSRID(4326), ewkb.NDR)
		if err != nil {
			return eris.Wrapf(err, "artifact: encode centroid %s", c.Cell)
		}
		var boundary []byte
		if boundaryOf != nil {
			if poly, ok := boundaryOf(c.Cell); ok {
				boundary, err = ewkb.Marshal(poly, ewkb.NDR)
				if err != nil {
					return eris.Wrapf(err, "artifact: encode boundary %s", c.Cell)
				}
			}
		}
		if _, err := stmt.ExecContext(ctx, c.Cell, c.Cluster, c.MeanDemand, c.TotalDemand, c.PeakDemand,
			c.Lat, c.Lon, centroid, boundary); err != nil {
			return eris.Wrapf(err, "artifact: insert cell %s", c.Cell)
		}
	}
	return nil
}

// Commit finishes the artifact and moves it into place.
func (w *Writer) Commit() error {
	if err := w.tx.Commit(); err != nil {
		w.Abort()
		return eris.Wrap(err, "artifact: commit")
	}
	if err := w.db.Close(); err != nil {
		os.Remove(w.tmp) //nolint:errcheck
		return eris.Wrap(err, "artifact: close")
	}
	if err := os.Rename(w.tmp, w.path); err != nil {
		os.Remove(w.tmp) //nolint:errcheck
		return eris.Wrapf(err, "artifact: move into %s", w.path)
	}
	return nil
}

// Abort discards the partially written artifact.
func (w *Writer) Abort() {
	w.tx.Rollback()  //nolint:errcheck
	w.db.Close()     //nolint:errcheck
	os.Remove(w.tmp) //nolint:errcheck
}

// Reader reads a committed artifact.
type Reader struct {
	db *sql.DB
}

// Open opens the artifact at path for reading.
func Open(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, eris.Wrapf(err, "artifact: stat %s", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "artifact: open")
	}
	return &Reader{db: db}, nil
}

// Close releases the database handle.
func (r *Reader) Close() error {
	return r.db.Close()
}

// Meta returns the value stored under key.
func (r *Reader) Meta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "artifact: read meta %s", key)
	}
	return v, true, nil
}

// Grid reads the dense demand grid in stored order.
func (r *Reader) Grid(ctx context.Context) (*demand.Grid, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT cell, hour, demand FROM grid ORDER BY rowid`)
	if err != nil {
		return nil, eris.Wrap(err, "artifact: query grid")
	}
	defer rows.Close()

	g := &demand.Grid{}
	for rows.Next() {
		var rec demand.Record
		var hour int64
		if err := rows.Scan(&rec.Cell, &hour, &rec.Demand); err != nil {
			return nil, eris.Wrap(err, "artifact: scan grid row")
		}
		rec.Hour = time.Unix(hour, 0).UTC()
		g.Records = append(g.Records, rec)
	}
	return g, eris.Wrap(rows.Err(), "artifact: iterate grid")
}

// Table reads a feature table in stored order.
func (r *Reader) Table(ctx context.Context) (*features.Table, error) {
	type colDef struct {
		name        string
		categorical bool
	}
	crows, err := r.db.QueryContext(ctx, `SELECT name, categorical FROM feature_columns ORDER BY position`)
	if err != nil {
		return nil, eris.Wrap(err, "artifact: query columns")
	}
	var defs []colDef
	for crows.Next() {
		var d colDef
		if err := crows.Scan(&d.name, &d.categorical); err != nil {
			crows.Close()
			return nil, eris.Wrap(err, "artifact: scan column")
		}
		defs = append(defs, d)
	}
	crows.Close()
	if err := crows.Err(); err != nil {
		return nil, eris.Wrap(err, "artifact: iterate columns")
	}

	names := []string{"cell", "hour"}
	for i := range defs {
		names = append(names, fmt.Sprintf("c%d", i))
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM feature_rows ORDER BY rowid", strings.Join(names, ", ")))
	if err != nil {
		return nil, eris.Wrap(err, "artifact: query rows")
	}
	defer rows.Close()

	var cells []string
	var hours []time.Time
	values := make([][]float64, len(defs))
	dest := make([]any, len(defs)+2)
	nulls := make([]sql.NullFloat64, len(defs))
	var cell string
	var hour int64
	dest[0], dest[1] = &cell, &hour
	for i := range nulls {
		dest[i+2] = &nulls[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrap(err, "artifact: scan row")
		}
		cells = append(cells, cell)
		hours = append(hours, time.Unix(hour, 0).UTC())
		for i, n := range nulls {
			v := math.NaN()
			if n.Valid {
				v = n.Float64
			}
			values[i] = append(values[i], v)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "artifact: iterate rows")
	}

	t := features.NewTable(cells, hours)
	for i, d := range defs {
		vals := values[i]
		if vals == nil {
			vals = []float64{}
		}
		if err := t.AddColumn(d.name, vals, d.categorical); err != nil {
			return nil, eris.Wrap(err, "artifact: rebuild table")
		}
	}

	lrows, err := r.db.QueryContext(ctx, `SELECT column_name, code, value FROM feature_levels ORDER BY column_name, code`)
	if err != nil {
		return nil, eris.Wrap(err, "artifact: query levels")
	}
	defer lrows.Close()
	for lrows.Next() {
		var name, v string
		var code int
		if err := lrows.Scan(&name, &code, &v); err != nil {
			return nil, eris.Wrap(err, "artifact: scan level")
		}
		t.Levels[name] = append(t.Levels[name], v)
	}
	return t, eris.Wrap(lrows.Err(), "artifact: iterate levels")
}

// CellGeometry is a stored cell summary with its decoded outline.
type CellGeometry struct {
	model.CellSummary
	Boundary *geom.Polygon
}

// Cells reads the per-cell summaries, busiest first.
func (r *Reader) Cells(ctx context.Context) ([]CellGeometry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT cell, cluster, mean_demand, total_demand, peak_demand, lat, lon, boundary
		FROM cells ORDER BY total_demand DESC, cell`)
	if err != nil {
		return nil, eris.Wrap(err, "artifact: query cells")
	}
	defer rows.Close()

	var out []CellGeometry
	for rows.Next() {
		var c CellGeometry
		var boundary []byte
		if err := rows.Scan(&c.Cell, &c.Cluster, &c.MeanDemand, &c.TotalDemand, &c.PeakDemand,
			&c.Lat, &c.Lon, &boundary); err != nil {
			return nil, eris.Wrap(err, "artifact: scan cell")
		}
		if len(boundary) > 0 {
			g, err := ewkb.Unmarshal(boundary)
			if err != nil {
				return nil, eris.Wrapf(err, "artifact: decode boundary %s", c.Cell)
			}
			if poly, ok := g.(*geom.Polygon); ok {
				c.Boundary = poly
			}
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "artifact: iterate cells")
}

func nullable(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}
