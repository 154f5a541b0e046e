package artifact

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/taxi-demand/internal/demand"
	"github.com/sells-group/taxi-demand/internal/features"
	"github.com/sells-group/taxi-demand/internal/model"
)

// SaveGrid writes g to path with fingerprint fp.
func SaveGrid(ctx context.Context, path string, g *demand.Grid, fp string) error {
	w, err := Create(ctx, path, KindGrid)
	if err != nil {
		return err
	}
	if err := w.SetMeta(ctx, MetaFingerprint, fp); err != nil {
		w.Abort()
		return err
	}
	if err := w.PutGrid(ctx, g); err != nil {
		w.Abort()
		return err
	}
	return w.Commit()
}

// LoadGrid reads a grid artifact and checks its invariants.
func LoadGrid(ctx context.Context, path string) (*demand.Grid, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close() //nolint:errcheck

	g, err := r.Grid(ctx)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, eris.Wrapf(err, "artifact: invalid grid in %s", path)
	}
	return g, nil
}

// SaveTable writes t to path with fingerprint fp. When cells is non-nil the
// per-cell summaries are stored alongside.
func SaveTable(ctx context.Context, path, kind string, t *features.Table, fp string,
	cells []model.CellSummary, boundaryOf func(string) (*geom.Polygon, bool)) error {
	w, err := Create(ctx, path, kind)
	if err != nil {
		return err
	}
	if err := w.SetMeta(ctx, MetaFingerprint, fp); err != nil {
		w.Abort()
		return err
	}
	if err := w.PutTable(ctx, t); err != nil {
		w.Abort()
		return err
	}
	if cells != nil {
		if err := w.PutCells(ctx, cells, boundaryOf); err != nil {
			w.Abort()
			return err
		}
	}
	return w.Commit()
}

// LoadTable reads a feature table artifact.
func LoadTable(ctx context.Context, path string) (*features.Table, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close() //nolint:errcheck

	t, err := r.Table(ctx)
	if err != nil {
		return nil, err
	}
	if err := t.CheckSeries(); err != nil {
		return nil, eris.Wrapf(err, "artifact: invalid table in %s", path)
	}
	return t, nil
}

// LoadCells reads the per-cell summaries stored with a clustered table.
func LoadCells(ctx context.Context, path string) ([]CellGeometry, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close() //nolint:errcheck
	return r.Cells(ctx)
}
