// Package report renders the hotspot map and the summary workbook.
package report

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/taxi-demand/internal/cluster"
	"github.com/sells-group/taxi-demand/internal/forecast"
	"github.com/sells-group/taxi-demand/internal/hexgrid"
	"github.com/sells-group/taxi-demand/internal/model"
)

// Input is everything the reports are drawn from.
type Input struct {
	Clusters []cluster.Summary
	Cells    []model.CellSummary
	Meta     *forecast.Metadata
	TopN     int
}

// Output lists the files written.
type Output struct {
	GeoJSON  string `json:"geojson"`
	Workbook string `json:"workbook"`
	Features int    `json:"features"`
}

// Write renders the hotspot map into mapsDir and the workbook into
// reportsDir. The two files are independent and written concurrently.
func Write(ctx context.Context, reportsDir, mapsDir string, ix *hexgrid.Indexer, in Input) (*Output, error) {
	out := &Output{
		GeoJSON:  filepath.Join(mapsDir, "hotspots.geojson"),
		Workbook: filepath.Join(reportsDir, "summary.xlsx"),
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		fc, _ := HotspotGeoJSON(in.Cells, ix)
		out.Features = len(fc.Features)
		return WriteGeoJSON(out.GeoJSON, fc)
	})
	g.Go(func() error {
		wb, err := Workbook(in.Clusters, in.Cells, in.Meta, in.TopN)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(reportsDir, 0o755); err != nil {
			return eris.Wrap(err, "report: create reports dir")
		}
		return eris.Wrapf(wb.Save(out.Workbook), "report: save %s", out.Workbook)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	zap.L().Info("report: written",
		zap.String("geojson", out.GeoJSON),
		zap.String("workbook", out.Workbook),
		zap.Int("features", out.Features),
	)
	return out, nil
}
