package report

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/sells-group/taxi-demand/internal/hexgrid"
	"github.com/sells-group/taxi-demand/internal/model"
)

// HotspotGeoJSON builds one hexagon feature per cell carrying its cluster
// label and demand. Cells that cannot be outlined are skipped and counted.
func HotspotGeoJSON(cells []model.CellSummary, ix *hexgrid.Indexer) (*geojson.FeatureCollection, int) {
	fc := &geojson.FeatureCollection{}
	skipped := 0
	for _, cs := range cells {
		c, ok := hexgrid.Parse(cs.Cell)
		if !ok {
			skipped++
			continue
		}
		f, err := ix.BoundaryFeature(c, map[string]any{
			"demand_cluster": cs.Cluster,
			"mean_demand":    cs.MeanDemand,
			"total_demand":   cs.TotalDemand,
			"peak_demand":    cs.PeakDemand,
		})
		if err != nil {
			skipped++
			continue
		}
		fc.Features = append(fc.Features, f)
	}
	if skipped > 0 {
		zap.L().Warn("report: cells without boundary skipped", zap.Int("skipped", skipped))
	}
	return fc, skipped
}

// WriteGeoJSON encodes fc to path.
func WriteGeoJSON(path string, fc *geojson.FeatureCollection) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "report: create maps dir")
	}
	data, err := json.Marshal(fc)
	if err != nil {
		return eris.Wrap(err, "report: encode geojson")
	}
	return eris.Wrapf(os.WriteFile(path, data, 0o644), "report: write %s", path)
}
