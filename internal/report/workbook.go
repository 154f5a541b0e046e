package report

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/taxi-demand/internal/cluster"
	"github.com/sells-group/taxi-demand/internal/forecast"
	"github.com/sells-group/taxi-demand/internal/model"
)

// Sheet names.
const (
	SheetClusters   = "clusters"
	SheetTopCells   = "top_cells"
	SheetMetrics    = "metrics"
	SheetImportance = "importance"
)

// Workbook lays out the run summary: cluster classes, the busiest cells,
// validation metrics and feature importance. meta may be nil when no model
// has been trained; the model sheets are then left with headers only.
func Workbook(clusters []cluster.Summary, cells []model.CellSummary, meta *forecast.Metadata, topN int) (*xlsx.File, error) {
	f := xlsx.NewFile()

	sh, err := addSheet(f, SheetClusters, "cluster", "cells", "mean_demand", "total_demand")
	if err != nil {
		return nil, err
	}
	for _, c := range clusters {
		row := sh.AddRow()
		row.AddCell().SetInt(c.Label)
		row.AddCell().SetInt(c.Cells)
		row.AddCell().SetFloat(c.MeanDemand)
		row.AddCell().SetFloat(c.TotalDemand)
	}

	sh, err = addSheet(f, SheetTopCells, "cell", "cluster", "mean_demand", "total_demand", "peak_demand", "lat", "lon")
	if err != nil {
		return nil, err
	}
	for i, c := range cells {
		if topN > 0 && i >= topN {
			break
		}
		row := sh.AddRow()
		row.AddCell().SetString(c.Cell)
		row.AddCell().SetInt(c.Cluster)
		row.AddCell().SetFloat(c.MeanDemand)
		row.AddCell().SetFloat(c.TotalDemand)
		row.AddCell().SetFloat(c.PeakDemand)
		row.AddCell().SetFloat(c.Lat)
		row.AddCell().SetFloat(c.Lon)
	}

	sh, err = addSheet(f, SheetMetrics, "metric", "value")
	if err != nil {
		return nil, err
	}
	imp, err := addSheet(f, SheetImportance, "feature", "gain", "splits")
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return f, nil
	}

	addPair(sh, "trained_at", meta.TrainedAt.Format(time.RFC3339))
	addPair(sh, "cutoff", meta.Cutoff.Format(time.RFC3339))
	addPair(sh, "objective", meta.Params.Objective)
	addNumber(sh, "trees", float64(meta.Trees))
	if ev := meta.Evaluation; ev != nil {
		addNumber(sh, "validation_mae", ev.MAE)
		addNumber(sh, "validation_rmse", ev.RMSE)
		addNumber(sh, "best_iteration", float64(ev.BestIteration))
		addNumber(sh, "train_rows", float64(ev.TrainRows))
		addNumber(sh, "valid_rows", float64(ev.ValidRows))

		for _, im := range ev.Importance {
			row := imp.AddRow()
			row.AddCell().SetString(im.Feature)
			row.AddCell().SetFloat(im.Gain)
			row.AddCell().SetInt(im.Splits)
		}
	}
	return f, nil
}

func addSheet(f *xlsx.File, name string, header ...string) (*xlsx.Sheet, error) {
	sh, err := f.AddSheet(name)
	if err != nil {
		return nil, eris.Wrapf(err, "report: add sheet %s", name)
	}
	row := sh.AddRow()
	for _, h := range header {
		row.AddCell().SetString(h)
	}
	return sh, nil
}

func addPair(sh *xlsx.Sheet, key, value string) {
	row := sh.AddRow()
	row.AddCell().SetString(key)
	row.AddCell().SetString(value)
}

func addNumber(sh *xlsx.Sheet, key string, value float64) {
	row := sh.AddRow()
	row.AddCell().SetString(key)
	row.AddCell().SetFloat(value)
}
