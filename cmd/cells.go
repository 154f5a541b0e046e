package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/taxi-demand/internal/hexgrid"
)

var cellsCmd = &cobra.Command{
	Use:   "cells [cell-id...]",
	Short: "Print the centroid and outline of hex cells",
	Long:  "Resolves cell ids, or the cell under --lat/--lon at the configured resolution, to their centroid and boundary.",
	RunE: func(cmd *cobra.Command, args []string) error {
		lat, _ := cmd.Flags().GetFloat64("lat")
		lon, _ := cmd.Flags().GetFloat64("lon")
		asGeoJSON, _ := cmd.Flags().GetBool("geojson")

		ix := hexgrid.NewIndexer(cfg.Geo.Resolution)
		cells, err := resolveCells(ix, args, cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon"), lat, lon)
		if err != nil {
			return err
		}

		if asGeoJSON {
			fc := &geojson.FeatureCollection{}
			for _, c := range cells {
				f, err := ix.BoundaryFeature(c, map[string]any{"resolution": c.Resolution()})
				if err != nil {
					return err
				}
				fc.Features = append(fc.Features, f)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(fc)
		}
		return formatCells(os.Stdout, ix, cells)
	},
}

// resolveCells parses ids, or indexes the point when usePoint is set.
func resolveCells(ix *hexgrid.Indexer, ids []string, usePoint bool, lat, lon float64) ([]hexgrid.Cell, error) {
	if usePoint {
		c, ok := ix.CellOf(lat, lon)
		if !ok {
			return nil, eris.Errorf("no cell for point (%g, %g)", lat, lon)
		}
		return []hexgrid.Cell{c}, nil
	}
	if len(ids) == 0 {
		return nil, eris.New("pass cell ids or --lat and --lon")
	}
	cells := make([]hexgrid.Cell, 0, len(ids))
	for _, id := range ids {
		c, ok := hexgrid.Parse(id)
		if !ok {
			return nil, eris.Errorf("invalid cell id %q", id)
		}
		cells = append(cells, c)
	}
	return cells, nil
}

// formatCells writes each cell's centroid and boundary vertices.
func formatCells(out io.Writer, ix *hexgrid.Indexer, cells []hexgrid.Cell) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CELL\tRES\tLAT\tLON\tVERTICES")
	for _, c := range cells {
		lat, lon, ok := ix.CentroidOf(c)
		if !ok {
			return eris.Errorf("no centroid for cell %s", c)
		}
		poly, ok := ix.BoundaryOf(c)
		if !ok {
			return eris.Errorf("no boundary for cell %s", c)
		}
		// The ring is closed, so the last vertex repeats the first.
		_, _ = fmt.Fprintf(w, "%s\t%d\t%.6f\t%.6f\t%d\n", c, c.Resolution(), lat, lon, len(poly.Coords()[0])-1)
	}
	return w.Flush()
}

func init() {
	cellsCmd.Flags().Float64("lat", 0, "latitude of a point to index")
	cellsCmd.Flags().Float64("lon", 0, "longitude of a point to index")
	cellsCmd.Flags().Bool("geojson", false, "print the cells as a GeoJSON FeatureCollection")
	rootCmd.AddCommand(cellsCmd)
}
