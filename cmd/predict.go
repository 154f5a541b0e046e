package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/taxi-demand/internal/model"
	"github.com/sells-group/taxi-demand/internal/pipeline"
)

// hourLayouts are accepted by --hour, most specific first.
var hourLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02T15"}

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Score feature rows with the saved model",
	Long:  "Scores every cell at the latest hour of the feature table, or at --hour. Results are printed highest demand first.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cell, _ := cmd.Flags().GetString("cell")
		hourStr, _ := cmd.Flags().GetString("hour")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		hour, err := parseHour(hourStr)
		if err != nil {
			return err
		}

		return execStage(cmd, pipeline.StagePredict, func(ctx context.Context, p *pipeline.Pipeline) error {
			preds, err := p.Predict(ctx, pipeline.PredictOptions{Cell: cell, Hour: hour, Limit: limit})
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(jsonPredictions(preds))
			}
			formatPredictions(os.Stdout, preds)
			return nil
		})
	},
}

// parseHour reads --hour in UTC. An empty value returns the zero time.
func parseHour(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range hourLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, eris.Errorf("invalid --hour %q, want e.g. 2015-01-31T23:00:00Z or \"2015-01-31 23:00\"", s)
}

type predictionJSON struct {
	Cell      string    `json:"cell"`
	Hour      time.Time `json:"hour"`
	Predicted float64   `json:"predicted"`
	Actual    *float64  `json:"actual,omitempty"`
}

// jsonPredictions drops NaN actuals, which encoding/json cannot represent.
func jsonPredictions(preds []model.Prediction) []predictionJSON {
	out := make([]predictionJSON, len(preds))
	for i, p := range preds {
		out[i] = predictionJSON{Cell: p.Cell, Hour: p.Hour, Predicted: p.Predicted}
		if !math.IsNaN(p.Actual) {
			a := p.Actual
			out[i].Actual = &a
		}
	}
	return out
}

// formatPredictions writes predictions as an aligned table.
func formatPredictions(out io.Writer, preds []model.Prediction) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CELL\tHOUR\tPREDICTED\tACTUAL")
	for _, p := range preds {
		actual := "-"
		if !math.IsNaN(p.Actual) {
			actual = fmt.Sprintf("%.0f", p.Actual)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\n", p.Cell, p.Hour.UTC().Format("2006-01-02 15:04"), p.Predicted, actual)
	}
	_ = w.Flush()
}

func init() {
	predictCmd.Flags().String("cell", "", "score only this H3 cell")
	predictCmd.Flags().String("hour", "", "score this hour (UTC) instead of the latest one")
	predictCmd.Flags().Int("limit", 20, "max predictions to print (0 = all)")
	predictCmd.Flags().Bool("json", false, "print predictions as JSON")
	rootCmd.AddCommand(predictCmd)
}
