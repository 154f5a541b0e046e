package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/taxi-demand/internal/pipeline"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Write the hotspot map and the summary workbook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		top, _ := cmd.Flags().GetInt("top")
		return execStage(cmd, pipeline.StageReport, func(ctx context.Context, p *pipeline.Pipeline) error {
			out, err := p.Report(ctx, top)
			if err != nil {
				return err
			}
			zap.L().Info("report written",
				zap.String("geojson", out.GeoJSON),
				zap.String("workbook", out.Workbook),
				zap.Int("features", out.Features),
			)
			return nil
		})
	},
}

func init() {
	reportCmd.Flags().Int("top", 50, "cells listed on the top-cells sheet")
	rootCmd.AddCommand(reportCmd)
}
