package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/taxi-demand/internal/cluster"
	"github.com/sells-group/taxi-demand/internal/forecast"
	"github.com/sells-group/taxi-demand/internal/pipeline"
)

var preprocessCmd = &cobra.Command{
	Use:   "preprocess",
	Short: "Aggregate raw trips into the hourly per-cell demand grid",
	RunE: func(cmd *cobra.Command, _ []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return execStage(cmd, pipeline.StagePreprocess, func(ctx context.Context, p *pipeline.Pipeline) error {
			g, err := p.Preprocess(ctx, pipeline.Options{Force: force})
			if err != nil {
				return err
			}
			first, last := g.Span()
			zap.L().Info("demand grid ready",
				zap.Int("rows", len(g.Records)),
				zap.Int("cells", len(g.Cells())),
				zap.Time("first_hour", first),
				zap.Time("last_hour", last),
				zap.Float64("trips", g.Total()),
			)
			return nil
		})
	},
}

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "Build calendar, lag and moving-average features",
	RunE: func(cmd *cobra.Command, _ []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return execStage(cmd, pipeline.StageFeatures, func(ctx context.Context, p *pipeline.Pipeline) error {
			t, err := p.Features(ctx, pipeline.Options{Force: force})
			if err != nil {
				return err
			}
			zap.L().Info("feature table ready",
				zap.Int("rows", t.NumRows()),
				zap.Strings("columns", t.ColumnNames()),
			)
			return nil
		})
	},
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Label cells with demand hotspot clusters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return execStage(cmd, pipeline.StageCluster, func(ctx context.Context, p *pipeline.Pipeline) error {
			_, res, err := p.Cluster(ctx, pipeline.Options{Force: force})
			if err != nil {
				return err
			}
			formatClusters(os.Stdout, res.Summary())
			return nil
		})
	},
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the demand forecaster on the clustered features",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return execStage(cmd, pipeline.StageTrain, func(ctx context.Context, p *pipeline.Pipeline) error {
			_, eval, err := p.Train(ctx)
			if err != nil {
				return err
			}
			formatEvaluation(os.Stdout, eval)
			return nil
		})
	},
}

// execStage builds a pipeline and runs fn inside a ledger run.
func execStage(cmd *cobra.Command, command string, fn func(ctx context.Context, p *pipeline.Pipeline) error) error {
	ctx, stop := withSignals(cmd)
	defer stop()

	p, closeFn, err := newPipeline(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	return p.Exec(ctx, command, func(ctx context.Context) error {
		return fn(ctx, p)
	})
}

// formatClusters writes one line per hotspot cluster, hottest first.
func formatClusters(out io.Writer, sums []cluster.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CLUSTER\tCELLS\tMEAN_DEMAND\tTOTAL_DEMAND")
	for _, s := range sums {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%.2f\t%.0f\n", s.Label, s.Cells, s.MeanDemand, s.TotalDemand)
	}
	_ = w.Flush()
}

// formatEvaluation writes the validation scores and the top features.
func formatEvaluation(out io.Writer, eval *forecast.Evaluation) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Cutoff:\t%s\n", eval.Cutoff.Format("2006-01-02 15:04"))
	_, _ = fmt.Fprintf(w, "Train rows:\t%d\n", eval.TrainRows)
	_, _ = fmt.Fprintf(w, "Validation rows:\t%d\n", eval.ValidRows)
	_, _ = fmt.Fprintf(w, "Validation MAE:\t%.4f\n", eval.MAE)
	_, _ = fmt.Fprintf(w, "Validation RMSE:\t%.4f\n", eval.RMSE)
	_, _ = fmt.Fprintf(w, "Best iteration:\t%d\n", eval.BestIteration)
	for i, imp := range eval.Importance {
		if i == 10 {
			break
		}
		_, _ = fmt.Fprintf(w, "  %s\t%.2f\n", imp.Feature, imp.Gain)
	}
	_ = w.Flush()
}

func init() {
	for _, c := range []*cobra.Command{preprocessCmd, featuresCmd, clusterCmd} {
		c.Flags().Bool("force", false, "recompute this stage even when its cached artifact is fresh")
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(trainCmd)
}
