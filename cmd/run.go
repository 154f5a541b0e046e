package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/taxi-demand/internal/pipeline"
)

var runForce bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every stage from raw trips to a trained model",
	Long:  "Runs preprocess, features, cluster and train in order. Each data stage reuses its cached artifact when the inputs and parameters are unchanged.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return execStage(cmd, "run", func(ctx context.Context, p *pipeline.Pipeline) error {
			if err := p.Run(ctx, pipeline.Options{Force: runForce}); err != nil {
				return err
			}
			formatStages(os.Stdout, p.Stages())
			return nil
		})
	},
}

func init() {
	runCmd.Flags().BoolVar(&runForce, "force", false, "ignore every cached artifact")
	rootCmd.AddCommand(runCmd)
}
