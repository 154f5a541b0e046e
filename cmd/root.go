package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/taxi-demand/internal/config"
	"github.com/sells-group/taxi-demand/internal/pipeline"
	"github.com/sells-group/taxi-demand/internal/store"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "taxi-demand",
	Short: "Hourly taxi demand forecasting pipeline",
	Long:  "Aggregates taxi pickups into hourly hex-cell demand, engineers lag and moving-average features, clusters hotspots and trains a gradient-boosted forecaster.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// withSignals returns a context cancelled on SIGINT or SIGTERM.
func withSignals(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

// openLedger opens the configured run ledger. A ledger that cannot be opened
// is logged and the command continues without one.
func openLedger(ctx context.Context) store.Store {
	st, err := store.Open(ctx, cfg.Store, cfg.Paths.LedgerFile())
	if err != nil {
		zap.L().Warn("ledger unavailable, run will not be recorded", zap.Error(err))
		return nil
	}
	return st
}

// newPipeline creates the output directories and a pipeline bound to the
// ledger. The returned func closes the ledger.
func newPipeline(ctx context.Context) (*pipeline.Pipeline, func(), error) {
	if err := cfg.Paths.EnsureDirs(); err != nil {
		return nil, nil, err
	}
	st := openLedger(ctx)
	closeFn := func() {
		if st != nil {
			_ = st.Close()
		}
	}
	return pipeline.New(cfg, st, nil), closeFn, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
