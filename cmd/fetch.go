package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/taxi-demand/internal/fetcher"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download missing raw inputs from the configured URLs",
	Long:  "Downloads the boundary file, and with --trips the trip file, when they are not already on disk. No other command touches the network.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := withSignals(cmd)
		defer stop()

		trips, _ := cmd.Flags().GetBool("trips")
		f := fetcher.NewHTTPFetcher(fetcher.OptionsFromConfig(cfg.Fetch))

		targets := []struct{ url, path string }{
			{cfg.Fetch.BoundariesURL, cfg.Paths.Boundaries},
		}
		if trips {
			targets = append(targets, struct{ url, path string }{cfg.Fetch.TripsURL, cfg.Paths.RawTrips})
		}

		for _, t := range targets {
			if t.path == "" {
				continue
			}
			res, err := f.EnsureFile(ctx, t.url, t.path)
			if err != nil {
				return eris.Wrapf(err, "fetch %s", t.path)
			}
			zap.L().Info("input ready",
				zap.String("path", res.Path),
				zap.Int64("bytes", res.Bytes),
				zap.Bool("skipped", res.Skipped),
			)
		}
		return nil
	},
}

func init() {
	fetchCmd.Flags().Bool("trips", false, "also download the trip file from fetch.trips_url")
	rootCmd.AddCommand(fetchCmd)
}
