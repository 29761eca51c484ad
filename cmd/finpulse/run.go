package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/finpulse/finpulse/internal/models"
)

func newRunCmd() *cobra.Command {
	var (
		symbols  []string
		lookback int
		sources  []string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one pipeline run and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flagConfig)
			if err != nil {
				return err
			}
			defer a.close()

			cfg := a.runConfig()
			if len(symbols) > 0 {
				cfg.Symbols = symbols
			}
			if lookback > 0 {
				cfg.LookbackHours = lookback
			}
			for _, raw := range sources {
				src := models.Source(raw)
				if !src.Valid() {
					return fmt.Errorf("unknown source: %s", raw)
				}
				cfg.EnabledSources = append(cfg.EnabledSources, src)
			}

			result := a.pipeline.Run(ctx, cfg)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if result.Status != models.StatusCompleted {
				return fmt.Errorf("pipeline run %s: %s", result.Status, result.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&symbols, "symbols", nil, "override watchlist symbols")
	cmd.Flags().IntVar(&lookback, "lookback-hours", 0, "override the collection lookback window")
	cmd.Flags().StringSliceVar(&sources, "sources", nil, "restrict the run to these sources")
	return cmd
}
