package cli

import (
	"github.com/spf13/cobra"

	"wheel-screener/internal/app"
)

var (
	runDryRun  bool
	runSymbols []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one evaluation cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.RunCycleOptions{
			DryRun:  runDryRun,
			Symbols: runSymbols,
		}

		return getApp().RunCycle(cmd.Context(), opts)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Evaluate without committing artifacts or ledger rows")
	runCmd.Flags().StringSliceVar(&runSymbols, "symbols", nil, "Override the universe with a comma-separated symbol list")
}
