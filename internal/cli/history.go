package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"wheel-screener/internal/app"
)

var (
	historySymbol string
	historyRunID  string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List or inspect archived runs for a symbol",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historySymbol == "" {
			return fmt.Errorf("--symbol must be provided")
		}

		opts := app.HistoryOptions{
			Symbol: historySymbol,
			RunID:  historyRunID,
		}

		return getApp().History(cmd.Context(), opts)
	},
}

func init() {
	historyCmd.Flags().StringVar(&historySymbol, "symbol", "", "Underlying symbol")
	historyCmd.Flags().StringVar(&historyRunID, "run", "", "Print one archived entry by run ID")
}
