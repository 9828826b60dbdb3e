package cli

import (
	"github.com/spf13/cobra"

	"wheel-screener/internal/app"
)

var (
	showSymbol string
	showJSON   bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the latest decision artifact",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ShowOptions{
			Symbol:  showSymbol,
			JSONOut: showJSON,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showSymbol, "symbol", "", "Show full detail for one symbol")
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print the full artifact as JSON")
}
