package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"wheel-screener/internal/app"
)

var (
	simulateInput      string
	simulateSupport    float64
	simulateResistance float64
	simulateEquity     float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "在离线行情快照上模拟一次评估",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateInput == "" {
			return errors.New("--input 必须指定")
		}

		opts := app.SimulateOptions{
			InputPath:  simulateInput,
			Support:    simulateSupport,
			Resistance: simulateResistance,
			Equity:     simulateEquity,
		}

		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateInput, "input", "", "行情快照 JSON 文件路径")
	simulateCmd.Flags().Float64Var(&simulateSupport, "support", 0, "支撑位价格 (可选)")
	simulateCmd.Flags().Float64Var(&simulateResistance, "resistance", 0, "阻力位价格 (可选)")
	simulateCmd.Flags().Float64Var(&simulateEquity, "equity", 0, "账户资金规模 (可选)")
}
