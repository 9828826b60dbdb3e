package app

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"wheel-screener/internal/provider"
	"wheel-screener/internal/universe"
)

// Simulate 在离线行情快照上执行一次单标的评估流程。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.InputPath == "" {
		return errors.New("--input 必须指定")
	}

	fixture, err := provider.LoadFixture(opts.InputPath)
	if err != nil {
		return err
	}

	strategies, _ := a.Config.Universe.ParsedStrategies()
	u, err := universe.FromSymbols([]string{fixture.Symbol()}, strategies)
	if err != nil {
		return err
	}
	if opts.Support > 0 {
		u.Entries[0].Support = decimal.NewFromFloat(opts.Support)
	}
	if opts.Resistance > 0 {
		u.Entries[0].Resistance = decimal.NewFromFloat(opts.Resistance)
	}
	if opts.Equity > 0 {
		u.Entries[0].Equity = decimal.NewFromFloat(opts.Equity)
	}

	ev := a.newEvaluator(fixture, fixture)
	art, err := ev.Run(ctx, u, time.Now().UTC())
	if err != nil {
		return err
	}

	return writeJSON(os.Stdout, art)
}
