package universe

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"wheel-screener/internal/market"
)

var bothStrategies = []market.Strategy{market.StrategyCSP, market.StrategyCC}

func TestParseFullRow(t *testing.T) {
	csv := strings.NewReader(
		"symbol,strategies,support,resistance,equity\n" +
			"aapl,csp|cc,92.5,110,50000\n" +
			"MSFT,cc,,,\n")

	u, err := Parse(csv, []market.Strategy{market.StrategyCSP})
	require.NoError(t, err)
	require.Equal(t, 2, u.Size())

	aapl := u.Entries[0]
	require.Equal(t, "AAPL", aapl.Symbol)
	require.Equal(t, bothStrategies, aapl.Strategies)
	require.True(t, aapl.Support.Equal(decimal.RequireFromString("92.5")))
	require.True(t, aapl.Equity.Equal(decimal.NewFromInt(50_000)))

	msft := u.Entries[1]
	require.Equal(t, []market.Strategy{market.StrategyCC}, msft.Strategies)
	require.True(t, msft.Support.IsZero())
}

func TestParseUsesDefaultStrategies(t *testing.T) {
	u, err := Parse(strings.NewReader("symbol\nAAPL\n"), bothStrategies)
	require.NoError(t, err)
	require.Equal(t, bothStrategies, u.Entries[0].Strategies)
}

func TestParseDropsDuplicates(t *testing.T) {
	u, err := Parse(strings.NewReader("symbol,support\nAAPL,92\naapl,80\n"), nil)
	require.NoError(t, err)
	require.Equal(t, 1, u.Size())
	require.True(t, u.Entries[0].Support.Equal(decimal.NewFromInt(92)))
}

func TestParseRejectsBadSymbol(t *testing.T) {
	_, err := Parse(strings.NewReader("symbol\nBAD SYMBOL\n"), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "line 2")
}

func TestParseRejectsBadNumber(t *testing.T) {
	_, err := Parse(strings.NewReader("symbol,support\nAAPL,ninety\n"), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "support")
}

func TestParseRejectsMissingSymbolColumn(t *testing.T) {
	_, err := Parse(strings.NewReader("ticker\nAAPL\n"), nil)
	require.Error(t, err)
}

func TestFromSymbols(t *testing.T) {
	u, err := FromSymbols([]string{" aapl", "MSFT", "aapl"}, bothStrategies)
	require.NoError(t, err)
	require.Equal(t, []string{"AAPL", "MSFT"}, u.Symbols())

	_, err = FromSymbols(nil, bothStrategies)
	require.Error(t, err)
}

func TestResolvePrefersInlineSymbols(t *testing.T) {
	u, err := Resolve("does-not-exist.csv", []string{"nvda"}, bothStrategies)
	require.NoError(t, err)
	require.Equal(t, []string{"NVDA"}, u.Symbols())
}

func TestResolveFallsBackToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "universe.csv")
	require.NoError(t, os.WriteFile(path, []byte("symbol\nAAPL\n"), 0o644))

	u, err := Resolve(path, nil, bothStrategies)
	require.NoError(t, err)
	require.Equal(t, []string{"AAPL"}, u.Symbols())

	_, err = Resolve(filepath.Join(t.TempDir(), "missing.csv"), nil, bothStrategies)
	require.Error(t, err)
}
