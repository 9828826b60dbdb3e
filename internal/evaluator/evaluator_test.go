package evaluator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"wheel-screener/internal/market"
	"wheel-screener/internal/scoring"
	"wheel-screener/internal/snapshot"
	"wheel-screener/internal/universe"
)

type fakeMarket struct {
	mu         sync.Mutex
	quotes     map[string]market.RawQuote
	quoteErrs  map[string]error
	exps       map[string][]time.Time
	chains     map[string][]market.Contract
	chainErrs  map[string]error
	panicOn    string
	degraded   bool
	quoteCalls int
	chainCalls int
}

func (f *fakeMarket) Quote(_ context.Context, symbol string) (market.RawQuote, error) {
	f.mu.Lock()
	f.quoteCalls++
	f.mu.Unlock()
	if symbol == f.panicOn {
		panic("quote exploded")
	}
	if err := f.quoteErrs[symbol]; err != nil {
		return market.RawQuote{}, err
	}
	q, ok := f.quotes[symbol]
	if !ok {
		return market.RawQuote{}, fmt.Errorf("no quote for %s", symbol)
	}
	return q, nil
}

func (f *fakeMarket) Expirations(_ context.Context, symbol string) ([]time.Time, error) {
	return f.exps[symbol], nil
}

func (f *fakeMarket) Chain(_ context.Context, symbol string, _ time.Time) ([]market.Contract, error) {
	f.mu.Lock()
	f.chainCalls++
	f.mu.Unlock()
	if err := f.chainErrs[symbol]; err != nil {
		return nil, err
	}
	return f.chains[symbol], nil
}

func (f *fakeMarket) Degraded() bool { return f.degraded }

func (f *fakeMarket) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quoteCalls, f.chainCalls
}

func goodQuote(asOf time.Time) market.RawQuote {
	last, bid, ask := 100.0, 99.5, 100.5
	volume := int64(1000)
	iv := 40.0
	quoted := asOf.Add(-time.Hour)
	return market.RawQuote{
		Kind:      "stock",
		Last:      &last,
		Bid:       &bid,
		Ask:       &ask,
		Volume:    &volume,
		IVRank:    &iv,
		QuoteDate: &quoted,
	}
}

func goodPut(symbol string, asOf time.Time, oi int64) market.Contract {
	bid := decimal.NewFromFloat(2.5)
	ask := decimal.NewFromFloat(2.6)
	mid := decimal.NewFromFloat(2.55)
	return market.Contract{
		OCCSymbol:    symbol + "260927P00095000",
		Underlying:   symbol,
		Type:         market.OptionPut,
		Strike:       decimal.NewFromInt(95),
		Expiration:   asOf.AddDate(0, 0, 35),
		Bid:          market.Valid(market.FieldBid, bid),
		Ask:          market.Valid(market.FieldAsk, ask),
		Mid:          market.Derived(market.FieldMid, mid, "mid of bid/ask"),
		Delta:        market.Valid(market.FieldDelta, -0.25),
		OpenInterest: market.Valid(market.FieldOpenInterest, oi),
		Volume:       market.Valid(market.FieldVolume, int64(150)),
		SpreadPct:    market.Derived(market.FieldSpreadPct, ask.Sub(bid).Div(mid), "(ask-bid)/mid"),
	}
}

func goodCall(symbol string, asOf time.Time, oi int64) market.Contract {
	c := goodPut(symbol, asOf, oi)
	c.OCCSymbol = symbol + "260927C00105000"
	c.Type = market.OptionCall
	c.Strike = decimal.NewFromInt(105)
	c.Delta = market.Valid(market.FieldDelta, 0.25)
	return c
}

func marketWith(asOf time.Time, symbols ...string) *fakeMarket {
	f := &fakeMarket{
		quotes:    make(map[string]market.RawQuote),
		quoteErrs: make(map[string]error),
		exps:      make(map[string][]time.Time),
		chains:    make(map[string][]market.Contract),
		chainErrs: make(map[string]error),
	}
	for _, s := range symbols {
		f.quotes[s] = goodQuote(asOf)
		f.exps[s] = []time.Time{asOf.AddDate(0, 0, 35)}
		f.chains[s] = []market.Contract{goodPut(s, asOf, 800)}
	}
	return f
}

func uni(symbols ...string) universe.Universe {
	var u universe.Universe
	for _, s := range symbols {
		u.Entries = append(u.Entries, universe.Entry{
			Symbol:     s,
			Strategies: []market.Strategy{market.StrategyCSP},
			Support:    decimal.NewFromInt(92),
			Equity:     decimal.NewFromInt(50_000),
		})
	}
	return u
}

func newTestEvaluator(fm *fakeMarket, opts Options) *Evaluator {
	if opts.MaxSymbols == 0 {
		opts.MaxSymbols = 100
	}
	if opts.MaxRequests == 0 {
		opts.MaxRequests = 1000
	}
	if opts.MaxWallTime == 0 {
		opts.MaxWallTime = time.Minute
	}
	if opts.Regime == "" {
		opts.Regime = scoring.RegimeNeutral
	}
	resolver := snapshot.NewResolver(snapshot.Options{}, nil, zerolog.Nop())
	scorer := scoring.New(scoring.Options{}, zerolog.Nop())
	return New(opts, fm, fm, resolver, scorer, zerolog.Nop())
}

func TestRunHappyPathEligible(t *testing.T) {
	asOf := time.Now().UTC()
	fm := marketWith(asOf, "AAPL")
	ev := newTestEvaluator(fm, Options{})

	a, err := ev.Run(context.Background(), uni("AAPL"), asOf)
	require.NoError(t, err)

	require.Equal(t, "v2", a.Metadata.ArtifactVersion)
	require.Equal(t, 1, a.Metadata.UniverseSize)
	require.Len(t, a.Symbols, 1)

	res := a.Symbols[0]
	require.Equal(t, market.VerdictEligible, res.Verdict)
	require.Equal(t, market.ReasonOK, res.PrimaryReason)
	require.Equal(t, market.Stage2, res.StageReached)
	require.Equal(t, 1.0, res.DataCompleteness)
	require.Empty(t, res.MissingFields)
	require.NotNil(t, res.Score)
	require.Greater(t, *res.Score, 0.0)
	require.LessOrEqual(t, *res.Score, 100.0)
	require.NotEmpty(t, res.Band)

	cands := a.CandidatesBySymbol["AAPL"]
	require.Len(t, cands, 1)
	require.Equal(t, 95.0, cands[0].Strike)
	require.Equal(t, 35, cands[0].DTE)

	gates := a.GatesBySymbol["AAPL"]
	require.Empty(t, gates.RejectionCounts)
	require.Equal(t, 1, gates.ContractsEvaluated)

	require.False(t, a.Metadata.Budget.Exhausted)
}

func TestRunZeroWallBudget(t *testing.T) {
	asOf := time.Now().UTC()
	fm := marketWith(asOf, "AAPL", "MSFT", "SPY")
	// Budget caps are literal: a zero wall-time allowance stops the run
	// before any work is dispatched.
	ev := New(Options{MaxSymbols: 10, MaxRequests: 100, MaxWallTime: 0},
		fm, fm,
		snapshot.NewResolver(snapshot.Options{}, nil, zerolog.Nop()),
		scoring.New(scoring.Options{}, zerolog.Nop()),
		zerolog.Nop())

	a, err := ev.Run(context.Background(), uni("AAPL", "MSFT", "SPY"), asOf)
	require.NoError(t, err)

	require.Len(t, a.Symbols, 3)
	for _, res := range a.Symbols {
		require.Equal(t, market.VerdictUnknown, res.Verdict)
		require.Equal(t, market.ReasonBudgetExceeded, res.PrimaryReason)
		require.Equal(t, market.StageNotStarted, res.StageReached)
		require.Nil(t, res.Score)
	}

	quotes, chains := fm.calls()
	require.Zero(t, quotes)
	require.Zero(t, chains)
	require.True(t, a.Metadata.Budget.Exhausted)
	require.Equal(t, BudgetMaxWallTime, a.Metadata.Budget.ExhaustedReason)
}

func TestRunSymbolCapStopsDispatch(t *testing.T) {
	asOf := time.Now().UTC()
	fm := marketWith(asOf, "A", "B", "C", "D")
	ev := newTestEvaluator(fm, Options{MaxSymbols: 2})

	a, err := ev.Run(context.Background(), uni("A", "B", "C", "D"), asOf)
	require.NoError(t, err)
	require.Len(t, a.Symbols, 4)

	byVerdict := make(map[market.Verdict]int)
	for _, res := range a.Symbols {
		byVerdict[res.Verdict]++
	}
	require.Equal(t, 2, byVerdict[market.VerdictEligible])
	require.Equal(t, 2, byVerdict[market.VerdictUnknown])

	// Admitted symbols completed; only the refused two skipped the provider.
	quotes, _ := fm.calls()
	require.Equal(t, 2, quotes)
	require.Equal(t, BudgetMaxSymbols, a.Metadata.Budget.ExhaustedReason)
}

func TestRunProviderErrorBlocksSymbolOnly(t *testing.T) {
	asOf := time.Now().UTC()
	fm := marketWith(asOf, "MSFT")
	fm.quoteErrs["AAPL"] = fmt.Errorf("upstream 502")
	ev := newTestEvaluator(fm, Options{})

	a, err := ev.Run(context.Background(), uni("AAPL", "MSFT"), asOf)
	require.NoError(t, err)

	aapl, ok := a.Symbol("AAPL")
	require.True(t, ok)
	require.Equal(t, market.VerdictBlocked, aapl.Verdict)
	require.Equal(t, market.ReasonProviderError, aapl.PrimaryReason)
	require.Equal(t, market.Stage1, aapl.StageReached)
	require.Zero(t, aapl.DataCompleteness)
	require.NotEmpty(t, aapl.MissingFields)
	require.Nil(t, aapl.Score)

	msft, ok := a.Symbol("MSFT")
	require.True(t, ok)
	require.Equal(t, market.VerdictEligible, msft.Verdict)
}

func TestRunIncompleteSnapshotHolds(t *testing.T) {
	asOf := time.Now().UTC()
	fm := marketWith(asOf, "AAPL")
	q := goodQuote(asOf)
	q.Last = nil // price has no derivation path
	fm.quotes["AAPL"] = q
	ev := newTestEvaluator(fm, Options{MinCompleteness: 1})

	a, err := ev.Run(context.Background(), uni("AAPL"), asOf)
	require.NoError(t, err)

	res := a.Symbols[0]
	require.Equal(t, market.VerdictHold, res.Verdict)
	require.Equal(t, market.ReasonDataMissing, res.PrimaryReason)
	require.Equal(t, market.Stage1, res.StageReached)
	require.Contains(t, res.MissingFields, market.FieldPrice)
	require.Less(t, res.DataCompleteness, 1.0)

	// Stage two never ran for the unqualified symbol.
	_, chains := fm.calls()
	require.Zero(t, chains)
}

func TestRunNoCandidatesHolds(t *testing.T) {
	asOf := time.Now().UTC()
	fm := marketWith(asOf, "AAPL")
	fm.chains["AAPL"] = []market.Contract{goodPut("AAPL", asOf, 5)}
	ev := newTestEvaluator(fm, Options{})

	a, err := ev.Run(context.Background(), uni("AAPL"), asOf)
	require.NoError(t, err)

	res := a.Symbols[0]
	require.Equal(t, market.VerdictHold, res.Verdict)
	require.Equal(t, market.ReasonNoCandidates, res.PrimaryReason)
	require.Equal(t, market.Stage2, res.StageReached)
	require.Nil(t, res.Score)

	gates := a.GatesBySymbol["AAPL"]
	require.Equal(t, 1, gates.RejectionCounts["csp.oi"])
}

func TestRunScoreBelowMinHoldsButKeepsBand(t *testing.T) {
	asOf := time.Now().UTC()
	fm := marketWith(asOf, "AAPL")
	ev := newTestEvaluator(fm, Options{MinScore: 99})

	a, err := ev.Run(context.Background(), uni("AAPL"), asOf)
	require.NoError(t, err)

	res := a.Symbols[0]
	require.Equal(t, market.VerdictHold, res.Verdict)
	require.Equal(t, market.ReasonScoreBelowMin, res.PrimaryReason)
	require.NotNil(t, res.Score)
	require.NotEmpty(t, res.Band)
	// The band explains itself through thresholds, never through the verdict.
	require.NotContains(t, res.BandReason, "HOLD")
	require.NotContains(t, res.BandReason, "verdict")
}

func TestRunChainErrorBlocksAtStageTwo(t *testing.T) {
	asOf := time.Now().UTC()
	fm := marketWith(asOf, "AAPL")
	fm.chainErrs["AAPL"] = fmt.Errorf("upstream 503")
	ev := newTestEvaluator(fm, Options{})

	a, err := ev.Run(context.Background(), uni("AAPL"), asOf)
	require.NoError(t, err)

	res := a.Symbols[0]
	require.Equal(t, market.VerdictBlocked, res.Verdict)
	require.Equal(t, market.ReasonProviderError, res.PrimaryReason)
	require.Equal(t, market.Stage2, res.StageReached)
}

func TestRunPanicIsolatedToSymbol(t *testing.T) {
	asOf := time.Now().UTC()
	fm := marketWith(asOf, "MSFT")
	fm.quotes["AAPL"] = goodQuote(asOf)
	fm.panicOn = "AAPL"
	ev := newTestEvaluator(fm, Options{})

	a, err := ev.Run(context.Background(), uni("AAPL", "MSFT"), asOf)
	require.NoError(t, err)

	aapl, ok := a.Symbol("AAPL")
	require.True(t, ok)
	require.Equal(t, market.VerdictUnknown, aapl.Verdict)
	require.Equal(t, market.ReasonInternalError, aapl.PrimaryReason)

	msft, ok := a.Symbol("MSFT")
	require.True(t, ok)
	require.Equal(t, market.VerdictEligible, msft.Verdict)
}

func TestPanicRethrownInDebug(t *testing.T) {
	ev := newTestEvaluator(marketWith(time.Now().UTC()), Options{Debug: true})
	require.Panics(t, func() {
		ev.panicOutcome("AAPL", market.Stage1, "boom")
	})
}

func TestRunCountsRequests(t *testing.T) {
	asOf := time.Now().UTC()
	fm := marketWith(asOf, "AAPL")
	ev := newTestEvaluator(fm, Options{})

	a, err := ev.Run(context.Background(), uni("AAPL"), asOf)
	require.NoError(t, err)

	// One quote, one expirations listing, one chain fetch.
	require.Equal(t, int64(3), a.Metadata.Budget.RequestsUsed)
	require.Equal(t, int64(1), a.Metadata.Budget.SymbolsProcessed)
}

func TestRunScreensBothStrategies(t *testing.T) {
	asOf := time.Now().UTC()
	fm := marketWith(asOf, "AAPL")
	fm.chains["AAPL"] = []market.Contract{goodPut("AAPL", asOf, 800), goodCall("AAPL", asOf, 900)}

	ev := newTestEvaluator(fm, Options{})
	u := uni("AAPL")
	u.Entries[0].Strategies = []market.Strategy{market.StrategyCSP, market.StrategyCC}
	u.Entries[0].Resistance = decimal.NewFromInt(110)

	a, err := ev.Run(context.Background(), u, asOf)
	require.NoError(t, err)

	cands := a.CandidatesBySymbol["AAPL"]
	require.Len(t, cands, 2)
	strategies := []market.Strategy{cands[0].Strategy, cands[1].Strategy}
	require.ElementsMatch(t, []market.Strategy{market.StrategyCSP, market.StrategyCC}, strategies)

	gates := a.GatesBySymbol["AAPL"]
	require.Equal(t, 2, gates.ContractsEvaluated)
}

func TestRunOneResultPerSymbolUnderMixedFailures(t *testing.T) {
	asOf := time.Now().UTC()
	symbols := []string{"A", "B", "C", "D", "E", "F"}
	fm := marketWith(asOf, "A", "B", "C")
	fm.quoteErrs["D"] = fmt.Errorf("boom")
	fm.quotes["E"] = goodQuote(asOf)
	fm.panicOn = "E"
	// F has no data at all.
	ev := newTestEvaluator(fm, Options{MaxSymbols: 5})

	a, err := ev.Run(context.Background(), uni(symbols...), asOf)
	require.NoError(t, err)
	require.Len(t, a.Symbols, len(symbols))

	seen := make(map[string]bool)
	for _, res := range a.Symbols {
		require.False(t, seen[res.Symbol], "duplicate result for %s", res.Symbol)
		seen[res.Symbol] = true
	}
	for _, s := range symbols {
		require.True(t, seen[s], "missing result for %s", s)
	}
}
