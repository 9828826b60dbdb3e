package evaluator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"wheel-screener/internal/artifact"
	"wheel-screener/internal/market"
	"wheel-screener/internal/provider"
	"wheel-screener/internal/scoring"
	"wheel-screener/internal/selector"
	"wheel-screener/internal/snapshot"
	"wheel-screener/internal/universe"
)

// GateRules are one strategy's selection thresholds.
type GateRules struct {
	DTEMin              int
	DTEMax              int
	DeltaLo             float64
	DeltaHi             float64
	MinOpenInterest     int64
	MaxSpreadPct        decimal.Decimal
	MaxSampleRejections int
}

// DefaultGateRules returns the stock thresholds.
func DefaultGateRules() GateRules {
	return GateRules{
		DTEMin:          30,
		DTEMax:          45,
		DeltaLo:         0.15,
		DeltaHi:         0.35,
		MinOpenInterest: 500,
		MaxSpreadPct:    decimal.RequireFromString("0.10"),
	}
}

// Options configure an evaluation run.
type Options struct {
	Strategies    []market.Strategy
	Rules         map[market.Strategy]GateRules
	Regime        scoring.Regime
	AccountEquity decimal.Decimal

	MinCompleteness float64
	MinScore        float64

	// Stage1Concurrency fans out the cheap snapshot stage; Stage2Concurrency
	// bounds the expensive chain stage.
	Stage1Concurrency int
	Stage2Concurrency int
	MaxExpirations    int

	MaxSymbols  int
	MaxRequests int
	MaxWallTime time.Duration

	// DegradedDispatchDelay spaces out dispatches while the provider reports
	// a degraded state.
	DegradedDispatchDelay time.Duration

	// Debug turns invariant violations and symbol panics into crashes
	// instead of logged UNKNOWN results.
	Debug bool
}

// Evaluator drives the two-stage screen over a symbol universe.
type Evaluator struct {
	opts     Options
	market   provider.MarketData
	health   provider.Health
	resolver *snapshot.Resolver
	scorer   *scoring.Scorer
	logger   zerolog.Logger
}

// New wires an evaluator. health may be nil when the data source does not
// report one.
func New(opts Options, md provider.MarketData, health provider.Health, resolver *snapshot.Resolver, scorer *scoring.Scorer, logger zerolog.Logger) *Evaluator {
	if len(opts.Strategies) == 0 {
		opts.Strategies = []market.Strategy{market.StrategyCSP}
	}
	if opts.Stage1Concurrency <= 0 {
		opts.Stage1Concurrency = 16
	}
	if opts.Stage2Concurrency <= 0 {
		opts.Stage2Concurrency = 4
	}
	if opts.MaxExpirations <= 0 {
		opts.MaxExpirations = 4
	}
	if opts.MinCompleteness <= 0 {
		opts.MinCompleteness = 1
	}
	if opts.DegradedDispatchDelay <= 0 {
		opts.DegradedDispatchDelay = 500 * time.Millisecond
	}
	return &Evaluator{
		opts:     opts,
		market:   md,
		health:   health,
		resolver: resolver,
		scorer:   scorer,
		logger:   logger.With().Str("component", "evaluator").Logger(),
	}
}

type stage1Pass struct {
	entry universe.Entry
	snap  market.Snapshot
}

type outcome struct {
	result     artifact.SymbolResult
	candidates []artifact.Candidate
	gates      *artifact.GateReport
}

// Run screens the universe under the configured budget and assembles the
// decision artifact. Every entry yields exactly one symbol result; a failure
// inside one symbol never aborts the batch. Symbols the budget refused to
// start are reported UNKNOWN with the exhausted cap as context, and work
// already in flight when a cap trips always drains to a real result.
//
// On context cancellation the partial artifact is returned together with the
// context error; callers must not persist it.
func (e *Evaluator) Run(ctx context.Context, u universe.Universe, startedAt time.Time) (*artifact.Artifact, error) {
	budget := NewBudget(e.opts.MaxSymbols, e.opts.MaxRequests, e.opts.MaxWallTime, startedAt)
	runID := artifact.NewRunID(startedAt)
	logger := e.logger.With().Str("run_id", runID).Logger()

	logger.Info().
		Int("universe", u.Size()).
		Int("stage1_workers", e.opts.Stage1Concurrency).
		Int("stage2_workers", e.opts.Stage2Concurrency).
		Msg("evaluation started")

	stage1Jobs := make(chan universe.Entry)
	stage2Jobs := make(chan stage1Pass)
	results := make(chan outcome, u.Size())

	var wg1 sync.WaitGroup
	for i := 0; i < e.opts.Stage1Concurrency; i++ {
		wg1.Add(1)
		go func() {
			defer wg1.Done()
			for entry := range stage1Jobs {
				e.runStage1(ctx, budget, entry, startedAt, stage2Jobs, results)
			}
		}()
	}

	var wg2 sync.WaitGroup
	for i := 0; i < e.opts.Stage2Concurrency; i++ {
		wg2.Add(1)
		go func() {
			defer wg2.Done()
			for pass := range stage2Jobs {
				results <- e.runStage2(ctx, budget, pass, startedAt)
			}
		}()
	}
	go func() {
		wg1.Wait()
		close(stage2Jobs)
	}()

	for _, entry := range u.Entries {
		e.pace(ctx)
		if ok, reason := budget.TryAcquireSymbol(time.Now()); !ok {
			logger.Debug().Str("symbol", entry.Symbol).Str("cap", reason).Msg("budget refused dispatch")
			results <- notStarted(entry.Symbol)
			continue
		}
		select {
		case stage1Jobs <- entry:
		case <-ctx.Done():
			results <- unknownResult(entry.Symbol, market.ReasonInternalError, market.StageNotStarted, nil)
		}
	}
	close(stage1Jobs)

	wg1.Wait()
	wg2.Wait()
	close(results)

	outcomes := make(map[string]outcome, u.Size())
	for out := range results {
		outcomes[out.result.Symbol] = out
	}

	return e.assemble(logger, u, runID, startedAt, budget, outcomes), ctx.Err()
}

// pace spaces dispatches out while the upstream reports degradation, giving
// the circuit a chance to recover instead of burning budget on failures.
func (e *Evaluator) pace(ctx context.Context) {
	if e.health == nil || !e.health.Degraded() {
		return
	}
	timer := time.NewTimer(e.opts.DegradedDispatchDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (e *Evaluator) runStage1(ctx context.Context, budget *Budget, entry universe.Entry, asOf time.Time, stage2 chan<- stage1Pass, results chan<- outcome) {
	defer func() {
		if r := recover(); r != nil {
			results <- e.panicOutcome(entry.Symbol, market.Stage1, r)
		}
	}()

	budget.AddRequests(1)
	raw, err := e.market.Quote(ctx, entry.Symbol)
	if err != nil {
		e.logger.Warn().Err(err).Str("symbol", entry.Symbol).Msg("quote unavailable")
		snap := e.resolver.ResolveUnavailable(entry.Symbol, err.Error(), asOf)
		results <- outcome{result: snapshotResult(snap, market.VerdictBlocked, market.ReasonProviderError, market.Stage1)}
		return
	}

	snap := e.resolver.Resolve(entry.Symbol, raw, asOf)
	if !snapshot.Qualifies(snap, e.opts.MinCompleteness) {
		results <- outcome{result: snapshotResult(snap, market.VerdictHold, market.ReasonDataMissing, market.Stage1)}
		return
	}

	// Qualified, but the wall clock may have run out while stage one ran.
	// The symbol keeps the stage it genuinely reached.
	if budget.ShouldStopForTime(time.Now()) {
		results <- outcome{result: snapshotResult(snap, market.VerdictUnknown, market.ReasonBudgetExceeded, market.Stage1)}
		return
	}

	select {
	case stage2 <- stage1Pass{entry: entry, snap: snap}:
	case <-ctx.Done():
		results <- outcome{result: snapshotResult(snap, market.VerdictUnknown, market.ReasonInternalError, market.Stage1)}
	}
}

func (e *Evaluator) runStage2(ctx context.Context, budget *Budget, pass stage1Pass, asOf time.Time) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = e.panicOutcome(pass.entry.Symbol, market.Stage2, r)
		}
	}()

	entry, snap := pass.entry, pass.snap

	chain, err := e.fetchChain(ctx, budget, entry, asOf)
	if err != nil {
		e.logger.Warn().Err(err).Str("symbol", entry.Symbol).Msg("chain unavailable")
		return outcome{result: snapshotResult(snap, market.VerdictBlocked, market.ReasonProviderError, market.Stage2)}
	}

	gates := &artifact.GateReport{Symbol: entry.Symbol}
	spot := spotOf(snap)

	strategies := entry.Strategies
	if len(strategies) == 0 {
		strategies = e.opts.Strategies
	}

	type pick struct {
		strategy market.Strategy
		contract market.Contract
		score    scoring.Result
	}
	var picks []pick
	for _, strategy := range strategies {
		rules := e.rulesFor(strategy)
		sel := selector.Select(chain, selector.Params{
			Symbol:              entry.Symbol,
			Strategy:            strategy,
			Instrument:          snap.Instrument,
			Spot:                spot,
			AsOf:                asOf,
			DTEMin:              rules.DTEMin,
			DTEMax:              rules.DTEMax,
			DeltaLo:             rules.DeltaLo,
			DeltaHi:             rules.DeltaHi,
			MinOpenInterest:     rules.MinOpenInterest,
			MaxSpreadPct:        rules.MaxSpreadPct,
			MaxSampleRejections: rules.MaxSampleRejections,
		})
		gates.MergeSelection(strategy, sel)
		if sel.Selected == nil {
			continue
		}

		score := e.scorer.Score(scoring.Inputs{
			Symbol:          entry.Symbol,
			Strategy:        strategy,
			Regime:          e.opts.Regime,
			Spot:            spot,
			SupportLevel:    entry.Support,
			ResistanceLevel: entry.Resistance,
			AccountEquity:   equityFor(entry, e.opts.AccountEquity),
			IVRank:          snap.IVRank,
			Contract:        *sel.Selected,
		})
		picks = append(picks, pick{strategy: strategy, contract: *sel.Selected, score: score})
	}

	if len(picks) == 0 {
		return outcome{
			result: snapshotResult(snap, market.VerdictHold, market.ReasonNoCandidates, market.Stage2),
			gates:  gates,
		}
	}

	best := picks[0]
	candidates := make([]artifact.Candidate, 0, len(picks))
	for _, p := range picks {
		candidates = append(candidates, artifact.NewCandidate(p.strategy, p.contract, asOf, p.score))
		if p.score.Score > best.score.Score {
			best = p
		}
	}

	// Scoring is part of the stage-two unit of work, so a scored symbol
	// still reports STAGE2.
	res := snapshotResult(snap, market.VerdictEligible, market.ReasonOK, market.Stage2)
	s := best.score.Score
	res.Score = &s
	res.Band = best.score.Band
	res.BandReason = best.score.BandReason
	res.Tier = best.score.Tier
	if best.score.Score < e.opts.MinScore {
		res.Verdict = market.VerdictHold
		res.PrimaryReason = market.ReasonScoreBelowMin
	}

	return outcome{result: res, candidates: candidates, gates: gates}
}

// fetchChain pulls the expirations inside the widest configured DTE window,
// newest budget estimate first, and assembles the per-expiration chain. Any
// upstream failure fails the whole symbol.
func (e *Evaluator) fetchChain(ctx context.Context, budget *Budget, entry universe.Entry, asOf time.Time) (market.Chain, error) {
	budget.AddRequests(1)
	exps, err := e.market.Expirations(ctx, entry.Symbol)
	if err != nil {
		return market.Chain{}, err
	}
	sort.Slice(exps, func(i, j int) bool { return exps[i].Before(exps[j]) })

	lo, hi := e.dteWindow(entry)
	var wanted []time.Time
	for _, exp := range exps {
		if d := market.DTE(exp, asOf); d < lo || d > hi {
			continue
		}
		wanted = append(wanted, exp)
		if len(wanted) == e.opts.MaxExpirations {
			break
		}
	}

	chain := market.Chain{Underlying: entry.Symbol, ByExpiration: make(map[string][]market.Contract)}
	for _, exp := range wanted {
		budget.AddRequests(1)
		contracts, err := e.market.Chain(ctx, entry.Symbol, exp)
		if err != nil {
			return market.Chain{}, err
		}
		chain.ByExpiration[exp.UTC().Format("2006-01-02")] = contracts
	}
	return chain, nil
}

// dteWindow spans the union of the entry's strategy windows so one
// expirations pass serves both sides.
func (e *Evaluator) dteWindow(entry universe.Entry) (int, int) {
	strategies := entry.Strategies
	if len(strategies) == 0 {
		strategies = e.opts.Strategies
	}
	first := e.rulesFor(strategies[0])
	lo, hi := first.DTEMin, first.DTEMax
	for _, s := range strategies[1:] {
		r := e.rulesFor(s)
		if r.DTEMin < lo {
			lo = r.DTEMin
		}
		if r.DTEMax > hi {
			hi = r.DTEMax
		}
	}
	return lo, hi
}

func (e *Evaluator) rulesFor(strategy market.Strategy) GateRules {
	if r, ok := e.opts.Rules[strategy]; ok {
		return r
	}
	return DefaultGateRules()
}

func (e *Evaluator) assemble(logger zerolog.Logger, u universe.Universe, runID string, startedAt time.Time, budget *Budget, outcomes map[string]outcome) *artifact.Artifact {
	now := time.Now()
	a := &artifact.Artifact{
		Metadata: artifact.Metadata{
			ArtifactVersion:   artifact.Version,
			RunID:             runID,
			PipelineTimestamp: startedAt.UTC(),
			UniverseSize:      u.Size(),
			Budget:            budget.Summary(now),
		},
		CandidatesBySymbol: make(map[string][]artifact.Candidate),
		GatesBySymbol:      make(map[string]artifact.GateReport),
	}

	verdicts := make(map[market.Verdict]int)
	for _, entry := range u.Entries {
		out, ok := outcomes[entry.Symbol]
		if !ok {
			e.invariant(logger, entry.Symbol, "symbol finished without a result")
			out = unknownResult(entry.Symbol, market.ReasonInternalError, market.StageNotStarted, nil)
		}
		a.Symbols = append(a.Symbols, out.result)
		verdicts[out.result.Verdict]++
		if len(out.candidates) > 0 {
			a.CandidatesBySymbol[entry.Symbol] = out.candidates
		}
		if out.gates != nil {
			a.GatesBySymbol[entry.Symbol] = *out.gates
		}
	}
	a.SortSymbols()

	if len(a.CandidatesBySymbol) == 0 {
		a.CandidatesBySymbol = nil
	}
	if len(a.GatesBySymbol) == 0 {
		a.GatesBySymbol = nil
	}

	logger.Info().
		Int("eligible", verdicts[market.VerdictEligible]).
		Int("hold", verdicts[market.VerdictHold]).
		Int("blocked", verdicts[market.VerdictBlocked]).
		Int("unknown", verdicts[market.VerdictUnknown]).
		Int64("requests", a.Metadata.Budget.RequestsUsed).
		Msg("evaluation complete")
	return a
}

// invariant reports a broken pipeline guarantee: crash in debug, log and
// carry on in production.
func (e *Evaluator) invariant(logger zerolog.Logger, symbol, msg string) {
	if e.opts.Debug {
		panic(fmt.Sprintf("invariant violated: %s (%s)", msg, symbol))
	}
	logger.Error().Str("symbol", symbol).Msg("invariant violated: " + msg)
}

func (e *Evaluator) panicOutcome(symbol string, stage market.Stage, r any) outcome {
	if e.opts.Debug {
		panic(r)
	}
	e.logger.Error().Str("symbol", symbol).Interface("panic", r).Msg("symbol evaluation panicked")
	return unknownResult(symbol, market.ReasonInternalError, stage, nil)
}

func notStarted(symbol string) outcome {
	return unknownResult(symbol, market.ReasonBudgetExceeded, market.StageNotStarted, nil)
}

func unknownResult(symbol, reason string, stage market.Stage, missing []string) outcome {
	return outcome{result: artifact.SymbolResult{
		Symbol:        symbol,
		Verdict:       market.VerdictUnknown,
		PrimaryReason: reason,
		StageReached:  stage,
		MissingFields: missing,
		EvaluatedAt:   time.Now().UTC(),
	}}
}

func snapshotResult(snap market.Snapshot, verdict market.Verdict, reason string, stage market.Stage) artifact.SymbolResult {
	return artifact.SymbolResult{
		Symbol:           snap.Symbol,
		Verdict:          verdict,
		PrimaryReason:    reason,
		StageReached:     stage,
		DataCompleteness: snap.DataCompleteness,
		MissingFields:    snap.MissingFields,
		EvaluatedAt:      time.Now().UTC(),
	}
}

func spotOf(snap market.Snapshot) decimal.Decimal {
	if snap.Price.Usable() {
		return snap.Price.Value
	}
	if snap.Bid.Usable() && snap.Ask.Usable() {
		return snap.Bid.Value.Add(snap.Ask.Value).Div(decimal.NewFromInt(2))
	}
	return decimal.Decimal{}
}

func equityFor(entry universe.Entry, fallback decimal.Decimal) decimal.Decimal {
	if entry.Equity.IsPositive() {
		return entry.Equity
	}
	return fallback
}
