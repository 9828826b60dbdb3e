package evaluator

import (
	"sync/atomic"
	"time"

	"wheel-screener/internal/artifact"
)

// Budget exhaustion reasons.
const (
	BudgetMaxWallTime = "max_wall_time"
	BudgetMaxSymbols  = "max_symbols"
	BudgetMaxRequests = "max_requests"
)

// Budget enforces the per-run caps. Caps are literal: a zero cap grants zero
// allowance, never "unlimited". The budget is consulted before work is
// dispatched and never interrupts work already in flight.
type Budget struct {
	maxSymbols  int64
	maxRequests int64
	maxWall     time.Duration
	startedAt   time.Time

	symbols  atomic.Int64
	requests atomic.Int64
}

// NewBudget starts a budget clock at startedAt.
func NewBudget(maxSymbols, maxRequests int, maxWall time.Duration, startedAt time.Time) *Budget {
	return &Budget{
		maxSymbols:  int64(maxSymbols),
		maxRequests: int64(maxRequests),
		maxWall:     maxWall,
		startedAt:   startedAt,
	}
}

// TryAcquireSymbol reserves budget for one more symbol, reporting the
// exhausted cap when it cannot.
func (b *Budget) TryAcquireSymbol(now time.Time) (bool, string) {
	if exhausted, reason := b.Exhausted(now); exhausted {
		return false, reason
	}
	b.symbols.Add(1)
	return true, ""
}

// AddRequests records estimated upstream calls against the request cap.
func (b *Budget) AddRequests(n int64) {
	b.requests.Add(n)
}

// ShouldStopForTime reports whether the wall-time budget has run out. This
// is the only check applied to symbols already admitted: symbol and request
// caps gate admission, never continuation.
func (b *Budget) ShouldStopForTime(now time.Time) bool {
	return now.Sub(b.startedAt) >= b.maxWall
}

// Exhausted reports whether any cap has been reached, checking wall time
// first so a zero wall budget stops the run before any other accounting.
func (b *Budget) Exhausted(now time.Time) (bool, string) {
	if now.Sub(b.startedAt) >= b.maxWall {
		return true, BudgetMaxWallTime
	}
	if b.symbols.Load() >= b.maxSymbols {
		return true, BudgetMaxSymbols
	}
	if b.requests.Load() >= b.maxRequests {
		return true, BudgetMaxRequests
	}
	return false, ""
}

// Summary renders the caps and observed usage for the artifact metadata.
func (b *Budget) Summary(now time.Time) artifact.BudgetSummary {
	exhausted, reason := b.Exhausted(now)
	return artifact.BudgetSummary{
		MaxSymbols:       int(b.maxSymbols),
		MaxRequests:      int(b.maxRequests),
		MaxWallTimeMS:    b.maxWall.Milliseconds(),
		SymbolsProcessed: b.symbols.Load(),
		RequestsUsed:     b.requests.Load(),
		WallTimeMS:       now.Sub(b.startedAt).Milliseconds(),
		Exhausted:        exhausted,
		ExhaustedReason:  reason,
	}
}
