package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wheel-screener/internal/market"
)

// ErrUnavailable wraps terminal fetch failures. Callers treat it as a data
// availability outcome, never as a reason to abort a run.
var ErrUnavailable = errors.New("provider: data unavailable")

// errMalformedPayload marks a success response whose body failed to decode.
// Repeating the request cannot repair it, so retries treat it as terminal.
var errMalformedPayload = errors.New("malformed payload")

// MarketData is the upstream collaborator: pull-only access to equity
// snapshots and option chains.
type MarketData interface {
	Quote(ctx context.Context, symbol string) (market.RawQuote, error)
	Expirations(ctx context.Context, symbol string) ([]time.Time, error)
	Chain(ctx context.Context, symbol string, expiration time.Time) ([]market.Contract, error)
}

// Health reports sustained upstream failure so the evaluator can widen
// inter-dispatch spacing while the circuit is not closed.
type Health interface {
	Degraded() bool
}

// APIError is a non-2xx upstream response.
type APIError struct {
	Status   int
	Endpoint string
	Detail   string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api error (%d) on %s: %s", e.Status, e.Endpoint, e.Detail)
	}
	return fmt.Sprintf("api error (%d) on %s", e.Status, e.Endpoint)
}

// Retryable reports whether another attempt could reasonably succeed.
func (e *APIError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}
