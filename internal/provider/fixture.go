package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"wheel-screener/internal/market"
)

// FixtureDocument is the on-disk shape of an offline market snapshot: one
// underlying, its quote, and its raw chain rows in upstream wire format.
type FixtureDocument struct {
	Symbol  string          `json:"symbol"`
	Quote   quotePayload    `json:"quote"`
	Options []optionPayload `json:"options"`
}

// Fixture serves market data for a single symbol from a document instead of
// the upstream API. It satisfies the same contracts as the live client.
type Fixture struct {
	symbol string
	quote  market.RawQuote
	chain  []market.Contract
}

// LoadFixture reads an offline market document from disk.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}

	var doc FixtureDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	return NewFixture(doc)
}

// NewFixture builds an offline provider from a parsed document.
func NewFixture(doc FixtureDocument) (*Fixture, error) {
	symbol := strings.ToUpper(strings.TrimSpace(doc.Symbol))
	if symbol == "" {
		return nil, fmt.Errorf("fixture missing symbol")
	}

	raw, err := quoteResponse{Quote: doc.Quote}.toRawQuote(symbol)
	if err != nil {
		return nil, err
	}

	chain := make([]market.Contract, 0, len(doc.Options))
	for _, p := range doc.Options {
		if c, ok := p.toContract(symbol); ok {
			chain = append(chain, c)
		}
	}

	return &Fixture{symbol: symbol, quote: raw, chain: chain}, nil
}

// Symbol returns the underlying the fixture describes.
func (f *Fixture) Symbol() string { return f.symbol }

func (f *Fixture) Quote(_ context.Context, symbol string) (market.RawQuote, error) {
	if !strings.EqualFold(symbol, f.symbol) {
		return market.RawQuote{}, fmt.Errorf("fixture only serves %s: %w", f.symbol, ErrUnavailable)
	}
	return f.quote, nil
}

func (f *Fixture) Expirations(_ context.Context, symbol string) ([]time.Time, error) {
	if !strings.EqualFold(symbol, f.symbol) {
		return nil, fmt.Errorf("fixture only serves %s: %w", f.symbol, ErrUnavailable)
	}

	seen := make(map[time.Time]struct{}, len(f.chain))
	var out []time.Time
	for _, c := range f.chain {
		day := c.Expiration.UTC().Truncate(24 * time.Hour)
		if _, ok := seen[day]; ok {
			continue
		}
		seen[day] = struct{}{}
		out = append(out, day)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (f *Fixture) Chain(_ context.Context, symbol string, expiration time.Time) ([]market.Contract, error) {
	if !strings.EqualFold(symbol, f.symbol) {
		return nil, fmt.Errorf("fixture only serves %s: %w", f.symbol, ErrUnavailable)
	}

	day := expiration.UTC().Truncate(24 * time.Hour)
	var out []market.Contract
	for _, c := range f.chain {
		if c.Expiration.UTC().Truncate(24 * time.Hour).Equal(day) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *Fixture) Degraded() bool { return false }

var _ MarketData = (*Fixture)(nil)
var _ Health = (*Fixture)(nil)
