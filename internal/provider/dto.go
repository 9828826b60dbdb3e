package provider

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"wheel-screener/internal/market"
)

var decTwo = decimal.NewFromInt(2)

type quoteResponse struct {
	Quote quotePayload `json:"quote"`
}

type quotePayload struct {
	Symbol      string   `json:"symbol"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Last        *float64 `json:"last"`
	Bid         *float64 `json:"bid"`
	Ask         *float64 `json:"ask"`
	Volume      *int64   `json:"volume"`
	IVRank      *float64 `json:"iv_rank"`
	QuoteDate   string   `json:"quote_date"`
}

func (r quoteResponse) toRawQuote(symbol string) (market.RawQuote, error) {
	q := r.Quote
	raw := market.RawQuote{
		Symbol:      symbol,
		Kind:        q.Type,
		Description: q.Description,
		Last:        q.Last,
		Bid:         q.Bid,
		Ask:         q.Ask,
		Volume:      q.Volume,
		IVRank:      q.IVRank,
	}
	if q.QuoteDate != "" {
		ts, err := time.Parse(time.RFC3339, q.QuoteDate)
		if err != nil {
			return market.RawQuote{}, fmt.Errorf("parse quote_date %q: %w", q.QuoteDate, err)
		}
		raw.QuoteDate = &ts
	}
	return raw, nil
}

type expirationsResponse struct {
	Expirations struct {
		Date []string `json:"date"`
	} `json:"expirations"`
}

func (r expirationsResponse) dates() ([]time.Time, error) {
	out := make([]time.Time, 0, len(r.Expirations.Date))
	for _, d := range r.Expirations.Date {
		ts, err := time.Parse(expirationLayout, d)
		if err != nil {
			return nil, fmt.Errorf("parse expiration %q: %w", d, err)
		}
		out = append(out, ts.UTC())
	}
	return out, nil
}

type chainResponse struct {
	Options struct {
		Option []optionPayload `json:"option"`
	} `json:"options"`
}

type optionPayload struct {
	Symbol         string         `json:"symbol"`
	Underlying     string         `json:"underlying"`
	Strike         *float64       `json:"strike"`
	ExpirationDate string         `json:"expiration_date"`
	OptionType     string         `json:"option_type"`
	Bid            *float64       `json:"bid"`
	Ask            *float64       `json:"ask"`
	Volume         *int64         `json:"volume"`
	OpenInterest   *int64         `json:"open_interest"`
	Greeks         *greeksPayload `json:"greeks"`
}

type greeksPayload struct {
	Delta *float64 `json:"delta"`
}

// toContract maps one chain row into the canonical contract. Rows without a
// usable identity (strike, expiration, side) are not contracts and are
// dropped by the caller.
func (p optionPayload) toContract(underlying string) (market.Contract, bool) {
	if p.Strike == nil || *p.Strike <= 0 || p.ExpirationDate == "" {
		return market.Contract{}, false
	}
	expiration, err := time.Parse(expirationLayout, p.ExpirationDate)
	if err != nil {
		return market.Contract{}, false
	}

	var side market.OptionType
	switch p.OptionType {
	case "put":
		side = market.OptionPut
	case "call":
		side = market.OptionCall
	default:
		return market.Contract{}, false
	}

	c := market.Contract{
		OCCSymbol:  p.Symbol,
		Underlying: underlying,
		Type:       side,
		Strike:     decimal.NewFromFloat(*p.Strike),
		Expiration: expiration.UTC(),
	}

	c.Bid = priceField(market.FieldBid, p.Bid)
	c.Ask = priceField(market.FieldAsk, p.Ask)
	c.Delta = deltaField(p.Greeks)
	c.OpenInterest = countField(market.FieldOpenInterest, p.OpenInterest)
	c.Volume = countField(market.FieldVolume, p.Volume)
	c.Mid = deriveMid(c.Bid, c.Ask)
	c.SpreadPct = deriveSpread(c.Bid, c.Ask, c.Mid)

	return c, true
}

func priceField(name string, v *float64) market.Field[decimal.Decimal] {
	if v == nil {
		return market.Missing[decimal.Decimal](name, "not provided by upstream")
	}
	if *v < 0 {
		return market.Invalid[decimal.Decimal](name, fmt.Sprintf("negative value %v", *v))
	}
	return market.Valid(name, decimal.NewFromFloat(*v))
}

func countField(name string, v *int64) market.Field[int64] {
	if v == nil {
		return market.Missing[int64](name, "not provided by upstream")
	}
	if *v < 0 {
		return market.Invalid[int64](name, fmt.Sprintf("negative value %d", *v))
	}
	return market.Valid(name, *v)
}

// deltaField normalises percent-styled deltas (magnitude > 1, e.g. 32) to
// decimal form exactly once, at ingestion. Comparisons never re-normalise.
func deltaField(g *greeksPayload) market.Field[float64] {
	if g == nil || g.Delta == nil {
		return market.Missing[float64](market.FieldDelta, "greeks not provided by upstream")
	}
	d := *g.Delta
	reason := ""
	if math.Abs(d) > 1 {
		d = d / 100
		reason = "normalised from percent"
	}
	if math.Abs(d) > 1 {
		return market.Invalid[float64](market.FieldDelta, fmt.Sprintf("delta %v outside [-1,1] after normalisation", *g.Delta))
	}
	f := market.Valid(market.FieldDelta, d)
	f.Reason = reason
	return f
}

func deriveMid(bid, ask market.Field[decimal.Decimal]) market.Field[decimal.Decimal] {
	switch {
	case bid.Usable() && ask.Usable():
		mid := bid.Value.Add(ask.Value).Div(decTwo)
		return market.Derived(market.FieldMid, mid, "mid of bid/ask")
	case bid.Usable():
		return market.Derived(market.FieldMid, bid.Value, "one-sided quote (bid only)")
	case ask.Usable():
		return market.Derived(market.FieldMid, ask.Value, "one-sided quote (ask only)")
	default:
		return market.Missing[decimal.Decimal](market.FieldMid, "bid/ask unavailable")
	}
}

func deriveSpread(bid, ask, mid market.Field[decimal.Decimal]) market.Field[decimal.Decimal] {
	if !bid.Usable() || !ask.Usable() {
		return market.Missing[decimal.Decimal](market.FieldSpreadPct, "bid/ask unavailable")
	}
	if ask.Value.LessThan(bid.Value) {
		return market.Invalid[decimal.Decimal](market.FieldSpreadPct, "crossed quote")
	}
	if !mid.Usable() || mid.Value.Sign() <= 0 {
		return market.Invalid[decimal.Decimal](market.FieldSpreadPct, "mid not positive")
	}
	spread := ask.Value.Sub(bid.Value).Div(mid.Value)
	return market.Derived(market.FieldSpreadPct, spread, "(ask-bid)/mid")
}
