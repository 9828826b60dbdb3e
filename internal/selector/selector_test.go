package selector

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"wheel-screener/internal/market"
)

var asOf = time.Date(2026, 8, 23, 14, 5, 0, 0, time.UTC)

func expiry(dte int) time.Time {
	return time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC).AddDate(0, 0, dte)
}

type quote struct {
	occ    string
	side   market.OptionType
	strike float64
	exp    time.Time
	bid    float64
	ask    float64
	delta  float64
	oi     int64
}

func contract(q quote) market.Contract {
	bid := decimal.NewFromFloat(q.bid)
	ask := decimal.NewFromFloat(q.ask)
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	return market.Contract{
		OCCSymbol:    q.occ,
		Underlying:   "AAPL",
		Type:         q.side,
		Strike:       decimal.NewFromFloat(q.strike),
		Expiration:   q.exp,
		Bid:          market.Valid(market.FieldBid, bid),
		Ask:          market.Valid(market.FieldAsk, ask),
		Mid:          market.Derived(market.FieldMid, mid, "mid of bid/ask"),
		Delta:        market.Valid(market.FieldDelta, q.delta),
		OpenInterest: market.Valid(market.FieldOpenInterest, q.oi),
		Volume:       market.Valid(market.FieldVolume, int64(150)),
		SpreadPct:    market.Derived(market.FieldSpreadPct, ask.Sub(bid).Div(mid), "(ask-bid)/mid"),
	}
}

func chainOf(contracts ...market.Contract) market.Chain {
	ch := market.Chain{Underlying: "AAPL", ByExpiration: make(map[string][]market.Contract)}
	for _, c := range contracts {
		key := c.Expiration.Format("2006-01-02")
		ch.ByExpiration[key] = append(ch.ByExpiration[key], c)
	}
	return ch
}

func putParams() Params {
	return Params{
		Symbol:          "AAPL",
		Strategy:        market.StrategyCSP,
		Instrument:      market.InstrumentEquity,
		Spot:            decimal.NewFromInt(100),
		AsOf:            asOf,
		DTEMin:          30,
		DTEMax:          45,
		DeltaLo:         0.15,
		DeltaHi:         0.35,
		MinOpenInterest: 500,
		MaxSpreadPct:    decimal.RequireFromString("0.10"),
	}
}

func TestSelectAcceptsCanonicalPut(t *testing.T) {
	c := contract(quote{occ: "AAPL260927P00095000", side: market.OptionPut, strike: 95, exp: expiry(35), bid: 2.5, ask: 2.6, delta: -0.25, oi: 800})

	sel := Select(chainOf(c), putParams())

	require.NotNil(t, sel.Selected)
	require.Equal(t, "AAPL260927P00095000", sel.Selected.OCCSymbol)
	require.Equal(t, 1, sel.Evaluated)
	require.Empty(t, sel.RejectionCounts)
	require.Empty(t, sel.SampleRejections)

	require.Len(t, sel.Checks, 5)
	for _, chk := range sel.Checks {
		require.True(t, chk.Passed, "check %s", chk.Name)
	}
	require.Equal(t, "35", sel.Checks[0].Value)
	require.Equal(t, "30..45", sel.Checks[0].Threshold)
}

func TestSelectMissingFieldsBeatsThresholds(t *testing.T) {
	// Open interest is absent and the spread is wide; only the missing-field
	// cause may be recorded.
	c := contract(quote{occ: "AAPL260927P00095000", side: market.OptionPut, strike: 95, exp: expiry(35), bid: 2.0, ask: 2.8, delta: -0.25, oi: 0})
	c.OpenInterest = market.Missing[int64](market.FieldOpenInterest, "absent upstream")

	sel := Select(chainOf(c), putParams())

	require.Nil(t, sel.Selected)
	require.Equal(t, map[Cause]int{CauseMissingFields: 1}, sel.RejectionCounts)
	require.Equal(t, "open_interest", sel.SampleRejections[0].Detail)
}

func TestSelectMissingDeltaIsMissingFields(t *testing.T) {
	// An absent delta cannot be judged against the band; the required-field
	// gate catches it instead.
	c := contract(quote{occ: "AAPL260927P00095000", side: market.OptionPut, strike: 95, exp: expiry(35), bid: 2.5, ask: 2.6, delta: 0, oi: 800})
	c.Delta = market.Missing[float64](market.FieldDelta, "greeks absent")

	sel := Select(chainOf(c), putParams())

	require.Nil(t, sel.Selected)
	require.Equal(t, 1, sel.RejectionCounts[CauseMissingFields])
	require.Zero(t, sel.RejectionCounts[CauseDeltaOutOfRange])
}

func TestSelectZeroOpenInterestFailsFloor(t *testing.T) {
	// A reported zero is data, so the rejection lands on the threshold.
	c := contract(quote{occ: "AAPL260927P00095000", side: market.OptionPut, strike: 95, exp: expiry(35), bid: 2.5, ask: 2.6, delta: -0.25, oi: 0})

	sel := Select(chainOf(c), putParams())

	require.Nil(t, sel.Selected)
	require.Equal(t, map[Cause]int{CauseOI: 1}, sel.RejectionCounts)
}

func TestSelectDeltaSignIgnored(t *testing.T) {
	put := contract(quote{occ: "AAPL260927P00095000", side: market.OptionPut, strike: 95, exp: expiry(35), bid: 2.5, ask: 2.6, delta: -0.31, oi: 800})
	sel := Select(chainOf(put), putParams())
	require.NotNil(t, sel.Selected)

	call := contract(quote{occ: "AAPL260927C00105000", side: market.OptionCall, strike: 105, exp: expiry(35), bid: 2.5, ask: 2.6, delta: 0.31, oi: 800})
	p := putParams()
	p.Strategy = market.StrategyCC
	sel = Select(chainOf(call), p)
	require.NotNil(t, sel.Selected)
}

func TestSelectOneCausePerContract(t *testing.T) {
	// Fails the delta band, the OI floor, and the spread ceiling at once;
	// only the first gate in order is charged.
	c := contract(quote{occ: "AAPL260927P00080000", side: market.OptionPut, strike: 80, exp: expiry(35), bid: 0.4, ask: 0.6, delta: -0.05, oi: 3})

	sel := Select(chainOf(c), putParams())

	require.Equal(t, map[Cause]int{CauseDeltaOutOfRange: 1}, sel.RejectionCounts)
	require.Len(t, sel.SampleRejections, 1)
}

func TestSelectDTEWindowBoundaries(t *testing.T) {
	early := contract(quote{occ: "AAPL260921P00095000", side: market.OptionPut, strike: 95, exp: expiry(29), bid: 2.5, ask: 2.6, delta: -0.25, oi: 800})
	lo := contract(quote{occ: "AAPL260922P00095000", side: market.OptionPut, strike: 95, exp: expiry(30), bid: 2.5, ask: 2.6, delta: -0.25, oi: 800})
	late := contract(quote{occ: "AAPL261008P00095000", side: market.OptionPut, strike: 95, exp: expiry(46), bid: 2.5, ask: 2.6, delta: -0.25, oi: 800})

	sel := Select(chainOf(early, lo, late), putParams())

	require.NotNil(t, sel.Selected)
	require.Equal(t, "AAPL260922P00095000", sel.Selected.OCCSymbol)
	require.Equal(t, 2, sel.RejectionCounts[CauseDTEOutOfRange])
}

func TestSelectCrossedQuoteRejectedUnderSpread(t *testing.T) {
	c := contract(quote{occ: "AAPL260927P00095000", side: market.OptionPut, strike: 95, exp: expiry(35), bid: 2.6, ask: 2.5, delta: -0.25, oi: 800})
	c.SpreadPct = market.Invalid[decimal.Decimal](market.FieldSpreadPct, "crossed quote")

	sel := Select(chainOf(c), putParams())

	require.Nil(t, sel.Selected)
	require.Equal(t, 1, sel.RejectionCounts[CauseSpread])
	require.Equal(t, "crossed quote", sel.SampleRejections[0].Detail)
}

func TestSelectSpreadCeilingIsInclusive(t *testing.T) {
	// (10.5-9.5)/10 is exactly the ceiling and must pass.
	c := contract(quote{occ: "AAPL260927P00095000", side: market.OptionPut, strike: 95, exp: expiry(35), bid: 9.5, ask: 10.5, delta: -0.25, oi: 800})

	sel := Select(chainOf(c), putParams())

	require.NotNil(t, sel.Selected)
}

func TestSelectRanksByOpenInterestThenSpread(t *testing.T) {
	thin := contract(quote{occ: "AAPL260927P00093000", side: market.OptionPut, strike: 93, exp: expiry(35), bid: 2.5, ask: 2.6, delta: -0.22, oi: 800})
	wide := contract(quote{occ: "AAPL260927P00094000", side: market.OptionPut, strike: 94, exp: expiry(35), bid: 2.5, ask: 2.6, delta: -0.24, oi: 1200})
	tight := contract(quote{occ: "AAPL260927P00095000", side: market.OptionPut, strike: 95, exp: expiry(35), bid: 2.52, ask: 2.56, delta: -0.25, oi: 1200})

	sel := Select(chainOf(thin, wide, tight), putParams())

	require.NotNil(t, sel.Selected)
	require.Equal(t, "AAPL260927P00095000", sel.Selected.OCCSymbol)
	require.Equal(t, 3, sel.Evaluated)
	require.Empty(t, sel.RejectionCounts)
}

func TestSelectIgnoresWrongSide(t *testing.T) {
	put := contract(quote{occ: "AAPL260927P00095000", side: market.OptionPut, strike: 95, exp: expiry(35), bid: 2.5, ask: 2.6, delta: -0.25, oi: 800})
	call := contract(quote{occ: "AAPL260927C00105000", side: market.OptionCall, strike: 105, exp: expiry(35), bid: 2.5, ask: 2.6, delta: 0.25, oi: 900})

	sel := Select(chainOf(put, call), putParams())

	require.Equal(t, 1, sel.Evaluated)
	require.Equal(t, "AAPL260927P00095000", sel.Selected.OCCSymbol)
}

func TestSelectIndexRelaxesOpenInterest(t *testing.T) {
	c := contract(quote{occ: "SPX260927P05900000", side: market.OptionPut, strike: 5900, exp: expiry(35), bid: 52, ask: 53, delta: -0.25, oi: 0})
	c.OpenInterest = market.Missing[int64](market.FieldOpenInterest, "absent upstream")

	p := putParams()
	p.Symbol = "SPX"
	p.Instrument = market.InstrumentIndex
	p.Spot = decimal.NewFromInt(6000)

	sel := Select(chainOf(c), p)

	require.NotNil(t, sel.Selected)
	var oiCheck Check
	for _, chk := range sel.Checks {
		if chk.Name == "open_interest" {
			oiCheck = chk
		}
	}
	require.Equal(t, "n/a", oiCheck.Value)
}

func TestSelectSampleRejectionsBounded(t *testing.T) {
	var contracts []market.Contract
	for i := 0; i < 8; i++ {
		contracts = append(contracts, contract(quote{
			occ:    "AAPL260927P0009" + string(rune('0'+i)) + "000",
			side:   market.OptionPut,
			strike: 90 + float64(i),
			exp:    expiry(35),
			bid:    2.5, ask: 2.6,
			delta: -0.25,
			oi:    5,
		}))
	}

	p := putParams()
	p.MaxSampleRejections = 3

	sel := Select(chainOf(contracts...), p)

	require.Equal(t, 8, sel.RejectionCounts[CauseOI])
	require.Len(t, sel.SampleRejections, 3)
}

func TestSelectTieBreakIsDeterministic(t *testing.T) {
	a := contract(quote{occ: "AAPL260927P00095000", side: market.OptionPut, strike: 95, exp: expiry(35), bid: 2.5, ask: 2.6, delta: -0.25, oi: 800})
	b := a
	b.OCCSymbol = "AAPL260927P00095001"

	first := Select(chainOf(a, b), putParams())
	second := Select(chainOf(b, a), putParams())

	require.Equal(t, "AAPL260927P00095000", first.Selected.OCCSymbol)
	require.Equal(t, first.Selected.OCCSymbol, second.Selected.OCCSymbol)
}

func TestSelectEmptyChain(t *testing.T) {
	sel := Select(market.Chain{Underlying: "AAPL"}, putParams())

	require.Nil(t, sel.Selected)
	require.Zero(t, sel.Evaluated)
	require.Empty(t, sel.RejectionCounts)
}
