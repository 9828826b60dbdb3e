package selector

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"wheel-screener/internal/market"
)

// Cause is the closed set of per-contract discard causes. Every rejected
// contract increments exactly one cause.
type Cause string

const (
	CauseDTEOutOfRange   Cause = "dte_out_of_range"
	CauseDeltaOutOfRange Cause = "delta_out_of_range"
	CauseMissingFields   Cause = "missing_fields"
	CauseOI              Cause = "oi"
	CauseSpread          Cause = "spread"
)

const defaultSampleRejections = 5

// Params carry one symbol-strategy selection request. AsOf pins the DTE
// reference so repeated runs over the same chain are identical.
type Params struct {
	Symbol     string
	Strategy   market.Strategy
	Instrument market.InstrumentType
	Spot       decimal.Decimal
	AsOf       time.Time

	DTEMin          int
	DTEMax          int
	DeltaLo         float64
	DeltaHi         float64
	MinOpenInterest int64
	MaxSpreadPct    decimal.Decimal

	// MaxSampleRejections bounds the diagnostic sample; zero uses the default.
	MaxSampleRejections int
}

// Rejection is one diagnostic sample entry.
type Rejection struct {
	OCCSymbol string `json:"occ_symbol"`
	Cause     Cause  `json:"cause"`
	Detail    string `json:"detail,omitempty"`
}

// Check records one gate the selected contract passed, with the observed
// value against the configured threshold.
type Check struct {
	Name      string `json:"name"`
	Passed    bool   `json:"passed"`
	Value     string `json:"value"`
	Threshold string `json:"threshold"`
	Reason    string `json:"reason,omitempty"`
}

// Selection is the selector's output: at most one surviving contract plus
// full rejection accounting. The input chain is never mutated.
type Selection struct {
	Symbol   string
	Strategy market.Strategy

	Selected *market.Contract

	// Evaluated counts contracts of the strategy's option side that entered
	// the gate sequence. Wrong-side contracts are structurally out of scope
	// and never counted.
	Evaluated        int
	RejectionCounts  map[Cause]int
	SampleRejections []Rejection
	Checks           []Check
}

// Select runs the fixed-order gate sequence over every contract of the
// strategy's side and keeps the single best survivor, ranked by highest
// open interest, then tightest spread. The gate order is load-bearing:
// a contract lacking required fields is rejected under missing_fields
// before any threshold it would also have failed.
func Select(chain market.Chain, p Params) Selection {
	if p.MaxSampleRejections <= 0 {
		p.MaxSampleRejections = defaultSampleRejections
	}

	sel := Selection{
		Symbol:          p.Symbol,
		Strategy:        p.Strategy,
		RejectionCounts: make(map[Cause]int),
	}

	side := p.Strategy.OptionType()
	var best *market.Contract

	for _, contract := range chain.Contracts() {
		if contract.Type != side {
			continue
		}
		sel.Evaluated++

		if cause, detail, ok := gate(contract, p); !ok {
			sel.reject(contract, cause, detail, p.MaxSampleRejections)
			continue
		}

		c := contract
		if best == nil || better(c, *best, p.Spot) {
			best = &c
		}
	}

	if best != nil {
		sel.Selected = best
		sel.Checks = passedChecks(*best, p)
	}
	return sel
}

// gate applies the five filters in their fixed order and reports the first
// failing cause. A non-comparable threshold input (missing delta, missing
// open interest) is never judged against its threshold; it falls through to
// the required-field gate instead.
func gate(c market.Contract, p Params) (Cause, string, bool) {
	// (1) expiration window
	dte := c.DTE(p.AsOf)
	if dte < p.DTEMin || dte > p.DTEMax {
		return CauseDTEOutOfRange, fmt.Sprintf("dte %d outside [%d,%d]", dte, p.DTEMin, p.DTEMax), false
	}

	// (2) delta-magnitude band, sign-independent
	if mag, ok := c.DeltaMagnitude(); ok {
		if mag < p.DeltaLo || mag > p.DeltaHi {
			return CauseDeltaOutOfRange, fmt.Sprintf("|delta| %s outside [%s,%s]", trimFloat(mag), trimFloat(p.DeltaLo), trimFloat(p.DeltaHi)), false
		}
	}

	// (3) required-field set; takes priority over the remaining thresholds
	if missing := missingRequired(c, p.Instrument); len(missing) > 0 {
		return CauseMissingFields, strings.Join(missing, ","), false
	}

	// (4) open-interest floor; a usable zero is a threshold failure, not absence
	if c.OpenInterest.Usable() && c.OpenInterest.Value < p.MinOpenInterest {
		return CauseOI, fmt.Sprintf("open interest %d below %d", c.OpenInterest.Value, p.MinOpenInterest), false
	}

	// (5) spread ceiling; an unusable spread with usable bid/ask means the
	// quote itself is bad (crossed, zero mid) and fails here
	if !c.SpreadPct.Usable() {
		return CauseSpread, c.SpreadPct.Reason, false
	}
	if c.SpreadPct.Value.GreaterThan(p.MaxSpreadPct) {
		return CauseSpread, fmt.Sprintf("spread %s above %s", c.SpreadPct.Value.StringFixed(4), p.MaxSpreadPct.String()), false
	}

	return "", "", true
}

func missingRequired(c market.Contract, instrument market.InstrumentType) []string {
	var missing []string
	for _, name := range instrument.RequiredContractFields() {
		if !contractField(c, name) {
			missing = append(missing, name)
		}
	}
	return missing
}

func contractField(c market.Contract, name string) bool {
	switch name {
	case market.FieldBid:
		return c.Bid.Usable()
	case market.FieldAsk:
		return c.Ask.Usable()
	case market.FieldDelta:
		return c.Delta.Usable()
	case market.FieldOpenInterest:
		return c.OpenInterest.Usable()
	case market.FieldVolume:
		return c.Volume.Usable()
	default:
		return false
	}
}

// better ranks survivors: open interest descending, spread ascending, then a
// deterministic tail (strike nearest spot, earlier expiration, lower strike,
// OCC symbol) so equal books cannot reorder between runs.
func better(a, b market.Contract, spot decimal.Decimal) bool {
	ao, bo := oiRank(a), oiRank(b)
	if ao != bo {
		return ao > bo
	}
	if !a.SpreadPct.Value.Equal(b.SpreadPct.Value) {
		return a.SpreadPct.Value.LessThan(b.SpreadPct.Value)
	}
	ad, bd := strikeDistance(a, spot), strikeDistance(b, spot)
	if !ad.Equal(bd) {
		return ad.LessThan(bd)
	}
	if !a.Expiration.Equal(b.Expiration) {
		return a.Expiration.Before(b.Expiration)
	}
	if !a.Strike.Equal(b.Strike) {
		return a.Strike.LessThan(b.Strike)
	}
	return a.OCCSymbol < b.OCCSymbol
}

// oiRank orders missing open interest (possible only where the instrument
// relaxes the requirement) below every usable value, including zero.
func oiRank(c market.Contract) int64 {
	if !c.OpenInterest.Usable() {
		return -1
	}
	return c.OpenInterest.Value
}

func strikeDistance(c market.Contract, spot decimal.Decimal) decimal.Decimal {
	return c.Strike.Sub(spot).Abs()
}

func (s *Selection) reject(c market.Contract, cause Cause, detail string, maxSamples int) {
	s.RejectionCounts[cause]++
	if len(s.SampleRejections) < maxSamples {
		s.SampleRejections = append(s.SampleRejections, Rejection{
			OCCSymbol: c.OCCSymbol,
			Cause:     cause,
			Detail:    detail,
		})
	}
}

func passedChecks(c market.Contract, p Params) []Check {
	mag, _ := c.DeltaMagnitude()
	checks := []Check{
		{
			Name:      "dte",
			Passed:    true,
			Value:     strconv.Itoa(c.DTE(p.AsOf)),
			Threshold: fmt.Sprintf("%d..%d", p.DTEMin, p.DTEMax),
		},
		{
			Name:      "delta_magnitude",
			Passed:    true,
			Value:     trimFloat(mag),
			Threshold: fmt.Sprintf("%s..%s", trimFloat(p.DeltaLo), trimFloat(p.DeltaHi)),
		},
		{
			Name:      "required_fields",
			Passed:    true,
			Value:     "complete",
			Threshold: strings.Join(p.Instrument.RequiredContractFields(), ","),
		},
	}

	if c.OpenInterest.Usable() {
		checks = append(checks, Check{
			Name:      "open_interest",
			Passed:    true,
			Value:     strconv.FormatInt(c.OpenInterest.Value, 10),
			Threshold: fmt.Sprintf(">=%d", p.MinOpenInterest),
		})
	} else {
		checks = append(checks, Check{
			Name:      "open_interest",
			Passed:    true,
			Value:     "n/a",
			Threshold: fmt.Sprintf(">=%d", p.MinOpenInterest),
			Reason:    "not required for " + string(p.Instrument),
		})
	}

	checks = append(checks, Check{
		Name:      "spread_pct",
		Passed:    true,
		Value:     c.SpreadPct.Value.StringFixed(4),
		Threshold: "<=" + p.MaxSpreadPct.String(),
	})
	return checks
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
