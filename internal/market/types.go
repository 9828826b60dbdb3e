package market

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Canonical field names shared by snapshots, contracts, and gate reports.
const (
	FieldPrice        = "price"
	FieldBid          = "bid"
	FieldAsk          = "ask"
	FieldMid          = "mid"
	FieldVolume       = "volume"
	FieldIVRank       = "iv_rank"
	FieldQuoteDate    = "quote_date"
	FieldDelta        = "delta"
	FieldOpenInterest = "open_interest"
	FieldSpreadPct    = "spread_pct"
)

// Field provenance labels recorded in Snapshot.FieldSources.
const (
	SourcePrimary = "primary"
	SourceDerived = "derived"
)

// InstrumentType distinguishes instruments whose upstream records commonly
// omit quote depth. ETF and INDEX relax bid/ask and open-interest
// requirements accordingly.
type InstrumentType string

const (
	InstrumentEquity InstrumentType = "EQUITY"
	InstrumentETF    InstrumentType = "ETF"
	InstrumentIndex  InstrumentType = "INDEX"
)

// RequiredSnapshotFields returns the per-instrument required field set used
// for completeness accounting, in reporting order.
func (t InstrumentType) RequiredSnapshotFields() []string {
	switch t {
	case InstrumentETF:
		return []string{FieldPrice, FieldVolume}
	case InstrumentIndex:
		return []string{FieldPrice}
	default:
		return []string{FieldPrice, FieldBid, FieldAsk, FieldVolume}
	}
}

// RequiredContractFields returns the fields a contract must carry before it
// may be judged against selection thresholds. Open interest is not required
// for index options, where upstream data routinely omits it.
func (t InstrumentType) RequiredContractFields() []string {
	if t == InstrumentIndex {
		return []string{FieldBid, FieldAsk, FieldDelta}
	}
	return []string{FieldBid, FieldAsk, FieldDelta, FieldOpenInterest}
}

// OptionType is the contract side.
type OptionType string

const (
	OptionPut  OptionType = "PUT"
	OptionCall OptionType = "CALL"
)

// Strategy selects which side of the chain a screen evaluates.
type Strategy string

const (
	// StrategyCSP screens cash-secured puts.
	StrategyCSP Strategy = "CSP"
	// StrategyCC screens covered calls.
	StrategyCC Strategy = "CC"
)

// OptionType maps the strategy to the contract side it trades.
func (s Strategy) OptionType() OptionType {
	if s == StrategyCC {
		return OptionCall
	}
	return OptionPut
}

// ParseStrategy normalises a configuration token into a Strategy.
func ParseStrategy(raw string) (Strategy, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CSP":
		return StrategyCSP, nil
	case "CC":
		return StrategyCC, nil
	default:
		return "", fmt.Errorf("unknown strategy %q (want csp or cc)", raw)
	}
}

// Verdict is the terminal per-symbol outcome of one evaluation run.
type Verdict string

const (
	VerdictEligible Verdict = "ELIGIBLE"
	VerdictHold     Verdict = "HOLD"
	VerdictBlocked  Verdict = "BLOCKED"
	VerdictUnknown  Verdict = "UNKNOWN"
)

// Stage records how far the pipeline advanced for a symbol. Scoring runs
// inside the stage-two unit of work, so scored symbols report STAGE2;
// SCORED is part of the vocabulary for readers of artifacts that split the
// two apart.
type Stage string

const (
	StageNotStarted Stage = "NOT_STARTED"
	Stage1          Stage = "STAGE1"
	Stage2          Stage = "STAGE2"
	StageScored     Stage = "SCORED"
)

// Primary reason codes attached to verdicts.
const (
	ReasonOK             = "OK"
	ReasonProviderError  = "PROVIDER_ERROR"
	ReasonDataMissing    = "DATA_MISSING"
	ReasonNoCandidates   = "NO_CANDIDATES"
	ReasonScoreBelowMin  = "SCORE_BELOW_MIN"
	ReasonBudgetExceeded = "BUDGET_EXCEEDED"
	ReasonInternalError  = "INTERNAL_ERROR"
)

// RawQuote is the upstream snapshot record before quality resolution.
// Pointer fields preserve the distinction between an absent value and a
// genuine zero.
type RawQuote struct {
	Symbol      string
	Kind        string
	Description string
	Last        *float64
	Bid         *float64
	Ask         *float64
	Volume      *int64
	IVRank      *float64
	QuoteDate   *time.Time
}

// Snapshot is the canonical per-symbol view produced by the resolver.
// Immutable after creation; owned by the pipeline invocation that built it.
type Snapshot struct {
	Symbol     string
	Instrument InstrumentType

	Price     Field[decimal.Decimal]
	Bid       Field[decimal.Decimal]
	Ask       Field[decimal.Decimal]
	Volume    Field[int64]
	IVRank    Field[float64]
	QuoteDate Field[time.Time]

	// DataCompleteness is usable required fields over required fields.
	DataCompleteness float64
	// MissingFields lists required fields still unusable after derivation,
	// in the instrument's reporting order.
	MissingFields  []string
	MissingReasons map[string]string
	FieldSources   map[string]string

	ResolvedAt time.Time
}

// Contract is one option quote from a fetched chain. Strike, expiration, and
// type identify the contract; the quote fields carry quality tags. Derived
// fields (mid, spread fraction) are computed once at ingestion and cached.
type Contract struct {
	OCCSymbol  string
	Underlying string
	Type       OptionType
	Strike     decimal.Decimal
	Expiration time.Time

	Bid          Field[decimal.Decimal]
	Ask          Field[decimal.Decimal]
	Mid          Field[decimal.Decimal]
	Delta        Field[float64]
	OpenInterest Field[int64]
	Volume       Field[int64]
	SpreadPct    Field[decimal.Decimal]
}

// DTE returns whole calendar days from asOf to expiration, both taken as
// UTC dates.
func (c Contract) DTE(asOf time.Time) int {
	return DTE(c.Expiration, asOf)
}

// DTE counts whole UTC calendar days between asOf and an expiration date.
func DTE(expiration, asOf time.Time) int {
	exp := midnightUTC(expiration)
	day := midnightUTC(asOf)
	return int(exp.Sub(day).Hours() / 24)
}

// DeltaMagnitude returns abs(delta) for band filtering. Sign carries the
// put/call direction and is never compared directly.
func (c Contract) DeltaMagnitude() (float64, bool) {
	if !c.Delta.Usable() {
		return 0, false
	}
	return math.Abs(c.Delta.Value), true
}

func midnightUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Chain groups fetched contracts by expiration date (YYYY-MM-DD). The chain
// is read-only to the selector.
type Chain struct {
	Underlying   string
	ByExpiration map[string][]Contract
}

// Contracts flattens the chain in deterministic order: expirations
// ascending, contracts in fetch order within each expiration.
func (ch Chain) Contracts() []Contract {
	keys := make([]string, 0, len(ch.ByExpiration))
	for k := range ch.ByExpiration {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []Contract
	for _, k := range keys {
		out = append(out, ch.ByExpiration[k]...)
	}
	return out
}

// Count reports the number of contracts across all expirations.
func (ch Chain) Count() int {
	n := 0
	for _, cs := range ch.ByExpiration {
		n += len(cs)
	}
	return n
}
