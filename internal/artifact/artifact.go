package artifact

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"wheel-screener/internal/market"
	"wheel-screener/internal/scoring"
	"wheel-screener/internal/selector"
)

// Version is the artifact schema version. Readers reject any other value
// rather than guessing at field meanings.
const Version = "v2"

const expirationLayout = "2006-01-02"

// NewRunID builds a sortable run identifier: UTC second timestamp plus a
// short random suffix so two runs inside the same second cannot collide.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

// Metadata describes the run that produced an artifact.
type Metadata struct {
	ArtifactVersion   string        `json:"artifact_version"`
	RunID             string        `json:"run_id"`
	PipelineTimestamp time.Time     `json:"pipeline_timestamp"`
	UniverseSize      int           `json:"universe_size"`
	Budget            BudgetSummary `json:"budget"`
}

// BudgetSummary records configured caps next to observed usage.
type BudgetSummary struct {
	MaxSymbols       int    `json:"max_symbols"`
	MaxRequests      int    `json:"max_requests"`
	MaxWallTimeMS    int64  `json:"max_wall_time_ms"`
	SymbolsProcessed int64  `json:"symbols_processed"`
	RequestsUsed     int64  `json:"requests_used"`
	WallTimeMS       int64  `json:"wall_time_ms"`
	Exhausted        bool   `json:"exhausted"`
	ExhaustedReason  string `json:"exhausted_reason,omitempty"`
}

// SymbolResult is the terminal per-symbol outcome. Score is null until the
// pipeline actually scored the symbol; absence is never rendered as zero.
type SymbolResult struct {
	Symbol           string         `json:"symbol"`
	Verdict          market.Verdict `json:"verdict"`
	PrimaryReason    string         `json:"primary_reason"`
	Score            *float64       `json:"score"`
	Band             scoring.Band   `json:"band,omitempty"`
	BandReason       string         `json:"band_reason,omitempty"`
	Tier             scoring.Tier   `json:"tier,omitempty"`
	StageReached     market.Stage   `json:"stage_reached"`
	DataCompleteness float64        `json:"data_completeness"`
	MissingFields    []string       `json:"missing_fields,omitempty"`
	EvaluatedAt      time.Time      `json:"evaluated_at"`
}

// Candidate is one selected contract rendered for the report. Quote fields
// are pointers so an unusable field serialises as null.
type Candidate struct {
	Strategy            market.Strategy     `json:"strategy"`
	OCCSymbol           string              `json:"occ_symbol"`
	OptionType          market.OptionType   `json:"option_type"`
	Strike              float64             `json:"strike"`
	Expiration          string              `json:"expiration"`
	DTE                 int                 `json:"dte"`
	Delta               *float64            `json:"delta"`
	Bid                 *float64            `json:"bid"`
	Ask                 *float64            `json:"ask"`
	Mid                 *float64            `json:"mid"`
	SpreadPct           *float64            `json:"spread_pct"`
	OpenInterest        *int64              `json:"open_interest"`
	Volume              *int64              `json:"volume,omitempty"`
	AnnualizedReturnPct *float64            `json:"annualized_return_pct"`
	Score               float64             `json:"score"`
	Band                scoring.Band        `json:"band"`
	Components          []scoring.Component `json:"components,omitempty"`
}

// NewCandidate renders a selected contract. Decimal quote values become
// floats here, at the report boundary, and nowhere earlier.
func NewCandidate(strategy market.Strategy, c market.Contract, asOf time.Time, score scoring.Result) Candidate {
	dte := c.DTE(asOf)
	cand := Candidate{
		Strategy:     strategy,
		OCCSymbol:    c.OCCSymbol,
		OptionType:   c.Type,
		Strike:       c.Strike.InexactFloat64(),
		Expiration:   c.Expiration.UTC().Format(expirationLayout),
		DTE:          dte,
		Delta:        c.Delta.Ptr(),
		Bid:          decimalPtr(c.Bid),
		Ask:          decimalPtr(c.Ask),
		Mid:          decimalPtr(c.Mid),
		SpreadPct:    decimalPtr(c.SpreadPct),
		OpenInterest: c.OpenInterest.Ptr(),
		Volume:       c.Volume.Ptr(),
		Score:        score.Score,
		Band:         score.Band,
		Components:   score.Components,
	}
	cand.AnnualizedReturnPct = annualizedReturn(c, dte)
	return cand
}

// annualizedReturn is premium over collateral scaled to a year. Nil when the
// mid is unusable or the horizon is non-positive.
func annualizedReturn(c market.Contract, dte int) *float64 {
	if !c.Mid.Usable() || dte <= 0 || !c.Strike.IsPositive() {
		return nil
	}
	r := c.Mid.Value.Div(c.Strike).InexactFloat64() * 365 / float64(dte) * 100
	return &r
}

// GateCheck is one gate outcome with the observed value against the
// configured threshold, both as strings so two-sided windows render
// naturally.
type GateCheck struct {
	Name      string `json:"name"`
	Passed    bool   `json:"passed"`
	Value     string `json:"value"`
	Threshold string `json:"threshold"`
	Reason    string `json:"reason,omitempty"`
}

// RejectionSample is one retained rejection diagnostic.
type RejectionSample struct {
	Strategy  market.Strategy `json:"strategy"`
	OCCSymbol string          `json:"occ_symbol"`
	Cause     string          `json:"cause"`
	Detail    string          `json:"detail,omitempty"`
}

// GateReport aggregates selection accounting for one symbol across the
// strategies screened. Check names and rejection counts carry a lowercase
// strategy prefix ("csp.dte") so both sides fit one flat report.
type GateReport struct {
	Symbol             string            `json:"symbol"`
	ContractsEvaluated int               `json:"contracts_evaluated"`
	Checks             []GateCheck       `json:"checks,omitempty"`
	RejectionCounts    map[string]int    `json:"rejection_counts,omitempty"`
	SampleRejections   []RejectionSample `json:"sample_rejections,omitempty"`
}

// MergeSelection folds one strategy's selection accounting into the report.
func (g *GateReport) MergeSelection(strategy market.Strategy, sel selector.Selection) {
	prefix := prefixFor(strategy)
	g.ContractsEvaluated += sel.Evaluated

	for _, chk := range sel.Checks {
		g.Checks = append(g.Checks, GateCheck{
			Name:      prefix + "." + chk.Name,
			Passed:    chk.Passed,
			Value:     chk.Value,
			Threshold: chk.Threshold,
			Reason:    chk.Reason,
		})
	}

	if len(sel.RejectionCounts) > 0 && g.RejectionCounts == nil {
		g.RejectionCounts = make(map[string]int)
	}
	for cause, n := range sel.RejectionCounts {
		g.RejectionCounts[prefix+"."+string(cause)] += n
	}

	for _, r := range sel.SampleRejections {
		g.SampleRejections = append(g.SampleRejections, RejectionSample{
			Strategy:  strategy,
			OCCSymbol: r.OCCSymbol,
			Cause:     string(r.Cause),
			Detail:    r.Detail,
		})
	}
}

func prefixFor(strategy market.Strategy) string {
	if strategy == market.StrategyCC {
		return "cc"
	}
	return "csp"
}

// Artifact is the complete decision report for one run.
type Artifact struct {
	Metadata           Metadata               `json:"metadata"`
	Symbols            []SymbolResult         `json:"symbols"`
	CandidatesBySymbol map[string][]Candidate `json:"candidates_by_symbol,omitempty"`
	GatesBySymbol      map[string]GateReport  `json:"gates_by_symbol,omitempty"`
}

// Validate rejects artifacts this code does not know how to read.
func (a *Artifact) Validate() error {
	if a.Metadata.ArtifactVersion != Version {
		return fmt.Errorf("unsupported artifact version %q (want %q)", a.Metadata.ArtifactVersion, Version)
	}
	if a.Metadata.RunID == "" {
		return fmt.Errorf("artifact missing run id")
	}
	return nil
}

// SortSymbols orders results alphabetically so the serialised artifact is
// byte-stable for identical runs.
func (a *Artifact) SortSymbols() {
	sort.Slice(a.Symbols, func(i, j int) bool {
		return a.Symbols[i].Symbol < a.Symbols[j].Symbol
	})
}

// Symbol returns the result row for one symbol.
func (a *Artifact) Symbol(symbol string) (SymbolResult, bool) {
	for _, s := range a.Symbols {
		if s.Symbol == symbol {
			return s, true
		}
	}
	return SymbolResult{}, false
}

// HistoryEntry is the per-symbol slice of one run kept under the history
// tree.
type HistoryEntry struct {
	Metadata   Metadata     `json:"metadata"`
	Result     SymbolResult `json:"result"`
	Candidates []Candidate  `json:"candidates,omitempty"`
	Gates      *GateReport  `json:"gates,omitempty"`
}

func decimalPtr(f market.Field[decimal.Decimal]) *float64 {
	if !f.Usable() {
		return nil
	}
	v := f.Value.InexactFloat64()
	return &v
}
