package snapshot

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"wheel-screener/internal/market"
)

// Options tune resolver behaviour.
type Options struct {
	// StaleAfter re-tags observed quote fields STALE when the upstream
	// quote_date is older than this window. Zero uses the default.
	StaleAfter time.Duration
}

// Resolver turns raw upstream records into canonical snapshots, grading
// every field and accounting for instrument-specific required sets. One
// resolver owns one classifier cache; construct a fresh pair per test.
type Resolver struct {
	classifier *Classifier
	staleAfter time.Duration
	logger     zerolog.Logger
}

// NewResolver constructs a resolver around an injectable classifier cache.
func NewResolver(opts Options, classifier *Classifier, logger zerolog.Logger) *Resolver {
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 72 * time.Hour
	}
	if classifier == nil {
		classifier = NewClassifier(nil)
	}
	return &Resolver{
		classifier: classifier,
		staleAfter: staleAfter,
		logger:     logger.With().Str("component", "snapshot_resolver").Logger(),
	}
}

// Resolve grades a fetched record into a snapshot. Missing quote sides are
// derived from the last trade when possible; everything else stays MISSING
// with an explicit reason. The snapshot is immutable once returned.
func (r *Resolver) Resolve(symbol string, raw market.RawQuote, asOf time.Time) market.Snapshot {
	instrument := r.classifier.Classify(symbol, raw.Kind, raw.Description)

	snap := market.Snapshot{
		Symbol:         symbol,
		Instrument:     instrument,
		MissingReasons: make(map[string]string),
		FieldSources:   make(map[string]string),
		ResolvedAt:     asOf,
	}

	snap.Price = floatPrice(market.FieldPrice, raw.Last, "last trade not provided by upstream")
	snap.Bid = floatPrice(market.FieldBid, raw.Bid, "bid not provided by upstream")
	snap.Ask = floatPrice(market.FieldAsk, raw.Ask, "ask not provided by upstream")

	// Derivation step: a one-sided book still leaves the last trade as a
	// usable stand-in for either quote side.
	if !snap.Bid.Usable() && snap.Price.Usable() {
		snap.Bid = market.Derived(market.FieldBid, snap.Price.Value, "derived from last trade")
	}
	if !snap.Ask.Usable() && snap.Price.Usable() {
		snap.Ask = market.Derived(market.FieldAsk, snap.Price.Value, "derived from last trade")
	}

	if raw.Volume != nil {
		if *raw.Volume < 0 {
			snap.Volume = market.Invalid[int64](market.FieldVolume, fmt.Sprintf("negative volume %d", *raw.Volume))
		} else {
			snap.Volume = market.Valid(market.FieldVolume, *raw.Volume)
		}
	} else {
		snap.Volume = market.Missing[int64](market.FieldVolume, "volume not provided by upstream")
	}

	if raw.IVRank != nil {
		if *raw.IVRank < 0 || *raw.IVRank > 100 {
			snap.IVRank = market.Invalid[float64](market.FieldIVRank, fmt.Sprintf("iv rank %v outside [0,100]", *raw.IVRank))
		} else {
			snap.IVRank = market.Valid(market.FieldIVRank, *raw.IVRank)
		}
	} else {
		snap.IVRank = market.Missing[float64](market.FieldIVRank, "iv rank not provided by upstream")
	}

	if raw.QuoteDate != nil {
		snap.QuoteDate = market.Valid(market.FieldQuoteDate, raw.QuoteDate.UTC())
	} else {
		snap.QuoteDate = market.Missing[time.Time](market.FieldQuoteDate, "quote date not provided by upstream")
	}

	r.applyStaleness(&snap, raw.QuoteDate, asOf)
	r.finalise(&snap)
	return snap
}

// ResolveUnavailable materialises the terminal stage-one snapshot for a
// failed fetch: every required field MISSING with the failure named. This is
// an outcome, not an error.
func (r *Resolver) ResolveUnavailable(symbol, reason string, asOf time.Time) market.Snapshot {
	instrument := market.InstrumentEquity
	if cached, ok := r.classifier.Lookup(symbol); ok {
		instrument = cached
	}

	if reason == "" {
		reason = "upstream fetch failed"
	}

	snap := market.Snapshot{
		Symbol:         symbol,
		Instrument:     instrument,
		MissingReasons: make(map[string]string),
		FieldSources:   make(map[string]string),
		ResolvedAt:     asOf,
	}
	snap.Price = market.Missing[decimal.Decimal](market.FieldPrice, reason)
	snap.Bid = market.Missing[decimal.Decimal](market.FieldBid, reason)
	snap.Ask = market.Missing[decimal.Decimal](market.FieldAsk, reason)
	snap.Volume = market.Missing[int64](market.FieldVolume, reason)
	snap.IVRank = market.Missing[float64](market.FieldIVRank, reason)
	snap.QuoteDate = market.Missing[time.Time](market.FieldQuoteDate, reason)

	r.finalise(&snap)
	return snap
}

// Qualifies is the single stage-two admission predicate. Nothing else grants
// a symbol entry to contract selection.
func Qualifies(snap market.Snapshot, minCompleteness float64) bool {
	return snap.DataCompleteness >= minCompleteness
}

func (r *Resolver) applyStaleness(snap *market.Snapshot, quoteDate *time.Time, asOf time.Time) {
	if quoteDate == nil {
		return
	}
	age := asOf.Sub(quoteDate.UTC())
	if age <= r.staleAfter {
		return
	}

	reason := fmt.Sprintf("quote_date %s behind evaluation time (window %s)", age.Round(time.Minute), r.staleAfter)
	if snap.Price.Quality == market.QualityValid {
		snap.Price = market.Stale(market.FieldPrice, snap.Price.Value, reason)
	}
	if snap.Bid.Quality == market.QualityValid {
		snap.Bid = market.Stale(market.FieldBid, snap.Bid.Value, reason)
	}
	if snap.Ask.Quality == market.QualityValid {
		snap.Ask = market.Stale(market.FieldAsk, snap.Ask.Value, reason)
	}
	r.logger.Debug().Str("symbol", snap.Symbol).Dur("age", age).Msg("quote fields re-tagged stale")
}

// finalise computes completeness, missing-field order, and provenance from
// the graded fields. Runs exactly once per snapshot.
func (r *Resolver) finalise(snap *market.Snapshot) {
	type graded struct {
		quality market.Quality
		reason  string
	}
	byName := map[string]graded{
		market.FieldPrice:     {snap.Price.Quality, snap.Price.Reason},
		market.FieldBid:       {snap.Bid.Quality, snap.Bid.Reason},
		market.FieldAsk:       {snap.Ask.Quality, snap.Ask.Reason},
		market.FieldVolume:    {snap.Volume.Quality, snap.Volume.Reason},
		market.FieldIVRank:    {snap.IVRank.Quality, snap.IVRank.Reason},
		market.FieldQuoteDate: {snap.QuoteDate.Quality, snap.QuoteDate.Reason},
	}

	for name, g := range byName {
		switch g.quality {
		case market.QualityValid, market.QualityStale:
			snap.FieldSources[name] = market.SourcePrimary
		case market.QualityDerived:
			snap.FieldSources[name] = market.SourceDerived
		}
	}

	required := snap.Instrument.RequiredSnapshotFields()
	usable := 0
	for _, name := range required {
		g := byName[name]
		switch g.quality {
		case market.QualityValid, market.QualityDerived, market.QualityStale:
			usable++
		default:
			snap.MissingFields = append(snap.MissingFields, name)
			snap.MissingReasons[name] = g.reason
		}
	}

	if len(required) > 0 {
		snap.DataCompleteness = float64(usable) / float64(len(required))
	}
}

func floatPrice(name string, v *float64, missingReason string) market.Field[decimal.Decimal] {
	if v == nil {
		return market.Missing[decimal.Decimal](name, missingReason)
	}
	if *v < 0 {
		return market.Invalid[decimal.Decimal](name, fmt.Sprintf("negative value %v", *v))
	}
	return market.Valid(name, decimal.NewFromFloat(*v))
}
