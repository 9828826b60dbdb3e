package snapshot

import (
	"strings"
	"sync"

	"wheel-screener/internal/market"
)

// Index underlyings whose upstream records rarely carry a type label.
var knownIndexSymbols = map[string]struct{}{
	"SPX": {}, "NDX": {}, "RUT": {}, "DJX": {}, "VIX": {}, "XSP": {},
}

// Classifier is a read-through instrument-type cache. One instance is owned
// by a resolver; once a symbol is classified the entry never changes, so
// concurrent workers may read it freely.
type Classifier struct {
	mu        sync.RWMutex
	cache     map[string]market.InstrumentType
	overrides map[string]market.InstrumentType
}

// NewClassifier constructs a classifier. Overrides win over upstream labels
// and heuristics; keys are upper-case symbols.
func NewClassifier(overrides map[string]market.InstrumentType) *Classifier {
	ov := make(map[string]market.InstrumentType, len(overrides))
	for sym, t := range overrides {
		ov[strings.ToUpper(sym)] = t
	}
	return &Classifier{
		cache:     make(map[string]market.InstrumentType),
		overrides: ov,
	}
}

// Classify resolves the instrument type for a symbol, caching the result for
// the classifier's lifetime. The upstream kind label and description are
// consulted only on the first sighting.
func (c *Classifier) Classify(symbol, kind, description string) market.InstrumentType {
	sym := strings.ToUpper(symbol)

	c.mu.RLock()
	cached, ok := c.cache[sym]
	c.mu.RUnlock()
	if ok {
		return cached
	}

	t := c.classify(sym, kind, description)

	c.mu.Lock()
	// A concurrent first sighting may have won; keep the stored entry so the
	// classification is stable for the cache's lifetime.
	if existing, ok := c.cache[sym]; ok {
		t = existing
	} else {
		c.cache[sym] = t
	}
	c.mu.Unlock()

	return t
}

// Lookup returns a previously cached classification without populating.
func (c *Classifier) Lookup(symbol string) (market.InstrumentType, bool) {
	sym := strings.ToUpper(symbol)

	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.overrides[sym]; ok {
		return t, true
	}
	t, ok := c.cache[sym]
	return t, ok
}

func (c *Classifier) classify(sym, kind, description string) market.InstrumentType {
	if t, ok := c.overrides[sym]; ok {
		return t
	}

	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "stock", "equity":
		return market.InstrumentEquity
	case "etf":
		return market.InstrumentETF
	case "index":
		return market.InstrumentIndex
	}

	if _, ok := knownIndexSymbols[sym]; ok {
		return market.InstrumentIndex
	}

	desc := strings.ToLower(description)
	if strings.Contains(desc, "index") {
		return market.InstrumentIndex
	}
	if strings.Contains(desc, "etf") || strings.Contains(desc, "fund") || strings.Contains(desc, "trust") {
		return market.InstrumentETF
	}

	return market.InstrumentEquity
}
