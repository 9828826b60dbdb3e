package universe

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"wheel-screener/internal/market"
)

var symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9.]{0,9}$`)

// Entry is one screened symbol with its optional per-symbol levels. Zero
// decimals mean the column was absent; the evaluator falls back to the
// account-level defaults.
type Entry struct {
	Symbol     string
	Strategies []market.Strategy
	Support    decimal.Decimal
	Resistance decimal.Decimal
	Equity     decimal.Decimal
}

// Universe is the deduplicated, validated symbol list for one run.
type Universe struct {
	Entries []Entry
}

// Size reports the number of entries.
func (u Universe) Size() int { return len(u.Entries) }

// Symbols returns the symbols in universe order.
func (u Universe) Symbols() []string {
	out := make([]string, len(u.Entries))
	for i, e := range u.Entries {
		out[i] = e.Symbol
	}
	return out
}

// Load reads a universe CSV from disk.
func Load(path string, defaults []market.Strategy) (Universe, error) {
	f, err := os.Open(path)
	if err != nil {
		return Universe{}, fmt.Errorf("open universe file: %w", err)
	}
	defer f.Close()

	u, err := Parse(f, defaults)
	if err != nil {
		return Universe{}, fmt.Errorf("parse universe file %s: %w", path, err)
	}
	return u, nil
}

// Resolve picks the configured universe source: a non-empty inline symbol
// list takes precedence over the CSV file.
func Resolve(path string, symbols []string, defaults []market.Strategy) (Universe, error) {
	if len(symbols) > 0 {
		return FromSymbols(symbols, defaults)
	}
	return Load(path, defaults)
}

// Parse reads a universe CSV. The header must carry a symbol column;
// strategies (pipe-separated), support, resistance, and equity are optional.
// Symbols are uppercased and validated, and later duplicates are dropped so
// every symbol is evaluated exactly once.
func Parse(r io.Reader, defaults []market.Strategy) (Universe, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	records, err := cr.ReadAll()
	if err != nil {
		return Universe{}, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return Universe{}, fmt.Errorf("empty universe")
	}

	cols := make(map[string]int, len(records[0]))
	for i, h := range records[0] {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := cols["symbol"]; !ok {
		return Universe{}, fmt.Errorf("universe header missing symbol column")
	}

	var u Universe
	seen := make(map[string]struct{})
	for n, rec := range records[1:] {
		line := n + 2

		symbol := strings.ToUpper(strings.TrimSpace(cell(rec, cols, "symbol")))
		if symbol == "" {
			continue
		}
		if !symbolPattern.MatchString(symbol) {
			return Universe{}, fmt.Errorf("line %d: invalid symbol %q", line, symbol)
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}

		entry := Entry{Symbol: symbol}
		if entry.Strategies, err = parseStrategies(cell(rec, cols, "strategies"), defaults); err != nil {
			return Universe{}, fmt.Errorf("line %d: %w", line, err)
		}
		if entry.Support, err = parseLevel(cell(rec, cols, "support")); err != nil {
			return Universe{}, fmt.Errorf("line %d: support: %w", line, err)
		}
		if entry.Resistance, err = parseLevel(cell(rec, cols, "resistance")); err != nil {
			return Universe{}, fmt.Errorf("line %d: resistance: %w", line, err)
		}
		if entry.Equity, err = parseLevel(cell(rec, cols, "equity")); err != nil {
			return Universe{}, fmt.Errorf("line %d: equity: %w", line, err)
		}
		u.Entries = append(u.Entries, entry)
	}

	if len(u.Entries) == 0 {
		return Universe{}, fmt.Errorf("universe has no usable rows")
	}
	return u, nil
}

// FromSymbols builds a universe from a plain symbol list, as supplied on the
// command line.
func FromSymbols(symbols []string, defaults []market.Strategy) (Universe, error) {
	var u Universe
	seen := make(map[string]struct{})
	for _, raw := range symbols {
		symbol := strings.ToUpper(strings.TrimSpace(raw))
		if symbol == "" {
			continue
		}
		if !symbolPattern.MatchString(symbol) {
			return Universe{}, fmt.Errorf("invalid symbol %q", raw)
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		u.Entries = append(u.Entries, Entry{Symbol: symbol, Strategies: defaults})
	}
	if len(u.Entries) == 0 {
		return Universe{}, fmt.Errorf("no symbols given")
	}
	return u, nil
}

func cell(rec []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return rec[i]
}

func parseStrategies(raw string, defaults []market.Strategy) ([]market.Strategy, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaults, nil
	}
	var out []market.Strategy
	for _, tok := range strings.Split(raw, "|") {
		s, err := market.ParseStrategy(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func parseLevel(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Decimal{}, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("bad number %q", raw)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("negative value %q", raw)
	}
	return d, nil
}
