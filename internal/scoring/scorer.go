package scoring

import (
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"wheel-screener/internal/market"
)

// Regime is the broad market posture the screen runs under.
type Regime string

const (
	RegimeBullish Regime = "BULLISH"
	RegimeBearish Regime = "BEARISH"
	RegimeNeutral Regime = "NEUTRAL"
	RegimeUnknown Regime = "UNKNOWN"
)

// ParseRegime normalises a configuration token into a Regime.
func ParseRegime(raw string) (Regime, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BULLISH":
		return RegimeBullish, nil
	case "BEARISH":
		return RegimeBearish, nil
	case "NEUTRAL":
		return RegimeNeutral, nil
	case "", "UNKNOWN":
		return RegimeUnknown, nil
	default:
		return "", fmt.Errorf("unknown regime %q (want bullish, bearish or neutral)", raw)
	}
}

// Component names in reporting order.
const (
	ComponentRegime        = "regime"
	ComponentTechnical     = "technical"
	ComponentAffordability = "affordability"
	ComponentLiquidity     = "liquidity"
)

// Weights distribute the composite across the four components. They are
// normalised by their sum, so they need not add to one.
type Weights struct {
	Regime        float64 `mapstructure:"regime" json:"regime"`
	Technical     float64 `mapstructure:"technical" json:"technical"`
	Affordability float64 `mapstructure:"affordability" json:"affordability"`
	Liquidity     float64 `mapstructure:"liquidity" json:"liquidity"`
}

// DefaultWeights returns the stock weighting.
func DefaultWeights() Weights {
	return Weights{Regime: 0.25, Technical: 0.25, Affordability: 0.20, Liquidity: 0.30}
}

func (w Weights) sum() float64 {
	return w.Regime + w.Technical + w.Affordability + w.Liquidity
}

// Inputs is everything one contract score depends on. Absent optional inputs
// (support level, account equity, iv rank) degrade the affected component to
// a neutral 50 and are reported in MissingInputs rather than failing the
// score.
type Inputs struct {
	Symbol   string
	Strategy market.Strategy
	Regime   Regime

	Spot            decimal.Decimal
	SupportLevel    decimal.Decimal
	ResistanceLevel decimal.Decimal
	AccountEquity   decimal.Decimal

	IVRank   market.Field[float64]
	Contract market.Contract
}

// Component is one scored dimension. Raw is the pre-clamp value, Clamped the
// [0,100] value that enters the weighted sum.
type Component struct {
	Name     string  `json:"name"`
	Raw      float64 `json:"raw"`
	Clamped  float64 `json:"clamped"`
	Weight   float64 `json:"weight"`
	Weighted float64 `json:"weighted"`
}

// Result is a deterministic function of Inputs and Weights.
type Result struct {
	Score         float64     `json:"score"`
	Band          Band        `json:"band"`
	BandReason    string      `json:"band_reason"`
	Tier          Tier        `json:"tier"`
	Components    []Component `json:"components"`
	MissingInputs []string    `json:"missing_inputs,omitempty"`
}

// Options configure the scorer.
type Options struct {
	Weights Weights
}

// Scorer computes composite contract scores.
type Scorer struct {
	weights Weights
	logger  zerolog.Logger
}

// New creates a Scorer. Non-positive weight sums fall back to the defaults.
func New(opts Options, logger zerolog.Logger) *Scorer {
	w := opts.Weights
	if w.sum() <= 0 {
		w = DefaultWeights()
	}
	return &Scorer{
		weights: w,
		logger:  logger.With().Str("component", "scorer").Logger(),
	}
}

// Score grades one selected contract. Every component is clamped to [0,100]
// before weighting and the composite is clamped again, so no input can push
// the score outside the band ladder's domain.
func (s *Scorer) Score(in Inputs) Result {
	res := Result{}

	regime, regimeMissing := s.regimeComponent(in)
	technical, technicalMissing := s.technicalComponent(in)
	affordability, affordabilityMissing := s.affordabilityComponent(in)
	liquidity, liquidityMissing := s.liquidityComponent(in)

	res.MissingInputs = dedupe(append(append(append(regimeMissing, technicalMissing...), affordabilityMissing...), liquidityMissing...))

	total := s.weights.sum()
	res.Components = []Component{
		buildComponent(ComponentRegime, regime, s.weights.Regime, total),
		buildComponent(ComponentTechnical, technical, s.weights.Technical, total),
		buildComponent(ComponentAffordability, affordability, s.weights.Affordability, total),
		buildComponent(ComponentLiquidity, liquidity, s.weights.Liquidity, total),
	}

	var score float64
	for _, c := range res.Components {
		score += c.Weighted
	}
	res.Score = clamp(score)
	res.Band = BandFor(res.Score)
	res.BandReason = BandExplanation(res.Score, res.Band)
	res.Tier = TierFor(res.Score)

	s.logger.Debug().
		Str("symbol", in.Symbol).
		Str("strategy", string(in.Strategy)).
		Float64("score", res.Score).
		Str("band", string(res.Band)).
		Msg("合约评分完成")
	return res
}

// regimeComponent blends strategy-regime alignment (60%) with the iv rank
// (40%): selling premium wants aligned direction and rich volatility.
func (s *Scorer) regimeComponent(in Inputs) (float64, []string) {
	var missing []string

	alignment := 50.0
	switch {
	case in.Regime == RegimeUnknown || in.Regime == "":
		missing = append(missing, "regime")
	case in.Regime == RegimeNeutral:
		alignment = 70
	case in.Strategy == market.StrategyCSP && in.Regime == RegimeBullish,
		in.Strategy == market.StrategyCC && in.Regime == RegimeBearish:
		alignment = 100
	default:
		alignment = 30
	}

	iv := 50.0
	if in.IVRank.Usable() {
		iv = in.IVRank.Value
	} else {
		missing = append(missing, market.FieldIVRank)
	}

	return 0.6*alignment + 0.4*iv, missing
}

// technicalComponent ramps linearly over a 10% window around the reference
// level: a CSP strike 5% or more below support scores 100, 5% or more above
// scores 0. Covered calls mirror this around resistance.
func (s *Scorer) technicalComponent(in Inputs) (float64, []string) {
	strike := in.Contract.Strike

	var level decimal.Decimal
	var levelName string
	if in.Strategy == market.StrategyCC {
		level, levelName = in.ResistanceLevel, "resistance_level"
	} else {
		level, levelName = in.SupportLevel, "support_level"
	}
	if level.LessThanOrEqual(decimal.Zero) {
		return 50, []string{levelName}
	}

	var r float64
	if in.Strategy == market.StrategyCC {
		r = strike.Sub(level).Div(level).InexactFloat64()
	} else {
		r = level.Sub(strike).Div(level).InexactFloat64()
	}
	return (r + 0.05) / 0.10 * 100, nil
}

// affordabilityComponent scores the capital one contract ties up against the
// account: 5% or less of equity scores 100, half the account or more scores 0.
func (s *Scorer) affordabilityComponent(in Inputs) (float64, []string) {
	if in.AccountEquity.LessThanOrEqual(decimal.Zero) {
		return 50, []string{"account_equity"}
	}
	capital := in.Contract.Strike.Mul(decimal.NewFromInt(100))
	fraction := capital.Div(in.AccountEquity).InexactFloat64()

	switch {
	case fraction <= 0.05:
		return 100, nil
	case fraction >= 0.50:
		return 0, nil
	default:
		return 100 * (0.50 - fraction) / 0.45, nil
	}
}

// liquidityComponent splits evenly between open-interest depth (1000
// contracts saturates) and spread tightness (the spread ceiling zeroes it).
func (s *Scorer) liquidityComponent(in Inputs) (float64, []string) {
	var missing []string

	oiScore := 50.0
	if in.Contract.OpenInterest.Usable() {
		oiScore = math.Min(100, float64(in.Contract.OpenInterest.Value)/10)
	} else {
		missing = append(missing, market.FieldOpenInterest)
	}

	spreadScore := 50.0
	if in.Contract.SpreadPct.Usable() {
		spreadScore = 100 * (1 - in.Contract.SpreadPct.Value.InexactFloat64()/0.10)
	} else {
		missing = append(missing, market.FieldSpreadPct)
	}

	return 0.5*clamp(oiScore) + 0.5*clamp(spreadScore), missing
}

func buildComponent(name string, raw, weight, totalWeight float64) Component {
	clamped := clamp(raw)
	share := 0.0
	if totalWeight > 0 {
		share = weight / totalWeight
	}
	return Component{
		Name:     name,
		Raw:      raw,
		Clamped:  clamped,
		Weight:   weight,
		Weighted: clamped * share,
	}
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func dedupe(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(names))
	var out []string
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
