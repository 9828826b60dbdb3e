package scoring

import (
	"fmt"
	"strings"
)

// Band is the letter grade derived from the composite score alone. It is
// descriptive: band assignment never looks at, and never implies, the
// symbol's run outcome.
type Band string

const (
	BandA Band = "A"
	BandB Band = "B"
	BandC Band = "C"
	BandD Band = "D"
)

// Tier is the allocation tier. The ladder is score-only; NONE means the
// score earned no allocation, nothing more.
type Tier string

const (
	TierA    Tier = "A"
	TierB    Tier = "B"
	TierC    Tier = "C"
	TierNone Tier = "NONE"
)

const (
	bandAThreshold = 80.0
	bandBThreshold = 60.0
	bandCThreshold = 40.0
)

// BandFor maps a composite score onto the band ladder.
func BandFor(score float64) Band {
	switch {
	case score >= bandAThreshold:
		return BandA
	case score >= bandBThreshold:
		return BandB
	case score >= bandCThreshold:
		return BandC
	default:
		return BandD
	}
}

// TierFor maps a composite score onto the allocation ladder.
func TierFor(score float64) Tier {
	switch {
	case score >= bandAThreshold:
		return TierA
	case score >= bandBThreshold:
		return TierB
	case score >= bandCThreshold:
		return TierC
	default:
		return TierNone
	}
}

// Meets reports whether a tier is at least as strong as min.
func (t Tier) Meets(min Tier) bool {
	return tierRank(t) >= tierRank(min)
}

func tierRank(t Tier) int {
	switch t {
	case TierA:
		return 3
	case TierB:
		return 2
	case TierC:
		return 1
	default:
		return 0
	}
}

// ParseTier normalises a configured tier name.
func ParseTier(raw string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "A":
		return TierA, nil
	case "B":
		return TierB, nil
	case "C":
		return TierC, nil
	case "NONE", "":
		return TierNone, nil
	default:
		return TierNone, fmt.Errorf("unknown tier %q", raw)
	}
}

// BandExplanation describes a band assignment strictly in terms of the score
// and the ladder thresholds.
func BandExplanation(score float64, band Band) string {
	switch band {
	case BandA:
		return fmt.Sprintf("score %.1f at or above %.0f", score, bandAThreshold)
	case BandB:
		return fmt.Sprintf("score %.1f in [%.0f,%.0f)", score, bandBThreshold, bandAThreshold)
	case BandC:
		return fmt.Sprintf("score %.1f in [%.0f,%.0f)", score, bandCThreshold, bandBThreshold)
	default:
		return fmt.Sprintf("score %.1f below %.0f", score, bandCThreshold)
	}
}
