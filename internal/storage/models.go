package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// RunRecord represents one persisted evaluation run.
type RunRecord struct {
	RunID           string
	StartedAt       time.Time
	UniverseSize    int
	Eligible        int
	Hold            int
	Blocked         int
	Unknown         int
	BestSymbol      *string
	BestScore       *decimal.Decimal
	BudgetExhausted bool
	ExhaustedReason *string
	RequestsUsed    int64
	WallTimeMS      int64
	CreatedAt       time.Time
}

// ResultRecord captures one symbol outcome within a run.
type ResultRecord struct {
	ID        int64
	RunID     string
	Symbol    string
	Verdict   string
	Reason    string
	Score     *decimal.Decimal
	Band      *string
	Tier      *string
	Stage     string
	CreatedAt time.Time
}
