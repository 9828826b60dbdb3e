package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertRunSQL = `INSERT INTO evaluation_runs (
        run_id,
        started_at,
        universe_size,
        eligible,
        hold,
        blocked,
        unknown,
        best_symbol,
        best_score,
        budget_exhausted,
        exhausted_reason,
        requests_used,
        wall_time_ms
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    )
    ON CONFLICT (run_id) DO UPDATE
    SET
        universe_size    = EXCLUDED.universe_size,
        eligible         = EXCLUDED.eligible,
        hold             = EXCLUDED.hold,
        blocked          = EXCLUDED.blocked,
        unknown          = EXCLUDED.unknown,
        best_symbol      = EXCLUDED.best_symbol,
        best_score       = EXCLUDED.best_score,
        budget_exhausted = EXCLUDED.budget_exhausted,
        exhausted_reason = EXCLUDED.exhausted_reason,
        requests_used    = EXCLUDED.requests_used,
        wall_time_ms     = EXCLUDED.wall_time_ms;`

	insertResultSQL = `INSERT INTO evaluation_results (
        run_id,
        symbol,
        verdict,
        reason,
        score,
        band,
        tier,
        stage
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (run_id, symbol) DO UPDATE
    SET verdict = EXCLUDED.verdict,
        reason  = EXCLUDED.reason,
        score   = EXCLUDED.score,
        band    = EXCLUDED.band,
        tier    = EXCLUDED.tier,
        stage   = EXCLUDED.stage;`

	listRecentRunsSQL = `SELECT
        run_id,
        started_at,
        universe_size,
        eligible,
        hold,
        blocked,
        unknown,
        best_symbol,
        best_score,
        budget_exhausted,
        exhausted_reason,
        requests_used,
        wall_time_ms,
        created_at
    FROM evaluation_runs
    ORDER BY started_at DESC
    LIMIT $1;`

	listRunResultsSQL = `SELECT
        id,
        run_id,
        symbol,
        verdict,
        reason,
        score,
        band,
        tier,
        stage,
        created_at
    FROM evaluation_results
    WHERE run_id = $1
    ORDER BY symbol;`

	listSymbolResultsSQL = `SELECT
        id,
        run_id,
        symbol,
        verdict,
        reason,
        score,
        band,
        tier,
        stage,
        created_at
    FROM evaluation_results
    WHERE symbol = $1
    ORDER BY created_at DESC
    LIMIT $2;`

	countRunsSQL = `SELECT COUNT(*) FROM evaluation_runs;`

	deleteRunsBeforeSQL = `DELETE FROM evaluation_runs WHERE started_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RunStore defines operations for evaluation run persistence.
type RunStore interface {
	InsertRun(ctx context.Context, run RunRecord, results []ResultRecord) error
	ListRecentRuns(ctx context.Context, limit int) ([]RunRecord, error)
	ListRunResults(ctx context.Context, runID string) ([]ResultRecord, error)
	ListSymbolResults(ctx context.Context, symbol string, limit int) ([]ResultRecord, error)
	CountRuns(ctx context.Context) (int64, error)
	DeleteRunsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to the run ledger.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertRun persists a run header and its per-symbol results in one
// transaction.
func (s *Store) InsertRun(ctx context.Context, run RunRecord, results []ResultRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin run insert: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, execErr := tx.Exec(ctx, insertRunSQL,
		run.RunID,
		run.StartedAt,
		run.UniverseSize,
		run.Eligible,
		run.Hold,
		run.Blocked,
		run.Unknown,
		textOrNil(run.BestSymbol),
		decimalOrNil(run.BestScore),
		run.BudgetExhausted,
		textOrNil(run.ExhaustedReason),
		run.RequestsUsed,
		run.WallTimeMS,
	); execErr != nil {
		return fmt.Errorf("insert run: %w", execErr)
	}

	for _, result := range results {
		if _, execErr := tx.Exec(ctx, insertResultSQL,
			run.RunID,
			result.Symbol,
			result.Verdict,
			result.Reason,
			decimalOrNil(result.Score),
			textOrNil(result.Band),
			textOrNil(result.Tier),
			result.Stage,
		); execErr != nil {
			return fmt.Errorf("insert result %s: %w", result.Symbol, execErr)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit run insert: %w", err)
	}
	return nil
}

// ListRecentRuns lists the most recent runs ordered by descending start time.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRunsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent runs: %w", queryErr)
	}
	defer rows.Close()

	runs := make([]RunRecord, 0, limit)
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

// ListRunResults lists every symbol outcome recorded for one run.
func (s *Store) ListRunResults(ctx context.Context, runID string) ([]ResultRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRunResultsSQL, runID)
	if queryErr != nil {
		return nil, fmt.Errorf("list run results: %w", queryErr)
	}
	defer rows.Close()

	return collectResults(rows)
}

// ListSymbolResults lists the most recent outcomes for one symbol across runs.
func (s *Store) ListSymbolResults(ctx context.Context, symbol string, limit int) ([]ResultRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSymbolResultsSQL, symbol, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list symbol results: %w", queryErr)
	}
	defer rows.Close()

	return collectResults(rows)
}

// CountRuns counts stored runs.
func (s *Store) CountRuns(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countRunsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count runs: %w", scanErr)
	}
	return count, nil
}

// DeleteRunsBefore deletes historical runs. Results cascade with their run.
func (s *Store) DeleteRunsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteRunsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete runs before: %w", execErr)
	}
	return nil
}

func collectResults(rows pgx.Rows) ([]ResultRecord, error) {
	results := make([]ResultRecord, 0)
	for rows.Next() {
		result, scanErr := scanResult(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		results = append(results, result)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return results, nil
}

func scanRun(rows pgx.Rows) (RunRecord, error) {
	var (
		run        RunRecord
		bestSymbol sql.NullString
		bestScore  sql.NullString
		reason     sql.NullString
	)

	if err := rows.Scan(
		&run.RunID,
		&run.StartedAt,
		&run.UniverseSize,
		&run.Eligible,
		&run.Hold,
		&run.Blocked,
		&run.Unknown,
		&bestSymbol,
		&bestScore,
		&run.BudgetExhausted,
		&reason,
		&run.RequestsUsed,
		&run.WallTimeMS,
		&run.CreatedAt,
	); err != nil {
		return RunRecord{}, err
	}

	if bestSymbol.Valid {
		value := bestSymbol.String
		run.BestSymbol = &value
	}
	if reason.Valid {
		value := reason.String
		run.ExhaustedReason = &value
	}
	if bestScore.Valid {
		score, err := decimal.NewFromString(bestScore.String)
		if err != nil {
			return RunRecord{}, fmt.Errorf("parse best score: %w", err)
		}
		run.BestScore = &score
	}

	return run, nil
}

func scanResult(rows pgx.Rows) (ResultRecord, error) {
	var (
		result ResultRecord
		score  sql.NullString
		band   sql.NullString
		tier   sql.NullString
	)

	if err := rows.Scan(
		&result.ID,
		&result.RunID,
		&result.Symbol,
		&result.Verdict,
		&result.Reason,
		&score,
		&band,
		&tier,
		&result.Stage,
		&result.CreatedAt,
	); err != nil {
		return ResultRecord{}, err
	}

	if score.Valid {
		parsed, err := decimal.NewFromString(score.String)
		if err != nil {
			return ResultRecord{}, fmt.Errorf("parse score: %w", err)
		}
		result.Score = &parsed
	}
	if band.Valid {
		value := band.String
		result.Band = &value
	}
	if tier.Valid {
		value := tier.String
		result.Tier = &value
	}

	return result, nil
}

func textOrNil(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func decimalOrNil(v *decimal.Decimal) interface{} {
	if v == nil {
		return nil
	}
	return v.String()
}
