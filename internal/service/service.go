package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"wheel-screener/internal/artifact"
	"wheel-screener/internal/config"
	"wheel-screener/internal/evaluator"
	"wheel-screener/internal/market"
	"wheel-screener/internal/notify"
	"wheel-screener/internal/scheduler"
	"wheel-screener/internal/scoring"
	"wheel-screener/internal/storage"
	"wheel-screener/internal/telemetry"
	"wheel-screener/internal/universe"
)

const maxHighlights = 10

// Service orchestrates evaluation cycles: load the universe, run the
// evaluator, commit the artifact, then fan out to ledger, metrics, and
// notifications.
type Service struct {
	scheduler *scheduler.Scheduler
	evaluator *evaluator.Evaluator
	artifacts *artifact.Store
	ledger    storage.RunStore
	notifier  notify.Notifier
	metrics   *telemetry.Metrics
	logger    zerolog.Logger

	universePath      string
	universeSymbols   []string
	universeOverride  *universe.Universe
	defaultStrategies []market.Strategy
	minTier           scoring.Tier
	notifyOn          bool
	locker            storage.AdvisoryLocker
	lockKey           int64
}

// New constructs the screening service.
func New(cfg *config.Config, sched *scheduler.Scheduler, ev *evaluator.Evaluator, artifacts *artifact.Store, ledger storage.RunStore, notifier notify.Notifier, metrics *telemetry.Metrics, logger zerolog.Logger) *Service {
	// Config validation already rejected unparseable values.
	strategies, _ := cfg.Universe.ParsedStrategies()
	minTier, _ := scoring.ParseTier(cfg.Notify.MinTier)

	var locker storage.AdvisoryLocker
	if l, ok := ledger.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:         sched,
		evaluator:         ev,
		artifacts:         artifacts,
		ledger:            ledger,
		notifier:          notifier,
		metrics:           metrics,
		logger:            logger.With().Str("component", "service").Logger(),
		universePath:      cfg.Universe.Path,
		universeSymbols:   cfg.Universe.Symbols,
		defaultStrategies: strategies,
		minTier:           minTier,
		notifyOn:          cfg.Notify.Enabled,
		locker:            locker,
		lockKey:           cfg.Scheduler.AdvisoryLockKey,
	}
}

// UseUniverse pins cycles to a fixed symbol list instead of the universe
// file, for ad-hoc scans.
func (s *Service) UseUniverse(u universe.Universe) {
	s.universeOverride = &u
}

// Run begins the periodic evaluation loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessCycle)
}

// RunOnce executes a single evaluation cycle immediately.
func (s *Service) RunOnce(ctx context.Context) error {
	return s.ProcessCycle(ctx, time.Now().UTC())
}

// ProcessCycle 执行单个评估周期。
func (s *Service) ProcessCycle(ctx context.Context, cycleStart time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("cycle", cycleStart).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeCycle(ctx, cycleStart)
}

func (s *Service) executeCycle(ctx context.Context, cycleStart time.Time) error {
	// The scheduler hands over the aligned cycle label; budgets are anchored
	// at the moment evaluation actually starts.
	started := time.Now().UTC()

	u, err := s.loadUniverse()
	if err != nil {
		s.metrics.RecordCycle("failed", time.Since(started))
		return fmt.Errorf("load universe: %w", err)
	}
	if u.Size() == 0 {
		s.logger.Warn().Str("path", s.universePath).Msg("universe is empty, nothing to evaluate")
		s.metrics.RecordCycle("empty", time.Since(started))
		return nil
	}

	art, runErr := s.evaluator.Run(ctx, u, started)
	if art == nil {
		s.metrics.RecordCycle("failed", time.Since(started))
		return runErr
	}
	if runErr != nil {
		// A cancelled run hands back a partial artifact; the last complete
		// run must stay latest, so nothing is committed or announced.
		s.logger.Warn().
			Err(runErr).
			Str("run_id", art.Metadata.RunID).
			Msg("evaluation interrupted, partial artifact discarded")
		s.metrics.RecordCycle("aborted", time.Since(started))
		return runErr
	}

	// The artifact commit is the one hard failure in the fan-out: readers
	// must never see a run that did not land on disk.
	if err := s.artifacts.SetLatest(art); err != nil {
		s.metrics.RecordCycle("failed", time.Since(started))
		return fmt.Errorf("commit artifact: %w", err)
	}

	s.metrics.ObserveArtifact(art)
	s.recordRun(ctx, art)
	s.notifyRun(ctx, art)
	s.metrics.RecordCycle("ok", time.Since(started))

	eligible, hold, blocked, unknown := verdictCounts(art)
	s.logger.Info().
		Time("cycle", cycleStart).
		Str("run_id", art.Metadata.RunID).
		Int("universe", art.Metadata.UniverseSize).
		Int("eligible", eligible).
		Int("hold", hold).
		Int("blocked", blocked).
		Int("unknown", unknown).
		Bool("budget_exhausted", art.Metadata.Budget.Exhausted).
		Msg("评估周期完成")

	return nil
}

func (s *Service) loadUniverse() (universe.Universe, error) {
	if s.universeOverride != nil {
		return *s.universeOverride, nil
	}
	return universe.Resolve(s.universePath, s.universeSymbols, s.defaultStrategies)
}

func (s *Service) recordRun(ctx context.Context, art *artifact.Artifact) {
	if s.ledger == nil {
		return
	}
	run, results := ledgerRecords(art)
	if err := s.ledger.InsertRun(ctx, run, results); err != nil {
		s.logger.Error().Err(err).Str("run_id", art.Metadata.RunID).Msg("failed to persist run ledger")
	}
}

func (s *Service) notifyRun(ctx context.Context, art *artifact.Artifact) {
	if !s.notifyOn || s.notifier == nil {
		return
	}

	eligible, hold, blocked, unknown := verdictCounts(art)
	note := notify.Notification{
		RunID:        art.Metadata.RunID,
		StartedAt:    art.Metadata.PipelineTimestamp,
		UniverseSize: art.Metadata.UniverseSize,
		Eligible:     eligible,
		Hold:         hold,
		Blocked:      blocked,
		Unknown:      unknown,
		Exhausted:    art.Metadata.Budget.Exhausted,
	}

	for _, sym := range art.Symbols {
		if sym.Verdict != market.VerdictEligible || !sym.Tier.Meets(s.minTier) {
			continue
		}
		note.Highlights = append(note.Highlights, highlightFor(sym, art.CandidatesBySymbol[sym.Symbol]))
	}
	sort.Slice(note.Highlights, func(i, j int) bool {
		return note.Highlights[i].Score > note.Highlights[j].Score
	})
	if len(note.Highlights) > maxHighlights {
		note.Highlights = note.Highlights[:maxHighlights]
	}

	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("run_id", note.RunID).Msg("failed to dispatch run summary")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func verdictCounts(art *artifact.Artifact) (eligible, hold, blocked, unknown int) {
	for _, sym := range art.Symbols {
		switch sym.Verdict {
		case market.VerdictEligible:
			eligible++
		case market.VerdictHold:
			hold++
		case market.VerdictBlocked:
			blocked++
		default:
			unknown++
		}
	}
	return eligible, hold, blocked, unknown
}

func ledgerRecords(art *artifact.Artifact) (storage.RunRecord, []storage.ResultRecord) {
	eligible, hold, blocked, unknown := verdictCounts(art)
	run := storage.RunRecord{
		RunID:           art.Metadata.RunID,
		StartedAt:       art.Metadata.PipelineTimestamp,
		UniverseSize:    art.Metadata.UniverseSize,
		Eligible:        eligible,
		Hold:            hold,
		Blocked:         blocked,
		Unknown:         unknown,
		BudgetExhausted: art.Metadata.Budget.Exhausted,
		RequestsUsed:    art.Metadata.Budget.RequestsUsed,
		WallTimeMS:      art.Metadata.Budget.WallTimeMS,
	}
	if art.Metadata.Budget.ExhaustedReason != "" {
		reason := art.Metadata.Budget.ExhaustedReason
		run.ExhaustedReason = &reason
	}

	results := make([]storage.ResultRecord, 0, len(art.Symbols))
	for _, sym := range art.Symbols {
		rec := storage.ResultRecord{
			RunID:   art.Metadata.RunID,
			Symbol:  sym.Symbol,
			Verdict: string(sym.Verdict),
			Reason:  sym.PrimaryReason,
			Stage:   string(sym.StageReached),
		}
		if sym.Score != nil {
			score := decimal.NewFromFloat(*sym.Score)
			rec.Score = &score
			if sym.Verdict == market.VerdictEligible && (run.BestScore == nil || score.GreaterThan(*run.BestScore)) {
				symbol := sym.Symbol
				run.BestScore = &score
				run.BestSymbol = &symbol
			}
		}
		if sym.Band != "" {
			band := string(sym.Band)
			rec.Band = &band
		}
		if sym.Tier != "" {
			tier := string(sym.Tier)
			rec.Tier = &tier
		}
		results = append(results, rec)
	}
	return run, results
}

func highlightFor(sym artifact.SymbolResult, cands []artifact.Candidate) notify.Highlight {
	h := notify.Highlight{
		Symbol: sym.Symbol,
		Band:   string(sym.Band),
		Tier:   string(sym.Tier),
	}
	if sym.Score != nil {
		h.Score = *sym.Score
	}
	if best := bestCandidate(cands); best != nil {
		h.Strategy = string(best.Strategy)
		h.OCCSymbol = best.OCCSymbol
		h.Strike = best.Strike
		h.DTE = best.DTE
	}
	return h
}

func bestCandidate(cands []artifact.Candidate) *artifact.Candidate {
	var best *artifact.Candidate
	for i := range cands {
		if best == nil || cands[i].Score > best.Score {
			best = &cands[i]
		}
	}
	return best
}
