package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ErrNotFound marks a lookup for a run that was never written or has been
// pruned. Callers treat it as an empty answer, not a failure.
var ErrNotFound = errors.New("artifact not found")

// State tracks whether the store holds a readable artifact.
type State string

const (
	StateEmpty  State = "EMPTY"
	StateLoaded State = "LOADED"
)

const (
	defaultLatestName   = "decision_latest.json"
	defaultHistoryLimit = 30
	historySuffix       = ".json"
)

// StoreOptions configure artifact persistence.
type StoreOptions struct {
	Dir          string
	HistoryDir   string
	LatestName   string
	HistoryLimit int
}

// Store persists the latest decision artifact atomically and keeps a bounded
// per-symbol run history. Reads are served from the in-memory copy, which is
// swapped only after a run has fully reached disk.
type Store struct {
	dir          string
	historyDir   string
	latestName   string
	historyLimit int
	logger       zerolog.Logger

	mu     sync.RWMutex
	state  State
	latest *Artifact
}

// NewStore creates the artifact directories and loads the latest artifact if
// a readable one exists. A missing, corrupt, or version-mismatched file
// leaves the store EMPTY.
func NewStore(opts StoreOptions, logger zerolog.Logger) (*Store, error) {
	if opts.Dir == "" {
		opts.Dir = "out"
	}
	if opts.HistoryDir == "" {
		opts.HistoryDir = filepath.Join(opts.Dir, "history")
	}
	if opts.LatestName == "" {
		opts.LatestName = defaultLatestName
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}

	s := &Store{
		dir:          opts.Dir,
		historyDir:   opts.HistoryDir,
		latestName:   opts.LatestName,
		historyLimit: opts.HistoryLimit,
		logger:       logger.With().Str("component", "artifact_store").Logger(),
		state:        StateEmpty,
	}

	if err := os.MkdirAll(s.historyDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directories: %w", err)
	}
	s.loadLatest()
	return s, nil
}

func (s *Store) loadLatest() {
	data, err := os.ReadFile(s.latestPath())
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("latest artifact unreadable, starting empty")
		return
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		s.logger.Warn().Err(err).Msg("latest artifact corrupt, starting empty")
		return
	}
	if err := a.Validate(); err != nil {
		s.logger.Warn().Err(err).Msg("latest artifact rejected, starting empty")
		return
	}

	s.latest = &a
	s.state = StateLoaded
	s.logger.Info().Str("run_id", a.Metadata.RunID).Int("symbols", len(a.Symbols)).Msg("loaded latest artifact")
}

// State reports EMPTY or LOADED.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetLatest writes the artifact and its per-symbol history entries, then
// swaps the in-memory copy. The latest file is written via a temp file and
// rename, so a concurrent reader sees either the previous artifact or this
// one and never a partial file. Any write error leaves the previous artifact
// in place and must fail the run.
func (s *Store) SetLatest(a *Artifact) error {
	if a == nil {
		return fmt.Errorf("nil artifact")
	}
	if err := a.Validate(); err != nil {
		return err
	}
	a.SortSymbols()

	if err := writeJSONAtomic(s.latestPath(), a); err != nil {
		return fmt.Errorf("write latest artifact: %w", err)
	}
	for _, res := range a.Symbols {
		if err := s.writeHistory(a, res); err != nil {
			return fmt.Errorf("write history for %s: %w", res.Symbol, err)
		}
	}

	s.mu.Lock()
	s.latest = a
	s.state = StateLoaded
	s.mu.Unlock()

	s.logger.Info().
		Str("run_id", a.Metadata.RunID).
		Int("symbols", len(a.Symbols)).
		Msg("artifact committed")
	return nil
}

// Latest returns the in-memory artifact. The returned value is shared and
// must be treated as read-only.
func (s *Store) Latest() (*Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateLoaded {
		return nil, false
	}
	return s.latest, true
}

// Symbol returns one symbol's row from the latest artifact.
func (s *Store) Symbol(symbol string) (SymbolResult, bool) {
	a, ok := s.Latest()
	if !ok {
		return SymbolResult{}, false
	}
	return a.Symbol(strings.ToUpper(symbol))
}

// History loads one archived run slice for a symbol. A run that was never
// written, or has been pruned, returns ErrNotFound; nothing is inferred
// from neighbouring runs.
func (s *Store) History(symbol, runID string) (HistoryEntry, error) {
	path := filepath.Join(s.symbolDir(symbol), runID+historySuffix)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return HistoryEntry{}, fmt.Errorf("%s run %s: %w", symbol, runID, ErrNotFound)
	}
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("read history: %w", err)
	}

	var entry HistoryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return HistoryEntry{}, fmt.Errorf("decode history: %w", err)
	}
	if entry.Metadata.ArtifactVersion != Version {
		return HistoryEntry{}, fmt.Errorf("unsupported artifact version %q in history", entry.Metadata.ArtifactVersion)
	}
	return entry, nil
}

// ListHistory returns the retained run IDs for a symbol, oldest first. A
// symbol with no history returns an empty list.
func (s *Store) ListHistory(symbol string) ([]string, error) {
	entries, err := os.ReadDir(s.symbolDir(symbol))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	var runs []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, historySuffix) {
			continue
		}
		runs = append(runs, strings.TrimSuffix(name, historySuffix))
	}
	sort.Strings(runs)
	return runs, nil
}

func (s *Store) writeHistory(a *Artifact, res SymbolResult) error {
	entry := HistoryEntry{Metadata: a.Metadata, Result: res}
	if cands, ok := a.CandidatesBySymbol[res.Symbol]; ok {
		entry.Candidates = cands
	}
	if gates, ok := a.GatesBySymbol[res.Symbol]; ok {
		g := gates
		entry.Gates = &g
	}

	dir := s.symbolDir(res.Symbol)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeJSONAtomic(filepath.Join(dir, a.Metadata.RunID+historySuffix), entry); err != nil {
		return err
	}
	return s.prune(dir, res.Symbol)
}

// prune removes the oldest history files beyond the retention limit. Run IDs
// start with a second-resolution UTC timestamp, so lexical order is
// chronological.
func (s *Store) prune(dir, symbol string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), historySuffix) {
			names = append(names, e.Name())
		}
	}
	if len(names) <= s.historyLimit {
		return nil
	}

	sort.Strings(names)
	for _, name := range names[:len(names)-s.historyLimit] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
		s.logger.Debug().Str("symbol", symbol).Str("run", name).Msg("pruned history entry")
	}
	return nil
}

func (s *Store) latestPath() string {
	return filepath.Join(s.dir, s.latestName)
}

func (s *Store) symbolDir(symbol string) string {
	return filepath.Join(s.historyDir, strings.ToUpper(symbol))
}

// writeJSONAtomic writes via a sibling temp file and rename so the target
// path always holds a complete document.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
