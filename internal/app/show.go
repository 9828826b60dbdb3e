package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"wheel-screener/internal/artifact"
)

// Show prints the latest decision artifact, as a table or as JSON.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, err := a.openArtifacts()
	if err != nil {
		return err
	}

	latest, ok := store.Latest()
	if !ok {
		fmt.Fprintln(os.Stdout, "no evaluation run committed yet")
		return nil
	}

	if opts.Symbol != "" {
		return a.showSymbol(latest, strings.ToUpper(opts.Symbol))
	}

	if opts.JSONOut {
		return writeJSON(os.Stdout, latest)
	}

	renderArtifactTable(os.Stdout, latest)
	return nil
}

func renderArtifactTable(w io.Writer, art *artifact.Artifact) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Run %s (%s UTC)\n", art.Metadata.RunID, art.Metadata.PipelineTimestamp.UTC().Format(time.RFC3339))
	fmt.Fprintln(writer, "Symbol\tVerdict\tReason\tScore\tBand\tTier\tStage\tComplete")

	for _, sym := range art.Symbols {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%.0f%%\n",
			sym.Symbol,
			sym.Verdict,
			sanitizeInline(sym.PrimaryReason),
			formatScore(sym.Score),
			orDash(string(sym.Band)),
			orDash(string(sym.Tier)),
			sym.StageReached,
			sym.DataCompleteness*100,
		)
	}
	writer.Flush()

	if art.Metadata.Budget.Exhausted {
		fmt.Fprintf(w, "budget exhausted: %s\n", art.Metadata.Budget.ExhaustedReason)
	}
}

// showSymbol renders one symbol's full detail; detail always comes out as
// JSON because gates and candidates do not tabulate well.
func (a *App) showSymbol(latest *artifact.Artifact, symbol string) error {
	result, ok := latest.Symbol(symbol)
	if !ok {
		return fmt.Errorf("symbol %s not present in latest run %s", symbol, latest.Metadata.RunID)
	}

	detail := struct {
		RunID      string                `json:"run_id"`
		Result     artifact.SymbolResult `json:"result"`
		Candidates []artifact.Candidate  `json:"candidates,omitempty"`
		Gates      *artifact.GateReport  `json:"gates,omitempty"`
	}{
		RunID:  latest.Metadata.RunID,
		Result: result,
	}
	if cands, ok := latest.CandidatesBySymbol[symbol]; ok {
		detail.Candidates = cands
	}
	if gates, ok := latest.GatesBySymbol[symbol]; ok {
		detail.Gates = &gates
	}

	return writeJSON(os.Stdout, detail)
}

// Runs prints recent ledger runs.
func (a *App) Runs(ctx context.Context, opts RunsOptions) error {
	ledger, closeLedger, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	if ledger == nil {
		return errors.New("database not configured; cannot list runs")
	}
	if closeLedger != nil {
		defer closeLedger()
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	runs, err := ledger.ListRecentRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(os.Stdout, "no runs recorded")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Started (UTC)\tRun ID\tUniverse\tEligible\tHold\tBlocked\tUnknown\tBest\tRequests\tWall")

	for _, run := range runs {
		best := "-"
		if run.BestSymbol != nil && run.BestScore != nil {
			best = fmt.Sprintf("%s (%s)", *run.BestSymbol, run.BestScore.StringFixed(1))
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%d\t%s\n",
			run.StartedAt.UTC().Format(time.RFC3339),
			run.RunID,
			run.UniverseSize,
			run.Eligible,
			run.Hold,
			run.Blocked,
			run.Unknown,
			best,
			run.RequestsUsed,
			(time.Duration(run.WallTimeMS) * time.Millisecond).String(),
		)
	}

	writer.Flush()
	return nil
}

func writeJSON(w *os.File, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatScore(score *float64) string {
	if score == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *score)
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
