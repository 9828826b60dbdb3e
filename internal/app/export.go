package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"wheel-screener/internal/artifact"
)

// Export renders a symbol's archived score history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.Symbol == "" {
		return errors.New("--symbol is required")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, err := a.openArtifacts()
	if err != nil {
		return err
	}

	symbol := strings.ToUpper(opts.Symbol)
	runIDs, err := store.ListHistory(symbol)
	if err != nil {
		return err
	}
	if len(runIDs) == 0 {
		a.Logger.Info().Str("symbol", symbol).Msg("no history entries to export")
		return nil
	}

	entries := make([]artifact.HistoryEntry, 0, len(runIDs))
	for _, id := range runIDs {
		entry, err := store.History(symbol, id)
		if err != nil {
			return fmt.Errorf("read history %s/%s: %w", symbol, id, err)
		}
		entries = append(entries, entry)
	}

	downsampled := downsampleEntries(entries, opts.MaxPoints)
	a.Logger.Info().Str("symbol", symbol).
		Int("total", len(entries)).
		Int("exported", len(downsampled)).
		Msg("exporting score history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeHistoryPNG(opts.PNGPath, symbol, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleEntries(entries []artifact.HistoryEntry, max int) []artifact.HistoryEntry {
	if max <= 0 || len(entries) <= max {
		return entries
	}

	result := make([]artifact.HistoryEntry, 0, max)
	step := float64(len(entries)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(entries) {
			idx = len(entries) - 1
		}
		result = append(result, entries[idx])
	}
	return result
}

func writeHistoryCSV(path string, entries []artifact.HistoryEntry) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"run_id", "evaluated_at", "verdict", "reason", "score", "band", "tier", "stage", "completeness"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, entry := range entries {
		score := ""
		if entry.Result.Score != nil {
			score = fmt.Sprintf("%.2f", *entry.Result.Score)
		}
		record := []string{
			entry.Metadata.RunID,
			entry.Result.EvaluatedAt.UTC().Format(time.RFC3339),
			string(entry.Result.Verdict),
			entry.Result.PrimaryReason,
			score,
			string(entry.Result.Band),
			string(entry.Result.Tier),
			string(entry.Result.StageReached),
			fmt.Sprintf("%.2f", entry.Result.DataCompleteness),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeHistoryPNG(path, symbol string, entries []artifact.HistoryEntry) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var (
		x            []time.Time
		scores       []float64
		completeness []float64
	)
	for _, entry := range entries {
		if entry.Result.Score == nil {
			continue
		}
		x = append(x, entry.Metadata.PipelineTimestamp)
		scores = append(scores, *entry.Result.Score)
		completeness = append(completeness, entry.Result.DataCompleteness*100)
	}
	if len(x) < 2 {
		return errors.New("need at least two scored runs to plot")
	}

	scoreFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	graph := chart.Chart{
		Title:  symbol + " score history",
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Composite score",
			ValueFormatter: scoreFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Completeness (%)",
			ValueFormatter: scoreFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Score",
				XValues: x,
				YValues: scores,
			},
			chart.TimeSeries{
				Name:    "Completeness %",
				XValues: x,
				YValues: completeness,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
