package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"wheel-screener/internal/artifact"
)

// History lists archived run IDs for a symbol, or prints one archived entry
// as JSON when a run ID is given.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	store, err := a.openArtifacts()
	if err != nil {
		return err
	}

	symbol := strings.ToUpper(opts.Symbol)
	if opts.RunID != "" {
		entry, err := store.History(symbol, opts.RunID)
		if errors.Is(err, artifact.ErrNotFound) {
			fmt.Fprintf(os.Stdout, "no run %s for %s\n", opts.RunID, symbol)
			return nil
		}
		if err != nil {
			return err
		}
		return writeJSON(os.Stdout, entry)
	}

	runIDs, err := store.ListHistory(symbol)
	if err != nil {
		return err
	}
	if len(runIDs) == 0 {
		fmt.Fprintf(os.Stdout, "no history for %s\n", symbol)
		return nil
	}
	for _, id := range runIDs {
		fmt.Fprintln(os.Stdout, id)
	}
	return nil
}
