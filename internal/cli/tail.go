package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tripwire/watchtower/internal/audit"
)

const defaultTailLimit = 20

func (a *app) newTailCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:       "tail observations|matches",
		Short:     "Show the newest audit entries",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(audit.KindObservations), string(audit.KindMatches)},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTail(cmd, audit.Kind(args[0]), limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", defaultTailLimit, "number of entries to show")
	return cmd
}

func (a *app) runTail(cmd *cobra.Command, kind audit.Kind, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("--limit must be positive, got %d", limit)
	}
	_, store, err := a.openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	switch kind {
	case audit.KindObservations:
		entries, err := store.TailObservations(limit)
		if err != nil {
			return err
		}
		if a.jsonOutput {
			if entries == nil {
				entries = []audit.ObservationEntry{}
			}
			return outputJSON(out, entries)
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%s  %-9s  %s\n", formatMillis(e.Timestamp), e.Event, e.Path)
		}
	case audit.KindMatches:
		matches, err := store.TailMatches(limit)
		if err != nil {
			return err
		}
		if a.jsonOutput {
			if matches == nil {
				return outputJSON(out, []any{})
			}
			return outputJSON(out, matches)
		}
		for _, m := range matches {
			fmt.Fprintf(out, "%s  %-20s  %-9s  %s  (%.2f)\n",
				formatMillis(m.Timestamp), m.RuleName, m.Observation.Event, m.Observation.Path, m.Confidence)
		}
	default:
		return fmt.Errorf("unknown journal %q", kind)
	}
	return nil
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
