package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ledgerlock/ledgerlock/internal/ledger"
	"github.com/ledgerlock/ledgerlock/internal/replay"
)

func init() {
	rootCmd.AddCommand(timelineCmd)
	rootCmd.AddCommand(reconstructCmd)
	rootCmd.AddCommand(diffCmd)
}

// ── timeline ─────────────────────────────────────────────────────────────────

var (
	timelineFromTx string
	timelineToTx   string
	timelineJSON   bool
)

var timelineCmd = &cobra.Command{
	Use:   "timeline <stream> <record-id>",
	Short: "Show the full change history of a single record",
	Long: `Timeline lists every captured change to one record in order, with the
fields that changed at each step.

  ledgerlock timeline customers 42
  ledgerlock timeline customers 42 --from-tx 6e80b2a7-... --to-tx 9f11c0d3-...`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, closeFn, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		if _, err := store.Stream(ctx, args[0]); err != nil {
			return err
		}
		entries, err := store.EntriesForRecord(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		entries = sliceByTx(entries, timelineFromTx, timelineToTx)
		if len(entries) == 0 {
			return fmt.Errorf("no history for record %q in stream %q", args[1], args[0])
		}

		if timelineJSON {
			printJSON(entries)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIME\tOP\tTX\tCHANGES")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				e.Sequence,
				ledger.CanonicalTime(e.Timestamp),
				e.Operation,
				e.TransactionID,
				strings.Join(describeChanges(e), "; "),
			)
		}
		return w.Flush()
	},
}

func init() {
	timelineCmd.Flags().StringVar(&timelineFromTx, "from-tx", "", "start at this transaction id")
	timelineCmd.Flags().StringVar(&timelineToTx, "to-tx", "", "stop after this transaction id")
	timelineCmd.Flags().BoolVar(&timelineJSON, "json", false, "JSON output")
}

// sliceByTx narrows a record history to the window between two transaction
// ids, inclusive. Empty bounds leave that end open.
func sliceByTx(entries []*ledger.Entry, fromTx, toTx string) []*ledger.Entry {
	start, end := 0, len(entries)
	if fromTx != "" {
		for i, e := range entries {
			if e.TransactionID == fromTx {
				start = i
				break
			}
		}
	}
	if toTx != "" {
		for i := len(entries) - 1; i >= start; i-- {
			if entries[i].TransactionID == toTx {
				end = i + 1
				break
			}
		}
	}
	return entries[start:end]
}

// describeChanges summarizes the field-level difference between an entry's
// before and after images.
func describeChanges(e *ledger.Entry) []string {
	switch e.Operation {
	case ledger.OpInsert:
		return []string{fmt.Sprintf("created with %d field(s)", len(e.After))}
	case ledger.OpDelete:
		return []string{"record deleted"}
	}

	fields := map[string]struct{}{}
	for f := range e.Before {
		fields[f] = struct{}{}
	}
	for f := range e.After {
		fields[f] = struct{}{}
	}
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)

	var changes []string
	for _, f := range names {
		oldV, hadOld := e.Before[f]
		newV, hasNew := e.After[f]
		switch {
		case !hadOld:
			changes = append(changes, fmt.Sprintf("%s: (added) %v", f, newV))
		case !hasNew:
			changes = append(changes, fmt.Sprintf("%s: %v (removed)", f, oldV))
		case fmt.Sprint(oldV) != fmt.Sprint(newV):
			changes = append(changes, fmt.Sprintf("%s: %v -> %v", f, oldV, newV))
		}
	}
	if len(changes) == 0 {
		return []string{"no field changes"}
	}
	return changes
}

// ── reconstruct ──────────────────────────────────────────────────────────────

var (
	reconstructFilters []string
	reconstructCSV     string
	reconstructJSON    bool
)

var reconstructCmd = &cobra.Command{
	Use:   "reconstruct <stream>",
	Short: "Rebuild the table state implied by the audit history",
	Long: `Reconstruct replays every entry and prints the resulting state. This is
what the tracked table should contain if every change went through the
capture path.

  ledgerlock reconstruct customers --filter status:active --out-csv state.csv`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, closeFn, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		if _, err := store.Stream(ctx, args[0]); err != nil {
			return err
		}
		entries, err := store.Entries(ctx, args[0])
		if err != nil {
			return err
		}

		res := replay.Replay(entries)
		printWarnings(res.Warnings)

		state := res.State
		if len(reconstructFilters) > 0 {
			predicates, err := replay.ParseFilters(reconstructFilters)
			if err != nil {
				return err
			}
			state = state.Filter(predicates)
		}

		switch {
		case reconstructCSV != "":
			if err := writeStateCSV(reconstructCSV, state); err != nil {
				return err
			}
			fmt.Printf("%d record(s) written to %s\n", len(state), reconstructCSV)
		case reconstructJSON:
			printJSON(state)
		default:
			printStateTable(state)
		}
		return nil
	},
}

func init() {
	reconstructCmd.Flags().StringArrayVar(&reconstructFilters, "filter", nil, "field:value predicate (repeatable)")
	reconstructCmd.Flags().StringVar(&reconstructCSV, "out-csv", "", "write the state as CSV to this file")
	reconstructCmd.Flags().BoolVar(&reconstructJSON, "json", false, "JSON output")
}

// ── diff ─────────────────────────────────────────────────────────────────────

var (
	diffFrom string
	diffTo   string
	diffJSON bool
)

var diffCmd = &cobra.Command{
	Use:   "diff <stream>",
	Short: "Compare a stream's state between two points in time",
	Long: `Diff replays the history up to each timestamp and reports which records
were added, removed, or modified between the two states. --to defaults to
now. Timestamps accept RFC 3339, "2006-01-02 15:04:05", or a bare date.

  ledgerlock diff customers --from "2026-03-01 00:00:00" --to "2026-04-01 00:00:00"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		fromTS, err := parseWhen(diffFrom)
		if err != nil {
			return fmt.Errorf("parse --from: %w", err)
		}
		toTS := time.Now().UTC()
		if diffTo != "" {
			if toTS, err = parseWhen(diffTo); err != nil {
				return fmt.Errorf("parse --to: %w", err)
			}
		}
		if !toTS.After(fromTS) {
			return fmt.Errorf("--to must be later than --from")
		}

		store, closeFn, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		if _, err := store.Stream(ctx, args[0]); err != nil {
			return err
		}
		entries, err := store.Entries(ctx, args[0])
		if err != nil {
			return err
		}

		before := replay.Replay(replay.Until(entries, fromTS))
		after := replay.Replay(replay.Until(entries, toTS))
		printWarnings(after.Warnings)

		changes := replay.Diff(before.State, after.State)
		if diffJSON {
			printJSON(changes)
			return nil
		}
		if len(changes) == 0 {
			fmt.Println("no changes")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RECORD\tCHANGE\tFIELDS")
		for _, c := range changes {
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.RecordID, c.Kind, strings.Join(c.Fields, ", "))
		}
		_ = w.Flush()
		fmt.Printf("%d record(s) changed\n", len(changes))
		return nil
	},
}

func init() {
	diffCmd.Flags().StringVar(&diffFrom, "from", "", "older timestamp (required)")
	diffCmd.Flags().StringVar(&diffTo, "to", "", "newer timestamp; defaults to now")
	diffCmd.Flags().BoolVar(&diffJSON, "json", false, "JSON output")
	diffCmd.MarkFlagRequired("from") //nolint:errcheck
}

// parseWhen accepts the timestamp layouts operators actually type.
func parseWhen(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// stateColumns returns the union of field names across all records, sorted.
func stateColumns(state replay.State) []string {
	cols := map[string]struct{}{}
	for _, img := range state {
		for f := range img {
			cols[f] = struct{}{}
		}
	}
	names := make([]string, 0, len(cols))
	for f := range cols {
		names = append(names, f)
	}
	sort.Strings(names)
	return names
}

func printStateTable(state replay.State) {
	cols := stateColumns(state)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RECORD\t"+strings.ToUpper(strings.Join(cols, "\t")))
	for _, id := range state.RecordIDs() {
		row := make([]string, 0, len(cols)+1)
		row = append(row, id)
		for _, c := range cols {
			if v, ok := state[id][c]; ok {
				row = append(row, fmt.Sprint(v))
			} else {
				row = append(row, "")
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
	fmt.Printf("%d record(s)\n", len(state))
}

func writeStateCSV(path string, state replay.State) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	cols := stateColumns(state)
	if err := w.Write(append([]string{"record_id"}, cols...)); err != nil {
		return err
	}
	for _, id := range state.RecordIDs() {
		row := make([]string, 0, len(cols)+1)
		row = append(row, id)
		for _, c := range cols {
			if v, ok := state[id][c]; ok {
				row = append(row, fmt.Sprint(v))
			} else {
				row = append(row, "")
			}
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
