package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ledgerlock/ledgerlock/internal/forensic"
	"github.com/ledgerlock/ledgerlock/internal/ledger"
	"github.com/ledgerlock/ledgerlock/internal/snapshot"
)

var (
	forensicDetail int
	forensicJSON   bool
	forensicOut    string
)

var forensicCmd = &cobra.Command{
	Use:   "forensic <stream>",
	Short: "Scan the ledger for tampering patterns",
	Long: `Forensic scans the full entry sequence for chain breaks, sequence gaps,
timestamp reversals, and duplicated transaction ids, and scores the overall
tampering risk.

Detail levels: 1 counts and score only; 2 adds anomaly locations; 3 adds the
surrounding entries for each anomaly.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, closeFn, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		analyzer := forensic.NewAnalyzer(store, cliLogger())
		report, err := analyzer.Analyze(ctx, args[0], forensicDetail)
		if err != nil {
			return err
		}

		if forensicOut != "" {
			if err := snapshot.WriteFile(forensicOut, report); err != nil {
				return err
			}
			fmt.Printf("report written to %s\n", forensicOut)
		}

		if forensicJSON {
			printJSON(report)
		} else {
			printReport(report)
		}

		if report.AnomalyCount() > 0 {
			return errIntegrity
		}
		return nil
	},
}

func init() {
	forensicCmd.Flags().IntVar(&forensicDetail, "detail", forensic.DetailSummary, "detail level 1-3")
	forensicCmd.Flags().BoolVar(&forensicJSON, "json", false, "JSON output")
	forensicCmd.Flags().StringVar(&forensicOut, "out", "", "also write the report as JSON to this file")
	rootCmd.AddCommand(forensicCmd)
}

func printReport(r *forensic.Report) {
	fmt.Printf("stream:  %s (%d entries scanned)\n", r.StreamName, r.EntriesScanned)
	fmt.Printf("risk:    %d/100 (%s)\n", r.RiskScore, strings.ToUpper(r.Severity))
	for _, kind := range []forensic.Kind{
		forensic.KindChainBreak,
		forensic.KindSequenceGap,
		forensic.KindTimeReversal,
		forensic.KindDuplicateTxID,
	} {
		if n := r.Counts[kind]; n > 0 {
			fmt.Printf("  %-26s %d\n", kind, n)
		}
	}

	if len(r.Anomalies) == 0 {
		if r.AnomalyCount() == 0 {
			fmt.Println("no anomalies detected")
		}
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tKIND\tDESCRIPTION")
	for _, a := range r.Anomalies {
		fmt.Fprintf(w, "%d\t%s\t%s\n", a.Sequence, a.Kind, a.Description)
	}
	_ = w.Flush()

	if r.DetailLevel >= forensic.DetailContext {
		for _, a := range r.Anomalies {
			if len(a.Context) == 0 {
				continue
			}
			fmt.Printf("\ncontext around sequence %d:\n", a.Sequence)
			for _, e := range a.Context {
				printContextEntry(e)
			}
		}
	}
}

func printContextEntry(e *ledger.Entry) {
	fmt.Printf("  seq %d  %s  %s  record %s  tx %s\n",
		e.Sequence, ledger.CanonicalTime(e.Timestamp), e.Operation, e.RecordID, e.TransactionID)
}
