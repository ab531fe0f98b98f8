package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ledgerlock/ledgerlock/internal/ledger"
	"github.com/ledgerlock/ledgerlock/internal/replay"
	"github.com/ledgerlock/ledgerlock/internal/snapshot"
	"github.com/ledgerlock/ledgerlock/internal/verify"
)

func init() {
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(verifyChainCmd)
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyLive          bool
	verifyComprehensive bool
	verifyForce         bool
	verifyJSON          bool
	verifyFilters       []string
	verifyExport        string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <stream>",
	Short: "Verify a stream against its signed checkpoint",
	Long: `Verify replays the audit history and compares the resulting Merkle root
against the latest signed checkpoint (stored-root mode, the default).

  --live            compare replayed state against the live table instead
  --comprehensive   run both checks
  --filter k:v      verify a single record and emit its inclusion proof
  --force           re-anchor trust at the current state after a mismatch
  --export FILE     write the row proof as a portable artifact (requires --filter)

Exit code 1 means the check failed; the mismatch details are printed either
way.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyLive, "live", false, "live-state verification")
	verifyCmd.Flags().BoolVar(&verifyComprehensive, "comprehensive", false, "stored-root and live-state verification")
	verifyCmd.Flags().BoolVar(&verifyForce, "force", false, "re-anchor trust after a mismatch")
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "JSON output")
	verifyCmd.Flags().StringArrayVar(&verifyFilters, "filter", nil, "field:value predicate selecting a single record (repeatable)")
	verifyCmd.Flags().StringVar(&verifyExport, "export", "", "write the inclusion proof artifact to this file")
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	stream := args[0]

	if verifyLive && verifyComprehensive {
		return fmt.Errorf("--live and --comprehensive are mutually exclusive")
	}
	if verifyExport != "" && len(verifyFilters) == 0 {
		return fmt.Errorf("--export requires --filter")
	}

	verifier, _, closeFn, err := newVerifier(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	if len(verifyFilters) > 0 {
		return runVerifyRow(ctx, verifier, stream)
	}

	var (
		match bool
		body  any
	)
	switch {
	case verifyComprehensive:
		res, err := verifier.Comprehensive(ctx, stream)
		if err != nil {
			return err
		}
		match, body = res.Match(), res
		if !verifyJSON {
			printStored(res.Stored)
			printLive(res.Live)
		}
	case verifyLive:
		res, err := verifier.LiveState(ctx, stream)
		if err != nil {
			return err
		}
		match, body = res.Match, res
		if !verifyJSON {
			printLive(res)
		}
	default:
		res, err := verifier.StoredRoot(ctx, stream)
		if err != nil {
			if errors.Is(err, ledger.ErrNoCheckpoint) {
				if verifyForce {
					break
				}
				return fmt.Errorf("stream %q has no checkpoint; run bootstrap or verify --force first", stream)
			}
			return err
		}
		match, body = res.Match, res
		if !verifyJSON {
			printStored(res)
		}
	}

	if verifyJSON && body != nil {
		printJSON(body)
	}

	if !match {
		if verifyForce {
			signer, err := loadSigner()
			if err != nil {
				return err
			}
			cp, err := verifier.Reanchor(ctx, stream, signer)
			if err != nil {
				return err
			}
			fmt.Printf("trust re-anchored at root %s\n", cp.RootHash)
			return nil
		}
		return errIntegrity
	}
	return nil
}

func runVerifyRow(ctx context.Context, verifier *verify.Verifier, stream string) error {
	predicates, err := replay.ParseFilters(verifyFilters)
	if err != nil {
		return err
	}
	res, err := verifier.Row(ctx, stream, predicates)
	if err != nil {
		return err
	}

	if verifyJSON {
		printJSON(res)
	} else {
		fmt.Printf("record:    %s\n", res.RecordID)
		fmt.Printf("leaf hash: %s\n", res.Proof.LeafHash)
		fmt.Printf("root:      %s\n", res.Proof.RootHash)
		fmt.Printf("proof:     %d sibling(s)\n", len(res.Proof.Path))
		printVerdict(res.Match)
	}

	if verifyExport != "" {
		if err := snapshot.WriteFile(verifyExport, snapshot.ExportProof(res)); err != nil {
			return err
		}
		fmt.Printf("proof written to %s\n", verifyExport)
	}

	if !res.Match {
		return errIntegrity
	}
	return nil
}

// ── verify-chain ─────────────────────────────────────────────────────────────

var verifyChainJSON bool

var verifyChainCmd = &cobra.Command{
	Use:   "verify-chain <stream>",
	Short: "Recompute every entry hash and check predecessor linkage",
	Args:  cobra.ExactArgs(1),
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
		brk, err := verify.ValidateChainParallel(ctx, entries)
		if err != nil {
			return err
		}

		if verifyChainJSON {
			printJSON(map[string]any{"valid": brk == nil, "entries": len(entries), "break": brk})
		} else if brk != nil {
			fmt.Println(brk)
		} else {
			fmt.Printf("chain intact: %d entries\n", len(entries))
		}
		if brk != nil {
			return errIntegrity
		}
		return nil
	},
}

func init() {
	verifyChainCmd.Flags().BoolVar(&verifyChainJSON, "json", false, "JSON output")
}

// ── output helpers ───────────────────────────────────────────────────────────

func printStored(res *verify.StoredRootResult) {
	fmt.Printf("stored root:   %s (signed %s by %s)\n", res.StoredRoot,
		res.CheckpointAt.Format("2006-01-02 15:04:05"), res.SignerID)
	fmt.Printf("computed root: %s\n", res.ComputedRoot)
	fmt.Printf("entries replayed: %d, records: %d\n", res.EntriesReplayed, res.RecordCount)
	printWarnings(res.Warnings)
	printVerdict(res.Match)
}

func printLive(res *verify.LiveStateResult) {
	fmt.Printf("replayed root: %s\n", res.ReplayedRoot)
	fmt.Printf("live root:     %s\n", res.LiveRoot)
	for _, d := range res.Divergences {
		fmt.Printf("  %-16s %s: %s\n", d.Kind, d.RecordID, d.Detail)
	}
	printWarnings(res.Warnings)
	printVerdict(res.Match)
}

func printWarnings(warnings []replay.Warning) {
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "warning: seq %d record %s: %s\n", w.Sequence, w.RecordID, w.Message)
	}
}

func printVerdict(match bool) {
	if match {
		fmt.Println("VERIFIED")
	} else {
		fmt.Println("MISMATCH")
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
