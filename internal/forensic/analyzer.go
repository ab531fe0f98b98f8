// Package forensic scans a stream's full entry sequence for structural
// anomalies beyond simple chain breaks and produces a weighted risk score.
// It is a superset of the continuity check: where the continuity validator
// stops at the first break, the analyzer scans everything once and
// accumulates independent anomaly classes.
package forensic

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerlock/ledgerlock/internal/ledger"
)

// Kind labels one class of structural anomaly.
type Kind string

const (
	// KindChainBreak: a stored hash no longer matches recomputation, or an
	// entry's declared predecessor is not its chronological predecessor.
	KindChainBreak Kind = "chain_break"

	// KindSequenceGap: non-contiguous sequence values within the stream.
	KindSequenceGap Kind = "sequence_gap"

	// KindTimeReversal: an entry timestamped earlier than its predecessor.
	KindTimeReversal Kind = "time_reversal"

	// KindDuplicateTxID: the same transaction id appears on two entries,
	// suggesting a replayed capture.
	KindDuplicateTxID Kind = "duplicate_transaction_id"
)

// Detail levels for the report.
const (
	DetailSummary  = 1 // counts only
	DetailLocation = 2 // plus per-anomaly locations
	DetailContext  = 3 // plus surrounding entries for each anomaly
)

// Anomaly is one detected irregularity.
type Anomaly struct {
	Kind            Kind            `json:"kind"`
	Sequence        int64           `json:"sequence"`
	RelatedSequence int64           `json:"related_sequence,omitempty"`
	Description     string          `json:"description"`
	Context         []*ledger.Entry `json:"context,omitempty"`
}

// Report is the outcome of one analysis run. It is produced only on full
// completion; a cancelled scan yields no partial report.
type Report struct {
	StreamName     string       `json:"stream_name"`
	EntriesScanned int          `json:"entries_scanned"`
	Counts         map[Kind]int `json:"counts"`
	Anomalies      []Anomaly    `json:"anomalies,omitempty"`
	RiskScore      int          `json:"risk_score"`
	Severity       string       `json:"severity"`
	DetailLevel    int          `json:"detail_level"`
	GeneratedAt    time.Time    `json:"generated_at"`
}

// AnomalyCount returns the total number of detected anomalies.
func (r *Report) AnomalyCount() int {
	n := 0
	for _, c := range r.Counts {
		n += c
	}
	return n
}

// Risk weights per anomaly occurrence. The exact values are policy, not a
// correctness property; the invariants that matter are monotonicity (more
// anomalies never lower the score) and the [0,100] bound.
var riskWeights = map[Kind]int{
	KindChainBreak:    40,
	KindDuplicateTxID: 20,
	KindSequenceGap:   15,
	KindTimeReversal:  10,
}

// chainBreakFloor makes any chain break dominate the score regardless of
// how few other anomalies accompany it.
const chainBreakFloor = 75

// severityLabel maps a 0-100 score to a severity string.
func severityLabel(score int) string {
	switch {
	case score >= 85:
		return "critical"
	case score >= 65:
		return "high"
	case score >= 35:
		return "medium"
	case score >= 15:
		return "low"
	default:
		return "none"
	}
}

// scanChunk bounds the work done between cancellation checks.
const scanChunk = 1024

// Analyze scans entries (ordered by sequence) and builds a report at the
// requested detail level. Cancellation is cooperative between chunks.
func Analyze(ctx context.Context, stream string, entries []*ledger.Entry, detail int) (*Report, error) {
	if detail < DetailSummary || detail > DetailContext {
		return nil, fmt.Errorf("detail level %d out of range [%d,%d]", detail, DetailSummary, DetailContext)
	}

	counts := make(map[Kind]int)
	var anomalies []Anomaly
	record := func(a Anomaly, i int) {
		counts[a.Kind]++
		if detail < DetailLocation {
			return
		}
		if detail >= DetailContext {
			a.Context = contextWindow(entries, i)
		}
		anomalies = append(anomalies, a)
	}

	seenTx := make(map[string]int64, len(entries))
	prevHash := ledger.GenesisHash
	var prev *ledger.Entry
	for i, e := range entries {
		if i%scanChunk == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		if e.PrevHash != prevHash {
			record(Anomaly{
				Kind:        KindChainBreak,
				Sequence:    e.Sequence,
				Description: fmt.Sprintf("declared predecessor %s does not match actual predecessor hash %s", e.PrevHash, prevHash),
			}, i)
		}
		if computed := e.ComputeHash(); computed != e.Hash {
			record(Anomaly{
				Kind:        KindChainBreak,
				Sequence:    e.Sequence,
				Description: fmt.Sprintf("stored hash %s does not match recomputed %s", e.Hash, computed),
			}, i)
		}

		if prev != nil {
			if e.Sequence != prev.Sequence+1 {
				record(Anomaly{
					Kind:            KindSequenceGap,
					Sequence:        e.Sequence,
					RelatedSequence: prev.Sequence,
					Description:     fmt.Sprintf("sequence jumps from %d to %d", prev.Sequence, e.Sequence),
				}, i)
			}
			if e.Timestamp.Before(prev.Timestamp) {
				record(Anomaly{
					Kind:            KindTimeReversal,
					Sequence:        e.Sequence,
					RelatedSequence: prev.Sequence,
					Description: fmt.Sprintf("timestamp %s precedes predecessor's %s",
						ledger.CanonicalTime(e.Timestamp), ledger.CanonicalTime(prev.Timestamp)),
				}, i)
			}
		}

		if firstSeq, ok := seenTx[e.TransactionID]; ok {
			record(Anomaly{
				Kind:            KindDuplicateTxID,
				Sequence:        e.Sequence,
				RelatedSequence: firstSeq,
				Description:     fmt.Sprintf("transaction id %s already used at sequence %d", e.TransactionID, firstSeq),
			}, i)
		} else {
			seenTx[e.TransactionID] = e.Sequence
		}

		prevHash = e.Hash
		prev = e
	}

	score := 0
	for kind, n := range counts {
		score += riskWeights[kind] * n
	}
	if counts[KindChainBreak] > 0 && score < chainBreakFloor {
		score = chainBreakFloor
	}
	if score > 100 {
		score = 100
	}

	return &Report{
		StreamName:     stream,
		EntriesScanned: len(entries),
		Counts:         counts,
		Anomalies:      anomalies,
		RiskScore:      score,
		Severity:       severityLabel(score),
		DetailLevel:    detail,
		GeneratedAt:    time.Now().UTC(),
	}, nil
}

// contextWindow returns the entries surrounding index i (one either side).
func contextWindow(entries []*ledger.Entry, i int) []*ledger.Entry {
	start, end := i-1, i+2
	if start < 0 {
		start = 0
	}
	if end > len(entries) {
		end = len(entries)
	}
	return append([]*ledger.Entry(nil), entries[start:end]...)
}

// Analyzer runs store-backed forensic scans.
type Analyzer struct {
	store  ledger.Store
	logger *zap.Logger
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(store ledger.Store, logger *zap.Logger) *Analyzer {
	return &Analyzer{store: store, logger: logger}
}

// Analyze loads the stream's full entry sequence and scans it.
func (a *Analyzer) Analyze(ctx context.Context, stream string, detail int) (*Report, error) {
	if _, err := a.store.Stream(ctx, stream); err != nil {
		return nil, err
	}
	entries, err := a.store.Entries(ctx, stream)
	if err != nil {
		return nil, err
	}
	report, err := Analyze(ctx, stream, entries, detail)
	if err != nil {
		return nil, err
	}
	a.logger.Info("forensic scan finished",
		zap.String("stream", stream),
		zap.Int("entries", report.EntriesScanned),
		zap.Int("anomalies", report.AnomalyCount()),
		zap.Int("risk_score", report.RiskScore),
	)
	return report, nil
}
