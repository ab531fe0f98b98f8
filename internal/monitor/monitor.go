// Package monitor runs scheduled chain-continuity checks against configured
// streams and raises alerts on state transitions: once when a break first
// appears, once when the stream recovers.
package monitor

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerlock/ledgerlock/internal/alert"
	"github.com/ledgerlock/ledgerlock/internal/ledger"
	"github.com/ledgerlock/ledgerlock/internal/verify"
)

// Config holds monitor tuning.
type Config struct {
	// Interval between full sweeps. Zero defaults to five minutes.
	Interval time.Duration

	// Streams to validate each sweep.
	Streams []string
}

// MetricsRecordFunc is an optional callback invoked per stream check.
type MetricsRecordFunc func(stream string, broken bool)

// Monitor validates stream chains on a schedule.
type Monitor struct {
	store    ledger.Store
	notifier alert.Notifier

	mu     sync.Mutex
	broken map[string]bool

	onMetrics MetricsRecordFunc
	cfg       Config
	logger    *zap.Logger
}

// New creates a Monitor. notifier may be alert.NopNotifier{}.
func New(store ledger.Store, notifier alert.Notifier, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Monitor{
		store:    store,
		notifier: notifier,
		broken:   make(map[string]bool),
		cfg:      cfg,
		logger:   logger,
	}
}

// SetMetricsRecord configures the metrics callback.
func (m *Monitor) SetMetricsRecord(fn MetricsRecordFunc) {
	m.onMetrics = fn
}

// Run sweeps on a ticker until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	// Leave a second of slack before the next tick; short intervals get
	// the full interval so the sweep context is never born expired.
	timeout := m.cfg.Interval - time.Second
	if timeout <= 0 {
		timeout = m.cfg.Interval
	}

	for {
		select {
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, timeout)
			m.CheckAll(sweepCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll validates every configured stream with bounded concurrency.
func (m *Monitor) CheckAll(ctx context.Context) {
	sem := make(chan struct{}, 4)
	var wg sync.WaitGroup

	for _, stream := range m.cfg.Streams {
		wg.Add(1)
		go func(stream string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			m.checkStream(ctx, stream)
		}(stream)
	}
	wg.Wait()
}

func (m *Monitor) checkStream(ctx context.Context, stream string) {
	entries, err := m.store.Entries(ctx, stream)
	if err != nil {
		m.logger.Error("monitor: load entries",
			zap.String("stream", stream), zap.Error(err))
		return
	}
	brk, err := verify.ValidateChainParallel(ctx, entries)
	if err != nil {
		m.logger.Error("monitor: validate chain",
			zap.String("stream", stream), zap.Error(err))
		return
	}

	m.mu.Lock()
	wasBroken := m.broken[stream]
	m.broken[stream] = brk != nil
	m.mu.Unlock()

	if m.onMetrics != nil {
		m.onMetrics(stream, brk != nil)
	}

	switch {
	case brk != nil && !wasBroken:
		m.logger.Warn("monitor: chain break detected",
			zap.String("stream", stream),
			zap.Int64("sequence", brk.Sequence),
			zap.String("kind", string(brk.Kind)),
		)
		m.notifier.Notify(ctx, alert.EventChainBreak, map[string]string{
			"stream":   stream,
			"sequence": strconv.FormatInt(brk.Sequence, 10),
			"kind":     string(brk.Kind),
			"expected": brk.Expected,
			"actual":   brk.Actual,
		})
	case brk == nil && wasBroken:
		m.logger.Info("monitor: stream recovered", zap.String("stream", stream))
		m.notifier.Notify(ctx, alert.EventStreamRecovered, map[string]string{
			"stream": stream,
		})
	case brk != nil:
		// Still broken; already alerted.
		m.logger.Warn("monitor: chain still broken",
			zap.String("stream", stream),
			zap.Int64("sequence", brk.Sequence),
		)
	}
}
