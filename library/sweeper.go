package library

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultSweepInterval is how often Run rescans after the initial pass.
const DefaultSweepInterval = time.Hour

// SweepState is Idle between scans and Scanning during one.
type SweepState int32

const (
	SweepIdle SweepState = iota
	SweepScanning
)

func (s SweepState) String() string {
	if s == SweepScanning {
		return "scanning"
	}
	return "idle"
}

// SweepResult summarises one scan.
type SweepResult struct {
	ScanID   string `json:"scan_id"`
	Matched  int    `json:"matched"`
	Notified int    `json:"notified"`
	Failed   int    `json:"failed"`
	// Err is set when the ledger query failed part way; notices already sent stand.
	Err error `json:"-"`
}

// Sweeper periodically reports overdue open loans to its sinks. It only reads
// the ledger and never assesses fees.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	metrics  *Metrics

	state atomic.Int32
	scan  sync.Mutex

	mu    sync.RWMutex
	sinks []Sink
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithSweepLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSweepMetrics(m *Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

func NewSweeper(store Store, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{store: store, interval: DefaultSweepInterval, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe adds a sink. Sinks added during a scan take effect on the next one.
func (s *Sweeper) Subscribe(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

func (s *Sweeper) State() SweepState { return SweepState(s.state.Load()) }

// Run scans once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.ScanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.ScanOnce(ctx)
		}
	}
}

// ScanOnce notifies every sink of each open loan due before today. Concurrent
// calls are serialised. Sink failures are logged and counted but do not stop
// the scan.
func (s *Sweeper) ScanOnce(ctx context.Context) SweepResult {
	s.scan.Lock()
	defer s.scan.Unlock()
	s.state.Store(int32(SweepScanning))
	defer s.state.Store(int32(SweepIdle))

	start := time.Now()
	res := SweepResult{ScanID: uuid.NewString()}
	today := s.store.Today()

	s.mu.RLock()
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.RUnlock()

	seen := make(map[int64]struct{})
	for loan, err := range s.store.OpenLoansDueBefore(ctx, today) {
		if err != nil {
			res.Err = err
			s.logger.ErrorContext(ctx, "overdue scan aborted",
				slog.String("scan_id", res.ScanID), slog.Any("error", err))
			break
		}
		if _, dup := seen[loan.ID]; dup {
			continue
		}
		seen[loan.ID] = struct{}{}
		res.Matched++

		notice := OverdueNotice{
			ScanID:      res.ScanID,
			LoanID:      loan.ID,
			ItemID:      loan.ItemID,
			BorrowerID:  loan.BorrowerID,
			DueOn:       loan.DueOn,
			DaysOverdue: loan.OverdueDays(today),
		}
		for _, sink := range sinks {
			if err := s.deliver(ctx, sink, notice); err != nil {
				res.Failed++
				s.metrics.notice(false)
				s.logger.WarnContext(ctx, "overdue notice failed",
					slog.String("scan_id", res.ScanID),
					slog.Int64("loan_id", loan.ID),
					slog.Any("error", err))
				continue
			}
			res.Notified++
			s.metrics.notice(true)
		}
	}

	s.metrics.sweepTook(time.Since(start))
	s.logger.InfoContext(ctx, "overdue scan finished",
		slog.String("scan_id", res.ScanID),
		slog.Int("matched", res.Matched),
		slog.Int("notified", res.Notified),
		slog.Int("failed", res.Failed))
	return res
}

// deliver turns a panicking sink into an error so one bad sink cannot end the scan.
func (s *Sweeper) deliver(ctx context.Context, sink Sink, n OverdueNotice) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return sink.Notify(ctx, n)
}
