package library

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	notices []OverdueNotice
}

func (s *recordingSink) Notify(_ context.Context, n OverdueNotice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, n)
	return nil
}

func (s *recordingSink) all() []OverdueNotice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OverdueNotice(nil), s.notices...)
}

func TestSweepNotifiesOnlyOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := addItem(t, f.db, "a", 1)
	b := addItem(t, f.db, "b", 1)
	borrower := addBorrower(t, f.db, "r", 5, 30)

	late, err := f.engine.Borrow(ctx, a, borrower, 3)
	require.NoError(t, err)
	_, err = f.engine.Borrow(ctx, b, borrower, 30)
	require.NoError(t, err)
	f.clock.advanceDays(7)

	sweeper := NewSweeper(f.db, WithSweepMetrics(f.metrics))
	sink := &recordingSink{}
	sweeper.Subscribe(sink)

	res := sweeper.ScanOnce(ctx)
	require.NoError(t, res.Err)
	assert.NotEmpty(t, res.ScanID)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 1, res.Notified)
	assert.Zero(t, res.Failed)

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, late.ID, got[0].LoanID)
	assert.Equal(t, a, got[0].ItemID)
	assert.Equal(t, borrower, got[0].BorrowerID)
	assert.Equal(t, 4, got[0].DaysOverdue)
	assert.Equal(t, res.ScanID, got[0].ScanID)
	assert.Equal(t, SweepIdle, sweeper.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.notices.WithLabelValues("delivered")))
}

func TestSweepIsReadOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := addItem(t, f.db, "a", 1)
	borrower := addBorrower(t, f.db, "r", 5, 30)
	loan, err := f.engine.Borrow(ctx, item, borrower, 1)
	require.NoError(t, err)
	f.clock.advanceDays(3)

	sweeper := NewSweeper(f.db)
	sweeper.Subscribe(&recordingSink{})
	first := sweeper.ScanOnce(ctx)
	second := sweeper.ScanOnce(ctx)
	assert.Equal(t, first.Matched, second.Matched)
	assert.NotEqual(t, first.ScanID, second.ScanID)

	got, err := f.db.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, LoanOpen, got.Status)
	assert.True(t, got.OverdueFee.IsZero(), "fees are assessed at return only")
	assert.Len(t, f.activity(t), 1)
}

func TestSweepSinkFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	borrower := addBorrower(t, f.db, "r", 5, 30)
	for _, isbn := range []string{"a", "b", "c"} {
		_, err := f.engine.Borrow(ctx, addItem(t, f.db, isbn, 1), borrower, 1)
		require.NoError(t, err)
	}
	f.clock.advanceDays(2)

	sweeper := NewSweeper(f.db, WithSweepMetrics(f.metrics))
	calls := 0
	sweeper.Subscribe(SinkFunc(func(context.Context, OverdueNotice) error {
		calls++
		if calls == 1 {
			return errors.New("sink down")
		}
		if calls == 2 {
			panic("bad sink")
		}
		return nil
	}))
	good := &recordingSink{}
	sweeper.Subscribe(good)

	res := sweeper.ScanOnce(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Matched)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 4, res.Notified)
	assert.Len(t, good.all(), 3)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.notices.WithLabelValues("failed")))
}

func TestSweepRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	item := addItem(t, f.db, "a", 1)
	borrower := addBorrower(t, f.db, "r", 5, 30)
	_, err := f.engine.Borrow(ctx, item, borrower, 1)
	require.NoError(t, err)
	f.clock.advanceDays(2)

	notified := make(chan OverdueNotice, 16)
	sweeper := NewSweeper(f.db, WithSweepInterval(10*time.Millisecond))
	sweeper.Subscribe(SinkFunc(func(_ context.Context, n OverdueNotice) error {
		select {
		case notified <- n:
		default:
		}
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	// One notice at start, then at least one more from the ticker.
	for i := 0; i < 2; i++ {
		select {
		case <-notified:
		case <-time.After(5 * time.Second):
			t.Fatal("sweeper did not scan")
		}
	}
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestJSONSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONSink(&buf)
	n := OverdueNotice{ScanID: "s1", LoanID: 7, ItemID: 3, BorrowerID: 9,
		DueOn: NewDate(2024, time.May, 1), DaysOverdue: 2}
	require.NoError(t, sink.Notify(context.Background(), n))
	require.NoError(t, sink.Notify(context.Background(), n))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t,
		`{"scan_id":"s1","loan_id":7,"item_id":3,"borrower_id":9,"due_on":"2024-05-01","days_overdue":2}`,
		lines[0])
}

type fakeWriter struct {
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, topic: "library.overdue"}

	err := sink.Notify(context.Background(), OverdueNotice{ScanID: "s", LoanID: 42, DaysOverdue: 1})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "42", string(w.msgs[0].Key))
	assert.Contains(t, string(w.msgs[0].Value), `"loan_id":42`)
	require.NotEmpty(t, w.msgs[0].Headers)
	assert.Equal(t, "event_type", w.msgs[0].Headers[0].Key)
	assert.Equal(t, "loan.overdue", string(w.msgs[0].Headers[0].Value))

	w.err = errors.New("broker gone")
	err = sink.Notify(context.Background(), OverdueNotice{LoanID: 43})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "library.overdue")

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestLogSinkNeverFails(t *testing.T) {
	require.NoError(t, LogSink{}.Notify(context.Background(), OverdueNotice{LoanID: 1}))
}
