package library

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db      *Database
	clock   *testClock
	engine  *Engine
	metrics *Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := newTestClock(2024, time.January, 1)
	db := tempDB(t, WithClock(clk.Now))
	m := NewMetrics()
	return &fixture{db: db, clock: clk, engine: NewEngine(db, WithMetrics(m)), metrics: m}
}

func (f *fixture) available(t *testing.T, itemID int64) int {
	t.Helper()
	it, err := f.db.GetItem(context.Background(), itemID)
	require.NoError(t, err)
	return it.AvailableCopies
}

func (f *fixture) activity(t *testing.T) []ActivityEntry {
	t.Helper()
	entries, err := f.db.ListActivity(context.Background(), 0)
	require.NoError(t, err)
	return entries
}

func TestBorrowCreatesLoan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := addItem(t, f.db, "a", 2)
	borrower := addBorrower(t, f.db, "r1", 5, 30)

	loan, err := f.engine.Borrow(ctx, item, borrower, 14)
	require.NoError(t, err)

	assert.Equal(t, item, loan.ItemID)
	assert.Equal(t, borrower, loan.BorrowerID)
	assert.Equal(t, LoanOpen, loan.Status)
	assert.Equal(t, 0, loan.RenewCount)
	assert.Equal(t, "2024-01-01", loan.BorrowedOn.String())
	assert.Equal(t, "2024-01-15", loan.DueOn.String())
	assert.False(t, loan.ReturnedOn.Valid)
	assert.Equal(t, "Title a", loan.ItemTitle)
	assert.Equal(t, "Reader r1", loan.BorrowerName)
	assert.Equal(t, 1, f.available(t, item))

	entries := f.activity(t)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionIssued, entries[0].Action)
	assert.Equal(t, item, entries[0].ItemID)
	assert.Equal(t, borrower, entries[0].BorrowerID)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.issued))
}

func TestBorrowClampsToMaxLoanDays(t *testing.T) {
	f := newFixture(t)
	item := addItem(t, f.db, "a", 1)
	borrower := addBorrower(t, f.db, "r1", 5, 10)

	loan, err := f.engine.Borrow(context.Background(), item, borrower, 60)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-11", loan.DueOn.String())
}

func TestBorrowPreconditionOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := addItem(t, f.db, "a", 1)
	empty := addItem(t, f.db, "e", 1)
	other := addItem(t, f.db, "o", 1)
	normal := addBorrower(t, f.db, "n", 1, 30)
	suspended := addBorrower(t, f.db, "s", 5, 30)
	require.NoError(t, f.db.SetStanding(ctx, suspended, StandingSuspended))

	_, err := f.engine.Borrow(ctx, empty, normal, 7)
	require.NoError(t, err)

	tests := []struct {
		name     string
		item     int64
		borrower int64
		days     int
		want     error
		kind     Kind
	}{
		{"missing item beats missing borrower", 999, 999, 7, ErrItemNotFound, KindNotFound},
		{"no copy beats missing borrower", empty, 999, 7, ErrNoCopyAvailable, KindStateConflict},
		{"missing borrower", item, 999, 7, ErrBorrowerNotFound, KindNotFound},
		{"standing beats period", item, suspended, 0, ErrBorrowerNotEligible, KindStateConflict},
		{"limit beats period", other, normal, 0, ErrBorrowLimitExceeded, KindStateConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Borrow(ctx, tt.item, tt.borrower, tt.days)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.False(t, IsRetryable(err))
		})
	}

	assert.Equal(t, 1, f.available(t, item), "rejections never touch the counters")
	assert.Len(t, f.activity(t), 1)
}

func TestBorrowInvalidPeriod(t *testing.T) {
	f := newFixture(t)
	item := addItem(t, f.db, "a", 1)
	borrower := addBorrower(t, f.db, "r", 5, 30)

	for _, days := range []int{0, -3} {
		_, err := f.engine.Borrow(context.Background(), item, borrower, days)
		require.ErrorIs(t, err, ErrInvalidLoanPeriod)
		assert.Equal(t, KindStateConflict, KindOf(err))
	}
	assert.Equal(t, 1, f.available(t, item))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.rejections.WithLabelValues("borrow", "state_conflict")))
}

func TestBorrowDuplicatePair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := addItem(t, f.db, "a", 3)
	borrower := addBorrower(t, f.db, "r", 5, 30)

	_, err := f.engine.Borrow(ctx, item, borrower, 7)
	require.NoError(t, err)
	_, err = f.engine.Borrow(ctx, item, borrower, 7)
	require.ErrorIs(t, err, ErrDuplicateLoan)
	assert.Equal(t, 2, f.available(t, item))
}

func TestScenarioLastCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := addItem(t, f.db, "a", 1)
	x := addBorrower(t, f.db, "x", 5, 30)
	y := addBorrower(t, f.db, "y", 5, 30)

	_, err := f.engine.Borrow(ctx, item, x, 30)
	require.NoError(t, err)
	assert.Equal(t, 0, f.available(t, item))

	it, err := f.db.GetItem(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, ItemOnLoan, it.Status())

	_, err = f.engine.Borrow(ctx, item, y, 30)
	require.ErrorIs(t, err, ErrNoCopyAvailable)
}

func TestScenarioBorrowLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := addItem(t, f.db, "a", 1)
	b := addItem(t, f.db, "b", 1)
	borrower := addBorrower(t, f.db, "r", 1, 30)

	_, err := f.engine.Borrow(ctx, a, borrower, 30)
	require.NoError(t, err)
	_, err = f.engine.Borrow(ctx, b, borrower, 30)
	require.ErrorIs(t, err, ErrBorrowLimitExceeded)
	assert.Equal(t, 1, f.available(t, b))
}

func TestScenarioOverdueReturn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := addItem(t, f.db, "a", 1)
	borrower := addBorrower(t, f.db, "r", 5, 30)

	loan, err := f.engine.Borrow(ctx, item, borrower, 20)
	require.NoError(t, err)
	f.clock.advanceDays(30) // due 10 days ago

	receipt, err := f.engine.Return(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, receipt.OverdueDays)
	assert.True(t, receipt.OverdueFee.Equal(decimal.RequireFromString("5.0")), "fee %s", receipt.OverdueFee)
	assert.Equal(t, LoanClosed, receipt.Loan.Status)
	assert.Equal(t, "2024-01-31", receipt.Loan.ReturnedOn.String())
	assert.True(t, receipt.Loan.OverdueFee.Equal(decimal.RequireFromString("5")))
	assert.Equal(t, 1, f.available(t, item))

	entries := f.activity(t)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionReturned, entries[0].Action)
	assert.Contains(t, entries[0].Detail, "10 days late")
	assert.Contains(t, entries[0].Detail, "5.00")
}

func TestReturnFeeMonotonic(t *testing.T) {
	for _, late := range []int{-5, 0, 1, 7, 45} {
		f := newFixture(t)
		ctx := context.Background()
		item := addItem(t, f.db, "a", 1)
		borrower := addBorrower(t, f.db, "r", 5, 30)

		loan, err := f.engine.Borrow(ctx, item, borrower, 10)
		require.NoError(t, err)
		f.clock.advanceDays(10 + late)

		receipt, err := f.engine.Return(ctx, loan.ID)
		require.NoError(t, err)

		wantDays := max(late, 0)
		want := decimal.NewFromInt(int64(wantDays)).Mul(decimal.RequireFromString("0.5"))
		assert.Equal(t, wantDays, receipt.OverdueDays, "late=%d", late)
		assert.True(t, receipt.OverdueFee.Equal(want), "late=%d fee=%s", late, receipt.OverdueFee)
		if wantDays == 0 {
			assert.NotContains(t, f.activity(t)[0].Detail, "late")
		}
	}
}

func TestReturnTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := addItem(t, f.db, "a", 2)
	borrower := addBorrower(t, f.db, "r", 5, 30)

	loan, err := f.engine.Borrow(ctx, item, borrower, 7)
	require.NoError(t, err)
	_, err = f.engine.Return(ctx, loan.ID)
	require.NoError(t, err)

	_, err = f.engine.Return(ctx, loan.ID)
	require.ErrorIs(t, err, ErrLoanNotFoundOrClosed)
	assert.Equal(t, KindStateConflict, KindOf(err))
	assert.Equal(t, 2, f.available(t, item), "no double increment")

	_, err = f.engine.Return(ctx, 12345)
	require.ErrorIs(t, err, ErrLoanNotFoundOrClosed)
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = f.engine.Renew(ctx, loan.ID)
	require.ErrorIs(t, err, ErrLoanNotFoundOrClosed)
}

func TestReturnNeverExceedsTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := addItem(t, f.db, "a", 1)
	borrower := addBorrower(t, f.db, "r", 5, 30)

	loan, err := f.engine.Borrow(ctx, item, borrower, 7)
	require.NoError(t, err)

	// Simulate counter drift: the increment would exceed total_copies.
	_, err = f.db.db.Exec(`UPDATE items SET available_copies = total_copies WHERE id=?`, item)
	require.NoError(t, err)

	_, err = f.engine.Return(ctx, loan.ID)
	require.ErrorIs(t, err, ErrAvailabilityOutOfBounds)
	assert.Equal(t, KindInvariantViolation, KindOf(err))

	got, err := f.db.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, LoanOpen, got.Status, "loan update rolled back with the failed increment")
	assert.Len(t, f.activity(t), 1)
}

func TestRenew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := addItem(t, f.db, "a", 1)
	borrower := addBorrower(t, f.db, "r", 5, 30)

	loan, err := f.engine.Borrow(ctx, item, borrower, 30)
	require.NoError(t, err)
	require.Equal(t, "2024-01-31", loan.DueOn.String())

	f.clock.advanceDays(5)
	r1, err := f.engine.Renew(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-31", r1.PreviousDueOn.String())
	assert.Equal(t, "2024-02-05", r1.NewDueOn.String())
	assert.Equal(t, 1, r1.Loan.RenewCount)
	assert.Equal(t, 0, f.available(t, item), "renewal leaves counters alone")

	f.clock.advanceDays(1)
	r2, err := f.engine.Renew(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, r2.Loan.RenewCount)

	_, err = f.engine.Renew(ctx, loan.ID)
	require.ErrorIs(t, err, ErrRenewLimitExceeded)
	assert.Equal(t, KindStateConflict, KindOf(err))

	entries := f.activity(t)
	require.Len(t, entries, 3)
	assert.Equal(t, ActionRenewed, entries[0].Action)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.renewed))
}

func TestRenewLimitRegardlessOfDates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := addItem(t, f.db, "a", 1)
	borrower := addBorrower(t, f.db, "r", 5, 30)

	loan, err := f.engine.Borrow(ctx, item, borrower, 30)
	require.NoError(t, err)

	// renewCount=2 written directly, with a due date a renewal would extend.
	err = f.db.Transact(ctx, "seed", func(ctx context.Context, tx Tx) error {
		l, err := tx.GetLoan(ctx, loan.ID)
		if err != nil {
			return err
		}
		l.RenewCount = 2
		l.DueOn = f.db.Today()
		return tx.UpdateLoan(ctx, l)
	})
	require.NoError(t, err)

	_, err = f.engine.Renew(ctx, loan.ID)
	require.ErrorIs(t, err, ErrRenewLimitExceeded)
}

func TestRenewNotLater(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := addItem(t, f.db, "a", 1)
	borrower := addBorrower(t, f.db, "r", 5, 30)

	loan, err := f.engine.Borrow(ctx, item, borrower, 30)
	require.NoError(t, err)

	// Shrinking the limit below the remaining term makes renewal pointless.
	require.NoError(t, f.db.UpdateLimits(ctx, borrower, 5, 10))
	_, err = f.engine.Renew(ctx, loan.ID)
	require.ErrorIs(t, err, ErrRenewalNotLater)
	assert.Equal(t, KindStateConflict, KindOf(err))

	got, err := f.db.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RenewCount)
	assert.Equal(t, "2024-01-31", got.DueOn.String())

	// Same-day due date is not later either.
	require.NoError(t, f.db.UpdateLimits(ctx, borrower, 5, 30))
	_, err = f.engine.Renew(ctx, loan.ID)
	require.ErrorIs(t, err, ErrRenewalNotLater)
}

func TestConcurrentBorrowLastCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := addItem(t, f.db, "a", 1)

	const n = 8
	borrowers := make([]int64, n)
	for i := range borrowers {
		borrowers[i] = addBorrower(t, f.db, string(rune('a'+i)), 5, 30)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, b := range borrowers {
		wg.Add(1)
		go func(b int64) {
			defer wg.Done()
			_, err := f.engine.Borrow(ctx, item, b, 7)
			errs <- err
		}(b)
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, ErrNoCopyAvailable)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 0, f.available(t, item))
}

func TestListOpenLoansAndOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	go1 := addItem(t, f.db, "go", 2)
	rust := addItem(t, f.db, "rs", 2)
	alice := addBorrower(t, f.db, "alice", 5, 30)
	bob := addBorrower(t, f.db, "bob", 5, 30)

	short, err := f.engine.Borrow(ctx, go1, alice, 3)
	require.NoError(t, err)
	_, err = f.engine.Borrow(ctx, rust, alice, 20)
	require.NoError(t, err)
	_, err = f.engine.Borrow(ctx, go1, bob, 20)
	require.NoError(t, err)

	f.clock.advanceDays(5)

	all, err := f.engine.ListOpenLoans(ctx, LoanFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, short.ID, all[0].ID, "earliest due first")
	assert.Equal(t, 2, all[0].DaysOverdue)

	byBorrower, err := f.engine.ListOpenLoans(ctx, LoanFilter{BorrowerID: alice})
	require.NoError(t, err)
	assert.Len(t, byBorrower, 2)

	byTitle, err := f.engine.ListOpenLoans(ctx, LoanFilter{TitleContains: "title RS"})
	require.NoError(t, err)
	require.Len(t, byTitle, 1)
	assert.Equal(t, rust, byTitle[0].ItemID)

	byName, err := f.engine.ListOpenLoans(ctx, LoanFilter{BorrowerContains: "BOB"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, bob, byName[0].BorrowerID)

	overdue, err := f.engine.ListOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, short.ID, overdue[0].ID)
}

func TestLoanHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := addItem(t, f.db, "a", 1)
	borrower := addBorrower(t, f.db, "r", 5, 30)

	first, err := f.engine.Borrow(ctx, item, borrower, 5)
	require.NoError(t, err)
	f.clock.advanceDays(8)
	_, err = f.engine.Return(ctx, first.ID)
	require.NoError(t, err)
	second, err := f.engine.Borrow(ctx, item, borrower, 5)
	require.NoError(t, err)

	history, err := f.db.LoanHistory(ctx, borrower)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)
	assert.Equal(t, LoanOpen, history[0].Status)
	assert.Equal(t, LoanClosed, history[1].Status)
	assert.Equal(t, 3, history[1].DaysOverdue, "closed loans are measured at return")
}

func TestBorrowLongestAllowedLoan(t *testing.T) {
	f := newFixture(t)
	item := addItem(t, f.db, "a", 1)
	borrower := addBorrower(t, f.db, "r1", 5, MaxLoanDaysLimit)

	loan, err := f.engine.Borrow(context.Background(), item, borrower, 5_000_000)
	require.NoError(t, err)
	assert.True(t, loan.DueOn.Equal(NewDate(2024, time.January, 1).AddDays(MaxLoanDaysLimit)), loan.DueOn.String())
}

func TestListOpenLoansMatchesTextLiterally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := addItem(t, f.db, "plain", 1)
	borrower := addBorrower(t, f.db, "r1", 5, 30)
	_, err := f.engine.Borrow(ctx, item, borrower, 7)
	require.NoError(t, err)

	for _, filter := range []LoanFilter{
		{TitleContains: "%"},
		{TitleContains: "_"},
		{TitleContains: `\`},
		{BorrowerContains: "%"},
		{BorrowerContains: "_"},
	} {
		loans, err := f.engine.ListOpenLoans(ctx, filter)
		require.NoError(t, err)
		assert.Empty(t, loans, "%+v", filter)
	}

	loans, err := f.engine.ListOpenLoans(ctx, LoanFilter{TitleContains: "E PLA"})
	require.NoError(t, err)
	assert.Len(t, loans, 1)
}

func TestBorrowFailsFastWhenStoreLocked(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "locked.db")
	db, err := NewDatabase(path, WithStoreTimeout(300*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	item := addItem(t, db, "a", 1)
	borrower := addBorrower(t, db, "r1", 5, 30)
	engine := NewEngine(db)

	// A second connection holds the write lock.
	other, err := sql.Open("sqlite3", "file:"+path)
	require.NoError(t, err)
	defer other.Close()
	conn, err := other.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
	require.NoError(t, err)

	start := time.Now()
	_, err = engine.Borrow(ctx, item, borrower, 7)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, KindTransientStoreFailure, KindOf(err))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Less(t, elapsed, 3*time.Second)

	_, err = conn.ExecContext(ctx, "ROLLBACK")
	require.NoError(t, err)

	// Nothing was written, and a retry succeeds once the lock is gone.
	it, err := db.GetItem(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, 1, it.AvailableCopies)
	_, err = engine.Borrow(ctx, item, borrower, 7)
	require.NoError(t, err)
}
