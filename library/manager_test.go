package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, opts ...ManagerOption) *LibraryManager {
	dir := t.TempDir()
	mgr, err := NewLibraryManager(filepath.Join(dir, "lib.db"), opts...)
	if err != nil {
		t.Fatalf("mgr: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestAddItemsFromFile(t *testing.T) {
	mgr := newManager(t)
	tmp := filepath.Join(t.TempDir(), "items.csv")
	if err := os.WriteFile(tmp, []byte("isbn,title,author,copies\n9,Hello,Anon,2\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	res, err := mgr.AddItemsFromFile(context.Background(), tmp)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if res.Added != 1 {
		t.Fatalf("added %d, want 1", res.Added)
	}
	if _, err := mgr.AddItemsFromFile(context.Background(), filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestManagerCirculation(t *testing.T) {
	clk := newTestClock(2024, time.April, 1)
	mgr := newManager(t, ManagerClock(clk.Now), ManagerMetrics(NewMetrics()))
	ctx := context.Background()

	item, err := mgr.AddItem(ctx, NewItem{ISBN: "1", Title: "Dune", Author: "Herbert", Copies: 1})
	require.NoError(t, err)
	borrower, err := mgr.AddBorrower(ctx, NewBorrower{CardNumber: "C1", Name: "Paul"})
	require.NoError(t, err)

	loan, err := mgr.Borrow(ctx, item, borrower, 7)
	require.NoError(t, err)
	assert.Contains(t, PrettyLoan(loan), "Dune")

	clk.advanceDays(10)
	overdue, err := mgr.ListOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)

	sink := &recordingSink{}
	mgr.Sweeper().Subscribe(sink)
	res := mgr.Sweeper().ScanOnce(ctx)
	assert.Equal(t, 1, res.Notified)

	receipt, err := mgr.Return(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.50", receipt.OverdueFee.StringFixed(2))

	history, err := mgr.LoanHistory(ctx, borrower)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	_, err = mgr.LoanHistory(ctx, borrower+1)
	require.ErrorIs(t, err, ErrBorrowerNotFound)

	stats, err := mgr.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.OpenLoans)

	checked, broken, err := mgr.VerifyActivityLog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, checked)
	assert.Zero(t, broken)

	it, err := mgr.GetItem(ctx, item)
	require.NoError(t, err)
	assert.Contains(t, PrettyItem(it), "in_stock")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd...", truncate("abcdefghij", 7))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
