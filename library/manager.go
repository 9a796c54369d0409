package library

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// LibraryManager is a thin façade over the Database, the lending engine, the
// overdue sweeper and the stats reporter, keeping CLI code simple.
type LibraryManager struct {
	db      *Database
	engine  *Engine
	sweeper *Sweeper
	stats   *StatsReporter
}

// ManagerOption configures NewLibraryManager.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	logger        *slog.Logger
	metrics       *Metrics
	storeTimeout  time.Duration
	sweepInterval time.Duration
	clock         func() time.Time
}

func ManagerLogger(logger *slog.Logger) ManagerOption {
	return func(c *managerConfig) { c.logger = logger }
}

func ManagerMetrics(m *Metrics) ManagerOption {
	return func(c *managerConfig) { c.metrics = m }
}

func ManagerStoreTimeout(d time.Duration) ManagerOption {
	return func(c *managerConfig) { c.storeTimeout = d }
}

func ManagerSweepInterval(d time.Duration) ManagerOption {
	return func(c *managerConfig) { c.sweepInterval = d }
}

// ManagerClock replaces time.Now for every date the manager computes.
func ManagerClock(now func() time.Time) ManagerOption {
	return func(c *managerConfig) { c.clock = now }
}

// NewLibraryManager opens (or creates) the SQLite database at dbPath.
func NewLibraryManager(dbPath string, opts ...ManagerOption) (*LibraryManager, error) {
	cfg := managerConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := NewDatabase(dbPath, WithStoreTimeout(cfg.storeTimeout), WithClock(cfg.clock))
	if err != nil {
		return nil, err
	}
	return &LibraryManager{
		db:     db,
		engine: NewEngine(db, WithLogger(cfg.logger), WithMetrics(cfg.metrics)),
		sweeper: NewSweeper(db,
			WithSweepInterval(cfg.sweepInterval),
			WithSweepLogger(cfg.logger),
			WithSweepMetrics(cfg.metrics)),
		stats: NewStatsReporter(db),
	}, nil
}

// Close closes the underlying database.
func (lm *LibraryManager) Close() error { return lm.db.Close() }

func (lm *LibraryManager) Today() Date { return lm.db.Today() }

// Sweeper exposes the overdue sweeper so callers can subscribe sinks and run it.
func (lm *LibraryManager) Sweeper() *Sweeper { return lm.sweeper }

// ------------------ Item helpers ------------------

func (lm *LibraryManager) AddItem(ctx context.Context, in NewItem) (int64, error) {
	return lm.db.AddItem(ctx, in)
}

func (lm *LibraryManager) GetItem(ctx context.Context, id int64) (*Item, error) {
	return lm.db.GetItem(ctx, id)
}

func (lm *LibraryManager) ListItems(ctx context.Context) ([]Item, error) { return lm.db.ListItems(ctx) }

func (lm *LibraryManager) SearchItems(ctx context.Context, f ItemFilter) ([]Item, error) {
	return lm.db.SearchItems(ctx, f)
}

func (lm *LibraryManager) UpdateItem(ctx context.Context, id int64, e ItemEdit) error {
	return lm.db.UpdateItem(ctx, id, e)
}

func (lm *LibraryManager) SetMaintenance(ctx context.Context, id int64, on bool) error {
	return lm.db.SetMaintenance(ctx, id, on)
}

func (lm *LibraryManager) SetTotalCopies(ctx context.Context, id int64, total int) error {
	return lm.db.SetTotalCopies(ctx, id, total)
}

func (lm *LibraryManager) DeleteItem(ctx context.Context, id int64) error {
	return lm.db.DeleteItem(ctx, id)
}

// AddItemsFromFile imports items from the CSV file at path (relative paths resolve from cwd).
func (lm *LibraryManager) AddItemsFromFile(ctx context.Context, path string) (ImportResult, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return ImportResult{}, err
	}
	defer f.Close()
	return ImportItems(ctx, lm.db, f)
}

// ------------------ Borrower helpers ------------------

func (lm *LibraryManager) AddBorrower(ctx context.Context, in NewBorrower) (int64, error) {
	return lm.db.AddBorrower(ctx, in)
}

func (lm *LibraryManager) GetBorrower(ctx context.Context, id int64) (*Borrower, error) {
	return lm.db.GetBorrower(ctx, id)
}

func (lm *LibraryManager) ListBorrowers(ctx context.Context) ([]Borrower, error) {
	return lm.db.ListBorrowers(ctx)
}

func (lm *LibraryManager) SearchBorrowers(ctx context.Context, f BorrowerFilter) ([]Borrower, error) {
	return lm.db.SearchBorrowers(ctx, f)
}

func (lm *LibraryManager) UpdateBorrower(ctx context.Context, id int64, e BorrowerEdit) error {
	return lm.db.UpdateBorrower(ctx, id, e)
}

func (lm *LibraryManager) SetStanding(ctx context.Context, id int64, s Standing) error {
	return lm.db.SetStanding(ctx, id, s)
}

func (lm *LibraryManager) UpdateLimits(ctx context.Context, id int64, maxBorrow, maxLoanDays int) error {
	return lm.db.UpdateLimits(ctx, id, maxBorrow, maxLoanDays)
}

func (lm *LibraryManager) DeleteBorrower(ctx context.Context, id int64) error {
	return lm.db.DeleteBorrower(ctx, id)
}

// AddBorrowersFromFile imports borrowers from the CSV file at path.
func (lm *LibraryManager) AddBorrowersFromFile(ctx context.Context, path string) (ImportResult, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return ImportResult{}, err
	}
	defer f.Close()
	return ImportBorrowers(ctx, lm.db, f)
}

// SeedSample loads the demonstration catalog and borrowers into an empty library.
func (lm *LibraryManager) SeedSample(ctx context.Context) (items, borrowers int, err error) {
	return SeedSample(ctx, lm.db)
}

// ------------------ Circulation ------------------

func (lm *LibraryManager) Borrow(ctx context.Context, itemID, borrowerID int64, days int) (*LoanView, error) {
	return lm.engine.Borrow(ctx, itemID, borrowerID, days)
}

func (lm *LibraryManager) Return(ctx context.Context, loanID int64) (*ReturnReceipt, error) {
	return lm.engine.Return(ctx, loanID)
}

func (lm *LibraryManager) Renew(ctx context.Context, loanID int64) (*RenewReceipt, error) {
	return lm.engine.Renew(ctx, loanID)
}

func (lm *LibraryManager) ListOpenLoans(ctx context.Context, filter LoanFilter) ([]LoanView, error) {
	return lm.engine.ListOpenLoans(ctx, filter)
}

func (lm *LibraryManager) ListOverdue(ctx context.Context) ([]LoanView, error) {
	return lm.engine.ListOverdue(ctx)
}

func (lm *LibraryManager) LoanHistory(ctx context.Context, borrowerID int64) ([]LoanView, error) {
	if _, err := lm.db.GetBorrower(ctx, borrowerID); err != nil {
		return nil, err
	}
	return lm.db.LoanHistory(ctx, borrowerID)
}

// ------------------ Activity & stats ------------------

func (lm *LibraryManager) ListActivity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	return lm.db.ListActivity(ctx, limit)
}

func (lm *LibraryManager) VerifyActivityLog(ctx context.Context) (int, int64, error) {
	return lm.db.VerifyActivityLog(ctx)
}

func (lm *LibraryManager) Stats(ctx context.Context) (*Stats, error) { return lm.stats.Snapshot(ctx) }

func (lm *LibraryManager) Report(ctx context.Context) (string, error) { return lm.stats.Report(ctx) }

// ------------------ Utilities ------------------

// PrettyItem formats an item for lists.
func PrettyItem(it *Item) string {
	return fmt.Sprintf("%-5d %-14s %-30s %-20s %3d/%-3d %-11s",
		it.ID, it.ISBN, truncate(it.Title, 30), truncate(it.Author, 20),
		it.AvailableCopies, it.TotalCopies, it.Status())
}

// PrettyLoan formats a loan for lists.
func PrettyLoan(l *LoanView) string {
	return fmt.Sprintf("%-5d %-30s %-20s %-10s %-10s %d %4d",
		l.ID, truncate(l.ItemTitle, 30), truncate(l.BorrowerName, 20),
		l.BorrowedOn, l.DueOn, l.RenewCount, l.DaysOverdue)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
