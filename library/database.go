package library

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultStoreTimeout bounds every store call made on behalf of one operation.
const DefaultStoreTimeout = 5 * time.Second

// Database provides high-level helpers around a SQLite connection. It holds
// the catalog, the membership roll and the loan ledger.
type Database struct {
	*queries

	db *sqlx.DB

	timeout time.Duration
	now     func() time.Time

	addItemStmt     *sqlx.NamedStmt
	addBorrowerStmt *sqlx.NamedStmt
}

// Option configures a Database.
type Option func(*Database)

// WithStoreTimeout bounds each transaction and query. Zero keeps the default.
func WithStoreTimeout(d time.Duration) Option {
	return func(db *Database) {
		if d > 0 {
			db.timeout = d
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(db *Database) {
		if now != nil {
			db.now = now
		}
	}
}

// NewDatabase opens (or creates) the SQLite database at dbPath, applies schema
// migrations, and prepares common statements.
func NewDatabase(dbPath string, opts ...Option) (*Database, error) {
	d := &Database{timeout: DefaultStoreTimeout, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}

	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	// IMMEDIATE transactions take the write lock up front, so two borrows of the
	// last copy cannot both read availableCopies > 0.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=1&_txlock=immediate",
		dbPath, d.timeout.Milliseconds())
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	d.db = db
	d.queries = &queries{q: db, bound: d.readContext}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := d.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Close releases prepared statements and closes the DB.
func (d *Database) Close() error {
	if d.addItemStmt != nil {
		d.addItemStmt.Close()
	}
	if d.addBorrowerStmt != nil {
		d.addBorrowerStmt.Close()
	}
	return d.db.Close()
}

// Now is the database clock.
func (d *Database) Now() time.Time { return d.now() }

// Today is the current calendar date according to the database clock.
func (d *Database) Today() Date { return DateOf(d.now()) }

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 1

func applyMigrations(db *sqlx.DB) error {
	// WAL lets the sweeper read while a lending transaction writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	_ = db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS items (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            isbn TEXT NOT NULL UNIQUE,
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            publisher TEXT NOT NULL DEFAULT '',
            category TEXT NOT NULL DEFAULT '',
            location TEXT NOT NULL DEFAULT '',
            description TEXT NOT NULL DEFAULT '',
            price TEXT NOT NULL DEFAULT '0',
            total_copies INTEGER NOT NULL CHECK (total_copies >= 1),
            available_copies INTEGER NOT NULL,
            maintenance BOOLEAN NOT NULL DEFAULT 0,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            CHECK (available_copies BETWEEN 0 AND total_copies)
        );`,
		`CREATE TABLE IF NOT EXISTS borrowers (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            card_number TEXT NOT NULL UNIQUE,
            name TEXT NOT NULL,
            phone TEXT NOT NULL DEFAULT '',
            email TEXT NOT NULL DEFAULT '',
            reader_type TEXT NOT NULL DEFAULT 'regular',
            max_borrow INTEGER NOT NULL DEFAULT 5 CHECK (max_borrow >= 1),
            max_loan_days INTEGER NOT NULL DEFAULT 30 CHECK (max_loan_days BETWEEN 1 AND 180),
            standing TEXT NOT NULL DEFAULT 'normal' CHECK (standing IN ('normal','suspended','flagged')),
            registered_on TEXT NOT NULL,
            expiry TEXT,
            notes TEXT NOT NULL DEFAULT ''
        );`,
		// Loans outlive deleted items and borrowers, so they carry no foreign keys;
		// the engine checks existence when a loan is created.
		`CREATE TABLE IF NOT EXISTS loans (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            item_id INTEGER NOT NULL,
            borrower_id INTEGER NOT NULL,
            borrowed_on TEXT NOT NULL,
            due_on TEXT NOT NULL,
            returned_on TEXT,
            renew_count INTEGER NOT NULL DEFAULT 0 CHECK (renew_count BETWEEN 0 AND 2),
            status TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open','closed')),
            overdue_fee TEXT NOT NULL DEFAULT '0'
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_loans_open_pair ON loans(item_id, borrower_id) WHERE status = 'open';`,
		`CREATE INDEX IF NOT EXISTS idx_loans_status_due ON loans(status, due_on);`,
		`CREATE INDEX IF NOT EXISTS idx_loans_borrower ON loans(borrower_id, status);`,
		`CREATE TABLE IF NOT EXISTS activity (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            item_id INTEGER NOT NULL,
            borrower_id INTEGER NOT NULL,
            action TEXT NOT NULL CHECK (action IN ('issued','returned','renewed')),
            at DATETIME NOT NULL,
            detail TEXT NOT NULL,
            digest TEXT NOT NULL
        );`,
		// The ledger is append-only.
		`CREATE TRIGGER IF NOT EXISTS trg_loans_bd BEFORE DELETE ON loans BEGIN
            SELECT RAISE(ABORT, 'loans are never deleted');
        END;`,
		`CREATE TRIGGER IF NOT EXISTS trg_activity_bu BEFORE UPDATE ON activity BEGIN
            SELECT RAISE(ABORT, 'activity log is append-only');
        END;`,
		`CREATE TRIGGER IF NOT EXISTS trg_activity_bd BEFORE DELETE ON activity BEGIN
            SELECT RAISE(ABORT, 'activity log is append-only');
        END;`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO meta(key,value) VALUES('schema_version',?)
            ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Prepared statements
// ---------------------------------------------------------------------------

func (d *Database) prepareStatements() error {
	var err error
	if d.addItemStmt, err = d.db.PrepareNamed(insertItemSQL); err != nil {
		return err
	}
	if d.addBorrowerStmt, err = d.db.PrepareNamed(insertBorrowerSQL); err != nil {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

// opContext detaches the operation from caller cancellation and bounds it by
// the store timeout: a started transaction runs to commit or rollback.
func (d *Database) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
}

// readContext bounds a read by the store timeout while honouring cancellation.
func (d *Database) readContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.timeout)
}

// Transact runs fn inside one IMMEDIATE transaction. Any error from fn rolls
// back every change fn made through tx.
func (d *Database) Transact(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error {
	return d.transact(ctx, op, func(ctx context.Context, q *queries) error { return fn(ctx, q) })
}

func (d *Database) transact(ctx context.Context, op string, fn func(ctx context.Context, q *queries) error) error {
	ctx, cancel := d.opContext(ctx)
	defer cancel()

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeError(op+": begin", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &queries{q: tx, bound: unbounded}); err != nil {
		return storeError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storeError(op+": commit", err)
	}
	return nil
}
