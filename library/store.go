package library

import (
	"context"
	"iter"
	"time"

	"github.com/jmoiron/sqlx"
)

// Catalog is the item surface the lending engine reads and adjusts.
type Catalog interface {
	GetItem(ctx context.Context, id int64) (*Item, error)
	ItemExists(ctx context.Context, id int64) (bool, error)
	AdjustAvailable(ctx context.Context, id int64, delta int) error
}

// Membership is the read-only borrower surface the lending engine consults.
type Membership interface {
	GetBorrower(ctx context.Context, id int64) (*Borrower, error)
	BorrowerExists(ctx context.Context, id int64) (bool, error)
}

// Ledger holds loans and the activity log.
type Ledger interface {
	OpenLoanCount(ctx context.Context, borrowerID int64) (int, error)
	HasOpenLoan(ctx context.Context, itemID, borrowerID int64) (bool, error)
	GetLoan(ctx context.Context, id int64) (*Loan, error)
	GetLoanView(ctx context.Context, id int64) (*LoanView, error)
	InsertLoan(ctx context.Context, loan *Loan) error
	UpdateLoan(ctx context.Context, loan *Loan) error
	AppendActivity(ctx context.Context, entry *ActivityEntry) error
}

// Tx is everything a lending operation may touch inside one transaction.
type Tx interface {
	Catalog
	Membership
	Ledger
}

// Store is what the engine and sweeper need from persistence.
type Store interface {
	Now() time.Time
	Today() Date
	Transact(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error
	ListOpenLoans(ctx context.Context, filter LoanFilter) ([]LoanView, error)
	OpenLoansDueBefore(ctx context.Context, before Date) iter.Seq2[Loan, error]
}

var (
	_ Store = (*Database)(nil)
	_ Tx    = (*queries)(nil)
)

// queries runs statements against either the pool or an open transaction.
type queries struct {
	q     sqlx.ExtContext
	bound func(context.Context) (context.Context, context.CancelFunc)
}

func unbounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return ctx, func() {}
}

func (s *queries) get(ctx context.Context, dest any, query string, args ...any) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return sqlx.GetContext(ctx, s.q, dest, query, args...)
}

func (s *queries) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return sqlx.SelectContext(ctx, s.q, dest, query, args...)
}

func (s *queries) exec(ctx context.Context, query string, args ...any) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
