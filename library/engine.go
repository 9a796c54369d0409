package library

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
)

// Engine applies Borrow, Return and Renew. Each operation runs its checks and
// every write in a single store transaction: either all effects persist or none do.
type Engine struct {
	store   Store
	logger  *slog.Logger
	metrics *Metrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger for commits (Info) and rejections (Debug or Warn).
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records issued/returned/renewed counters and rejections.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Borrow lends one copy of an item. Preconditions are checked in a fixed
// order and the first failure is reported. The loan runs for the smaller of
// requestedDays and the borrower's maxLoanDays.
func (e *Engine) Borrow(ctx context.Context, itemID, borrowerID int64, requestedDays int) (*LoanView, error) {
	var view *LoanView
	err := e.store.Transact(ctx, "borrow", func(ctx context.Context, tx Tx) error {
		item, err := tx.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		if item.AvailableCopies <= 0 {
			return newError(ErrNoCopyAvailable, "item %d", itemID)
		}

		borrower, err := tx.GetBorrower(ctx, borrowerID)
		if err != nil {
			return err
		}
		if borrower.Standing != StandingNormal {
			return newError(ErrBorrowerNotEligible, "borrower %d is %s", borrowerID, borrower.Standing)
		}

		open, err := tx.OpenLoanCount(ctx, borrowerID)
		if err != nil {
			return err
		}
		if open >= borrower.MaxBorrow {
			return newError(ErrBorrowLimitExceeded, "borrower %d holds %d of %d", borrowerID, open, borrower.MaxBorrow)
		}

		dup, err := tx.HasOpenLoan(ctx, itemID, borrowerID)
		if err != nil {
			return err
		}
		if dup {
			return newError(ErrDuplicateLoan, "item %d borrower %d", itemID, borrowerID)
		}

		days := min(requestedDays, borrower.MaxLoanDays)
		if days < 1 {
			return newError(ErrInvalidLoanPeriod, "requested %d days", requestedDays)
		}

		today := e.store.Today()
		loan := &Loan{
			ItemID:     itemID,
			BorrowerID: borrowerID,
			BorrowedOn: today,
			DueOn:      today.AddDays(days),
			Status:     LoanOpen,
			OverdueFee: decimal.Zero,
		}
		if err := tx.InsertLoan(ctx, loan); err != nil {
			return err
		}
		if err := tx.AdjustAvailable(ctx, itemID, -1); err != nil {
			return err
		}
		if err := tx.AppendActivity(ctx, &ActivityEntry{
			ItemID:     itemID,
			BorrowerID: borrowerID,
			Action:     ActionIssued,
			At:         e.store.Now(),
			Detail:     fmt.Sprintf("loan %d for %d days, due %s", loan.ID, days, loan.DueOn),
		}); err != nil {
			return err
		}
		view, err = tx.GetLoanView(ctx, loan.ID)
		return err
	})
	if err != nil {
		e.rejected(ctx, "borrow", err, slog.Int64("item_id", itemID), slog.Int64("borrower_id", borrowerID))
		return nil, err
	}

	e.metrics.loanIssued()
	e.logger.InfoContext(ctx, "loan issued",
		slog.Int64("loan_id", view.ID),
		slog.Int64("item_id", itemID),
		slog.Int64("borrower_id", borrowerID),
		slog.String("due_on", view.DueOn.String()))
	return view, nil
}

// Return closes an open loan, assesses the overdue fee and puts the copy back.
func (e *Engine) Return(ctx context.Context, loanID int64) (*ReturnReceipt, error) {
	var receipt *ReturnReceipt
	err := e.store.Transact(ctx, "return", func(ctx context.Context, tx Tx) error {
		loan, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.Status != LoanOpen {
			return newErrorKind(KindStateConflict, ErrLoanNotFoundOrClosed, "loan %d returned on %s", loanID, loan.ReturnedOn)
		}

		today := e.store.Today()
		days := loan.OverdueDays(today)
		fee := FeePerDay.Mul(decimal.NewFromInt(int64(days)))

		loan.ReturnedOn = SomeDate(today)
		loan.Status = LoanClosed
		loan.OverdueFee = fee
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		if err := tx.AdjustAvailable(ctx, loan.ItemID, 1); err != nil {
			return err
		}

		detail := fmt.Sprintf("loan %d returned", loan.ID)
		if days > 0 {
			detail = fmt.Sprintf("loan %d returned %d days late, fee %s", loan.ID, days, fee.StringFixed(2))
		}
		if err := tx.AppendActivity(ctx, &ActivityEntry{
			ItemID:     loan.ItemID,
			BorrowerID: loan.BorrowerID,
			Action:     ActionReturned,
			At:         e.store.Now(),
			Detail:     detail,
		}); err != nil {
			return err
		}

		view, err := tx.GetLoanView(ctx, loan.ID)
		if err != nil {
			return err
		}
		view.DaysOverdue = days
		receipt = &ReturnReceipt{Loan: *view, OverdueDays: days, OverdueFee: fee}
		return nil
	})
	if err != nil {
		e.rejected(ctx, "return", err, slog.Int64("loan_id", loanID))
		return nil, err
	}

	e.metrics.loanReturned(receipt.OverdueFee.InexactFloat64())
	e.logger.InfoContext(ctx, "loan returned",
		slog.Int64("loan_id", loanID),
		slog.Int("overdue_days", receipt.OverdueDays),
		slog.String("fee", receipt.OverdueFee.StringFixed(2)))
	return receipt, nil
}

// Renew extends an open loan to today plus the borrower's maxLoanDays, at most
// RenewLimit times. The new due date must fall after the current one.
func (e *Engine) Renew(ctx context.Context, loanID int64) (*RenewReceipt, error) {
	var receipt *RenewReceipt
	err := e.store.Transact(ctx, "renew", func(ctx context.Context, tx Tx) error {
		loan, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.Status != LoanOpen {
			return newErrorKind(KindStateConflict, ErrLoanNotFoundOrClosed, "loan %d is closed", loanID)
		}
		if loan.RenewCount >= RenewLimit {
			return newError(ErrRenewLimitExceeded, "loan %d renewed %d times", loanID, loan.RenewCount)
		}

		borrower, err := tx.GetBorrower(ctx, loan.BorrowerID)
		if err != nil {
			return err
		}
		previous := loan.DueOn
		next := e.store.Today().AddDays(borrower.MaxLoanDays)
		if !next.After(previous) {
			return newError(ErrRenewalNotLater, "loan %d due %s, renewal gives %s", loanID, previous, next)
		}

		loan.DueOn = next
		loan.RenewCount++
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		if err := tx.AppendActivity(ctx, &ActivityEntry{
			ItemID:     loan.ItemID,
			BorrowerID: loan.BorrowerID,
			Action:     ActionRenewed,
			At:         e.store.Now(),
			Detail:     fmt.Sprintf("loan %d renewal %d, due %s (was %s)", loan.ID, loan.RenewCount, next, previous),
		}); err != nil {
			return err
		}

		view, err := tx.GetLoanView(ctx, loan.ID)
		if err != nil {
			return err
		}
		receipt = &RenewReceipt{Loan: *view, PreviousDueOn: previous, NewDueOn: next}
		return nil
	})
	if err != nil {
		e.rejected(ctx, "renew", err, slog.Int64("loan_id", loanID))
		return nil, err
	}

	e.metrics.loanRenewed()
	e.logger.InfoContext(ctx, "loan renewed",
		slog.Int64("loan_id", loanID),
		slog.Int("renew_count", receipt.Loan.RenewCount),
		slog.String("due_on", receipt.NewDueOn.String()))
	return receipt, nil
}

// ListOpenLoans returns open loans matching filter with their current days overdue.
func (e *Engine) ListOpenLoans(ctx context.Context, filter LoanFilter) ([]LoanView, error) {
	return e.store.ListOpenLoans(ctx, filter)
}

// ListOverdue returns open loans whose due date has passed.
func (e *Engine) ListOverdue(ctx context.Context) ([]LoanView, error) {
	return e.store.ListOpenLoans(ctx, LoanFilter{OverdueOnly: true})
}

func (e *Engine) rejected(ctx context.Context, op string, err error, attrs ...slog.Attr) {
	kind := KindOf(err)
	e.metrics.rejected(op, kind)

	level := slog.LevelDebug
	switch kind {
	case KindInvariantViolation, KindUnknown:
		level = slog.LevelError
	case KindTransientStoreFailure:
		level = slog.LevelWarn
	}
	attrs = append(attrs, slog.String("kind", kind.String()), slog.Any("error", err))
	e.logger.LogAttrs(ctx, level, op+" rejected", attrs...)
}
