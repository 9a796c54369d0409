package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/mattn/go-sqlite3"
)

const (
	dialectSQLite = "sqlite3"

	loanColumns = `id,item_id,borrower_id,borrowed_on,due_on,returned_on,renew_count,status,overdue_fee`

	// sweepPageSize bounds how many rows one page of OpenLoansDueBefore reads.
	sweepPageSize = 200
)

// ---------------------------------------------------------------------------
// Consistency queries
// ---------------------------------------------------------------------------

// OpenLoanCount counts the borrower's open loans.
func (s *queries) OpenLoanCount(ctx context.Context, borrowerID int64) (int, error) {
	var n int
	if err := s.get(ctx, &n, `SELECT COUNT(*) FROM loans WHERE borrower_id=? AND status='open'`, borrowerID); err != nil {
		return 0, storeError("count borrower loans", err)
	}
	return n, nil
}

// HasOpenLoan reports whether the pair already has an open loan.
func (s *queries) HasOpenLoan(ctx context.Context, itemID, borrowerID int64) (bool, error) {
	var exists bool
	err := s.get(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM loans WHERE item_id=? AND borrower_id=? AND status='open')`,
		itemID, borrowerID)
	if err != nil {
		return false, storeError("has open loan", err)
	}
	return exists, nil
}

// ---------------------------------------------------------------------------
// Loan rows
// ---------------------------------------------------------------------------

func (s *queries) GetLoan(ctx context.Context, id int64) (*Loan, error) {
	var l Loan
	err := s.get(ctx, &l, `SELECT `+loanColumns+` FROM loans WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newErrorKind(KindNotFound, ErrLoanNotFoundOrClosed, "loan %d does not exist", id)
	}
	if err != nil {
		return nil, storeError("get loan", err)
	}
	return &l, nil
}

func (s *queries) GetLoanView(ctx context.Context, id int64) (*LoanView, error) {
	query, args, err := loanViewQuery().Where(goqu.I("l.id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build loan view query: %w", err)
	}
	var v LoanView
	err = s.get(ctx, &v, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newErrorKind(KindNotFound, ErrLoanNotFoundOrClosed, "loan %d does not exist", id)
	}
	if err != nil {
		return nil, storeError("get loan view", err)
	}
	return &v, nil
}

// InsertLoan stores a new open loan and sets its ID.
func (s *queries) InsertLoan(ctx context.Context, loan *Loan) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.q.ExecContext(ctx, `INSERT INTO loans
        (item_id,borrower_id,borrowed_on,due_on,returned_on,renew_count,status,overdue_fee)
        VALUES (?,?,?,?,?,?,?,?)`,
		loan.ItemID, loan.BorrowerID, loan.BorrowedOn, loan.DueOn, loan.ReturnedOn,
		loan.RenewCount, loan.Status, loan.OverdueFee.String())
	if isConstraint(err, sqlite3.ErrConstraintUnique) {
		return newError(ErrDuplicateLoan, "item %d borrower %d", loan.ItemID, loan.BorrowerID)
	}
	if err != nil {
		return storeError("insert loan", err)
	}
	if loan.ID, err = res.LastInsertId(); err != nil {
		return storeError("insert loan", err)
	}
	return nil
}

// UpdateLoan writes back a loan's mutable fields. Only open loans may change,
// so a loan is closed at most once.
func (s *queries) UpdateLoan(ctx context.Context, loan *Loan) error {
	n, err := s.exec(ctx, `UPDATE loans SET due_on=?, returned_on=?, renew_count=?, status=?, overdue_fee=?
        WHERE id=? AND status='open'`,
		loan.DueOn, loan.ReturnedOn, loan.RenewCount, loan.Status, loan.OverdueFee.String(), loan.ID)
	if err != nil {
		return storeError("update loan", err)
	}
	if n == 0 {
		return newError(ErrLoanNotFoundOrClosed, "loan %d", loan.ID)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Listings
// ---------------------------------------------------------------------------

func loanViewQuery() *goqu.SelectDataset {
	return goqu.Dialect(dialectSQLite).
		From(goqu.T("loans").As("l")).
		LeftJoin(goqu.T("items").As("i"), goqu.On(goqu.I("i.id").Eq(goqu.I("l.item_id")))).
		LeftJoin(goqu.T("borrowers").As("b"), goqu.On(goqu.I("b.id").Eq(goqu.I("l.borrower_id")))).
		Select(
			goqu.I("l.id"),
			goqu.I("l.item_id"),
			goqu.I("l.borrower_id"),
			goqu.I("l.borrowed_on"),
			goqu.I("l.due_on"),
			goqu.I("l.returned_on"),
			goqu.I("l.renew_count"),
			goqu.I("l.status"),
			goqu.I("l.overdue_fee"),
			goqu.COALESCE(goqu.I("i.title"), "").As("item_title"),
			goqu.COALESCE(goqu.I("i.isbn"), "").As("item_isbn"),
			goqu.COALESCE(goqu.I("b.name"), "").As("borrower_name"),
			goqu.COALESCE(goqu.I("b.card_number"), "").As("borrower_card"),
		).
		Prepared(true)
}

// containsFold matches rows whose column contains text, ignoring ASCII case.
// instr treats every character literally, unlike LIKE's % and _.
func containsFold(col, text string) goqu.Expression {
	return goqu.L("instr(lower(?), lower(?)) > 0", goqu.I(col), text)
}

// columnList turns a comma-separated column list into goqu identifiers.
func columnList(cols string) []any {
	var out []any
	for _, c := range strings.Split(cols, ",") {
		out = append(out, goqu.I(strings.TrimSpace(c)))
	}
	return out
}

func openLoanWhere(filter LoanFilter, today Date) []goqu.Expression {
	where := []goqu.Expression{goqu.I("l.status").Eq(string(LoanOpen))}
	if filter.ItemID != 0 {
		where = append(where, goqu.I("l.item_id").Eq(filter.ItemID))
	}
	if filter.BorrowerID != 0 {
		where = append(where, goqu.I("l.borrower_id").Eq(filter.BorrowerID))
	}
	if t := strings.TrimSpace(filter.TitleContains); t != "" {
		where = append(where, containsFold("i.title", t))
	}
	if b := strings.TrimSpace(filter.BorrowerContains); b != "" {
		where = append(where, goqu.Or(
			containsFold("b.name", b),
			containsFold("b.card_number", b),
		))
	}
	if filter.OverdueOnly {
		where = append(where, goqu.I("l.due_on").Lt(today.String()))
	}
	return where
}

// ListOpenLoans returns open loans matching filter, earliest due first.
func (d *Database) ListOpenLoans(ctx context.Context, filter LoanFilter) ([]LoanView, error) {
	today := d.Today()
	query, args, err := loanViewQuery().
		Where(openLoanWhere(filter, today)...).
		Order(goqu.I("l.due_on").Asc(), goqu.I("l.id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build open loans query: %w", err)
	}
	var views []LoanView
	if err := d.selectAll(ctx, &views, query, args...); err != nil {
		return nil, storeError("list open loans", err)
	}
	for i := range views {
		views[i].DaysOverdue = views[i].OverdueDays(today)
	}
	return views, nil
}

// LoanHistory lists every loan, open or closed, a borrower has held, newest first.
func (d *Database) LoanHistory(ctx context.Context, borrowerID int64) ([]LoanView, error) {
	query, args, err := loanViewQuery().
		Where(goqu.I("l.borrower_id").Eq(borrowerID)).
		Order(goqu.I("l.id").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build history query: %w", err)
	}
	var views []LoanView
	if err := d.selectAll(ctx, &views, query, args...); err != nil {
		return nil, storeError("loan history", err)
	}
	today := d.Today()
	for i := range views {
		asOf := today
		if views[i].ReturnedOn.Valid {
			asOf = views[i].ReturnedOn.Date
		}
		views[i].DaysOverdue = views[i].OverdueDays(asOf)
	}
	return views, nil
}

// OpenLoansDueBefore yields open loans with due_on strictly before the given
// date, in id order. Rows are read a page at a time and no cursor is held
// between yields; ranging over the sequence again starts from the beginning.
func (d *Database) OpenLoansDueBefore(ctx context.Context, before Date) iter.Seq2[Loan, error] {
	return func(yield func(Loan, error) bool) {
		var after int64
		for {
			var page []Loan
			err := d.selectAll(ctx, &page, `SELECT `+loanColumns+` FROM loans
                WHERE status='open' AND due_on < ? AND id > ? ORDER BY id LIMIT ?`,
				before, after, sweepPageSize)
			if err != nil {
				yield(Loan{}, storeError("open loans due before", err))
				return
			}
			for _, l := range page {
				if !yield(l, nil) {
					return
				}
			}
			if len(page) < sweepPageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}
