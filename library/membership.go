package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

const (
	borrowerColumns = `id,card_number,name,phone,email,reader_type,max_borrow,max_loan_days,
    standing,registered_on,expiry,notes`

	insertBorrowerSQL = `INSERT INTO borrowers
        (card_number,name,phone,email,reader_type,max_borrow,max_loan_days,registered_on,expiry,notes)
        VALUES (:card_number,:name,:phone,:email,:reader_type,:max_borrow,:max_loan_days,:registered_on,:expiry,:notes)`
)

func (s *queries) GetBorrower(ctx context.Context, id int64) (*Borrower, error) {
	var b Borrower
	err := s.get(ctx, &b, `SELECT `+borrowerColumns+` FROM borrowers WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(ErrBorrowerNotFound, "borrower %d", id)
	}
	if err != nil {
		return nil, storeError("get borrower", err)
	}
	return &b, nil
}

func (s *queries) BorrowerExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	if err := s.get(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM borrowers WHERE id=?)`, id); err != nil {
		return false, storeError("borrower exists", err)
	}
	return exists, nil
}

// CanDeleteBorrower is the deletion guard: the borrower holds no open loan.
func (s *queries) CanDeleteBorrower(ctx context.Context, borrowerID int64) (bool, error) {
	n, err := s.OpenLoanCount(ctx, borrowerID)
	return n == 0, err
}

func checkLimits(maxBorrow, maxLoanDays int) error {
	if maxBorrow < 1 || maxLoanDays < 1 {
		return newError(ErrInvalidInput, "limits must be at least 1")
	}
	if maxLoanDays > MaxLoanDaysLimit {
		return newError(ErrInvalidInput, "max loan days %d is over the limit of %d", maxLoanDays, MaxLoanDaysLimit)
	}
	return nil
}

// normalizeBorrower fills defaults and validates a registration.
func normalizeBorrower(in *NewBorrower, today Date) error {
	in.CardNumber = strings.TrimSpace(in.CardNumber)
	if in.CardNumber == "" || strings.TrimSpace(in.Name) == "" {
		return newError(ErrInvalidInput, "card number and name are required")
	}
	if in.MaxBorrow == 0 {
		in.MaxBorrow = DefaultMaxBorrow
	}
	if in.MaxLoanDays == 0 {
		in.MaxLoanDays = DefaultMaxLoanDays
	}
	if err := checkLimits(in.MaxBorrow, in.MaxLoanDays); err != nil {
		return err
	}
	if in.ReaderType == "" {
		in.ReaderType = "regular"
	}
	if in.RegisteredOn.IsZero() {
		in.RegisteredOn = today
	}
	return nil
}

func borrowerInserted(in NewBorrower, res sql.Result, err error) (int64, error) {
	if isConstraint(err, sqlite3.ErrConstraintUnique) {
		return 0, newError(ErrInvalidInput, "card %s already registered", in.CardNumber)
	}
	if err != nil {
		return 0, storeError("add borrower", err)
	}
	return res.LastInsertId()
}

func (s *queries) insertBorrower(ctx context.Context, in NewBorrower) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := sqlx.NamedExecContext(ctx, s.q, insertBorrowerSQL, in)
	return borrowerInserted(in, res, err)
}

// AddBorrower registers a member. Unset limits take the library defaults and
// the registration date defaults to today.
func (d *Database) AddBorrower(ctx context.Context, in NewBorrower) (int64, error) {
	if err := normalizeBorrower(&in, d.Today()); err != nil {
		return 0, err
	}
	ctx, cancel := d.readContext(ctx)
	defer cancel()
	res, err := d.addBorrowerStmt.ExecContext(ctx, in)
	return borrowerInserted(in, res, err)
}

// ListBorrowers returns every borrower ordered by id.
func (d *Database) ListBorrowers(ctx context.Context) ([]Borrower, error) {
	return d.SearchBorrowers(ctx, BorrowerFilter{})
}

// SearchBorrowers returns the borrowers matching f ordered by id.
func (d *Database) SearchBorrowers(ctx context.Context, f BorrowerFilter) ([]Borrower, error) {
	var where []goqu.Expression
	if f.ID != 0 {
		where = append(where, goqu.I("id").Eq(f.ID))
	}
	if t := strings.TrimSpace(f.Text); t != "" {
		where = append(where, goqu.Or(containsFold("name", t), containsFold("card_number", t)))
	}
	if rt := strings.TrimSpace(f.ReaderType); rt != "" {
		where = append(where, goqu.Func("lower", goqu.I("reader_type")).Eq(strings.ToLower(rt)))
	}
	if f.Standing != "" {
		if !f.Standing.Valid() {
			return nil, newError(ErrInvalidInput, "unknown standing %q", f.Standing)
		}
		where = append(where, goqu.I("standing").Eq(string(f.Standing)))
	}

	query, args, err := goqu.Dialect(dialectSQLite).
		From("borrowers").
		Select(columnList(borrowerColumns)...).
		Where(where...).
		Order(goqu.I("id").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build borrower search: %w", err)
	}
	var out []Borrower
	if err := d.selectAll(ctx, &out, query, args...); err != nil {
		return nil, storeError("search borrowers", err)
	}
	return out, nil
}

// UpdateBorrower rewrites the contact and registration fields set in e.
// Standing and limits have their own operations.
func (d *Database) UpdateBorrower(ctx context.Context, id int64, e BorrowerEdit) error {
	rec := goqu.Record{}
	for col, v := range map[string]*string{"card_number": e.CardNumber, "name": e.Name} {
		if v == nil {
			continue
		}
		t := strings.TrimSpace(*v)
		if t == "" {
			return newError(ErrInvalidInput, "%s cannot be empty", col)
		}
		rec[col] = t
	}
	for col, v := range map[string]*string{"phone": e.Phone, "email": e.Email, "notes": e.Notes} {
		if v != nil {
			rec[col] = strings.TrimSpace(*v)
		}
	}
	if e.ReaderType != nil {
		rt := strings.TrimSpace(*e.ReaderType)
		if rt == "" {
			rt = "regular"
		}
		rec["reader_type"] = rt
	}
	if e.Expiry != nil {
		if e.Expiry.Valid {
			rec["expiry"] = e.Expiry.Date.String()
		} else {
			rec["expiry"] = nil
		}
	}
	if len(rec) == 0 {
		return newError(ErrInvalidInput, "nothing to update")
	}

	query, args, err := goqu.Dialect(dialectSQLite).
		Update("borrowers").
		Set(rec).
		Where(goqu.I("id").Eq(id)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build borrower update: %w", err)
	}
	n, err := d.exec(ctx, query, args...)
	if isConstraint(err, sqlite3.ErrConstraintUnique) {
		return newError(ErrInvalidInput, "card %v already registered", rec["card_number"])
	}
	if err != nil {
		return storeError("update borrower", err)
	}
	if n == 0 {
		return newError(ErrBorrowerNotFound, "borrower %d", id)
	}
	return nil
}

// SetStanding changes whether a borrower may take new loans. Existing loans are unaffected.
func (d *Database) SetStanding(ctx context.Context, id int64, standing Standing) error {
	if !standing.Valid() {
		return newError(ErrInvalidInput, "unknown standing %q", standing)
	}
	n, err := d.exec(ctx, `UPDATE borrowers SET standing=? WHERE id=?`, standing, id)
	if err != nil {
		return storeError("set standing", err)
	}
	if n == 0 {
		return newError(ErrBorrowerNotFound, "borrower %d", id)
	}
	return nil
}

// UpdateLimits edits a borrower's eligibility limits. Lowering maxBorrow below
// the current open count is allowed; it only blocks further borrowing.
func (d *Database) UpdateLimits(ctx context.Context, id int64, maxBorrow, maxLoanDays int) error {
	if err := checkLimits(maxBorrow, maxLoanDays); err != nil {
		return err
	}
	n, err := d.exec(ctx, `UPDATE borrowers SET max_borrow=?, max_loan_days=? WHERE id=?`, maxBorrow, maxLoanDays, id)
	if err != nil {
		return storeError("update limits", err)
	}
	if n == 0 {
		return newError(ErrBorrowerNotFound, "borrower %d", id)
	}
	return nil
}

// DeleteBorrower removes a borrower with no open loans.
func (d *Database) DeleteBorrower(ctx context.Context, id int64) error {
	return d.transact(ctx, "delete borrower", func(ctx context.Context, q *queries) error {
		ok, err := q.CanDeleteBorrower(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return newError(ErrBorrowerHasOpenLoans, "borrower %d", id)
		}
		n, err := q.exec(ctx, `DELETE FROM borrowers WHERE id=?`, id)
		if err != nil {
			return fmt.Errorf("delete borrower: %w", err)
		}
		if n == 0 {
			return newError(ErrBorrowerNotFound, "borrower %d", id)
		}
		return nil
	})
}
