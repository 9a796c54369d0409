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
	itemColumns = `id,isbn,title,author,publisher,category,location,description,price,
    total_copies,available_copies,maintenance,created_at`

	insertItemSQL = `INSERT INTO items
        (isbn,title,author,publisher,category,location,description,price,total_copies,available_copies)
        VALUES (:isbn,:title,:author,:publisher,:category,:location,:description,:price,:copies,:copies)`
)

// ---------------------------------------------------------------------------
// Engine-facing item access
// ---------------------------------------------------------------------------

func (s *queries) GetItem(ctx context.Context, id int64) (*Item, error) {
	var it Item
	err := s.get(ctx, &it, `SELECT `+itemColumns+` FROM items WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(ErrItemNotFound, "item %d", id)
	}
	if err != nil {
		return nil, storeError("get item", err)
	}
	return &it, nil
}

func (s *queries) ItemExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	if err := s.get(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM items WHERE id=?)`, id); err != nil {
		return false, storeError("item exists", err)
	}
	return exists, nil
}

// AdjustAvailable moves an item's available count by delta. The update is
// guarded so the count can never leave [0, total_copies]; a guard miss is an
// invariant violation, not a silent clamp.
func (s *queries) AdjustAvailable(ctx context.Context, id int64, delta int) error {
	n, err := s.exec(ctx, `UPDATE items SET available_copies = available_copies + ?
        WHERE id=? AND available_copies + ? BETWEEN 0 AND total_copies`, delta, id, delta)
	if err != nil {
		return storeError("adjust available", err)
	}
	if n == 1 {
		return nil
	}
	exists, err := s.ItemExists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return newError(ErrItemNotFound, "item %d", id)
	}
	return newError(ErrAvailabilityOutOfBounds, "item %d delta %+d", id, delta)
}

// OpenLoanCountForItem counts open loans holding copies of an item.
func (s *queries) OpenLoanCountForItem(ctx context.Context, itemID int64) (int, error) {
	var n int
	if err := s.get(ctx, &n, `SELECT COUNT(*) FROM loans WHERE item_id=? AND status='open'`, itemID); err != nil {
		return 0, storeError("count item loans", err)
	}
	return n, nil
}

// CanDeleteItem is the deletion guard: no open loan may reference the item.
func (s *queries) CanDeleteItem(ctx context.Context, itemID int64) (bool, error) {
	n, err := s.OpenLoanCountForItem(ctx, itemID)
	return n == 0, err
}

// ---------------------------------------------------------------------------
// Catalog administration
// ---------------------------------------------------------------------------

func normalizeItem(in *NewItem) error {
	in.ISBN = strings.TrimSpace(in.ISBN)
	if in.ISBN == "" || strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.Author) == "" {
		return newError(ErrInvalidInput, "isbn, title and author are required")
	}
	if in.Copies < 1 {
		return newError(ErrInvalidInput, "copies must be at least 1, got %d", in.Copies)
	}
	return nil
}

func itemInserted(in NewItem, res sql.Result, err error) (int64, error) {
	if isConstraint(err, sqlite3.ErrConstraintUnique) {
		return 0, newError(ErrInvalidInput, "isbn %s already catalogued", in.ISBN)
	}
	if err != nil {
		return 0, storeError("add item", err)
	}
	return res.LastInsertId()
}

// insertItem adds an already normalized item through s, which may be a transaction.
func (s *queries) insertItem(ctx context.Context, in NewItem) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := sqlx.NamedExecContext(ctx, s.q, insertItemSQL, in)
	return itemInserted(in, res, err)
}

// AddItem catalogues an item with every copy available.
func (d *Database) AddItem(ctx context.Context, in NewItem) (int64, error) {
	if err := normalizeItem(&in); err != nil {
		return 0, err
	}
	ctx, cancel := d.readContext(ctx)
	defer cancel()
	res, err := d.addItemStmt.ExecContext(ctx, in)
	return itemInserted(in, res, err)
}

// ListItems returns every item ordered by id.
func (d *Database) ListItems(ctx context.Context) ([]Item, error) {
	return d.SearchItems(ctx, ItemFilter{})
}

func itemWhere(f ItemFilter) ([]goqu.Expression, error) {
	var where []goqu.Expression
	if f.ID != 0 {
		where = append(where, goqu.I("id").Eq(f.ID))
	}
	for col, text := range map[string]string{
		"isbn":     f.ISBN,
		"title":    f.Title,
		"author":   f.Author,
		"category": f.Category,
	} {
		if t := strings.TrimSpace(text); t != "" {
			where = append(where, containsFold(col, t))
		}
	}
	switch f.Status {
	case "":
	case ItemMaintenance:
		where = append(where, goqu.I("maintenance").Eq(1))
	case ItemOnLoan:
		where = append(where, goqu.I("maintenance").Eq(0), goqu.I("available_copies").Eq(0))
	case ItemInStock:
		where = append(where, goqu.I("maintenance").Eq(0), goqu.I("available_copies").Gt(0))
	default:
		return nil, newError(ErrInvalidInput, "unknown item status %q", f.Status)
	}
	return where, nil
}

// SearchItems returns the items matching f ordered by id.
func (d *Database) SearchItems(ctx context.Context, f ItemFilter) ([]Item, error) {
	where, err := itemWhere(f)
	if err != nil {
		return nil, err
	}
	query, args, err := goqu.Dialect(dialectSQLite).
		From("items").
		Select(columnList(itemColumns)...).
		Where(where...).
		Order(goqu.I("id").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build item search: %w", err)
	}
	var items []Item
	if err := d.selectAll(ctx, &items, query, args...); err != nil {
		return nil, storeError("search items", err)
	}
	return items, nil
}

// UpdateItem rewrites the descriptive fields set in e. Copy counts and the
// maintenance flag have their own operations.
func (d *Database) UpdateItem(ctx context.Context, id int64, e ItemEdit) error {
	rec := goqu.Record{}
	for col, v := range map[string]*string{"isbn": e.ISBN, "title": e.Title, "author": e.Author} {
		if v == nil {
			continue
		}
		t := strings.TrimSpace(*v)
		if t == "" {
			return newError(ErrInvalidInput, "%s cannot be empty", col)
		}
		rec[col] = t
	}
	for col, v := range map[string]*string{
		"publisher":   e.Publisher,
		"category":    e.Category,
		"location":    e.Location,
		"description": e.Description,
	} {
		if v != nil {
			rec[col] = strings.TrimSpace(*v)
		}
	}
	if e.Price != nil {
		if e.Price.IsNegative() {
			return newError(ErrInvalidInput, "price %s is negative", e.Price)
		}
		rec["price"] = e.Price.String()
	}
	if len(rec) == 0 {
		return newError(ErrInvalidInput, "nothing to update")
	}

	query, args, err := goqu.Dialect(dialectSQLite).
		Update("items").
		Set(rec).
		Where(goqu.I("id").Eq(id)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build item update: %w", err)
	}
	n, err := d.exec(ctx, query, args...)
	if isConstraint(err, sqlite3.ErrConstraintUnique) {
		return newError(ErrInvalidInput, "isbn %v already catalogued", rec["isbn"])
	}
	if err != nil {
		return storeError("update item", err)
	}
	if n == 0 {
		return newError(ErrItemNotFound, "item %d", id)
	}
	return nil
}

// SetMaintenance flags or clears an item's maintenance status.
func (d *Database) SetMaintenance(ctx context.Context, id int64, on bool) error {
	n, err := d.exec(ctx, `UPDATE items SET maintenance=? WHERE id=?`, on, id)
	if err != nil {
		return storeError("set maintenance", err)
	}
	if n == 0 {
		return newError(ErrItemNotFound, "item %d", id)
	}
	return nil
}

// SetTotalCopies changes how many copies the library owns. Copies currently on
// loan stay on loan, so the total may not drop below them.
func (d *Database) SetTotalCopies(ctx context.Context, id int64, total int) error {
	if total < 1 {
		return newError(ErrInvalidInput, "total copies must be at least 1, got %d", total)
	}
	return d.transact(ctx, "set total copies", func(ctx context.Context, q *queries) error {
		it, err := q.GetItem(ctx, id)
		if err != nil {
			return err
		}
		onLoan := it.TotalCopies - it.AvailableCopies
		if total < onLoan {
			return newError(ErrItemHasOpenLoans, "item %d has %d copies on loan", id, onLoan)
		}
		if _, err := q.exec(ctx, `UPDATE items SET total_copies=?, available_copies=? WHERE id=?`,
			total, total-onLoan, id); err != nil {
			return fmt.Errorf("update copies: %w", err)
		}
		return nil
	})
}

// DeleteItem removes an item that no open loan references.
func (d *Database) DeleteItem(ctx context.Context, id int64) error {
	return d.transact(ctx, "delete item", func(ctx context.Context, q *queries) error {
		ok, err := q.CanDeleteItem(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return newError(ErrItemHasOpenLoans, "item %d", id)
		}
		n, err := q.exec(ctx, `DELETE FROM items WHERE id=?`, id)
		if err != nil {
			return fmt.Errorf("delete item: %w", err)
		}
		if n == 0 {
			return newError(ErrItemNotFound, "item %d", id)
		}
		return nil
	})
}
