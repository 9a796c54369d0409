package library

import (
	"context"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
)

// Stats is a point-in-time summary of the library.
type Stats struct {
	TotalItems      int    `db:"total_items" json:"total_items"`
	TotalCopies     int    `db:"total_copies" json:"total_copies"`
	AvailableCopies int    `db:"available_copies" json:"available_copies"`
	TotalBorrowers  int    `db:"total_borrowers" json:"total_borrowers"`
	OpenLoans       int    `db:"open_loans" json:"open_loans"`
	OverdueLoans    int    `db:"overdue_loans" json:"overdue_loans"`
	PopularCategory string `db:"popular_category" json:"popular_category"`
	ActiveBorrowers int    `db:"active_borrowers" json:"active_borrowers"`
}

// CategoryCount is the number of loans ever made from one category.
type CategoryCount struct {
	Category string `db:"category" json:"category"`
	Loans    int    `db:"loans" json:"loans"`
}

// StatsReporter aggregates over the store and never writes.
type StatsReporter struct {
	db *Database
}

func NewStatsReporter(db *Database) *StatsReporter {
	return &StatsReporter{db: db}
}

// Snapshot computes the counters. PopularCategory is the category with the
// most loans, open or closed; ActiveBorrowers counts borrowers holding an open loan.
func (r *StatsReporter) Snapshot(ctx context.Context) (*Stats, error) {
	today := r.db.Today()
	dialect := goqu.Dialect(dialectSQLite)

	openLoans := dialect.From("loans").Where(goqu.C("status").Eq(string(LoanOpen)))
	query, args, err := dialect.Select(
		dialect.From("items").Select(goqu.COUNT("*")).As("total_items"),
		dialect.From("items").Select(goqu.COALESCE(goqu.SUM("total_copies"), 0)).As("total_copies"),
		dialect.From("items").Select(goqu.COALESCE(goqu.SUM("available_copies"), 0)).As("available_copies"),
		dialect.From("borrowers").Select(goqu.COUNT("*")).As("total_borrowers"),
		openLoans.Select(goqu.COUNT("*")).As("open_loans"),
		openLoans.Where(goqu.C("due_on").Lt(today.String())).Select(goqu.COUNT("*")).As("overdue_loans"),
		openLoans.Select(goqu.COUNT(goqu.DISTINCT("borrower_id"))).As("active_borrowers"),
	).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build stats query: %w", err)
	}

	var s Stats
	if err := r.db.get(ctx, &s, query, args...); err != nil {
		return nil, storeError("stats", err)
	}

	top, err := r.categories(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(top) > 0 {
		s.PopularCategory = top[0].Category
	}
	return &s, nil
}

// categories ranks categories by loan count, most borrowed first. A zero limit returns all.
func (r *StatsReporter) categories(ctx context.Context, limit uint) ([]CategoryCount, error) {
	ds := goqu.Dialect(dialectSQLite).
		From(goqu.T("loans").As("l")).
		Join(goqu.T("items").As("i"), goqu.On(goqu.I("i.id").Eq(goqu.I("l.item_id")))).
		Where(goqu.I("i.category").Neq("")).
		GroupBy(goqu.I("i.category")).
		Select(goqu.I("i.category").As("category"), goqu.COUNT("*").As("loans")).
		Order(goqu.L("loans").Desc(), goqu.I("i.category").Asc()).
		Prepared(true)
	if limit > 0 {
		ds = ds.Limit(limit)
	}
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build category query: %w", err)
	}
	var out []CategoryCount
	if err := r.db.selectAll(ctx, &out, query, args...); err != nil {
		return nil, storeError("category stats", err)
	}
	return out, nil
}

// Report renders the snapshot and the per-category loan counts as text.
func (r *StatsReporter) Report(ctx context.Context) (string, error) {
	s, err := r.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	cats, err := r.categories(ctx, 0)
	if err != nil {
		return "", err
	}

	popular := s.PopularCategory
	if popular == "" {
		popular = "none"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Library report for %s\n", r.db.Today())
	fmt.Fprintf(&b, "Items:            %d (%d copies, %d available)\n", s.TotalItems, s.TotalCopies, s.AvailableCopies)
	fmt.Fprintf(&b, "Borrowers:        %d (%d active)\n", s.TotalBorrowers, s.ActiveBorrowers)
	fmt.Fprintf(&b, "Open loans:       %d\n", s.OpenLoans)
	fmt.Fprintf(&b, "Overdue loans:    %d\n", s.OverdueLoans)
	fmt.Fprintf(&b, "Popular category: %s\n", popular)
	if len(cats) > 0 {
		b.WriteString("\nLoans by category:\n")
		for _, c := range cats {
			fmt.Fprintf(&b, "  %-20s %d\n", c.Category, c.Loans)
		}
	}
	return b.String(), nil
}
