package library

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ImportResult reports a bulk import. Rows that fail are skipped, not fatal.
type ImportResult struct {
	Added  int
	Failed []RowError
}

// RowError is a rejected CSV row; Line counts from 1 and includes the header.
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

// csvRows reads a CSV with a header row and yields each record keyed by
// lower-cased column name.
func csvRows(r io.Reader, required []string, fn func(line int, row map[string]string) error) error {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	cols := make([]string, len(header))
	present := make(map[string]bool, len(header))
	for i, h := range header {
		cols[i] = strings.ToLower(strings.TrimSpace(h))
		present[cols[i]] = true
	}
	for _, c := range required {
		if !present[c] {
			return newError(ErrInvalidInput, "missing column %q", c)
		}
	}

	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read line %d: %w", line, err)
		}
		row := make(map[string]string, len(cols))
		for i, v := range rec {
			if i < len(cols) {
				row[cols[i]] = strings.TrimSpace(v)
			}
		}
		if err := fn(line, row); err != nil {
			return err
		}
	}
}

func atoiDefault(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

// ImportItems adds one item per CSV row. Columns: isbn, title, author,
// publisher, category, location, description, price, copies.
func ImportItems(ctx context.Context, db *Database, r io.Reader) (ImportResult, error) {
	var res ImportResult
	err := csvRows(r, []string{"isbn", "title", "author"}, func(line int, row map[string]string) error {
		in := NewItem{
			ISBN:        row["isbn"],
			Title:       row["title"],
			Author:      row["author"],
			Publisher:   row["publisher"],
			Category:    row["category"],
			Location:    row["location"],
			Description: row["description"],
			Price:       decimal.Zero,
		}
		copies, err := atoiDefault(row["copies"], 1)
		if err != nil {
			res.Failed = append(res.Failed, RowError{line, fmt.Errorf("copies: %w", err)})
			return nil
		}
		in.Copies = copies
		if p := row["price"]; p != "" {
			if in.Price, err = decimal.NewFromString(p); err != nil {
				res.Failed = append(res.Failed, RowError{line, fmt.Errorf("price: %w", err)})
				return nil
			}
		}
		if _, err := db.AddItem(ctx, in); err != nil {
			if IsRetryable(err) {
				return err
			}
			res.Failed = append(res.Failed, RowError{line, err})
			return nil
		}
		res.Added++
		return nil
	})
	return res, err
}

// ImportBorrowers adds one borrower per CSV row. Columns: card_number, name,
// phone, email, reader_type, max_borrow, max_loan_days, expiry, notes.
func ImportBorrowers(ctx context.Context, db *Database, r io.Reader) (ImportResult, error) {
	var res ImportResult
	err := csvRows(r, []string{"card_number", "name"}, func(line int, row map[string]string) error {
		in := NewBorrower{
			CardNumber: row["card_number"],
			Name:       row["name"],
			Phone:      row["phone"],
			Email:      row["email"],
			ReaderType: row["reader_type"],
			Notes:      row["notes"],
		}
		var err error
		if in.MaxBorrow, err = atoiDefault(row["max_borrow"], 0); err != nil {
			res.Failed = append(res.Failed, RowError{line, fmt.Errorf("max_borrow: %w", err)})
			return nil
		}
		if in.MaxLoanDays, err = atoiDefault(row["max_loan_days"], 0); err != nil {
			res.Failed = append(res.Failed, RowError{line, fmt.Errorf("max_loan_days: %w", err)})
			return nil
		}
		if e := row["expiry"]; e != "" {
			d, err := ParseDate(e)
			if err != nil {
				res.Failed = append(res.Failed, RowError{line, fmt.Errorf("expiry: %w", err)})
				return nil
			}
			in.Expiry = SomeDate(d)
		}
		if _, err := db.AddBorrower(ctx, in); err != nil {
			if IsRetryable(err) {
				return err
			}
			res.Failed = append(res.Failed, RowError{line, err})
			return nil
		}
		res.Added++
		return nil
	})
	return res, err
}

var sampleItems = []NewItem{
	{ISBN: "9780321714114", Title: "C++ Primer", Author: "Stanley Lippman", Publisher: "Addison-Wesley",
		Category: "Programming", Price: decimal.RequireFromString("128.00"), Copies: 5},
	{ISBN: "9780134190440", Title: "The Go Programming Language", Author: "Alan Donovan", Publisher: "Addison-Wesley",
		Category: "Programming", Price: decimal.RequireFromString("89.00"), Copies: 3},
	{ISBN: "9780451524935", Title: "1984", Author: "George Orwell", Publisher: "Signet",
		Category: "Literature", Price: decimal.RequireFromString("9.99"), Copies: 4},
	{ISBN: "9780553380163", Title: "A Brief History of Time", Author: "Stephen Hawking", Publisher: "Bantam",
		Category: "Science", Price: decimal.RequireFromString("18.00"), Copies: 2},
	{ISBN: "9781590302255", Title: "The Art of War", Author: "Sun Tzu", Publisher: "Shambhala",
		Category: "History", Price: decimal.RequireFromString("12.95"), Copies: 1},
}

var sampleBorrowers = []NewBorrower{
	{CardNumber: "R0001", Name: "Ada Lovelace", Email: "ada@example.org", ReaderType: "staff", MaxBorrow: 10, MaxLoanDays: 60},
	{CardNumber: "R0002", Name: "Alan Turing", Email: "alan@example.org"},
	{CardNumber: "R0003", Name: "Grace Hopper", Phone: "555-0100", ReaderType: "student", MaxBorrow: 3, MaxLoanDays: 14},
}

// SeedSample fills an empty library with a few items and borrowers in one
// transaction. It does nothing if any item or borrower already exists.
func SeedSample(ctx context.Context, db *Database) (items, borrowers int, err error) {
	today := db.Today()
	err = db.transact(ctx, "seed sample", func(ctx context.Context, q *queries) error {
		var existing int
		if err := q.get(ctx, &existing,
			`SELECT (SELECT COUNT(*) FROM items) + (SELECT COUNT(*) FROM borrowers)`); err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}
		for _, in := range sampleItems {
			if err := normalizeItem(&in); err != nil {
				return err
			}
			if _, err := q.insertItem(ctx, in); err != nil {
				return err
			}
			items++
		}
		for _, in := range sampleBorrowers {
			if err := normalizeBorrower(&in, today); err != nil {
				return err
			}
			if _, err := q.insertBorrower(ctx, in); err != nil {
				return err
			}
			borrowers++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return items, borrowers, nil
}
