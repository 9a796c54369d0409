package library

import (
	"time"

	"github.com/shopspring/decimal"
)

// Lending policy shared by every borrower.
const (
	// RenewLimit is the number of renewals a single loan may receive.
	RenewLimit = 2
	// DefaultMaxBorrow and DefaultMaxLoanDays apply when registration leaves them unset.
	DefaultMaxBorrow   = 5
	DefaultMaxLoanDays = 30
	// MaxLoanDaysLimit caps any borrower's loan length.
	MaxLoanDaysLimit = 180
)

// FeePerDay is charged for every whole day a loan is returned after its due date.
var FeePerDay = decimal.RequireFromString("0.50")

// ItemStatus is a projected label; availability is decided by AvailableCopies.
type ItemStatus string

const (
	ItemInStock     ItemStatus = "in_stock"
	ItemOnLoan      ItemStatus = "on_loan"
	ItemMaintenance ItemStatus = "maintenance"
)

// Standing governs whether a borrower may take new loans.
type Standing string

const (
	StandingNormal    Standing = "normal"
	StandingSuspended Standing = "suspended"
	StandingFlagged   Standing = "flagged"
)

// Valid reports whether s is one of the known standings.
func (s Standing) Valid() bool {
	switch s {
	case StandingNormal, StandingSuspended, StandingFlagged:
		return true
	}
	return false
}

// LoanStatus is the lifecycle state of a loan. Closed is terminal.
type LoanStatus string

const (
	LoanOpen   LoanStatus = "open"
	LoanClosed LoanStatus = "closed"
)

// Action tags an activity log entry.
type Action string

const (
	ActionIssued   Action = "issued"
	ActionReturned Action = "returned"
	ActionRenewed  Action = "renewed"
)

// Item is a catalog entry with a finite number of lendable copies.
type Item struct {
	ID              int64           `db:"id" json:"id"`
	ISBN            string          `db:"isbn" json:"isbn"`
	Title           string          `db:"title" json:"title"`
	Author          string          `db:"author" json:"author"`
	Publisher       string          `db:"publisher" json:"publisher,omitempty"`
	Category        string          `db:"category" json:"category,omitempty"`
	Location        string          `db:"location" json:"location,omitempty"`
	Description     string          `db:"description" json:"description,omitempty"`
	Price           decimal.Decimal `db:"price" json:"price"`
	TotalCopies     int             `db:"total_copies" json:"total_copies"`
	AvailableCopies int             `db:"available_copies" json:"available_copies"`
	Maintenance     bool            `db:"maintenance" json:"maintenance"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// Status derives the display label from the authoritative counters.
func (it *Item) Status() ItemStatus {
	switch {
	case it.Maintenance:
		return ItemMaintenance
	case it.AvailableCopies == 0:
		return ItemOnLoan
	default:
		return ItemInStock
	}
}

// NewItem holds the fields accepted when cataloguing an item.
type NewItem struct {
	ISBN        string          `db:"isbn"`
	Title       string          `db:"title"`
	Author      string          `db:"author"`
	Publisher   string          `db:"publisher"`
	Category    string          `db:"category"`
	Location    string          `db:"location"`
	Description string          `db:"description"`
	Price       decimal.Decimal `db:"price"`
	Copies      int             `db:"copies"`
}

// Borrower is a registered member with borrowing limits.
type Borrower struct {
	ID           int64    `db:"id" json:"id"`
	CardNumber   string   `db:"card_number" json:"card_number"`
	Name         string   `db:"name" json:"name"`
	Phone        string   `db:"phone" json:"phone,omitempty"`
	Email        string   `db:"email" json:"email,omitempty"`
	ReaderType   string   `db:"reader_type" json:"reader_type"`
	MaxBorrow    int      `db:"max_borrow" json:"max_borrow"`
	MaxLoanDays  int      `db:"max_loan_days" json:"max_loan_days"`
	Standing     Standing `db:"standing" json:"standing"`
	RegisteredOn Date     `db:"registered_on" json:"registered_on"`
	Expiry       NullDate `db:"expiry" json:"expiry"`
	Notes        string   `db:"notes" json:"notes,omitempty"`
}

// NewBorrower holds the fields accepted at registration. Zero limits take the defaults.
type NewBorrower struct {
	CardNumber   string   `db:"card_number"`
	Name         string   `db:"name"`
	Phone        string   `db:"phone"`
	Email        string   `db:"email"`
	ReaderType   string   `db:"reader_type"`
	MaxBorrow    int      `db:"max_borrow"`
	MaxLoanDays  int      `db:"max_loan_days"`
	RegisteredOn Date     `db:"registered_on"`
	Expiry       NullDate `db:"expiry"`
	Notes        string   `db:"notes"`
}

// Loan records one item held by one borrower.
type Loan struct {
	ID         int64           `db:"id" json:"id"`
	ItemID     int64           `db:"item_id" json:"item_id"`
	BorrowerID int64           `db:"borrower_id" json:"borrower_id"`
	BorrowedOn Date            `db:"borrowed_on" json:"borrowed_on"`
	DueOn      Date            `db:"due_on" json:"due_on"`
	ReturnedOn NullDate        `db:"returned_on" json:"returned_on"`
	RenewCount int             `db:"renew_count" json:"renew_count"`
	Status     LoanStatus      `db:"status" json:"status"`
	OverdueFee decimal.Decimal `db:"overdue_fee" json:"overdue_fee"`
}

// OverdueDays is the number of whole days past due as of asOf, never negative.
func (l *Loan) OverdueDays(asOf Date) int {
	if d := asOf.DaysSince(l.DueOn); d > 0 {
		return d
	}
	return 0
}

// LoanView is a loan joined with the item and borrower details collaborators display.
type LoanView struct {
	Loan
	ItemTitle    string `db:"item_title" json:"item_title"`
	ItemISBN     string `db:"item_isbn" json:"item_isbn"`
	BorrowerName string `db:"borrower_name" json:"borrower_name"`
	BorrowerCard string `db:"borrower_card" json:"borrower_card"`
	DaysOverdue  int    `db:"-" json:"days_overdue"`
}

// ReturnReceipt is the outcome of a successful return.
type ReturnReceipt struct {
	Loan        LoanView        `json:"loan"`
	OverdueDays int             `json:"overdue_days"`
	OverdueFee  decimal.Decimal `json:"overdue_fee"`
}

// RenewReceipt is the outcome of a successful renewal.
type RenewReceipt struct {
	Loan          LoanView `json:"loan"`
	PreviousDueOn Date     `json:"previous_due_on"`
	NewDueOn      Date     `json:"new_due_on"`
}

// ActivityEntry is an immutable line in the circulation log.
type ActivityEntry struct {
	ID         int64     `db:"id" json:"id"`
	ItemID     int64     `db:"item_id" json:"item_id"`
	BorrowerID int64     `db:"borrower_id" json:"borrower_id"`
	Action     Action    `db:"action" json:"action"`
	At         time.Time `db:"at" json:"at"`
	Detail     string    `db:"detail" json:"detail"`
	Digest     string    `db:"digest" json:"digest"`
}

// LoanFilter narrows ListOpenLoans. Zero values match everything.
type LoanFilter struct {
	ItemID           int64
	BorrowerID       int64
	TitleContains    string
	BorrowerContains string
	OverdueOnly      bool
}

// ItemFilter narrows SearchItems. Text fields match case-insensitive
// substrings; zero values match everything.
type ItemFilter struct {
	ID       int64
	ISBN     string
	Title    string
	Author   string
	Category string
	Status   ItemStatus
}

// BorrowerFilter narrows SearchBorrowers. Text matches the name or card number.
type BorrowerFilter struct {
	ID         int64
	Text       string
	ReaderType string
	Standing   Standing
}

// ItemEdit carries the descriptive item fields to change. Nil fields are kept.
type ItemEdit struct {
	ISBN        *string
	Title       *string
	Author      *string
	Publisher   *string
	Category    *string
	Location    *string
	Description *string
	Price       *decimal.Decimal
}

// BorrowerEdit carries the borrower fields to change. Nil fields are kept; a
// non-nil Expiry that is not Valid clears the expiry.
type BorrowerEdit struct {
	CardNumber *string
	Name       *string
	Phone      *string
	Email      *string
	ReaderType *string
	Notes      *string
	Expiry     *NullDate
}
