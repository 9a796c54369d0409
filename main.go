package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"library-lending/library"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// app carries what every command needs once the root command has opened the database.
type app struct {
	cfg     Config
	logger  *slog.Logger
	metrics *library.Metrics
	mgr     *library.LibraryManager
	out     *printer
}

func main() {
	a := &app{cfg: loadConfig()}
	if err := a.run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if kind := library.KindOf(err); kind != library.KindUnknown {
			fmt.Fprintf(os.Stderr, "Kind: %s\n", kind)
		}
		if library.IsRetryable(err) {
			os.Exit(75)
		}
		os.Exit(1)
	}
}

// run executes one command line. The store is closed however the command ends.
func (a *app) run(args []string) error {
	root := a.rootCmd()
	root.SetArgs(args)
	err := root.Execute()
	if a.mgr != nil {
		if cerr := a.mgr.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing database: %w", cerr)
		}
	}
	return err
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "library",
		Short:         "Lending desk for a small library: catalog, members, loans and overdue sweeps",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			a.logger = initLogger(a.cfg.LogLevel, a.cfg.LogFormat, os.Stderr)
			a.metrics = library.NewMetrics()
			mgr, err := library.NewLibraryManager(a.cfg.DBPath,
				library.ManagerLogger(a.logger),
				library.ManagerMetrics(a.metrics),
				library.ManagerStoreTimeout(a.cfg.StoreTimeout),
				library.ManagerSweepInterval(a.cfg.SweepInterval))
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			a.mgr = mgr
			a.out = newPrinter(os.Stdout, a.cfg.JSON)
			return nil
		},
	}

	root.CompletionOptions.DisableDefaultCmd = true

	f := root.PersistentFlags()
	f.StringVar(&a.cfg.DBPath, "db", a.cfg.DBPath, "SQLite database file (LIBRARY_DB)")
	f.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "debug, info, warn or error (LIBRARY_LOG_LEVEL)")
	f.StringVar(&a.cfg.LogFormat, "log-format", a.cfg.LogFormat, "text or json (LIBRARY_LOG_FORMAT)")
	f.DurationVar(&a.cfg.StoreTimeout, "store-timeout", a.cfg.StoreTimeout, "bound on each store call (LIBRARY_STORE_TIMEOUT)")
	f.BoolVar(&a.cfg.JSON, "json", false, "print JSON lines even on a terminal")

	root.AddCommand(
		a.itemCmd(),
		a.borrowerCmd(),
		a.borrowCmd(),
		a.returnCmd(),
		a.renewCmd(),
		a.loansCmd(),
		a.overdueCmd(),
		a.historyCmd(),
		a.statsCmd(),
		a.activityCmd(),
		a.sweepCmd(),
		a.serveCmd(),
	)
	return root
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, s)
	}
	return id, nil
}

// ------------------ Items ------------------

func (a *app) itemCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "item", Short: "Manage catalog items"}

	var in library.NewItem
	var price string
	add := &cobra.Command{
		Use:   "add",
		Short: "Catalogue a new item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.handleAddItem(cmd, in, price)
		},
	}
	add.Flags().StringVar(&in.ISBN, "isbn", "", "unique ISBN")
	add.Flags().StringVar(&in.Title, "title", "", "title")
	add.Flags().StringVar(&in.Author, "author", "", "author")
	add.Flags().StringVar(&in.Publisher, "publisher", "", "publisher")
	add.Flags().StringVar(&in.Category, "category", "", "category")
	add.Flags().StringVar(&in.Location, "location", "", "shelf location")
	add.Flags().StringVar(&in.Description, "description", "", "description")
	add.Flags().StringVar(&price, "price", "0", "price")
	add.Flags().IntVar(&in.Copies, "copies", 1, "number of copies owned")
	for _, name := range []string{"isbn", "title", "author"} {
		_ = add.MarkFlagRequired(name)
	}

	var filter library.ItemFilter
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List items, optionally filtered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = library.ItemStatus(strings.ToLower(status))
			return a.handleListItems(cmd, filter)
		},
	}
	list.Flags().Int64Var(&filter.ID, "id", 0, "only this item")
	list.Flags().StringVar(&filter.ISBN, "isbn", "", "ISBN substring")
	list.Flags().StringVar(&filter.Title, "title", "", "title substring")
	list.Flags().StringVar(&filter.Author, "author", "", "author substring")
	list.Flags().StringVar(&filter.Category, "category", "", "category substring")
	list.Flags().StringVar(&status, "status", "", "in_stock, on_loan or maintenance")

	edit := &cobra.Command{
		Use:   "edit ITEM_ID",
		Short: "Change an item's descriptive fields",
		Args:  cobra.ExactArgs(1),
		RunE:  a.handleEditItem,
	}
	ef := edit.Flags()
	for _, name := range []string{"isbn", "title", "author", "publisher", "category", "location", "description", "price"} {
		ef.String(name, "", "new "+name)
	}

	del := &cobra.Command{
		Use:   "delete ITEM_ID",
		Short: "Delete an item with no open loans",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "item")
			if err != nil {
				return err
			}
			if err := a.mgr.DeleteItem(cmd.Context(), id); err != nil {
				return err
			}
			return a.out.value(map[string]int64{"deleted_item": id}, "Item %d deleted.", id)
		},
	}

	maintenance := &cobra.Command{
		Use:       "maintenance ITEM_ID on|off",
		Short:     "Flag or clear an item's maintenance status",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "item")
			if err != nil {
				return err
			}
			var on bool
			switch args[1] {
			case "on":
				on = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[1])
			}
			if err := a.mgr.SetMaintenance(cmd.Context(), id, on); err != nil {
				return err
			}
			return a.out.value(map[string]any{"item": id, "maintenance": on}, "Item %d maintenance %s.", id, args[1])
		},
	}

	copies := &cobra.Command{
		Use:   "copies ITEM_ID TOTAL",
		Short: "Change how many copies the library owns",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "item")
			if err != nil {
				return err
			}
			total, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid total %q", args[1])
			}
			if err := a.mgr.SetTotalCopies(cmd.Context(), id, total); err != nil {
				return err
			}
			return a.out.value(map[string]int{"total_copies": total}, "Item %d now has %d copies.", id, total)
		},
	}

	cmd.AddCommand(add, list, edit, del, maintenance, copies)
	return cmd
}

func (a *app) handleAddItem(cmd *cobra.Command, in library.NewItem, price string) error {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return fmt.Errorf("invalid price %q", price)
	}
	in.Price = p
	id, err := a.mgr.AddItem(cmd.Context(), in)
	if err != nil {
		return err
	}
	return a.out.value(map[string]int64{"item_id": id}, "Item added with ID %d.", id)
}

func (a *app) handleListItems(cmd *cobra.Command, filter library.ItemFilter) error {
	items, err := a.mgr.SearchItems(cmd.Context(), filter)
	if err != nil {
		return err
	}
	header := fmt.Sprintf("%-5s %-14s %-30s %-20s %-7s %-11s", "ID", "ISBN", "Title", "Author", "Avail", "Status")
	return rows(a.out, items, header, library.PrettyItem)
}

// changedString returns the flag's value when it was given on the command line.
func changedString(cmd *cobra.Command, name string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetString(name)
	return &v
}

func (a *app) handleEditItem(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "item")
	if err != nil {
		return err
	}
	e := library.ItemEdit{
		ISBN:        changedString(cmd, "isbn"),
		Title:       changedString(cmd, "title"),
		Author:      changedString(cmd, "author"),
		Publisher:   changedString(cmd, "publisher"),
		Category:    changedString(cmd, "category"),
		Location:    changedString(cmd, "location"),
		Description: changedString(cmd, "description"),
	}
	if p := changedString(cmd, "price"); p != nil {
		price, err := decimal.NewFromString(*p)
		if err != nil {
			return fmt.Errorf("invalid price %q", *p)
		}
		e.Price = &price
	}
	if err := a.mgr.UpdateItem(cmd.Context(), id, e); err != nil {
		return err
	}
	it, err := a.mgr.GetItem(cmd.Context(), id)
	if err != nil {
		return err
	}
	return a.out.value(it, "Item %d updated: '%s' by %s.", id, it.Title, it.Author)
}

// ------------------ Borrowers ------------------

func (a *app) borrowerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "borrower", Short: "Manage borrowers"}

	var in library.NewBorrower
	var expiry string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a borrower",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.handleAddBorrower(cmd, in, expiry)
		},
	}
	add.Flags().StringVar(&in.CardNumber, "card", "", "unique card number")
	add.Flags().StringVar(&in.Name, "name", "", "name")
	add.Flags().StringVar(&in.Phone, "phone", "", "phone")
	add.Flags().StringVar(&in.Email, "email", "", "email")
	add.Flags().StringVar(&in.ReaderType, "type", "", "reader type (default regular)")
	add.Flags().IntVar(&in.MaxBorrow, "max-borrow", library.DefaultMaxBorrow, "open loans allowed at once")
	add.Flags().IntVar(&in.MaxLoanDays, "max-days", library.DefaultMaxLoanDays, "longest loan in days")
	add.Flags().StringVar(&expiry, "expiry", "", "membership expiry, YYYY-MM-DD")
	add.Flags().StringVar(&in.Notes, "notes", "", "notes")
	_ = add.MarkFlagRequired("card")
	_ = add.MarkFlagRequired("name")

	var filter library.BorrowerFilter
	var standingFilter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List borrowers, optionally filtered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Standing = library.Standing(strings.ToLower(standingFilter))
			return a.handleListBorrowers(cmd, filter)
		},
	}
	list.Flags().Int64Var(&filter.ID, "id", 0, "only this borrower")
	list.Flags().StringVar(&filter.Text, "search", "", "name or card number substring")
	list.Flags().StringVar(&filter.ReaderType, "type", "", "reader type")
	list.Flags().StringVar(&standingFilter, "standing", "", "normal, suspended or flagged")

	edit := &cobra.Command{
		Use:   "edit BORROWER_ID",
		Short: "Change a borrower's card, contact details or expiry",
		Args:  cobra.ExactArgs(1),
		RunE:  a.handleEditBorrower,
	}
	ef := edit.Flags()
	ef.String("card", "", "new card number")
	ef.String("name", "", "new name")
	ef.String("phone", "", "new phone")
	ef.String("email", "", "new email")
	ef.String("type", "", "new reader type")
	ef.String("notes", "", "new notes")
	ef.String("expiry", "", "new expiry, YYYY-MM-DD, or none to clear")

	standing := &cobra.Command{
		Use:       "standing BORROWER_ID normal|suspended|flagged",
		Short:     "Change whether a borrower may take new loans",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"normal", "suspended", "flagged"},
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "borrower")
			if err != nil {
				return err
			}
			s := library.Standing(strings.ToLower(args[1]))
			if err := a.mgr.SetStanding(cmd.Context(), id, s); err != nil {
				return err
			}
			return a.out.value(map[string]any{"borrower": id, "standing": s}, "Borrower %d is now %s.", id, s)
		},
	}

	limits := &cobra.Command{
		Use:   "limits BORROWER_ID MAX_BORROW MAX_DAYS",
		Short: "Edit a borrower's borrowing limits",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "borrower")
			if err != nil {
				return err
			}
			maxBorrow, err1 := strconv.Atoi(args[1])
			maxDays, err2 := strconv.Atoi(args[2])
			if err := errors.Join(err1, err2); err != nil {
				return fmt.Errorf("invalid limits: %w", err)
			}
			if err := a.mgr.UpdateLimits(cmd.Context(), id, maxBorrow, maxDays); err != nil {
				return err
			}
			return a.out.value(map[string]int{"max_borrow": maxBorrow, "max_loan_days": maxDays},
				"Borrower %d may hold %d items for up to %d days.", id, maxBorrow, maxDays)
		},
	}

	del := &cobra.Command{
		Use:   "delete BORROWER_ID",
		Short: "Delete a borrower with no open loans",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "borrower")
			if err != nil {
				return err
			}
			if err := a.mgr.DeleteBorrower(cmd.Context(), id); err != nil {
				return err
			}
			return a.out.value(map[string]int64{"deleted_borrower": id}, "Borrower %d deleted.", id)
		},
	}

	cmd.AddCommand(add, list, edit, standing, limits, del)
	return cmd
}

func (a *app) handleAddBorrower(cmd *cobra.Command, in library.NewBorrower, expiry string) error {
	if expiry != "" {
		d, err := library.ParseDate(expiry)
		if err != nil {
			return err
		}
		in.Expiry = library.SomeDate(d)
	}
	id, err := a.mgr.AddBorrower(cmd.Context(), in)
	if err != nil {
		return err
	}
	return a.out.value(map[string]int64{"borrower_id": id}, "Borrower registered with ID %d.", id)
}

func (a *app) handleEditBorrower(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "borrower")
	if err != nil {
		return err
	}
	e := library.BorrowerEdit{
		CardNumber: changedString(cmd, "card"),
		Name:       changedString(cmd, "name"),
		Phone:      changedString(cmd, "phone"),
		Email:      changedString(cmd, "email"),
		ReaderType: changedString(cmd, "type"),
		Notes:      changedString(cmd, "notes"),
	}
	if v := changedString(cmd, "expiry"); v != nil {
		var expiry library.NullDate
		if !strings.EqualFold(*v, "none") && *v != "" {
			d, err := library.ParseDate(*v)
			if err != nil {
				return err
			}
			expiry = library.SomeDate(d)
		}
		e.Expiry = &expiry
	}
	if err := a.mgr.UpdateBorrower(cmd.Context(), id, e); err != nil {
		return err
	}
	b, err := a.mgr.GetBorrower(cmd.Context(), id)
	if err != nil {
		return err
	}
	return a.out.value(b, "Borrower %d updated: %s (card %s).", id, b.Name, b.CardNumber)
}

func (a *app) handleListBorrowers(cmd *cobra.Command, filter library.BorrowerFilter) error {
	list, err := a.mgr.SearchBorrowers(cmd.Context(), filter)
	if err != nil {
		return err
	}
	header := fmt.Sprintf("%-5s %-10s %-25s %-9s %-6s %-4s %-10s", "ID", "Card", "Name", "Standing", "Limit", "Days", "Expiry")
	return rows(a.out, list, header, func(b *library.Borrower) string {
		return fmt.Sprintf("%-5d %-10s %-25s %-9s %-6d %-4d %-10s",
			b.ID, truncateString(b.CardNumber, 10), truncateString(b.Name, 25),
			b.Standing, b.MaxBorrow, b.MaxLoanDays, b.Expiry)
	})
}

// ------------------ Circulation ------------------

func (a *app) borrowCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "borrow ITEM_ID BORROWER_ID",
		Short: "Lend one copy of an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.handleBorrow(cmd, args, days)
		},
	}
	cmd.Flags().IntVar(&days, "days", library.DefaultMaxLoanDays, "requested loan length; capped by the borrower's limit")
	return cmd
}

func (a *app) handleBorrow(cmd *cobra.Command, args []string, days int) error {
	itemID, err := parseID(args[0], "item")
	if err != nil {
		return err
	}
	borrowerID, err := parseID(args[1], "borrower")
	if err != nil {
		return err
	}
	loan, err := a.mgr.Borrow(cmd.Context(), itemID, borrowerID, days)
	if err != nil {
		return err
	}
	return a.out.value(loan, "Loan %d: '%s' lent to %s, due %s.", loan.ID, loan.ItemTitle, loan.BorrowerName, loan.DueOn)
}

func (a *app) returnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "return LOAN_ID",
		Short: "Close a loan and report any overdue fee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "loan")
			if err != nil {
				return err
			}
			r, err := a.mgr.Return(cmd.Context(), id)
			if err != nil {
				return err
			}
			if r.OverdueDays == 0 {
				return a.out.value(r, "Loan %d returned on time.", id)
			}
			return a.out.value(r, "Loan %d returned %d days late. Fee: %s.", id, r.OverdueDays, r.OverdueFee.StringFixed(2))
		},
	}
}

func (a *app) renewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "renew LOAN_ID",
		Short: "Extend an open loan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "loan")
			if err != nil {
				return err
			}
			r, err := a.mgr.Renew(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.out.value(r, "Loan %d renewed: due %s (was %s), %d of %d renewals used.",
				id, r.NewDueOn, r.PreviousDueOn, r.Loan.RenewCount, library.RenewLimit)
		},
	}
}

const loanHeader = "ID    Title                          Borrower             Borrowed   Due        R Late"

func (a *app) loansCmd() *cobra.Command {
	var filter library.LoanFilter
	var itemID, borrowerID string
	cmd := &cobra.Command{
		Use:   "loans",
		Short: "List open loans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if itemID != "" {
				if filter.ItemID, err = parseID(itemID, "item"); err != nil {
					return err
				}
			}
			if borrowerID != "" {
				if filter.BorrowerID, err = parseID(borrowerID, "borrower"); err != nil {
					return err
				}
			}
			loans, err := a.mgr.ListOpenLoans(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return rows(a.out, loans, loanHeader, library.PrettyLoan)
		},
	}
	cmd.Flags().StringVar(&itemID, "item", "", "only loans of this item")
	cmd.Flags().StringVar(&borrowerID, "borrower", "", "only loans held by this borrower")
	cmd.Flags().StringVar(&filter.TitleContains, "title", "", "title substring")
	cmd.Flags().StringVar(&filter.BorrowerContains, "name", "", "borrower name or card substring")
	cmd.Flags().BoolVar(&filter.OverdueOnly, "overdue", false, "only loans past due")
	return cmd
}

func (a *app) overdueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overdue",
		Short: "List open loans past their due date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loans, err := a.mgr.ListOverdue(cmd.Context())
			if err != nil {
				return err
			}
			return rows(a.out, loans, loanHeader, library.PrettyLoan)
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history BORROWER_ID",
		Short: "List every loan a borrower has held",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "borrower")
			if err != nil {
				return err
			}
			loans, err := a.mgr.LoanHistory(cmd.Context(), id)
			if err != nil {
				return err
			}
			return rows(a.out, loans, loanHeader+" Status", func(l *library.LoanView) string {
				return library.PrettyLoan(l) + " " + string(l.Status)
			})
		},
	}
}

// ------------------ Reporting ------------------

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show library statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.out.json {
				s, err := a.mgr.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return a.out.value(s, "")
			}
			report, err := a.mgr.Report(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(a.out.out, report)
			return err
		},
	}
}

func (a *app) activityCmd() *cobra.Command {
	var limit int
	var verify bool
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show the circulation log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if verify {
				checked, brokenAt, err := a.mgr.VerifyActivityLog(cmd.Context())
				if err != nil {
					return err
				}
				result := map[string]any{"checked": checked, "broken_at": brokenAt}
				if brokenAt != 0 {
					if err := a.out.value(result, "Activity log broken at entry %d after %d good entries.", brokenAt, checked); err != nil {
						return err
					}
					return fmt.Errorf("activity log failed verification")
				}
				return a.out.value(result, "Activity log intact: %d entries verified.", checked)
			}
			entries, err := a.mgr.ListActivity(cmd.Context(), limit)
			if err != nil {
				return err
			}
			header := fmt.Sprintf("%-6s %-19s %-9s %-6s %-6s %s", "ID", "At", "Action", "Item", "Reader", "Detail")
			return rows(a.out, entries, header, func(e *library.ActivityEntry) string {
				return fmt.Sprintf("%-6d %-19s %-9s %-6d %-6d %s",
					e.ID, e.At.Local().Format("2006-01-02 15:04:05"), e.Action, e.ItemID, e.BorrowerID, e.Detail)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "most recent entries to show; 0 for all")
	cmd.Flags().BoolVar(&verify, "verify", false, "check the digest chain instead of listing")
	return cmd
}
