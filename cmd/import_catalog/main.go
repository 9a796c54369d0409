package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"library-lending/library"
)

func main() {
	dbPath := flag.String("db", "library.db", "SQLite database file")
	itemsFile := flag.String("items", "", "CSV of items (isbn,title,author,...)")
	borrowersFile := flag.String("borrowers", "", "CSV of borrowers (card_number,name,...)")
	sample := flag.Bool("sample", false, "load the sample catalog when the library is empty")
	fresh := flag.Bool("fresh", false, "delete the existing database first")
	flag.Parse()

	if *itemsFile == "" && *borrowersFile == "" && !*sample {
		fmt.Fprintln(os.Stderr, "nothing to import: pass -items, -borrowers or -sample")
		flag.Usage()
		os.Exit(2)
	}

	if *fresh {
		fmt.Println("Cleaning up existing database files...")
		for _, file := range []string{*dbPath, *dbPath + "-shm", *dbPath + "-wal"} {
			if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
				fmt.Printf("Warning: Could not remove %s: %v\n", file, err)
			}
		}
	}

	manager, err := library.NewLibraryManager(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer manager.Close()

	ctx := context.Background()
	failed := false

	if *sample {
		items, borrowers, err := manager.SeedSample(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading sample data: %v\n", err)
			os.Exit(1)
		}
		if items == 0 && borrowers == 0 {
			fmt.Println("Catalog is not empty, sample data skipped.")
		} else {
			fmt.Printf("Loaded %d sample items and %d sample borrowers.\n", items, borrowers)
		}
	}

	if *itemsFile != "" {
		fmt.Printf("Importing items from %s...\n", *itemsFile)
		res, err := manager.AddItemsFromFile(ctx, *itemsFile)
		failed = report(res, err) || failed
	}
	if *borrowersFile != "" {
		fmt.Printf("Importing borrowers from %s...\n", *borrowersFile)
		res, err := manager.AddBorrowersFromFile(ctx, *borrowersFile)
		failed = report(res, err) || failed
	}

	items, err := manager.ListItems(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error retrieving items: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nCatalog:")
	fmt.Printf("%-4s %-14s %-40s %-25s %-6s\n", "ID", "ISBN", "Title", "Author", "Copies")
	fmt.Println(strings.Repeat("-", 93))
	for _, it := range items {
		fmt.Printf("%-4d %-14s %-40s %-25s %d/%d\n", it.ID, it.ISBN,
			truncateString(it.Title, 40), truncateString(it.Author, 25), it.AvailableCopies, it.TotalCopies)
	}

	if failed {
		os.Exit(1)
	}
}

// report prints an import outcome and returns true if anything went wrong.
func report(res library.ImportResult, err error) bool {
	for _, rowErr := range res.Failed {
		fmt.Printf("  skipped %v\n", rowErr)
	}
	fmt.Printf("Imported: %d, skipped: %d\n", res.Added, len(res.Failed))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Import stopped: %v\n", err)
		return true
	}
	return len(res.Failed) > 0
}

func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
