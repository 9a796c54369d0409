package library

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportItems(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	csv := `ISBN,Title,Author,Category,Price,Copies
111,Go in Action,Kennedy,Programming,39.99,2
222,No Copies,Nobody,Misc,1.00,zero
111,Duplicate,Someone,Misc,,1
333,Defaults,Anon,,,
`
	res, err := ImportItems(ctx, db, strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)
	require.Len(t, res.Failed, 2)
	assert.Equal(t, 3, res.Failed[0].Line)
	assert.Equal(t, 4, res.Failed[1].Line)
	assert.ErrorIs(t, res.Failed[1].Err, ErrInvalidInput)

	items, err := db.ListItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Go in Action", items[0].Title)
	assert.True(t, items[0].Price.Equal(decimal.RequireFromString("39.99")))
	assert.Equal(t, 2, items[0].TotalCopies)
	assert.Equal(t, 1, items[1].TotalCopies)
}

func TestImportItemsMissingColumn(t *testing.T) {
	_, err := ImportItems(context.Background(), tempDB(t), strings.NewReader("isbn,title\n1,T\n"))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestImportBorrowers(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	csv := `card_number,name,max_borrow,max_loan_days,expiry
C1,Alice,2,14,2030-01-01
C2,Bob,,,
C3,Carol,x,,
C4,Dave,1,500,
`
	res, err := ImportBorrowers(ctx, db, strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)
	require.Len(t, res.Failed, 2)
	assert.Equal(t, 4, res.Failed[0].Line)
	assert.Equal(t, 5, res.Failed[1].Line)
	assert.ErrorIs(t, res.Failed[1].Err, ErrInvalidInput)

	borrowers, err := db.ListBorrowers(ctx)
	require.NoError(t, err)
	require.Len(t, borrowers, 2)
	assert.Equal(t, 2, borrowers[0].MaxBorrow)
	assert.Equal(t, "2030-01-01", borrowers[0].Expiry.String())
	assert.Equal(t, DefaultMaxBorrow, borrowers[1].MaxBorrow)
}

func TestSeedSampleOnlyOnce(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()

	items, borrowers, err := SeedSample(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, len(sampleItems), items)
	assert.Equal(t, len(sampleBorrowers), borrowers)

	items, borrowers, err = SeedSample(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, items)
	assert.Zero(t, borrowers)
}

func TestSeedSampleSkipsWhenBorrowersExist(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	addBorrower(t, db, sampleBorrowers[0].CardNumber, 5, 30)

	items, borrowers, err := SeedSample(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, items)
	assert.Zero(t, borrowers)

	catalog, err := db.ListItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, catalog, "no partial seed")
}
