package main

import (
	"context"
	"path/filepath"
	"testing"

	"library-lending/library"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	t.Setenv("LIBRARY_LOG_LEVEL", "error")
	a := &app{cfg: loadConfig()}
	a.cfg.DBPath = filepath.Join(t.TempDir(), "cli.db")
	return a
}

func TestRunClosesStoreWhenCommandFails(t *testing.T) {
	a := newTestApp(t)

	err := a.run([]string{"return", "99"})
	require.ErrorIs(t, err, library.ErrLoanNotFoundOrClosed)
	assert.Equal(t, library.KindNotFound, library.KindOf(err))

	require.NotNil(t, a.mgr)
	_, err = a.mgr.ListItems(context.Background())
	assert.Error(t, err, "store should be closed")
}

func TestRunClosesStoreOnSuccess(t *testing.T) {
	a := newTestApp(t)

	require.NoError(t, a.run([]string{"item", "add", "--isbn", "1", "--title", "Dune", "--author", "Herbert", "--json"}))
	_, err := a.mgr.ListItems(context.Background())
	assert.Error(t, err)

	b := newTestApp(t)
	b.cfg.DBPath = a.cfg.DBPath
	require.NoError(t, b.run([]string{"item", "edit", "1", "--location", "Shelf 9", "--json"}))
	require.NoError(t, b.run([]string{"item", "list", "--title", "dune", "--json"}))
}

func TestRunRejectsBadArguments(t *testing.T) {
	a := newTestApp(t)
	err := a.run([]string{"borrower", "limits", "1", "5", "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid limits")
}
