package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestRowsTable(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf, width: 20}
	list := []row{{"alpha", 1}, {"a very long name indeed", 2}}

	require.NoError(t, rows(p, list, "Name Count", func(r *row) string {
		return r.Name + " " + strings.Repeat("x", r.Count)
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Name Count", lines[0])
	assert.Equal(t, "----------", lines[1])
	assert.Equal(t, "alpha x", lines[2])
	assert.Equal(t, "a very long name ...", lines[3])
}

func TestRowsEmptyAndJSON(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf, width: 80}
	require.NoError(t, rows(p, []row{}, "H", func(*row) string { return "" }))
	assert.Equal(t, "(none)\n", buf.String())

	buf.Reset()
	p.json = true
	require.NoError(t, rows(p, []row{{"a", 1}, {"b", 2}}, "H", func(*row) string { return "" }))
	assert.Equal(t, "{\"name\":\"a\",\"count\":1}\n{\"name\":\"b\",\"count\":2}\n", buf.String())
}

func TestPrinterValue(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf, width: 80}
	require.NoError(t, p.value(map[string]int{"id": 3}, "Item %d added.", 3))
	assert.Equal(t, "Item 3 added.\n", buf.String())

	buf.Reset()
	p.json = true
	require.NoError(t, p.value(map[string]int{"id": 3}, "ignored"))
	assert.JSONEq(t, `{"id":3}`, buf.String())
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", truncateString("short", 10))
	assert.Equal(t, "Harry P...", truncateString("Harry Potter", 10))
	assert.Equal(t, "été...", truncateString("étéétéété", 6))
	assert.Equal(t, "ab", truncateString("abcdef", 2))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, parseLevel("nonsense"))
}

func TestParseID(t *testing.T) {
	id, err := parseID(" 42 ", "item")
	require.NoError(t, err)
	assert.EqualValues(t, 42, id)
	for _, bad := range []string{"", "0", "-3", "x"} {
		_, err := parseID(bad, "item")
		assert.Error(t, err, bad)
	}
}
