package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/term"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultWidth = 100

// printer writes either aligned tables for a person at a terminal or one JSON
// object per line for scripts.
type printer struct {
	out   io.Writer
	json  bool
	width int
}

func newPrinter(f *os.File, forceJSON bool) *printer {
	p := &printer{out: f, json: forceJSON, width: defaultWidth}
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		p.json = true
		return p
	}
	if w, _, err := term.GetSize(fd); err == nil && w > 40 {
		p.width = w
	}
	return p
}

// value prints a single result: JSON, or the human message.
func (p *printer) value(v any, human string, args ...any) error {
	if p.json {
		return json.NewEncoder(p.out).Encode(v)
	}
	_, err := fmt.Fprintf(p.out, human+"\n", args...)
	return err
}

// rows prints a list. In table mode the header is followed by a rule sized to
// the terminal and one line per row.
func rows[T any](p *printer, list []T, header string, line func(*T) string) error {
	if p.json {
		enc := json.NewEncoder(p.out)
		for i := range list {
			if err := enc.Encode(&list[i]); err != nil {
				return err
			}
		}
		return nil
	}
	if len(list) == 0 {
		_, err := fmt.Fprintln(p.out, "(none)")
		return err
	}
	fmt.Fprintln(p.out, header)
	fmt.Fprintln(p.out, strings.Repeat("-", min(len(header), p.width)))
	for i := range list {
		fmt.Fprintln(p.out, truncateString(line(&list[i]), p.width))
	}
	return nil
}

func truncateString(s string, maxLength int) string {
	r := []rune(s)
	if len(r) <= maxLength {
		return s
	}
	if maxLength <= 3 {
		return string(r[:maxLength])
	}
	return string(r[:maxLength-3]) + "..."
}
