package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/juju/ansiterm"
)

// printer writes command results either as indented JSON or as tables.
type printer struct {
	w    io.Writer
	json bool
}

func newPrinter(w io.Writer, asJSON bool) *printer {
	return &printer{w: w, json: asJSON}
}

// emit writes v as JSON, or calls render when JSON output is off.
func (p *printer) emit(v interface{}, render func(*table) error) error {
	if p.json {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	t := &table{tw: ansiterm.NewTabWriter(p.w, 0, 1, 2, ' ', 0)}
	if err := render(t); err != nil {
		return err
	}
	return t.tw.Flush()
}

// raw returns the underlying writer for renderers that own their layout.
func (p *printer) raw() io.Writer { return p.w }

type table struct {
	tw *ansiterm.TabWriter
}

func (t *table) row(values ...string) {
	fmt.Fprintln(t.tw, strings.Join(values, "\t"))
}

func dryRunNote(dryRun bool) string {
	if dryRun {
		return " (dry run)"
	}
	return ""
}
