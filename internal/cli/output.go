package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"sigs.k8s.io/yaml"
)

// PrintStructured writes data as indented JSON or as YAML.
func PrintStructured(w io.Writer, format OutputFormat, data any) error {
	switch format {
	case OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case OutputFormatYAML:
		out, err := yaml.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode YAML: %w", err)
		}
		_, err = w.Write(out)
		return err
	}
	return fmt.Errorf("format %q is not structured", format)
}

// Table wraps a go-pretty writer with the styles used across commands.
type Table struct {
	w         table.Writer
	headers   int
	noHeaders bool
}

// plainStyle renders kubectl-like columns without box drawing so output
// stays friendly to grep, awk and cut.
var plainStyle = func() table.Style {
	s := table.StyleDefault
	s.Name = "plain"
	s.Box.PaddingLeft = ""
	s.Box.PaddingRight = "   "
	s.Options = table.Options{}
	s.Format.Header = text.FormatUpper
	return s
}()

// NewTable creates a table writing to out. Plain output, or any format other
// than table and wide, uses the plain style.
func NewTable(out io.Writer, format OutputFormat, noHeaders bool) *Table {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	if format == OutputFormatTable || format == OutputFormatWide {
		t.SetStyle(table.StyleRounded)
		t.Style().Format.Header = text.FormatDefault
	} else {
		t.SetStyle(plainStyle)
	}
	return &Table{w: t, noHeaders: noHeaders}
}

// SetHeaders sets the column headers. Interactive tables colour them.
func (t *Table) SetHeaders(headers ...string) {
	t.headers = len(headers)
	if t.noHeaders {
		return
	}
	row := make(table.Row, len(headers))
	for i, h := range headers {
		if t.w.Style().Name == plainStyle.Name {
			row[i] = h
			continue
		}
		row[i] = text.FgHiCyan.Sprint(h)
	}
	t.w.AppendHeader(row)
}

// AppendRow adds a row, padding or cutting it to the header count.
func (t *Table) AppendRow(cells ...string) {
	n := len(cells)
	if t.headers > 0 {
		n = t.headers
	}
	row := make(table.Row, n)
	for i := range row {
		if i < len(cells) {
			row[i] = cells[i]
		} else {
			row[i] = ""
		}
	}
	t.w.AppendRow(row)
}

// Len returns the number of rows appended so far.
func (t *Table) Len() int {
	return t.w.Length()
}

// Render writes the table.
func (t *Table) Render() {
	t.w.Render()
}
