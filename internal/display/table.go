package display

import (
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"
)

const (
	defaultTableWidth = 120
	minColumnWidth    = 12
)

// Table renders rows with tablewriter in a borderless layout that stays
// readable when piped
type Table struct {
	headers []string
	rows    [][]string
	width   int
}

// NewTable starts a table with headers. maxWidth 0 uses the terminal width.
func NewTable(headers []string, maxWidth int) *Table {
	return &Table{headers: headers, width: maxWidth}
}

// AddRow appends a row; short rows are padded
func (t *Table) AddRow(cells ...string) {
	row := make([]string, len(t.headers))
	copy(row, cells)
	t.rows = append(t.rows, row)
}

// Len is the number of rows
func (t *Table) Len() int {
	return len(t.rows)
}

// RenderTo writes the table to w
func (t *Table) RenderTo(w io.Writer) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader(t.headers)
	tw.SetAutoFormatHeaders(true)
	tw.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	tw.SetAlignment(tablewriter.ALIGN_LEFT)
	tw.SetBorder(false)
	tw.SetCenterSeparator("")
	tw.SetColumnSeparator("")
	tw.SetRowSeparator("")
	tw.SetHeaderLine(false)
	tw.SetTablePadding("  ")
	tw.SetNoWhiteSpace(true)
	tw.SetAutoWrapText(true)
	tw.SetColWidth(t.columnWidth(w))
	tw.AppendBulk(t.rows)
	tw.Render()
}

// columnWidth spreads the available width over the columns
func (t *Table) columnWidth(w io.Writer) int {
	width := t.width
	if width == 0 {
		width = terminalWidth(w)
	}
	if len(t.headers) == 0 {
		return width
	}
	per := width / len(t.headers)
	if per < minColumnWidth {
		per = minColumnWidth
	}
	return per
}

func terminalWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return defaultTableWidth
}
