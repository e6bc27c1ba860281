// Package dataset holds the in-memory representation of a decoded
// tabular upload, shared by the parsers, the schema inferencer and the
// storage layer.
package dataset

import (
	"fmt"
	"strconv"
	"strings"
)

// Table is a decoded tabular file. Cells are nil (missing), string,
// bool, int64 or float64; parsers produce nothing else.
type Table struct {
	Columns []string
	Rows    [][]any
}

// IsEmpty reports whether the table has no data rows.
func (t *Table) IsEmpty() bool {
	return t == nil || len(t.Rows) == 0
}

// DropAllNullColumns removes columns whose every cell is nil. Uploads
// routinely carry trailing empty columns from spreadsheet exports.
func (t *Table) DropAllNullColumns() {
	if t == nil || len(t.Columns) == 0 {
		return
	}
	keep := make([]bool, len(t.Columns))
	for col := range t.Columns {
		for _, row := range t.Rows {
			if col < len(row) && row[col] != nil {
				keep[col] = true
				break
			}
		}
	}

	all := true
	for _, k := range keep {
		if !k {
			all = false
			break
		}
	}
	if all {
		return
	}

	cols := make([]string, 0, len(t.Columns))
	for i, name := range t.Columns {
		if keep[i] {
			cols = append(cols, name)
		}
	}
	rows := make([][]any, len(t.Rows))
	for ri, row := range t.Rows {
		nr := make([]any, 0, len(cols))
		for i := range t.Columns {
			if keep[i] {
				var v any
				if i < len(row) {
					v = row[i]
				}
				nr = append(nr, v)
			}
		}
		rows[ri] = nr
	}
	t.Columns = cols
	t.Rows = rows
}

// CellString renders a cell for display, hashing and loose parsing.
// nil becomes the empty string.
func CellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// CellFloat attempts a numeric reading of a cell. Strings are trimmed
// first; thousands separators are not handled.
func CellFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
