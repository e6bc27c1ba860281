package dashboard

import (
	"strings"
	"testing"
)

// TestFormatValue verifies the card formatting tiers; the breakpoints
// are exclusive (>1K, >1M) so exactly 1000 still renders in full.
func TestFormatValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float64
		want string
	}{
		{2_500_000, "$2.5M"},
		{1_000_001, "$1.0M"},
		{45_200, "$45.2K"},
		{1_000, "$1,000"},
		{1_234_567, "$1.2M"},
		{999, "$999"},
		{1, "$1"},
		{0.42, "0.42"},
		{0, "0.00"},
	}

	for _, tt := range tests {
		if got := FormatValue(tt.in); got != tt.want {
			t.Fatalf("FormatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestBuild_NumericKPIs verifies the main path: at most four cards,
// titled from the column when printable, generic when not.
func TestBuild_NumericKPIs(t *testing.T) {
	t.Parallel()

	in := Input{
		Columns:  []string{"order_date", "total_sales", "数量", "tax", "fee", "margin"},
		Types:    map[string]string{"order_date": "date"},
		Numeric:  []string{"total_sales", "数量", "tax", "fee", "margin"},
		RowCount: 10,
		Sums: map[string]float64{
			"total_sales": 1_500_000, "数量": 42, "tax": 12, "fee": 3, "margin": 8,
		},
	}

	cfg := Build(in)

	if len(cfg.KPIs) != 4 {
		t.Fatalf("KPIs = %d, want 4", len(cfg.KPIs))
	}
	if cfg.KPIs[0].Title != "Total Total Sales" {
		t.Fatalf("KPI[0].Title = %q", cfg.KPIs[0].Title)
	}
	if cfg.KPIs[0].Value != "$1.5M" {
		t.Fatalf("KPI[0].Value = %q", cfg.KPIs[0].Value)
	}
	// Non-printable column name takes the positional generic title.
	if cfg.KPIs[1].Title != "Total Value" {
		t.Fatalf("KPI[1].Title = %q, want generic", cfg.KPIs[1].Title)
	}
}

// TestBuild_AccentedLabelSurvives verifies diacritic folding: an
// accented Latin column should render its own title, not a generic
// one.
func TestBuild_AccentedLabelSurvives(t *testing.T) {
	t.Parallel()

	in := Input{
		Columns: []string{"ventes_totales", "café"},
		Numeric: []string{"café"},
		Sums:    map[string]float64{"café": 10},
	}

	cfg := Build(in)
	if len(cfg.KPIs) == 0 || cfg.KPIs[0].Title != "Total Cafe" {
		t.Fatalf("KPIs = %+v, want folded 'Total Cafe'", cfg.KPIs)
	}
}

// TestBuild_FallbackKPIs verifies the no-measure path: unique counts
// first, then dataset vitals, still capped at four cards.
func TestBuild_FallbackKPIs(t *testing.T) {
	t.Parallel()

	in := Input{
		Columns:  []string{"name", "city", "notes"},
		RowCount: 123,
		Uniques:  map[string]int64{"name": 50, "city": 7, "notes": 120},
	}

	cfg := Build(in)

	if len(cfg.KPIs) != 4 {
		t.Fatalf("KPIs = %d, want 4", len(cfg.KPIs))
	}
	if cfg.KPIs[0].Title != "Unique Name" || cfg.KPIs[1].Title != "Unique City" {
		t.Fatalf("unique KPIs = %q, %q", cfg.KPIs[0].Title, cfg.KPIs[1].Title)
	}
	if cfg.KPIs[2].Title != "Total Rows" || cfg.KPIs[2].Value != "$123" {
		t.Fatalf("rows KPI = %+v", cfg.KPIs[2])
	}
	if cfg.KPIs[3].Title != "Total Columns" {
		t.Fatalf("KPI[3] = %+v", cfg.KPIs[3])
	}
}

// TestBuild_EmptyDatasetVitals verifies a dataset with no measures and
// no unique counts still yields the vitals cards.
func TestBuild_EmptyDatasetVitals(t *testing.T) {
	t.Parallel()

	cfg := Build(Input{Columns: []string{"a"}, RowCount: 0})
	want := []string{"Total Rows", "Total Columns", "Data Quality", "Status"}
	if len(cfg.KPIs) != 4 {
		t.Fatalf("KPIs = %d, want 4", len(cfg.KPIs))
	}
	for i, w := range want {
		if cfg.KPIs[i].Title != w {
			t.Fatalf("KPI[%d].Title = %q, want %q", i, cfg.KPIs[i].Title, w)
		}
	}
}

// TestBuild_Charts verifies chart selection: date plus measure makes a
// bounded line chart, and the first categorical column makes a top-N
// bar chart; the date column must never double as the bar dimension.
func TestBuild_Charts(t *testing.T) {
	t.Parallel()

	in := Input{
		Columns: []string{"order_date", "region", "revenue"},
		Types:   map[string]string{"order_date": "date", "region": "text", "revenue": "float"},
		Numeric: []string{"revenue"},
		Sums:    map[string]float64{"revenue": 100},
	}

	cfg := Build(in)

	if len(cfg.Charts) != 2 {
		t.Fatalf("charts = %+v, want line+bar", cfg.Charts)
	}
	line, bar := cfg.Charts[0], cfg.Charts[1]
	if line.Type != "line" || line.XColumn != "order_date" || line.YColumn != "revenue" || line.Limit != 50 {
		t.Fatalf("line chart = %+v", line)
	}
	if line.Title != "Revenue Over Time" {
		t.Fatalf("line title = %q", line.Title)
	}
	if bar.Type != "bar" || bar.XColumn != "region" || bar.Limit != 10 {
		t.Fatalf("bar chart = %+v", bar)
	}
	if bar.Title != "Revenue by Region" {
		t.Fatalf("bar title = %q", bar.Title)
	}
}

// TestBuild_NoDateNoCharts verifies a dataset without any measure
// draws no charts at all rather than an axis-less widget.
func TestBuild_NoDateNoCharts(t *testing.T) {
	t.Parallel()

	cfg := Build(Input{Columns: []string{"name", "city"}})
	if len(cfg.Charts) != 0 {
		t.Fatalf("charts = %+v, want none", cfg.Charts)
	}
}

// TestDisplayLabel documents the printability rule directly since
// several features branch on it.
func TestDisplayLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"total_sales", "Total Sales"},
		{"café", "Cafe"},
		{"数量", ""},
		{"123", ""},
		{"Σ", ""},
	}
	for _, tt := range tests {
		if got := displayLabel(tt.in); got != tt.want {
			t.Fatalf("displayLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if strings.TrimSpace(displayLabel("  spaced  name ")) == "" {
		t.Fatal("spaced name should stay printable")
	}
}
