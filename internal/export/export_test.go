package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"reflect"
	"strings"
	"testing"

	"bizmon/internal/query"
	"bizmon/internal/storage"
	_ "bizmon/internal/storage/sqlite"
)

func seededBuilder(t *testing.T) *Builder {
	t.Helper()
	ctx := context.Background()
	repo, err := storage.Open(ctx, storage.Config{Kind: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(repo.Close)
	if err := repo.EnsureCanonical(ctx); err != nil {
		t.Fatalf("EnsureCanonical: %v", err)
	}
	_, err = repo.InsertCanonicalRows(ctx, []storage.CanonicalRow{
		{Date: "2026-01-01", Type: "sale", Product: "widget", Quantity: 2, Price: 25, Customer: "acme", Region: "north", Fingerprint: "a"},
		{Date: "2026-01-02", Type: "purchase", Product: "widget", Quantity: 5, Price: 15, Customer: "supplier", Region: "north", Fingerprint: "b"},
		{Date: "2026-01-03", Type: "sale", Product: "gadget", Quantity: 1, Price: 50, Customer: "acme", Region: "south", Fingerprint: "c"},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return &Builder{Repo: repo, Engine: &query.Engine{Repo: repo}}
}

func parseCSV(t *testing.T, data []byte) [][]string {
	t.Helper()
	recs, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	return recs
}

// TestSummary verifies the sale/purchase split and the profit line:
// 2*25 + 1*50 = 100 in sales, 5*15 = 75 purchased, 25 profit.
func TestSummary(t *testing.T) {
	t.Parallel()
	b := seededBuilder(t)

	data, err := b.Summary(context.Background(), query.Canonical(), DateRange{})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}

	want := [][]string{
		{"metric", "value"},
		{"total_sales", "100"},
		{"total_purchases", "75"},
		{"profit", "25"},
		{"rows", "3"},
	}
	if got := parseCSV(t, data); !reflect.DeepEqual(got, want) {
		t.Fatalf("summary = %v, want %v", got, want)
	}
}

// TestSummary_DateRange verifies the window excludes rows outside the
// inclusive bounds.
func TestSummary_DateRange(t *testing.T) {
	t.Parallel()
	b := seededBuilder(t)

	data, err := b.Summary(context.Background(), query.Canonical(), DateRange{Start: "2026-01-02", End: "2026-01-03"})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}

	got := parseCSV(t, data)
	if got[1][1] != "50" { // only the gadget sale remains
		t.Fatalf("total_sales = %s, want 50", got[1][1])
	}
	if got[4][1] != "2" {
		t.Fatalf("rows = %s, want 2", got[4][1])
	}
}

// TestByProduct verifies the amount+quantity join across the two
// aggregate queries.
func TestByProduct(t *testing.T) {
	t.Parallel()
	b := seededBuilder(t)

	data, err := b.ByProduct(context.Background(), query.Canonical(), DateRange{})
	if err != nil {
		t.Fatalf("ByProduct: %v", err)
	}

	got := parseCSV(t, data)
	if !reflect.DeepEqual(got[0], []string{"product", "amount", "quantity"}) {
		t.Fatalf("header = %v", got[0])
	}
	byName := map[string][]string{}
	for _, rec := range got[1:] {
		byName[rec[0]] = rec[1:]
	}
	// widget: 2*25 + 5*15 = 125 amount, 7 quantity.
	if !reflect.DeepEqual(byName["widget"], []string{"125", "7"}) {
		t.Fatalf("widget = %v", byName["widget"])
	}
	if !reflect.DeepEqual(byName["gadget"], []string{"50", "1"}) {
		t.Fatalf("gadget = %v", byName["gadget"])
	}
}

// TestGrouped_MissingDimension verifies a source without the report's
// column yields a header-only file instead of an error.
func TestGrouped_MissingDimension(t *testing.T) {
	t.Parallel()
	b := seededBuilder(t)

	stripped := query.Source{Table: query.Canonical().Table, Columns: nil}

	data, err := b.ByRegion(context.Background(), stripped, DateRange{})
	if err != nil {
		t.Fatalf("ByRegion: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "region,amount" {
		t.Fatalf("report = %q, want header only", got)
	}
}

// TestTransactions verifies the raw dump carries every canonical
// column and respects the date window applied in Go.
func TestTransactions(t *testing.T) {
	t.Parallel()
	b := seededBuilder(t)

	data, err := b.Transactions(context.Background(), query.Canonical(), DateRange{End: "2026-01-02"})
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}

	got := parseCSV(t, data)
	if len(got) != 3 { // header + 2 rows inside the window
		t.Fatalf("rows = %d, want 3: %v", len(got), got)
	}
	var hasDate, hasFingerprint bool
	for _, c := range got[0] {
		switch c {
		case "date":
			hasDate = true
		case "fingerprint":
			hasFingerprint = true
		}
	}
	if !hasDate || !hasFingerprint {
		t.Fatalf("header missing expected columns: %v", got[0])
	}
}

// TestAllZip verifies the bundle holds all five reports and each entry
// round-trips.
func TestAllZip(t *testing.T) {
	t.Parallel()
	b := seededBuilder(t)

	data, err := b.AllZip(context.Background(), query.Canonical(), DateRange{})
	if err != nil {
		t.Fatalf("AllZip: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}

	want := map[string]bool{
		"summary.csv":      false,
		"by_product.csv":   false,
		"by_region.csv":    false,
		"by_customer.csv":  false,
		"transactions.csv": false,
	}
	for _, f := range zr.File {
		if _, ok := want[f.Name]; !ok {
			t.Fatalf("unexpected entry %q", f.Name)
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		body, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		if len(body) == 0 {
			t.Fatalf("entry %s is empty", f.Name)
		}
		want[f.Name] = true
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("bundle missing %s", name)
		}
	}
}

// TestTemplate verifies the starter file parses and starts with the
// canonical header.
func TestTemplate(t *testing.T) {
	t.Parallel()

	got := parseCSV(t, Template())
	if !reflect.DeepEqual(got[0], []string{"date", "type", "product", "quantity", "price", "customer", "region"}) {
		t.Fatalf("template header = %v", got[0])
	}
	if len(got) != 4 {
		t.Fatalf("template rows = %d, want 4", len(got))
	}
}
