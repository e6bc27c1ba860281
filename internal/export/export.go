// Package export renders the report downloads: per-dimension CSV
// files, a raw transactions dump, and a zip bundling all of them.
//
// Every report runs against a query source, so the same code serves
// the canonical transactions table and any uploaded dataset; a source
// missing the report's dimension yields a header-only file rather
// than an error, matching what a spreadsheet user expects from an
// empty report.
package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"

	"bizmon/internal/dataset"
	"bizmon/internal/infer"
	"bizmon/internal/query"
	"bizmon/internal/storage"
)

// DateRange narrows reports to an inclusive ISO-date window. Empty
// bounds are open.
type DateRange struct {
	Start string
	End   string
}

func (r DateRange) filters() []query.Filter {
	var fs []query.Filter
	if r.Start != "" {
		fs = append(fs, query.Filter{Field: "date", Op: "gte", Value: r.Start})
	}
	if r.End != "" {
		fs = append(fs, query.Filter{Field: "date", Op: "lte", Value: r.End})
	}
	return fs
}

// Builder renders reports for one source.
type Builder struct {
	Repo   storage.Repository
	Engine *query.Engine
}

// Summary is the headline metric,value report: sales and purchase
// totals split on the type column, their difference as profit, and
// the row count.
func (b *Builder) Summary(ctx context.Context, src query.Source, dr DateRange) ([]byte, error) {
	rows, err := b.Engine.KPI(ctx, src, query.Request{Metric: "count", Filters: dr.filters()})
	if err != nil {
		return nil, fmt.Errorf("export summary: %w", err)
	}

	var totalSales, totalPurchases float64
	if src.Columns[infer.RoleType] != "" {
		totalSales, err = b.Engine.KPI(ctx, src, query.Request{
			Metric:  "sum_amount",
			Filters: append(dr.filters(), query.Filter{Field: "type", Op: "eq", Value: "sale"}),
		})
		if err != nil {
			return nil, fmt.Errorf("export summary: %w", err)
		}
		totalPurchases, err = b.Engine.KPI(ctx, src, query.Request{
			Metric:  "sum_amount",
			Filters: append(dr.filters(), query.Filter{Field: "type", Op: "eq", Value: "purchase"}),
		})
		if err != nil {
			return nil, fmt.Errorf("export summary: %w", err)
		}
	} else {
		// No type column: everything counts as sales.
		totalSales, err = b.Engine.KPI(ctx, src, query.Request{Metric: "sum_amount", Filters: dr.filters()})
		if err != nil {
			return nil, fmt.Errorf("export summary: %w", err)
		}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"metric", "value"})
	_ = w.Write([]string{"total_sales", formatFloat(totalSales)})
	_ = w.Write([]string{"total_purchases", formatFloat(totalPurchases)})
	_ = w.Write([]string{"profit", formatFloat(totalSales - totalPurchases)})
	_ = w.Write([]string{"rows", formatFloat(rows)})
	w.Flush()
	return buf.Bytes(), w.Error()
}

// ByProduct reports amount and quantity per product.
func (b *Builder) ByProduct(ctx context.Context, src query.Source, dr DateRange) ([]byte, error) {
	return b.grouped(ctx, src, dr, "product", []string{"product", "amount", "quantity"}, true)
}

// ByRegion reports amount per region.
func (b *Builder) ByRegion(ctx context.Context, src query.Source, dr DateRange) ([]byte, error) {
	return b.grouped(ctx, src, dr, "region", []string{"region", "amount"}, false)
}

// ByCustomer reports amount per customer.
func (b *Builder) ByCustomer(ctx context.Context, src query.Source, dr DateRange) ([]byte, error) {
	return b.grouped(ctx, src, dr, "customer", []string{"customer", "amount"}, false)
}

func (b *Builder) grouped(ctx context.Context, src query.Source, dr DateRange, field string, header []string, withQuantity bool) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(header)

	role, _ := infer.ParseRole(field)
	if src.Columns[role] == "" {
		// Dimension absent from this source. Header-only report.
		w.Flush()
		return buf.Bytes(), w.Error()
	}

	amounts, err := b.Engine.Aggregate(ctx, src, query.Request{
		GroupBy: field,
		Metric:  "sum_amount",
		Filters: dr.filters(),
	})
	if err != nil {
		return nil, fmt.Errorf("export by_%s: %w", field, err)
	}

	quantities := map[string]float64{}
	if withQuantity {
		qs, err := b.Engine.Aggregate(ctx, src, query.Request{
			GroupBy: field,
			Metric:  "sum_quantity",
			Filters: dr.filters(),
		})
		if err != nil {
			return nil, fmt.Errorf("export by_%s: %w", field, err)
		}
		for _, lv := range qs {
			quantities[lv.Label] = lv.Value
		}
	}

	for _, lv := range amounts {
		rec := []string{lv.Label, formatFloat(lv.Value)}
		if withQuantity {
			rec = append(rec, formatFloat(quantities[lv.Label]))
		}
		_ = w.Write(rec)
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// transactionsPageSize bounds each SelectRows call so a large dataset
// streams in chunks instead of one giant scan.
const transactionsPageSize = 5000

// Transactions dumps every row of the given table with its stored
// columns. The date window is applied in Go against the source's date
// column since stored datasets keep arbitrary column types.
func (b *Builder) Transactions(ctx context.Context, src query.Source, dr DateRange) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	dateCol := src.Columns[infer.RoleDate]
	var columns []string
	dateIdx := -1

	for offset := 0; ; offset += transactionsPageSize {
		cols, rows, err := b.Repo.SelectRows(ctx, src.Table, transactionsPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("export transactions: %w", err)
		}
		if columns == nil {
			columns = cols
			for i, c := range cols {
				if c == dateCol {
					dateIdx = i
				}
			}
			_ = w.Write(columns)
		}
		for _, row := range rows {
			if dateIdx >= 0 && !inRange(dataset.CellString(row[dateIdx]), dr) {
				continue
			}
			rec := make([]string, len(columns))
			for i := range columns {
				if i < len(row) {
					rec[i] = dataset.CellString(row[i])
				}
			}
			_ = w.Write(rec)
		}
		if len(rows) < transactionsPageSize {
			break
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func inRange(date string, dr DateRange) bool {
	if date == "" {
		return dr.Start == "" && dr.End == ""
	}
	if dr.Start != "" && date < dr.Start {
		return false
	}
	if dr.End != "" && date > dr.End {
		return false
	}
	return true
}

// AllZip bundles the five reports into one deflate-compressed archive.
func (b *Builder) AllZip(ctx context.Context, src query.Source, dr DateRange) ([]byte, error) {
	type report struct {
		name  string
		build func() ([]byte, error)
	}
	reports := []report{
		{"summary.csv", func() ([]byte, error) { return b.Summary(ctx, src, dr) }},
		{"by_product.csv", func() ([]byte, error) { return b.ByProduct(ctx, src, dr) }},
		{"by_region.csv", func() ([]byte, error) { return b.ByRegion(ctx, src, dr) }},
		{"by_customer.csv", func() ([]byte, error) { return b.ByCustomer(ctx, src, dr) }},
		{"transactions.csv", func() ([]byte, error) { return b.Transactions(ctx, src, dr) }},
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, r := range reports {
		data, err := r.build()
		if err != nil {
			return nil, err
		}
		f, err := zw.Create(r.name)
		if err != nil {
			return nil, fmt.Errorf("export zip: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			return nil, fmt.Errorf("export zip: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("export zip: %w", err)
	}
	return buf.Bytes(), nil
}

// Template is the starter CSV handed to users who want the canonical
// column layout.
func Template() []byte {
	return []byte("date,type,product,quantity,price,customer,region\n" +
		"2025-09-01,sale,Widget A,2,25.00,Customer 1,North\n" +
		"2025-09-02,purchase,Widget A,5,15.00,Supplier,North\n" +
		"2025-09-03,sale,Widget B,1,50.00,Customer 2,South\n")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
