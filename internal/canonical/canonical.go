// Package canonical maps inferred uploads onto the fixed-schema
// transactions table and keeps its fingerprint dedupe honest.
package canonical

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"bizmon/internal/dataset"
	"bizmon/internal/infer"
	"bizmon/internal/storage"
)

// Record is one row bound for the transactions table, before
// fingerprinting. Date is already normalized to 2006-01-02.
type Record struct {
	Date     string
	Type     string
	Product  string
	Quantity float64
	Price    float64
	Customer string
	Region   string
}

// Result summarizes one ingest batch for the upload response.
type Result struct {
	Inserted  int64 `json:"inserted"`
	Duplicate int64 `json:"duplicate"`
	Invalid   int64 `json:"invalid"`
}

// fingerprintSep keeps field boundaries unambiguous in the canonical
// string; none of the hashed values can contain it.
const fingerprintSep = "\x1f"

// Fingerprint computes the stable dedupe key: SHA-256 over the seven
// canonical values joined in column order, lowercase hex. Numbers use
// strconv's shortest 'g' form so 2 and 2.0 collide on purpose.
func (r Record) Fingerprint() string {
	var b strings.Builder
	b.Grow(64)
	b.WriteString(r.Date)
	b.WriteString(fingerprintSep)
	b.WriteString(r.Type)
	b.WriteString(fingerprintSep)
	b.WriteString(r.Product)
	b.WriteString(fingerprintSep)
	b.WriteString(strconv.FormatFloat(r.Quantity, 'g', -1, 64))
	b.WriteString(fingerprintSep)
	b.WriteString(strconv.FormatFloat(r.Price, 'g', -1, 64))
	b.WriteString(fingerprintSep)
	b.WriteString(r.Customer)
	b.WriteString(fingerprintSep)
	b.WriteString(r.Region)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func (r Record) row() storage.CanonicalRow {
	return storage.CanonicalRow{
		Date:        r.Date,
		Type:        r.Type,
		Product:     r.Product,
		Quantity:    r.Quantity,
		Price:       r.Price,
		Customer:    r.Customer,
		Region:      r.Region,
		Fingerprint: r.Fingerprint(),
	}
}

// MapRows projects an inferred dataset onto canonical records using
// the schema's role assignments. Rows whose quantity, price or date
// carry a non-empty value that fails to parse are dropped and counted
// invalid; absent roles simply yield zero values.
func MapRows(sch *infer.Schema, rows [][]any) ([]Record, int64) {
	idx := func(role infer.Role) int {
		col := sch.Column(role)
		if col == "" {
			return -1
		}
		for i, c := range sch.Columns {
			if c == col {
				return i
			}
		}
		return -1
	}

	dateIdx := idx(infer.RoleDate)
	typeIdx := idx(infer.RoleType)
	productIdx := idx(infer.RoleProduct)
	quantityIdx := idx(infer.RoleQuantity)
	priceIdx := idx(infer.RolePrice)
	customerIdx := idx(infer.RoleCustomer)
	regionIdx := idx(infer.RoleRegion)

	cell := func(row []any, i int) any {
		if i < 0 || i >= len(row) {
			return nil
		}
		return row[i]
	}

	recs := make([]Record, 0, len(rows))
	var invalid int64

	for _, row := range rows {
		var rec Record
		ok := true

		if v := cell(row, dateIdx); v != nil {
			s := strings.TrimSpace(dataset.CellString(v))
			if s != "" {
				if t, _, parsed := infer.ParseDateLoose(s); parsed {
					rec.Date = t.Format("2006-01-02")
				} else if t, _, parsed := infer.ParseTimestampLoose(s); parsed {
					rec.Date = t.Format("2006-01-02")
				} else {
					ok = false
				}
			}
		}

		if v := cell(row, quantityIdx); ok && v != nil {
			if s, isStr := v.(string); !isStr || strings.TrimSpace(s) != "" {
				f, parsed := dataset.CellFloat(v)
				if !parsed {
					ok = false
				}
				rec.Quantity = f
			}
		}

		if v := cell(row, priceIdx); ok && v != nil {
			if s, isStr := v.(string); !isStr || strings.TrimSpace(s) != "" {
				f, parsed := dataset.CellFloat(v)
				if !parsed {
					ok = false
				}
				rec.Price = f
			}
		}

		if !ok {
			invalid++
			continue
		}

		rec.Type = strings.TrimSpace(dataset.CellString(cell(row, typeIdx)))
		rec.Product = strings.TrimSpace(dataset.CellString(cell(row, productIdx)))
		rec.Customer = strings.TrimSpace(dataset.CellString(cell(row, customerIdx)))
		rec.Region = strings.TrimSpace(dataset.CellString(cell(row, regionIdx)))

		recs = append(recs, rec)
	}

	return recs, invalid
}

// Store wraps the repository's canonical operations with batch-level
// dedupe accounting.
type Store struct {
	Repo storage.Repository
}

// Ingest writes records, skipping fingerprints already stored or
// repeated within the batch. Duplicate counts both kinds; backends
// without ON CONFLICT rely on the in-batch dedupe happening here.
func (s *Store) Ingest(ctx context.Context, recs []Record) (Result, error) {
	if len(recs) == 0 {
		return Result{}, nil
	}

	seen := make(map[string]struct{}, len(recs))
	rows := make([]storage.CanonicalRow, 0, len(recs))
	var inBatchDupes int64
	for _, rec := range recs {
		row := rec.row()
		if _, dup := seen[row.Fingerprint]; dup {
			inBatchDupes++
			continue
		}
		seen[row.Fingerprint] = struct{}{}
		rows = append(rows, row)
	}

	inserted, err := s.Repo.InsertCanonicalRows(ctx, rows)
	if err != nil {
		return Result{}, fmt.Errorf("canonical ingest: %w", err)
	}

	return Result{
		Inserted:  inserted,
		Duplicate: inBatchDupes + int64(len(rows)) - inserted,
	}, nil
}

// IngestTable is the upload pipeline's one-call path: map, validate,
// dedupe, insert.
func (s *Store) IngestTable(ctx context.Context, sch *infer.Schema, rows [][]any) (Result, error) {
	recs, invalid := MapRows(sch, rows)
	res, err := s.Ingest(ctx, recs)
	if err != nil {
		return Result{}, err
	}
	res.Invalid = invalid
	return res, nil
}

// Count reports stored transactions.
func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.Repo.CanonicalCount(ctx)
}

// Reset clears the table and reports how many rows went away.
func (s *Store) Reset(ctx context.Context) (int64, error) {
	return s.Repo.ResetCanonical(ctx)
}
