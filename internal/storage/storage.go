// Package storage defines the backend-agnostic repository used by the
// upload pipeline, the canonical transaction store and the query
// engine. Backends register themselves by kind; the application picks
// one at startup.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoDataset is returned by dataset lookups when nothing has been
// uploaded yet or the named table is unknown.
var ErrNoDataset = errors.New("storage: no such dataset")

// Config is the minimal configuration needed to open a repository.
//
// Kind must match a registered backend kind ("sqlite", "postgres",
// "mssql"). DSN is passed through to the backend factory; validation
// is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// ColumnSpec describes one column of a dynamic dataset table. Type is
// one of the inferred type names (integer, float, boolean, date,
// timestamp, text); backends map it to their own DDL type.
type ColumnSpec struct {
	Name string
	Type string
}

// DatasetMeta is the registry record kept for every upload.
type DatasetMeta struct {
	TableName        string
	OriginalFilename string
	Columns          []string
	RowCount         int64
	ColumnTypes      map[string]string
	UploadedAt       time.Time
	SampleData       []map[string]any
}

// CanonicalRow is one validated row bound for the fixed-schema
// transactions table. Fingerprint must already be computed.
type CanonicalRow struct {
	Date        string
	Type        string
	Product     string
	Quantity    float64
	Price       float64
	Customer    string
	Region      string
	Fingerprint string
}

// LabelValue is one aggregate result row.
type LabelValue struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// Repository is the storage surface the application builds on.
//
// IMPORTANT: query text handed to QueryLabelValues / QueryScalar uses
// '?' placeholders; each backend rebinds them to its own dialect. The
// query engine is the only caller and never interpolates user input
// into the text itself.
type Repository interface {
	// Close releases backend resources. Treat as "call once" at
	// process shutdown.
	Close()

	// Ping validates connectivity; the health endpoint calls it.
	Ping(ctx context.Context) error

	// Dataset tables: one table per upload, columns from inference.
	CreateDatasetTable(ctx context.Context, table string, cols []ColumnSpec) error
	InsertDatasetRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
	SelectRows(ctx context.Context, table string, limit, offset int) ([]string, [][]any, error)
	DropDatasetTable(ctx context.Context, table string) error

	// Dataset registry.
	SaveDatasetMeta(ctx context.Context, meta *DatasetMeta) error
	ListDatasets(ctx context.Context) ([]DatasetMeta, error)
	DatasetByTable(ctx context.Context, table string) (*DatasetMeta, error)
	LatestDataset(ctx context.Context) (*DatasetMeta, error)

	// Canonical transactions table with fingerprint dedupe. Insert is
	// idempotent: conflicting fingerprints are skipped and the
	// returned count covers only rows actually written.
	EnsureCanonical(ctx context.Context) error
	InsertCanonicalRows(ctx context.Context, rows []CanonicalRow) (int64, error)
	CanonicalCount(ctx context.Context) (int64, error)
	ResetCanonical(ctx context.Context) (int64, error)

	// Read-only execution for the query engine ('?' placeholders).
	QueryLabelValues(ctx context.Context, query string, args ...any) ([]LabelValue, error)
	QueryScalar(ctx context.Context, query string, args ...any) (float64, error)
}

// ---- backend factories ----

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres",
// "sqlite"). Call from an init() function in a backend package.
//
// Panics on empty kind, nil factory, or duplicate registration; this
// is intentional to fail fast and avoid ambiguous backend selection.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// Open constructs a Repository using the registered backend factory.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing Kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// ---- helpers shared by backends ----

// MarshalMeta encodes the JSON-valued fields of a registry record.
func MarshalMeta(meta *DatasetMeta) (columnsJSON, typesJSON, sampleJSON string, err error) {
	cb, err := json.Marshal(meta.Columns)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal columns: %w", err)
	}
	tb, err := json.Marshal(meta.ColumnTypes)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal column_types: %w", err)
	}
	sample := meta.SampleData
	if sample == nil {
		sample = []map[string]any{}
	}
	sb, err := json.Marshal(sample)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal sample_data: %w", err)
	}
	return string(cb), string(tb), string(sb), nil
}

// UnmarshalMeta decodes the JSON-valued fields of a registry record.
func UnmarshalMeta(meta *DatasetMeta, columnsJSON, typesJSON, sampleJSON string) error {
	if columnsJSON != "" {
		if err := json.Unmarshal([]byte(columnsJSON), &meta.Columns); err != nil {
			return fmt.Errorf("unmarshal columns: %w", err)
		}
	}
	if typesJSON != "" {
		if err := json.Unmarshal([]byte(typesJSON), &meta.ColumnTypes); err != nil {
			return fmt.Errorf("unmarshal column_types: %w", err)
		}
	}
	if sampleJSON != "" {
		if err := json.Unmarshal([]byte(sampleJSON), &meta.SampleData); err != nil {
			return fmt.Errorf("unmarshal sample_data: %w", err)
		}
	}
	return nil
}

// CanonicalColumns is the column order of the transactions table,
// fingerprint last. Backends and the export layer share it.
var CanonicalColumns = []string{
	"date", "type", "product", "quantity", "price", "customer", "region", "fingerprint",
}
