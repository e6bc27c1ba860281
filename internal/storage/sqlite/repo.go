package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"bizmon/internal/storage"
)

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no native timestamp type; modernc.org/sqlite stores
//     timestamps with TEXT affinity. Registry timestamps are stored as
//     RFC3339Nano strings for reliable round-trip behavior and easy
//     debugging.
//   - Fingerprint dedupe uses INSERT OR IGNORE against the unique
//     index; the rows-affected count then covers only real inserts.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	// Dynamic tables are created and filled from a single request; a
	// second writer would only hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	r := &Repo{db: db}
	if err := r.ensureRegistry(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *Repo) ensureRegistry(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS file_metadata (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL UNIQUE,
	original_filename TEXT NOT NULL,
	columns TEXT NOT NULL,
	row_count INTEGER NOT NULL,
	column_types TEXT NOT NULL,
	upload_timestamp TEXT NOT NULL,
	sample_data TEXT NOT NULL
)`
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create file_metadata: %w", err)
	}
	return nil
}

// CreateDatasetTable creates one dynamic table for an upload. Types
// map onto SQLite's three useful affinities; dates stay TEXT.
func (r *Repo) CreateDatasetTable(ctx context.Context, table string, cols []storage.ColumnSpec) error {
	if len(cols) == 0 {
		return fmt.Errorf("create table %s: no columns", table)
	}

	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (id INTEGER PRIMARY KEY AUTOINCREMENT")
	for _, c := range cols {
		b.WriteString(", ")
		b.WriteString(sqlIdent(c.Name))
		b.WriteByte(' ')
		b.WriteString(sqliteType(c.Type))
	}
	b.WriteString(")")

	if _, err := r.db.ExecContext(ctx, b.String()); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

func sqliteType(t string) string {
	switch t {
	case "integer":
		return "INTEGER"
	case "float":
		return "REAL"
	case "boolean":
		return "INTEGER"
	default:
		return "TEXT"
	}
}

func (r *Repo) InsertDatasetRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("insert into %s: columns is empty", table)
	}

	var total int64
	for start := 0; start < len(rows); start += chunkRows(len(columns)) {
		end := start + chunkRows(len(columns))
		if end > len(rows) {
			end = len(rows)
		}
		q, args := buildInsertSQL("INSERT INTO ", table, columns, rows[start:end])
		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("insert into %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// chunkRows keeps each statement comfortably under SQLite's bound
// parameter limit.
func chunkRows(columns int) int {
	const maxParams = 800
	if columns <= 0 {
		return 1
	}
	n := maxParams / columns
	if n < 1 {
		return 1
	}
	return n
}

// buildInsertSQL constructs a multi-row VALUES insert with '?'
// placeholders. Pure so tests can cover it without a database.
func buildInsertSQL(prefix, table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			if j < len(row) {
				args = append(args, row[j])
			} else {
				args = append(args, nil)
			}
		}
		b.WriteString(")")
	}
	return b.String(), args
}

func (r *Repo) SelectRows(ctx context.Context, table string, limit, offset int) ([]string, [][]any, error) {
	q := fmt.Sprintf("SELECT * FROM %s LIMIT ? OFFSET ?", sqlIdent(table))
	rows, err := r.db.QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, nil, fmt.Errorf("select from %s: %w", table, err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func (r *Repo) DropDatasetTable(ctx context.Context, table string) error {
	if _, err := r.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqlIdent(table)); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	if _, err := r.db.ExecContext(ctx, "DELETE FROM file_metadata WHERE table_name = ?", table); err != nil {
		return fmt.Errorf("delete metadata %s: %w", table, err)
	}
	return nil
}

func (r *Repo) SaveDatasetMeta(ctx context.Context, meta *storage.DatasetMeta) error {
	columnsJSON, typesJSON, sampleJSON, err := storage.MarshalMeta(meta)
	if err != nil {
		return err
	}
	const q = `INSERT OR REPLACE INTO file_metadata
	(table_name, original_filename, columns, row_count, column_types, upload_timestamp, sample_data)
	VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, q,
		meta.TableName, meta.OriginalFilename, columnsJSON, meta.RowCount,
		typesJSON, formatSQLiteTime(meta.UploadedAt), sampleJSON)
	if err != nil {
		return fmt.Errorf("save metadata %s: %w", meta.TableName, err)
	}
	return nil
}

const metaSelect = `SELECT table_name, original_filename, columns, row_count, column_types, upload_timestamp, sample_data
FROM file_metadata`

func (r *Repo) ListDatasets(ctx context.Context) ([]storage.DatasetMeta, error) {
	rows, err := r.db.QueryContext(ctx, metaSelect+" ORDER BY id DESC")
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	var out []storage.DatasetMeta
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (r *Repo) DatasetByTable(ctx context.Context, table string) (*storage.DatasetMeta, error) {
	rows, err := r.db.QueryContext(ctx, metaSelect+" WHERE table_name = ?", table)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", table, err)
	}
	defer rows.Close()
	return firstMeta(rows)
}

func (r *Repo) LatestDataset(ctx context.Context) (*storage.DatasetMeta, error) {
	rows, err := r.db.QueryContext(ctx, metaSelect+" ORDER BY id DESC LIMIT 1")
	if err != nil {
		return nil, fmt.Errorf("latest dataset: %w", err)
	}
	defer rows.Close()
	return firstMeta(rows)
}

func firstMeta(rows *sql.Rows) (*storage.DatasetMeta, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, storage.ErrNoDataset
	}
	return scanMeta(rows)
}

func scanMeta(rows *sql.Rows) (*storage.DatasetMeta, error) {
	var m storage.DatasetMeta
	var columnsJSON, typesJSON, sampleJSON, uploaded string
	if err := rows.Scan(&m.TableName, &m.OriginalFilename, &columnsJSON,
		&m.RowCount, &typesJSON, &uploaded, &sampleJSON); err != nil {
		return nil, fmt.Errorf("scan metadata: %w", err)
	}
	if err := storage.UnmarshalMeta(&m, columnsJSON, typesJSON, sampleJSON); err != nil {
		return nil, err
	}
	t, err := parseSQLiteTime(uploaded)
	if err != nil {
		return nil, fmt.Errorf("parse upload_timestamp: %w", err)
	}
	m.UploadedAt = t
	return &m, nil
}

func (r *Repo) EnsureCanonical(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	date TEXT,
	type TEXT,
	product TEXT,
	quantity REAL,
	price REAL,
	customer TEXT,
	region TEXT,
	fingerprint TEXT NOT NULL
)`
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create transactions: %w", err)
	}
	const idx = `CREATE UNIQUE INDEX IF NOT EXISTS ux_transactions_fingerprint ON transactions (fingerprint)`
	if _, err := r.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("create fingerprint index: %w", err)
	}
	return nil
}

func (r *Repo) InsertCanonicalRows(ctx context.Context, recs []storage.CanonicalRow) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	cols := storage.CanonicalColumns

	var total int64
	for start := 0; start < len(recs); start += chunkRows(len(cols)) {
		end := start + chunkRows(len(cols))
		if end > len(recs) {
			end = len(recs)
		}
		rows := make([][]any, 0, end-start)
		for _, rec := range recs[start:end] {
			rows = append(rows, []any{
				rec.Date, rec.Type, rec.Product, rec.Quantity,
				rec.Price, rec.Customer, rec.Region, rec.Fingerprint,
			})
		}
		q, args := buildInsertSQL("INSERT OR IGNORE INTO ", "transactions", cols, rows)
		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("insert transactions: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (r *Repo) CanonicalCount(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}

func (r *Repo) ResetCanonical(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM transactions")
	if err != nil {
		return 0, fmt.Errorf("reset transactions: %w", err)
	}
	return res.RowsAffected()
}

func (r *Repo) QueryLabelValues(ctx context.Context, query string, args ...any) ([]storage.LabelValue, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []storage.LabelValue{}
	for rows.Next() {
		var label sql.NullString
		var value sql.NullFloat64
		if err := rows.Scan(&label, &value); err != nil {
			return nil, err
		}
		out = append(out, storage.LabelValue{Label: label.String, Value: value.Float64})
	}
	return out, rows.Err()
}

func (r *Repo) QueryScalar(ctx context.Context, query string, args ...any) (float64, error) {
	var v sql.NullFloat64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return v.Float64, nil
}

func scanAll(rows *sql.Rows) ([]string, [][]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out = append(out, vals)
	}
	return cols, out, rows.Err()
}

// sqlIdent double-quotes an identifier for SQLite.
func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// formatSQLiteTime formats a time as RFC3339Nano in UTC.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseSQLiteTime parses timestamps previously written by this repo,
// plus the space-separated form SQLite's datetime() produces.
func parseSQLiteTime(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable sqlite time %q", s)
}
