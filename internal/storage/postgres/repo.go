package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bizmon/internal/storage"
)

// Repo implements storage.Repository for Postgres.
//
// Fingerprint dedupe translates to INSERT ... ON CONFLICT (fingerprint)
// DO NOTHING; the command tag then reports only rows actually written,
// which is what the upload response needs for its duplicate count.
type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	r := &Repo{pool: pool}
	if err := r.ensureRegistry(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() { r.pool.Close() }

func (r *Repo) Ping(ctx context.Context) error { return r.pool.Ping(ctx) }

func (r *Repo) ensureRegistry(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS file_metadata (
	id BIGSERIAL PRIMARY KEY,
	table_name TEXT NOT NULL UNIQUE,
	original_filename TEXT NOT NULL,
	columns TEXT NOT NULL,
	row_count BIGINT NOT NULL,
	column_types TEXT NOT NULL,
	upload_timestamp TIMESTAMPTZ NOT NULL,
	sample_data TEXT NOT NULL
)`
	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create file_metadata: %w", err)
	}
	return nil
}

func (r *Repo) CreateDatasetTable(ctx context.Context, table string, cols []storage.ColumnSpec) error {
	if len(cols) == 0 {
		return fmt.Errorf("create table %s: no columns", table)
	}

	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (id BIGSERIAL PRIMARY KEY")
	for _, c := range cols {
		b.WriteString(", ")
		b.WriteString(pgIdent(c.Name))
		b.WriteByte(' ')
		b.WriteString(pgType(c.Type))
	}
	b.WriteString(")")

	if _, err := r.pool.Exec(ctx, b.String()); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

func pgType(t string) string {
	switch t {
	case "integer":
		return "BIGINT"
	case "float":
		return "DOUBLE PRECISION"
	case "boolean":
		return "BOOLEAN"
	case "date":
		return "DATE"
	case "timestamp":
		return "TIMESTAMPTZ"
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

	// pgx.CopyFrom is the fast path for bulk loads of arbitrary width.
	idents := make([]string, len(columns))
	copy(idents, columns)
	n, err := r.pool.CopyFrom(ctx, pgx.Identifier{table}, idents, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("copy into %s: %w", table, err)
	}
	return n, nil
}

func (r *Repo) SelectRows(ctx context.Context, table string, limit, offset int) ([]string, [][]any, error) {
	q := fmt.Sprintf("SELECT * FROM %s LIMIT $1 OFFSET $2", pgIdent(table))
	rows, err := r.pool.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, nil, fmt.Errorf("select from %s: %w", table, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, nil, err
		}
		out = append(out, vals)
	}
	return cols, out, rows.Err()
}

func (r *Repo) DropDatasetTable(ctx context.Context, table string) error {
	if _, err := r.pool.Exec(ctx, "DROP TABLE IF EXISTS "+pgIdent(table)); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	if _, err := r.pool.Exec(ctx, "DELETE FROM file_metadata WHERE table_name = $1", table); err != nil {
		return fmt.Errorf("delete metadata %s: %w", table, err)
	}
	return nil
}

func (r *Repo) SaveDatasetMeta(ctx context.Context, meta *storage.DatasetMeta) error {
	columnsJSON, typesJSON, sampleJSON, err := storage.MarshalMeta(meta)
	if err != nil {
		return err
	}
	const q = `INSERT INTO file_metadata
	(table_name, original_filename, columns, row_count, column_types, upload_timestamp, sample_data)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (table_name) DO UPDATE SET
	original_filename = EXCLUDED.original_filename,
	columns = EXCLUDED.columns,
	row_count = EXCLUDED.row_count,
	column_types = EXCLUDED.column_types,
	upload_timestamp = EXCLUDED.upload_timestamp,
	sample_data = EXCLUDED.sample_data`
	_, err = r.pool.Exec(ctx, q,
		meta.TableName, meta.OriginalFilename, columnsJSON, meta.RowCount,
		typesJSON, meta.UploadedAt, sampleJSON)
	if err != nil {
		return fmt.Errorf("save metadata %s: %w", meta.TableName, err)
	}
	return nil
}

const metaSelect = `SELECT table_name, original_filename, columns, row_count, column_types, upload_timestamp, sample_data
FROM file_metadata`

func (r *Repo) ListDatasets(ctx context.Context) ([]storage.DatasetMeta, error) {
	rows, err := r.pool.Query(ctx, metaSelect+" ORDER BY id DESC")
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
	rows, err := r.pool.Query(ctx, metaSelect+" WHERE table_name = $1", table)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", table, err)
	}
	defer rows.Close()
	return firstMeta(rows)
}

func (r *Repo) LatestDataset(ctx context.Context) (*storage.DatasetMeta, error) {
	rows, err := r.pool.Query(ctx, metaSelect+" ORDER BY id DESC LIMIT 1")
	if err != nil {
		return nil, fmt.Errorf("latest dataset: %w", err)
	}
	defer rows.Close()
	return firstMeta(rows)
}

func firstMeta(rows pgx.Rows) (*storage.DatasetMeta, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, storage.ErrNoDataset
	}
	return scanMeta(rows)
}

func scanMeta(rows pgx.Rows) (*storage.DatasetMeta, error) {
	var m storage.DatasetMeta
	var columnsJSON, typesJSON, sampleJSON string
	if err := rows.Scan(&m.TableName, &m.OriginalFilename, &columnsJSON,
		&m.RowCount, &typesJSON, &m.UploadedAt, &sampleJSON); err != nil {
		return nil, fmt.Errorf("scan metadata: %w", err)
	}
	if err := storage.UnmarshalMeta(&m, columnsJSON, typesJSON, sampleJSON); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repo) EnsureCanonical(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS transactions (
	id BIGSERIAL PRIMARY KEY,
	date TEXT,
	type TEXT,
	product TEXT,
	quantity DOUBLE PRECISION,
	price DOUBLE PRECISION,
	customer TEXT,
	region TEXT,
	fingerprint TEXT NOT NULL
)`
	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create transactions: %w", err)
	}
	const idx = `CREATE UNIQUE INDEX IF NOT EXISTS ux_transactions_fingerprint ON transactions (fingerprint)`
	if _, err := r.pool.Exec(ctx, idx); err != nil {
		return fmt.Errorf("create fingerprint index: %w", err)
	}
	return nil
}

func (r *Repo) InsertCanonicalRows(ctx context.Context, recs []storage.CanonicalRow) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	// Stay well under the 65535 bind-parameter protocol limit.
	const chunk = 1000
	var total int64
	for start := 0; start < len(recs); start += chunk {
		end := start + chunk
		if end > len(recs) {
			end = len(recs)
		}
		q, args := buildCanonicalInsertSQL(recs[start:end])
		cmd, err := r.pool.Exec(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("insert transactions: %w", err)
		}
		total += cmd.RowsAffected()
	}
	return total, nil
}

// buildCanonicalInsertSQL constructs the multi-row conflict-skipping
// insert. Pure so tests can assert the exact SQL shape.
func buildCanonicalInsertSQL(recs []storage.CanonicalRow) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO transactions (")
	for i, c := range storage.CanonicalColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(recs)*len(storage.CanonicalColumns))
	p := 1
	for i, rec := range recs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range storage.CanonicalColumns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			p++
		}
		b.WriteString(")")
		args = append(args,
			rec.Date, rec.Type, rec.Product, rec.Quantity,
			rec.Price, rec.Customer, rec.Region, rec.Fingerprint)
	}
	b.WriteString(" ON CONFLICT (fingerprint) DO NOTHING")
	return b.String(), args
}

func (r *Repo) CanonicalCount(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM transactions").Scan(&n); err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}

func (r *Repo) ResetCanonical(ctx context.Context) (int64, error) {
	cmd, err := r.pool.Exec(ctx, "DELETE FROM transactions")
	if err != nil {
		return 0, fmt.Errorf("reset transactions: %w", err)
	}
	return cmd.RowsAffected(), nil
}

func (r *Repo) QueryLabelValues(ctx context.Context, query string, args ...any) ([]storage.LabelValue, error) {
	rows, err := r.pool.Query(ctx, storage.Rebind(storage.BindDollar, query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []storage.LabelValue{}
	for rows.Next() {
		var label *string
		var value *float64
		if err := rows.Scan(&label, &value); err != nil {
			return nil, err
		}
		var lv storage.LabelValue
		if label != nil {
			lv.Label = *label
		}
		if value != nil {
			lv.Value = *value
		}
		out = append(out, lv)
	}
	return out, rows.Err()
}

func (r *Repo) QueryScalar(ctx context.Context, query string, args ...any) (float64, error) {
	var v *float64
	err := r.pool.QueryRow(ctx, storage.Rebind(storage.BindDollar, query), args...).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	return *v, nil
}

// pgIdent double-quotes an identifier for Postgres.
func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
