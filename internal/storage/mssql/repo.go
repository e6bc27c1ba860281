package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"bizmon/internal/storage"
)

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Fingerprint dedupe avoids MERGE: inserts go through an
// INSERT ... SELECT over a VALUES table with a NOT EXISTS anti-join
// against the fingerprint column. Callers must not repeat a
// fingerprint within one batch; the ingest layer dedupes first.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("mssql", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(64)
	db.SetMaxIdleConns(64)
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

// wrapCreateIfMissing guards DDL behind an OBJECT_ID probe; SQL Server
// has no CREATE TABLE IF NOT EXISTS.
func wrapCreateIfMissing(table, ddl string) string {
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN %s END", table, ddl)
}

func (r *Repo) ensureRegistry(ctx context.Context) error {
	ddl := `CREATE TABLE file_metadata (
	id BIGINT IDENTITY(1,1) PRIMARY KEY,
	table_name NVARCHAR(255) NOT NULL UNIQUE,
	original_filename NVARCHAR(MAX) NOT NULL,
	columns NVARCHAR(MAX) NOT NULL,
	row_count BIGINT NOT NULL,
	column_types NVARCHAR(MAX) NOT NULL,
	upload_timestamp DATETIMEOFFSET NOT NULL,
	sample_data NVARCHAR(MAX) NOT NULL
)`
	if _, err := r.db.ExecContext(ctx, wrapCreateIfMissing("file_metadata", ddl)); err != nil {
		return fmt.Errorf("mssql: create file_metadata: %w", err)
	}
	return nil
}

func (r *Repo) CreateDatasetTable(ctx context.Context, table string, cols []storage.ColumnSpec) error {
	if len(cols) == 0 {
		return fmt.Errorf("mssql: create table %s: no columns", table)
	}

	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(mssqlIdent(table))
	b.WriteString(" (id BIGINT IDENTITY(1,1) PRIMARY KEY")
	for _, c := range cols {
		b.WriteString(", ")
		b.WriteString(mssqlIdent(c.Name))
		b.WriteByte(' ')
		b.WriteString(mssqlType(c.Type))
	}
	b.WriteString(")")

	if _, err := r.db.ExecContext(ctx, b.String()); err != nil {
		return fmt.Errorf("mssql: create table %s: %w", table, err)
	}
	return nil
}

func mssqlType(t string) string {
	switch t {
	case "integer":
		return "BIGINT"
	case "float":
		return "FLOAT"
	case "boolean":
		return "BIT"
	case "date":
		return "DATE"
	case "timestamp":
		return "DATETIME2"
	default:
		return "NVARCHAR(MAX)"
	}
}

func (r *Repo) InsertDatasetRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("mssql: insert into %s: columns is empty", table)
	}

	// SQL Server caps a statement at 2100 parameters.
	chunk := 2000 / len(columns)
	if chunk < 1 {
		chunk = 1
	}

	var total int64
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		q, args := buildBulkInsertSQL(table, columns, rows[start:end])
		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("mssql: insert into %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			p++
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
	q := fmt.Sprintf(
		"SELECT * FROM %s ORDER BY id OFFSET @p1 ROWS FETCH NEXT @p2 ROWS ONLY",
		mssqlIdent(table))
	rows, err := r.db.QueryContext(ctx, q, offset, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("mssql: select from %s: %w", table, err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func (r *Repo) DropDatasetTable(ctx context.Context, table string) error {
	drop := fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s", table, mssqlIdent(table))
	if _, err := r.db.ExecContext(ctx, drop); err != nil {
		return fmt.Errorf("mssql: drop table %s: %w", table, err)
	}
	if _, err := r.db.ExecContext(ctx, "DELETE FROM file_metadata WHERE table_name = @p1", table); err != nil {
		return fmt.Errorf("mssql: delete metadata %s: %w", table, err)
	}
	return nil
}

func (r *Repo) SaveDatasetMeta(ctx context.Context, meta *storage.DatasetMeta) error {
	columnsJSON, typesJSON, sampleJSON, err := storage.MarshalMeta(meta)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mssql: save metadata: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM file_metadata WHERE table_name = @p1", meta.TableName); err != nil {
		return fmt.Errorf("mssql: save metadata %s: %w", meta.TableName, err)
	}
	const q = `INSERT INTO file_metadata
	(table_name, original_filename, columns, row_count, column_types, upload_timestamp, sample_data)
	VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7)`
	if _, err := tx.ExecContext(ctx, q,
		meta.TableName, meta.OriginalFilename, columnsJSON, meta.RowCount,
		typesJSON, meta.UploadedAt, sampleJSON); err != nil {
		return fmt.Errorf("mssql: save metadata %s: %w", meta.TableName, err)
	}
	return tx.Commit()
}

const metaSelect = `SELECT table_name, original_filename, columns, row_count, column_types, upload_timestamp, sample_data
FROM file_metadata`

func (r *Repo) ListDatasets(ctx context.Context) ([]storage.DatasetMeta, error) {
	rows, err := r.db.QueryContext(ctx, metaSelect+" ORDER BY id DESC")
	if err != nil {
		return nil, fmt.Errorf("mssql: list datasets: %w", err)
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
	rows, err := r.db.QueryContext(ctx, metaSelect+" WHERE table_name = @p1", table)
	if err != nil {
		return nil, fmt.Errorf("mssql: dataset %s: %w", table, err)
	}
	defer rows.Close()
	return firstMeta(rows)
}

func (r *Repo) LatestDataset(ctx context.Context) (*storage.DatasetMeta, error) {
	rows, err := r.db.QueryContext(ctx, metaSelect+" ORDER BY id DESC OFFSET 0 ROWS FETCH NEXT 1 ROWS ONLY")
	if err != nil {
		return nil, fmt.Errorf("mssql: latest dataset: %w", err)
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
	var columnsJSON, typesJSON, sampleJSON string
	if err := rows.Scan(&m.TableName, &m.OriginalFilename, &columnsJSON,
		&m.RowCount, &typesJSON, &m.UploadedAt, &sampleJSON); err != nil {
		return nil, fmt.Errorf("mssql: scan metadata: %w", err)
	}
	if err := storage.UnmarshalMeta(&m, columnsJSON, typesJSON, sampleJSON); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repo) EnsureCanonical(ctx context.Context) error {
	ddl := `CREATE TABLE transactions (
	id BIGINT IDENTITY(1,1) PRIMARY KEY,
	date NVARCHAR(64),
	type NVARCHAR(MAX),
	product NVARCHAR(MAX),
	quantity FLOAT,
	price FLOAT,
	customer NVARCHAR(MAX),
	region NVARCHAR(MAX),
	fingerprint NVARCHAR(64) NOT NULL
)`
	if _, err := r.db.ExecContext(ctx, wrapCreateIfMissing("transactions", ddl)); err != nil {
		return fmt.Errorf("mssql: create transactions: %w", err)
	}
	const idx = `IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'ux_transactions_fingerprint')
CREATE UNIQUE INDEX ux_transactions_fingerprint ON transactions (fingerprint)`
	if _, err := r.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("mssql: create fingerprint index: %w", err)
	}
	return nil
}

func (r *Repo) InsertCanonicalRows(ctx context.Context, recs []storage.CanonicalRow) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	chunk := 2000 / len(storage.CanonicalColumns)
	var total int64
	for start := 0; start < len(recs); start += chunk {
		end := start + chunk
		if end > len(recs) {
			end = len(recs)
		}
		q, args := buildCanonicalInsertSQL(recs[start:end])
		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("mssql: insert transactions: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// buildCanonicalInsertSQL materializes incoming rows as a derived
// table V via VALUES and inserts only fingerprints not already stored.
func buildCanonicalInsertSQL(recs []storage.CanonicalRow) (string, []any) {
	cols := storage.CanonicalColumns

	var b strings.Builder
	b.WriteString("INSERT INTO transactions (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") SELECT ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("v.")
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(" FROM (VALUES ")

	args := make([]any, 0, len(recs)*len(cols))
	p := 1
	for i, rec := range recs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			p++
		}
		b.WriteString(")")
		args = append(args,
			rec.Date, rec.Type, rec.Product, rec.Quantity,
			rec.Price, rec.Customer, rec.Region, rec.Fingerprint)
	}

	b.WriteString(") AS v(")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") WHERE NOT EXISTS (SELECT 1 FROM transactions t WHERE t.[fingerprint] = v.[fingerprint])")

	return b.String(), args
}

func (r *Repo) CanonicalCount(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions").Scan(&n); err != nil {
		return 0, fmt.Errorf("mssql: count transactions: %w", err)
	}
	return n, nil
}

func (r *Repo) ResetCanonical(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM transactions")
	if err != nil {
		return 0, fmt.Errorf("mssql: reset transactions: %w", err)
	}
	return res.RowsAffected()
}

func (r *Repo) QueryLabelValues(ctx context.Context, query string, args ...any) ([]storage.LabelValue, error) {
	rows, err := r.db.QueryContext(ctx, storage.Rebind(storage.BindAt, query), args...)
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
	err := r.db.QueryRowContext(ctx, storage.Rebind(storage.BindAt, query), args...).Scan(&v)
	if err != nil {
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

// mssqlIdent bracket-quotes an identifier.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}
