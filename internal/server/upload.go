package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"bizmon/internal/dataset"
	"bizmon/internal/infer"
	"bizmon/internal/metrics"
	"bizmon/internal/parser"
	"bizmon/internal/storage"
)

// uploadResponse reports what one file became.
type uploadResponse struct {
	TableName string   `json:"table_name"`
	Filename  string   `json:"filename"`
	Columns   []string `json:"columns"`
	RowCount  int64    `json:"row_count"`
	Inserted  int64    `json:"inserted"`
	Duplicate int64    `json:"duplicate"`
	Invalid   int64    `json:"invalid"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.Limiter != nil && !s.Limiter.Allow("upload", clientKey(r)) {
		metrics.IncCounter("bizmon_ratelimit_rejected_total", 1, metrics.Labels{"scope": "upload"})
		writeError(w, http.StatusTooManyRequests, "upload rate limit exceeded, retry in a minute")
		return
	}

	if s.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadBytes)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, "file exceeds the upload size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	format := parser.Format(header.Filename)
	if !parser.Supported(header.Filename) {
		metrics.IncCounter("bizmon_uploads_total", 1, metrics.Labels{"format": format, "status": "unsupported"})
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported file format %q", format))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, "file exceeds the upload size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read upload body")
		return
	}
	metrics.ObserveHistogram("bizmon_upload_bytes", float64(len(data)), metrics.Labels{"format": format})

	tbl, err := parser.Parse(header.Filename, data)
	if err != nil {
		status := "parse_error"
		if errors.Is(err, parser.ErrEmptyDataset) {
			status = "empty"
		}
		metrics.IncCounter("bizmon_uploads_total", 1, metrics.Labels{"format": format, "status": status})
		writeError(w, http.StatusBadRequest, fmt.Sprintf("could not parse file: %v", err))
		return
	}

	sch := infer.Infer(tbl.Columns, tbl.Rows)

	ctx := r.Context()
	table, err := s.datasetTableName(ctx)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	cols := make([]storage.ColumnSpec, len(sch.Columns))
	for i, name := range sch.Columns {
		cols[i] = storage.ColumnSpec{Name: name, Type: string(sch.Types[name])}
	}
	if err := s.Repo.CreateDatasetTable(ctx, table, cols); err != nil {
		// A concurrent upload in the same second can claim the name
		// between the registry check and the create, since metadata
		// lands only after the table exists. Retry once with a fresh
		// suffixed name.
		table = fmt.Sprintf("data_%d_%s", s.now().Unix(), uuid.NewString()[:8])
		if err := s.Repo.CreateDatasetTable(ctx, table, cols); err != nil {
			s.writeMappedError(w, err)
			return
		}
	}
	rowCount, err := s.Repo.InsertDatasetRows(ctx, table, sch.Columns, tbl.Rows)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	meta := &storage.DatasetMeta{
		TableName:        table,
		OriginalFilename: header.Filename,
		Columns:          sch.Columns,
		RowCount:         rowCount,
		ColumnTypes:      typeNames(sch),
		UploadedAt:       s.now().UTC(),
		SampleData:       sampleRows(sch.Columns, tbl.Rows, 3),
	}
	if err := s.Repo.SaveDatasetMeta(ctx, meta); err != nil {
		s.writeMappedError(w, err)
		return
	}

	if err := s.Repo.EnsureCanonical(ctx); err != nil {
		s.writeMappedError(w, err)
		return
	}
	res, err := s.Canonical.IngestTable(ctx, sch, tbl.Rows)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	metrics.IncCounter("bizmon_uploads_total", 1, metrics.Labels{"format": format, "status": "ok"})
	metrics.IncCounter("bizmon_rows_total", float64(res.Inserted), metrics.Labels{"kind": "inserted"})
	metrics.IncCounter("bizmon_rows_total", float64(res.Duplicate), metrics.Labels{"kind": "duplicate"})
	metrics.IncCounter("bizmon_rows_total", float64(res.Invalid), metrics.Labels{"kind": "invalid"})

	s.logf("stage=upload file=%s table=%s rows=%d inserted=%d duplicate=%d invalid=%d",
		header.Filename, table, rowCount, res.Inserted, res.Duplicate, res.Invalid)

	writeJSON(w, http.StatusOK, uploadResponse{
		TableName: table,
		Filename:  header.Filename,
		Columns:   sch.Columns,
		RowCount:  rowCount,
		Inserted:  res.Inserted,
		Duplicate: res.Duplicate,
		Invalid:   res.Invalid,
	})
}

// datasetTableName derives data_<unix-seconds>; two uploads landing in
// the same second get a short uuid suffix instead of a failed CREATE.
func (s *Server) datasetTableName(ctx context.Context) (string, error) {
	base := fmt.Sprintf("data_%d", s.now().Unix())

	_, err := s.Repo.DatasetByTable(ctx, base)
	if errors.Is(err, storage.ErrNoDataset) {
		return base, nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%s", base, uuid.NewString()[:8]), nil
}

func typeNames(sch *infer.Schema) map[string]string {
	out := make(map[string]string, len(sch.Types))
	for name, t := range sch.Types {
		out[name] = string(t)
	}
	return out
}

// sampleRows keeps the first n rows as column→value maps for the
// registry's sample_data field.
func sampleRows(columns []string, rows [][]any, n int) []map[string]any {
	if n > len(rows) {
		n = len(rows)
	}
	out := make([]map[string]any, 0, n)
	for _, row := range rows[:n] {
		m := make(map[string]any, len(columns))
		for i, c := range columns {
			if i < len(row) {
				m[c] = normalizeSample(row[i])
			} else {
				m[c] = nil
			}
		}
		out = append(out, m)
	}
	return out
}

// normalizeSample keeps sample values JSON-friendly.
func normalizeSample(v any) any {
	switch x := v.(type) {
	case nil, string, bool, float64, int64, int:
		return x
	case time.Time:
		return x.Format("2006-01-02 15:04:05")
	default:
		return dataset.CellString(v)
	}
}
