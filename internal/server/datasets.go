package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"bizmon/internal/storage"
)

// datasetJSON is the wire shape of one registry record.
type datasetJSON struct {
	TableName        string            `json:"table_name"`
	OriginalFilename string            `json:"original_filename"`
	Columns          []string          `json:"columns"`
	RowCount         int64             `json:"row_count"`
	ColumnTypes      map[string]string `json:"column_types"`
	UploadedAt       string            `json:"uploaded_at"`
	SampleData       []map[string]any  `json:"sample_data,omitempty"`
}

func toDatasetJSON(m *storage.DatasetMeta, withSample bool) datasetJSON {
	d := datasetJSON{
		TableName:        m.TableName,
		OriginalFilename: m.OriginalFilename,
		Columns:          m.Columns,
		RowCount:         m.RowCount,
		ColumnTypes:      m.ColumnTypes,
		UploadedAt:       m.UploadedAt.UTC().Format(time.RFC3339),
	}
	if withSample {
		d.SampleData = m.SampleData
	}
	return d
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	metas, err := s.Repo.ListDatasets(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	out := make([]datasetJSON, 0, len(metas))
	for i := range metas {
		out = append(out, toDatasetJSON(&metas[i], false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasets": out})
}

const (
	defaultRowLimit = 100
	maxRowLimit     = 1000
)

func (s *Server) handleDatasetRows(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	if _, err := s.Repo.DatasetByTable(r.Context(), table); err != nil {
		s.writeMappedError(w, err)
		return
	}

	limit := queryInt(r, "limit", defaultRowLimit)
	if limit < 1 || limit > maxRowLimit {
		limit = defaultRowLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	cols, rows, err := s.Repo.SelectRows(r.Context(), table, limit, offset)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"table_name": table,
		"columns":    cols,
		"rows":       rows,
		"limit":      limit,
		"offset":     offset,
	})
}

func (s *Server) handleDatasetSummary(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	meta, err := s.Repo.DatasetByTable(r.Context(), table)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dataset":      toDatasetJSON(meta, true),
		"column_count": len(meta.Columns),
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
