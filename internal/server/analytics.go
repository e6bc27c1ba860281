package server

import (
	"net/http"
	"strings"

	"bizmon/internal/infer"
	"bizmon/internal/metrics"
	"bizmon/internal/query"
	"bizmon/internal/storage"
)

// resolveSource maps the "table" query parameter onto a query source.
//
//	(empty) or "canonical" → the transactions table
//	"latest"               → the most recent upload
//	anything else          → that dataset table
func (s *Server) resolveSource(r *http.Request) (query.Source, error) {
	table := r.URL.Query().Get("table")
	switch table {
	case "", "canonical", "transactions":
		return query.Canonical(), nil
	case "latest":
		meta, err := s.Repo.LatestDataset(r.Context())
		if err != nil {
			return query.Source{}, err
		}
		return datasetSource(meta), nil
	default:
		meta, err := s.Repo.DatasetByTable(r.Context(), table)
		if err != nil {
			return query.Source{}, err
		}
		return datasetSource(meta), nil
	}
}

// datasetSource rebuilds the role→column mapping for a stored upload.
// Roles are derived from column names, so re-deriving them here gives
// the same assignment the upload produced.
func datasetSource(meta *storage.DatasetMeta) query.Source {
	sch := &infer.Schema{
		Columns: meta.Columns,
		Roles:   infer.AssignRoles(meta.Columns),
	}
	return query.Dataset(meta.TableName, sch)
}

// parseRequest reads group_by/metric/limit plus filters. Filters come
// as repeated "filter=field:op:value" parameters; start_date and
// end_date are shorthand for date-range filters.
func parseRequest(r *http.Request) query.Request {
	q := r.URL.Query()
	req := query.Request{
		GroupBy: q.Get("group_by"),
		Metric:  q.Get("metric"),
		Limit:   queryInt(r, "limit", 0),
	}
	for _, raw := range q["filter"] {
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) != 3 {
			continue
		}
		req.Filters = append(req.Filters, query.Filter{Field: parts[0], Op: parts[1], Value: parts[2]})
	}
	req.Filters = append(req.Filters, dateFilters(r)...)
	return req
}

// dateFilters reads the optional start_date/end_date window as range
// filters on the date role.
func dateFilters(r *http.Request) []query.Filter {
	var fs []query.Filter
	if v := r.URL.Query().Get("start_date"); v != "" {
		fs = append(fs, query.Filter{Field: "date", Op: "gte", Value: v})
	}
	if v := r.URL.Query().Get("end_date"); v != "" {
		fs = append(fs, query.Filter{Field: "date", Op: "lte", Value: v})
	}
	return fs
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	src, err := s.resolveSource(r)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	req := parseRequest(r)
	if req.GroupBy == "" {
		writeError(w, http.StatusBadRequest, "group_by is required")
		return
	}

	rows, err := s.Engine.Aggregate(r.Context(), src, req)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	metrics.IncCounter("bizmon_queries_total", 1, metrics.Labels{"op": "aggregate"})
	writeJSON(w, http.StatusOK, map[string]any{
		"group_by": req.GroupBy,
		"metric":   query.ParseMetric(req.Metric).String(),
		"rows":     rows,
	})
}

func (s *Server) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	src, err := s.resolveSource(r)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	req := parseRequest(r)

	series, err := s.Engine.TimeSeries(r.Context(), src, req)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	metrics.IncCounter("bizmon_queries_total", 1, metrics.Labels{"op": "timeseries"})
	writeJSON(w, http.StatusOK, map[string]any{
		"metric": query.ParseMetric(req.Metric).String(),
		"dates":  series.Dates,
		"values": series.Values,
	})
}

func (s *Server) handleKPI(w http.ResponseWriter, r *http.Request) {
	src, err := s.resolveSource(r)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	req := parseRequest(r)

	value, err := s.Engine.KPI(r.Context(), src, req)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	metrics.IncCounter("bizmon_queries_total", 1, metrics.Labels{"op": "kpi"})
	writeJSON(w, http.StatusOK, map[string]any{
		"metric": query.ParseMetric(req.Metric).String(),
		"value":  value,
	})
}
