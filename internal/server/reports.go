package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"bizmon/internal/dashboard"
	"bizmon/internal/export"
	"bizmon/internal/infer"
	"bizmon/internal/metrics"
	"bizmon/internal/narrative"
	"bizmon/internal/query"
	"bizmon/internal/storage"
)

// ---- smart dashboard ----

func (s *Server) handleSmartDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	meta, err := s.Repo.LatestDataset(ctx)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	numeric := numericFromMeta(meta)

	in := dashboard.Input{
		Columns:  meta.Columns,
		Types:    meta.ColumnTypes,
		Numeric:  numeric,
		RowCount: meta.RowCount,
		Sums:     map[string]float64{},
		Uniques:  map[string]int64{},
	}

	for _, col := range numeric {
		v, err := s.Repo.QueryScalar(ctx,
			"SELECT COALESCE(SUM("+quoteIdent(col)+"), 0) FROM "+quoteIdent(meta.TableName))
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		in.Sums[col] = v
	}

	if len(numeric) == 0 {
		// Unique-count fallback cards need distinct counts for the
		// first categorical columns only.
		counted := 0
		for _, col := range meta.Columns {
			if counted >= 2 {
				break
			}
			switch meta.ColumnTypes[col] {
			case "date", "timestamp", "integer", "float":
				continue
			}
			v, err := s.Repo.QueryScalar(ctx,
				"SELECT COUNT(DISTINCT "+quoteIdent(col)+") FROM "+quoteIdent(meta.TableName))
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			in.Uniques[col] = int64(v)
			counted++
		}
	}

	cfg := dashboard.Build(in)
	writeJSON(w, http.StatusOK, map[string]any{
		"table_name": meta.TableName,
		"kpis":       cfg.KPIs,
		"charts":     cfg.Charts,
	})
}

// numericFromMeta recovers the measure columns from the registry
// record: typed numeric columns directly, and text columns via the
// inferencer's own coercion pass re-run over the stored sample rows.
// Reusing the inferencer keeps the upload-time and dashboard-time
// numeric policies identical.
func numericFromMeta(meta *storage.DatasetMeta) []string {
	rows := make([][]any, 0, len(meta.SampleData))
	for _, m := range meta.SampleData {
		row := make([]any, len(meta.Columns))
		for i, c := range meta.Columns {
			row[i] = m[c]
		}
		rows = append(rows, row)
	}
	sample := infer.Infer(meta.Columns, rows)

	var numeric []string
	for _, col := range meta.Columns {
		switch meta.ColumnTypes[col] {
		case "integer", "float":
			numeric = append(numeric, col)
		case "text":
			if sample.IsNumeric(col) {
				numeric = append(numeric, col)
			}
		}
	}
	return numeric
}

// quoteIdent double-quotes an identifier for the scalar dashboard
// queries; every supported backend accepts this form.
func quoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// ---- AI insight ----

func (s *Server) handleInsight(w http.ResponseWriter, r *http.Request) {
	if s.Limiter != nil && !s.Limiter.Allow("ai", clientKey(r)) {
		metrics.IncCounter("bizmon_ratelimit_rejected_total", 1, metrics.Labels{"scope": "ai"})
		writeError(w, http.StatusTooManyRequests, "AI rate limit exceeded, retry in a minute")
		return
	}

	ctx := r.Context()
	src, err := s.resolveSource(r)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	total, err := s.Engine.KPI(ctx, src, query.Request{Metric: "sum_amount"})
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	count, err := s.Engine.KPI(ctx, src, query.Request{Metric: "count"})
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	byProduct := s.tryAggregate(ctx, src, "product")
	byRegion := s.tryAggregate(ctx, src, "region")

	prompt := narrative.InsightPrompt(total, int64(count), byProduct, byRegion)

	start := time.Now()
	text, genErr := s.Narrator.Generate(ctx, prompt)
	metrics.ObserveHistogram("bizmon_ai_duration_seconds", time.Since(start).Seconds(), nil)

	switch {
	case genErr == nil:
		metrics.IncCounter("bizmon_ai_requests_total", 1, metrics.Labels{"status": "ok"})
		writeJSON(w, http.StatusOK, map[string]any{"insight": text, "generated": true})
	case errors.Is(genErr, narrative.ErrDisabled):
		metrics.IncCounter("bizmon_ai_requests_total", 1, metrics.Labels{"status": "disabled"})
		writeJSON(w, http.StatusOK, map[string]any{"insight": narrative.Condense(genErr), "generated": false})
	default:
		metrics.IncCounter("bizmon_ai_requests_total", 1, metrics.Labels{"status": "error"})
		writeError(w, http.StatusBadGateway, narrative.Condense(genErr))
	}
}

// tryAggregate fetches a breakdown for the prompt; a source without
// the dimension just contributes nothing.
func (s *Server) tryAggregate(ctx context.Context, src query.Source, field string) []storage.LabelValue {
	rows, err := s.Engine.Aggregate(ctx, src, query.Request{GroupBy: field, Metric: "sum_amount", Limit: 10})
	if err != nil {
		return nil
	}
	return rows
}

// ---- AI query ----

// aiQueryQuestions maps the named analytics queries onto the question
// text the model answers.
var aiQueryQuestions = map[string]string{
	"most_profitable_product": "Which products are most profitable?",
	"by_region":               "How do sales break down by region?",
	"by_customer":             "How do sales break down by customer?",
	"sales_over_time":         "How are sales trending over time?",
}

// handleAIQuery answers one of the named queries with chart-friendly
// rows plus a narrative. The narrative degrades to a condensed failure
// message; the data half of the answer never depends on a provider.
func (s *Server) handleAIQuery(w http.ResponseWriter, r *http.Request) {
	if s.Limiter != nil && !s.Limiter.Allow("ai", clientKey(r)) {
		metrics.IncCounter("bizmon_ratelimit_rejected_total", 1, metrics.Labels{"scope": "ai"})
		writeError(w, http.StatusTooManyRequests, "AI rate limit exceeded, retry in a minute")
		return
	}

	name := r.URL.Query().Get("query")
	if name == "" {
		name = "most_profitable_product"
	}
	question, ok := aiQueryQuestions[name]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown query %q", name))
		return
	}

	ctx := r.Context()
	src, err := s.exportSource(r)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	filters := dateFilters(r)

	var rows []storage.LabelValue
	switch name {
	case "most_profitable_product":
		rows, err = s.productProfit(ctx, src, filters)
	case "by_region":
		rows, err = s.Engine.Aggregate(ctx, src, query.Request{GroupBy: "region", Metric: "sum_amount", Filters: filters})
	case "by_customer":
		rows, err = s.Engine.Aggregate(ctx, src, query.Request{GroupBy: "customer", Metric: "sum_amount", Filters: filters})
	case "sales_over_time":
		rows, err = s.salesOverTime(ctx, src, filters)
	}
	if err != nil {
		// A source without the queried dimension answers with no data
		// rather than an error, like the grouped CSV exports.
		if errors.Is(err, query.ErrInvalidField) {
			writeJSON(w, http.StatusOK, map[string]any{
				"query": name, "data": []storage.LabelValue{}, "narrative": "", "generated": false,
			})
			return
		}
		s.writeMappedError(w, err)
		return
	}
	metrics.IncCounter("bizmon_queries_total", 1, metrics.Labels{"op": "ai_query"})

	start := time.Now()
	text, genErr := s.Narrator.Generate(ctx, narrative.QueryPrompt(question, rows))
	metrics.ObserveHistogram("bizmon_ai_duration_seconds", time.Since(start).Seconds(), nil)

	status := "ok"
	switch {
	case errors.Is(genErr, narrative.ErrDisabled):
		status = "disabled"
	case genErr != nil:
		status = "error"
	}
	metrics.IncCounter("bizmon_ai_requests_total", 1, metrics.Labels{"status": status})

	writeJSON(w, http.StatusOK, map[string]any{
		"query":     name,
		"data":      rows,
		"narrative": narrative.TextOrMessage(text, genErr),
		"generated": genErr == nil,
	})
}

// productProfit computes per-product profit, sales amount minus
// purchase amount, descending. Ties break on the label so the order
// is stable.
func (s *Server) productProfit(ctx context.Context, src query.Source, base []query.Filter) ([]storage.LabelValue, error) {
	typed := func(v string) []query.Filter {
		return append(append([]query.Filter{}, base...), query.Filter{Field: "type", Op: "eq", Value: v})
	}
	sales, err := s.Engine.Aggregate(ctx, src, query.Request{GroupBy: "product", Metric: "sum_amount", Filters: typed("sale")})
	if err != nil {
		return nil, err
	}
	purchases, err := s.Engine.Aggregate(ctx, src, query.Request{GroupBy: "product", Metric: "sum_amount", Filters: typed("purchase")})
	if err != nil {
		return nil, err
	}

	profit := make(map[string]float64, len(sales))
	for _, r := range sales {
		profit[r.Label] += r.Value
	}
	for _, r := range purchases {
		profit[r.Label] -= r.Value
	}
	out := make([]storage.LabelValue, 0, len(profit))
	for label, v := range profit {
		out = append(out, storage.LabelValue{Label: label, Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value > out[j].Value
		}
		return out[i].Label < out[j].Label
	})
	return out, nil
}

// salesOverTime folds the sales time series into label/value pairs so
// the prompt and the response share one shape. The sale-only filter
// applies only when the source carries a type column.
func (s *Server) salesOverTime(ctx context.Context, src query.Source, base []query.Filter) ([]storage.LabelValue, error) {
	filters := base
	if src.Columns[infer.RoleType] != "" {
		filters = append(append([]query.Filter{}, base...), query.Filter{Field: "type", Op: "eq", Value: "sale"})
	}
	series, err := s.Engine.TimeSeries(ctx, src, query.Request{Metric: "sum_amount", Filters: filters})
	if err != nil {
		return nil, err
	}
	out := make([]storage.LabelValue, len(series.Dates))
	for i, d := range series.Dates {
		out[i] = storage.LabelValue{Label: d, Value: series.Values[i]}
	}
	return out, nil
}

// ---- exports ----

// exportRange reads the optional start_date/end_date window.
func exportRange(r *http.Request) export.DateRange {
	return export.DateRange{
		Start: r.URL.Query().Get("start_date"),
		End:   r.URL.Query().Get("end_date"),
	}
}

// exportSource picks the table reports run against: the most recent
// upload when one exists, else the canonical transactions table.
func (s *Server) exportSource(r *http.Request) (query.Source, error) {
	meta, err := s.Repo.LatestDataset(r.Context())
	if errors.Is(err, storage.ErrNoDataset) {
		return query.Canonical(), nil
	}
	if err != nil {
		return query.Source{}, err
	}
	return datasetSource(meta), nil
}

func (s *Server) handleExportCSV(filename string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src, err := s.exportSource(r)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		dr := exportRange(r)

		var data []byte
		switch filename {
		case "summary.csv":
			data, err = s.Exports.Summary(r.Context(), src, dr)
		case "by_product.csv":
			data, err = s.Exports.ByProduct(r.Context(), src, dr)
		case "by_region.csv":
			data, err = s.Exports.ByRegion(r.Context(), src, dr)
		case "by_customer.csv":
			data, err = s.Exports.ByCustomer(r.Context(), src, dr)
		case "transactions.csv":
			data, err = s.Exports.Transactions(r.Context(), src, dr)
		}
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		serveAttachment(w, filename, "text/csv", data)
	}
}

func (s *Server) handleExportZip(w http.ResponseWriter, r *http.Request) {
	src, err := s.exportSource(r)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	data, err := s.Exports.AllZip(r.Context(), src, exportRange(r))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	serveAttachment(w, "reports_bundle.zip", "application/zip", data)
}

func (s *Server) handleTemplate(w http.ResponseWriter, r *http.Request) {
	serveAttachment(w, "template.csv", "text/csv", export.Template())
}

func serveAttachment(w http.ResponseWriter, filename, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
