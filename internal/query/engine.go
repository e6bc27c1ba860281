// Package query builds and runs the aggregate, time-series and KPI
// queries behind the analytics endpoints. Group and filter fields come
// from the closed role vocabulary; raw column names from the request
// never reach the SQL text.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bizmon/internal/infer"
	"bizmon/internal/storage"
)

// ErrInvalidField is returned when a group or filter field falls
// outside the allow-list, or the source has no column for it.
var ErrInvalidField = errors.New("query: field not allowed")

// ErrInvalidOp is returned for filter operators other than eq/like.
var ErrInvalidOp = errors.New("query: operator not allowed")

// Metric is the closed measure vocabulary.
type Metric int

const (
	MetricSumAmount Metric = iota
	MetricSumQuantity
	MetricCount
)

// ParseMetric maps the wire vocabulary onto a metric. Unknown names
// fall back to the amount metric rather than erroring; dashboards send
// free-form hints.
func ParseMetric(s string) Metric {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sum_quantity", "quantity":
		return MetricSumQuantity
	case "count", "rows":
		return MetricCount
	default:
		return MetricSumAmount
	}
}

func (m Metric) String() string {
	switch m {
	case MetricSumQuantity:
		return "sum_quantity"
	case MetricCount:
		return "count"
	default:
		return "sum_amount"
	}
}

// groupable is the role set allowed in GROUP BY position.
var groupable = map[infer.Role]bool{
	infer.RoleType:     true,
	infer.RoleProduct:  true,
	infer.RoleCustomer: true,
	infer.RoleRegion:   true,
}

// filterable additionally admits date, so ranges can be narrowed.
var filterable = map[infer.Role]bool{
	infer.RoleDate:     true,
	infer.RoleType:     true,
	infer.RoleProduct:  true,
	infer.RoleCustomer: true,
	infer.RoleRegion:   true,
}

// Filter narrows a query. Op is "eq", "like", "gte" or "lte"; like is
// case-insensitive substring, gte/lte compare lexically which works
// for ISO dates.
type Filter struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value string `json:"value"`
}

// Request is one analytics question.
type Request struct {
	GroupBy string
	Metric  string
	Filters []Filter
	Limit   int
}

// Series is the time-series answer shape.
type Series struct {
	Dates  []string  `json:"dates"`
	Values []float64 `json:"values"`
}

// Source names the table to aggregate over and maps roles to its
// physical columns. The canonical table uses the identity mapping; a
// stored dataset uses its inference result.
type Source struct {
	Table   string
	Columns map[infer.Role]string
}

// Canonical is the source for the transactions table.
func Canonical() Source {
	return Source{
		Table: "transactions",
		Columns: map[infer.Role]string{
			infer.RoleDate:     "date",
			infer.RoleType:     "type",
			infer.RoleProduct:  "product",
			infer.RoleQuantity: "quantity",
			infer.RolePrice:    "price",
			infer.RoleCustomer: "customer",
			infer.RoleRegion:   "region",
		},
	}
}

// Dataset builds a source from a stored upload's role assignment.
func Dataset(table string, sch *infer.Schema) Source {
	cols := make(map[infer.Role]string, len(sch.Roles))
	for role, col := range sch.Roles {
		cols[role] = col
	}
	return Source{Table: table, Columns: cols}
}

// Engine runs requests against a repository.
type Engine struct {
	Repo storage.Repository
}

// Aggregate groups the metric by one allowed field, descending by
// value. Limit is applied after the scan so every backend shares one
// SQL shape.
func (e *Engine) Aggregate(ctx context.Context, src Source, req Request) ([]storage.LabelValue, error) {
	q, args, err := buildAggregateSQL(src, req)
	if err != nil {
		return nil, err
	}
	rows, err := e.Repo.QueryLabelValues(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s by %s: %w", req.Metric, req.GroupBy, err)
	}
	if req.Limit > 0 && len(rows) > req.Limit {
		rows = rows[:req.Limit]
	}
	return rows, nil
}

// TimeSeries groups the metric by date ascending.
func (e *Engine) TimeSeries(ctx context.Context, src Source, req Request) (Series, error) {
	q, args, err := buildTimeSeriesSQL(src, req)
	if err != nil {
		return Series{}, err
	}
	rows, err := e.Repo.QueryLabelValues(ctx, q, args...)
	if err != nil {
		return Series{}, fmt.Errorf("timeseries %s: %w", req.Metric, err)
	}
	if req.Limit > 0 && len(rows) > req.Limit {
		rows = rows[:req.Limit]
	}
	out := Series{Dates: make([]string, 0, len(rows)), Values: make([]float64, 0, len(rows))}
	for _, r := range rows {
		out.Dates = append(out.Dates, r.Label)
		out.Values = append(out.Values, r.Value)
	}
	return out, nil
}

// KPI computes one scalar; an empty table yields 0.
func (e *Engine) KPI(ctx context.Context, src Source, req Request) (float64, error) {
	q, args, err := buildKPISQL(src, req)
	if err != nil {
		return 0, err
	}
	v, err := e.Repo.QueryScalar(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("kpi %s: %w", req.Metric, err)
	}
	return v, nil
}

// ---- pure SQL builders ----

func resolveColumn(src Source, field string, allowed map[infer.Role]bool) (string, error) {
	role, ok := infer.ParseRole(field)
	if !ok || !allowed[role] {
		return "", fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	col := src.Columns[role]
	if col == "" {
		return "", fmt.Errorf("%w: source has no %s column", ErrInvalidField, field)
	}
	return col, nil
}

// metricExpr renders the measure. A dataset without quantity or price
// columns degrades those factors to the constant 1 so sums still mean
// "number of rows counted once per unit".
func metricExpr(src Source, m Metric) string {
	q := "1"
	if c := src.Columns[infer.RoleQuantity]; c != "" {
		q = quoteIdent(c)
	}
	p := "1"
	if c := src.Columns[infer.RolePrice]; c != "" {
		p = quoteIdent(c)
	}
	switch m {
	case MetricSumQuantity:
		return "SUM(" + q + ")"
	case MetricCount:
		return "COUNT(*)"
	default:
		return "SUM(" + q + " * " + p + ")"
	}
}

func buildWhere(src Source, filters []Filter) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	var clauses []string
	var args []any
	for _, f := range filters {
		col, err := resolveColumn(src, f.Field, filterable)
		if err != nil {
			return "", nil, err
		}
		switch strings.ToLower(strings.TrimSpace(f.Op)) {
		case "eq", "=", "":
			clauses = append(clauses, quoteIdent(col)+" = ?")
			args = append(args, f.Value)
		case "like":
			clauses = append(clauses, "LOWER("+quoteIdent(col)+") LIKE ?")
			args = append(args, "%"+strings.ToLower(f.Value)+"%")
		case "gte", ">=":
			clauses = append(clauses, quoteIdent(col)+" >= ?")
			args = append(args, f.Value)
		case "lte", "<=":
			clauses = append(clauses, quoteIdent(col)+" <= ?")
			args = append(args, f.Value)
		default:
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidOp, f.Op)
		}
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func buildAggregateSQL(src Source, req Request) (string, []any, error) {
	col, err := resolveColumn(src, req.GroupBy, groupable)
	if err != nil {
		return "", nil, err
	}
	where, args, err := buildWhere(src, req.Filters)
	if err != nil {
		return "", nil, err
	}
	q := fmt.Sprintf("SELECT %s AS label, %s AS value FROM %s%s GROUP BY %s ORDER BY value DESC",
		quoteIdent(col), metricExpr(src, ParseMetric(req.Metric)), quoteIdent(src.Table), where, quoteIdent(col))
	return q, args, nil
}

func buildTimeSeriesSQL(src Source, req Request) (string, []any, error) {
	col, err := resolveColumn(src, "date", filterable)
	if err != nil {
		return "", nil, err
	}
	where, args, err := buildWhere(src, req.Filters)
	if err != nil {
		return "", nil, err
	}
	q := fmt.Sprintf("SELECT %s AS label, %s AS value FROM %s%s GROUP BY %s ORDER BY %s ASC",
		quoteIdent(col), metricExpr(src, ParseMetric(req.Metric)), quoteIdent(src.Table), where, quoteIdent(col), quoteIdent(col))
	return q, args, nil
}

func buildKPISQL(src Source, req Request) (string, []any, error) {
	where, args, err := buildWhere(src, req.Filters)
	if err != nil {
		return "", nil, err
	}
	q := fmt.Sprintf("SELECT %s FROM %s%s",
		metricExpr(src, ParseMetric(req.Metric)), quoteIdent(src.Table), where)
	return q, args, nil
}

// quoteIdent double-quotes an identifier. All supported backends
// accept this form (SQL Server under its default QUOTED_IDENTIFIER).
func quoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
