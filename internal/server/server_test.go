package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bizmon/internal/narrative"
	"bizmon/internal/ratelimit"
	"bizmon/internal/storage"
	_ "bizmon/internal/storage/sqlite"
)

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	ctx := context.Background()
	repo, err := storage.Open(ctx, storage.Config{Kind: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(repo.Close)
	if err := repo.EnsureCanonical(ctx); err != nil {
		t.Fatalf("EnsureCanonical: %v", err)
	}

	limiter := ratelimit.New(map[string]int{"upload": 100, "ai": 100})
	srv := New(repo, limiter, &narrative.Orchestrator{}, 1<<20, nil)
	srv.now = func() time.Time { return time.Unix(1_760_000_000, 0) }
	return srv, srv.Router()
}

func multipartFile(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func doJSON(t *testing.T, h http.Handler, method, target string, body *bytes.Buffer, contentType string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, out
}

const salesCSV = "date,type,product,quantity,price,customer,region\n" +
	"2026-01-01,sale,Widget,2,25.00,Acme,North\n" +
	"2026-01-02,sale,Gadget,1,50.00,Acme,South\n" +
	"2026-01-03,purchase,Widget,5,15.00,Supplier,North\n"

func uploadCSV(t *testing.T, h http.Handler, csv string) map[string]any {
	t.Helper()
	body, ct := multipartFile(t, "file", "sales.csv", csv)
	rec, out := doJSON(t, h, http.MethodPost, "/api/upload", body, ct)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body.String())
	}
	return out
}

// TestUploadFlow walks the whole ingestion path over HTTP: a CSV
// becomes a dataset table, registry metadata, and canonical rows.
func TestUploadFlow(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t)

	out := uploadCSV(t, h, salesCSV)

	if out["table_name"] != "data_1760000000" {
		t.Fatalf("table_name = %v", out["table_name"])
	}
	if out["row_count"].(float64) != 3 {
		t.Fatalf("row_count = %v", out["row_count"])
	}
	if out["inserted"].(float64) != 3 || out["duplicate"].(float64) != 0 || out["invalid"].(float64) != 0 {
		t.Fatalf("ingest counts = %v/%v/%v", out["inserted"], out["duplicate"], out["invalid"])
	}

	// Same second, same clock: the second table gets a suffix.
	out2 := uploadCSV(t, h, salesCSV)
	name2 := out2["table_name"].(string)
	if !strings.HasPrefix(name2, "data_1760000000_") || len(name2) != len("data_1760000000_")+8 {
		t.Fatalf("collision table_name = %q", name2)
	}
	// All three rows already exist in the canonical table.
	if out2["duplicate"].(float64) != 3 || out2["inserted"].(float64) != 0 {
		t.Fatalf("re-upload counts = %v/%v", out2["inserted"], out2["duplicate"])
	}

	rec, list := doJSON(t, h, http.MethodGet, "/api/datasets", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("datasets status = %d", rec.Code)
	}
	if n := len(list["datasets"].([]any)); n != 2 {
		t.Fatalf("datasets = %d, want 2", n)
	}

	rec, rows := doJSON(t, h, http.MethodGet, "/api/datasets/data_1760000000/rows?limit=2", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("rows status = %d", rec.Code)
	}
	if n := len(rows["rows"].([]any)); n != 2 {
		t.Fatalf("rows = %d, want 2", n)
	}

	rec, sum := doJSON(t, h, http.MethodGet, "/api/datasets/data_1760000000/summary", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("summary status = %d", rec.Code)
	}
	if sum["column_count"].(float64) != 7 {
		t.Fatalf("column_count = %v", sum["column_count"])
	}

	rec, _ = doJSON(t, h, http.MethodGet, "/api/datasets/no_such_table/rows", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing table status = %d, want 404", rec.Code)
	}
}

// TestUpload_CreateCollisionRetries verifies an upload survives a
// table whose name exists without a registry record, as happens when
// a concurrent upload wins the same-second name between the registry
// check and the create.
func TestUpload_CreateCollisionRetries(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t)

	cols := []storage.ColumnSpec{{Name: "x", Type: "text"}}
	if err := srv.Repo.CreateDatasetTable(context.Background(), "data_1760000000", cols); err != nil {
		t.Fatalf("pre-create table: %v", err)
	}

	out := uploadCSV(t, h, salesCSV)
	name := out["table_name"].(string)
	if !strings.HasPrefix(name, "data_1760000000_") || len(name) != len("data_1760000000_")+8 {
		t.Fatalf("table_name = %q, want suffixed retry name", name)
	}
	if out["inserted"].(float64) != 3 {
		t.Fatalf("inserted = %v, want 3", out["inserted"])
	}
}

// TestUpload_Rejections covers the 4xx paths: bad format, oversized
// body, missing field, and the rate limit.
func TestUpload_Rejections(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t)

	body, ct := multipartFile(t, "file", "notes.pdf", "hello")
	rec, out := doJSON(t, h, http.MethodPost, "/api/upload", body, ct)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("pdf status = %d, want 400", rec.Code)
	}
	if !strings.Contains(out["error"].(string), "unsupported") {
		t.Fatalf("pdf error = %v", out["error"])
	}

	srv.MaxUploadBytes = 10
	body, ct = multipartFile(t, "file", "big.csv", salesCSV)
	rec, _ = doJSON(t, h, http.MethodPost, "/api/upload", body, ct)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("oversize status = %d, want 400", rec.Code)
	}
	srv.MaxUploadBytes = 1 << 20

	body, ct = multipartFile(t, "document", "sales.csv", salesCSV)
	rec, _ = doJSON(t, h, http.MethodPost, "/api/upload", body, ct)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing field status = %d, want 400", rec.Code)
	}
}

// TestUpload_RateLimit verifies the upload scope quota maps to 429.
func TestUpload_RateLimit(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t)
	srv.Limiter = ratelimit.New(map[string]int{"upload": 1, "ai": 100})

	uploadCSV(t, h, salesCSV)

	body, ct := multipartFile(t, "file", "sales.csv", salesCSV)
	rec, out := doJSON(t, h, http.MethodPost, "/api/upload", body, ct)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if !strings.Contains(out["error"].(string), "rate limit") {
		t.Fatalf("error = %v", out["error"])
	}
}

// TestAnalytics runs the three query endpoints against uploaded data
// and checks the invalid-field 400.
func TestAnalytics(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t)
	uploadCSV(t, h, salesCSV)

	rec, agg := doJSON(t, h, http.MethodGet, "/api/analytics/aggregate?group_by=product&metric=sum_amount", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("aggregate status = %d: %s", rec.Code, rec.Body.String())
	}
	rows := agg["rows"].([]any)
	if len(rows) != 2 {
		t.Fatalf("aggregate rows = %v", rows)
	}
	top := rows[0].(map[string]any)
	// Widget: 2*25 (sale) + 5*15 (purchase) = 125, ahead of Gadget's 50.
	if top["label"] != "Widget" || top["value"].(float64) != 125 {
		t.Fatalf("top row = %v", top)
	}

	rec, series := doJSON(t, h, http.MethodGet, "/api/analytics/timeseries?metric=sum_quantity&table=canonical", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("timeseries status = %d", rec.Code)
	}
	if n := len(series["dates"].([]any)); n != 3 {
		t.Fatalf("timeseries dates = %v", series["dates"])
	}

	rec, kpi := doJSON(t, h, http.MethodGet, "/api/analytics/kpi?metric=count&filter=region:eq:North", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("kpi status = %d", rec.Code)
	}
	if kpi["value"].(float64) != 2 {
		t.Fatalf("kpi = %v, want 2", kpi["value"])
	}

	rec, bad := doJSON(t, h, http.MethodGet, "/api/analytics/aggregate?group_by=fingerprint", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid field status = %d, want 400", rec.Code)
	}
	if !strings.Contains(bad["error"].(string), "not allowed") {
		t.Fatalf("invalid field error = %v", bad["error"])
	}

	rec, _ = doJSON(t, h, http.MethodGet, "/api/analytics/aggregate?group_by=product&table=ghost", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("ghost table status = %d, want 404", rec.Code)
	}
}

// TestSmartDashboard checks the heuristics endpoint end to end and
// the 404 before any upload.
func TestSmartDashboard(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t)

	rec, _ := doJSON(t, h, http.MethodGet, "/api/dashboard/smart", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("empty dashboard status = %d, want 404", rec.Code)
	}

	uploadCSV(t, h, salesCSV)

	rec, dash := doJSON(t, h, http.MethodGet, "/api/dashboard/smart", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("dashboard status = %d: %s", rec.Code, rec.Body.String())
	}
	kpis := dash["kpis"].([]any)
	if len(kpis) == 0 || len(kpis) > 4 {
		t.Fatalf("kpis = %v", kpis)
	}
	first := kpis[0].(map[string]any)
	// quantity sums to 8 across the three rows.
	if first["title"] != "Total Quantity" || first["raw"].(float64) != 8 {
		t.Fatalf("first kpi = %v", first)
	}
	charts := dash["charts"].([]any)
	if len(charts) != 2 {
		t.Fatalf("charts = %v", charts)
	}
	if charts[0].(map[string]any)["type"] != "line" || charts[1].(map[string]any)["type"] != "bar" {
		t.Fatalf("chart types = %v", charts)
	}
}

// stubProvider lets the insight tests exercise success and the error
// taxonomy without HTTP.
type stubProvider struct {
	text string
	err  error
}

func (p stubProvider) Name() string { return "stub" }
func (p stubProvider) Generate(context.Context, string) (string, error) {
	return p.text, p.err
}

// TestInsight covers disabled, success and provider-failure responses.
func TestInsight(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t)
	uploadCSV(t, h, salesCSV)

	rec, out := doJSON(t, h, http.MethodPost, "/api/ai/insight", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("disabled status = %d", rec.Code)
	}
	if out["generated"].(bool) {
		t.Fatalf("generated = true while disabled")
	}

	srv.Narrator = &narrative.Orchestrator{
		Enabled:   true,
		Providers: []narrative.Provider{stubProvider{text: "Sales look healthy."}},
	}
	rec, out = doJSON(t, h, http.MethodPost, "/api/ai/insight", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("success status = %d: %s", rec.Code, rec.Body.String())
	}
	if out["insight"] != "Sales look healthy." || !out["generated"].(bool) {
		t.Fatalf("insight = %v", out)
	}

	srv.Narrator = &narrative.Orchestrator{
		Enabled:   true,
		Providers: []narrative.Provider{stubProvider{err: fmt.Errorf("%w: boom", narrative.ErrQuotaExceeded)}},
	}
	rec, out = doJSON(t, h, http.MethodPost, "/api/ai/insight", nil, "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("quota status = %d, want 502", rec.Code)
	}
	if !strings.Contains(out["error"].(string), "quota") {
		t.Fatalf("quota error = %v", out["error"])
	}
}

// TestAIQuery covers the named analytics queries: data rows always
// come back, the narrative degrades when no provider is configured,
// and unknown names map to 400.
func TestAIQuery(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t)
	uploadCSV(t, h, salesCSV)

	rec, out := doJSON(t, h, http.MethodGet, "/api/ai/query", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("default query status = %d: %s", rec.Code, rec.Body.String())
	}
	if out["query"] != "most_profitable_product" {
		t.Fatalf("query = %v", out["query"])
	}
	data := out["data"].([]any)
	if len(data) != 2 {
		t.Fatalf("profit rows = %v", data)
	}
	top := data[0].(map[string]any)
	// Gadget: 50 sales, no purchases. Widget: 50 sales - 75 purchases.
	if top["label"] != "Gadget" || top["value"].(float64) != 50 {
		t.Fatalf("top profit row = %v", top)
	}
	if data[1].(map[string]any)["value"].(float64) != -25 {
		t.Fatalf("second profit row = %v", data[1])
	}
	if out["generated"].(bool) {
		t.Fatalf("generated = true without a provider")
	}
	if !strings.Contains(out["narrative"].(string), "disabled") {
		t.Fatalf("narrative = %v", out["narrative"])
	}

	rec, out = doJSON(t, h, http.MethodGet, "/api/ai/query?query=by_region", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("by_region status = %d", rec.Code)
	}
	regions := out["data"].([]any)
	if len(regions) != 2 || regions[0].(map[string]any)["label"] != "North" {
		t.Fatalf("by_region data = %v", regions)
	}

	rec, out = doJSON(t, h, http.MethodGet, "/api/ai/query?query=sales_over_time", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("sales_over_time status = %d", rec.Code)
	}
	if n := len(out["data"].([]any)); n != 2 {
		t.Fatalf("sales_over_time rows = %d, want 2 sale dates", n)
	}

	srv.Narrator = &narrative.Orchestrator{
		Enabled:   true,
		Providers: []narrative.Provider{stubProvider{text: "Gadgets carry the margin."}},
	}
	rec, out = doJSON(t, h, http.MethodGet, "/api/ai/query?query=by_customer", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("by_customer status = %d", rec.Code)
	}
	if out["narrative"] != "Gadgets carry the margin." || !out["generated"].(bool) {
		t.Fatalf("narrative = %v generated = %v", out["narrative"], out["generated"])
	}

	rec, out = doJSON(t, h, http.MethodGet, "/api/ai/query?query=magic_eight_ball", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown query status = %d, want 400", rec.Code)
	}
	if !strings.Contains(out["error"].(string), "unknown query") {
		t.Fatalf("unknown query error = %v", out["error"])
	}
}

// TestNumericFromMeta checks the measure recovery used by the smart
// dashboard: typed numeric columns pass through, and text columns are
// re-judged by the inferencer's coercion pass over the sample rows.
func TestNumericFromMeta(t *testing.T) {
	t.Parallel()

	meta := &storage.DatasetMeta{
		Columns: []string{"name", "qty", "price_text", "notes"},
		ColumnTypes: map[string]string{
			"name":       "text",
			"qty":        "integer",
			"price_text": "text",
			"notes":      "text",
		},
		SampleData: []map[string]any{
			{"name": "a", "qty": int64(2), "price_text": "10.5", "notes": "ok"},
			{"name": "b", "qty": int64(3), "price_text": "7", "notes": "check"},
			{"name": "c", "qty": int64(1), "price_text": "12.25", "notes": "1"},
		},
	}
	got := numericFromMeta(meta)
	want := []string{"qty", "price_text"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("numericFromMeta = %v, want %v", got, want)
	}
}

// TestExports hits the CSV, zip and template downloads.
func TestExports(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t)
	uploadCSV(t, h, salesCSV)

	req := httptest.NewRequest(http.MethodGet, "/api/export/summary.csv", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("summary status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, "summary.csv") {
		t.Fatalf("disposition = %q", got)
	}
	if !strings.HasPrefix(rec.Body.String(), "metric,value\n") {
		t.Fatalf("summary body = %q", rec.Body.String())
	}
	// 2*25 + 1*50 = 100 of sales in the uploaded dataset.
	if !strings.Contains(rec.Body.String(), "total_sales,100") {
		t.Fatalf("summary body = %q", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/export/all.zip", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/zip" {
		t.Fatalf("zip status = %d type = %q", rec.Code, rec.Header().Get("Content-Type"))
	}

	req = httptest.NewRequest(http.MethodGet, "/api/template.csv", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("template status = %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Body.String(), "date,type,product,quantity,price,customer,region\n") {
		t.Fatalf("template body = %q", rec.Body.String())
	}
}

// TestAdminResetAndHealth verifies the reset count and the health
// endpoint.
func TestAdminResetAndHealth(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t)
	uploadCSV(t, h, salesCSV)

	rec, out := doJSON(t, h, http.MethodPost, "/api/admin/reset", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}
	if out["status"] != "ok" || out["deleted"].(float64) != 3 {
		t.Fatalf("reset = %v", out)
	}

	rec, out = doJSON(t, h, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("healthz = %d %v", rec.Code, out)
	}
}

// TestClientKey verifies the API-key-else-host identity used for rate
// limiting.
func TestClientKey(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	if got := clientKey(r); got != "10.1.2.3" {
		t.Fatalf("clientKey = %q, want host", got)
	}

	r.Header.Set("X-API-Key", "key-123")
	if got := clientKey(r); got != "key-123" {
		t.Fatalf("clientKey = %q, want header", got)
	}
}

// TestWriteMappedError pins the error→status table.
func TestWriteMappedError(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "no_dataset", err: storage.ErrNoDataset, want: http.StatusNotFound},
		{name: "wrapped_no_dataset", err: fmt.Errorf("x: %w", storage.ErrNoDataset), want: http.StatusNotFound},
		{name: "unknown", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.writeMappedError(rec, tt.err)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
