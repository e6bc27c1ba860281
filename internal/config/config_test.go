package config

import (
	"reflect"
	"testing"
	"time"
)

// TestFromEnv_Defaults verifies the zero-configuration path: no
// variables set means a local sqlite run with stock quotas.
func TestFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{
		"ADDR", "STORAGE_KIND", "STORAGE_DSN", "UPLOAD_MAX_BYTES",
		"RATE_UPLOAD_PER_MIN", "RATE_AI_PER_MIN", "AI_ENABLED",
		"OPENAI_API_KEY", "GEMINI_API_KEY", "HF_API_KEY",
		"METRICS_BACKEND",
	} {
		t.Setenv(k, "")
	}

	cfg := FromEnv()

	if cfg.Addr != DefaultAddr {
		t.Fatalf("Addr=%q, want %q", cfg.Addr, DefaultAddr)
	}
	if cfg.Storage.Kind != "sqlite" || cfg.Storage.DSN != DefaultStorageDSN {
		t.Fatalf("Storage=%+v, want sqlite/%s", cfg.Storage, DefaultStorageDSN)
	}
	if cfg.Upload.MaxBytes != DefaultUploadMaxBytes {
		t.Fatalf("MaxBytes=%d, want %d", cfg.Upload.MaxBytes, DefaultUploadMaxBytes)
	}
	if cfg.RateLimit.UploadPerMinute != 10 || cfg.RateLimit.AIPerMinute != 30 {
		t.Fatalf("RateLimit=%+v, want 10/30", cfg.RateLimit)
	}
	if cfg.AI.Enabled {
		t.Fatalf("AI.Enabled=true with no keys, want false")
	}
	if cfg.AI.Timeout != DefaultAITimeout {
		t.Fatalf("AI.Timeout=%s, want %s", cfg.AI.Timeout, DefaultAITimeout)
	}
}

// TestFromEnv_Overrides verifies environment values win over defaults
// and that malformed numbers fall back rather than failing startup.
func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("ADDR", ":9999")
	t.Setenv("STORAGE_KIND", "postgres")
	t.Setenv("STORAGE_DSN", "postgres://localhost/bizmon")
	t.Setenv("UPLOAD_MAX_BYTES", "1024")
	t.Setenv("RATE_UPLOAD_PER_MIN", "not-a-number")
	t.Setenv("RATE_AI_PER_MIN", "5")
	t.Setenv("AI_TIMEOUT_SECONDS", "15")
	t.Setenv("GEMINI_MODELS", " gemini-1.5-flash , gemini-pro ")
	t.Setenv("AI_ENABLED", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "k")
	t.Setenv("HF_API_KEY", "")

	cfg := FromEnv()

	if cfg.Addr != ":9999" {
		t.Fatalf("Addr=%q, want :9999", cfg.Addr)
	}
	if cfg.Storage.Kind != "postgres" {
		t.Fatalf("Storage.Kind=%q, want postgres", cfg.Storage.Kind)
	}
	if cfg.Upload.MaxBytes != 1024 {
		t.Fatalf("MaxBytes=%d, want 1024", cfg.Upload.MaxBytes)
	}
	if cfg.RateLimit.UploadPerMinute != DefaultUploadPerMinute {
		t.Fatalf("UploadPerMinute=%d, want default %d on parse failure",
			cfg.RateLimit.UploadPerMinute, DefaultUploadPerMinute)
	}
	if cfg.RateLimit.AIPerMinute != 5 {
		t.Fatalf("AIPerMinute=%d, want 5", cfg.RateLimit.AIPerMinute)
	}
	if cfg.AI.Timeout != 15*time.Second {
		t.Fatalf("AI.Timeout=%s, want 15s", cfg.AI.Timeout)
	}
	if want := []string{"gemini-1.5-flash", "gemini-pro"}; !reflect.DeepEqual(cfg.AI.GoogleModels, want) {
		t.Fatalf("GoogleModels=%v, want %v", cfg.AI.GoogleModels, want)
	}
	// A configured key turns the feature on without AI_ENABLED.
	if !cfg.AI.Enabled {
		t.Fatalf("AI.Enabled=false with GEMINI_API_KEY set, want true")
	}
}

// TestFromEnv_AIEnabledSwitch verifies the explicit switch overrides
// key-derived enablement in both directions.
func TestFromEnv_AIEnabledSwitch(t *testing.T) {
	tests := []struct {
		name    string
		enabled string
		key     string
		want    bool
	}{
		{name: "explicit_off_beats_key", enabled: "false", key: "k", want: false},
		{name: "explicit_on_without_key", enabled: "true", key: "", want: true},
		{name: "derived_from_key", enabled: "", key: "k", want: true},
		{name: "derived_no_key", enabled: "", key: "", want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("AI_ENABLED", tc.enabled)
			t.Setenv("OPENAI_API_KEY", tc.key)
			t.Setenv("GEMINI_API_KEY", "")
			t.Setenv("HF_API_KEY", "")

			if got := FromEnv().AI.Enabled; got != tc.want {
				t.Fatalf("AI.Enabled=%v, want %v", got, tc.want)
			}
		})
	}
}

// TestValidate exercises the error/warning split: empty mandatory
// fields are errors, questionable quotas are warnings.
func TestValidate(t *testing.T) {
	good := Config{
		Addr:    ":8080",
		Storage: StorageConfig{Kind: "sqlite", DSN: "bizmon.db"},
		Upload:  UploadConfig{MaxBytes: 1 << 20},
		RateLimit: RateLimitConfig{
			UploadPerMinute: 10,
			AIPerMinute:     30,
		},
	}
	if issues := Validate(good); len(issues) != 0 {
		t.Fatalf("Validate(good)=%v, want none", issues)
	}

	bad := good
	bad.Addr = "  "
	bad.Storage.DSN = ""
	bad.RateLimit.AIPerMinute = 0
	bad.Metrics.Backend = "statsd"

	issues := Validate(bad)
	if !HasError(issues) {
		t.Fatalf("HasError=false, want true: %v", issues)
	}

	paths := map[string]Severity{}
	for _, iss := range issues {
		paths[iss.Path] = iss.Severity
	}
	if paths["addr"] != SeverityError {
		t.Fatalf("addr severity=%v, want error", paths["addr"])
	}
	if paths["storage.dsn"] != SeverityError {
		t.Fatalf("storage.dsn severity=%v, want error", paths["storage.dsn"])
	}
	if paths["rate_limit.ai_per_minute"] != SeverityWarning {
		t.Fatalf("ai quota severity=%v, want warning", paths["rate_limit.ai_per_minute"])
	}
	if paths["metrics.backend"] != SeverityWarning {
		t.Fatalf("metrics.backend severity=%v, want warning", paths["metrics.backend"])
	}
}

// TestValidate_AIWithoutKeys verifies the warning for an enabled AI
// feature that has no provider to talk to.
func TestValidate_AIWithoutKeys(t *testing.T) {
	cfg := Config{
		Addr:      ":8080",
		Storage:   StorageConfig{Kind: "sqlite", DSN: "x"},
		Upload:    UploadConfig{MaxBytes: 1},
		RateLimit: RateLimitConfig{UploadPerMinute: 1, AIPerMinute: 1},
		AI:        AIConfig{Enabled: true},
	}

	issues := Validate(cfg)
	var found bool
	for _, iss := range issues {
		if iss.Path == "ai.enabled" && iss.Severity == SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing ai.enabled warning: %v", issues)
	}
}
