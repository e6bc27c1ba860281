// Package config loads server configuration from the environment.
//
// Precedence is flag → environment → default; flags are parsed in main
// and overlaid onto the environment-derived Config there. An optional
// .env file is loaded first so local development does not need a shell
// full of exports.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Severity classifies a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single validation finding with a dotted path into Config.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// StorageConfig selects the repository backend.
type StorageConfig struct {
	// Kind is a registered storage backend name (sqlite, postgres, mssql).
	Kind string
	// DSN is backend-specific. sqlite accepts a file path or
	// file:...?mode=memory; postgres and mssql take their usual URLs.
	DSN string
}

// UploadConfig bounds file ingestion.
type UploadConfig struct {
	// MaxBytes caps the decoded upload size. Requests over the cap are
	// rejected with 400 before parsing.
	MaxBytes int64
}

// RateLimitConfig holds per-minute quotas keyed by scope.
type RateLimitConfig struct {
	UploadPerMinute int
	AIPerMinute     int
}

// AIConfig configures the narrative providers.
type AIConfig struct {
	Enabled bool

	OpenAIKey   string
	OpenAIModel string

	GoogleKey    string
	GoogleModels []string

	HuggingFaceKey   string
	HuggingFaceModel string

	// Timeout bounds each provider attempt (clamped downstream).
	Timeout time.Duration
}

// MetricsConfig selects the metrics backend.
type MetricsConfig struct {
	// Backend is "datadog" or "none"/"".
	Backend string
	// Tags is a comma-separated Datadog tag list ("env:prod,team:data").
	Tags string
}

// Config is the full server configuration.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	Storage   StorageConfig
	Upload    UploadConfig
	RateLimit RateLimitConfig
	AI        AIConfig
	Metrics   MetricsConfig
}

// Defaults mirror a zero-configuration local run: sqlite in a local
// file, permissive upload cap, stock quotas.
const (
	DefaultAddr            = ":8080"
	DefaultStorageKind     = "sqlite"
	DefaultStorageDSN      = "bizmon.db"
	DefaultUploadMaxBytes  = 32 << 20 // 32 MiB
	DefaultUploadPerMinute = 10
	DefaultAIPerMinute     = 30
	DefaultAITimeout       = 25 * time.Second
)

// FromEnv builds a Config from the process environment.
//
// Edge cases:
//   - A missing .env file is not an error; exported variables win over
//     .env values (godotenv does not override existing variables).
//   - Malformed numeric variables fall back to the default rather than
//     failing startup; Validate reports them as warnings via the
//     returned issues when run on the result.
func FromEnv() Config {
	_ = godotenv.Load()

	cfg := Config{
		Addr: envOr("ADDR", DefaultAddr),
		Storage: StorageConfig{
			Kind: envOr("STORAGE_KIND", DefaultStorageKind),
			DSN:  envOr("STORAGE_DSN", DefaultStorageDSN),
		},
		Upload: UploadConfig{
			MaxBytes: envInt64("UPLOAD_MAX_BYTES", DefaultUploadMaxBytes),
		},
		RateLimit: RateLimitConfig{
			UploadPerMinute: envInt("RATE_UPLOAD_PER_MIN", DefaultUploadPerMinute),
			AIPerMinute:     envInt("RATE_AI_PER_MIN", DefaultAIPerMinute),
		},
		AI: AIConfig{
			OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
			OpenAIModel:      envOr("OPENAI_MODEL", "gpt-4o-mini"),
			GoogleKey:        os.Getenv("GEMINI_API_KEY"),
			GoogleModels:     splitCSV(os.Getenv("GEMINI_MODELS")),
			HuggingFaceKey:   os.Getenv("HF_API_KEY"),
			HuggingFaceModel: envOr("HF_MODEL", "mistralai/Mistral-7B-Instruct-v0.2"),
			Timeout:          time.Duration(envInt("AI_TIMEOUT_SECONDS", int(DefaultAITimeout/time.Second))) * time.Second,
		},
		Metrics: MetricsConfig{
			Backend: os.Getenv("METRICS_BACKEND"),
			Tags:    os.Getenv("METRICS_TAGS"),
		},
	}

	// The feature switches on when any provider has a key, unless
	// explicitly disabled.
	switch strings.ToLower(os.Getenv("AI_ENABLED")) {
	case "0", "false", "no", "off":
		cfg.AI.Enabled = false
	case "1", "true", "yes", "on":
		cfg.AI.Enabled = true
	default:
		cfg.AI.Enabled = cfg.AI.OpenAIKey != "" || cfg.AI.GoogleKey != "" || cfg.AI.HuggingFaceKey != ""
	}

	return cfg
}

// Validate reports configuration problems. Errors prevent startup;
// warnings are logged and the run continues with defaults.
func Validate(cfg Config) []Issue {
	var issues []Issue

	if strings.TrimSpace(cfg.Addr) == "" {
		issues = append(issues, Issue{SeverityError, "addr", "listen address is empty"})
	}
	if strings.TrimSpace(cfg.Storage.Kind) == "" {
		issues = append(issues, Issue{SeverityError, "storage.kind", "storage kind is empty"})
	}
	if strings.TrimSpace(cfg.Storage.DSN) == "" {
		issues = append(issues, Issue{SeverityError, "storage.dsn", "storage DSN is empty"})
	}
	if cfg.Upload.MaxBytes <= 0 {
		issues = append(issues, Issue{SeverityError, "upload.max_bytes", "upload size cap must be positive"})
	}
	if cfg.RateLimit.UploadPerMinute <= 0 {
		issues = append(issues, Issue{SeverityWarning, "rate_limit.upload_per_minute",
			fmt.Sprintf("non-positive quota %d disables the scope", cfg.RateLimit.UploadPerMinute)})
	}
	if cfg.RateLimit.AIPerMinute <= 0 {
		issues = append(issues, Issue{SeverityWarning, "rate_limit.ai_per_minute",
			fmt.Sprintf("non-positive quota %d disables the scope", cfg.RateLimit.AIPerMinute)})
	}
	if cfg.AI.Enabled && cfg.AI.OpenAIKey == "" && cfg.AI.GoogleKey == "" && cfg.AI.HuggingFaceKey == "" {
		issues = append(issues, Issue{SeverityWarning, "ai.enabled", "AI enabled but no provider key configured"})
	}
	switch cfg.Metrics.Backend {
	case "", "none", "datadog":
	default:
		issues = append(issues, Issue{SeverityWarning, "metrics.backend",
			fmt.Sprintf("unknown backend %q; metrics will be disabled", cfg.Metrics.Backend)})
	}

	return issues
}

// HasError reports whether any issue is a hard error.
func HasError(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
