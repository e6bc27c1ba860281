// Package narrative turns query results into short written insights
// via external language-model providers, falling back down a provider
// chain and condensing failures into user-facing messages.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Failure taxonomy. Providers classify their transport and API errors
// into these so the HTTP layer and the condensed messages stay
// provider-agnostic.
var (
	ErrDisabled         = errors.New("narrative: feature disabled")
	ErrQuotaExceeded    = errors.New("narrative: provider quota exceeded")
	ErrModelUnavailable = errors.New("narrative: model unavailable")
	ErrProviderFailure  = errors.New("narrative: provider failure")
)

// Provider generates text for a prompt. Implementations classify their
// failures into the package's error taxonomy.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// Logger matches the stdlib logger; long orchestration paths log which
// provider served or failed a request.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Orchestrator walks the provider chain until one answers.
type Orchestrator struct {
	Providers []Provider
	Enabled   bool
	// Timeout bounds each provider attempt. Values outside 10-30s are
	// clamped; a slow provider must not hold the request hostage, and
	// an aggressive timeout starves every model of its thinking time.
	Timeout time.Duration
	Log     Logger
}

const (
	minAttemptTimeout = 10 * time.Second
	maxAttemptTimeout = 30 * time.Second
)

func (o *Orchestrator) attemptTimeout() time.Duration {
	t := o.Timeout
	if t < minAttemptTimeout {
		return minAttemptTimeout
	}
	if t > maxAttemptTimeout {
		return maxAttemptTimeout
	}
	return t
}

func (o *Orchestrator) logger() Logger {
	if o.Log != nil {
		return o.Log
	}
	return nopLogger{}
}

// Generate asks each provider in order and returns the first answer.
// When every provider fails, the error of the last attempt wins; a
// quota error from the final provider is more actionable than a
// generic failure from the first.
func (o *Orchestrator) Generate(ctx context.Context, prompt string) (string, error) {
	if !o.Enabled || len(o.Providers) == 0 {
		return "", ErrDisabled
	}

	var lastErr error
	for _, p := range o.Providers {
		attemptCtx, cancel := context.WithTimeout(ctx, o.attemptTimeout())
		start := time.Now()
		text, err := p.Generate(attemptCtx, prompt)
		cancel()

		if err == nil {
			o.logger().Printf("stage=narrative provider=%s ok duration=%s", p.Name(), time.Since(start))
			return text, nil
		}
		o.logger().Printf("stage=narrative provider=%s failed duration=%s err=%v", p.Name(), time.Since(start), err)
		lastErr = err

		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrProviderFailure, ctx.Err())
		}
	}
	return "", lastErr
}

// Condense maps a generation failure onto the short message shown in
// place of the insight text.
func Condense(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDisabled):
		return "AI insights are disabled. Configure a provider API key to enable them."
	case errors.Is(err, ErrQuotaExceeded):
		return "AI quota exceeded. Check your provider plan and billing details."
	case errors.Is(err, ErrModelUnavailable):
		return "AI model unavailable. Try again later or switch providers."
	default:
		return "AI request failed. Try again later."
	}
}

// TextOrMessage returns the generated text, or the condensed failure
// message when generation did not produce one.
func TextOrMessage(text string, err error) string {
	if err == nil && text != "" {
		return text
	}
	if err == nil {
		err = ErrProviderFailure
	}
	return Condense(err)
}
