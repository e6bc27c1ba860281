package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// classifyStatus folds an HTTP failure into the package taxonomy.
// Providers phrase quota and model errors differently; status codes
// plus a couple of body keywords cover the observed variants.
func classifyStatus(status int, body string) error {
	lower := strings.ToLower(body)
	switch {
	case status == http.StatusTooManyRequests || strings.Contains(lower, "quota"):
		return fmt.Errorf("%w: status=%d", ErrQuotaExceeded, status)
	case status == http.StatusNotFound && strings.Contains(lower, "model"):
		return fmt.Errorf("%w: status=%d", ErrModelUnavailable, status)
	default:
		return fmt.Errorf("%w: status=%d", ErrProviderFailure, status)
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrProviderFailure, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrProviderFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, string(raw))
	}
	return raw, nil
}

// OpenAI calls the chat completions API.
type OpenAI struct {
	APIKey  string
	Model   string
	BaseURL string // test seam; default https://api.openai.com
	Client  *http.Client
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Generate(ctx context.Context, prompt string) (string, error) {
	base := p.BaseURL
	if base == "" {
		base = "https://api.openai.com"
	}
	model := p.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	payload := map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"max_tokens": 500,
	}
	raw, err := postJSON(ctx, client, base+"/v1/chat/completions",
		map[string]string{"Authorization": "Bearer " + p.APIKey}, payload)
	if err != nil {
		return "", err
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: unexpected openai response", ErrProviderFailure)
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// Google calls the Gemini generateContent API, walking a list of model
// candidates; availability varies by key, so a 404 on one model just
// advances to the next.
type Google struct {
	APIKey  string
	Models  []string
	BaseURL string // test seam; default https://generativelanguage.googleapis.com
	Client  *http.Client
}

var defaultGoogleModels = []string{"gemini-1.5-flash", "gemini-1.5-flash-8b", "gemini-pro"}

func (p *Google) Name() string { return "google" }

func (p *Google) Generate(ctx context.Context, prompt string) (string, error) {
	base := p.BaseURL
	if base == "" {
		base = "https://generativelanguage.googleapis.com"
	}
	models := p.Models
	if len(models) == 0 {
		models = defaultGoogleModels
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	payload := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]string{{"text": prompt}}},
		},
	}

	var lastErr error
	for _, model := range models {
		url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", base, model, p.APIKey)
		raw, err := postJSON(ctx, client, url, nil, payload)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		var out struct {
			Candidates []struct {
				Content struct {
					Parts []struct {
						Text string `json:"text"`
					} `json:"parts"`
				} `json:"content"`
			} `json:"candidates"`
		}
		if err := json.Unmarshal(raw, &out); err != nil ||
			len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
			lastErr = fmt.Errorf("%w: unexpected gemini response", ErrProviderFailure)
			continue
		}
		return strings.TrimSpace(out.Candidates[0].Content.Parts[0].Text), nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no gemini models configured", ErrProviderFailure)
	}
	return "", lastErr
}

// HuggingFace calls the serverless inference API.
type HuggingFace struct {
	APIKey  string
	Model   string
	BaseURL string // test seam; default https://api-inference.huggingface.co
	Client  *http.Client
}

func (p *HuggingFace) Name() string { return "huggingface" }

func (p *HuggingFace) Generate(ctx context.Context, prompt string) (string, error) {
	base := p.BaseURL
	if base == "" {
		base = "https://api-inference.huggingface.co"
	}
	model := p.Model
	if model == "" {
		model = "mistralai/Mistral-7B-Instruct-v0.2"
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	raw, err := postJSON(ctx, client, base+"/models/"+model,
		map[string]string{"Authorization": "Bearer " + p.APIKey},
		map[string]any{"inputs": prompt, "parameters": map[string]any{"max_new_tokens": 400}})
	if err != nil {
		return "", err
	}

	var out []struct {
		GeneratedText string `json:"generated_text"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || len(out) == 0 {
		return "", fmt.Errorf("%w: unexpected huggingface response", ErrProviderFailure)
	}
	return strings.TrimSpace(out[0].GeneratedText), nil
}
