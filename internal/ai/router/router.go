// Package router routes completion requests across LLM providers with
// ordered fallback. Supported backends: GLM (Zhipu AI), NVIDIA NIM, OpenAI,
// Anthropic, and local Ollama.
package router

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rmkernel/rmk/internal/jsonx"
	"github.com/rmkernel/rmk/internal/rmkerr"
)

// Provider identifies an LLM backend.
type Provider string

const (
	ProviderGLM       Provider = "glm"
	ProviderNVIDIA    Provider = "nvidia"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
)

// Config holds provider credentials and routing order.
type Config struct {
	GLMKey       string
	NVIDIAKey    string
	OpenAIKey    string
	AnthropicKey string
	OllamaURL    string

	// Preferred is tried first; the remaining configured providers are
	// fallbacks in declaration order.
	Preferred Provider

	RequestTimeout time.Duration
}

// ConfigFromEnv reads provider keys from the environment.
func ConfigFromEnv() *Config {
	cfg := &Config{
		GLMKey:         strings.TrimSpace(os.Getenv("GLM_API_KEY")),
		NVIDIAKey:      strings.TrimSpace(os.Getenv("NVIDIA_API_KEY")),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		AnthropicKey:   os.Getenv("ANTHROPIC_API_KEY"),
		OllamaURL:      envOr("OLLAMA_URL", "http://localhost:11434"),
		RequestTimeout: 180 * time.Second,
	}
	switch {
	case cfg.GLMKey != "":
		cfg.Preferred = ProviderGLM
	case cfg.NVIDIAKey != "":
		cfg.Preferred = ProviderNVIDIA
	case cfg.OpenAIKey != "":
		cfg.Preferred = ProviderOpenAI
	case cfg.AnthropicKey != "":
		cfg.Preferred = ProviderAnthropic
	default:
		cfg.Preferred = ProviderOllama
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Router implements ai.LLM over the configured providers.
type Router struct {
	cfg    *Config
	client *http.Client
	order  []Provider
	logger *zap.Logger
}

// New builds the router and its fallback order.
func New(cfg *Config, logger *zap.Logger) *Router {
	if cfg == nil {
		cfg = ConfigFromEnv()
	}
	r := &Router{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.Named("llm"),
	}

	available := []Provider{}
	if cfg.GLMKey != "" {
		available = append(available, ProviderGLM)
	}
	if cfg.NVIDIAKey != "" {
		available = append(available, ProviderNVIDIA)
	}
	if cfg.OpenAIKey != "" {
		available = append(available, ProviderOpenAI)
	}
	if cfg.AnthropicKey != "" {
		available = append(available, ProviderAnthropic)
	}
	// Ollama needs no key and terminates every fallback chain.
	available = append(available, ProviderOllama)

	r.order = append(r.order, cfg.Preferred)
	for _, p := range available {
		if p != cfg.Preferred {
			r.order = append(r.order, p)
		}
	}
	return r
}

// Providers returns the fallback order.
func (r *Router) Providers() []Provider {
	out := make([]Provider, len(r.order))
	copy(out, r.order)
	return out
}

// Complete tries each provider in order and returns the first success.
func (r *Router) Complete(ctx context.Context, system, prompt string) (string, error) {
	var lastErr error
	for _, p := range r.order {
		content, err := r.call(ctx, p, system, prompt)
		if err == nil {
			return stripThinkingTags(content), nil
		}
		lastErr = err
		r.logger.Warn("provider failed, trying next",
			zap.String("provider", string(p)),
			zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	return "", rmkerr.Wrap(rmkerr.KindLLMUnavailable, "all providers failed", lastErr)
}

// CompleteJSON prompts for JSON-only output and parses the first JSON value
// found in the response.
func (r *Router) CompleteJSON(ctx context.Context, prompt string) (map[string]any, error) {
	const system = "You are a precise extraction engine. Output JSON only, no prose."
	content, err := r.Complete(ctx, system, prompt)
	if err != nil {
		return nil, err
	}
	return ParseJSONResponse(content), nil
}

func (r *Router) call(ctx context.Context, p Provider, system, prompt string) (string, error) {
	switch p {
	case ProviderGLM:
		return r.chatCompletion(ctx, "https://open.bigmodel.cn/api/paas/v4/chat/completions",
			r.cfg.GLMKey, "glm-4-plus", system, prompt)
	case ProviderNVIDIA:
		return r.chatCompletion(ctx, "https://integrate.api.nvidia.com/v1/chat/completions",
			r.cfg.NVIDIAKey, "meta/llama-3.1-70b-instruct", system, prompt)
	case ProviderOpenAI:
		return r.chatCompletion(ctx, "https://api.openai.com/v1/chat/completions",
			r.cfg.OpenAIKey, "gpt-4o-mini", system, prompt)
	case ProviderAnthropic:
		return r.callAnthropic(ctx, system, prompt)
	case ProviderOllama:
		return r.callOllama(ctx, system, prompt)
	default:
		return "", rmkerr.Newf(rmkerr.KindInvalidInput, "unknown provider %q", p)
	}
}

// chatCompletion covers every OpenAI-compatible endpoint.
func (r *Router) chatCompletion(ctx context.Context, url, apiKey, model, system, prompt string) (string, error) {
	if apiKey == "" {
		return "", rmkerr.New(rmkerr.KindLLMUnavailable, "no API key configured")
	}
	body := map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": prompt},
		},
		"max_tokens": 1024,
	}
	return r.post(ctx, url, body, map[string]string{
		"Authorization": "Bearer " + apiKey,
		"Content-Type":  "application/json",
	})
}

func (r *Router) callAnthropic(ctx context.Context, system, prompt string) (string, error) {
	if r.cfg.AnthropicKey == "" {
		return "", rmkerr.New(rmkerr.KindLLMUnavailable, "no API key configured")
	}
	body := map[string]any{
		"model":      "claude-3-haiku-20240307",
		"max_tokens": 1024,
		"system":     system,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	return r.post(ctx, "https://api.anthropic.com/v1/messages", body, map[string]string{
		"x-api-key":         r.cfg.AnthropicKey,
		"anthropic-version": "2023-06-01",
		"Content-Type":      "application/json",
	})
}

func (r *Router) callOllama(ctx context.Context, system, prompt string) (string, error) {
	body := map[string]any{
		"model": "llama3.2",
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": prompt},
		},
		"stream": false,
	}
	return r.post(ctx, r.cfg.OllamaURL+"/api/chat", body, map[string]string{
		"Content-Type": "application/json",
	})
}

func (r *Router) post(ctx context.Context, url string, body map[string]any, headers map[string]string) (string, error) {
	payload, err := jsonx.Marshal(body)
	if err != nil {
		return "", rmkerr.Wrap(rmkerr.KindInternal, "marshal request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", rmkerr.Wrap(rmkerr.KindInternal, "build request", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", rmkerr.Wrap(rmkerr.KindLLMUnavailable, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", rmkerr.Wrap(rmkerr.KindLLMUnavailable, "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", rmkerr.Newf(rmkerr.KindLLMUnavailable, "API error (status %d): %s",
			resp.StatusCode, truncate(string(respBody), 200))
	}

	var result map[string]any
	if err := jsonx.Unmarshal(respBody, &result); err != nil {
		return "", rmkerr.Wrap(rmkerr.KindLLMUnavailable, "parse response", err)
	}
	return extractContent(result)
}

// extractContent pulls the message text out of the provider-specific
// response shapes.
func extractContent(result map[string]any) (string, error) {
	// OpenAI-compatible.
	if choices, ok := result["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if message, ok := choice["message"].(map[string]any); ok {
				if content, ok := message["content"].(string); ok {
					return content, nil
				}
			}
		}
	}
	// Anthropic.
	if content, ok := result["content"].([]any); ok && len(content) > 0 {
		if block, ok := content[0].(map[string]any); ok {
			if text, ok := block["text"].(string); ok {
				return text, nil
			}
		}
	}
	// Ollama.
	if message, ok := result["message"].(map[string]any); ok {
		if content, ok := message["content"].(string); ok {
			return content, nil
		}
	}
	return "", rmkerr.New(rmkerr.KindLLMUnavailable, "no content in response")
}

var thinkingTags = regexp.MustCompile(`(?s)<think>.*?</think>`)

func stripThinkingTags(content string) string {
	return strings.TrimSpace(thinkingTags.ReplaceAllString(content, ""))
}

// ParseJSONResponse finds the first JSON object or array in model output.
// Models wrap JSON in prose and code fences; scanning from the first opener
// to the last matching closer handles both. Arrays come back under "items".
func ParseJSONResponse(response string) map[string]any {
	start := strings.IndexAny(response, "[{")
	if start < 0 {
		return map[string]any{}
	}
	text := response[start:]
	closer := byte('}')
	if text[0] == '[' {
		closer = byte(']')
	}
	for i := len(text) - 1; i >= 0; i-- {
		if text[i] != closer {
			continue
		}
		var result any
		if err := jsonx.Unmarshal([]byte(text[:i+1]), &result); err != nil {
			continue
		}
		switch v := result.(type) {
		case map[string]any:
			return v
		case []any:
			return map[string]any{"items": v}
		}
	}
	return map[string]any{}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
