// Package llm is a small chat-completion client for OpenAI-compatible,
// Anthropic and Ollama endpoints.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Supported providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

var (
	ErrUnsupportedProvider = errors.New("llm: unsupported provider")
	ErrEmptyResponse       = errors.New("llm: empty response")
)

// Config selects the provider and model.
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	Retry       RetryPolicy
	// RequestsPerSecond caps outbound calls; zero disables limiting.
	RequestsPerSecond float64
}

// RetryPolicy retries failed calls with linear backoff.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// DefaultBaseURL returns the public endpoint for a provider.
func DefaultBaseURL(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return "https://api.anthropic.com/v1"
	case ProviderOllama:
		return "http://localhost:11434"
	default:
		return "https://api.openai.com/v1"
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client sends one system+user exchange and returns the assistant text.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

// New validates cfg and creates a client.
func New(cfg Config) (*Client, error) {
	switch cfg.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderOllama:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, cfg.Provider)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL(cfg.Provider)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c, nil
}

// Complete asks the model to answer user under the system instruction.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	attempts := c.cfg.Retry.MaxRetries + 1

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			slog.Warn("llm call failed, retrying", "provider", c.cfg.Provider, "attempt", i, "err", lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.cfg.Retry.Backoff * time.Duration(i)):
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return "", fmt.Errorf("llm: rate limit: %w", err)
			}
		}

		text, err := c.call(ctx, system, user)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

func (c *Client) call(ctx context.Context, system, user string) (string, error) {
	switch c.cfg.Provider {
	case ProviderAnthropic:
		return c.callAnthropic(ctx, system, user)
	case ProviderOllama:
		return c.callOllama(ctx, system, user)
	default:
		return c.callOpenAI(ctx, system, user)
	}
}

func (c *Client) callOpenAI(ctx context.Context, system, user string) (string, error) {
	payload := map[string]any{
		"model":       c.cfg.Model,
		"messages":    withSystem(system, user),
		"max_tokens":  c.cfg.MaxTokens,
		"temperature": c.cfg.Temperature,
	}
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}

	var resp struct {
		Choices []struct {
			Message message `json:"message"`
		} `json:"choices"`
	}
	if err := c.post(ctx, "/chat/completions", payload, headers, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) callAnthropic(ctx context.Context, system, user string) (string, error) {
	payload := map[string]any{
		"model":       c.cfg.Model,
		"max_tokens":  c.cfg.MaxTokens,
		"temperature": c.cfg.Temperature,
		"messages":    []message{{Role: "user", Content: user}},
	}
	if system != "" {
		payload["system"] = system
	}
	headers := map[string]string{
		"x-api-key":         c.cfg.APIKey,
		"anthropic-version": "2023-06-01",
	}

	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := c.post(ctx, "/messages", payload, headers, &resp); err != nil {
		return "", err
	}
	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (c *Client) callOllama(ctx context.Context, system, user string) (string, error) {
	payload := map[string]any{
		"model":    c.cfg.Model,
		"messages": withSystem(system, user),
		"stream":   false,
		"options": map[string]any{
			"temperature": c.cfg.Temperature,
			"num_predict": c.cfg.MaxTokens,
		},
	}

	var resp struct {
		Message message `json:"message"`
	}
	if err := c.post(ctx, "/api/chat", payload, nil, &resp); err != nil {
		return "", err
	}
	if resp.Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Message.Content, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, headers map[string]string, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("llm: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("llm: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("llm: %s request: %w", c.cfg.Provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("llm: %s API error %d: %s", c.cfg.Provider, resp.StatusCode, string(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("llm: decoding %s response: %w", c.cfg.Provider, err)
	}
	return nil
}

func withSystem(system, user string) []message {
	msgs := make([]message, 0, 2)
	if system != "" {
		msgs = append(msgs, message{Role: "system", Content: system})
	}
	return append(msgs, message{Role: "user", Content: user})
}
