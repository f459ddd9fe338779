// Package completion talks to OpenAI-compatible chat-completion providers
// with an ordered model fallback chain.
package completion

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/confidant-bot/confidant/internal/config"
	"github.com/confidant-bot/confidant/internal/domain"
)

// Request is one chat completion call. It is built per call and not retained.
type Request struct {
	Messages    []domain.Message
	MaxTokens   int
	Temperature float64
}

// Completer produces text for a chat request.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Client is a Completer bound to a single provider.
type Client struct {
	provider   config.ProviderConfig
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	modelsMu     sync.Mutex
	modelsCache  []string
	modelsCached time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for provider calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClock overrides time.Now for model cache expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a client for the given provider.
func New(provider config.ProviderConfig, opts ...Option) *Client {
	if provider.Timeout <= 0 {
		provider.Timeout = 45 * time.Second
	}
	if provider.AppName == "" {
		provider.AppName = "Confidant"
	}
	c := &Client{
		provider:   provider,
		httpClient: &http.Client{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Provider returns the provider configuration the client is bound to.
func (c *Client) Provider() config.ProviderConfig {
	return c.provider
}

// ModelOrder returns the primary model followed by the fallbacks, trimmed and
// de-duplicated.
func (c *Client) ModelOrder() []string {
	seen := make(map[string]struct{}, len(c.provider.FallbackModels)+1)
	out := make([]string, 0, len(c.provider.FallbackModels)+1)
	for _, m := range append([]string{c.provider.Model}, c.provider.FallbackModels...) {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Complete walks the model chain until one attempt succeeds. Each model gets
// exactly one attempt bounded by the provider timeout.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if c.provider.APIKey == "" {
		key := c.provider.APIKeyEnv
		if key == "" {
			key = "api_key"
		}
		return "", &ConfigurationError{Provider: c.provider.Name, Key: key}
	}
	models := c.ModelOrder()
	if len(models) == 0 {
		return "", &ConfigurationError{Provider: c.provider.Name, Err: errNoModels}
	}
	primary := strings.TrimSpace(c.provider.Model)

	var last AttemptResult
	for i, model := range models {
		res := c.attempt(ctx, model, req)
		switch res.Outcome {
		case Success:
			if model != primary {
				c.logger.Info("Completion served by fallback model", "provider", c.provider.Name, "model", model, "attempt", i+1)
				return fmt.Sprintf("[Fallback model: `%s`]\n\n%s", model, res.Text), nil
			}
			return res.Text, nil
		case Terminal:
			c.logger.Warn("Completion attempt failed terminally",
				"provider", c.provider.Name, "model", model, "status", res.Status, "reason", res.Reason)
			return "", c.terminalError(res)
		}

		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("complete with %s: %w", model, err)
		}
		c.logger.Warn("Completion attempt failed, trying next model",
			"provider", c.provider.Name, "model", model, "status", res.Status, "reason", res.Reason,
			"remaining", len(models)-i-1)
		last = res
	}

	return "", c.terminalError(last)
}

func (c *Client) terminalError(res AttemptResult) *TerminalProviderError {
	return &TerminalProviderError{
		Provider: c.provider.Name,
		Model:    res.Model,
		Status:   res.Status,
		Reason:   res.Reason,
		Err:      res.Err,
	}
}
