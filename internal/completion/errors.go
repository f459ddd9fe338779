package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	errNoModels      = errors.New("no models configured")
	errNoModelsURL   = errors.New("provider does not expose a models endpoint")
	errEmptyResponse = errors.New("empty text response")
)

// ConfigurationError reports a missing or unusable provider setting. It is
// never retried.
type ConfigurationError struct {
	Provider string
	Key      string
	Err      error
}

func (e *ConfigurationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("provider %s: %s is missing", e.Provider, e.Key)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TransientProviderError is a failure worth retrying on the next model:
// network errors, timeouts, rate limits and 5xx responses.
type TransientProviderError struct {
	Model  string
	Status int
	Reason string
	Err    error
}

func (e *TransientProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("model %s: status %d: %s", e.Model, e.Status, e.Reason)
	}
	return fmt.Sprintf("model %s: %s", e.Model, e.Reason)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// InvalidResponseError is a well-delivered response that carries no usable
// text: malformed JSON, no choices, or empty content.
type InvalidResponseError struct {
	Model  string
	Reason string
	Err    error
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("model %s: invalid response: %s", e.Model, e.Reason)
}

func (e *InvalidResponseError) Unwrap() error { return e.Err }

// TerminalProviderError ends a completion request. Model is the last model
// attempted and Err the last observed cause, if any.
type TerminalProviderError struct {
	Provider string
	Model    string
	Status   int
	Reason   string
	Err      error
}

func (e *TerminalProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "provider %s: model %s", e.Provider, e.Model)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

func (e *TerminalProviderError) Unwrap() error { return e.Err }

// FriendlyMessage converts any completion error into text that is safe to
// show to chat users. Raw provider output never leaks through.
func FriendlyMessage(err error) string {
	if err == nil {
		return ""
	}

	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		if cfgErr.Key != "" {
			return fmt.Sprintf("AI is not configured. Add `%s` in `.env`, then restart the bot.", cfgErr.Key)
		}
		return "AI is not configured correctly. Check the provider settings and restart the bot."
	}

	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "429"),
		strings.Contains(text, "rate-limit"),
		strings.Contains(text, "rate limit"),
		strings.Contains(text, "provider returned error"):
		return "AI providers are busy right now (rate-limited). Try again in 10-20 seconds."
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(text, "timeout"):
		return "AI provider timed out. Try again in a few seconds."
	case strings.Contains(text, "data policy"):
		return "Model blocked by the provider's data policy. Use `aimodels` and choose another free model."
	case strings.Contains(text, "401"),
		strings.Contains(text, "unauthorized"),
		strings.Contains(text, "invalid api key"):
		return "The provider API key looks invalid. Update it in `.env` and restart."
	default:
		return "AI request failed temporarily. Please try again in a few seconds."
	}
}
