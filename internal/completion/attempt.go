package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Outcome tags an AttemptResult.
type Outcome int

const (
	Success Outcome = iota
	Retryable
	Terminal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	default:
		return "terminal"
	}
}

// AttemptResult is the classified result of one request against one model.
// Text is set only for Success; Err carries the cause otherwise.
type AttemptResult struct {
	Outcome Outcome
	Model   string
	Text    string
	Status  int
	Reason  string
	Err     error
}

const maxResponseBytes = 4 << 20

var retryableStatus = map[int]bool{
	http.StatusNotFound:            true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

var transientMarkers = []string{
	"no endpoints found",
	"temporarily unavailable",
	"provider returned error",
	"rate limit",
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// attempt issues exactly one timed request for model and classifies it.
func (c *Client) attempt(ctx context.Context, model string, req Request) AttemptResult {
	ctx, cancel := context.WithTimeout(ctx, c.provider.Timeout)
	defer cancel()

	payload := chatRequest{
		Model:       model,
		Messages:    make([]chatMessage, 0, len(req.Messages)),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return terminal(model, 0, "encode request", fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.provider.APIURL, bytes.NewReader(body))
	if err != nil {
		return terminal(model, 0, "build request", fmt.Errorf("create request: %w", err))
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return retryable(model, 0, "timeout", err)
		}
		return retryable(model, 0, "network error", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return retryable(model, resp.StatusCode, "timeout", err)
		}
		return retryable(model, resp.StatusCode, "network error", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason := "API error: " + snippet(raw)
		if shouldFallback(resp.StatusCode, raw) {
			return retryable(model, resp.StatusCode, reason, nil)
		}
		return terminal(model, resp.StatusCode, reason, nil)
	}

	if !gjson.ValidBytes(raw) {
		return invalid(model, "invalid JSON")
	}
	choices := gjson.GetBytes(raw, "choices")
	if !choices.IsArray() || len(choices.Array()) == 0 {
		return invalid(model, "no choices returned")
	}
	text := contentText(gjson.GetBytes(raw, "choices.0.message.content"))
	if text == "" {
		return AttemptResult{
			Outcome: Retryable,
			Model:   model,
			Reason:  "empty text response",
			Err:     &InvalidResponseError{Model: model, Reason: "empty text response", Err: errEmptyResponse},
		}
	}

	return AttemptResult{Outcome: Success, Model: model, Text: text, Status: resp.StatusCode}
}

func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+c.provider.APIKey)
	r.Header.Set("X-Title", c.provider.AppName)
	if c.provider.Referer != "" {
		r.Header.Set("HTTP-Referer", c.provider.Referer)
	}
}

// contentText accepts either a plain string or a list of typed parts. Other
// JSON shapes are coerced to their raw text.
func contentText(content gjson.Result) string {
	switch {
	case !content.Exists() || content.Type == gjson.Null:
		return ""
	case content.Type == gjson.String:
		return strings.TrimSpace(content.Str)
	case content.IsArray():
		var parts []string
		for _, part := range content.Array() {
			if part.Get("type").String() != "text" {
				continue
			}
			if t := part.Get("text").String(); t != "" {
				parts = append(parts, t)
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	default:
		return strings.TrimSpace(content.Raw)
	}
}

func shouldFallback(status int, body []byte) bool {
	if retryableStatus[status] {
		return true
	}
	lower := strings.ToLower(string(body))
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if r := []rune(s); len(r) > 220 {
		return string(r[:220])
	}
	return s
}

func retryable(model string, status int, reason string, cause error) AttemptResult {
	return AttemptResult{
		Outcome: Retryable,
		Model:   model,
		Status:  status,
		Reason:  reason,
		Err:     &TransientProviderError{Model: model, Status: status, Reason: reason, Err: cause},
	}
}

func invalid(model, reason string) AttemptResult {
	return AttemptResult{
		Outcome: Retryable,
		Model:   model,
		Reason:  reason,
		Err:     &InvalidResponseError{Model: model, Reason: reason},
	}
}

func terminal(model string, status int, reason string, cause error) AttemptResult {
	return AttemptResult{Outcome: Terminal, Model: model, Status: status, Reason: reason, Err: cause}
}
