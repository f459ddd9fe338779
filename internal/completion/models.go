package completion

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const modelCacheTTL = 10 * time.Minute

// ListModels returns the model ids advertised by the provider. Results are
// cached for ten minutes; an empty listing is never cached.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	if c.provider.ModelsURL == "" {
		return nil, &ConfigurationError{Provider: c.provider.Name, Err: errNoModelsURL}
	}

	c.modelsMu.Lock()
	if len(c.modelsCache) > 0 && c.now().Sub(c.modelsCached) < modelCacheTTL {
		cached := append([]string(nil), c.modelsCache...)
		c.modelsMu.Unlock()
		return cached, nil
	}
	c.modelsMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.provider.ModelsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create models request: %w", err)
	}
	if c.provider.APIKey != "" {
		c.setHeaders(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch models: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read models response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch models: status %d: %s", resp.StatusCode, snippet(raw))
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("fetch models: response is not valid JSON")
	}

	seen := make(map[string]struct{})
	var models []string
	for _, id := range gjson.GetBytes(raw, "data.#.id").Array() {
		s := strings.TrimSpace(id.String())
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		models = append(models, s)
	}
	sort.Strings(models)

	if len(models) > 0 {
		c.modelsMu.Lock()
		c.modelsCache = models
		c.modelsCached = c.now()
		c.modelsMu.Unlock()
	}
	return append([]string(nil), models...), nil
}

// FreeModels returns up to limit sorted ":free" model ids together with the
// total number of free models available.
func (c *Client) FreeModels(ctx context.Context, limit int) ([]string, int, error) {
	all, err := c.ListModels(ctx)
	if err != nil {
		return nil, 0, err
	}
	var free []string
	for _, m := range all {
		if strings.HasSuffix(m, ":free") {
			free = append(free, m)
		}
	}
	total := len(free)
	if limit > 0 && len(free) > limit {
		free = free[:limit]
	}
	return free, total, nil
}
