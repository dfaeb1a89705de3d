package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Check fetches <baseURL>/health and decodes the body. A non-200 status or a
// body with ok=false is an error.
func Check(ctx context.Context, client *http.Client, baseURL string) (Body, error) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	url := strings.TrimSuffix(strings.TrimSpace(baseURL), "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Body{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Body{}, fmt.Errorf("health check %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Body{}, fmt.Errorf("health check %s: status %d", url, resp.StatusCode)
	}
	var b Body
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return Body{}, fmt.Errorf("health check %s: decode: %w", url, err)
	}
	if !b.OK {
		return b, fmt.Errorf("health check %s: not ok", url)
	}
	return b, nil
}
