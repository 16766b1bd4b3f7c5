package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPVersion reads a version string from a plain-text HTTP endpoint
type HTTPVersion struct {
	URL    string
	Client *http.Client
}

// NewHTTPVersion returns a checker for url with a bounded timeout
func NewHTTPVersion(url string) *HTTPVersion {
	return &HTTPVersion{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// CheckLatestVersion returns the trimmed response body
func (h *HTTPVersion) CheckLatestVersion(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent {
		return "", nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("failed to read body: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}
