// Package livecheck exercises a running peer viewer and authority over HTTP.
// Tests skip unless the servers answer at VIEWER_BASE_URL and AUTHORITY_BASE_URL.
package livecheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

const (
	defaultViewerURL      = "http://localhost:8080"
	defaultAuthorityURL   = "http://localhost:8081"
	defaultRequestTimeout = 2 * time.Second
)

type liveClient struct {
	baseURL string
	client  *http.Client
}

func newLiveClient(t *testing.T, env, fallback, probe string) *liveClient {
	t.Helper()
	baseURL := os.Getenv(env)
	if baseURL == "" {
		baseURL = fallback
	}
	client := &http.Client{Timeout: defaultRequestTimeout}

	if !isReachable(client, baseURL+probe) {
		t.Skipf("server not reachable at %s (set %s to run)", baseURL, env)
	}
	return &liveClient{baseURL: baseURL, client: client}
}

func viewerClient(t *testing.T) *liveClient {
	return newLiveClient(t, "VIEWER_BASE_URL", defaultViewerURL, "/api/status")
}

func authorityClient(t *testing.T) *liveClient {
	return newLiveClient(t, "AUTHORITY_BASE_URL", defaultAuthorityURL, "/health")
}

func isReachable(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

func (c *liveClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

func (c *liveClient) post(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := c.client.Post(c.baseURL+path, "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

// readPrefix reads from a streaming endpoint until want bytes arrive or the
// timeout expires.
func readPrefix(url string, want int, timeout time.Duration) ([]byte, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, want)
	n, err := io.ReadAtLeast(resp.Body, buf, want)
	if err != nil {
		return buf[:n], resp.Header, fmt.Errorf("read stream: %w", err)
	}
	return buf[:n], resp.Header, nil
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}
