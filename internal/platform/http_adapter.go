package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"automation-dispatch-engine/internal/faults"
)

// HTTPAdapter is a generic PlatformAdapter speaking JSON over HTTP to a
// per-deployment posting service. Response status codes carry the failure
// classification: 429 and 5xx are transient, remaining 4xx are permanent.
type HTTPAdapter struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAdapter builds an adapter for the given posting service.
func NewHTTPAdapter(baseURL string, timeout time.Duration) *HTTPAdapter {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAdapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type publishResponse struct {
	Ref string `json:"ref"`
}

// Publish posts content for the platform account behind resourceKey.
func (a *HTTPAdapter) Publish(ctx context.Context, resourceKey string, payload map[string]any) (string, error) {
	body, err := a.post(ctx, "/publish", resourceKey, payload)
	if err != nil {
		return "", err
	}
	var resp publishResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", faults.Permanent(fmt.Errorf("decode publish response: %w", err))
	}
	return resp.Ref, nil
}

// Engage performs an engagement action for the platform account behind resourceKey.
func (a *HTTPAdapter) Engage(ctx context.Context, resourceKey string, payload map[string]any) error {
	_, err := a.post(ctx, "/engage", resourceKey, payload)
	return err
}

func (a *HTTPAdapter) post(ctx context.Context, path, resourceKey string, payload map[string]any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, faults.Permanent(fmt.Errorf("marshal payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, faults.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Resource-Key", resourceKey)

	resp, err := a.client.Do(req)
	if err != nil {
		// network failures and client timeouts retry
		return nil, faults.Transient(fmt.Errorf("post %s: %w", path, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, faults.Transient(fmt.Errorf("read response: %w", err))
	}
	if err := classifyStatus(resp.StatusCode, path); err != nil {
		return nil, err
	}
	return body, nil
}

// classifyStatus maps an HTTP status to the engine's error taxonomy.
func classifyStatus(code int, context string) error {
	switch {
	case code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return faults.Transient(fmt.Errorf("%s: status %d", context, code))
	default:
		return faults.Permanent(fmt.Errorf("%s: status %d", context, code))
	}
}
