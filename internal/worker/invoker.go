package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPToolInvoker calls the external tool services over HTTP. Each tool is
// exposed as POST {baseURL}/tools/{name} taking and returning JSON objects.
type HTTPToolInvoker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPToolInvoker builds the invoker. The engine applies its own
// per-attempt timeout, so the client timeout is a backstop only.
func NewHTTPToolInvoker(baseURL string) *HTTPToolInvoker {
	return &HTTPToolInvoker{
		baseURL: baseURL,
		client: &http.Client{
			Timeout:   10 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Invoke implements workflow.ToolInvoker.
func (h *HTTPToolInvoker) Invoke(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params for tool %s: %w", tool, err)
	}

	url := fmt.Sprintf("%s/tools/%s", h.baseURL, tool)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for tool %s: %w", tool, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool %s request failed: %w", tool, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool %s response: %w", tool, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("tool %s returned %d: %s", tool, resp.StatusCode, string(respBody))
	}

	out := map[string]any{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, fmt.Errorf("failed to decode tool %s response: %w", tool, err)
		}
	}
	return out, nil
}
