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

	"github.com/agos-io/factory/internal/negotiation"
)

// HTTPMessenger sends outbound touches through the messaging service.
// Templates are rendered server-side: POST {baseURL}/messages/{channel}
// takes {"template": ..., "params": {...}} and returns the sent message's
// subject and body preview.
type HTTPMessenger struct {
	baseURL string
	client  *http.Client
}

// NewHTTPMessenger builds the messenger.
func NewHTTPMessenger(baseURL string) *HTTPMessenger {
	return &HTTPMessenger{
		baseURL: baseURL,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// SendEmail implements negotiation.Messenger.
func (m *HTTPMessenger) SendEmail(ctx context.Context, template string, params map[string]any) (*negotiation.Interaction, error) {
	return m.send(ctx, negotiation.ChannelEmail, template, params)
}

// SendSMS implements negotiation.Messenger.
func (m *HTTPMessenger) SendSMS(ctx context.Context, template string, params map[string]any) (*negotiation.Interaction, error) {
	return m.send(ctx, negotiation.ChannelSMS, template, params)
}

func (m *HTTPMessenger) send(ctx context.Context, channel negotiation.Channel, template string, params map[string]any) (*negotiation.Interaction, error) {
	body, err := json.Marshal(map[string]any{
		"template": template,
		"params":   params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message %s: %w", template, err)
	}

	url := fmt.Sprintf("%s/messages/%s", m.baseURL, channel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for message %s: %w", template, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("message %s send failed: %w", template, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read message %s response: %w", template, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("message %s returned %d: %s", template, resp.StatusCode, string(respBody))
	}

	var out struct {
		Subject     string `json:"subject"`
		BodyPreview string `json:"body_preview"`
	}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, fmt.Errorf("failed to decode message %s response: %w", template, err)
		}
	}

	sent := negotiation.InteractionEmailSent
	if channel == negotiation.ChannelSMS {
		sent = negotiation.InteractionSMSSent
	}
	return &negotiation.Interaction{
		Type:         sent,
		Channel:      channel,
		Subject:      out.Subject,
		BodyPreview:  out.BodyPreview,
		TemplateSlug: template,
	}, nil
}

// HTTPDocumentRenderer produces hosted proposal and contract documents via
// the document service: POST {baseURL}/documents returns the hosted URL.
type HTTPDocumentRenderer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDocumentRenderer builds the renderer.
func NewHTTPDocumentRenderer(baseURL string) *HTTPDocumentRenderer {
	return &HTTPDocumentRenderer{
		baseURL: baseURL,
		client: &http.Client{
			Timeout:   2 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Render implements negotiation.DocumentRenderer.
func (r *HTTPDocumentRenderer) Render(ctx context.Context, kind string, price float64, scope, brand string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"kind":  kind,
		"price": price,
		"scope": scope,
		"brand": brand,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s document request: %w", kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/documents", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create %s document request: %w", kind, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s document request failed: %w", kind, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read %s document response: %w", kind, err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%s document returned %d: %s", kind, resp.StatusCode, string(respBody))
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("failed to decode %s document response: %w", kind, err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("%s document response missing url", kind)
	}
	return out.URL, nil
}
