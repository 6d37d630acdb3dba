// Package upstream forwards guarded requests to the model providers. The
// caller's credentials never leave the gateway: provider keys come from the
// environment and replace whatever the client sent.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tracevault/promptguard-engine/pkg/models"
)

// Error is a non-2xx provider reply. The API layer surfaces these as 502.
type Error struct {
	Provider string
	Status   int
	Body     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s upstream returned %d: %s", e.Provider, e.Status, e.Body)
}

// ProviderConfig locates one provider and its credential.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
}

// Client speaks OpenAI-compatible chat completions and translates to the
// Anthropic messages dialect when routing there.
type Client struct {
	openai     ProviderConfig
	anthropic  ProviderConfig
	httpClient *http.Client
	log        *logrus.Entry
}

func NewClient(openai, anthropic ProviderConfig, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		openai:     openai,
		anthropic:  anthropic,
		httpClient: &http.Client{Timeout: timeout},
		log:        logrus.WithField("component", "upstream"),
	}
}

// ChatCompletion forwards the request to the provider, with the routed
// model substituted for the declared one. Streaming is disabled on the
// wire; the gateway needs the whole completion for scanning and caching.
func (c *Client) ChatCompletion(ctx context.Context, provider string, req models.ChatRequest, modelOverride string) (*models.ChatResponse, error) {
	if modelOverride != "" {
		req.Model = modelOverride
	}
	req.Stream = false
	req.AgentID = ""
	req.SessionID = ""

	if provider == "anthropic" {
		return c.anthropicCompletion(ctx, req)
	}
	return c.openaiCompletion(ctx, req)
}

func (c *Client) openaiCompletion(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	var out models.ChatResponse
	err := c.doJSON(ctx, "openai", c.openai.BaseURL+"/v1/chat/completions", req, &out, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+c.openai.APIKey)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, provider, url string, payload, result any, setAuth func(*http.Request)) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", provider, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", provider, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	setAuth(httpReq)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s call failed: %w", provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Provider: provider, Status: resp.StatusCode, Body: truncate(string(raw), 512)}
	}

	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decode %s response: %w", provider, err)
	}

	c.log.WithFields(logrus.Fields{
		"provider":   provider,
		"latency_ms": time.Since(start).Milliseconds(),
	}).Debug("[Upstream] completion served")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
