package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Browser renders a webpage through the headless capture service.
type Browser interface {
	// Capture renders the page to a PNG screenshot.
	Capture(ctx context.Context, url string) ([]byte, error)

	// CapturePDF prints the page to PDF. With translated set, the service
	// renders the machine-translated view of the page instead of the
	// original.
	CapturePDF(ctx context.Context, url string, translated bool) ([]byte, error)
}

// BrowserConfig holds configuration for the capture client.
type BrowserConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client // Optional (tests)
}

// BrowserClient calls the headless browser capture service.
type BrowserClient struct {
	cfg    BrowserConfig
	client *http.Client
}

// NewBrowserClient creates a capture client.
func NewBrowserClient(cfg BrowserConfig) *BrowserClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &BrowserClient{cfg: cfg, client: client}
}

// Capture renders the page and returns PNG bytes.
func (c *BrowserClient) Capture(ctx context.Context, url string) ([]byte, error) {
	return c.post(ctx, "/capture", map[string]any{"url": url})
}

// CapturePDF prints the page to PDF, optionally through the service's
// translated rendering.
func (c *BrowserClient) CapturePDF(ctx context.Context, url string, translated bool) ([]byte, error) {
	return c.post(ctx, "/capture-pdf", map[string]any{"url": url, "translate": translated})
}

func (c *BrowserClient) post(ctx context.Context, path string, payload map[string]any) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal capture request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build capture request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("capture timed out: %w", ErrTimeout)
		}
		return nil, wrapTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, string(body))
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty capture response: %w", ErrRetryable)
	}
	return body, nil
}

var _ Browser = (*BrowserClient)(nil)
