package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/transdesk/transdesk/internal/store"
)

// MaxImageBytes is the largest payload the translation provider accepts.
// The ingress path downscales uploads below this; the client enforces it as
// a final guard.
const MaxImageBytes = 4 * 1024 * 1024

// tokenRefreshMargin renews the cached access token this long before its
// reported expiry.
const tokenRefreshMargin = 60 * time.Second

// OCR translates an image and returns positioned text regions.
type OCR interface {
	Translate(ctx context.Context, image []byte) (*OCRResult, error)
}

// OCRResult is a parsed image translation.
type OCRResult struct {
	Regions    []store.Region
	SourceLang string
	TargetLang string
}

// OCRConfig holds configuration for the image translation client.
type OCRConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	SourceLang string // "auto" when empty
	TargetLang string // "en" when empty
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration // Base backoff delay
	HTTPClient *http.Client  // Optional (tests)
}

// OCRClient calls the image translation provider. The provider issues
// short-lived access tokens; the client caches one per process behind a
// mutex so concurrent stage tasks share it.
type OCRClient struct {
	cfg    OCRConfig
	client *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewOCRClient creates an image translation client.
func NewOCRClient(cfg OCRConfig) *OCRClient {
	if cfg.SourceLang == "" {
		cfg.SourceLang = "auto"
	}
	if cfg.TargetLang == "" {
		cfg.TargetLang = "en"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 180 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &OCRClient{cfg: cfg, client: client}
}

// Translate sends the image for translation. Transient failures retry with
// exponential backoff (2s, 4s, 8s); the caller's context bounds the whole
// exchange.
func (c *OCRClient) Translate(ctx context.Context, image []byte) (*OCRResult, error) {
	if len(image) > MaxImageBytes {
		return nil, fmt.Errorf("image is %d bytes, limit %d: %w", len(image), MaxImageBytes, ErrFatal)
	}

	var result *OCRResult
	err := retry.Do(
		func() error {
			res, err := c.translateOnce(ctx, image)
			if err != nil {
				return err
			}
			result = res
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.cfg.MaxRetries)+1),
		retry.Delay(c.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !IsFatal(err) }),
	)
	if err != nil {
		return nil, exhausted(err)
	}
	return result, nil
}

type ocrEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type ocrTranslatePayload struct {
	Regions    []store.Region `json:"regions"`
	SourceLang string         `json:"sourceLang"`
	TargetLang string         `json:"targetLang"`
}

func (c *OCRClient) translateOnce(ctx context.Context, image []byte) (*OCRResult, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(map[string]any{
		"image": base64.StdEncoding.EncodeToString(image),
		"from":  c.cfg.SourceLang,
		"to":    c.cfg.TargetLang,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal translate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/translate/image", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build translate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, wrapTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransport(err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// Token aged out server side; drop the cache so the retry
		// re-authenticates.
		c.invalidateToken(token)
		return nil, fmt.Errorf("status 401: %s: %w", string(body), ErrRetryable)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, string(body))
	}

	var env ocrEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode translate response: %v: %w", err, ErrRetryable)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("provider code %d: %s: %w", env.Code, env.Message, ErrFatal)
	}
	var payload ocrTranslatePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, fmt.Errorf("decode translate payload: %v: %w", err, ErrRetryable)
	}
	return &OCRResult{
		Regions:    payload.Regions,
		SourceLang: payload.SourceLang,
		TargetLang: payload.TargetLang,
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// accessToken returns the cached token, refreshing it when stale. The mutex
// spans the refresh so only one task hits the auth endpoint.
func (c *OCRClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-tokenRefreshMargin)) {
		return c.token, nil
	}

	reqBody, err := json.Marshal(map[string]string{
		"app_key":    c.cfg.APIKey,
		"app_secret": c.cfg.APISecret,
	})
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/auth/token", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", wrapTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", wrapTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, string(body))
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("decode token response: %v: %w", err, ErrRetryable)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("empty access token: %w", ErrFatal)
	}
	c.token = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return c.token, nil
}

// invalidateToken clears the cache if it still holds the rejected token.
func (c *OCRClient) invalidateToken(rejected string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == rejected {
		c.token = ""
		c.tokenExpiry = time.Time{}
	}
}

var _ OCR = (*OCRClient)(nil)
