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

	"github.com/sony/gobreaker"

	"github.com/transdesk/transdesk/internal/store"
)

// EntityMode selects the recognition depth.
type EntityMode string

const (
	// ModeFast identifies entities without English names; an LLM follow-up
	// proposes them and the user confirms.
	ModeFast EntityMode = "fast"
	// ModeDeep analyzes entities with sourced English names and confidence;
	// results auto-confirm.
	ModeDeep EntityMode = "deep"
)

// NormalizeEntityMode folds the aliases used by older clients into the two
// canonical modes.
func NormalizeEntityMode(mode string) EntityMode {
	switch mode {
	case "deep", "analyze":
		return ModeDeep
	case "", "fast", "standard", "identify":
		return ModeFast
	default:
		return ModeFast
	}
}

// Entity recognizes named entities in translated text.
type Entity interface {
	Recognize(ctx context.Context, texts []string, mode EntityMode) (*EntityResult, error)
}

// EntityResult is a parsed recognition response.
type EntityResult struct {
	Entities []store.Entity
}

// EntityConfig holds configuration for the entity recognition client.
type EntityConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client // Optional (tests)
}

// EntityClient calls the entity recognition service. The service has a
// history of outages, so calls run through a circuit breaker; an open
// breaker surfaces as a recoverable error and the material continues
// without entities.
type EntityClient struct {
	cfg     EntityConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewEntityClient creates an entity recognition client.
func NewEntityClient(cfg EntityConfig) *EntityClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "entity-recognition",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &EntityClient{cfg: cfg, client: client, breaker: breaker}
}

type entityResponse struct {
	Success     bool           `json:"success"`
	Recoverable bool           `json:"recoverable"`
	Error       string         `json:"error"`
	Entities    []store.Entity `json:"entities"`
}

// Recognize sends the material's translated texts for entity extraction.
func (c *EntityClient) Recognize(ctx context.Context, texts []string, mode EntityMode) (*EntityResult, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		return c.recognizeOnce(ctx, texts, mode)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("entity recognition circuit open: %w", ErrRecoverable)
		}
		return nil, err
	}
	return out.(*EntityResult), nil
}

func (c *EntityClient) recognizeOnce(ctx context.Context, texts []string, mode EntityMode) (*EntityResult, error) {
	endpoint := "/v1/entities/identify"
	if mode == ModeDeep {
		endpoint = "/v1/entities/analyze"
	}

	reqBody, err := json.Marshal(map[string]any{"texts": texts})
	if err != nil {
		return nil, fmt.Errorf("marshal entity request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build entity request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("entity recognition timed out: %w", ErrTimeout)
		}
		return nil, fmt.Errorf("entity recognition unreachable: %v: %w", err, ErrRecoverable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read entity response: %v: %w", err, ErrRecoverable)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("status %d: %s: %w", resp.StatusCode, string(body), ErrRecoverable)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, string(body))
	}

	var er entityResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, fmt.Errorf("decode entity response: %v: %w", err, ErrRecoverable)
	}
	if !er.Success {
		if er.Recoverable {
			return nil, fmt.Errorf("%s: %w", er.Error, ErrRecoverable)
		}
		return nil, fmt.Errorf("%s: %w", er.Error, ErrFatal)
	}
	return &EntityResult{Entities: er.Entities}, nil
}

var _ Entity = (*EntityClient)(nil)
