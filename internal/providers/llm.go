package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/transdesk/transdesk/internal/store"
)

const llmDefaultBatchSize = 30

// LLM refines machine translations and backfills entity names.
type LLM interface {
	// Refine reworks region translations in batches, honoring entity
	// guidance. Always returns one entry per region.
	Refine(ctx context.Context, regions []store.Region, guidance *store.Guidance) ([]store.LLMTranslation, error)

	// EntityEnglishNames proposes English renderings for Chinese entity
	// names. Missing proposals are tolerated.
	EntityEnglishNames(ctx context.Context, names []string) (map[string]string, error)

	// TranslateFilename renders a display filename in the target language.
	TranslateFilename(ctx context.Context, name string) (string, error)
}

// LLMConfig holds configuration for the refinement client.
type LLMConfig struct {
	APIKey     string
	BaseURL    string // Optional; defaults to the OpenAI endpoint
	Model      string
	BatchSize  int
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client // Optional (tests)
}

// LLMClient implements LLM on the OpenAI chat completion API.
type LLMClient struct {
	client    openai.Client
	model     string
	batchSize int
	logger    *slog.Logger
}

// NewLLMClient creates a refinement client.
func NewLLMClient(cfg LLMConfig, logger *slog.Logger) *LLMClient {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = llmDefaultBatchSize
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &LLMClient{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		batchSize: cfg.BatchSize,
		logger:    logger,
	}
}

const refineSystemPrompt = `You are a professional translator refining machine translations of Chinese documents into English. Improve fluency and terminology while preserving the meaning of each line. Never merge, reorder, or drop lines.`

// Refine reworks the regions' translations in batches of at most BatchSize.
// A failed batch keeps the machine translations for its regions and the
// remaining batches still run; the call errors only when every batch fails.
func (c *LLMClient) Refine(ctx context.Context, regions []store.Region, guidance *store.Guidance) ([]store.LLMTranslation, error) {
	results := make([]store.LLMTranslation, 0, len(regions))
	var succeeded int
	var lastErr error
	for start := 0; start < len(regions); start += c.batchSize {
		end := start + c.batchSize
		if end > len(regions) {
			end = len(regions)
		}
		batch, err := c.refineBatch(ctx, regions[start:end], guidance)
		if err != nil {
			c.logger.Warn("refinement batch failed, keeping machine translations",
				"from", regions[start].ID, "to", regions[end-1].ID, "error", err)
			lastErr = err
			for _, r := range regions[start:end] {
				results = append(results, store.LLMTranslation{
					ID:          r.ID,
					Translation: r.Dst,
					Original:    r.Dst,
				})
			}
			continue
		}
		succeeded++
		results = append(results, batch...)
	}
	if succeeded == 0 && lastErr != nil {
		return nil, lastErr
	}
	return results, nil
}

func (c *LLMClient) refineBatch(ctx context.Context, regions []store.Region, guidance *store.Guidance) ([]store.LLMTranslation, error) {
	prompt := buildRefinePrompt(regions, guidance)

	content, err := c.complete(ctx, refineSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	parsed := parseRefineOutput(content)
	dstOwner := make(map[string]int, len(regions))
	for _, r := range regions {
		if _, taken := dstOwner[r.Dst]; !taken {
			dstOwner[r.Dst] = r.ID
		}
	}

	out := make([]store.LLMTranslation, 0, len(regions))
	for _, r := range regions {
		translation, ok := parsed[r.ID]
		if !ok {
			c.logger.Warn("llm output missing region, keeping machine translation", "region", r.ID)
			translation = r.Dst
		} else if owner, dup := dstOwner[translation]; dup && owner != r.ID {
			// The model echoed another region's machine translation
			// verbatim; a swapped line is worse than no refinement.
			c.logger.Warn("llm output swapped regions, keeping machine translation",
				"region", r.ID, "swapped_with", owner)
			translation = r.Dst
		}
		out = append(out, store.LLMTranslation{
			ID:          r.ID,
			Translation: translation,
			Original:    r.Dst,
		})
	}
	return out, nil
}

func buildRefinePrompt(regions []store.Region, guidance *store.Guidance) string {
	var b strings.Builder

	if guidance != nil {
		writeGuidance := func(label string, entries []string) {
			if len(entries) == 0 {
				return
			}
			fmt.Fprintf(&b, "%s:\n", label)
			for _, e := range entries {
				fmt.Fprintf(&b, "- %s\n", e)
			}
		}
		if len(guidance.Persons)+len(guidance.Locations)+len(guidance.Organizations)+len(guidance.Terms) > 0 {
			b.WriteString("Use these confirmed renderings for named entities:\n")
			writeGuidance("Persons", guidance.Persons)
			writeGuidance("Locations", guidance.Locations)
			writeGuidance("Organizations", guidance.Organizations)
			writeGuidance("Terms", guidance.Terms)
			b.WriteString("\n")
		}
	}

	b.WriteString("Refine the translation of each line below.\n")
	for _, r := range regions {
		fmt.Fprintf(&b, "[%d] %s\n", r.ID, r.Src)
	}
	fmt.Fprintf(&b, "\nOutput exactly %d lines, one per input, each formatted as: [id] translation\n", len(regions))
	return b.String()
}

var refineLineRe = regexp.MustCompile(`\[(\d+)\]\s*(.+)`)

// parseRefineOutput extracts [id] translation lines. Later duplicates win,
// matching how models self-correct.
func parseRefineOutput(content string) map[int]string {
	out := make(map[int]string)
	for _, line := range strings.Split(content, "\n") {
		m := refineLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out[id] = strings.TrimSpace(m[2])
	}
	return out
}

// EntityEnglishNames asks the model for English renderings of the names,
// returned as a JSON object keyed by the Chinese name.
func (c *LLMClient) EntityEnglishNames(ctx context.Context, names []string) (map[string]string, error) {
	if len(names) == 0 {
		return map[string]string{}, nil
	}
	var b strings.Builder
	b.WriteString("Propose the standard English rendering for each Chinese entity name below. ")
	b.WriteString("Respond with only a JSON object mapping each Chinese name to its English name.\n")
	for _, n := range names {
		fmt.Fprintf(&b, "- %s\n", n)
	}

	content, err := c.complete(ctx, "You are a bilingual named-entity specialist.", b.String())
	if err != nil {
		return nil, err
	}

	var out map[string]string
	if err := json.Unmarshal([]byte(extractJSONObject(content)), &out); err != nil {
		return nil, fmt.Errorf("parse entity name response: %v: %w", err, ErrRecoverable)
	}
	return out, nil
}

// TranslateFilename renders a display filename in English, preserving the
// extension.
func (c *LLMClient) TranslateFilename(ctx context.Context, name string) (string, error) {
	prompt := fmt.Sprintf("Translate this filename into concise English, keeping the file extension. Respond with only the filename.\n%s", name)
	content, err := c.complete(ctx, "You translate filenames.", prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

func (c *LLMClient) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(0.3),
	})
	if err != nil {
		return "", wrapTransport(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion: %w", ErrRetryable)
	}
	return resp.Choices[0].Message.Content, nil
}

// extractJSONObject strips markdown fences and surrounding prose from a
// model response expected to contain one JSON object.
func extractJSONObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return content
	}
	return content[start : end+1]
}

var _ LLM = (*LLMClient)(nil)
