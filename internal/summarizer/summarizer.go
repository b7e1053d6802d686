package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nidhogg/drift/internal/memory"
	"go.uber.org/zap"
)

// Config holds summarizer settings.
type Config struct {
	Endpoint string `json:"endpoint"`
	Model    string `json:"model"`
	MaxChars int    `json:"max_chars"`
}

// Client extracts candidate memories from session transcripts using an
// Ollama-compatible generation API. The engine never parses transcripts
// itself; this is the external summarization collaborator.
type Client struct {
	endpoint string
	model    string
	maxChars int
	logger   *zap.Logger
}

// NewClient creates a summarizer client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 10000
	}
	return &Client{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		maxChars: cfg.MaxChars,
		logger:   logger,
	}
}

const extractionPrompt = `You are a memory consolidation module. Read the session
transcript below and extract what is worth remembering. Output ONLY lines in
these formats, nothing else:

THREAD: <short name> | <completed|blocked|in-progress> | <one sentence summary>
LESSON: <one transferable heuristic learned this session>
FACT: <one concrete fact worth keeping>

At most 5 threads, 3 lessons, 5 facts. Transcript:

`

// Summarize runs extraction over a raw transcript and parses the model's
// structured output. The transcript is filtered and truncated before the
// hand-off.
func (c *Client) Summarize(ctx context.Context, transcript string) (memory.Extraction, error) {
	text := ExtractText(transcript, c.maxChars)
	if len(text) < 50 {
		return memory.Extraction{}, fmt.Errorf("session too short to summarize (%d chars)", len(text))
	}

	raw, err := c.generate(ctx, extractionPrompt+text)
	if err != nil {
		return memory.Extraction{}, err
	}
	if len(raw) < 30 {
		return memory.Extraction{}, fmt.Errorf("no usable summarizer output (%d chars)", len(raw))
	}

	ex := ParseExtraction(raw)
	c.logger.Debug("transcript summarized",
		zap.Int("threads", len(ex.Threads)),
		zap.Int("lessons", len(ex.Lessons)),
		zap.Int("facts", len(ex.Facts)))
	return ex, nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("summarizer: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("summarizer: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("summarizer: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("summarizer: API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("summarizer: decode response: %w", err)
	}
	return result.Response, nil
}
