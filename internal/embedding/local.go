package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// LocalProvider embeds memory text against an Ollama-style
// /api/embeddings endpoint, which takes one prompt per call. Session
// ingestion fans a batch out sequentially; local models are the
// bottleneck anyway.
type LocalProvider struct {
	endpoint string
	model    string
	client   *http.Client

	dimOnce     sync.Once
	observedDim int
	configDim   int
}

func NewLocalProvider(cfg Config) *LocalProvider {
	return &LocalProvider{
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		client:    &http.Client{Timeout: 60 * time.Second},
		configDim: cfg.Dimension,
	}
}

// Embed returns one vector per input text, in input order. A failure on
// any text fails the batch; partial embeddings would leave the index
// out of step with the store.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := p.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, vec)
	}
	if len(vectors[0]) > 0 {
		p.dimOnce.Do(func() { p.observedDim = len(vectors[0]) })
	}
	return vectors, nil
}

func (p *LocalProvider) embedOne(ctx context.Context, text string) ([]float32, error) {
	payload := struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}{Model: p.model, Prompt: text}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal embed prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embed text: status %d: %s", resp.StatusCode, detail)
	}

	var parsed struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	return parsed.Embedding, nil
}

// Dimension reports the vector width the similarity index should be
// created with: the first observed width, or the configured one before
// any call has succeeded.
func (p *LocalProvider) Dimension() int {
	if p.observedDim > 0 {
		return p.observedDim
	}
	return p.configDim
}
