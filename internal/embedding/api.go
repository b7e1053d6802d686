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

// APIProvider embeds memory text through an OpenAI-compatible
// /embeddings endpoint. A whole batch of memories goes up in one
// request, so ingestion cost is one round trip per session.
type APIProvider struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client

	dimOnce     sync.Once
	observedDim int
	configDim   int
}

func NewAPIProvider(cfg Config) *APIProvider {
	return &APIProvider{
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		client:    &http.Client{Timeout: 60 * time.Second},
		configDim: cfg.Dimension,
	}
}

// Embed turns memory contents (or a search query) into vectors, one per
// input, in input order.
func (p *APIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload := struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{Model: p.model, Input: texts}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal embed batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed batch of %d: %w", len(texts), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embed batch: status %d: %s", resp.StatusCode, detail)
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embed batch: got %d vectors for %d texts", len(parsed.Data), len(texts))
	}

	vectors := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		vectors[i] = d.Embedding
	}
	p.rememberDim(vectors)
	return vectors, nil
}

func (p *APIProvider) rememberDim(vectors [][]float32) {
	if len(vectors) > 0 && len(vectors[0]) > 0 {
		p.dimOnce.Do(func() { p.observedDim = len(vectors[0]) })
	}
}

// Dimension reports the vector width the similarity index should be
// created with: the first observed width, or the configured one before
// any call has succeeded.
func (p *APIProvider) Dimension() int {
	if p.observedDim > 0 {
		return p.observedDim
	}
	return p.configDim
}
