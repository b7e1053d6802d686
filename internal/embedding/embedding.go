package embedding

import "context"

// Provider generates vector embeddings from text. The engine treats the
// vectors as opaque beyond their dimensionality; it never computes
// embeddings itself.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "api" or "local"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// NewProvider selects a provider implementation from config.
func NewProvider(cfg Config) Provider {
	if cfg.Provider == "api" {
		return NewAPIProvider(cfg)
	}
	return NewLocalProvider(cfg)
}
