package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Summarizer SummarizerConfig `json:"summarizer"`
	Engine     EngineConfig     `json:"engine"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"` // "api" or "local"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type SummarizerConfig struct {
	Endpoint string `json:"endpoint"`
	Model    string `json:"model"`
	MaxChars int    `json:"max_chars"` // transcript chars handed to the model
}

// EngineConfig holds the tunable constants of the memory engine. The decay
// and promotion numbers are deliberately configuration, not code: the right
// values depend on how often an agent runs.
type EngineConfig struct {
	Lambda           float64 `json:"lambda"`            // similarity/utility blend weight
	RewardDownstream float64 `json:"reward_downstream"` // recalled memory led somewhere
	RewardGenerative float64 `json:"reward_generative"` // recalled memory fed a new lesson
	RewardDeadEnd    float64 `json:"reward_dead_end"`   // recalled memory led nowhere
	QStep            float64 `json:"q_step"`            // bounded q-update step size

	DecayRate         float64 `json:"decay_rate"`
	PromoteRecalls    int     `json:"promote_recalls"`
	PromoteImportance float64 `json:"promote_importance"`
	PruneFloor        float64 `json:"prune_floor"`
	ArchiveAfter      int     `json:"archive_after"` // consecutive low passes before active->archive
	PruneAfter        int     `json:"prune_after"`   // consecutive low passes before archive->deleted

	WakeRecent  int `json:"wake_recent"`
	WakeCore    int `json:"wake_core"`
	WakeLessons int `json:"wake_lessons"`
	WakeHighQ   int `json:"wake_high_q"`
	WakeShared  int `json:"wake_shared"`

	PipelineBudget Duration `json:"pipeline_budget"`
	LockTTL        Duration `json:"lock_ttl"`
}

// Duration wraps time.Duration with JSON string parsing ("120s", "2m").
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Engine.applyDefaults()
	return &cfg, nil
}

// DefaultEngine returns the engine constants used when no config overrides them.
func DefaultEngine() EngineConfig {
	var e EngineConfig
	e.applyDefaults()
	return e
}

func (e *EngineConfig) applyDefaults() {
	if e.Lambda == 0 {
		e.Lambda = 0.7
	}
	if e.RewardDownstream == 0 {
		e.RewardDownstream = 0.8
	}
	if e.RewardGenerative == 0 {
		e.RewardGenerative = 1.0
	}
	if e.RewardDeadEnd == 0 {
		e.RewardDeadEnd = -0.3
	}
	if e.QStep == 0 {
		e.QStep = 0.25
	}
	if e.DecayRate == 0 {
		e.DecayRate = 0.15
	}
	if e.PromoteRecalls == 0 {
		e.PromoteRecalls = 5
	}
	if e.PromoteImportance == 0 {
		e.PromoteImportance = 0.65
	}
	if e.PruneFloor == 0 {
		e.PruneFloor = 0.2
	}
	if e.ArchiveAfter == 0 {
		e.ArchiveAfter = 3
	}
	if e.PruneAfter == 0 {
		e.PruneAfter = 6
	}
	if e.WakeRecent == 0 {
		e.WakeRecent = 5
	}
	if e.WakeCore == 0 {
		e.WakeCore = 3
	}
	if e.WakeLessons == 0 {
		e.WakeLessons = 3
	}
	if e.WakeHighQ == 0 {
		e.WakeHighQ = 3
	}
	if e.WakeShared == 0 {
		e.WakeShared = 3
	}
	if e.PipelineBudget == 0 {
		e.PipelineBudget = Duration(120 * time.Second)
	}
	if e.LockTTL == 0 {
		e.LockTTL = Duration(10 * time.Minute)
	}
}
