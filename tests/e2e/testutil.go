package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/drift/internal/config"
	"github.com/nidhogg/drift/internal/embedding"
	"github.com/nidhogg/drift/internal/engine"
	"github.com/nidhogg/drift/internal/store"
	"github.com/nidhogg/drift/internal/summarizer"
	"github.com/nidhogg/drift/internal/vectorstore"
)

// Package-level shared state — set by TestMain, used by all subtests.
var (
	testLogger *zap.Logger
	testStore  *store.Store
	testEngine *engine.Engine
	testLocks  *engine.Locker
)

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("drift_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return "redis://" + endpoint, cleanup, nil
}

func redisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// cannedExtraction is what the fake model returns for every
// summarization call.
const cannedExtraction = `THREAD: rate limiter | completed | Sliding window limiter shipped behind a flag.
THREAD: flaky e2e | blocked | Container startup races the schema migration.
LESSON: Always pin container image versions in CI config.
FACT: The API rate limit resets hourly.
FACT: The staging database lives in eu-west-1.`

// Markers a transcript can carry to steer the fake model: slowMarker
// stalls the response, keeping the consolidation pipeline in flight
// long enough to observe; emptyMarker yields prose with nothing worth
// extracting, so the session stores no memories.
const (
	slowMarker  = "SLOW-SUMMARIZE"
	emptyMarker = "EMPTY-SUMMARIZE"
)

// startFakeLLM serves both the Ollama-style generation and embeddings
// endpoints, so the whole pipeline runs without a model.
func startFakeLLM() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if strings.Contains(req.Prompt, slowMarker) {
			time.Sleep(2 * time.Second)
		}
		response := cannedExtraction
		switch {
		case strings.Contains(req.Prompt, "Pick the single best relation"):
			response = "related_to"
		case strings.Contains(req.Prompt, emptyMarker):
			response = "Nothing in this session is worth keeping for the long term."
		}
		json.NewEncoder(w).Encode(map[string]string{"response": response})
	})
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string][]float32{"embedding": fakeVector(req.Prompt)})
	})
	return httptest.NewServer(mux)
}

// fakeVector derives a deterministic unit-ish vector from the text, so
// identical texts are maximally similar and distinct texts are not.
func fakeVector(text string) []float32 {
	const dim = 8
	vec := make([]float32, dim)
	h := fnv.New64a()
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h.Reset()
		h.Write([]byte(word))
		vec[h.Sum64()%dim] += 1
	}
	return vec
}

// buildEngine wires a full engine against the test containers and the
// fake model server.
func buildEngine(llmURL, redisURL string) (*engine.Engine, *engine.Locker, error) {
	cfg := config.DefaultEngine()

	embedder := embedding.NewProvider(embedding.Config{
		Provider: "local", Endpoint: llmURL, Model: "test", Dimension: 8,
	})
	sum := summarizer.NewClient(summarizer.Config{
		Endpoint: llmURL, Model: "test", MaxChars: 10000,
	}, testLogger)

	// No Qdrant in the harness: the index runs on its exact fallback.
	index := vectorstore.NewIndex(nil, testStore, testLogger)

	rdb, err := redisClient(redisURL)
	if err != nil {
		return nil, nil, err
	}
	locks := engine.NewLocker(rdb, time.Duration(cfg.LockTTL), testLogger)
	return engine.New(testStore, index, embedder, sum, locks, cfg, testLogger), locks, nil
}

// sampleTranscript is long enough to clear the summarizer's minimum.
const sampleTranscript = `Started on the rate limiter this morning.
Implemented the sliding window algorithm and put it behind a feature flag.
ToolUse: run_tests {}
ToolResult: 42 passed
The e2e suite is still flaky, container startup races the schema migration.
Pinned the postgres image version in CI config, which should help.
Cost: $0.12
Wrapped up by documenting the new flag in the runbook.`
