package vectorstore

import (
	"context"
	"math"
	"sort"

	"github.com/nidhogg/drift/internal/store"
	"go.uber.org/zap"
)

// Hit is a single similarity result. Raw scores are returned alongside
// ids because downstream ranking blends them; order alone is not enough.
type Hit struct {
	MemoryID string
	Score    float64
}

// Index is the similarity lookup over an agent's embeddings. Qdrant is
// the primary path; when it is absent or failing the index degrades to
// an exact cosine scan over the store's embedding rows, which is correct
// (full recall) just slower on large stores.
type Index struct {
	qdrant *Client // nil when running without a vector service
	store  *store.Store
	logger *zap.Logger
}

// NewIndex builds a similarity index. qdrant may be nil.
func NewIndex(qdrant *Client, st *store.Store, logger *zap.Logger) *Index {
	return &Index{qdrant: qdrant, store: st, logger: logger}
}

// EnsureAgent prepares the agent's collection when qdrant is available.
func (ix *Index) EnsureAgent(ctx context.Context, agent string, dim int) error {
	if ix.qdrant == nil {
		return nil
	}
	return ix.qdrant.EnsureCollection(ctx, CollectionName(agent), uint64(dim))
}

// Add indexes one vector for a memory.
func (ix *Index) Add(ctx context.Context, agent, memoryID string, vector []float32, preview string) error {
	if err := ix.store.UpsertEmbedding(ctx, agent, memoryID, vector, preview); err != nil {
		return err
	}
	if ix.qdrant != nil {
		if err := ix.qdrant.Upsert(ctx, CollectionName(agent), memoryID, vector, nil); err != nil {
			// The pg row is the source of truth; a failed index write only
			// costs search speed until the next upsert.
			ix.logger.Warn("qdrant upsert failed, exact fallback remains available",
				zap.String("memory", memoryID), zap.Error(err))
		}
	}
	return nil
}

// Remove drops a pruned memory from the vector index. The pg embedding
// row goes away with the memory via its foreign key.
func (ix *Index) Remove(ctx context.Context, agent, memoryID string) {
	if ix.qdrant == nil {
		return
	}
	if err := ix.qdrant.Delete(ctx, CollectionName(agent), memoryID); err != nil {
		ix.logger.Warn("qdrant delete failed", zap.String("memory", memoryID), zap.Error(err))
	}
}

// Search returns the k most similar memory ids with their cosine scores.
func (ix *Index) Search(ctx context.Context, agent string, query []float32, k int) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	if ix.qdrant != nil {
		hits, err := ix.qdrant.Search(ctx, CollectionName(agent), query, uint64(k))
		if err == nil {
			return hits, nil
		}
		ix.logger.Warn("qdrant search failed, falling back to exact scan", zap.Error(err))
	}
	return ix.exactSearch(ctx, agent, query, k)
}

func (ix *Index) exactSearch(ctx context.Context, agent string, query []float32, k int) ([]Hit, error) {
	stored, err := ix.store.AllEmbeddings(ctx, agent)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(stored))
	for _, v := range stored {
		hits = append(hits, Hit{MemoryID: v.MemoryID, Score: Cosine(query, v.Vector)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Cosine computes cosine similarity between two vectors. Mismatched or
// zero-length vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
