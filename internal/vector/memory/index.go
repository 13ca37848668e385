// Package memory is an in-process vector index using brute-force cosine
// similarity. It backs the "memory" vector provider and the tests.
package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/docchat/backend/internal/storage/models"
)

type Index struct {
	mu     sync.RWMutex
	chunks map[string][]models.IndexedChunk // doc id -> chunks
}

func NewIndex() *Index {
	return &Index{chunks: make(map[string][]models.IndexedChunk)}
}

func (x *Index) Insert(_ context.Context, chunks []models.IndexedChunk) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, c := range chunks {
		x.chunks[c.DocID] = append(x.chunks[c.DocID], c)
	}
	return nil
}

func (x *Index) DeleteByDocument(_ context.Context, docID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	delete(x.chunks, docID)
	return nil
}

func (x *Index) Search(_ context.Context, embedding []float32, topK int) ([]models.SearchResult, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	results := make([]models.SearchResult, 0)
	for _, chunks := range x.chunks {
		for _, c := range chunks {
			results = append(results, models.SearchResult{
				ChunkID:  c.ID,
				DocID:    c.DocID,
				Filename: c.Filename,
				Position: c.Position,
				Text:     c.Text,
				Score:    float32(cosineSimilarity(embedding, c.Embedding)),
			})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Count returns the number of chunks stored for docID.
func (x *Index) Count(docID string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.chunks[docID])
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
