package llm

import (
	"context"

	"github.com/docchat/backend/internal/cache"
	"github.com/docchat/backend/pkg/utils"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// CachedEmbedder memoizes single-text embeddings, which are the query
// embeddings on the chat path. Batch calls from ingestion go straight through.
type CachedEmbedder struct {
	next  Embedder
	ns    *cache.Namespace
	model string
}

func NewCachedEmbedder(next Embedder, ns *cache.Namespace, model string) *CachedEmbedder {
	return &CachedEmbedder{next: next, ns: ns, model: model}
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	fp := utils.Fingerprint("embedding", e.model, text)
	v, _, err := cache.Fetch(ctx, e.ns, fp, func(ctx context.Context) ([]float32, error) {
		return e.next.Embed(ctx, text)
	})
	return v, err
}

func (e *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return e.next.EmbedBatch(ctx, texts)
}
