package zilliz

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/metrics"
	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/pkg/circuitbreaker"
	"github.com/docchat/backend/pkg/logger"
	"github.com/docchat/backend/pkg/retry"
)

const (
	fieldChunkID   = "chunk_id"
	fieldDocID     = "doc_id"
	fieldFilename  = "filename"
	fieldPosition  = "position"
	fieldText      = "text"
	fieldEmbedding = "embedding"
	fieldTimestamp = "timestamp"

	maxTextLen = 8192
)

var outputFields = []string{fieldChunkID, fieldDocID, fieldFilename, fieldPosition, fieldText}

// Client stores document chunks in a Milvus (or Zilliz Cloud) collection.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
	breaker        *circuitbreaker.CircuitBreaker
	retryCfg       retry.Config
}

func NewClient(ctx context.Context, endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.Logger = logger.GetLogger()

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
		retryCfg:       retryCfg,
		breaker: circuitbreaker.NewCircuitBreaker("milvus", circuitbreaker.Config{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
			Logger:           logger.GetLogger(),
			OnStateChange: func(name string, _, to circuitbreaker.State) {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			},
		}),
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

// EnsureCollection creates, indexes and loads the chunk collection if it
// does not exist yet.
func (z *Client) EnsureCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.client.LoadCollection(ctx, z.collectionName, false)
	}

	schema := entity.NewSchema().
		WithName(z.collectionName).
		WithDescription("Document chunk embeddings").
		WithField(entity.NewField().WithName(fieldChunkID).WithDataType(entity.FieldTypeVarChar).
			WithIsPrimaryKey(true).WithMaxLength(128)).
		WithField(entity.NewField().WithName(fieldDocID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(64)).
		WithField(entity.NewField().WithName(fieldFilename).WithDataType(entity.FieldTypeVarChar).WithMaxLength(512)).
		WithField(entity.NewField().WithName(fieldPosition).WithDataType(entity.FieldTypeInt64)).
		WithField(entity.NewField().WithName(fieldText).WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxTextLen)).
		WithField(entity.NewField().WithName(fieldEmbedding).WithDataType(entity.FieldTypeFloatVector).
			WithDim(int64(z.vectorDim))).
		WithField(entity.NewField().WithName(fieldTimestamp).WithDataType(entity.FieldTypeInt64))

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 128)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, fieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))
	return nil
}

func (z *Client) Insert(ctx context.Context, chunks []models.IndexedChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	chunkIDs := make([]string, len(chunks))
	docIDs := make([]string, len(chunks))
	filenames := make([]string, len(chunks))
	positions := make([]int64, len(chunks))
	texts := make([]string, len(chunks))
	embeddings := make([][]float32, len(chunks))
	timestamps := make([]int64, len(chunks))

	for i, chunk := range chunks {
		chunkIDs[i] = chunk.ID
		docIDs[i] = chunk.DocID
		filenames[i] = chunk.Filename
		positions[i] = int64(chunk.Position)
		texts[i] = truncate(chunk.Text, maxTextLen)
		embeddings[i] = chunk.Embedding
		timestamps[i] = chunk.IndexedAt.Unix()
	}

	insert := func() error {
		_, err := z.client.Insert(
			ctx,
			z.collectionName,
			"",
			entity.NewColumnVarChar(fieldChunkID, chunkIDs),
			entity.NewColumnVarChar(fieldDocID, docIDs),
			entity.NewColumnVarChar(fieldFilename, filenames),
			entity.NewColumnInt64(fieldPosition, positions),
			entity.NewColumnVarChar(fieldText, texts),
			entity.NewColumnFloatVector(fieldEmbedding, z.vectorDim, embeddings),
			entity.NewColumnInt64(fieldTimestamp, timestamps),
		)
		return err
	}
	flush := func() error {
		return z.client.Flush(ctx, z.collectionName, false)
	}

	if err := z.insertThenFlush(ctx, insert, flush); err != nil {
		return err
	}

	logger.Info("Chunks inserted into vector DB",
		zap.String("doc_id", chunks[0].DocID),
		zap.Int("count", len(chunks)),
	)
	return nil
}

func (z *Client) Search(ctx context.Context, queryEmbedding []float32, topK int) ([]models.SearchResult, error) {
	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	var searchResult []client.SearchResult
	err = z.call(ctx, func() error {
		var err error
		searchResult, err = z.client.Search(
			ctx,
			z.collectionName,
			[]string{},
			"",
			outputFields,
			[]entity.Vector{entity.FloatVector(queryEmbedding)},
			fieldEmbedding,
			entity.COSINE,
			topK,
			sp,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]models.SearchResult, 0, topK)
	for _, sr := range searchResult {
		for i := 0; i < sr.ResultCount; i++ {
			res := models.SearchResult{Score: sr.Scores[i]}
			res.ChunkID = stringAt(sr.Fields.GetColumn(fieldChunkID), i)
			res.DocID = stringAt(sr.Fields.GetColumn(fieldDocID), i)
			res.Filename = stringAt(sr.Fields.GetColumn(fieldFilename), i)
			res.Text = stringAt(sr.Fields.GetColumn(fieldText), i)
			if col := sr.Fields.GetColumn(fieldPosition); col != nil {
				if v, err := col.Get(i); err == nil {
					if p, ok := v.(int64); ok {
						res.Position = int(p)
					}
				}
			}
			results = append(results, res)
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
	)
	return results, nil
}

// DeleteByDocument removes every chunk belonging to docID.
func (z *Client) DeleteByDocument(ctx context.Context, docID string) error {
	err := z.call(ctx, func() error {
		return z.client.Delete(ctx, z.collectionName, "", docFilter(docID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}

	logger.Info("Document chunks deleted from vector DB", zap.String("doc_id", docID))
	return nil
}

func (z *Client) call(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, z.retryCfg, func() error {
		err := z.breaker.Execute(fn)
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return retry.Permanent(err)
		}
		return err
	})
}

// insertThenFlush retries the two steps independently. Milvus does not
// deduplicate primary keys, so a failed flush must never re-run the insert.
func (z *Client) insertThenFlush(ctx context.Context, insert, flush func() error) error {
	if err := z.call(ctx, insert); err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}
	if err := z.call(ctx, flush); err != nil {
		return fmt.Errorf("failed to flush inserted chunks: %w", err)
	}
	return nil
}

func docFilter(docID string) string {
	return fieldDocID + " == " + strconv.Quote(docID)
}

func stringAt(col entity.Column, i int) string {
	if col == nil {
		return ""
	}
	v, err := col.Get(i)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
