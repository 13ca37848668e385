package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/docchat/backend/internal/cache"
	"github.com/docchat/backend/internal/chunker"
	"github.com/docchat/backend/internal/extract"
	"github.com/docchat/backend/internal/metrics"
	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/pkg/logger"
)

var (
	ErrUnsupportedType      = errors.New("unsupported file type")
	ErrExtractionFailed     = errors.New("text extraction failed")
	ErrIndexWriteFailed     = errors.New("vector index write failed")
	ErrInconsistentState    = errors.New("inconsistent state: metadata left without indexed content")
	ErrNotFound             = errors.New("document not found")
	ErrVectorDeleteFailed   = errors.New("failed to delete document from vector index")
	ErrMetadataDeleteFailed = errors.New("deleted from vector index but failed to delete metadata")
)

const compensationTimeout = 30 * time.Second

type MetadataStore interface {
	InsertDocument(ctx context.Context, filename string) (*models.Document, error)
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ListDocuments(ctx context.Context) ([]models.Document, error)
	DeleteDocument(ctx context.Context, id string) error
}

type VectorIndex interface {
	Insert(ctx context.Context, chunks []models.IndexedChunk) error
	DeleteByDocument(ctx context.Context, docID string) error
}

type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ExtractFunc returns the plain text of the file at path, choosing the
// format from filename.
type ExtractFunc func(ctx context.Context, path, filename string) (string, error)

type Config struct {
	ScratchDir string
	// Extract defaults to extract.File.
	Extract ExtractFunc
	// Invalidate lists cache namespaces cleared after every successful
	// upload or delete. Empty means cached listings and answers are left to
	// expire on their own.
	Invalidate []*cache.Namespace
}

type Processor struct {
	store     MetadataStore
	index     VectorIndex
	embedder  Embedder
	chunker   *chunker.Chunker
	listCache *cache.Namespace
	cfg       Config
	now       func() time.Time
}

type Result struct {
	Document *models.Document
	Chunks   int
}

func NewProcessor(store MetadataStore, index VectorIndex, embedder Embedder, ch *chunker.Chunker, listCache *cache.Namespace, cfg Config) *Processor {
	if cfg.Extract == nil {
		cfg.Extract = extract.File
	}
	return &Processor{
		store:     store,
		index:     index,
		embedder:  embedder,
		chunker:   ch,
		listCache: listCache,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Ingest stores r under filename: metadata first, then the indexed chunks.
// If indexing fails the metadata record is removed again; if that removal
// fails too, the returned error wraps ErrInconsistentState.
func (p *Processor) Ingest(ctx context.Context, filename string, r io.Reader) (*Result, error) {
	if !extract.Supported(filename) {
		metrics.DocumentsIngested.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: allowed types are %s", ErrUnsupportedType, strings.Join(extract.AllowedExtensions, ", "))
	}

	logger.Info("Processing document", zap.String("filename", filename))

	scratch, err := p.writeScratch(filename, r)
	if err != nil {
		metrics.DocumentsIngested.WithLabelValues("failed").Inc()
		return nil, err
	}
	defer func() {
		if err := os.Remove(scratch); err != nil && !os.IsNotExist(err) {
			logger.Warn("Failed to remove scratch file", zap.String("path", scratch), zap.Error(err))
		}
	}()

	doc, err := p.store.InsertDocument(ctx, filename)
	if err != nil {
		metrics.DocumentsIngested.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to insert document record: %w", err)
	}

	chunks, err := p.indexDocument(ctx, doc, scratch)
	if err != nil {
		logger.Error("Indexing failed, removing document record",
			zap.String("doc_id", doc.ID),
			zap.String("filename", filename),
			zap.Error(err),
		)
		metrics.DocumentsIngested.WithLabelValues("failed").Inc()
		if cerr := p.compensate(ctx, doc.ID); cerr != nil {
			return nil, errors.Join(err, cerr)
		}
		return nil, err
	}

	metrics.DocumentsIngested.WithLabelValues("success").Inc()
	metrics.ChunksIndexed.Add(float64(chunks))
	p.invalidate(ctx)

	logger.Info("Document processed successfully",
		zap.String("doc_id", doc.ID),
		zap.String("filename", filename),
		zap.Int("chunks", chunks),
	)

	return &Result{Document: doc, Chunks: chunks}, nil
}

func (p *Processor) writeScratch(filename string, r io.Reader) (string, error) {
	f, err := os.CreateTemp(p.cfg.ScratchDir, "upload-*"+extract.Ext(filename))
	if err != nil {
		return "", fmt.Errorf("failed to create scratch file: %w", err)
	}

	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write scratch file: %w", err)
	}

	return f.Name(), nil
}

func (p *Processor) indexDocument(ctx context.Context, doc *models.Document, path string) (int, error) {
	text, err := p.cfg.Extract(ctx, path, doc.Filename)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	texts, err := p.chunker.Split(text)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	if len(texts) == 0 {
		return 0, fmt.Errorf("%w: %v", ErrExtractionFailed, extract.ErrNoText)
	}
	logger.Info("Document chunked", zap.String("doc_id", doc.ID), zap.Int("chunks", len(texts)))

	embeddings, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIndexWriteFailed, err)
	}
	if len(embeddings) != len(texts) {
		return 0, fmt.Errorf("%w: embedding count mismatch: got %d, expected %d", ErrIndexWriteFailed, len(embeddings), len(texts))
	}

	now := p.now()
	chunks := make([]models.IndexedChunk, len(texts))
	for i, t := range texts {
		chunks[i] = models.IndexedChunk{
			ID:        fmt.Sprintf("%s_chunk_%d", doc.ID, i),
			DocID:     doc.ID,
			Filename:  doc.Filename,
			Position:  i,
			Text:      t,
			Embedding: embeddings[i],
			IndexedAt: now,
		}
	}

	if err := p.index.Insert(ctx, chunks); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIndexWriteFailed, err)
	}

	return len(chunks), nil
}

// compensate undoes a half-finished ingest. It runs detached from the
// request context so a cancelled request still cleans up what it observed.
func (p *Processor) compensate(ctx context.Context, docID string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	// Chunks may have been partially written before the failure.
	if err := p.index.DeleteByDocument(ctx, docID); err != nil {
		logger.Warn("Failed to remove partial chunks", zap.String("doc_id", docID), zap.Error(err))
	}

	if err := p.store.DeleteDocument(ctx, docID); err != nil && !errors.Is(err, models.ErrNotFound) {
		metrics.Compensations.WithLabelValues("failed").Inc()
		logger.Error("Compensating delete failed, document record orphaned",
			zap.String("doc_id", docID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: document %s: %v", ErrInconsistentState, docID, err)
	}

	metrics.Compensations.WithLabelValues("success").Inc()
	return nil
}

// Delete removes a document's chunks and then its metadata record. When the
// chunk delete fails the record is kept so the failure stays visible.
func (p *Processor) Delete(ctx context.Context, docID string) error {
	if _, err := p.store.GetDocument(ctx, docID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			metrics.DocumentsDeleted.WithLabelValues("not_found").Inc()
			return ErrNotFound
		}
		metrics.DocumentsDeleted.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to look up document: %w", err)
	}

	if err := p.index.DeleteByDocument(ctx, docID); err != nil {
		metrics.DocumentsDeleted.WithLabelValues("vector_failed").Inc()
		logger.Error("Vector delete failed", zap.String("doc_id", docID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrVectorDeleteFailed, err)
	}

	if err := p.store.DeleteDocument(ctx, docID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			metrics.DocumentsDeleted.WithLabelValues("not_found").Inc()
			return ErrNotFound
		}
		metrics.DocumentsDeleted.WithLabelValues("metadata_failed").Inc()
		logger.Error("Metadata delete failed after vector delete", zap.String("doc_id", docID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrMetadataDeleteFailed, err)
	}

	metrics.DocumentsDeleted.WithLabelValues("success").Inc()
	p.invalidate(ctx)

	logger.Info("Document deleted", zap.String("doc_id", docID))
	return nil
}

// ListDocuments returns every document record, newest first, served from the
// listing cache when fresh.
func (p *Processor) ListDocuments(ctx context.Context) ([]models.Document, error) {
	docs, _, err := cache.Fetch(ctx, p.listCache, "all", p.store.ListDocuments)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	if docs == nil {
		docs = []models.Document{}
	}
	return docs, nil
}

func (p *Processor) invalidate(ctx context.Context) {
	for _, ns := range p.cfg.Invalidate {
		if err := ns.Invalidate(ctx); err != nil {
			logger.Warn("Cache invalidation failed", zap.String("namespace", ns.Name()), zap.Error(err))
		}
	}
}
