package query

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/cache"
	"github.com/docchat/backend/internal/llm"
	"github.com/docchat/backend/internal/metrics"
	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/pkg/logger"
	"github.com/docchat/backend/pkg/utils"
)

var (
	ErrEmptyQuestion         = errors.New("question must not be empty")
	ErrUnsupportedModel      = errors.New("unsupported model")
	ErrRetrievalFailed       = errors.New("retrieval failed")
	ErrModelInvocationFailed = errors.New("model invocation failed")
	ErrHistoryWriteFailed    = errors.New("failed to record conversation turn")
)

type ConversationLog interface {
	AppendTurn(ctx context.Context, turn *models.ConversationTurn) error
	History(ctx context.Context, sessionID string) ([]models.ConversationTurn, error)
}

type Retriever interface {
	Search(ctx context.Context, embedding []float32, topK int) ([]models.SearchResult, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Generator interface {
	RewriteQuestion(ctx context.Context, model string, history []llm.Message, question string) (string, error)
	GenerateAnswer(ctx context.Context, model string, history []llm.Message, question, documentContext string) (string, error)
}

type Config struct {
	TopK          int
	DefaultModel  string
	AllowedModels []string
	// RequireContext fails the request with ErrRetrievalFailed when no chunk
	// is retrieved, instead of answering with ContextAvailable=false.
	RequireContext bool
}

type Engine struct {
	log       ConversationLog
	retriever Retriever
	embedder  Embedder
	generator Generator
	chatCache *cache.Namespace
	cfg       Config
	allowed   map[string]struct{}
}

type ChatRequest struct {
	Question  string
	SessionID string
	Model     string
}

type ChatResponse struct {
	Answer           string
	SessionID        string
	Model            string
	ContextAvailable bool
	Cached           bool
}

// cachedAnswer is what the chat cache stores. Sessions are not part of it:
// a hit reports the caller's session and never reads the conversation log.
// A hit for a request without a session still records the exchange under
// the freshly minted session.
type cachedAnswer struct {
	Answer           string `json:"answer"`
	ContextAvailable bool   `json:"context_available"`
}

func NewEngine(log ConversationLog, retriever Retriever, embedder Embedder, generator Generator, chatCache *cache.Namespace, cfg Config) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 2
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedModels))
	for _, m := range cfg.AllowedModels {
		allowed[m] = struct{}{}
	}

	return &Engine{
		log:       log,
		retriever: retriever,
		embedder:  embedder,
		generator: generator,
		chatCache: chatCache,
		cfg:       cfg,
		allowed:   allowed,
	}
}

// ResolveModel returns the model to use for selector, applying the default
// when it is empty.
func (e *Engine) ResolveModel(selector string) (string, error) {
	if selector == "" {
		return e.cfg.DefaultModel, nil
	}
	if _, ok := e.allowed[selector]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedModel, selector)
	}
	return selector, nil
}

// Answer runs the chat pipeline. Identical requests within the chat cache
// TTL are answered from the cache without reading the log, the index or
// the model.
func (e *Engine) Answer(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	startTime := time.Now()

	question := strings.TrimSpace(req.Question)
	if question == "" {
		metrics.ChatTotal.WithLabelValues("invalid").Inc()
		return nil, ErrEmptyQuestion
	}

	model, err := e.ResolveModel(req.Model)
	if err != nil {
		metrics.ChatTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	fingerprint := utils.Fingerprint("chat", utils.NormalizeText(question), model, req.SessionID)

	computed := false
	res, hit, err := cache.Fetch(ctx, e.chatCache, fingerprint, func(ctx context.Context) (cachedAnswer, error) {
		computed = true
		return e.compute(ctx, sessionID, question, model)
	})
	if err == nil && !computed && req.SessionID == "" {
		// The answer was computed under another caller's session; the minted
		// one still needs its opening turn.
		err = e.appendTurn(ctx, sessionID, question, res.Answer, model)
	}
	if err != nil {
		metrics.ChatTotal.WithLabelValues("error").Inc()
		logger.Error("Chat request failed",
			zap.String("session_id", sessionID),
			zap.String("model", model),
			zap.Error(err),
		)
		return nil, err
	}

	metrics.ChatTotal.WithLabelValues("success").Inc()
	metrics.ChatDuration.WithLabelValues(strconv.FormatBool(hit)).Observe(time.Since(startTime).Seconds())

	logger.Info("Chat answered",
		zap.String("session_id", sessionID),
		zap.String("model", model),
		zap.Bool("cached", hit),
		zap.Bool("context_available", res.ContextAvailable),
		zap.Duration("latency", time.Since(startTime)),
	)

	return &ChatResponse{
		Answer:           res.Answer,
		SessionID:        sessionID,
		Model:            model,
		ContextAvailable: res.ContextAvailable,
		Cached:           hit,
	}, nil
}

func (e *Engine) compute(ctx context.Context, sessionID, question, model string) (cachedAnswer, error) {
	turns, err := e.log.History(ctx, sessionID)
	if err != nil {
		return cachedAnswer{}, fmt.Errorf("%w: loading history: %v", ErrRetrievalFailed, err)
	}
	history := toMessages(turns)

	searchQuery := question
	if len(history) > 0 {
		rewritten, err := e.generator.RewriteQuestion(ctx, model, history, question)
		if err != nil {
			logger.Warn("Question rewrite failed, retrieving with the original question",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		} else {
			searchQuery = rewritten
		}
	}

	results, err := e.retrieve(ctx, searchQuery)
	if err != nil {
		return cachedAnswer{}, err
	}
	if len(results) == 0 && e.cfg.RequireContext {
		return cachedAnswer{}, fmt.Errorf("%w: no relevant documents", ErrRetrievalFailed)
	}

	answer, err := e.generator.GenerateAnswer(ctx, model, history, question, formatContext(results))
	if err != nil {
		return cachedAnswer{}, fmt.Errorf("%w: %v", ErrModelInvocationFailed, err)
	}

	if err := e.appendTurn(ctx, sessionID, question, answer, model); err != nil {
		return cachedAnswer{}, err
	}

	return cachedAnswer{Answer: answer, ContextAvailable: len(results) > 0}, nil
}

func (e *Engine) appendTurn(ctx context.Context, sessionID, question, answer, model string) error {
	turn := &models.ConversationTurn{
		SessionID: sessionID,
		UserQuery: question,
		Answer:    answer,
		Model:     model,
	}
	if err := e.log.AppendTurn(ctx, turn); err != nil {
		return fmt.Errorf("%w: %v", ErrHistoryWriteFailed, err)
	}
	return nil
}

func (e *Engine) retrieve(ctx context.Context, query string) ([]models.SearchResult, error) {
	embedding, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding query: %v", ErrRetrievalFailed, err)
	}

	results, err := e.retriever.Search(ctx, embedding, e.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
	}

	metrics.RetrievalResultsCount.Observe(float64(len(results)))
	logger.Debug("Chunks retrieved", zap.Int("results", len(results)))
	return results, nil
}

func toMessages(turns []models.ConversationTurn) []llm.Message {
	msgs := make([]llm.Message, 0, 2*len(turns))
	for _, t := range turns {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: t.UserQuery},
			llm.Message{Role: llm.RoleAssistant, Content: t.Answer},
		)
	}
	return msgs
}

func formatContext(results []models.SearchResult) string {
	if len(results) == 0 {
		return ""
	}

	var builder strings.Builder
	for i, r := range results {
		fmt.Fprintf(&builder, "[Source %d: %s]\n%s\n\n", i+1, r.Filename, r.Text)
	}
	return strings.TrimSpace(builder.String())
}
