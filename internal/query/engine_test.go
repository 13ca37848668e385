package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docchat/backend/internal/cache"
	"github.com/docchat/backend/internal/cache/memory"
	"github.com/docchat/backend/internal/llm"
	"github.com/docchat/backend/internal/storage/models"
)

type fakeLog struct {
	mu         sync.Mutex
	turns      []models.ConversationTurn
	appendErr  error
	historyErr error
}

func (f *fakeLog) AppendTurn(_ context.Context, turn *models.ConversationTurn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	turn.ID = int64(len(f.turns) + 1)
	turn.CreatedAt = time.Unix(int64(len(f.turns)+1), 0)
	f.turns = append(f.turns, *turn)
	return nil
}

func (f *fakeLog) History(_ context.Context, sessionID string) ([]models.ConversationTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	var out []models.ConversationTurn
	for _, t := range f.turns {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns)
}

type fakeRetriever struct {
	results []models.SearchResult
	err     error
	calls   int
}

func (f *fakeRetriever) Search(_ context.Context, _ []float32, topK int) ([]models.SearchResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.results) > topK {
		return f.results[:topK], nil
	}
	return f.results, nil
}

type fakeEmbedder struct {
	texts []string
	err   error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

type fakeGenerator struct {
	mu          sync.Mutex
	answerCalls int
	rewriteErr  error
	answerErr   error
	lastHistory []llm.Message
	lastContext string
	lastModel   string
}

func (f *fakeGenerator) RewriteQuestion(_ context.Context, _ string, _ []llm.Message, question string) (string, error) {
	if f.rewriteErr != nil {
		return "", f.rewriteErr
	}
	return "standalone: " + question, nil
}

func (f *fakeGenerator) GenerateAnswer(_ context.Context, model string, history []llm.Message, question, documentContext string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answerCalls++
	if f.answerErr != nil {
		return "", f.answerErr
	}
	f.lastHistory = history
	f.lastContext = documentContext
	f.lastModel = model
	return fmt.Sprintf("answer %d to %q", f.answerCalls, question), nil
}

func (f *fakeGenerator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answerCalls
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	engine    *Engine
	log       *fakeLog
	retriever *fakeRetriever
	embedder  *fakeEmbedder
	gen       *fakeGenerator
	store     *memory.Store
	clock     *clock
}

func newFixture(cfg Config) *fixture {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	f := &fixture{
		log: &fakeLog{},
		retriever: &fakeRetriever{results: []models.SearchResult{
			{ChunkID: "d1_chunk_0", DocID: "d1", Filename: "policy.pdf", Text: "Refunds are issued within 30 days.", Score: 0.9},
			{ChunkID: "d1_chunk_1", DocID: "d1", Filename: "policy.pdf", Text: "Sale items are final.", Score: 0.7},
			{ChunkID: "d2_chunk_0", DocID: "d2", Filename: "other.html", Text: "Unrelated.", Score: 0.1},
		}},
		embedder: &fakeEmbedder{},
		gen:      &fakeGenerator{},
		store:    memory.NewStore().WithClock(clk.Now),
		clock:    clk,
	}

	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o-mini"
	}
	if cfg.AllowedModels == nil {
		cfg.AllowedModels = []string{"gpt-4o", "gpt-4o-mini"}
	}

	ns := cache.NewNamespace(f.store, "test", "chat", 600*time.Second)
	f.engine = NewEngine(f.log, f.retriever, f.embedder, f.gen, ns, cfg)
	return f
}

const refundQuestion = "What does the policy say about refunds?"

func TestAnswer_CacheIdempotence(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	req := ChatRequest{Question: refundQuestion, Model: "gpt-4o-mini"}

	first, err := f.engine.Answer(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, first.Answer)
	assert.NotEmpty(t, first.SessionID)
	assert.False(t, first.Cached)
	assert.True(t, first.ContextAvailable)

	second, err := f.engine.Answer(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Answer, second.Answer)

	assert.NotEqual(t, first.SessionID, second.SessionID)

	assert.Equal(t, 1, f.gen.calls())
	assert.Equal(t, 1, f.retriever.calls)
	assert.Equal(t, 2, f.log.count(), "one opening turn per minted session")
}

func TestAnswer_CachedAnonymousAnswerStartsItsSession(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	_, err := f.engine.Answer(ctx, ChatRequest{Question: refundQuestion})
	require.NoError(t, err)
	hit, err := f.engine.Answer(ctx, ChatRequest{Question: refundQuestion})
	require.NoError(t, err)
	require.True(t, hit.Cached)

	turns, err := f.log.History(ctx, hit.SessionID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, refundQuestion, turns[0].UserQuery)
	assert.Equal(t, hit.Answer, turns[0].Answer)
	assert.Equal(t, "gpt-4o-mini", turns[0].Model)

	// A follow-up on that session sees the cached exchange as history.
	_, err = f.engine.Answer(ctx, ChatRequest{Question: "And for sale items?", SessionID: hit.SessionID})
	require.NoError(t, err)
	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: refundQuestion},
		{Role: llm.RoleAssistant, Content: hit.Answer},
	}, f.gen.lastHistory)
	assert.Equal(t, "standalone: And for sale items?", f.embedder.texts[len(f.embedder.texts)-1])
}

func TestAnswer_CachedAnswerForKnownSessionAppendsNothing(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	req := ChatRequest{Question: refundQuestion, SessionID: "s1"}

	_, err := f.engine.Answer(ctx, req)
	require.NoError(t, err)
	res, err := f.engine.Answer(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, 1, f.log.count())
}

func TestAnswer_CachedAnonymousHistoryWriteFailure(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	_, err := f.engine.Answer(ctx, ChatRequest{Question: refundQuestion})
	require.NoError(t, err)

	f.log.appendErr = errors.New("disk full")
	_, err = f.engine.Answer(ctx, ChatRequest{Question: refundQuestion})
	assert.ErrorIs(t, err, ErrHistoryWriteFailed)
}

func TestAnswer_FingerprintNormalizesQuestion(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	_, err := f.engine.Answer(ctx, ChatRequest{Question: refundQuestion, SessionID: "s1"})
	require.NoError(t, err)
	res, err := f.engine.Answer(ctx, ChatRequest{Question: "  what does the POLICY say   about refunds? ", SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, res.Cached)

	// A different model or session is a different entry.
	_, err = f.engine.Answer(ctx, ChatRequest{Question: refundQuestion, SessionID: "s1", Model: "gpt-4o"})
	require.NoError(t, err)
	_, err = f.engine.Answer(ctx, ChatRequest{Question: refundQuestion, SessionID: "s2"})
	require.NoError(t, err)
	assert.Equal(t, 3, f.gen.calls())
}

func TestAnswer_RecomputesAfterExpiry(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	req := ChatRequest{Question: refundQuestion, SessionID: "s1"}

	first, err := f.engine.Answer(ctx, req)
	require.NoError(t, err)

	f.clock.Advance(599 * time.Second)
	second, err := f.engine.Answer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Answer, second.Answer)

	f.clock.Advance(time.Second)
	third, err := f.engine.Answer(ctx, req)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.NotEqual(t, first.Answer, third.Answer)
	assert.Equal(t, 2, f.gen.calls())
}

func TestAnswer_ModelFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	f.gen.answerErr = errors.New("upstream timeout")

	_, err := f.engine.Answer(ctx, ChatRequest{Question: refundQuestion, SessionID: "s1"})
	assert.ErrorIs(t, err, ErrModelInvocationFailed)
	assert.Zero(t, f.log.count())
	assert.Zero(t, f.store.Len())

	f.gen.answerErr = nil
	res, err := f.engine.Answer(ctx, ChatRequest{Question: refundQuestion, SessionID: "s1"})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, 1, f.log.count())
}

func TestAnswer_HistoryWriteFailureIsNotCached(t *testing.T) {
	f := newFixture(Config{})
	f.log.appendErr = errors.New("disk full")

	_, err := f.engine.Answer(context.Background(), ChatRequest{Question: refundQuestion, SessionID: "s1"})
	assert.ErrorIs(t, err, ErrHistoryWriteFailed)
	assert.Zero(t, f.store.Len())
}

func TestAnswer_HistoryInChronologicalOrder(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	require.NoError(t, f.log.AppendTurn(ctx, &models.ConversationTurn{SessionID: "s1", UserQuery: "q1", Answer: "a1"}))
	require.NoError(t, f.log.AppendTurn(ctx, &models.ConversationTurn{SessionID: "s1", UserQuery: "q2", Answer: "a2"}))
	require.NoError(t, f.log.AppendTurn(ctx, &models.ConversationTurn{SessionID: "other", UserQuery: "x", Answer: "y"}))

	_, err := f.engine.Answer(ctx, ChatRequest{Question: "And for sale items?", SessionID: "s1"})
	require.NoError(t, err)

	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "q1"},
		{Role: llm.RoleAssistant, Content: "a1"},
		{Role: llm.RoleUser, Content: "q2"},
		{Role: llm.RoleAssistant, Content: "a2"},
	}, f.gen.lastHistory)

	// Retrieval used the rewritten, standalone question.
	assert.Equal(t, []string{"standalone: And for sale items?"}, f.embedder.texts)

	turns, err := f.log.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "And for sale items?", turns[2].UserQuery)
}

func TestAnswer_RewriteFailureFallsBackToQuestion(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	f.gen.rewriteErr = errors.New("boom")

	require.NoError(t, f.log.AppendTurn(ctx, &models.ConversationTurn{SessionID: "s1", UserQuery: "q1", Answer: "a1"}))

	_, err := f.engine.Answer(ctx, ChatRequest{Question: "follow up", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"follow up"}, f.embedder.texts)
}

func TestAnswer_NewSessionSkipsRewrite(t *testing.T) {
	f := newFixture(Config{})

	_, err := f.engine.Answer(context.Background(), ChatRequest{Question: refundQuestion})
	require.NoError(t, err)
	assert.Equal(t, []string{refundQuestion}, f.embedder.texts)
	assert.Empty(t, f.gen.lastHistory)
}

func TestAnswer_UsesTopKChunksAsContext(t *testing.T) {
	f := newFixture(Config{TopK: 2})

	_, err := f.engine.Answer(context.Background(), ChatRequest{Question: refundQuestion})
	require.NoError(t, err)
	assert.Contains(t, f.gen.lastContext, "[Source 1: policy.pdf]")
	assert.Contains(t, f.gen.lastContext, "Refunds are issued within 30 days.")
	assert.Contains(t, f.gen.lastContext, "Sale items are final.")
	assert.NotContains(t, f.gen.lastContext, "Unrelated.")
}

func TestAnswer_RetrievalErrors(t *testing.T) {
	t.Run("search", func(t *testing.T) {
		f := newFixture(Config{})
		f.retriever.err = errors.New("milvus down")

		_, err := f.engine.Answer(context.Background(), ChatRequest{Question: refundQuestion})
		assert.ErrorIs(t, err, ErrRetrievalFailed)
		assert.Zero(t, f.gen.calls())
		assert.Zero(t, f.log.count())
	})

	t.Run("embedding", func(t *testing.T) {
		f := newFixture(Config{})
		f.embedder.err = errors.New("quota")

		_, err := f.engine.Answer(context.Background(), ChatRequest{Question: refundQuestion})
		assert.ErrorIs(t, err, ErrRetrievalFailed)
		assert.Zero(t, f.gen.calls())
	})

	t.Run("history", func(t *testing.T) {
		f := newFixture(Config{})
		f.log.historyErr = errors.New("locked")

		_, err := f.engine.Answer(context.Background(), ChatRequest{Question: refundQuestion, SessionID: "s1"})
		assert.ErrorIs(t, err, ErrRetrievalFailed)
	})
}

func TestAnswer_EmptyRetrieval(t *testing.T) {
	t.Run("answers without context", func(t *testing.T) {
		f := newFixture(Config{})
		f.retriever.results = nil

		res, err := f.engine.Answer(context.Background(), ChatRequest{Question: refundQuestion})
		require.NoError(t, err)
		assert.False(t, res.ContextAvailable)
		assert.Empty(t, f.gen.lastContext)
		assert.Equal(t, 1, f.log.count())
	})

	t.Run("fails when context is required", func(t *testing.T) {
		f := newFixture(Config{RequireContext: true})
		f.retriever.results = nil

		_, err := f.engine.Answer(context.Background(), ChatRequest{Question: refundQuestion})
		assert.ErrorIs(t, err, ErrRetrievalFailed)
		assert.Zero(t, f.gen.calls())
		assert.Zero(t, f.store.Len())
	})
}

func TestAnswer_Validation(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	_, err := f.engine.Answer(ctx, ChatRequest{Question: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuestion)

	_, err = f.engine.Answer(ctx, ChatRequest{Question: refundQuestion, Model: "gpt-2"})
	assert.ErrorIs(t, err, ErrUnsupportedModel)

	res, err := f.engine.Answer(ctx, ChatRequest{Question: refundQuestion})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", res.Model)
	assert.Equal(t, "gpt-4o-mini", f.gen.lastModel)
}

func TestAnswer_ConcurrentIdenticalRequestsCallModelOnce(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	answers := make([]string, 6)
	for i := range answers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.Answer(ctx, ChatRequest{Question: refundQuestion, SessionID: "shared"})
			if assert.NoError(t, err) {
				answers[i] = res.Answer
			}
		}(i)
	}
	wg.Wait()

	for _, a := range answers {
		assert.Equal(t, answers[0], a)
	}
	assert.Equal(t, 1, f.gen.calls())
}
