package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docchat/backend/internal/api/handlers"
	"github.com/docchat/backend/internal/cache"
	"github.com/docchat/backend/internal/cache/memory"
	"github.com/docchat/backend/internal/chunker"
	"github.com/docchat/backend/internal/ingestion"
	"github.com/docchat/backend/internal/llm"
	"github.com/docchat/backend/internal/query"
	"github.com/docchat/backend/internal/storage/sqlite"
	vecmem "github.com/docchat/backend/internal/vector/memory"
	"github.com/docchat/backend/pkg/config"
)

const policyText = "Refunds are issued within 30 days of purchase. Sale items are final."

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{1, float32(len(text)%7) + 1}, nil
}

func (e fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

// fakeGenerator echoes the retrieved context so tests can see what an
// answer was grounded on.
type fakeGenerator struct{}

func (fakeGenerator) RewriteQuestion(_ context.Context, _ string, _ []llm.Message, question string) (string, error) {
	return question, nil
}

func (fakeGenerator) GenerateAnswer(_ context.Context, _ string, _ []llm.Message, question, documentContext string) (string, error) {
	if documentContext == "" {
		return "I could not find anything about: " + question, nil
	}
	return "Based on the documents: " + documentContext, nil
}

type testServer struct {
	app   *fiber.App
	db    *sqlite.Client
	index *vecmem.Index
}

func newTestServer(t *testing.T, checks map[string]handlers.CheckFunc) *testServer {
	t.Helper()
	dir := t.TempDir()

	db, err := sqlite.NewClient(filepath.Join(dir, "rag.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	ch, err := chunker.New(200, 40)
	require.NoError(t, err)

	store := memory.NewStore()
	index := vecmem.NewIndex()

	// PDF parsing is covered in the extract package; here the upload body
	// is taken as the document text.
	extractPlain := func(_ context.Context, path, _ string) (string, error) {
		data, err := os.ReadFile(path)
		return string(data), err
	}

	proc := ingestion.NewProcessor(db, index, fakeEmbedder{}, ch,
		cache.NewNamespace(store, "test", "list-docs", time.Hour),
		ingestion.Config{ScratchDir: dir, Extract: extractPlain},
	)
	engine := query.NewEngine(db, index, fakeEmbedder{}, fakeGenerator{},
		cache.NewNamespace(store, "test", "chat", 10*time.Minute),
		query.Config{TopK: 2, DefaultModel: "gpt-4o-mini", AllowedModels: []string{"gpt-4o", "gpt-4o-mini"}},
	)

	app := New(config.ServerConfig{BodyLimit: 1 << 20}, Deps{
		Documents: proc,
		Chat:      engine,
		Checks:    checks,
	})

	return &testServer{app: app, db: db, index: index}
}

func (s *testServer) do(t *testing.T, req *http.Request, out any) int {
	t.Helper()
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(body, out), string(body))
	}
	return resp.StatusCode
}

func (s *testServer) upload(t *testing.T, filename, content string, out any) int {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload-doc", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return s.do(t, req, out)
}

func (s *testServer) postJSON(t *testing.T, path string, payload, out any) int {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return s.do(t, req, out)
}

type uploadResponse struct {
	Message string `json:"message"`
	FileID  string `json:"file_id"`
	Chunks  int    `json:"chunks"`
}

type chatResponse struct {
	Answer           string `json:"answer"`
	SessionID        string `json:"session_id"`
	Model            string `json:"model"`
	ContextAvailable bool   `json:"context_available"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type listedDocument struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
}

func TestDocumentLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	var up uploadResponse
	require.Equal(t, http.StatusOK, s.upload(t, "policy.pdf", policyText, &up))
	require.NotEmpty(t, up.FileID)
	assert.Equal(t, "File policy.pdf has been successfully uploaded and indexed.", up.Message)
	assert.Equal(t, 1, up.Chunks)

	var docs []listedDocument
	require.Equal(t, http.StatusOK, s.do(t, httptest.NewRequest(http.MethodGet, "/list-docs", nil), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, listedDocument{ID: up.FileID, Filename: "policy.pdf"}, docs[0])

	var chat chatResponse
	require.Equal(t, http.StatusOK, s.postJSON(t, "/chat", map[string]string{
		"question": "What is the refund window?",
	}, &chat))
	assert.Contains(t, chat.Answer, "Refunds are issued within 30 days")
	assert.Contains(t, chat.Answer, "policy.pdf")
	assert.True(t, chat.ContextAvailable)
	assert.Equal(t, "gpt-4o-mini", chat.Model)
	require.NotEmpty(t, chat.SessionID)

	turns, err := s.db.History(ctx, chat.SessionID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "What is the refund window?", turns[0].UserQuery)
	assert.Equal(t, chat.Answer, turns[0].Answer)

	var deleted struct {
		Message string `json:"message"`
	}
	require.Equal(t, http.StatusOK, s.postJSON(t, "/delete-doc", map[string]string{"file_id": up.FileID}, &deleted))
	assert.Equal(t, "Successfully deleted document with file_id "+up.FileID+" from the system.", deleted.Message)
	assert.Zero(t, s.index.Count(up.FileID))

	var after chatResponse
	require.Equal(t, http.StatusOK, s.postJSON(t, "/chat", map[string]string{
		"question":   "Are sale items refundable?",
		"session_id": "after-delete",
	}, &after))
	assert.False(t, after.ContextAvailable)
	assert.NotContains(t, after.Answer, "Refunds are issued")
	assert.Equal(t, "after-delete", after.SessionID)
}

func TestChat_RepeatedQuestionIsServedFromCache(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	var up uploadResponse
	require.Equal(t, http.StatusOK, s.upload(t, "policy.html", policyText, &up))

	payload := map[string]string{"question": "Refund window?", "session_id": "s1"}
	var first, second chatResponse
	require.Equal(t, http.StatusOK, s.postJSON(t, "/chat", payload, &first))
	payload["question"] = "  refund   WINDOW? "
	require.Equal(t, http.StatusOK, s.postJSON(t, "/chat", payload, &second))

	assert.Equal(t, first, second)

	turns, err := s.db.History(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func TestUpload_Errors(t *testing.T) {
	s := newTestServer(t, nil)

	var body errorResponse
	assert.Equal(t, http.StatusBadRequest, s.upload(t, "notes.txt", "plain text", &body))
	assert.Equal(t, "unsupported_type", body.Code)
	assert.NotEmpty(t, body.Error)

	body = errorResponse{}
	assert.Equal(t, http.StatusInternalServerError, s.upload(t, "blank.html", "   \n\n ", &body))
	assert.Equal(t, "extraction_failed", body.Code)

	var docs []listedDocument
	require.Equal(t, http.StatusOK, s.do(t, httptest.NewRequest(http.MethodGet, "/list-docs", nil), &docs))
	assert.Empty(t, docs)
}

func TestUpload_MissingFile(t *testing.T) {
	s := newTestServer(t, nil)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("other", "value"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload-doc", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())

	var body errorResponse
	assert.Equal(t, http.StatusBadRequest, s.do(t, req, &body))
	assert.Equal(t, "missing_file", body.Code)
}

func TestDelete_Errors(t *testing.T) {
	s := newTestServer(t, nil)

	var body errorResponse
	assert.Equal(t, http.StatusNotFound, s.postJSON(t, "/delete-doc", map[string]string{"file_id": "does-not-exist"}, &body))
	assert.Equal(t, "not_found", body.Code)

	body = errorResponse{}
	assert.Equal(t, http.StatusBadRequest, s.postJSON(t, "/delete-doc", map[string]any{"file_id": 42}, &body))
	assert.Equal(t, "missing_file_id", body.Code)
}

func TestChat_Errors(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name    string
		payload map[string]any
		code    string
	}{
		{"missing question", map[string]any{"session_id": "s"}, "empty_question"},
		{"blank question", map[string]any{"question": "   "}, "empty_question"},
		{"unknown model", map[string]any{"question": "hi", "model": "gpt-2"}, "unsupported_model"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body errorResponse
			assert.Equal(t, http.StatusBadRequest, s.postJSON(t, "/chat", tt.payload, &body))
			assert.Equal(t, tt.code, body.Code)
		})
	}
}

func TestChat_NoDocuments(t *testing.T) {
	s := newTestServer(t, nil)

	var chat chatResponse
	require.Equal(t, http.StatusOK, s.postJSON(t, "/chat", map[string]string{
		"question": "Anything?",
		"model":    "gpt-4o",
	}, &chat))
	assert.False(t, chat.ContextAvailable)
	assert.Equal(t, "gpt-4o", chat.Model)
	assert.NotEmpty(t, chat.Answer)
}

func TestSystemEndpoints(t *testing.T) {
	s := newTestServer(t, map[string]handlers.CheckFunc{
		"sqlite": func(context.Context) error { return nil },
		"redis":  func(context.Context) error { return errors.New("connection refused") },
	})

	var root struct {
		Message string `json:"message"`
	}
	assert.Equal(t, http.StatusOK, s.do(t, httptest.NewRequest(http.MethodGet, "/", nil), &root))
	assert.Equal(t, "Welcome to the document chat API!", root.Message)

	assert.Equal(t, http.StatusOK, s.do(t, httptest.NewRequest(http.MethodGet, "/health", nil), nil))

	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, httptest.NewRequest(http.MethodGet, "/ready", nil), &ready))
	assert.Equal(t, "ok", ready.Checks["sqlite"])
	assert.NotEqual(t, "ok", ready.Checks["redis"])
}

func TestUnsupportedContentType(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader([]byte("question=hi")))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var body errorResponse
	assert.Equal(t, http.StatusUnsupportedMediaType, s.do(t, req, &body))
	assert.Equal(t, "unsupported_media_type", body.Code)
}
