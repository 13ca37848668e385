package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/docchat/backend/internal/ingestion"
	"github.com/docchat/backend/internal/query"
)

// apiError is the body of every failed response. Code is stable and meant
// for clients; Error is a generic human-readable message.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// Order matters: a failed compensation is joined with the indexing error,
// so inconsistent state must be matched first.
var errorMappings = []errorMapping{
	{ingestion.ErrInconsistentState, fiber.StatusInternalServerError, "inconsistent_state", "Upload failed and left an orphaned document record"},
	{ingestion.ErrUnsupportedType, fiber.StatusBadRequest, "unsupported_type", "Unsupported file type. Allowed types are: .pdf, .docx, .html"},
	{ingestion.ErrExtractionFailed, fiber.StatusInternalServerError, "extraction_failed", "Failed to extract text from the document"},
	{ingestion.ErrIndexWriteFailed, fiber.StatusInternalServerError, "index_write_failed", "Failed to index the document"},
	{ingestion.ErrNotFound, fiber.StatusNotFound, "not_found", "Document not found"},
	{ingestion.ErrVectorDeleteFailed, fiber.StatusInternalServerError, "vector_delete_failed", "Failed to delete the document from the vector index"},
	{ingestion.ErrMetadataDeleteFailed, fiber.StatusInternalServerError, "metadata_delete_failed", "Deleted from the vector index but failed to delete the document record"},
	{query.ErrEmptyQuestion, fiber.StatusBadRequest, "empty_question", "Question is required"},
	{query.ErrUnsupportedModel, fiber.StatusBadRequest, "unsupported_model", "Unsupported model"},
	{query.ErrRetrievalFailed, fiber.StatusInternalServerError, "retrieval_failed", "Failed to retrieve document context"},
	{query.ErrModelInvocationFailed, fiber.StatusInternalServerError, "model_invocation_failed", "Failed to generate an answer"},
	{query.ErrHistoryWriteFailed, fiber.StatusInternalServerError, "history_write_failed", "Failed to record the conversation"},
}

func classify(err error) (int, apiError) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, apiError{Error: m.message, Code: m.code}
		}
	}
	return fiber.StatusInternalServerError, apiError{Error: "Internal server error", Code: "internal_error"}
}

func respondError(c *fiber.Ctx, err error) error {
	status, body := classify(err)
	return c.Status(status).JSON(body)
}

func badRequest(c *fiber.Ctx, code, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(apiError{Error: message, Code: code})
}
