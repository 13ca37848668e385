package handlers

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/ingestion"
	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/pkg/logger"
)

type DocumentService interface {
	Ingest(ctx context.Context, filename string, r io.Reader) (*ingestion.Result, error)
	Delete(ctx context.Context, docID string) error
	ListDocuments(ctx context.Context) ([]models.Document, error)
}

type DocumentHandler struct {
	documents DocumentService
}

func NewDocumentHandler(documents DocumentService) *DocumentHandler {
	return &DocumentHandler{
		documents: documents,
	}
}

func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "missing_file", "A multipart file field named \"file\" is required")
	}

	filename := filepath.Base(fh.Filename)

	f, err := fh.Open()
	if err != nil {
		logger.Error("Failed to open uploaded file", zap.String("filename", filename), zap.Error(err))
		return respondError(c, err)
	}
	defer f.Close()

	res, err := h.documents.Ingest(c.UserContext(), filename, f)
	if err != nil {
		logger.Error("Failed to upload document", zap.String("filename", filename), zap.Error(err))
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"message": fmt.Sprintf("File %s has been successfully uploaded and indexed.", filename),
		"file_id": res.Document.ID,
		"chunks":  res.Chunks,
	})
}

func (h *DocumentHandler) ListDocuments(c *fiber.Ctx) error {
	docs, err := h.documents.ListDocuments(c.UserContext())
	if err != nil {
		logger.Error("Failed to list documents", zap.Error(err))
		return respondError(c, err)
	}

	return c.JSON(docs)
}

func (h *DocumentHandler) DeleteDocument(c *fiber.Ctx) error {
	var req struct {
		FileID string `json:"file_id"`
	}

	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid_body", "Invalid request body")
	}
	if req.FileID == "" {
		return badRequest(c, "missing_file_id", "file_id is required")
	}

	if err := h.documents.Delete(c.UserContext(), req.FileID); err != nil {
		logger.Error("Failed to delete document", zap.String("doc_id", req.FileID), zap.Error(err))
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"message": fmt.Sprintf("Successfully deleted document with file_id %s from the system.", req.FileID),
	})
}
