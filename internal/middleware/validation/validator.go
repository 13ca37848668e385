package validation

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type Config struct {
	MaxQuestionLength   int
	MaxDocumentSize     int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQuestionLength == 0 {
		cfg.MaxQuestionLength = 5000
	}
	if cfg.MaxDocumentSize == 0 {
		cfg.MaxDocumentSize = 50 * 1024 * 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json", "multipart/form-data"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		if !allowedType(contentType, cfg.AllowedContentTypes) {
			return reject(c, fiber.StatusUnsupportedMediaType, "unsupported_media_type", "Unsupported content type")
		}

		switch c.Path() {
		case "/upload-doc":
			if !strings.HasPrefix(contentType, fiber.MIMEMultipartForm) {
				return reject(c, fiber.StatusBadRequest, "invalid_body", "Upload must be multipart/form-data")
			}
			if c.Request().Header.ContentLength() > cfg.MaxDocumentSize {
				return reject(c, fiber.StatusRequestEntityTooLarge, "file_too_large", "Document exceeds maximum size")
			}

		case "/chat":
			var req struct {
				Question *string `json:"question"`
			}
			if err := json.Unmarshal(c.Body(), &req); err != nil {
				return reject(c, fiber.StatusBadRequest, "invalid_body", "Invalid JSON format")
			}
			if req.Question == nil {
				return reject(c, fiber.StatusBadRequest, "empty_question", "Question is required")
			}
			if utf8.RuneCountInString(*req.Question) > cfg.MaxQuestionLength {
				cfg.Logger.Warn("Question exceeds maximum length",
					zap.String("ip", c.IP()),
					zap.Int("length", len(*req.Question)),
				)
				return reject(c, fiber.StatusBadRequest, "question_too_long", "Question exceeds maximum length")
			}
			if strings.ContainsRune(*req.Question, 0) {
				return reject(c, fiber.StatusBadRequest, "invalid_question", "Question contains invalid characters")
			}

		case "/delete-doc":
			var req struct {
				FileID json.RawMessage `json:"file_id"`
			}
			if err := json.Unmarshal(c.Body(), &req); err != nil {
				return reject(c, fiber.StatusBadRequest, "invalid_body", "Invalid JSON format")
			}
			var id string
			if err := json.Unmarshal(req.FileID, &id); err != nil || id == "" {
				return reject(c, fiber.StatusBadRequest, "missing_file_id", "file_id is required and must be a string")
			}
		}

		return c.Next()
	}
}

func allowedType(contentType string, allowed []string) bool {
	for _, t := range allowed {
		if strings.HasPrefix(contentType, t) {
			return true
		}
	}
	return false
}

func reject(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": message,
		"code":  code,
	})
}
