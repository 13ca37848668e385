package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/query"
	"github.com/docchat/backend/pkg/logger"
)

type ChatService interface {
	Answer(ctx context.Context, req query.ChatRequest) (*query.ChatResponse, error)
}

type chatRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
}

type chatResponse struct {
	Answer           string `json:"answer"`
	SessionID        string `json:"session_id"`
	Model            string `json:"model"`
	ContextAvailable bool   `json:"context_available"`
}

type QueryHandler struct {
	chat ChatService
}

func NewQueryHandler(chat ChatService) *QueryHandler {
	return &QueryHandler{
		chat: chat,
	}
}

func (h *QueryHandler) HandleChat(c *fiber.Ctx) error {
	var req chatRequest

	if err := c.BodyParser(&req); err != nil {
		logger.Warn("Failed to parse request body", zap.Error(err))
		return badRequest(c, "invalid_body", "Invalid request body")
	}

	resp, err := h.chat.Answer(c.UserContext(), query.ChatRequest{
		Question:  req.Question,
		SessionID: req.SessionID,
		Model:     req.Model,
	})
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(chatResponse{
		Answer:           resp.Answer,
		SessionID:        resp.SessionID,
		Model:            resp.Model,
		ContextAvailable: resp.ContextAvailable,
	})
}
