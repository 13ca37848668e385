package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/query"
	"github.com/docchat/backend/pkg/logger"
)

const wsRequestTimeout = 2 * time.Minute

type WebSocketHandler struct {
	chat ChatService
}

func NewWebSocketHandler(chat ChatService) *WebSocketHandler {
	return &WebSocketHandler{
		chat: chat,
	}
}

type wsMessage struct {
	Type      string `json:"type"`
	Question  string `json:"question"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
}

type wsFrame struct {
	Type             string `json:"type"`
	Content          string `json:"content,omitempty"`
	SessionID        string `json:"session_id,omitempty"`
	Model            string `json:"model,omitempty"`
	ContextAvailable *bool  `json:"context_available,omitempty"`
	Error            string `json:"error,omitempty"`
	Code             string `json:"code,omitempty"`
}

// HandleConnection answers "chat" messages, streaming each answer as word
// frames followed by a "complete" frame.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			return
		}

		if msg.Type != "chat" {
			continue
		}

		if err := h.streamAnswer(c, msg); err != nil {
			logger.Warn("Failed to stream answer", zap.Error(err))
			return
		}
	}
}

func (h *WebSocketHandler) streamAnswer(c *websocket.Conn, msg wsMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), wsRequestTimeout)
	defer cancel()

	if err := c.WriteJSON(wsFrame{Type: "status", Content: "Processing question..."}); err != nil {
		return err
	}

	resp, err := h.chat.Answer(ctx, query.ChatRequest{
		Question:  msg.Question,
		SessionID: msg.SessionID,
		Model:     msg.Model,
	})
	if err != nil {
		_, body := classify(err)
		return c.WriteJSON(wsFrame{Type: "error", Error: body.Error, Code: body.Code})
	}

	words := strings.Fields(resp.Answer)
	for i, word := range words {
		if i < len(words)-1 {
			word += " "
		}
		if err := c.WriteJSON(wsFrame{Type: "chunk", Content: word}); err != nil {
			return err
		}
	}

	contextAvailable := resp.ContextAvailable
	return c.WriteJSON(wsFrame{
		Type:             "complete",
		SessionID:        resp.SessionID,
		Model:            resp.Model,
		ContextAvailable: &contextAvailable,
	})
}
