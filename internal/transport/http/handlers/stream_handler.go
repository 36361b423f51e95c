package handlers

import (
	"context"

	"github.com/gofiber/contrib/websocket"
	"github.com/netly/cnagent/internal/logger"
	"github.com/netly/cnagent/internal/transport/http/dto"
)

// StreamHandler sends a task's messages over a websocket: everything
// recorded so far, then live messages until the terminal one.
type StreamHandler struct {
	reader TaskReader
	logger *logger.Logger
}

func NewStreamHandler(reader TaskReader, logger *logger.Logger) *StreamHandler {
	return &StreamHandler{reader: reader, logger: logger}
}

func (h *StreamHandler) Handle(c *websocket.Conn) {
	id := c.Params("id")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := h.reader.Subscribe(ctx, id)
	if err != nil {
		h.logger.Warnw("task_stream_subscribe_failed", "id", id, "error", err)
		_ = c.WriteJSON(dto.ErrorResponse{Error: err.Error()})
		_ = c.Close()
		return
	}
	defer sub.Close()

	// The client never sends anything; a failed read means it went away.
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	sent := 0
	for msg := range sub.C {
		if err := c.WriteJSON(msg); err != nil {
			h.logger.Infow("task_stream_client_gone", "id", id, "sent", sent)
			return
		}
		sent++
	}

	h.logger.Infow("task_stream_closed", "id", id, "sent", sent)
	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"))
}
