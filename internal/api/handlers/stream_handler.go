package handlers

import (
	"context"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/ragbase/backend/internal/progress"
	"github.com/ragbase/backend/internal/retrieval"
	"github.com/ragbase/backend/pkg/logger"
)

// StreamHandler serves retrievals over a WebSocket, forwarding pipeline
// progress events as they happen and finishing with the result set.
type StreamHandler struct {
	pipeline *retrieval.Pipeline
	bus      *progress.Bus
}

func NewStreamHandler(pipeline *retrieval.Pipeline, bus *progress.Bus) *StreamHandler {
	return &StreamHandler{
		pipeline: pipeline,
		bus:      bus,
	}
}

type retrieveOutcome struct {
	results []retrieval.ResultItem
	rctx    *retrieval.Context
}

func (h *StreamHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg retrieveRequest
		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		if msg.Query == "" || msg.SessionID == "" {
			h.sendError(c, "query and session_id are required")
			continue
		}

		if err := h.streamRetrieval(c, msg); err != nil {
			logger.Error("Failed to stream retrieval", zap.Error(err))
			break
		}
	}
}

// streamRetrieval runs one retrieval while relaying its progress events.
// All writes happen on this goroutine; the pipeline runs on its own.
func (h *StreamHandler) streamRetrieval(c *websocket.Conn, msg retrieveRequest) error {
	sub := h.bus.Register(msg.SessionID)
	defer h.bus.Unregister(msg.SessionID, sub)

	done := make(chan retrieveOutcome, 1)
	go func() {
		results, rctx := h.pipeline.Retrieve(context.Background(), msg.Query, msg.SessionID, msg.options())
		done <- retrieveOutcome{results: results, rctx: rctx}
	}()

	var out retrieveOutcome
	for {
		select {
		case event := <-sub.Events():
			if err := h.writeEvent(c, event); err != nil {
				<-done
				return err
			}
		case out = <-done:
			// The summary was emitted before the pipeline returned, so
			// everything left is already buffered. Drain it, then finish.
			if err := h.drainEvents(c, sub); err != nil {
				return err
			}
			return h.sendComplete(c, msg, out)
		}
	}
}

func (h *StreamHandler) drainEvents(c *websocket.Conn, sub *progress.Subscription) error {
	for {
		select {
		case event := <-sub.Events():
			if err := h.writeEvent(c, event); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (h *StreamHandler) writeEvent(c *websocket.Conn, event progress.Event) error {
	frame := map[string]interface{}{
		"type":      event.Type,
		"timestamp": event.Timestamp,
	}

	switch event.Type {
	case progress.EventRetrievalSummary:
		for key, value := range event.Data {
			frame[key] = value
		}
	default:
		frame["step"] = event.Step
		frame["status"] = event.Status
		if len(event.Data) > 0 {
			frame["data"] = event.Data
		}
	}

	return c.WriteJSON(frame)
}

func (h *StreamHandler) sendComplete(c *websocket.Conn, msg retrieveRequest, out retrieveOutcome) error {
	intent := ""
	if out.rctx.Query != nil {
		intent = string(out.rctx.Query.Intent)
	}

	frame := map[string]interface{}{
		"type":       "complete",
		"id":         out.rctx.ID,
		"query":      msg.Query,
		"session_id": msg.SessionID,
		"intent":     intent,
		"results":    out.results,
	}
	if pipelineErr, ok := out.rctx.Metadata["error"].(string); ok && pipelineErr != "" {
		frame["error"] = pipelineErr
	}

	return c.WriteJSON(frame)
}

func (h *StreamHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}

	if err := c.WriteJSON(msg); err != nil {
		logger.Error("Failed to write WebSocket error", zap.Error(err))
	}
}
