package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ragbase/backend/internal/cache/redis"
	"github.com/ragbase/backend/internal/retrieval"
	"github.com/ragbase/backend/internal/storage/models"
	"github.com/ragbase/backend/internal/storage/sqlite"
	"github.com/ragbase/backend/pkg/logger"
)

type RetrieveHandler struct {
	pipeline *retrieval.Pipeline
	cache    *redis.Client
	store    *sqlite.Client
}

// NewRetrieveHandler wires the pipeline with its cache and audit store.
// cache may be nil when Redis is disabled.
func NewRetrieveHandler(pipeline *retrieval.Pipeline, cache *redis.Client, store *sqlite.Client) *RetrieveHandler {
	return &RetrieveHandler{
		pipeline: pipeline,
		cache:    cache,
		store:    store,
	}
}

type retrieveRequest struct {
	Query     string             `json:"query"`
	SessionID string             `json:"session_id"`
	Options   *retrieval.Options `json:"options"`
}

func (r *retrieveRequest) options() retrieval.Options {
	if r.Options == nil {
		return retrieval.DefaultOptions()
	}
	opts := *r.Options
	if opts.VectorLimit <= 0 {
		opts.VectorLimit = retrieval.DefaultOptions().VectorLimit
	}
	return opts
}

func (h *RetrieveHandler) HandleRetrieve(c *fiber.Ctx) error {
	var req retrieveRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}
	if req.SessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "session_id is required",
		})
	}

	opts := req.options()

	// Scoped requests bypass the cache so a narrow filter never sees a
	// response cached for a different scope with the same key inputs.
	scope := retrieval.Scope{
		CollectionIDs: opts.CollectionIDs,
		DocumentIDs:   opts.DocumentIDs,
		ChunkIDs:      opts.ChunkIDs,
	}
	cacheable := h.cache != nil && scope.Empty()

	cacheKey := redis.RetrievalKey(req.Query, opts)
	if cacheable {
		cached, err := h.cache.GetRetrieval(c.Context(), cacheKey)
		if err != nil {
			logger.Warn("Retrieval cache lookup failed", zap.Error(err))
		}
		// A cache hit skips the pipeline, so no stage events reach the
		// session's progress subscribers for this call.
		if cached != nil {
			return c.JSON(fiber.Map{
				"query":      req.Query,
				"session_id": req.SessionID,
				"intent":     cached.Intent,
				"results":    cached.Results,
				"cached":     true,
				"cached_at":  cached.CachedAt,
			})
		}
	}

	results, rctx := h.pipeline.Retrieve(c.Context(), req.Query, req.SessionID, opts)

	intent := ""
	if rctx.Query != nil {
		intent = string(rctx.Query.Intent)
	}
	pipelineErr, _ := rctx.Metadata["error"].(string)
	latencyMS := int(time.Since(rctx.StartedAt).Milliseconds())

	h.recordRetrieval(rctx, req, intent, pipelineErr, latencyMS)

	if cacheable && pipelineErr == "" {
		err := h.cache.SetRetrieval(c.Context(), cacheKey, redis.CachedRetrieval{
			Results:  results,
			Intent:   intent,
			CachedAt: time.Now(),
		})
		if err != nil {
			logger.Warn("Failed to cache retrieval", zap.Error(err))
		}
	}

	response := fiber.Map{
		"id":         rctx.ID,
		"query":      req.Query,
		"session_id": req.SessionID,
		"intent":     intent,
		"results":    results,
		"steps":      rctx.Steps,
		"latency_ms": latencyMS,
	}
	if pipelineErr != "" {
		response["error"] = pipelineErr
	}

	return c.JSON(response)
}

func (h *RetrieveHandler) recordRetrieval(rctx *retrieval.Context, req retrieveRequest, intent, pipelineErr string, latencyMS int) {
	if h.store == nil {
		return
	}

	err := h.store.InsertRetrievalRecord(models.RetrievalRecord{
		ID:          rctx.ID,
		SessionID:   req.SessionID,
		Query:       req.Query,
		Intent:      intent,
		GraphCount:  len(rctx.GraphResults),
		VectorCount: len(rctx.VectorResults),
		FinalCount:  len(rctx.FinalResults),
		LatencyMS:   latencyMS,
		Error:       pipelineErr,
		CreatedAt:   rctx.StartedAt,
	})
	if err != nil {
		logger.Error("Failed to persist retrieval record", zap.Error(err))
	}
}

// GetHistory returns the most recent retrieval contexts from the in-memory
// ring, full traces included.
func (h *RetrieveHandler) GetHistory(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)

	contexts := h.pipeline.History().Recent(limit)

	history := make([]fiber.Map, 0, len(contexts))
	for _, rctx := range contexts {
		entry := fiber.Map{
			"id":             rctx.ID,
			"session_id":     rctx.SessionID,
			"steps":          rctx.Steps,
			"final_results":  len(rctx.FinalResults),
			"graph_results":  len(rctx.GraphResults),
			"vector_results": len(rctx.VectorResults),
			"metadata":       rctx.Metadata,
			"started_at":     rctx.StartedAt,
		}
		if rctx.Query != nil {
			entry["query"] = rctx.Query.Original
			entry["intent"] = string(rctx.Query.Intent)
		}
		history = append(history, entry)
	}

	return c.JSON(fiber.Map{"history": history})
}

// GetRecords returns persisted retrieval records, optionally filtered to
// one session via ?session_id=. Unlike GetHistory these survive restarts.
func (h *RetrieveHandler) GetRecords(c *fiber.Ctx) error {
	if h.store == nil {
		return c.JSON(fiber.Map{"records": []interface{}{}})
	}

	limit := c.QueryInt("limit", 50)
	sessionID := c.Query("session_id")

	records, err := h.store.ListRecent(sessionID, limit)
	if err != nil {
		logger.Error("Failed to list retrieval history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load history",
		})
	}

	out := make([]fiber.Map, 0, len(records))
	for _, record := range records {
		out = append(out, fiber.Map{
			"id":           record.ID,
			"session_id":   record.SessionID,
			"query":        record.Query,
			"intent":       record.Intent,
			"graph_count":  record.GraphCount,
			"vector_count": record.VectorCount,
			"final_count":  record.FinalCount,
			"latency_ms":   record.LatencyMS,
			"error":        record.Error,
			"created_at":   record.CreatedAt,
		})
	}

	return c.JSON(fiber.Map{"records": out})
}

// GetSessionStats aggregates persisted retrieval activity for a session.
func (h *RetrieveHandler) GetSessionStats(c *fiber.Ctx) error {
	if h.store == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Persistence is disabled",
		})
	}

	sessionID := c.Params("sessionID")
	stats, err := h.store.SessionStats(sessionID)
	if err != nil {
		logger.Error("Failed to load session stats", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load session stats",
		})
	}

	return c.JSON(fiber.Map{
		"session_id":     stats.SessionID,
		"retrievals":     stats.Retrievals,
		"avg_latency_ms": stats.AvgLatencyMS,
		"last_query_at":  stats.LastQueryAt,
	})
}
