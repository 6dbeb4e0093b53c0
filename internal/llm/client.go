package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ragbase/backend/pkg/logger"
	"github.com/ragbase/backend/pkg/retry"
)

// Client wraps the OpenAI API for query embedding. Chunk embeddings are
// produced at ingestion time by a separate service, so only the query side
// lives here.
type Client struct {
	client         *openai.Client
	embeddingModel string
	cb             *gobreaker.CircuitBreaker
	retryConfig    retry.Config
}

func NewClient(apiKey, baseURL, embeddingModel string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openai",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		client:         openai.NewClientWithConfig(cfg),
		embeddingModel: embeddingModel,
		cb:             cb,
		retryConfig: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
		},
	}
}

// EmbedQuery returns the embedding vector for a single piece of text.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds several texts in one API call, preserving input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts to embed")
	}

	raw, err := c.cb.Execute(func() (interface{}, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (openai.EmbeddingResponse, error) {
			return c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: texts,
				Model: openai.EmbeddingModel(c.embeddingModel),
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}

	resp := raw.(openai.EmbeddingResponse)
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		vectors[item.Index] = item.Embedding
	}

	logger.Debug("Embeddings created",
		zap.Int("texts", len(texts)),
		zap.String("model", c.embeddingModel),
	)

	return vectors, nil
}
