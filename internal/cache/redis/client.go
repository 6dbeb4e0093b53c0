package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ragbase/backend/internal/metrics"
	"github.com/ragbase/backend/internal/retrieval"
	"github.com/ragbase/backend/pkg/logger"
	"github.com/ragbase/backend/pkg/utils"
)

const retrievalTTL = 5 * time.Minute

// Client caches full retrieval responses keyed by query plus options so a
// repeated question within the TTL skips the pipeline entirely.
type Client struct {
	rdb *redis.Client
}

// CachedRetrieval is the stored shape of one retrieval response.
type CachedRetrieval struct {
	Results  []retrieval.ResultItem `json:"results"`
	Intent   string                 `json:"intent"`
	CachedAt time.Time              `json:"cached_at"`
}

func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", addr))

	return &Client{rdb: rdb}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// RetrievalKey derives the cache key from the query text and the options
// that affect the result set.
func RetrievalKey(query string, opts retrieval.Options) string {
	optsJSON, _ := json.Marshal(opts)
	return "retrieval:" + utils.HashString(query+string(optsJSON))
}

// GetRetrieval returns the cached response for the key, or nil on a miss.
// Cache errors are reported as misses; the pipeline is always a valid
// fallback.
func (c *Client) GetRetrieval(ctx context.Context, key string) (*CachedRetrieval, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		metrics.CacheMisses.WithLabelValues("retrieval").Inc()
		return nil, nil
	}
	if err != nil {
		metrics.CacheMisses.WithLabelValues("retrieval").Inc()
		return nil, fmt.Errorf("failed to get cached retrieval: %w", err)
	}

	var cached CachedRetrieval
	if err := json.Unmarshal(data, &cached); err != nil {
		metrics.CacheMisses.WithLabelValues("retrieval").Inc()
		return nil, fmt.Errorf("failed to decode cached retrieval: %w", err)
	}

	metrics.CacheHits.WithLabelValues("retrieval").Inc()
	return &cached, nil
}

// SetRetrieval stores the response under the key with the standard TTL.
func (c *Client) SetRetrieval(ctx context.Context, key string, cached CachedRetrieval) error {
	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to encode retrieval for cache: %w", err)
	}

	if err := c.rdb.Set(ctx, key, data, retrievalTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache retrieval: %w", err)
	}

	return nil
}
