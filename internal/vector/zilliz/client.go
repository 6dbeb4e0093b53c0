package zilliz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ragbase/backend/internal/retrieval"
	"github.com/ragbase/backend/pkg/logger"
)

// Embedder turns query text into a vector. The OpenAI client in
// internal/llm satisfies it.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Client is the semantic-chunk search adapter backed by Milvus/Zilliz. It
// implements retrieval.SemanticSearcher.
type Client struct {
	client         client.Client
	embedder       Embedder
	collectionName string
	vectorDim      int
	cb             *gobreaker.CircuitBreaker
}

func NewClient(endpoint, apiKey, collectionName string, vectorDim int, embedder Embedder) (*Client, error) {
	c, err := client.NewClient(context.Background(), client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "zilliz",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		embedder:       embedder,
		collectionName: collectionName,
		vectorDim:      vectorDim,
		cb:             cb,
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

// EnsureCollection creates and loads the chunk collection if it does not
// exist yet. The collection itself is owned by the ingestion side; this
// only makes local development work against an empty store.
func (z *Client) EnsureCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Semantic document chunks",
		Fields: []*entity.Field{
			{
				Name:       "chunk_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", z.vectorDim),
				},
			},
			{
				Name:     "content",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "4096",
				},
			},
			{
				Name:     "document_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "collection_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "document_title",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "512",
				},
			},
			{
				Name:     "document_source",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "512",
				},
			},
		},
	}

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))

	return nil
}

// SearchChunks embeds the query and runs a scoped vector search. Scores are
// normalized into [0,1].
func (z *Client) SearchChunks(ctx context.Context, query string, limit int, scope retrieval.Scope) ([]retrieval.ChunkResult, error) {
	embedding, err := z.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	expr := buildScopeExpr(scope)
	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	raw, err := z.cb.Execute(func() (interface{}, error) {
		return z.client.Search(
			ctx,
			z.collectionName,
			[]string{},
			expr,
			[]string{"chunk_id", "content", "document_id", "document_title", "document_source"},
			[]entity.Vector{entity.FloatVector(embedding)},
			"embedding",
			entity.COSINE,
			limit,
			sp,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}

	searchResult := raw.([]client.SearchResult)

	results := make([]retrieval.ChunkResult, 0)
	for _, sr := range searchResult {
		for i := 0; i < sr.ResultCount; i++ {
			chunkIDCol := sr.Fields.GetColumn("chunk_id")
			contentCol := sr.Fields.GetColumn("content")
			documentIDCol := sr.Fields.GetColumn("document_id")
			titleCol := sr.Fields.GetColumn("document_title")
			sourceCol := sr.Fields.GetColumn("document_source")

			chunkID, _ := chunkIDCol.Get(i)
			content, _ := contentCol.Get(i)
			documentID, _ := documentIDCol.Get(i)
			title, _ := titleCol.Get(i)
			source, _ := sourceCol.Get(i)

			results = append(results, retrieval.ChunkResult{
				ChunkID:        chunkID.(string),
				Content:        content.(string),
				DocumentID:     documentID.(string),
				DocumentTitle:  title.(string),
				DocumentSource: source.(string),
				Score:          normalizeScore(sr.Scores[i]),
			})
		}
	}

	logger.Debug("Chunk search completed",
		zap.Int("limit", limit),
		zap.Int("results", len(results)),
		zap.String("scope", expr),
	)

	return results, nil
}

// buildScopeExpr translates the pass-through id filters into a Milvus
// boolean expression. An empty scope means no expression.
func buildScopeExpr(scope retrieval.Scope) string {
	var clauses []string

	if clause := inClause("collection_id", scope.CollectionIDs); clause != "" {
		clauses = append(clauses, clause)
	}
	if clause := inClause("document_id", scope.DocumentIDs); clause != "" {
		clauses = append(clauses, clause)
	}
	if clause := inClause("chunk_id", scope.ChunkIDs); clause != "" {
		clauses = append(clauses, clause)
	}

	return strings.Join(clauses, " && ")
}

func inClause(field string, ids []string) string {
	if len(ids) == 0 {
		return ""
	}

	quoted := make([]string, 0, len(ids))
	for _, id := range ids {
		quoted = append(quoted, fmt.Sprintf("%q", id))
	}
	return fmt.Sprintf("%s in [%s]", field, strings.Join(quoted, ", "))
}

// normalizeScore maps a cosine similarity in [-1,1] onto [0,1].
func normalizeScore(score float32) float64 {
	normalized := (float64(score) + 1) / 2
	if normalized < 0 {
		return 0
	}
	if normalized > 1 {
		return 1
	}
	return normalized
}
