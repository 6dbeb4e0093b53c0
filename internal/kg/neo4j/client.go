package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ragbase/backend/internal/retrieval"
	"github.com/ragbase/backend/pkg/logger"
	"github.com/ragbase/backend/pkg/retry"
)

const (
	factSearchLimit  = 20
	entityFactsLimit = 5
	fulltextIndex    = "factContent"
)

// Client is the fact/graph search adapter backed by Neo4j. It implements
// retrieval.FactSearcher.
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *gobreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "neo4j",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	retryConfig := retry.Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     3 * time.Second,
		Multiplier:   2.0,
		Logger:       logger.GetLogger(),
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) execute(ctx context.Context, work func(neo4j.SessionWithContext) ([]retrieval.Fact, error)) ([]retrieval.Fact, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := c.cb.Execute(func() (interface{}, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() ([]retrieval.Fact, error) {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return work(session)
		})
	})
	if err != nil {
		return nil, err
	}

	return result.([]retrieval.Fact), nil
}

// SearchFacts runs a fulltext lookup over the fact store and returns the
// best-scoring assertions.
func (c *Client) SearchFacts(ctx context.Context, query string) ([]retrieval.Fact, error) {
	facts, err := c.execute(ctx, func(session neo4j.SessionWithContext) ([]retrieval.Fact, error) {
		cypher := `
			CALL db.index.fulltext.queryNodes($index, $query) YIELD node, score
			RETURN node.id AS id, node.content AS content,
			       node.valid_at AS valid_at, node.invalid_at AS invalid_at,
			       node.source_node_id AS source_node_id
			ORDER BY score DESC
			LIMIT $limit
		`

		result, err := session.Run(ctx, cypher, map[string]interface{}{
			"index": fulltextIndex,
			"query": query,
			"limit": factSearchLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to search facts: %w", err)
		}

		return collectFacts(ctx, result)
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Fact search completed",
		zap.String("query", query),
		zap.Int("results", len(facts)),
	)

	return facts, nil
}

// EntityFacts returns facts attached to a named entity, used by the
// pipeline to densify coverage of extracted entities.
func (c *Client) EntityFacts(ctx context.Context, entityName string) ([]retrieval.Fact, error) {
	facts, err := c.execute(ctx, func(session neo4j.SessionWithContext) ([]retrieval.Fact, error) {
		cypher := `
			MATCH (e:Entity)-[:STATES]->(f:Fact)
			WHERE toLower(e.name) = toLower($name)
			   OR toLower(e.canonical_name) = toLower($name)
			RETURN f.id AS id, f.content AS content,
			       f.valid_at AS valid_at, f.invalid_at AS invalid_at,
			       f.source_node_id AS source_node_id
			LIMIT $limit
		`

		result, err := session.Run(ctx, cypher, map[string]interface{}{
			"name":  entityName,
			"limit": entityFactsLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to look up entity facts: %w", err)
		}

		return collectFacts(ctx, result)
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Entity fact lookup completed",
		zap.String("entity", entityName),
		zap.Int("results", len(facts)),
	)

	return facts, nil
}

func collectFacts(ctx context.Context, result neo4j.ResultWithContext) ([]retrieval.Fact, error) {
	var facts []retrieval.Fact

	for result.Next(ctx) {
		record := result.Record()

		id, _ := record.Get("id")
		content, _ := record.Get("content")
		validAt, _ := record.Get("valid_at")
		invalidAt, _ := record.Get("invalid_at")
		sourceNodeID, _ := record.Get("source_node_id")

		fact := retrieval.Fact{
			ID:           asString(id),
			Content:      asString(content),
			ValidAt:      asTimePtr(validAt),
			InvalidAt:    asTimePtr(invalidAt),
			SourceNodeID: asString(sourceNodeID),
		}
		if fact.Content == "" {
			continue
		}

		facts = append(facts, fact)
	}

	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}

	return facts, nil
}

func asString(value interface{}) string {
	s, _ := value.(string)
	return s
}

func asTimePtr(value interface{}) *time.Time {
	switch v := value.(type) {
	case time.Time:
		return &v
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return &t
		}
	}
	return nil
}
