package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragbase/backend/internal/progress"
)

type stubFacts struct {
	facts       []Fact
	entityFacts map[string][]Fact
	searchErr   error
	panicOnCall bool
}

func (s *stubFacts) SearchFacts(_ context.Context, query string) ([]Fact, error) {
	if s.panicOnCall {
		panic("fact store exploded")
	}
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return s.facts, nil
}

func (s *stubFacts) EntityFacts(_ context.Context, entityName string) ([]Fact, error) {
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return s.entityFacts[strings.ToLower(entityName)], nil
}

type stubChunks struct {
	chunks    []ChunkResult
	expanded  []ChunkResult
	searchErr error
	queries   []string
}

func (s *stubChunks) SearchChunks(_ context.Context, query string, limit int, _ Scope) ([]ChunkResult, error) {
	s.queries = append(s.queries, query)
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	if len(s.queries) == 1 {
		return s.chunks, nil
	}
	return s.expanded, nil
}

func drainEvents(sub *progress.Subscription) []progress.Event {
	var events []progress.Event
	for {
		select {
		case event := <-sub.Events():
			events = append(events, event)
		default:
			return events
		}
	}
}

func stepNames(rctx *Context) []string {
	names := make([]string, 0, len(rctx.Steps))
	for _, step := range rctx.Steps {
		names = append(names, step.Name)
	}
	return names
}

func TestRetrieveHappyPath(t *testing.T) {
	facts := &stubFacts{
		facts: []Fact{
			{ID: "f1", Content: "Acme Corp acquired Beta Industries in 2023"},
			{ID: "f2", Content: "Beta Industries operates in renewable energy"},
		},
		entityFacts: map[string][]Fact{
			"acme corp": {{ID: "f3", Content: "Acme Corp is headquartered in Berlin"}},
		},
	}
	chunks := &stubChunks{
		chunks: []ChunkResult{
			{ChunkID: "c1", DocumentID: "d1", Content: "The merger reshaped the sector", Score: 0.9},
			{ChunkID: "c2", DocumentID: "d1", Content: "Analysts expected regulatory pushback", Score: 0.7},
		},
	}

	bus := progress.NewBus()
	pipeline := NewPipeline(facts, chunks, bus)

	opts := DefaultOptions()
	opts.UseQueryExpansion = false

	results, rctx := pipeline.Retrieve(context.Background(),
		"What is the relationship between Acme Corp and Beta Industries in 2023?",
		"session-1", opts)

	require.NotNil(t, rctx)
	assert.Empty(t, rctx.Metadata["error"])
	require.NotEmpty(t, results)
	assert.LessOrEqual(t, len(results), 10)

	assert.Equal(t, []string{
		"query_understanding", "graph_search", "semantic_search", "fusion", "diversification",
	}, stepNames(rctx))

	assert.Len(t, rctx.GraphResults, 3)
	assert.Len(t, rctx.VectorResults, 2)

	for _, item := range results {
		assert.Greater(t, item.FinalScore, 0.0)
	}

	// Graph facts mentioning both entities should outrank plain chunks.
	assert.Equal(t, KindGraphFact, results[0].Kind)
}

func TestRetrieveGraphAdapterFailure(t *testing.T) {
	facts := &stubFacts{searchErr: errors.New("bolt connection refused")}
	chunks := &stubChunks{
		chunks: []ChunkResult{
			{ChunkID: "c1", Content: "chunk about solar power", Score: 0.8},
		},
	}

	bus := progress.NewBus()
	pipeline := NewPipeline(facts, chunks, bus)

	opts := DefaultOptions()
	opts.UseQueryExpansion = false

	results, rctx := pipeline.Retrieve(context.Background(), "solar power adoption", "session-2", opts)

	assert.Empty(t, rctx.Metadata["error"], "an adapter failure must not fail the call")
	assert.Empty(t, rctx.GraphResults)
	require.Len(t, results, 1)
	assert.Equal(t, KindSemanticChunk, results[0].Kind)

	for _, step := range rctx.Steps {
		if step.Name == "graph_search" {
			assert.Equal(t, "0 results", step.Output)
		}
	}
}

func TestRetrieveGraphAdapterPanic(t *testing.T) {
	facts := &stubFacts{panicOnCall: true}
	chunks := &stubChunks{
		chunks: []ChunkResult{
			{ChunkID: "c1", Content: "still retrievable", Score: 0.6},
		},
	}

	bus := progress.NewBus()
	pipeline := NewPipeline(facts, chunks, bus)

	opts := DefaultOptions()
	opts.UseQueryExpansion = false

	results, rctx := pipeline.Retrieve(context.Background(), "anything", "session-3", opts)

	assert.Empty(t, rctx.Metadata["error"])
	require.Len(t, results, 1)
	assert.Equal(t, "still retrievable", results[0].Content)
}

func TestRetrieveBothSourcesDisabled(t *testing.T) {
	facts := &stubFacts{facts: []Fact{{ID: "f1", Content: "never consulted"}}}
	chunks := &stubChunks{chunks: []ChunkResult{{ChunkID: "c1", Content: "never consulted", Score: 0.9}}}

	bus := progress.NewBus()
	sub := bus.Register("session-4")
	defer bus.Unregister("session-4", sub)

	pipeline := NewPipeline(facts, chunks, bus)

	results, rctx := pipeline.Retrieve(context.Background(), "test", "session-4", Options{})

	assert.Empty(t, results)
	assert.Empty(t, rctx.Metadata["error"])
	assert.Equal(t, []string{"query_understanding"}, stepNames(rctx))

	events := drainEvents(sub)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, progress.EventRetrievalSummary, last.Type)

	counts, ok := last.Data["results"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 0, counts["graph"])
	assert.Equal(t, 0, counts["vector"])
	assert.Equal(t, 0, counts["final"])
}

func TestRetrieveSummaryIsAlwaysLast(t *testing.T) {
	facts := &stubFacts{facts: []Fact{{ID: "f1", Content: "Tesla opened a plant"}}}
	chunks := &stubChunks{chunks: []ChunkResult{{ChunkID: "c1", Content: "plant details", Score: 0.8}}}

	bus := progress.NewBus()
	sub := bus.Register("session-5")
	defer bus.Unregister("session-5", sub)

	pipeline := NewPipeline(facts, chunks, bus)

	opts := DefaultOptions()
	opts.UseQueryExpansion = false

	pipeline.Retrieve(context.Background(), "Where did Tesla open a plant?", "session-5", opts)

	events := drainEvents(sub)
	require.NotEmpty(t, events)

	summaries := 0
	for _, event := range events {
		if event.Type == progress.EventRetrievalSummary {
			summaries++
		}
	}
	assert.Equal(t, 1, summaries)
	assert.Equal(t, progress.EventRetrievalSummary, events[len(events)-1].Type)
}

func TestRetrieveQueryExpansion(t *testing.T) {
	facts := &stubFacts{}
	chunks := &stubChunks{
		chunks: []ChunkResult{
			{ChunkID: "c1", Content: "primary chunk", Score: 0.8},
		},
		expanded: []ChunkResult{
			{ChunkID: "c1", Content: "primary chunk", Score: 0.8},
			{ChunkID: "c9", Content: "expansion only chunk", Score: 0.6},
		},
	}

	bus := progress.NewBus()
	pipeline := NewPipeline(facts, chunks, bus)

	opts := DefaultOptions()
	opts.UseGraph = false

	_, rctx := pipeline.Retrieve(context.Background(),
		"History of Tesla battery production", "session-6", opts)

	assert.Empty(t, rctx.Metadata["error"])
	assert.GreaterOrEqual(t, len(chunks.queries), 2, "expansion should issue extra searches")

	var expandedItem *ResultItem
	primaryCount := 0
	for i := range rctx.VectorResults {
		item := &rctx.VectorResults[i]
		switch item.Kind {
		case KindExpandedChunk:
			expandedItem = item
		case KindSemanticChunk:
			if item.Metadata["chunk_id"] == "c1" {
				primaryCount++
			}
		}
	}

	assert.Equal(t, 1, primaryCount, "duplicate chunk ids must be collapsed")
	require.NotNil(t, expandedItem)
	assert.InDelta(t, 0.6*0.85, expandedItem.RelevanceScore, 1e-9)
}

func TestRetrieveNilAdapterDegrades(t *testing.T) {
	bus := progress.NewBus()
	sub := bus.Register("session-7")
	defer bus.Unregister("session-7", sub)

	// A nil fact searcher panics on first use inside the stage goroutine.
	pipeline := NewPipeline(nil, &stubChunks{}, bus)

	opts := DefaultOptions()
	opts.UseVector = false
	opts.UseQueryExpansion = false

	results, rctx := pipeline.Retrieve(context.Background(), "anything", "session-7", opts)

	assert.Empty(t, results)
	assert.Empty(t, rctx.Metadata["error"], "nil adapter panics inside the stage goroutine and degrades to zero results")

	events := drainEvents(sub)
	require.NotEmpty(t, events)
	assert.Equal(t, progress.EventRetrievalSummary, events[len(events)-1].Type)
}

func TestHistoryRecordsRetrievals(t *testing.T) {
	facts := &stubFacts{}
	chunks := &stubChunks{}

	bus := progress.NewBus()
	pipeline := NewPipeline(facts, chunks, bus)

	opts := DefaultOptions()
	opts.UseQueryExpansion = false

	pipeline.Retrieve(context.Background(), "first", "session-8", opts)
	pipeline.Retrieve(context.Background(), "second", "session-8", opts)

	recent := pipeline.History().Recent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, "second", recent[0].Query.Original)
	assert.Equal(t, "first", recent[1].Query.Original)
}
