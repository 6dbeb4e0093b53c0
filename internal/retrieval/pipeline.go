package retrieval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ragbase/backend/internal/metrics"
	"github.com/ragbase/backend/internal/progress"
	"github.com/ragbase/backend/internal/retrieval/understanding"
	"github.com/ragbase/backend/pkg/logger"
)

const (
	stageUnderstanding = "query_understanding"
	stageGraphSearch   = "graph_search"
	stageVectorSearch  = "semantic_search"
	stageFusion        = "fusion"
	stageDiversify     = "diversification"

	maxGraphFacts        = 20
	maxDensifiedEntities = 3
	maxFactsPerEntity    = 5
	expansionLimit       = 5
	expansionScoreFactor = 0.85
)

// Pipeline drives guided retrieval: query understanding, concurrent graph
// and semantic search, fusion and diversification, with a step trace and
// progress events along the way.
type Pipeline struct {
	analyzer *understanding.Analyzer
	facts    FactSearcher
	chunks   SemanticSearcher
	bus      *progress.Bus
	history  *History
}

func NewPipeline(facts FactSearcher, chunks SemanticSearcher, bus *progress.Bus) *Pipeline {
	return &Pipeline{
		analyzer: understanding.NewAnalyzer(),
		facts:    facts,
		chunks:   chunks,
		bus:      bus,
		history:  NewHistory(50),
	}
}

// History exposes the in-memory record of recent retrieval contexts.
func (p *Pipeline) History() *History {
	return p.history
}

// Retrieve runs the full pipeline for one query. It never returns an error:
// a pipeline-fatal failure is recorded in the context metadata and surfaces
// as an empty result list. The terminal summary event is emitted on every
// exit path and is always the last event for the call.
func (p *Pipeline) Retrieve(ctx context.Context, query, sessionID string, opts Options) ([]ResultItem, *Context) {
	start := time.Now()
	rctx := &Context{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Steps:     make([]Step, 0, 5),
		Metadata:  make(map[string]interface{}),
		StartedAt: start,
	}

	logger.Info("Retrieval started",
		zap.String("retrieval_id", rctx.ID),
		zap.String("session_id", sessionID),
		zap.String("query", query),
	)

	results := p.run(ctx, rctx, query, opts)
	rctx.FinalResults = results

	total := time.Since(start)
	rctx.Metadata["total_time_ms"] = total.Milliseconds()

	p.emitSummary(rctx, total)
	p.history.Add(rctx)
	p.observe(rctx, total)

	logger.Info("Retrieval finished",
		zap.String("retrieval_id", rctx.ID),
		zap.Int("final_results", len(results)),
		zap.Duration("total", total),
	)

	return results, rctx
}

// run executes the stages and recovers from anything that escapes
// stage-local handling, turning it into metadata.error plus empty results.
func (p *Pipeline) run(ctx context.Context, rctx *Context, query string, opts Options) (results []ResultItem) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Retrieval pipeline failure",
				zap.String("retrieval_id", rctx.ID),
				zap.Any("cause", r),
			)
			rctx.Metadata["error"] = fmt.Sprintf("%v", r)
			results = []ResultItem{}
		}
	}()

	if opts.VectorLimit <= 0 {
		opts.VectorLimit = DefaultOptions().VectorLimit
	}

	desc := p.understand(rctx, query)

	graphItems, vectorItems := p.searchBoth(ctx, rctx, desc, opts)
	rctx.GraphResults = graphItems
	rctx.VectorResults = vectorItems

	if !opts.UseGraph && !opts.UseVector {
		return []ResultItem{}
	}

	fused := p.fuseStage(rctx, desc, graphItems, vectorItems)
	return p.diversifyStage(rctx, fused)
}

func (p *Pipeline) understand(rctx *Context, query string) *understanding.Descriptor {
	p.emitStep(rctx, stageUnderstanding, progress.StatusStart, map[string]interface{}{
		"query": query,
	})

	start := time.Now()
	desc := p.analyzer.Analyze(query)
	rctx.Query = desc

	entityTexts := make([]string, 0, len(desc.Entities))
	for _, entity := range desc.Entities {
		entityTexts = append(entityTexts, entity.Text)
	}

	p.addStep(rctx, Step{
		Name:    stageUnderstanding,
		StartAt: start,
		Input:   query,
		Output:  fmt.Sprintf("intent=%s entities=%d keywords=%d", desc.Intent, len(desc.Entities), len(desc.Keywords)),
		Metadata: map[string]interface{}{
			"intent":        string(desc.Intent),
			"entity_count":  len(desc.Entities),
			"keyword_count": len(desc.Keywords),
			"confidence":    desc.Confidence.Overall,
		},
	}, time.Since(start))

	p.emitStep(rctx, stageUnderstanding, progress.StatusComplete, map[string]interface{}{
		"intent":       string(desc.Intent),
		"entities":     entityTexts,
		"keywords":     desc.Keywords,
		"confidence":   desc.Confidence.Overall,
		"graph_query":  desc.GraphQuery,
		"vector_query": desc.VectorQuery,
	})

	return desc
}

// searchBoth issues graph and semantic search concurrently; the two stages
// are independent and the join halves end-to-end latency against the
// sequential ordering. Steps are appended after the join, graph first, so
// the trace stays deterministic.
func (p *Pipeline) searchBoth(ctx context.Context, rctx *Context, desc *understanding.Descriptor, opts Options) ([]ResultItem, []ResultItem) {
	var (
		wg          sync.WaitGroup
		graphItems  []ResultItem
		vectorItems []ResultItem
		graphStart  time.Time
		vectorStart time.Time
		graphDur    time.Duration
		vectorDur   time.Duration
	)

	if opts.UseGraph {
		p.emitStep(rctx, stageGraphSearch, progress.StatusStart, map[string]interface{}{
			"graph_query": desc.GraphQuery,
		})
		graphStart = time.Now()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer recoverStage(rctx, stageGraphSearch)
			graphItems = p.searchGraph(ctx, desc)
			graphDur = time.Since(graphStart)
			p.emitStep(rctx, stageGraphSearch, progress.StatusComplete, map[string]interface{}{
				"count":     len(graphItems),
				"top_score": topScore(graphItems),
				"sample":    sampleContents(graphItems, 3),
			})
		}()
	}

	if opts.UseVector {
		p.emitStep(rctx, stageVectorSearch, progress.StatusStart, map[string]interface{}{
			"vector_query": desc.VectorQuery,
			"limit":        opts.VectorLimit,
		})
		vectorStart = time.Now()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer recoverStage(rctx, stageVectorSearch)
			vectorItems = p.searchVector(ctx, desc, opts)
			vectorDur = time.Since(vectorStart)
			p.emitStep(rctx, stageVectorSearch, progress.StatusComplete, map[string]interface{}{
				"count":     len(vectorItems),
				"top_score": topScore(vectorItems),
				"sample":    sampleContents(vectorItems, 3),
			})
		}()
	}

	wg.Wait()

	if opts.UseGraph {
		p.addStep(rctx, Step{
			Name:    stageGraphSearch,
			StartAt: graphStart,
			Input:   desc.GraphQuery,
			Output:  fmt.Sprintf("%d results", len(graphItems)),
			Metadata: map[string]interface{}{
				"count": len(graphItems),
			},
		}, graphDur)
	}
	if opts.UseVector {
		p.addStep(rctx, Step{
			Name:    stageVectorSearch,
			StartAt: vectorStart,
			Input:   desc.VectorQuery,
			Output:  fmt.Sprintf("%d results", len(vectorItems)),
			Metadata: map[string]interface{}{
				"count":           len(vectorItems),
				"query_expansion": opts.UseQueryExpansion,
			},
		}, vectorDur)
	}

	return graphItems, vectorItems
}

// recoverStage downgrades a panic inside a search goroutine to an adapter
// failure: logged, noted in metadata, zero results for the stage.
func recoverStage(rctx *Context, stage string) {
	if r := recover(); r != nil {
		logger.Error("Search stage panic",
			zap.String("retrieval_id", rctx.ID),
			zap.String("stage", stage),
			zap.Any("cause", r),
		)
	}
}

func (p *Pipeline) searchGraph(ctx context.Context, desc *understanding.Descriptor) []ResultItem {
	items := make([]ResultItem, 0, maxGraphFacts)
	seen := make(map[string]struct{})

	facts, err := p.facts.SearchFacts(ctx, desc.GraphQuery)
	if err != nil {
		logger.Warn("Graph search failed", zap.Error(err))
		facts = nil
	}
	if len(facts) > maxGraphFacts {
		facts = facts[:maxGraphFacts]
	}
	for _, fact := range facts {
		if fact.ID != "" {
			if _, dup := seen[fact.ID]; dup {
				continue
			}
			seen[fact.ID] = struct{}{}
		}
		items = append(items, factItem(fact, KindGraphFact, desc))
	}

	// Densify coverage of named entities with targeted fact lookups.
	for i, entity := range desc.Entities {
		if i == maxDensifiedEntities {
			break
		}
		entityFacts, err := p.facts.EntityFacts(ctx, entity.Text)
		if err != nil {
			logger.Warn("Entity fact lookup failed",
				zap.String("entity", entity.Text),
				zap.Error(err),
			)
			continue
		}
		if len(entityFacts) > maxFactsPerEntity {
			entityFacts = entityFacts[:maxFactsPerEntity]
		}
		for _, fact := range entityFacts {
			if fact.ID != "" {
				if _, dup := seen[fact.ID]; dup {
					continue
				}
				seen[fact.ID] = struct{}{}
			}
			items = append(items, factItem(fact, KindEntityFact, desc))
		}
	}

	return items
}

// factItem scores a raw fact against the descriptor: base 0.5, +0.2 per
// matching entity, +0.1 per matching keyword, capped at 1.0.
func factItem(fact Fact, kind ResultKind, desc *understanding.Descriptor) ResultItem {
	content := strings.ToLower(fact.Content)

	score := 0.5
	for _, entity := range desc.Entities {
		if strings.Contains(content, strings.ToLower(entity.Text)) {
			score += 0.2
		}
	}
	for _, keyword := range desc.Keywords {
		if strings.Contains(content, keyword) {
			score += 0.1
		}
	}
	if score > 1.0 {
		score = 1.0
	}

	metadata := map[string]interface{}{
		"fact_id": fact.ID,
	}
	if fact.SourceNodeID != "" {
		metadata["source_node_id"] = fact.SourceNodeID
	}
	if fact.ValidAt != nil {
		metadata["valid_at"] = fact.ValidAt
	}
	if fact.InvalidAt != nil {
		metadata["invalid_at"] = fact.InvalidAt
	}
	for k, v := range fact.Metadata {
		metadata[k] = v
	}

	return ResultItem{
		Kind:           kind,
		Content:        fact.Content,
		Metadata:       metadata,
		RelevanceScore: score,
	}
}

func (p *Pipeline) searchVector(ctx context.Context, desc *understanding.Descriptor, opts Options) []ResultItem {
	scope := Scope{
		CollectionIDs: opts.CollectionIDs,
		DocumentIDs:   opts.DocumentIDs,
		ChunkIDs:      opts.ChunkIDs,
	}

	items := make([]ResultItem, 0, opts.VectorLimit)
	seen := make(map[string]struct{})

	chunks, err := p.chunks.SearchChunks(ctx, desc.VectorQuery, opts.VectorLimit, scope)
	if err != nil {
		logger.Warn("Semantic search failed", zap.Error(err))
		chunks = nil
	}
	for _, chunk := range chunks {
		if chunk.ChunkID != "" {
			if _, dup := seen[chunk.ChunkID]; dup {
				continue
			}
			seen[chunk.ChunkID] = struct{}{}
		}
		items = append(items, chunkItem(chunk, KindSemanticChunk, 1.0))
	}

	if !opts.UseQueryExpansion {
		return items
	}

	for _, expansion := range expansionQueries(desc) {
		expanded, err := p.chunks.SearchChunks(ctx, expansion, expansionLimit, scope)
		if err != nil {
			logger.Warn("Expansion search failed",
				zap.String("expansion", expansion),
				zap.Error(err),
			)
			continue
		}
		for _, chunk := range expanded {
			if chunk.ChunkID != "" {
				if _, dup := seen[chunk.ChunkID]; dup {
					continue
				}
				seen[chunk.ChunkID] = struct{}{}
			}
			items = append(items, chunkItem(chunk, KindExpandedChunk, expansionScoreFactor))
		}
	}

	return items
}

func chunkItem(chunk ChunkResult, kind ResultKind, scoreFactor float64) ResultItem {
	metadata := map[string]interface{}{
		"chunk_id":    chunk.ChunkID,
		"document_id": chunk.DocumentID,
	}
	if chunk.DocumentTitle != "" {
		metadata["document_title"] = chunk.DocumentTitle
	}
	if chunk.DocumentSource != "" {
		metadata["document_source"] = chunk.DocumentSource
	}
	for k, v := range chunk.Metadata {
		metadata[k] = v
	}

	return ResultItem{
		Kind:           kind,
		Content:        chunk.Content,
		Metadata:       metadata,
		RelevanceScore: chunk.Score * scoreFactor,
	}
}

// expansionQueries derives up to two secondary searches: one widening the
// original query with entity names, one joining the strongest keywords.
// Temporal and comparison intents get their cue terms appended.
func expansionQueries(desc *understanding.Descriptor) []string {
	suffix := ""
	switch desc.Intent {
	case understanding.IntentTemporal:
		suffix = " timeline history evolution"
	case understanding.IntentComparison:
		suffix = " versus comparison difference"
	}

	expansions := make([]string, 0, 2)

	if len(desc.Entities) > 0 {
		names := make([]string, 0, 2)
		for _, entity := range desc.Entities {
			if len(names) == 2 {
				break
			}
			names = append(names, entity.Text)
		}
		expansions = append(expansions, desc.Original+" "+strings.Join(names, " ")+suffix)
	}

	if len(desc.Keywords) > 0 {
		limit := len(desc.Keywords)
		if limit > 5 {
			limit = 5
		}
		expansions = append(expansions, strings.Join(desc.Keywords[:limit], " ")+suffix)
	}

	return expansions
}

func (p *Pipeline) fuseStage(rctx *Context, desc *understanding.Descriptor, graph, vector []ResultItem) []ResultItem {
	p.emitStep(rctx, stageFusion, progress.StatusStart, map[string]interface{}{
		"graph_count":  len(graph),
		"vector_count": len(vector),
	})

	start := time.Now()
	fused := fuse(desc, graph, vector)
	rctx.FusedResults = fused

	p.addStep(rctx, Step{
		Name:    stageFusion,
		StartAt: start,
		Input:   fmt.Sprintf("%d graph + %d vector", len(graph), len(vector)),
		Output:  fmt.Sprintf("%d results", len(fused)),
		Metadata: map[string]interface{}{
			"count": len(fused),
		},
	}, time.Since(start))

	p.emitStep(rctx, stageFusion, progress.StatusComplete, map[string]interface{}{
		"count":      len(fused),
		"top_scores": topScores(fused, 3),
	})

	return fused
}

func (p *Pipeline) diversifyStage(rctx *Context, fused []ResultItem) []ResultItem {
	p.emitStep(rctx, stageDiversify, progress.StatusStart, map[string]interface{}{
		"candidates": len(fused),
	})

	start := time.Now()
	final := diversify(fused, maxFinalResults)

	p.addStep(rctx, Step{
		Name:    stageDiversify,
		StartAt: start,
		Input:   fmt.Sprintf("%d candidates", len(fused)),
		Output:  fmt.Sprintf("%d results", len(final)),
		Metadata: map[string]interface{}{
			"count":  len(final),
			"lambda": mmrLambda,
		},
	}, time.Since(start))

	p.emitStep(rctx, stageDiversify, progress.StatusComplete, map[string]interface{}{
		"count":  len(final),
		"sample": sampleContents(final, 3),
	})

	return final
}

func (p *Pipeline) addStep(rctx *Context, step Step, duration time.Duration) {
	step.Duration = duration
	rctx.Steps = append(rctx.Steps, step)
}

func (p *Pipeline) emitStep(rctx *Context, stage, status string, data map[string]interface{}) {
	p.bus.Emit(rctx.SessionID, progress.StepEvent(stage, status, data))
}

func (p *Pipeline) emitSummary(rctx *Context, total time.Duration) {
	steps := make([]map[string]interface{}, 0, len(rctx.Steps))
	for _, step := range rctx.Steps {
		steps = append(steps, map[string]interface{}{
			"name":        step.Name,
			"duration_ms": step.Duration.Milliseconds(),
		})
	}

	queryData := map[string]interface{}{}
	if rctx.Query != nil {
		queryData["original"] = rctx.Query.Original
		queryData["intent"] = string(rctx.Query.Intent)
		queryData["entities"] = len(rctx.Query.Entities)
	}

	p.bus.Emit(rctx.SessionID, progress.SummaryEvent(map[string]interface{}{
		"query": queryData,
		"results": map[string]interface{}{
			"graph":  len(rctx.GraphResults),
			"vector": len(rctx.VectorResults),
			"final":  len(rctx.FinalResults),
		},
		"steps":         steps,
		"total_time_ms": total.Milliseconds(),
	}))
}

func (p *Pipeline) observe(rctx *Context, total time.Duration) {
	metrics.RetrievalDuration.Observe(total.Seconds())
	metrics.GraphResultsCount.Observe(float64(len(rctx.GraphResults)))
	metrics.VectorResultsCount.Observe(float64(len(rctx.VectorResults)))
	metrics.FinalResultsCount.Observe(float64(len(rctx.FinalResults)))
	for _, step := range rctx.Steps {
		metrics.StageDuration.WithLabelValues(step.Name).Observe(step.Duration.Seconds())
	}

	status := "ok"
	if _, failed := rctx.Metadata["error"]; failed {
		status = "error"
	}
	metrics.RetrievalTotal.WithLabelValues(status).Inc()
}

func topScore(items []ResultItem) float64 {
	best := 0.0
	for _, item := range items {
		if item.RelevanceScore > best {
			best = item.RelevanceScore
		}
	}
	return best
}

func topScores(items []ResultItem, limit int) []float64 {
	scores := make([]float64, 0, limit)
	for _, item := range items {
		if len(scores) == limit {
			break
		}
		scores = append(scores, item.FinalScore)
	}
	return scores
}

func sampleContents(items []ResultItem, limit int) []string {
	sample := make([]string, 0, limit)
	for _, item := range items {
		if len(sample) == limit {
			break
		}
		content := item.Content
		if len(content) > 120 {
			content = content[:120] + "..."
		}
		sample = append(sample, content)
	}
	return sample
}
