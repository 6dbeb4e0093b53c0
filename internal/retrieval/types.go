package retrieval

import (
	"context"
	"time"

	"github.com/ragbase/backend/internal/retrieval/understanding"
)

// ResultKind tags the origin of a ResultItem.
type ResultKind string

const (
	KindGraphFact     ResultKind = "graph_fact"
	KindEntityFact    ResultKind = "entity_fact"
	KindSemanticChunk ResultKind = "semantic_chunk"
	KindExpandedChunk ResultKind = "expanded_semantic_chunk"
)

// ResultItem is one retrieved piece of evidence, either a graph fact or a
// semantic chunk. SourceWeight and FinalScore are zero until fusion.
type ResultItem struct {
	Kind           ResultKind             `json:"kind"`
	Content        string                 `json:"content"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	RelevanceScore float64                `json:"relevance_score"`
	SourceWeight   float64                `json:"source_weight,omitempty"`
	FinalScore     float64                `json:"final_score,omitempty"`
}

// IsGraphOrigin reports whether the item came from the fact/graph source.
func (r ResultItem) IsGraphOrigin() bool {
	return r.Kind == KindGraphFact || r.Kind == KindEntityFact
}

// Step records one pipeline stage for the retrieval trace.
type Step struct {
	Name     string                 `json:"name"`
	StartAt  time.Time              `json:"start_at"`
	Duration time.Duration          `json:"duration"`
	Input    string                 `json:"input"`
	Output   string                 `json:"output"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Context aggregates everything produced by a single Retrieve call. It is
// mutated only by the pipeline during that call; afterwards the caller owns
// it read-only.
type Context struct {
	ID            string                    `json:"id"`
	SessionID     string                    `json:"session_id"`
	Query         *understanding.Descriptor `json:"query"`
	Steps         []Step                    `json:"steps"`
	GraphResults  []ResultItem              `json:"graph_results"`
	VectorResults []ResultItem              `json:"vector_results"`
	FusedResults  []ResultItem              `json:"fused_results"`
	FinalResults  []ResultItem              `json:"final_results"`
	Metadata      map[string]interface{}    `json:"metadata"`
	StartedAt     time.Time                 `json:"started_at"`
}

// Options are the recognized knobs for one Retrieve call. The zero value is
// not usable; build with DefaultOptions and override fields. Unknown keys in
// request payloads are dropped by struct decoding at the HTTP layer rather
// than silently carried along.
type Options struct {
	UseGraph          bool     `json:"use_graph"`
	UseVector         bool     `json:"use_vector"`
	UseQueryExpansion bool     `json:"use_query_expansion"`
	VectorLimit       int      `json:"vector_limit"`
	CollectionIDs     []string `json:"collection_ids,omitempty"`
	DocumentIDs       []string `json:"document_ids,omitempty"`
	ChunkIDs          []string `json:"chunk_ids,omitempty"`
}

func DefaultOptions() Options {
	return Options{
		UseGraph:          true,
		UseVector:         true,
		UseQueryExpansion: true,
		VectorLimit:       20,
	}
}

// Scope carries the pass-through filters forwarded verbatim to the semantic
// search adapter.
type Scope struct {
	CollectionIDs []string
	DocumentIDs   []string
	ChunkIDs      []string
}

func (s Scope) Empty() bool {
	return len(s.CollectionIDs) == 0 && len(s.DocumentIDs) == 0 && len(s.ChunkIDs) == 0
}

// Fact is a short assertion from the graph store, optionally time-bounded.
type Fact struct {
	ID           string
	Content      string
	ValidAt      *time.Time
	InvalidAt    *time.Time
	SourceNodeID string
	Metadata     map[string]interface{}
}

// ChunkResult is a scored span of an indexed document.
type ChunkResult struct {
	ChunkID        string
	DocumentID     string
	DocumentTitle  string
	DocumentSource string
	Content        string
	Score          float64
	Metadata       map[string]interface{}
}

// FactSearcher is the narrow contract the pipeline holds on the graph store.
type FactSearcher interface {
	SearchFacts(ctx context.Context, query string) ([]Fact, error)
	EntityFacts(ctx context.Context, entityName string) ([]Fact, error)
}

// SemanticSearcher is the narrow contract on the chunk store.
type SemanticSearcher interface {
	SearchChunks(ctx context.Context, query string, limit int, scope Scope) ([]ChunkResult, error)
}
