package models

import "time"

// RetrievalRecord is one completed retrieval call as persisted for audit
// and the history endpoint.
type RetrievalRecord struct {
	ID          string
	SessionID   string
	Query       string
	Intent      string
	GraphCount  int
	VectorCount int
	FinalCount  int
	LatencyMS   int
	Error       string
	CreatedAt   time.Time
}

// SessionStats aggregates per-session retrieval activity.
type SessionStats struct {
	SessionID    string
	Retrievals   int
	AvgLatencyMS float64
	LastQueryAt  time.Time
}
