package retrieval

import "sync"

// History keeps a bounded in-memory record of recent retrieval contexts for
// debugging. Oldest entries fall off once the cap is reached.
type History struct {
	mu      sync.RWMutex
	entries []*Context
	limit   int
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 50
	}
	return &History{
		entries: make([]*Context, 0, limit),
		limit:   limit,
	}
}

func (h *History) Add(rctx *Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, rctx)
	if len(h.entries) > h.limit {
		h.entries = h.entries[len(h.entries)-h.limit:]
	}
}

// Recent returns up to limit contexts, newest first.
func (h *History) Recent(limit int) []*Context {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 || limit > len(h.entries) {
		limit = len(h.entries)
	}

	out := make([]*Context, 0, limit)
	for i := len(h.entries) - 1; i >= len(h.entries)-limit; i-- {
		out = append(out, h.entries[i])
	}
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
