package services

import (
	"sync"
)

// Progress stages, in order. The error stage is out-of-band and may be
// reached from any point.
const (
	StageExtracting = "extracting"
	StageParsing    = "parsing"
	StageSaving     = "saving"
	StageComplete   = "complete"
	StageError      = "error"
)

// ProgressEvent is one update on a run's progress stream.
type ProgressEvent struct {
	Stage   string         `json:"stage"`
	Message string         `json:"message,omitempty"`
	Current int            `json:"current"`
	Total   int            `json:"total"`
	Details map[string]any `json:"details,omitempty"`
}

// ProgressHub fans progress events out to SSE subscribers per run.
// Slow subscribers are skipped rather than blocking the orchestrator.
type ProgressHub struct {
	mu   sync.Mutex
	subs map[uint]map[chan ProgressEvent]struct{}
}

// NewProgressHub creates an empty hub.
func NewProgressHub() *ProgressHub {
	return &ProgressHub{
		subs: make(map[uint]map[chan ProgressEvent]struct{}),
	}
}

// Subscribe registers a listener for one run's events. The returned
// channel is buffered; callers must Unsubscribe when done.
func (h *ProgressHub) Subscribe(runID uint) chan ProgressEvent {
	ch := make(chan ProgressEvent, 64)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[chan ProgressEvent]struct{})
	}
	h.subs[runID][ch] = struct{}{}
	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (h *ProgressHub) Unsubscribe(runID uint, ch chan ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[runID]; ok {
		if _, ok := set[ch]; ok {
			delete(set, ch)
			close(ch)
		}
		if len(set) == 0 {
			delete(h.subs, runID)
		}
	}
}

// Publish delivers an event to every subscriber of the run. Blocked
// channels are skipped.
func (h *ProgressHub) Publish(runID uint, ev ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[runID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
