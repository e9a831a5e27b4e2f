package voltaic

import "sync"

// TrainingSummary is an opaque record of a training-completed callback,
// tagged with the time it was recorded.
type TrainingSummary struct {
	Status    string `json:"status"`
	Metrics   any    `json:"metrics,omitempty"`
	Extra     any    `json:"extra,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// TrainingSummaryStore is the Training Summary Store (component I): a
// bounded FIFO ring of the most recent training-completed callbacks.
type TrainingSummaryStore struct {
	mu       sync.Mutex
	items    []TrainingSummary
	capacity int
}

// NewTrainingSummaryStore creates a store retaining at most capacity
// entries. Spec calls for 100.
func NewTrainingSummaryStore(capacity int) *TrainingSummaryStore {
	return &TrainingSummaryStore{capacity: capacity}
}

// Record validates that summary.Status is set, tags it with the current
// time, and appends it, evicting the oldest entry once capacity is
// exceeded.
func (s *TrainingSummaryStore) Record(summary TrainingSummary) error {
	if summary.Status == "" {
		return newErr(CodeBadRequest, "training summary missing status")
	}
	summary.Timestamp = NowUnix()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, summary)
	if len(s.items) > s.capacity {
		s.items = s.items[len(s.items)-s.capacity:]
	}
	return nil
}

// Get returns every retained summary in insertion order.
func (s *TrainingSummaryStore) Get() []TrainingSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TrainingSummary, len(s.items))
	copy(out, s.items)
	return out
}
