package cache

import "sync"

const defaultDedupCapacity = 10000

// ProcessedSet is a bounded set of recently seen message ids that makes
// the platform's at-least-once callback delivery idempotent. When the
// cap is exceeded the oldest half is evicted in bulk; exact recency does
// not matter because the platform's retry window is short relative to
// the cap.
type ProcessedSet struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	max   int
}

func NewProcessedSet(capacity int) *ProcessedSet {
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	return &ProcessedSet{
		seen: make(map[string]struct{}, capacity),
		max:  capacity,
	}
}

// IsProcessed reports whether msgID was already handled.
func (s *ProcessedSet) IsProcessed(msgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[msgID]
	return ok
}

// MarkProcessed records msgID, bulk-evicting the oldest half once the
// capacity is exceeded.
func (s *ProcessedSet) MarkProcessed(msgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[msgID]; ok {
		return
	}
	s.seen[msgID] = struct{}{}
	s.order = append(s.order, msgID)

	if len(s.seen) <= s.max {
		return
	}
	half := len(s.order) / 2
	for _, old := range s.order[:half] {
		delete(s.seen, old)
	}
	s.order = append(s.order[:0:0], s.order[half:]...)
}

// Len returns the current number of tracked message ids.
func (s *ProcessedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
