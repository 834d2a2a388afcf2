package cache

import (
	"context"
	"sync"
	"time"

	"github.com/aibridge/wecomgw/pkg/logger"
)

// Turn is the in-flight state of one question/answer exchange, keyed by
// its stream id. A single relay goroutine writes it while poll handlers
// read snapshots.
type Turn struct {
	StreamID       string
	UserQuery      string
	CreatedAt      time.Time
	textParts      []string
	images         [][]byte
	conversationID string
	finished       bool
}

// Snapshot is a consistent read-only copy of a turn's current state.
type Snapshot struct {
	Text           string
	Images         [][]byte
	ConversationID string
	Finished       bool
}

// TurnCache stores in-progress streaming turns. All operations are safe
// under concurrent access; unknown stream ids are benign no-ops because
// the platform keeps polling around TTL boundaries.
type TurnCache struct {
	mu    sync.Mutex
	turns map[string]*Turn
}

func NewTurnCache() *TurnCache {
	return &TurnCache{
		turns: make(map[string]*Turn),
	}
}

// Create inserts a fresh unfinished turn for streamID.
func (c *TurnCache) Create(streamID, userQuery string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns[streamID] = &Turn{
		StreamID:  streamID,
		UserQuery: userQuery,
		CreatedAt: time.Now(),
	}
}

// AppendText appends a text fragment. No-op if the turn was evicted or
// already finished.
func (c *TurnCache) AppendText(streamID, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.turns[streamID]; ok && !t.finished {
		t.textParts = append(t.textParts, text)
	}
}

// AppendImage appends an image blob. No-op if the turn was evicted or
// already finished.
func (c *TurnCache) AppendImage(streamID string, image []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.turns[streamID]; ok && !t.finished {
		t.images = append(t.images, image)
	}
}

// SetConversationID records the upstream conversation id. Set-once: the
// first value written wins.
func (c *TurnCache) SetConversationID(streamID, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.turns[streamID]; ok && t.conversationID == "" {
		t.conversationID = id
	}
}

// MarkFinished flips the turn to finished. The transition is monotonic;
// there is no way back to unfinished.
func (c *TurnCache) MarkFinished(streamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.turns[streamID]; ok {
		t.finished = true
	}
}

// Exists reports whether the turn is still cached. Relays use this to
// stop wasting work after a sweep evicted their target.
func (c *TurnCache) Exists(streamID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.turns[streamID]
	return ok
}

// CurrentText returns the accumulated text in append order, or "" for an
// unknown stream id.
func (c *TurnCache) CurrentText(streamID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.turns[streamID]
	if !ok {
		return ""
	}
	return joinParts(t.textParts)
}

// Snapshot returns a consistent copy of the turn state. The second return
// is false when the turn does not exist.
func (c *TurnCache) Snapshot(streamID string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.turns[streamID]
	if !ok {
		return Snapshot{}, false
	}
	images := make([][]byte, len(t.images))
	copy(images, t.images)
	return Snapshot{
		Text:           joinParts(t.textParts),
		Images:         images,
		ConversationID: t.conversationID,
		Finished:       t.finished,
	}, true
}

// Remove evicts a turn after a poller consumed its final reply.
func (c *TurnCache) Remove(streamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.turns, streamID)
}

// Len returns the number of cached turns.
func (c *TurnCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// SweepExpired removes turns created more than maxAge ago regardless of
// completion, bounding memory when a poller never returns. It reports
// how many turns were evicted.
func (c *TurnCache) SweepExpired(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, t := range c.turns {
		if t.CreatedAt.Before(cutoff) {
			delete(c.turns, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs SweepExpired every interval until ctx is canceled.
func (c *TurnCache) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := c.SweepExpired(maxAge); n > 0 {
					logger.InfoCF("cache", "Swept expired turns", map[string]any{
						"removed": n,
					})
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func joinParts(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	buf := make([]byte, 0, total)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return string(buf)
}
