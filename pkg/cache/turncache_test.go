package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnLifecycle(t *testing.T) {
	c := NewTurnCache()
	c.Create("s1", "what is go?")

	c.AppendText("s1", "A")
	c.AppendText("s1", "B")
	c.AppendText("s1", "C")
	assert.Equal(t, "ABC", c.CurrentText("s1"))

	snap, ok := c.Snapshot("s1")
	require.True(t, ok)
	assert.Equal(t, "ABC", snap.Text)
	assert.False(t, snap.Finished)
	assert.Empty(t, snap.ConversationID)

	c.MarkFinished("s1")
	snap, ok = c.Snapshot("s1")
	require.True(t, ok)
	assert.True(t, snap.Finished)

	// Writes after finish are dropped.
	c.AppendText("s1", "D")
	c.AppendImage("s1", []byte{1, 2, 3})
	snap, _ = c.Snapshot("s1")
	assert.Equal(t, "ABC", snap.Text)
	assert.Empty(t, snap.Images)
}

func TestAppendImage(t *testing.T) {
	c := NewTurnCache()
	c.Create("s1", "")

	c.AppendImage("s1", []byte{1})
	c.AppendImage("s1", []byte{2})

	snap, ok := c.Snapshot("s1")
	require.True(t, ok)
	require.Len(t, snap.Images, 2)
	assert.Equal(t, []byte{1}, snap.Images[0])
	assert.Equal(t, []byte{2}, snap.Images[1])
}

func TestSetConversationIDOnce(t *testing.T) {
	c := NewTurnCache()
	c.Create("s1", "")

	c.SetConversationID("s1", "conv-1")
	c.SetConversationID("s1", "conv-2")

	snap, _ := c.Snapshot("s1")
	assert.Equal(t, "conv-1", snap.ConversationID)
}

func TestUnknownStreamIsNoop(t *testing.T) {
	c := NewTurnCache()

	c.AppendText("missing", "x")
	c.AppendImage("missing", []byte{1})
	c.SetConversationID("missing", "conv")
	c.MarkFinished("missing")
	c.Remove("missing")

	assert.False(t, c.Exists("missing"))
	assert.Empty(t, c.CurrentText("missing"))
	_, ok := c.Snapshot("missing")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestRemove(t *testing.T) {
	c := NewTurnCache()
	c.Create("s1", "")
	require.True(t, c.Exists("s1"))

	c.Remove("s1")
	assert.False(t, c.Exists("s1"))
	assert.Zero(t, c.Len())
}

func TestSweepExpired(t *testing.T) {
	c := NewTurnCache()
	c.Create("old", "")
	c.Create("fresh", "")
	c.turns["old"].CreatedAt = time.Now().Add(-2 * time.Hour)

	removed := c.SweepExpired(time.Hour)
	assert.Equal(t, 1, removed)
	assert.False(t, c.Exists("old"))
	assert.True(t, c.Exists("fresh"))
}

func TestSweeperEvictsUnfinishedTurns(t *testing.T) {
	c := NewTurnCache()
	c.Create("stuck", "")
	c.turns["stuck"].CreatedAt = time.Now().Add(-time.Minute)

	c.StartSweeper(t.Context(), 10*time.Millisecond, time.Second)

	// The turn is not yet expired; the sweeper must leave it alone.
	time.Sleep(50 * time.Millisecond)
	assert.True(t, c.Exists("stuck"))

	c.mu.Lock()
	c.turns["stuck"].CreatedAt = time.Now().Add(-2 * time.Second)
	c.mu.Unlock()
	assert.Eventually(t, func() bool {
		return !c.Exists("stuck")
	}, time.Second, 10*time.Millisecond)
}
