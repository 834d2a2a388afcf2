package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcessedSetBasics(t *testing.T) {
	s := NewProcessedSet(100)

	assert.False(t, s.IsProcessed("m1"))
	s.MarkProcessed("m1")
	assert.True(t, s.IsProcessed("m1"))

	// Re-marking is idempotent.
	s.MarkProcessed("m1")
	assert.Equal(t, 1, s.Len())
}

func TestProcessedSetEviction(t *testing.T) {
	s := NewProcessedSet(10)

	for i := range 11 {
		s.MarkProcessed(fmt.Sprintf("m%d", i))
	}

	// Crossing the cap evicts the oldest half in one sweep.
	assert.Equal(t, 6, s.Len())
	for i := range 5 {
		assert.False(t, s.IsProcessed(fmt.Sprintf("m%d", i)), "m%d should be evicted", i)
	}
	for i := 5; i < 11; i++ {
		assert.True(t, s.IsProcessed(fmt.Sprintf("m%d", i)), "m%d should survive", i)
	}
}

func TestProcessedSetDefaultCapacity(t *testing.T) {
	s := NewProcessedSet(0)
	assert.Equal(t, defaultDedupCapacity, s.max)
}
