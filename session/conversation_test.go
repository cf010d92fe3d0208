package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsMonotoneIndexes(t *testing.T) {
	store := NewInMemoryStore(0)

	first := store.Append("sess-1", "user", "hello", nil)
	second := store.Append("sess-1", "agent", "hi!", []string{"Track my order"})

	assert.Equal(t, 0, first.TurnIndex)
	assert.Equal(t, 1, second.TurnIndex)
	assert.Equal(t, 2, store.TurnCount("sess-1"))
	assert.Equal(t, 0, store.TurnCount("sess-2"))
}

func TestRecentReturnsChronologicalTail(t *testing.T) {
	store := NewInMemoryStore(0)
	for i := 0; i < 5; i++ {
		store.Append("sess-1", "user", fmt.Sprintf("msg %d", i), nil)
	}

	recent := store.Recent("sess-1", 2)
	require.Len(t, recent, 2)
	assert.Equal(t, "msg 3", recent[0].Text)
	assert.Equal(t, "msg 4", recent[1].Text)
}

func TestCapEvictsOldestButKeepsIndexesMonotone(t *testing.T) {
	store := NewInMemoryStore(3)
	for i := 0; i < 5; i++ {
		store.Append("sess-1", "user", fmt.Sprintf("msg %d", i), nil)
	}

	assert.Equal(t, 3, store.TurnCount("sess-1"))
	recent := store.Recent("sess-1", 0)
	require.Len(t, recent, 3)
	assert.Equal(t, "msg 2", recent[0].Text)
	assert.Equal(t, 4, recent[2].TurnIndex)

	// The next turn continues the sequence despite evictions.
	next := store.Append("sess-1", "user", "msg 5", nil)
	assert.Equal(t, 5, next.TurnIndex)
}

func TestRecentCopiesAreIndependent(t *testing.T) {
	store := NewInMemoryStore(0)
	store.Append("sess-1", "agent", "hi", []string{"a"})

	recent := store.Recent("sess-1", 0)
	recent[0].Text = "mutated"

	again := store.Recent("sess-1", 0)
	assert.Equal(t, "hi", again[0].Text)
}
