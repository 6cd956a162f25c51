package api

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestViewStore_ReusesProcessor(t *testing.T) {
	s := newViewStore(time.Minute, zerolog.Nop())
	defer s.Close()

	a := s.processor("a")
	assert.Same(t, a, s.processor("a"))
	assert.NotSame(t, a, s.processor("b"))
	assert.Equal(t, 2, s.len())
}

func TestViewStore_SweepsIdleViews(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newViewStore(time.Minute, zerolog.Nop())
	s.now = func() time.Time { return now }

	old := s.processor("old")
	now = now.Add(40 * time.Second)
	s.processor("fresh")
	assert.Equal(t, 2, s.len())

	// "old" idles past the TTL, "fresh" does not
	now = now.Add(30 * time.Second)
	s.processor("fresh")
	assert.Equal(t, 1, s.len())
	assert.NotSame(t, old, s.processor("old"))
}

func TestViewStore_Close(t *testing.T) {
	s := newViewStore(0, zerolog.Nop())
	s.processor("a")
	s.processor("b")
	assert.NoError(t, s.Close())
	assert.Equal(t, 0, s.len())
}
