package dispatch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestDedupCache_Mark(t *testing.T) {
	c := NewDedupCache(10, time.Hour)

	assert.True(t, c.Mark("chat-1", "m1"))
	assert.False(t, c.Mark("chat-1", "m1"), "second mark is a duplicate")
	assert.True(t, c.Mark("chat-2", "m1"), "destinations are independent")

	rec, ok := c.Get("chat-1", "m1")
	require.True(t, ok)
	assert.Equal(t, "chat-1", rec.Destination)
	assert.Equal(t, "m1", rec.MessageID)
}

func TestDedupCache_EvictsOldestFirst(t *testing.T) {
	c := NewDedupCache(3, time.Hour)
	for i := 1; i <= 4; i++ {
		require.True(t, c.Mark("chat", fmt.Sprintf("m%d", i)))
	}

	assert.Equal(t, 3, c.Len("chat"))
	_, ok := c.Get("chat", "m1")
	assert.False(t, ok, "oldest record evicted")
	for _, id := range []string{"m2", "m3", "m4"} {
		_, ok := c.Get("chat", id)
		assert.True(t, ok, id)
	}
	assert.True(t, c.Mark("chat", "m1"), "evicted id may be sent again")
}

func TestDedupCache_ExpiresOnRead(t *testing.T) {
	clock := newFakeClock()
	c := NewDedupCache(10, time.Minute)
	c.now = clock.Now

	require.True(t, c.Mark("chat", "m1"))
	clock.Advance(30 * time.Second)
	assert.False(t, c.Mark("chat", "m1"))

	clock.Advance(31 * time.Second)
	_, ok := c.Get("chat", "m1")
	assert.False(t, ok, "record older than max age reads as absent")
	assert.True(t, c.Mark("chat", "m1"))
	assert.Equal(t, 1, c.Len("chat"))
}

func TestDedupCache_ConcurrentBounded(t *testing.T) {
	c := NewDedupCache(50, time.Hour)
	var wg sync.WaitGroup
	var inserted atomic.Int64

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				dest := fmt.Sprintf("chat-%d", i%3)
				// half the ids collide across workers
				id := fmt.Sprintf("m-%d", i)
				if w%2 == 1 {
					id = fmt.Sprintf("w%d-%d", w, i)
				}
				if c.Mark(dest, id) {
					inserted.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		assert.LessOrEqual(t, c.Len(fmt.Sprintf("chat-%d", i)), 50)
	}
	assert.Greater(t, inserted.Load(), int64(0))
}

func TestDedupCache_Forget(t *testing.T) {
	c := NewDedupCache(10, time.Hour)
	c.Mark("chat", "m1")
	c.Forget("chat")
	assert.Equal(t, 0, c.Len("chat"))
	assert.True(t, c.Mark("chat", "m1"))
}

func TestDedupCache_Unmark(t *testing.T) {
	c := NewDedupCache(10, time.Hour)
	c.Mark("chat", "m1")
	c.Mark("chat", "m2")
	c.Unmark("chat", "m1")
	c.Unmark("missing", "m1")

	assert.Equal(t, 1, c.Len("chat"))
	assert.True(t, c.Mark("chat", "m1"))
	assert.False(t, c.Mark("chat", "m2"))
}
