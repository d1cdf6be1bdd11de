// Package storetest holds the behaviour every store.SessionStore backend must share.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/sessiond/internal/models"
	"github.com/wolfeidau/sessiond/internal/store"
)

// Clock is a manually advanced clock safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock stopped at the given epoch milliseconds.
func NewClock(ms int64) *Clock {
	return &Clock{now: models.FromMillis(ms)}
}

// Now returns the current logical time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to the given epoch milliseconds.
func (c *Clock) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = models.FromMillis(ms)
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory builds a new, uninitialized store driven by clock.
type Factory func(t *testing.T, clock store.Clock) store.SessionStore

// NewSession builds a session with millisecond timestamps.
func NewSession(id string, created, expires int64, data string) *models.Session {
	return &models.Session{
		ID:           id,
		CreatedAt:    models.FromMillis(created),
		LastActivity: models.FromMillis(created),
		ExpiresAt:    models.FromMillis(expires),
		Data:         []byte(data),
	}
}

// Run exercises the full SessionStore contract against the backend built by factory.
func Run(t *testing.T, factory Factory) {
	ctx := context.Background()

	open := func(t *testing.T, clock *Clock) store.SessionStore {
		st := factory(t, clock.Now)
		require.NoError(t, st.Initialize(ctx))
		t.Cleanup(func() { _ = st.Close() })
		return st
	}

	t.Run("operations before initialize fail", func(t *testing.T) {
		st := factory(t, NewClock(1000).Now)

		err := st.Set(ctx, "s1", NewSession("s1", 1000, 5000, `{}`))
		require.ErrorIs(t, err, store.ErrNotInitialized)

		_, _, err = st.Get(ctx, "s1")
		require.ErrorIs(t, err, store.ErrNotInitialized)

		_, err = st.Delete(ctx, "s1")
		require.ErrorIs(t, err, store.ErrNotInitialized)

		_, err = st.DeleteExpired(ctx, models.FromMillis(1000))
		require.ErrorIs(t, err, store.ErrNotInitialized)

		_, err = st.Count(ctx)
		require.ErrorIs(t, err, store.ErrNotInitialized)

		require.NoError(t, st.Close())
	})

	t.Run("initialize twice fails", func(t *testing.T) {
		st := open(t, NewClock(1000))
		require.ErrorIs(t, st.Initialize(ctx), store.ErrAlreadyInitialized)
	})

	t.Run("round trip", func(t *testing.T) {
		st := open(t, NewClock(1000))

		s := NewSession("s1", 1000, 5000, `{"turns":[{"role":"user","content":"hi"}],"model":"gpt-4o"}`)
		require.NoError(t, st.Set(ctx, s.ID, s))

		got, ok, err := st.Get(ctx, s.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, s, got)
		assert.Equal(t, string(s.Data), string(got.Data))
	})

	t.Run("get unknown id is absent", func(t *testing.T) {
		st := open(t, NewClock(1000))

		got, ok, err := st.Get(ctx, "missing")
		require.NoError(t, err)
		require.False(t, ok)
		require.Nil(t, got)
	})

	t.Run("set rejects id mismatch", func(t *testing.T) {
		st := open(t, NewClock(1000))

		err := st.Set(ctx, "other", NewSession("s1", 1000, 5000, `{}`))
		require.ErrorIs(t, err, store.ErrSessionIDMismatch)
	})

	t.Run("set rejects payloads that are not JSON", func(t *testing.T) {
		st := open(t, NewClock(1000))

		err := st.Set(ctx, "s1", NewSession("s1", 1000, 5000, `{"turns":`))
		require.ErrorIs(t, err, store.ErrSerialization)

		_, ok, err := st.Get(ctx, "s1")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("empty payload reads back as nil", func(t *testing.T) {
		st := open(t, NewClock(1000))

		s := NewSession("s1", 1000, 5000, "")
		s.Data = json.RawMessage{}
		require.NoError(t, st.Set(ctx, s.ID, s))

		got, ok, err := st.Get(ctx, "s1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Nil(t, got.Data)
	})

	t.Run("returned sessions are copies", func(t *testing.T) {
		st := open(t, NewClock(1000))

		s := NewSession("s1", 1000, 5000, `{"a":1}`)
		require.NoError(t, st.Set(ctx, s.ID, s))
		s.Data[1] = 'X'

		got, ok, err := st.Get(ctx, "s1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, `{"a":1}`, string(got.Data))

		got.Data[1] = 'Y'
		again, _, err := st.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, string(again.Data))
	})

	t.Run("overwrite replaces the whole record", func(t *testing.T) {
		st := open(t, NewClock(1000))

		r1 := NewSession("s1", 1000, 5000, `{"turns":["a"],"config":{"temp":1}}`)
		r2 := NewSession("s1", 1000, 9000, `{"turns":["a","b"]}`)
		r2.LastActivity = models.FromMillis(2000)

		require.NoError(t, st.Set(ctx, "s1", r1))
		require.NoError(t, st.Set(ctx, "s1", r2))

		got, ok, err := st.Get(ctx, "s1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, r2, got)

		count, err := st.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("expired sessions are absent before sweep", func(t *testing.T) {
		clock := NewClock(1000)
		st := open(t, clock)

		require.NoError(t, st.Set(ctx, "s1", NewSession("s1", 1000, 5000, `{}`)))

		clock.Set(4999)
		_, ok, err := st.Get(ctx, "s1")
		require.NoError(t, err)
		require.True(t, ok)

		clock.Set(5000)
		_, ok, err = st.Get(ctx, "s1")
		require.NoError(t, err)
		require.False(t, ok)

		// still physically present until swept
		count, err := st.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		st := open(t, NewClock(1000))

		deleted, err := st.Delete(ctx, "missing")
		require.NoError(t, err)
		require.False(t, deleted)

		require.NoError(t, st.Set(ctx, "s1", NewSession("s1", 1000, 5000, `{}`)))

		deleted, err = st.Delete(ctx, "s1")
		require.NoError(t, err)
		require.True(t, deleted)

		deleted, err = st.Delete(ctx, "s1")
		require.NoError(t, err)
		require.False(t, deleted)

		_, ok, err := st.Get(ctx, "s1")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("sweep removes only sessions expired before now", func(t *testing.T) {
		const now = 10_000
		st := open(t, NewClock(now))

		require.NoError(t, st.Set(ctx, "a", NewSession("a", 1000, now-10, `{}`)))
		require.NoError(t, st.Set(ctx, "b", NewSession("b", 1000, now-1, `{}`)))
		require.NoError(t, st.Set(ctx, "c", NewSession("c", 1000, now+100, `{}`)))
		require.NoError(t, st.Set(ctx, "d", NewSession("d", 1000, now, `{}`)))

		removed, err := st.DeleteExpired(ctx, models.FromMillis(now))
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		count, err := st.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		_, ok, err := st.Get(ctx, "c")
		require.NoError(t, err)
		assert.True(t, ok)

		removed, err = st.DeleteExpired(ctx, models.FromMillis(now))
		require.NoError(t, err)
		assert.Equal(t, 0, removed)
	})

	t.Run("session lifecycle with logical clock", func(t *testing.T) {
		clock := NewClock(1000)
		st := open(t, clock)

		s1 := NewSession("s1", 1000, 5000, `{"turns":[]}`)
		require.NoError(t, st.Set(ctx, "s1", s1))

		got, ok, err := st.Get(ctx, "s1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, s1, got)

		clock.Set(6000)

		removed, err := st.DeleteExpired(ctx, models.FromMillis(6000))
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, ok, err = st.Get(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, ok)

		count, err := st.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("operations after close fail", func(t *testing.T) {
		st := factory(t, NewClock(1000).Now)
		require.NoError(t, st.Initialize(ctx))
		require.NoError(t, st.Set(ctx, "s1", NewSession("s1", 1000, 5000, `{}`)))
		require.NoError(t, st.Close())

		err := st.Set(ctx, "s1", NewSession("s1", 1000, 5000, `{}`))
		require.ErrorIs(t, err, store.ErrClosed)

		_, _, err = st.Get(ctx, "s1")
		require.ErrorIs(t, err, store.ErrClosed)

		_, err = st.Delete(ctx, "s1")
		require.ErrorIs(t, err, store.ErrClosed)

		_, err = st.DeleteExpired(ctx, models.FromMillis(1000))
		require.ErrorIs(t, err, store.ErrClosed)

		_, err = st.Count(ctx)
		require.ErrorIs(t, err, store.ErrClosed)

		require.ErrorIs(t, st.Close(), store.ErrClosed)
		require.ErrorIs(t, st.Initialize(ctx), store.ErrClosed)
	})

	t.Run("concurrent writers and sweeper", func(t *testing.T) {
		clock := NewClock(1000)
		st := open(t, clock)

		const workers = 8
		const perWorker = 24

		var wg sync.WaitGroup
		for w := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range perWorker {
					id := fmt.Sprintf("w%d-%d", w, i)
					// even sessions are already expired relative to the sweep time
					expires := int64(100_000)
					if i%2 == 0 {
						expires = 1500
					}
					assert.NoError(t, st.Set(ctx, id, NewSession(id, 1000, expires, `{"i":1}`)))
					_, _, err := st.Get(ctx, id)
					assert.NoError(t, err)
				}
			}()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				_, err := st.DeleteExpired(ctx, models.FromMillis(2000))
				assert.NoError(t, err)
			}
		}()

		wg.Wait()

		_, err := st.DeleteExpired(ctx, models.FromMillis(2000))
		require.NoError(t, err)

		count, err := st.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, workers*perWorker/2, count)
	})
}
