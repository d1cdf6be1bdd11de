package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/sessiond/internal/store"
	"github.com/wolfeidau/sessiond/internal/store/storetest"
)

func TestSessionStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock store.Clock) store.SessionStore {
		return NewSessionStore(store.WithClock(clock))
	})
}

func TestSessionStoreDeleteExpiredDropsEntries(t *testing.T) {
	ctx := context.Background()
	st := NewSessionStore(store.WithClock(storetest.NewClock(1000).Now))
	require.NoError(t, st.Initialize(ctx))
	defer func() { _ = st.Close() }()

	require.NoError(t, st.Set(ctx, "old", storetest.NewSession("old", 1000, 2000, `{}`)))
	require.NoError(t, st.Set(ctx, "new", storetest.NewSession("new", 1000, 9000, `{}`)))

	removed, err := st.DeleteExpired(ctx, storetest.NewClock(3000).Now())
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	// Verify the map no longer holds the swept entry
	st.mu.RLock()
	_, exists := st.sessions["old"]
	size := len(st.sessions)
	st.mu.RUnlock()
	require.False(t, exists)
	require.Equal(t, 1, size)
}
