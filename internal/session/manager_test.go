package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/sessiond/internal/models"
	"github.com/wolfeidau/sessiond/internal/store"
	"github.com/wolfeidau/sessiond/internal/store/memory"
	"github.com/wolfeidau/sessiond/internal/store/storetest"
	"github.com/wolfeidau/sessiond/internal/telemetry"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// recordingStore wraps a memory store and lets tests observe or stall sweeps.
type recordingStore struct {
	*memory.SessionStore

	mu     sync.Mutex
	events []string

	sweeps    atomic.Int32
	failSweep atomic.Int32
	entered   chan struct{}
	release   chan struct{}

	initEntered chan struct{}
	initRelease chan struct{}
}

func newRecordingStore(clock store.Clock) *recordingStore {
	return &recordingStore{SessionStore: memory.NewSessionStore(store.WithClock(clock))}
}

func (r *recordingStore) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingStore) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingStore) Initialize(ctx context.Context) error {
	if r.initEntered != nil {
		close(r.initEntered)
		<-r.initRelease
	}
	return r.SessionStore.Initialize(ctx)
}

func (r *recordingStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	r.sweeps.Add(1)
	if r.entered != nil {
		r.entered <- struct{}{}
		<-r.release
	}
	if r.failSweep.Load() > 0 {
		r.failSweep.Add(-1)
		return 0, fmt.Errorf("%w: disk on fire", store.ErrStorageIO)
	}
	n, err := r.SessionStore.DeleteExpired(ctx, now)
	r.record("sweep")
	return n, err
}

func (r *recordingStore) Close() error {
	r.record("close")
	return r.SessionStore.Close()
}

func newTestManager(t *testing.T, st store.SessionStore, clock *storetest.Clock, cfg Config, opts ...Option) *Manager {
	t.Helper()

	opts = append([]Option{
		WithClock(clock.Now),
		WithLogger(zerolog.Nop()),
	}, opts...)

	m, err := NewManager(st, cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown() })

	return m
}

func TestNewManager(t *testing.T) {
	t.Run("store is required", func(t *testing.T) {
		_, err := NewManager(nil, Config{})
		require.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		m, err := NewManager(memory.NewSessionStore(), Config{}, WithLogger(zerolog.Nop()))
		require.NoError(t, err)

		cfg := m.Config()
		assert.Equal(t, time.Hour, cfg.DefaultTTL)
		assert.Equal(t, time.Minute, cfg.SweepInterval)
		assert.Equal(t, PolicyAbsolute, cfg.Policy)
	})

	t.Run("rejects unknown policy", func(t *testing.T) {
		_, err := NewManager(memory.NewSessionStore(), Config{Policy: "forever"})
		require.Error(t, err)
	})
}

func TestManager_Create(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock(1_000)
	st := memory.NewSessionStore(store.WithClock(clock.Now))
	m := newTestManager(t, st, clock, Config{DefaultTTL: 4 * time.Second, SweepInterval: time.Hour})

	created, err := m.Create(ctx, json.RawMessage(`{"model":"gpt"}`))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	assert.Equal(t, int64(1_000), models.Millis(created.CreatedAt))
	assert.Equal(t, int64(1_000), models.Millis(created.LastActivity))
	assert.Equal(t, int64(5_000), models.Millis(created.ExpiresAt))
	assert.JSONEq(t, `{"model":"gpt"}`, string(created.Data))

	got, ok, err := st.Get(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created, got)

	other, err := m.Create(ctx, nil)
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, other.ID)

	count, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestManager_Create_idGeneratorFailure(t *testing.T) {
	clock := storetest.NewClock(1_000)
	m := newTestManager(t, memory.NewSessionStore(store.WithClock(clock.Now)), clock, Config{},
		WithIDGenerator(func() (string, error) { return "", errors.New("entropy exhausted") }),
	)

	_, err := m.Create(context.Background(), nil)
	require.Error(t, err)
}

func TestManager_Touch(t *testing.T) {
	ctx := context.Background()

	t.Run("absolute policy keeps expiry", func(t *testing.T) {
		clock := storetest.NewClock(1_000)
		m := newTestManager(t, memory.NewSessionStore(store.WithClock(clock.Now)), clock,
			Config{DefaultTTL: 4 * time.Second, SweepInterval: time.Hour, Policy: PolicyAbsolute})

		created, err := m.Create(ctx, nil)
		require.NoError(t, err)

		clock.Set(3_000)
		touched, ok, err := m.Touch(ctx, created.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(3_000), models.Millis(touched.LastActivity))
		assert.Equal(t, int64(5_000), models.Millis(touched.ExpiresAt))

		clock.Set(5_000)
		_, ok, err = m.Touch(ctx, created.ID)
		require.NoError(t, err)
		assert.False(t, ok, "session expires at exactly ExpiresAt")
	})

	t.Run("sliding policy extends expiry", func(t *testing.T) {
		clock := storetest.NewClock(1_000)
		m := newTestManager(t, memory.NewSessionStore(store.WithClock(clock.Now)), clock,
			Config{DefaultTTL: 4 * time.Second, SweepInterval: time.Hour, Policy: PolicySliding})

		created, err := m.Create(ctx, nil)
		require.NoError(t, err)

		clock.Set(4_000)
		touched, ok, err := m.Touch(ctx, created.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(4_000), models.Millis(touched.LastActivity))
		assert.Equal(t, int64(8_000), models.Millis(touched.ExpiresAt))
		assert.Equal(t, int64(1_000), models.Millis(touched.CreatedAt))

		clock.Set(7_999)
		_, ok, err = m.Touch(ctx, created.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("unknown session", func(t *testing.T) {
		clock := storetest.NewClock(1_000)
		m := newTestManager(t, memory.NewSessionStore(store.WithClock(clock.Now)), clock, Config{})

		session, ok, err := m.Touch(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, session)
	})
}

func TestManager_Update(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock(1_000)
	st := memory.NewSessionStore(store.WithClock(clock.Now))
	m := newTestManager(t, st, clock, Config{DefaultTTL: time.Minute, SweepInterval: time.Hour})

	created, err := m.Create(ctx, json.RawMessage(`{"turns":0}`))
	require.NoError(t, err)

	clock.Advance(time.Second)
	updated, ok, err := m.Update(ctx, created.ID, json.RawMessage(`{"turns":1}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"turns":1}`, string(updated.Data))
	assert.Equal(t, int64(2_000), models.Millis(updated.LastActivity))

	_, _, err = m.Update(ctx, created.ID, json.RawMessage(`{turns`))
	require.ErrorIs(t, err, store.ErrSerialization)

	got, ok, err := st.Get(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"turns":1}`, string(got.Data))

	_, ok, err = m.Update(ctx, "missing", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_End(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock(1_000)
	m := newTestManager(t, memory.NewSessionStore(store.WithClock(clock.Now)), clock, Config{})

	created, err := m.Create(ctx, nil)
	require.NoError(t, err)

	ended, err := m.End(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, ended)

	ended, err = m.End(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, ended)

	_, ok, err := m.Touch(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_Sweep(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock(1_000)
	m := newTestManager(t, memory.NewSessionStore(store.WithClock(clock.Now)), clock,
		Config{DefaultTTL: 4 * time.Second, SweepInterval: time.Hour})

	a, err := m.Create(ctx, nil)
	require.NoError(t, err)
	clock.Set(2_000)
	_, err = m.Create(ctx, nil)
	require.NoError(t, err)

	clock.Set(5_500)
	removed, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok, err := m.Touch(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	count, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestManager_sweepLoop(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock(1_000)
	st := memory.NewSessionStore(store.WithClock(clock.Now))
	m := newTestManager(t, st, clock, Config{DefaultTTL: time.Second, SweepInterval: 5 * time.Millisecond})

	for range 10 {
		_, err := m.Create(ctx, nil)
		require.NoError(t, err)
	}

	clock.Advance(2 * time.Second)

	require.Eventually(t, func() bool {
		count, err := m.Count(ctx)
		return err == nil && count == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManager_sweepLoopSurvivesFailures(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock(1_000)
	st := newRecordingStore(clock.Now)
	st.failSweep.Store(3)

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })

	m := newTestManager(t, st, clock, Config{DefaultTTL: time.Second, SweepInterval: 5 * time.Millisecond},
		WithMetrics(telemetry.NewMetrics(provider)))

	_, err := m.Create(ctx, nil)
	require.NoError(t, err)
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		count, err := m.Count(ctx)
		return err == nil && count == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, st.sweeps.Load(), int32(4))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	assert.Equal(t, int64(3), sumCounter(rm, "sessiond.sweep.errors.total"))
	assert.Equal(t, int64(1), sumCounter(rm, "sessiond.sweep.removed.total"))
}

func sumCounter(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestManager_Shutdown(t *testing.T) {
	t.Run("waits for in-flight sweep before closing", func(t *testing.T) {
		clock := storetest.NewClock(1_000)
		st := newRecordingStore(clock.Now)
		st.entered = make(chan struct{})
		st.release = make(chan struct{})

		m, err := NewManager(st, Config{SweepInterval: 5 * time.Millisecond},
			WithClock(clock.Now), WithLogger(zerolog.Nop()))
		require.NoError(t, err)
		require.NoError(t, m.Start(context.Background()))

		<-st.entered

		done := make(chan error, 1)
		go func() { done <- m.Shutdown() }()

		select {
		case <-done:
			t.Fatal("shutdown returned while a sweep was running")
		case <-time.After(50 * time.Millisecond):
		}
		assert.NotContains(t, st.Events(), "close")

		close(st.release)
		require.NoError(t, <-done)

		assert.Equal(t, []string{"sweep", "close"}, st.Events())

		sweeps := st.sweeps.Load()
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, sweeps, st.sweeps.Load(), "no sweep after shutdown")
	})

	t.Run("store is closed", func(t *testing.T) {
		ctx := context.Background()
		clock := storetest.NewClock(1_000)
		m, err := NewManager(memory.NewSessionStore(store.WithClock(clock.Now)), Config{},
			WithClock(clock.Now), WithLogger(zerolog.Nop()))
		require.NoError(t, err)
		require.NoError(t, m.Start(ctx))
		require.NoError(t, m.Shutdown())

		_, err = m.Create(ctx, nil)
		require.ErrorIs(t, err, store.ErrClosed)

		_, err = m.Count(ctx)
		require.ErrorIs(t, err, store.ErrClosed)

		require.ErrorIs(t, m.Shutdown(), store.ErrClosed)
		require.ErrorIs(t, m.Start(ctx), store.ErrClosed)
	})

	t.Run("before start", func(t *testing.T) {
		m, err := NewManager(memory.NewSessionStore(), Config{}, WithLogger(zerolog.Nop()))
		require.NoError(t, err)
		require.NoError(t, m.Shutdown())

		require.ErrorIs(t, m.Start(context.Background()), store.ErrClosed)
	})

	t.Run("during start leaves no sweep running", func(t *testing.T) {
		clock := storetest.NewClock(1_000)
		st := newRecordingStore(clock.Now)
		st.initEntered = make(chan struct{})
		st.initRelease = make(chan struct{})

		m, err := NewManager(st, Config{SweepInterval: 5 * time.Millisecond},
			WithClock(clock.Now), WithLogger(zerolog.Nop()))
		require.NoError(t, err)

		startErr := make(chan error, 1)
		go func() { startErr <- m.Start(context.Background()) }()
		<-st.initEntered

		shutdownErr := make(chan error, 1)
		go func() { shutdownErr <- m.Shutdown() }()

		// let Shutdown reach the store before Initialize returns
		time.Sleep(20 * time.Millisecond)
		close(st.initRelease)

		require.NoError(t, <-startErr)
		require.NoError(t, <-shutdownErr)

		events := st.Events()
		require.NotEmpty(t, events)
		assert.Equal(t, "close", events[len(events)-1])

		sweeps := st.sweeps.Load()
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, sweeps, st.sweeps.Load(), "no sweep after shutdown")
	})
}

func TestManager_concurrentTouchAndEnd(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock(1_000)
	m := newTestManager(t, memory.NewSessionStore(store.WithClock(clock.Now)), clock,
		Config{DefaultTTL: time.Hour, SweepInterval: time.Millisecond, Policy: PolicySliding})

	const sessions = 20
	ids := make([]string, sessions)
	for i := range ids {
		s, err := m.Create(ctx, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		ids[i] = s.ID
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				_, _, err := m.Touch(ctx, id)
				assert.NoError(t, err)
			}
		}()
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_, err := m.End(ctx, id)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	count, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, sessions/2, count)

	for i, id := range ids {
		_, ok, err := m.Touch(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, i%2 != 0, ok, "session %d", i)
	}

	assert.Zero(t, m.locks.size())
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock on the same id should block")
	case <-time.After(20 * time.Millisecond):
	}

	unlockB()
	unlockA()
	<-acquired

	require.Eventually(t, func() bool { return k.size() == 0 }, time.Second, time.Millisecond)
}
