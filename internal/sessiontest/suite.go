// Package sessiontest holds the driver conformance suite. Every backend runs
// the same scenarios so that the Store behaves identically regardless of the
// medium underneath it.
package sessiontest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-sessions/pkg/session"
)

const (
	suiteTTL        = 5 * time.Minute
	suiteShortTTL   = time.Second
	suiteGoroutines = 8
	suiteAppends    = 10
)

// DriverFactory returns a fresh, empty driver. The suite closes it.
type DriverFactory func(t *testing.T) session.Driver

// Run executes the conformance suite against drivers built by newDriver.
func Run(t *testing.T, newDriver DriverFactory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, newStore func(cfg session.StoreConfig) *session.Store)
	}{
		{"ReadYourWrite", testReadYourWrite},
		{"MissingKeyAndSession", testMissingKeyAndSession},
		{"OverwriteKey", testOverwriteKey},
		{"ReservedKeysReadOnly", testReservedKeysReadOnly},
		{"AppendIncreasing", testAppendIncreasing},
		{"AppendIdempotent", testAppendIdempotent},
		{"ListEventsSince", testListEventsSince},
		{"EventBoundEvictsOldest", testEventBoundEvictsOldest},
		{"LazyExpiry", testLazyExpiry},
		{"TouchExtendsTTL", testTouchExtendsTTL},
		{"SweepExpired", testSweepExpired},
		{"DeleteIdempotent", testDeleteIdempotent},
		{"ConcurrentSetSameKey", testConcurrentSetSameKey},
		{"ConcurrentAppend", testConcurrentAppend},
		{"CanceledContext", testCanceledContext},
		{"Ping", testPing},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			drv := newDriver(t)
			t.Cleanup(func() { _ = drv.Close() })
			tc.fn(t, func(cfg session.StoreConfig) *session.Store {
				return session.NewStore(drv, cfg)
			})
		})
	}
}

func defaultConfig() session.StoreConfig {
	return session.StoreConfig{TTL: suiteTTL}
}

func mustCreate(t *testing.T, store *session.Store, ttl time.Duration) string {
	t.Helper()
	id, err := store.CreateSession(context.Background(), session.CreateOptions{TTL: ttl})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func testReadYourWrite(t *testing.T, newStore func(session.StoreConfig) *session.Store) {
	store := newStore(defaultConfig())
	ctx := context.Background()
	id := mustCreate(t, store, 0)

	values := map[string]any{
		"int":    float64(42),
		"string": "hello",
		"object": map[string]any{"nested": []any{"a", float64(1)}},
		"bool":   true,
	}
	for k, v := range values {
		require.NoError(t, store.SetState(ctx, id, k, v))

		var got any
		require.NoError(t, store.GetStateInto(ctx, id, k, &got))
		assert.Equal(t, v, got, "key %s", k)
	}

	sess, err := store.Session(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, sess.ID)
	assert.Len(t, sess.State, len(values))
	assert.Equal(t, suiteTTL, sess.TTL)
}

func testMissingKeyAndSession(t *testing.T, newStore func(session.StoreConfig) *session.Store) {
	store := newStore(defaultConfig())
	ctx := context.Background()
	id := mustCreate(t, store, 0)

	_, err := store.GetState(ctx, id, "absent")
	require.ErrorIs(t, err, session.ErrKeyNotFound)

	_, err = store.GetState(ctx, "no-such-session", "k")
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	err = store.SetState(ctx, "no-such-session", "k", 1)
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = store.AppendEvent(ctx, "no-such-session", "evt", "x")
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = store.ListEvents(ctx, "no-such-session", 0)
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func testOverwriteKey(t *testing.T, newStore func(session.StoreConfig) *session.Store) {
	store := newStore(defaultConfig())
	ctx := context.Background()
	id := mustCreate(t, store, 0)

	require.NoError(t, store.SetState(ctx, id, "k", "first"))
	require.NoError(t, store.SetState(ctx, id, "other", "keep"))
	require.NoError(t, store.SetState(ctx, id, "k", "second"))

	var got string
	require.NoError(t, store.GetStateInto(ctx, id, "k", &got))
	assert.Equal(t, "second", got)
	require.NoError(t, store.GetStateInto(ctx, id, "other", &got))
	assert.Equal(t, "keep", got)
}

func testReservedKeysReadOnly(t *testing.T, newStore func(session.StoreConfig) *session.Store) {
	store := newStore(defaultConfig())
	ctx := context.Background()

	id, err := store.CreateSession(ctx, session.CreateOptions{
		State: map[string]any{session.ProtocolVersionKey: "2025-03-26"},
	})
	require.NoError(t, err)

	err = store.SetState(ctx, id, session.ProtocolVersionKey, "2024-11-05")
	require.ErrorIs(t, err, session.ErrReadOnlyKey)

	sess, err := store.Session(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-26", sess.ProtocolVersion())
}

func testAppendIncreasing(t *testing.T, newStore func(session.StoreConfig) *session.Store) {
	store := newStore(defaultConfig())
	ctx := context.Background()
	id := mustCreate(t, store, 0)

	var last uint64
	for i := range suiteAppends {
		res, err := store.AppendEvent(ctx, id, fmt.Sprintf("evt-%d", i), map[string]any{"i": i})
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
		assert.Greater(t, res.Sequence, last)
		last = res.Sequence
	}
	assert.Equal(t, uint64(suiteAppends), last, "sequences start at 1 and are gap-free")

	// A second batch continues above the prior maximum.
	res, err := store.AppendEvent(ctx, id, "evt-next", nil)
	require.NoError(t, err)
	assert.Equal(t, last+1, res.Sequence)
}

func testAppendIdempotent(t *testing.T, newStore func(session.StoreConfig) *session.Store) {
	store := newStore(defaultConfig())
	ctx := context.Background()
	id := mustCreate(t, store, 0)

	first, err := store.AppendEvent(ctx, id, "evt-1", map[string]any{"msg": "a"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.False(t, first.Duplicate)

	again, err := store.AppendEvent(ctx, id, "evt-1", map[string]any{"msg": "a"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), again.Sequence)
	assert.True(t, again.Duplicate)

	events, err := store.ListEvents(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-1", events[0].IdempotencyKey)
	assert.JSONEq(t, `{"msg":"a"}`, string(events[0].Payload))
	assert.False(t, events[0].Timestamp.IsZero())

	// The same key in another session is independent.
	other := mustCreate(t, store, 0)
	res, err := store.AppendEvent(ctx, other, "evt-1", "b")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, uint64(1), res.Sequence)
}

func testListEventsSince(t *testing.T, newStore func(session.StoreConfig) *session.Store) {
	store := newStore(defaultConfig())
	ctx := context.Background()
	id := mustCreate(t, store, 0)

	for i := range suiteAppends {
		_, err := store.AppendEvent(ctx, id, fmt.Sprintf("evt-%d", i), i)
		require.NoError(t, err)
	}

	for _, since := range []uint64{0, 1, 5, suiteAppends - 1, suiteAppends, suiteAppends + 5} {
		events, err := store.ListEvents(ctx, id, since)
		require.NoError(t, err)

		want := 0
		if since < suiteAppends {
			want = suiteAppends - int(since) // #nosec G115 -- small test values
		}
		require.Len(t, events, want, "since=%d", since)
		for i, ev := range events {
			assert.Greater(t, ev.Sequence, since)
			assert.Equal(t, since+uint64(i)+1, ev.Sequence, "ascending and gap-free") // #nosec G115
		}
	}
}

func testEventBoundEvictsOldest(t *testing.T, newStore func(session.StoreConfig) *session.Store) {
	store := newStore(session.StoreConfig{TTL: suiteTTL, MaxEvents: 3})
	ctx := context.Background()
	id := mustCreate(t, store, 0)

	for i := 1; i <= 5; i++ {
		_, err := store.AppendEvent(ctx, id, fmt.Sprintf("evt-%d", i), i)
		require.NoError(t, err)
	}

	events, err := store.ListEvents(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []uint64{3, 4, 5}, sequences(events))

	// Retained keys still dedup.
	res, err := store.AppendEvent(ctx, id, "evt-4", 4)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, uint64(4), res.Sequence)

	// Evicted keys fall outside the dedup window; sequence numbers are never reused.
	res, err = store.AppendEvent(ctx, id, "evt-1", 1)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, uint64(6), res.Sequence)
}

func testLazyExpiry(t *testing.T, newStore func(session.StoreConfig) *session.Store) {
	store := newStore(defaultConfig())
	ctx := context.Background()
	id := mustCreate(t, store, suiteShortTTL)

	require.NoError(t, store.SetState(ctx, id, "x", 1))

	time.Sleep(2 * suiteShortTTL)

	_, err := store.GetState(ctx, id, "x")
	require.ErrorIs(t, err, session.ErrSessionExpired)

	err = store.SetState(ctx, id, "x", 2)
	require.ErrorIs(t, err, session.ErrSessionExpired)

	_, err = store.AppendEvent(ctx, id, "evt", nil)
	require.ErrorIs(t, err, session.ErrSessionExpired)
}

func testTouchExtendsTTL(t *testing.T, newStore func(session.StoreConfig) *session.Store) {
	store := newStore(defaultConfig())
	ctx := context.Background()
	id := mustCreate(t, store, 2*suiteShortTTL)

	time.Sleep(1200 * time.Millisecond)
	require.NoError(t, store.SetState(ctx, id, "k", "v"))

	time.Sleep(1200 * time.Millisecond)
	var got string
	require.NoError(t, store.GetStateInto(ctx, id, "k", &got), "touch should have extended the TTL")
	assert.Equal(t, "v", got)
}

func testSweepExpired(t *testing.T, newStore func(session.StoreConfig) *session.Store) {
	store := newStore(defaultConfig())
	ctx := context.Background()

	expired := mustCreate(t, store, suiteShortTTL)
	_, err := store.AppendEvent(ctx, expired, "evt", "x")
	require.NoError(t, err)
	active := mustCreate(t, store, suiteTTL)

	time.Sleep(2 * suiteShortTTL)

	n, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Session(ctx, expired)
	require.ErrorIs(t, err, session.ErrSessionNotFound, "swept session is gone, not merely expired")

	_, err = store.Session(ctx, active)
	require.NoError(t, err)

	n, err = store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testDeleteIdempotent(t *testing.T, newStore func(session.StoreConfig) *session.Store) {
	store := newStore(defaultConfig())
	ctx := context.Background()
	id := mustCreate(t, store, 0)

	_, err := store.AppendEvent(ctx, id, "evt", "x")
	require.NoError(t, err)
	require.NoError(t, store.SetState(ctx, id, "k", "v"))

	require.NoError(t, store.DeleteSession(ctx, id))
	require.NoError(t, store.DeleteSession(ctx, id))
	require.NoError(t, store.DeleteSession(ctx, "never-existed"))

	_, err = store.GetState(ctx, id, "k")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
	_, err = store.ListEvents(ctx, id, 0)
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func testConcurrentSetSameKey(t *testing.T, newStore func(session.StoreConfig) *session.Store) {
	store := newStore(defaultConfig())
	ctx := context.Background()
	id := mustCreate(t, store, 0)

	type counter struct {
		Writer int    `json:"writer"`
		Pad    string `json:"pad"`
	}

	var wg sync.WaitGroup
	errs := make(chan error, suiteGoroutines)
	for i := range suiteGoroutines {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs <- store.SetState(ctx, id, "counter", counter{Writer: n, Pad: fmt.Sprintf("%0512d", n)})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	raw, err := store.GetState(ctx, id, "counter")
	require.NoError(t, err)

	var got counter
	require.NoError(t, json.Unmarshal(raw, &got), "value must not be torn")
	assert.GreaterOrEqual(t, got.Writer, 0)
	assert.Less(t, got.Writer, suiteGoroutines)
	assert.Equal(t, fmt.Sprintf("%0512d", got.Writer), got.Pad, "value must come from a single writer")
}

func testConcurrentAppend(t *testing.T, newStore func(session.StoreConfig) *session.Store) {
	store := newStore(defaultConfig())
	ctx := context.Background()
	id := mustCreate(t, store, 0)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		seq = make(map[uint64]string)
	)
	for g := range suiteGoroutines {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range suiteAppends {
				key := fmt.Sprintf("g%d-%d", g, i)
				// Every key is sent twice to exercise retry dedup under contention.
				for range 2 {
					res, err := store.AppendEvent(ctx, id, key, i)
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					if prev, ok := seq[res.Sequence]; ok {
						assert.Equal(t, key, prev, "sequence %d assigned to two keys", res.Sequence)
					}
					seq[res.Sequence] = key
					mu.Unlock()
				}
			}
		}(g)
	}
	wg.Wait()

	total := suiteGoroutines * suiteAppends
	require.Len(t, seq, total)

	events, err := store.ListEvents(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, events, total)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence) // #nosec G115 -- small test values
	}
}

func testCanceledContext(t *testing.T, newStore func(session.StoreConfig) *session.Store) {
	store := newStore(defaultConfig())
	id := mustCreate(t, store, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.SetState(ctx, id, "k", "v")
	require.Error(t, err)

	_, err = store.AppendEvent(ctx, id, "evt", "x")
	require.Error(t, err)

	bg := context.Background()
	_, err = store.GetState(bg, id, "k")
	require.ErrorIs(t, err, session.ErrKeyNotFound, "canceled write must have no effect")

	events, err := store.ListEvents(bg, id, 0)
	require.NoError(t, err)
	assert.Empty(t, events, "canceled append must have no effect")
}

func testPing(t *testing.T, newStore func(session.StoreConfig) *session.Store) {
	store := newStore(defaultConfig())
	assert.NoError(t, store.Ping(context.Background()))
}

func sequences(events []session.Event) []uint64 {
	out := make([]uint64, len(events))
	for i, ev := range events {
		out[i] = ev.Sequence
	}
	return out
}
