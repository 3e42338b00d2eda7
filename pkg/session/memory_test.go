package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	memTestTTL        = 5 * time.Minute
	memTestGoroutines = 10
	memTestIterations = 100
	memTestSess1      = "sess-1"
)

var memTestEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestSession(id string, ttl time.Duration, accessed time.Time) *Session {
	return &Session{
		ID:             id,
		CreatedAt:      accessed,
		LastAccessedAt: accessed,
		TTL:            ttl,
		State:          make(map[string]json.RawMessage),
	}
}

func TestMemoryDriver_CreateAndRead(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()

	sess := newTestSession(memTestSess1, memTestTTL, memTestEpoch)
	sess.State["k"] = json.RawMessage(`"v"`)
	require.NoError(t, d.Create(ctx, sess))

	// The driver keeps its own copy.
	sess.State["k"] = json.RawMessage(`"mutated"`)

	got, err := d.Read(ctx, memTestSess1, memTestEpoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, memTestSess1, got.ID)
	assert.JSONEq(t, `"v"`, string(got.State["k"]))
	assert.Equal(t, memTestEpoch.Add(time.Minute), got.LastAccessedAt, "read touches the session")
}

func TestMemoryDriver_CreateExistingIsNoop(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()

	first := newTestSession(memTestSess1, memTestTTL, memTestEpoch)
	first.State["k"] = json.RawMessage(`1`)
	require.NoError(t, d.Create(ctx, first))

	second := newTestSession(memTestSess1, memTestTTL, memTestEpoch)
	require.NoError(t, d.Create(ctx, second))

	got, err := d.Read(ctx, memTestSess1, memTestEpoch)
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(got.State["k"]))
}

func TestMemoryDriver_ReadNotFound(t *testing.T) {
	d := NewMemoryDriver()

	_, err := d.Read(context.Background(), "nonexistent", memTestEpoch)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryDriver_ExpiryBoundary(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()
	require.NoError(t, d.Create(ctx, newTestSession(memTestSess1, time.Minute, memTestEpoch)))

	_, err := d.Read(ctx, memTestSess1, memTestEpoch.Add(time.Minute-time.Nanosecond))
	require.NoError(t, err, "one tick before expiry is still live")

	// The read above touched the session, so expiry moved forward.
	at := memTestEpoch.Add(2*time.Minute - time.Nanosecond)
	_, err = d.Read(ctx, memTestSess1, at)
	require.ErrorIs(t, err, ErrSessionExpired, "expiry is inclusive of the deadline")

	err = d.Write(ctx, memTestSess1, "k", json.RawMessage(`1`), at)
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestMemoryDriver_WriteTouches(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()
	require.NoError(t, d.Create(ctx, newTestSession(memTestSess1, time.Minute, memTestEpoch)))

	later := memTestEpoch.Add(50 * time.Second)
	require.NoError(t, d.Write(ctx, memTestSess1, "k", json.RawMessage(`"v"`), later))

	got, err := d.Read(ctx, memTestSess1, memTestEpoch.Add(100*time.Second))
	require.NoError(t, err, "write extended the TTL")
	assert.JSONEq(t, `"v"`, string(got.State["k"]))
}

func TestMemoryDriver_AppendEvictsAndForgetsKeys(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()
	require.NoError(t, d.Create(ctx, newTestSession(memTestSess1, memTestTTL, memTestEpoch)))

	for i := 1; i <= 4; i++ {
		res, err := d.Append(ctx, memTestSess1, EventInput{
			IdempotencyKey: fmt.Sprintf("k%d", i),
			Payload:        json.RawMessage(`{}`),
		}, 2, memTestEpoch)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), res.Sequence) // #nosec G115 -- small test values
	}

	events, err := d.Events(ctx, memTestSess1, 0, memTestEpoch)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(3), events[0].Sequence)
	assert.Equal(t, uint64(4), events[1].Sequence)

	res, err := d.Append(ctx, memTestSess1, EventInput{IdempotencyKey: "k1"}, 2, memTestEpoch)
	require.NoError(t, err)
	assert.False(t, res.Duplicate, "evicted keys leave the dedup window")
	assert.Equal(t, uint64(5), res.Sequence)
}

func TestMemoryDriver_DeleteExpiredKeepsTouched(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()
	require.NoError(t, d.Create(ctx, newTestSession(memTestSess1, time.Minute, memTestEpoch)))

	cutoff := memTestEpoch.Add(2 * time.Minute)
	ids, err := d.ScanExpired(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{memTestSess1}, ids)

	// Delete checks against the recorded access time, not the scan result.
	rec := d.sessions[memTestSess1]
	rec.mu.Lock()
	rec.sess.LastAccessedAt = cutoff
	rec.mu.Unlock()

	deleted, err := d.DeleteExpired(ctx, memTestSess1, cutoff)
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = d.DeleteExpired(ctx, memTestSess1, cutoff.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = d.DeleteExpired(ctx, memTestSess1, cutoff.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, deleted, "second delete finds nothing")
}

func TestMemoryDriver_CanceledContext(t *testing.T) {
	d := NewMemoryDriver()
	require.NoError(t, d.Create(context.Background(), newTestSession(memTestSess1, memTestTTL, memTestEpoch)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, d.Write(ctx, memTestSess1, "k", json.RawMessage(`1`), memTestEpoch), context.Canceled)
	_, err := d.Append(ctx, memTestSess1, EventInput{IdempotencyKey: "k"}, 10, memTestEpoch)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, d.Delete(ctx, memTestSess1), context.Canceled)

	got, err := d.Read(context.Background(), memTestSess1, memTestEpoch)
	require.NoError(t, err)
	assert.Empty(t, got.State)
	assert.Zero(t, got.LastSequence)
}

func TestMemoryDriver_ConcurrentAccess(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()
	require.NoError(t, d.Create(ctx, newTestSession(memTestSess1, memTestTTL, memTestEpoch)))

	var wg sync.WaitGroup
	for g := range memTestGoroutines {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range memTestIterations {
				key := fmt.Sprintf("g%d", g)
				_ = d.Write(ctx, memTestSess1, key, json.RawMessage(fmt.Sprint(i)), memTestEpoch)
				_, _ = d.Read(ctx, memTestSess1, memTestEpoch)
				_, _ = d.Append(ctx, memTestSess1, EventInput{IdempotencyKey: fmt.Sprintf("%s-%d", key, i)}, 50, memTestEpoch)
				_, _ = d.ScanExpired(ctx, memTestEpoch)
			}
		}(g)
	}
	wg.Wait()

	got, err := d.Read(ctx, memTestSess1, memTestEpoch)
	require.NoError(t, err)
	assert.Len(t, got.State, memTestGoroutines)
	assert.Equal(t, uint64(memTestGoroutines*memTestIterations), got.LastSequence)
}

func TestMemoryDriver_DeleteWhileInUse(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()
	require.NoError(t, d.Create(ctx, newTestSession(memTestSess1, memTestTTL, memTestEpoch)))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range memTestIterations {
			err := d.Write(ctx, memTestSess1, "k", json.RawMessage(fmt.Sprint(i)), memTestEpoch)
			if err != nil {
				assert.ErrorIs(t, err, ErrSessionNotFound)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, d.Delete(ctx, memTestSess1))
	}()
	wg.Wait()

	_, err := d.Read(ctx, memTestSess1, memTestEpoch)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryDriver_Close(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()
	require.NoError(t, d.Create(ctx, newTestSession(memTestSess1, memTestTTL, memTestEpoch)))

	require.NoError(t, d.Close())
	_, err := d.Read(ctx, memTestSess1, memTestEpoch)
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.NoError(t, d.Ping(ctx))
	assert.Equal(t, "memory", d.Name())
}
