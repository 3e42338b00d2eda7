package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const retryTestAttempts = 3

var errTransient = errors.New("connection reset by peer")

// flakyDriver fails the first failures calls of every operation with err.
type flakyDriver struct {
	*MemoryDriver
	failures int
	err      error
	calls    int
}

func (f *flakyDriver) fail() error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyDriver) Write(ctx context.Context, id, key string, value json.RawMessage, now time.Time) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.MemoryDriver.Write(ctx, id, key, value, now)
}

func (f *flakyDriver) Append(ctx context.Context, id string, ev EventInput, maxEvents int, now time.Time) (AppendResult, error) {
	if err := f.fail(); err != nil {
		return AppendResult{}, err
	}
	return f.MemoryDriver.Append(ctx, id, ev, maxEvents, now)
}

func (f *flakyDriver) Ping(context.Context) error {
	return f.fail()
}

func newFlaky(t *testing.T, failures int, err error) (*flakyDriver, *RetryingDriver) {
	t.Helper()
	f := &flakyDriver{MemoryDriver: NewMemoryDriver(), failures: failures, err: err}
	require.NoError(t, f.Create(context.Background(), newTestSession(memTestSess1, memTestTTL, memTestEpoch)))
	r := newRetryingDriverWithBackoff(f, func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, retryTestAttempts-1)
	})
	return f, r
}

func TestRetryingDriver_RecoversFromTransientFailure(t *testing.T) {
	f, r := newFlaky(t, retryTestAttempts-1, errTransient)

	err := r.Write(context.Background(), memTestSess1, "k", json.RawMessage(`1`), memTestEpoch)
	require.NoError(t, err)
	assert.Equal(t, retryTestAttempts, f.calls)
}

func TestRetryingDriver_ExhaustedIsStorageUnavailable(t *testing.T) {
	f, r := newFlaky(t, retryTestAttempts, errTransient)

	err := r.Write(context.Background(), memTestSess1, "k", json.RawMessage(`1`), memTestEpoch)
	require.ErrorIs(t, err, ErrStorageUnavailable)
	require.ErrorIs(t, err, errTransient, "cause is preserved")
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, retryTestAttempts, f.calls)
}

func TestRetryingDriver_DomainErrorsAreNotRetried(t *testing.T) {
	for _, domainErr := range []error{ErrSessionNotFound, ErrSessionExpired, &SchemaMissingError{Backend: "x", Structure: "t"}} {
		t.Run(domainErr.Error(), func(t *testing.T) {
			f, r := newFlaky(t, retryTestAttempts, domainErr)

			err := r.Write(context.Background(), memTestSess1, "k", json.RawMessage(`1`), memTestEpoch)
			require.ErrorIs(t, err, domainErr)
			assert.NotErrorIs(t, err, ErrStorageUnavailable)
			assert.Equal(t, 1, f.calls)
		})
	}
}

func TestRetryingDriver_RetriedAppendIsIdempotent(t *testing.T) {
	// The first attempt lands but its response is lost.
	f := &flakyDriver{MemoryDriver: NewMemoryDriver()}
	require.NoError(t, f.Create(context.Background(), newTestSession(memTestSess1, memTestTTL, memTestEpoch)))
	lossy := &lostResponseDriver{flakyDriver: f}
	r := newRetryingDriverWithBackoff(lossy, func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, retryTestAttempts-1)
	})

	res, err := r.Append(context.Background(), memTestSess1, EventInput{IdempotencyKey: "evt-1"}, 10, memTestEpoch)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Sequence)
	assert.True(t, res.Duplicate)

	events, err := r.Events(context.Background(), memTestSess1, 0, memTestEpoch)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

type lostResponseDriver struct {
	*flakyDriver
	lost bool
}

func (l *lostResponseDriver) Append(ctx context.Context, id string, ev EventInput, maxEvents int, now time.Time) (AppendResult, error) {
	res, err := l.flakyDriver.Append(ctx, id, ev, maxEvents, now)
	if !l.lost {
		l.lost = true
		return AppendResult{}, errTransient
	}
	return res, err
}

func TestRetryingDriver_ContextCanceledStopsRetrying(t *testing.T) {
	f, _ := newFlaky(t, 100, errTransient)
	r := NewRetryingDriver(f, RetryConfig{MaxAttempts: 100, InitialInterval: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.Write(ctx, memTestSess1, "k", json.RawMessage(`1`), memTestEpoch)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, f.calls)
}

func TestRetryingDriver_PingDoesNotRetry(t *testing.T) {
	f, r := newFlaky(t, 1, errTransient)

	err := r.Ping(context.Background())
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, 1, f.calls)

	require.NoError(t, r.Ping(context.Background()))
}

func TestRetryingDriver_Passthrough(t *testing.T) {
	f, r := newFlaky(t, 0, nil)

	assert.Equal(t, "memory", r.Name())
	assert.Same(t, f, r.Unwrap())
	require.NoError(t, r.Close())
}

func TestRetryingDriver_LogsTransientFailure(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	_, r := newFlaky(t, 1, errTransient)
	require.NoError(t, r.Write(context.Background(), memTestSess1, "k", json.RawMessage(`1`), memTestEpoch))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.SplitN(buf.Bytes(), []byte("\n"), 2)[0], &entry))
	assert.Equal(t, "session: transient backend error", entry["msg"])
	assert.Equal(t, "memory", entry[slogKeyBackend])
	assert.Equal(t, "write", entry["op"])
	assert.Equal(t, errTransient.Error(), entry[slogKeyError])
}
