package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-sessions/pkg/metrics"
	"github.com/txn2/mcp-sessions/pkg/protocol"
)

const (
	mgrTestToken    = "secret-token"
	mgrTestInterval = 20 * time.Millisecond
)

func newTestManager(t *testing.T, store *Store, interval time.Duration) *Manager {
	t.Helper()
	n, err := protocol.NewNegotiator(protocol.DefaultSupportedVersions)
	require.NoError(t, err)
	m := NewManager(store, n, ManagerConfig{
		SweepInterval: interval,
		Metrics:       metrics.New(prometheus.NewRegistry()),
	})
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m
}

func TestNewManager_Defaults(t *testing.T) {
	n, err := protocol.NewNegotiator([]string{protocol.Version20250326})
	require.NoError(t, err)
	m := NewManager(NewStore(NewMemoryDriver(), StoreConfig{}), n, ManagerConfig{})

	assert.Equal(t, DefaultSweepInterval, m.interval)
	assert.NotEmpty(t, m.InstanceID())
	assert.Same(t, n, m.Negotiator())
	assert.NotNil(t, m.Store())
}

func TestManager_Handshake(t *testing.T) {
	m := newTestManager(t, NewStore(NewMemoryDriver(), StoreConfig{}), time.Hour)
	ctx := context.Background()

	hs, err := m.Handshake(ctx, HandshakeRequest{
		ProtocolVersion: protocol.Version20250618,
		Token:           mgrTestToken,
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.Version20250618, hs.ProtocolVersion)

	v, err := m.ProtocolVersion(ctx, hs.SessionID)
	require.NoError(t, err)
	assert.Equal(t, protocol.Version20250618, v)

	sess, err := m.Session(ctx, hs.SessionID)
	require.NoError(t, err)
	assert.Equal(t, HashToken(mgrTestToken), sess.Owner())
}

func TestManager_Handshake_Anonymous(t *testing.T) {
	m := newTestManager(t, NewStore(NewMemoryDriver(), StoreConfig{}), time.Hour)
	ctx := context.Background()

	hs, err := m.Handshake(ctx, HandshakeRequest{ProtocolVersion: protocol.Version20241105, TTL: time.Minute})
	require.NoError(t, err)

	sess, err := m.Session(ctx, hs.SessionID)
	require.NoError(t, err)
	assert.Empty(t, sess.Owner())
	assert.Equal(t, time.Minute, sess.TTL)
}

func TestManager_Handshake_RejectedCreatesNothing(t *testing.T) {
	drv := NewMemoryDriver()
	m := newTestManager(t, NewStore(drv, StoreConfig{}), time.Hour)

	_, err := m.Handshake(context.Background(), HandshakeRequest{ProtocolVersion: "1999-01-01"})
	require.ErrorIs(t, err, protocol.ErrUnsupportedVersion)

	var uve *protocol.UnsupportedVersionError
	require.ErrorAs(t, err, &uve)
	assert.Equal(t, "1999-01-01", uve.Requested)

	drv.mu.RLock()
	defer drv.mu.RUnlock()
	assert.Empty(t, drv.sessions)
}

func TestManager_ForwardsOperations(t *testing.T) {
	m := newTestManager(t, NewStore(NewMemoryDriver(), StoreConfig{}), time.Hour)
	ctx := context.Background()

	id, err := m.OpenSession(ctx, 0)
	require.NoError(t, err)

	require.NoError(t, m.SetState(ctx, id, "counter", 7))
	raw, err := m.GetState(ctx, id, "counter")
	require.NoError(t, err)
	assert.JSONEq(t, `7`, string(raw))

	res, err := m.AppendEvent(ctx, id, "evt-1", "payload")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Sequence)

	res, err = m.AppendEvent(ctx, id, "evt-1", "payload")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	events, err := m.ListEvents(ctx, id, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	_, err = m.ProtocolVersion(ctx, id)
	require.ErrorIs(t, err, ErrKeyNotFound, "sessions opened without a handshake carry no version")

	require.NoError(t, m.CloseSession(ctx, id))
	require.NoError(t, m.CloseSession(ctx, id))
	_, err = m.Session(ctx, id)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_SweepLoop(t *testing.T) {
	clock := &fakeClock{now: memTestEpoch}
	store := NewStore(NewMemoryDriver(), StoreConfig{TTL: time.Minute, Now: clock.Now})
	m := newTestManager(t, store, mgrTestInterval)
	ctx := context.Background()

	id, err := m.OpenSession(ctx, 0)
	require.NoError(t, err)

	require.NoError(t, m.Start(ctx))
	clock.Advance(time.Hour)

	assert.Eventually(t, func() bool {
		_, err := store.Session(ctx, id)
		return errors.Is(err, ErrSessionNotFound)
	}, 2*time.Second, mgrTestInterval)
}

func TestManager_StartTwice(t *testing.T) {
	m := newTestManager(t, NewStore(NewMemoryDriver(), StoreConfig{}), time.Hour)

	require.NoError(t, m.Start(context.Background()))
	require.ErrorIs(t, m.Start(context.Background()), ErrManagerStarted)
}

func TestManager_Stop(t *testing.T) {
	m := newTestManager(t, NewStore(NewMemoryDriver(), StoreConfig{}), mgrTestInterval)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Stop(ctx))
	require.NoError(t, m.Stop(ctx), "stop is idempotent")

	_, err := m.OpenSession(ctx, 0)
	require.ErrorIs(t, err, ErrManagerClosed)
	_, err = m.Handshake(ctx, HandshakeRequest{ProtocolVersion: protocol.Version20250326})
	require.ErrorIs(t, err, ErrManagerClosed)
	require.ErrorIs(t, m.SetState(ctx, "x", "k", 1), ErrManagerClosed)
	_, err = m.SweepNow(ctx)
	require.ErrorIs(t, err, ErrManagerClosed)
	require.ErrorIs(t, m.Start(ctx), ErrManagerClosed)
}

func TestManager_StopWithoutStart(t *testing.T) {
	m := newTestManager(t, NewStore(NewMemoryDriver(), StoreConfig{}), time.Hour)
	require.NoError(t, m.Stop(context.Background()))
}

func TestManager_SweepNowReportsFailure(t *testing.T) {
	clock := &fakeClock{now: memTestEpoch}
	drv := &sweepFailDriver{MemoryDriver: NewMemoryDriver()}
	store := NewStore(drv, StoreConfig{TTL: time.Minute, Now: clock.Now})
	m := newTestManager(t, store, time.Hour)
	ctx := context.Background()

	id, err := m.OpenSession(ctx, 0)
	require.NoError(t, err)
	drv.failID = id

	clock.Advance(time.Hour)
	n, err := m.SweepNow(ctx)
	require.ErrorIs(t, err, errTransient)
	assert.Zero(t, n)
}

func TestHashToken(t *testing.T) {
	assert.Empty(t, HashToken(""))
	h := HashToken("abc")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashToken("abc"))
	assert.NotEqual(t, h, HashToken("abd"))
}

func TestManager_Authorize(t *testing.T) {
	m := newTestManager(t, NewStore(NewMemoryDriver(), StoreConfig{}), time.Hour)
	ctx := context.Background()

	owned, err := m.Handshake(ctx, HandshakeRequest{ProtocolVersion: protocol.Version20250326, Token: "alice"})
	require.NoError(t, err)
	anon, err := m.Handshake(ctx, HandshakeRequest{ProtocolVersion: protocol.Version20250326})
	require.NoError(t, err)

	sess, err := m.Authorize(WithCaller(ctx, HashToken("alice")), owned.SessionID)
	require.NoError(t, err)
	assert.Equal(t, owned.SessionID, sess.ID)

	_, err = m.Authorize(WithCaller(ctx, HashToken("mallory")), owned.SessionID)
	require.ErrorIs(t, err, ErrOwnershipMismatch)

	_, err = m.Authorize(ctx, owned.SessionID)
	require.ErrorIs(t, err, ErrOwnershipMismatch)

	_, err = m.Authorize(ctx, anon.SessionID)
	require.NoError(t, err)

	_, err = m.Authorize(ctx, "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}
