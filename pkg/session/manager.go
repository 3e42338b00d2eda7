package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/mcp-sessions/pkg/metrics"
	"github.com/txn2/mcp-sessions/pkg/protocol"
)

// DefaultSweepInterval is used when ManagerConfig.SweepInterval is unset.
const DefaultSweepInterval = 5 * time.Minute

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// SweepInterval is the period between expiry sweeps.
	SweepInterval time.Duration

	// Metrics receives lifecycle counters. Optional.
	Metrics *metrics.Metrics
}

// HandshakeRequest carries the client-supplied handshake inputs.
type HandshakeRequest struct {
	// ProtocolVersion is the version the client asked for.
	ProtocolVersion string

	// TTL overrides the default session TTL when positive.
	TTL time.Duration

	// Token is the caller's bearer token. When set, its hash is stored as
	// the session owner.
	Token string
}

// Handshake is the result of a successful handshake.
type Handshake struct {
	SessionID       string
	ProtocolVersion string
}

// Manager issues session identifiers, routes session-scoped operations to
// the Store serving them, and sweeps expired sessions in the background.
type Manager struct {
	store      *Store
	negotiator *protocol.Negotiator
	interval   time.Duration
	metrics    *metrics.Metrics
	instanceID string

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewManager creates a Manager. Call Start to begin sweeping.
func NewManager(store *Store, negotiator *protocol.Negotiator, cfg ManagerConfig) *Manager {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Manager{
		store:      store,
		negotiator: negotiator,
		interval:   interval,
		metrics:    cfg.Metrics,
		instanceID: uuid.NewString(),
	}
}

// InstanceID identifies this manager among instances sharing a backend.
func (m *Manager) InstanceID() string { return m.instanceID }

// Negotiator returns the protocol negotiator.
func (m *Manager) Negotiator() *protocol.Negotiator { return m.negotiator }

// Store returns the primary store.
func (m *Manager) Store() *Store { return m.store }

// route returns the store that serves id. Deployments run a single backend,
// so every session routes to the primary store.
func (m *Manager) route(_ string) (*Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, ErrManagerClosed
	}
	return m.store, nil
}

// OpenSession creates a session without a protocol handshake.
func (m *Manager) OpenSession(ctx context.Context, ttl time.Duration) (string, error) {
	store, err := m.route("")
	if err != nil {
		return "", err
	}
	id, err := store.CreateSession(ctx, CreateOptions{TTL: ttl})
	if err != nil {
		return "", err
	}
	m.metrics.SessionOpened(store.Backend())
	return id, nil
}

// Handshake negotiates the protocol version and, on success, creates a
// session with the version recorded in its state. A rejected handshake
// creates nothing.
func (m *Manager) Handshake(ctx context.Context, req HandshakeRequest) (*Handshake, error) {
	store, err := m.route("")
	if err != nil {
		return nil, err
	}

	version, err := m.negotiator.Begin().Resolve(req.ProtocolVersion)
	if err != nil {
		m.metrics.HandshakeRejected()
		slog.Info("session: handshake rejected", "requested_version", req.ProtocolVersion)
		return nil, fmt.Errorf("negotiating protocol version: %w", err)
	}

	state := map[string]any{ProtocolVersionKey: version}
	if owner := HashToken(req.Token); owner != "" {
		state[OwnerKey] = owner
	}

	id, err := store.CreateSession(ctx, CreateOptions{TTL: req.TTL, State: state})
	if err != nil {
		return nil, err
	}
	m.metrics.SessionOpened(store.Backend())
	return &Handshake{SessionID: id, ProtocolVersion: version}, nil
}

// ProtocolVersion returns the version negotiated for id.
func (m *Manager) ProtocolVersion(ctx context.Context, id string) (string, error) {
	var v string
	if err := m.GetStateInto(ctx, id, ProtocolVersionKey, &v); err != nil {
		return "", err
	}
	return v, nil
}

// Session returns a snapshot of id.
func (m *Manager) Session(ctx context.Context, id string) (*Session, error) {
	store, err := m.route(id)
	if err != nil {
		return nil, err
	}
	return store.Session(ctx, id)
}

// Authorize returns a snapshot of id when the caller carried by ctx owns it,
// and ErrOwnershipMismatch otherwise.
func (m *Manager) Authorize(ctx context.Context, id string) (*Session, error) {
	sess, err := m.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.OwnedBy(CallerFromContext(ctx)) {
		return nil, ErrOwnershipMismatch
	}
	return sess, nil
}

// GetState forwards to the store serving id.
func (m *Manager) GetState(ctx context.Context, id, key string) (json.RawMessage, error) {
	store, err := m.route(id)
	if err != nil {
		return nil, err
	}
	return store.GetState(ctx, id, key)
}

// GetStateInto forwards to the store serving id.
func (m *Manager) GetStateInto(ctx context.Context, id, key string, dst any) error {
	store, err := m.route(id)
	if err != nil {
		return err
	}
	return store.GetStateInto(ctx, id, key, dst)
}

// SetState forwards to the store serving id.
func (m *Manager) SetState(ctx context.Context, id, key string, value any) error {
	store, err := m.route(id)
	if err != nil {
		return err
	}
	return store.SetState(ctx, id, key, value)
}

// AppendEvent forwards to the store serving id.
func (m *Manager) AppendEvent(ctx context.Context, id, idempotencyKey string, payload any) (AppendResult, error) {
	store, err := m.route(id)
	if err != nil {
		return AppendResult{}, err
	}
	res, err := store.AppendEvent(ctx, id, idempotencyKey, payload)
	if err != nil {
		return AppendResult{}, err
	}
	m.metrics.EventAppended(res.Duplicate)
	return res, nil
}

// ListEvents forwards to the store serving id.
func (m *Manager) ListEvents(ctx context.Context, id string, since uint64) ([]Event, error) {
	store, err := m.route(id)
	if err != nil {
		return nil, err
	}
	return store.ListEvents(ctx, id, since)
}

// CloseSession deletes id. Closing an unknown session is not an error.
func (m *Manager) CloseSession(ctx context.Context, id string) error {
	store, err := m.route(id)
	if err != nil {
		return err
	}
	if err := store.DeleteSession(ctx, id); err != nil {
		return err
	}
	m.metrics.SessionClosed()
	return nil
}

// SweepNow runs one expiry sweep synchronously.
func (m *Manager) SweepNow(ctx context.Context) (int, error) {
	store, err := m.route("")
	if err != nil {
		return 0, err
	}

	start := time.Now()
	n, err := store.SweepExpired(ctx)
	m.metrics.SweepCompleted(n, time.Since(start).Seconds(), err)
	if err != nil {
		return n, fmt.Errorf("sweeping expired sessions: %w", err)
	}
	if n > 0 {
		slog.Debug("session: sweep removed expired sessions",
			"count", n, "instance_id", m.instanceID, slogKeyBackend, store.Backend())
	}
	return n, nil
}

// Start launches the background sweep. Calling Start twice is an error.
func (m *Manager) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrManagerClosed
	}
	if m.cancel != nil {
		return ErrManagerStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.sweepLoop(ctx)

	slog.Info("session manager started",
		"instance_id", m.instanceID, slogKeyBackend, m.store.Backend(), "sweep_interval", m.interval)
	return nil
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A failed sweep is retried on the next tick.
			if _, err := m.SweepNow(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("session sweep failed", "instance_id", m.instanceID, slogKeyError, err)
			}
		}
	}
}

// Stop cancels the sweep, waits for an in-flight sweep to return, and
// rejects further operations. The store is not closed; its owner closes it.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sweep to stop: %w", ctx.Err())
	}
}

// HashToken returns the SHA-256 hex digest of a token, or empty for empty tokens.
func HashToken(token string) string {
	if token == "" {
		return ""
	}
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
