package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// sessionIDBytes is the number of random bytes for session ID generation.
	sessionIDBytes = 16

	// DefaultTTL is used when neither the caller nor the config sets one.
	DefaultTTL = 30 * time.Minute

	// DefaultMaxEvents bounds each session's event log.
	DefaultMaxEvents = 1000
)

// StoreConfig configures a Store.
type StoreConfig struct {
	// TTL is the default session TTL.
	TTL time.Duration

	// MaxEvents bounds each session's event log; the oldest are evicted first.
	MaxEvents int

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// CreateOptions configures a new session.
type CreateOptions struct {
	// TTL overrides the store default when positive.
	TTL time.Duration

	// State seeds the session state. Reserved keys may only be set here.
	State map[string]any
}

// Store is the backend-agnostic session store. It generates identifiers,
// validates keys, encodes values as JSON and delegates persistence to a
// Driver. It holds no session data itself, so several processes sharing a
// backend observe the same state.
type Store struct {
	driver    Driver
	ttl       time.Duration
	maxEvents int
	now       func() time.Time
}

// NewStore creates a Store over driver.
func NewStore(driver Driver, cfg StoreConfig) *Store {
	s := &Store{
		driver:    driver,
		ttl:       cfg.TTL,
		maxEvents: cfg.MaxEvents,
		now:       cfg.Now,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.maxEvents <= 0 {
		s.maxEvents = DefaultMaxEvents
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Backend returns the driver name.
func (s *Store) Backend() string { return s.driver.Name() }

// TTL returns the default session TTL.
func (s *Store) TTL() time.Duration { return s.ttl }

// CreateSession allocates a new session and returns its id.
func (s *Store) CreateSession(ctx context.Context, opts CreateOptions) (string, error) {
	id, err := generateSessionID()
	if err != nil {
		return "", err
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	// TTLs are persisted in whole seconds.
	ttl = ttl.Truncate(time.Second)
	if ttl < time.Second {
		ttl = time.Second
	}

	state := make(map[string]json.RawMessage, len(opts.State))
	for k, v := range opts.State {
		if k == "" {
			return "", fmt.Errorf("%w: empty state key", ErrInvalidKey)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encoding state %q: %w", k, err)
		}
		state[k] = raw
	}

	now := s.now().UTC()
	sess := &Session{
		ID:             id,
		CreatedAt:      now,
		LastAccessedAt: now,
		TTL:            ttl,
		State:          state,
	}
	if err := s.driver.Create(ctx, sess); err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}

	slog.Debug("session: created", slogKeySessionID, id, slogKeyBackend, s.driver.Name(), "ttl", ttl)
	return id, nil
}

// Session returns a snapshot of the session and touches it.
func (s *Store) Session(ctx context.Context, id string) (*Session, error) {
	sess, err := s.driver.Read(ctx, id, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	return sess, nil
}

// GetState returns the raw JSON value stored under key.
func (s *Store) GetState(ctx context.Context, id, key string) (json.RawMessage, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty state key", ErrInvalidKey)
	}
	sess, err := s.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	v, ok := sess.State[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return v, nil
}

// GetStateInto decodes the value stored under key into dst.
func (s *Store) GetStateInto(ctx context.Context, id, key string, dst any) error {
	raw, err := s.GetState(ctx, id, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decoding state %q: %w", key, err)
	}
	return nil
}

// SetState upserts one state key.
func (s *Store) SetState(ctx context.Context, id, key string, value any) error {
	if key == "" {
		return fmt.Errorf("%w: empty state key", ErrInvalidKey)
	}
	if isReservedKey(key) {
		return fmt.Errorf("%w: %q", ErrReadOnlyKey, key)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding state %q: %w", key, err)
	}
	if err := s.driver.Write(ctx, id, key, raw, s.now().UTC()); err != nil {
		return fmt.Errorf("writing session state: %w", err)
	}
	return nil
}

// AppendEvent appends payload to the session's event log. Re-appending with
// an idempotency key that is still retained returns the original sequence
// number with Duplicate set and does not append.
func (s *Store) AppendEvent(ctx context.Context, id, idempotencyKey string, payload any) (AppendResult, error) {
	if idempotencyKey == "" {
		return AppendResult{}, fmt.Errorf("%w: empty idempotency key", ErrInvalidKey)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return AppendResult{}, fmt.Errorf("encoding event payload: %w", err)
	}

	res, err := s.driver.Append(ctx, id, EventInput{IdempotencyKey: idempotencyKey, Payload: raw}, s.maxEvents, s.now().UTC())
	if err != nil {
		return AppendResult{}, fmt.Errorf("appending event: %w", err)
	}
	if res.Duplicate {
		slog.Debug("session: duplicate event", slogKeySessionID, id,
			"idempotency_key", idempotencyKey, "sequence", res.Sequence)
	}
	return res, nil
}

// ListEvents returns retained events with sequence greater than since.
func (s *Store) ListEvents(ctx context.Context, id string, since uint64) ([]Event, error) {
	events, err := s.driver.Events(ctx, id, since, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	return events, nil
}

// DeleteSession removes the session and its events. Deleting an unknown id
// is not an error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := s.driver.Delete(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return fmt.Errorf("deleting session: %w", err)
	}
	slog.Debug("session: deleted", slogKeySessionID, id)
	return nil
}

// SweepExpired deletes sessions whose TTL has lapsed and returns how many
// were removed. Each deletion re-checks expiry atomically, so a session
// touched after the scan is kept.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	cutoff := s.now().UTC()
	ids, err := s.driver.ScanExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("scanning expired sessions: %w", err)
	}

	var (
		count int
		errs  []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		deleted, err := s.driver.DeleteExpired(ctx, id, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("deleting expired session %s: %w", id, err))
			continue
		}
		if deleted {
			count++
		}
	}
	return count, errors.Join(errs...)
}

// Ping checks backend connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.driver.Ping(ctx); err != nil {
		return fmt.Errorf("pinging %s: %w", s.driver.Name(), err)
	}
	return nil
}

// Close releases the driver.
func (s *Store) Close() error {
	if err := s.driver.Close(); err != nil {
		return fmt.Errorf("closing %s driver: %w", s.driver.Name(), err)
	}
	return nil
}

func isReservedKey(key string) bool {
	return key == ProtocolVersionKey || key == OwnerKey
}

// generateSessionID creates a cryptographically random session ID.
func generateSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
