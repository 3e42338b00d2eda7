// Package session provides backend-agnostic MCP session storage.
// It defines the Session and Event types, the Driver interface every
// storage backend implements, the Store that layers validation, encoding
// and retry policy on top of a Driver, and the Manager that issues session
// identifiers and sweeps expired sessions in the background.
package session

import (
	"context"
	"encoding/json"
	"time"
)

// Reserved state keys. They are written once at creation and are read-only
// for the lifetime of the session.
const (
	// ProtocolVersionKey holds the protocol version negotiated at handshake.
	ProtocolVersionKey = "mcp.protocol_version"

	// OwnerKey holds the SHA-256 hash of the bearer token that opened the session.
	OwnerKey = "mcp.owner"
)

// Session is a snapshot of one stored session.
type Session struct {
	// ID is the opaque, unguessable session identifier.
	ID string

	// CreatedAt is when the session was established.
	CreatedAt time.Time

	// LastAccessedAt is updated on every read or write.
	LastAccessedAt time.Time

	// TTL is the sliding expiry window measured from LastAccessedAt.
	TTL time.Duration

	// LastSequence is the highest event sequence number ever assigned.
	LastSequence uint64

	// State holds the session's key-value state as raw JSON values.
	State map[string]json.RawMessage
}

// ExpiresAt returns the instant after which the session is expired.
func (s *Session) ExpiresAt() time.Time {
	return s.LastAccessedAt.Add(s.TTL)
}

// Expired reports whether the session has lapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt())
}

// ProtocolVersion returns the negotiated protocol version, or empty if the
// session was opened without a handshake.
func (s *Session) ProtocolVersion() string {
	return s.stringValue(ProtocolVersionKey)
}

// Owner returns the owner hash, or empty for anonymous sessions.
func (s *Session) Owner() string {
	return s.stringValue(OwnerKey)
}

// OwnedBy reports whether the caller identified by tokenHash may use the
// session. Anonymous sessions are open to every caller.
func (s *Session) OwnedBy(tokenHash string) bool {
	owner := s.Owner()
	return owner == "" || owner == tokenHash
}

func (s *Session) stringValue(key string) string {
	raw, ok := s.State[key]
	if !ok {
		return ""
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return v
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	c.State = make(map[string]json.RawMessage, len(s.State))
	for k, v := range s.State {
		c.State[k] = append(json.RawMessage(nil), v...)
	}
	return &c
}

// Event is one entry of a session's append-only event log.
type Event struct {
	// Sequence is monotonic per session and never reused.
	Sequence uint64 `json:"sequence"`

	// IdempotencyKey is the caller-supplied dedup token.
	IdempotencyKey string `json:"idempotency_key"`

	// Payload is the event body.
	Payload json.RawMessage `json:"payload"`

	// Timestamp is when the event was appended.
	Timestamp time.Time `json:"timestamp"`
}

// EventInput is an event about to be appended.
type EventInput struct {
	IdempotencyKey string
	Payload        json.RawMessage
}

// AppendResult reports the outcome of an append.
type AppendResult struct {
	// Sequence is the sequence number assigned to the event.
	Sequence uint64

	// Duplicate is true when the idempotency key was already present and the
	// previously assigned sequence was returned instead of appending.
	Duplicate bool
}

// Driver executes storage operations against one physical medium.
//
// Every method that reads or mutates a session must check expiry inside the
// same atomic unit as the mutation and return ErrSessionNotFound or
// ErrSessionExpired for those conditions. Transport failures are returned as
// they are; the RetryingDriver decides whether to retry them.
type Driver interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Create inserts a new session. Creating an id that already exists is a
	// no-op so that retried creates are safe.
	Create(ctx context.Context, s *Session) error

	// Read returns the session and touches LastAccessedAt.
	Read(ctx context.Context, id string, now time.Time) (*Session, error)

	// Write upserts one state key and touches LastAccessedAt.
	Write(ctx context.Context, id, key string, value json.RawMessage, now time.Time) error

	// Append assigns the next sequence number to ev unless ev.IdempotencyKey
	// is already retained, evicting the oldest events beyond maxEvents.
	Append(ctx context.Context, id string, ev EventInput, maxEvents int, now time.Time) (AppendResult, error)

	// Events returns events with Sequence > since in ascending order and
	// touches LastAccessedAt.
	Events(ctx context.Context, id string, since uint64, now time.Time) ([]Event, error)

	// ScanExpired returns ids of sessions whose expiry is at or before cutoff.
	ScanExpired(ctx context.Context, cutoff time.Time) ([]string, error)

	// DeleteExpired removes the session only if it is still expired at
	// cutoff, reporting whether it was removed.
	DeleteExpired(ctx context.Context, id string, cutoff time.Time) (bool, error)

	// Delete removes the session and its events. Missing ids are not an error.
	Delete(ctx context.Context, id string) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend handle.
	Close() error
}
