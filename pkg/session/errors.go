package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when no session exists for an id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when the session's TTL has lapsed,
	// whether or not the sweep has removed it yet.
	ErrSessionExpired = errors.New("session expired")

	// ErrStorageUnavailable is returned when the backend could not be
	// reached after retries. Callers may retry.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrSchemaMissing is returned when required tables are absent and
	// auto-creation is disabled.
	ErrSchemaMissing = errors.New("schema missing")

	// ErrDuplicateEvent marks an idempotency key collision. AppendEvent never
	// returns it; it reports the condition through AppendResult.Duplicate.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrKeyNotFound is returned by GetState for an absent key.
	ErrKeyNotFound = errors.New("state key not found")

	// ErrReadOnlyKey is returned when writing a reserved key.
	ErrReadOnlyKey = errors.New("state key is read-only")

	// ErrInvalidKey is returned for empty state keys or idempotency keys.
	ErrInvalidKey = errors.New("invalid key")

	// ErrManagerClosed is returned by a Manager after Stop.
	ErrManagerClosed = errors.New("session manager closed")

	// ErrManagerStarted is returned by Start on a running Manager.
	ErrManagerStarted = errors.New("session manager already started")

	// ErrOwnershipMismatch is returned when a caller acts on a session
	// owned by a different token.
	ErrOwnershipMismatch = errors.New("session ownership mismatch")
)

// SchemaMissingError names the storage structure that does not exist.
type SchemaMissingError struct {
	Backend   string
	Structure string
}

func (e *SchemaMissingError) Error() string {
	return fmt.Sprintf("%s: %s %q does not exist; enable auto_create_schema or run migrations",
		ErrSchemaMissing, e.Backend, e.Structure)
}

// Is reports ErrSchemaMissing as the sentinel.
func (*SchemaMissingError) Is(target error) bool {
	return target == ErrSchemaMissing
}

// isDomainError reports whether err is a condition that retrying cannot fix.
func isDomainError(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrSchemaMissing) ||
		errors.Is(err, ErrInvalidKey)
}
