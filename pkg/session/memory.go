package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// memoryRecord is one session held by the MemoryDriver. Its mutex serialises
// operations on that session only.
type memoryRecord struct {
	mu      sync.Mutex
	deleted bool
	sess    *Session
	events  []Event
	idem    map[string]uint64
}

// MemoryDriver implements Driver using an in-process map. It is volatile and
// single-instance: sessions do not survive a restart and are not shared
// between processes.
type MemoryDriver struct {
	mu       sync.RWMutex
	sessions map[string]*memoryRecord
}

// NewMemoryDriver creates an empty in-memory driver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		sessions: make(map[string]*memoryRecord),
	}
}

// Name returns "memory".
func (*MemoryDriver) Name() string { return "memory" }

// Create persists a new session.
func (d *MemoryDriver) Create(ctx context.Context, sess *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.sessions[sess.ID]; ok {
		return nil
	}
	d.sessions[sess.ID] = &memoryRecord{
		sess: sess.Clone(),
		idem: make(map[string]uint64),
	}
	return nil
}

// lock returns the live record for id with its mutex held, or a domain error.
// The caller must unlock rec.mu when err is nil.
func (d *MemoryDriver) lock(id string, now time.Time) (*memoryRecord, error) {
	d.mu.RLock()
	rec, ok := d.sessions[id]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	rec.mu.Lock()
	if rec.deleted {
		rec.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if rec.sess.Expired(now) {
		rec.mu.Unlock()
		return nil, ErrSessionExpired
	}
	return rec, nil
}

// Read returns a copy of the session and touches it.
func (d *MemoryDriver) Read(ctx context.Context, id string, now time.Time) (*Session, error) {
	rec, err := d.lock(id, now)
	if err != nil {
		return nil, err
	}
	defer rec.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec.sess.LastAccessedAt = now
	return rec.sess.Clone(), nil
}

// Write upserts one state key and touches the session.
func (d *MemoryDriver) Write(ctx context.Context, id, key string, value json.RawMessage, now time.Time) error {
	rec, err := d.lock(id, now)
	if err != nil {
		return err
	}
	defer rec.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.sess.State == nil {
		rec.sess.State = make(map[string]json.RawMessage)
	}
	rec.sess.State[key] = append(json.RawMessage(nil), value...)
	rec.sess.LastAccessedAt = now
	return nil
}

// Append adds an event unless its idempotency key is already retained.
func (d *MemoryDriver) Append(ctx context.Context, id string, ev EventInput, maxEvents int, now time.Time) (AppendResult, error) {
	rec, err := d.lock(id, now)
	if err != nil {
		return AppendResult{}, err
	}
	defer rec.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	rec.sess.LastAccessedAt = now

	if seq, ok := rec.idem[ev.IdempotencyKey]; ok {
		return AppendResult{Sequence: seq, Duplicate: true}, nil
	}

	rec.sess.LastSequence++
	seq := rec.sess.LastSequence
	rec.events = append(rec.events, Event{
		Sequence:       seq,
		IdempotencyKey: ev.IdempotencyKey,
		Payload:        append(json.RawMessage(nil), ev.Payload...),
		Timestamp:      now,
	})
	rec.idem[ev.IdempotencyKey] = seq

	if maxEvents > 0 && len(rec.events) > maxEvents {
		evicted := rec.events[:len(rec.events)-maxEvents]
		for _, e := range evicted {
			delete(rec.idem, e.IdempotencyKey)
		}
		rec.events = append([]Event(nil), rec.events[len(evicted):]...)
	}
	return AppendResult{Sequence: seq}, nil
}

// Events returns retained events after since.
func (d *MemoryDriver) Events(ctx context.Context, id string, since uint64, now time.Time) ([]Event, error) {
	rec, err := d.lock(id, now)
	if err != nil {
		return nil, err
	}
	defer rec.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec.sess.LastAccessedAt = now

	result := make([]Event, 0, len(rec.events))
	for _, e := range rec.events {
		if e.Sequence > since {
			result = append(result, e)
		}
	}
	return result, nil
}

// ScanExpired returns ids of sessions expired at cutoff.
func (d *MemoryDriver) ScanExpired(ctx context.Context, cutoff time.Time) ([]string, error) {
	d.mu.RLock()
	records := make(map[string]*memoryRecord, len(d.sessions))
	for id, rec := range d.sessions {
		records[id] = rec
	}
	d.mu.RUnlock()

	var ids []string
	for id, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec.mu.Lock()
		if !rec.deleted && rec.sess.Expired(cutoff) {
			ids = append(ids, id)
		}
		rec.mu.Unlock()
	}
	return ids, nil
}

// DeleteExpired removes the session if it is still expired at cutoff.
func (d *MemoryDriver) DeleteExpired(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return d.remove(id, func(rec *memoryRecord) bool {
		return rec.sess.Expired(cutoff)
	}), nil
}

// Delete removes a session.
func (d *MemoryDriver) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.remove(id, func(*memoryRecord) bool { return true })
	return nil
}

// remove deletes id when cond holds. The record lock is taken under the map
// lock so an operation that already holds the record finishes first.
func (d *MemoryDriver) remove(id string, cond func(*memoryRecord) bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.sessions[id]
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !cond(rec) {
		return false
	}
	rec.deleted = true
	delete(d.sessions, id)
	return true
}

// Ping always succeeds.
func (*MemoryDriver) Ping(context.Context) error { return nil }

// Close drops all sessions.
func (d *MemoryDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sessions = make(map[string]*memoryRecord)
	return nil
}

// Verify interface compliance.
var _ Driver = (*MemoryDriver)(nil)
