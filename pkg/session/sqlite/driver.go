// Package sqlite provides the embedded-file session backend on SQLite.
//
// The database is a single local file. Writes are serialised through one
// connection and every operation runs in an IMMEDIATE transaction, so the
// read-modify-write of state and the event append are atomic per session.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"modernc.org/sqlite"

	"github.com/txn2/mcp-sessions/pkg/database/migrate"
	"github.com/txn2/mcp-sessions/pkg/session"
)

// Name is the backend name reported in logs and metrics.
const Name = "embedded-file"

const (
	defaultBusyTimeout = 5 * time.Second
	noSuchTablePrefix  = "no such table: "
)

// Tables in creation order.
var tables = []string{"sessions", "session_events"}

var lsq = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// Config configures the SQLite driver.
type Config struct {
	// Path is the database file. It is created if missing.
	Path string

	// BusyTimeout bounds how long a writer waits for a lock held by another process.
	BusyTimeout time.Duration
}

// Driver implements session.Driver on SQLite.
type Driver struct {
	db *sql.DB
}

// Open opens the database file described by cfg.
func Open(cfg Config) (*Driver, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite: database path is required")
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, busy.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	return New(db), nil
}

// New wraps an open database. The driver takes ownership of db.
func New(db *sql.DB) *Driver {
	db.SetMaxOpenConns(1)
	return &Driver{db: db}
}

// DB returns the underlying handle.
func (d *Driver) DB() *sql.DB { return d.db }

// Name returns the backend name.
func (*Driver) Name() string { return Name }

// EnsureSchema runs the embedded migrations when autoCreate is set and
// otherwise verifies that every table exists.
func (d *Driver) EnsureSchema(ctx context.Context, autoCreate bool) error {
	if autoCreate {
		if err := migrate.Run(d.db, migrate.SQLite); err != nil {
			return fmt.Errorf("creating sqlite schema: %w", err)
		}
		return nil
	}
	for _, table := range tables {
		var n int
		err := d.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
		if err != nil {
			return fmt.Errorf("checking table %s: %w", table, err)
		}
		if n == 0 {
			return &session.SchemaMissingError{Backend: Name, Structure: table}
		}
	}
	return nil
}

// Create inserts a session; an existing id is left untouched.
func (d *Driver) Create(ctx context.Context, s *session.Session) error {
	state, err := encodeState(s.State)
	if err != nil {
		return err
	}
	ttl := int64(s.TTL / time.Second)
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, last_accessed_at, ttl_seconds, expires_at, last_sequence, state)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (id) DO NOTHING
	`, s.ID, s.CreatedAt.UnixMilli(), s.LastAccessedAt.UnixMilli(), ttl, s.ExpiresAt().UnixMilli(), state)
	if err != nil {
		return mapError(fmt.Errorf("inserting session: %w", err))
	}
	return nil
}

// Read returns the session and touches it.
func (d *Driver) Read(ctx context.Context, id string, now time.Time) (*session.Session, error) {
	var sess *session.Session
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		sess, err = loadLive(ctx, tx, id, now)
		if err != nil {
			return err
		}
		return touch(ctx, tx, sess, now)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Write upserts one state key and touches the session.
func (d *Driver) Write(ctx context.Context, id, key string, value json.RawMessage, now time.Time) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		sess, err := loadLive(ctx, tx, id, now)
		if err != nil {
			return err
		}
		sess.State[key] = value
		state, err := encodeState(sess.State)
		if err != nil {
			return err
		}
		sess.LastAccessedAt = now
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET state = ?, last_accessed_at = ?, expires_at = ? WHERE id = ?`,
			state, now.UnixMilli(), sess.ExpiresAt().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("updating session state: %w", err)
		}
		return nil
	})
}

// Append adds an event unless its idempotency key is retained.
func (d *Driver) Append(ctx context.Context, id string, ev session.EventInput, maxEvents int, now time.Time) (session.AppendResult, error) {
	var res session.AppendResult
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		sess, err := loadLive(ctx, tx, id, now)
		if err != nil {
			return err
		}

		var existing int64
		err = tx.QueryRowContext(ctx,
			`SELECT sequence FROM session_events WHERE session_id = ? AND idempotency_key = ?`,
			id, ev.IdempotencyKey).Scan(&existing)
		switch {
		case err == nil:
			res = session.AppendResult{Sequence: uint64(existing), Duplicate: true} // #nosec G115 -- sequences are positive
			return touch(ctx, tx, sess, now)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("checking idempotency key: %w", err)
		}

		seq := sess.LastSequence + 1
		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_events (session_id, sequence, idempotency_key, payload, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, id, int64(seq), ev.IdempotencyKey, string(ev.Payload), now.UnixMilli()) // #nosec G115
		if err != nil {
			return fmt.Errorf("inserting event: %w", err)
		}

		sess.LastAccessedAt = now
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET last_sequence = ?, last_accessed_at = ?, expires_at = ? WHERE id = ?`,
			int64(seq), now.UnixMilli(), sess.ExpiresAt().UnixMilli(), id) // #nosec G115
		if err != nil {
			return fmt.Errorf("advancing sequence: %w", err)
		}

		if maxEvents > 0 && seq > uint64(maxEvents) {
			query, args, err := lsq.Delete("session_events").
				Where(sq.Eq{"session_id": id}).
				Where(sq.LtOrEq{"sequence": int64(seq) - int64(maxEvents)}). // #nosec G115
				ToSql()
			if err != nil {
				return fmt.Errorf("building eviction query: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("evicting events: %w", err)
			}
		}

		res = session.AppendResult{Sequence: seq}
		return nil
	})
	if err != nil {
		return session.AppendResult{}, err
	}
	return res, nil
}

// Events returns retained events after since and touches the session.
func (d *Driver) Events(ctx context.Context, id string, since uint64, now time.Time) ([]session.Event, error) {
	var events []session.Event
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		sess, err := loadLive(ctx, tx, id, now)
		if err != nil {
			return err
		}
		if err := touch(ctx, tx, sess, now); err != nil {
			return err
		}

		query, args, err := lsq.Select("sequence", "idempotency_key", "payload", "created_at").
			From("session_events").
			Where(sq.Eq{"session_id": id}).
			Where(sq.Gt{"sequence": int64(since)}). // #nosec G115 -- sequences fit in int64
			OrderBy("sequence ASC").
			ToSql()
		if err != nil {
			return fmt.Errorf("building events query: %w", err)
		}

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("querying events: %w", err)
		}
		defer func() { _ = rows.Close() }()

		events = make([]session.Event, 0)
		for rows.Next() {
			var (
				ev      session.Event
				seq     int64
				payload string
				created int64
			)
			if err := rows.Scan(&seq, &ev.IdempotencyKey, &payload, &created); err != nil {
				return fmt.Errorf("scanning event: %w", err)
			}
			ev.Sequence = uint64(seq) // #nosec G115
			ev.Payload = json.RawMessage(payload)
			ev.Timestamp = time.UnixMilli(created).UTC()
			events = append(events, ev)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating event rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ScanExpired returns ids whose expiry is at or before cutoff.
func (d *Driver) ScanExpired(ctx context.Context, cutoff time.Time) ([]string, error) {
	query, args, err := lsq.Select("id").
		From("sessions").
		Where(sq.LtOrEq{"expires_at": cutoff.UnixMilli()}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building expiry scan: %w", err)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("scanning expired sessions: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expired rows: %w", err)
	}
	return ids, nil
}

// DeleteExpired removes the session if it is still expired at cutoff.
func (d *Driver) DeleteExpired(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	var deleted bool
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE id = ? AND expires_at <= ?`, id, cutoff.UnixMilli())
		if err != nil {
			return fmt.Errorf("deleting expired session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("counting deleted rows: %w", err)
		}
		if n == 0 {
			return nil
		}
		deleted = true
		return deleteEvents(ctx, tx, id)
	})
	return deleted, err
}

// Delete removes the session and its events.
func (d *Driver) Delete(ctx context.Context, id string) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting session: %w", err)
		}
		return deleteEvents(ctx, tx, id)
	})
}

// Ping checks the database handle.
func (d *Driver) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging sqlite: %w", err)
	}
	return nil
}

// Close closes the database.
func (d *Driver) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("closing sqlite: %w", err)
	}
	return nil
}

// inTx runs fn in a transaction, committing on success. A canceled context
// rolls the transaction back.
func (d *Driver) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("beginning transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

// loadLive reads id inside tx, returning a domain error when it is missing
// or expired at now.
func loadLive(ctx context.Context, tx *sql.Tx, id string, now time.Time) (*session.Session, error) {
	var (
		created, accessed, expires int64
		ttl, lastSeq               int64
		state                      string
	)
	err := tx.QueryRowContext(ctx, `
		SELECT created_at, last_accessed_at, ttl_seconds, expires_at, last_sequence, state
		FROM sessions
		WHERE id = ?
	`, id).Scan(&created, &accessed, &ttl, &expires, &lastSeq, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	if expires <= now.UnixMilli() {
		return nil, session.ErrSessionExpired
	}

	sess := &session.Session{
		ID:             id,
		CreatedAt:      time.UnixMilli(created).UTC(),
		LastAccessedAt: time.UnixMilli(accessed).UTC(),
		TTL:            time.Duration(ttl) * time.Second,
		LastSequence:   uint64(lastSeq), // #nosec G115 -- never negative
		State:          make(map[string]json.RawMessage),
	}
	if state != "" {
		if err := json.Unmarshal([]byte(state), &sess.State); err != nil {
			return nil, fmt.Errorf("decoding session state: %w", err)
		}
	}
	return sess, nil
}

// touch slides the session's expiry forward from now.
func touch(ctx context.Context, tx *sql.Tx, sess *session.Session, now time.Time) error {
	sess.LastAccessedAt = now
	_, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_accessed_at = ?, expires_at = ? WHERE id = ?`,
		now.UnixMilli(), sess.ExpiresAt().UnixMilli(), sess.ID)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

func deleteEvents(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_events WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("deleting session events: %w", err)
	}
	return nil
}

func encodeState(state map[string]json.RawMessage) (string, error) {
	if state == nil {
		return "{}", nil
	}
	b, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encoding session state: %w", err)
	}
	return string(b), nil
}

// mapError converts a missing table into a SchemaMissingError.
func mapError(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	msg := se.Error()
	i := strings.Index(msg, noSuchTablePrefix)
	if i < 0 {
		return err
	}
	table := strings.Fields(msg[i+len(noSuchTablePrefix):])
	structure := "sessions"
	if len(table) > 0 {
		structure = table[0]
	}
	return &session.SchemaMissingError{Backend: Name, Structure: structure}
}

// Verify interface compliance.
var _ session.Driver = (*Driver)(nil)
