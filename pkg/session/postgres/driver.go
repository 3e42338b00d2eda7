// Package postgres provides the relational session backend on PostgreSQL.
//
// Expiry is evaluated against the database clock (NOW()) so every instance
// sharing the database agrees on when a session lapses. Appends lock the
// session row with SELECT ... FOR UPDATE, which serialises sequence
// assignment for one session across all instances.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/txn2/mcp-sessions/pkg/database/migrate"
	"github.com/txn2/mcp-sessions/pkg/session"
)

// Name is the backend name reported in logs and metrics.
const Name = "relational"

// undefinedTable is the SQLSTATE for a missing relation.
const undefinedTable pq.ErrorCode = "42P01"

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Tables in creation order.
var tables = []string{"sessions", "session_events"}

// slide is the SET clause shared by every touching statement.
const slide = `last_accessed_at = NOW(), expires_at = NOW() + ttl_seconds * INTERVAL '1 second'`

// Config configures the PostgreSQL driver.
type Config struct {
	// DSN is a lib/pq connection string or URL.
	DSN string

	// MaxOpenConns bounds the pool. Zero leaves database/sql's default.
	MaxOpenConns int
}

// Driver implements session.Driver on PostgreSQL.
type Driver struct {
	db *sql.DB
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects to the database described by cfg.
func Open(cfg Config) (*Driver, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres: connection target is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	return New(db), nil
}

// New wraps an open database. The driver takes ownership of db.
func New(db *sql.DB) *Driver {
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
		if err := migrate.Run(d.db, migrate.Postgres); err != nil {
			return fmt.Errorf("creating postgres schema: %w", err)
		}
		return nil
	}
	for _, table := range tables {
		var exists bool
		if err := d.db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists); err != nil {
			return fmt.Errorf("checking table %s: %w", table, err)
		}
		if !exists {
			return &session.SchemaMissingError{Backend: Name, Structure: table}
		}
	}
	return nil
}

// Create inserts a session. Timestamps come from the database clock; an
// existing id is left untouched so a retried create is harmless.
func (d *Driver) Create(ctx context.Context, s *session.Session) error {
	state, err := json.Marshal(s.State)
	if err != nil {
		return fmt.Errorf("encoding session state: %w", err)
	}
	if s.State == nil {
		state = []byte("{}")
	}

	query := `
		INSERT INTO sessions (id, created_at, last_accessed_at, ttl_seconds, expires_at, last_sequence, state)
		VALUES ($1, NOW(), NOW(), $2, NOW() + $2 * INTERVAL '1 second', 0, $3::jsonb)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = d.db.ExecContext(ctx, query, s.ID, int64(s.TTL/time.Second), string(state))
	if err != nil {
		return mapError(fmt.Errorf("inserting session: %w", err))
	}
	return nil
}

// Read touches the session and returns it in one statement.
func (d *Driver) Read(ctx context.Context, id string, _ time.Time) (*session.Session, error) {
	query := `
		UPDATE sessions
		SET ` + slide + `
		WHERE id = $1 AND expires_at > NOW()
		RETURNING created_at, last_accessed_at, ttl_seconds, last_sequence, state
	`
	var (
		sess    = session.Session{ID: id}
		ttl     int64
		lastSeq int64
		state   []byte
	)
	err := d.db.QueryRowContext(ctx, query, id).Scan(&sess.CreatedAt, &sess.LastAccessedAt, &ttl, &lastSeq, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, classify(ctx, d.db, id)
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("reading session: %w", err))
	}

	sess.TTL = time.Duration(ttl) * time.Second
	sess.LastSequence = uint64(lastSeq) // #nosec G115 -- never negative
	sess.State = make(map[string]json.RawMessage)
	if len(state) > 0 {
		if err := json.Unmarshal(state, &sess.State); err != nil {
			return nil, fmt.Errorf("decoding session state: %w", err)
		}
	}
	return &sess, nil
}

// Write merges one key into the JSONB state and touches the session.
func (d *Driver) Write(ctx context.Context, id, key string, value json.RawMessage, _ time.Time) error {
	query := `
		UPDATE sessions
		SET state = state || jsonb_build_object($2::text, $3::jsonb), ` + slide + `
		WHERE id = $1 AND expires_at > NOW()
	`
	res, err := d.db.ExecContext(ctx, query, id, key, string(value))
	if err != nil {
		return mapError(fmt.Errorf("updating session state: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("counting updated rows: %w", err)
	}
	if n == 0 {
		return classify(ctx, d.db, id)
	}
	return nil
}

// Append assigns the next sequence under a row lock on the session.
func (d *Driver) Append(ctx context.Context, id string, ev session.EventInput, maxEvents int, _ time.Time) (session.AppendResult, error) {
	var res session.AppendResult
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		var last int64
		err := tx.QueryRowContext(ctx,
			`SELECT last_sequence FROM sessions WHERE id = $1 AND expires_at > NOW() FOR UPDATE`, id).Scan(&last)
		if errors.Is(err, sql.ErrNoRows) {
			return classify(ctx, tx, id)
		}
		if err != nil {
			return fmt.Errorf("locking session: %w", err)
		}

		var existing int64
		err = tx.QueryRowContext(ctx,
			`SELECT sequence FROM session_events WHERE session_id = $1 AND idempotency_key = $2`,
			id, ev.IdempotencyKey).Scan(&existing)
		switch {
		case err == nil:
			res = session.AppendResult{Sequence: uint64(existing), Duplicate: true} // #nosec G115
			return touch(ctx, tx, id)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("checking idempotency key: %w", err)
		}

		seq := last + 1
		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_events (session_id, sequence, idempotency_key, payload, created_at)
			VALUES ($1, $2, $3, $4::jsonb, NOW())
		`, id, seq, ev.IdempotencyKey, string(ev.Payload))
		if err != nil {
			return fmt.Errorf("inserting event: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET last_sequence = $2, `+slide+` WHERE id = $1`, id, seq)
		if err != nil {
			return fmt.Errorf("advancing sequence: %w", err)
		}

		if maxEvents > 0 && seq > int64(maxEvents) {
			query, args, err := psq.Delete("session_events").
				Where(sq.Eq{"session_id": id}).
				Where(sq.LtOrEq{"sequence": seq - int64(maxEvents)}).
				ToSql()
			if err != nil {
				return fmt.Errorf("building eviction query: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("evicting events: %w", err)
			}
		}

		res = session.AppendResult{Sequence: uint64(seq)} // #nosec G115
		return nil
	})
	if err != nil {
		return session.AppendResult{}, err
	}
	return res, nil
}

// Events touches the session and returns retained events after since.
func (d *Driver) Events(ctx context.Context, id string, since uint64, _ time.Time) ([]session.Event, error) {
	var events []session.Event
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET `+slide+` WHERE id = $1 AND expires_at > NOW()`, id)
		if err != nil {
			return fmt.Errorf("touching session: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("counting touched rows: %w", err)
		} else if n == 0 {
			return classify(ctx, tx, id)
		}

		query, args, err := psq.Select("sequence", "idempotency_key", "payload", "created_at").
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
				payload []byte
			)
			if err := rows.Scan(&seq, &ev.IdempotencyKey, &payload, &ev.Timestamp); err != nil {
				return fmt.Errorf("scanning event: %w", err)
			}
			ev.Sequence = uint64(seq) // #nosec G115
			ev.Payload = json.RawMessage(payload)
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

// ScanExpired returns ids that have lapsed by the database clock.
func (d *Driver) ScanExpired(ctx context.Context, _ time.Time) ([]string, error) {
	query, args, err := psq.Select("id").
		From("sessions").
		Where("expires_at <= NOW()").
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

// DeleteExpired removes the session if it is still expired. Events go with
// it through the foreign key cascade.
func (d *Driver) DeleteExpired(ctx context.Context, id string, _ time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1 AND expires_at <= NOW()`, id)
	if err != nil {
		return false, mapError(fmt.Errorf("deleting expired session: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("counting deleted rows: %w", err)
	}
	return n > 0, nil
}

// Delete removes the session and, by cascade, its events.
func (d *Driver) Delete(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return mapError(fmt.Errorf("deleting session: %w", err))
	}
	return nil
}

// Ping checks connectivity.
func (d *Driver) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging postgres: %w", err)
	}
	return nil
}

// Close closes the pool.
func (d *Driver) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("closing postgres: %w", err)
	}
	return nil
}

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

func touch(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET `+slide+` WHERE id = $1`, id); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

// classify explains why a conditional statement matched no row.
func classify(ctx context.Context, q querier, id string) error {
	var expired bool
	err := q.QueryRowContext(ctx, `SELECT expires_at <= NOW() FROM sessions WHERE id = $1`, id).Scan(&expired)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return session.ErrSessionNotFound
	case err != nil:
		return mapError(fmt.Errorf("classifying session: %w", err))
	case expired:
		return session.ErrSessionExpired
	default:
		// Matched no row yet is live now: it was deleted and re-created in between.
		return session.ErrSessionNotFound
	}
}

// mapError converts an undefined table into a SchemaMissingError.
func mapError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != undefinedTable {
		return err
	}
	structure := "sessions"
	if parts := strings.Split(pqErr.Message, `"`); len(parts) >= 3 {
		structure = parts[1]
	}
	return &session.SchemaMissingError{Backend: Name, Structure: structure}
}

// Verify interface compliance.
var _ session.Driver = (*Driver)(nil)
