package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

const (
	defaultRetryAttempts        = 3
	defaultRetryInitialInterval = 100 * time.Millisecond
	defaultRetryMaxInterval     = 2 * time.Second
)

// RetryConfig bounds the retries of transient backend failures.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
}

// RetryingDriver wraps a Driver and retries transient failures with
// exponential backoff. Domain errors are returned immediately. When retries
// are exhausted the error matches both ErrStorageUnavailable and the cause.
type RetryingDriver struct {
	delegate     Driver
	buildBackoff func() backoff.BackOff
}

// NewRetryingDriver decorates delegate with the retry policy in cfg.
func NewRetryingDriver(delegate Driver, cfg RetryConfig) *RetryingDriver {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	initial := cfg.InitialInterval
	if initial <= 0 {
		initial = defaultRetryInitialInterval
	}
	return &RetryingDriver{
		delegate: delegate,
		buildBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = defaultRetryMaxInterval
			b.MaxElapsedTime = 0
			return backoff.WithMaxRetries(b, uint64(attempts-1)) // #nosec G115 -- attempts > 0
		},
	}
}

// newRetryingDriverWithBackoff is used by tests to avoid real sleeps.
func newRetryingDriverWithBackoff(delegate Driver, factory func() backoff.BackOff) *RetryingDriver {
	return &RetryingDriver{delegate: delegate, buildBackoff: factory}
}

// Unwrap returns the decorated driver.
func (r *RetryingDriver) Unwrap() Driver { return r.delegate }

// Name returns the delegate's name.
func (r *RetryingDriver) Name() string { return r.delegate.Name() }

// Create retries the delegate's Create.
func (r *RetryingDriver) Create(ctx context.Context, s *Session) error {
	return r.retry(ctx, "create", func() error { return r.delegate.Create(ctx, s) })
}

// Read retries the delegate's Read.
func (r *RetryingDriver) Read(ctx context.Context, id string, now time.Time) (*Session, error) {
	var sess *Session
	err := r.retry(ctx, "read", func() error {
		var err error
		sess, err = r.delegate.Read(ctx, id, now)
		return err
	})
	return sess, err
}

// Write retries the delegate's Write.
func (r *RetryingDriver) Write(ctx context.Context, id, key string, value json.RawMessage, now time.Time) error {
	return r.retry(ctx, "write", func() error { return r.delegate.Write(ctx, id, key, value, now) })
}

// Append retries the delegate's Append. Retrying is safe because the
// idempotency key makes a replayed append return the original sequence.
func (r *RetryingDriver) Append(ctx context.Context, id string, ev EventInput, maxEvents int, now time.Time) (AppendResult, error) {
	var res AppendResult
	err := r.retry(ctx, "append", func() error {
		var err error
		res, err = r.delegate.Append(ctx, id, ev, maxEvents, now)
		return err
	})
	return res, err
}

// Events retries the delegate's Events.
func (r *RetryingDriver) Events(ctx context.Context, id string, since uint64, now time.Time) ([]Event, error) {
	var events []Event
	err := r.retry(ctx, "events", func() error {
		var err error
		events, err = r.delegate.Events(ctx, id, since, now)
		return err
	})
	return events, err
}

// ScanExpired retries the delegate's ScanExpired.
func (r *RetryingDriver) ScanExpired(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := r.retry(ctx, "scan_expired", func() error {
		var err error
		ids, err = r.delegate.ScanExpired(ctx, cutoff)
		return err
	})
	return ids, err
}

// DeleteExpired retries the delegate's DeleteExpired.
func (r *RetryingDriver) DeleteExpired(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	var deleted bool
	err := r.retry(ctx, "delete_expired", func() error {
		var err error
		deleted, err = r.delegate.DeleteExpired(ctx, id, cutoff)
		return err
	})
	return deleted, err
}

// Delete retries the delegate's Delete.
func (r *RetryingDriver) Delete(ctx context.Context, id string) error {
	return r.retry(ctx, "delete", func() error { return r.delegate.Delete(ctx, id) })
}

// Ping does not retry; readiness wants the current answer.
func (r *RetryingDriver) Ping(ctx context.Context) error {
	if err := r.delegate.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// Close closes the delegate.
func (r *RetryingDriver) Close() error { return r.delegate.Close() }

func (r *RetryingDriver) retry(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if isDomainError(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		slog.Debug("session: transient backend error",
			slogKeyBackend, r.delegate.Name(), "op", op, "attempt", attempt, slogKeyError, err)
		return err
	}, backoff.WithContext(r.buildBackoff(), ctx))

	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s %s after %d attempts: %w", ErrStorageUnavailable, r.delegate.Name(), op, attempt, err)
}

// Verify interface compliance.
var _ Driver = (*RetryingDriver)(nil)
