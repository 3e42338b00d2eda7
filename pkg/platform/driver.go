package platform

import (
	"context"
	"fmt"

	"github.com/txn2/mcp-sessions/pkg/session"
	"github.com/txn2/mcp-sessions/pkg/session/dynamodb"
	"github.com/txn2/mcp-sessions/pkg/session/postgres"
	"github.com/txn2/mcp-sessions/pkg/session/sqlite"
)

// SchemaEnsurer is implemented by drivers backed by persistent structures.
type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context, autoCreate bool) error
}

// OpenDriver opens the backend named by cfg.Backend. The returned driver is
// not wrapped for retries and its schema has not been checked.
func OpenDriver(ctx context.Context, cfg StorageConfig) (session.Driver, error) {
	switch cfg.Backend {
	case BackendMemory:
		return session.NewMemoryDriver(), nil
	case BackendEmbeddedFile:
		d, err := sqlite.Open(sqlite.Config{Path: cfg.ConnectionTarget, BusyTimeout: cfg.BusyTimeout})
		if err != nil {
			return nil, fmt.Errorf("opening %s backend: %w", cfg.Backend, err)
		}
		return d, nil
	case BackendRelational:
		d, err := postgres.Open(postgres.Config{DSN: cfg.ConnectionTarget, MaxOpenConns: cfg.MaxOpenConns})
		if err != nil {
			return nil, fmt.Errorf("opening %s backend: %w", cfg.Backend, err)
		}
		return d, nil
	case BackendManagedKV:
		d, err := dynamodb.Open(ctx, dynamodb.Config{
			Table:           cfg.ConnectionTarget,
			Region:          cfg.DynamoDB.Region,
			Endpoint:        cfg.DynamoDB.Endpoint,
			AccessKeyID:     cfg.DynamoDB.AccessKeyID,
			SecretAccessKey: cfg.DynamoDB.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("opening %s backend: %w", cfg.Backend, err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// PrepareSchema verifies or creates the driver's schema. Drivers without
// persistent structures are left alone.
func PrepareSchema(ctx context.Context, d session.Driver, autoCreate bool) error {
	if r, ok := d.(*session.RetryingDriver); ok {
		d = r.Unwrap()
	}
	se, ok := d.(SchemaEnsurer)
	if !ok {
		return nil
	}
	if err := se.EnsureSchema(ctx, autoCreate); err != nil {
		return fmt.Errorf("preparing %s schema: %w", d.Name(), err)
	}
	return nil
}
