package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/txn2/mcp-sessions/pkg/health"
	"github.com/txn2/mcp-sessions/pkg/metrics"
	"github.com/txn2/mcp-sessions/pkg/protocol"
	"github.com/txn2/mcp-sessions/pkg/session"
)

// Platform is the assembled session service: one backend behind a retrying
// driver, the store, the manager and its sweep loop, the MCP server exposing
// the session tools, metrics and health.
type Platform struct {
	config *Config

	mcpServer  *mcp.Server
	toolNames  []string
	lifecycle  *Lifecycle
	store      *session.Store
	negotiator *protocol.Negotiator
	manager    *session.Manager
	metrics    *metrics.Metrics
	health     *health.Checker
}

// New creates a new platform instance. It opens the configured backend and
// prepares its schema; nothing runs in the background until Start.
func New(ctx context.Context, opts ...Option) (*Platform, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Config == nil {
		return nil, errors.New("config is required")
	}
	cfg := options.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	negotiator, err := protocol.NewNegotiator(cfg.Protocol.SupportedVersions)
	if err != nil {
		return nil, fmt.Errorf("creating negotiator: %w", err)
	}

	driver := options.Driver
	if driver == nil {
		if driver, err = OpenDriver(ctx, cfg.Storage); err != nil {
			return nil, err
		}
	}
	if err := PrepareSchema(ctx, driver, cfg.Storage.AutoCreate()); err != nil {
		_ = driver.Close()
		return nil, err
	}

	if _, ok := driver.(*session.RetryingDriver); !ok {
		driver = session.NewRetryingDriver(driver, session.RetryConfig{
			MaxAttempts:     cfg.Storage.Retry.MaxAttempts,
			InitialInterval: cfg.Storage.Retry.InitialInterval,
		})
	}

	reg := options.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Platform{
		config:     cfg,
		lifecycle:  NewLifecycle(),
		negotiator: negotiator,
		metrics:    metrics.New(reg),
	}
	p.store = session.NewStore(driver, session.StoreConfig{
		TTL:       cfg.Storage.TTL(),
		MaxEvents: cfg.Storage.MaxEventsPerSession,
		Now:       options.Now,
	})
	p.manager = session.NewManager(p.store, negotiator, session.ManagerConfig{
		SweepInterval: cfg.Storage.SweepInterval(),
		Metrics:       p.metrics,
	})
	p.health = health.NewChecker(p.store.Ping)
	p.finalizeSetup()

	p.lifecycle.RegisterCloser("store", p.store)
	p.lifecycle.RegisterComponent("manager", p.manager)
	p.lifecycle.Append("health",
		func(context.Context) error {
			p.health.SetReady()
			return nil
		},
		func(context.Context) error {
			p.health.SetDraining()
			return nil
		})

	slog.Info("session platform initialized",
		"backend", p.store.Backend(),
		"ttl", cfg.Storage.TTL(),
		"sweep_interval", cfg.Storage.SweepInterval(),
		"max_events", cfg.Storage.MaxEventsPerSession)

	return p, nil
}

// finalizeSetup creates the MCP server and registers the tools.
func (p *Platform) finalizeSetup() {
	version := p.config.Server.Version
	if version == "" {
		version = "dev"
	}
	p.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    p.config.Server.Name,
		Version: version,
	}, &mcp.ServerOptions{
		Instructions: p.config.Server.Instructions,
	})
	p.registerInfoTool()
	p.registerSessionTools()
	p.validateInstructions()
}

// Start starts the sweep loop and marks the service ready.
func (p *Platform) Start(ctx context.Context) error {
	return p.lifecycle.Start(ctx)
}

// Stop marks the service as draining, stops the sweep loop and closes the
// backend.
func (p *Platform) Stop(ctx context.Context) error {
	return p.lifecycle.Stop(ctx)
}

// Close releases the backend when the platform was never started.
func (p *Platform) Close() error {
	if p.lifecycle.IsStarted() {
		return p.Stop(context.Background())
	}
	return p.store.Close()
}

// MCPServer returns the MCP server.
func (p *Platform) MCPServer() *mcp.Server { return p.mcpServer }

// Config returns the configuration.
func (p *Platform) Config() *Config { return p.config }

// Store returns the session store.
func (p *Platform) Store() *session.Store { return p.store }

// Manager returns the session manager.
func (p *Platform) Manager() *session.Manager { return p.manager }

// Negotiator returns the protocol negotiator.
func (p *Platform) Negotiator() *protocol.Negotiator { return p.negotiator }

// Metrics returns the metrics collectors.
func (p *Platform) Metrics() *metrics.Metrics { return p.metrics }

// Health returns the readiness checker.
func (p *Platform) Health() *health.Checker { return p.health }
