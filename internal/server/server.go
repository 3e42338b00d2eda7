// Package server provides factories for the session platform, its MCP
// server and the HTTP handler that exposes them.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/txn2/mcp-sessions/pkg/platform"
	"github.com/txn2/mcp-sessions/pkg/session"
)

// Version is set at build time.
var Version = "dev"

// HTTP paths served by NewHandler.
const (
	MCPPath       = "/mcp"
	LivenessPath  = "/healthz"
	ReadinessPath = "/readyz"
	MetricsPath   = "/metrics"
)

// New creates the platform for cfg and returns its MCP server.
func New(ctx context.Context, cfg *platform.Config, opts ...platform.Option) (*mcp.Server, *platform.Platform, error) {
	if cfg.Server.Version == "" {
		cfg.Server.Version = Version
	}

	p, err := platform.New(ctx, append([]platform.Option{platform.WithConfig(cfg)}, opts...)...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating platform: %w", err)
	}
	return p.MCPServer(), p, nil
}

// NewWithConfig creates the platform from a configuration file.
func NewWithConfig(ctx context.Context, configPath string, opts ...platform.Option) (*mcp.Server, *platform.Platform, error) {
	cfg, err := platform.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	return New(ctx, cfg, opts...)
}

// NewWithDefaults creates the platform with the in-memory backend and
// default settings.
func NewWithDefaults(ctx context.Context, opts ...platform.Option) (*mcp.Server, *platform.Platform, error) {
	return New(ctx, platform.DefaultConfig(), opts...)
}

// NewHandler returns the HTTP surface of p. The MCP SDK runs stateless and
// the session.AwareHandler keeps session state in the platform's backend, so
// any instance sharing the backend can serve any session. gatherer backs
// /metrics; nil uses prometheus.DefaultGatherer.
func NewHandler(p *platform.Platform, gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	cfg := p.Config()

	streamable := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return p.MCPServer()
	}, &mcp.StreamableHTTPOptions{Stateless: true})

	mux := http.NewServeMux()
	mux.Handle(MCPPath, session.NewAwareHandler(streamable, session.HandlerConfig{
		Manager:                p.Manager(),
		TTL:                    cfg.Storage.TTL(),
		DefaultProtocolVersion: cfg.Protocol.DefaultVersion,
	}))
	mux.Handle(session.ReplayPattern, session.NewReplayHandler(p.Manager()))
	mux.Handle("GET "+LivenessPath, p.Health().LivenessHandler())
	mux.Handle("GET "+ReadinessPath, p.Health().ReadinessHandler())
	mux.Handle("GET "+MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}
