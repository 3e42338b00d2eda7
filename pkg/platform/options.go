package platform

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/txn2/mcp-sessions/pkg/session"
)

// Options configures the platform.
type Options struct {
	// Config is the service configuration.
	Config *Config

	// Driver (optional, will be opened from config if not provided).
	Driver session.Driver

	// Registerer receives the metrics collectors. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	// Now overrides the store clock.
	Now func() time.Time
}

// Option is a functional option for configuring the platform.
type Option func(*Options)

// WithConfig sets the configuration.
func WithConfig(cfg *Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithDriver sets the session driver instead of opening one from config.
func WithDriver(d session.Driver) Option {
	return func(o *Options) {
		o.Driver = d
	}
}

// WithRegisterer sets the Prometheus registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Options) {
		o.Registerer = reg
	}
}

// WithClock sets the store clock.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}
