package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig contains all configuration parameters for the HTTP server.
type HTTPServerConfig struct {
	// ListenAddr is the address and port the HTTP server will listen on.
	ListenAddr string

	// MetricsAddr is the address and port for the metrics server.
	// If empty, metrics server will not be started.
	MetricsAddr string

	// EnablePprof enables the pprof debugging API when true.
	EnablePprof bool

	// Log is the structured logger for server operations.
	Log *slog.Logger

	// DrainDuration is the time to wait after marking server not ready
	// before shutting down, allowing load balancers to detect the change.
	DrainDuration time.Duration

	// GracefulShutdownDuration is the maximum time to wait for in-flight
	// requests to complete during shutdown.
	GracefulShutdownDuration time.Duration

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of
	// the response. It must exceed the longest long-poll wait.
	WriteTimeout time.Duration
}

// ProvisioningConfig tunes the caller-facing provisioning API.
type ProvisioningConfig struct {
	// SessionTimeout cancels sessions that have not resolved in time.
	// Zero disables the supervisor.
	SessionTimeout time.Duration

	// MaxWait caps the wait a long-poll request may ask for.
	MaxWait time.Duration

	// DefaultWait is used when a long-poll request does not name a wait.
	DefaultWait time.Duration
}
