package opshttp

import (
	"net/http"

	"github.com/keithlinneman/dexscan/internal/extract"
	"github.com/keithlinneman/dexscan/internal/health"
	"github.com/keithlinneman/dexscan/internal/registry"
)

// DumpSource lists what has been persisted so far.
type DumpSource interface {
	Records() []registry.Record
}

// RunSource reports completed scan runs.
type RunSource interface {
	Runs() []extract.Stats
	Completed() bool
}

type Options struct {
	// Host defaults to loopback; the admin API is for on-device access.
	Host string
	// Port 0 picks a free port.
	Port int

	Metrics     http.Handler
	MetricsMW   func(http.Handler) http.Handler
	EnablePprof bool

	Health    health.Probe
	Readiness health.Probe

	Dumps DumpSource
	Runs  RunSource

	// RateLimit is requests per second across all clients; 0 disables.
	RateLimit float64
	RateBurst int

	OnPanic       func()
	OnRateLimited func()
}
