package health

import (
	"context"
	"sync/atomic"

	"github.com/keithlinneman/dexscan/internal/xerrors"
)

// Probe is evaluated at request time
// nil = OK non-nil = FAIL with reason.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed returns a probe that always returns ok or fails with the given reason
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All is AND: passes only if all probes pass; returns the first error.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Completion is satisfied by the scan worker.
type Completion interface{ Completed() bool }

// AfterScan fails until c reports completion.
func AfterScan(c Completion) CheckFunc {
	return func(context.Context) error {
		if c == nil || !c.Completed() {
			return xerrors.New("scan pending")
		}
		return nil
	}
}

// FaultIsolation fails when the fault guard was never installed; nothing
// may be read from process memory without it.
func FaultIsolation(installed func() bool) CheckFunc {
	return func(context.Context) error {
		if installed == nil || !installed() {
			return xerrors.New("fault isolation not installed")
		}
		return nil
	}
}

// ShutdownGate flips readiness to false during shutdown.
type ShutdownGate struct {
	draining atomic.Bool
	reason   atomic.Value
}

func (g *ShutdownGate) Set(reason string) {
	g.draining.Store(true)
	g.reason.Store(reason)
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if !g.draining.Load() {
			return nil
		}
		r, _ := g.reason.Load().(string)
		if r == "" {
			r = "shutting down"
		}
		return xerrors.New(r)
	}
}
