// Package opshttp serves the admin endpoints: probes, metrics, the dump
// and run listings, and optionally pprof.
package opshttp

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/dexscan/internal/health"
	"github.com/keithlinneman/dexscan/internal/log"
	"github.com/keithlinneman/dexscan/internal/xerrors"
)

// NewHandler builds the admin router with its middleware.
func NewHandler(L log.Logger, opts Options) http.Handler {
	L = log.OrNop(L)
	r := chi.NewRouter()
	// inside the router so the matched pattern is visible after next returns
	r.Use(accessLog(L))
	if opts.MetricsMW != nil {
		r.Use(opts.MetricsMW)
	}
	r.Use(annotateRoute)

	r.Get("/-/healthy", health.Handler(opts.Health, "ok"))
	r.Get("/-/ready", health.Handler(opts.Readiness, "ready"))

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	a := &api{dumps: opts.Dumps, runs: opts.Runs}
	r.Route("/api", func(r chi.Router) {
		r.Get("/dumps", a.handleDumps)
		r.Get("/stats", a.handleStats)
	})

	if opts.EnablePprof {
		registerPprof(r)
	}

	var h http.Handler = r
	h = otelhttp.NewHandler(h, "ops.http",
		otelhttp.WithFilter(func(r *http.Request) bool {
			switch r.URL.Path {
			case "/-/healthy", "/-/ready", "/metrics":
				return false
			}
			return true
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	if opts.RateLimit > 0 {
		h = limit(opts.RateLimit, opts.RateBurst, opts.OnRateLimited)(h)
	}
	h = requestID(h)
	h = recoverer(L, opts.OnPanic)(h)
	return h
}

// Start listens on the admin address and serves in the background.
// Returns stop(ctx) for graceful shutdown; stop is safe to call repeatedly.
func Start(ctx context.Context, L log.Logger, opts Options) (func(context.Context) error, error) {
	L = log.OrNop(L)
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(opts.Port))

	srv := &http.Server{
		Handler:           NewHandler(L, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// pprof profile and trace stream for up to 30s by default
		WriteTimeout:   45 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}
	srv.Addr = ln.Addr().String()

	go func() {
		L.Info(ctx, "ops http server listening", "addr", srv.Addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
