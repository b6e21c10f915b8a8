// Package extract drives a scan: enumerate regions, sweep them in two
// priority passes, copy validated containers out, and persist the ones the
// registry has not seen.
package extract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/dexscan/internal/dex"
	"github.com/keithlinneman/dexscan/internal/dump"
	"github.com/keithlinneman/dexscan/internal/log"
	"github.com/keithlinneman/dexscan/internal/procmaps"
	"github.com/keithlinneman/dexscan/internal/registry"
	"github.com/keithlinneman/dexscan/internal/xerrors"
)

const tracerName = "github.com/keithlinneman/dexscan/internal/extract"

// Reader is the fault-isolated view of process memory. *memsafe.Guard
// implements it.
type Reader interface {
	dex.Memory
	procmaps.Prober
	Read(addr uintptr, n int) ([]byte, error)
}

// Exporter ships a persisted dump somewhere else. Failures never affect
// the local result.
type Exporter interface {
	Export(ctx context.Context, rec registry.Record, data []byte) error
}

// Options wires an Orchestrator. Reader, Registry and Writer are required.
type Options struct {
	Settings Settings
	Reader   Reader
	Registry *registry.Registry
	Writer   *dump.Writer
	Exporter Exporter
	Metrics  Metrics
	Logger   log.Logger
	Tracer   trace.Tracer

	// Regions snapshots the memory map; nil means procmaps.Snapshot.
	Regions func(max int) ([]procmaps.Region, error)
}

// Orchestrator runs the two-pass protocol. A single Orchestrator must not
// run concurrently with itself; the Registry it shares is safe to read
// from elsewhere.
type Orchestrator struct {
	settings   Settings
	reader     Reader
	registry   *registry.Registry
	writer     *dump.Writer
	exporter   Exporter
	metrics    Metrics
	logger     log.Logger
	tracer     trace.Tracer
	regions    func(int) ([]procmaps.Region, error)
	classifier procmaps.Classifier
	detector   *dex.Detector

	seq  int
	runs int

	mu   sync.Mutex
	last Stats
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Reader == nil || opts.Registry == nil || opts.Writer == nil {
		return nil, xerrors.New("extract: reader, registry and writer are required")
	}
	s := opts.Settings.withDefaults()
	o := &Orchestrator{
		settings: s,
		reader:   opts.Reader,
		registry: opts.Registry,
		writer:   opts.Writer,
		exporter: opts.Exporter,
		metrics:  opts.Metrics,
		logger:   log.OrNop(opts.Logger),
		tracer:   opts.Tracer,
		regions:  opts.Regions,
	}
	if o.metrics == nil {
		o.metrics = nopMetrics{}
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.regions == nil {
		o.regions = procmaps.Snapshot
	}
	o.classifier = procmaps.Classifier{
		Filter:   s.FilterRegions,
		Identity: s.Identity,
		MinSize:  uint64(s.Limits.MinSize),
		MaxSize:  s.MaxRegionSize,
		Probe:    o.reader,
	}
	o.detector = dex.NewDetector(s.Limits, s.ScanLimit, o.logger)
	o.detector.Rejected = o.metrics.IncValidationFailure
	return o, nil
}

// Settings returns the orchestrator's configuration.
func (o *Orchestrator) Settings() Settings { return o.settings }

// Registry returns the shared dedup registry.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// LastStats returns the most recent completed run, zero before the first.
func (o *Orchestrator) LastStats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

type candidate struct {
	index  int
	region procmaps.Region
	high   bool
}

// Run takes one inventory and sweeps it. Pass 1 covers eligible
// high-priority regions. Pass 2 covers the remaining eligible regions and
// only runs when pass 1 persisted nothing.
func (o *Orchestrator) Run(ctx context.Context) Stats {
	o.runs++
	st := Stats{Run: o.runs, Started: time.Now()}
	ctx, span := o.tracer.Start(ctx, "extract.Run", trace.WithAttributes(attribute.Int("run", st.Run)))
	defer span.End()

	regions, err := o.regions(o.settings.MaxRegions)
	switch {
	case errors.Is(err, procmaps.ErrTruncated):
		st.Truncated = true
		o.logger.Warn(ctx, "region inventory truncated, continuing with partial list", "regions", len(regions))
	case err != nil && len(regions) > 0:
		st.Truncated = true
		o.logger.Warn(ctx, "region inventory incomplete, continuing with partial list",
			"regions", len(regions), "err", err.Error())
	case err != nil:
		o.logger.Error(ctx, xerrors.EnsureTrace(err), "failed to enumerate memory regions")
		span.RecordError(err)
		span.SetStatus(codes.Error, "enumerate regions")
		return o.finish(ctx, st)
	}
	st.Regions = len(regions)

	var first, second []candidate
	for i, r := range regions {
		if !o.classifier.ShouldScan(r) {
			continue
		}
		c := candidate{index: i, region: r, high: o.classifier.IsHighPriority(r)}
		if c.high {
			first = append(first, c)
		} else {
			second = append(second, c)
		}
	}
	st.Eligible = len(first) + len(second)
	st.HighPriority = len(first)
	o.metrics.ObserveInventory(st.Regions, st.Eligible, st.HighPriority, st.Truncated)
	o.logger.Info(ctx, "memory inventory ready",
		"regions", st.Regions,
		"eligible", st.Eligible,
		"high_priority", st.HighPriority,
	)

	o.pass(ctx, "priority", first, &st)
	if st.Persisted == 0 {
		st.FallbackPass = true
		o.logger.Info(ctx, "no dumps from priority regions, scanning remaining regions", "regions", len(second))
		o.pass(ctx, "fallback", second, &st)
	}

	span.SetAttributes(
		attribute.Int("regions", st.Regions),
		attribute.Int("processed", st.Processed),
		attribute.Int("persisted", st.Persisted),
	)
	return o.finish(ctx, st)
}

func (o *Orchestrator) finish(ctx context.Context, st Stats) Stats {
	st.Finished = time.Now()
	o.metrics.SetRegistrySize(o.registry.Len())
	o.logger.Info(ctx, "scan completed",
		"run", st.Run,
		"processed", st.Processed,
		"persisted", st.Persisted,
		"suppressed", st.Suppressed,
		"failed", st.Failed,
		"duration", st.Finished.Sub(st.Started).String(),
	)
	o.mu.Lock()
	o.last = st
	o.mu.Unlock()
	return st
}

func (o *Orchestrator) pass(ctx context.Context, name string, cands []candidate, st *Stats) {
	ctx, span := o.tracer.Start(ctx, "extract.pass", trace.WithAttributes(
		attribute.String("pass", name),
		attribute.Int("regions", len(cands)),
	))
	defer span.End()
	start := time.Now()
	for _, c := range cands {
		o.metrics.IncRegionScanned(name)
		out := o.processRegion(ctx, c)
		o.metrics.IncOutcome(out.String())
		st.count(out)
	}
	o.metrics.ObservePassDuration(name, time.Since(start).Seconds())
}

func (o *Orchestrator) processRegion(ctx context.Context, c candidate) Outcome {
	r := c.region
	lg := o.logger.With("region", r.String(), "index", c.index)

	det, strategy, ok := o.detector.Detect(ctx, o.reader, r.Start, r.Size())
	if !ok {
		return Skipped
	}
	o.metrics.IncDetection(strategy)

	data, err := o.reader.Read(det.Addr, int(det.Size))
	if err != nil {
		lg.Warn(ctx, "failed to copy detected container", "addr", fmt.Sprintf("%#x", det.Addr), "size", det.Size, "err", err.Error())
		return Failed
	}

	verdict, digest := o.registry.Check(r.ID, data)
	if verdict != registry.Accept {
		o.metrics.IncSuppressed(verdict.String())
		lg.Debug(ctx, "container suppressed", "verdict", verdict.String(), "sha1", digest.Short())
		return Suppressed
	}

	path, err := o.writer.Persist(o.seq, r.Start, data)
	if err != nil {
		lg.Error(ctx, err, "failed to persist container")
		return Failed
	}
	o.seq++
	o.registry.Record(r.ID, path, digest)
	o.metrics.SetRegistrySize(o.registry.Len())
	lg.Info(ctx, "container dumped", "path", path, "bytes", len(data), "sha1", digest.Short(), "strategy", strategy)

	if o.exporter != nil {
		rec := registry.Record{ID: r.ID, Path: path, Digest: digest, RecordedAt: time.Now()}
		if err := o.exporter.Export(ctx, rec, data); err != nil {
			o.metrics.IncExport("error")
			lg.Error(ctx, err, "export failed", "path", path)
		} else {
			o.metrics.IncExport("ok")
		}
	}
	return Persisted
}
