package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.opentelemetry.io/otel"

	"github.com/keithlinneman/dexscan/internal/cfg"
	"github.com/keithlinneman/dexscan/internal/cryptoutil"
	"github.com/keithlinneman/dexscan/internal/dump"
	"github.com/keithlinneman/dexscan/internal/exclusions"
	"github.com/keithlinneman/dexscan/internal/export"
	"github.com/keithlinneman/dexscan/internal/extract"
	"github.com/keithlinneman/dexscan/internal/health"
	"github.com/keithlinneman/dexscan/internal/log"
	"github.com/keithlinneman/dexscan/internal/memsafe"
	"github.com/keithlinneman/dexscan/internal/metrics"
	"github.com/keithlinneman/dexscan/internal/opshttp"
	"github.com/keithlinneman/dexscan/internal/otelx"
	"github.com/keithlinneman/dexscan/internal/procmaps"
	"github.com/keithlinneman/dexscan/internal/prof"
	"github.com/keithlinneman/dexscan/internal/registry"
	v "github.com/keithlinneman/dexscan/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		return 0
	}

	logf := func(format string, args ...any) { fmt.Fprintf(os.Stderr, format+"\n", args...) }
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, logf)
	if err := cfg.ApplyFile(flag.CommandLine, conf.ConfigFile, logf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}

	// Validate already checked both levels
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:             v.AppName,
		Version:         vi.Version,
		Commit:          vi.Commit,
		Level:           log.EffectiveLevel(lvl, conf.Verbose),
		StacktraceLevel: stLvl,
		JsonFormat:      conf.LogJSON,
		MaxErrorLinks:   conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer lg.Sync()

	identity := procmaps.Identity()
	L := lg.With("component", "scanner", "target", identity)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing scanner",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"filter_regions", conf.FilterRegions,
		"initial_delay", conf.InitialDelay.String(),
		"second_scan", conf.SecondScan,
		"scan_limit", conf.ScanLimit,
		"min_container_size", conf.MinContainerSize,
		"max_container_size", conf.MaxContainerSize,
		"admin_port", conf.AdminPort,
		"export_s3_bucket", conf.ExportS3Bucket,
		"exclusions_ssm_param", conf.ExclusionsSSMParam,
	)

	m := metrics.New()
	m.SetBuildInfo(vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Target:        identity,
		Tags: map[string]string{
			"version": vi.Version,
			"commit":  vi.Commit,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Insecure is true because traces only go to a local collector
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:  conf.EnableTracing,
		Endpoint: conf.OTLPEndpoint,
		Insecure: true,
		Sample:   conf.TraceSample,
		Service:  v.AppName,
		Version:  vi.Version,
		Target:   identity,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	if err := memsafe.Install(); err != nil {
		L.Error(ctx, err, "fault isolation unavailable, refusing to scan")
		return 1
	}
	guard := memsafe.NewGuard()

	outDir := conf.OutputDir
	if outDir == "" {
		outDir, err = dump.ResolveDir(dump.CandidateDirs(identity))
		if err != nil {
			L.Error(ctx, err, "no writable output directory")
			return 1
		}
	}
	settings := conf.Settings(identity, outDir)

	excluded, err := loadExclusions(ctx, L, conf, m)
	if err != nil {
		L.Error(ctx, err, "exclusion list unavailable")
		return 1
	}

	reg, err := registry.New(registry.Options{
		Capacity:       conf.RegistryCapacity,
		MinSize:        uint64(conf.MinContainerSize),
		MaxSize:        uint64(conf.MaxContainerSize),
		Excluded:       excluded,
		OutputDir:      outDir,
		DiskExtensions: cfg.SplitList(conf.DiskDedupExtensions),
		Logger:         L.With("component", "registry"),
	})
	if err != nil {
		L.Error(ctx, err, "registry init failed")
		return 1
	}

	var exporter extract.Exporter
	if conf.ExportS3Bucket != "" {
		awsCfg, err := awsConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			return 1
		}
		s3exp, err := export.NewS3Exporter(export.Options{
			Logger:   L.With("component", "export"),
			Client:   s3.NewFromConfig(awsCfg),
			Bucket:   conf.ExportS3Bucket,
			Prefix:   conf.ExportS3Prefix,
			Target:   identity,
			Compress: conf.ExportCompress,
			Rate:     conf.ExportRate,
		})
		if err != nil {
			L.Error(ctx, err, "exporter init failed")
			return 1
		}
		exporter = s3exp
	}

	orch, err := extract.New(extract.Options{
		Settings: settings,
		Reader:   guard,
		Registry: reg,
		Writer:   dump.NewWriter(outDir, L.With("component", "dump")),
		Exporter: exporter,
		Metrics:  m,
		Logger:   L,
		Tracer:   otel.Tracer("github.com/keithlinneman/dexscan"),
	})
	if err != nil {
		L.Error(ctx, err, "orchestrator init failed")
		return 1
	}
	worker := extract.NewWorker(orch, L.With("component", "worker"))

	var gate health.ShutdownGate
	if conf.AdminPort > 0 {
		stopOps, err := opshttp.Start(ctx, L.With("component", "opshttp"), opshttp.Options{
			Port:          conf.AdminPort,
			Metrics:       m.Handler(),
			MetricsMW:     m.Middleware,
			EnablePprof:   conf.EnablePprof,
			Health:        health.FaultIsolation(memsafe.Installed),
			Readiness:     health.All(gate.Probe(), health.AfterScan(worker)),
			Dumps:         reg,
			Runs:          worker,
			RateLimit:     20,
			RateBurst:     40,
			OnPanic:       m.IncHTTPPanic,
			OnRateLimited: m.IncRateLimited,
		})
		if err != nil {
			L.Error(ctx, err, "admin listener failed")
			return 1
		}
		defer func() { _ = stopOps(context.Background()) }()
	}

	worker.Start(ctx)

	select {
	case <-worker.Done():
		L.Info(ctx, "scan complete", "dumps", reg.Len(), "output_dir", outDir)
	case <-ctx.Done():
		// the worker cannot be interrupted; whatever it persisted so far stays on disk
		L.Info(ctx, "signal received before scan finished")
		gate.Set("shutting down")
		return 0
	}

	if conf.AdminPort > 0 {
		L.Info(ctx, "admin listener stays up until signal", "admin_port", conf.AdminPort)
		<-ctx.Done()
		gate.Set("shutting down")
	}
	return 0
}

func awsConfig(ctx context.Context) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx)
}

// loadExclusions merges the flag list with the optional SSM list.
func loadExclusions(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.ScanMetrics) ([]cryptoutil.Digest, error) {
	base, err := conf.Digests()
	if err != nil {
		return nil, err
	}
	// an explicitly empty flag disables the built-in list
	if base == nil {
		base = []cryptoutil.Digest{}
	}
	m.SetExclusions("config", len(base))
	if conf.ExclusionsSSMParam == "" {
		return base, nil
	}

	awsCfg, err := awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	opts := exclusions.Options{
		Logger: L.With("component", "exclusions"),
		Client: ssm.NewFromConfig(awsCfg),
		Param:  conf.ExclusionsSSMParam,
	}
	if conf.ExclusionsSigningKeyARN != "" {
		opts.Verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.ExclusionsSigningKeyARN)
	}
	loader, err := exclusions.NewLoader(opts)
	if err != nil {
		return nil, err
	}
	extra, err := loader.Load(ctx)
	if err != nil {
		if opts.Verifier != nil {
			// an unverifiable list must not silently widen or narrow what is kept
			return nil, err
		}
		L.Warn(ctx, "continuing without remote exclusions", "error", err)
		return base, nil
	}
	m.SetExclusions("ssm", len(extra))
	return exclusions.Merge(base, extra), nil
}
