package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/dexscan/internal/cryptoutil"
	"github.com/keithlinneman/dexscan/internal/dex"
	"github.com/keithlinneman/dexscan/internal/extract"
	"github.com/keithlinneman/dexscan/internal/log"
	"github.com/keithlinneman/dexscan/internal/procmaps"
	"github.com/keithlinneman/dexscan/internal/registry"
)

// EnvPrefix is prepended to every flag name to form its env var.
const EnvPrefix = "DEXSCAN_"

type App struct {
	ConfigFile string

	// scan
	FilterRegions    bool
	InitialDelay     time.Duration
	SecondScan       bool
	SecondScanDelay  time.Duration
	MinContainerSize uint
	MaxContainerSize uint
	ScanLimit        uint64
	MaxRegionSize    uint64
	MaxRegions       int

	// dedup and output
	RegistryCapacity    int
	ExcludedDigests     string
	DiskDedupExtensions string
	OutputDir           string
	CleanOutput         bool
	WriteManifest       bool

	// logging
	LogJSON         bool
	LogLevel        string
	Verbose         bool
	StacktraceLevel string
	MaxErrorLinks   int

	// ops
	AdminPort       int
	EnablePprof     bool
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	// remote
	ExportS3Bucket          string
	ExportS3Prefix          string
	ExportCompress          bool
	ExportRate              float64
	ExclusionsSSMParam      string
	ExclusionsSigningKeyARN string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.ConfigFile, "config", "", "optional YAML file of flag-name: value overrides")

	fs.BoolVar(&c.FilterRegions, "filter-regions", true, "skip system and runtime regions unless they look like app code")
	fs.DurationVar(&c.InitialDelay, "initial-delay", 8*time.Second, "wait before the first scan")
	fs.BoolVar(&c.SecondScan, "second-scan", false, "run the whole scan a second time")
	fs.DurationVar(&c.SecondScanDelay, "second-scan-delay", 12*time.Second, "wait between first and second scan")
	fs.UintVar(&c.MinContainerSize, "min-container-size", dex.DefaultMinSize, "smallest plausible container in bytes")
	fs.UintVar(&c.MaxContainerSize, "max-container-size", dex.DefaultMaxSize, "largest plausible container in bytes")
	fs.Uint64Var(&c.ScanLimit, "scan-limit", dex.DefaultScanLimit, "bytes swept per region")
	fs.Uint64Var(&c.MaxRegionSize, "max-region-size", procmaps.DefaultMaxRegionSize, "largest region considered, in bytes")
	fs.IntVar(&c.MaxRegions, "max-regions", procmaps.DefaultMaxRegions, "memory map entries read per scan")

	fs.IntVar(&c.RegistryCapacity, "registry-capacity", registry.DefaultCapacity, "dumps remembered for dedup")
	fs.StringVar(&c.ExcludedDigests, "excluded-digests", strings.Join(registry.DefaultExclusions, ","), "comma-separated SHA-1 digests never persisted")
	fs.StringVar(&c.DiskDedupExtensions, "disk-dedup-extensions", ".dex", "comma-separated extensions checked for on-disk duplicates")
	fs.StringVar(&c.OutputDir, "output-dir", "", "dump directory (empty = first writable app-data candidate)")
	fs.BoolVar(&c.CleanOutput, "clean-output", true, "remove previous dumps before the first scan")
	fs.BoolVar(&c.WriteManifest, "write-manifest", true, "write manifest.cbor after each scan")

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.BoolVar(&c.Verbose, "verbose", false, "shorthand for -log-level=debug")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 8, "max error chain depth (1..64)")

	fs.IntVar(&c.AdminPort, "admin-port", 0, "admin listen TCP port (0 disables)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", false, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.StringVar(&c.ExportS3Bucket, "export-s3-bucket", "", "upload each dump to this bucket (empty disables)")
	fs.StringVar(&c.ExportS3Prefix, "export-s3-prefix", "dexscan/dumps", "key prefix for uploaded dumps")
	fs.BoolVar(&c.ExportCompress, "export-compress", true, "zstd-compress uploaded dumps")
	fs.Float64Var(&c.ExportRate, "export-rate", 2, "max uploads per second")
	fs.StringVar(&c.ExclusionsSSMParam, "exclusions-ssm-param", "", "SSM parameter holding extra excluded digests")
	fs.StringVar(&c.ExclusionsSigningKeyARN, "exclusions-signing-key-arn", "", "KMS key ARN that signs the exclusion list")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// SplitList splits a comma-separated flag value, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Digests parses ExcludedDigests.
func (c App) Digests() ([]cryptoutil.Digest, error) {
	var (
		out  []cryptoutil.Digest
		errs []error
	)
	for _, s := range SplitList(c.ExcludedDigests) {
		d, err := cryptoutil.ParseDigest(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, d)
	}
	return out, errors.Join(errs...)
}

// Settings converts the scan fields. Call after Validate.
func (c App) Settings(identity, outputDir string) extract.Settings {
	return extract.Settings{
		FilterRegions:   c.FilterRegions,
		InitialDelay:    c.InitialDelay,
		SecondScan:      c.SecondScan,
		SecondScanDelay: c.SecondScanDelay,
		Limits:          dex.Limits{MinSize: uint32(c.MinContainerSize), MaxSize: uint32(c.MaxContainerSize)},
		ScanLimit:       c.ScanLimit,
		MaxRegionSize:   c.MaxRegionSize,
		MaxRegions:      c.MaxRegions,
		OutputDir:       outputDir,
		CleanOutput:     c.CleanOutput,
		WriteManifest:   c.WriteManifest,
		Identity:        identity,
	}
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.MinContainerSize < dex.HeaderSize {
		errs = append(errs, fmt.Errorf("MIN_CONTAINER_SIZE %d is below the %d-byte header", c.MinContainerSize, dex.HeaderSize))
	}
	if c.MaxContainerSize < c.MinContainerSize {
		errs = append(errs, fmt.Errorf("MAX_CONTAINER_SIZE %d is below MIN_CONTAINER_SIZE %d", c.MaxContainerSize, c.MinContainerSize))
	}
	if c.MaxContainerSize > 1<<32-1 {
		errs = append(errs, fmt.Errorf("MAX_CONTAINER_SIZE %d does not fit the 32-bit size field", c.MaxContainerSize))
	}
	if uint64(c.MaxContainerSize) > c.MaxRegionSize {
		errs = append(errs, fmt.Errorf("MAX_CONTAINER_SIZE %d exceeds MAX_REGION_SIZE %d", c.MaxContainerSize, c.MaxRegionSize))
	}
	if c.ScanLimit < dex.MagicLen {
		errs = append(errs, fmt.Errorf("SCAN_LIMIT must be at least %d (got %d)", dex.MagicLen, c.ScanLimit))
	}
	if c.MaxRegions < 1 {
		errs = append(errs, fmt.Errorf("MAX_REGIONS must be positive (got %d)", c.MaxRegions))
	}
	if c.RegistryCapacity < 1 {
		errs = append(errs, fmt.Errorf("REGISTRY_CAPACITY must be positive (got %d)", c.RegistryCapacity))
	}
	if c.InitialDelay < 0 || c.SecondScanDelay < 0 {
		errs = append(errs, fmt.Errorf("delays must not be negative"))
	}
	if _, err := c.Digests(); err != nil {
		errs = append(errs, fmt.Errorf("invalid EXCLUDED_DIGESTS: %w", err))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.AdminPort < 0 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 0..65535)", c.AdminPort))
	}
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.ExportS3Bucket != "" && c.ExportRate <= 0 {
		errs = append(errs, fmt.Errorf("EXPORT_RATE must be positive when EXPORT_S3_BUCKET is set (got %g)", c.ExportRate))
	}
	if c.ExclusionsSigningKeyARN != "" && c.ExclusionsSSMParam == "" {
		errs = append(errs, fmt.Errorf("EXCLUSIONS_SIGNING_KEY_ARN set without EXCLUSIONS_SSM_PARAM"))
	}

	return errors.Join(errs...)
}
