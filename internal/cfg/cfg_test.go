package cfg

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/dexscan/internal/dex"
	"github.com/keithlinneman/dexscan/internal/registry"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

func newTestFlags(t *testing.T, args []string) (*flag.FlagSet, *App) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c := new(App)
	Register(fs, c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return fs, c
}

// newTestConfig registers flags on a fresh FlagSet, parses the given args,
// and returns the resulting App. This isolates each test from flag.CommandLine.
func newTestConfig(t *testing.T, args []string) App {
	t.Helper()
	_, c := newTestFlags(t, args)
	return *c
}

func TestRegister_Defaults(t *testing.T) {
	c := newTestConfig(t, nil)

	if !c.FilterRegions {
		t.Error("FilterRegions: want true")
	}
	if c.InitialDelay != 8*time.Second {
		t.Errorf("InitialDelay: want 8s, got %s", c.InitialDelay)
	}
	if c.SecondScan {
		t.Error("SecondScan: want false")
	}
	if c.SecondScanDelay != 12*time.Second {
		t.Errorf("SecondScanDelay: want 12s, got %s", c.SecondScanDelay)
	}
	if c.MinContainerSize != 1024 || c.MaxContainerSize != 50<<20 {
		t.Errorf("container bounds: got %d..%d", c.MinContainerSize, c.MaxContainerSize)
	}
	if c.ScanLimit != 2<<20 {
		t.Errorf("ScanLimit: want 2 MiB, got %d", c.ScanLimit)
	}
	if c.RegistryCapacity != 512 {
		t.Errorf("RegistryCapacity: want 512, got %d", c.RegistryCapacity)
	}
	if !c.CleanOutput || !c.WriteManifest {
		t.Error("CleanOutput and WriteManifest: want true")
	}
	if c.AdminPort != 0 {
		t.Errorf("AdminPort: want 0 (disabled), got %d", c.AdminPort)
	}
	if c.LogLevel != "info" || !c.LogJSON {
		t.Errorf("logging defaults: level=%q json=%v", c.LogLevel, c.LogJSON)
	}
	if c.StacktraceLevel != "error" {
		t.Errorf("StacktraceLevel: want %q, got %q", "error", c.StacktraceLevel)
	}
	if c.ExportS3Bucket != "" || c.ExclusionsSSMParam != "" {
		t.Error("remote features should be off by default")
	}

	ds, err := c.Digests()
	if err != nil {
		t.Fatalf("Digests: %v", err)
	}
	if len(ds) != len(registry.DefaultExclusions) {
		t.Errorf("default exclusions: want %d, got %d", len(registry.DefaultExclusions), len(ds))
	}
}

func TestRegister_CLIOverrides(t *testing.T) {
	c := newTestConfig(t, []string{
		"-filter-regions=false",
		"-initial-delay=1s",
		"-second-scan",
		"-second-scan-delay=3s",
		"-min-container-size=4096",
		"-scan-limit=65536",
		"-output-dir=/tmp/out",
		"-admin-port=9100",
		"-log-level=debug",
	})

	if c.FilterRegions {
		t.Error("FilterRegions: want false")
	}
	if c.InitialDelay != time.Second || !c.SecondScan || c.SecondScanDelay != 3*time.Second {
		t.Errorf("timing: got %s %v %s", c.InitialDelay, c.SecondScan, c.SecondScanDelay)
	}
	if c.MinContainerSize != 4096 || c.ScanLimit != 65536 {
		t.Errorf("sizes: got min=%d scan=%d", c.MinContainerSize, c.ScanLimit)
	}
	if c.OutputDir != "/tmp/out" || c.AdminPort != 9100 || c.LogLevel != "debug" {
		t.Errorf("unexpected values: %+v", c)
	}
}

func TestFillFromEnv(t *testing.T) {
	pfx := "TESTCFG_"
	t.Setenv(pfx+"SECOND_SCAN", "true")
	t.Setenv(pfx+"INITIAL_DELAY", "250ms")
	t.Setenv(pfx+"MAX_REGIONS", "128")
	t.Setenv(pfx+"EXCLUDED_DIGESTS", "")
	t.Setenv(pfx+"EXPORT_S3_BUCKET", "dumps")

	fs, c := newTestFlags(t, nil)
	FillFromEnv(fs, pfx, nil)

	if !c.SecondScan {
		t.Error("SecondScan: want true from env")
	}
	if c.InitialDelay != 250*time.Millisecond {
		t.Errorf("InitialDelay: want 250ms, got %s", c.InitialDelay)
	}
	if c.MaxRegions != 128 {
		t.Errorf("MaxRegions: want 128, got %d", c.MaxRegions)
	}
	if c.ExcludedDigests != "" {
		t.Errorf("ExcludedDigests: want empty from env, got %q", c.ExcludedDigests)
	}
	if c.ExportS3Bucket != "dumps" {
		t.Errorf("ExportS3Bucket: want dumps, got %q", c.ExportS3Bucket)
	}
}

func TestFillFromEnv_CLITakesPrecedence(t *testing.T) {
	pfx := "TESTCFG2_"
	t.Setenv(pfx+"ADMIN_PORT", "7777")
	t.Setenv(pfx+"LOG_LEVEL", "warn")

	fs, c := newTestFlags(t, []string{"-admin-port=9090", "-log-level=debug"})

	var overrideMessages []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		overrideMessages = append(overrideMessages, fmt.Sprintf(format, args...))
	})

	if c.AdminPort != 9090 {
		t.Errorf("AdminPort: want 9090 (cli), got %d", c.AdminPort)
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel: want debug (cli), got %q", c.LogLevel)
	}
	if len(overrideMessages) != 2 {
		t.Fatalf("expected 2 override messages, got %d: %v", len(overrideMessages), overrideMessages)
	}
	for _, msg := range overrideMessages {
		if !strings.Contains(msg, "overrides env") {
			t.Errorf("unexpected override message format: %s", msg)
		}
	}
}

func TestFillFromEnv_InvalidEnvIgnored(t *testing.T) {
	pfx := "TESTCFG3_"
	t.Setenv(pfx+"SCAN_LIMIT", "lots")

	fs, c := newTestFlags(t, nil)

	var logMessages []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		logMessages = append(logMessages, fmt.Sprintf(format, args...))
	})

	if c.ScanLimit != dex.DefaultScanLimit {
		t.Errorf("ScanLimit: want default, got %d", c.ScanLimit)
	}
	if len(logMessages) != 1 || !strings.Contains(logMessages[0], "ignoring invalid env") {
		t.Fatalf("unexpected log messages: %v", logMessages)
	}
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "dexscan.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestApplyFile(t *testing.T) {
	pfx := "TESTCFG4_"
	t.Setenv(pfx+"REGISTRY_CAPACITY", "64")

	p := writeYAML(t, `
second-scan: true
registry-capacity: 8
disk-dedup-extensions: [".dex", ".jar"]
log-level: warn
`)
	fs, c := newTestFlags(t, []string{"-log-level=error"})
	FillFromEnv(fs, pfx, nil)
	if err := ApplyFile(fs, p, nil); err != nil {
		t.Fatalf("ApplyFile: %v", err)
	}

	if !c.SecondScan {
		t.Error("SecondScan: want true from file")
	}
	if c.RegistryCapacity != 64 {
		t.Errorf("RegistryCapacity: env should win over file, got %d", c.RegistryCapacity)
	}
	if c.LogLevel != "error" {
		t.Errorf("LogLevel: cli should win over file, got %q", c.LogLevel)
	}
	if c.DiskDedupExtensions != ".dex,.jar" {
		t.Errorf("DiskDedupExtensions: got %q", c.DiskDedupExtensions)
	}
}

func TestApplyFile_Errors(t *testing.T) {
	fs, _ := newTestFlags(t, nil)
	if err := ApplyFile(fs, "", nil); err != nil {
		t.Fatalf("empty path should be a no-op, got %v", err)
	}
	if err := ApplyFile(fs, filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}

	p := writeYAML(t, "no-such-flag: 1\nmax-regions: many\nadmin-port: {a: 1}\n")
	err := ApplyFile(fs, p, nil)
	wantErrContains(t, err, `unknown setting "no-such-flag"`)
	wantErrContains(t, err, "max-regions")
	wantErrContains(t, err, "admin-port")
}

func TestValidate_OK(t *testing.T) {
	c := newTestConfig(t, []string{
		"-enable-pyroscope=true",
		"-pyro-server=https://pyro:4040",
		"-pyro-tenant=test-tenant",
		"-enable-tracing=true",
		"-otlp-endpoint=otel:4317",
		"-trace-sample=0.2",
		"-export-s3-bucket=dumps",
		"-exclusions-ssm-param=/dexscan/exclusions",
		"-exclusions-signing-key-arn=arn:aws:kms:us-east-1:1:key/x",
	})
	if err := Validate(c); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_InvalidCombined(t *testing.T) {
	c := newTestConfig(t, []string{
		"-min-container-size=16",
		"-scan-limit=4",
		"-max-regions=0",
		"-registry-capacity=0",
		"-excluded-digests=abc",
		"-admin-port=70000",
		"-log-level=nope",
		"-stacktrace-level=alsonope",
		"-trace-sample=2.0",
		"-enable-pyroscope=true",
		"-pyro-server=not-a-url",
		"-enable-tracing=true",
		"-otlp-endpoint=otel",
		"-max-error-links=0",
		"-export-s3-bucket=dumps",
		"-export-rate=0",
		"-exclusions-signing-key-arn=arn:aws:kms:x",
	})

	err := Validate(c)
	if err == nil {
		t.Fatal("Validate() expected errors, got <nil>")
	}

	wantErrContains(t, err, "MIN_CONTAINER_SIZE")
	wantErrContains(t, err, "SCAN_LIMIT")
	wantErrContains(t, err, "MAX_REGIONS")
	wantErrContains(t, err, "REGISTRY_CAPACITY")
	wantErrContains(t, err, "invalid EXCLUDED_DIGESTS")
	wantErrContains(t, err, "invalid ADMIN_PORT")
	wantErrContains(t, err, "invalid LOG_LEVEL")
	wantErrContains(t, err, "invalid STACKTRACE_LEVEL")
	wantErrContains(t, err, "invalid TRACE_SAMPLE")
	wantErrContains(t, err, "PYRO_SERVER must be a URL")
	wantErrContains(t, err, "OTLP_ENDPOINT must be host:port")
	wantErrContains(t, err, "MAX_ERROR_LINKS")
	wantErrContains(t, err, "EXPORT_RATE")
	wantErrContains(t, err, "EXCLUSIONS_SIGNING_KEY_ARN")
}

func TestValidate_SizeOrdering(t *testing.T) {
	c := newTestConfig(t, []string{"-min-container-size=8192", "-max-container-size=4096"})
	wantErrContains(t, Validate(c), "below MIN_CONTAINER_SIZE")

	c = newTestConfig(t, []string{"-max-region-size=1048576"})
	wantErrContains(t, Validate(c), "exceeds MAX_REGION_SIZE")
}

func TestSettings(t *testing.T) {
	c := newTestConfig(t, []string{"-second-scan", "-max-container-size=1048576"})
	s := c.Settings("com.example.app", "/data/out")

	if s.Identity != "com.example.app" || s.OutputDir != "/data/out" {
		t.Errorf("identity/output: %+v", s)
	}
	if !s.SecondScan || !s.FilterRegions {
		t.Errorf("flags not carried: %+v", s)
	}
	if s.Limits != (dex.Limits{MinSize: 1024, MaxSize: 1 << 20}) {
		t.Errorf("Limits: got %+v", s.Limits)
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList(" a, ,b,,c ")
	if strings.Join(got, "|") != "a|b|c" {
		t.Errorf("SplitList: got %q", got)
	}
	if SplitList("") != nil {
		t.Error("SplitList(\"\") should be nil")
	}
}
