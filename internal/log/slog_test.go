package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/dexscan/internal/xerrors"
)

func newTestLogger(t *testing.T, buf *bytes.Buffer, opts Options) Logger {
	t.Helper()
	opts.Writer = buf
	opts.JsonFormat = true
	l, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &m); err != nil {
		t.Fatalf("parse JSON log line: %v\nraw: %s", err, buf.String())
	}
	return m
}

func TestSlog_BaseAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "dexscan", Version: "1.2.3", Level: slog.LevelInfo})
	l.Info(context.Background(), "scan started", "regions", 12)

	rec := lastRecord(t, &buf)
	if rec["app"] != "dexscan" {
		t.Errorf("app = %v", rec["app"])
	}
	if rec["version"] != "1.2.3" {
		t.Errorf("version = %v", rec["version"])
	}
	if rec["msg"] != "scan started" {
		t.Errorf("msg = %v", rec["msg"])
	}
	if rec["regions"] != float64(12) {
		t.Errorf("regions = %v", rec["regions"])
	}
}

func TestSlog_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "dexscan", Level: slog.LevelInfo})
	l.Debug(context.Background(), "region approved")
	if buf.Len() != 0 {
		t.Fatalf("debug should be suppressed at info level, got %q", buf.String())
	}

	buf.Reset()
	l = newTestLogger(t, &buf, Options{App: "dexscan", Level: EffectiveLevel(slog.LevelInfo, true)})
	l.Debug(context.Background(), "region approved")
	if !strings.Contains(buf.String(), "region approved") {
		t.Fatal("debug should be emitted when verbose")
	}
}

func TestSlog_WithIsCopyOnWrite(t *testing.T) {
	var buf bytes.Buffer
	base := newTestLogger(t, &buf, Options{App: "dexscan", Level: slog.LevelInfo})
	a := base.With("component", "registry")
	_ = base.With("component", "detector")

	a.Info(context.Background(), "x")
	if rec := lastRecord(t, &buf); rec["component"] != "registry" {
		t.Fatalf("component = %v, want registry", rec["component"])
	}

	buf.Reset()
	base.Info(context.Background(), "y")
	if rec := lastRecord(t, &buf); rec["component"] != nil {
		t.Fatalf("base logger should not carry component, got %v", rec["component"])
	}
}

func TestSlog_ErrorFields(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "dexscan", Level: slog.LevelInfo})
	err := xerrors.Wrap(xerrors.New("short write"), "persist dump")
	l.Error(context.Background(), err, "dump failed")

	rec := lastRecord(t, &buf)
	if rec["err"] != "persist dump: short write" {
		t.Errorf("err = %v", rec["err"])
	}
	if _, ok := rec["error_chain"]; !ok {
		t.Error("expected error_chain")
	}
	if _, ok := rec["error_links"]; !ok {
		t.Error("expected error_links")
	}
	if s, _ := rec["stack"].(string); s == "" {
		t.Error("expected stack at error level")
	}
}

func TestSlog_TraceIDs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "dexscan", Level: slog.LevelInfo})

	tid, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	sid, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.Info(ctx, "pass started")
	rec := lastRecord(t, &buf)
	if rec["trace_id"] != tid.String() {
		t.Errorf("trace_id = %v", rec["trace_id"])
	}
	if rec["span_id"] != sid.String() {
		t.Errorf("span_id = %v", rec["span_id"])
	}
}
