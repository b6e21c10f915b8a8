package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"

	"github.com/keithlinneman/dexscan/internal/cryptoutil"
	"github.com/keithlinneman/dexscan/internal/registry"
)

type putCall struct {
	key      string
	body     []byte
	encoding string
	meta     map[string]string
}

type fakeS3 struct {
	mu    sync.Mutex
	calls []putCall
	err   error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	b, _ := io.ReadAll(in.Body)
	f.calls = append(f.calls, putCall{
		key:      aws.ToString(in.Key),
		body:     b,
		encoding: aws.ToString(in.ContentEncoding),
		meta:     in.Metadata,
	})
	return &s3.PutObjectOutput{}, nil
}

func testRecord(data []byte) registry.Record {
	return registry.Record{
		Path:       "/data/data/com.example/files/dex_1_0x7f0000001000_20260101_000000.dex",
		Digest:     cryptoutil.Sum(data),
		RecordedAt: time.Now(),
	}
}

func TestNewS3Exporter_Validation(t *testing.T) {
	if _, err := NewS3Exporter(Options{Client: &fakeS3{}}); err == nil {
		t.Fatal("expected error without bucket")
	}
	if _, err := NewS3Exporter(Options{Bucket: "b"}); err == nil {
		t.Fatal("expected error without client")
	}
}

func TestKey(t *testing.T) {
	data := []byte("dex\n035\x00")
	rec := testRecord(data)
	tests := []struct {
		opts Options
		want string
	}{
		{Options{Prefix: "dumps", Target: "com.example"}, "dumps/com.example/" + rec.Digest.String() + ".dex"},
		{Options{Target: "com.example", Compress: true}, "com.example/" + rec.Digest.String() + ".dex.zst"},
		{Options{Prefix: "dumps/"}, "dumps/unknown/" + rec.Digest.String() + ".dex"},
	}
	for _, tt := range tests {
		tt.opts.Bucket, tt.opts.Client = "b", &fakeS3{}
		e, err := NewS3Exporter(tt.opts)
		if err != nil {
			t.Fatal(err)
		}
		if got := e.Key(rec); got != tt.want {
			t.Errorf("Key(%+v) = %q, want %q", tt.opts, got, tt.want)
		}
	}
}

func TestExport_Plain(t *testing.T) {
	store := &fakeS3{}
	e, _ := NewS3Exporter(Options{Client: store, Bucket: "b", Prefix: "p", Target: "app"})
	data := bytes.Repeat([]byte("dex\n035\x00"), 64)
	rec := testRecord(data)

	if err := e.Export(context.Background(), rec, data); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(store.calls) != 1 {
		t.Fatalf("calls = %d", len(store.calls))
	}
	c := store.calls[0]
	if !bytes.Equal(c.body, data) || c.encoding != "" {
		t.Fatalf("uncompressed upload altered: encoding=%q len=%d", c.encoding, len(c.body))
	}
	if c.meta["sha1"] != rec.Digest.String() {
		t.Errorf("sha1 metadata = %q", c.meta["sha1"])
	}
	if c.meta["source-path"] != "dex_1_0x7f0000001000_20260101_000000.dex" {
		t.Errorf("source-path metadata = %q", c.meta["source-path"])
	}
}

func TestExport_Compressed(t *testing.T) {
	store := &fakeS3{}
	e, _ := NewS3Exporter(Options{Client: store, Bucket: "b", Compress: true})
	data := bytes.Repeat([]byte("dex\n035\x00"), 512)

	if err := e.Export(context.Background(), testRecord(data), data); err != nil {
		t.Fatalf("Export: %v", err)
	}
	c := store.calls[0]
	if c.encoding != "zstd" || !strings.HasSuffix(c.key, ".zst") {
		t.Fatalf("encoding=%q key=%q", c.encoding, c.key)
	}
	if len(c.body) >= len(data) {
		t.Fatalf("compressed %d bytes into %d", len(data), len(c.body))
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	got, err := dec.DecodeAll(c.body, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("round trip mismatch")
	}
}

func TestExport_PutError(t *testing.T) {
	e, _ := NewS3Exporter(Options{Client: &fakeS3{err: errors.New("access denied")}, Bucket: "b"})
	err := e.Export(context.Background(), testRecord([]byte("x")), []byte("x"))
	if err == nil || !strings.Contains(err.Error(), "access denied") || !strings.Contains(err.Error(), "s3://b/") {
		t.Fatalf("err = %v", err)
	}
}

func TestExport_RateLimitHonoursContext(t *testing.T) {
	store := &fakeS3{}
	e, _ := NewS3Exporter(Options{Client: store, Bucket: "b", Rate: 0.001})
	data := []byte("x")

	if err := e.Export(context.Background(), testRecord(data), data); err != nil {
		t.Fatalf("first export: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.Export(ctx, testRecord(data), data); err == nil {
		t.Fatal("second export should fail waiting for the limiter")
	}
	if len(store.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(store.calls))
	}
}
