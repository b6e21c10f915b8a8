// Package export uploads persisted dumps to S3.
package export

import (
	"bytes"
	"context"
	"path"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/dexscan/internal/log"
	"github.com/keithlinneman/dexscan/internal/registry"
	"github.com/keithlinneman/dexscan/internal/xerrors"
)

// ObjectPutter is the subset of the S3 API the exporter needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Options struct {
	Logger log.Logger
	Client ObjectPutter
	Bucket string
	Prefix string
	// Target is the scanned process name; it becomes a key segment.
	Target   string
	Compress bool
	// Rate is uploads per second; 0 means unlimited.
	Rate float64
}

// S3Exporter writes each dump to s3://{bucket}/{prefix}/{target}/{digest}.dex[.zst].
// Keys are content addressed so re-uploading the same dump is harmless.
type S3Exporter struct {
	opts    Options
	logger  log.Logger
	limiter *rate.Limiter

	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error
}

func NewS3Exporter(opts Options) (*S3Exporter, error) {
	if opts.Bucket == "" {
		return nil, xerrors.New("Bucket is required")
	}
	if opts.Client == nil {
		return nil, xerrors.New("Client is required")
	}
	e := &S3Exporter{opts: opts, logger: log.OrNop(opts.Logger)}
	if opts.Rate > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}
	return e, nil
}

// Key returns the object key for rec.
func (e *S3Exporter) Key(rec registry.Record) string {
	name := rec.Digest.String() + ".dex"
	if e.opts.Compress {
		name += ".zst"
	}
	target := e.opts.Target
	if target == "" {
		target = "unknown"
	}
	return path.Join(e.opts.Prefix, target, name)
}

func (e *S3Exporter) encoder() (*zstd.Encoder, error) {
	e.encOnce.Do(func() {
		e.enc, e.encErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return e.enc, e.encErr
}

// Export uploads data, waiting for the rate limiter first.
func (e *S3Exporter) Export(ctx context.Context, rec registry.Record, data []byte) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return xerrors.Wrap(err, "export rate limit")
		}
	}

	body := data
	in := &s3.PutObjectInput{
		Bucket:      aws.String(e.opts.Bucket),
		Key:         aws.String(e.Key(rec)),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"sha1":        rec.Digest.String(),
			"source-path": path.Base(rec.Path),
			"size":        strconv.Itoa(len(data)),
		},
	}
	if e.opts.Compress {
		enc, err := e.encoder()
		if err != nil {
			return xerrors.Wrap(err, "zstd encoder")
		}
		body = enc.EncodeAll(data, make([]byte, 0, len(data)/2))
		in.ContentEncoding = aws.String("zstd")
	}
	in.Body = bytes.NewReader(body)
	in.ContentLength = aws.Int64(int64(len(body)))

	if _, err := e.opts.Client.PutObject(ctx, in); err != nil {
		return xerrors.Wrapf(err, "put s3://%s/%s", e.opts.Bucket, aws.ToString(in.Key))
	}
	e.logger.Debug(ctx, "exported dump",
		"bucket", e.opts.Bucket,
		"key", aws.ToString(in.Key),
		"bytes", len(body),
		"raw_bytes", len(data),
	)
	return nil
}
