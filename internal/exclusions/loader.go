// Package exclusions fetches an extra list of digests that must never be
// persisted from SSM Parameter Store, optionally checking a KMS signature
// over the list before trusting it.
package exclusions

import (
	"bufio"
	"context"
	"encoding/base64"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/dexscan/internal/cryptoutil"
	"github.com/keithlinneman/dexscan/internal/log"
	"github.com/keithlinneman/dexscan/internal/xerrors"
)

// SigSuffix names the parameter holding the base64 signature.
const SigSuffix = ".sig"

// ParameterStore is the subset of the SSM API the loader needs.
type ParameterStore interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Verifier checks a detached signature over the raw parameter value.
type Verifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

type Options struct {
	Logger log.Logger
	Client ParameterStore
	// Param holds digests separated by newlines or commas; '#' starts a
	// comment.
	Param string
	// SigParam defaults to Param+SigSuffix when Verifier is set.
	SigParam string
	Verifier Verifier
}

type Loader struct {
	opts   Options
	logger log.Logger
}

func NewLoader(opts Options) (*Loader, error) {
	if opts.Param == "" {
		return nil, xerrors.New("Param is required")
	}
	if opts.Client == nil {
		return nil, xerrors.New("Client is required")
	}
	if opts.Verifier != nil && opts.SigParam == "" {
		opts.SigParam = opts.Param + SigSuffix
	}
	return &Loader{opts: opts, logger: log.OrNop(opts.Logger)}, nil
}

func (l *Loader) fetch(ctx context.Context, name string) (string, error) {
	out, err := l.opts.Client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	return *out.Parameter.Value, nil
}

// Load returns the parsed digests. A signature mismatch or any malformed
// entry rejects the whole list.
func (l *Loader) Load(ctx context.Context) ([]cryptoutil.Digest, error) {
	raw, err := l.fetch(ctx, l.opts.Param)
	if err != nil {
		return nil, err
	}

	if l.opts.Verifier != nil {
		sigText, err := l.fetch(ctx, l.opts.SigParam)
		if err != nil {
			return nil, err
		}
		sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sigText))
		if err != nil {
			return nil, xerrors.Wrapf(err, "decode signature from %s", l.opts.SigParam)
		}
		if err := l.opts.Verifier.VerifySignature(ctx, []byte(raw), sig); err != nil {
			return nil, xerrors.Wrapf(err, "exclusion list %s failed signature check", l.opts.Param)
		}
	}

	ds, err := Parse(raw)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse exclusion list %s", l.opts.Param)
	}
	l.logger.Info(ctx, "loaded exclusion list",
		"param", l.opts.Param,
		"count", len(ds),
		"signed", l.opts.Verifier != nil,
	)
	return ds, nil
}

// Parse reads digests separated by newlines or commas. Blank lines and
// '#' comments are ignored; duplicates are dropped.
func Parse(s string) ([]cryptoutil.Digest, error) {
	var (
		out  []cryptoutil.Digest
		seen = make(map[cryptoutil.Digest]bool)
	)
	sc := bufio.NewScanner(strings.NewReader(s))
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		for _, f := range strings.Split(text, ",") {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			d, err := cryptoutil.ParseDigest(f)
			if err != nil {
				return nil, xerrors.Wrapf(err, "line %d", line)
			}
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, xerrors.Wrap(err, "scan")
	}
	return out, nil
}

// Merge appends extra to base without duplicates, keeping base order.
func Merge(base, extra []cryptoutil.Digest) []cryptoutil.Digest {
	out := make([]cryptoutil.Digest, 0, len(base)+len(extra))
	seen := make(map[cryptoutil.Digest]bool, len(base)+len(extra))
	for _, list := range [][]cryptoutil.Digest{base, extra} {
		for _, d := range list {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	return out
}
