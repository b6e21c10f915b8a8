package exclusions

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/keithlinneman/dexscan/internal/cryptoutil"
)

const (
	emptySHA1 = "da39a3ee5e6b4b0d3255bfef95601890afd80709"
	otherSHA1 = "5ba93c9db0cff93f52b521d7420e43f6eda2784f"
)

type fakeSSM struct {
	params map[string]string
	calls  []string
	err    error
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	name := aws.ToString(in.Name)
	f.calls = append(f.calls, name)
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.params[name]
	if !ok {
		return &ssm.GetParameterOutput{}, nil
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Name: in.Name, Value: aws.String(v)}}, nil
}

// fakeVerifier accepts a signature equal to "sig:" + message.
type fakeVerifier struct{}

func (fakeVerifier) VerifySignature(_ context.Context, message, signature []byte) error {
	if !bytes.Equal(signature, append([]byte("sig:"), message...)) {
		return errors.New("signature mismatch")
	}
	return nil
}

func sign(msg string) string {
	return base64.StdEncoding.EncodeToString([]byte("sig:" + msg))
}

func TestNewLoader_Validation(t *testing.T) {
	if _, err := NewLoader(Options{Client: &fakeSSM{}}); err == nil {
		t.Fatal("expected error without Param")
	}
	if _, err := NewLoader(Options{Param: "/p"}); err == nil {
		t.Fatal("expected error without Client")
	}
	l, err := NewLoader(Options{Param: "/p", Client: &fakeSSM{}, Verifier: fakeVerifier{}})
	if err != nil {
		t.Fatal(err)
	}
	if l.opts.SigParam != "/p.sig" {
		t.Fatalf("SigParam = %q", l.opts.SigParam)
	}
}

func TestLoad_Unsigned(t *testing.T) {
	store := &fakeSSM{params: map[string]string{"/dexscan/excl": emptySHA1 + "\n" + otherSHA1 + "\n"}}
	l, _ := NewLoader(Options{Param: "/dexscan/excl", Client: store})

	ds, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(ds) != 2 || ds[0].String() != emptySHA1 || ds[1].String() != otherSHA1 {
		t.Fatalf("digests = %v", ds)
	}
	if len(store.calls) != 1 {
		t.Fatalf("unsigned load should not fetch a signature: %v", store.calls)
	}
}

func TestLoad_Signed(t *testing.T) {
	list := emptySHA1 + "\n"
	tests := []struct {
		name    string
		sig     string
		wantErr string
	}{
		{"valid", sign(list), ""},
		{"tampered", sign(otherSHA1 + "\n"), "failed signature check"},
		{"not base64", "%%%", "decode signature"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeSSM{params: map[string]string{"/excl": list, "/excl.sig": tt.sig}}
			l, _ := NewLoader(Options{Param: "/excl", Client: store, Verifier: fakeVerifier{}})
			ds, err := l.Load(context.Background())
			if tt.wantErr == "" {
				if err != nil || len(ds) != 1 {
					t.Fatalf("Load = %v, %v", ds, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
			if ds != nil {
				t.Fatal("rejected list must return no digests")
			}
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	l, _ := NewLoader(Options{Param: "/missing", Client: &fakeSSM{}})
	if _, err := l.Load(context.Background()); err == nil || !strings.Contains(err.Error(), "has no value") {
		t.Fatalf("missing value: err = %v", err)
	}

	l, _ = NewLoader(Options{Param: "/p", Client: &fakeSSM{err: errors.New("throttled")}})
	if _, err := l.Load(context.Background()); err == nil || !strings.Contains(err.Error(), "throttled") {
		t.Fatalf("api error: err = %v", err)
	}

	l, _ = NewLoader(Options{Param: "/p", Client: &fakeSSM{params: map[string]string{"/p": "nothex"}}})
	if _, err := l.Load(context.Background()); err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Fatalf("bad entry: err = %v", err)
	}
}

func TestParse(t *testing.T) {
	in := "# known null containers\n" + emptySHA1 + ", " + otherSHA1 + "\n\n" + emptySHA1 + " # again\n"
	ds, err := Parse(in)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(ds) != 2 {
		t.Fatalf("want 2 unique digests, got %d", len(ds))
	}
	if ds, err := Parse(""); err != nil || len(ds) != 0 {
		t.Fatalf("empty: %v %v", ds, err)
	}
}

func TestMerge(t *testing.T) {
	a := cryptoutil.MustParseDigest(emptySHA1)
	b := cryptoutil.MustParseDigest(otherSHA1)
	got := Merge([]cryptoutil.Digest{a}, []cryptoutil.Digest{b, a})
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Fatalf("Merge = %v", got)
	}
}
