package cryptoutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSum_EmptyKnownVector(t *testing.T) {
	want := "da39a3ee5e6b4b0d3255bfef95601890afd80709"
	if got := Sum(nil).String(); got != want {
		t.Fatalf("Sum(nil) = %s, want %s", got, want)
	}
}

func TestParseDigest(t *testing.T) {
	d := Sum([]byte("hello"))
	cases := []struct {
		in      string
		wantErr bool
	}{
		{d.String(), false},
		{strings.ToUpper(d.String()), false},
		{"  " + d.String() + "\n", false},
		{d.String()[:39], true},
		{d.String() + "00", true},
		{strings.Repeat("zz", 20), true},
		{"", true},
	}
	for _, tc := range cases {
		got, err := ParseDigest(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseDigest(%q) succeeded", tc.in)
			}
			continue
		}
		if err != nil || got != d {
			t.Errorf("ParseDigest(%q) = %v, %v", tc.in, got, err)
		}
	}
}

func TestDigest_TextRoundTrip(t *testing.T) {
	d := Sum([]byte("container"))
	b, _ := d.MarshalText()
	var back Digest
	if err := back.UnmarshalText(b); err != nil || back != d {
		t.Fatalf("round trip = %v, %v", back, err)
	}
	if d.Short() != d.String()[:8] {
		t.Fatalf("Short = %s", d.Short())
	}
}

func TestSumFile_MatchesSum(t *testing.T) {
	data := []byte(strings.Repeat("dex\n035\x00", 1000))
	p := filepath.Join(t.TempDir(), "a.dex")
	if err := os.WriteFile(p, data, 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := SumFile(p)
	if err != nil {
		t.Fatalf("SumFile: %v", err)
	}
	if !got.Equal(Sum(data)) {
		t.Fatalf("SumFile = %s, want %s", got, Sum(data))
	}
	if _, err := SumFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("SumFile on missing file succeeded")
	}
}

func TestHashEqual(t *testing.T) {
	a := Sum([]byte("one")).String()
	if !HashEqual(a, a) {
		t.Fatal("identical hashes differ")
	}
	if HashEqual(a, Sum([]byte("two")).String()) || HashEqual(a, a[:10]) {
		t.Fatal("different hashes compare equal")
	}
}
