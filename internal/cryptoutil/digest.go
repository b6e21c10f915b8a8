package cryptoutil

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/keithlinneman/dexscan/internal/xerrors"
)

// DigestSize is the width of a content digest in bytes.
const DigestSize = sha1.Size

// Digest is the SHA-1 of a container's bytes. SHA-1 is kept because the
// exclusion lists in circulation are SHA-1; it is an identity key here,
// not a security boundary.
type Digest [DigestSize]byte

// Sum returns the digest of data.
func Sum(data []byte) Digest { return Digest(sha1.Sum(data)) }

// SumReader digests everything r yields.
func SumReader(r io.Reader) (Digest, int64, error) {
	h := sha1.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, n, xerrors.Wrap(err, "digest stream")
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, n, nil
}

// SumFile digests the file at path.
func SumFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, xerrors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	d, _, err := SumReader(f)
	return d, err
}

// ParseDigest accepts 40 hex characters, case-insensitive, surrounding
// whitespace ignored.
func ParseDigest(s string) (Digest, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != hex.EncodedLen(DigestSize) {
		return Digest{}, xerrors.Newf("digest %q: want %d hex characters", s, hex.EncodedLen(DigestSize))
	}
	var d Digest
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return Digest{}, xerrors.Wrapf(err, "digest %q", s)
	}
	return d, nil
}

// MustParseDigest is ParseDigest for compile-time constants.
func MustParseDigest(s string) Digest {
	d, err := ParseDigest(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// Short is the first four bytes in hex, for log lines.
func (d Digest) Short() string { return hex.EncodeToString(d[:4]) }

func (d Digest) IsZero() bool { return d == Digest{} }

// MarshalText renders lowercase hex.
func (d Digest) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Digest) UnmarshalText(b []byte) error {
	v, err := ParseDigest(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Equal compares in constant time.
func (d Digest) Equal(o Digest) bool {
	return subtle.ConstantTimeCompare(d[:], o[:]) == 1
}

// HashEqual performs constant-time comparison of two hex-encoded hashes.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
