package dump

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/keithlinneman/dexscan/internal/registry"
	"github.com/keithlinneman/dexscan/internal/xerrors"
)

// ManifestName is the manifest's file name inside the output directory.
const ManifestName = "manifest.cbor"

// Manifest describes one run's persisted dumps.
type Manifest struct {
	App         string            `cbor:"1,keyasint"`
	Version     string            `cbor:"2,keyasint"`
	GeneratedAt time.Time         `cbor:"3,keyasint"`
	Records     []registry.Record `cbor:"4,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.TextMarshaler = cbor.TextMarshalerTextString
	opts.Time = cbor.TimeRFC3339Nano
	if encMode, err = opts.EncMode(); err != nil {
		panic("dump: cbor encoder: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{TextUnmarshaler: cbor.TextUnmarshalerTextString}).DecMode(); err != nil {
		panic("dump: cbor decoder: " + err.Error())
	}
}

// WriteManifest replaces dir's manifest atomically.
func WriteManifest(dir string, m Manifest) error {
	if m.GeneratedAt.IsZero() {
		m.GeneratedAt = time.Now().UTC()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Wrapf(err, "create output dir %s", dir)
	}
	b, err := encMode.Marshal(m)
	if err != nil {
		return xerrors.Wrap(err, "encode manifest")
	}
	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return xerrors.Wrap(err, "create manifest temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return xerrors.Wrap(err, "write manifest")
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrap(err, "close manifest")
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, ManifestName)); err != nil {
		return xerrors.Wrap(err, "install manifest")
	}
	return nil
}

// ReadManifest loads dir's manifest.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return m, xerrors.Wrap(err, "read manifest")
	}
	if err := decMode.Unmarshal(b, &m); err != nil {
		return m, xerrors.Wrap(err, "decode manifest")
	}
	return m, nil
}
