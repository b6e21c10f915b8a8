// Package dump writes extracted containers to the output directory and
// keeps that directory tidy.
package dump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/keithlinneman/dexscan/internal/log"
	"github.com/keithlinneman/dexscan/internal/xerrors"
)

const timeLayout = "20060102_150405"

// ErrShortWrite means fewer bytes reached the file than were handed over.
// The partial file has already been removed.
var ErrShortWrite = errors.New("dump: short write")

// ownName matches files produced by Filename.
var ownName = regexp.MustCompile(`^dex_\d+_0x[0-9a-f]+_\d{8}_\d{6}\.dex$`)

// Filename is dex_<seq>_<0xaddr>_<YYYYMMDD_HHMMSS>.dex.
func Filename(seq int, addr uintptr, t time.Time) string {
	return fmt.Sprintf("dex_%d_%#x_%s.dex", seq, addr, t.Format(timeLayout))
}

// IsOwnFile reports whether name follows the Filename scheme.
func IsOwnFile(name string) bool { return ownName.MatchString(name) }

// Writer persists raw container bytes.
type Writer struct {
	Dir    string
	Logger log.Logger
	Now    func() time.Time

	// Create opens the destination; nil means os.Create semantics.
	Create func(path string) (io.WriteCloser, error)
}

func NewWriter(dir string, logger log.Logger) *Writer {
	return &Writer{Dir: dir, Logger: logger}
}

func (w *Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Writer) create(path string) (io.WriteCloser, error) {
	if w.Create != nil {
		return w.Create(path)
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

// Persist writes data unmodified and returns the file's path. On any
// failure after the file was created, the file is removed.
func (w *Writer) Persist(seq int, addr uintptr, data []byte) (string, error) {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", xerrors.Wrapf(err, "create output dir %s", w.Dir)
	}
	path := filepath.Join(w.Dir, Filename(seq, addr, w.now()))
	f, err := w.create(path)
	if err != nil {
		return "", xerrors.Wrapf(err, "create %s", path)
	}
	n, werr := f.Write(data)
	cerr := f.Close()
	switch {
	case werr == nil && n != len(data):
		werr = fmt.Errorf("%w: %d of %d bytes", ErrShortWrite, n, len(data))
	case werr != nil:
		werr = fmt.Errorf("%w: %w", ErrShortWrite, werr)
	case cerr != nil:
		werr = xerrors.Wrapf(cerr, "close %s", path)
	}
	if werr != nil {
		_ = os.Remove(path)
		log.OrNop(w.Logger).Error(context.Background(), werr, "incomplete dump removed", "path", path)
		return "", xerrors.WithStack(werr)
	}
	return path, nil
}

// Clean removes this tool's dumps and manifest from dir and leaves every
// other file alone. A missing dir is not an error.
func Clean(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.Wrapf(err, "read output dir %s", dir)
	}
	var (
		removed int
		errs    []error
	)
	for _, e := range entries {
		if e.IsDir() || (!IsOwnFile(e.Name()) && e.Name() != ManifestName) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
