package dump

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/keithlinneman/dexscan/internal/xerrors"
)

var dirTemplates = []string{
	"/data/data/%s/files/dex_dump",
	"/data/user/0/%s/files/dex_dump",
	"/storage/emulated/0/Android/data/%s/files/dex_dump",
	"/sdcard/Android/data/%s/files/dex_dump",
}

// CandidateDirs lists output locations for a process in preference order.
// The last entry lives under the system temp dir so hosts without an
// app-data layout still get somewhere to write.
func CandidateDirs(identity string) []string {
	if identity == "" {
		identity = "dexscan"
	}
	out := make([]string, 0, len(dirTemplates)+1)
	for _, t := range dirTemplates {
		out = append(out, fmt.Sprintf(t, identity))
	}
	return append(out, filepath.Join(os.TempDir(), identity, "dex_dump"))
}

// ResolveDir returns the first candidate that can be created and written
// to. When none work the first candidate is returned with an error.
func ResolveDir(candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", xerrors.New("no output directory candidates")
	}
	for _, dir := range candidates {
		if writable(dir) {
			return dir, nil
		}
	}
	return candidates[0], xerrors.Newf("no writable output directory among %d candidates", len(candidates))
}

func writable(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	return os.Remove(name) == nil
}
