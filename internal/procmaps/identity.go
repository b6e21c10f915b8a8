package procmaps

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
)

// Identity returns the process's own name as it appears in mapped paths:
// the first cmdline argument on Android-style processes, otherwise the
// executable's base name. A ":subprocess" suffix is dropped. Empty when
// neither is available.
func Identity() string {
	if b, err := os.ReadFile("/proc/self/cmdline"); err == nil {
		if i := bytes.IndexByte(b, 0); i >= 0 {
			b = b[:i]
		}
		s := strings.TrimSpace(string(b))
		if i := strings.IndexByte(s, ':'); i > 0 {
			s = s[:i]
		}
		if s != "" {
			return filepath.Base(s)
		}
	}
	if exe, err := os.Executable(); err == nil {
		return filepath.Base(exe)
	}
	return ""
}
