package procmaps

import "strings"

// Default eligibility size bounds.
const (
	DefaultMinRegionSize = 1 << 10
	DefaultMaxRegionSize = 200 << 20
)

// minProbeSize is the smallest region the read probe bothers with.
const minProbeSize = 16

var (
	// DenyPatterns are runtime and system paths that never hold app code.
	DenyPatterns = []string{
		"/system/", "/apex/", "/vendor/", "/framework/",
		"core-oj", "core-libart", "android.", "java.",
		"com.android.", "com.google.", "/dev/", "/proc/",
		"/ashmem/", "/dmabuf", "kgsl-3d0", "graphics",
		"[heap]", "[stack]", "[anon:",
		"hwui",
	}

	// OverridePatterns re-admit a denied path.
	OverridePatterns = []string{".dex", ".vdex", ".apk", "dalvik", "jit"}

	// PriorityPatterns mark a named region as likely to hold a container.
	PriorityPatterns = []string{
		".dex", ".vdex", ".odex", ".art",
		"oat/", "dalvik-cache",
		".apk", ".jar", ".zip",
		"/data/app/", "/data/data/", "/data/user/", "/data/user_de/",
		"/data/local/tmp/", "/cache/", "code_cache",
		"classes", "base.apk", "split_config",
	}

	anonMarkers = []string{"dalvik", "jit", "dex"}
)

// Prober checks that a range is readable without copying it.
type Prober interface {
	Validate(addr uintptr, n int) bool
}

// Classifier decides scan eligibility and ordering for regions.
type Classifier struct {
	// Filter enables the path denylist. Size, permission and probe checks
	// always apply.
	Filter   bool
	Identity string
	MinSize  uint64
	MaxSize  uint64
	Probe    Prober
}

func (c Classifier) bounds() (uint64, uint64) {
	lo, hi := c.MinSize, c.MaxSize
	if lo == 0 {
		lo = DefaultMinRegionSize
	}
	if hi == 0 {
		hi = DefaultMaxRegionSize
	}
	return lo, hi
}

// ShouldScan reports whether r is eligible. A failed probe excludes the
// region; it never aborts the caller.
func (c Classifier) ShouldScan(r Region) bool {
	if !r.Readable() {
		return false
	}
	size := r.Size()
	lo, hi := c.bounds()
	if size == 0 || size < lo || size > hi {
		return false
	}
	if size < minProbeSize {
		return false
	}
	if c.Probe != nil && !c.Probe.Validate(r.Start, int(size)) {
		return false
	}
	if c.Filter && r.Path != "" && c.denied(r.Path) {
		return false
	}
	return true
}

func (c Classifier) denied(path string) bool {
	if !containsAny(path, DenyPatterns) {
		return false
	}
	if containsAny(path, OverridePatterns) || c.ownPath(path) {
		return false
	}
	return true
}

func (c Classifier) ownPath(path string) bool {
	return c.Identity != "" && strings.Contains(path, c.Identity)
}

// IsHighPriority reports whether r should be scanned in the first pass.
// It only orders work and never changes eligibility.
func (c Classifier) IsHighPriority(r Region) bool {
	p := r.Path
	if p == "" {
		return true
	}
	if strings.Contains(p, "[anon:") && containsAny(p, anonMarkers) {
		return true
	}
	return containsAny(p, PriorityPatterns) || c.ownPath(p)
}

func containsAny(s string, pats []string) bool {
	for _, p := range pats {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
