// Package procmaps snapshots the process's own memory map and decides which
// regions are worth scanning.
package procmaps

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/keithlinneman/dexscan/internal/xerrors"
)

// DefaultMaxRegions bounds a single snapshot.
const DefaultMaxRegions = 65536

const mapsPath = "/proc/self/maps"

// ErrTruncated is returned alongside a partial inventory when the bound was hit.
var ErrTruncated = errors.New("procmaps: region inventory truncated")

// FileID identifies the file backing a mapping. Anonymous mappings have a
// zero Inode.
type FileID struct {
	Dev   uint64
	Inode uint64
}

// IsZero reports whether the id carries no usable identity.
func (id FileID) IsZero() bool { return id.Inode == 0 }

func (id FileID) String() string { return fmt.Sprintf("%d:%d", id.Dev, id.Inode) }

// Region is one line of the memory map.
type Region struct {
	Start  uintptr
	End    uintptr
	Perms  string
	Offset uint64
	ID     FileID
	Path   string
}

// Size is End-Start, or 0 for a malformed region.
func (r Region) Size() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return uint64(r.End - r.Start)
}

// Readable reports whether the mapping carries read permission.
func (r Region) Readable() bool { return strings.HasPrefix(r.Perms, "r") }

func (r Region) String() string {
	return fmt.Sprintf("%#x-%#x %s %s", r.Start, r.End, r.Perms, r.Path)
}

// Snapshot parses /proc/self/maps. See Parse for the truncation contract.
func Snapshot(max int) ([]Region, error) {
	f, err := os.Open(mapsPath)
	if err != nil {
		return nil, xerrors.Wrap(err, "open memory map")
	}
	defer f.Close()
	return Parse(f, max)
}

// Parse reads maps-format lines from r. Lines that do not parse are
// skipped. When more than max regions are present the first max are
// returned together with ErrTruncated; callers should carry on with the
// partial list. A read error also comes back with the regions parsed so
// far. max <= 0 means DefaultMaxRegions.
func Parse(r io.Reader, max int) ([]Region, error) {
	if max <= 0 {
		max = DefaultMaxRegions
	}
	out := make([]Region, 0, 256)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		reg, ok := parseLine(sc.Text())
		if !ok {
			continue
		}
		if len(out) >= max {
			return out, ErrTruncated
		}
		out = append(out, reg)
	}
	if err := sc.Err(); err != nil {
		return out, xerrors.Wrap(err, "read memory map")
	}
	return out, nil
}

// parseLine handles "start-end perms offset major:minor inode [path]".
// The path may contain spaces and is kept verbatim.
func parseLine(line string) (Region, bool) {
	var reg Region
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return reg, false
	}
	lo, hi, ok := strings.Cut(fields[0], "-")
	if !ok {
		return reg, false
	}
	start, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return reg, false
	}
	end, err := strconv.ParseUint(hi, 16, 64)
	if err != nil {
		return reg, false
	}
	off, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return reg, false
	}
	maj, min, ok := strings.Cut(fields[3], ":")
	if !ok {
		return reg, false
	}
	dmaj, err1 := strconv.ParseUint(maj, 16, 32)
	dmin, err2 := strconv.ParseUint(min, 16, 32)
	if err1 != nil || err2 != nil {
		return reg, false
	}
	ino, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return reg, false
	}
	reg = Region{
		Start:  uintptr(start),
		End:    uintptr(end),
		Perms:  fields[1],
		Offset: off,
		ID:     FileID{Dev: mkdev(uint32(dmaj), uint32(dmin)), Inode: ino},
	}
	if len(fields) > 5 {
		reg.Path = pathField(line)
	}
	return reg, true
}

// pathField returns everything after the inode column.
func pathField(line string) string {
	rest := line
	for i := 0; i < 5; i++ {
		rest = strings.TrimLeft(rest, " \t")
		j := strings.IndexAny(rest, " \t")
		if j < 0 {
			return ""
		}
		rest = rest[j:]
	}
	return strings.TrimSpace(rest)
}
