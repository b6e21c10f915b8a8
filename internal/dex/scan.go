package dex

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/keithlinneman/dexscan/internal/log"
)

const defaultChunk = 4096

// Detection locates a validated container.
type Detection struct {
	Addr    uintptr
	Size    uint32
	Offset  uint64
	Version string
}

func (d Detection) String() string {
	return fmt.Sprintf("dex %s at %#x (%d bytes)", d.Version, d.Addr, d.Size)
}

// Scanner sweeps a memory range for container signatures.
type Scanner struct {
	Mem    Memory
	Limits Limits
	Logger log.Logger

	// Chunk is the read granularity of the sweep; it should be the page
	// size so an unreadable page costs one failed read. Must be a multiple
	// of 4. Zero means 4096.
	Chunk int

	// Rejected, if set, is told about every signature that failed validation.
	Rejected func(reason string)
}

// Scan is Scanner.Scan with a nop logger.
func Scan(mem Memory, base uintptr, size, limit uint64, limits Limits) (Detection, bool) {
	s := &Scanner{Mem: mem, Limits: limits}
	return s.Scan(context.Background(), base, size, limit)
}

func (s *Scanner) chunk() uint64 {
	if s.Chunk <= 0 || s.Chunk%4 != 0 {
		return defaultChunk
	}
	return uint64(s.Chunk)
}

// Scan walks [base, base+min(size, limit)) at a 4-byte stride and returns
// the first signature whose header validates against the whole size bytes.
// Unreadable offsets and rejected candidates are skipped.
func (s *Scanner) Scan(ctx context.Context, base uintptr, size, limit uint64) (Detection, bool) {
	if limit == 0 || limit > size {
		limit = size
	}
	if limit < MagicLen {
		return Detection{}, false
	}
	last := limit - MagicLen
	chunk := s.chunk()
	buf := make([]byte, chunk+MagicLen)

	for start := uint64(0); start <= last; start += chunk {
		hi := start + chunk - 4
		if hi > last {
			hi = start + (last-start)/4*4
		}
		need := hi - start + MagicLen
		window := buf[:need]
		readable := s.Mem.ReadMemory(window, base+uintptr(start)) == nil

		for off := start; off <= hi; off += 4 {
			var sig []byte
			if readable {
				sig = window[off-start : off-start+MagicLen]
			} else {
				var one [MagicLen]byte
				if s.Mem.ReadMemory(one[:], base+uintptr(off)) != nil {
					continue
				}
				sig = one[:]
			}
			if !IsMagic(sig) {
				continue
			}
			if d, ok := s.candidate(ctx, base, size, off, string(sig[4:7])); ok {
				return d, true
			}
		}
	}
	return Detection{}, false
}

func (s *Scanner) candidate(ctx context.Context, base uintptr, size, off uint64, version string) (Detection, bool) {
	lg := log.OrNop(s.Logger)
	if err := ValidateHeader(s.Mem, base, size, off, s.Limits); err != nil {
		var ve *ValidationError
		reason := ReasonUnreadable
		if errors.As(err, &ve) {
			reason = ve.Reason
		}
		lg.Warn(ctx, "dex signature failed header validation",
			"addr", fmt.Sprintf("%#x", base+uintptr(off)),
			"reason", reason,
		)
		if s.Rejected != nil {
			s.Rejected(reason)
		}
		return Detection{}, false
	}
	var field [4]byte
	if err := s.Mem.ReadMemory(field[:], base+uintptr(off)+offFileSize); err != nil {
		return Detection{}, false
	}
	d := Detection{
		Addr:    base + uintptr(off),
		Size:    binary.LittleEndian.Uint32(field[:]),
		Offset:  off,
		Version: version,
	}
	lg.Debug(ctx, "valid dex header", "addr", fmt.Sprintf("%#x", d.Addr), "size", d.Size, "version", d.Version)
	return d, true
}
