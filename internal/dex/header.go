// Package dex finds and validates DEX bytecode containers in memory.
package dex

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Header layout. All fields are little-endian uint32.
const (
	MagicLen   = 8
	HeaderSize = 0x70
	EndianTag  = 0x12345678

	offFileSize   = 0x20
	offHeaderSize = 0x24
	offEndianTag  = 0x28
	offStringIDs  = 0x38
	offStringOff  = 0x3C
)

// Default limits.
const (
	DefaultMinSize   = 1 << 10
	DefaultMaxSize   = 50 << 20
	DefaultScanLimit = 2 << 20
	WrapperWindow    = 64 << 10
)

var (
	// magicPrefix is "dex\n03"; the version digit follows.
	magicPrefix  = []byte("dex\n03")
	wrapperMagic = []byte("oat\n")
)

// ErrInvalidHeader matches every *ValidationError.
var ErrInvalidHeader = errors.New("dex: invalid header")

// Validation failure reasons, usable as metric labels.
const (
	ReasonHeaderBounds = "header_bounds"
	ReasonUnreadable   = "unreadable"
	ReasonSizeBounds   = "size_bounds"
	ReasonSizeOverrun  = "size_overrun"
	ReasonHeaderSize   = "header_size"
	ReasonEndian       = "endian_tag"
	ReasonStringTable  = "string_table"
)

// ValidationError reports the first check a candidate header failed.
type ValidationError struct {
	Offset uint64
	Reason string
	Got    uint64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("dex: header at +%#x failed %s (got %#x)", e.Offset, e.Reason, e.Got)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidHeader }

// Limits bounds the declared total size of a container.
type Limits struct {
	MinSize uint32
	MaxSize uint32
}

// DefaultLimits returns the 1 KiB..50 MiB bounds.
func DefaultLimits() Limits { return Limits{MinSize: DefaultMinSize, MaxSize: DefaultMaxSize} }

func (l Limits) orDefault() Limits {
	if l.MinSize == 0 && l.MaxSize == 0 {
		return DefaultLimits()
	}
	return l
}

// Contains reports whether n is within the limits.
func (l Limits) Contains(n uint64) bool {
	l = l.orDefault()
	return n >= uint64(l.MinSize) && n <= uint64(l.MaxSize)
}

// Memory is the read side of a fault-isolated reader.
type Memory interface {
	ReadMemory(p []byte, addr uintptr) error
}

// IsMagic reports whether b starts with a recognized DEX signature
// (versions 035 through 039).
func IsMagic(b []byte) bool {
	if len(b) < len(magicPrefix)+1 {
		return false
	}
	for i, c := range magicPrefix {
		if b[i] != c {
			return false
		}
	}
	v := b[len(magicPrefix)]
	return v >= '5' && v <= '9'
}

// IsWrapperMagic reports whether b starts with the OAT signature.
func IsWrapperMagic(b []byte) bool {
	return len(b) >= len(wrapperMagic) && string(b[:len(wrapperMagic)]) == string(wrapperMagic)
}

// ValidateHeader checks the header at base+off against the avail bytes of
// the enclosing buffer. Checks run in a fixed order and stop at the first
// failure.
func ValidateHeader(mem Memory, base uintptr, avail, off uint64, limits Limits) error {
	limits = limits.orDefault()
	if off > avail || avail-off < HeaderSize {
		return &ValidationError{Offset: off, Reason: ReasonHeaderBounds, Got: avail}
	}
	var hdr [HeaderSize]byte
	if err := mem.ReadMemory(hdr[:], base+uintptr(off)); err != nil {
		return &ValidationError{Offset: off, Reason: ReasonUnreadable}
	}
	return validateFields(hdr[:], avail-off, off, limits)
}

func validateFields(hdr []byte, room, off uint64, limits Limits) error {
	le := binary.LittleEndian
	size := uint64(le.Uint32(hdr[offFileSize:]))
	if size < uint64(limits.MinSize) || size > uint64(limits.MaxSize) {
		return &ValidationError{Offset: off, Reason: ReasonSizeBounds, Got: size}
	}
	if size > room {
		return &ValidationError{Offset: off, Reason: ReasonSizeOverrun, Got: size}
	}
	if hs := le.Uint32(hdr[offHeaderSize:]); hs != HeaderSize {
		return &ValidationError{Offset: off, Reason: ReasonHeaderSize, Got: uint64(hs)}
	}
	if tag := le.Uint32(hdr[offEndianTag:]); tag != EndianTag {
		return &ValidationError{Offset: off, Reason: ReasonEndian, Got: uint64(tag)}
	}
	count := uint64(le.Uint32(hdr[offStringIDs:]))
	soff := uint64(le.Uint32(hdr[offStringOff:]))
	if soff > size || soff+count*4 > size {
		return &ValidationError{Offset: off, Reason: ReasonStringTable, Got: soff}
	}
	return nil
}

// DeclaredSize reads the file_size field of a validated header.
func DeclaredSize(hdr []byte) uint32 {
	if len(hdr) < offFileSize+4 {
		return 0
	}
	return binary.LittleEndian.Uint32(hdr[offFileSize:])
}
