package memsafe

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"unsafe"
)

// MinAddress is the lowest address a probe will touch. Anything below it is
// the null page on every platform we run on.
const MinAddress uintptr = 0x1000

var (
	ErrFault       = errors.New("memsafe: memory fault")
	ErrImplausible = errors.New("memsafe: implausible address range")
	ErrReentrant   = errors.New("memsafe: guard already armed")
)

// FaultError carries the faulting address reported by the runtime.
type FaultError struct {
	Addr uintptr
}

func (e *FaultError) Error() string { return fmt.Sprintf("memsafe: memory fault at %#x", e.Addr) }
func (e *FaultError) Is(target error) bool { return target == ErrFault }

var (
	installMu sync.Mutex
	installed bool
	pageSize  = 4096
)

// Install records process-wide probe parameters. Repeated and concurrent
// calls are safe; only the first does any work.
func Install() error {
	installMu.Lock()
	defer installMu.Unlock()
	if installed {
		return nil
	}
	if ps := os.Getpagesize(); ps > 0 {
		pageSize = ps
	}
	installed = true
	return nil
}

// PageSize returns the page size recorded by Install.
func PageSize() int {
	installMu.Lock()
	defer installMu.Unlock()
	return pageSize
}

// Installed reports whether Install has run.
func Installed() bool {
	installMu.Lock()
	defer installMu.Unlock()
	return installed
}

// Stats counts probe outcomes on one guard.
type Stats struct {
	Probes uint64
	Faults uint64
}

// Guard is a recovery context owned by a single goroutine. Only one probe
// can be armed on a guard at a time; it must not be shared across
// goroutines.
type Guard struct {
	armed bool
	sink  byte
	stats Stats
}

// NewGuard installs the process-wide state if needed and returns a disarmed guard.
func NewGuard() *Guard {
	_ = Install()
	return &Guard{}
}

// Stats returns the guard's probe counters.
func (g *Guard) Stats() Stats { return g.stats }

// Armed reports whether a probe is in progress on g.
func (g *Guard) Armed() bool { return g.armed }

// plausible rejects the null page and ranges that wrap the address space.
func plausible(addr uintptr, n int) bool {
	if n <= 0 || addr < MinAddress {
		return false
	}
	return uintptr(n)-1 <= ^uintptr(0)-addr
}

// probe runs fn with fault recovery armed. A memory fault inside fn becomes
// a *FaultError; any other panic is re-raised untouched.
func (g *Guard) probe(fn func()) (err error) {
	if g.armed {
		return ErrReentrant
	}
	g.armed = true
	g.stats.Probes++
	prev := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(prev)
		g.armed = false
		r := recover()
		if r == nil {
			return
		}
		if addr, ok := faultAddr(r); ok {
			g.stats.Faults++
			err = &FaultError{Addr: addr}
			return
		}
		panic(r)
	}()
	fn()
	return nil
}

func faultAddr(r any) (uintptr, bool) {
	re, ok := r.(runtime.Error)
	if !ok {
		return 0, false
	}
	if a, ok := re.(interface{ Addr() uintptr }); ok {
		return a.Addr(), true
	}
	return 0, false
}

// Validate reports whether the first and last byte of [addr, addr+n) can be
// read. Nothing is copied.
func (g *Guard) Validate(addr uintptr, n int) bool {
	if !plausible(addr, n) {
		return false
	}
	err := g.probe(func() {
		g.sink = loadByte(addr)
		if n > 1 {
			g.sink = loadByte(addr + uintptr(n) - 1)
		}
	})
	return err == nil
}

// ReadMemory copies len(p) bytes starting at addr into p. On failure the
// contents of p are unspecified and must not be used.
func (g *Guard) ReadMemory(p []byte, addr uintptr) error {
	if !plausible(addr, len(p)) {
		return ErrImplausible
	}
	if !g.Validate(addr, len(p)) {
		return &FaultError{Addr: addr}
	}
	return g.probe(func() {
		copyFrom(p, addr)
	})
}

// The addresses handed to a probe are not derived from Go pointers, so
// checkptr builds (-race, -msan, -asan) would throw on any that land in the
// Go heap. That throw is fatal and cannot be recovered.

//go:nocheckptr
//go:norace
func loadByte(addr uintptr) byte {
	return *(*byte)(unsafe.Pointer(addr))
}

//go:nocheckptr
//go:norace
func copyFrom(p []byte, addr uintptr) {
	copy(p, unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(p)))
}

// Read validates then copies n bytes from addr. It returns either all n
// bytes or an error, never a partial copy.
func (g *Guard) Read(addr uintptr, n int) ([]byte, error) {
	if !plausible(addr, n) {
		return nil, ErrImplausible
	}
	buf := make([]byte, n)
	if err := g.ReadMemory(buf, addr); err != nil {
		return nil, err
	}
	return buf, nil
}
