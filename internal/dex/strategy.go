package dex

import (
	"context"
	"fmt"

	"github.com/keithlinneman/dexscan/internal/log"
)

// Strategy is one way of locating a container in a region.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, s *Scanner, base uintptr, size uint64) (Detection, bool)
}

// DirectStrategy sweeps the start of the region for a bare container.
type DirectStrategy struct {
	// Limit caps the bytes swept. Zero means DefaultScanLimit.
	Limit uint64
}

func (DirectStrategy) Name() string { return "direct" }

func (d DirectStrategy) Attempt(ctx context.Context, s *Scanner, base uintptr, size uint64) (Detection, bool) {
	if size < HeaderSize {
		return Detection{}, false
	}
	limit := d.Limit
	if limit == 0 {
		limit = DefaultScanLimit
	}
	return s.Scan(ctx, base, size, limit)
}

// WrapperStrategy looks for containers embedded near the start of an OAT
// wrapper.
type WrapperStrategy struct {
	// Window caps the bytes swept after the wrapper magic is seen. Zero
	// means WrapperWindow.
	Window uint64
}

func (WrapperStrategy) Name() string { return "wrapper" }

func (w WrapperStrategy) Attempt(ctx context.Context, s *Scanner, base uintptr, size uint64) (Detection, bool) {
	if size < MagicLen {
		return Detection{}, false
	}
	var magic [4]byte
	if err := s.Mem.ReadMemory(magic[:], base); err != nil || !IsWrapperMagic(magic[:]) {
		return Detection{}, false
	}
	log.OrNop(s.Logger).Debug(ctx, "oat wrapper detected, scanning for embedded dex")
	window := w.Window
	if window == 0 {
		window = WrapperWindow
	}
	return s.Scan(ctx, base, size, window)
}

// Detector tries its strategies in order and stops at the first hit.
type Detector struct {
	Strategies []Strategy
	Limits     Limits
	Logger     log.Logger
	Chunk      int
	Rejected   func(reason string)
}

// NewDetector returns the standard direct-then-wrapper detector.
func NewDetector(limits Limits, scanLimit uint64, logger log.Logger) *Detector {
	return &Detector{
		Strategies: []Strategy{DirectStrategy{Limit: scanLimit}, WrapperStrategy{}},
		Limits:     limits,
		Logger:     logger,
	}
}

// Detect returns the detection and the name of the strategy that found it.
func (d *Detector) Detect(ctx context.Context, mem Memory, base uintptr, size uint64) (Detection, string, bool) {
	s := &Scanner{Mem: mem, Limits: d.Limits, Logger: d.Logger, Chunk: d.Chunk, Rejected: d.Rejected}
	lg := log.OrNop(d.Logger)
	for _, st := range d.Strategies {
		lg.Debug(ctx, "attempting detection", "strategy", st.Name())
		if det, ok := st.Attempt(ctx, s, base, size); ok {
			lg.Info(ctx, "dex detected", "strategy", st.Name(), "addr", fmt.Sprintf("%#x", det.Addr), "size", det.Size)
			return det, st.Name(), true
		}
	}
	return Detection{}, "", false
}
