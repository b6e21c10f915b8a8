package extract

import (
	"time"

	"github.com/keithlinneman/dexscan/internal/dex"
	"github.com/keithlinneman/dexscan/internal/procmaps"
)

// Settings is the scan configuration. It is copied into the orchestrator
// and worker at construction and never changes afterwards.
type Settings struct {
	FilterRegions   bool
	InitialDelay    time.Duration
	SecondScan      bool
	SecondScanDelay time.Duration

	Limits        dex.Limits
	ScanLimit     uint64
	MaxRegionSize uint64
	MaxRegions    int

	OutputDir     string
	CleanOutput   bool
	WriteManifest bool

	// Identity is the process name used by the region classifier.
	Identity string
}

// DefaultSettings mirrors the stock configuration.
func DefaultSettings() Settings {
	return Settings{
		FilterRegions:   true,
		InitialDelay:    8 * time.Second,
		SecondScanDelay: 12 * time.Second,
		Limits:          dex.DefaultLimits(),
		ScanLimit:       dex.DefaultScanLimit,
		MaxRegionSize:   procmaps.DefaultMaxRegionSize,
		MaxRegions:      procmaps.DefaultMaxRegions,
		CleanOutput:     true,
		WriteManifest:   true,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.Limits == (dex.Limits{}) {
		s.Limits = d.Limits
	}
	if s.ScanLimit == 0 {
		s.ScanLimit = d.ScanLimit
	}
	if s.MaxRegionSize == 0 {
		s.MaxRegionSize = d.MaxRegionSize
	}
	if s.MaxRegions <= 0 {
		s.MaxRegions = d.MaxRegions
	}
	return s
}
