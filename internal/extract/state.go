package extract

import "time"

// Outcome is where a region ended up in the per-region state machine.
type Outcome int

const (
	// Skipped: no validated container in the region.
	Skipped Outcome = iota
	// Failed: a container was found but copying or persisting it failed.
	Failed
	// Suppressed: the copy was a duplicate or excluded.
	Suppressed
	// Persisted: the copy was written and recorded.
	Persisted
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	case Suppressed:
		return "suppressed"
	case Persisted:
		return "persisted"
	default:
		return "unknown"
	}
}

// Stats summarizes one Run. Processed and Persisted accumulate across both
// passes.
type Stats struct {
	Run          int       `json:"run"`
	Regions      int       `json:"regions"`
	Eligible     int       `json:"eligible"`
	HighPriority int       `json:"high_priority"`
	Truncated    bool      `json:"truncated"`
	Processed    int       `json:"processed"`
	Persisted    int       `json:"persisted"`
	Skipped      int       `json:"skipped"`
	Failed       int       `json:"failed"`
	Suppressed   int       `json:"suppressed"`
	FallbackPass bool      `json:"fallback_pass"`
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished"`
}

func (s *Stats) count(o Outcome) {
	s.Processed++
	switch o {
	case Skipped:
		s.Skipped++
	case Failed:
		s.Failed++
	case Suppressed:
		s.Suppressed++
	case Persisted:
		s.Persisted++
	}
}
