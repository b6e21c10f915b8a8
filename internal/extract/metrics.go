package extract

// Metrics receives pipeline events. *metrics.ScanMetrics implements it.
type Metrics interface {
	ObserveInventory(total, eligible, highPriority int, truncated bool)
	IncRegionScanned(pass string)
	IncDetection(strategy string)
	IncValidationFailure(reason string)
	IncOutcome(outcome string)
	IncSuppressed(verdict string)
	SetRegistrySize(n int)
	ObservePassDuration(pass string, seconds float64)
	IncExport(result string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveInventory(int, int, int, bool) {}
func (nopMetrics) IncRegionScanned(string) {}
func (nopMetrics) IncDetection(string) {}
func (nopMetrics) IncValidationFailure(string) {}
func (nopMetrics) IncOutcome(string) {}
func (nopMetrics) IncSuppressed(string) {}
func (nopMetrics) SetRegistrySize(int) {}
func (nopMetrics) ObservePassDuration(string, float64) {}
func (nopMetrics) IncExport(string) {}
