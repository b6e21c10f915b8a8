// Package health provides the liveness and readiness probes served on the
// admin listener.
//
// Probes compose with [All]. [CheckFunc] adapts a plain function into a
// [Probe]. [AfterScan] keeps readiness false until the scan worker has
// finished, and [ShutdownGate] flips it back to false once the process
// starts to exit.
package health
