// Package memsafe reads arbitrary addresses in the current process without
// letting a bad address take the process down.
//
// A [Guard] is the recovery context for one goroutine. Each probe arms the
// guard, asks the runtime to turn a memory fault into a panic for the
// calling goroutine only ([runtime/debug.SetPanicOnFault]), touches the
// memory, and disarms. A fault while armed comes back as [ErrFault]. A fault
// anywhere else keeps the runtime's default behavior and kills the process,
// so the set of code that can survive a bad read is exactly the code inside
// a probe.
//
// The runtime owns the SIGSEGV/SIGBUS handlers and already runs them on a
// per-thread alternate signal stack, so [Install] only records process-wide
// parameters; it is idempotent and safe to call from any goroutine.
//
// Probes also run under checkptr instrumentation, so go test -race covers
// reads that land inside Go heap objects.
package memsafe
