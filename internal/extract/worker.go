package extract

import (
	"context"
	"sync"
	"time"

	"github.com/keithlinneman/dexscan/internal/dump"
	"github.com/keithlinneman/dexscan/internal/log"
	"github.com/keithlinneman/dexscan/internal/version"
)

// Worker runs the whole scan sequence on its own goroutine: wait, clean
// the output directory, scan, and optionally wait and scan again. It does
// not observe context cancellation once started; the context only carries
// loggers and trace spans.
type Worker struct {
	orch     *Orchestrator
	settings Settings
	logger   log.Logger

	// Sleep pauses between phases; nil means time.Sleep.
	Sleep func(time.Duration)
	// OnRun is called after every completed run.
	OnRun func(Stats)

	once     sync.Once
	doneOnce sync.Once
	done     chan struct{}

	mu   sync.Mutex
	runs []Stats
}

func NewWorker(orch *Orchestrator, logger log.Logger) *Worker {
	return &Worker{
		orch:     orch,
		settings: orch.Settings(),
		logger:   log.OrNop(logger),
		done:     make(chan struct{}),
	}
}

func (w *Worker) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if w.Sleep != nil {
		w.Sleep(d)
		return
	}
	time.Sleep(d)
}

// Start launches Run on a new goroutine. Further calls are no-ops.
func (w *Worker) Start(ctx context.Context) {
	w.once.Do(func() { go w.Run(ctx) })
}

// Done is closed when Run has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Completed reports whether Run has returned.
func (w *Worker) Completed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Runs returns the stats of every completed run so far.
func (w *Worker) Runs() []Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Stats(nil), w.runs...)
}

// Run executes the sequence synchronously.
func (w *Worker) Run(ctx context.Context) {
	defer w.doneOnce.Do(func() { close(w.done) })
	s := w.settings

	w.logger.Info(ctx, "scan worker started", "initial_delay", s.InitialDelay.String(), "output_dir", s.OutputDir)
	w.sleep(s.InitialDelay)

	if s.CleanOutput {
		n, err := dump.Clean(s.OutputDir)
		if err != nil {
			w.logger.Error(ctx, err, "output cleanup incomplete", "dir", s.OutputDir, "removed", n)
		} else {
			w.logger.Info(ctx, "output directory cleaned", "dir", s.OutputDir, "removed", n)
		}
	}

	w.runOnce(ctx)
	if s.SecondScan {
		w.logger.Info(ctx, "second scan scheduled", "delay", s.SecondScanDelay.String())
		w.sleep(s.SecondScanDelay)
		w.runOnce(ctx)
	}
	w.logger.Info(ctx, "scan worker finished", "registry_entries", w.orch.Registry().Len())
}

func (w *Worker) runOnce(ctx context.Context) {
	st := w.orch.Run(ctx)
	w.mu.Lock()
	w.runs = append(w.runs, st)
	w.mu.Unlock()

	if w.settings.WriteManifest {
		m := dump.Manifest{
			App:     version.AppName,
			Version: version.Version,
			Records: w.orch.Registry().Records(),
		}
		if err := dump.WriteManifest(w.settings.OutputDir, m); err != nil {
			w.logger.Error(ctx, err, "failed to write manifest", "dir", w.settings.OutputDir)
		}
	}
	if w.OnRun != nil {
		w.OnRun(st)
	}
}
