// Package prof pushes continuous profiles of the scanner to Pyroscope.
package prof

import (
	"context"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/dexscan/internal/log"
	"github.com/keithlinneman/dexscan/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	// Target tags every profile with the scanned process name.
	Target string
	Tags   map[string]string
	// OnActive reports whether a profiler is running.
	OnActive func(bool)
}

// profileTypes covers where a scan spends its time: hashing, copying
// regions and allocating dump buffers. The scan holds no contended locks,
// so mutex and block profiles are left off.
var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
}

func tags(opts Options) map[string]string {
	out := make(map[string]string, len(opts.Tags)+1)
	for k, v := range opts.Tags {
		out[k] = v
	}
	if opts.Target != "" {
		out["target"] = opts.Target
	}
	return out
}

// Start returns a stop func that is always non-nil and safe to call more
// than once, even when err is set.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	active := func(b bool) {
		if opts.OnActive != nil {
			opts.OnActive(b)
		}
	}

	if !opts.Enabled {
		L.Debug(ctx, "pyroscope disabled")
		active(false)
		return func() {}, nil
	}

	if opts.ServerAddress == "" {
		err := xerrors.Newf("invalid server address (%q)", opts.ServerAddress)
		L.Error(ctx, err, "pyroscope options")
		active(false)
		return func() {}, err
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            tags(opts),
		ProfileTypes:    profileTypes,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed",
			"server_address", opts.ServerAddress,
			"app_name", opts.AppName,
		)
		active(false)
		return func() {}, err
	}

	L.Info(ctx, "pyroscope started",
		"server_address", opts.ServerAddress,
		"app_name", opts.AppName,
		"target", opts.Target,
	)
	active(true)

	var once sync.Once
	return func() {
		once.Do(func() {
			profiler.Stop()
			active(false)
			L.Info(context.Background(), "pyroscope stopped", "app_name", opts.AppName)
		})
	}, nil
}
