package server

import (
	"context"
	"os"
	"runtime"
	"time"
)

// RegisterSystemModule adds the "system" module every daemon serves.
func RegisterSystemModule(r *Registry, started time.Time) {
	r.Register("system", "ping", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		if len(args) == 0 {
			return "pong", nil
		}
		return args, nil
	})
	r.Register("system", "hostname", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return os.Hostname()
	})
	r.Register("system", "info", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		host, _ := os.Hostname()
		return map[string]any{
			"hostname":       host,
			"pid":            os.Getpid(),
			"os":             runtime.GOOS,
			"arch":           runtime.GOARCH,
			"uptime_seconds": int64(time.Since(started).Seconds()),
		}, nil
	})
	r.Register("system", "modules", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return r.Modules(), nil
	})
}
