package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemModule(t *testing.T) {
	reg := NewRegistry()
	RegisterSystemModule(reg, time.Now().Add(-time.Minute))
	reg.Register("extra", "noop", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, nil
	})
	ctx := context.Background()

	ping, err := reg.Lookup("system", "ping")
	require.NoError(t, err)
	out, err := ping(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
	out, err = ping(ctx, []any{"a", 1.0}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", 1.0}, out)

	info, err := reg.Lookup("system", "info")
	require.NoError(t, err)
	out, err = info(ctx, nil, nil)
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.GreaterOrEqual(t, m["uptime_seconds"].(int64), int64(60))

	modules, err := reg.Lookup("system", "modules")
	require.NoError(t, err)
	out, err = modules(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"extra", "system"}, out)
}
