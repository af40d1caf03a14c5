package rpc_test

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	clerrors "github.com/gluk-w/clusterlink/internal/errors"
	"github.com/gluk-w/clusterlink/internal/objstore"
	"github.com/gluk-w/clusterlink/internal/rpc"
	"github.com/gluk-w/clusterlink/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDaemon(t *testing.T, opts server.Options) *httptest.Server {
	t.Helper()
	if opts.Store == nil {
		store, err := objstore.Open(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		opts.Store = store
	}
	if opts.Name == "" {
		opts.Name = "test-cluster"
	}
	ts := httptest.NewServer(server.New(opts).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func newClient(t *testing.T, opts rpc.Options) *rpc.Client {
	t.Helper()
	c, err := rpc.New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestObjectRoundTrip(t *testing.T) {
	ts := newDaemon(t, server.Options{})
	c := newClient(t, rpc.Options{BaseURL: ts.URL})
	ctx := context.Background()

	require.NoError(t, c.Check(ctx, time.Second))
	require.NoError(t, c.Put(ctx, "a", []byte{0x00, 0xff, 'x'}, ""))
	require.NoError(t, c.Put(ctx, "b", []byte("bee"), ""))
	require.NoError(t, c.Put(ctx, "a", []byte("scoped"), "prod"))

	got, err := c.Get(ctx, "a", "")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff, 'x'}, got)

	got, err = c.Get(ctx, "a", "prod")
	require.NoError(t, err)
	assert.Equal(t, "scoped", string(got))

	keys, err := c.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, c.Rename(ctx, "b", "c", ""))
	require.NoError(t, c.Delete(ctx, []string{"a"}, ""))
	keys, err = c.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, keys)

	require.NoError(t, c.Clear(ctx, "prod"))
	keys, err = c.Keys(ctx, "prod")
	require.NoError(t, err)
	assert.Empty(t, keys)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test-cluster", st.Name)
	assert.Equal(t, int64(1), st.Keys)
}

func TestGetMissingKey(t *testing.T) {
	ts := newDaemon(t, server.Options{})
	c := newClient(t, rpc.Options{BaseURL: ts.URL})

	_, err := c.Get(context.Background(), "missing", "dev")
	require.Error(t, err)
	assert.ErrorIs(t, err, clerrors.ErrKeyNotFound)
	assert.False(t, clerrors.IsConnectivity(err))

	err = c.Rename(context.Background(), "missing", "other", "")
	assert.ErrorIs(t, err, clerrors.ErrKeyNotFound)
}

func TestDenAuth(t *testing.T) {
	ts := newDaemon(t, server.Options{AuthUser: "admin", AuthPassword: "pw", DenAuth: true})
	ctx := context.Background()

	anon := newClient(t, rpc.Options{BaseURL: ts.URL})
	require.NoError(t, anon.Check(ctx, time.Second), "liveness stays open")

	_, err := anon.Keys(ctx, "")
	var de *clerrors.DaemonError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusUnauthorized, de.StatusCode)
	assert.False(t, clerrors.IsConnectivity(err))

	authed := newClient(t, rpc.Options{BaseURL: ts.URL, AuthUser: "admin", AuthPassword: "pw"})
	_, err = authed.Keys(ctx, "")
	require.NoError(t, err)

	require.NoError(t, authed.SetSettings(ctx, rpc.SettingsRequest{DenAuth: false, FlushAuthCache: true}))
	_, err = anon.Keys(ctx, "")
	assert.NoError(t, err)

	st, err := anon.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.DenAuth)
}

func TestCheckUnreachable(t *testing.T) {
	ts := newDaemon(t, server.Options{})
	c := newClient(t, rpc.Options{BaseURL: ts.URL})
	ts.Close()

	err := c.Check(context.Background(), time.Second)
	require.Error(t, err)
	assert.True(t, clerrors.IsConnectivity(err))
}

func TestCallModuleMethod(t *testing.T) {
	reg := server.NewRegistry()
	reg.Register("math", "add", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		sum := 0.0
		for _, a := range args {
			sum += a.(float64)
		}
		return sum, nil
	})
	ts := newDaemon(t, server.Options{Registry: reg})
	c := newClient(t, rpc.Options{BaseURL: ts.URL})
	ctx := context.Background()

	resp, err := c.CallModuleMethod(ctx, "math", "add", rpc.CallRequest{Args: []any{2, 3}})
	require.NoError(t, err)
	var sum float64
	require.NoError(t, json.Unmarshal(resp.Data, &sum))
	assert.Equal(t, 5.0, sum)

	_, err = c.CallModuleMethod(ctx, "math", "mul", rpc.CallRequest{})
	var de *clerrors.DaemonError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusNotFound, de.StatusCode)
	assert.Contains(t, de.Message, "mul")

	resp, err = c.CallModuleMethod(ctx, "math", "add", rpc.CallRequest{Args: []any{1, 1}, RunAsync: true})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.RunName, "add_"))

	require.Eventually(t, func() bool {
		data, err := c.Get(ctx, resp.RunName, "")
		return err == nil && string(data) == "2"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSlowCallOutlivesCheckTimeout(t *testing.T) {
	reg := server.NewRegistry()
	reg.Register("work", "train", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		select {
		case <-time.After(600 * time.Millisecond):
			return "trained", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	ts := newDaemon(t, server.Options{Registry: reg})
	c := newClient(t, rpc.Options{BaseURL: ts.URL, Timeout: 200 * time.Millisecond})
	ctx := context.Background()

	resp, err := c.CallModuleMethod(ctx, "work", "train", rpc.CallRequest{})
	require.NoError(t, err)
	assert.JSONEq(t, `"trained"`, string(resp.Data))

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = c.CallModuleMethod(short, "work", "train", rpc.CallRequest{})
	require.Error(t, err)
	assert.True(t, clerrors.IsConnectivity(err))
}

func TestCheckUsesDefaultTimeout(t *testing.T) {
	hang := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(hang.Close)
	c := newClient(t, rpc.Options{BaseURL: hang.URL, Timeout: 100 * time.Millisecond})

	start := time.Now()
	err := c.Check(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, clerrors.IsConnectivity(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSetTLSRefreshesInPlace(t *testing.T) {
	store, err := objstore.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ts := httptest.NewTLSServer(server.New(server.Options{Store: store}).Handler())
	defer ts.Close()

	certPath := filepath.Join(t.TempDir(), "server.crt")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ts.Certificate().Raw})
	require.NoError(t, os.WriteFile(certPath, certPEM, 0644))

	plain := strings.Replace(ts.URL, "https://", "http://", 1)
	c := newClient(t, rpc.Options{BaseURL: plain})
	assert.Error(t, c.Check(context.Background(), time.Second))

	require.NoError(t, c.SetTLS(true, certPath))
	assert.Equal(t, ts.URL, c.BaseURL())
	assert.NoError(t, c.Check(context.Background(), time.Second))
}

func TestGetCert(t *testing.T) {
	certPath := filepath.Join(t.TempDir(), "daemon.crt")
	require.NoError(t, os.WriteFile(certPath, []byte("-----BEGIN CERTIFICATE-----\nabc\n-----END CERTIFICATE-----\n"), 0644))

	ts := newDaemon(t, server.Options{CertPath: certPath})
	c := newClient(t, rpc.Options{BaseURL: ts.URL})

	got, err := c.GetCert(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(got), "BEGIN CERTIFICATE")
}

func TestNewRejectsBadScheme(t *testing.T) {
	_, err := rpc.New(rpc.Options{BaseURL: "ftp://host:21"})
	assert.Error(t, err)
}
