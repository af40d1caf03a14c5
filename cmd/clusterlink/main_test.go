package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gluk-w/clusterlink/internal/config"
	"github.com/gluk-w/clusterlink/internal/objstore"
	"github.com/gluk-w/clusterlink/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCLI(t *testing.T) {
	t.Helper()
	store, err := objstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := server.NewRegistry()
	reg.Register("math", "add", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		sum := 0.0
		for _, a := range args {
			f, ok := a.(float64)
			if !ok {
				return nil, fmt.Errorf("not a number: %v", a)
			}
			sum += f
		}
		return sum, nil
	})
	ts := httptest.NewServer(server.New(server.Options{Name: "cli-test", Store: store, Registry: reg}).Handler())
	t.Cleanup(ts.Close)
	port := ts.Listener.Addr().(*net.TCPAddr).Port

	dir := t.TempDir()
	clusters := filepath.Join(dir, "clusters.yaml")
	yaml := fmt.Sprintf(`clusters:
  - name: lab
    ips: ["127.0.0.1"]
    connection_type: none
    server_port: %d
`, port)
	require.NoError(t, os.WriteFile(clusters, []byte(yaml), 0600))

	saved := config.Cfg
	config.Cfg = config.Settings{ConfigDir: dir, ClustersPath: clusters}
	t.Cleanup(func() { config.Cfg = saved })
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestObjectCommands(t *testing.T) {
	setupCLI(t)

	_, err := execute(t, "", "put", "lab", "greeting", "hello")
	require.NoError(t, err)
	_, err = execute(t, "from stdin", "put", "lab", "piped")
	require.NoError(t, err)

	out, err := execute(t, "", "get", "lab", "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	out, err = execute(t, "", "get", "lab", "piped")
	require.NoError(t, err)
	assert.Equal(t, "from stdin", out)

	out, err = execute(t, "", "keys", "lab")
	require.NoError(t, err)
	assert.Equal(t, "greeting\npiped\n", out)

	_, err = execute(t, "", "rename", "lab", "greeting", "hi")
	require.NoError(t, err)
	_, err = execute(t, "", "delete", "lab", "piped")
	require.NoError(t, err)

	out, err = execute(t, "", "keys", "lab", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `["hi"]`, out)

	_, err = execute(t, "", "get", "lab", "missing")
	assert.Error(t, err)
	out, err = execute(t, "", "get", "lab", "missing", "--default", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestCallCommand(t *testing.T) {
	setupCLI(t)

	out, err := execute(t, "", "call", "lab", "math", "add", "1", "2.5")
	require.NoError(t, err)
	assert.Equal(t, "3.5\n", out)

	_, err = execute(t, "", "call", "lab", "math", "add", "one")
	assert.Error(t, err)
}

func TestUnknownCluster(t *testing.T) {
	setupCLI(t)

	_, err := execute(t, "", "keys", "nowhere")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nowhere")
}

func TestParseCallArgs(t *testing.T) {
	args := parseCallArgs([]string{"1", `"quoted"`, "plain", `{"a":true}`})
	assert.Equal(t, []any{1.0, "quoted", "plain", map[string]any{"a": true}}, args)

	kw, err := parseKwargs([]string{"n=3", "name=x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 3.0, "name": "x"}, kw)

	_, err = parseKwargs([]string{"novalue"})
	assert.Error(t, err)

	kw, err = parseKwargs(nil)
	require.NoError(t, err)
	assert.Nil(t, kw)
}
