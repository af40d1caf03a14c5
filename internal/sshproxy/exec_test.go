package sshproxy

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gliderssh "github.com/gliderlabs/ssh"
	clerrors "github.com/gluk-w/clusterlink/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKeyExecutor(t *testing.T, routes map[string]*testServer, keyPath string) *Executor {
	t.Helper()
	m := NewManager(Credentials{User: "tester", PrivateKeyPath: keyPath}, ManagerConfig{
		Port:           22,
		ConnectTimeout: 2 * time.Second,
		Dial:           routeDial(routes),
	})
	t.Cleanup(func() { m.CloseAll() })
	return NewExecutor(m)
}

func TestRunKeyModeInOrder(t *testing.T) {
	keyPath, pub := newTestKey(t)
	srv := newTestSSHServer(t, pub, "", nil)
	e := newKeyExecutor(t, map[string]*testServer{"head": srv}, keyPath)

	marker := filepath.Join(t.TempDir(), "order")
	res, err := e.Run(context.Background(), []string{"head"}, []string{
		"echo first >> " + marker,
		"echo second >> " + marker,
		"cat " + marker,
		"echo oops >&2; exit 3",
	}, RunOptions{RequireOutputs: true})
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Len(t, res[0].Results, 4)

	assert.Equal(t, "first\nsecond\n", res[0].Results[2].Stdout)
	assert.Equal(t, 3, res[0].Results[3].ExitCode)
	assert.Equal(t, "oops\n", res[0].Results[3].Stderr)
	assert.Nil(t, res[0].Results[3].Signal)

	failures := res[0].Failures()
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Error(), "exited with status 3")
}

func TestRunAppliesPrefixAndStreams(t *testing.T) {
	keyPath, pub := newTestKey(t)
	srv := newTestSSHServer(t, pub, "", nil)
	e := newKeyExecutor(t, map[string]*testServer{"head": srv}, keyPath)

	var stream bytes.Buffer
	res, err := e.Run(context.Background(), []string{"head"}, []string{"echo $GREETING"}, RunOptions{
		Prefix:         "export GREETING=hello &&",
		Stream:         &stream,
		RequireOutputs: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res[0].Results[0].Stdout)
	assert.Equal(t, "hello\n", stream.String())
}

func TestRunWithoutOutputsKeepsExitCodes(t *testing.T) {
	keyPath, pub := newTestKey(t)
	srv := newTestSSHServer(t, pub, "", nil)
	e := newKeyExecutor(t, map[string]*testServer{"head": srv}, keyPath)

	res, err := e.Run(context.Background(), []string{"head"}, []string{"echo hi", "exit 2"}, RunOptions{})
	require.NoError(t, err)
	assert.Empty(t, res[0].Results[0].Stdout)
	assert.Equal(t, 2, res[0].Results[1].ExitCode)
}

func TestRunFanOutSurvivesFailingNode(t *testing.T) {
	keyPath, pub := newTestKey(t)
	failing := func(s gliderssh.Session) {
		io.WriteString(s.Stderr(), "disk full\n")
		s.Exit(1)
	}
	routes := map[string]*testServer{
		"node-1": newTestSSHServer(t, pub, "", nil),
		"node-2": newTestSSHServer(t, pub, "", failing),
		"node-3": newTestSSHServer(t, pub, "", nil),
	}
	e := newKeyExecutor(t, routes, keyPath)

	hosts := []string{"node-1", "node-2", "node-3"}
	res, err := e.Run(context.Background(), hosts, []string{"echo hi"}, RunOptions{RequireOutputs: true})
	require.NoError(t, err)
	require.Len(t, res, 3)

	for i, r := range res {
		assert.Equal(t, hosts[i], r.Node)
		require.Len(t, r.Results, 1)
	}
	assert.Equal(t, "hi\n", res[0].Results[0].Stdout)
	assert.Equal(t, 1, res[1].Results[0].ExitCode)
	assert.Equal(t, "disk full\n", res[1].Results[0].Stderr)
	assert.Equal(t, "hi\n", res[2].Results[0].Stdout)
	assert.Len(t, res[1].Failures(), 1)
	assert.Empty(t, res[2].Failures())
}

func TestRunFanOutReportsUnreachableNode(t *testing.T) {
	keyPath, pub := newTestKey(t)
	routes := map[string]*testServer{
		"node-1": newTestSSHServer(t, pub, "", nil),
	}
	e := newKeyExecutor(t, routes, keyPath)

	res, err := e.Run(context.Background(), []string{"node-1", "node-9"}, []string{"echo hi"}, RunOptions{})
	require.Error(t, err)
	require.Len(t, res, 2)
	assert.NoError(t, res[0].Err)
	assert.Len(t, res[0].Results, 1)

	var cmdErr *clerrors.RemoteCommandError
	require.ErrorAs(t, res[1].Err, &cmdErr)
	assert.Equal(t, "node-9", cmdErr.Node)
	assert.True(t, clerrors.IsConnectivity(res[1].Err))
}

func TestUpload(t *testing.T) {
	keyPath, pub := newTestKey(t)
	srv := newTestSSHServer(t, pub, "", nil)
	e := newKeyExecutor(t, map[string]*testServer{"head": srv}, keyPath)

	dst := filepath.Join(t.TempDir(), "nested dir", "payload.bin")
	err := e.Upload(context.Background(), "head", strings.NewReader("payload-bytes"), dst, 0640)
	require.NoError(t, err)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload-bytes", string(data))

	st, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), st.Mode().Perm())
}

func TestPing(t *testing.T) {
	keyPath, pub := newTestKey(t)
	srv := newTestSSHServer(t, pub, "", nil)
	hang := func(s gliderssh.Session) {
		<-s.Context().Done()
	}
	slow := newTestSSHServer(t, pub, "", hang)
	e := newKeyExecutor(t, map[string]*testServer{"head": srv, "slow": slow}, keyPath)

	assert.NoError(t, e.Ping(context.Background(), "head", 2*time.Second, ""))

	err := e.Ping(context.Background(), "slow", 200*time.Millisecond, "")
	require.Error(t, err)
	assert.True(t, clerrors.IsConnectivity(err))
}

func TestQuoteRemotePath(t *testing.T) {
	assert.Equal(t, "~/.clusterlink/cluster_config.json", QuoteRemotePath("~/.clusterlink/cluster_config.json"))
	assert.Equal(t, "~/'my dir/file'", QuoteRemotePath("~/my dir/file"))
	assert.Equal(t, "/etc/certs", QuoteRemotePath("/etc/certs"))
	assert.Equal(t, "'/tmp/a b'", QuoteRemotePath("/tmp/a b"))
}

// fakeSession scripts an interactive exchange.
type fakeSession struct {
	mu       sync.Mutex
	prompt   bool
	output   string
	exitCode int
	sent     []string
	closed   bool
}

func (f *fakeSession) Expect(ctx context.Context, patterns ...string) (int, error) {
	if f.prompt {
		return 0, nil
	}
	return -1, io.EOF
}

func (f *fakeSession) Send(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, s)
	return nil
}

func (f *fakeSession) Wait(ctx context.Context) (string, int, *int, error) {
	return f.output, f.exitCode, nil, nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func TestRunPasswordMode(t *testing.T) {
	var tests = []struct {
		name     string
		prompt   bool
		output   string
		wantSent int
		wantOut  string
		exitCode int
	}{
		{
			name:     "prompted",
			prompt:   true,
			output:   "\x1b[32mready\x1b[0m\r\n",
			wantSent: 1,
			wantOut:  "ready",
		},
		{
			name:     "no-prompt",
			prompt:   false,
			output:   "already authorized\n",
			wantSent: 0,
			wantOut:  "already authorized",
		},
		{
			name:     "echoed-secret",
			prompt:   true,
			output:   "s3cret\r\ndone\r\n",
			wantSent: 1,
			wantOut:  "********\ndone",
			exitCode: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(Credentials{User: "tester", Password: "s3cret"}, ManagerConfig{Port: 2222})
			e := NewExecutor(m)

			var sessions []*fakeSession
			var gotCmd, gotUser string
			var gotPort int
			e.SetSessionFactory(func(ctx context.Context, host string, port int, user, command string) (InteractiveSession, error) {
				gotCmd, gotUser, gotPort = command, user, port
				s := &fakeSession{prompt: tt.prompt, output: tt.output, exitCode: tt.exitCode}
				sessions = append(sessions, s)
				return s, nil
			})

			res, err := e.Run(context.Background(), []string{"head"}, []string{"ls"}, RunOptions{
				Prefix:         "source env/bin/activate &&",
				Password:       "s3cret",
				RequireOutputs: true,
			})
			require.NoError(t, err)
			require.Len(t, sessions, 1)

			assert.Equal(t, "source env/bin/activate && ls", gotCmd)
			assert.Equal(t, "tester", gotUser)
			assert.Equal(t, 2222, gotPort)
			assert.Len(t, sessions[0].sent, tt.wantSent)
			if tt.wantSent > 0 {
				assert.Equal(t, "s3cret\n", sessions[0].sent[0])
			}
			assert.True(t, sessions[0].closed)
			assert.Equal(t, tt.wantOut, res[0].Results[0].Stdout)
			assert.Equal(t, tt.exitCode, res[0].Results[0].ExitCode)
			assert.NotContains(t, res[0].Results[0].Stdout, "s3cret")
		})
	}
}
