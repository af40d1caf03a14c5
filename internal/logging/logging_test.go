package logging

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLogAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "clusterlink.log")
	Init("info", path)

	var console bytes.Buffer
	SetOutput(&console)

	Debugf("debug line %d", 1)
	Infof("info line %d", 2)
	Errorf("error line %d", 3)

	assert.NotContains(t, console.String(), "debug line 1")
	assert.Contains(t, console.String(), "info line 2")

	tail, err := ReadTail(2)
	require.NoError(t, err)
	assert.Contains(t, tail, "info line 2")
	assert.Contains(t, tail, "error line 3")
	assert.NotContains(t, tail, "debug line 1")

	all, err := ReadTail(10)
	require.NoError(t, err)
	assert.Contains(t, all, "debug line 1")

	require.NoError(t, Clear())
	tail, err = ReadTail(10)
	require.NoError(t, err)
	assert.Empty(t, tail)
}
