package logutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeForLog(t *testing.T) {
	assert.Equal(t, "line one line two", SanitizeForLog("line one\nline two"))
	assert.Equal(t, "a b", SanitizeForLog("a\tb\x00"))
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "pw is ******** and ********", Redact("pw is hunter2 and hunter2", "hunter2"))
	assert.Equal(t, "unchanged", Redact("unchanged", ""))
}
