package logutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_writes_json_to_file(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "edge.log")

	l, closer, err := New("info", file)
	require.NoError(t, err)

	l.Info().Str("component", "test").Msg("hello")
	l.Debug().Msg("filtered")
	closer()

	b, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"message":"hello"`)
	assert.Contains(t, string(b), `"component":"test"`)
	assert.NotContains(t, string(b), "filtered")
}

func TestNew_rejects_unknown_level(t *testing.T) {
	_, _, err := New("loud", "")
	assert.Error(t, err)
}
