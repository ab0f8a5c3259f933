package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestNew_JSON checks the field names and level filtering of JSON output.
func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "warn", Format: "json", Writer: &buf})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("could not load domain entities", zap.String("domain", "nsf-awards"))
	require.NoError(t, logger.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "could not load domain entities", entry["message"])
	assert.Equal(t, "nsf-awards", entry["domain"])
	assert.Contains(t, entry, "timestamp")
	assert.Contains(t, entry["caller"], "logging_test.go")
}

// TestNew_Console uses the console encoder by default.
func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Writer: &buf})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("pushed", zap.Int("groups", 3))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "info")
	assert.Contains(t, out, `{"groups": 3}`)
}

// TestNew_Invalid rejects unknown levels and formats.
func TestNew_Invalid(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.ErrorContains(t, err, "invalid log level")

	_, err = New(Config{Format: "xml"})
	assert.ErrorContains(t, err, "invalid log format")
}

// TestNew_FileOutput appends to a file path.
func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qa.log")
	logger, err := New(Config{Format: "json", Output: path})
	require.NoError(t, err)

	logger.Info("first")
	require.NoError(t, logger.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"message":"first"`)

	_, err = New(Config{Output: filepath.Join(t.TempDir(), "missing", "qa.log")})
	assert.ErrorContains(t, err, "failed to open log file")
}
