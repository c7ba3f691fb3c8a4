package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgbak.log")

	logger, file, err := NewLogger(path, slog.LevelWarn)
	require.NoError(t, err)
	defer file.Close()

	logger.Info("backup started", "label", "20260803-120000F")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "backup started")
	assert.Contains(t, string(data), "20260803-120000F")
}

func TestForStanzaAndForBackup_AttachFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgbak.log")
	base, file, err := NewLogger(path, slog.LevelDebug)
	require.NoError(t, err)
	defer file.Close()

	logger := ForBackup(ForStanza(base, "main"), "20260803-120000F")
	logger.Info("dispatching files")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stanza":"main"`)
	assert.Contains(t, string(data), `"label":"20260803-120000F"`)
}
