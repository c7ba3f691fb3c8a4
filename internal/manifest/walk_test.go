package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeClusterFixture(t *testing.T, walDir string) string {
	t.Helper()
	dataDir := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "base", "1"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "base", "1", "1"), []byte("x"), 0o640))

	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, walDir), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, walDir, "000000010000000000000001"), []byte("segment"), 0o640))

	return dataDir
}

func TestWalkCluster_SkipsPgWalSegmentsWhenArchiveCopyOff(t *testing.T) {
	dataDir := writeClusterFixture(t, "pg_wal")

	m, err := WalkCluster(dataDir, nil, WalkOptions{ArchiveCopy: false})
	require.NoError(t, err)

	_, err = m.Find("pg_data/base/1/1")
	require.NoError(t, err)

	_, err = m.Find("pg_data/pg_wal/000000010000000000000001")
	assert.Error(t, err)

	_, ok := m.paths["pg_data/pg_wal"]
	assert.True(t, ok, "the WAL directory's own path entry must still be recorded")
}

func TestWalkCluster_SkipsPgXlogSegmentsOnPre10Clusters(t *testing.T) {
	dataDir := writeClusterFixture(t, "pg_xlog")

	m, err := WalkCluster(dataDir, nil, WalkOptions{ArchiveCopy: false})
	require.NoError(t, err)

	_, err = m.Find("pg_data/base/1/1")
	require.NoError(t, err)

	_, err = m.Find("pg_data/pg_xlog/000000010000000000000001")
	assert.Error(t, err)

	_, ok := m.paths["pg_data/pg_xlog"]
	assert.True(t, ok, "the WAL directory's own path entry must still be recorded")
}

func TestWalkCluster_IncludesWALSegmentsWhenArchiveCopyOn(t *testing.T) {
	dataDir := writeClusterFixture(t, "pg_wal")

	m, err := WalkCluster(dataDir, nil, WalkOptions{ArchiveCopy: true})
	require.NoError(t, err)

	_, err = m.Find("pg_data/pg_wal/000000010000000000000001")
	assert.NoError(t, err)
}
