package repository

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pgbakerrors "pgbak/internal/errors"
)

func TestPOSIX_WriteReadStatRoundtrip(t *testing.T) {
	ctx := context.Background()
	repo := NewPOSIX(t.TempDir())

	w, err := repo.OpenWriter(ctx, "20260803-090000F", "base/PG_VERSION")
	require.NoError(t, err)
	_, err = w.Write([]byte("17\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	stat, exists, err := repo.Stat(ctx, "20260803-090000F", "base/PG_VERSION")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, int64(3), stat.Size)
	assert.NotEmpty(t, stat.Checksum)

	r, err := repo.OpenReader(ctx, "20260803-090000F", "base/PG_VERSION")
	require.NoError(t, err)
	defer r.Close()
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "17\n", string(content))
}

func TestPOSIX_StatMissingReportsNotExists(t *testing.T) {
	repo := NewPOSIX(t.TempDir())
	stat, exists, err := repo.Stat(context.Background(), "label", "missing")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Zero(t, stat.Size)
}

func TestPOSIX_OpenReaderMissingReturnsTypedError(t *testing.T) {
	repo := NewPOSIX(t.TempDir())
	_, err := repo.OpenReader(context.Background(), "label", "missing")
	require.Error(t, err)
	var missing *pgbakerrors.FileMissingError
	assert.True(t, errors.As(err, &missing))
}

func TestPOSIX_OpenWriterCreatesParentDirs(t *testing.T) {
	root := t.TempDir()
	repo := NewPOSIX(root)

	w, err := repo.OpenWriter(context.Background(), "lbl", "base/16384/2608")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = os.Stat(filepath.Join(root, "lbl", "base", "16384", "2608"))
	assert.NoError(t, err)
}

func TestPOSIX_ListEnumeratesObjects(t *testing.T) {
	ctx := context.Background()
	repo := NewPOSIX(t.TempDir())

	for _, name := range []string{"base/1", "base/2", "pg_wal/000000010000000000000001"} {
		w, err := repo.OpenWriter(ctx, "lbl", name)
		require.NoError(t, err)
		_, err = io.Copy(w, bytes.NewReader([]byte("x")))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}

	entries, err := repo.List(ctx, "lbl")
	require.NoError(t, err)

	names := map[string]bool{}
	for _, e := range entries {
		if e.IsRegular {
			names[e.Name] = true
		}
	}
	assert.True(t, names[filepath.ToSlash(filepath.Join("base", "1"))])
	assert.True(t, names[filepath.ToSlash(filepath.Join("base", "2"))])
	assert.True(t, names[filepath.ToSlash(filepath.Join("pg_wal", "000000010000000000000001"))])
}

func TestPOSIX_ListMissingLabelReturnsEmpty(t *testing.T) {
	repo := NewPOSIX(t.TempDir())
	entries, err := repo.List(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
