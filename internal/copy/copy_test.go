package copy

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pgbakerrors "pgbak/internal/errors"
	"pgbak/internal/filter"
)

// memRepository is an in-memory Repository used by tests so they never
// touch the filesystem on the write side.
type memRepository struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemRepository() *memRepository {
	return &memRepository{objects: make(map[string][]byte)}
}

func (r *memRepository) key(label, name string) string { return label + "/" + name }

func (r *memRepository) seed(label, name string, content []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[r.key(label, name)] = content
}

func (r *memRepository) OpenWriter(_ context.Context, label, name string) (io.WriteCloser, error) {
	return &memWriter{repo: r, key: r.key(label, name)}, nil
}

func (r *memRepository) Stat(_ context.Context, label, name string) (RepoStat, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	content, ok := r.objects[r.key(label, name)]
	if !ok {
		return RepoStat{}, false, nil
	}
	checksum, _, err := filter.ComputeSHA1(bytes.NewReader(content), -1)
	if err != nil {
		return RepoStat{}, false, err
	}
	return RepoStat{Size: int64(len(content)), Checksum: checksum}, true, nil
}

type memWriter struct {
	repo *memRepository
	key  string
	buf  bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memWriter) Close() error {
	w.repo.mu.Lock()
	defer w.repo.mu.Unlock()
	w.repo.objects[w.key] = w.buf.Bytes()
	return nil
}

func writeSource(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o640))
	return path
}

func TestCopyFile_MissingIgnored(t *testing.T) {
	repo := newMemRepository()
	res, err := CopyFile(context.Background(), repo, Request{
		SourcePath:    filepath.Join(t.TempDir(), "absent"),
		IgnoreMissing: true,
		Label:         "20260101-000000F",
		RepoName:      "absent",
	})
	require.NoError(t, err)
	assert.Equal(t, Skipped, res.Outcome)
}

func TestCopyFile_MissingFails(t *testing.T) {
	repo := newMemRepository()
	_, err := CopyFile(context.Background(), repo, Request{
		SourcePath: filepath.Join(t.TempDir(), "absent"),
		Label:      "20260101-000000F",
		RepoName:   "absent",
	})
	require.Error(t, err)
	var missing *pgbakerrors.FileMissingError
	assert.ErrorAs(t, err, &missing)
}

func TestCopyFile_CopiedFresh(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "postgresql.conf", []byte("CONFIGSTUFF"))
	repo := newMemRepository()

	res, err := CopyFile(context.Background(), repo, Request{
		SourcePath: src,
		RepoName:   "postgresql.conf",
		Label:      "20260101-000000F",
	})
	require.NoError(t, err)
	assert.Equal(t, Copied, res.Outcome)
	assert.Equal(t, int64(11), res.Size)
	assert.Equal(t, "e3db315c260e79211b7b52587123b7aa060f30ab", res.Checksum)
}

func TestCopyFile_ChecksumMatchOnResume(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "postgresql.conf", []byte("CONFIGSTUFF"))
	repo := newMemRepository()
	repo.seed("20260101-000000F", "postgresql.conf", []byte("CONFIGSTUFF"))

	res, err := CopyFile(context.Background(), repo, Request{
		SourcePath: src,
		RepoName:   "postgresql.conf",
		Label:      "20260101-000000F",
	})
	require.NoError(t, err)
	assert.Equal(t, ChecksumMatch, res.Outcome)
}

func TestCopyFile_RecopiedWhenDifferent(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "postgresql.conf", []byte("CONFIGSTUFF"))
	repo := newMemRepository()
	repo.seed("20260101-000000F", "postgresql.conf", []byte("OLDSTUFF"))

	res, err := CopyFile(context.Background(), repo, Request{
		SourcePath: src,
		RepoName:   "postgresql.conf",
		Label:      "20260101-000000F",
	})
	require.NoError(t, err)
	assert.Equal(t, Recopied, res.Outcome)
}

func TestCopyFile_DeltaNoop(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "postgresql.conf", []byte("CONFIGSTUFF"))
	repo := newMemRepository()

	res, err := CopyFile(context.Background(), repo, Request{
		SourcePath:       src,
		RepoName:         "postgresql.conf",
		Label:            "20260101-000000F_20260102-000000I",
		Delta:            true,
		ExpectedChecksum: "e3db315c260e79211b7b52587123b7aa060f30ab",
		ExpectedSize:     11,
	})
	require.NoError(t, err)
	assert.Equal(t, Noop, res.Outcome)
	assert.Equal(t, int64(11), res.Size)
	assert.Equal(t, int64(0), res.RepoSize)
}

func TestCopyFile_DeltaMismatchFallsThroughToFullCopy(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "postgresql.conf", []byte("CHANGEDSTUFF"))
	repo := newMemRepository()

	res, err := CopyFile(context.Background(), repo, Request{
		SourcePath:       src,
		RepoName:         "postgresql.conf",
		Label:            "20260101-000000F_20260102-000000I",
		Delta:            true,
		ExpectedChecksum: "e3db315c260e79211b7b52587123b7aa060f30ab",
		ExpectedSize:     11,
	})
	require.NoError(t, err)
	assert.Equal(t, Copied, res.Outcome)
	assert.Equal(t, int64(12), res.Size)
}

func TestCopyFile_CopyExactSizeBoundsRead(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "growing.dat", []byte("ABCDEFGHIJKLMNOP"))
	repo := newMemRepository()

	res, err := CopyFile(context.Background(), repo, Request{
		SourcePath:    src,
		RepoName:      "growing.dat",
		Label:         "20260101-000000F",
		ExpectedSize:  8,
		CopyExactSize: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(8), res.Size)
}

func TestCopyFile_CompressionShrinksRepoObject(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte("repeat-me "), 500)
	src := writeSource(t, dir, "base.tar", content)
	repo := newMemRepository()

	res, err := CopyFile(context.Background(), repo, Request{
		SourcePath:    src,
		RepoName:      "base.tar",
		Label:         "20260101-000000F",
		CompressType:  "gz",
		CompressLevel: 6,
	})
	require.NoError(t, err)
	assert.Equal(t, Copied, res.Outcome)
	assert.Equal(t, int64(len(content)), res.Size)
	assert.Less(t, res.RepoSize, res.Size)

	obj, ok := repo.objects[repo.key("20260101-000000F", "base.tar.gz")]
	require.True(t, ok)
	assert.Len(t, obj, int(res.RepoSize))
}

func TestCopyFile_CheckPagesReportsResult(t *testing.T) {
	page := make([]byte, 8192)
	dir := t.TempDir()
	src := writeSource(t, dir, "rel.0", page)
	repo := newMemRepository()

	res, err := CopyFile(context.Background(), repo, Request{
		SourcePath:       src,
		RepoName:         "rel.0",
		Label:            "20260101-000000F",
		CheckPages:       true,
		SegmentPageTotal: 131072,
	})
	require.NoError(t, err)
	require.NotNil(t, res.PageResult)
	assert.True(t, res.PageResult.Valid)
}

func TestCopyFile_ContextCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	repo := newMemRepository()
	dir := t.TempDir()
	src := writeSource(t, dir, "x", []byte("x"))

	_, err := CopyFile(ctx, repo, Request{SourcePath: src, RepoName: "x", Label: "L"})
	require.Error(t, err)
}

