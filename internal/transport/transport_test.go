package transport

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgbak/internal/copy"
	pgbakerrors "pgbak/internal/errors"
)

// memRepository mirrors the one in internal/copy's tests; kept local
// and small since transport only needs Repository's write side.
type memRepository struct {
	objects map[string][]byte
}

func newMemRepository() *memRepository { return &memRepository{objects: make(map[string][]byte)} }

func (r *memRepository) key(label, name string) string { return label + "/" + name }

func (r *memRepository) OpenWriter(_ context.Context, label, name string) (io.WriteCloser, error) {
	return &memWriter{repo: r, key: r.key(label, name)}, nil
}

func (r *memRepository) Stat(_ context.Context, label, name string) (copy.RepoStat, bool, error) {
	content, ok := r.objects[r.key(label, name)]
	if !ok {
		return copy.RepoStat{}, false, nil
	}
	return copy.RepoStat{Size: int64(len(content))}, true, nil
}

type memWriter struct {
	repo *memRepository
	key  string
	buf  bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *memWriter) Close() error {
	w.repo.objects[w.key] = w.buf.Bytes()
	return nil
}

// pipePair wires a server's writes to a client's reads and vice versa,
// simulating a subprocess's combined stdin/stdout without any real
// process or network hop.
func pipePair() (serverR, serverW, clientR, clientW *os.File) {
	clientR, serverW, _ = os.Pipe()
	serverR, clientW, _ = os.Pipe()
	return serverR, serverW, clientR, clientW
}

func TestClientServer_Roundtrip(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "PG_VERSION"), []byte("16"), 0o640))

	serverR, serverW, clientR, clientW := pipePair()
	repo := newMemRepository()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- Serve(ctx, serverW, serverR, dataDir, repo)
	}()

	client := NewClient(clientW, clientR, 2*time.Second)
	res, err := client.BackupFile(context.Background(), copy.Request{
		SourceName: "PG_VERSION",
		RepoName:   "PG_VERSION",
		Label:      "20260101-000000F",
	})
	require.NoError(t, err)
	assert.Equal(t, copy.Copied, res.Outcome)
	assert.Equal(t, int64(2), res.Size)

	clientW.Close()
	select {
	case err := <-serverDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after client closed its write end")
	}
}

func TestClientServer_MissingFileReturnsTypedError(t *testing.T) {
	dataDir := t.TempDir()
	serverR, serverW, clientR, clientW := pipePair()
	repo := newMemRepository()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Serve(ctx, serverW, serverR, dataDir, repo)
	defer clientW.Close()

	client := NewClient(clientW, clientR, 2*time.Second)
	_, err := client.BackupFile(context.Background(), copy.Request{
		SourceName: "absent",
		RepoName:   "absent",
		Label:      "20260101-000000F",
	})
	require.Error(t, err)
	var missing *pgbakerrors.FileMissingError
	assert.ErrorAs(t, err, &missing)
}

func TestLocalDispatcher_CopiesInProcess(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "PG_VERSION"), []byte("16"), 0o640))

	repo := newMemRepository()
	d := &LocalDispatcher{Repo: repo}

	res, err := d.BackupFile(context.Background(), copy.Request{
		SourcePath: filepath.Join(dir, "PG_VERSION"),
		RepoName:   "PG_VERSION",
		Label:      "20260101-000000F",
	})
	require.NoError(t, err)
	assert.Equal(t, copy.Copied, res.Outcome)
}

func TestEncodeDecodeRequest_Roundtrips(t *testing.T) {
	req := copy.Request{
		SourceName:       "base/1/1",
		IgnoreMissing:    true,
		ExpectedSize:     8192,
		CopyExactSize:    true,
		ExpectedChecksum: "abc123",
		CheckPages:       true,
		PageLSNLimit:     999,
		RepoName:         "base/1/1",
		HasReference:     true,
		CompressType:     "gz",
		CompressLevel:    6,
		Label:            "20260101-000000F",
		Delta:            true,
		CipherType:       "cipher-pass",
		CipherPass:       "secret",
		SegmentNo:        3,
		SegmentPageTotal: 131072,
	}

	wire := encodeRequest(req)
	got, err := decodeRequest(wire)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}
