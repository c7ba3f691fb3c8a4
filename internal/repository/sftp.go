package repository

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"pgbak/internal/copy"
	pgbakerrors "pgbak/internal/errors"
	"pgbak/internal/filter"
)

// SFTP is the SSH/SFTP repository backend, grounded on kopia's
// repo/blob/sftp/sftp_storage.go: the same dial-then-NewClient shape,
// generalized from kopia's sharded blob layout to this codebase's
// <label>/<name> object keys, and from a content-addressed store's
// write-temp-then-rename to the same pattern reused verbatim (the
// rename-on-close is exactly the atomicity kopia's PutBlobInPath wants
// too).
type SFTP struct {
	client  *sftp.Client
	conn    *ssh.Client
	rootDir string
}

// DialSFTP opens an SSH connection and an SFTP session on top of it,
// the same way kopia's getSFTPClient does for its built-in (non-external
// ssh binary) path.
func DialSFTP(addr string, config *ssh.ClientConfig, rootDir string) (*SFTP, error) {
	conn, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, &pgbakerrors.HostConnectError{Host: addr, Err: err}
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening sftp session to %s: %w", addr, err)
	}

	if err := client.MkdirAll(rootDir); err != nil {
		client.Close()
		conn.Close()
		return nil, fmt.Errorf("ensuring repository root %s exists: %w", rootDir, err)
	}

	return &SFTP{client: client, conn: conn, rootDir: rootDir}, nil
}

func (s *SFTP) Close() error {
	clientErr := s.client.Close()
	connErr := s.conn.Close()
	if clientErr != nil {
		return clientErr
	}
	return connErr
}

func (s *SFTP) fullPath(label, name string) string {
	return path.Join(s.rootDir, objectKey(label, name))
}

func (s *SFTP) OpenWriter(_ context.Context, label, name string) (io.WriteCloser, error) {
	full := s.fullPath(label, name)

	randSuffix := make([]byte, 8)
	if _, err := rand.Read(randSuffix); err != nil {
		return nil, fmt.Errorf("generating temp suffix for %s: %w", full, err)
	}
	tempPath := fmt.Sprintf("%s.tmp.%x", full, randSuffix)

	f, err := s.createWithDirs(tempPath)
	if err != nil {
		return nil, fmt.Errorf("creating temp file %s: %w", tempPath, err)
	}

	return &sftpWriter{client: s.client, file: f, tempPath: tempPath, finalPath: full}, nil
}

func (s *SFTP) createWithDirs(p string) (*sftp.File, error) {
	f, err := s.client.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	if err == nil {
		return f, nil
	}
	if !isSFTPNotExist(err) {
		return nil, err
	}
	if mkErr := s.client.MkdirAll(path.Dir(p)); mkErr != nil {
		return nil, mkErr
	}
	return s.client.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
}

func (s *SFTP) OpenReader(_ context.Context, label, name string) (io.ReadCloser, error) {
	full := s.fullPath(label, name)
	f, err := s.client.Open(full)
	if err != nil {
		if isSFTPNotExist(err) {
			return nil, &pgbakerrors.FileMissingError{Path: full, Err: err}
		}
		return nil, fmt.Errorf("opening sftp object %s: %w", full, err)
	}
	return f, nil
}

func (s *SFTP) Stat(_ context.Context, label, name string) (copy.RepoStat, bool, error) {
	full := s.fullPath(label, name)
	info, err := s.client.Stat(full)
	if err != nil {
		if isSFTPNotExist(err) {
			return copy.RepoStat{}, false, nil
		}
		return copy.RepoStat{}, false, fmt.Errorf("statting sftp object %s: %w", full, err)
	}

	f, err := s.client.Open(full)
	if err != nil {
		return copy.RepoStat{}, false, fmt.Errorf("opening sftp object %s for checksum: %w", full, err)
	}
	defer f.Close()

	checksum, _, err := filter.ComputeSHA1(f, -1)
	if err != nil {
		return copy.RepoStat{}, false, fmt.Errorf("checksumming sftp object %s: %w", full, err)
	}

	return copy.RepoStat{Size: info.Size(), Checksum: checksum}, true, nil
}

func (s *SFTP) List(_ context.Context, label string) ([]ObjectInfo, error) {
	root := path.Join(s.rootDir, label)
	var entries []ObjectInfo

	walker := s.client.Walk(root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			if isSFTPNotExist(err) {
				break
			}
			return nil, fmt.Errorf("walking sftp repository %s: %w", root, err)
		}
		if walker.Path() == root {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), root), "/")
		info := walker.Stat()
		entries = append(entries, ObjectInfo{
			Name:      rel,
			Size:      info.Size(),
			IsDir:     info.IsDir(),
			IsRegular: info.Mode().IsRegular(),
		})
	}
	return entries, nil
}

func isSFTPNotExist(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	var se *sftp.StatusError
	if errors.As(err, &se) {
		return se.FxCode() == sftp.ErrSSHFxNoSuchFile
	}
	return false
}

// sftpWriter writes to a randomized temp path and renames it into
// place on Close, matching kopia's PutBlobInPath write-then-rename
// atomicity.
type sftpWriter struct {
	client    *sftp.Client
	file      *sftp.File
	tempPath  string
	finalPath string
}

func (w *sftpWriter) Write(p []byte) (int, error) { return w.file.Write(p) }

func (w *sftpWriter) Close() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("closing temp file %s: %w", w.tempPath, err)
	}
	if err := w.client.PosixRename(w.tempPath, w.finalPath); err != nil {
		w.client.Remove(w.tempPath)
		return fmt.Errorf("renaming %s into place as %s: %w", w.tempPath, w.finalPath, err)
	}
	return nil
}
