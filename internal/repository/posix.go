package repository

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"pgbak/internal/copy"
	pgbakerrors "pgbak/internal/errors"
	"pgbak/internal/filter"
)

// POSIX is the local-filesystem repository backend: a backup's objects
// live under RootDir/<label>/<name>, mirroring the cluster tree the
// way spec.md §6 lays the repository out.
type POSIX struct {
	RootDir string
}

func NewPOSIX(rootDir string) *POSIX {
	return &POSIX{RootDir: rootDir}
}

func (p *POSIX) path(label, name string) string {
	return filepath.Join(p.RootDir, label, filepath.FromSlash(name))
}

func (p *POSIX) OpenWriter(_ context.Context, label, name string) (io.WriteCloser, error) {
	full := p.path(label, name)
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return nil, fmt.Errorf("creating repository directory for %s: %w", full, err)
	}
	f, err := os.Create(full)
	if err != nil {
		return nil, fmt.Errorf("creating repository object %s: %w", full, err)
	}
	return f, nil
}

func (p *POSIX) OpenReader(_ context.Context, label, name string) (io.ReadCloser, error) {
	full := p.path(label, name)
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &pgbakerrors.FileMissingError{Path: full, Err: err}
		}
		return nil, fmt.Errorf("opening repository object %s: %w", full, err)
	}
	return f, nil
}

func (p *POSIX) Stat(_ context.Context, label, name string) (copy.RepoStat, bool, error) {
	full := p.path(label, name)
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return copy.RepoStat{}, false, nil
		}
		return copy.RepoStat{}, false, fmt.Errorf("statting repository object %s: %w", full, err)
	}

	f, err := os.Open(full)
	if err != nil {
		return copy.RepoStat{}, false, fmt.Errorf("opening repository object %s for checksum: %w", full, err)
	}
	defer f.Close()

	checksum, _, err := filter.ComputeSHA1(f, -1)
	if err != nil {
		return copy.RepoStat{}, false, fmt.Errorf("checksumming repository object %s: %w", full, err)
	}

	return copy.RepoStat{Size: info.Size(), Checksum: checksum}, true, nil
}

func (p *POSIX) List(_ context.Context, label string) ([]ObjectInfo, error) {
	root := filepath.Join(p.RootDir, label)
	var entries []ObjectInfo

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return fs.SkipAll
			}
			return err
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		entries = append(entries, ObjectInfo{
			Name:      filepath.ToSlash(rel),
			Size:      info.Size(),
			IsDir:     d.IsDir(),
			IsRegular: d.Type().IsRegular(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing repository label %s: %w", label, err)
	}
	return entries, nil
}
