package manifest

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pgbak/internal/pgcontrol"
)

// PostmasterPIDFile is the file whose presence marks a running cluster,
// grounded on original_source's PG_FILE_POSTMASTERPID usage in its
// offline-backup refusal check (backupTest.c).
const PostmasterPIDFile = "postmaster.pid"

// TablespaceRef names one tablespace directory to include in the walk,
// alongside the primary pg_data target.
type TablespaceRef struct {
	OID  string
	Name string
	Path string // absolute filesystem path the pg_tblspc/<oid> symlink resolves to
}

// WalkOptions controls which transient paths a cluster walk skips.
type WalkOptions struct {
	ArchiveCopy  bool     // when false, WAL segment files under pg_wal are skipped
	ExtraSkip    []string // additional target-relative names to skip entirely
	User, Group  string
}

// skipNames are always-skipped transient files and directories, per
// spec.md §4.2: stats-temp, cache files, lock files.
var skipNames = map[string]bool{
	"pg_stat_tmp":        true,
	"pg_internal.init":   true,
	"postmaster.pid":     true,
	"postmaster.opts":    true,
	"pgsql_tmp":          true,
	"backup_label.old":   true,
	"recovery.conf":      true,
}

func isSkippedName(name string) bool {
	if skipNames[name] {
		return true
	}
	return strings.HasSuffix(name, ".lock") || strings.HasSuffix(name, ".pid")
}

// WalkCluster builds a manifest by recursively enumerating dataDir (as
// the pg_data target) and every tablespace in tablespaces, recording
// stat attributes for every surviving path, file, and link. It does not
// check for a running postmaster; PostmasterRunning does that separately.
func WalkCluster(dataDir string, tablespaces []TablespaceRef, opts WalkOptions) (*Manifest, error) {
	m := New()
	m.SetDefaults(opts.User, opts.Group)

	m.AddTarget(Target{Name: "pg_data", Type: TargetTypePath, Path: dataDir})
	if err := walkTarget(m, "pg_data", dataDir, opts); err != nil {
		return nil, err
	}

	for _, ts := range tablespaces {
		targetName := "pg_tblspc/" + ts.OID
		m.AddTarget(Target{
			Name:           targetName,
			Type:           TargetTypeLink,
			Path:           ts.Path,
			TablespaceID:   ts.OID,
			TablespaceName: ts.Name,
		})
		if err := walkTarget(m, targetName, ts.Path, opts); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// PostmasterRunning reports whether dataDir/postmaster.pid exists, the
// offline-backup refusal check original_source performs before
// StartBackup when online=off.
func PostmasterRunning(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, PostmasterPIDFile))
	return err == nil
}

func walkTarget(m *Manifest, targetName, root string, opts WalkOptions) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		name := targetName
		if rel != "." {
			name = targetName + "/" + filepath.ToSlash(rel)
		}

		base := d.Name()
		if path != root && (isSkippedName(base) || skipConfigured(opts.ExtraSkip, base)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !opts.ArchiveCopy && isWALSegmentUnder(targetName, rel) {
			return nil
		}

		info, statErr := d.Info()
		if statErr != nil {
			if os.IsNotExist(statErr) {
				return nil
			}
			return statErr
		}

		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			dest, readErr := os.Readlink(path)
			if readErr != nil {
				return readErr
			}
			m.AddLink(LinkEntry{Name: name, Destination: dest})

		case d.IsDir():
			m.AddPath(PathEntry{Name: name, Mode: uint32(info.Mode().Perm())})

		default:
			m.AddFile(FileEntry{
				Name:      name,
				Size:      info.Size(),
				RepoSize:  info.Size(),
				Timestamp: info.ModTime().Unix(),
				Mode:      uint32(info.Mode().Perm()),
			})
		}
		return nil
	})
}

func skipConfigured(extra []string, name string) bool {
	for _, s := range extra {
		if s == name {
			return true
		}
	}
	return false
}

// walDirNames are the WAL directory's name across the major versions
// spec.md §1 requires supporting: pg_xlog before PostgreSQL 10, pg_wal
// from 10 onward (the directory was renamed in commit 9ce346e).
var walDirNames = []string{"pg_wal", "pg_xlog"}

// isWALSegmentUnder reports whether rel (the path relative to the target
// root) lies inside the WAL directory, excluding the WAL directory
// itself so its own path entry is still recorded.
func isWALSegmentUnder(targetName, rel string) bool {
	if targetName != "pg_data" {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, dir := range walDirNames {
		if rel != dir && strings.HasPrefix(rel, dir+"/") {
			return true
		}
	}
	return false
}

// ReadControl reads the cluster's pg_control for use while building the
// manifest's Database section; a thin re-export so callers building a
// manifest don't need a second import for the common case.
func ReadControl(dataDir string) (*pgcontrol.PgControl, error) {
	return pgcontrol.Read(dataDir)
}

// SynthesizeFile records a backup-label or tablespace-map blob returned
// directly by the database's stop-backup call rather than read from disk,
// per spec.md §4.6.
func (m *Manifest) SynthesizeFile(name string, content []byte, checksum string, stopTime time.Time) {
	m.AddFile(FileEntry{
		Name:      name,
		Size:      int64(len(content)),
		RepoSize:  int64(len(content)),
		Timestamp: stopTime.Unix(),
		Checksum:  checksum,
	})
}
