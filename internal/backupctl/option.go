package backupctl

import (
	"fmt"
	"log/slog"

	"pgbak/internal/manifest"
	"pgbak/internal/pgcontrol"
)

// Option is the set of user-requested settings the controller reconciles
// against the connected cluster's version before a backup starts, per
// spec.md §4.6's OptionReconcile state.
type Option struct {
	RequestedType manifest.BackupType // "" lets BuildManifest pick diff-if-possible, else full

	Online        bool
	StartFast     bool
	Force         bool // allow an offline backup despite a running postmaster
	BackupStandby bool
	Delta         bool
	IgnoreMissing bool
	ChecksumPage  bool

	CompressType  string
	CompressLevel int
	CipherType    string
	CipherPass    string

	BufferSize int
	ProcessMax int

	ArchiveCheck   bool
	ArchiveTimeout string // e.g. "60s", parsed by time.ParseDuration at ArchiveCheck time
}

// reconcileOptions applies spec.md §4.6's OptionReconcile decisions: reject
// combinations invalid for the cluster version, and silently downgrade
// options unsupported in offline mode.
func reconcileOptions(opt Option, version pgcontrol.Version) (Option, error) {
	if opt.BackupStandby && version < pgcontrol.Version92 {
		return opt, fmt.Errorf("backupctl: backup-standby requires PostgreSQL 9.2 or later, cluster is %s", version)
	}

	if opt.Online && version < pgcontrol.Version84 && opt.StartFast {
		return opt, fmt.Errorf("backupctl: start-fast requires PostgreSQL 8.4 or later, cluster is %s", version)
	}

	if !opt.Online && opt.BackupStandby {
		slog.Warn("backup-standby has no effect on an offline backup, disabling", "option", "backup-standby")
		opt.BackupStandby = false
	}

	return opt, nil
}
