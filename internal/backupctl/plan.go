package backupctl

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	pgbakerrors "pgbak/internal/errors"
	"pgbak/internal/copy"
	"pgbak/internal/manifest"
	"pgbak/internal/orchestrator"
	"pgbak/internal/pgconn"
	"pgbak/internal/pgcontrol"
	"pgbak/internal/resume"
)

// buildManifest implements spec.md §4.6's BuildManifest state: walk the
// cluster as in §4.2, read pg_control, confirm cluster identity matches
// the stanza's recorded identity, and select the backup type.
func (c *controller) buildManifest(ctx context.Context, primary pgconn.Client, version pgcontrol.Version, startRes pgconn.StartBackupResult) (*manifest.Manifest, error) {
	defer c.enter("BuildManifest")()

	c.startRes = &startRes

	dataDir, err := primary.DataDirectory(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading data directory: %w", err)
	}

	tablespaces, err := primary.Tablespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerating tablespaces: %w", err)
	}
	c.tablespaces = tablespaces

	control, err := pgcontrol.Read(dataDir)
	if err != nil {
		return nil, fmt.Errorf("reading pg_control: %w", err)
	}
	c.pgControl = control
	c.startSegment = pgconn.SegmentName(1, startRes.StartLSN, control.WALSegmentSize)

	systemID, err := primary.SystemIdentifier(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading system identifier: %w", err)
	}
	if c.cfg.SystemID != 0 && systemID != c.cfg.SystemID {
		return nil, &pgbakerrors.BackupMismatchError{
			Reason: fmt.Sprintf("cluster system-id %d does not match stanza system-id %d", systemID, c.cfg.SystemID),
		}
	}

	refs := make([]manifest.TablespaceRef, 0, len(tablespaces))
	for _, ts := range tablespaces {
		refs = append(refs, manifest.TablespaceRef{OID: ts.OID, Name: ts.Name, Path: ts.Path})
	}

	m, err := manifest.WalkCluster(dataDir, refs, manifest.WalkOptions{
		ArchiveCopy: false,
		User:        c.cfg.User,
		Group:       c.cfg.Group,
	})
	if err != nil {
		return nil, fmt.Errorf("walking cluster: %w", err)
	}

	now := c.cfg.now()

	m.Database = manifest.DatabaseInfo{
		Version:        version.String(),
		SystemID:       systemID,
		CatalogVersion: control.CatalogVersion,
	}
	m.Option = manifest.BackupOption{
		CompressType:  c.cfg.Option.CompressType,
		CompressLevel: c.cfg.Option.CompressLevel,
		CipherType:    c.cfg.Option.CipherType,
		ChecksumPage:  c.cfg.Option.ChecksumPage,
		Online:        c.cfg.Option.Online,
		BackupStandby: c.cfg.Option.BackupStandby,
		BufferSize:    c.cfg.Option.BufferSize,
		ProcessMax:    len(c.cfg.Dispatchers),
		Delta:         c.cfg.Option.Delta,
	}
	m.Backup.TimestampStart = now.Unix()
	m.Backup.CopyStart = now.Unix()

	if err := c.selectBackupType(m); err != nil {
		return nil, err
	}

	if err := c.resolveResume(ctx, m); err != nil {
		return nil, err
	}

	return m, nil
}

// selectBackupType implements spec.md §4.6's backup-type policy: the
// requested type downgrades to full when no full backup exists yet, and
// a prior full backup's incompatible compression/cipher options force a
// downgrade to full as well.
func (c *controller) selectBackupType(m *manifest.Manifest) error {
	lastFull := latestFull(c.cfg.PriorBackups)

	requested := c.cfg.Option.RequestedType
	if requested == "" {
		if lastFull != nil {
			requested = manifest.BackupTypeDiff
		} else {
			requested = manifest.BackupTypeFull
		}
	}

	if requested != manifest.BackupTypeFull && lastFull == nil {
		requested = manifest.BackupTypeFull
	}

	if requested != manifest.BackupTypeFull && lastFull != nil {
		if lastFull.Option.CompressType != m.Option.CompressType || lastFull.Option.CipherType != m.Option.CipherType {
			requested = manifest.BackupTypeFull
		}
	}

	m.Backup.Type = requested
	fullLabel := ""
	if lastFull != nil {
		fullLabel = lastFull.Label
	}
	if requested != manifest.BackupTypeFull {
		m.Backup.PriorLabel = fullLabel
	}

	exists := func(label string) bool {
		for _, p := range c.cfg.PriorBackups {
			if p.Label == label {
				return true
			}
		}
		return false
	}

	label, err := manifest.NewBackupLabel(requested, fullLabel, c.cfg.now(), exists)
	if err != nil {
		return err
	}
	m.Backup.Label = label
	return nil
}

func latestFull(priors []PriorBackup) *PriorBackup {
	var latest *PriorBackup
	for i := range priors {
		if priors[i].Type != manifest.BackupTypeFull {
			continue
		}
		if latest == nil || priors[i].Label > latest.Label {
			latest = &priors[i]
		}
	}
	return latest
}

// resolveResume implements the Resume Analyzer hand-off: when the caller
// has identified a candidate partial backup to resume (c.cfg.ResumeCandidate),
// classify its repository artifacts and, if accepted, reuse its label and
// mark its survivors so dispatch skips re-copying them.
func (c *controller) resolveResume(ctx context.Context, m *manifest.Manifest) error {
	if c.cfg.ResumeCandidate == "" || c.cfg.LoadManifest == nil {
		return nil
	}

	saved, err := c.cfg.LoadManifest(ctx, c.cfg.ResumeCandidate)
	if err != nil {
		return fmt.Errorf("loading resume candidate manifest %s: %w", c.cfg.ResumeCandidate, err)
	}
	if saved == nil {
		return nil
	}

	var repoFiles []resume.RepoEntry
	if c.cfg.ListRepoFiles != nil {
		repoFiles, err = c.cfg.ListRepoFiles(ctx, c.cfg.ResumeCandidate)
		if err != nil {
			return fmt.Errorf("listing resume candidate repository files: %w", err)
		}
	}

	decision := resume.Analyze(m, saved, repoFiles, resume.Options{
		ResumeEnabled: true,
		EngineVersion: c.cfg.EngineVersion,
		CompressType:  c.cfg.Option.CompressType,
		CipherType:    c.cfg.Option.CipherType,
	}, c.cfg.EngineVersion)

	if !decision.Accepted {
		return nil
	}

	m.Backup.Label = saved.Backup.Label
	m.Backup.PriorLabel = saved.Backup.PriorLabel
	m.Backup.Type = saved.Backup.Type
	if decision.EnableDelta {
		c.cfg.Option.Delta = true
		m.Option.Delta = true
	}

	c.survivors = make(map[string]resume.Artifact, len(decision.Survivors))
	for _, a := range decision.Survivors {
		c.survivors[a.Name] = a
	}
	return nil
}

// buildJobs converts every non-survivor file entry in m into an
// orchestrator.Job, splitting master-read files (always routed to the
// primary-side dispatcher pool) from non-master files, which are eligible
// for standby routing once the standby has caught up.
func (c *controller) buildJobs(m *manifest.Manifest) (masterJobs, standbyEligible []orchestrator.Job) {
	targets := m.TargetList()

	for _, f := range m.FileList() {
		if isSynthesizedName(f.Name) {
			continue
		}
		if survivor, ok := c.survivors[f.Name]; ok {
			f.Checksum = survivor.Checksum
			f.Size = survivor.Size
			f.RepoSize = survivor.Size
			m.AddFile(f)
			continue
		}

		srcPath, ok := resolveSourcePath(targets, f.Name)
		if !ok {
			continue
		}

		segNo, checkPages := pageCheckDecision(c.cfg.Option.ChecksumPage, c.pgControl, f.Name)

		req := copy.Request{
			SourcePath:       srcPath,
			SourceName:       f.Name,
			IgnoreMissing:    c.cfg.Option.IgnoreMissing,
			ExpectedSize:     f.Size,
			ExpectedChecksum: f.Checksum,
			HasReference:     f.HasReference(),
			CheckPages:       checkPages,
			SegmentNo:        segNo,
			SegmentPageTotal: 0,
			PageLSNLimit:     c.startLSNOf(),
			Label:            m.Backup.Label,
			CompressType:     c.cfg.Option.CompressType,
			CompressLevel:    c.cfg.Option.CompressLevel,
			Delta:            c.cfg.Option.Delta,
			CipherType:       c.cfg.Option.CipherType,
			CipherPass:       c.cfg.Option.CipherPass,
		}

		job := orchestrator.Job{Request: req, ManifestName: f.Name}
		if f.MasterRead {
			masterJobs = append(masterJobs, job)
		} else {
			standbyEligible = append(standbyEligible, job)
		}
	}

	return masterJobs, standbyEligible
}

func (c *controller) startLSNOf() uint64 {
	if c.startRes == nil {
		return 0
	}
	return c.startRes.StartLSN
}

// resolveSourcePath finds the target owning name and joins its filesystem
// path with name's target-relative remainder.
func resolveSourcePath(targets []manifest.Target, name string) (string, bool) {
	var best manifest.Target
	bestLen := -1
	for _, t := range targets {
		if name == t.Name || strings.HasPrefix(name, t.Name+"/") {
			if len(t.Name) > bestLen {
				best = t
				bestLen = len(t.Name)
			}
		}
	}
	if bestLen < 0 {
		return "", false
	}
	rel := strings.TrimPrefix(name, best.Name)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return best.Path, true
	}
	return filepath.Join(best.Path, filepath.FromSlash(rel)), true
}

func isSynthesizedName(name string) bool {
	return name == "pg_data/backup_label" || name == "pg_data/tablespace_map"
}

// pageCheckDecision reports whether a file is a relation segment file
// eligible for page-checksum verification, and if so its segment number.
// Grounded on PostgreSQL's <oid> or <oid>.<segment> relation file naming
// under base/<db-oid>/ and global/.
func pageCheckDecision(enabled bool, control *pgcontrol.PgControl, name string) (segNo uint32, ok bool) {
	if !enabled || control == nil || !control.PageChecksum {
		return 0, false
	}
	if !strings.Contains(name, "/base/") && !strings.Contains(name, "/global/") {
		return 0, false
	}
	base := name[strings.LastIndexByte(name, '/')+1:]
	oidPart, segPart, hasSeg := strings.Cut(base, ".")
	if oidPart == "" {
		return 0, false
	}
	for _, r := range oidPart {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	if !hasSeg {
		return 0, true
	}
	n, err := strconv.ParseUint(segPart, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
