package backupctl

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	pgbakerrors "pgbak/internal/errors"
	"pgbak/internal/manifest"
	"pgbak/internal/orchestrator"
	"pgbak/internal/pgconn"
	"pgbak/internal/pgcontrol"
)

// dispatch implements spec.md §4.6's Dispatch state: run the orchestrator
// over every planned job, routing non-master-read files to the standby
// worker pool once it has replayed past the backup's start LSN.
func (c *controller) dispatch(ctx context.Context, m *manifest.Manifest, primary, standby pgconn.Client, startRes pgconn.StartBackupResult) error {
	defer c.enter("Dispatch")()

	masterJobs, standbyEligible := c.buildJobs(m)

	save := c.saveManifestCopy(ctx, m)
	threshold := c.cfg.ManifestSaveThreshold
	if threshold == 0 {
		threshold = defaultManifestSaveThreshold
	}

	if len(masterJobs) > 0 {
		if err := orchestrator.Run(ctx, m, masterJobs, orchestrator.Pool{
			Dispatchers:   c.cfg.Dispatchers,
			SaveThreshold: threshold,
			Save:          save,
		}); err != nil {
			c.countWorkerError()
			return fmt.Errorf("dispatching master-read files: %w", err)
		}
	}

	if len(standbyEligible) == 0 {
		return nil
	}

	pool := c.cfg.Dispatchers
	if c.cfg.Option.BackupStandby && standby != nil && len(c.cfg.StandbyDispatchers) > 0 {
		if err := c.waitStandbyReplay(ctx, standby, startRes.StartLSN); err != nil {
			slog.Warn("standby did not catch up to start-lsn in time, routing remaining files to primary", "error", err)
		} else {
			pool = c.cfg.StandbyDispatchers
		}
	}

	if err := orchestrator.Run(ctx, m, standbyEligible, orchestrator.Pool{
		Dispatchers:   pool,
		SaveThreshold: threshold,
		Save:          save,
	}); err != nil {
		c.countWorkerError()
		return fmt.Errorf("dispatching non-master-read files: %w", err)
	}

	return nil
}

func (c *controller) countWorkerError() {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.WorkerErrors.Inc()
	}
}

func (c *controller) waitStandbyReplay(ctx context.Context, standby pgconn.Client, startLSN uint64) error {
	if c.cfg.WaitStandbyReplay != nil {
		return c.cfg.WaitStandbyReplay(ctx, standby, startLSN)
	}

	interval := c.cfg.PollInterval
	if interval == 0 {
		interval = defaultPollInterval
	}

	for {
		lsn, err := standby.ReplayLSN(ctx)
		if err != nil {
			return fmt.Errorf("polling standby replay-lsn: %w", err)
		}
		if lsn >= startLSN {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// saveManifestCopy returns the orchestrator.Pool.Save callback: it writes
// the manifest's in-progress copy to the repository so a later run's
// Resume Analyzer has something to classify against.
func (c *controller) saveManifestCopy(ctx context.Context, m *manifest.Manifest) func(*manifest.Manifest) error {
	return func(mm *manifest.Manifest) error {
		return c.writeManifestObject(ctx, mm, "backup.manifest.copy")
	}
}

func (c *controller) writeManifestObject(ctx context.Context, m *manifest.Manifest, name string) error {
	w, err := c.cfg.Repo.OpenWriter(ctx, m.Backup.Label, name)
	if err != nil {
		return fmt.Errorf("opening %s/%s for write: %w", m.Backup.Label, name, err)
	}
	if err := m.Save(w); err != nil {
		w.Close()
		return fmt.Errorf("writing %s/%s: %w", m.Backup.Label, name, err)
	}
	return w.Close()
}

// stopBackup implements spec.md §4.6's StopBackup state: for clusters at
// 9.6 or later it records the backup_label and tablespace_map blobs the
// non-exclusive stop-backup call returns directly as synthesized manifest
// files.
func (c *controller) stopBackup(ctx context.Context, primary pgconn.Client, m *manifest.Manifest, version pgcontrol.Version) error {
	defer c.enter("StopBackup")()

	nonExclusive := version >= pgcontrol.Version96
	res, err := primary.StopBackup(ctx, nonExclusive)
	if err != nil {
		return fmt.Errorf("calling stop-backup: %w", err)
	}
	c.stopRes = &res

	m.Backup.TimestampStop = res.StopTime.Unix()

	if nonExclusive && len(res.BackupLabel) > 0 {
		m.SynthesizeFile("pg_data/backup_label", res.BackupLabel, sha1Hex(res.BackupLabel), res.StopTime)
	}
	if nonExclusive && len(res.TablespaceMap) > 0 {
		m.SynthesizeFile("pg_data/tablespace_map", res.TablespaceMap, sha1Hex(res.TablespaceMap), res.StopTime)
	}

	return nil
}

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

// finalizeManifest implements spec.md §4.6's FinalizeManifest state:
// validate the completed manifest's invariants and persist both the
// primary and copy manifest objects.
func (c *controller) finalizeManifest(ctx context.Context, m *manifest.Manifest) error {
	defer c.enter("FinalizeManifest")()

	knownLabels := make(map[string]bool, len(c.cfg.PriorBackups)+1)
	for _, p := range c.cfg.PriorBackups {
		knownLabels[p.Label] = true
	}
	knownLabels[m.Backup.Label] = true

	if err := m.Validate(knownLabels); err != nil {
		return err
	}

	if err := c.writeManifestObject(ctx, m, "backup.manifest"); err != nil {
		return err
	}
	return c.writeManifestObject(ctx, m, "backup.manifest.copy")
}

// archiveCheck implements spec.md §4.6's ArchiveCheck state: wait up to
// archive-timeout for every WAL segment between the backup's start and
// stop LSN to appear in the archive.
func (c *controller) archiveCheck(ctx context.Context, m *manifest.Manifest, startRes pgconn.StartBackupResult) error {
	defer c.enter("ArchiveCheck")()

	if !c.cfg.Option.ArchiveCheck || c.cfg.ArchiveHasSegment == nil {
		return nil
	}
	if c.stopRes == nil {
		return &pgbakerrors.AssertError{Message: "backupctl: archive check ran before stop-backup"}
	}

	timeout := defaultArchiveTimeout
	if c.cfg.Option.ArchiveTimeout != "" {
		parsed, err := time.ParseDuration(c.cfg.Option.ArchiveTimeout)
		if err != nil {
			return fmt.Errorf("parsing archive-timeout %q: %w", c.cfg.Option.ArchiveTimeout, err)
		}
		timeout = parsed
	}

	interval := c.cfg.PollInterval
	if interval == 0 {
		interval = defaultPollInterval
	}

	segmentSize := uint32(pgcontrol.DefaultWALSegmentSize)
	if c.pgControl != nil && c.pgControl.WALSegmentSize > 0 {
		segmentSize = c.pgControl.WALSegmentSize
	}
	stopSegment := pgconn.SegmentName(1, c.stopRes.StopLSN, segmentSize)

	start := c.cfg.now()
	waitStart := start

	segment := c.startSegment
	for {
		ok, err := c.cfg.ArchiveHasSegment(ctx, segment)
		if err != nil {
			return fmt.Errorf("checking archive for segment %s: %w", segment, err)
		}
		if !ok {
			if c.cfg.now().Sub(waitStart) > timeout {
				return &pgbakerrors.ArchiveTimeoutError{Segment: segment, Timeout: timeout.String()}
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
			continue
		}

		if segment == stopSegment {
			break
		}
		next, err := pgconn.NextSegment(segment, segmentSize)
		if err != nil {
			return fmt.Errorf("advancing archive-check segment past %s: %w", segment, err)
		}
		segment = next
		waitStart = c.cfg.now()
	}

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ArchiveWait.Observe(c.cfg.now().Sub(start).Seconds())
	}
	return nil
}

// publish implements spec.md §4.6's Publish state: update the `latest`
// pointer at the stanza's backup root, the atomic boundary after which
// the backup is considered complete per spec.md §5.
func (c *controller) publish(ctx context.Context, m *manifest.Manifest) error {
	defer c.enter("Publish")()

	w, err := c.cfg.Repo.OpenWriter(ctx, "", c.cfg.Stanza+"/latest")
	if err != nil {
		return fmt.Errorf("opening latest pointer for write: %w", err)
	}
	if _, err := w.Write([]byte(m.Backup.Label)); err != nil {
		w.Close()
		return fmt.Errorf("writing latest pointer: %w", err)
	}
	return w.Close()
}
