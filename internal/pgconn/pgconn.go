// Package pgconn is the database wire-protocol client the Backup
// Controller uses for every exclusively-controller-side query spec.md
// §6 names: the server-version probe, start-backup, stop-backup,
// replay-lsn (standby), time-of-day, database/tablespace enumeration,
// and advisory-lock. Workers never speak to the database, per spec.md
// §5 — this package is imported only by internal/backupctl and by the
// cmd/pgbak entrypoint that opens the connections it hands to it.
//
// Grounded on the start/stop-backup call shape in
// other_examples/wal-g-wal-g__backup_push_handler.go (connect, call
// start-backup, collect the returned LSN/version/system-identifier,
// later call stop-backup), reworked onto github.com/jackc/pgx/v5's
// connection and QueryRow API rather than that file's pgx v3.
package pgconn

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"pgbak/internal/pgcontrol"
)

// Config is the database connection configuration spec.md §6 names:
// host, port, user, database, application-name.
type Config struct {
	Host            string
	Port            int
	User            string
	Database        string
	ApplicationName string
}

func (c Config) connString() string {
	s := fmt.Sprintf("host=%s port=%d user=%s dbname=%s application_name=%s",
		c.Host, c.Port, c.User, c.Database, orDefault(c.ApplicationName, "pgbak"))
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Tablespace is one enumerated tablespace, matching what
// internal/manifest.TablespaceRef needs to build a target for it.
type Tablespace struct {
	OID  string
	Name string
	Path string
}

// StartBackupResult is what the start-backup call returns: the starting
// LSN, as both its raw 64-bit value and the WAL segment name it falls
// in, per spec.md §4.6.
type StartBackupResult struct {
	StartLSN     uint64
	StartSegment string
}

// StopBackupResult is what the non-exclusive stop-backup call returns:
// the stopping LSN and segment, plus the backup_label and
// tablespace_map blobs spec.md §4.6 says are synthesized as manifest
// files.
type StopBackupResult struct {
	StopLSN         uint64
	StopSegment     string
	StopTime        time.Time
	BackupLabel     []byte
	TablespaceMap   []byte
}

// Client is the database operations the Backup Controller performs.
// Implemented by *PGXClient against a real cluster, and by test doubles
// in internal/backupctl's tests.
type Client interface {
	ServerVersion(ctx context.Context) (int, error)
	SystemIdentifier(ctx context.Context) (uint64, error)
	DataDirectory(ctx context.Context) (string, error)
	Now(ctx context.Context) (time.Time, error)
	Databases(ctx context.Context) ([]string, error)
	Tablespaces(ctx context.Context) ([]Tablespace, error)
	ReplayLSN(ctx context.Context) (uint64, error)
	AdvisoryLock(ctx context.Context, key1, key2 int32) (bool, error)
	AdvisoryUnlock(ctx context.Context, key1, key2 int32) (bool, error)
	StartBackup(ctx context.Context, label string, startFast, nonExclusive bool) (StartBackupResult, error)
	StopBackup(ctx context.Context, nonExclusive bool) (StopBackupResult, error)
	Close(ctx context.Context) error
}

// PGXClient is the pgx/v5-backed Client implementation.
type PGXClient struct {
	pool *pgxpool.Pool
}

// Connect opens a connection pool to the configured cluster.
func Connect(ctx context.Context, cfg Config) (*PGXClient, error) {
	pool, err := pgxpool.New(ctx, cfg.connString())
	if err != nil {
		return nil, fmt.Errorf("connecting to %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
	}
	return &PGXClient{pool: pool}, nil
}

func (c *PGXClient) Close(context.Context) error {
	c.pool.Close()
	return nil
}

func (c *PGXClient) ServerVersion(ctx context.Context) (int, error) {
	var version int
	err := c.pool.QueryRow(ctx, "SHOW server_version_num").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("querying server_version_num: %w", err)
	}
	return version, nil
}

func (c *PGXClient) SystemIdentifier(ctx context.Context) (uint64, error) {
	var id uint64
	err := c.pool.QueryRow(ctx, "SELECT system_identifier FROM pg_control_system()").Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("querying system_identifier: %w", err)
	}
	return id, nil
}

func (c *PGXClient) DataDirectory(ctx context.Context) (string, error) {
	var dir string
	err := c.pool.QueryRow(ctx, "SHOW data_directory").Scan(&dir)
	if err != nil {
		return "", fmt.Errorf("querying data_directory: %w", err)
	}
	return dir, nil
}

func (c *PGXClient) Now(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := c.pool.QueryRow(ctx, "SELECT clock_timestamp()").Scan(&t)
	if err != nil {
		return time.Time{}, fmt.Errorf("querying clock_timestamp: %w", err)
	}
	return t, nil
}

func (c *PGXClient) Databases(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, "SELECT datname FROM pg_database WHERE datallowconn ORDER BY datname")
	if err != nil {
		return nil, fmt.Errorf("querying pg_database: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (c *PGXClient) Tablespaces(ctx context.Context) ([]Tablespace, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT oid, spcname, pg_tablespace_location(oid)
		FROM pg_tablespace
		WHERE spcname NOT IN ('pg_default', 'pg_global')`)
	if err != nil {
		return nil, fmt.Errorf("querying pg_tablespace: %w", err)
	}
	defer rows.Close()

	var out []Tablespace
	for rows.Next() {
		var ts Tablespace
		if err := rows.Scan(&ts.OID, &ts.Name, &ts.Path); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// ReplayLSN reports a standby's last-replayed LSN, used by the
// controller to know when a standby has caught up past the backup's
// start-lsn before routing non-master file reads to it.
func (c *PGXClient) ReplayLSN(ctx context.Context) (uint64, error) {
	var lsnStr string
	err := c.pool.QueryRow(ctx, "SELECT pg_last_wal_replay_lsn()").Scan(&lsnStr)
	if err != nil {
		return 0, fmt.Errorf("querying pg_last_wal_replay_lsn: %w", err)
	}
	return ParseLSN(lsnStr)
}

func (c *PGXClient) AdvisoryLock(ctx context.Context, key1, key2 int32) (bool, error) {
	var ok bool
	err := c.pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1, $2)", key1, key2).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("acquiring advisory lock (%d,%d): %w", key1, key2, err)
	}
	return ok, nil
}

func (c *PGXClient) AdvisoryUnlock(ctx context.Context, key1, key2 int32) (bool, error) {
	var ok bool
	err := c.pool.QueryRow(ctx, "SELECT pg_advisory_unlock($1, $2)", key1, key2).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("releasing advisory lock (%d,%d): %w", key1, key2, err)
	}
	return ok, nil
}

// StartBackup calls the non-exclusive start-backup function for
// clusters at 9.6 or later, or the exclusive one otherwise, per
// spec.md §4.6's OptionReconcile/StartBackup decisions — the caller
// (internal/backupctl) decides nonExclusive from the probed server
// version, this method just picks the matching SQL shape.
func (c *PGXClient) StartBackup(ctx context.Context, label string, startFast, nonExclusive bool) (StartBackupResult, error) {
	var lsnStr string
	var err error
	if nonExclusive {
		err = c.pool.QueryRow(ctx, "SELECT lsn FROM pg_start_backup($1, $2, false)", label, startFast).Scan(&lsnStr)
	} else {
		err = c.pool.QueryRow(ctx, "SELECT pg_start_backup($1, $2)", label, startFast).Scan(&lsnStr)
	}
	if err != nil {
		return StartBackupResult{}, fmt.Errorf("calling start-backup: %w", err)
	}

	lsn, err := ParseLSN(lsnStr)
	if err != nil {
		return StartBackupResult{}, fmt.Errorf("parsing start-backup lsn %q: %w", lsnStr, err)
	}

	return StartBackupResult{StartLSN: lsn, StartSegment: SegmentName(1, lsn, pgcontrol.DefaultWALSegmentSize)}, nil
}

// StopBackup calls the non-exclusive stop-backup function (which
// returns the backup_label/tablespace_map blobs directly) when
// nonExclusive, or the exclusive one (which writes backup_label to the
// data directory itself and returns only the stop LSN) otherwise.
func (c *PGXClient) StopBackup(ctx context.Context, nonExclusive bool) (StopBackupResult, error) {
	if !nonExclusive {
		var lsnStr string
		if err := c.pool.QueryRow(ctx, "SELECT pg_stop_backup()").Scan(&lsnStr); err != nil {
			return StopBackupResult{}, fmt.Errorf("calling exclusive stop-backup: %w", err)
		}
		lsn, err := ParseLSN(lsnStr)
		if err != nil {
			return StopBackupResult{}, fmt.Errorf("parsing stop-backup lsn %q: %w", lsnStr, err)
		}
		return StopBackupResult{StopLSN: lsn, StopSegment: SegmentName(1, lsn, pgcontrol.DefaultWALSegmentSize), StopTime: time.Now().UTC()}, nil
	}

	var lsnStr, backupLabel, tablespaceMap string
	err := c.pool.QueryRow(ctx, "SELECT lsn, labelfile, spcmapfile FROM pg_stop_backup(false, true)").
		Scan(&lsnStr, &backupLabel, &tablespaceMap)
	if err != nil {
		return StopBackupResult{}, fmt.Errorf("calling non-exclusive stop-backup: %w", err)
	}

	lsn, err := ParseLSN(lsnStr)
	if err != nil {
		return StopBackupResult{}, fmt.Errorf("parsing stop-backup lsn %q: %w", lsnStr, err)
	}

	return StopBackupResult{
		StopLSN:       lsn,
		StopSegment:   SegmentName(1, lsn, pgcontrol.DefaultWALSegmentSize),
		StopTime:      time.Now().UTC(),
		BackupLabel:   []byte(backupLabel),
		TablespaceMap: []byte(tablespaceMap),
	}, nil
}

// ensure *PGXClient satisfies Client.
var _ Client = (*PGXClient)(nil)

