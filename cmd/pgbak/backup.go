package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pgbak/internal/backupctl"
	"pgbak/internal/config"
	"pgbak/internal/lock"
	"pgbak/internal/logging"
	"pgbak/internal/manifest"
	"pgbak/internal/metrics"
	"pgbak/internal/pgconn"
	"pgbak/internal/repository"
	"pgbak/internal/resume"
	"pgbak/internal/transport"
)

type backupCommandArgs struct {
	configPath  string
	backupType  string
	resume      string
	metricsAddr string
}

func runBackupCommand(ctx context.Context, args backupCommandArgs) error {
	cfg, err := config.Load(args.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return fmt.Errorf("creating base directory: %w", err)
	}

	logPath := filepath.Join(cfg.BaseDir, "log", fmt.Sprintf("%s-%s.log", cfg.Stanza.Name, time.Now().Format("2006-01-02")))
	if err := os.MkdirAll(filepath.Dir(logPath), 0o750); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	baseLogger, logFile, err := logging.NewLogger(logPath, slog.LevelInfo)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer logFile.Close()

	logger := logging.ForStanza(baseLogger, cfg.Stanza.Name)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metricsRegistry := metrics.New(reg)
	serveMetrics(args.metricsAddr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	repo, err := buildRepository(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building repository backend: %w", err)
	}

	priorBackups, err := listPriorBackups(ctx, repo)
	if err != nil {
		slog.Warn("listing prior backups, treating as none found", "error", err)
	}

	dispatchers := buildLocalDispatchers(repo, effectiveProcessMax(cfg))

	opt := backupOptionFromConfig(cfg, args.backupType)

	stanzaCfg := backupctl.StanzaConfig{
		Stanza:      cfg.Stanza.Name,
		SystemID:    cfg.Stanza.SystemID,
		ConnectPrimary: func(ctx context.Context) (pgconn.Client, error) {
			return pgconn.Connect(ctx, pgconn.Config{
				Host: cfg.Stanza.Primary.Host, Port: cfg.Stanza.Primary.Port,
				User: cfg.Stanza.Primary.User, Database: cfg.Stanza.Primary.Database,
				ApplicationName: cfg.Stanza.Primary.ApplicationName,
			})
		},
		Repo:            repo,
		Dispatchers:     dispatchers,
		Metrics:         metricsRegistry,
		Lock: func() (func() error, error) {
			return lock.Acquire(cfg.Stanza.LockDir, cfg.Stanza.Name, lock.TypeBackup)
		},
		Option:          opt,
		ResumeCandidate: args.resume,
		PriorBackups:    priorBackups,
		User:            "postgres",
		Group:           "postgres",
		EngineVersion:   "0.1.0",
		LoadManifest: func(ctx context.Context, label string) (*manifest.Manifest, error) {
			return loadRepoManifest(ctx, repo, label)
		},
		ListRepoFiles: func(ctx context.Context, label string) ([]resume.RepoEntry, error) {
			return nil, nil
		},
	}

	if cfg.Stanza.Standby != nil {
		standby := *cfg.Stanza.Standby
		stanzaCfg.ConnectStandby = func(ctx context.Context) (pgconn.Client, error) {
			return pgconn.Connect(ctx, pgconn.Config{
				Host: standby.Host, Port: standby.Port, User: standby.User,
				Database: standby.Database, ApplicationName: standby.ApplicationName,
			})
		}
	}

	m, err := backupctl.Run(ctx, stanzaCfg)
	if err != nil {
		slog.Error("backup failed", "error", err)
		return err
	}

	slog.Info("backup completed", "label", m.Backup.Label, "type", m.Backup.Type)
	return nil
}

func effectiveProcessMax(cfg *config.Config) int {
	if cfg.Stanza.Option.ProcessMax > 0 {
		return cfg.Stanza.Option.ProcessMax
	}
	return 1
}

func buildLocalDispatchers(repo repository.Backend, n int) []transport.Dispatcher {
	dispatchers := make([]transport.Dispatcher, n)
	for i := range dispatchers {
		dispatchers[i] = &transport.LocalDispatcher{Repo: repo}
	}
	return dispatchers
}

func buildRepository(ctx context.Context, cfg *config.Config) (repository.Backend, error) {
	switch cfg.Stanza.Repo.Type {
	case "posix":
		return repository.NewPOSIX(cfg.Stanza.Repo.POSIX.RootDir), nil
	case "s3":
		s3cfg := cfg.Stanza.Repo.S3
		return repository.NewS3(ctx, s3cfg.Bucket, s3cfg.Region, s3cfg.Prefix, s3cfg.Endpoint, s3cfg.StorageClass, cfg.S3RetryAttempts())
	case "sftp":
		return nil, fmt.Errorf("sftp repository requires an interactive host-key/credential setup not wired into this CLI yet")
	default:
		return nil, fmt.Errorf("unknown repo.type %q", cfg.Stanza.Repo.Type)
	}
}

func backupOptionFromConfig(cfg *config.Config, typeOverride string) backupctl.Option {
	o := cfg.Stanza.Option

	requested := manifest.BackupType(typeOverride)
	if requested == "" {
		requested = manifest.BackupType(o.Type)
	}

	return backupctl.Option{
		RequestedType:  requested,
		Online:         o.Online,
		StartFast:      o.StartFast,
		Force:          o.Force,
		BackupStandby:  o.BackupStandby,
		Delta:          o.Delta,
		IgnoreMissing:  o.IgnoreMissing,
		ChecksumPage:   o.ChecksumPage,
		CompressType:   o.CompressType,
		CompressLevel:  o.CompressLevel,
		CipherType:     o.CipherType,
		CipherPass:     cfg.CipherPass(),
		BufferSize:     o.BufferSize,
		ProcessMax:     effectiveProcessMax(cfg),
		ArchiveCheck:   o.ArchiveCheck,
		ArchiveTimeout: o.ArchiveTimeout,
	}
}

// listPriorBackups discovers every backup label already published under
// the stanza's repository root and loads each one's manifest header, for
// the Backup Controller's backup-type selection (full vs. diff/incr) and
// reference-chain resolution. repo.List's label argument is the empty
// string here: every Backend implementation treats that as "the stanza
// root", which for a filesystem backend walks every backup directory in
// one pass rather than requiring a dedicated label-listing method.
func listPriorBackups(ctx context.Context, repo repository.Backend) ([]backupctl.PriorBackup, error) {
	entries, err := repo.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing repository root: %w", err)
	}

	var priors []backupctl.PriorBackup
	for _, e := range entries {
		if !e.IsDir || e.Name == "latest" || strings.Contains(e.Name, "/") {
			continue
		}

		m, err := loadRepoManifest(ctx, repo, e.Name)
		if err != nil || m == nil {
			continue
		}

		priors = append(priors, backupctl.PriorBackup{
			Label:  m.Backup.Label,
			Type:   m.Backup.Type,
			Option: m.Option,
		})
	}

	return priors, nil
}

// loadRepoManifest reads a label's saved manifest, preferring the
// periodically-updated copy over the (possibly absent, if the attempt
// never reached FinalizeManifest) primary object, and falling back to
// the primary when the copy is absent or fails to load. Returns (nil, nil)
// when neither object exists, letting the Resume Analyzer hand-off
// treat a missing candidate as "nothing to resume" rather than an error;
// when objects exist but none loads, the last load error is returned.
func loadRepoManifest(ctx context.Context, repo repository.Backend, label string) (*manifest.Manifest, error) {
	var lastErr error
	for _, name := range []string{"backup.manifest.copy", "backup.manifest"} {
		r, err := repo.OpenReader(ctx, label, name)
		if err != nil {
			continue
		}
		m, err := manifest.Load(r)
		r.Close()
		if err == nil {
			return m, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
