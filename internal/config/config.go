// Package config loads a stanza's YAML configuration: its cluster
// connection, repository backend selection, and backup option defaults.
//
// Grounded on the teacher's internal/config/config.go: the same
// yaml.Unmarshal-into-typed-struct followed by a Validate() pass that
// returns descriptive fmt.Errorf failures, generalized from one
// multi-task ZFS config file into the single-stanza shape spec.md §3
// describes.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"gopkg.in/yaml.v3"
)

// Connection is one PostgreSQL connection target — the primary, or an
// optional standby consulted only when BackupStandby is set.
type Connection struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	User            string `yaml:"user"`
	Database        string `yaml:"database"`
	ApplicationName string `yaml:"application_name,omitempty"`
}

// RepoConfig selects and configures one of the three repository
// backends, matching internal/repository's POSIX/S3/SFTP backends.
type RepoConfig struct {
	Type string `yaml:"type"` // "posix", "s3", or "sftp"

	POSIX struct {
		RootDir string `yaml:"root_dir"`
	} `yaml:"posix,omitempty"`

	S3 struct {
		Bucket       string `yaml:"bucket"`
		Prefix       string `yaml:"prefix"`
		Region       string `yaml:"region"`
		Endpoint     string `yaml:"endpoint,omitempty"`
		StorageClass types.StorageClass `yaml:"storage_class,omitempty"`
		Retry        struct {
			MaxAttempts int `yaml:"max_attempts"`
		} `yaml:"retry,omitempty"`
	} `yaml:"s3,omitempty"`

	SFTP struct {
		Addr     string `yaml:"addr"`
		User     string `yaml:"user"`
		RootDir  string `yaml:"root_dir"`
		HostKey  string `yaml:"host_key,omitempty"`
		KeyFile  string `yaml:"key_file,omitempty"`
	} `yaml:"sftp,omitempty"`
}

// Option carries the Backup:Option settings of spec.md §3 — the same
// fields backupctl.Option exposes, loaded from YAML rather than CLI
// flags so a stanza's defaults can be checked into its config file.
type Option struct {
	Type          string `yaml:"type,omitempty"` // "full", "diff", "incr"; "" lets backupctl pick
	Online        bool   `yaml:"online"`
	StartFast     bool   `yaml:"start_fast,omitempty"`
	Force         bool   `yaml:"force,omitempty"`
	BackupStandby bool   `yaml:"backup_standby,omitempty"`
	Delta         bool   `yaml:"delta,omitempty"`
	IgnoreMissing bool   `yaml:"ignore_missing,omitempty"`
	ChecksumPage  bool   `yaml:"checksum_page,omitempty"`

	CompressType  string `yaml:"compress_type,omitempty"`
	CompressLevel int    `yaml:"compress_level,omitempty"`
	CipherType    string `yaml:"cipher_type,omitempty"`
	CipherPassEnv string `yaml:"cipher_pass_env,omitempty"` // env var holding the passphrase; never stored in YAML directly

	BufferSize int `yaml:"buffer_size,omitempty"`
	ProcessMax int `yaml:"process_max,omitempty"`

	ArchiveCheck   bool   `yaml:"archive_check,omitempty"`
	ArchiveTimeout string `yaml:"archive_timeout,omitempty"`
}

// Stanza is one stanza's full configuration: its identity, connections,
// repository, lock directory, and backup option defaults.
type Stanza struct {
	Name     string     `yaml:"name"`
	SystemID uint64     `yaml:"system_id,omitempty"` // 0 until the stanza's first backup records it
	Primary  Connection `yaml:"primary"`
	Standby  *Connection `yaml:"standby,omitempty"`
	Repo     RepoConfig `yaml:"repo"`
	LockDir  string     `yaml:"lock_dir"`
	Option   Option     `yaml:"option"`
}

// Config is the top-level file: a base directory for local state (locks,
// logs) and the one stanza this pgbak instance serves. A future revision
// may support multiple stanzas per file the way the teacher's Config
// supports multiple Tasks; spec.md scopes one engine instance to one
// stanza per spec.md §1, so this stays singular.
type Config struct {
	BaseDir string `yaml:"base_dir"`
	Stanza  Stanza `yaml:"stanza"`
}

// Load reads and validates a stanza configuration file.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir is required")
	}
	if c.Stanza.Name == "" {
		return fmt.Errorf("stanza.name is required")
	}
	if c.Stanza.LockDir == "" {
		return fmt.Errorf("stanza.lock_dir is required")
	}
	if c.Stanza.Primary.Host == "" {
		return fmt.Errorf("stanza.primary.host is required")
	}
	if c.Stanza.Option.BackupStandby && c.Stanza.Standby == nil {
		return fmt.Errorf("stanza.option.backup_standby is set but stanza.standby is not configured")
	}
	if err := c.Stanza.Repo.validate(); err != nil {
		return err
	}
	if c.Stanza.Option.CipherType != "" && c.Stanza.Option.CipherPassEnv == "" {
		return fmt.Errorf("stanza.option.cipher_pass_env is required when cipher_type is set")
	}
	return nil
}

func (r *RepoConfig) validate() error {
	switch r.Type {
	case "posix":
		if r.POSIX.RootDir == "" {
			return fmt.Errorf("repo.posix.root_dir is required when repo.type is posix")
		}
	case "s3":
		if r.S3.Bucket == "" {
			return fmt.Errorf("repo.s3.bucket is required when repo.type is s3")
		}
		if r.S3.Region == "" {
			return fmt.Errorf("repo.s3.region is required when repo.type is s3")
		}
	case "sftp":
		if r.SFTP.Addr == "" {
			return fmt.Errorf("repo.sftp.addr is required when repo.type is sftp")
		}
		if r.SFTP.RootDir == "" {
			return fmt.Errorf("repo.sftp.root_dir is required when repo.type is sftp")
		}
	default:
		return fmt.Errorf("repo.type must be one of posix, s3, sftp, got %q", r.Type)
	}
	return nil
}

// S3RetryAttempts returns the configured retry budget for the S3
// backend's AWS SDK client, defaulting to 3 the way the AWS SDK's own
// standard retryer does.
func (c *Config) S3RetryAttempts() int {
	if c.Stanza.Repo.S3.Retry.MaxAttempts > 0 {
		return c.Stanza.Repo.S3.Retry.MaxAttempts
	}
	return 3
}

// CipherPass resolves the configured cipher passphrase from its
// environment variable, never stored directly in the YAML file.
func (c *Config) CipherPass() string {
	if c.Stanza.Option.CipherPassEnv == "" {
		return ""
	}
	return os.Getenv(c.Stanza.Option.CipherPassEnv)
}

// SplitCompress parses a "type:level" compress option, matching the
// repository-visible naming spec.md §3 uses (e.g. "zstd:3").
func SplitCompress(s string) (string, int) {
	typ, level, ok := strings.Cut(s, ":")
	if !ok {
		return s, 0
	}
	var lvl int
	fmt.Sscanf(level, "%d", &lvl)
	return typ, lvl
}
