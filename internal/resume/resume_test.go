package resume

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgbak/internal/manifest"
)

func buildManifests(t *testing.T) (plan, saved *manifest.Manifest) {
	t.Helper()

	plan = manifest.New()
	plan.Backup.Type = manifest.BackupTypeFull
	plan.Option.CompressType = "gz"
	plan.AddTarget(manifest.Target{Name: "pg_data", Type: manifest.TargetTypePath})
	plan.AddPath(manifest.PathEntry{Name: "pg_data"})
	plan.AddFile(manifest.FileEntry{Name: "pg_data/PG_VERSION", Size: 3, Timestamp: 100})
	plan.AddFile(manifest.FileEntry{Name: "pg_data/postgresql.conf", Size: 11, Timestamp: 100})

	saved = manifest.New()
	saved.Backup.Type = manifest.BackupTypeFull
	saved.Option.CompressType = "gz"
	saved.AddTarget(manifest.Target{Name: "pg_data", Type: manifest.TargetTypePath})
	saved.AddPath(manifest.PathEntry{Name: "pg_data"})
	saved.AddFile(manifest.FileEntry{Name: "pg_data/PG_VERSION", Size: 3, Timestamp: 100, Checksum: "deadbeef"})

	return plan, saved
}

func TestAnalyze_RejectsWhenDisabled(t *testing.T) {
	plan, saved := buildManifests(t)
	d := Analyze(plan, saved, nil, Options{ResumeEnabled: false}, "v1")
	assert.False(t, d.Accepted)
}

func TestAnalyze_RejectsMissingSaved(t *testing.T) {
	plan, _ := buildManifests(t)
	d := Analyze(plan, nil, nil, Options{ResumeEnabled: true, EngineVersion: "v1", CompressType: "gz"}, "v1")
	assert.False(t, d.Accepted)
}

func TestAnalyze_RejectsCompressionMismatch(t *testing.T) {
	plan, saved := buildManifests(t)
	opts := Options{ResumeEnabled: true, EngineVersion: "v1", CompressType: "zst"}
	d := Analyze(plan, saved, nil, opts, "v1")
	assert.False(t, d.Accepted)
}

func TestAnalyze_KeepsMatchingFile(t *testing.T) {
	plan, saved := buildManifests(t)
	repo := []RepoEntry{{Name: "pg_data/PG_VERSION", IsRegular: true, Size: 3}}
	opts := Options{ResumeEnabled: true, EngineVersion: "v1", CompressType: "gz"}

	d := Analyze(plan, saved, repo, opts, "v1")
	require.True(t, d.Accepted)
	require.Len(t, d.Survivors, 1)
	assert.Equal(t, "pg_data/PG_VERSION", d.Survivors[0].Name)
	assert.Equal(t, "deadbeef", d.Survivors[0].Checksum)
}

func TestAnalyze_DropsFileWithMismatchedSize(t *testing.T) {
	plan, saved := buildManifests(t)
	plan.AddFile(manifest.FileEntry{Name: "pg_data/PG_VERSION", Size: 99, Timestamp: 100})
	repo := []RepoEntry{{Name: "pg_data/PG_VERSION", IsRegular: true, Size: 99}}
	opts := Options{ResumeEnabled: true, EngineVersion: "v1", CompressType: "gz"}

	d := Analyze(plan, saved, repo, opts, "v1")
	assert.Empty(t, d.Survivors)
}

func TestAnalyze_TimestampMismatchEnablesDelta(t *testing.T) {
	plan, saved := buildManifests(t)
	plan.AddFile(manifest.FileEntry{Name: "pg_data/PG_VERSION", Size: 3, Timestamp: 999})
	repo := []RepoEntry{{Name: "pg_data/PG_VERSION", IsRegular: true, Size: 3}}
	opts := Options{ResumeEnabled: true, EngineVersion: "v1", CompressType: "gz"}

	d := Analyze(plan, saved, repo, opts, "v1")
	assert.True(t, d.EnableDelta)
	assert.Empty(t, d.Survivors)
}

func TestAnalyze_DropsReferencedFile(t *testing.T) {
	plan, saved := buildManifests(t)
	require.NoError(t, saved.Reference("pg_data/PG_VERSION", "20250101-000000F"))
	repo := []RepoEntry{{Name: "pg_data/PG_VERSION", IsRegular: true, Size: 3}}
	opts := Options{ResumeEnabled: true, EngineVersion: "v1", CompressType: "gz"}

	d := Analyze(plan, saved, repo, opts, "v1")
	assert.Empty(t, d.Survivors)
}

func TestAnalyze_DropsFileAbsentFromPlan(t *testing.T) {
	plan, saved := buildManifests(t)
	saved.AddFile(manifest.FileEntry{Name: "pg_data/stale.txt", Size: 5, Timestamp: 100, Checksum: "x"})
	repo := []RepoEntry{{Name: "pg_data/stale.txt", IsRegular: true, Size: 5}}
	opts := Options{ResumeEnabled: true, EngineVersion: "v1", CompressType: "gz"}

	d := Analyze(plan, saved, repo, opts, "v1")
	assert.Empty(t, d.Survivors)
}
