package manifest

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleManifest() *Manifest {
	m := New()
	m.SetDefaults("postgres", "postgres")
	m.Backup = BackupHeader{Label: "20260101-000000F", Type: BackupTypeFull, TimestampStart: 100, CopyStart: 101, TimestampStop: 200}
	m.Option = BackupOption{CompressType: "gz", CompressLevel: 6, ChecksumPage: true, Online: true, ProcessMax: 4}
	m.Database = DatabaseInfo{Version: "9.5", SystemID: 0xFACEFACE, CatalogVersion: 201510051}

	m.AddTarget(Target{Name: "pg_data", Type: TargetTypePath, Path: "/var/lib/postgresql/data"})
	m.AddPath(PathEntry{Name: "pg_data"})
	m.AddPath(PathEntry{Name: "pg_data/global"})
	m.AddFile(FileEntry{Name: "pg_data/global/pg_control", Size: 8192, Timestamp: 150, Checksum: "abc123"})
	m.AddFile(FileEntry{Name: "pg_data/postgresql.conf", Size: 11, Timestamp: 150, Checksum: "e3db315c260e79211b7b52587123b7aa060f30ab"})
	return m
}

func TestManifest_AddAndFind(t *testing.T) {
	m := sampleManifest()

	f, err := m.Find("pg_data/postgresql.conf")
	require.NoError(t, err)
	assert.Equal(t, int64(11), f.Size)

	_, err = m.Find("pg_data/missing")
	assert.Error(t, err)
}

func TestManifest_FileListIsSorted(t *testing.T) {
	m := sampleManifest()
	list := m.FileList()
	require.Len(t, list, 2)
	assert.Equal(t, "pg_data/global/pg_control", list[0].Name)
	assert.Equal(t, "pg_data/postgresql.conf", list[1].Name)
}

func TestManifest_FileDefaultsApplied(t *testing.T) {
	m := sampleManifest()
	f, err := m.Find("pg_data/postgresql.conf")
	require.NoError(t, err)
	assert.Equal(t, DefaultFileMode, f.Mode)
	assert.Equal(t, "postgres", f.User)
}

func TestManifest_Reference(t *testing.T) {
	m := sampleManifest()
	require.NoError(t, m.Reference("pg_data/postgresql.conf", "20251231-000000F"))

	f, err := m.Find("pg_data/postgresql.conf")
	require.NoError(t, err)
	assert.Equal(t, "20251231-000000F", f.Reference)
	assert.Equal(t, int64(0), f.RepoSize)
	assert.True(t, f.HasReference())
}

func TestManifest_ValidateRejectsFullBackupWithReference(t *testing.T) {
	m := sampleManifest()
	require.NoError(t, m.Reference("pg_data/postgresql.conf", "20251231-000000F"))

	err := m.Validate(nil)
	assert.Error(t, err)
}

func TestManifest_ValidateRejectsOrphanFile(t *testing.T) {
	m := sampleManifest()
	m.AddFile(FileEntry{Name: "pg_data/orphan/nope.txt", Size: 1})

	err := m.Validate(nil)
	assert.Error(t, err)
}

func TestManifest_ValidateRejectsMalformedTablespaceName(t *testing.T) {
	m := sampleManifest()
	m.AddTarget(Target{Name: "pg_tblspc/not-a-number", Type: TargetTypeLink, TablespaceID: "not-a-number"})

	err := m.Validate(nil)
	assert.Error(t, err)
}

func TestManifest_RoundTrip(t *testing.T) {
	m := sampleManifest()

	var buf bytes.Buffer
	require.NoError(t, m.Save(&buf))

	loaded, err := Load(&buf)
	require.NoError(t, err)

	assert.Equal(t, m.Backup, loaded.Backup)
	assert.Equal(t, m.Option, loaded.Option)
	assert.Equal(t, m.Database, loaded.Database)
	assert.Equal(t, m.FileList(), loaded.FileList())
	assert.Equal(t, m.PathList(), loaded.PathList())
	assert.Equal(t, m.TargetList(), loaded.TargetList())
}

func TestManifest_RoundTripByteIdentical(t *testing.T) {
	m := sampleManifest()

	var buf1 bytes.Buffer
	require.NoError(t, m.Save(&buf1))
	saved := buf1.String()

	loaded, err := Load(&buf1)
	require.NoError(t, err)

	var buf2 bytes.Buffer
	require.NoError(t, loaded.Save(&buf2))

	assert.Equal(t, saved, buf2.String())
}

func TestManifest_LoadDetectsChecksumMismatch(t *testing.T) {
	m := sampleManifest()
	var buf bytes.Buffer
	require.NoError(t, m.Save(&buf))

	corrupted := buf.String()
	corrupted = corrupted[:len(corrupted)-1] + "X\n"

	_, err := Load(bytes.NewReader([]byte(corrupted)))
	require.Error(t, err)
}

func TestManifest_RoundTripPreservesUnknownKeysAndSections(t *testing.T) {
	m := sampleManifest()

	f, err := m.Find("pg_data/postgresql.conf")
	require.NoError(t, err)
	f.Extra = map[string]json.RawMessage{"future-file-field": json.RawMessage(`"keep-me"`)}
	m.AddFile(*f)

	m.extraSections["backup:future"] = map[string]string{"future-key": `"keep-me-too"`}

	var buf bytes.Buffer
	require.NoError(t, m.Save(&buf))
	saved := buf.String()
	assert.Contains(t, saved, `"future-file-field":"keep-me"`)
	assert.Contains(t, saved, "[backup:future]")
	assert.Contains(t, saved, `future-key="keep-me-too"`)

	loaded, err := Load(strings.NewReader(saved))
	require.NoError(t, err)

	lf, err := loaded.Find("pg_data/postgresql.conf")
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"keep-me"`), lf.Extra["future-file-field"])
	assert.Equal(t, `"keep-me-too"`, loaded.extraSections["backup:future"]["future-key"])

	var buf2 bytes.Buffer
	require.NoError(t, loaded.Save(&buf2))
	assert.Equal(t, saved, buf2.String())
}

func TestManifest_PageChecksumRoundTrip(t *testing.T) {
	m := sampleManifest()
	f, err := m.Find("pg_data/global/pg_control")
	require.NoError(t, err)
	f.PageChecksum = &PageChecksumResult{Valid: false, Align: true}
	m.AddFile(*f)

	var buf bytes.Buffer
	require.NoError(t, m.Save(&buf))

	loaded, err := Load(&buf)
	require.NoError(t, err)

	lf, err := loaded.Find("pg_data/global/pg_control")
	require.NoError(t, err)
	require.NotNil(t, lf.PageChecksum)
	assert.False(t, lf.PageChecksum.Valid)
}
