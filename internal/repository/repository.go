// Package repository abstracts the storage backend a backup's objects
// are written to and read from: a POSIX filesystem, an S3-compatible
// object store, or an SFTP/SSH server. Every backend satisfies the same
// Backend interface, which embeds copy.Repository so any of them can
// back the File Copy Worker directly.
package repository

import (
	"context"
	"io"

	"pgbak/internal/copy"
)

// ObjectInfo describes one object under a backup label, for listing a
// repository's contents (the Resume Analyzer's repoFiles input).
type ObjectInfo struct {
	Name      string
	Size      int64
	IsDir     bool
	IsRegular bool
}

// Backend is the full storage contract: the File Copy Worker's write
// side (copy.Repository) plus read and enumeration for manifest
// loading and resume analysis.
type Backend interface {
	copy.Repository

	OpenReader(ctx context.Context, label, name string) (io.ReadCloser, error)
	List(ctx context.Context, label string) ([]ObjectInfo, error)
}

// objectKey joins a backup label and a repository-relative name into
// one path, always with forward slashes regardless of backend or host
// OS — the repository layout of spec.md §6 is itself slash-separated.
func objectKey(label, name string) string {
	if label == "" {
		return name
	}
	return label + "/" + name
}
