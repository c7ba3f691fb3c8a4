// Package copy implements the File Copy Worker: the per-file pipeline
// that reads a source file off the cluster, optionally verifies its
// pages, checksums and sizes it, optionally compresses and encrypts it,
// and writes the result to a repository object.
//
// CopyFile is re-entrant and carries no worker-pool state of its own —
// the orchestrator schedules many concurrent calls, one per job, and is
// also what a remote-worker subprocess calls in response to a decoded
// transport request.
package copy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	pgbakerrors "pgbak/internal/errors"
	"pgbak/internal/filter"
	"pgbak/internal/pgpage"
)

// Repository is the minimal write-side contract the worker needs from a
// storage backend: open a writer for a repository object scoped to a
// backup label, and stat one that may already exist there (the resumed
// case, for checksum-match/recopied classification).
type Repository interface {
	OpenWriter(ctx context.Context, label, name string) (io.WriteCloser, error)
	Stat(ctx context.Context, label, name string) (stat RepoStat, exists bool, err error)
}

// RepoStat is what Stat reports about an already-written repository
// object.
type RepoStat struct {
	Size     int64
	Checksum string
}

// Request is one File Copy Worker job, matching spec.md §4.4's input
// field list.
type Request struct {
	SourcePath       string
	SourceName       string
	IgnoreMissing    bool
	ExpectedSize     int64
	CopyExactSize    bool
	ExpectedChecksum string
	HasReference     bool

	CheckPages       bool
	SegmentNo        uint32
	SegmentPageTotal uint32
	PageLSNLimit     uint64

	RepoName      string
	CompressType  string
	CompressLevel int
	Label         string
	Delta         bool

	CipherType string
	CipherPass string
}

// Outcome is one of the five results the worker can report.
type Outcome string

const (
	Skipped       Outcome = "skipped"
	Noop          Outcome = "noop"
	Copied        Outcome = "copied"
	Recopied      Outcome = "recopied"
	ChecksumMatch Outcome = "checksum-match"
)

// Result is the structured outcome of one CopyFile call.
type Result struct {
	Outcome    Outcome
	Size       int64
	RepoSize   int64
	Checksum   string
	PageResult *pgpage.Result
}

// CopyFile runs one File Copy Worker job against repo.
func CopyFile(ctx context.Context, repo Repository, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	f, err := os.Open(req.SourcePath)
	if err != nil {
		if req.IgnoreMissing && errors.Is(err, fs.ErrNotExist) {
			return Result{Outcome: Skipped}, nil
		}
		return Result{}, &pgbakerrors.FileMissingError{Path: req.SourcePath, Err: err}
	}
	defer f.Close()

	if req.Delta && req.ExpectedChecksum != "" {
		noop, result, err := probeDelta(f, req)
		if err != nil {
			return Result{}, fmt.Errorf("probing %s for delta noop: %w", req.SourcePath, err)
		}
		if noop {
			return result, nil
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return Result{}, fmt.Errorf("rewinding %s after delta probe: %w", req.SourcePath, err)
		}
	}

	repoName := req.RepoName
	if repoName == "" {
		repoName = req.SourceName
	}
	repoName += repoExt(req.CompressType)

	existing, exists, err := repo.Stat(ctx, req.Label, repoName)
	if err != nil {
		return Result{}, fmt.Errorf("statting existing repository object %s/%s: %w", req.Label, repoName, err)
	}

	w, err := repo.OpenWriter(ctx, req.Label, repoName)
	if err != nil {
		return Result{}, fmt.Errorf("opening repository writer for %s/%s: %w", req.Label, repoName, err)
	}

	counter := &countingWriteCloser{WriteCloser: w}
	chain, err := filter.NewChain(counter, filter.Options{
		CheckPages:       req.CheckPages,
		SegmentNo:        req.SegmentNo,
		SegmentPageTotal: req.SegmentPageTotal,
		PageLSNLimit:     req.PageLSNLimit,
		CompressType:     req.CompressType,
		CompressLevel:    req.CompressLevel,
		CipherType:       req.CipherType,
		CipherPass:       req.CipherPass,
	})
	if err != nil {
		w.Close()
		return Result{}, fmt.Errorf("building filter chain for %s: %w", req.SourceName, err)
	}

	var reader io.Reader = f
	if req.CopyExactSize && req.ExpectedSize > 0 {
		reader = io.LimitReader(f, req.ExpectedSize)
	}

	_, copyErr := io.Copy(chain, reader)
	if copyErr != nil {
		w.Close()
		if req.IgnoreMissing && errors.Is(copyErr, fs.ErrNotExist) {
			return Result{Outcome: Skipped}, nil
		}
		return Result{}, fmt.Errorf("copying %s: %w", req.SourceName, copyErr)
	}
	if err := chain.Close(); err != nil {
		return Result{}, fmt.Errorf("closing filter chain for %s: %w", req.SourceName, err)
	}

	checksum := chain.Checksum()
	size := chain.Size()

	outcome := Copied
	switch {
	case exists && existing.Checksum == checksum && existing.Size == size:
		outcome = ChecksumMatch
	case exists:
		outcome = Recopied
	}

	return Result{
		Outcome:    outcome,
		Size:       size,
		RepoSize:   counter.n,
		Checksum:   checksum,
		PageResult: chain.PageResult(),
	}, nil
}

// probeDelta implements spec.md §4.4 points 2-3: read up to
// expected-size bytes (or the whole file, when copy-exact-size is
// false) and compare its SHA-1 against expected-checksum. It covers
// both the has-reference and not-has-reference cases identically — the
// only difference between them is which manifest fields the caller
// preserves on a noop, not anything the worker itself decides.
func probeDelta(f *os.File, req Request) (bool, Result, error) {
	limit := int64(-1)
	if req.CopyExactSize {
		limit = req.ExpectedSize
	}

	checksum, _, err := filter.ComputeSHA1(f, limit)
	if err != nil {
		return false, Result{}, err
	}
	if checksum != req.ExpectedChecksum {
		return false, Result{}, nil
	}

	return true, Result{
		Outcome:  Noop,
		Size:     req.ExpectedSize,
		RepoSize: 0,
		Checksum: checksum,
	}, nil
}

func repoExt(compressType string) string {
	switch compressType {
	case "gz":
		return ".gz"
	case "zst":
		return ".zst"
	default:
		return ""
	}
}

// countingWriteCloser counts the bytes actually written to the
// repository object — the post-compression, post-encryption size —
// which filter.Chain itself does not track since its own size filter
// sits upstream of compression.
type countingWriteCloser struct {
	io.WriteCloser
	n int64
}

func (c *countingWriteCloser) Write(p []byte) (int, error) {
	n, err := c.WriteCloser.Write(p)
	c.n += int64(n)
	return n, err
}
