// Package filter implements the composable write-filter chain the File
// Copy Worker streams a source file's bytes through: page-checksum
// verification, SHA-1 accumulation, byte counting, compression, and
// encryption, each layer forwarding to the next so the whole file is
// never buffered in memory.
//
// Grounded on spec.md §4.4's pipeline order and Design Note §9's
// "composable read/write wrapper" guidance: each layer takes an inner
// writer, exposes the same io.WriteCloser interface, and reports its own
// output stats once the chain is closed.
package filter

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"filippo.io/age"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"pgbak/internal/pgpage"
)

// Options selects which layers a Chain builds and how, matching the
// File Copy Worker's request fields in spec.md §4.4.
type Options struct {
	CheckPages       bool
	SegmentNo        uint32
	SegmentPageTotal uint32
	PageLSNLimit     uint64

	CompressType  string // "", "gz", or "zst"
	CompressLevel int

	CipherType string // "", or "cipher-pass"
	CipherPass string
}

// Chain is a built write-filter pipeline. Write the source file's bytes
// into it in order, then Close it; afterward Size, Checksum, and
// PageResult report the accumulated stats.
type Chain struct {
	outer io.WriteCloser
	sha1  *sha1Filter
	size  *sizeFilter
	page  *pageChecksumFilter
}

// NewChain builds the filter chain around next (ultimately the
// repository writer), applying layers in the order page-checksum → SHA-1
// → size → compress → encrypt, per spec.md §4.4 point 4.
func NewChain(next io.WriteCloser, opts Options) (*Chain, error) {
	var w io.WriteCloser = next
	var err error

	if opts.CipherType != "" {
		w, err = newEncryptFilter(w, opts.CipherType, opts.CipherPass)
		if err != nil {
			return nil, fmt.Errorf("building encryption filter: %w", err)
		}
	}

	if opts.CompressType != "" {
		w, err = newCompressFilter(w, opts.CompressType, opts.CompressLevel)
		if err != nil {
			return nil, fmt.Errorf("building compression filter: %w", err)
		}
	}

	size := newSizeFilter(w)
	w = size

	sha := newSHA1Filter(w)
	w = sha

	var page *pageChecksumFilter
	if opts.CheckPages {
		page = newPageChecksumFilter(w, opts.SegmentNo, opts.SegmentPageTotal, opts.PageLSNLimit)
		w = page
	}

	return &Chain{outer: w, sha1: sha, size: size, page: page}, nil
}

func (c *Chain) Write(p []byte) (int, error) { return c.outer.Write(p) }
func (c *Chain) Close() error                { return c.outer.Close() }

// Size is the total number of uncompressed, unencrypted bytes written
// through the chain.
func (c *Chain) Size() int64 { return c.size.n }

// Checksum is the SHA-1 of the uncompressed, unencrypted bytes written
// through the chain, as a hex string.
func (c *Chain) Checksum() string { return c.sha1.sum() }

// PageResult is the page-checksum verifier's outcome, or nil if
// page-checking was not enabled for this chain.
func (c *Chain) PageResult() *pgpage.Result {
	if c.page == nil {
		return nil
	}
	r := c.page.verifier.Result()
	return &r
}

// cascadeClose closes self, then — if next also needs closing — closes
// next. Every filter layer that wraps another WriteCloser uses this so a
// single outer Close flushes and finalizes the whole chain in order.
func cascadeClose(selfClose func() error, next io.Writer) error {
	if err := selfClose(); err != nil {
		return err
	}
	if c, ok := next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// sha1Filter forwards every byte unchanged while accumulating a running
// SHA-1 over them.
type sha1Filter struct {
	h    hash.Hash
	next io.Writer
}

func newSHA1Filter(next io.Writer) *sha1Filter {
	return &sha1Filter{h: sha1.New(), next: next}
}

func (f *sha1Filter) Write(p []byte) (int, error) {
	f.h.Write(p)
	return f.next.Write(p)
}

func (f *sha1Filter) Close() error {
	return cascadeClose(func() error { return nil }, f.next)
}

func (f *sha1Filter) sum() string {
	return hex.EncodeToString(f.h.Sum(nil))
}

// sizeFilter forwards every byte unchanged while counting them.
type sizeFilter struct {
	n    int64
	next io.Writer
}

func newSizeFilter(next io.Writer) *sizeFilter {
	return &sizeFilter{next: next}
}

func (f *sizeFilter) Write(p []byte) (int, error) {
	f.n += int64(len(p))
	return f.next.Write(p)
}

func (f *sizeFilter) Close() error {
	return cascadeClose(func() error { return nil }, f.next)
}

// pageChecksumFilter feeds every byte written to it into a
// pgpage.Verifier before forwarding unchanged.
type pageChecksumFilter struct {
	verifier *pgpage.Verifier
	next     io.Writer
}

func newPageChecksumFilter(next io.Writer, segmentNo, segmentPageTotal uint32, lsnLimit uint64) *pageChecksumFilter {
	return &pageChecksumFilter{
		verifier: pgpage.NewVerifier(segmentNo, segmentPageTotal, lsnLimit),
		next:     next,
	}
}

func (f *pageChecksumFilter) Write(p []byte) (int, error) {
	if err := f.verifier.Write(p); err != nil {
		return 0, err
	}
	return f.next.Write(p)
}

func (f *pageChecksumFilter) Close() error {
	return cascadeClose(func() error { return nil }, f.next)
}

func newCompressFilter(next io.WriteCloser, compressType string, level int) (io.WriteCloser, error) {
	switch compressType {
	case "gz":
		w, err := gzip.NewWriterLevel(next, normalizeGzipLevel(level))
		if err != nil {
			return nil, err
		}
		return &cascadingWriteCloser{WriteCloser: w, next: next}, nil
	case "zst":
		w, err := zstd.NewWriter(next, zstd.WithEncoderLevel(zstdLevel(level)))
		if err != nil {
			return nil, err
		}
		return &cascadingWriteCloser{WriteCloser: w, next: next}, nil
	default:
		return nil, fmt.Errorf("unsupported compression type %q", compressType)
	}
}

// zstdLevel maps the manifest's zstd 1-22 compression-level scale onto
// klauspost/compress's coarser four-tier encoder level.
func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 0:
		return zstd.SpeedDefault
	case level <= 3:
		return zstd.SpeedFastest
	case level <= 9:
		return zstd.SpeedDefault
	case level <= 15:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func normalizeGzipLevel(level int) int {
	if level <= 0 {
		return gzip.DefaultCompression
	}
	if level > gzip.BestCompression {
		return gzip.BestCompression
	}
	return level
}

func newEncryptFilter(next io.WriteCloser, cipherType, passphrase string) (io.WriteCloser, error) {
	if cipherType != "cipher-pass" {
		return nil, fmt.Errorf("unsupported cipher type %q", cipherType)
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("building age recipient: %w", err)
	}
	w, err := age.Encrypt(next, recipient)
	if err != nil {
		return nil, fmt.Errorf("opening age stream: %w", err)
	}
	return &cascadingWriteCloser{WriteCloser: w, next: next}, nil
}

// cascadingWriteCloser adapts a codec's own WriteCloser (gzip.Writer,
// zstd.Encoder, age's encryptor) so that closing it also closes the
// writer it was built around, the way every layer above does.
type cascadingWriteCloser struct {
	io.WriteCloser
	next io.Writer
}

func (c *cascadingWriteCloser) Close() error {
	return cascadeClose(c.WriteCloser.Close, c.next)
}
