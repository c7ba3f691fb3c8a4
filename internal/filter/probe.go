package filter

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
)

// ComputeSHA1 hashes up to limit bytes of r (or the whole stream when
// limit is negative) and returns the hex digest and the number of bytes
// actually read, for the File Copy Worker's delta-checksum probe
// (spec.md §4.4 points 2-3).
func ComputeSHA1(r io.Reader, limit int64) (checksum string, n int64, err error) {
	h := sha1.New()
	if limit >= 0 {
		r = io.LimitReader(r, limit)
	}
	n, err = io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
