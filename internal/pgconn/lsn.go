package pgconn

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseLSN parses PostgreSQL's textual log-sequence-number
// representation, two hex halves separated by a slash (e.g.
// "16/B374D848"), into its 64-bit value.
func ParseLSN(s string) (uint64, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return 0, fmt.Errorf("malformed LSN %q: no '/'", s)
	}
	hiVal, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed LSN %q: %w", s, err)
	}
	loVal, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed LSN %q: %w", s, err)
	}
	return hiVal<<32 | loVal, nil
}

// FormatLSN renders a 64-bit LSN value back into PostgreSQL's textual
// form.
func FormatLSN(lsn uint64) string {
	return fmt.Sprintf("%X/%X", lsn>>32, lsn&0xFFFFFFFF)
}

// SegmentName derives the 24-hex-digit WAL segment file name containing
// lsn, the same timeline/log-id/segment-id encoding every PostgreSQL
// version uses (XLogFileName in xlog_internal.h): the segment number is
// lsn/segmentSize, split into a log-id (segment number divided by the
// number of segments that fit in a 4GiB logical WAL file) and a
// segment-id within that file.
func SegmentName(timeline uint32, lsn uint64, segmentSize uint32) string {
	segmentsPerLogID := uint64(0x100000000) / uint64(segmentSize)
	segNo := lsn / uint64(segmentSize)
	logID := uint32(segNo / segmentsPerLogID)
	segID := uint32(segNo % segmentsPerLogID)
	return fmt.Sprintf("%08X%08X%08X", timeline, logID, segID)
}

// NextSegment returns the WAL segment name immediately following name,
// for the ArchiveCheck state's start-lsn..stop-lsn enumeration.
func NextSegment(name string, segmentSize uint32) (string, error) {
	if len(name) != 24 {
		return "", fmt.Errorf("malformed segment name %q: want 24 hex digits", name)
	}
	timeline, err := strconv.ParseUint(name[0:8], 16, 32)
	if err != nil {
		return "", fmt.Errorf("malformed segment name %q: %w", name, err)
	}
	logID, err := strconv.ParseUint(name[8:16], 16, 32)
	if err != nil {
		return "", fmt.Errorf("malformed segment name %q: %w", name, err)
	}
	segID, err := strconv.ParseUint(name[16:24], 16, 32)
	if err != nil {
		return "", fmt.Errorf("malformed segment name %q: %w", name, err)
	}

	segmentsPerLogID := uint64(0x100000000) / uint64(segmentSize)
	segID++
	if segID >= segmentsPerLogID {
		segID = 0
		logID++
	}
	return fmt.Sprintf("%08X%08X%08X", timeline, logID, segID), nil
}
