package pgconn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLSN(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"0/0", 0},
		{"0/16B3748", 0x016B3748},
		{"16/B374D848", 0x16<<32 | 0xB374D848},
		{"FFFFFFFF/FFFFFFFF", 0xFFFFFFFFFFFFFFFF},
	}

	for _, tt := range tests {
		got, err := ParseLSN(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseLSN_Malformed(t *testing.T) {
	_, err := ParseLSN("not-an-lsn")
	assert.Error(t, err)

	_, err = ParseLSN("ZZ/00")
	assert.Error(t, err)
}

func TestFormatLSN_RoundTripsWithParseLSN(t *testing.T) {
	for _, lsn := range []uint64{0, 1, 0x16B3748, 0x16B374D848, 0xFFFFFFFFFFFFFFFF} {
		s := FormatLSN(lsn)
		got, err := ParseLSN(s)
		require.NoError(t, err)
		assert.Equal(t, lsn, got)
	}
}

func TestSegmentName(t *testing.T) {
	// 16MiB segments, timeline 1, LSN 0/0 is the very first segment.
	assert.Equal(t, "000000010000000000000000", SegmentName(1, 0, 16*1024*1024))

	// One segment size worth of LSN advances the segment-id by one.
	assert.Equal(t, "000000010000000000000001", SegmentName(1, 16*1024*1024, 16*1024*1024))

	// Crossing a 4GiB boundary (256 segments of 16MiB) advances the log-id.
	segmentsPerLogID := uint64(256)
	lsn := segmentsPerLogID * 16 * 1024 * 1024
	assert.Equal(t, "000000010000000100000000", SegmentName(1, lsn, 16*1024*1024))
}
