package filter

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopWriteCloser struct {
	*bytes.Buffer
}

func (nopWriteCloser) Close() error { return nil }

func newBufferSink() (*nopWriteCloser, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return &nopWriteCloser{buf}, buf
}

func TestChain_SizeAndChecksumPlain(t *testing.T) {
	sink, buf := newBufferSink()
	chain, err := NewChain(sink, Options{})
	require.NoError(t, err)

	_, err = chain.Write([]byte("CONFIGSTUFF"))
	require.NoError(t, err)
	require.NoError(t, chain.Close())

	assert.Equal(t, int64(11), chain.Size())
	assert.Equal(t, "e3db315c260e79211b7b52587123b7aa060f30ab", chain.Checksum())
	assert.Equal(t, "CONFIGSTUFF", buf.String())
}

func TestChain_Compression(t *testing.T) {
	sink, buf := newBufferSink()
	chain, err := NewChain(sink, Options{CompressType: "gz"})
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("hello world "), 100)
	_, err = chain.Write(payload)
	require.NoError(t, err)
	require.NoError(t, chain.Close())

	assert.Equal(t, int64(len(payload)), chain.Size())

	gr, err := gzip.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	out, err := io.ReadAll(gr)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestChain_Encryption(t *testing.T) {
	sink, buf := newBufferSink()
	chain, err := NewChain(sink, Options{CipherType: "cipher-pass", CipherPass: "correct-horse-battery-staple"})
	require.NoError(t, err)

	_, err = chain.Write([]byte("secret bytes"))
	require.NoError(t, err)
	require.NoError(t, chain.Close())

	assert.NotContains(t, buf.String(), "secret bytes")
	assert.Equal(t, int64(12), chain.Size())
}

func TestChain_PageChecksumDisabledByDefault(t *testing.T) {
	sink, _ := newBufferSink()
	chain, err := NewChain(sink, Options{})
	require.NoError(t, err)
	require.NoError(t, chain.Close())

	assert.Nil(t, chain.PageResult())
}

func TestComputeSHA1_LimitsBytes(t *testing.T) {
	checksum, n, err := ComputeSHA1(bytes.NewReader([]byte("CONFIGSTUFF-EXTRA")), 11)
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)
	assert.Equal(t, "e3db315c260e79211b7b52587123b7aa060f30ab", checksum)
}
