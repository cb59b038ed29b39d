package direct

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressDecompressRoundTripsSmallFrame(t *testing.T) {
	data := []byte("hello")
	frame, err := compress(data)
	require.NoError(t, err)
	assert.Equal(t, byte(0), frame[0], "small frames are sent uncompressed")

	out, err := decompress(frame)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestCompressDecompressRoundTripsLargeFrame(t *testing.T) {
	data := bytes.Repeat([]byte("payload-bytes-"), 100)
	frame, err := compress(data)
	require.NoError(t, err)
	assert.Equal(t, byte(1), frame[0], "large frames are zstd-compressed")

	out, err := decompress(frame)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestDecompressRejectsEmptyFrame(t *testing.T) {
	_, err := decompress(nil)
	require.Error(t, err)
}

func TestDefaultConfigMatchesWireContract(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "/diiisco/direct/1.0.0", string(cfg.Protocol))
	assert.EqualValues(t, 10<<20, cfg.MaxMessageSize)
}

func TestCompressionThresholdIsRespected(t *testing.T) {
	small := []byte(strings.Repeat("a", compressionThreshold-1))
	frame, err := compress(small)
	require.NoError(t, err)
	assert.Equal(t, byte(0), frame[0])

	large := []byte(strings.Repeat("a", compressionThreshold+1))
	frame, err = compress(large)
	require.NoError(t, err)
	assert.Equal(t, byte(1), frame[0])
}
