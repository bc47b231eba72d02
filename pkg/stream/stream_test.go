package stream

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStreamReadWriteRoundTrip(t *testing.T) {
	m := NewMemoryStream()
	n, err := m.Write([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	_, err = m.Seek(0, io.SeekStart)
	require.NoError(t, err)

	buf := make([]byte, 11)
	n, err = m.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf[:n]))
}

func TestDevNullDiscardsWritesAndReadsEOF(t *testing.T) {
	d := NewDevNull()
	n, err := d.Write([]byte("anything"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	buf := make([]byte, 4)
	_, err = d.Read(buf)
	assert.Equal(t, io.EOF, err)
}

func TestHashStreamComputesSHA256OverWrites(t *testing.T) {
	m := NewMemoryStream()
	h := NewHashStream(m, HashSHA256)

	_, err := h.Write([]byte("abc"))
	require.NoError(t, err)

	sum := h.Sum(HashSHA256)
	assert.Len(t, sum, 32)
	assert.Nil(t, h.Sum(HashMD5))
}

func TestXORStreamRoundTrips(t *testing.T) {
	m := NewMemoryStream()
	enc := NewXORStream(m, 0xDEADBEEF)
	// Split across writes so the repeating key must carry its phase
	// over the call boundary.
	_, err := enc.Write([]byte("sec"))
	require.NoError(t, err)
	_, err = enc.Write([]byte("ret payload"))
	require.NoError(t, err)

	m.Seek(0, io.SeekStart)
	dec := NewXORStream(m, 0xDEADBEEF)
	buf := make([]byte, 14)
	n, err := dec.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "secret payload", string(buf[:n]))
}

func TestXORStreamSeekRealignsKey(t *testing.T) {
	x := NewXORStream(NewMemoryStream(), 0x01020304)
	_, err := x.Write([]byte("0123456789"))
	require.NoError(t, err)

	_, err = x.Seek(6, io.SeekStart)
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := x.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "6789", string(buf[:n]))
}

func TestTemporaryFileStreamPromotesPastHighWater(t *testing.T) {
	tmp, err := NewTemporaryFile(t.TempDir(), "stage-*", 8)
	require.NoError(t, err)
	defer tmp.Close()

	_, err = tmp.Write([]byte("below"))
	require.NoError(t, err)
	assert.True(t, tmp.InMemory())

	_, err = tmp.Write([]byte("and now well past the mark"))
	require.NoError(t, err)
	assert.False(t, tmp.InMemory())

	_, err = tmp.Seek(0, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := tmp.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "belowand now well past the mark", string(buf[:n]))
}

func TestEncryptStreamRoundTrips(t *testing.T) {
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	m := NewMemoryStream()
	enc, err := NewEncryptStream(m, "correct horse battery staple", true)
	require.NoError(t, err)
	_, err = enc.Write(plaintext)
	require.NoError(t, err)
	require.NoError(t, enc.Finalize())

	m.Seek(0, io.SeekStart)
	dec, err := NewEncryptStream(m, "correct horse battery staple", false)
	require.NoError(t, err)

	out := make([]byte, 0, len(plaintext)+32)
	buf := make([]byte, 16)
	for {
		n, err := dec.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			break
		}
	}
	assert.Equal(t, plaintext, out)
}

func TestDeriveKeyIsDeterministicAndUnsalted(t *testing.T) {
	a := deriveKey("password")
	b := deriveKey("password")
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestTeeStreamFansOutWrites(t *testing.T) {
	a, b := NewMemoryStream(), NewMemoryStream()
	tee := NewTeeStream(a, b)

	_, err := tee.Write([]byte("fanout"))
	require.NoError(t, err)

	assert.Equal(t, "fanout", string(a.Bytes()))
	assert.Equal(t, "fanout", string(b.Bytes()))
}

func TestTeeStreamReadUnsupported(t *testing.T) {
	tee := NewTeeStream(NewMemoryStream())
	_, err := tee.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestCacheStreamServesAcrossChunkBoundaries(t *testing.T) {
	m := NewMemoryStreamFrom([]byte("0123456789"))
	c := NewCacheStream(m, 4)

	buf := make([]byte, 10)
	n, err := c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(buf[:n]))
}
