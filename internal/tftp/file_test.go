package tftp

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memFile struct {
	*bytes.Reader
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) { return m.Reader.Seek(offset, whence) }

type memWriter struct {
	buf bytes.Buffer
	pos int64
}

func (w *memWriter) Write(p []byte) (int, error) {
	b := w.buf.Bytes()
	if int(w.pos) < len(b) {
		// Overwrite in place up to current length, matching os.File semantics.
		n := copy(b[w.pos:], p)
		w.pos += int64(n)
		if n < len(p) {
			w.buf.Write(p[n:])
			w.pos += int64(len(p) - n)
		}
		return len(p), nil
	}
	n, err := w.buf.Write(p)
	w.pos += int64(n)
	return n, err
}

func (w *memWriter) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		w.pos = offset
	case io.SeekEnd:
		w.pos = int64(w.buf.Len()) + offset
	case io.SeekCurrent:
		w.pos += offset
	}
	return w.pos, nil
}

func TestEncodeNetasciiUnixExpandsNewline(t *testing.T) {
	src := []byte("a\nb")
	out := make([]byte, 16)
	produced, consumed, carry := EncodeNetascii(src, out, Carry{}, false)
	assert.Equal(t, len(src), consumed)
	assert.False(t, carry.HasCarry)
	assert.Equal(t, []byte("a\r\nb"), out[:produced])
}

func TestEncodeNetasciiCarriesAcrossBufferBoundary(t *testing.T) {
	src := []byte("a\nb")
	out := make([]byte, 2) // room for "a\r" only, '\n' must carry
	produced, consumed, carry := EncodeNetascii(src, out, Carry{}, false)
	assert.Equal(t, 2, produced)
	assert.Equal(t, 2, consumed) // 'a' and '\n' both consumed from src
	require.True(t, carry.HasCarry)
	assert.Equal(t, byte('\n'), carry.Byte)

	out2 := make([]byte, 16)
	produced2, consumed2, carry2 := EncodeNetascii(src[consumed:], out2, carry, false)
	assert.False(t, carry2.HasCarry)
	assert.Equal(t, []byte("\nb"), out2[:produced2])
	assert.Equal(t, 1, consumed2)
}

func TestEncodeNetasciiWindowsPassesCRLFThrough(t *testing.T) {
	src := []byte("a\r\nb")
	out := make([]byte, 16)
	produced, consumed, carry := EncodeNetascii(src, out, Carry{}, true)
	assert.Equal(t, len(src), consumed)
	assert.False(t, carry.HasCarry)
	assert.Equal(t, src, out[:produced])
}

func TestEncodeNetasciiWindowsLoneCRPreservesFollowingByte(t *testing.T) {
	src := []byte("\rA")
	out := make([]byte, 16)
	produced, consumed, carry := EncodeNetascii(src, out, Carry{}, true)
	assert.False(t, carry.HasCarry)
	assert.Equal(t, 2, consumed)
	assert.Equal(t, []byte("\r\x00A"), out[:produced])
}

func TestDecodeNetasciiUnixCollapsesCRLF(t *testing.T) {
	out, rewind, sawCR := DecodeNetascii([]byte("a\r\nb"), false, false)
	assert.False(t, rewind)
	assert.False(t, sawCR)
	assert.Equal(t, []byte("a\nb"), out)
}

func TestDecodeNetasciiHandlesCRNUL(t *testing.T) {
	out, _, _ := DecodeNetascii([]byte("a\r\x00b"), false, false)
	assert.Equal(t, []byte("a\rb"), out)
}

func TestDecodeNetasciiCRSplitAcrossBlocksRequestsRewind(t *testing.T) {
	// First block ends with a bare CR; previous byte already flushed is not
	// visible to this call so no local collapse is possible.
	out1, _, sawCR1 := DecodeNetascii([]byte("a\r"), false, false)
	assert.Equal(t, []byte("a\r"), out1)
	require.True(t, sawCR1)

	out2, rewind2, sawCR2 := DecodeNetascii([]byte("\nb"), sawCR1, false)
	assert.True(t, rewind2)
	assert.False(t, sawCR2)
	assert.Equal(t, []byte("\nb"), out2)
}

func TestOctetReaderReadsShortFinalBlock(t *testing.T) {
	src := &memFile{bytes.NewReader([]byte("hello"))}
	or := NewOctetReader(src)
	data, err := or.ReadBlock(0, 512)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestNetasciiWriterAppendsAtEOF(t *testing.T) {
	w := &memWriter{}
	nw := NewNetasciiWriter(w, false)
	_, err := nw.Write([]byte("a\r\nb"))
	require.NoError(t, err)
	assert.Equal(t, "a\nb", w.buf.String())
}
