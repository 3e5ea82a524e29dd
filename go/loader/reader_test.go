package loader

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderBounds(t *testing.T) {
	r := NewReader([]byte{1, 2, 3, 4, 5, 6, 7, 8}, nil)
	assert.Equal(t, binary.LittleEndian, r.ByteOrder())
	assert.True(t, r.InBounds(0, 8))
	assert.True(t, r.InBounds(8, 0))
	assert.False(t, r.InBounds(1, 8))
	assert.False(t, r.InBounds(9, 0))
	assert.False(t, r.InBounds(math.MaxUint64, 2))
	assert.False(t, r.InBounds(2, math.MaxUint64))

	v, err := r.U32(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x08070605), v)

	_, err = r.U32(5)
	assert.True(t, errors.Is(err, ErrTruncatedRead))
	_, err = r.U64(math.MaxUint64 - 3)
	assert.True(t, errors.Is(err, ErrTruncatedRead))
	_, err = r.U8(8)
	assert.True(t, errors.Is(err, ErrTruncatedRead))
}

func TestReaderOrderAndWidth(t *testing.T) {
	p := []byte{0, 0, 0, 0, 0, 0, 0x12, 0x34}
	be := NewReader(p, binary.BigEndian)
	v, err := be.U16(6)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), v)

	w, err := be.Word(4, Width32)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), w)
	w, err = be.Word(0, Width64)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), w)

	le := be.WithOrder(binary.LittleEndian)
	v, err = le.U16(6)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x3412), v)
	assert.Equal(t, 64, Width64.Bits())
}

func TestReaderSlice(t *testing.T) {
	r := NewReader([]byte("abcdefgh"), nil)
	s, err := r.Slice(2, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), s.Len())
	b, err := s.U8(0)
	require.NoError(t, err)
	assert.Equal(t, byte('c'), b)
	_, err = s.U8(4)
	assert.True(t, errors.Is(err, ErrTruncatedRead))

	_, err = r.Slice(6, 4)
	assert.True(t, errors.Is(err, ErrTruncatedRead))
}

func TestReaderCString(t *testing.T) {
	r := NewReader([]byte("hello\x00world"), nil)
	s, err := r.CString(0, 64)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	s, err = r.CString(6, 64)
	require.NoError(t, err)
	assert.Equal(t, "world", s, "unterminated string stops at the end of the buffer")

	s, err = r.CString(0, 3)
	require.NoError(t, err)
	assert.Equal(t, "hel", s)

	_, err = r.CString(11, 4)
	assert.True(t, errors.Is(err, ErrTruncatedRead))
}

func TestReaderUnpack(t *testing.T) {
	var v struct {
		A uint16
		B uint32
	}
	r := NewReader([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, binary.BigEndian)
	require.NoError(t, r.Unpack(0, &v))
	assert.Equal(t, uint16(0x0102), v.A)
	assert.Equal(t, uint32(0x03040506), v.B)

	err := r.Unpack(1, &v)
	assert.True(t, errors.Is(err, ErrTruncatedRead))
}

func TestFixedString(t *testing.T) {
	assert.Equal(t, ".text", fixedString([]byte(".text\x00\x00\x00")))
	assert.Equal(t, "12345678", fixedString([]byte("12345678")))
}

func TestFlagString(t *testing.T) {
	assert.Equal(t, "-", flagString(0, []uint64{1, 2}, "AB"))
	assert.Equal(t, "AB", flagString(3, []uint64{1, 2}, "AB"))
	assert.Equal(t, "0x2A", lookup(map[uint64]string{}, 42))
}
