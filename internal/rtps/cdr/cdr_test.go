package cdr

import (
	"testing"

	"github.com/linkerd/godds/internal/ddserror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrimitiveRoundtrip(t *testing.T) {
	for _, endian := range []Endian{LittleEndian, BigEndian} {
		w := NewWriter(endian)
		w.WriteByte(0xab)
		w.WriteBool(true)
		w.WriteU16(0x1234)
		w.WriteI32(-7)
		w.WriteU64(0xdeadbeefcafef00d)
		w.WriteF64(3.5)
		require.NoError(t, w.WriteString("hello"))

		r := NewReader(w.Bytes(), endian)
		b, err := r.ReadByte()
		require.NoError(t, err)
		assert.Equal(t, byte(0xab), b)

		bo, err := r.ReadBool()
		require.NoError(t, err)
		assert.True(t, bo)

		u16, err := r.ReadU16()
		require.NoError(t, err)
		assert.Equal(t, uint16(0x1234), u16)

		i32, err := r.ReadI32()
		require.NoError(t, err)
		assert.Equal(t, int32(-7), i32)

		u64, err := r.ReadU64()
		require.NoError(t, err)
		assert.Equal(t, uint64(0xdeadbeefcafef00d), u64)

		f64, err := r.ReadF64()
		require.NoError(t, err)
		assert.Equal(t, 3.5, f64)

		s, err := r.ReadString()
		require.NoError(t, err)
		assert.Equal(t, "hello", s)
	}
}

func TestStringLengthIncludesTerminatorAndPadding(t *testing.T) {
	w := NewWriter(LittleEndian)
	require.NoError(t, w.WriteString("abc"))
	// 4 (length prefix) + 3 (chars) + 1 (terminator) = 8, no extra padding needed.
	assert.Equal(t, 8, w.Len())
}

func TestNonASCIIStringIsInvalidData(t *testing.T) {
	w := NewWriter(LittleEndian)
	err := w.WriteString("café")
	require.Error(t, err)
	assert.ErrorIs(t, err, ddserror.InvalidData)
}

func TestAlignmentBoundaries(t *testing.T) {
	w := NewWriter(LittleEndian)
	w.WriteByte(1) // pos=1
	w.WriteU32(42) // must pad 3 bytes before the u32
	assert.Equal(t, 8, w.Len())

	r := NewReader(w.Bytes(), LittleEndian)
	_, err := r.ReadByte()
	require.NoError(t, err)
	v, err := r.ReadU32()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v)
}

func TestShortReadIsNotEnoughData(t *testing.T) {
	r := NewReader([]byte{1, 2}, LittleEndian)
	_, err := r.ReadU32()
	require.Error(t, err)
	assert.ErrorIs(t, err, ddserror.NotEnoughData)
}

func TestOriginResetsAlignmentBasis(t *testing.T) {
	w := NewWriter(LittleEndian)
	w.WriteByte(1)
	w.WriteByte(2)
	w.WriteByte(3)
	w.SetOrigin()
	w.WriteU32(99) // aligned relative to the new origin, no padding needed
	assert.Equal(t, 7, w.Len())
}
