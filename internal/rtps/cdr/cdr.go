// Package cdr implements the CDR1 (XCDR1) wire serializer used for both
// plain-CDR payloads and as the element encoding inside Parameter List
// records. Endianness is a construction-time parameter; RTPS submessage
// headers carry an endianness flag that selects it per-message (spec.md §4.1).
package cdr

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode"

	"github.com/linkerd/godds/internal/ddserror"
)

// Endian selects the byte order used by a Writer/Reader pair.
type Endian byte

const (
	LittleEndian Endian = iota
	BigEndian
)

func (e Endian) order() binary.ByteOrder {
	if e == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// pad returns the number of zero bytes needed so that pos+n is a multiple
// of align, using the fast power-of-two bitmask from spec.md §4.1.
func pad(pos, align int) int {
	return (align - (pos & (align - 1))) & (align - 1)
}

// Writer serializes primitive CDR values, tracking a logical position used
// only to compute alignment padding. The position is relative to an origin
// that callers may reset via SetOrigin — RTPS submessage bodies align
// relative to the start of the submessage, not the start of the datagram.
type Writer struct {
	buf    []byte
	endian Endian
	origin int
}

func NewWriter(endian Endian) *Writer {
	return &Writer{endian: endian}
}

// SetOrigin rebases alignment accounting to the writer's current length,
// called when framing code begins a new submessage body.
func (w *Writer) SetOrigin() { w.origin = len(w.buf) }

func (w *Writer) Endian() Endian { return w.endian }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) align(size int) {
	if size <= 1 {
		return
	}
	n := pad(len(w.buf)-w.origin, size)
	for i := 0; i < n; i++ {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) WriteByte(b byte) { w.buf = append(w.buf, b) }

func (w *Writer) WriteBytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

func (w *Writer) WriteU16(v uint16) {
	w.align(2)
	var b [2]byte
	w.endian.order().PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) WriteI16(v int16) { w.WriteU16(uint16(v)) }

func (w *Writer) WriteU32(v uint32) {
	w.align(4)
	var b [4]byte
	w.endian.order().PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) WriteI32(v int32) { w.WriteU32(uint32(v)) }

func (w *Writer) WriteU64(v uint64) {
	w.align(8)
	var b [8]byte
	w.endian.order().PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) WriteI64(v int64) { w.WriteU64(uint64(v)) }

func (w *Writer) WriteF32(v float32) { w.WriteU32(math.Float32bits(v)) }
func (w *Writer) WriteF64(v float64) { w.WriteU64(math.Float64bits(v)) }

// WriteString writes a length-prefixed (u32, including terminator) ASCII
// string; wchar is rejected entirely in this dialect, so non-ASCII content
// returns InvalidData rather than being encoded.
func (w *Writer) WriteString(s string) error {
	if !isASCII(s) {
		return fmt.Errorf("%w: non-ASCII string %q", ddserror.InvalidData, s)
	}
	w.WriteU32(uint32(len(s) + 1))
	w.WriteBytes([]byte(s))
	w.WriteByte(0)
	return nil
}

// WriteSequenceLength writes the u32 element-count prefix of a sequence.
func (w *Writer) WriteSequenceLength(n int) { w.WriteU32(uint32(n)) }

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// Reader deserializes a CDR1 byte slice produced by a Writer using the
// same endianness (the caller picks the endianness from the RTPS header's
// flags byte before constructing the Reader).
type Reader struct {
	data   []byte
	pos    int
	endian Endian
	origin int
}

func NewReader(data []byte, endian Endian) *Reader {
	return &Reader{data: data, endian: endian}
}

func (r *Reader) SetOrigin() { r.origin = r.pos }

func (r *Reader) Remaining() int { return len(r.data) - r.pos }

func (r *Reader) Pos() int { return r.pos }

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return fmt.Errorf("%w: need %d bytes, have %d", ddserror.NotEnoughData, n, r.Remaining())
	}
	return nil
}

func (r *Reader) align(size int) error {
	if size <= 1 {
		return nil
	}
	n := pad(r.pos-r.origin, size)
	return r.skip(n)
}

func (r *Reader) skip(n int) error {
	if err := r.need(n); err != nil {
		return err
	}
	r.pos += n
	return nil
}

func (r *Reader) ReadByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

func (r *Reader) ReadU16() (uint16, error) {
	if err := r.align(2); err != nil {
		return 0, err
	}
	b, err := r.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return r.endian.order().Uint16(b), nil
}

func (r *Reader) ReadI16() (int16, error) {
	v, err := r.ReadU16()
	return int16(v), err
}

func (r *Reader) ReadU32() (uint32, error) {
	if err := r.align(4); err != nil {
		return 0, err
	}
	b, err := r.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return r.endian.order().Uint32(b), nil
}

func (r *Reader) ReadI32() (int32, error) {
	v, err := r.ReadU32()
	return int32(v), err
}

func (r *Reader) ReadU64() (uint64, error) {
	if err := r.align(8); err != nil {
		return 0, err
	}
	b, err := r.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return r.endian.order().Uint64(b), nil
}

func (r *Reader) ReadI64() (int64, error) {
	v, err := r.ReadU64()
	return int64(v), err
}

func (r *Reader) ReadF32() (float32, error) {
	v, err := r.ReadU32()
	return math.Float32frombits(v), err
}

func (r *Reader) ReadF64() (float64, error) {
	v, err := r.ReadU64()
	return math.Float64frombits(v), err
}

// ReadString reads a length-prefixed ASCII string, rejecting embedded
// non-ASCII bytes and a missing nul terminator.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadU32()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", fmt.Errorf("%w: zero-length CDR string (missing terminator)", ddserror.InvalidData)
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		return "", err
	}
	if b[n-1] != 0 {
		return "", fmt.Errorf("%w: CDR string missing nul terminator", ddserror.InvalidData)
	}
	s := string(b[:n-1])
	if !isASCII(s) {
		return "", fmt.Errorf("%w: non-ASCII string in CDR payload", ddserror.InvalidData)
	}
	return s, nil
}

func (r *Reader) ReadSequenceLength() (int, error) {
	n, err := r.ReadU32()
	return int(n), err
}

// Slice returns the raw bytes between two positions previously observed via
// Pos, for callers that need to retain an already-parsed span verbatim
// (e.g. an inline parameter list kept as opaque InlineQos bytes).
func (r *Reader) Slice(start, end int) []byte {
	return r.data[start:end]
}
