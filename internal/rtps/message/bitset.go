package message

import (
	"fmt"

	"github.com/linkerd/godds/internal/ddserror"
	"github.com/linkerd/godds/internal/rtps/cdr"
	"github.com/linkerd/godds/internal/rtps/types"
)

// MaxBitmapBits is the largest bitmap RTPS permits in a SequenceNumberSet
// or FragmentNumberSet (spec.md §4.4: "bitmap reports up to 256 missing SNs").
const MaxBitmapBits = 256

// SequenceNumberSet is the wire encoding RTPS uses for AckNack/Gap missing
// sets: a base sequence number plus up to 256 bits, one per SN starting at
// Base, true meaning "present in the set" (missing, for AckNack; irrelevant, for Gap).
type SequenceNumberSet struct {
	Base types.SequenceNumber
	Bits []bool
}

// NewSequenceNumberSetFromSorted builds a set from a sorted ascending list
// of sequence numbers, all of which must be >= base.
func NewSequenceNumberSetFromSorted(base types.SequenceNumber, sns []types.SequenceNumber) SequenceNumberSet {
	s := SequenceNumberSet{Base: base}
	for _, sn := range sns {
		offset := int(sn - base)
		if offset < 0 {
			continue
		}
		for len(s.Bits) <= offset {
			s.Bits = append(s.Bits, false)
		}
		s.Bits[offset] = true
	}
	if len(s.Bits) > MaxBitmapBits {
		s.Bits = s.Bits[:MaxBitmapBits]
	}
	return s
}

// Members returns the set of sequence numbers the bitmap denotes.
func (s SequenceNumberSet) Members() []types.SequenceNumber {
	var out []types.SequenceNumber
	for i, b := range s.Bits {
		if b {
			out = append(out, s.Base+types.SequenceNumber(i))
		}
	}
	return out
}

func (s SequenceNumberSet) Marshal(w *cdr.Writer) {
	w.WriteI32(s.Base.High())
	w.WriteU32(s.Base.Low())
	numBits := uint32(len(s.Bits))
	w.WriteU32(numBits)
	words := bitmapWords(int(numBits))
	for i := 0; i < words; i++ {
		w.WriteU32(packWord(s.Bits, i))
	}
}

func ParseSequenceNumberSet(r *cdr.Reader) (SequenceNumberSet, error) {
	var s SequenceNumberSet
	high, err := r.ReadI32()
	if err != nil {
		return s, err
	}
	low, err := r.ReadU32()
	if err != nil {
		return s, err
	}
	s.Base = types.SequenceNumberFromParts(high, low)
	numBits, err := r.ReadU32()
	if err != nil {
		return s, err
	}
	if numBits > MaxBitmapBits {
		return s, fmt.Errorf("%w: sequence number bitmap of %d bits exceeds %d", ddserror.InvalidData, numBits, MaxBitmapBits)
	}
	words := bitmapWords(int(numBits))
	bits := make([]bool, 0, numBits)
	for i := 0; i < words; i++ {
		word, err := r.ReadU32()
		if err != nil {
			return s, err
		}
		unpackWord(&bits, word, int(numBits)-len(bits))
	}
	s.Bits = bits
	return s, nil
}

// FragmentNumberSet is the FragmentNumber analogue of SequenceNumberSet,
// used by NackFrag to name missing fragment numbers (1-based).
type FragmentNumberSet struct {
	Base uint32
	Bits []bool
}

func (s FragmentNumberSet) Marshal(w *cdr.Writer) {
	w.WriteU32(s.Base)
	numBits := uint32(len(s.Bits))
	w.WriteU32(numBits)
	words := bitmapWords(int(numBits))
	for i := 0; i < words; i++ {
		w.WriteU32(packWord(s.Bits, i))
	}
}

func ParseFragmentNumberSet(r *cdr.Reader) (FragmentNumberSet, error) {
	var s FragmentNumberSet
	base, err := r.ReadU32()
	if err != nil {
		return s, err
	}
	s.Base = base
	numBits, err := r.ReadU32()
	if err != nil {
		return s, err
	}
	if numBits > MaxBitmapBits {
		return s, fmt.Errorf("%w: fragment number bitmap of %d bits exceeds %d", ddserror.InvalidData, numBits, MaxBitmapBits)
	}
	words := bitmapWords(int(numBits))
	bits := make([]bool, 0, numBits)
	for i := 0; i < words; i++ {
		word, err := r.ReadU32()
		if err != nil {
			return s, err
		}
		unpackWord(&bits, word, int(numBits)-len(bits))
	}
	s.Bits = bits
	return s, nil
}

func bitmapWords(numBits int) int { return (numBits + 31) / 32 }

func packWord(bits []bool, wordIndex int) uint32 {
	var word uint32
	for i := 0; i < 32; i++ {
		idx := wordIndex*32 + i
		if idx >= len(bits) {
			break
		}
		if bits[idx] {
			word |= 1 << (31 - i)
		}
	}
	return word
}

func unpackWord(bits *[]bool, word uint32, remaining int) {
	for i := 0; i < 32 && i < remaining; i++ {
		*bits = append(*bits, word&(1<<(31-i)) != 0)
	}
}
