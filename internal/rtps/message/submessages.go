package message

import (
	"github.com/linkerd/godds/internal/rtps/cdr"
	"github.com/linkerd/godds/internal/rtps/types"
)

// Body is implemented by every submessage payload godds knows how to
// produce. Flags besides the endianness bit (e.g. AckNack's final flag)
// are folded in by the implementation's Flags method.
type Body interface {
	SubmessageId() byte
	Flags(endian cdr.Endian) byte
	Marshal(w *cdr.Writer)
}

// Pad is an empty filler submessage.
type Pad struct{}

func (Pad) SubmessageId() byte                { return SubmessageIdPad }
func (Pad) Flags(endian cdr.Endian) byte       { return endianFlag(endian) }
func (Pad) Marshal(w *cdr.Writer)              {}

func endianFlag(endian cdr.Endian) byte {
	if endian == cdr.LittleEndian {
		return FlagEndiannessBit
	}
	return 0
}

// InfoTimestamp binds the source timestamp for subsequent submessages
// (spec.md §4.9). Invalidate=true clears the previously bound timestamp.
type InfoTimestamp struct {
	Invalidate bool
	Seconds    int32
	Fraction   uint32
}

const flagInvalidate byte = 0x02

func (i InfoTimestamp) SubmessageId() byte { return SubmessageIdInfoTimestamp }
func (i InfoTimestamp) Flags(endian cdr.Endian) byte {
	f := endianFlag(endian)
	if i.Invalidate {
		f |= flagInvalidate
	}
	return f
}
func (i InfoTimestamp) Marshal(w *cdr.Writer) {
	if i.Invalidate {
		return
	}
	w.WriteI32(i.Seconds)
	w.WriteU32(i.Fraction)
}

// InfoSource rebinds GuidPrefix/Vendor/Version for subsequent submessages.
type InfoSource struct {
	Version    types.ProtocolVersion
	VendorId   types.VendorId
	GuidPrefix types.GuidPrefix
}

func (InfoSource) SubmessageId() byte          { return SubmessageIdInfoSource }
func (InfoSource) Flags(endian cdr.Endian) byte { return endianFlag(endian) }
func (i InfoSource) Marshal(w *cdr.Writer) {
	w.WriteU32(0) // unused/reserved per RTPS 2.4
	w.WriteByte(i.Version.Major)
	w.WriteByte(i.Version.Minor)
	w.WriteByte(i.VendorId[0])
	w.WriteByte(i.VendorId[1])
	w.WriteBytes(i.GuidPrefix[:])
}

// InfoDestination rebinds the implicit destination GuidPrefix for
// subsequent submessages.
type InfoDestination struct {
	GuidPrefix types.GuidPrefix
}

func (InfoDestination) SubmessageId() byte          { return SubmessageIdInfoDestination }
func (InfoDestination) Flags(endian cdr.Endian) byte { return endianFlag(endian) }
func (i InfoDestination) Marshal(w *cdr.Writer)      { w.WriteBytes(i.GuidPrefix[:]) }

// Heartbeat announces the available sequence-number range for a writer
// (spec.md §4.3/4.4).
type Heartbeat struct {
	ReaderId    types.EntityId
	WriterId    types.EntityId
	FirstSN     types.SequenceNumber
	LastSN      types.SequenceNumber
	Count       int32
	Final       bool
	Liveliness  bool
}

const (
	flagFinal      byte = 0x02
	flagLiveliness byte = 0x04
)

func (Heartbeat) SubmessageId() byte { return SubmessageIdHeartbeat }
func (h Heartbeat) Flags(endian cdr.Endian) byte {
	f := endianFlag(endian)
	if h.Final {
		f |= flagFinal
	}
	if h.Liveliness {
		f |= flagLiveliness
	}
	return f
}
func (h Heartbeat) Marshal(w *cdr.Writer) {
	writeEntityId(w, h.ReaderId)
	writeEntityId(w, h.WriterId)
	w.WriteI32(h.FirstSN.High())
	w.WriteU32(h.FirstSN.Low())
	w.WriteI32(h.LastSN.High())
	w.WriteU32(h.LastSN.Low())
	w.WriteI32(h.Count)
}

// AckNack requests retransmission of missing sequence numbers.
type AckNack struct {
	ReaderId      types.EntityId
	WriterId      types.EntityId
	ReaderSNState SequenceNumberSet
	Count         int32
	Final         bool
}

func (AckNack) SubmessageId() byte { return SubmessageIdAckNack }
func (a AckNack) Flags(endian cdr.Endian) byte {
	f := endianFlag(endian)
	if a.Final {
		f |= flagFinal
	}
	return f
}
func (a AckNack) Marshal(w *cdr.Writer) {
	writeEntityId(w, a.ReaderId)
	writeEntityId(w, a.WriterId)
	a.ReaderSNState.Marshal(w)
	w.WriteI32(a.Count)
}

// Gap declares a range of sequence numbers the writer will never send.
type Gap struct {
	ReaderId types.EntityId
	WriterId types.EntityId
	GapStart types.SequenceNumber
	GapList  SequenceNumberSet
}

func (Gap) SubmessageId() byte                { return SubmessageIdGap }
func (Gap) Flags(endian cdr.Endian) byte       { return endianFlag(endian) }
func (g Gap) Marshal(w *cdr.Writer) {
	writeEntityId(w, g.ReaderId)
	writeEntityId(w, g.WriterId)
	w.WriteI32(g.GapStart.High())
	w.WriteU32(g.GapStart.Low())
	g.GapList.Marshal(w)
}

const (
	flagInlineQos byte = 0x02
	flagData      byte = 0x04
	flagKey       byte = 0x08
)

// Data carries (or announces the key/dispose of) one CacheChange.
type Data struct {
	ReaderId          types.EntityId
	WriterId          types.EntityId
	WriterSN          types.SequenceNumber
	InlineQos         []byte // already-encoded parameter list, or nil
	SerializedPayload []byte
	KeyOnly           bool // true for dispose/unregister: payload carries only the key
}

func (Data) SubmessageId() byte { return SubmessageIdData }
func (d Data) Flags(endian cdr.Endian) byte {
	f := endianFlag(endian)
	if d.InlineQos != nil {
		f |= flagInlineQos
	}
	if len(d.SerializedPayload) > 0 {
		if d.KeyOnly {
			f |= flagKey
		} else {
			f |= flagData
		}
	}
	return f
}
func (d Data) Marshal(w *cdr.Writer) {
	w.WriteU16(0) // extraFlags, unused
	octetsToInlineQos := uint16(16) // readerId(4)+writerId(4)+sn(8) follow; offset measured from after this field per RTPS
	w.WriteU16(octetsToInlineQos)
	writeEntityId(w, d.ReaderId)
	writeEntityId(w, d.WriterId)
	w.WriteI32(d.WriterSN.High())
	w.WriteU32(d.WriterSN.Low())
	if d.InlineQos != nil {
		w.WriteBytes(d.InlineQos)
	}
	if len(d.SerializedPayload) > 0 {
		w.WriteBytes(d.SerializedPayload)
	}
}

// DataFrag carries one fragment of a serialized payload too large for a
// single Data submessage (spec.md §4.3).
type DataFrag struct {
	ReaderId              types.EntityId
	WriterId              types.EntityId
	WriterSN              types.SequenceNumber
	FragmentStartingNum   uint32
	FragmentsInSubmessage uint16
	FragmentSize          uint16
	SampleSize            uint32
	InlineQos             []byte
	FragmentPayload       []byte
}

func (DataFrag) SubmessageId() byte { return SubmessageIdDataFrag }
func (d DataFrag) Flags(endian cdr.Endian) byte {
	f := endianFlag(endian)
	if d.InlineQos != nil {
		f |= flagInlineQos
	}
	return f
}
func (d DataFrag) Marshal(w *cdr.Writer) {
	w.WriteU16(0)
	w.WriteU16(4)
	writeEntityId(w, d.ReaderId)
	writeEntityId(w, d.WriterId)
	w.WriteI32(d.WriterSN.High())
	w.WriteU32(d.WriterSN.Low())
	w.WriteU32(d.FragmentStartingNum)
	w.WriteU16(d.FragmentsInSubmessage)
	w.WriteU16(d.FragmentSize)
	w.WriteU32(d.SampleSize)
	if d.InlineQos != nil {
		w.WriteBytes(d.InlineQos)
	}
	w.WriteBytes(d.FragmentPayload)
}

// HeartbeatFrag solicits NackFrag replies naming missing fragments of one change.
type HeartbeatFrag struct {
	ReaderId        types.EntityId
	WriterId        types.EntityId
	WriterSN        types.SequenceNumber
	LastFragmentNum uint32
	Count           int32
}

func (HeartbeatFrag) SubmessageId() byte          { return SubmessageIdHeartbeatFrag }
func (HeartbeatFrag) Flags(endian cdr.Endian) byte { return endianFlag(endian) }
func (h HeartbeatFrag) Marshal(w *cdr.Writer) {
	writeEntityId(w, h.ReaderId)
	writeEntityId(w, h.WriterId)
	w.WriteI32(h.WriterSN.High())
	w.WriteU32(h.WriterSN.Low())
	w.WriteU32(h.LastFragmentNum)
	w.WriteI32(h.Count)
}

// NackFrag names missing fragments of one change, in reply to a HeartbeatFrag.
type NackFrag struct {
	ReaderId         types.EntityId
	WriterId         types.EntityId
	WriterSN         types.SequenceNumber
	FragmentNumState FragmentNumberSet
	Count            int32
}

func (NackFrag) SubmessageId() byte          { return SubmessageIdNackFrag }
func (NackFrag) Flags(endian cdr.Endian) byte { return endianFlag(endian) }
func (n NackFrag) Marshal(w *cdr.Writer) {
	writeEntityId(w, n.ReaderId)
	writeEntityId(w, n.WriterId)
	w.WriteI32(n.WriterSN.High())
	w.WriteU32(n.WriterSN.Low())
	n.FragmentNumState.Marshal(w)
	w.WriteI32(n.Count)
}

func writeEntityId(w *cdr.Writer, e types.EntityId) {
	w.WriteBytes(e.EntityKey[:])
	w.WriteByte(e.EntityKind)
}

func readEntityId(r *cdr.Reader) (types.EntityId, error) {
	var e types.EntityId
	key, err := r.ReadBytes(3)
	if err != nil {
		return e, err
	}
	copy(e.EntityKey[:], key)
	kind, err := r.ReadByte()
	if err != nil {
		return e, err
	}
	e.EntityKind = kind
	return e, nil
}
