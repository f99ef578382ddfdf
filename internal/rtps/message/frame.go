package message

import (
	"fmt"

	"github.com/linkerd/godds/internal/ddserror"
	"github.com/linkerd/godds/internal/rtps/cdr"
	"github.com/linkerd/godds/internal/rtps/plist"
	"github.com/linkerd/godds/internal/rtps/types"
)

// Datagram is one fully assembled RTPS message ready for Transport.Send.
type Datagram struct {
	Header Header
	Bytes  []byte
}

// Assembler packs submessages destined for the same locator set into
// datagrams whose size never exceeds MTU (spec.md §4.9), batching greedily
// in the order submissions arrive.
type Assembler struct {
	header Header
	endian cdr.Endian
	mtu    int
}

func NewAssembler(header Header, endian cdr.Endian, mtu int) *Assembler {
	if mtu <= HeaderLength {
		mtu = 1472 // conservative Ethernet/UDP/IPv4 payload default
	}
	return &Assembler{header: header, endian: endian, mtu: mtu}
}

// Pack batches the given submessages into one or more datagrams, each no
// larger than the assembler's MTU. A single oversized submessage still
// gets its own datagram even if that datagram exceeds MTU — fragmentation
// of the submessage itself is the writer's job (DataFrag), not the assembler's.
func (a *Assembler) Pack(bodies []Body) []Datagram {
	var datagrams []Datagram
	var cur *cdr.Writer

	flush := func() {
		if cur != nil && cur.Len() > HeaderLength {
			datagrams = append(datagrams, Datagram{Header: a.header, Bytes: cur.Bytes()})
		}
		cur = nil
	}
	start := func() {
		cur = cdr.NewWriter(a.endian)
		a.header.Marshal(cur)
	}

	start()
	for _, body := range bodies {
		probe := cdr.NewWriter(a.endian)
		probe.SetOrigin()
		body.Marshal(probe)
		submessageLen := HeaderLength_ + (len(probe.Bytes())+3)&^3 // writeSubmessage pads the body to 4 bytes
		if cur.Len() > HeaderLength && cur.Len()+submessageLen > a.mtu {
			flush()
			start()
		}
		writeSubmessage(cur, a.endian, body)
	}
	flush()
	return datagrams
}

// HeaderLength_ is the fixed 4-byte submessage header size (distinct from
// the RTPS message Header, whose length is HeaderLength).
const HeaderLength_ = 4

func writeSubmessage(w *cdr.Writer, endian cdr.Endian, body Body) {
	w.SetOrigin()
	w.WriteByte(body.SubmessageId())
	w.WriteByte(body.Flags(endian))
	lengthPos := w.Len()
	w.WriteU16(0)
	bodyStart := w.Len()
	body.Marshal(w)
	for (w.Len()-bodyStart)%4 != 0 {
		w.WriteByte(0)
	}
	length := w.Len() - bodyStart
	patchU16InPlace(w, lengthPos, uint16(length))
}

func patchU16InPlace(w *cdr.Writer, pos int, v uint16) {
	buf := w.Bytes()
	tmp := cdr.NewWriter(w.Endian())
	tmp.WriteU16(v)
	copy(buf[pos:pos+2], tmp.Bytes())
}

// ParsedSubmessage pairs a decoded submessage header with its typed body.
// Body is one of: Pad, InfoTimestamp, InfoSource, InfoDestination,
// Heartbeat, AckNack, Gap, Data, DataFrag, HeartbeatFrag, NackFrag, or nil
// for a submessage_id this build doesn't recognize (spec.md §4.1: unknown
// submessage_id is skipped using octets_to_next_header).
type ParsedSubmessage struct {
	SubmessageHeader SubmessageHeader
	Body             interface{}
}

// Parse decodes an entire datagram: the fixed Header followed by zero or
// more submessages, each framed by its own SubmessageHeader.
func Parse(data []byte) (Header, []ParsedSubmessage, error) {
	r := cdr.NewReader(data, cdr.BigEndian) // header itself has no endianness ambiguity
	header, err := ParseHeader(r)
	if err != nil {
		return header, nil, err
	}

	var out []ParsedSubmessage
	for r.Remaining() > 0 {
		if r.Remaining() < HeaderLength_ {
			break // trailing pad shorter than a header; ignore
		}
		id, err := r.ReadByte()
		if err != nil {
			return header, out, err
		}
		flags, err := r.ReadByte()
		if err != nil {
			return header, out, err
		}
		endian := cdr.BigEndian
		if flags&FlagEndiannessBit != 0 {
			endian = cdr.LittleEndian
		}
		// octets_to_next_header is itself encoded in the submessage's endianness.
		lenBytes, err := r.ReadBytes(2)
		if err != nil {
			return header, out, err
		}
		length := uint16(lenBytes[0])<<8 | uint16(lenBytes[1])
		if endian == cdr.LittleEndian {
			length = uint16(lenBytes[1])<<8 | uint16(lenBytes[0])
		}
		bodyLen := int(length)
		if length == 0 {
			bodyLen = r.Remaining() // "to end of datagram" (spec.md §4.9)
		}
		if r.Remaining() < bodyLen {
			return header, out, fmt.Errorf("%w: submessage body truncated", ddserror.NotEnoughData)
		}
		body, err := r.ReadBytes(bodyLen)
		if err != nil {
			return header, out, err
		}
		sh := SubmessageHeader{SubmessageId: id, Flags: flags, OctetsToNextHeader: length}
		parsedBody, perr := parseBody(id, flags, body, endian)
		if perr != nil {
			// Protocol violation or codec failure: drop this submessage,
			// log at the caller, keep the session alive (spec.md §7).
			out = append(out, ParsedSubmessage{SubmessageHeader: sh, Body: nil})
			continue
		}
		out = append(out, ParsedSubmessage{SubmessageHeader: sh, Body: parsedBody})
	}
	return header, out, nil
}

func parseBody(id byte, flags byte, body []byte, endian cdr.Endian) (interface{}, error) {
	r := cdr.NewReader(body, endian)
	r.SetOrigin()
	switch id {
	case SubmessageIdPad:
		return Pad{}, nil
	case SubmessageIdInfoTimestamp:
		return parseInfoTimestamp(r, flags&flagInvalidate != 0)
	case SubmessageIdInfoSource:
		return parseInfoSource(r)
	case SubmessageIdInfoDestination:
		return parseInfoDestination(r)
	case SubmessageIdHeartbeat:
		return parseHeartbeat(r, flags)
	case SubmessageIdAckNack:
		return parseAckNack(r, flags)
	case SubmessageIdGap:
		return parseGap(r)
	case SubmessageIdData:
		return parseData(r, flags)
	case SubmessageIdDataFrag:
		return parseDataFrag(r, flags)
	case SubmessageIdHeartbeatFrag:
		return parseHeartbeatFrag(r)
	case SubmessageIdNackFrag:
		return parseNackFrag(r)
	default:
		return nil, nil // unrecognized submessage_id: skipped, not an error
	}
}

func parseInfoTimestamp(r *cdr.Reader, invalidate bool) (InfoTimestamp, error) {
	if invalidate {
		return InfoTimestamp{Invalidate: true}, nil
	}
	sec, err := r.ReadI32()
	if err != nil {
		return InfoTimestamp{}, err
	}
	frac, err := r.ReadU32()
	if err != nil {
		return InfoTimestamp{}, err
	}
	return InfoTimestamp{Seconds: sec, Fraction: frac}, nil
}

func parseInfoSource(r *cdr.Reader) (InfoSource, error) {
	var i InfoSource
	if _, err := r.ReadU32(); err != nil {
		return i, err
	}
	major, err := r.ReadByte()
	if err != nil {
		return i, err
	}
	minor, err := r.ReadByte()
	if err != nil {
		return i, err
	}
	i.Version = types.ProtocolVersion{Major: major, Minor: minor}
	v0, err := r.ReadByte()
	if err != nil {
		return i, err
	}
	v1, err := r.ReadByte()
	if err != nil {
		return i, err
	}
	i.VendorId = types.VendorId{v0, v1}
	prefix, err := r.ReadBytes(types.GuidPrefixLength)
	if err != nil {
		return i, err
	}
	copy(i.GuidPrefix[:], prefix)
	return i, nil
}

func parseInfoDestination(r *cdr.Reader) (InfoDestination, error) {
	var i InfoDestination
	prefix, err := r.ReadBytes(types.GuidPrefixLength)
	if err != nil {
		return i, err
	}
	copy(i.GuidPrefix[:], prefix)
	return i, nil
}

func parseHeartbeat(r *cdr.Reader, flags byte) (Heartbeat, error) {
	var h Heartbeat
	h.Final = flags&flagFinal != 0
	h.Liveliness = flags&flagLiveliness != 0
	var err error
	if h.ReaderId, err = readEntityId(r); err != nil {
		return h, err
	}
	if h.WriterId, err = readEntityId(r); err != nil {
		return h, err
	}
	fh, err := r.ReadI32()
	if err != nil {
		return h, err
	}
	fl, err := r.ReadU32()
	if err != nil {
		return h, err
	}
	h.FirstSN = types.SequenceNumberFromParts(fh, fl)
	lh, err := r.ReadI32()
	if err != nil {
		return h, err
	}
	ll, err := r.ReadU32()
	if err != nil {
		return h, err
	}
	h.LastSN = types.SequenceNumberFromParts(lh, ll)
	if h.Count, err = r.ReadI32(); err != nil {
		return h, err
	}
	if h.FirstSN > h.LastSN+1 {
		return h, fmt.Errorf("%w: heartbeat first_sn > last_sn+1", ddserror.InvalidData)
	}
	return h, nil
}

func parseAckNack(r *cdr.Reader, flags byte) (AckNack, error) {
	var a AckNack
	a.Final = flags&flagFinal != 0
	var err error
	if a.ReaderId, err = readEntityId(r); err != nil {
		return a, err
	}
	if a.WriterId, err = readEntityId(r); err != nil {
		return a, err
	}
	if a.ReaderSNState, err = ParseSequenceNumberSet(r); err != nil {
		return a, err
	}
	if a.Count, err = r.ReadI32(); err != nil {
		return a, err
	}
	return a, nil
}

func parseGap(r *cdr.Reader) (Gap, error) {
	var g Gap
	var err error
	if g.ReaderId, err = readEntityId(r); err != nil {
		return g, err
	}
	if g.WriterId, err = readEntityId(r); err != nil {
		return g, err
	}
	gh, err := r.ReadI32()
	if err != nil {
		return g, err
	}
	gl, err := r.ReadU32()
	if err != nil {
		return g, err
	}
	g.GapStart = types.SequenceNumberFromParts(gh, gl)
	if g.GapList, err = ParseSequenceNumberSet(r); err != nil {
		return g, err
	}
	return g, nil
}

func parseData(r *cdr.Reader, flags byte) (Data, error) {
	var d Data
	if _, err := r.ReadU16(); err != nil { // extraFlags
		return d, err
	}
	if _, err := r.ReadU16(); err != nil { // octetsToInlineQos, unused: we derive the split from the flag below
		return d, err
	}
	var perr error
	if d.ReaderId, perr = readEntityId(r); perr != nil {
		return d, perr
	}
	if d.WriterId, perr = readEntityId(r); perr != nil {
		return d, perr
	}
	sh, err := r.ReadI32()
	if err != nil {
		return d, err
	}
	sl, err := r.ReadU32()
	if err != nil {
		return d, err
	}
	d.WriterSN = types.SequenceNumberFromParts(sh, sl)

	if flags&flagInlineQos != 0 {
		qosStart := r.Pos()
		if _, err := plist.ReadAll(r); err != nil {
			return d, err
		}
		d.InlineQos = r.Slice(qosStart, r.Pos())
	}
	d.KeyOnly = flags&flagKey != 0
	payload, err := r.ReadBytes(r.Remaining())
	if err != nil {
		return d, err
	}
	d.SerializedPayload = payload
	return d, nil
}

func parseDataFrag(r *cdr.Reader, flags byte) (DataFrag, error) {
	var d DataFrag
	if _, err := r.ReadU16(); err != nil {
		return d, err
	}
	if _, err := r.ReadU16(); err != nil {
		return d, err
	}
	var err error
	if d.ReaderId, err = readEntityId(r); err != nil {
		return d, err
	}
	if d.WriterId, err = readEntityId(r); err != nil {
		return d, err
	}
	sh, err := r.ReadI32()
	if err != nil {
		return d, err
	}
	sl, err := r.ReadU32()
	if err != nil {
		return d, err
	}
	d.WriterSN = types.SequenceNumberFromParts(sh, sl)
	if d.FragmentStartingNum, err = r.ReadU32(); err != nil {
		return d, err
	}
	if d.FragmentsInSubmessage, err = r.ReadU16(); err != nil {
		return d, err
	}
	if d.FragmentSize, err = r.ReadU16(); err != nil {
		return d, err
	}
	if d.SampleSize, err = r.ReadU32(); err != nil {
		return d, err
	}
	if flags&flagInlineQos != 0 {
		qosStart := r.Pos()
		if _, err := plist.ReadAll(r); err != nil {
			return d, err
		}
		d.InlineQos = r.Slice(qosStart, r.Pos())
	}
	rest, err := r.ReadBytes(r.Remaining())
	if err != nil {
		return d, err
	}
	d.FragmentPayload = rest
	return d, nil
}

func parseHeartbeatFrag(r *cdr.Reader) (HeartbeatFrag, error) {
	var h HeartbeatFrag
	var err error
	if h.ReaderId, err = readEntityId(r); err != nil {
		return h, err
	}
	if h.WriterId, err = readEntityId(r); err != nil {
		return h, err
	}
	sh, err := r.ReadI32()
	if err != nil {
		return h, err
	}
	sl, err := r.ReadU32()
	if err != nil {
		return h, err
	}
	h.WriterSN = types.SequenceNumberFromParts(sh, sl)
	if h.LastFragmentNum, err = r.ReadU32(); err != nil {
		return h, err
	}
	if h.Count, err = r.ReadI32(); err != nil {
		return h, err
	}
	return h, nil
}

func parseNackFrag(r *cdr.Reader) (NackFrag, error) {
	var n NackFrag
	var err error
	if n.ReaderId, err = readEntityId(r); err != nil {
		return n, err
	}
	if n.WriterId, err = readEntityId(r); err != nil {
		return n, err
	}
	sh, err := r.ReadI32()
	if err != nil {
		return n, err
	}
	sl, err := r.ReadU32()
	if err != nil {
		return n, err
	}
	n.WriterSN = types.SequenceNumberFromParts(sh, sl)
	if n.FragmentNumState, err = ParseFragmentNumberSet(r); err != nil {
		return n, err
	}
	if n.Count, err = r.ReadI32(); err != nil {
		return n, err
	}
	return n, nil
}
