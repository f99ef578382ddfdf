// Package message implements RTPS datagram framing: the fixed message
// header, the per-submessage header, and the submessage kinds needed by
// the reliability protocol and discovery (spec.md §4.9, §6).
package message

import (
	"fmt"

	"github.com/linkerd/godds/internal/ddserror"
	"github.com/linkerd/godds/internal/rtps/cdr"
	"github.com/linkerd/godds/internal/rtps/types"
)

// Magic is the fixed 4-byte RTPS message marker.
var Magic = [4]byte{'R', 'T', 'P', 'S'}

// Header is the fixed-size RTPS message header present at the start of
// every datagram.
type Header struct {
	Version    types.ProtocolVersion
	VendorId   types.VendorId
	GuidPrefix types.GuidPrefix
}

func (h Header) Marshal(w *cdr.Writer) {
	w.WriteBytes(Magic[:])
	w.WriteByte(h.Version.Major)
	w.WriteByte(h.Version.Minor)
	w.WriteByte(h.VendorId[0])
	w.WriteByte(h.VendorId[1])
	w.WriteBytes(h.GuidPrefix[:])
}

// HeaderLength is the wire size of Header: 4 (magic) + 2 (version) + 2 (vendor) + 12 (guid prefix).
const HeaderLength = 4 + 2 + 2 + types.GuidPrefixLength

func ParseHeader(r *cdr.Reader) (Header, error) {
	var h Header
	magic, err := r.ReadBytes(4)
	if err != nil {
		return h, err
	}
	if magic[0] != Magic[0] || magic[1] != Magic[1] || magic[2] != Magic[2] || magic[3] != Magic[3] {
		return h, fmt.Errorf("%w: bad RTPS magic %x", ddserror.InvalidData, magic)
	}
	major, err := r.ReadByte()
	if err != nil {
		return h, err
	}
	minor, err := r.ReadByte()
	if err != nil {
		return h, err
	}
	h.Version = types.ProtocolVersion{Major: major, Minor: minor}
	v0, err := r.ReadByte()
	if err != nil {
		return h, err
	}
	v1, err := r.ReadByte()
	if err != nil {
		return h, err
	}
	h.VendorId = types.VendorId{v0, v1}
	prefix, err := r.ReadBytes(types.GuidPrefixLength)
	if err != nil {
		return h, err
	}
	copy(h.GuidPrefix[:], prefix)
	return h, nil
}

// Submessage IDs (spec.md §6).
const (
	SubmessageIdPad             byte = 0x01
	SubmessageIdAckNack         byte = 0x06
	SubmessageIdHeartbeat       byte = 0x07
	SubmessageIdGap             byte = 0x08
	SubmessageIdInfoTimestamp   byte = 0x09
	SubmessageIdInfoSource      byte = 0x0c
	SubmessageIdInfoReplyIPv4   byte = 0x0d
	SubmessageIdInfoDestination byte = 0x0e
	SubmessageIdInfoReply       byte = 0x0f
	SubmessageIdNackFrag        byte = 0x12
	SubmessageIdHeartbeatFrag   byte = 0x13
	SubmessageIdData            byte = 0x15
	SubmessageIdDataFrag        byte = 0x16
)

// FlagEndiannessBit is bit 0 of the submessage flags byte.
const FlagEndiannessBit byte = 0x01

// SubmessageHeader is the 4-byte header preceding every submessage body.
type SubmessageHeader struct {
	SubmessageId        byte
	Flags               byte
	OctetsToNextHeader   uint16
}

func (h SubmessageHeader) Endian() cdr.Endian {
	if h.Flags&FlagEndiannessBit != 0 {
		return cdr.LittleEndian
	}
	return cdr.BigEndian
}
