// Package types holds the RTPS wire-identifier types shared by every other
// package in the module: GUIDs, locators, sequence numbers and instance
// handles. None of it is protocol-version specific, so it has no
// dependency on the codec or message packages.
package types

import (
	"bytes"
	"crypto/md5"
	"fmt"
)

// GuidPrefixLength is the wire size of a GuidPrefix: host(4) || app(4) || instance(4).
const GuidPrefixLength = 12

// GuidPrefix identifies a participant within a domain.
type GuidPrefix [GuidPrefixLength]byte

func (p GuidPrefix) String() string { return fmt.Sprintf("%x", [GuidPrefixLength]byte(p)) }

// Less gives a deterministic total order over GuidPrefixes, used as the
// tiebreak for ownership arbitration among equal-strength writers (see
// qos.ArbitrateOwnership, resolving spec.md §9's open question).
func (p GuidPrefix) Less(o GuidPrefix) bool { return bytes.Compare(p[:], o[:]) < 0 }

// EntityId is a 3-byte entity key plus a 1-byte entity kind.
type EntityId struct {
	EntityKey  [3]byte
	EntityKind byte
}

// Entity kind bits (RTPS 2.4 §9.3.1.2).
const (
	EntityKindUserDefinedUnknown      = 0x00
	EntityKindUserDefinedWriterWithKey = 0x02
	EntityKindUserDefinedWriterNoKey   = 0x03
	EntityKindUserDefinedReaderWithKey = 0x07
	EntityKindUserDefinedReaderNoKey   = 0x04
	EntityKindBuiltinWriterWithKey     = 0xc2
	EntityKindBuiltinWriterNoKey       = 0xc3
	EntityKindBuiltinReaderWithKey     = 0xc7
	EntityKindBuiltinReaderNoKey       = 0xc4
	EntityKindBuiltinParticipant       = 0xc1
)

// Reserved built-in entity IDs (spec.md §6).
var (
	EntityIdSPDPBuiltinParticipantWriter = EntityId{[3]byte{0x00, 0x01, 0x00}, 0xc2}
	EntityIdSPDPBuiltinParticipantReader = EntityId{[3]byte{0x00, 0x01, 0x00}, 0xc7}
	EntityIdSEDPBuiltinPublicationsWriter = EntityId{[3]byte{0x00, 0x00, 0x03}, 0xc2}
	EntityIdSEDPBuiltinPublicationsReader = EntityId{[3]byte{0x00, 0x00, 0x03}, 0xc7}
	EntityIdSEDPBuiltinSubscriptionsWriter = EntityId{[3]byte{0x00, 0x00, 0x04}, 0xc2}
	EntityIdSEDPBuiltinSubscriptionsReader = EntityId{[3]byte{0x00, 0x00, 0x04}, 0xc7}
	EntityIdSEDPBuiltinTopicsWriter = EntityId{[3]byte{0x00, 0x00, 0x02}, 0xc2}
	EntityIdSEDPBuiltinTopicsReader = EntityId{[3]byte{0x00, 0x00, 0x02}, 0xc7}
	EntityIdUnknown                = EntityId{}
)

// IsWriter reports whether the entity kind names a writer (any flavor).
func (e EntityId) IsWriter() bool {
	switch e.EntityKind {
	case EntityKindUserDefinedWriterWithKey, EntityKindUserDefinedWriterNoKey,
		EntityKindBuiltinWriterWithKey, EntityKindBuiltinWriterNoKey:
		return true
	}
	return false
}

// IsReader reports whether the entity kind names a reader (any flavor).
func (e EntityId) IsReader() bool {
	switch e.EntityKind {
	case EntityKindUserDefinedReaderWithKey, EntityKindUserDefinedReaderNoKey,
		EntityKindBuiltinReaderWithKey, EntityKindBuiltinReaderNoKey:
		return true
	}
	return false
}

func (e EntityId) String() string {
	return fmt.Sprintf("%x.%02x", e.EntityKey, e.EntityKind)
}

// Guid uniquely identifies an endpoint (or, with the
// EntityKindBuiltinParticipant kind byte 0xc1, a participant) within a domain.
type Guid struct {
	Prefix GuidPrefix
	Entity EntityId
}

func (g Guid) String() string { return fmt.Sprintf("%s:%s", g.Prefix, g.Entity) }

// SequenceNumber is a signed 64-bit sequence number, wire-encoded as
// (high int32, low uint32). SequenceNumberUnknown is -1, which encodes as
// {high -1, low 0xffffffff}; it is not the RTPS SEQUENCENUMBER_UNKNOWN
// encoding {-1, 0}.
type SequenceNumber int64

const SequenceNumberUnknown SequenceNumber = -1

// High and Low split a SequenceNumber into its wire-encoded halves.
func (s SequenceNumber) High() int32  { return int32(int64(s) >> 32) }
func (s SequenceNumber) Low() uint32  { return uint32(int64(s) & 0xffffffff) }

// SequenceNumberFromParts reassembles a SequenceNumber from its wire halves.
func SequenceNumberFromParts(high int32, low uint32) SequenceNumber {
	return SequenceNumber(int64(high)<<32 | int64(low))
}

// InstanceHandleLength is the fixed width of an InstanceHandle (spec.md §3).
const InstanceHandleLength = 16

// InstanceHandle is an opaque key digest identifying an instance within a topic.
type InstanceHandle [InstanceHandleLength]byte

// InstanceHandleFromKey derives an InstanceHandle from a serialized key per
// the DDS-RTPS BuiltinTopicKey_t rule: if the serialized key fits in 16
// bytes it is used verbatim (zero-padded); otherwise an MD5 digest of it
// is used. MD5 here is a 128-bit digest, not a security primitive, so the
// stdlib implementation is used directly (see DESIGN.md).
func InstanceHandleFromKey(serializedKey []byte) InstanceHandle {
	var h InstanceHandle
	if len(serializedKey) <= InstanceHandleLength {
		copy(h[:], serializedKey)
		return h
	}
	sum := md5.Sum(serializedKey)
	return InstanceHandle(sum)
}

func (h InstanceHandle) String() string { return fmt.Sprintf("%x", [InstanceHandleLength]byte(h)) }

// LocatorKind values (RTPS 2.4 §9.6.1.3.1).
const (
	LocatorKindInvalid = -1
	LocatorKindUDPv4   = 1
	LocatorKindUDPv6   = 2
)

// LocatorAddressLength is the fixed width of the Locator address field.
const LocatorAddressLength = 16

// Locator is a transport-agnostic addressing tuple.
type Locator struct {
	Kind    int32
	Port    uint32
	Address [LocatorAddressLength]byte
}

func (l Locator) String() string {
	return fmt.Sprintf("locator{kind=%d port=%d addr=%x}", l.Kind, l.Port, l.Address)
}

// ProtocolVersion is the RTPS wire protocol version (2.4 throughout this module).
type ProtocolVersion struct{ Major, Minor byte }

var ProtocolVersion24 = ProtocolVersion{2, 4}

// VendorId identifies the implementation that produced a message. godds
// uses an unregistered vendor id, matching the convention used by other
// open-source RTPS stacks during development.
type VendorId [2]byte

var VendorIdGodds = VendorId{0x01, 0xff}
