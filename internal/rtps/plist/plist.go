// Package plist implements the PL_CDR parameter-list encoding used for
// discovery payloads and for every mutable-extensibility struct (spec.md
// §4.1). Each member is wrapped in {pid:u16, length:u16 (>= actual, 4-byte
// aligned), body}, terminated by a sentinel record {PIDSentinel, 0}.
package plist

import (
	"fmt"

	"github.com/linkerd/godds/internal/ddserror"
	"github.com/linkerd/godds/internal/rtps/cdr"
)

// PIDSentinel terminates every parameter list.
const PIDSentinel uint16 = 0x0001

// Parameter ID subset recognized by godds (spec.md §6); all are mandatory
// to parse when present, per the spec's ParameterList section.
const (
	PIDUserData                         uint16 = 0x002c
	PIDParticipantLeaseDuration          uint16 = 0x0002
	PIDTopicName                        uint16 = 0x0005
	PIDTypeName                         uint16 = 0x0007
	PIDDeadline                         uint16 = 0x0023
	PIDLatencyBudget                    uint16 = 0x0027
	PIDLiveliness                       uint16 = 0x001b
	PIDReliability                      uint16 = 0x001a
	// PIDDurability is not in spec.md §6's PID subset but is part of the
	// RTPS 2.4 parameter set every DDS-RTPS implementation sends; omitting
	// it would make godds unable to interoperate on durability at all.
	PIDDurability                       uint16 = 0x001d
	PIDLifespan                         uint16 = 0x002b
	PIDDestinationOrder                 uint16 = 0x0025
	PIDHistory                          uint16 = 0x0040
	PIDResourceLimits                   uint16 = 0x0041
	PIDOwnership                        uint16 = 0x001f
	PIDOwnershipStrength                uint16 = 0x0006
	PIDPresentation                     uint16 = 0x0021
	PIDPartition                        uint16 = 0x0029
	PIDTopicData                        uint16 = 0x002e
	PIDGroupData                        uint16 = 0x002d
	PIDProtocolVersion                  uint16 = 0x0015
	PIDVendorId                         uint16 = 0x0016
	PIDUnicastLocator                   uint16 = 0x002f
	PIDMulticastLocator                 uint16 = 0x0030
	PIDDefaultUnicastLocator            uint16 = 0x0031
	PIDMetatrafficUnicastLocator        uint16 = 0x0032
	PIDMetatrafficMulticastLocator      uint16 = 0x0033
	PIDDefaultMulticastLocator          uint16 = 0x0048
	PIDExpectsInlineQos                 uint16 = 0x0043
	PIDParticipantManualLivelinessCount uint16 = 0x0034
	PIDParticipantGuid                  uint16 = 0x0050
	PIDEndpointGuid                     uint16 = 0x005a
	PIDGroupEntityId                    uint16 = 0x0053
	PIDBuiltinEndpointSet               uint16 = 0x0058
	PIDBuiltinEndpointQos               uint16 = 0x0077
	PIDDomainId                         uint16 = 0x000f
	PIDDomainTag                        uint16 = 0x4014
	PIDDiscoveredParticipant            uint16 = 0x0070
	PIDDataRepresentation               uint16 = 0x0073
)

// Writer accumulates parameter records onto a cdr.Writer.
type Writer struct {
	w *cdr.Writer
}

func NewWriter(w *cdr.Writer) *Writer { return &Writer{w: w} }

// WriteParameter aligns to 4 bytes, writes the {pid,length} header, invokes
// encode to serialize the body, then patches length with the actual
// (4-byte-padded) body size.
func (pw *Writer) WriteParameter(pid uint16, encode func(w *cdr.Writer) error) error {
	// Header itself must start 4-byte aligned.
	for pw.w.Len()%4 != 0 {
		pw.w.WriteByte(0)
	}
	pw.w.WriteU16(pid)
	lengthPos := pw.w.Len()
	pw.w.WriteU16(0) // placeholder, patched below

	bodyStart := pw.w.Len()
	if err := encode(pw.w); err != nil {
		return fmt.Errorf("parameter 0x%04x: %w", pid, err)
	}
	for pw.w.Len()%4 != 0 {
		pw.w.WriteByte(0)
	}
	length := pw.w.Len() - bodyStart

	buf := pw.w.Bytes()
	order := pw.w.Endian()
	patchU16(buf, lengthPos, uint16(length), order)
	return nil
}

// Sentinel writes the terminating {PIDSentinel, 0} record.
func (pw *Writer) Sentinel() {
	for pw.w.Len()%4 != 0 {
		pw.w.WriteByte(0)
	}
	pw.w.WriteU16(PIDSentinel)
	pw.w.WriteU16(0)
}

func patchU16(buf []byte, pos int, v uint16, endian cdr.Endian) {
	tmp := cdr.NewWriter(endian)
	tmp.WriteU16(v)
	copy(buf[pos:pos+2], tmp.Bytes())
}

// RawParameter is one decoded {pid, body} record, body still CDR-encoded.
type RawParameter struct {
	PID  uint16
	Body []byte
}

// ReadAll scans a parameter list to its sentinel, returning every record in
// wire order. Unknown PIDs are returned alongside known ones; callers
// dispatch on PID and silently ignore the ones they don't recognize —
// that's how the format tolerates forward-compatible extension.
func ReadAll(r *cdr.Reader) ([]RawParameter, error) {
	var out []RawParameter
	for {
		// Align the header itself to 4 bytes.
		for r.Pos()%4 != 0 {
			if _, err := r.ReadByte(); err != nil {
				return nil, err
			}
		}
		pid, err := r.ReadU16()
		if err != nil {
			return nil, err
		}
		length, err := r.ReadU16()
		if err != nil {
			return nil, err
		}
		if pid == PIDSentinel {
			return out, nil
		}
		body, err := r.ReadBytes(int(length))
		if err != nil {
			return nil, err
		}
		out = append(out, RawParameter{PID: pid, Body: body})
	}
}

// Find returns the body of the first record matching pid, or ok=false.
func Find(params []RawParameter, pid uint16) (body []byte, ok bool) {
	for _, p := range params {
		if p.PID == pid {
			return p.Body, true
		}
	}
	return nil, false
}

// RequireBody returns the body for pid or MissingMandatoryField — used for
// PIDs a given struct treats as mandatory rather than defaulted.
func RequireBody(params []RawParameter, pid uint16, what string) ([]byte, error) {
	b, ok := Find(params, pid)
	if !ok {
		return nil, fmt.Errorf("%w: %s (pid 0x%04x)", ddserror.MissingMandatoryField, what, pid)
	}
	return b, nil
}
