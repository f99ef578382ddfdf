// Package discovery implements SPDP participant gossip and SEDP endpoint
// announcement/matching (spec.md §4.5). Discovery payloads are ordinary
// PL_CDR parameter lists decoded with the plist package. Outgoing SEDP
// announcements go through history.WriterCache like user data; received
// SPDP/SEDP payloads are decoded and applied directly, not stored in a
// history cache.
package discovery

import (
	"github.com/linkerd/godds/internal/ddserror"
	"github.com/linkerd/godds/internal/qos"
	"github.com/linkerd/godds/internal/rtps/cdr"
	"github.com/linkerd/godds/internal/rtps/plist"
	"github.com/linkerd/godds/internal/rtps/types"
)

// BuiltinEndpointSet is the bitmask a participant uses to declare which
// built-in SEDP/SPDP endpoints it has (spec.md §4.5).
type BuiltinEndpointSet uint32

const (
	BuiltinEndpointParticipantAnnouncer BuiltinEndpointSet = 1 << iota
	BuiltinEndpointParticipantDetector
	BuiltinEndpointPublicationsAnnouncer
	BuiltinEndpointPublicationsDetector
	BuiltinEndpointSubscriptionsAnnouncer
	BuiltinEndpointSubscriptionsDetector
	BuiltinEndpointTopicsAnnouncer
	BuiltinEndpointTopicsDetector
)

// Has reports whether set declares endpoint.
func (set BuiltinEndpointSet) Has(endpoint BuiltinEndpointSet) bool { return set&endpoint != 0 }

// ParticipantData is the decoded form of an SpdpDiscoveredParticipantData
// sample (spec.md §4.5).
type ParticipantData struct {
	DomainId                  int32
	DomainTag                 string
	ProtocolVersion           types.ProtocolVersion
	VendorId                  types.VendorId
	GuidPrefix                types.GuidPrefix
	MetatrafficUnicastLocators   []types.Locator
	MetatrafficMulticastLocators []types.Locator
	DefaultUnicastLocators       []types.Locator
	DefaultMulticastLocators     []types.Locator
	BuiltinEndpoints          BuiltinEndpointSet
	LeaseDurationSeconds      float64
	ManualLivelinessCount     int32
}

// Marshal encodes p as a PL_CDR_LE parameter list.
func (p ParticipantData) Marshal() ([]byte, error) {
	w := cdr.NewWriter(cdr.LittleEndian)
	pw := plist.NewWriter(w)

	if err := pw.WriteParameter(plist.PIDDomainId, func(w *cdr.Writer) error { w.WriteI32(p.DomainId); return nil }); err != nil {
		return nil, err
	}
	if p.DomainTag != "" {
		if err := pw.WriteParameter(plist.PIDDomainTag, func(w *cdr.Writer) error { return w.WriteString(p.DomainTag) }); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteParameter(plist.PIDParticipantGuid, func(w *cdr.Writer) error {
		w.WriteBytes(p.GuidPrefix[:])
		w.WriteBytes([]byte{0, 0, 0, 0xc1})
		return nil
	}); err != nil {
		return nil, err
	}
	if err := pw.WriteParameter(plist.PIDBuiltinEndpointSet, func(w *cdr.Writer) error { w.WriteU32(uint32(p.BuiltinEndpoints)); return nil }); err != nil {
		return nil, err
	}
	if err := pw.WriteParameter(plist.PIDParticipantLeaseDuration, func(w *cdr.Writer) error {
		return writeDuration(w, p.LeaseDurationSeconds)
	}); err != nil {
		return nil, err
	}
	if err := pw.WriteParameter(plist.PIDParticipantManualLivelinessCount, func(w *cdr.Writer) error {
		w.WriteI32(p.ManualLivelinessCount)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := writeLocatorList(pw, plist.PIDMetatrafficUnicastLocator, p.MetatrafficUnicastLocators); err != nil {
		return nil, err
	}
	if err := writeLocatorList(pw, plist.PIDMetatrafficMulticastLocator, p.MetatrafficMulticastLocators); err != nil {
		return nil, err
	}
	if err := writeLocatorList(pw, plist.PIDDefaultUnicastLocator, p.DefaultUnicastLocators); err != nil {
		return nil, err
	}
	if err := writeLocatorList(pw, plist.PIDDefaultMulticastLocator, p.DefaultMulticastLocators); err != nil {
		return nil, err
	}
	pw.Sentinel()
	return w.Bytes(), nil
}

// UnmarshalParticipantData decodes a PL_CDR_LE SpdpDiscoveredParticipantData
// payload. Missing optional locator lists default to empty; a missing
// PID_PARTICIPANT_GUID or PID_DOMAIN_ID is an error since every peer
// carries its own identity and domain (spec.md §4.5).
func UnmarshalParticipantData(payload []byte) (ParticipantData, error) {
	var p ParticipantData
	r := cdr.NewReader(payload, cdr.LittleEndian)
	params, err := plist.ReadAll(r)
	if err != nil {
		return p, err
	}

	domainBody, err := plist.RequireBody(params, plist.PIDDomainId, "domain_id")
	if err != nil {
		return p, err
	}
	p.DomainId, err = readI32(domainBody)
	if err != nil {
		return p, err
	}

	guidBody, err := plist.RequireBody(params, plist.PIDParticipantGuid, "participant_guid")
	if err != nil {
		return p, err
	}
	if len(guidBody) < types.GuidPrefixLength {
		return p, ddserror.InvalidData
	}
	copy(p.GuidPrefix[:], guidBody[:types.GuidPrefixLength])

	if body, ok := plist.Find(params, plist.PIDDomainTag); ok {
		p.DomainTag, _ = readString(body)
	}
	if body, ok := plist.Find(params, plist.PIDBuiltinEndpointSet); ok {
		v, err := readU32(body)
		if err != nil {
			return p, err
		}
		p.BuiltinEndpoints = BuiltinEndpointSet(v)
	}
	if body, ok := plist.Find(params, plist.PIDParticipantLeaseDuration); ok {
		p.LeaseDurationSeconds, err = readDuration(body)
		if err != nil {
			return p, err
		}
	}
	if body, ok := plist.Find(params, plist.PIDParticipantManualLivelinessCount); ok {
		p.ManualLivelinessCount, err = readI32(body)
		if err != nil {
			return p, err
		}
	}
	if body, ok := plist.Find(params, plist.PIDMetatrafficUnicastLocator); ok {
		if p.MetatrafficUnicastLocators, err = readLocator(body); err != nil {
			return p, err
		}
	}
	if body, ok := plist.Find(params, plist.PIDMetatrafficMulticastLocator); ok {
		if p.MetatrafficMulticastLocators, err = readLocator(body); err != nil {
			return p, err
		}
	}
	if body, ok := plist.Find(params, plist.PIDDefaultUnicastLocator); ok {
		if p.DefaultUnicastLocators, err = readLocator(body); err != nil {
			return p, err
		}
	}
	if body, ok := plist.Find(params, plist.PIDDefaultMulticastLocator); ok {
		if p.DefaultMulticastLocators, err = readLocator(body); err != nil {
			return p, err
		}
	}
	return p, nil
}

func writeLocatorList(pw *plist.Writer, pid uint16, locators []types.Locator) error {
	for _, loc := range locators {
		l := loc
		if err := pw.WriteParameter(pid, func(w *cdr.Writer) error { return writeLocator(w, l) }); err != nil {
			return err
		}
	}
	return nil
}

func writeLocator(w *cdr.Writer, l types.Locator) error {
	w.WriteI32(l.Kind)
	w.WriteU32(l.Port)
	w.WriteBytes(l.Address[:])
	return nil
}

func readLocator(body []byte) ([]types.Locator, error) {
	r := cdr.NewReader(body, cdr.LittleEndian)
	kind, err := r.ReadI32()
	if err != nil {
		return nil, err
	}
	port, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	addr, err := r.ReadBytes(types.LocatorAddressLength)
	if err != nil {
		return nil, err
	}
	var l types.Locator
	l.Kind = kind
	l.Port = port
	copy(l.Address[:], addr)
	return []types.Locator{l}, nil
}

func writeDuration(w *cdr.Writer, seconds float64) error {
	sec := int32(seconds)
	frac := uint32((seconds - float64(sec)) * 4294967296.0)
	w.WriteI32(sec)
	w.WriteU32(frac)
	return nil
}

func readDuration(body []byte) (float64, error) {
	r := cdr.NewReader(body, cdr.LittleEndian)
	sec, err := r.ReadI32()
	if err != nil {
		return 0, err
	}
	frac, err := r.ReadU32()
	if err != nil {
		return 0, err
	}
	return float64(sec) + float64(frac)/4294967296.0, nil
}

func readI32(body []byte) (int32, error) {
	return cdr.NewReader(body, cdr.LittleEndian).ReadI32()
}

func readU32(body []byte) (uint32, error) {
	return cdr.NewReader(body, cdr.LittleEndian).ReadU32()
}

func readString(body []byte) (string, error) {
	return cdr.NewReader(body, cdr.LittleEndian).ReadString()
}

// EndpointQosFromParams decodes the subset of qos.EndpointQos policies
// that appear in a SEDP ParameterList, applying schema defaults (spec.md
// §4.1) for everything absent.
func EndpointQosFromParams(params []plist.RawParameter) (qos.EndpointQos, error) {
	eq := qos.EndpointQos{
		Reliability: qos.Reliability{Kind: qos.BestEffort},
		Durability:  qos.Durability{Kind: qos.Volatile},
		Ownership:   qos.Ownership{Kind: qos.Shared},
	}
	if body, ok := plist.Find(params, plist.PIDReliability); ok {
		r := cdr.NewReader(body, cdr.LittleEndian)
		kind, err := r.ReadI32()
		if err != nil {
			return eq, err
		}
		eq.Reliability.Kind = qos.ReliabilityKind(kind)
	}
	if body, ok := plist.Find(params, plist.PIDDurability); ok {
		r := cdr.NewReader(body, cdr.LittleEndian)
		kind, err := r.ReadI32()
		if err != nil {
			return eq, err
		}
		eq.Durability.Kind = qos.DurabilityKind(kind)
	}
	if body, ok := plist.Find(params, plist.PIDOwnership); ok {
		r := cdr.NewReader(body, cdr.LittleEndian)
		kind, err := r.ReadI32()
		if err != nil {
			return eq, err
		}
		eq.Ownership.Kind = qos.OwnershipKind(kind)
	}
	if body, ok := plist.Find(params, plist.PIDDestinationOrder); ok {
		r := cdr.NewReader(body, cdr.LittleEndian)
		kind, err := r.ReadI32()
		if err != nil {
			return eq, err
		}
		eq.DestinationOrder.Kind = qos.DestinationOrderKind(kind)
	}
	if body, ok := plist.Find(params, plist.PIDPartition); ok {
		names, err := readStringSeq(body)
		if err != nil {
			return eq, err
		}
		eq.Partition.Names = names
	}
	return eq, nil
}

func readStringSeq(body []byte) ([]string, error) {
	r := cdr.NewReader(body, cdr.LittleEndian)
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
