package discovery

import (
	"github.com/linkerd/godds/internal/ddserror"
	"github.com/linkerd/godds/internal/qos"
	"github.com/linkerd/godds/internal/rtps/cdr"
	"github.com/linkerd/godds/internal/rtps/plist"
	"github.com/linkerd/godds/internal/rtps/types"
)

// EndpointData is the common shape of DiscoveredWriterData and
// DiscoveredReaderData (spec.md §4.5): an endpoint GUID, its topic and
// type, its QoS, and its locators.
type EndpointData struct {
	Guid             types.Guid
	TopicName        string
	TypeName         string
	Qos              qos.EndpointQos
	OwnershipStrength int32
	UnicastLocators  []types.Locator
	MulticastLocators []types.Locator
}

// Marshal encodes e as a PL_CDR_LE parameter list, reusing the same
// parameter set for writer and reader announcements (the DDS-RTPS wire
// format does not distinguish the two beyond the EntityId kind byte
// already embedded in Guid).
func (e EndpointData) Marshal() ([]byte, error) {
	w := cdr.NewWriter(cdr.LittleEndian)
	pw := plist.NewWriter(w)

	if err := pw.WriteParameter(plist.PIDEndpointGuid, func(w *cdr.Writer) error {
		w.WriteBytes(e.Guid.Prefix[:])
		w.WriteBytes(e.Guid.Entity.EntityKey[:])
		w.WriteByte(e.Guid.Entity.EntityKind)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := pw.WriteParameter(plist.PIDTopicName, func(w *cdr.Writer) error { return w.WriteString(e.TopicName) }); err != nil {
		return nil, err
	}
	if err := pw.WriteParameter(plist.PIDTypeName, func(w *cdr.Writer) error { return w.WriteString(e.TypeName) }); err != nil {
		return nil, err
	}
	if err := pw.WriteParameter(plist.PIDReliability, func(w *cdr.Writer) error { w.WriteI32(int32(e.Qos.Reliability.Kind)); return nil }); err != nil {
		return nil, err
	}
	if err := pw.WriteParameter(plist.PIDDurability, func(w *cdr.Writer) error { w.WriteI32(int32(e.Qos.Durability.Kind)); return nil }); err != nil {
		return nil, err
	}
	if err := pw.WriteParameter(plist.PIDOwnership, func(w *cdr.Writer) error { w.WriteI32(int32(e.Qos.Ownership.Kind)); return nil }); err != nil {
		return nil, err
	}
	if err := pw.WriteParameter(plist.PIDOwnershipStrength, func(w *cdr.Writer) error { w.WriteI32(e.OwnershipStrength); return nil }); err != nil {
		return nil, err
	}
	if err := pw.WriteParameter(plist.PIDDestinationOrder, func(w *cdr.Writer) error { w.WriteI32(int32(e.Qos.DestinationOrder.Kind)); return nil }); err != nil {
		return nil, err
	}
	if len(e.Qos.Partition.Names) > 0 {
		if err := pw.WriteParameter(plist.PIDPartition, func(w *cdr.Writer) error { return writeStringSeq(w, e.Qos.Partition.Names) }); err != nil {
			return nil, err
		}
	}
	if err := writeLocatorList(pw, plist.PIDUnicastLocator, e.UnicastLocators); err != nil {
		return nil, err
	}
	if err := writeLocatorList(pw, plist.PIDMulticastLocator, e.MulticastLocators); err != nil {
		return nil, err
	}
	pw.Sentinel()
	return w.Bytes(), nil
}

func writeStringSeq(w *cdr.Writer, names []string) error {
	w.WriteSequenceLength(len(names))
	for _, n := range names {
		if err := w.WriteString(n); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalEndpointData decodes a DiscoveredWriterData/DiscoveredReaderData
// payload. PID_ENDPOINT_GUID and PID_TOPIC_NAME/PID_TYPE_NAME are
// mandatory; everything else falls back to schema defaults (spec.md §4.1).
func UnmarshalEndpointData(payload []byte) (EndpointData, error) {
	var e EndpointData
	r := cdr.NewReader(payload, cdr.LittleEndian)
	params, err := plist.ReadAll(r)
	if err != nil {
		return e, err
	}

	guidBody, err := plist.RequireBody(params, plist.PIDEndpointGuid, "endpoint_guid")
	if err != nil {
		return e, err
	}
	if len(guidBody) < types.GuidPrefixLength+4 {
		return e, ddserror.InvalidData
	}
	copy(e.Guid.Prefix[:], guidBody[:types.GuidPrefixLength])
	copy(e.Guid.Entity.EntityKey[:], guidBody[types.GuidPrefixLength:types.GuidPrefixLength+3])
	e.Guid.Entity.EntityKind = guidBody[types.GuidPrefixLength+3]

	topicBody, err := plist.RequireBody(params, plist.PIDTopicName, "topic_name")
	if err != nil {
		return e, err
	}
	if e.TopicName, err = readString(topicBody); err != nil {
		return e, err
	}
	typeBody, err := plist.RequireBody(params, plist.PIDTypeName, "type_name")
	if err != nil {
		return e, err
	}
	if e.TypeName, err = readString(typeBody); err != nil {
		return e, err
	}

	eq, err := EndpointQosFromParams(params)
	if err != nil {
		return e, err
	}
	e.Qos = eq

	if body, ok := plist.Find(params, plist.PIDOwnershipStrength); ok {
		if e.OwnershipStrength, err = readI32(body); err != nil {
			return e, err
		}
	}
	if body, ok := plist.Find(params, plist.PIDUnicastLocator); ok {
		if e.UnicastLocators, err = readLocator(body); err != nil {
			return e, err
		}
	}
	if body, ok := plist.Find(params, plist.PIDMulticastLocator); ok {
		if e.MulticastLocators, err = readLocator(body); err != nil {
			return e, err
		}
	}
	return e, nil
}

// TopicData is the decoded form of a DiscoveredTopicData sample (spec.md
// §4.5). godds treats topic announcements as informational only: they
// populate the built-in topic reader but do not themselves drive
// endpoint matching (that's done directly between writer and reader
// announcements).
type TopicData struct {
	TopicName string
	TypeName  string
	Qos       qos.EndpointQos
}

func (t TopicData) Marshal() ([]byte, error) {
	w := cdr.NewWriter(cdr.LittleEndian)
	pw := plist.NewWriter(w)
	if err := pw.WriteParameter(plist.PIDTopicName, func(w *cdr.Writer) error { return w.WriteString(t.TopicName) }); err != nil {
		return nil, err
	}
	if err := pw.WriteParameter(plist.PIDTypeName, func(w *cdr.Writer) error { return w.WriteString(t.TypeName) }); err != nil {
		return nil, err
	}
	pw.Sentinel()
	return w.Bytes(), nil
}

func UnmarshalTopicData(payload []byte) (TopicData, error) {
	var t TopicData
	r := cdr.NewReader(payload, cdr.LittleEndian)
	params, err := plist.ReadAll(r)
	if err != nil {
		return t, err
	}
	topicBody, err := plist.RequireBody(params, plist.PIDTopicName, "topic_name")
	if err != nil {
		return t, err
	}
	if t.TopicName, err = readString(topicBody); err != nil {
		return t, err
	}
	typeBody, err := plist.RequireBody(params, plist.PIDTypeName, "type_name")
	if err != nil {
		return t, err
	}
	t.TypeName, err = readString(typeBody)
	return t, err
}
