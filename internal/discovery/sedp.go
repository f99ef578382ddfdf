package discovery

import (
	"sync"

	"github.com/linkerd/godds/internal/qos"
	"github.com/linkerd/godds/internal/rtps/types"
)

// LocalReader is the subset of a local DataReader's identity SEDP needs
// to evaluate a match against a remote DiscoveredWriterData.
type LocalReader struct {
	Guid      types.Guid
	TopicName string
	TypeName  string
	Qos       qos.EndpointQos
}

// LocalWriter is the writer-side analog of LocalReader.
type LocalWriter struct {
	Guid      types.Guid
	TopicName string
	TypeName  string
	Qos       qos.EndpointQos
}

// Match reports whether a local reader and a remote writer should be
// matched, applying spec.md §4.5's rule exactly:
//
//	match(r, w) := r.topic_name == w.topic_name
//	             ∧ r.type_name  == w.type_name
//	             ∧ compatible_qos(r.qos, w.qos)
//	             ∧ partition_intersects(r.partition, w.partition)
//
// partition_intersects is folded into qos.CompatibleQos's own Partition
// check, so a single call covers both conjuncts.
func Match(readerTopic, readerType string, readerQos qos.EndpointQos, writerTopic, writerType string, writerQos qos.EndpointQos) (ok bool, incompatible []qos.IncompatiblePolicy) {
	if readerTopic != writerTopic || readerType != writerType {
		return false, nil
	}
	incompatible = qos.CompatibleQos(readerQos, writerQos)
	return len(incompatible) == 0, incompatible
}

// MatchEvent describes a single reader/writer pairing transition.
type MatchEvent struct {
	ReaderGuid types.Guid
	WriterGuid types.Guid
	Matched    bool
	Incompatible []qos.IncompatiblePolicy
}

// Endpoints tracks every locally-known reader and writer plus every
// remote reader/writer announced via SEDP, and maintains the current
// match graph between them. It is the engine behind spec.md §4.5's SEDP
// matching rule; it holds no transport or history-cache state of its
// own, only identities and QoS, so it can be driven directly from the
// decoded DiscoveredWriterData/DiscoveredReaderData stream.
type Endpoints struct {
	mu sync.Mutex

	localReaders  map[types.Guid]LocalReader
	localWriters  map[types.Guid]LocalWriter
	remoteWriters map[types.Guid]EndpointData
	remoteReaders map[types.Guid]EndpointData

	// matched[readerGuid][writerGuid] records the current match graph so
	// re-announcements and QoS updates can be diffed against it.
	matched map[types.Guid]map[types.Guid]bool
}

func NewEndpoints() *Endpoints {
	return &Endpoints{
		localReaders:  make(map[types.Guid]LocalReader),
		localWriters:  make(map[types.Guid]LocalWriter),
		remoteWriters: make(map[types.Guid]EndpointData),
		remoteReaders: make(map[types.Guid]EndpointData),
		matched:       make(map[types.Guid]map[types.Guid]bool),
	}
}

func (e *Endpoints) AddLocalReader(r LocalReader) []MatchEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localReaders[r.Guid] = r
	var events []MatchEvent
	for wg, w := range e.remoteWriters {
		events = append(events, e.evaluate(r.Guid, r.TopicName, r.TypeName, r.Qos, wg, w.TopicName, w.TypeName, w.Qos)...)
	}
	return events
}

func (e *Endpoints) AddLocalWriter(w LocalWriter) []MatchEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localWriters[w.Guid] = w
	var events []MatchEvent
	for rg, r := range e.remoteReaders {
		events = append(events, e.evaluate(rg, r.TopicName, r.TypeName, r.Qos, w.Guid, w.TopicName, w.TypeName, w.Qos)...)
	}
	return events
}

func (e *Endpoints) RemoveLocalReader(guid types.Guid) []MatchEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.localReaders, guid)
	return e.unmatchAllForReader(guid)
}

func (e *Endpoints) RemoveLocalWriter(guid types.Guid) []MatchEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.localWriters, guid)
	return e.unmatchAllForWriter(guid)
}

// OnDiscoveredWriter applies a remote DiscoveredWriterData announcement
// against every local reader.
func (e *Endpoints) OnDiscoveredWriter(w EndpointData) []MatchEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteWriters[w.Guid] = w
	var events []MatchEvent
	for rg, r := range e.localReaders {
		events = append(events, e.evaluate(rg, r.TopicName, r.TypeName, r.Qos, w.Guid, w.TopicName, w.TypeName, w.Qos)...)
	}
	return events
}

// OnDiscoveredReader applies a remote DiscoveredReaderData announcement
// against every local writer.
func (e *Endpoints) OnDiscoveredReader(r EndpointData) []MatchEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteReaders[r.Guid] = r
	var events []MatchEvent
	for wg, w := range e.localWriters {
		events = append(events, e.evaluate(r.Guid, r.TopicName, r.TypeName, r.Qos, wg, w.TopicName, w.TypeName, w.Qos)...)
	}
	return events
}

// RemoveRemoteWriter handles loss of a remote writer (peer lease expiry
// or explicit unregister), cascade-unmatching every local reader paired
// with it.
func (e *Endpoints) RemoveRemoteWriter(guid types.Guid) []MatchEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.remoteWriters, guid)
	return e.unmatchAllForWriter(guid)
}

func (e *Endpoints) RemoveRemoteReader(guid types.Guid) []MatchEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.remoteReaders, guid)
	return e.unmatchAllForReader(guid)
}

func (e *Endpoints) evaluate(readerGuid types.Guid, readerTopic, readerType string, readerQos qos.EndpointQos, writerGuid types.Guid, writerTopic, writerType string, writerQos qos.EndpointQos) []MatchEvent {
	ok, incompatible := Match(readerTopic, readerType, readerQos, writerTopic, writerType, writerQos)
	wasMatched := e.matched[readerGuid][writerGuid]
	if ok == wasMatched {
		return nil
	}
	if e.matched[readerGuid] == nil {
		e.matched[readerGuid] = make(map[types.Guid]bool)
	}
	e.matched[readerGuid][writerGuid] = ok
	return []MatchEvent{{ReaderGuid: readerGuid, WriterGuid: writerGuid, Matched: ok, Incompatible: incompatible}}
}

func (e *Endpoints) unmatchAllForReader(readerGuid types.Guid) []MatchEvent {
	var events []MatchEvent
	for wg, was := range e.matched[readerGuid] {
		if was {
			events = append(events, MatchEvent{ReaderGuid: readerGuid, WriterGuid: wg, Matched: false})
		}
	}
	delete(e.matched, readerGuid)
	return events
}

func (e *Endpoints) unmatchAllForWriter(writerGuid types.Guid) []MatchEvent {
	var events []MatchEvent
	for rg, peers := range e.matched {
		if peers[writerGuid] {
			events = append(events, MatchEvent{ReaderGuid: rg, WriterGuid: writerGuid, Matched: false})
			delete(peers, writerGuid)
		}
	}
	return events
}

// RemoveRemotePrefix drops every remote writer and reader belonging to
// prefix, cascading the unmatch events that follow (spec.md §4.5: an SPDP
// lease expiry for a peer implicitly withdraws every endpoint it had
// announced, since no explicit SEDP dispose is coming).
func (e *Endpoints) RemoveRemotePrefix(prefix types.GuidPrefix) []MatchEvent {
	e.mu.Lock()
	var writers, readers []types.Guid
	for guid := range e.remoteWriters {
		if guid.Prefix == prefix {
			writers = append(writers, guid)
		}
	}
	for guid := range e.remoteReaders {
		if guid.Prefix == prefix {
			readers = append(readers, guid)
		}
	}
	e.mu.Unlock()

	var events []MatchEvent
	for _, guid := range writers {
		events = append(events, e.RemoveRemoteWriter(guid)...)
	}
	for _, guid := range readers {
		events = append(events, e.RemoveRemoteReader(guid)...)
	}
	return events
}

// RemoteWriterStrength returns the OwnershipStrength a remote writer
// announced via SEDP, used by the reader-side ownership arbitration rule
// (spec.md §4.6) when a Data submessage arrives from it.
func (e *Endpoints) RemoteWriterStrength(guid types.Guid) (int32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.remoteWriters[guid]
	if !ok {
		return 0, false
	}
	return w.OwnershipStrength, true
}

// RemoteWriterLocators returns the locators a remote writer announced via
// SEDP, for the local reader's send loop to address AckNacks to.
func (e *Endpoints) RemoteWriterLocators(guid types.Guid) []types.Locator {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.remoteWriters[guid]
	if !ok {
		return nil
	}
	return w.UnicastLocators
}

// RemoteReaderLocators returns the locators a remote reader announced via
// SEDP, for the local writer's send loop to address Data/Heartbeat to.
func (e *Endpoints) RemoteReaderLocators(guid types.Guid) []types.Locator {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.remoteReaders[guid]
	if !ok {
		return nil
	}
	return r.UnicastLocators
}

// CurrentMatches returns every writer guid currently matched to reader.
func (e *Endpoints) CurrentMatches(readerGuid types.Guid) []types.Guid {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []types.Guid
	for wg, ok := range e.matched[readerGuid] {
		if ok {
			out = append(out, wg)
		}
	}
	return out
}
