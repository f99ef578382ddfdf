package dds

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	logging "github.com/sirupsen/logrus"

	"github.com/linkerd/godds/internal/discovery"
	"github.com/linkerd/godds/internal/history"
	"github.com/linkerd/godds/internal/qos"
	"github.com/linkerd/godds/internal/rtps"
	"github.com/linkerd/godds/internal/rtps/cdr"
	"github.com/linkerd/godds/internal/rtps/message"
	"github.com/linkerd/godds/internal/rtps/reader"
	"github.com/linkerd/godds/internal/rtps/types"
	"github.com/linkerd/godds/internal/rtps/writer"
	"github.com/linkerd/godds/internal/status"
)

const (
	writerEntityKind = types.EntityKindUserDefinedWriterWithKey
	readerEntityKind = types.EntityKindUserDefinedReaderWithKey
)

// ParticipantConfig carries the construction-time parameters spec.md §3
// assigns to a DomainParticipant plus the SPDP announcement period
// SPEC_FULL §4.5 adds.
type ParticipantConfig struct {
	DomainId             int32
	DomainTag            string
	GuidPrefix           types.GuidPrefix
	DefaultUnicastLocators []types.Locator
	MetatrafficUnicastLocators []types.Locator
	MetatrafficMulticastLocators []types.Locator
	LeaseDuration        time.Duration
	AnnouncePeriod       time.Duration
}

// builtinMetrics are the Prometheus series a DomainParticipant exposes
// (SPEC_FULL §1 ambient stack), named the way
// controller/api/destination/prometheus.go scopes its counters.
type builtinMetrics struct {
	mailboxOverflow   prometheus.Counter
	spdpPeersLost     prometheus.Counter
	sedpMatches       prometheus.Counter
	retransmittedData prometheus.Counter
}

// DomainParticipant is the root actor (spec.md §3/§4.8): it owns the
// participant's GuidPrefix, its four built-in endpoint pairs, the SPDP
// peer table, the SEDP match engine, and the Transport connection used
// by every entity it contains.
type DomainParticipant struct {
	Guid   types.Guid
	Config ParticipantConfig

	ctx    context.Context
	cancel context.CancelFunc
	log    *logging.Entry

	transport rtps.Transport
	spdp      *discovery.SPDPAgent
	endpoints *discovery.Endpoints
	status    *status.Sink

	metrics         builtinMetrics
	mailboxOverflow prometheus.Counter

	// Built-in SEDP endpoints: stateful reliable pairs whose history
	// caches are KeepLast(1)/TransientLocal (SPEC_FULL §4.2), reusing the
	// generic writer/reader cache code rather than a bespoke path.
	sedpPubWriter   *writer.StatefulWriter
	sedpPubReader   *reader.StatefulReader
	sedpPubCache    *history.WriterCache
	sedpPubRCache   *history.ReaderCache
	sedpSubWriter   *writer.StatefulWriter
	sedpSubReader   *reader.StatefulReader
	sedpSubCache    *history.WriterCache
	sedpSubRCache   *history.ReaderCache
	sedpTopicWriter *writer.StatefulWriter
	sedpTopicReader *reader.StatefulReader
	sedpTopicCache  *history.WriterCache
	sedpTopicRCache *history.ReaderCache

	mu            sync.Mutex
	nextEntityKey uint32
	spdpSeqNum    types.SequenceNumber
	topics        map[string]*Topic
	localWriters  map[types.Guid]*DataWriter
	localReaders  map[types.Guid]*DataReader
}

func newDomainParticipant(cfg ParticipantConfig, tr rtps.Transport, log *logging.Entry, metrics builtinMetrics) *DomainParticipant {
	ctx, cancel := context.WithCancel(context.Background())
	guid := types.Guid{Prefix: cfg.GuidPrefix, Entity: types.EntityId{EntityKind: types.EntityKindBuiltinParticipant}}

	// Builtin SEDP endpoints are mandated TransientLocal/Reliable
	// KeepLast(1) by the RTPS spec, not user-configurable; they are
	// threaded through the same EndpointQos.OrDefault() path real
	// endpoints use so there is one history/limits normalization rule.
	builtinQos := qos.EndpointQos{
		Reliability: qos.Reliability{Kind: qos.Reliable},
		Durability:  qos.Durability{Kind: qos.TransientLocal},
		History:     qos.History{Kind: qos.KeepLast, Depth: 1},
	}
	builtinHistory := builtinQos.History.OrDefault()
	builtinLimits := builtinQos.ResourceLimits.OrDefault()

	newPubCache := history.NewWriterCache(builtinHistory, builtinLimits, true)
	newSubCache := history.NewWriterCache(builtinHistory, builtinLimits, true)
	newTopicCache := history.NewWriterCache(builtinHistory, builtinLimits, true)

	p := &DomainParticipant{
		Guid:      guid,
		Config:    cfg,
		ctx:       ctx,
		cancel:    cancel,
		log:       log,
		transport: tr,
		spdp:      discovery.NewSPDPAgent(log.WithField("component", "spdp")),
		endpoints: discovery.NewEndpoints(),
		status:    status.NewSink(),
		metrics:   metrics,
		mailboxOverflow: metrics.mailboxOverflow,

		sedpPubWriter: writer.NewStatefulWriter(types.Guid{Prefix: cfg.GuidPrefix, Entity: types.EntityIdSEDPBuiltinPublicationsWriter}, qos.Reliability{Kind: qos.Reliable}, newPubCache),
		sedpPubReader: reader.NewStatefulReader(types.Guid{Prefix: cfg.GuidPrefix, Entity: types.EntityIdSEDPBuiltinPublicationsReader}),
		sedpPubCache:  newPubCache,
		sedpPubRCache: history.NewReaderCache(builtinHistory, builtinLimits, qos.DestinationOrder{}, qos.TimeBasedFilter{}, qos.Ownership{}),

		sedpSubWriter: writer.NewStatefulWriter(types.Guid{Prefix: cfg.GuidPrefix, Entity: types.EntityIdSEDPBuiltinSubscriptionsWriter}, qos.Reliability{Kind: qos.Reliable}, newSubCache),
		sedpSubReader: reader.NewStatefulReader(types.Guid{Prefix: cfg.GuidPrefix, Entity: types.EntityIdSEDPBuiltinSubscriptionsReader}),
		sedpSubCache:  newSubCache,
		sedpSubRCache: history.NewReaderCache(builtinHistory, builtinLimits, qos.DestinationOrder{}, qos.TimeBasedFilter{}, qos.Ownership{}),

		sedpTopicWriter: writer.NewStatefulWriter(types.Guid{Prefix: cfg.GuidPrefix, Entity: types.EntityIdSEDPBuiltinTopicsWriter}, qos.Reliability{Kind: qos.Reliable}, newTopicCache),
		sedpTopicReader: reader.NewStatefulReader(types.Guid{Prefix: cfg.GuidPrefix, Entity: types.EntityIdSEDPBuiltinTopicsReader}),
		sedpTopicCache:  newTopicCache,
		sedpTopicRCache: history.NewReaderCache(builtinHistory, builtinLimits, qos.DestinationOrder{}, qos.TimeBasedFilter{}, qos.Ownership{}),

		topics:       make(map[string]*Topic),
		localWriters: make(map[types.Guid]*DataWriter),
		localReaders: make(map[types.Guid]*DataReader),
	}

	p.spdp.OnPeerFound(p.onPeerFound)
	p.spdp.OnPeerLost(p.onPeerLost)
	return p
}

func (p *DomainParticipant) nextEndpointGuid(kind byte) types.Guid {
	p.mu.Lock()
	p.nextEntityKey++
	key := p.nextEntityKey
	p.mu.Unlock()
	return types.Guid{
		Prefix: p.Config.GuidPrefix,
		Entity: types.EntityId{EntityKey: [3]byte{byte(key >> 16), byte(key >> 8), byte(key)}, EntityKind: kind},
	}
}

// CreateTopic registers name/typeName if not already known, or retrieves
// the existing Topic (spec.md §3: reference-counted).
func (p *DomainParticipant) CreateTopic(name, typeName string, q qos.EndpointQos) *Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t
	}
	t := newTopic(name, typeName, q)
	p.topics[name] = t
	return t
}

func (p *DomainParticipant) DeleteTopic(t *Topic) error {
	if err := t.deletePrecondition(); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.topics, t.Name)
	p.mu.Unlock()
	return nil
}

func (p *DomainParticipant) CreatePublisher() *Publisher   { return newPublisher(p) }
func (p *DomainParticipant) CreateSubscriber() *Subscriber { return newSubscriber(p) }

func (p *DomainParticipant) Status() *status.Sink { return p.status }

// Peers returns every remote participant currently known via SPDP.
func (p *DomainParticipant) Peers() []discovery.Peer { return p.spdp.Peers() }

func (p *DomainParticipant) registerWriter(dw *DataWriter) {
	p.mu.Lock()
	p.localWriters[dw.Guid] = dw
	p.mu.Unlock()
}

func (p *DomainParticipant) unregisterWriter(dw *DataWriter) {
	p.mu.Lock()
	delete(p.localWriters, dw.Guid)
	p.mu.Unlock()
	events := p.endpoints.RemoveLocalWriter(dw.Guid)
	p.applyMatchEvents(events)
}

func (p *DomainParticipant) registerReader(dr *DataReader) {
	p.mu.Lock()
	p.localReaders[dr.Guid] = dr
	p.mu.Unlock()
}

func (p *DomainParticipant) unregisterReader(dr *DataReader) {
	p.mu.Lock()
	delete(p.localReaders, dr.Guid)
	p.mu.Unlock()
	events := p.endpoints.RemoveLocalReader(dr.Guid)
	p.applyMatchEvents(events)
}

// announceWriter publishes dw as a DiscoveredWriterData over the
// built-in publications writer and evaluates it against every remote
// reader already known (spec.md §4.5).
func (p *DomainParticipant) announceWriter(dw *DataWriter) {
	events := p.endpoints.AddLocalWriter(discovery.LocalWriter{Guid: dw.Guid, TopicName: dw.Topic.Name, TypeName: dw.Topic.TypeName, Qos: dw.Qos})
	p.applyMatchEvents(events)

	data := discovery.EndpointData{
		Guid:              dw.Guid,
		TopicName:         dw.Topic.Name,
		TypeName:          dw.Topic.TypeName,
		Qos:               dw.Qos,
		OwnershipStrength: dw.Qos.OwnershipStrength.Value,
		UnicastLocators:   p.Config.DefaultUnicastLocators,
	}
	payload, err := data.Marshal()
	if err != nil {
		p.log.WithField("error", err).Error("marshal discovered writer data")
		return
	}
	pubWriterGuid := types.Guid{Prefix: p.Config.GuidPrefix, Entity: types.EntityIdSEDPBuiltinPublicationsWriter}
	sn := p.nextBuiltinSeqNum(p.sedpPubCache, pubWriterGuid)
	_ = p.sedpPubCache.AddChange(history.CacheChange{Kind: history.Alive, WriterGuid: pubWriterGuid, InstanceHandle: types.InstanceHandleFromKey(dw.Guid.Entity.EntityKey[:]), SequenceNumber: sn, SerializedPayload: payload})
}

func (p *DomainParticipant) announceReader(dr *DataReader) {
	events := p.endpoints.AddLocalReader(discovery.LocalReader{Guid: dr.Guid, TopicName: dr.Topic.Name, TypeName: dr.Topic.TypeName, Qos: dr.Qos})
	p.applyMatchEvents(events)

	data := discovery.EndpointData{Guid: dr.Guid, TopicName: dr.Topic.Name, TypeName: dr.Topic.TypeName, Qos: dr.Qos, UnicastLocators: p.Config.DefaultUnicastLocators}
	payload, err := data.Marshal()
	if err != nil {
		p.log.WithField("error", err).Error("marshal discovered reader data")
		return
	}
	subWriterGuid := types.Guid{Prefix: p.Config.GuidPrefix, Entity: types.EntityIdSEDPBuiltinSubscriptionsWriter}
	sn := p.nextBuiltinSeqNum(p.sedpSubCache, subWriterGuid)
	_ = p.sedpSubCache.AddChange(history.CacheChange{Kind: history.Alive, WriterGuid: subWriterGuid, InstanceHandle: types.InstanceHandleFromKey(dr.Guid.Entity.EntityKey[:]), SequenceNumber: sn, SerializedPayload: payload})
}

func (p *DomainParticipant) nextBuiltinSeqNum(cache *history.WriterCache, writerGuid types.Guid) types.SequenceNumber {
	max, ok := cache.GetSeqNumMax(writerGuid)
	if !ok {
		return 1
	}
	return max + 1
}

// applyMatchEvents wires a batch of discovery.MatchEvent into the local
// StatefulWriter/StatefulReader proxy sets (spec.md §4.5 "On match: add
// counterpart ReaderProxy/WriterProxy ... On unmatch: cascade removal").
func (p *DomainParticipant) applyMatchEvents(events []discovery.MatchEvent) {
	for _, ev := range events {
		p.mu.Lock()
		dw, hasWriter := p.localWriters[ev.WriterGuid]
		dr, hasReader := p.localReaders[ev.ReaderGuid]
		p.mu.Unlock()

		if ev.Matched {
			if hasWriter {
				dw.MatchReader(ev.ReaderGuid, p.endpoints.RemoteReaderLocators(ev.ReaderGuid))
			}
			if hasReader {
				dr.MatchWriter(ev.WriterGuid, p.endpoints.RemoteWriterLocators(ev.WriterGuid))
			}
		} else {
			if hasWriter {
				dw.UnmatchReader(ev.ReaderGuid)
			}
			if hasReader {
				dr.UnmatchWriter(ev.WriterGuid)
			}
		}
	}
}

func (p *DomainParticipant) onPeerFound(peer discovery.Peer) {
	p.log.WithField("peer", peer.Data.GuidPrefix.String()).Info("spdp peer discovered")
	if peer.Data.BuiltinEndpoints.Has(discovery.BuiltinEndpointPublicationsAnnouncer) {
		p.sedpPubReader.MatchWriter(types.Guid{Prefix: peer.Data.GuidPrefix, Entity: types.EntityIdSEDPBuiltinPublicationsWriter}, peer.Data.MetatrafficUnicastLocators)
	}
	if peer.Data.BuiltinEndpoints.Has(discovery.BuiltinEndpointSubscriptionsAnnouncer) {
		p.sedpSubReader.MatchWriter(types.Guid{Prefix: peer.Data.GuidPrefix, Entity: types.EntityIdSEDPBuiltinSubscriptionsWriter}, peer.Data.MetatrafficUnicastLocators)
	}
	if peer.Data.BuiltinEndpoints.Has(discovery.BuiltinEndpointTopicsAnnouncer) {
		p.sedpTopicReader.MatchWriter(types.Guid{Prefix: peer.Data.GuidPrefix, Entity: types.EntityIdSEDPBuiltinTopicsWriter}, peer.Data.MetatrafficUnicastLocators)
	}
	if peer.Data.BuiltinEndpoints.Has(discovery.BuiltinEndpointPublicationsDetector) {
		p.sedpPubWriter.MatchReader(types.Guid{Prefix: peer.Data.GuidPrefix, Entity: types.EntityIdSEDPBuiltinPublicationsReader}, peer.Data.MetatrafficUnicastLocators)
	}
	if peer.Data.BuiltinEndpoints.Has(discovery.BuiltinEndpointSubscriptionsDetector) {
		p.sedpSubWriter.MatchReader(types.Guid{Prefix: peer.Data.GuidPrefix, Entity: types.EntityIdSEDPBuiltinSubscriptionsReader}, peer.Data.MetatrafficUnicastLocators)
	}
}

func (p *DomainParticipant) onPeerLost(prefix types.GuidPrefix) {
	p.metrics.spdpPeersLost.Inc()
	p.log.WithField("peer", prefix.String()).Warn("spdp peer lost, cascading unmatch")
	p.sedpPubReader.UnmatchWriter(types.Guid{Prefix: prefix, Entity: types.EntityIdSEDPBuiltinPublicationsWriter})
	p.sedpSubReader.UnmatchWriter(types.Guid{Prefix: prefix, Entity: types.EntityIdSEDPBuiltinSubscriptionsWriter})
	p.sedpTopicReader.UnmatchWriter(types.Guid{Prefix: prefix, Entity: types.EntityIdSEDPBuiltinTopicsWriter})
	p.sedpPubWriter.UnmatchReader(types.Guid{Prefix: prefix, Entity: types.EntityIdSEDPBuiltinPublicationsReader})
	p.sedpSubWriter.UnmatchReader(types.Guid{Prefix: prefix, Entity: types.EntityIdSEDPBuiltinSubscriptionsReader})

	p.applyMatchEvents(p.endpoints.RemoveRemotePrefix(prefix))
}

// onDiscoveredWriterPayload decodes and applies a SEDP publications
// announcement received on sedpPubReader.
func (p *DomainParticipant) onDiscoveredWriterPayload(payload []byte) {
	data, err := discovery.UnmarshalEndpointData(payload)
	if err != nil {
		p.log.WithField("error", err).Warn("discard malformed DiscoveredWriterData")
		return
	}
	p.applyMatchEvents(p.endpoints.OnDiscoveredWriter(data))
}

func (p *DomainParticipant) onDiscoveredReaderPayload(payload []byte) {
	data, err := discovery.UnmarshalEndpointData(payload)
	if err != nil {
		p.log.WithField("error", err).Warn("discard malformed DiscoveredReaderData")
		return
	}
	p.applyMatchEvents(p.endpoints.OnDiscoveredReader(data))
}

// Close tears down the participant: cancels every actor's context and
// closes the transport.
func (p *DomainParticipant) Close() error {
	p.cancel()
	return p.transport.Close()
}

// handleDatagram dispatches one received RTPS datagram to the matching
// local built-in or user endpoint (spec.md §4.9). A participant owns
// exactly one Transport, so InfoDestination's rebind target is always
// this participant and carries no routing consequence; InfoSource rebinds
// the source GuidPrefix and InfoTimestamp the source_timestamp for
// subsequent submessages in the same datagram.
func (p *DomainParticipant) handleDatagram(raw []byte) {
	header, submessages, err := message.Parse(raw)
	if err != nil {
		p.log.WithField("error", err).Debug("drop unparseable datagram")
		return
	}
	sourcePrefix := header.GuidPrefix
	sourceTimestamp := time.Now()

	for _, sm := range submessages {
		switch body := sm.Body.(type) {
		case message.InfoTimestamp:
			if !body.Invalidate {
				sourceTimestamp = time.Unix(int64(body.Seconds), int64(float64(body.Fraction)/4294967296.0*1e9))
			}
		case message.InfoSource:
			sourcePrefix = body.GuidPrefix
		case message.Data:
			p.routeData(sourcePrefix, body, sourceTimestamp)
		case message.Heartbeat:
			p.routeHeartbeat(sourcePrefix, body)
		case message.Gap:
			p.routeGap(sourcePrefix, body)
		case message.AckNack:
			p.routeAckNack(sourcePrefix, body)
		case message.NackFrag:
			p.routeNackFrag(sourcePrefix, body)
		}
	}
}

func (p *DomainParticipant) routeData(sourcePrefix types.GuidPrefix, d message.Data, ts time.Time) {
	switch d.ReaderId {
	case types.EntityIdSPDPBuiltinParticipantReader:
		data, err := discovery.UnmarshalParticipantData(d.SerializedPayload)
		if err != nil {
			p.log.WithField("error", err).Warn("discard malformed SpdpDiscoveredParticipantData")
			return
		}
		p.spdp.ReceiveAnnouncement(d.SerializedPayload, data)
		return
	case types.EntityIdSEDPBuiltinPublicationsReader:
		if !p.sedpPubReader.OnData(sourcePrefix, d.WriterId, d.WriterSN) {
			return
		}
		p.onDiscoveredWriterPayload(d.SerializedPayload)
		return
	case types.EntityIdSEDPBuiltinSubscriptionsReader:
		if !p.sedpSubReader.OnData(sourcePrefix, d.WriterId, d.WriterSN) {
			return
		}
		p.onDiscoveredReaderPayload(d.SerializedPayload)
		return
	case types.EntityIdSEDPBuiltinTopicsReader:
		p.sedpTopicReader.OnData(sourcePrefix, d.WriterId, d.WriterSN)
		return
	}

	writerGuid := types.Guid{Prefix: sourcePrefix, Entity: d.WriterId}
	p.mu.Lock()
	var target *DataReader
	for guid, dr := range p.localReaders {
		if guid.Entity == d.ReaderId {
			target = dr
			break
		}
	}
	p.mu.Unlock()
	if target == nil {
		return
	}
	strength := p.ownershipStrengthOf(writerGuid)
	target.OnData(sourcePrefix, d, strength, ts)
}

func (p *DomainParticipant) ownershipStrengthOf(writerGuid types.Guid) int32 {
	strength, _ := p.endpoints.RemoteWriterStrength(writerGuid)
	return strength
}

func (p *DomainParticipant) routeHeartbeat(sourcePrefix types.GuidPrefix, hb message.Heartbeat) {
	switch hb.WriterId {
	case types.EntityIdSEDPBuiltinPublicationsWriter:
		p.sedpPubReader.OnHeartbeat(sourcePrefix, hb)
		return
	case types.EntityIdSEDPBuiltinSubscriptionsWriter:
		p.sedpSubReader.OnHeartbeat(sourcePrefix, hb)
		return
	case types.EntityIdSEDPBuiltinTopicsWriter:
		p.sedpTopicReader.OnHeartbeat(sourcePrefix, hb)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for guid, dr := range p.localReaders {
		if guid.Entity == hb.ReaderId {
			dr.OnHeartbeat(sourcePrefix, hb)
			return
		}
	}
}

func (p *DomainParticipant) routeGap(sourcePrefix types.GuidPrefix, g message.Gap) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for guid, dr := range p.localReaders {
		if guid.Entity == g.ReaderId {
			dr.OnGap(sourcePrefix, g)
			return
		}
	}
}

func (p *DomainParticipant) routeAckNack(sourcePrefix types.GuidPrefix, an message.AckNack) {
	switch an.WriterId {
	case types.EntityIdSEDPBuiltinPublicationsWriter:
		p.sedpPubWriter.ProcessAckNack(sourcePrefix, an)
		return
	case types.EntityIdSEDPBuiltinSubscriptionsWriter:
		p.sedpSubWriter.ProcessAckNack(sourcePrefix, an)
		return
	case types.EntityIdSEDPBuiltinTopicsWriter:
		p.sedpTopicWriter.ProcessAckNack(sourcePrefix, an)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for guid, dw := range p.localWriters {
		if guid.Entity == an.WriterId {
			dw.ProcessAckNack(sourcePrefix, an)
			return
		}
	}
}

func (p *DomainParticipant) routeNackFrag(sourcePrefix types.GuidPrefix, n message.NackFrag) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for guid, dw := range p.localWriters {
		if guid.Entity == n.WriterId {
			dw.ProcessNackFrag(sourcePrefix, n)
			return
		}
	}
}

// recvLoop is the participant's transport-read goroutine; it is a
// suspension point per spec.md §5 and is the only place raw datagrams
// enter the system.
func (p *DomainParticipant) recvLoop() {
	for {
		raw, _, err := p.transport.Recv(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			continue
		}
		p.handleDatagram(raw)
	}
}

// announceLoop periodically sends SpdpDiscoveredParticipantData to the
// configured multicast/unicast discovery locators (spec.md §4.5: "The
// participant announces itself periodically").
func (p *DomainParticipant) announceLoop(locators []types.Locator) {
	period := p.Config.AnnouncePeriod
	if period <= 0 {
		period = 5 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.sendParticipantAnnouncement(locators)
		}
	}
}

func (p *DomainParticipant) sendParticipantAnnouncement(locators []types.Locator) {
	data := discovery.ParticipantData{
		DomainId:                   p.Config.DomainId,
		DomainTag:                  p.Config.DomainTag,
		ProtocolVersion:            types.ProtocolVersion24,
		VendorId:                   types.VendorIdGodds,
		GuidPrefix:                 p.Config.GuidPrefix,
		MetatrafficUnicastLocators: p.Config.MetatrafficUnicastLocators,
		MetatrafficMulticastLocators: p.Config.MetatrafficMulticastLocators,
		DefaultUnicastLocators:     p.Config.DefaultUnicastLocators,
		BuiltinEndpoints: discovery.BuiltinEndpointParticipantAnnouncer | discovery.BuiltinEndpointParticipantDetector |
			discovery.BuiltinEndpointPublicationsAnnouncer | discovery.BuiltinEndpointPublicationsDetector |
			discovery.BuiltinEndpointSubscriptionsAnnouncer | discovery.BuiltinEndpointSubscriptionsDetector |
			discovery.BuiltinEndpointTopicsAnnouncer | discovery.BuiltinEndpointTopicsDetector,
		LeaseDurationSeconds: p.Config.LeaseDuration.Seconds(),
	}
	payload, err := data.Marshal()
	if err != nil {
		p.log.WithField("error", err).Error("marshal participant announcement")
		return
	}
	p.mu.Lock()
	p.spdpSeqNum++
	sn := p.spdpSeqNum
	p.mu.Unlock()

	body := message.Data{
		ReaderId:          types.EntityIdSPDPBuiltinParticipantReader,
		WriterId:          types.EntityIdSPDPBuiltinParticipantWriter,
		WriterSN:          sn,
		SerializedPayload: payload,
	}
	p.sendBodiesTo(locators, []message.Body{body})
}

// sendBodiesTo assembles bodies under this participant's wire header and
// sends the resulting datagrams to every locator. It is the one place
// RTPS submessages actually reach the transport, shared by SPDP
// announcement and the reliability send loop below.
func (p *DomainParticipant) sendBodiesTo(locators []types.Locator, bodies []message.Body) {
	if len(bodies) == 0 || len(locators) == 0 {
		return
	}
	header := message.Header{Version: types.ProtocolVersion24, VendorId: types.VendorIdGodds, GuidPrefix: p.Config.GuidPrefix}
	assembler := message.NewAssembler(header, cdr.LittleEndian, p.transport.MTU())
	datagrams := assembler.Pack(bodies)
	for _, loc := range locators {
		for _, dg := range datagrams {
			if err := p.transport.Send(p.ctx, loc, dg.Bytes); err != nil {
				p.log.WithField("error", err).Debug("send rtps datagram")
			}
		}
	}
}

// sendLoop is the participant's reliability-protocol output side (spec.md
// §4.3 step 4): on every tick it drains each matched ReaderProxy's pending
// Data/Gap plus a fresh Heartbeat for every local and builtin
// StatefulWriter, and builds a fresh AckNack for each matched WriterProxy
// of every local and builtin StatefulReader. Without this loop a Write
// only ever mutates the local history cache; this is what actually puts
// bytes on the wire.
func (p *DomainParticipant) sendLoop() {
	period := p.Config.AnnouncePeriod
	if period <= 0 {
		period = 5 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.drainWriters()
			p.drainReaders()
		}
	}
}

// writerDrainer is the subset of DataWriter's wire-facing API the send
// loop needs; *DataWriter and *writer.StatefulWriter (the participant's
// builtin SEDP writers) both satisfy it, so one loop drives both.
type writerDrainer interface {
	ReaderProxies() []*writer.ReaderProxy
	Drain(rp *writer.ReaderProxy) []message.Body
	NextHeartbeat(readerId types.EntityId) message.Heartbeat
}

// readerAckNacker is the reader-side analog of writerDrainer.
type readerAckNacker interface {
	WriterProxies() []*reader.WriterProxy
	NextAckNack(wp *reader.WriterProxy) message.AckNack
}

func (p *DomainParticipant) drainWriters() {
	p.mu.Lock()
	drainers := make([]writerDrainer, 0, len(p.localWriters)+3)
	for _, dw := range p.localWriters {
		drainers = append(drainers, dw)
	}
	p.mu.Unlock()
	drainers = append(drainers, p.sedpPubWriter, p.sedpSubWriter, p.sedpTopicWriter)

	for _, dw := range drainers {
		for _, rp := range dw.ReaderProxies() {
			bodies := dw.Drain(rp)
			bodies = append(bodies, dw.NextHeartbeat(rp.RemoteReaderGuid.Entity))
			p.sendBodiesTo(rp.Locators, bodies)
		}
	}
}

func (p *DomainParticipant) drainReaders() {
	p.mu.Lock()
	ackNackers := make([]readerAckNacker, 0, len(p.localReaders)+3)
	for _, dr := range p.localReaders {
		ackNackers = append(ackNackers, dr)
	}
	p.mu.Unlock()
	ackNackers = append(ackNackers, p.sedpPubReader, p.sedpSubReader, p.sedpTopicReader)

	for _, dr := range ackNackers {
		for _, wp := range dr.WriterProxies() {
			an := dr.NextAckNack(wp)
			p.sendBodiesTo(wp.Locators, []message.Body{an})
		}
	}
}
