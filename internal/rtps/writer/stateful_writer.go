package writer

import (
	"sort"
	"sync"

	"github.com/linkerd/godds/internal/history"
	"github.com/linkerd/godds/internal/qos"
	"github.com/linkerd/godds/internal/rtps/message"
	"github.com/linkerd/godds/internal/rtps/types"
)

// DataMaxSizeSerialized is the default payload size above which a change
// is fragmented into DataFrag submessages (spec.md §4.3).
const DataMaxSizeSerialized = 1344

// StatefulWriter implements spec.md §4.3's Reliable writer behavior; it is
// also used, with Reliability=BestEffort, for the BestEffort case since
// the only difference is whether heartbeats/acknacks are exchanged at all.
type StatefulWriter struct {
	Guid        types.Guid
	Reliability qos.Reliability
	Cache       *history.WriterCache

	mu              sync.Mutex
	proxies         map[types.Guid]*ReaderProxy
	heartbeatCount  int32
	fragmentSize    int
}

func NewStatefulWriter(guid types.Guid, reliability qos.Reliability, cache *history.WriterCache) *StatefulWriter {
	w := &StatefulWriter{
		Guid:         guid,
		Reliability:  reliability,
		Cache:        cache,
		proxies:      make(map[types.Guid]*ReaderProxy),
		fragmentSize: DataMaxSizeSerialized,
	}
	cache.OnAddChange(w.onAddChange)
	return w
}

func (w *StatefulWriter) onAddChange(ch history.CacheChange) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, rp := range w.proxies {
		rp.add(ch.SequenceNumber, w.Cache.PushMode)
	}
}

// MatchReader adds a ReaderProxy for a newly matched remote reader
// (spec.md §3 Lifecycles), seeding its delivery table with every change
// currently retained in the writer's history.
func (w *StatefulWriter) MatchReader(guid types.Guid, locators []types.Locator) *ReaderProxy {
	w.mu.Lock()
	defer w.mu.Unlock()
	rp := newReaderProxy(guid, locators)
	for _, ch := range w.Cache.Changes() {
		if ch.WriterGuid == w.Guid {
			rp.add(ch.SequenceNumber, w.Cache.PushMode)
		}
	}
	w.proxies[guid] = rp
	return rp
}

// UnmatchReader removes guid's ReaderProxy; all its pending retransmissions
// are simply discarded along with it (spec.md §3 Lifecycles).
func (w *StatefulWriter) UnmatchReader(guid types.Guid) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.proxies, guid)
}

// ReaderProxies returns every currently matched proxy.
func (w *StatefulWriter) ReaderProxies() []*ReaderProxy {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*ReaderProxy, 0, len(w.proxies))
	for _, rp := range w.proxies {
		out = append(out, rp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteReaderGuid.String() < out[j].RemoteReaderGuid.String() })
	return out
}

// NextHeartbeat builds the Heartbeat submessage for the writer's current
// sequence-number range, bumping the shared monotonic count (spec.md §4.3).
func (w *StatefulWriter) NextHeartbeat(readerId types.EntityId) message.Heartbeat {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.heartbeatCount++
	first, hasFirst := w.Cache.GetSeqNumMin(w.Guid)
	last, hasLast := w.Cache.GetSeqNumMax(w.Guid)
	if !hasFirst || !hasLast {
		first, last = types.SequenceNumberUnknown, types.SequenceNumberUnknown
	}
	return message.Heartbeat{
		ReaderId: readerId,
		WriterId: w.Guid.Entity,
		FirstSN:  first,
		LastSN:   last,
		Count:    w.heartbeatCount,
	}
}

// ProcessAckNack applies spec.md §4.3's reception rules: stale (count ≤
// last-seen) AckNacks are ignored; otherwise everything below base is
// Acknowledged and every bitmap-listed SN is Requested. sourcePrefix is
// the GuidPrefix of the datagram's source participant (the RTPS header's
// GuidPrefix), which combines with an.ReaderId to name the remote reader.
func (w *StatefulWriter) ProcessAckNack(sourcePrefix types.GuidPrefix, an message.AckNack) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rp, ok := w.proxies[types.Guid{Prefix: sourcePrefix, Entity: an.ReaderId}]
	if !ok {
		return
	}
	if an.Count <= rp.lastReceivedAckNackCount {
		return
	}
	rp.lastReceivedAckNackCount = an.Count

	for sn, e := range rp.changesForReader {
		if sn < an.ReaderSNState.Base {
			e.Status = Acknowledged
		}
	}
	for _, sn := range an.ReaderSNState.Members() {
		if e, ok := rp.changesForReader[sn]; ok && e.Status != Acknowledged {
			e.Status = Requested
		}
	}
}

// Drain produces the submessages due to be sent to rp right now: DATA (or
// DATA_FRAG, for oversized payloads) for every Requested/Unsent entry
// still retained in the cache, and GAP for entries the writer has already
// evicted (spec.md §4.3 step 4). Drained Unsent/Requested entries move to
// Underway; BestEffort entries go straight to Underway without needing an
// AckNack round-trip since nothing ever requests them again.
func (w *StatefulWriter) Drain(rp *ReaderProxy) (bodies []message.Body) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var gapSNs []types.SequenceNumber
	for _, e := range rp.sortedEntries() {
		if e.Status != Unsent && e.Status != Requested {
			continue
		}
		if !e.IsRelevant {
			gapSNs = append(gapSNs, e.SequenceNumber)
			e.Status = Underway
			continue
		}
		ch, ok := cacheHasChange(w.Cache.Cache, w.Guid, e.SequenceNumber)
		if !ok {
			gapSNs = append(gapSNs, e.SequenceNumber)
			e.Status = Underway
			continue
		}
		bodies = append(bodies, w.dataBodiesFor(rp.RemoteReaderGuid.Entity, ch)...)
		e.Status = Underway
	}
	if len(gapSNs) > 0 {
		sort.Slice(gapSNs, func(i, j int) bool { return gapSNs[i] < gapSNs[j] })
		bodies = append(bodies, message.Gap{
			ReaderId: rp.RemoteReaderGuid.Entity,
			WriterId: w.Guid.Entity,
			GapStart: gapSNs[0],
			GapList:  message.NewSequenceNumberSetFromSorted(gapSNs[0], gapSNs),
		})
	}
	return bodies
}

// dataBodiesFor returns one Data submessage, or a run of DataFrag
// submessages plus a HeartbeatFrag if ch's payload exceeds fragmentSize.
func (w *StatefulWriter) dataBodiesFor(readerId types.EntityId, ch history.CacheChange) []message.Body {
	keyOnly := ch.Kind != history.Alive
	if len(ch.SerializedPayload) <= w.fragmentSize {
		return []message.Body{message.Data{
			ReaderId:          readerId,
			WriterId:          w.Guid.Entity,
			WriterSN:          ch.SequenceNumber,
			InlineQos:         ch.InlineQos,
			SerializedPayload: ch.SerializedPayload,
			KeyOnly:           keyOnly,
		}}
	}

	var bodies []message.Body
	total := len(ch.SerializedPayload)
	numFragments := (total + w.fragmentSize - 1) / w.fragmentSize
	for i := 0; i < numFragments; i++ {
		start := i * w.fragmentSize
		end := start + w.fragmentSize
		if end > total {
			end = total
		}
		var inline []byte
		if i == 0 {
			inline = ch.InlineQos
		}
		bodies = append(bodies, message.DataFrag{
			ReaderId:              readerId,
			WriterId:              w.Guid.Entity,
			WriterSN:              ch.SequenceNumber,
			FragmentStartingNum:   uint32(i + 1),
			FragmentsInSubmessage: 1,
			FragmentSize:          uint16(w.fragmentSize),
			SampleSize:            uint32(total),
			InlineQos:             inline,
			FragmentPayload:       ch.SerializedPayload[start:end],
		})
	}
	bodies = append(bodies, message.HeartbeatFrag{
		ReaderId:        readerId,
		WriterId:        w.Guid.Entity,
		WriterSN:        ch.SequenceNumber,
		LastFragmentNum: uint32(numFragments),
		Count:           int32(numFragments),
	})
	return bodies
}

// ProcessNackFrag re-requests the change n.WriterSN names by setting its
// status back to Requested, so the next Drain resends every fragment of
// it; the fragment numbers n lists are not consulted.
func (w *StatefulWriter) ProcessNackFrag(sourcePrefix types.GuidPrefix, n message.NackFrag) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rp, ok := w.proxies[types.Guid{Prefix: sourcePrefix, Entity: n.ReaderId}]
	if !ok {
		return
	}
	if e, ok := rp.changesForReader[n.WriterSN]; ok {
		e.Status = Requested
	}
}
