package reader

import (
	"sync"

	"github.com/linkerd/godds/internal/rtps/message"
	"github.com/linkerd/godds/internal/rtps/types"
)

// MaxAckNackBitmapBits mirrors message.MaxBitmapBits: AckNack reports at
// most 256 missing sequence numbers per submessage (spec.md §4.4).
const MaxAckNackBitmapBits = message.MaxBitmapBits

// StatefulReader implements spec.md §4.4's per-matched-writer bookkeeping.
// It owns no sample storage itself — OnData reports whether the caller
// should admit the sample to the reader's history.HistoryCache, keeping
// the reliability state machine decoupled from QoS-driven admission.
type StatefulReader struct {
	Guid types.Guid

	mu            sync.Mutex
	proxies       map[types.Guid]*WriterProxy
	ackNackCounts map[types.Guid]int32
}

func NewStatefulReader(guid types.Guid) *StatefulReader {
	return &StatefulReader{
		Guid:          guid,
		proxies:       make(map[types.Guid]*WriterProxy),
		ackNackCounts: make(map[types.Guid]int32),
	}
}

func (r *StatefulReader) MatchWriter(guid types.Guid, locators []types.Locator) *WriterProxy {
	r.mu.Lock()
	defer r.mu.Unlock()
	wp := newWriterProxy(guid, locators)
	r.proxies[guid] = wp
	return wp
}

func (r *StatefulReader) UnmatchWriter(guid types.Guid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.proxies, guid)
	delete(r.ackNackCounts, guid)
}

func (r *StatefulReader) WriterProxies() []*WriterProxy {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*WriterProxy, 0, len(r.proxies))
	for _, wp := range r.proxies {
		out = append(out, wp)
	}
	return out
}

// OnData applies spec.md §4.4's Data-reception rule: a sequence number at
// or below highest_processed_sn that isn't in the missing set is a
// duplicate and is dropped; everything else is admitted, its SN removed
// from the missing set, and highest_processed_sn advanced.
func (r *StatefulReader) OnData(sourcePrefix types.GuidPrefix, writerId types.EntityId, sn types.SequenceNumber) (admit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wp, ok := r.proxies[types.Guid{Prefix: sourcePrefix, Entity: writerId}]
	if !ok {
		return false
	}
	if sn <= wp.highestProcessedSN && !wp.missingSNSet[sn] {
		return false
	}
	wp.advance(sn)
	return true
}

// OnHeartbeat applies spec.md §4.4's Heartbeat rule, returning whether an
// AckNack should be scheduled (final_flag not set) and whether the
// writer's liveliness timer should be refreshed (liveliness_flag set).
func (r *StatefulReader) OnHeartbeat(sourcePrefix types.GuidPrefix, hb message.Heartbeat) (scheduleAckNack, refreshLiveliness bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wp, ok := r.proxies[types.Guid{Prefix: sourcePrefix, Entity: hb.WriterId}]
	if !ok {
		return false, false
	}
	if hb.Count <= wp.lastReceivedHeartbeatCount {
		return false, hb.Liveliness
	}
	wp.lastReceivedHeartbeatCount = hb.Count

	first := hb.FirstSN
	if wp.highestProcessedSN+1 > first {
		first = wp.highestProcessedSN + 1
	}
	for sn := first; sn <= hb.LastSN; sn++ {
		if !wp.irrelevantSNSet[sn] {
			wp.missingSNSet[sn] = true
		}
	}
	return !hb.Final, hb.Liveliness
}

// OnGap applies spec.md §4.4's Gap rule: the listed sequence numbers will
// never arrive, so they're marked irrelevant and treated as received for
// AckNack-accounting purposes.
func (r *StatefulReader) OnGap(sourcePrefix types.GuidPrefix, g message.Gap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wp, ok := r.proxies[types.Guid{Prefix: sourcePrefix, Entity: g.WriterId}]
	if !ok {
		return
	}
	for sn := g.GapStart; sn < g.GapList.Base; sn++ {
		wp.irrelevantSNSet[sn] = true
		wp.advance(sn)
	}
	for _, sn := range g.GapList.Members() {
		wp.irrelevantSNSet[sn] = true
		wp.advance(sn)
	}
}

// NextAckNack builds the AckNack submessage for wp, bumping its
// monotonic per-(reader,writer) count (spec.md §4.4). The bitmap reports
// at most MaxAckNackBitmapBits missing sequence numbers starting at the
// smallest currently missing.
func (r *StatefulReader) NextAckNack(wp *WriterProxy) message.AckNack {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ackNackCounts[wp.RemoteWriterGuid]++
	count := r.ackNackCounts[wp.RemoteWriterGuid]

	missing := wp.Missing()
	base := wp.highestProcessedSN + 1
	if len(missing) > 0 {
		base = missing[0]
	}
	if len(missing) > MaxAckNackBitmapBits {
		missing = missing[:MaxAckNackBitmapBits]
	}
	return message.AckNack{
		ReaderId:      r.Guid.Entity,
		WriterId:      wp.RemoteWriterGuid.Entity,
		ReaderSNState: message.NewSequenceNumberSetFromSorted(base, missing),
		Count:         count,
		Final:         false,
	}
}
