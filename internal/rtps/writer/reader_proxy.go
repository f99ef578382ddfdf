// Package writer implements the outbound reliability protocol (spec.md
// §4.3): StatefulWriter's per-matched-reader proxy bookkeeping, heartbeat
// scheduling, AckNack processing, and fragmentation of oversized samples.
package writer

import (
	"sort"

	"github.com/linkerd/godds/internal/history"
	"github.com/linkerd/godds/internal/rtps/types"
)

// ChangeForReaderStatus is the delivery state of one sequence number from
// one ReaderProxy's point of view (spec.md §3).
type ChangeForReaderStatus int

const (
	Unsent ChangeForReaderStatus = iota
	Unacknowledged
	Requested
	Underway
	Acknowledged
)

// ChangeForReaderEntry is one row of a ReaderProxy's delivery table.
type ChangeForReaderEntry struct {
	SequenceNumber types.SequenceNumber
	Status         ChangeForReaderStatus
	IsRelevant     bool
}

// ReaderProxy is the writer-side view of one matched reader (spec.md §3).
type ReaderProxy struct {
	RemoteReaderGuid types.Guid
	Locators         []types.Locator

	changesForReader map[types.SequenceNumber]*ChangeForReaderEntry
	lastReceivedAckNackCount int32
}

func newReaderProxy(guid types.Guid, locators []types.Locator) *ReaderProxy {
	return &ReaderProxy{
		RemoteReaderGuid: guid,
		Locators:         locators,
		changesForReader: make(map[types.SequenceNumber]*ChangeForReaderEntry),
	}
}

// add appends a ChangeForReader entry for a newly stored CacheChange.
func (rp *ReaderProxy) add(sn types.SequenceNumber, pushMode bool) {
	status := Unacknowledged
	if pushMode {
		status = Unsent
	}
	rp.changesForReader[sn] = &ChangeForReaderEntry{SequenceNumber: sn, Status: status, IsRelevant: true}
}

// sortedEntries returns every tracked entry in ascending sequence-number order.
func (rp *ReaderProxy) sortedEntries() []*ChangeForReaderEntry {
	out := make([]*ChangeForReaderEntry, 0, len(rp.changesForReader))
	for _, e := range rp.changesForReader {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out
}

// acknowledgedPrefix reports the entries with status Acknowledged; the
// writer-side invariant (spec.md §3 invariant 2) holds this is always a
// sequence-number prefix once GAP-synthetic irrelevant entries are applied.
func (rp *ReaderProxy) acknowledgedPrefix() []types.SequenceNumber {
	var out []types.SequenceNumber
	for _, e := range rp.sortedEntries() {
		if e.Status != Acknowledged {
			break
		}
		out = append(out, e.SequenceNumber)
	}
	return out
}

// markGone records that the underlying CacheChange for sn was evicted from
// the writer's history; future drains must GAP it rather than DATA it.
func (rp *ReaderProxy) markGone(sn types.SequenceNumber) {
	if e, ok := rp.changesForReader[sn]; ok {
		e.IsRelevant = false
	}
}

// cacheHasChange reports whether the cache still retains sn, returning the
// change if so — used by Drain to
// decide DATA vs GAP for Requested/Unsent entries.
func cacheHasChange(cache *history.Cache, writerGuid types.Guid, sn types.SequenceNumber) (history.CacheChange, bool) {
	for _, ch := range cache.Changes() {
		if ch.WriterGuid == writerGuid && ch.SequenceNumber == sn {
			return ch, true
		}
	}
	return history.CacheChange{}, false
}
