// Package reader implements the inbound reliability protocol (spec.md
// §4.4): StatefulReader's per-matched-writer proxy bookkeeping, missing-SN
// tracking, duplicate suppression, and AckNack emission.
package reader

import (
	"sort"

	"github.com/linkerd/godds/internal/rtps/types"
)

// WriterProxy is the reader-side view of one matched writer (spec.md §3).
type WriterProxy struct {
	RemoteWriterGuid types.Guid
	Locators         []types.Locator

	highestProcessedSN      types.SequenceNumber
	missingSNSet            map[types.SequenceNumber]bool
	irrelevantSNSet         map[types.SequenceNumber]bool
	lastReceivedHeartbeatCount int32
	lastSentAckNackCount       int32
}

func newWriterProxy(guid types.Guid, locators []types.Locator) *WriterProxy {
	return &WriterProxy{
		RemoteWriterGuid:    guid,
		Locators:            locators,
		highestProcessedSN:  types.SequenceNumberUnknown,
		missingSNSet:        make(map[types.SequenceNumber]bool),
		irrelevantSNSet:     make(map[types.SequenceNumber]bool),
	}
}

// HighestProcessedSN returns the largest sequence number admitted or
// marked irrelevant so far.
func (wp *WriterProxy) HighestProcessedSN() types.SequenceNumber { return wp.highestProcessedSN }

// Missing returns the current missing-SN set, ascending.
func (wp *WriterProxy) Missing() []types.SequenceNumber {
	out := make([]types.SequenceNumber, 0, len(wp.missingSNSet))
	for sn := range wp.missingSNSet {
		out = append(out, sn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (wp *WriterProxy) advance(sn types.SequenceNumber) {
	delete(wp.missingSNSet, sn)
	if sn > wp.highestProcessedSN {
		wp.highestProcessedSN = sn
	}
}
