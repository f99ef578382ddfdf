package reader

import (
	"testing"

	"github.com/linkerd/godds/internal/rtps/message"
	"github.com/linkerd/godds/internal/rtps/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readerGuid() types.Guid {
	return types.Guid{Prefix: types.GuidPrefix{9}, Entity: types.EntityId{EntityKind: types.EntityKindUserDefinedReaderWithKey}}
}

func writerGuid(prefixByte byte) types.Guid {
	return types.Guid{Prefix: types.GuidPrefix{prefixByte}, Entity: types.EntityId{EntityKind: types.EntityKindUserDefinedWriterWithKey}}
}

func TestOnDataAdmitsFirstDropsDuplicate(t *testing.T) {
	r := NewStatefulReader(readerGuid())
	w := writerGuid(1)
	r.MatchWriter(w, nil)

	assert.True(t, r.OnData(w.Prefix, w.Entity, 1))
	assert.False(t, r.OnData(w.Prefix, w.Entity, 1)) // duplicate
	assert.True(t, r.OnData(w.Prefix, w.Entity, 2))
}

func TestOnHeartbeatPopulatesMissingSetAndRequestsAckNackUnlessFinal(t *testing.T) {
	r := NewStatefulReader(readerGuid())
	w := writerGuid(1)
	wp := r.MatchWriter(w, nil)

	schedule, _ := r.OnHeartbeat(w.Prefix, message.Heartbeat{WriterId: w.Entity, FirstSN: 1, LastSN: 5, Count: 1, Final: false})
	assert.True(t, schedule)
	assert.ElementsMatch(t, []types.SequenceNumber{1, 2, 3, 4, 5}, wp.Missing())

	schedule, _ = r.OnHeartbeat(w.Prefix, message.Heartbeat{WriterId: w.Entity, FirstSN: 1, LastSN: 5, Count: 2, Final: true})
	assert.False(t, schedule)
}

func TestOnHeartbeatIgnoresStaleCount(t *testing.T) {
	r := NewStatefulReader(readerGuid())
	w := writerGuid(1)
	wp := r.MatchWriter(w, nil)
	r.OnHeartbeat(w.Prefix, message.Heartbeat{WriterId: w.Entity, FirstSN: 1, LastSN: 3, Count: 5})
	before := len(wp.Missing())

	r.OnHeartbeat(w.Prefix, message.Heartbeat{WriterId: w.Entity, FirstSN: 1, LastSN: 100, Count: 2})
	assert.Equal(t, before, len(wp.Missing()))
}

func TestOnGapMarksIrrelevantAndRemovesFromMissing(t *testing.T) {
	r := NewStatefulReader(readerGuid())
	w := writerGuid(1)
	wp := r.MatchWriter(w, nil)
	r.OnHeartbeat(w.Prefix, message.Heartbeat{WriterId: w.Entity, FirstSN: 1, LastSN: 5, Count: 1})
	require.ElementsMatch(t, []types.SequenceNumber{1, 2, 3, 4, 5}, wp.Missing())

	r.OnGap(w.Prefix, message.Gap{WriterId: w.Entity, GapStart: 2, GapList: message.NewSequenceNumberSetFromSorted(2, []types.SequenceNumber{2, 3})})
	assert.ElementsMatch(t, []types.SequenceNumber{1, 4, 5}, wp.Missing())
}

func TestNextAckNackCountIsMonotone(t *testing.T) {
	r := NewStatefulReader(readerGuid())
	w := writerGuid(1)
	wp := r.MatchWriter(w, nil)
	a1 := r.NextAckNack(wp)
	a2 := r.NextAckNack(wp)
	assert.Equal(t, a1.Count+1, a2.Count)
}

func TestUnmatchWriterRemovesProxy(t *testing.T) {
	r := NewStatefulReader(readerGuid())
	w := writerGuid(1)
	r.MatchWriter(w, nil)
	assert.Len(t, r.WriterProxies(), 1)
	r.UnmatchWriter(w)
	assert.Empty(t, r.WriterProxies())
}
