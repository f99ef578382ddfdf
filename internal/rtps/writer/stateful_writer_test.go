package writer

import (
	"testing"

	"github.com/linkerd/godds/internal/history"
	"github.com/linkerd/godds/internal/qos"
	"github.com/linkerd/godds/internal/rtps/message"
	"github.com/linkerd/godds/internal/rtps/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writerGuid() types.Guid {
	return types.Guid{Prefix: types.GuidPrefix{1}, Entity: types.EntityId{EntityKind: types.EntityKindUserDefinedWriterWithKey}}
}

func readerGuid(prefixByte byte) types.Guid {
	return types.Guid{Prefix: types.GuidPrefix{prefixByte}, Entity: types.EntityId{EntityKind: types.EntityKindUserDefinedReaderWithKey}}
}

func TestMatchReaderSeedsExistingChanges(t *testing.T) {
	cache := history.NewWriterCache(qos.History{Kind: qos.KeepAll}, qos.ResourceLimits{MaxSamples: qos.Unlimited, MaxInstances: qos.Unlimited, MaxSamplesPerInstance: qos.Unlimited}, true)
	sw := NewStatefulWriter(writerGuid(), qos.Reliability{Kind: qos.Reliable}, cache)
	require.NoError(t, cache.AddChange(history.CacheChange{WriterGuid: writerGuid(), SequenceNumber: 1, SerializedPayload: []byte{1}}))

	rp := sw.MatchReader(readerGuid(2), nil)
	assert.Len(t, rp.changesForReader, 1)
	assert.Equal(t, Unsent, rp.changesForReader[1].Status)
}

func TestDrainProducesDataForUnsentAndMarksUnderway(t *testing.T) {
	cache := history.NewWriterCache(qos.History{Kind: qos.KeepAll}, qos.ResourceLimits{MaxSamples: qos.Unlimited, MaxInstances: qos.Unlimited, MaxSamplesPerInstance: qos.Unlimited}, true)
	sw := NewStatefulWriter(writerGuid(), qos.Reliability{Kind: qos.Reliable}, cache)
	rp := sw.MatchReader(readerGuid(2), nil)
	require.NoError(t, cache.AddChange(history.CacheChange{WriterGuid: writerGuid(), SequenceNumber: 1, SerializedPayload: []byte{9, 9}}))

	bodies := sw.Drain(rp)
	require.Len(t, bodies, 1)
	d, ok := bodies[0].(message.Data)
	require.True(t, ok)
	assert.Equal(t, types.SequenceNumber(1), d.WriterSN)
	assert.Equal(t, Underway, rp.changesForReader[1].Status)
}

func TestProcessAckNackAcknowledgesBelowBaseAndRequestsBitmap(t *testing.T) {
	cache := history.NewWriterCache(qos.History{Kind: qos.KeepAll}, qos.ResourceLimits{MaxSamples: qos.Unlimited, MaxInstances: qos.Unlimited, MaxSamplesPerInstance: qos.Unlimited}, true)
	sw := NewStatefulWriter(writerGuid(), qos.Reliability{Kind: qos.Reliable}, cache)
	rp := sw.MatchReader(readerGuid(2), nil)
	for sn := types.SequenceNumber(1); sn <= 3; sn++ {
		require.NoError(t, cache.AddChange(history.CacheChange{WriterGuid: writerGuid(), SequenceNumber: sn, SerializedPayload: []byte{byte(sn)}}))
	}
	sw.Drain(rp) // move everything to Underway first

	an := message.AckNack{
		ReaderId:      readerGuid(2).Entity,
		WriterId:      writerGuid().Entity,
		ReaderSNState: message.NewSequenceNumberSetFromSorted(2, []types.SequenceNumber{2}),
		Count:         1,
	}
	sw.ProcessAckNack(readerGuid(2).Prefix, an)

	assert.Equal(t, Acknowledged, rp.changesForReader[1].Status)
	assert.Equal(t, Requested, rp.changesForReader[2].Status)
	assert.Equal(t, Underway, rp.changesForReader[3].Status)
}

func TestProcessAckNackIgnoresStaleCount(t *testing.T) {
	cache := history.NewWriterCache(qos.History{Kind: qos.KeepAll}, qos.ResourceLimits{MaxSamples: qos.Unlimited, MaxInstances: qos.Unlimited, MaxSamplesPerInstance: qos.Unlimited}, true)
	sw := NewStatefulWriter(writerGuid(), qos.Reliability{Kind: qos.Reliable}, cache)
	rp := sw.MatchReader(readerGuid(2), nil)
	require.NoError(t, cache.AddChange(history.CacheChange{WriterGuid: writerGuid(), SequenceNumber: 1, SerializedPayload: []byte{1}}))

	newer := message.AckNack{ReaderId: readerGuid(2).Entity, WriterId: writerGuid().Entity, ReaderSNState: message.NewSequenceNumberSetFromSorted(2, nil), Count: 5}
	sw.ProcessAckNack(readerGuid(2).Prefix, newer)
	assert.Equal(t, Acknowledged, rp.changesForReader[1].Status)

	stale := message.AckNack{ReaderId: readerGuid(2).Entity, WriterId: writerGuid().Entity, ReaderSNState: message.NewSequenceNumberSetFromSorted(1, []types.SequenceNumber{1}), Count: 3}
	sw.ProcessAckNack(readerGuid(2).Prefix, stale)
	assert.Equal(t, Acknowledged, rp.changesForReader[1].Status) // unchanged: stale count ignored
}

func TestDataFragmentationForOversizedPayload(t *testing.T) {
	cache := history.NewWriterCache(qos.History{Kind: qos.KeepAll}, qos.ResourceLimits{MaxSamples: qos.Unlimited, MaxInstances: qos.Unlimited, MaxSamplesPerInstance: qos.Unlimited}, true)
	sw := NewStatefulWriter(writerGuid(), qos.Reliability{Kind: qos.Reliable}, cache)
	sw.fragmentSize = 4
	rp := sw.MatchReader(readerGuid(2), nil)
	require.NoError(t, cache.AddChange(history.CacheChange{WriterGuid: writerGuid(), SequenceNumber: 1, SerializedPayload: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}}))

	bodies := sw.Drain(rp)
	require.Len(t, bodies, 4) // 3 fragments (ceil(9/4)) + 1 HeartbeatFrag
	_, isFrag := bodies[0].(message.DataFrag)
	assert.True(t, isFrag)
	_, isHBFrag := bodies[3].(message.HeartbeatFrag)
	assert.True(t, isHBFrag)
}

func TestUnmatchReaderDropsProxy(t *testing.T) {
	cache := history.NewWriterCache(qos.History{Kind: qos.KeepAll}, qos.ResourceLimits{MaxSamples: qos.Unlimited, MaxInstances: qos.Unlimited, MaxSamplesPerInstance: qos.Unlimited}, true)
	sw := NewStatefulWriter(writerGuid(), qos.Reliability{Kind: qos.Reliable}, cache)
	sw.MatchReader(readerGuid(2), nil)
	assert.Len(t, sw.ReaderProxies(), 1)
	sw.UnmatchReader(readerGuid(2))
	assert.Empty(t, sw.ReaderProxies())
}
