package history

import (
	"testing"
	"time"

	"github.com/linkerd/godds/internal/ddserror"
	"github.com/linkerd/godds/internal/qos"
	"github.com/linkerd/godds/internal/rtps/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func guid(b byte) types.Guid {
	var prefix types.GuidPrefix
	prefix[0] = b
	return types.Guid{Prefix: prefix, Entity: types.EntityId{EntityKind: types.EntityKindUserDefinedWriterWithKey}}
}

func handle(b byte) types.InstanceHandle {
	var h types.InstanceHandle
	h[0] = b
	return h
}

func TestKeepLastEvictsOldestPerInstance(t *testing.T) {
	c := NewCache(qos.History{Kind: qos.KeepLast, Depth: 2}, qos.ResourceLimits{
		MaxSamples: qos.Unlimited, MaxInstances: qos.Unlimited, MaxSamplesPerInstance: qos.Unlimited,
	})
	w := guid(1)
	h := handle(1)
	for sn := types.SequenceNumber(1); sn <= 5; sn++ {
		require.NoError(t, c.AddChange(CacheChange{WriterGuid: w, InstanceHandle: h, SequenceNumber: sn}))
	}
	retained := c.ChangesForInstance(h)
	require.Len(t, retained, 2)
	assert.Equal(t, types.SequenceNumber(4), retained[0].SequenceNumber)
	assert.Equal(t, types.SequenceNumber(5), retained[1].SequenceNumber)
}

func TestDuplicateSequenceNumberIsNoOp(t *testing.T) {
	c := NewCache(qos.History{Kind: qos.KeepAll}, qos.ResourceLimits{MaxSamples: qos.Unlimited, MaxInstances: qos.Unlimited, MaxSamplesPerInstance: qos.Unlimited})
	w := guid(1)
	h := handle(1)
	require.NoError(t, c.AddChange(CacheChange{WriterGuid: w, InstanceHandle: h, SequenceNumber: 1}))
	require.NoError(t, c.AddChange(CacheChange{WriterGuid: w, InstanceHandle: h, SequenceNumber: 1}))
	assert.Len(t, c.Changes(), 1)
}

func TestResourceLimitsExceededReturnsOutOfResources(t *testing.T) {
	c := NewCache(qos.History{Kind: qos.KeepAll}, qos.ResourceLimits{
		MaxSamples: 1, MaxInstances: qos.Unlimited, MaxSamplesPerInstance: qos.Unlimited,
	})
	w := guid(1)
	require.NoError(t, c.AddChange(CacheChange{WriterGuid: w, InstanceHandle: handle(1), SequenceNumber: 1}))
	err := c.AddChange(CacheChange{WriterGuid: w, InstanceHandle: handle(2), SequenceNumber: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ddserror.OutOfResources)
}

func TestReaderCacheInstanceLifecycle(t *testing.T) {
	rc := NewReaderCache(
		qos.History{Kind: qos.KeepAll},
		qos.ResourceLimits{MaxSamples: qos.Unlimited, MaxInstances: qos.Unlimited, MaxSamplesPerInstance: qos.Unlimited},
		qos.DestinationOrder{}, qos.TimeBasedFilter{}, qos.Ownership{},
	)
	w := guid(1)
	h := handle(7)
	now := time.Unix(1000, 0)

	res := rc.Admit(CacheChange{Kind: Alive, WriterGuid: w, InstanceHandle: h, SequenceNumber: 1, SourceTimestamp: now}, 0, now)
	require.True(t, res.Admitted)
	assert.Equal(t, InstanceAlive, res.Instance.InstanceState)
	assert.Equal(t, NewView, res.Instance.ViewState)

	res = rc.Admit(CacheChange{Kind: Alive, WriterGuid: w, InstanceHandle: h, SequenceNumber: 2, SourceTimestamp: now.Add(time.Second)}, 0, now.Add(time.Second))
	require.True(t, res.Admitted)

	res = rc.Admit(CacheChange{Kind: NotAliveDisposed, WriterGuid: w, InstanceHandle: h, SequenceNumber: 3, SourceTimestamp: now.Add(2 * time.Second)}, 0, now.Add(2*time.Second))
	require.True(t, res.Admitted)
	assert.Equal(t, InstanceNotAliveDisposed, res.Instance.InstanceState)

	all := rc.ChangesForInstance(h)
	assert.Len(t, all, 3)
}

func TestReaderCacheDestinationOrderDropsStaleSample(t *testing.T) {
	rc := NewReaderCache(
		qos.History{Kind: qos.KeepAll},
		qos.ResourceLimits{MaxSamples: qos.Unlimited, MaxInstances: qos.Unlimited, MaxSamplesPerInstance: qos.Unlimited},
		qos.DestinationOrder{Kind: qos.BySourceTimestamp}, qos.TimeBasedFilter{}, qos.Ownership{},
	)
	w := guid(1)
	h := handle(1)
	now := time.Unix(2000, 0)
	require.True(t, rc.Admit(CacheChange{Kind: Alive, WriterGuid: w, InstanceHandle: h, SequenceNumber: 1, SourceTimestamp: now}, 0, now).Admitted)

	stale := rc.Admit(CacheChange{Kind: Alive, WriterGuid: w, InstanceHandle: h, SequenceNumber: 2, SourceTimestamp: now.Add(-time.Second)}, 0, now)
	assert.False(t, stale.Admitted)
	assert.Equal(t, DroppedDestinationOrder, stale.Reason)
}

func TestReaderCacheOwnershipExclusiveRejectsWeakerWriter(t *testing.T) {
	rc := NewReaderCache(
		qos.History{Kind: qos.KeepAll},
		qos.ResourceLimits{MaxSamples: qos.Unlimited, MaxInstances: qos.Unlimited, MaxSamplesPerInstance: qos.Unlimited},
		qos.DestinationOrder{}, qos.TimeBasedFilter{}, qos.Ownership{Kind: qos.Exclusive},
	)
	strong := guid(1)
	weak := guid(2)
	h := handle(1)
	now := time.Unix(3000, 0)

	require.True(t, rc.Admit(CacheChange{Kind: Alive, WriterGuid: strong, InstanceHandle: h, SequenceNumber: 1, SourceTimestamp: now}, 10, now).Admitted)

	res := rc.Admit(CacheChange{Kind: Alive, WriterGuid: weak, InstanceHandle: h, SequenceNumber: 1, SourceTimestamp: now.Add(time.Second)}, 1, now.Add(time.Second))
	assert.False(t, res.Admitted)
	assert.Equal(t, DroppedOwnership, res.Reason)
}

func TestReaderCacheTimeBasedFilterDropsTooSoon(t *testing.T) {
	rc := NewReaderCache(
		qos.History{Kind: qos.KeepAll},
		qos.ResourceLimits{MaxSamples: qos.Unlimited, MaxInstances: qos.Unlimited, MaxSamplesPerInstance: qos.Unlimited},
		qos.DestinationOrder{}, qos.TimeBasedFilter{MinimumSeparation: 10 * time.Second}, qos.Ownership{},
	)
	w := guid(1)
	h := handle(1)
	now := time.Unix(4000, 0)
	res := rc.Admit(CacheChange{Kind: Alive, WriterGuid: w, InstanceHandle: h, SequenceNumber: 1, SourceTimestamp: now}, 0, now)
	require.True(t, res.Admitted)
	res.Instance.MarkDelivered(now)

	tooSoon := rc.Admit(CacheChange{Kind: Alive, WriterGuid: w, InstanceHandle: h, SequenceNumber: 2, SourceTimestamp: now.Add(time.Second)}, 0, now.Add(time.Second))
	assert.False(t, tooSoon.Admitted)
	assert.Equal(t, DroppedTimeBasedFilter, tooSoon.Reason)
}

func TestWriterCacheFansOutOnAddChange(t *testing.T) {
	wc := NewWriterCache(qos.History{Kind: qos.KeepAll}, qos.ResourceLimits{MaxSamples: qos.Unlimited, MaxInstances: qos.Unlimited, MaxSamplesPerInstance: qos.Unlimited}, true)
	var seen []types.SequenceNumber
	wc.OnAddChange(func(ch CacheChange) { seen = append(seen, ch.SequenceNumber) })
	require.NoError(t, wc.AddChange(CacheChange{WriterGuid: guid(1), InstanceHandle: handle(1), SequenceNumber: 1}))
	require.NoError(t, wc.AddChange(CacheChange{WriterGuid: guid(1), InstanceHandle: handle(1), SequenceNumber: 2}))
	assert.Equal(t, []types.SequenceNumber{1, 2}, seen)
}

func TestNotifyWriterLostTransitionsToNotAliveNoWriters(t *testing.T) {
	rc := NewReaderCache(
		qos.History{Kind: qos.KeepAll},
		qos.ResourceLimits{MaxSamples: qos.Unlimited, MaxInstances: qos.Unlimited, MaxSamplesPerInstance: qos.Unlimited},
		qos.DestinationOrder{}, qos.TimeBasedFilter{}, qos.Ownership{},
	)
	w := guid(1)
	h := handle(1)
	now := time.Unix(5000, 0)
	res := rc.Admit(CacheChange{Kind: Alive, WriterGuid: w, InstanceHandle: h, SequenceNumber: 1, SourceTimestamp: now}, 0, now)
	require.True(t, res.Admitted)
	assert.Equal(t, InstanceAlive, res.Instance.InstanceState)

	rc.NotifyWriterLost(w)
	assert.Equal(t, InstanceNotAliveNoWriters, rc.Instance(h).InstanceState)
}
