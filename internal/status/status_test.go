package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/linkerd/godds/internal/rtps/types"
)

func TestNoteAndTakeResetsCountChange(t *testing.T) {
	s := NewSink()
	s.NoteDataAvailable()
	s.NoteDataAvailable()

	snap := s.TakeDataAvailable()
	assert.Equal(t, int32(2), snap.TotalCount)
	assert.Equal(t, int32(2), snap.TotalCountChange)
	assert.True(t, snap.Changed)

	again := s.TakeDataAvailable()
	assert.Equal(t, int32(2), again.TotalCount)
	assert.Equal(t, int32(0), again.TotalCountChange)
	assert.False(t, again.Changed)
}

func TestSubscriptionMatchedTracksCurrentCount(t *testing.T) {
	s := NewSink()
	s.NoteSubscriptionMatched(1)
	s.NoteSubscriptionMatched(-1)

	snap := s.TakeSubscriptionMatched()
	assert.Equal(t, int32(2), snap.TotalCount)
	assert.Equal(t, int32(0), snap.CurrentCount)
}

func TestListenerInvokedOnlyWhenMaskCovers(t *testing.T) {
	s := NewSink()
	var invoked []Kind
	s.SetListener(ListenerFunc(func(k Kind) { invoked = append(invoked, k) }), MaskOf(DataAvailable))

	var propagated []Kind
	s.SetPropagate(func(k Kind) { propagated = append(propagated, k) })

	s.NoteDataAvailable()
	s.NoteSampleLost()

	assert.Equal(t, []Kind{DataAvailable}, invoked)
	assert.Equal(t, []Kind{SampleLost}, propagated)
}

func TestPropagateFallsThroughWithNoListener(t *testing.T) {
	s := NewSink()
	var propagated []Kind
	s.SetPropagate(func(k Kind) { propagated = append(propagated, k) })
	s.NoteRequestedIncompatibleQos()
	assert.Equal(t, []Kind{RequestedIncompatibleQos}, propagated)
}

func TestDeadlineTimerFiresOnceUnlessRenewed(t *testing.T) {
	fired := make(chan types.InstanceHandle, 4)
	dt := NewDeadlineTimer(30*time.Millisecond, func(h types.InstanceHandle) { fired <- h })
	handle := types.InstanceHandle{1}
	dt.Renew(handle)

	select {
	case h := <-fired:
		assert.Equal(t, handle, h)
	case <-time.After(time.Second):
		t.Fatal("deadline timer did not fire")
	}
	dt.CancelAll()
}

func TestDeadlineTimerRenewPostponesFiring(t *testing.T) {
	fired := make(chan types.InstanceHandle, 4)
	dt := NewDeadlineTimer(50*time.Millisecond, func(h types.InstanceHandle) { fired <- h })
	handle := types.InstanceHandle{2}
	dt.Renew(handle)
	time.Sleep(30 * time.Millisecond)
	dt.Renew(handle) // postpone before the first period elapses

	select {
	case <-fired:
		t.Fatal("deadline timer fired before the renewed period elapsed")
	case <-time.After(30 * time.Millisecond):
		// still armed, as expected
	}
	dt.CancelAll()
}

func TestLifespanTimerRemovesSilently(t *testing.T) {
	removed := make(chan struct{}, 1)
	lt := NewLifespanTimer(20*time.Millisecond, func() { removed <- struct{}{} })
	lt.Arm()
	select {
	case <-removed:
	case <-time.After(time.Second):
		t.Fatal("lifespan timer did not fire")
	}
}

func TestLivelinessMonitorExpiresAfterLeaseWithoutAssert(t *testing.T) {
	expired := make(chan types.Guid, 1)
	lm := NewLivelinessMonitor(30*time.Millisecond, func(g types.Guid) { expired <- g })
	w := types.Guid{Prefix: types.GuidPrefix{3}}
	lm.Assert(w)

	select {
	case g := <-expired:
		assert.Equal(t, w, g)
	case <-time.After(time.Second):
		t.Fatal("liveliness monitor did not expire")
	}
}

func TestLivelinessMonitorRemoveStopsTracking(t *testing.T) {
	expired := make(chan types.Guid, 1)
	lm := NewLivelinessMonitor(20*time.Millisecond, func(g types.Guid) { expired <- g })
	w := types.Guid{Prefix: types.GuidPrefix{4}}
	lm.Assert(w)
	lm.Remove(w)

	select {
	case <-expired:
		t.Fatal("expected no expiry after Remove")
	case <-time.After(60 * time.Millisecond):
	}
}
