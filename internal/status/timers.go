package status

import (
	"sync"
	"time"

	"github.com/linkerd/godds/internal/rtps/types"
)

// DeadlineTimer arms a per-instance deadline on each sample and fires fn
// if the period elapses without a Renew (spec.md §4.7: "Deadline timer
// per instance, armed on each sample; missed -> RequestedDeadlineMissed").
// Each timer is a time.AfterFunc, so fn runs on the timer's own goroutine,
// not inside the owning entity's mailbox.
type DeadlineTimer struct {
	period time.Duration
	fn     func(types.InstanceHandle)

	mu     sync.Mutex
	timers map[types.InstanceHandle]*time.Timer
}

func NewDeadlineTimer(period time.Duration, fn func(types.InstanceHandle)) *DeadlineTimer {
	return &DeadlineTimer{
		period: period,
		fn:     fn,
		timers: make(map[types.InstanceHandle]*time.Timer),
	}
}

// Renew (re)arms the timer for handle. Calling it on every sample
// reception/write is what "armed on each sample" means.
func (d *DeadlineTimer) Renew(handle types.InstanceHandle) {
	if d.period <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[handle]; ok {
		t.Stop()
	}
	d.timers[handle] = time.AfterFunc(d.period, func() { d.fn(handle) })
}

// Cancel stops the timer for handle, used when the instance is disposed
// or unregistered.
func (d *DeadlineTimer) Cancel(handle types.InstanceHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[handle]; ok {
		t.Stop()
		delete(d.timers, handle)
	}
}

// CancelAll stops every armed timer, used on entity deletion so no task
// observes a timer fire after cancellation (spec.md §5).
func (d *DeadlineTimer) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for handle, t := range d.timers {
		t.Stop()
		delete(d.timers, handle)
	}
}

// LifespanTimer silently removes an expired sample from the owning cache
// (spec.md §4.7: "Lifespan timer per sample; expiry -> silent removal
// from cache, not a status"). remove is called with no status dispatch.
type LifespanTimer struct {
	duration time.Duration
	remove   func()
}

func NewLifespanTimer(duration time.Duration, remove func()) *LifespanTimer {
	return &LifespanTimer{duration: duration, remove: remove}
}

// Arm schedules remove to run once duration has elapsed, returning the
// underlying timer so the caller can Stop it early (e.g. on dispose).
func (l *LifespanTimer) Arm() *time.Timer {
	if l.duration <= 0 {
		return nil
	}
	return time.AfterFunc(l.duration, l.remove)
}

// LivelinessMonitor tracks per-writer liveliness on the reader side:
// Automatic kind is renewed by heartbeat reception, Manual kinds by an
// explicit assert_liveliness call; expiry transitions the writer to
// not-alive for every affected reader (spec.md §4.7).
type LivelinessMonitor struct {
	leaseDuration time.Duration
	onExpired     func(types.Guid)

	mu     sync.Mutex
	timers map[types.Guid]*time.Timer
}

func NewLivelinessMonitor(leaseDuration time.Duration, onExpired func(types.Guid)) *LivelinessMonitor {
	return &LivelinessMonitor{
		leaseDuration: leaseDuration,
		onExpired:     onExpired,
		timers:        make(map[types.Guid]*time.Timer),
	}
}

// Assert renews the lease for writerGuid, called on heartbeat reception
// (Automatic) or on an explicit assert_liveliness (Manual).
func (m *LivelinessMonitor) Assert(writerGuid types.Guid) {
	if m.leaseDuration <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[writerGuid]; ok {
		t.Stop()
	}
	m.timers[writerGuid] = time.AfterFunc(m.leaseDuration, func() { m.onExpired(writerGuid) })
}

// Remove stops tracking writerGuid entirely (writer unmatched).
func (m *LivelinessMonitor) Remove(writerGuid types.Guid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[writerGuid]; ok {
		t.Stop()
		delete(m.timers, writerGuid)
	}
}

func (m *LivelinessMonitor) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for guid, t := range m.timers {
		t.Stop()
		delete(m.timers, guid)
	}
}
