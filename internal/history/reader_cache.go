package history

import (
	"sync"
	"time"

	"github.com/linkerd/godds/internal/qos"
	"github.com/linkerd/godds/internal/rtps/types"
)

// DropReason names why Admit declined a change, for SampleLost/
// SampleRejected trigger reporting (spec.md §4.2 step 6, §4.7).
type DropReason int

const (
	NotDropped DropReason = iota
	DroppedDestinationOrder
	DroppedTimeBasedFilter
	DroppedOwnership
	DroppedResourceLimits
)

// AdmitResult reports the outcome of one Admit call: whether the change
// was stored, and — when it was dropped — the reason, for the caller to
// raise SampleRejected (spec.md §4.2 step 6).
type AdmitResult struct {
	Admitted bool
	Reason   DropReason
	Instance *Instance
}

// ReaderCache is the reader-side history cache: CacheChange storage plus
// Instance tracking and the admission pipeline of spec.md §4.2.
type ReaderCache struct {
	*Cache
	destinationOrder qos.DestinationOrder
	timeBasedFilter  qos.TimeBasedFilter
	ownership        qos.Ownership

	mu        sync.Mutex
	instances map[types.InstanceHandle]*Instance
}

func NewReaderCache(history qos.History, limits qos.ResourceLimits, destinationOrder qos.DestinationOrder, timeBasedFilter qos.TimeBasedFilter, ownership qos.Ownership) *ReaderCache {
	return &ReaderCache{
		Cache:            NewCache(history, limits),
		destinationOrder: destinationOrder,
		timeBasedFilter:  timeBasedFilter,
		ownership:        ownership,
		instances:        make(map[types.InstanceHandle]*Instance),
	}
}

func (rc *ReaderCache) instanceFor(handle types.InstanceHandle) *Instance {
	inst, ok := rc.instances[handle]
	if !ok {
		inst = newInstance(handle)
		rc.instances[handle] = inst
	}
	return inst
}

// Instance returns the tracked Instance for handle, or nil if unknown.
func (rc *ReaderCache) Instance(handle types.InstanceHandle) *Instance {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.instances[handle]
}

// Admit runs the reader-side admission pipeline (spec.md §4.2) for one
// incoming change from writerStrength-rated writerGuid, then — if not
// dropped — stores it via the embedded Cache and updates instance state.
func (rc *ReaderCache) Admit(ch CacheChange, writerStrength int32, now time.Time) AdmitResult {
	rc.mu.Lock()
	inst := rc.instanceFor(ch.InstanceHandle)
	rc.mu.Unlock()

	// Step 1: destination_order=BySourceTimestamp drops stale samples.
	if rc.destinationOrder.Kind == qos.BySourceTimestamp && !inst.LastSampleTimestamp.IsZero() {
		if ch.SourceTimestamp.Before(inst.LastSampleTimestamp) {
			return AdmitResult{Admitted: false, Reason: DroppedDestinationOrder, Instance: inst}
		}
	}

	// Step 2: time_based_filter.
	if rc.timeBasedFilter.MinimumSeparation > 0 && !inst.LastDeliveredTime.IsZero() {
		if now.Sub(inst.LastDeliveredTime) < rc.timeBasedFilter.MinimumSeparation {
			return AdmitResult{Admitted: false, Reason: DroppedTimeBasedFilter, Instance: inst}
		}
	}

	// Step 3: ownership=Exclusive arbitration.
	if rc.ownership.Kind == qos.Exclusive && ch.Kind == Alive {
		rc.mu.Lock()
		hasOwner := inst.hasOwner
		currentStrength := inst.OwningWriterStrength
		currentGuid := inst.OwningWriterGuid
		rc.mu.Unlock()
		if hasOwner && currentGuid != ch.WriterGuid {
			if !qos.ArbitrateOwnership(writerStrength, ch.WriterGuid, currentStrength, currentGuid) {
				return AdmitResult{Admitted: false, Reason: DroppedOwnership, Instance: inst}
			}
		}
		rc.mu.Lock()
		inst.OwningWriterGuid = ch.WriterGuid
		inst.OwningWriterStrength = writerStrength
		inst.hasOwner = true
		rc.mu.Unlock()
	}

	if err := rc.Cache.AddChange(ch); err != nil {
		return AdmitResult{Admitted: false, Reason: DroppedResourceLimits, Instance: inst}
	}

	rc.mu.Lock()
	switch ch.Kind {
	case Alive:
		inst.noteWriterAlive(ch.WriterGuid)
	case NotAliveDisposed:
		inst.markDisposed()
	case NotAliveUnregistered:
		inst.noteWriterGone(ch.WriterGuid)
	}
	inst.LastSampleTimestamp = ch.SourceTimestamp
	rc.mu.Unlock()

	return AdmitResult{Admitted: true, Instance: inst}
}

// NotifyWriterLost cascades a liveliness-lost or unmatch event for
// writerGuid across every tracked instance, transitioning any instance
// whose live-writer set becomes empty to NotAliveNoWriters (spec.md §3
// Lifecycles).
func (rc *ReaderCache) NotifyWriterLost(writerGuid types.Guid) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, inst := range rc.instances {
		inst.noteWriterGone(writerGuid)
	}
}
