package history

import (
	"time"

	"github.com/linkerd/godds/internal/rtps/types"
)

// ViewState and InstanceState are the per-(reader,instance) state spec.md
// §3 names; they live on the reader side only (a writer has no notion of
// "new to this reader").
type ViewState int

const (
	NewView ViewState = iota
	NotNewView
)

type InstanceState int

const (
	InstanceAlive InstanceState = iota
	InstanceNotAliveDisposed
	InstanceNotAliveNoWriters
)

// SampleState is per-instance rather than per-sample (spec.md §3): it marks
// whether the reader has returned any sample of this instance's current
// generation to the application yet.
type SampleState int

const (
	NotRead SampleState = iota
	Read
)

// Instance groups the cache changes sharing an InstanceHandle for one
// reader (spec.md §3).
type Instance struct {
	Handle              types.InstanceHandle
	ViewState           ViewState
	InstanceState       InstanceState
	SampleState         SampleState
	GenerationCount     int32
	LastSampleTimestamp time.Time
	LastDeliveredTime   time.Time

	// OwningWriterGuid/OwningWriterStrength track the current Exclusive
	// ownership holder (spec.md §4.5 Ownership policy); unused under Shared.
	OwningWriterGuid     types.Guid
	OwningWriterStrength int32
	hasOwner             bool

	liveWriters map[types.Guid]bool
}

func newInstance(handle types.InstanceHandle) *Instance {
	return &Instance{
		Handle:      handle,
		ViewState:   NewView,
		SampleState: NotRead,
		liveWriters: make(map[types.Guid]bool),
	}
}

// MarkDelivered transitions ViewState NotNew and SampleState Read: the
// reader has now delivered a sample of the instance's current generation
// (invariant 4, spec.md §3).
func (inst *Instance) MarkDelivered(now time.Time) {
	inst.ViewState = NotNewView
	inst.SampleState = Read
	inst.LastDeliveredTime = now
}

// noteWriterAlive records that writerGuid is a known live writer of this
// instance, restoring InstanceAlive and advancing the generation if the
// instance was previously not-alive.
func (inst *Instance) noteWriterAlive(writerGuid types.Guid) {
	wasNotAlive := inst.InstanceState != InstanceAlive
	inst.liveWriters[writerGuid] = true
	inst.InstanceState = InstanceAlive
	if wasNotAlive {
		inst.GenerationCount++
		inst.ViewState = NewView
		inst.SampleState = NotRead
	}
}

// noteWriterGone removes writerGuid from the live-writer set; if no live
// writers remain the instance transitions to NotAliveNoWriters.
func (inst *Instance) noteWriterGone(writerGuid types.Guid) {
	delete(inst.liveWriters, writerGuid)
	if len(inst.liveWriters) == 0 && inst.InstanceState == InstanceAlive {
		inst.InstanceState = InstanceNotAliveNoWriters
	}
}

func (inst *Instance) markDisposed() {
	inst.InstanceState = InstanceNotAliveDisposed
}
