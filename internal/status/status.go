// Package status implements the listener-observable status-kind engine
// (spec.md §4.7): per-entity changed_flag + counter bookkeeping, listener
// dispatch with propagation to the enclosing Subscriber/Publisher/
// DomainParticipant, and the deadline/lifespan/liveliness timers that
// drive it.
package status

import (
	"sync"
)

// Kind enumerates the listener-observable status kinds of spec.md §4.7:
// seven reader-side kinds and four writer-side kinds. DataOnReaders, a
// Subscriber-level kind, has no Kind value and is not tracked.
type Kind int

const (
	DataAvailable Kind = iota
	SampleLost
	SampleRejected
	LivelinessChanged
	RequestedDeadlineMissed
	RequestedIncompatibleQos
	SubscriptionMatched
	OfferedDeadlineMissed
	OfferedIncompatibleQos
	PublicationMatched
	LivelinessLost
)

// Counter is the changed_flag + total_count/total_count_change pair every
// status kind carries (spec.md §4.7).
type Counter struct {
	TotalCount       int32
	TotalCountChange int32
	Changed          bool
}

func (c *Counter) bump(delta int32) {
	c.TotalCount += delta
	c.TotalCountChange += delta
	c.Changed = true
}

// take resets TotalCountChange and Changed, per the take-and-reset read
// semantics spec.md §4.7 specifies, returning the pre-reset snapshot.
func (c *Counter) take() Counter {
	snapshot := *c
	c.TotalCountChange = 0
	c.Changed = false
	return snapshot
}

// MatchedCounter additionally tracks current_count, since
// SubscriptionMatched/PublicationMatched report both a cumulative total
// and the live match count (spec.md Testable Properties example 6).
type MatchedCounter struct {
	Counter
	CurrentCount       int32
	CurrentCountChange int32
}

func (c *MatchedCounter) bumpMatched(delta int32) {
	c.Counter.bump(1) // every match or unmatch adds to the cumulative total
	c.CurrentCount += delta
	c.CurrentCountChange += delta
}

func (c *MatchedCounter) take() MatchedCounter {
	snapshot := *c
	c.Counter.TotalCountChange = 0
	c.Counter.Changed = false
	c.CurrentCountChange = 0
	return snapshot
}

// Listener is implemented by callers who want asynchronous notification
// of a status change. Every method is optional to "implement": an entity
// registers a *Mask alongside the Listener, and only the bits set there
// are ever invoked (spec.md §4.7 rule (a)).
type Listener interface {
	OnStatusChanged(kind Kind)
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(Kind)

func (f ListenerFunc) OnStatusChanged(kind Kind) { f(kind) }

// Mask is a bitset of Kind values a Listener cares about.
type Mask uint32

func MaskOf(kinds ...Kind) Mask {
	var m Mask
	for _, k := range kinds {
		m |= 1 << uint(k)
	}
	return m
}

func (m Mask) Has(k Kind) bool { return m&(1<<uint(k)) != 0 }

// Sink is the per-entity status aggregate: one StatusCondition-shaped
// object holding every Counter plus the listener dispatch rule. A Sink is
// always owned and mutated from exactly one actor's mailbox turn (spec.md
// §4.8), so it carries no internal locking of its own except to guard
// Propagate wiring, which mailboxed timers may touch concurrently with
// status-changing mail.
type Sink struct {
	mu sync.Mutex

	dataAvailable            Counter
	sampleLost               Counter
	sampleRejected           Counter
	livelinessChanged        Counter
	requestedDeadlineMissed  Counter
	requestedIncompatibleQos Counter
	subscriptionMatched      MatchedCounter
	offeredDeadlineMissed    Counter
	offeredIncompatibleQos   Counter
	publicationMatched       MatchedCounter
	livelinessLost           Counter

	listener Listener
	mask     Mask
	// propagate is invoked when mask does not cover the changed kind,
	// implementing rule (b)/(c): bubble to the enclosing Subscriber/
	// Publisher, and from there to the DomainParticipant.
	propagate func(Kind)
}

func NewSink() *Sink { return &Sink{} }

// SetListener installs the entity's own listener and mask (spec.md §4.7
// rule (a)). A nil listener clears it, falling through entirely to
// Propagate.
func (s *Sink) SetListener(l Listener, mask Mask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
	s.mask = mask
}

// SetPropagate installs the fallback invoked when the entity's own
// listener doesn't cover a changed kind.
func (s *Sink) SetPropagate(fn func(Kind)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.propagate = fn
}

// Notify runs this sink's own listener-or-propagate rule for kind,
// without touching any counter. It is how a nested entity's Sink bubbles
// an unhandled status change up to its enclosing entity (spec.md §4.7
// rule (b)/(c)): Publisher/Subscriber and DomainParticipant sinks are
// wired as each other's SetPropagate target via Notify, not dispatch,
// since the counters being reported already live on the originating
// entity's Sink.
func (s *Sink) Notify(kind Kind) { s.dispatch(kind) }

func (s *Sink) dispatch(kind Kind) {
	s.mu.Lock()
	listener, mask, propagate := s.listener, s.mask, s.propagate
	s.mu.Unlock()

	if listener != nil && mask.Has(kind) {
		listener.OnStatusChanged(kind)
		return
	}
	if propagate != nil {
		propagate(kind)
	}
}

// NoteDataAvailable records a DataAvailable status change (fired once per
// mailbox turn that admitted at least one sample, not once per sample).
func (s *Sink) NoteDataAvailable() {
	s.dataAvailable.bump(1)
	s.dispatch(DataAvailable)
}

func (s *Sink) TakeDataAvailable() Counter { return s.dataAvailable.take() }

func (s *Sink) NoteSampleLost() {
	s.sampleLost.bump(1)
	s.dispatch(SampleLost)
}

func (s *Sink) TakeSampleLost() Counter { return s.sampleLost.take() }

func (s *Sink) NoteSampleRejected() {
	s.sampleRejected.bump(1)
	s.dispatch(SampleRejected)
}

func (s *Sink) TakeSampleRejected() Counter { return s.sampleRejected.take() }

func (s *Sink) NoteLivelinessChanged() {
	s.livelinessChanged.bump(1)
	s.dispatch(LivelinessChanged)
}

func (s *Sink) TakeLivelinessChanged() Counter { return s.livelinessChanged.take() }

func (s *Sink) NoteRequestedDeadlineMissed() {
	s.requestedDeadlineMissed.bump(1)
	s.dispatch(RequestedDeadlineMissed)
}

func (s *Sink) TakeRequestedDeadlineMissed() Counter { return s.requestedDeadlineMissed.take() }

func (s *Sink) NoteRequestedIncompatibleQos() {
	s.requestedIncompatibleQos.bump(1)
	s.dispatch(RequestedIncompatibleQos)
}

func (s *Sink) TakeRequestedIncompatibleQos() Counter { return s.requestedIncompatibleQos.take() }

func (s *Sink) NoteOfferedDeadlineMissed() {
	s.offeredDeadlineMissed.bump(1)
	s.dispatch(OfferedDeadlineMissed)
}

func (s *Sink) TakeOfferedDeadlineMissed() Counter { return s.offeredDeadlineMissed.take() }

func (s *Sink) NoteOfferedIncompatibleQos() {
	s.offeredIncompatibleQos.bump(1)
	s.dispatch(OfferedIncompatibleQos)
}

func (s *Sink) TakeOfferedIncompatibleQos() Counter { return s.offeredIncompatibleQos.take() }

func (s *Sink) NoteLivelinessLost() {
	s.livelinessLost.bump(1)
	s.dispatch(LivelinessLost)
}

func (s *Sink) TakeLivelinessLost() Counter { return s.livelinessLost.take() }

// NoteSubscriptionMatched applies delta (+1 on match, -1 on unmatch) to
// the reader-side matched-writer count (spec.md Testable Properties
// example 6: "current_count 1→0").
func (s *Sink) NoteSubscriptionMatched(delta int32) {
	s.subscriptionMatched.bumpMatched(delta)
	s.dispatch(SubscriptionMatched)
}

func (s *Sink) TakeSubscriptionMatched() MatchedCounter { return s.subscriptionMatched.take() }

func (s *Sink) NotePublicationMatched(delta int32) {
	s.publicationMatched.bumpMatched(delta)
	s.dispatch(PublicationMatched)
}

func (s *Sink) TakePublicationMatched() MatchedCounter { return s.publicationMatched.take() }
