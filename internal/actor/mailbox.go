// Package actor implements the single-owner mailbox runtime spec.md §4.8
// describes: DataWriter and DataReader each embed a Mailbox and reach
// their own state only from the goroutine draining it. DomainParticipant,
// Publisher, Subscriber and DomainParticipantFactory do not embed one;
// they guard their state with mutexes.
// The shape — a bounded channel, an atomic closed flag, and a
// sync.Once-guarded shutdown that drains pending mail — is the one the
// teacher uses for its destinationUpdateQueue and endpointStreamDispatcher.
package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	logging "github.com/sirupsen/logrus"
)

var (
	// ErrMailboxClosed is returned by Send once the actor has begun shutdown.
	ErrMailboxClosed = errors.New("actor mailbox closed")
	// ErrMailboxFull is returned by Send when the bounded channel has no
	// free slot; the actor's owner decides whether that's fatal.
	ErrMailboxFull = errors.New("actor mailbox full")
)

// Mailbox is a bounded FIFO queue of closures, each one "mail" addressed
// to the actor that owns it. Suspension points for the owning goroutine
// are exactly mailbox receive, timer delay, and transport read (spec.md
// §5); nothing else may block inside Run's loop body.
type Mailbox struct {
	mail      chan func()
	done      chan struct{}
	log       *logging.Entry
	overflow  prometheus.Counter

	closed     uint32
	overflowed uint32
	closeOnce  sync.Once
}

// NewMailbox creates a Mailbox with the given bounded capacity. log is
// scoped per actor instance (e.g. log.WithField("actor", "datawriter")),
// matching the teacher's per-queue field scoping; overflow, if non-nil,
// is incremented the first time Send finds the channel full.
func NewMailbox(capacity int, log *logging.Entry, overflow prometheus.Counter) *Mailbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Mailbox{
		mail:     make(chan func(), capacity),
		done:     make(chan struct{}),
		log:      log,
		overflow: overflow,
	}
}

// Send enqueues fn for execution on the actor's own goroutine. It never
// blocks: a full mailbox returns ErrMailboxFull rather than stalling the
// caller, matching spec.md §5's "no task observes a blocking send".
func (m *Mailbox) Send(fn func()) error {
	if atomic.LoadUint32(&m.closed) == 1 {
		return ErrMailboxClosed
	}
	select {
	case m.mail <- fn:
		return nil
	default:
		m.signalOverflow()
		return ErrMailboxFull
	}
}

// Close begins shutdown: no further Send calls succeed, and Run drains
// whatever mail is already queued before returning (spec.md §4.8:
// "dropping a mailbox sender causes the actor to drain pending mails and
// exit"). Safe to call more than once.
func (m *Mailbox) Close() {
	m.closeOnce.Do(func() {
		atomic.StoreUint32(&m.closed, 1)
		close(m.done)
	})
}

// Run executes mail in FIFO order on the calling goroutine until ctx is
// cancelled or Close is called, draining any remaining mail before
// returning in the latter case. This is the actor's entire scheduling
// loop: ordering is FIFO within the mailbox, never guaranteed across
// mailboxes (spec.md §5).
func (m *Mailbox) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			m.drain()
			return
		case fn := <-m.mail:
			m.runOne(fn)
		}
	}
}

func (m *Mailbox) drain() {
	for {
		select {
		case fn := <-m.mail:
			m.runOne(fn)
		default:
			return
		}
	}
}

func (m *Mailbox) runOne(fn func()) {
	defer func() {
		if r := recover(); r != nil && m.log != nil {
			m.log.WithField("panic", r).Error("actor mail panicked; continuing")
		}
	}()
	fn()
}

func (m *Mailbox) signalOverflow() {
	if atomic.CompareAndSwapUint32(&m.overflowed, 0, 1) {
		if m.log != nil {
			m.log.Error("actor mailbox overflow; mail dropped")
		}
		if m.overflow != nil {
			m.overflow.Inc()
		}
	}
}

// Ask sends fn to m and blocks the caller (not the actor) until fn has
// run and produced its result — the reply-channel pattern spec.md §4.8
// names for cross-actor calls. Returns ErrMailboxClosed/ErrMailboxFull
// without running fn if Send itself fails.
func Ask[T any](m *Mailbox, fn func() T) (T, error) {
	reply := make(chan T, 1)
	err := m.Send(func() { reply <- fn() })
	if err != nil {
		var zero T
		return zero, err
	}
	return <-reply, nil
}

// Tell sends fn to m without waiting for it to run, for fire-and-forget
// cross-actor notifications (e.g. a timer tick).
func Tell(m *Mailbox, fn func()) error {
	return m.Send(fn)
}
