package dds

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	logging "github.com/sirupsen/logrus"

	"github.com/linkerd/godds/internal/actor"
	"github.com/linkerd/godds/internal/ddserror"
	"github.com/linkerd/godds/internal/history"
	"github.com/linkerd/godds/internal/qos"
	"github.com/linkerd/godds/internal/rtps/message"
	"github.com/linkerd/godds/internal/rtps/types"
	"github.com/linkerd/godds/internal/rtps/writer"
	"github.com/linkerd/godds/internal/status"
)

// DataWriter is the actor (spec.md §4.8) owning one writer-side history
// cache, its RTPS StatefulWriter reliability state, and the QoS under
// which both operate.
type DataWriter struct {
	Guid  types.Guid
	Topic *Topic
	Qos   qos.EndpointQos

	mailbox *actor.Mailbox
	cache   *history.WriterCache
	rtps    *writer.StatefulWriter
	status  *status.Sink

	deadline *status.DeadlineTimer
	lifespan qos.Lifespan

	participant *DomainParticipant
	enabled     atomic.Bool

	log *logging.Entry
}

func newDataWriter(guid types.Guid, topic *Topic, q qos.EndpointQos, p *DomainParticipant, log *logging.Entry, overflow prometheus.Counter) *DataWriter {
	cache := history.NewWriterCache(q.History.OrDefault(), q.ResourceLimits.OrDefault(), true)
	dw := &DataWriter{
		Guid:        guid,
		Topic:       topic,
		Qos:         q,
		mailbox:     actor.NewMailbox(64, log, overflow),
		cache:       cache,
		rtps:        writer.NewStatefulWriter(guid, q.Reliability, cache),
		status:      status.NewSink(),
		lifespan:    q.Lifespan,
		participant: p,
		log:         log,
	}
	dw.deadline = status.NewDeadlineTimer(q.Deadline.Period, func(types.InstanceHandle) {
		dw.status.NoteOfferedDeadlineMissed()
	})
	dw.enabled.Store(true)
	return dw
}

// Run drains the writer's mailbox until ctx is cancelled; the owning
// Publisher/participant spawns this once per DataWriter (spec.md §4.8).
func (dw *DataWriter) Run(ctx context.Context) { dw.mailbox.Run(ctx) }

// Write admits a new Alive sample keyed by instanceKey (pass nil for a
// keyless topic, which collapses to a single instance) and fans it out
// to every matched reader proxy. It returns OutOfResources if
// ResourceLimits reject the sample.
func (dw *DataWriter) Write(ctx context.Context, instanceKey, payload []byte) error {
	if !dw.enabled.Load() {
		return ddserror.NotEnabled
	}
	res, err := actor.Ask(dw.mailbox, func() error {
		sn := dw.nextSequenceNumber()
		handle := types.InstanceHandleFromKey(instanceKey)
		if err := dw.cache.AddChange(history.CacheChange{
			Kind:              history.Alive,
			WriterGuid:        dw.Guid,
			InstanceHandle:    handle,
			SequenceNumber:    sn,
			SourceTimestamp:   now(),
			SerializedPayload: payload,
		}); err != nil {
			return err
		}
		dw.deadline.Renew(handle)
		dw.armLifespan(sn)
		return nil
	})
	if err != nil {
		return err
	}
	return res
}

// armLifespan schedules the sample's silent removal from dw's own cache
// once Lifespan.Duration elapses (spec.md §4.7: expiry is not a status).
// A no-op when Lifespan is unset.
func (dw *DataWriter) armLifespan(sn types.SequenceNumber) {
	if dw.lifespan.Duration <= 0 {
		return
	}
	writerGuid := dw.Guid
	status.NewLifespanTimer(dw.lifespan.Duration, func() {
		dw.cache.RemoveChange(func(ch history.CacheChange) bool {
			return ch.WriterGuid == writerGuid && ch.SequenceNumber == sn
		})
	}).Arm()
}

// Dispose marks instanceKey's instance NotAliveDisposed (spec.md §3
// CacheChange.Kind) without carrying a payload.
func (dw *DataWriter) Dispose(ctx context.Context, instanceKey []byte) error {
	_, err := actor.Ask(dw.mailbox, func() error {
		sn := dw.nextSequenceNumber()
		handle := types.InstanceHandleFromKey(instanceKey)
		if err := dw.cache.AddChange(history.CacheChange{
			Kind:            history.NotAliveDisposed,
			WriterGuid:      dw.Guid,
			InstanceHandle:  handle,
			SequenceNumber:  sn,
			SourceTimestamp: now(),
		}); err != nil {
			return err
		}
		dw.deadline.Cancel(handle)
		return nil
	})
	return err
}

// nextSequenceNumber must only be called from within a mail already
// running on dw's mailbox goroutine (e.g. from inside Write/Dispose's
// actor.Ask closure): per-writer SN assignment is itself actor state.
func (dw *DataWriter) nextSequenceNumber() types.SequenceNumber {
	max, ok := dw.cache.GetSeqNumMax(dw.Guid)
	if !ok {
		return 1
	}
	return max + 1
}

func now() time.Time { return time.Now() }

// MatchReader registers a remote reader proxy discovered via SEDP,
// replaying already-retained samples for it (spec.md §4.5 "replay
// durable samples for TransientLocal").
func (dw *DataWriter) MatchReader(guid types.Guid, locators []types.Locator) {
	dw.rtps.MatchReader(guid, locators)
	dw.status.NotePublicationMatched(1)
}

func (dw *DataWriter) UnmatchReader(guid types.Guid) {
	dw.rtps.UnmatchReader(guid)
	dw.status.NotePublicationMatched(-1)
}

// Drain produces the pending wire submessages for one matched reader,
// called by the participant's send loop (spec.md §4.3 step 4).
func (dw *DataWriter) Drain(rp *writer.ReaderProxy) []message.Body {
	return dw.rtps.Drain(rp)
}

func (dw *DataWriter) ReaderProxies() []*writer.ReaderProxy { return dw.rtps.ReaderProxies() }

// NextHeartbeat builds the Heartbeat submessage announcing this writer's
// current retained-SN range to readerId, called by the participant's
// send loop alongside Drain (spec.md §4.3 step 4).
func (dw *DataWriter) NextHeartbeat(readerId types.EntityId) message.Heartbeat {
	return dw.rtps.NextHeartbeat(readerId)
}

// ProcessAckNack feeds a received AckNack into the reliability protocol.
func (dw *DataWriter) ProcessAckNack(sourcePrefix types.GuidPrefix, an message.AckNack) {
	dw.rtps.ProcessAckNack(sourcePrefix, an)
}

func (dw *DataWriter) ProcessNackFrag(sourcePrefix types.GuidPrefix, n message.NackFrag) {
	dw.rtps.ProcessNackFrag(sourcePrefix, n)
}

// Status returns the writer's status-kind sink for listener wiring.
func (dw *DataWriter) Status() *status.Sink { return dw.status }

// Close stops the writer's deadline timer; called once on
// Publisher.DeleteDataWriter so no deadline callback fires after deletion.
func (dw *DataWriter) Close() {
	dw.enabled.Store(false)
	dw.deadline.CancelAll()
}
