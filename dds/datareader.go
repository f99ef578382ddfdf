package dds

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	logging "github.com/sirupsen/logrus"

	"github.com/linkerd/godds/internal/actor"
	"github.com/linkerd/godds/internal/history"
	"github.com/linkerd/godds/internal/qos"
	"github.com/linkerd/godds/internal/rtps/message"
	"github.com/linkerd/godds/internal/rtps/reader"
	"github.com/linkerd/godds/internal/rtps/types"
	"github.com/linkerd/godds/internal/status"
)

// Sample pairs a delivered payload with the reader-side metadata spec.md
// §3's Instance/CacheChange model tracks for it.
type Sample struct {
	Data            []byte
	Kind            history.ChangeKind
	InstanceHandle  types.InstanceHandle
	SourceTimestamp time.Time
	ViewState       history.ViewState
	InstanceState   history.InstanceState
	SampleState     history.SampleState
}

// DataReader is the actor owning one reader-side history cache and its
// RTPS StatefulReader reliability state (spec.md §4.8).
type DataReader struct {
	Guid  types.Guid
	Topic *Topic
	Qos   qos.EndpointQos

	mailbox *actor.Mailbox
	cache   *history.ReaderCache
	rtps    *reader.StatefulReader
	status  *status.Sink

	deadline   *status.DeadlineTimer
	lifespan   qos.Lifespan
	liveliness *status.LivelinessMonitor

	participant *DomainParticipant
	log         *logging.Entry
}

func newDataReader(guid types.Guid, topic *Topic, q qos.EndpointQos, p *DomainParticipant, log *logging.Entry, overflow prometheus.Counter) *DataReader {
	dr := &DataReader{
		Guid:        guid,
		Topic:       topic,
		Qos:         q,
		mailbox:     actor.NewMailbox(64, log, overflow),
		cache:       history.NewReaderCache(q.History.OrDefault(), q.ResourceLimits.OrDefault(), q.DestinationOrder, q.TimeBasedFilter, q.Ownership),
		rtps:        reader.NewStatefulReader(guid),
		status:      status.NewSink(),
		lifespan:    q.Lifespan,
		participant: p,
		log:         log,
	}
	dr.deadline = status.NewDeadlineTimer(q.Deadline.Period, func(types.InstanceHandle) {
		dr.status.NoteRequestedDeadlineMissed()
	})
	dr.liveliness = status.NewLivelinessMonitor(q.Liveliness.LeaseDuration, func(writerGuid types.Guid) {
		dr.cache.NotifyWriterLost(writerGuid)
		dr.status.NoteLivelinessChanged()
	})
	return dr
}

func (dr *DataReader) Run(ctx context.Context) { dr.mailbox.Run(ctx) }

func (dr *DataReader) MatchWriter(guid types.Guid, locators []types.Locator) {
	dr.rtps.MatchWriter(guid, locators)
	dr.status.NoteSubscriptionMatched(1)
	dr.liveliness.Assert(guid)
}

func (dr *DataReader) UnmatchWriter(guid types.Guid) {
	dr.rtps.UnmatchWriter(guid)
	dr.status.NoteSubscriptionMatched(-1)
	dr.cache.NotifyWriterLost(guid)
	dr.liveliness.Remove(guid)
}

// OnData applies an incoming Data submessage: admits it through the
// reliability protocol's duplicate check, then the QoS admission
// pipeline, raising SampleRejected/DataAvailable as appropriate (spec.md
// §4.2, §4.7).
func (dr *DataReader) OnData(sourcePrefix types.GuidPrefix, d message.Data, writerStrength int32, sourceTimestamp time.Time) {
	writerGuid := types.Guid{Prefix: sourcePrefix, Entity: d.WriterId}
	if !dr.rtps.OnData(sourcePrefix, d.WriterId, d.WriterSN) {
		return // duplicate
	}

	kind := history.Alive
	if d.KeyOnly {
		kind = history.NotAliveDisposed
	}
	handle := types.InstanceHandleFromKey(d.SerializedPayload)
	ch := history.CacheChange{
		Kind:              kind,
		WriterGuid:        writerGuid,
		InstanceHandle:    handle,
		SequenceNumber:    d.WriterSN,
		SourceTimestamp:   sourceTimestamp,
		SerializedPayload: d.SerializedPayload,
		InlineQos:         d.InlineQos,
	}
	result := dr.cache.Admit(ch, writerStrength, sourceTimestamp)
	if !result.Admitted {
		dr.status.NoteSampleRejected()
		return
	}
	dr.deadline.Renew(handle)
	dr.armLifespan(writerGuid, d.WriterSN)
	dr.status.NoteDataAvailable()
}

// armLifespan schedules the sample's silent removal from dr's cache once
// Lifespan.Duration elapses (spec.md §4.7: expiry is not a status). A
// no-op when Lifespan is unset.
func (dr *DataReader) armLifespan(writerGuid types.Guid, sn types.SequenceNumber) {
	if dr.lifespan.Duration <= 0 {
		return
	}
	status.NewLifespanTimer(dr.lifespan.Duration, func() {
		dr.cache.RemoveChange(func(ch history.CacheChange) bool {
			return ch.WriterGuid == writerGuid && ch.SequenceNumber == sn
		})
	}).Arm()
}

func (dr *DataReader) OnHeartbeat(sourcePrefix types.GuidPrefix, hb message.Heartbeat) (scheduleAckNack bool) {
	schedule, liveliness := dr.rtps.OnHeartbeat(sourcePrefix, hb)
	if liveliness {
		dr.status.NoteLivelinessChanged()
	}
	dr.liveliness.Assert(types.Guid{Prefix: sourcePrefix, Entity: hb.WriterId})
	return schedule
}

func (dr *DataReader) OnGap(sourcePrefix types.GuidPrefix, g message.Gap) {
	dr.rtps.OnGap(sourcePrefix, g)
}

func (dr *DataReader) NextAckNack(wp *reader.WriterProxy) message.AckNack {
	return dr.rtps.NextAckNack(wp)
}

func (dr *DataReader) WriterProxies() []*reader.WriterProxy { return dr.rtps.WriterProxies() }

// changeKey identifies one retained CacheChange by its (writer, SN) pair,
// the same uniqueness Cache.AddChange's duplicate check uses.
type changeKey struct {
	writer types.Guid
	sn     types.SequenceNumber
}

// Take returns every retained sample and removes it from dr.cache, then
// clears DataAvailable's changed_flag, matching the DDS take() operation's
// read-and-remove contract (spec.md §3: a sample is destroyed by either
// eviction or an explicit take). A second Take call with no intervening
// Write never re-returns the same sample.
func (dr *DataReader) Take() []Sample {
	result, _ := actor.Ask(dr.mailbox, func() []Sample {
		changes := dr.cache.Changes()
		out := make([]Sample, 0, len(changes))
		taken := make(map[changeKey]bool, len(changes))
		for _, ch := range changes {
			inst := dr.cache.Instance(ch.InstanceHandle)
			s := Sample{
				Data:            ch.SerializedPayload,
				Kind:            ch.Kind,
				InstanceHandle:  ch.InstanceHandle,
				SourceTimestamp: ch.SourceTimestamp,
			}
			if inst != nil {
				s.SampleState = inst.SampleState
				s.ViewState = inst.ViewState
				s.InstanceState = inst.InstanceState
				inst.MarkDelivered(time.Now())
			}
			out = append(out, s)
			taken[changeKey{ch.WriterGuid, ch.SequenceNumber}] = true
		}
		dr.cache.RemoveChange(func(ch history.CacheChange) bool {
			return taken[changeKey{ch.WriterGuid, ch.SequenceNumber}]
		})
		return out
	})
	dr.status.TakeDataAvailable()
	return result
}

func (dr *DataReader) Status() *status.Sink { return dr.status }

// Close stops the reader's deadline and liveliness timers; called once on
// Subscriber.DeleteDataReader so no callback fires after deletion.
func (dr *DataReader) Close() {
	dr.deadline.CancelAll()
	dr.liveliness.CancelAll()
}
