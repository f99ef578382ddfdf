package dds

import (
	"context"
	"fmt"
	"sync"

	"github.com/linkerd/godds/internal/ddserror"
	"github.com/linkerd/godds/internal/qos"
	"github.com/linkerd/godds/internal/status"
)

// Publisher groups DataWriters and is itself a status-propagation hop
// (spec.md §4.7 rule (b)): a writer status not covered by its own
// listener mask bubbles up to the owning Publisher, then to the
// DomainParticipant.
type Publisher struct {
	participant *DomainParticipant

	mu      sync.Mutex
	writers map[string]*DataWriter
	status  *status.Sink
}

func newPublisher(p *DomainParticipant) *Publisher {
	pub := &Publisher{participant: p, writers: make(map[string]*DataWriter), status: status.NewSink()}
	pub.status.SetPropagate(func(k status.Kind) { p.status.Notify(k) })
	return pub
}

// CreateDataWriter creates and enables a DataWriter for topic under q.
func (pub *Publisher) CreateDataWriter(ctx context.Context, topic *Topic, q qos.EndpointQos) (*DataWriter, error) {
	if topic == nil {
		return nil, ddserror.BadParameter
	}
	guid := pub.participant.nextEndpointGuid(writerEntityKind)
	dw := newDataWriter(guid, topic, q, pub.participant, pub.participant.log.WithField("datawriter", topic.Name), pub.participant.mailboxOverflow)
	dw.status.SetPropagate(func(k status.Kind) { pub.status.Notify(k) })
	topic.retain()

	pub.mu.Lock()
	pub.writers[guid.String()] = dw
	pub.mu.Unlock()

	go dw.Run(pub.participant.ctx)
	pub.participant.registerWriter(dw)
	pub.participant.announceWriter(dw)
	return dw, nil
}

// DeleteDataWriter removes dw, unmatching every remote reader.
func (pub *Publisher) DeleteDataWriter(dw *DataWriter) error {
	pub.mu.Lock()
	_, ok := pub.writers[dw.Guid.String()]
	delete(pub.writers, dw.Guid.String())
	pub.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: datawriter not owned by this publisher", ddserror.PreconditionNotMet)
	}
	pub.participant.unregisterWriter(dw)
	dw.Close()
	dw.Topic.release()
	return nil
}
