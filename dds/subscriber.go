package dds

import (
	"context"
	"fmt"
	"sync"

	"github.com/linkerd/godds/internal/ddserror"
	"github.com/linkerd/godds/internal/qos"
	"github.com/linkerd/godds/internal/status"
)

// Subscriber groups DataReaders; symmetric to Publisher (spec.md §4.7).
type Subscriber struct {
	participant *DomainParticipant

	mu      sync.Mutex
	readers map[string]*DataReader
	status  *status.Sink
}

func newSubscriber(p *DomainParticipant) *Subscriber {
	sub := &Subscriber{participant: p, readers: make(map[string]*DataReader), status: status.NewSink()}
	sub.status.SetPropagate(func(k status.Kind) { p.status.Notify(k) })
	return sub
}

// CreateDataReader creates and enables a DataReader for topic under q.
func (sub *Subscriber) CreateDataReader(ctx context.Context, topic *Topic, q qos.EndpointQos) (*DataReader, error) {
	if topic == nil {
		return nil, ddserror.BadParameter
	}
	guid := sub.participant.nextEndpointGuid(readerEntityKind)
	dr := newDataReader(guid, topic, q, sub.participant, sub.participant.log.WithField("datareader", topic.Name), sub.participant.mailboxOverflow)
	dr.status.SetPropagate(func(k status.Kind) { sub.status.Notify(k) })
	topic.retain()

	sub.mu.Lock()
	sub.readers[guid.String()] = dr
	sub.mu.Unlock()

	go dr.Run(sub.participant.ctx)
	sub.participant.registerReader(dr)
	sub.participant.announceReader(dr)
	return dr, nil
}

func (sub *Subscriber) DeleteDataReader(dr *DataReader) error {
	sub.mu.Lock()
	_, ok := sub.readers[dr.Guid.String()]
	delete(sub.readers, dr.Guid.String())
	sub.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: datareader not owned by this subscriber", ddserror.PreconditionNotMet)
	}
	sub.participant.unregisterReader(dr)
	dr.Close()
	dr.Topic.release()
	return nil
}
