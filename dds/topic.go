// Package dds wires the lower-level codec, history, QoS, RTPS reliability,
// discovery, and actor packages into the entity façade spec.md §3
// describes: DomainParticipantFactory, DomainParticipant, Publisher,
// Subscriber, Topic, DataWriter, DataReader.
package dds

import (
	"sync"

	"github.com/linkerd/godds/internal/ddserror"
	"github.com/linkerd/godds/internal/qos"
)

// Topic is a reference-counted binding of a topic name to a type name and
// TopicQos (spec.md §3: "cannot be deleted while attached readers/writers
// remain").
type Topic struct {
	Name     string
	TypeName string
	Qos      qos.EndpointQos

	mu       sync.Mutex
	refCount int
}

func newTopic(name, typeName string, q qos.EndpointQos) *Topic {
	return &Topic{Name: name, TypeName: typeName, Qos: q}
}

func (t *Topic) retain() {
	t.mu.Lock()
	t.refCount++
	t.mu.Unlock()
}

// release decrements the reference count and reports whether it reached
// zero (caller may then drop the topic from the participant's registry).
func (t *Topic) release() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refCount--
	return t.refCount <= 0
}

// deletePrecondition returns PreconditionNotMet if readers/writers still
// reference the topic (spec.md §3 Topic lifecycle).
func (t *Topic) deletePrecondition() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refCount > 0 {
		return ddserror.PreconditionNotMet
	}
	return nil
}
