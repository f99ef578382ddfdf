package dds

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	logging "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/linkerd/godds/internal/qos"
	"github.com/linkerd/godds/internal/rtps/types"
)

func TestFactoryCreateParticipantRejectsDuplicateGuidPrefix(t *testing.T) {
	log := logging.New()
	log.SetLevel(logging.ErrorLevel)
	entry := logging.NewEntry(log)
	factory, err := NewDomainParticipantFactory(entry, prometheus.NewRegistry())
	require.NoError(t, err)

	var prefix types.GuidPrefix
	prefix[0] = 9
	cfg := ParticipantConfig{GuidPrefix: prefix}

	p1, err := factory.CreateParticipant(cfg, newLoopbackTransport())
	require.NoError(t, err)
	t.Cleanup(func() { _ = factory.DeleteParticipant(p1) })

	_, err = factory.CreateParticipant(cfg, newLoopbackTransport())
	require.Error(t, err)
}

func TestFactoryDeleteParticipantRejectsForeignParticipant(t *testing.T) {
	log := logging.New()
	log.SetLevel(logging.ErrorLevel)
	entry := logging.NewEntry(log)
	factoryA, err := NewDomainParticipantFactory(entry, prometheus.NewRegistry())
	require.NoError(t, err)
	factoryB, err := NewDomainParticipantFactory(entry, prometheus.NewRegistry())
	require.NoError(t, err)

	var prefix types.GuidPrefix
	prefix[0] = 3
	p, err := factoryA.CreateParticipant(ParticipantConfig{GuidPrefix: prefix}, newLoopbackTransport())
	require.NoError(t, err)
	t.Cleanup(func() { _ = factoryA.DeleteParticipant(p) })

	require.Error(t, factoryB.DeleteParticipant(p))
}

func TestDeleteTopicRejectsWhileEndpointsAttached(t *testing.T) {
	p := testParticipant(t)
	topic := p.CreateTopic("temperature", "Celsius", qos.EndpointQos{})
	pub := p.CreatePublisher()

	dw, err := pub.CreateDataWriter(context.Background(), topic, qos.EndpointQos{})
	require.NoError(t, err)

	require.Error(t, p.DeleteTopic(topic))

	require.NoError(t, pub.DeleteDataWriter(dw))
	require.NoError(t, p.DeleteTopic(topic))
}

func TestCreateTopicReturnsSameTopicForSameName(t *testing.T) {
	p := testParticipant(t)
	a := p.CreateTopic("temperature", "Celsius", qos.EndpointQos{})
	b := p.CreateTopic("temperature", "Celsius", qos.EndpointQos{})
	require.Same(t, a, b)
}
