package dds

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	logging "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/linkerd/godds/internal/history"
	"github.com/linkerd/godds/internal/qos"
	"github.com/linkerd/godds/internal/rtps/message"
	"github.com/linkerd/godds/internal/rtps/types"
)

// loopbackTransport never delivers anything sent through it; these tests
// wire a DataWriter and DataReader together directly (MatchReader/
// MatchWriter) rather than through a real socket and SEDP, the same way
// internal/rtps/writer's and internal/rtps/reader's own tests exercise the
// reliability protocol without a transport.
type loopbackTransport struct {
	recv   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newLoopbackTransport() *loopbackTransport {
	return &loopbackTransport{recv: make(chan []byte), closed: make(chan struct{})}
}

func (t *loopbackTransport) Send(_ context.Context, _ types.Locator, _ []byte) error {
	return nil
}

func (t *loopbackTransport) Recv(ctx context.Context) ([]byte, types.Locator, error) {
	select {
	case b := <-t.recv:
		return b, types.Locator{}, nil
	case <-t.closed:
		return nil, types.Locator{}, errors.New("loopback transport closed")
	case <-ctx.Done():
		return nil, types.Locator{}, ctx.Err()
	}
}

func (t *loopbackTransport) MTU() int { return 1472 }

func (t *loopbackTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func testParticipant(t *testing.T) *DomainParticipant {
	t.Helper()
	log := logging.New()
	log.SetLevel(logging.ErrorLevel)
	entry := logging.NewEntry(log)

	factory, err := NewDomainParticipantFactory(entry, prometheus.NewRegistry())
	require.NoError(t, err)

	var prefix types.GuidPrefix
	prefix[0] = 1
	cfg := ParticipantConfig{
		DomainId:       0,
		GuidPrefix:     prefix,
		LeaseDuration:  time.Second,
		AnnouncePeriod: time.Hour, // keep the announce ticker from firing mid-test
	}
	p, err := factory.CreateParticipant(cfg, newLoopbackTransport())
	require.NoError(t, err)
	t.Cleanup(func() { _ = factory.DeleteParticipant(p) })
	return p
}

// TestDataWriterWriteReaderTakeLocalMatch exercises the full local
// write -> admit -> match -> read path spec.md §3/§4.2 describe, without
// going through SPDP/SEDP discovery: the writer and reader are matched
// directly, the way a test for SEDP's own matching logic would stub out
// the announcement step it depends on.
func TestDataWriterWriteReaderTakeLocalMatch(t *testing.T) {
	p := testParticipant(t)

	topic := p.CreateTopic("temperature", "Celsius", qos.EndpointQos{})
	pub := p.CreatePublisher()
	sub := p.CreateSubscriber()

	dw, err := pub.CreateDataWriter(context.Background(), topic, qos.EndpointQos{})
	require.NoError(t, err)
	dr, err := sub.CreateDataReader(context.Background(), topic, qos.EndpointQos{})
	require.NoError(t, err)

	dw.MatchReader(dr.Guid, nil)
	dr.MatchWriter(dw.Guid, nil)

	require.NoError(t, dw.Write(context.Background(), []byte("sensor-1"), []byte("21.5")))

	rps := dw.ReaderProxies()
	require.Len(t, rps, 1)
	bodies := dw.Drain(rps[0])
	require.NotEmpty(t, bodies)

	for _, b := range bodies {
		data, ok := b.(message.Data)
		require.True(t, ok, "expected a Data body for a freshly written KeepLast(1) sample")
		dr.OnData(dw.Guid.Prefix, data, 0, time.Now())
	}

	samples := dr.Take()
	require.Len(t, samples, 1)
	require.Equal(t, []byte("21.5"), samples[0].Data)

	// Take clears DataAvailable's changed_flag and does not re-deliver.
	require.Empty(t, dr.Take())
}

// TestDataWriterDisposeMarksInstanceNotAliveDisposed covers the
// Dispose-without-payload path (spec.md §3 CacheChange.Kind).
func TestDataWriterDisposeMarksInstanceNotAliveDisposed(t *testing.T) {
	p := testParticipant(t)
	topic := p.CreateTopic("temperature", "Celsius", qos.EndpointQos{})
	pub := p.CreatePublisher()
	sub := p.CreateSubscriber()

	dw, err := pub.CreateDataWriter(context.Background(), topic, qos.EndpointQos{})
	require.NoError(t, err)
	dr, err := sub.CreateDataReader(context.Background(), topic, qos.EndpointQos{})
	require.NoError(t, err)

	dw.MatchReader(dr.Guid, nil)
	dr.MatchWriter(dw.Guid, nil)

	require.NoError(t, dw.Write(context.Background(), []byte("sensor-1"), []byte("21.5")))
	require.NoError(t, dw.Dispose(context.Background(), []byte("sensor-1")))

	rps := dw.ReaderProxies()
	require.Len(t, rps, 1)
	bodies := dw.Drain(rps[0])
	for _, b := range bodies {
		data, ok := b.(message.Data)
		require.True(t, ok)
		dr.OnData(dw.Guid.Prefix, data, 0, time.Now())
	}

	samples := dr.Take()
	require.NotEmpty(t, samples)
	last := samples[len(samples)-1]
	require.Equal(t, history.NotAliveDisposed, last.Kind)
}

// TestDataWriterWriteBeforeMatchDoesNotPanic covers the common startup
// ordering where Write happens before any reader has matched yet: the
// sample is retained in the writer's cache for later replay once a
// reader does match (spec.md §4.5 "replay durable samples").
func TestDataWriterWriteBeforeMatchDoesNotPanic(t *testing.T) {
	p := testParticipant(t)
	topic := p.CreateTopic("temperature", "Celsius", qos.EndpointQos{})
	pub := p.CreatePublisher()

	dw, err := pub.CreateDataWriter(context.Background(), topic, qos.EndpointQos{})
	require.NoError(t, err)

	require.NoError(t, dw.Write(context.Background(), []byte("sensor-1"), []byte("21.5")))
	require.Empty(t, dw.ReaderProxies())
}

// TestPublisherDeleteDataWriterRejectsForeignWriter covers the
// ownership-check error path (spec.md §3 DeleteDataWriter precondition).
func TestPublisherDeleteDataWriterRejectsForeignWriter(t *testing.T) {
	p := testParticipant(t)
	topicA := p.CreateTopic("a", "T", qos.EndpointQos{})
	topicB := p.CreateTopic("b", "T", qos.EndpointQos{})
	pubA := p.CreatePublisher()
	pubB := p.CreatePublisher()

	dwA, err := pubA.CreateDataWriter(context.Background(), topicA, qos.EndpointQos{})
	require.NoError(t, err)
	_, err = pubB.CreateDataWriter(context.Background(), topicB, qos.EndpointQos{})
	require.NoError(t, err)

	require.Error(t, pubB.DeleteDataWriter(dwA))
}
