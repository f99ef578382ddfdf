package actor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	logging "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMailbox(capacity int) *Mailbox {
	log := logging.NewEntry(logging.New())
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_overflow"})
	return NewMailbox(capacity, log, counter)
}

func TestSendRunsInFIFOOrder(t *testing.T) {
	m := newTestMailbox(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, m.Send(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}))
	}
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSendAfterCloseReturnsErrMailboxClosed(t *testing.T) {
	m := newTestMailbox(1)
	m.Close()
	err := m.Send(func() {})
	assert.ErrorIs(t, err, ErrMailboxClosed)
}

func TestSendOnFullMailboxReturnsErrMailboxFull(t *testing.T) {
	m := newTestMailbox(1)
	require.NoError(t, m.Send(func() {}))
	err := m.Send(func() {})
	assert.ErrorIs(t, err, ErrMailboxFull)
}

func TestCloseDrainsPendingMailBeforeRunReturns(t *testing.T) {
	m := newTestMailbox(4)
	var ran int32
	var mu sync.Mutex
	count := 0
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Send(func() {
			mu.Lock()
			count++
			mu.Unlock()
		}))
	}
	_ = ran

	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()
	m.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, count)
}

func TestAskReturnsFunctionResult(t *testing.T) {
	m := newTestMailbox(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	result, err := Ask(m, func() int { return 42 })
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestAskPropagatesSendError(t *testing.T) {
	m := newTestMailbox(1)
	m.Close()
	_, err := Ask(m, func() int { return 1 })
	assert.ErrorIs(t, err, ErrMailboxClosed)
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	m := newTestMailbox(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestPanicInMailDoesNotStopTheLoop(t *testing.T) {
	m := newTestMailbox(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.NoError(t, m.Send(func() { panic("boom") }))

	ran, err := Ask(m, func() bool { return true })
	require.NoError(t, err)
	assert.True(t, ran)
}
