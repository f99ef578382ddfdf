package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkerd/godds/internal/rtps/types"
)

func TestUDPTransportSendRecvRoundtrip(t *testing.T) {
	a, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	bAddr := b.conn.LocalAddr()
	bLocator := udpAddrToLocator(bAddr.(*net.UDPAddr))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Send(ctx, bLocator, []byte("hello rtps")))

	data, _, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello rtps", string(data))
}

func TestUDPTransportRecvRespectsContextDeadline(t *testing.T) {
	tr, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = tr.Recv(ctx)
	assert.Error(t, err)
}

func TestUDPTransportMTUDefault(t *testing.T) {
	tr, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, DefaultMTU, tr.MTU())
}

func TestLocatorUDPAddrRoundtrip(t *testing.T) {
	var loc types.Locator
	loc.Kind = types.LocatorKindUDPv4
	loc.Port = 7400
	copy(loc.Address[12:], []byte{127, 0, 0, 1})

	addr := locatorToUDPAddr(loc)
	back := udpAddrToLocator(addr)
	assert.Equal(t, loc.Port, back.Port)
	assert.Equal(t, loc.Address, back.Address)
}
