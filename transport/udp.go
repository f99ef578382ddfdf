// Package transport implements the rtps.Transport port over UDP/IPv4
// (SPEC_FULL §2 C10): one unicast socket per participant locator, plus
// multicast group membership for discovery traffic, using
// golang.org/x/net/ipv4 the way the spec names.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/linkerd/godds/internal/rtps"
	"github.com/linkerd/godds/internal/rtps/types"
)

// DefaultMTU is the conservative Ethernet/UDP/IPv4 payload size used
// absent a configured MTU (spec.md §4.9 Assembler default).
const DefaultMTU = 1472

// UDPTransport implements rtps.Transport over a single bound UDP socket.
// Multiple locators may share one transport only if they all resolve to
// the same bound address; callers needing several local sockets (e.g.
// metatraffic + default) construct one UDPTransport per socket, matching
// how a real RTPS participant owns distinct unicast locators per
// traffic class.
type UDPTransport struct {
	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	mtu    int
	sendMu sync.Mutex
}

var _ rtps.Transport = (*UDPTransport)(nil)

// NewUDPTransport binds a UDP socket at bindAddr (host:port, host may be
// empty to bind all interfaces) and returns a ready-to-use transport.
func NewUDPTransport(bindAddr string) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp4", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", bindAddr, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", bindAddr, err)
	}
	return &UDPTransport{
		conn:  conn,
		pconn: ipv4.NewPacketConn(conn),
		mtu:   DefaultMTU,
	}, nil
}

// JoinMulticastGroup joins the multicast locator's group on the named
// interface (empty iface lets the kernel pick), the way SPDP's default
// multicast locator is consumed (spec.md §4.5).
func (t *UDPTransport) JoinMulticastGroup(locator types.Locator, iface string) error {
	addr := locatorToUDPAddr(locator)
	var ifi *net.Interface
	if iface != "" {
		found, err := net.InterfaceByName(iface)
		if err != nil {
			return fmt.Errorf("interface %s: %w", iface, err)
		}
		ifi = found
	}
	return t.pconn.JoinGroup(ifi, &net.UDPAddr{IP: addr.IP})
}

func (t *UDPTransport) Send(ctx context.Context, locator types.Locator, datagram []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	_, err := t.conn.WriteToUDP(datagram, locatorToUDPAddr(locator))
	return err
}

func (t *UDPTransport) Recv(ctx context.Context) ([]byte, types.Locator, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
		defer t.conn.SetReadDeadline(time.Time{})
	}
	// Cancellation without a deadline unblocks the read by expiring it now.
	stop := context.AfterFunc(ctx, func() { _ = t.conn.SetReadDeadline(time.Now()) })
	defer stop()
	buf := make([]byte, 64*1024)
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, types.Locator{}, ctx.Err()
		default:
			return nil, types.Locator{}, err
		}
	}
	return buf[:n], udpAddrToLocator(addr), nil
}

func (t *UDPTransport) MTU() int { return t.mtu }

func (t *UDPTransport) Close() error { return t.conn.Close() }

func locatorToUDPAddr(l types.Locator) *net.UDPAddr {
	ip := make(net.IP, net.IPv4len)
	copy(ip, l.Address[len(l.Address)-net.IPv4len:])
	return &net.UDPAddr{IP: ip, Port: int(l.Port)}
}

func udpAddrToLocator(addr *net.UDPAddr) types.Locator {
	var loc types.Locator
	loc.Kind = types.LocatorKindUDPv4
	loc.Port = uint32(addr.Port)
	ip4 := addr.IP.To4()
	copy(loc.Address[len(loc.Address)-net.IPv4len:], ip4)
	return loc
}
