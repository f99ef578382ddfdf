package rtps

import (
	"context"

	"github.com/linkerd/godds/internal/rtps/types"
)

// Transport is the port C9 (Message Assembly) and every actor that sends
// RTPS traffic depend on (spec.md §5 "Shared resources": "the Transport
// port is shared by reference; concurrent sends are serialized by the
// transport layer"). It is deliberately minimal: locator addressing,
// datagram send/receive, and the negotiated MTU. Reliability, ordering,
// and fragmentation all live above this port, never inside an
// implementation of it.
type Transport interface {
	// Send writes one datagram to the given locator. Implementations
	// serialize concurrent calls themselves; callers never need to hold
	// an external lock around Send.
	Send(ctx context.Context, locator types.Locator, datagram []byte) error
	// Recv blocks until a datagram arrives, returning its bytes and the
	// locator it was received from. It is a suspension point (spec.md
	// §5); ctx cancellation unblocks it with ctx.Err().
	Recv(ctx context.Context) (datagram []byte, from types.Locator, err error)
	// MTU returns the maximum datagram size this transport can send
	// without fragmentation at the transport layer itself.
	MTU() int
	// Close releases any sockets or goroutines owned by the transport.
	// A closed transport's pending Recv returns an error.
	Close() error
}
