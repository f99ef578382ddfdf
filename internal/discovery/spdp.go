package discovery

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	gocache "github.com/patrickmn/go-cache"
	logging "github.com/sirupsen/logrus"

	"github.com/linkerd/godds/internal/rtps/types"
)

// Peer is the locally-held record of a discovered remote participant
// (spec.md §4.5): recorded on first SPDP reception, refreshed on every
// subsequent one, removed on lease expiry.
type Peer struct {
	Data        ParticipantData
	LastPayload uint64
}

// SPDPAgent tracks peer participants behind a patrickmn/go-cache expiring
// map: each peer's TTL is its own announced lease_duration, and eviction
// fires OnPeerLost, which the owning DomainParticipant actor uses to
// cascade-unmatch every built-in and user endpoint belonging to that
// peer (spec.md §4.5 "Lease management").
type SPDPAgent struct {
	log   *logging.Entry
	cache *gocache.Cache

	mu          sync.Mutex
	onPeerFound func(Peer)
	onPeerLost  func(types.GuidPrefix)
}

// NewSPDPAgent creates an agent. The underlying cache sweeps for expired
// peers every second; spec.md does not mandate a specific value, and a 1s
// sweep keeps lease-timeout latency small relative to typical lease
// durations (~5s+).
func NewSPDPAgent(log *logging.Entry) *SPDPAgent {
	a := &SPDPAgent{
		log:   log,
		cache: gocache.New(gocache.NoExpiration, time.Second),
	}
	a.cache.OnEvicted(func(key string, value interface{}) {
		peer, ok := value.(Peer)
		if !ok {
			return
		}
		a.mu.Lock()
		onLost := a.onPeerLost
		a.mu.Unlock()
		if onLost != nil {
			onLost(peer.Data.GuidPrefix)
		}
		if a.log != nil {
			a.log.WithField("peer", peer.Data.GuidPrefix.String()).Info("spdp lease expired")
		}
	})
	return a
}

// OnPeerFound registers the callback invoked the first time a peer's
// GuidPrefix is recorded (spec.md §4.5: "bootstraps SEDP").
func (a *SPDPAgent) OnPeerFound(fn func(Peer)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onPeerFound = fn
}

// OnPeerLost registers the callback invoked on lease expiry.
func (a *SPDPAgent) OnPeerLost(fn func(types.GuidPrefix)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onPeerLost = fn
}

// ReceiveAnnouncement processes a decoded SpdpDiscoveredParticipantData
// sample. A peer already known whose payload hash hasn't changed since
// the last announcement only has its lease renewed; an unknown peer or
// one announcing changed content invokes onPeerFound. xxhash is a fast
// non-cryptographic hash, appropriate here since the only requirement is
// cheap change detection, not collision resistance against an adversary.
func (a *SPDPAgent) ReceiveAnnouncement(payload []byte, data ParticipantData) {
	key := data.GuidPrefix.String()
	hash := xxhash.Sum64(payload)
	lease := time.Duration(data.LeaseDurationSeconds * float64(time.Second))
	if lease <= 0 {
		lease = gocache.NoExpiration
	}

	existing, found := a.cache.Get(key)
	peer := Peer{Data: data, LastPayload: hash}
	a.cache.Set(key, peer, lease)

	if found {
		if prior, ok := existing.(Peer); ok && prior.LastPayload == hash {
			return
		}
	}

	a.mu.Lock()
	onFound := a.onPeerFound
	a.mu.Unlock()
	if onFound != nil {
		onFound(peer)
	}
}

// Forget removes a peer immediately, bypassing lease expiry; the removal
// fires the OnPeerLost callback just as an expiry does.
func (a *SPDPAgent) Forget(prefix types.GuidPrefix) {
	a.cache.Delete(prefix.String())
}

// Peers returns a snapshot of all currently live peers.
func (a *SPDPAgent) Peers() []Peer {
	items := a.cache.Items()
	out := make([]Peer, 0, len(items))
	for _, item := range items {
		if peer, ok := item.Object.(Peer); ok {
			out = append(out, peer)
		}
	}
	return out
}

// Peer looks up a single peer by GuidPrefix.
func (a *SPDPAgent) Peer(prefix types.GuidPrefix) (Peer, bool) {
	v, ok := a.cache.Get(prefix.String())
	if !ok {
		return Peer{}, false
	}
	peer, ok := v.(Peer)
	return peer, ok
}
