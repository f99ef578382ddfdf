package dds

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	logging "github.com/sirupsen/logrus"

	"github.com/linkerd/godds/internal/ddserror"
	"github.com/linkerd/godds/internal/rtps"
	"github.com/linkerd/godds/internal/rtps/types"
)

// DomainParticipantFactory creates and deletes DomainParticipants and keeps
// its own registry of them. It is not a singleton: a process may construct
// several factories, each with an independent participant registry.
type DomainParticipantFactory struct {
	log     *logging.Entry
	metrics builtinMetrics

	mu           sync.Mutex
	participants map[types.GuidPrefix]*DomainParticipant
}

// NewDomainParticipantFactory wires the Prometheus series every
// participant this factory creates will share, named the way
// controller/api/destination's metrics are registered against a single
// *prometheus.Registry.
func NewDomainParticipantFactory(log *logging.Entry, reg prometheus.Registerer) (*DomainParticipantFactory, error) {
	metrics := builtinMetrics{
		mailboxOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "godds_mailbox_overflow_total",
			Help: "Number of actor mailboxes that dropped a send because they were full, counted once per mailbox.",
		}),
		spdpPeersLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "godds_spdp_peers_lost_total",
			Help: "Number of SPDP peers whose lease expired without renewal.",
		}),
		sedpMatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "godds_sedp_matches_total",
			Help: "Number of reader/writer pairs matched via SEDP.",
		}),
		retransmittedData: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "godds_retransmitted_data_total",
			Help: "Number of Data submessages resent in response to an AckNack.",
		}),
	}
	for _, c := range []prometheus.Collector{metrics.mailboxOverflow, metrics.spdpPeersLost, metrics.sedpMatches, metrics.retransmittedData} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register godds metrics: %w", err)
		}
	}
	return &DomainParticipantFactory{
		log:          log,
		metrics:      metrics,
		participants: make(map[types.GuidPrefix]*DomainParticipant),
	}, nil
}

// CreateParticipant constructs, registers, and starts a DomainParticipant
// bound to tr (spec.md §3 Participant lifecycle: "created explicitly").
func (f *DomainParticipantFactory) CreateParticipant(cfg ParticipantConfig, tr rtps.Transport) (*DomainParticipant, error) {
	f.mu.Lock()
	if _, exists := f.participants[cfg.GuidPrefix]; exists {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: guid prefix %s already owns a participant", ddserror.PreconditionNotMet, cfg.GuidPrefix)
	}
	f.mu.Unlock()

	p := newDomainParticipant(cfg, tr, f.log.WithField("participant", cfg.GuidPrefix.String()), f.metrics)

	f.mu.Lock()
	f.participants[cfg.GuidPrefix] = p
	f.mu.Unlock()

	announceLocators := append(append([]types.Locator{}, cfg.MetatrafficMulticastLocators...), cfg.MetatrafficUnicastLocators...)
	go p.recvLoop()
	go p.announceLoop(announceLocators)
	go p.sendParticipantAnnouncement(announceLocators) // announce immediately rather than waiting one full period
	go p.sendLoop()

	return p, nil
}

// DeleteParticipant removes p from this factory and closes it. It fails
// with PreconditionNotMet while p still has DataWriters or DataReaders,
// and when p was not created by this factory.
func (f *DomainParticipantFactory) DeleteParticipant(p *DomainParticipant) error {
	p.mu.Lock()
	endpoints := len(p.localWriters) + len(p.localReaders)
	p.mu.Unlock()
	if endpoints > 0 {
		return fmt.Errorf("%w: participant still has %d data writers/readers", ddserror.PreconditionNotMet, endpoints)
	}
	f.mu.Lock()
	_, ok := f.participants[p.Config.GuidPrefix]
	delete(f.participants, p.Config.GuidPrefix)
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: participant not owned by this factory", ddserror.PreconditionNotMet)
	}
	return p.Close()
}

// LookupParticipant returns the participant owning prefix, if any.
func (f *DomainParticipantFactory) LookupParticipant(prefix types.GuidPrefix) (*DomainParticipant, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.participants[prefix]
	return p, ok
}
