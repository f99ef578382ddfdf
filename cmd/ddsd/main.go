// Command ddsd runs a single DDS DomainParticipant as a standalone daemon:
// it binds a UDP transport, joins the SPDP multicast group, and serves
// Prometheus metrics, playing the role controller/main.go's single
// long-running command plays for the teacher, sized to this module's one
// daemon rather than a five-command dispatcher.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	logging "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/linkerd/godds/dds"
	"github.com/linkerd/godds/internal/rtps/types"
	"github.com/linkerd/godds/transport"
)

const defaultSPDPMulticastAddr = "239.255.0.1"

func main() {
	var (
		domainID          int
		domainTag         string
		bindAddr          string
		metatrafficAddr   string
		multicastIface    string
		leaseDuration     time.Duration
		announcePeriod    time.Duration
		metricsAddr       string
		logLevel          string
	)

	cmd := &cobra.Command{
		Use:   "ddsd",
		Short: "run a DDS domain participant",
		RunE: func(_ *cobra.Command, _ []string) error {
			level, err := logging.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("parse log level: %w", err)
			}
			log := logging.New()
			log.SetLevel(level)
			entry := logging.NewEntry(log)

			reg := prometheus.NewRegistry()
			factory, err := dds.NewDomainParticipantFactory(entry, reg)
			if err != nil {
				return fmt.Errorf("create domain participant factory: %w", err)
			}

			defaultTr, err := transport.NewUDPTransport(bindAddr)
			if err != nil {
				return fmt.Errorf("bind default transport %s: %w", bindAddr, err)
			}

			prefix, err := newRandomGuidPrefix()
			if err != nil {
				return fmt.Errorf("generate guid prefix: %w", err)
			}

			defaultLocator, err := localeLocator(bindAddr)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", bindAddr, err)
			}
			metatrafficLocator, err := localeLocator(metatrafficAddr)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", metatrafficAddr, err)
			}
			multicastLocator, err := localeLocator(net.JoinHostPort(defaultSPDPMulticastAddr, fmt.Sprint(multicastPort(metatrafficAddr))))
			if err != nil {
				return fmt.Errorf("resolve spdp multicast locator: %w", err)
			}
			if err := defaultTr.JoinMulticastGroup(multicastLocator, multicastIface); err != nil {
				log.WithError(err).Warn("failed to join spdp multicast group, discovery limited to explicit peers")
			}

			cfg := dds.ParticipantConfig{
				DomainId:                     int32(domainID),
				DomainTag:                    domainTag,
				GuidPrefix:                   prefix,
				DefaultUnicastLocators:       []types.Locator{defaultLocator},
				MetatrafficUnicastLocators:   []types.Locator{metatrafficLocator},
				MetatrafficMulticastLocators: []types.Locator{multicastLocator},
				LeaseDuration:                leaseDuration,
				AnnouncePeriod:               announcePeriod,
			}

			participant, err := factory.CreateParticipant(cfg, defaultTr)
			if err != nil {
				return fmt.Errorf("create participant: %w", err)
			}
			entry.WithFields(logging.Fields{
				"domain_id":   domainID,
				"guid_prefix": prefix.String(),
				"bind_addr":   bindAddr,
			}).Info("domain participant running")

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					entry.WithError(err).Error("metrics server exited")
				}
			}()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			entry.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
			return factory.DeleteParticipant(participant)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&domainID, "domain-id", 0, "DDS domain id")
	flags.StringVar(&domainTag, "domain-tag", "", "DDS domain tag, partitions peers that share a domain id")
	flags.StringVar(&bindAddr, "bind-addr", "0.0.0.0:7400", "address to bind the default unicast locator to")
	flags.StringVar(&metatrafficAddr, "metatraffic-addr", "0.0.0.0:7410", "address to bind the metatraffic unicast locator to")
	flags.StringVar(&multicastIface, "multicast-iface", "", "network interface to join the SPDP multicast group on (default: kernel choice)")
	flags.DurationVar(&leaseDuration, "lease-duration", 20*time.Second, "SPDP peer lease duration")
	flags.DurationVar(&announcePeriod, "announce-period", 5*time.Second, "SPDP announcement period")
	flags.StringVar(&metricsAddr, "metrics-addr", ":9480", "address to serve /metrics on")
	flags.StringVar(&logLevel, "log-level", "info", "log level (panic, fatal, error, warn, info, debug, trace)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRandomGuidPrefix() (types.GuidPrefix, error) {
	var prefix types.GuidPrefix
	if _, err := rand.Read(prefix[:]); err != nil {
		return prefix, err
	}
	return prefix, nil
}

func localeLocator(hostPort string) (types.Locator, error) {
	addr, err := net.ResolveUDPAddr("udp4", hostPort)
	if err != nil {
		return types.Locator{}, err
	}
	var loc types.Locator
	loc.Kind = types.LocatorKindUDPv4
	loc.Port = uint32(addr.Port)
	ip4 := addr.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	copy(loc.Address[len(loc.Address)-net.IPv4len:], ip4)
	return loc, nil
}

func multicastPort(metatrafficAddr string) int {
	_, portStr, err := net.SplitHostPort(metatrafficAddr)
	if err != nil {
		return 7410
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return 7410
	}
	return port
}
