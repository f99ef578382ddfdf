// Command ddsctl inspects a DDS domain from the outside: it joins as a
// throwaway participant, listens for SPDP announcements for a fixed
// window, and reports the peers it saw, the way the teacher's cli/
// commands spin up a client against a running system and report what they
// observe rather than querying an admin API the daemon doesn't expose.
package main

import (
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	logging "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/linkerd/godds/dds"
	"github.com/linkerd/godds/internal/rtps/types"
	"github.com/linkerd/godds/transport"
)

func main() {
	root := &cobra.Command{
		Use:   "ddsctl",
		Short: "inspect a DDS domain",
	}
	root.AddCommand(newDiscoverCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newDiscoverCommand() *cobra.Command {
	var (
		domainID       int
		bindAddr       string
		multicastAddr  string
		multicastIface string
		window         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "watch SPDP traffic on a domain and print the peers found",
		RunE: func(c *cobra.Command, _ []string) error {
			log := logging.New()
			log.SetLevel(logging.WarnLevel)
			entry := logging.NewEntry(log)

			tr, err := transport.NewUDPTransport(bindAddr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", bindAddr, err)
			}

			addr, err := net.ResolveUDPAddr("udp4", multicastAddr)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", multicastAddr, err)
			}
			var multicastLocator types.Locator
			multicastLocator.Kind = types.LocatorKindUDPv4
			multicastLocator.Port = uint32(addr.Port)
			ip4 := addr.IP.To4()
			copy(multicastLocator.Address[len(multicastLocator.Address)-net.IPv4len:], ip4)
			if err := tr.JoinMulticastGroup(multicastLocator, multicastIface); err != nil {
				return fmt.Errorf("join multicast group: %w", err)
			}

			prefix, err := newRandomGuidPrefix()
			if err != nil {
				return fmt.Errorf("generate guid prefix: %w", err)
			}
			factory, err := dds.NewDomainParticipantFactory(entry, prometheus.NewRegistry())
			if err != nil {
				return fmt.Errorf("create factory: %w", err)
			}
			cfg := dds.ParticipantConfig{
				DomainId:                     int32(domainID),
				GuidPrefix:                   prefix,
				MetatrafficMulticastLocators: []types.Locator{multicastLocator},
				LeaseDuration:                20 * time.Second,
				AnnouncePeriod:               5 * time.Second,
			}
			participant, err := factory.CreateParticipant(cfg, tr)
			if err != nil {
				return fmt.Errorf("create participant: %w", err)
			}
			defer factory.DeleteParticipant(participant)

			c.Printf("listening for %s on domain %d...\n", window, domainID)
			time.Sleep(window)

			peers := participant.Peers()
			if len(peers) == 0 {
				color.Yellow("no peers found")
				return nil
			}
			green := color.New(color.FgGreen).SprintFunc()
			for _, p := range peers {
				fmt.Printf("%s  %s  domain_tag=%q  lease=%ds\n",
					green(p.Data.GuidPrefix.String()), p.Data.MetatrafficUnicastLocators, p.Data.DomainTag, int(p.Data.LeaseDurationSeconds))
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&domainID, "domain-id", 0, "DDS domain id")
	flags.StringVar(&bindAddr, "bind-addr", "0.0.0.0:0", "local address to bind for listening")
	flags.StringVar(&multicastAddr, "multicast-addr", "239.255.0.1:7410", "SPDP multicast group to join")
	flags.StringVar(&multicastIface, "multicast-iface", "", "network interface to join the multicast group on")
	flags.DurationVar(&window, "window", 10*time.Second, "how long to listen before reporting")

	return cmd
}

func newRandomGuidPrefix() (types.GuidPrefix, error) {
	var prefix types.GuidPrefix
	if _, err := rand.Read(prefix[:]); err != nil {
		return prefix, err
	}
	return prefix, nil
}
