// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package dhcpv6 synthesizes DHCPv6 Reply messages for the
// Information-Request flow: no address assignment, only configuration
// options (Server-Id, DNS servers and search domains).
package dhcpv6

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
	"github.com/insomniacslk/dhcp/rfc1035label"

	"github.com/grnet/tapresponderd/internal/binding"
	"github.com/grnet/tapresponderd/internal/ndp"
	"github.com/grnet/tapresponderd/logger"
)

var log = logger.GetLogger("responder.dhcpv6")

// trafficClass marks DHCPv6 replies as network-control traffic (DSCP CS6).
const trafficClass = 192

// ErrUnsupported is returned for any DHCPv6 message type other than
// Information-Request; this system does not do stateful address
// assignment.
var ErrUnsupported = errors.New("dhcpv6: only information-request is handled")

// ErrNoSubnet6 mirrors the other IPv6 responders: a binding without an
// IPv6 subnet gets no DHCPv6 reply either.
var ErrNoSubnet6 = errors.New("dhcpv6: binding has no subnet6")

// Config is the subset of global configuration the DHCPv6 responder needs.
type Config struct {
	Nameservers []net.IP
	Domains     []string
}

// BuildReply parses a DHCPv6 message pulled from the queue and, for an
// Information-Request, returns the wire-format Reply.
func BuildReply(payload []byte, b *binding.Binding, hostMAC net.HardwareAddr, cfg Config) (dhcpv6.DHCPv6, error) {
	if b.Subnet6 == nil {
		return nil, ErrNoSubnet6
	}

	msg, err := dhcpv6.FromBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("dhcpv6: parse request: %w", err)
	}
	req, ok := msg.(*dhcpv6.Message)
	if !ok || req.MessageType != dhcpv6.MessageTypeInformationRequest {
		return nil, ErrUnsupported
	}

	resp, err := dhcpv6.NewReplyFromMessage(req)
	if err != nil {
		return nil, fmt.Errorf("dhcpv6: build reply skeleton: %w", err)
	}

	if cid := req.GetOneOption(dhcpv6.OptionClientID); cid != nil {
		resp.UpdateOption(cid)
	}

	duid := dhcpv6.DUIDLLT{
		HWType:        iana.HWTypeEthernet,
		Time:          dhcpv6.GetTime(),
		LinkLayerAddr: hostMAC,
	}
	resp.UpdateOption(dhcpv6.OptServerID(&duid))

	if len(cfg.Nameservers) > 0 {
		resp.AddOption(dhcpv6.OptDNS(cfg.Nameservers...))
	}

	domains := cfg.Domains
	if len(domains) == 0 {
		parts := strings.SplitN(b.Hostname, ".", 2)
		if len(parts) == 2 {
			domains = []string{parts[1]}
		}
	}
	if len(domains) > 0 {
		resp.AddOption(dhcpv6.OptDomainSearchList(&rfc1035label.Labels{Labels: domains}))
	}

	log.Debugf("DHCPv6: generating response for %s", b.Tap)
	return resp, nil
}

// FrameReply wraps a DHCPv6 reply in an Ethernet/IPv6/UDP carrier frame.
func FrameReply(resp dhcpv6.DHCPv6, b *binding.Binding, hostMAC net.HardwareAddr, reqSport, reqDport uint16) ([]byte, error) {
	ifll, err := ndp.LinkLocal(hostMAC)
	if err != nil {
		return nil, fmt.Errorf("dhcpv6: %w", err)
	}
	ofll, err := ndp.LinkLocal(b.MAC)
	if err != nil {
		return nil, fmt.Errorf("dhcpv6: %w", err)
	}

	eth := layers.Ethernet{
		SrcMAC:       hostMAC,
		DstMAC:       b.MAC,
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip6 := layers.IPv6{
		Version:      6,
		TrafficClass: trafficClass,
		HopLimit:     64,
		NextHeader:   layers.IPProtocolUDP,
		SrcIP:        ifll,
		DstIP:        ofll,
	}
	udp := layers.UDP{SrcPort: layers.UDPPort(reqDport), DstPort: layers.UDPPort(reqSport)}
	if err := udp.SetNetworkLayerForChecksum(&ip6); err != nil {
		return nil, fmt.Errorf("dhcpv6: set checksum network layer: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	payload := gopacket.Payload(resp.ToBytes())
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip6, &udp, &payload); err != nil {
		return nil, fmt.Errorf("dhcpv6: serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}
