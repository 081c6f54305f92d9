// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package ns synthesizes Neighbor Advertisements that impersonate the
// gateway, terminating a guest's neighbor discovery for addresses this
// system is responsible for.
package ns

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/grnet/tapresponderd/internal/binding"
	"github.com/grnet/tapresponderd/internal/ndp"
	"github.com/grnet/tapresponderd/logger"
)

var log = logger.GetLogger("responder.ns")

// ErrNotOurs is returned when the solicited target is neither inside the
// binding's subnet6 nor the host's own link-local address: the request is
// not this system's to answer.
var ErrNotOurs = errors.New("ns: target is not routable through this binding")

// ErrNoSubnet6 mirrors rs.ErrNoSubnet6: a binding with no IPv6 subnet gets
// no IPv6 replies.
var ErrNoSubnet6 = errors.New("ns: binding has no subnet6")

// ErrIgnore is returned when the NS's source link-layer address does not
// match the binding and macspoof is not set.
var ErrIgnore = errors.New("ns: request ignored")

// BuildReply answers a Neighbor Solicitation for target, impersonating the
// gateway. guestMAC is the source link-layer address carried in the NS
// packet's own options.
func BuildReply(b *binding.Binding, hostMAC, guestMAC net.HardwareAddr, target net.IP, nsSrc net.IP) ([]byte, error) {
	if b.Subnet6 == nil {
		return nil, ErrNoSubnet6
	}
	if !strings.EqualFold(guestMAC.String(), b.MAC.String()) && !b.MACSpoof {
		log.Debugf("NS: dropping spoofed request from %s (binding is %s)", guestMAC, b.MAC)
		return nil, ErrIgnore
	}

	ifll, err := ndp.LinkLocal(hostMAC)
	if err != nil {
		return nil, fmt.Errorf("ns: %w", err)
	}

	if !b.Subnet6.Contains(target) && !target.Equal(ifll) {
		log.Debugf("NS: received NS for a non-routable address %s on %s", target, b.Tap)
		return nil, ErrNotOurs
	}

	log.Debugf("NS: generating NA for %s", b.Tap)

	na := layers.ICMPv6NeighborAdvertisement{
		Flags:         0xc0, // R=1, S=1, O=0
		TargetAddress: target,
		Options: layers.ICMPv6Options{
			{
				Type: layers.ICMPv6OptTargetAddress,
				Data: hostMAC,
			},
		},
	}

	icmp6 := layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborAdvertisement, 0),
	}

	ip6 := layers.IPv6{
		Version:    6,
		HopLimit:   255,
		NextHeader: layers.IPProtocolICMPv6,
		SrcIP:      ifll,
		DstIP:      nsSrc,
	}
	if err := icmp6.SetNetworkLayerForChecksum(&ip6); err != nil {
		return nil, fmt.Errorf("ns: set checksum network layer: %w", err)
	}

	eth := layers.Ethernet{
		SrcMAC:       hostMAC,
		DstMAC:       b.MAC,
		EthernetType: layers.EthernetTypeIPv6,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip6, &icmp6, &na); err != nil {
		return nil, fmt.Errorf("ns: serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}

// GuestMACFromOption extracts the source link-layer address from a decoded
// NS packet's options, the only source of the guest MAC for this protocol.
func GuestMACFromOption(opts layers.ICMPv6Options) (net.HardwareAddr, error) {
	for _, opt := range opts {
		if opt.Type == layers.ICMPv6OptSourceAddress && len(opt.Data) == 6 {
			return net.HardwareAddr(opt.Data), nil
		}
	}
	return nil, errors.New("ns: no source link-layer address option present")
}
