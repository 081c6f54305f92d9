// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package rs synthesizes Router Advertisements, both as solicited replies
// to an intercepted Router Solicitation and as the RA Scheduler's periodic
// unsolicited broadcast. Both paths share buildFrame so the two can never
// drift apart.
package rs

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/grnet/tapresponderd/internal/binding"
	"github.com/grnet/tapresponderd/internal/ndp"
	"github.com/grnet/tapresponderd/logger"
)

var log = logger.GetLogger("responder.rs")

// RouterLifetime is the fixed lifetime advertised in every RA. It is
// deliberately independent of the broadcast period: bindings are static, so
// the advertised route never ages out between broadcasts.
const RouterLifetime = 14400

// allNodes is the IPv6 all-nodes multicast address, the implicit
// destination of unsolicited broadcast RAs.
var allNodes = net.ParseIP("ff02::1")

// allNodesMAC is the Ethernet multicast address IPv6 maps ff02::1 onto.
var allNodesMAC = net.HardwareAddr{0x33, 0x33, 0x00, 0x00, 0x00, 0x01}

// icmpv6OptRDNSS is the RFC 6106 Recursive DNS Server option; gopacket/layers
// does not define a named constant for it.
const icmpv6OptRDNSS layers.ICMPv6Opt = 25

// Config is the subset of global configuration the RS responder and RA
// scheduler need.
type Config struct {
	EnableDHCPv6 bool
	RAPeriod     time.Duration
	Nameservers  []net.IP
}

// ErrNoSubnet6 is returned when a binding has no IPv6 subnet configured;
// such bindings receive no IPv6 replies at all.
var ErrNoSubnet6 = errors.New("rs: binding has no subnet6")

// ErrIgnore is returned when the solicitation's derived MAC does not match
// the binding and macspoof is not set.
var ErrIgnore = errors.New("rs: request ignored")

// BuildSolicited answers an intercepted Router Solicitation from guestMAC,
// addressed back to the guest's own link-local address.
func BuildSolicited(b *binding.Binding, hostMAC, guestMAC net.HardwareAddr, cfg Config) ([]byte, error) {
	if b.Subnet6 == nil {
		return nil, ErrNoSubnet6
	}
	if !strings.EqualFold(guestMAC.String(), b.MAC.String()) && !b.MACSpoof {
		log.Debugf("RS: dropping spoofed request from %s (binding is %s)", guestMAC, b.MAC)
		return nil, ErrIgnore
	}
	ofll, err := ndp.LinkLocal(guestMAC)
	if err != nil {
		return nil, fmt.Errorf("rs: %w", err)
	}
	log.Debugf("RS: generating response for %s", b.Tap)
	return buildFrame(b, hostMAC, cfg, cfg.EnableDHCPv6, guestMAC, ofll)
}

// BuildUnsolicited builds the RA Scheduler's periodic broadcast: identical
// construction to BuildSolicited but with Other Configuration always set
// and no specific destination (all-nodes multicast).
func BuildUnsolicited(b *binding.Binding, hostMAC net.HardwareAddr, cfg Config) ([]byte, error) {
	if b.Subnet6 == nil {
		return nil, ErrNoSubnet6
	}
	return buildFrame(b, hostMAC, cfg, true, allNodesMAC, allNodes)
}

func buildFrame(b *binding.Binding, hostMAC net.HardwareAddr, cfg Config, otherConfig bool, dstMAC net.HardwareAddr, dstIP net.IP) ([]byte, error) {
	ifll, err := ndp.LinkLocal(hostMAC)
	if err != nil {
		return nil, fmt.Errorf("rs: %w", err)
	}

	prefix := b.Subnet6.IP
	if b.Gw6 != nil {
		prefix = b.Gw6
	}
	prefixLen, _ := b.Subnet6.Mask.Size()

	var flags uint8
	if otherConfig {
		flags |= 0x40 // Other Configuration bit
	}

	ra := layers.ICMPv6RouterAdvertisement{
		HopLimit:       64,
		Flags:          flags,
		RouterLifetime: RouterLifetime,
	}

	// Flags byte: L (on-link) and A (autonomous) are always set; R
	// (router address, RFC 3775) mirrors whether a gateway is configured.
	prefixFlags := uint8(0x80 | 0x40)
	if b.Gw6 != nil {
		prefixFlags |= 0x20
	}
	prefixData := make([]byte, 30)
	prefixData[0] = byte(prefixLen)
	prefixData[1] = prefixFlags
	// Valid/preferred lifetime: infinite, since these bindings are static
	// and do not expire on their own.
	for i := 2; i < 10; i++ {
		prefixData[i] = 0xff
	}
	copy(prefixData[14:30], prefix.To16())

	ra.Options = append(ra.Options, layers.ICMPv6Option{
		Type: layers.ICMPv6OptPrefixInfo,
		Data: prefixData,
	})

	if len(cfg.Nameservers) > 0 {
		lifetime := uint32(cfg.RAPeriod.Seconds()) * 3
		rdnss := make([]byte, 6+16*len(cfg.Nameservers))
		putUint32(rdnss[2:6], lifetime)
		for i, ns := range cfg.Nameservers {
			copy(rdnss[6+16*i:], ns.To16())
		}
		ra.Options = append(ra.Options, layers.ICMPv6Option{
			Type: icmpv6OptRDNSS,
			Data: rdnss,
		})
	}

	if b.HasMTU() {
		mtuData := make([]byte, 6)
		putUint32(mtuData[2:6], uint32(b.MTU))
		ra.Options = append(ra.Options, layers.ICMPv6Option{
			Type: layers.ICMPv6OptMTU,
			Data: mtuData,
		})
	}

	icmp6 := layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeRouterAdvertisement, 0),
	}

	ip6 := layers.IPv6{
		Version:    6,
		HopLimit:   255,
		NextHeader: layers.IPProtocolICMPv6,
		SrcIP:      ifll,
		DstIP:      dstIP,
	}
	if err := icmp6.SetNetworkLayerForChecksum(&ip6); err != nil {
		return nil, fmt.Errorf("rs: set checksum network layer: %w", err)
	}

	eth := layers.Ethernet{
		SrcMAC:       hostMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv6,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip6, &icmp6, &ra); err != nil {
		return nil, fmt.Errorf("rs: serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// MACFromSource recovers the guest's MAC address from an RS packet's IPv6
// source address, which is always the guest's own modified-EUI-64
// link-local address.
func MACFromSource(src net.IP) (net.HardwareAddr, error) {
	mac, err := ndp.MACFromLinkLocal(src)
	if err != nil {
		return nil, fmt.Errorf("rs: %w", err)
	}
	return mac, nil
}
