// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package dhcpv4 synthesizes DHCPv4 replies for bindings with a
// provisioned guest IP address.
package dhcpv4

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/mdlayher/ethernet"

	"github.com/grnet/tapresponderd/internal/binding"
	"github.com/grnet/tapresponderd/logger"
)

var log = logger.GetLogger("responder.dhcpv4")

// OptionInterfaceMTU is option 26, repurposed by this system to carry a
// 16-bit interface MTU rather than its RFC name ("Path MTU Aging Timeout").
const OptionInterfaceMTU = dhcpv4.GenericOptionCode(26)

// Config is the subset of the global configuration the DHCPv4 responder
// needs.
type Config struct {
	ServerIP     net.IP
	ServerOnLink bool
	LeaseLife    uint32
	LeaseRenewal uint32
	Domain       string
	Nameservers  []net.IP
}

// ErrIgnore is returned for requests that must be silently ignored: no
// reply, but the caller still owns the verdict (DROP, since a binding was
// found).
var ErrIgnore = errors.New("dhcpv4: request ignored")

// serverIdentifier picks the IP the response claims to come from: the
// configured global server IP, or, when server_on_link is set, the
// binding's gateway (or else the first usable host address of its subnet).
func serverIdentifier(cfg Config, b *binding.Binding) (net.IP, error) {
	if !cfg.ServerOnLink {
		return cfg.ServerIP, nil
	}
	if b.Gw != nil {
		return b.Gw, nil
	}
	if b.Subnet == nil {
		return nil, fmt.Errorf("dhcpv4: server_on_link set but %s has no subnet or gateway", b.Tap)
	}
	first := firstUsableHost(b.Subnet)
	if first == nil {
		return nil, fmt.Errorf("dhcpv4: no usable host address in %s", b.Subnet)
	}
	return first, nil
}

func firstUsableHost(subnet *net.IPNet) net.IP {
	ip := subnet.IP.To4()
	if ip == nil {
		return nil
	}
	out := make(net.IP, 4)
	copy(out, ip)
	out[3]++
	if !subnet.Contains(out) {
		return nil
	}
	return out
}

func domainFor(cfg Config, b *binding.Binding) string {
	if cfg.Domain != "" {
		return cfg.Domain
	}
	parts := strings.SplitN(b.Hostname, ".", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return ""
}

// BuildReply parses a DHCPv4 request pulled from the queue and, if binding
// allows it, returns the wire-format DHCPv4 reply. It returns
// (nil, ErrIgnore) when the request must be silently dropped without a
// reply (spoofed source, missing binding IP, DHCPRELEASE).
func BuildReply(payload []byte, b *binding.Binding, cfg Config) (*dhcpv4.DHCPv4, error) {
	req, err := dhcpv4.FromBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("dhcpv4: parse request: %w", err)
	}

	if !strings.EqualFold(req.ClientHWAddr.String(), b.MAC.String()) && !b.MACSpoof {
		log.Debugf("dropping spoofed DHCP request from %s (binding is %s)", req.ClientHWAddr, b.MAC)
		return nil, ErrIgnore
	}
	if b.IP == nil {
		return nil, ErrIgnore
	}

	srvIP, err := serverIdentifier(cfg, b)
	if err != nil {
		return nil, err
	}

	resp, err := dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		return nil, fmt.Errorf("dhcpv4: build reply skeleton: %w", err)
	}
	resp.ServerIPAddr = srvIP
	resp.ClientHWAddr = b.MAC

	domain := domainFor(cfg, b)

	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover, dhcpv4.MessageTypeRequest:
		requested := req.RequestedIPAddress()
		if req.MessageType() == dhcpv4.MessageTypeRequest && requested != nil &&
			!requested.IsUnspecified() && !requested.Equal(b.IP) {
			resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeNak))
			resp.UpdateOption(dhcpv4.OptServerIdentifier(srvIP))
			return resp, nil
		}

		mt := dhcpv4.MessageTypeOffer
		if req.MessageType() == dhcpv4.MessageTypeRequest {
			mt = dhcpv4.MessageTypeAck
		}
		resp.YourIPAddr = b.IP
		resp.UpdateOption(dhcpv4.OptMessageType(mt))
		resp.UpdateOption(dhcpv4.OptHostName(b.Hostname))
		if domain != "" {
			resp.UpdateOption(dhcpv4.OptDomainName(domain))
		}
		if b.Subnet != nil {
			resp.UpdateOption(dhcpv4.OptSubnetMask(b.Subnet.Mask))
			resp.UpdateOption(dhcpv4.OptBroadcastAddress(broadcastOf(b.Subnet)))
		}
		resp.UpdateOption(dhcpv4.OptIPAddressLeaseTime(time.Duration(cfg.LeaseLife) * time.Second))
		renewal := dhcpv4.Duration(time.Duration(cfg.LeaseRenewal) * time.Second)
		resp.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionRenewTimeValue, renewal.ToBytes()))
		if b.Gw != nil && !b.Private {
			resp.UpdateOption(dhcpv4.OptRouter(b.Gw))
		}
		if b.HasMTU() {
			resp.UpdateOption(dhcpv4.OptGeneric(OptionInterfaceMTU, mtuBytes(b.MTU)))
		}
		if len(cfg.Nameservers) > 0 {
			resp.UpdateOption(dhcpv4.OptDNS(cfg.Nameservers...))
		}

	case dhcpv4.MessageTypeInform:
		resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeAck))
		resp.UpdateOption(dhcpv4.OptHostName(b.Hostname))
		if domain != "" {
			resp.UpdateOption(dhcpv4.OptDomainName(domain))
		}
		if len(cfg.Nameservers) > 0 {
			resp.UpdateOption(dhcpv4.OptDNS(cfg.Nameservers...))
		}

	case dhcpv4.MessageTypeRelease:
		log.Infof("DHCPRELEASE from %s, nothing to do", b.Tap)
		return nil, ErrIgnore

	default:
		return nil, fmt.Errorf("dhcpv4: unsupported message type %s", req.MessageType())
	}

	resp.UpdateOption(dhcpv4.OptServerIdentifier(srvIP))
	return resp, nil
}

func broadcastOf(subnet *net.IPNet) net.IP {
	ip := subnet.IP.To4()
	mask := subnet.Mask
	out := make(net.IP, 4)
	for i := range out {
		out[i] = ip[i] | ^mask[i]
	}
	return out
}

func mtuBytes(mtu int) []byte {
	return []byte{byte(mtu >> 8), byte(mtu)}
}

// FrameReply wraps a DHCPv4 reply in an Ethernet/IPv4/UDP carrier frame
// ready to hand to a Tap Transmitter.
func FrameReply(resp *dhcpv4.DHCPv4, srcHW net.HardwareAddr, srcIP net.IP, reqSport, reqDport uint16) ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       srcHW,
		DstMAC:       resp.ClientHWAddr,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		SrcIP:    srcIP,
		DstIP:    resp.YourIPAddr,
		Protocol: layers.IPProtocolUDP,
	}
	if ip.DstIP == nil || ip.DstIP.IsUnspecified() {
		ip.DstIP = resp.ClientIPAddr
	}
	// A client that set the BOOTP broadcast flag cannot yet receive unicast
	// IP; reply to the L2/L3 broadcast addresses instead (RFC 2131 §4.1).
	if resp.IsBroadcast() || ip.DstIP == nil || ip.DstIP.IsUnspecified() {
		eth.DstMAC = ethernet.Broadcast
		ip.DstIP = net.IPv4bcast
	}
	udp := layers.UDP{SrcPort: layers.UDPPort(reqDport), DstPort: layers.UDPPort(reqSport)}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		return nil, fmt.Errorf("dhcpv4: set checksum network layer: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}

	// Carry the reply's exact wire bytes; round-tripping them through a
	// decode would risk reordering the options.
	payload := gopacket.Payload(resp.ToBytes())
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, &udp, &payload); err != nil {
		return nil, fmt.Errorf("dhcpv4: serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}
