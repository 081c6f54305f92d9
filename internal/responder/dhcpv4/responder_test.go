// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package dhcpv4

import (
	"net"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/require"

	"github.com/grnet/tapresponderd/internal/binding"
)

func testBinding(t *testing.T) *binding.Binding {
	t.Helper()
	mac, _ := net.ParseMAC("52:54:00:aa:bb:cc")
	_, subnet, _ := net.ParseCIDR("10.0.0.0/24")
	return &binding.Binding{
		Tap:      "vnet0",
		Indev:    "eth0",
		MAC:      mac,
		Hostname: "vm1.example.org",
		IP:       net.ParseIP("10.0.0.7").To4(),
		Subnet:   subnet,
		Gw:       net.ParseIP("10.0.0.1").To4(),
		MTU:      1400,
	}
}

func testConfig() Config {
	return Config{
		ServerIP:     net.ParseIP("1.2.3.4").To4(),
		LeaseLife:    604800,
		LeaseRenewal: 600,
		Nameservers:  []net.IP{net.ParseIP("8.8.8.8").To4()},
	}
}

func discoverPayload(t *testing.T, mac net.HardwareAddr) []byte {
	t.Helper()
	req, err := dhcpv4.NewDiscovery(mac)
	if err != nil {
		t.Fatalf("NewDiscovery: %v", err)
	}
	return req.ToBytes()
}

func TestBuildReplyDiscoverYieldsOffer(t *testing.T) {
	b := testBinding(t)
	payload := discoverPayload(t, b.MAC)

	resp, err := BuildReply(payload, b, testConfig())
	if err != nil {
		t.Fatalf("BuildReply: %v", err)
	}
	if resp.MessageType() != dhcpv4.MessageTypeOffer {
		t.Errorf("message type = %v, want Offer", resp.MessageType())
	}
	if !resp.YourIPAddr.Equal(b.IP) {
		t.Errorf("yiaddr = %v, want %v", resp.YourIPAddr, b.IP)
	}
	mtu := resp.Options.Get(OptionInterfaceMTU)
	if len(mtu) != 2 || int(mtu[0])<<8|int(mtu[1]) != 1400 {
		t.Errorf("interface mtu option = %v, want 1400 encoded as 2 bytes", mtu)
	}
}

func TestBuildReplyDiscoverFullOptionSet(t *testing.T) {
	b := testBinding(t)
	payload := discoverPayload(t, b.MAC)

	resp, err := BuildReply(payload, b, testConfig())
	require.NoError(t, err)

	require.Equal(t, dhcpv4.MessageTypeOffer, resp.MessageType())
	require.True(t, resp.YourIPAddr.Equal(net.ParseIP("10.0.0.7")))
	require.Equal(t, "vm1.example.org", resp.HostName())
	require.Equal(t, "example.org", resp.DomainName())
	require.Equal(t, net.IPMask{255, 255, 255, 0}, resp.SubnetMask())
	require.True(t, resp.BroadcastAddress().Equal(net.ParseIP("10.0.0.255")))
	require.Len(t, resp.Router(), 1)
	require.True(t, resp.Router()[0].Equal(net.ParseIP("10.0.0.1")))
	require.Equal(t, 604800*time.Second, resp.IPAddressLeaseTime(0))
	require.Equal(t, []byte{0x00, 0x00, 0x02, 0x58}, resp.Options.Get(dhcpv4.OptionRenewTimeValue))
	require.Len(t, resp.DNS(), 1)
	require.True(t, resp.DNS()[0].Equal(net.ParseIP("8.8.8.8")))
	require.Equal(t, []byte{0x05, 0x78}, resp.Options.Get(OptionInterfaceMTU))
	require.True(t, resp.ServerIdentifier().Equal(net.ParseIP("1.2.3.4")))
}

func TestBuildReplySpoofedMACIgnored(t *testing.T) {
	b := testBinding(t)
	otherMAC, _ := net.ParseMAC("00:11:22:33:44:55")
	payload := discoverPayload(t, otherMAC)

	_, err := BuildReply(payload, b, testConfig())
	if err != ErrIgnore {
		t.Fatalf("BuildReply = %v, want ErrIgnore", err)
	}
}

func TestBuildReplySpoofAllowedWithMacspoof(t *testing.T) {
	b := testBinding(t)
	b.MACSpoof = true
	otherMAC, _ := net.ParseMAC("00:11:22:33:44:55")
	payload := discoverPayload(t, otherMAC)

	resp, err := BuildReply(payload, b, testConfig())
	if err != nil {
		t.Fatalf("BuildReply: %v", err)
	}
	if resp == nil {
		t.Fatal("expected a reply when macspoof is set")
	}
}

func TestBuildReplyNoBindingIPIgnored(t *testing.T) {
	b := testBinding(t)
	b.IP = nil
	payload := discoverPayload(t, b.MAC)

	_, err := BuildReply(payload, b, testConfig())
	if err != ErrIgnore {
		t.Fatalf("BuildReply = %v, want ErrIgnore", err)
	}
}

func TestBuildReplyRequestWrongAddressYieldsNak(t *testing.T) {
	b := testBinding(t)
	req, err := dhcpv4.New(
		dhcpv4.WithHwAddr(b.MAC),
		dhcpv4.WithMessageType(dhcpv4.MessageTypeRequest),
		dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(net.ParseIP("10.0.0.8").To4())),
	)
	if err != nil {
		t.Fatalf("dhcpv4.New: %v", err)
	}

	resp, err := BuildReply(req.ToBytes(), b, testConfig())
	if err != nil {
		t.Fatalf("BuildReply: %v", err)
	}
	if resp.MessageType() != dhcpv4.MessageTypeNak {
		t.Errorf("message type = %v, want Nak", resp.MessageType())
	}
}

func TestBuildReplyPrivateOmitsRouter(t *testing.T) {
	b := testBinding(t)
	b.Private = true
	payload := discoverPayload(t, b.MAC)

	resp, err := BuildReply(payload, b, testConfig())
	if err != nil {
		t.Fatalf("BuildReply: %v", err)
	}
	if resp.Router() != nil {
		t.Errorf("router = %v, want nil for a private binding", resp.Router())
	}
}

func TestBuildReplyInform(t *testing.T) {
	b := testBinding(t)
	req, err := dhcpv4.NewInform(b.MAC, b.IP)
	if err != nil {
		t.Fatalf("NewInform: %v", err)
	}

	resp, err := BuildReply(req.ToBytes(), b, testConfig())
	if err != nil {
		t.Fatalf("BuildReply: %v", err)
	}
	if resp.MessageType() != dhcpv4.MessageTypeAck {
		t.Errorf("message type = %v, want Ack", resp.MessageType())
	}
	if !resp.YourIPAddr.Equal(net.IPv4zero) && resp.YourIPAddr != nil {
		t.Errorf("yiaddr = %v, want unset for INFORM", resp.YourIPAddr)
	}
}
