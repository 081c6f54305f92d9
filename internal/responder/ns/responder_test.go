// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package ns

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/grnet/tapresponderd/internal/binding"
	"github.com/grnet/tapresponderd/internal/ndp"
)

func testBinding(t *testing.T) *binding.Binding {
	t.Helper()
	mac, _ := net.ParseMAC("52:54:00:aa:bb:cc")
	_, subnet6, _ := net.ParseCIDR("2001:db8::/64")
	return &binding.Binding{
		Tap:      "vnet0",
		MAC:      mac,
		Hostname: "vm1.example.org",
		Subnet6:  subnet6,
	}
}

func TestBuildReplyForRoutableTarget(t *testing.T) {
	b := testBinding(t)
	hostMAC, _ := net.ParseMAC("00:16:3e:00:00:01")
	target := net.ParseIP("2001:db8::1")
	nsSrc, _ := ndp.LinkLocal(b.MAC)

	frame, err := BuildReply(b, hostMAC, b.MAC, target, nsSrc)
	if err != nil {
		t.Fatalf("BuildReply: %v", err)
	}

	p := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	na, _ := p.Layer(layers.LayerTypeICMPv6NeighborAdvertisement).(*layers.ICMPv6NeighborAdvertisement)
	if na == nil {
		t.Fatal("could not decode neighbor advertisement layer")
	}
	if na.Flags != 0xc0 {
		t.Errorf("flags = %#x, want R=1 S=1 O=0 (0xc0)", na.Flags)
	}
	if !na.TargetAddress.Equal(target) {
		t.Errorf("target = %s, want %s", na.TargetAddress, target)
	}
}

func TestBuildReplyRejectsNonRoutableTarget(t *testing.T) {
	b := testBinding(t)
	hostMAC, _ := net.ParseMAC("00:16:3e:00:00:01")
	target := net.ParseIP("2001:db9::1")
	nsSrc, _ := ndp.LinkLocal(b.MAC)

	_, err := BuildReply(b, hostMAC, b.MAC, target, nsSrc)
	if err != ErrNotOurs {
		t.Fatalf("BuildReply = %v, want ErrNotOurs", err)
	}
}

func TestBuildReplyAllowsHostLinkLocalTarget(t *testing.T) {
	b := testBinding(t)
	hostMAC, _ := net.ParseMAC("00:16:3e:00:00:01")
	ifll, _ := ndp.LinkLocal(hostMAC)
	nsSrc, _ := ndp.LinkLocal(b.MAC)

	if _, err := BuildReply(b, hostMAC, b.MAC, ifll, nsSrc); err != nil {
		t.Fatalf("BuildReply for host link-local target: %v", err)
	}
}

func TestBuildReplySpoofedMACIgnored(t *testing.T) {
	b := testBinding(t)
	hostMAC, _ := net.ParseMAC("00:16:3e:00:00:01")
	otherMAC, _ := net.ParseMAC("00:11:22:33:44:55")
	target := net.ParseIP("2001:db8::1")
	nsSrc, _ := ndp.LinkLocal(b.MAC)

	_, err := BuildReply(b, hostMAC, otherMAC, target, nsSrc)
	if err != ErrIgnore {
		t.Fatalf("BuildReply = %v, want ErrIgnore", err)
	}
}

func TestBuildReplySpoofAllowedWithMacspoof(t *testing.T) {
	b := testBinding(t)
	b.MACSpoof = true
	hostMAC, _ := net.ParseMAC("00:16:3e:00:00:01")
	otherMAC, _ := net.ParseMAC("00:11:22:33:44:55")
	target := net.ParseIP("2001:db8::1")
	nsSrc, _ := ndp.LinkLocal(b.MAC)

	if _, err := BuildReply(b, hostMAC, otherMAC, target, nsSrc); err != nil {
		t.Fatalf("BuildReply: %v", err)
	}
}

func TestGuestMACFromOption(t *testing.T) {
	mac, _ := net.ParseMAC("52:54:00:aa:bb:cc")
	opts := layers.ICMPv6Options{{Type: layers.ICMPv6OptSourceAddress, Data: mac}}
	got, err := GuestMACFromOption(opts)
	if err != nil {
		t.Fatalf("GuestMACFromOption: %v", err)
	}
	if got.String() != mac.String() {
		t.Errorf("got %s, want %s", got, mac)
	}
}

func TestGuestMACFromOptionMissing(t *testing.T) {
	if _, err := GuestMACFromOption(layers.ICMPv6Options{}); err == nil {
		t.Fatal("expected error when source link-layer option is absent")
	}
}
