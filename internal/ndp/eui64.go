// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package ndp holds the small set of address-family conversions the
// responders need: turning a MAC address into its modified EUI-64 form and
// the fe80::/64 link-local address derived from it, and the inverse used to
// recover a MAC from a neighbor's link-local source address.
package ndp

import (
	"fmt"
	"net"
)

// linkLocalPrefix is fe80::/64.
var linkLocalPrefix = net.IP{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

// MakeEUI64 expands a 6-byte hardware address into its modified EUI-64 form:
// the vendor/device split bytes are separated by ff:fe and the
// universal/local bit (the second-lowest bit of the first byte) is flipped.
func MakeEUI64(mac net.HardwareAddr) ([8]byte, error) {
	var out [8]byte
	if len(mac) != 6 {
		return out, fmt.Errorf("ndp: MakeEUI64: need a 6-byte MAC, got %d bytes", len(mac))
	}
	out[0] = mac[0] ^ 0x02
	out[1] = mac[1]
	out[2] = mac[2]
	out[3] = 0xff
	out[4] = 0xfe
	out[5] = mac[3]
	out[6] = mac[4]
	out[7] = mac[5]
	return out, nil
}

// LinkLocal builds the fe80::/64 link-local address whose interface
// identifier is the modified EUI-64 form of mac.
func LinkLocal(mac net.HardwareAddr) (net.IP, error) {
	eui, err := MakeEUI64(mac)
	if err != nil {
		return nil, err
	}
	ip := make(net.IP, net.IPv6len)
	copy(ip, linkLocalPrefix)
	copy(ip[8:], eui[:])
	return ip, nil
}

// MACFromLinkLocal is the inverse of LinkLocal: given an fe80::-scoped
// address built from a modified EUI-64 identifier, it recovers the
// originating MAC. It returns an error if addr isn't a plausible EUI-64
// derived link-local address (the ff:fe split bytes are absent).
func MACFromLinkLocal(addr net.IP) (net.HardwareAddr, error) {
	ip := addr.To16()
	if ip == nil || !ip.IsLinkLocalUnicast() {
		return nil, fmt.Errorf("ndp: MACFromLinkLocal: %v is not a link-local address", addr)
	}
	if ip[11] != 0xff || ip[12] != 0xfe {
		return nil, fmt.Errorf("ndp: MACFromLinkLocal: %v has no embedded EUI-64", addr)
	}
	mac := make(net.HardwareAddr, 6)
	mac[0] = ip[8] ^ 0x02
	mac[1] = ip[9]
	mac[2] = ip[10]
	mac[3] = ip[13]
	mac[4] = ip[14]
	mac[5] = ip[15]
	return mac, nil
}
