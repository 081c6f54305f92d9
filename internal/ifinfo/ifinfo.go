// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package ifinfo answers the two interface questions the responders and
// the Binding Store need: an interface's hardware address and its kernel
// interface index. Both are read straight from the kernel via netlink, so
// a renamed or removed tap is reflected immediately, with no local cache to
// go stale.
package ifinfo

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// HWAddr returns the EUI-48 hardware address of the named interface. The
// daemon and the RA scheduler log an error from it and send no frame for
// that binding; they do not remove the binding on it (a binding is evicted
// only when its tap's ifindex can no longer be resolved).
func HWAddr(iface string) (net.HardwareAddr, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return nil, fmt.Errorf("ifinfo: %s: %w", iface, err)
	}
	hw := link.Attrs().HardwareAddr
	if len(hw) == 0 {
		return nil, fmt.Errorf("ifinfo: %s: no hardware address", iface)
	}
	return hw, nil
}

// Ifindex returns the kernel interface index of the named interface.
func Ifindex(iface string) (int, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return 0, fmt.Errorf("ifinfo: %s: %w", iface, err)
	}
	return link.Attrs().Index, nil
}

// Resolver is the concrete ifinfo.Ifindex-backed implementation of
// binding.IfindexResolver, wired in by the daemon at startup.
type Resolver struct{}

// Ifindex implements binding.IfindexResolver.
func (Resolver) Ifindex(iface string) (int, error) { return Ifindex(iface) }
