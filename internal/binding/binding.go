// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package binding holds the Binding record, its on-disk file format, and
// the in-memory store that the responders and the RA scheduler read.
package binding

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/grnet/tapresponderd/logger"
)

var log = logger.GetLogger("binding")

// Binding represents one guest interface, parsed from a single file whose
// basename is the tap interface name.
type Binding struct {
	Tap      string
	Indev    string
	MAC      net.HardwareAddr
	Hostname string

	IP     net.IP
	Subnet *net.IPNet
	Gw     net.IP

	Subnet6 *net.IPNet
	Gw6     net.IP
	EUI64   net.IP

	MACSpoof bool
	MTU      int
	Private  bool
}

// HasMTU reports whether the binding carries an explicit MTU hint.
func (b *Binding) HasMTU() bool { return b.MTU > 0 }

// Parse reads a binding file at path and returns the Binding it describes.
// Any error (missing file, malformed line, invalid address) causes no
// binding to be returned; the caller logs and moves on, it does not abort
// the process.
func Parse(path string) (*Binding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("binding: open %s: %w", path, err)
	}
	defer f.Close()

	fields := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(line[:idx]))
		val := strings.TrimSpace(line[idx+1:])
		fields[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("binding: read %s: %w", path, err)
	}

	b := &Binding{Tap: filepath.Base(path)}

	b.Indev = fields["INDEV"]
	b.Hostname = fields["HOSTNAME"]

	if mac := fields["MAC"]; mac != "" {
		hw, err := net.ParseMAC(mac)
		if err != nil {
			return nil, fmt.Errorf("binding: %s: invalid MAC %q: %w", path, mac, err)
		}
		b.MAC = hw
	}

	if b.MAC == nil || b.Hostname == "" {
		return nil, fmt.Errorf("binding: %s: mac and hostname are required", path)
	}

	if ip := fields["IP"]; ip != "" {
		parsed := net.ParseIP(ip).To4()
		if parsed == nil {
			return nil, fmt.Errorf("binding: %s: invalid IP %q", path, ip)
		}
		b.IP = parsed
	}

	if subnet := fields["SUBNET"]; subnet != "" {
		_, cidr, err := net.ParseCIDR(subnet)
		if err != nil {
			return nil, fmt.Errorf("binding: %s: invalid SUBNET %q: %w", path, subnet, err)
		}
		if cidr.IP.To4() == nil {
			return nil, fmt.Errorf("binding: %s: SUBNET %q is not IPv4", path, subnet)
		}
		if b.IP != nil && !cidr.Contains(b.IP) {
			return nil, fmt.Errorf("binding: %s: SUBNET %q does not contain IP %q", path, subnet, b.IP)
		}
		b.Subnet = cidr
	}

	if gw := fields["GATEWAY"]; gw != "" {
		parsed := net.ParseIP(gw).To4()
		if parsed == nil {
			return nil, fmt.Errorf("binding: %s: invalid GATEWAY %q", path, gw)
		}
		b.Gw = parsed
	}

	if subnet6 := fields["SUBNET6"]; subnet6 != "" {
		_, cidr, err := net.ParseCIDR(subnet6)
		if err != nil {
			return nil, fmt.Errorf("binding: %s: invalid SUBNET6 %q: %w", path, subnet6, err)
		}
		if cidr.IP.To4() != nil {
			return nil, fmt.Errorf("binding: %s: SUBNET6 %q is not IPv6", path, subnet6)
		}
		b.Subnet6 = cidr
	}

	if gw6 := fields["GATEWAY6"]; gw6 != "" {
		parsed := net.ParseIP(gw6)
		if parsed == nil || parsed.To4() != nil {
			return nil, fmt.Errorf("binding: %s: invalid GATEWAY6 %q", path, gw6)
		}
		b.Gw6 = parsed
	}

	if eui64 := fields["EUI64"]; eui64 != "" {
		parsed := net.ParseIP(eui64)
		if parsed == nil {
			return nil, fmt.Errorf("binding: %s: invalid EUI64 %q", path, eui64)
		}
		b.EUI64 = parsed
	}

	if _, ok := fields["MACSPOOF"]; ok {
		b.MACSpoof = true
	}
	if _, ok := fields["PRIVATE"]; ok {
		b.Private = true
	}

	if mtu := fields["MTU"]; mtu != "" {
		n, err := strconv.Atoi(mtu)
		if err != nil {
			return nil, fmt.Errorf("binding: %s: invalid MTU %q: %w", path, mtu, err)
		}
		if n < 68 || n > 65535 {
			return nil, fmt.Errorf("binding: %s: MTU %d out of range [68, 65535]", path, n)
		}
		b.MTU = n
	}

	return b, nil
}

// String renders the binding for the SIGUSR1 debug dump.
func (b *Binding) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: indev=%s mac=%s hostname=%s", b.Tap, b.Indev, b.MAC, b.Hostname)
	if b.IP != nil {
		fmt.Fprintf(&sb, " ip=%s", b.IP)
	}
	if b.Subnet != nil {
		fmt.Fprintf(&sb, " subnet=%s", b.Subnet)
	}
	if b.Subnet6 != nil {
		fmt.Fprintf(&sb, " subnet6=%s", b.Subnet6)
	}
	if b.EUI64 != nil {
		fmt.Fprintf(&sb, " eui64=%s", b.EUI64)
	}
	if b.HasMTU() {
		fmt.Fprintf(&sb, " mtu=%d", b.MTU)
	}
	return sb.String()
}
