// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tapresponderd.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
general:
  datapath: /var/lib/tapresponderd
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if !c.DHCP.Enable {
		t.Error("expected dhcp.enable_dhcp to default to true")
	}
	if c.DHCP.LeaseLifetime != DefaultLeaseLifetime {
		t.Errorf("lease lifetime = %d, want %d", c.DHCP.LeaseLifetime, DefaultLeaseLifetime)
	}
	if c.DHCP.LeaseRenewal != DefaultLeaseRenewal {
		t.Errorf("lease renewal = %d, want %d", c.DHCP.LeaseRenewal, DefaultLeaseRenewal)
	}
	if !c.DHCP.ServerIP.Equal(net.ParseIP(DefaultServerIP)) {
		t.Errorf("server ip = %v, want %s", c.DHCP.ServerIP, DefaultServerIP)
	}
	if !c.IPv6.Enable {
		t.Error("expected ipv6.enable_ipv6 to default to true")
	}
	if c.IPv6.RAPeriod != DefaultRAPeriod {
		t.Errorf("ra period = %v, want %v", c.IPv6.RAPeriod, DefaultRAPeriod)
	}
	if c.IPv6.DHCPv6QueueOK {
		t.Error("expected dhcpv6_queue to be unset by default")
	}
}

func TestLoadRequiresDataPath(t *testing.T) {
	path := writeConfig(t, `
general:
  logdir: /var/log/tapresponderd
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing general.datapath")
	}
}

func TestLoadRejectsBadServerIP(t *testing.T) {
	path := writeConfig(t, `
general:
  datapath: /var/lib/tapresponderd
dhcp:
  server_ip: not-an-ip
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid dhcp.server_ip")
	}
}

func TestLoadClampsRAPeriod(t *testing.T) {
	path := writeConfig(t, `
general:
  datapath: /var/lib/tapresponderd
ipv6:
  ra_period: 0
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if c.IPv6.RAPeriod < time.Second {
		t.Errorf("ra period = %v, want >= 1s", c.IPv6.RAPeriod)
	}
}

func TestLoadDHCPv6QueueFallback(t *testing.T) {
	path := writeConfig(t, `
general:
  datapath: /var/lib/tapresponderd
ipv6:
  dhcp_queue: 7
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if !c.IPv6.DHCPv6QueueOK || c.IPv6.DHCPv6Queue != 7 {
		t.Errorf("dhcpv6 queue = %d (ok=%v), want 7 (ok=true)", c.IPv6.DHCPv6Queue, c.IPv6.DHCPv6QueueOK)
	}
}

func TestLoadNameservers(t *testing.T) {
	path := writeConfig(t, `
general:
  datapath: /var/lib/tapresponderd
dhcp:
  nameservers:
    - 8.8.8.8
    - 8.8.4.4
ipv6:
  nameservers:
    - 2001:4860:4860::8888
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if len(c.DHCP.Nameservers) != 2 {
		t.Fatalf("dhcp nameservers = %v, want 2 entries", c.DHCP.Nameservers)
	}
	if len(c.IPv6.Nameservers) != 1 {
		t.Fatalf("ipv6 nameservers = %v, want 1 entry", c.IPv6.Nameservers)
	}
}

func TestLoadRejectsAddressFamilyMismatch(t *testing.T) {
	path := writeConfig(t, `
general:
  datapath: /var/lib/tapresponderd
ipv6:
  nameservers:
    - 8.8.8.8
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for IPv4 address in ipv6.nameservers")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
