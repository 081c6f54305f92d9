// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package config loads and validates the configuration record consumed by
// the core responder engine. Daemonization, PID-file locking, privilege
// dropping and CLI parsing live outside this package; it only turns a YAML
// file into a validated in-memory Config.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/grnet/tapresponderd/logger"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

var log = logger.GetLogger("config")

const (
	// DefaultLeaseLifetime is used when dhcp.lease_lifetime is unset.
	DefaultLeaseLifetime = 604800
	// DefaultLeaseRenewal is used when dhcp.lease_renewal is unset.
	DefaultLeaseRenewal = 600
	// DefaultServerIP is the DHCPv4 server identifier used when
	// server_on_link is false and no server_ip is configured.
	DefaultServerIP = "1.2.3.4"
	// DefaultRAPeriod is used when ipv6.ra_period is unset.
	DefaultRAPeriod = 300 * time.Second
)

// General holds the out-of-core collaborator settings: daemonization,
// privilege dropping and log placement are implemented by the caller, not by
// this package, but the paths and identities still travel through the
// config record because the daemon entrypoint needs them to invoke those
// collaborators.
type General struct {
	DataPath string
	PIDFile  string
	LogDir   string
	User     string
}

// DHCP holds the DHCPv4 section of the configuration record.
type DHCP struct {
	Enable        bool
	LeaseLifetime uint32
	LeaseRenewal  uint32
	ServerIP      net.IP
	ServerOnLink  bool
	Queue         uint16
	Nameservers   []net.IP
	Domain        string
}

// IPv6 holds the IPv6/DHCPv6 section of the configuration record.
type IPv6 struct {
	Enable        bool
	EnableDHCPv6  bool
	RAPeriod      time.Duration
	RSQueue       uint16
	NSQueue       uint16
	DHCPv6Queue   uint16
	DHCPv6QueueOK bool
	Nameservers   []net.IP
	Domains       []string
}

// Config is the validated configuration record the core consumes.
type Config struct {
	General General
	DHCP    DHCP
	IPv6    IPv6
}

// Load reads a YAML configuration file at path and returns a validated
// Config, or a *ConfigError describing the first problem found.
func Load(path string) (*Config, error) {
	log.Infof("loading configuration from %s", path)
	v := viper.New()
	v.SetConfigType("yml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tapresponderd")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tapresponderd/")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, ConfigErrorFromError(err)
	}

	c := &Config{}
	if err := c.parseGeneral(v); err != nil {
		return nil, err
	}
	if err := c.parseDHCP(v); err != nil {
		return nil, err
	}
	if err := c.parseIPv6(v); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parseGeneral(v *viper.Viper) error {
	c.General = General{
		DataPath: cast.ToString(v.Get("general.datapath")),
		PIDFile:  cast.ToString(v.Get("general.pidfile")),
		LogDir:   cast.ToString(v.Get("general.logdir")),
		User:     cast.ToString(v.Get("general.user")),
	}
	if c.General.DataPath == "" {
		return ConfigErrorFromString("general.datapath is required")
	}
	return nil
}

func (c *Config) parseDHCP(v *viper.Viper) error {
	d := DHCP{
		Enable:       cast.ToBool(v.Get("dhcp.enable_dhcp")),
		ServerOnLink: cast.ToBool(v.Get("dhcp.server_on_link")),
		Domain:       cast.ToString(v.Get("dhcp.domain")),
	}
	if !v.IsSet("dhcp.enable_dhcp") {
		d.Enable = true
	}

	d.LeaseLifetime = cast.ToUint32(v.Get("dhcp.lease_lifetime"))
	if d.LeaseLifetime == 0 {
		d.LeaseLifetime = DefaultLeaseLifetime
	}
	d.LeaseRenewal = cast.ToUint32(v.Get("dhcp.lease_renewal"))
	if d.LeaseRenewal == 0 {
		d.LeaseRenewal = DefaultLeaseRenewal
	}

	srv := cast.ToString(v.Get("dhcp.server_ip"))
	if srv == "" {
		srv = DefaultServerIP
	}
	ip := net.ParseIP(srv).To4()
	if ip == nil {
		return ConfigErrorFromString("dhcp.server_ip is not a valid IPv4 address: %q", srv)
	}
	d.ServerIP = ip

	d.Queue = uint16(cast.ToUint(v.Get("dhcp.dhcp_queue")))

	ns, err := parseIPList(v.Get("dhcp.nameservers"), false)
	if err != nil {
		return ConfigErrorFromString("dhcp.nameservers: %v", err)
	}
	d.Nameservers = ns

	c.DHCP = d
	return nil
}

func (c *Config) parseIPv6(v *viper.Viper) error {
	i := IPv6{
		Enable:       cast.ToBool(v.Get("ipv6.enable_ipv6")),
		EnableDHCPv6: cast.ToBool(v.Get("ipv6.enable_dhcpv6")),
	}
	if !v.IsSet("ipv6.enable_ipv6") {
		i.Enable = true
	}

	// ra_period is a plain number of seconds; a unit-suffixed duration
	// string ("5m") is tolerated too.
	var period time.Duration
	if secs := cast.ToInt(v.Get("ipv6.ra_period")); secs > 0 {
		period = time.Duration(secs) * time.Second
	} else if d := cast.ToDuration(v.Get("ipv6.ra_period")); d > 0 {
		period = d
	} else {
		period = DefaultRAPeriod
	}
	if period < time.Second {
		period = time.Second
	}
	i.RAPeriod = period

	i.RSQueue = uint16(cast.ToUint(v.Get("ipv6.rs_queue")))
	i.NSQueue = uint16(cast.ToUint(v.Get("ipv6.ns_queue")))

	if v.IsSet("ipv6.dhcpv6_queue") {
		i.DHCPv6Queue = uint16(cast.ToUint(v.Get("ipv6.dhcpv6_queue")))
		i.DHCPv6QueueOK = true
	} else if v.IsSet("ipv6.dhcp_queue") {
		// Historical alias: falls back to the ipv6-scoped "dhcp_queue" key.
		i.DHCPv6Queue = uint16(cast.ToUint(v.Get("ipv6.dhcp_queue")))
		i.DHCPv6QueueOK = true
	}

	ns, err := parseIPList(v.Get("ipv6.nameservers"), true)
	if err != nil {
		return ConfigErrorFromString("ipv6.nameservers: %v", err)
	}
	i.Nameservers = ns

	if domains := cast.ToStringSlice(v.Get("ipv6.domains")); len(domains) > 0 {
		i.Domains = domains
	}

	c.IPv6 = i
	return nil
}

func parseIPList(raw interface{}, v6 bool) ([]net.IP, error) {
	if raw == nil {
		return nil, nil
	}
	entries, err := cast.ToStringSliceE(raw)
	if err != nil {
		entries = []string{cast.ToString(raw)}
	}
	out := make([]net.IP, 0, len(entries))
	for _, e := range entries {
		if e == "" {
			continue
		}
		ip := net.ParseIP(e)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", e)
		}
		if v6 && ip.To4() != nil {
			return nil, fmt.Errorf("expected an IPv6 address, got %q", e)
		}
		if !v6 {
			if ip4 := ip.To4(); ip4 != nil {
				ip = ip4
			} else {
				return nil, fmt.Errorf("expected an IPv4 address, got %q", e)
			}
		}
		out = append(out, ip)
	}
	return out, nil
}
