// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package daemon wires the Binding Store, the Packet Queue Adapter and the
// four protocol responders into a single event loop.
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/grnet/tapresponderd/config"
	"github.com/grnet/tapresponderd/internal/binding"
	"github.com/grnet/tapresponderd/internal/ifinfo"
	"github.com/grnet/tapresponderd/internal/nfqueue"
	"github.com/grnet/tapresponderd/internal/ra"
	respdhcpv4 "github.com/grnet/tapresponderd/internal/responder/dhcpv4"
	respdhcpv6 "github.com/grnet/tapresponderd/internal/responder/dhcpv6"
	"github.com/grnet/tapresponderd/internal/responder/ns"
	"github.com/grnet/tapresponderd/internal/responder/rs"
	"github.com/grnet/tapresponderd/internal/tap"
	"github.com/grnet/tapresponderd/logger"
)

var log = logger.GetLogger("daemon")

// Daemon owns every long-lived resource the core needs: the queue handles,
// the Binding Store and its filesystem watcher, the per-tap transmitters,
// and the RA Scheduler.
type Daemon struct {
	cfg      *config.Config
	store    *binding.Store
	watcher  *binding.Watcher
	resolver ifinfo.Resolver

	dhcp4Q *nfqueue.Queue
	rsQ    *nfqueue.Queue
	nsQ    *nfqueue.Queue
	dhcp6Q *nfqueue.Queue
	sched  *ra.Scheduler

	dhcp4Cfg respdhcpv4.Config
	rsCfg    rs.Config
	dhcp6Cfg respdhcpv6.Config

	txMu sync.Mutex
	tx   map[string]*tap.Transmitter
}

// New opens every configured queue and builds the Daemon. On error, any
// queue already opened is closed before returning.
func New(cfg *config.Config, store *binding.Store, watcher *binding.Watcher, resolver ifinfo.Resolver) (*Daemon, error) {
	d := &Daemon{
		cfg:      cfg,
		store:    store,
		watcher:  watcher,
		resolver: resolver,
		tx:       make(map[string]*tap.Transmitter),
		dhcp4Cfg: respdhcpv4.Config{
			ServerIP:     cfg.DHCP.ServerIP,
			ServerOnLink: cfg.DHCP.ServerOnLink,
			LeaseLife:    cfg.DHCP.LeaseLifetime,
			LeaseRenewal: cfg.DHCP.LeaseRenewal,
			Domain:       cfg.DHCP.Domain,
			Nameservers:  cfg.DHCP.Nameservers,
		},
		rsCfg: rs.Config{
			EnableDHCPv6: cfg.IPv6.EnableDHCPv6,
			RAPeriod:     cfg.IPv6.RAPeriod,
			Nameservers:  cfg.IPv6.Nameservers,
		},
		dhcp6Cfg: respdhcpv6.Config{
			Nameservers: cfg.IPv6.Nameservers,
			Domains:     cfg.IPv6.Domains,
		},
	}

	var err error
	if cfg.DHCP.Enable {
		if d.dhcp4Q, err = nfqueue.Open("dhcpv4", nfqueue.AFInet, cfg.DHCP.Queue); err != nil {
			d.closeQueues()
			return nil, err
		}
	}
	if cfg.IPv6.Enable {
		if d.rsQ, err = nfqueue.Open("rs", nfqueue.AFInet6, cfg.IPv6.RSQueue); err != nil {
			d.closeQueues()
			return nil, err
		}
		if d.nsQ, err = nfqueue.Open("ns", nfqueue.AFInet6, cfg.IPv6.NSQueue); err != nil {
			d.closeQueues()
			return nil, err
		}
		if cfg.IPv6.EnableDHCPv6 && cfg.IPv6.DHCPv6QueueOK {
			if d.dhcp6Q, err = nfqueue.Open("dhcpv6", nfqueue.AFInet6, cfg.IPv6.DHCPv6Queue); err != nil {
				d.closeQueues()
				return nil, err
			}
		}
	}

	d.sched = ra.New(store, daemonSender{d}, cfg.IPv6.RAPeriod, d.rsCfg)
	return d, nil
}

func (d *Daemon) closeQueues() {
	for _, q := range []*nfqueue.Queue{d.dhcp4Q, d.rsQ, d.nsQ, d.dhcp6Q} {
		if q != nil {
			q.Close()
		}
	}
}

// daemonSender adapts Daemon to the ra.Sender interface the RA Scheduler
// needs, without exposing the Daemon's internals to the ra package.
type daemonSender struct{ d *Daemon }

func (s daemonSender) Send(b *binding.Binding, frame []byte) error {
	return s.d.transmitterFor(b.Tap).Send(frame, b.MAC)
}

func (s daemonSender) HostMAC(b *binding.Binding) (net.HardwareAddr, error) {
	return ifinfo.HWAddr(b.Indev)
}

func (d *Daemon) transmitterFor(tapName string) *tap.Transmitter {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	t, ok := d.tx[tapName]
	if !ok {
		t = tap.New(tapName)
		d.tx[tapName] = t
	}
	return t
}

// evictTransmitter drops and closes the cached socket for a tap that has
// disappeared from the binding store.
func (d *Daemon) evictTransmitter(tapName string) {
	d.txMu.Lock()
	t, ok := d.tx[tapName]
	if ok {
		delete(d.tx, tapName)
	}
	d.txMu.Unlock()
	if ok {
		t.Close()
	}
}

// ifindexFor picks the ifindex the Binding Store should key on: the
// physical input device behind a bridge when the kernel reports one,
// otherwise the packet's own input device.
func ifindexFor(p nfqueue.Packet) int {
	if p.HasPhys {
		return p.PhysInDev
	}
	return p.InDev
}

// Run drives the main select loop until ctx is canceled. It returns nil on
// a clean shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)

	if d.cfg.IPv6.Enable {
		d.sched.Start(ctx)
		defer d.sched.Stop()
	}

	log.Info("event loop starting")
	for {
		select {
		case <-ctx.Done():
			log.Info("event loop stopping")
			d.closeQueues()
			d.watcher.Close()
			return nil

		case sig := <-usr1:
			log.Infof("received %s, dumping binding table", sig)
			d.dumpBindings()

		case ev, ok := <-d.watcher.Events():
			if !ok {
				continue
			}
			d.watcher.HandleEvent(ev)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				continue
			}
			d.watcher.HandleError(err)

		case p, ok := <-d.queuePackets(d.dhcp4Q):
			if !ok {
				continue
			}
			d.safely(func() { d.handleDHCPv4(p) })

		case p, ok := <-d.queuePackets(d.rsQ):
			if !ok {
				continue
			}
			d.safely(func() { d.handleRS(p) })

		case p, ok := <-d.queuePackets(d.nsQ):
			if !ok {
				continue
			}
			d.safely(func() { d.handleNS(p) })

		case p, ok := <-d.queuePackets(d.dhcp6Q):
			if !ok {
				continue
			}
			d.safely(func() { d.handleDHCPv6(p) })
		}
	}
}

// queuePackets returns q's channel, or a nil channel (which blocks forever
// in a select) when the protocol is disabled.
func (d *Daemon) queuePackets(q *nfqueue.Queue) <-chan nfqueue.Packet {
	if q == nil {
		return nil
	}
	return q.Packets()
}

// safely runs fn and turns a panic into a logged error, so that one
// malformed packet cannot take the whole daemon down.
func (d *Daemon) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("recovered from panic in responder: %v", r)
		}
	}()
	fn()
}

func (d *Daemon) dumpBindings() {
	bindings := d.store.Snapshot()
	for _, b := range bindings {
		log.Info(b.String())
	}
	log.Infof("%d binding(s), %d ifindex(es) present", len(bindings), d.store.PresentCount())
}

func (d *Daemon) lookup(p nfqueue.Packet) *binding.Binding {
	ifindex := ifindexFor(p)
	if d.store.Discipline() == binding.ByIfindex && !d.store.IfindexPresent(ifindex) {
		return nil
	}
	b := d.store.Lookup(ifindex, p.SrcMAC)
	if b == nil {
		return nil
	}
	if _, err := d.resolver.Ifindex(b.Tap); err != nil {
		log.WithError(err).Warnf("tap %s vanished, evicting binding", b.Tap)
		d.store.Remove(b.Tap)
		d.evictTransmitter(b.Tap)
		return nil
	}
	return b
}

func (d *Daemon) handleDHCPv4(p nfqueue.Packet) {
	b := d.lookup(p)
	if b == nil {
		d.dhcp4Q.Accept(p.ID)
		return
	}

	udpPayload, sport, dport, err := decodeUDPv4(p.Payload)
	if err != nil {
		log.WithError(err).Warn("dhcpv4: malformed packet")
		d.dhcp4Q.Drop(p.ID)
		return
	}

	resp, err := respdhcpv4.BuildReply(udpPayload, b, d.dhcp4Cfg)
	d.dhcp4Q.Drop(p.ID)
	if err != nil {
		if err != respdhcpv4.ErrIgnore {
			log.WithError(err).Warnf("dhcpv4: %s", b.Tap)
		}
		return
	}

	hostMAC, err := ifinfo.HWAddr(b.Indev)
	if err != nil {
		log.WithError(err).Warnf("dhcpv4: %s: cannot resolve indev MAC", b.Tap)
		return
	}
	frame, err := respdhcpv4.FrameReply(resp, hostMAC, resp.ServerIPAddr, sport, dport)
	if err != nil {
		log.WithError(err).Warnf("dhcpv4: %s: cannot frame reply", b.Tap)
		return
	}
	if err := d.transmitterFor(b.Tap).Send(frame, b.MAC); err != nil {
		log.WithError(err).Warnf("dhcpv4: %s: send failed", b.Tap)
	}
}

func (d *Daemon) handleRS(p nfqueue.Packet) {
	b := d.lookup(p)
	if b == nil {
		d.rsQ.Accept(p.ID)
		return
	}

	srcIP, err := decodeICMPv6Source(p.Payload)
	if err != nil {
		log.WithError(err).Warn("rs: malformed packet")
		d.rsQ.Drop(p.ID)
		return
	}
	d.rsQ.Drop(p.ID)

	guestMAC, err := rs.MACFromSource(srcIP)
	if err != nil {
		log.WithError(err).Warnf("rs: %s", b.Tap)
		return
	}
	hostMAC, err := ifinfo.HWAddr(b.Indev)
	if err != nil {
		log.WithError(err).Warnf("rs: %s: cannot resolve indev MAC", b.Tap)
		return
	}
	frame, err := rs.BuildSolicited(b, hostMAC, guestMAC, d.rsCfg)
	if err != nil {
		if err != rs.ErrNoSubnet6 && err != rs.ErrIgnore {
			log.WithError(err).Warnf("rs: %s", b.Tap)
		}
		return
	}
	if err := d.transmitterFor(b.Tap).Send(frame, guestMAC); err != nil {
		log.WithError(err).Warnf("rs: %s: send failed", b.Tap)
	}
}

func (d *Daemon) handleNS(p nfqueue.Packet) {
	b := d.lookup(p)
	if b == nil {
		d.nsQ.Accept(p.ID)
		return
	}

	target, opts, nsSrc, err := decodeNeighborSolicitation(p.Payload)
	if err != nil {
		log.WithError(err).Warn("ns: malformed packet")
		d.nsQ.Drop(p.ID)
		return
	}
	d.nsQ.Drop(p.ID)

	guestMAC, err := ns.GuestMACFromOption(opts)
	if err != nil {
		log.WithError(err).Debugf("ns: %s: no source link-layer option", b.Tap)
		return
	}
	hostMAC, err := ifinfo.HWAddr(b.Indev)
	if err != nil {
		log.WithError(err).Warnf("ns: %s: cannot resolve indev MAC", b.Tap)
		return
	}
	frame, err := ns.BuildReply(b, hostMAC, guestMAC, target, nsSrc)
	if err != nil {
		if err != ns.ErrNotOurs && err != ns.ErrNoSubnet6 && err != ns.ErrIgnore {
			log.WithError(err).Warnf("ns: %s", b.Tap)
		}
		return
	}
	if err := d.transmitterFor(b.Tap).Send(frame, guestMAC); err != nil {
		log.WithError(err).Warnf("ns: %s: send failed", b.Tap)
	}
}

func (d *Daemon) handleDHCPv6(p nfqueue.Packet) {
	b := d.lookup(p)
	if b == nil {
		d.dhcp6Q.Accept(p.ID)
		return
	}

	udpPayload, sport, dport, err := decodeUDPv6(p.Payload)
	if err != nil {
		log.WithError(err).Warn("dhcpv6: malformed packet")
		d.dhcp6Q.Drop(p.ID)
		return
	}

	hostMAC, err := ifinfo.HWAddr(b.Indev)
	if err != nil {
		d.dhcp6Q.Drop(p.ID)
		log.WithError(err).Warnf("dhcpv6: %s: cannot resolve indev MAC", b.Tap)
		return
	}

	resp, err := respdhcpv6.BuildReply(udpPayload, b, hostMAC, d.dhcp6Cfg)
	d.dhcp6Q.Drop(p.ID)
	if err != nil {
		if err != respdhcpv6.ErrUnsupported && err != respdhcpv6.ErrNoSubnet6 {
			log.WithError(err).Warnf("dhcpv6: %s", b.Tap)
		}
		return
	}

	frame, err := respdhcpv6.FrameReply(resp, b, hostMAC, sport, dport)
	if err != nil {
		log.WithError(err).Warnf("dhcpv6: %s: cannot frame reply", b.Tap)
		return
	}
	if err := d.transmitterFor(b.Tap).Send(frame, b.MAC); err != nil {
		log.WithError(err).Warnf("dhcpv6: %s: send failed", b.Tap)
	}
}

// decodeUDPv4 strips the IPv4/UDP headers NFQUEUE hands us, returning the
// UDP payload and the request's source/destination ports (the reply swaps
// them).
func decodeUDPv4(raw []byte) (payload []byte, sport, dport uint16, err error) {
	p := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.NoCopy)
	udp, ok := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return nil, 0, 0, fmt.Errorf("no UDP layer in packet")
	}
	return udp.Payload, uint16(udp.SrcPort), uint16(udp.DstPort), nil
}

func decodeUDPv6(raw []byte) (payload []byte, sport, dport uint16, err error) {
	p := gopacket.NewPacket(raw, layers.LayerTypeIPv6, gopacket.NoCopy)
	udp, ok := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return nil, 0, 0, fmt.Errorf("no UDP layer in packet")
	}
	return udp.Payload, uint16(udp.SrcPort), uint16(udp.DstPort), nil
}

// decodeICMPv6Source returns the IPv6 source address of a Router
// Solicitation, the only field the RS responder needs from the wire
// packet itself.
func decodeICMPv6Source(raw []byte) (net.IP, error) {
	p := gopacket.NewPacket(raw, layers.LayerTypeIPv6, gopacket.NoCopy)
	ip6, ok := p.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	if !ok {
		return nil, fmt.Errorf("no IPv6 layer in packet")
	}
	if p.Layer(layers.LayerTypeICMPv6RouterSolicitation) == nil {
		return nil, fmt.Errorf("no router solicitation layer in packet")
	}
	return ip6.SrcIP, nil
}

// decodeNeighborSolicitation extracts the solicited target address, the
// ICMPv6 options (carrying the guest's source link-layer address) and the
// IPv6 source address (the unicast destination of our reply).
func decodeNeighborSolicitation(raw []byte) (target net.IP, opts layers.ICMPv6Options, nsSrc net.IP, err error) {
	p := gopacket.NewPacket(raw, layers.LayerTypeIPv6, gopacket.NoCopy)
	ip6, ok := p.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	if !ok {
		return nil, nil, nil, fmt.Errorf("no IPv6 layer in packet")
	}
	nsLayer, ok := p.Layer(layers.LayerTypeICMPv6NeighborSolicitation).(*layers.ICMPv6NeighborSolicitation)
	if !ok {
		return nil, nil, nil, fmt.Errorf("no neighbor solicitation layer in packet")
	}
	return nsLayer.TargetAddress, nsLayer.Options, ip6.SrcIP, nil
}
