// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package nfqueue adapts github.com/florianl/go-nfqueue/v2 to the shape the
// event loop wants: a channel of decoded packets per queue, and a verdict
// call that the responder issues once it has decided the packet's fate.
package nfqueue

import (
	"context"
	"fmt"
	"net"

	nfq "github.com/florianl/go-nfqueue/v2"
	"golang.org/x/sys/unix"

	"github.com/grnet/tapresponderd/logger"
)

var log = logger.GetLogger("nfqueue")

// Packet is one packet pulled off a queue, with the attributes the
// responders need to find a binding and frame a reply.
type Packet struct {
	ID int

	// Payload is the IP packet as handed to us by the kernel (no
	// Ethernet header: NFQUEUE operates at the IP layer).
	Payload []byte

	// InDev is the ifindex of the device the packet entered on. It is
	// set whenever the kernel can report it; PhysInDev, when present, is
	// the underlying physical device behind a bridge and is what the
	// Binding Store keys on in ByIfindex discipline.
	InDev     int
	PhysInDev int
	HasPhys   bool

	// SrcMAC is the packet's Ethernet source address, when the kernel
	// reports link-layer attributes (always true for AF_BRIDGE/AF_INET
	// queues attached to a bridge).
	SrcMAC net.HardwareAddr
}

// Queue wraps one go-nfqueue/v2 handle bound to a single numbered queue and
// address family, fanning out decoded packets onto a Go channel so the
// daemon can select over several queues plus a filesystem watcher in one
// place.
type Queue struct {
	name string
	nf   *nfq.Nfqueue
	out  chan Packet

	cancel context.CancelFunc
}

// Open binds to the given queue number for the given address family
// (unix.AF_INET or unix.AF_INET6) and begins delivering packets on the
// returned Queue's channel.
func Open(name string, family, num uint16) (*Queue, error) {
	cfg := nfq.Config{
		NfQueue:      num,
		AfFamily:     uint8(family),
		MaxPacketLen: 0xffff,
		MaxQueueLen:  5000,
		Copymode:     nfq.NfQnlCopyPacket,
	}

	nf, err := nfq.Open(&cfg)
	if err != nil {
		return nil, fmt.Errorf("nfqueue: %s: open queue %d: %w", name, num, err)
	}

	q := &Queue{
		name: name,
		nf:   nf,
		out:  make(chan Packet, cfg.MaxQueueLen),
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	err = nf.RegisterWithErrorFunc(ctx, q.handle, func(err error) int {
		log.WithError(err).Warnf("%s: queue error", name)
		return 0
	})
	if err != nil {
		nf.Close()
		cancel()
		return nil, fmt.Errorf("nfqueue: %s: register callback: %w", name, err)
	}

	return q, nil
}

func (q *Queue) handle(attrs nfq.Attribute) int {
	if attrs.PacketID == nil || attrs.Payload == nil {
		return 0
	}
	p := Packet{ID: int(*attrs.PacketID), Payload: *attrs.Payload}
	if attrs.InDev != nil {
		p.InDev = int(*attrs.InDev)
	}
	if attrs.PhysInDev != nil {
		p.PhysInDev = int(*attrs.PhysInDev)
		p.HasPhys = true
	}
	if attrs.HwAddr != nil && len(*attrs.HwAddr) >= 6 {
		p.SrcMAC = net.HardwareAddr((*attrs.HwAddr)[:6])
	}

	select {
	case q.out <- p:
	default:
		// Overloaded: release the packet back to the kernel so unknown
		// clients keep working, and so the queue never stalls on an
		// unissued verdict.
		log.Warnf("%s: queue channel full, releasing packet %d", q.name, p.ID)
		if err := q.verdict(p.ID, nfq.NfAccept); err != nil {
			log.WithError(err).Warnf("%s: verdict for overflowed packet %d", q.name, p.ID)
		}
	}
	return 0
}

// Packets returns the channel of decoded packets.
func (q *Queue) Packets() <-chan Packet { return q.out }

// Accept issues the ACCEPT verdict for the packet id, letting the kernel
// route it normally.
func (q *Queue) Accept(id int) error {
	return q.verdict(id, nfq.NfAccept)
}

// Drop issues the DROP verdict: the responder owns the reply.
func (q *Queue) Drop(id int) error {
	return q.verdict(id, nfq.NfDrop)
}

func (q *Queue) verdict(id int, v int) error {
	if err := q.nf.SetVerdict(uint32(id), v); err != nil {
		return fmt.Errorf("nfqueue: %s: set verdict for packet %d: %w", q.name, id, err)
	}
	return nil
}

// Close stops delivering packets and releases the queue.
func (q *Queue) Close() error {
	q.cancel()
	return q.nf.Close()
}

// AddressFamily constants mirror the ones the daemon passes to Open, kept
// here so callers don't need to import golang.org/x/sys/unix directly.
const (
	AFInet  = unix.AF_INET
	AFInet6 = unix.AF_INET6
)
