// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package tap implements the per-binding raw L2 sending endpoint used to
// inject synthesized replies back onto a guest tap interface.
package tap

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/mdlayher/packet"
	"golang.org/x/net/bpf"
)

// allProtocols binds the transmit socket to every ethertype (ETH_P_ALL).
// The socket is send-only in practice: a drop-everything classic BPF
// filter is attached so the kernel never hands us a received frame.
const allProtocols = 0x0003

// Transmitter owns one raw AF_PACKET socket bound to a single tap
// interface. It reopens the socket lazily: on first Send, and again
// whenever a previous Send failed.
type Transmitter struct {
	mu   sync.Mutex
	tap  string
	conn *packet.Conn
}

// New returns a Transmitter for the named tap interface. The socket is not
// opened until the first Send call.
func New(tap string) *Transmitter {
	return &Transmitter{tap: tap}
}

// Send writes a complete Ethernet frame (the caller has already set source
// and destination MACs, ethertype and payload) out the tap. dst is also
// passed to the kernel as the AF_PACKET destination address; it should
// match the frame's own Ethernet destination.
func (t *Transmitter) Send(frame []byte, dst net.HardwareAddr) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		if err := t.open(); err != nil {
			return err
		}
	}

	if _, err := t.conn.WriteTo(frame, &packet.Addr{HardwareAddr: dst}); err != nil {
		t.closeLocked()
		return fmt.Errorf("tap: %s: send failed, socket closed for reopen: %w", t.tap, err)
	}
	return nil
}

func (t *Transmitter) open() error {
	ifi, err := net.InterfaceByName(t.tap)
	if err != nil {
		return fmt.Errorf("tap: %s: %w", t.tap, err)
	}
	if ifi.Index == 0 {
		return errors.New("tap: raw sockets require a resolved interface index")
	}

	// We only ever use this socket to transmit, so ignore everything the
	// kernel would otherwise deliver to us.
	ignore, err := bpf.RetConstant{Val: 0}.Assemble()
	if err != nil {
		panic("BUG: could not assemble drop-all BPF filter")
	}
	filterIgnoreAll := []bpf.RawInstruction{ignore}

	conn, err := packet.Listen(ifi, packet.Raw, allProtocols, &packet.Config{Filter: filterIgnoreAll})
	if err != nil {
		return fmt.Errorf("tap: %s: could not open raw socket: %w", t.tap, err)
	}
	t.conn = conn
	return nil
}

func (t *Transmitter) closeLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

// Close releases the underlying socket, if open. Called when the
// associated binding is evicted from the store.
func (t *Transmitter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
