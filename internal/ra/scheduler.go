// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package ra runs the periodic unsolicited Router Advertisement broadcast:
// on a fixed interval, walk every installed binding and send one RA out
// its tap.
package ra

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/grnet/tapresponderd/internal/binding"
	"github.com/grnet/tapresponderd/internal/responder/rs"
	"github.com/grnet/tapresponderd/logger"
)

var log = logger.GetLogger("ra")

// Sender is the narrow capability the Scheduler needs per binding: a way
// to look up the tap's Tap Transmitter and host MAC and hand it a frame.
type Sender interface {
	Send(b *binding.Binding, frame []byte) error
	HostMAC(b *binding.Binding) (net.HardwareAddr, error)
}

// Scheduler periodically walks the Binding Store and broadcasts an
// unsolicited RA on every binding. It runs on its own goroutine so the
// main event loop is never blocked by a slow walk.
type Scheduler struct {
	store  *binding.Store
	sender Sender
	period time.Duration
	cfg    rs.Config

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Scheduler; call Start to begin the periodic walk.
func New(store *binding.Store, sender Sender, period time.Duration, cfg rs.Config) *Scheduler {
	return &Scheduler{store: store, sender: sender, period: period, cfg: cfg}
}

// Start launches the background worker. It is idempotent only in the sense
// that calling it twice without an intervening Stop leaks a goroutine; the
// daemon calls it exactly once at startup.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcastOnce()
		}
	}
}

func (s *Scheduler) broadcastOnce() {
	bindings := s.store.Snapshot()
	log.Debugf("RA: broadcasting to %d bindings", len(bindings))
	for _, b := range bindings {
		if b.Subnet6 == nil {
			continue
		}
		hostMAC, err := s.sender.HostMAC(b)
		if err != nil {
			log.WithError(err).Warnf("RA: skipping %s, cannot resolve host MAC", b.Tap)
			continue
		}
		frame, err := rs.BuildUnsolicited(b, hostMAC, s.cfg)
		if err != nil {
			log.WithError(err).Warnf("RA: skipping %s, cannot build advertisement", b.Tap)
			continue
		}
		if err := s.sender.Send(b, frame); err != nil {
			log.WithError(err).Warnf("RA: send to %s failed", b.Tap)
		}
	}
}

// Stop cancels the background worker and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
