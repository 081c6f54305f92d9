// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package ra

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grnet/tapresponderd/internal/binding"
	"github.com/grnet/tapresponderd/internal/responder/rs"
)

type noResolver struct{}

func (noResolver) Ifindex(string) (int, error) { return 0, fmt.Errorf("not used under ByMAC") }

// fakeSender records the taps it was asked to send on, and can be told to
// fail for a specific tap to exercise the skip-and-continue path.
type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	failTap string
}

func (f *fakeSender) Send(b *binding.Binding, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b.Tap == f.failTap {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, b.Tap)
	return nil
}

func (f *fakeSender) HostMAC(b *binding.Binding) (net.HardwareAddr, error) {
	return net.HardwareAddr{0x00, 0x16, 0x3e, 0x00, 0x00, 0x01}, nil
}

func (f *fakeSender) sentTaps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func storeWithBindings(t *testing.T) *binding.Store {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"vnet0": "MAC=52:54:00:aa:bb:cc\nHOSTNAME=vm1.example.org\nSUBNET6=2001:db8::/64\n",
		"vnet1": "MAC=52:54:00:aa:bb:cd\nHOSTNAME=vm2.example.org\nSUBNET6=2001:db8:1::/64\n",
		// No subnet6: must be skipped entirely by the broadcast walk.
		"vnet2": "MAC=52:54:00:aa:bb:ce\nHOSTNAME=vm3.example.org\nIP=10.0.0.5\n",
	}
	for tap, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, tap), []byte(body), 0o644))
	}
	store := binding.New(dir, binding.ByMAC, noResolver{})
	store.Rebuild()
	require.Len(t, store.Snapshot(), 3)
	return store
}

func TestBroadcastOnceWalksIPv6Bindings(t *testing.T) {
	store := storeWithBindings(t)
	sender := &fakeSender{}
	s := New(store, sender, time.Hour, rs.Config{RAPeriod: time.Hour})

	s.broadcastOnce()

	sent := sender.sentTaps()
	require.ElementsMatch(t, []string{"vnet0", "vnet1"}, sent)
}

func TestBroadcastOnceSkipsFailingBinding(t *testing.T) {
	store := storeWithBindings(t)
	sender := &fakeSender{failTap: "vnet0"}
	s := New(store, sender, time.Hour, rs.Config{RAPeriod: time.Hour})

	s.broadcastOnce()

	require.ElementsMatch(t, []string{"vnet1"}, sender.sentTaps())
}

func TestSchedulerStopJoinsWorker(t *testing.T) {
	store := storeWithBindings(t)
	sender := &fakeSender{}
	s := New(store, sender, 10*time.Millisecond, rs.Config{RAPeriod: 10 * time.Millisecond})

	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	require.NotEmpty(t, sender.sentTaps())
}
