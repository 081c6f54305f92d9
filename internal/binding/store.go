// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package binding

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// KeyDiscipline selects how the Store indexes bindings. It is decided once
// at startup from a capability of the packet-queue backend in use: whether
// the kernel reports the physical input device (ifindex) alongside each
// packet, or only the packet's own L2/L3 contents.
type KeyDiscipline int

const (
	// ByIfindex keys bindings by the tap's interface index. This is the
	// preferred discipline: it is unambiguous even if several bindings
	// share a MAC address.
	ByIfindex KeyDiscipline = iota
	// ByMAC keys bindings by the guest MAC address, used when the queue
	// backend cannot report a physical input device. Two bindings
	// sharing a MAC conflict; the most recently installed one wins.
	ByMAC
)

// IfindexResolver resolves a tap name to its kernel interface index. The
// Interface Introspector implements it; Store depends only on this
// narrow capability so it can be tested without real interfaces.
type IfindexResolver interface {
	Ifindex(iface string) (int, error)
}

// Store is the in-memory Binding table. It is safe for concurrent use: the
// main event loop mutates it in response to filesystem events, while the
// main loop's responders and the RA scheduler's background worker read it
// concurrently.
type Store struct {
	mu         sync.RWMutex
	dataPath   string
	discipline KeyDiscipline
	resolver   IfindexResolver

	byKey map[string]*Binding
	byTap map[string]string

	present *bitset.BitSet
}

// New creates an empty Store rooted at dataPath, using the given key
// discipline and interface resolver.
func New(dataPath string, discipline KeyDiscipline, resolver IfindexResolver) *Store {
	return &Store{
		dataPath:   dataPath,
		discipline: discipline,
		resolver:   resolver,
		byKey:      make(map[string]*Binding),
		byTap:      make(map[string]string),
		present:    bitset.New(1024),
	}
}

func ifindexKey(idx int) string    { return fmt.Sprintf("idx:%d", idx) }
func macKey(mac net.HardwareAddr) string { return "mac:" + mac.String() }

func (s *Store) keyFor(b *Binding) (string, error) {
	switch s.discipline {
	case ByIfindex:
		idx, err := s.resolver.Ifindex(b.Tap)
		if err != nil {
			return "", err
		}
		return ifindexKey(idx), nil
	default:
		return macKey(b.MAC), nil
	}
}

// Rebuild clears the store and rescans dataPath, installing every valid
// binding file found. Invalid files are skipped and logged.
func (s *Store) Rebuild() {
	entries, err := os.ReadDir(s.dataPath)
	if err != nil {
		log.WithError(err).Errorf("rebuild: cannot read %s", s.dataPath)
		return
	}

	s.mu.Lock()
	s.byKey = make(map[string]*Binding)
	s.byTap = make(map[string]string)
	s.present = bitset.New(1024)
	s.mu.Unlock()

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		s.upsertPath(filepath.Join(s.dataPath, e.Name()))
	}
}

// Upsert parses the binding file at path and installs or replaces the
// corresponding entry. Parse failures are logged and leave the store
// unchanged.
func (s *Store) Upsert(path string) {
	s.upsertPath(path)
}

func (s *Store) upsertPath(path string) {
	b, err := Parse(path)
	if err != nil {
		log.WithError(err).Warnf("skipping invalid binding file %s", path)
		return
	}

	key, err := s.keyFor(b)
	if err != nil {
		log.WithError(err).Warnf("skipping binding for tap %s: cannot resolve interface", b.Tap)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if oldKey, ok := s.byTap[b.Tap]; ok && oldKey != key {
		delete(s.byKey, oldKey)
	}
	if prev, ok := s.byKey[key]; ok && prev.Tap != b.Tap {
		log.Warnf("binding for %s replaces binding for %s under key %s", b.Tap, prev.Tap, key)
	}
	s.byKey[key] = b
	s.byTap[b.Tap] = key
	if s.discipline == ByIfindex {
		if idx, err := s.resolver.Ifindex(b.Tap); err == nil && idx >= 0 {
			s.present.Set(uint(idx))
		}
	}
	log.Debugf("installed binding %s", b)
}

// Remove evicts the binding for the named tap, if present.
func (s *Store) Remove(tap string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byTap[tap]
	if !ok {
		return
	}
	delete(s.byKey, key)
	delete(s.byTap, tap)
	if s.discipline == ByIfindex {
		var idx uint
		if _, err := fmt.Sscanf(key, "idx:%d", &idx); err == nil {
			s.present.Clear(idx)
		}
	}
	log.Debugf("removed binding for %s", tap)
}

// IfindexPresent reports whether some installed binding currently claims
// ifindex idx. It only ever returns true under ByIfindex discipline; under
// ByMAC the bitset is never populated, since ifindexes aren't the key.
func (s *Store) IfindexPresent(idx int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx < 0 {
		return false
	}
	return s.present.Test(uint(idx))
}

// PresentCount returns the number of ifindexes currently marked present in
// the bitset, for diagnostics (e.g. the binding table dump).
func (s *Store) PresentCount() uint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.present.Count()
}

// Lookup resolves a Binding using the store's key discipline: by ifindex
// when available, otherwise by MAC address.
func (s *Store) Lookup(ifindex int, mac net.HardwareAddr) *Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var key string
	if s.discipline == ByIfindex {
		key = ifindexKey(ifindex)
	} else {
		key = macKey(mac)
	}
	return s.byKey[key]
}

// Snapshot returns a point-in-time copy of the installed bindings. The RA
// scheduler uses it so that its periodic walk is never invalidated by a
// concurrent Upsert/Remove on the main thread; individual Bindings are
// immutable once installed, so the copy is shallow.
func (s *Store) Snapshot() []*Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Binding, 0, len(s.byKey))
	for _, b := range s.byKey {
		out = append(out, b)
	}
	return out
}

// Discipline reports the store's key discipline.
func (s *Store) Discipline() KeyDiscipline { return s.discipline }
