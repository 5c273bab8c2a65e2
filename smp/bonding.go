/*
NAME
  bonding.go

DESCRIPTION
  bonding.go implements Bonding, the persistent per-peer key-material
  record produced by a completed pairing, and a JSON file-backed store
  that reloads itself when the file changes on disk.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package smp

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/ausocean/btstack/bdaddr"
	"github.com/ausocean/btstack/internal/logging"
)

// Bonding is the persistent record of a completed pairing: the key
// material needed to re-establish an encrypted link without repeating
// the pairing exchange.
type Bonding struct {
	PeerAddr     bdaddr.Address
	IdentityAddr *bdaddr.Address

	HasLTK bool
	LTK    [16]byte
	EDIV   uint16
	RAND   uint64

	IRK  [16]byte
	CSRK [16]byte

	KeySize uint8

	Authenticated     bool
	SecureConnections bool

	// HasLinkKey and LinkKey carry the BR/EDR link key derived from LTK
	// via Cross-Transport Key Derivation (H6, "lebr"/"tmp1"), present only
	// when both sides negotiated AuthReqCTKD.
	HasLinkKey bool
	LinkKey    [16]byte

	CreatedAt time.Time
}

// bondingWire is the on-disk JSON shape for a Bonding; byte arrays are
// base64-encoded by encoding/json's default []byte handling, which is
// fine since this file is never hand-edited.
type bondingWire struct {
	PeerAddr     string
	IdentityAddr string
	HasLTK       bool
	LTK          []byte
	EDIV         uint16
	RAND         uint64
	IRK          []byte
	CSRK         []byte
	KeySize      uint8
	Authenticated bool
	SecureConnections bool
	HasLinkKey   bool
	LinkKey      []byte
	CreatedAt    time.Time
}

func (b *Bonding) toWire() bondingWire {
	w := bondingWire{
		PeerAddr:          b.PeerAddr.Canonical(),
		HasLTK:            b.HasLTK,
		LTK:               b.LTK[:],
		EDIV:              b.EDIV,
		RAND:              b.RAND,
		IRK:               b.IRK[:],
		CSRK:              b.CSRK[:],
		KeySize:           b.KeySize,
		Authenticated:     b.Authenticated,
		SecureConnections: b.SecureConnections,
		HasLinkKey:        b.HasLinkKey,
		LinkKey:           b.LinkKey[:],
		CreatedAt:         b.CreatedAt,
	}
	if b.IdentityAddr != nil {
		w.IdentityAddr = b.IdentityAddr.Canonical()
	}
	return w
}

func (w bondingWire) toBonding() (*Bonding, error) {
	addr, err := bdaddr.Parse(w.PeerAddr)
	if err != nil {
		return nil, errors.Wrap(err, "smp: parsing bonding peer address")
	}
	b := &Bonding{
		PeerAddr:          addr,
		HasLTK:            w.HasLTK,
		EDIV:              w.EDIV,
		RAND:              w.RAND,
		KeySize:           w.KeySize,
		Authenticated:     w.Authenticated,
		SecureConnections: w.SecureConnections,
		HasLinkKey:        w.HasLinkKey,
		CreatedAt:         w.CreatedAt,
	}
	copy(b.LTK[:], w.LTK)
	copy(b.IRK[:], w.IRK)
	copy(b.CSRK[:], w.CSRK)
	copy(b.LinkKey[:], w.LinkKey)
	if w.IdentityAddr != "" {
		ia, err := bdaddr.Parse(w.IdentityAddr)
		if err != nil {
			return nil, errors.Wrap(err, "smp: parsing bonding identity address")
		}
		b.IdentityAddr = &ia
	}
	return b, nil
}

// BondingStore persists one newline-delimited JSON file per canonical
// peer address in dir, watched as a whole for external changes (e.g. a
// companion process dropping in an updated bond) via fsnotify, mirroring
// the config hot-reload pattern carried — but left unwired — in the
// teacher's go.mod.
type BondingStore struct {
	mu    sync.RWMutex
	dir   string
	bonds map[string]*Bonding
	log   logging.Logger

	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// OpenBondingStore loads every "<canonical>.json" file already present in
// dir and begins watching it for external changes. The returned store
// must be closed with Close.
func OpenBondingStore(dir string, log logging.Logger) (*BondingStore, error) {
	if log == nil {
		log = logging.Discard
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "smp: creating bonding directory")
	}
	s := &BondingStore{dir: dir, bonds: make(map[string]*Bonding), log: log, stop: make(chan struct{})}
	if err := s.loadAll(); err != nil {
		return nil, errors.Wrap(err, "smp: loading bonding store")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "smp: creating bonding store watcher")
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "smp: watching bonding directory %s", dir)
	}
	s.watcher = w
	go s.watchLoop()
	return s, nil
}

func (s *BondingStore) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(ev.Name) != ".json" {
				continue
			}
			if ev.Op&fsnotify.Remove != 0 {
				s.mu.Lock()
				delete(s.bonds, strings.TrimSuffix(filepath.Base(ev.Name), ".json"))
				s.mu.Unlock()
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.loadOne(ev.Name); err != nil {
				s.log.Log(logging.Warning, "smp: reloading bonding file failed", "file", ev.Name, "err", err)
			} else {
				s.log.Log(logging.Info, "smp: bonding file reloaded from disk", "file", ev.Name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Log(logging.Warning, "smp: bonding store watcher error", "err", err)
		case <-s.stop:
			return
		}
	}
}

func (s *BondingStore) bondPath(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *BondingStore) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		if err := s.loadOne(filepath.Join(s.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (s *BondingStore) loadOne(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var w bondingWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return errors.Wrapf(err, "smp: decoding bonding file %s", path)
	}
	bond, err := w.toBonding()
	if err != nil {
		return err
	}
	key := strings.TrimSuffix(filepath.Base(path), ".json")
	s.mu.Lock()
	s.bonds[key] = bond
	s.mu.Unlock()
	return nil
}

// persistOne writes b's record to its own newline-terminated JSON file,
// via a rename from a temp file so a concurrent watcher read never
// observes a partial write.
func (s *BondingStore) persistOne(b *Bonding) error {
	raw, err := json.Marshal(b.toWire())
	if err != nil {
		return errors.Wrap(err, "smp: encoding bonding record")
	}
	raw = append(raw, '\n')
	key := b.PeerAddr.Canonical()
	tmp := s.bondPath(key) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return errors.Wrap(err, "smp: writing bonding temp file")
	}
	return os.Rename(tmp, s.bondPath(key))
}

// Put stores or replaces the bonding record for b.PeerAddr and persists
// it to its own file.
func (s *BondingStore) Put(b *Bonding) error {
	s.mu.Lock()
	s.bonds[b.PeerAddr.Canonical()] = b
	s.mu.Unlock()
	return s.persistOne(b)
}

// Get returns the bonding record for addr, if any.
func (s *BondingStore) Get(addr bdaddr.Address) (*Bonding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bonds[addr.Canonical()]
	return b, ok
}

// Delete removes the bonding record for addr, both in memory and on disk.
func (s *BondingStore) Delete(addr bdaddr.Address) error {
	key := addr.Canonical()
	s.mu.Lock()
	delete(s.bonds, key)
	s.mu.Unlock()
	if err := os.Remove(s.bondPath(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "smp: removing bonding file")
	}
	return nil
}

// Close stops the file watcher.
func (s *BondingStore) Close() error {
	close(s.stop)
	return s.watcher.Close()
}
