/*
NAME
  fake.go

DESCRIPTION
  fake.go implements an in-memory loopback L2CAP and HCI pair for engine
  tests, the way _examples/ausocean-av/device/file stands in for real
  capture hardware.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package fake provides loopback L2CAP and HCI implementations for tests.
package fake

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/ausocean/btstack/internal/transport"
)

// L2CAP is a loopback implementation: data sent on a channel is delivered
// to whichever handler the test bound to it via RegisterFixedChannel or
// BindDynamic, entirely in-process.
type L2CAP struct {
	mu       sync.Mutex
	fixed    map[uint16]transport.ChannelHandler
	dynamic  map[uint16]transport.ChannelHandler
	servers  map[uint16]func(conn transport.ConnHandle) (uint16, bool)
	nextChan uint16
}

// New returns an empty loopback L2CAP.
func New() *L2CAP {
	return &L2CAP{
		fixed:    make(map[uint16]transport.ChannelHandler),
		dynamic:  make(map[uint16]transport.ChannelHandler),
		servers:  make(map[uint16]func(transport.ConnHandle) (uint16, bool)),
		nextChan: 0x0040, // first dynamic CID, per L2CAP's reserved range.
	}
}

// RegisterFixedChannel implements transport.L2CAP.
func (l *L2CAP) RegisterFixedChannel(cid uint16, h transport.ChannelHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fixed[cid] = h
}

// RegisterServer implements transport.L2CAP.
func (l *L2CAP) RegisterServer(psm uint16, accept func(transport.ConnHandle) (uint16, bool)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.servers[psm] = accept
}

// OpenChannel implements transport.L2CAP: it synthesizes a new dynamic
// channel id and, if a server is registered for psm, notifies it via the
// accept callback so tests can wire up a handler on both sides.
func (l *L2CAP) OpenChannel(ctx context.Context, conn transport.ConnHandle, psm uint16) (uint16, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	accept, ok := l.servers[psm]
	if !ok {
		return 0, errors.Errorf("fake: no server registered for PSM %#04x", psm)
	}
	cid := l.nextChan
	l.nextChan++
	if peerCID, ok := accept(conn); ok {
		_ = peerCID
	}
	return cid, nil
}

// BindDynamic attaches h as the handler for an already-allocated dynamic
// channel, for tests that want to observe traffic on it.
func (l *L2CAP) BindDynamic(channel uint16, h transport.ChannelHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dynamic[channel] = h
	h.OnOpen(channel)
}

// Send implements transport.L2CAP by delivering directly to whichever
// handler (fixed or dynamic) owns channel.
func (l *L2CAP) Send(channel uint16, b []byte) error {
	l.mu.Lock()
	h, ok := l.fixed[channel]
	if !ok {
		h, ok = l.dynamic[channel]
	}
	l.mu.Unlock()
	if !ok {
		return errors.Errorf("fake: no handler bound for channel %#04x", channel)
	}
	cp := append([]byte(nil), b...)
	h.OnData(channel, cp)
	return nil
}

// Close implements transport.L2CAP.
func (l *L2CAP) Close(channel uint16) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.dynamic[channel]; ok {
		delete(l.dynamic, channel)
		h.OnClose(channel)
		return nil
	}
	if h, ok := l.fixed[channel]; ok {
		h.OnClose(channel)
		return nil
	}
	return errors.Errorf("fake: no handler bound for channel %#04x", channel)
}

// HCI is a loopback HCI: Send records every command and a test injects
// events via DeliverLEMeta and DeliverEvent.
type HCI struct {
	mu       sync.Mutex
	handlers []transport.EventHandler
	sent     [][]byte
}

// NewHCI returns an empty loopback HCI.
func NewHCI() *HCI { return &HCI{} }

// Send implements transport.HCI.
func (h *HCI) Send(cmd []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, append([]byte(nil), cmd...))
	return nil
}

// Subscribe implements transport.HCI.
func (h *HCI) Subscribe(eh transport.EventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, eh)
}

// Sent returns every command handed to Send, in order; for test assertions.
func (h *HCI) Sent() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.sent...)
}

// DeliverLEMeta fans an LE Meta subevent out to every subscriber.
func (h *HCI) DeliverLEMeta(subevent byte, params []byte) {
	h.mu.Lock()
	handlers := append([]transport.EventHandler(nil), h.handlers...)
	h.mu.Unlock()
	for _, eh := range handlers {
		eh.OnLEMeta(subevent, params)
	}
}

// DeliverEvent fans a general HCI event out to every subscriber.
func (h *HCI) DeliverEvent(code byte, params []byte) {
	h.mu.Lock()
	handlers := append([]transport.EventHandler(nil), h.handlers...)
	h.mu.Unlock()
	for _, eh := range handlers {
		eh.OnEvent(code, params)
	}
}
