/*
NAME
  session.go

DESCRIPTION
  session.go defines StreamEndpoint and AvdtpSession, the per-connection
  data model the signaling/media engine advances through the AVDTP
  stream state machine.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package avdtp implements the A2DP signaling/media state machine:
// endpoint discovery, capability negotiation, stream configuration, and
// RTP-framed SBC media transport, over the transport.L2CAP facade.
package avdtp

import (
	"sync"

	"github.com/ausocean/btstack/internal/transport"
)

// StreamState is a node in the per-endpoint stream state machine.
type StreamState uint8

const (
	StreamIdle StreamState = iota
	StreamConfigured
	StreamOpen
	StreamStreaming
	StreamClosing
	StreamAborting
)

// StreamEndpoint is one local or remote Stream Endpoint Point (SEP).
type StreamEndpoint struct {
	SEID      uint8
	InUse     bool
	Source    bool // true = Source (TSEP=0), false = Sink (TSEP=1).
	Codec     uint8
	Caps      []Capability   // raw capabilities, as discovered or registered.
	Config    []Capability   // raw configuration, once set.
	SBC       SBCCapability  // decoded SBC parameters, valid once Config is set with a MediaCodec/SBC entry.
}

// applyConfig sets Config and decodes its MediaCodec/SBC entry into SBC,
// returning an error if none is present.
func (s *StreamEndpoint) applyConfig(caps []Capability) error {
	for _, c := range caps {
		if c.Category == CatMediaCodec {
			sbc, err := DecodeSBCCapability(c.Payload)
			if err != nil {
				return err
			}
			s.Config = caps
			s.SBC = sbc
			return nil
		}
	}
	return newProtocolError(ErrInvalidCapabilities, "no MediaCodec capability in configuration")
}

// AvdtpSession is the per-connection AVDTP context: signaling + media
// channel handles, endpoint tables, the active endpoint pair, and the
// RTP framing counters for the active stream.
type AvdtpSession struct {
	mu sync.Mutex

	Conn         transport.ConnHandle
	SignalChan   uint16
	MediaChan    uint16

	// Local stream endpoints live at Engine scope (e.localEPs), shared
	// across every session, since they don't vary per remote connection.
	Remote map[uint8]*StreamEndpoint // SEID -> remote endpoint, populated by Discover.

	ActiveLocal  uint8
	ActiveRemote uint8

	State StreamState

	label uint8 // next outbound transaction label, 0..15.

	RTPSeq uint16
	RTPTS  uint32
	SSRC   uint32

	Delay uint16 // reported delay in 1/10 ms units, from DelayReport.
}

// NewAvdtpSession returns a fresh IDLE session for conn.
func NewAvdtpSession(conn transport.ConnHandle, ssrc uint32) *AvdtpSession {
	return &AvdtpSession{
		Conn:   conn,
		Remote: make(map[uint8]*StreamEndpoint),
		State:  StreamIdle,
		SSRC:   ssrc,
	}
}

// nextLabel returns the next transaction label, wrapping mod 16 per
// AVDTP's rule of at most one outstanding transaction per label.
func (s *AvdtpSession) nextLabel() uint8 {
	s.mu.Lock()
	l := s.label
	s.label = (s.label + 1) & 0x0F
	s.mu.Unlock()
	return l
}

// SetState transitions the session under the session's lock.
func (s *AvdtpSession) SetState(st StreamState) {
	s.mu.Lock()
	s.State = st
	s.mu.Unlock()
}

// GetState returns the current stream state.
func (s *AvdtpSession) GetState() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// resetMediaCounters resets the RTP sequence/timestamp counters, per the
// rule that both reset on Start.
func (s *AvdtpSession) resetMediaCounters() {
	s.mu.Lock()
	s.RTPSeq = 0
	s.RTPTS = 0
	s.mu.Unlock()
}

// advance returns the next (seq, ts) pair and advances the counters by
// one packet's worth of samples.
func (s *AvdtpSession) advance(samples uint32) (seq uint16, ts uint32) {
	s.mu.Lock()
	seq, ts = s.RTPSeq, s.RTPTS
	s.RTPSeq++
	s.RTPTS += samples
	s.mu.Unlock()
	return seq, ts
}
