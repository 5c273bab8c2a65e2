/*
NAME
  session.go

DESCRIPTION
  session.go defines Session, the per-connection pairing context the
  engine advances through the SMP state machine, plus the small enums
  (Role, IOCapability, Method, State) that parameterize it.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package smp implements the Security Manager Protocol pairing engine:
// per-connection session state, method selection, the Legacy and Secure
// Connections key-exchange flows, key distribution, and CTKD.
package smp

import (
	"sync"

	"github.com/ausocean/btstack/bdaddr"
	"github.com/ausocean/btstack/internal/transport"
)

// Role is this side's role in a pairing exchange.
type Role uint8

const (
	RoleInitiator Role = iota
	RoleResponder
)

// IOCapability is the local or peer I/O capability advertised in a
// Pairing Request/Response.
type IOCapability uint8

const (
	IOCapDisplayOnly IOCapability = iota
	IOCapDisplayYesNo
	IOCapKeyboardOnly
	IOCapNoInputNoOutput
	IOCapKeyboardDisplay
)

// AuthReq bit flags carried in a Pairing Request/Response.
type AuthReq uint8

const (
	AuthReqBonding        AuthReq = 1 << 0
	AuthReqMITM           AuthReq = 1 << 2
	AuthReqSC             AuthReq = 1 << 3
	AuthReqKeypress       AuthReq = 1 << 4
	AuthReqCTKD           AuthReq = 1 << 5
)

// KeyDist bit flags for the init/resp key distribution masks.
const (
	KeyDistEncKey  uint8 = 1 << 0
	KeyDistIDKey   uint8 = 1 << 1
	KeyDistSign    uint8 = 1 << 2
	KeyDistLinkKey uint8 = 1 << 3
)

// Method is the pairing association method selected per spec.md §4.5.
type Method uint8

const (
	MethodJustWorks Method = iota
	MethodNumericComparison
	MethodPasskeyEntry
	MethodOOBLegacy
	MethodOOBSecureConnections
)

// State is a node in the SMP state machine. PAIRED and FAILED are
// terminal.
type State uint8

const (
	StateIdle State = iota
	StateWaitPairingRsp
	StateWaitPublicKey
	StateWaitDHKey
	StateWaitConfirm
	StateWaitRandom
	StateWaitDHKeyCheck
	StateWaitLTKRequest
	StateWaitEncryption
	StateKeyDistribution
	StatePaired
	StateFailed
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool { return s == StatePaired || s == StateFailed }

// NegotiatedParams holds the parameters agreed during Pairing
// Request/Response exchange.
type NegotiatedParams struct {
	LocalIOCap, PeerIOCap     IOCapability
	LocalAuthReq, PeerAuthReq AuthReq
	LocalMaxKeySize, PeerMaxKeySize uint8
	LocalInitKeyDist, LocalRespKeyDist uint8
	PeerInitKeyDist, PeerRespKeyDist   uint8
	LocalOOB, PeerOOB bool
	PairingReqBytes, PairingRspBytes []byte // needed verbatim for c1's p1 field.
}

// CryptoScratch is the per-session cryptographic working state: nonces,
// confirm values, and derived keys accumulated over the course of a
// pairing exchange.
type CryptoScratch struct {
	TK [16]byte // Legacy temporary key.

	LocalRand, PeerRand     [16]byte
	LocalConfirm, PeerConfirm [16]byte

	Na, Nb [16]byte // Secure Connections nonces.

	LocalP256X, LocalP256Y [32]byte
	PeerP256X, PeerP256Y   [32]byte
	DHKey                  [32]byte

	MacKey [16]byte
	LTK    [16]byte
	EDIV   uint16
	RAND   uint64

	IRK  [16]byte
	CSRK [16]byte

	LocalDHKeyCheck, PeerDHKeyCheck, ExpectedPeerCheck [16]byte
}

// Session is the per-connection pairing context; exactly one exists per
// connection handle at a time (created on outbound initiate or inbound
// Pairing Request, destroyed on PAIRED, FAILED, or connection loss).
type Session struct {
	mu sync.Mutex

	Conn    transport.ConnHandle
	Channel uint16 // L2CAP channel/CID this session's PDUs travel on.
	Role    Role

	PeerAddr    bdaddr.Address
	LocalAddr   bdaddr.Address
	IdentityAddr *bdaddr.Address // set once IdentityAddressReceived fires; nil until then.

	Params NegotiatedParams
	Method Method
	Secure bool // true once both sides' AuthReq carried the SC bit.

	Scratch CryptoScratch

	Passkey         uint32
	PasskeyBitIndex int

	ReceivedKeys uint8 // bitmask of KeyDist* bits received so far.
	ExpectKeys   uint8 // bitmask of KeyDist* bits still expected from the peer.
	SentKeys     bool  // true once this side has sent all of its own distribution PDUs.

	PasskeyRound      int  // SC passkey entry round counter, 0..19.
	LocalConfirmReady bool // true once Scratch.LocalConfirm holds a value for the current round/TK.

	State State

	done chan struct{}
	once sync.Once

	FailReason ReasonCode
	FailErr    error
}

// NewSession returns a fresh IDLE session for conn, keyed on peer.
func NewSession(conn transport.ConnHandle, role Role, peer bdaddr.Address) *Session {
	return &Session{
		Conn:  conn,
		Role:  role,
		PeerAddr: peer,
		State: StateIdle,
		done:  make(chan struct{}),
	}
}

// SetState transitions the session to s under the session's lock.
func (sess *Session) SetState(s State) {
	sess.mu.Lock()
	sess.State = s
	sess.mu.Unlock()
}

// GetState returns the current state.
func (sess *Session) GetState() State {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.State
}

// Done returns a channel closed exactly once, when the session reaches a
// terminal state.
func (sess *Session) Done() <-chan struct{} { return sess.done }

// complete transitions to a terminal state and fires the completion
// signal exactly once; subsequent calls are no-ops.
func (sess *Session) complete(state State, reason ReasonCode, err error) {
	sess.mu.Lock()
	sess.State = state
	sess.FailReason = reason
	sess.FailErr = err
	sess.mu.Unlock()
	sess.once.Do(func() { close(sess.done) })
}
