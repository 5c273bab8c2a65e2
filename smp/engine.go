/*
NAME
  engine.go

DESCRIPTION
  engine.go implements the SMP pairing engine: method selection, the
  Legacy and Secure Connections key-exchange flows, key distribution,
  and Cross-Transport Key Derivation, driving Session through its
  state machine over the transport.L2CAP and transport.HCI facades.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package smp

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ausocean/btstack/bdaddr"
	"github.com/ausocean/btstack/internal/logging"
	"github.com/ausocean/btstack/internal/transport"
	ctoolbox "github.com/ausocean/btstack/crypto"
)

// Engine-internal HCI command tags. HCI opcode/OGF encoding belongs to the
// transport layer, which is out of scope here; the engine only needs a
// consistent way to ask its HCI facade for these five operations.
const (
	cmdReadLocalP256PublicKey byte = 0x01
	cmdGenerateDHKey          byte = 0x02
	cmdLTKRequestReply        byte = 0x03
	cmdLTKRequestNegReply     byte = 0x04
	cmdStartEncryption        byte = 0x05
)

// Config parameterizes the local side of every pairing this engine
// performs.
type Config struct {
	IOCapability    IOCapability
	AuthReq         AuthReq
	MaxKeySize      uint8
	InitKeyDist     uint8
	RespKeyDist     uint8
	PairingTimeout  time.Duration
	ECDHStepTimeout time.Duration
}

// DefaultConfig returns a Config requesting bonding and Secure Connections
// with a 30 second overall pairing timeout.
func DefaultConfig() Config {
	return Config{
		IOCapability:    IOCapNoInputNoOutput,
		AuthReq:         AuthReqBonding | AuthReqSC,
		MaxKeySize:      16,
		InitKeyDist:     KeyDistEncKey | KeyDistIDKey | KeyDistSign,
		RespKeyDist:     KeyDistEncKey | KeyDistIDKey | KeyDistSign,
		PairingTimeout:  30 * time.Second,
		ECDHStepTimeout: 5 * time.Second,
	}
}

// Listener receives pairing lifecycle notifications. Implementations must
// not block; do slow work on another goroutine.
type Listener interface {
	PairingStarted(conn transport.ConnHandle, peer bdaddr.Address)
	PasskeyRequired(conn transport.ConnHandle, display bool, passkey uint32)
	NumericComparisonRequired(conn transport.ConnHandle, value uint32)
	IdentityAddressReceived(conn transport.ConnHandle, identity bdaddr.Address)
	PairingComplete(conn transport.ConnHandle, bond *Bonding)
	PairingFailed(conn transport.ConnHandle, reason ReasonCode, err error)
	SecurityRequest(conn transport.ConnHandle, authReq AuthReq)
}

// NopListener implements Listener with no-op methods, for callers that
// only care about a subset of events (embed and override).
type NopListener struct{}

func (NopListener) PairingStarted(transport.ConnHandle, bdaddr.Address)                  {}
func (NopListener) PasskeyRequired(transport.ConnHandle, bool, uint32)                    {}
func (NopListener) NumericComparisonRequired(transport.ConnHandle, uint32)                {}
func (NopListener) IdentityAddressReceived(transport.ConnHandle, bdaddr.Address)          {}
func (NopListener) PairingComplete(transport.ConnHandle, *Bonding)                        {}
func (NopListener) PairingFailed(transport.ConnHandle, ReasonCode, error)                 {}
func (NopListener) SecurityRequest(transport.ConnHandle, AuthReq)                         {}

// Engine drives every active Session through the SMP state machine. One
// Engine serves every connection; Session.Conn/Channel distinguish them.
//
// L2CAP fixed-channel demultiplexing by connection is explicitly out of
// scope for the transport.L2CAP facade (every ACL link reuses the same
// CID 0x0006), so this engine treats the channel value it is given as
// already connection-unique — the real demultiplexing a complete L2CAP
// implementation would perform before dispatch. Callers that supply their
// own channel id per connection (as Initiate/RequestSecurity require) get
// this for free; inbound Pairing Requests on an unrecognized channel fall
// back to using the channel id itself as the connection handle.
type Engine struct {
	mu       sync.Mutex
	l2cap    transport.L2CAP
	hci      transport.HCI
	log      logging.Logger
	store    *BondingStore
	listener Listener
	cfg      Config

	localAddr     bdaddr.Address
	localIRK      [16]byte
	localCSRK     [16]byte
	localIRKValid bool

	byConn    map[transport.ConnHandle]*Session
	byChannel map[uint16]*Session
	timers    map[transport.ConnHandle]*time.Timer

	pubKeyReady   bool
	localP256X    [32]byte
	localP256Y    [32]byte
	pubKeyWaiters []transport.ConnHandle
}

// NewEngine returns an Engine ready to handle pairing over l2cap/hci. store
// may be nil to disable bonding persistence.
func NewEngine(l2cap transport.L2CAP, hci transport.HCI, cfg Config, localAddr bdaddr.Address, store *BondingStore, listener Listener, log logging.Logger) *Engine {
	if log == nil {
		log = logging.Discard
	}
	if listener == nil {
		listener = NopListener{}
	}
	e := &Engine{
		l2cap:     l2cap,
		hci:       hci,
		log:       log,
		store:     store,
		listener:  listener,
		cfg:       cfg,
		localAddr: localAddr,
		byConn:    make(map[transport.ConnHandle]*Session),
		byChannel: make(map[uint16]*Session),
		timers:    make(map[transport.ConnHandle]*time.Timer),
	}
	rand.Read(e.localIRK[:])
	rand.Read(e.localCSRK[:])
	l2cap.RegisterFixedChannel(transport.CIDSMPLE, e)
	hci.Subscribe(e)
	return e
}

// Initiate begins pairing as the initiator over channel (the SMP fixed
// channel instance for conn, supplied by the caller since fixed-channel
// demultiplexing by connection is an L2CAP-layer concern out of scope
// here).
func (e *Engine) Initiate(conn transport.ConnHandle, channel uint16, peer bdaddr.Address) error {
	sess := NewSession(conn, RoleInitiator, peer)
	sess.Channel = channel
	sess.LocalAddr = e.localAddr
	e.register(sess)

	req := pairingPDU{
		IOCap:       e.cfg.IOCapability,
		AuthReq:     e.cfg.AuthReq,
		MaxKeySize:  e.cfg.MaxKeySize,
		InitKeyDist: e.cfg.InitKeyDist,
		RespKeyDist: e.cfg.RespKeyDist,
	}
	sess.Params.LocalIOCap = req.IOCap
	sess.Params.LocalAuthReq = req.AuthReq
	sess.Params.LocalMaxKeySize = req.MaxKeySize
	sess.Params.LocalInitKeyDist = req.InitKeyDist
	sess.Params.LocalRespKeyDist = req.RespKeyDist
	sess.Params.PairingReqBytes = encodePairingPDU(OpPairingRequest, req)

	sess.SetState(StateWaitPairingRsp)
	e.startTimer(sess, e.cfg.PairingTimeout)
	e.listener.PairingStarted(conn, peer)
	return e.send(sess, sess.Params.PairingReqBytes)
}

// RequestSecurity sends a Security Request to peer, asking it to initiate
// pairing (the local-device-is-peripheral path).
func (e *Engine) RequestSecurity(conn transport.ConnHandle, channel uint16, peer bdaddr.Address) error {
	sess := NewSession(conn, RoleResponder, peer)
	sess.Channel = channel
	sess.LocalAddr = e.localAddr
	e.register(sess)
	e.startTimer(sess, e.cfg.PairingTimeout)
	return e.send(sess, encodeSecurityRequest(e.cfg.AuthReq))
}

// PrepareInbound registers a Session for a connection the application
// expects inbound SMP traffic on, before any arrives, so the peer address
// already known from the link layer (e.g. an ACL Connection Complete
// event) is bound to the pairing flow from the start. Without this, an
// unprompted Pairing Request falls back to creating a session with an
// unknown (zero) peer address, which breaks Legacy and Secure Connections
// confirm verification: c1, f5 and f6 all commit to both devices'
// addresses.
func (e *Engine) PrepareInbound(conn transport.ConnHandle, channel uint16, peer bdaddr.Address) {
	sess := NewSession(conn, RoleResponder, peer)
	sess.Channel = channel
	sess.LocalAddr = e.localAddr
	e.register(sess)
	e.startTimer(sess, e.cfg.PairingTimeout)
}

func (e *Engine) register(sess *Session) {
	e.mu.Lock()
	e.byConn[sess.Conn] = sess
	e.byChannel[sess.Channel] = sess
	e.mu.Unlock()
}

func (e *Engine) unregister(sess *Session) {
	e.mu.Lock()
	delete(e.byConn, sess.Conn)
	delete(e.byChannel, sess.Channel)
	if t, ok := e.timers[sess.Conn]; ok {
		t.Stop()
		delete(e.timers, sess.Conn)
	}
	e.mu.Unlock()
}

func (e *Engine) startTimer(sess *Session, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.AfterFunc(d, func() {
		e.fail(sess, ReasonUnspecifiedReason, errors.New("smp: pairing timed out"))
	})
	e.mu.Lock()
	e.timers[sess.Conn] = t
	e.mu.Unlock()
}

func (e *Engine) sessionByConn(conn transport.ConnHandle) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.byConn[conn]
	return s, ok
}

func (e *Engine) sessionByChannel(channel uint16) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.byChannel[channel]
	return s, ok
}

func (e *Engine) send(sess *Session, b []byte) error {
	return e.l2cap.Send(sess.Channel, b)
}

// fail aborts sess, sending the peer a Pairing Failed PDU (a send error is
// ignored) and notifying the local listener.
func (e *Engine) fail(sess *Session, reason ReasonCode, cause error) {
	if sess.GetState().Terminal() {
		return
	}
	e.log.Log(logging.Warning, "smp: pairing failed", "conn", sess.Conn, "reason", reason, "err", cause)
	_ = e.send(sess, encodePairingFailed(reason))
	sess.complete(StateFailed, reason, cause)
	e.listener.PairingFailed(sess.Conn, reason, cause)
	e.unregister(sess)
}

// -- method selection --------------------------------------------------

func hasKeyboard(c IOCapability) bool { return c == IOCapKeyboardOnly || c == IOCapKeyboardDisplay }
func hasDisplay(c IOCapability) bool {
	return c == IOCapDisplayOnly || c == IOCapDisplayYesNo || c == IOCapKeyboardDisplay
}

// selectMethod implements the association-model decision documented in
// spec.md §4.5: OOB takes priority when both sides have OOB data, a
// non-MITM request or either side being NoInputNoOutput forces Just
// Works, two displaying+confirming sides under Secure Connections use
// Numeric Comparison, and a keyboard on either side otherwise selects
// Passkey Entry. This reproduces the key properties of the Core
// Specification's 5x5 IO capability table without enumerating every cell
// of it verbatim.
func selectMethod(secureConnections bool, mitm, localOOB, peerOOB bool, local, peer IOCapability) Method {
	if localOOB && peerOOB {
		if secureConnections {
			return MethodOOBSecureConnections
		}
		return MethodOOBLegacy
	}
	if !mitm {
		return MethodJustWorks
	}
	if local == IOCapNoInputNoOutput || peer == IOCapNoInputNoOutput {
		return MethodJustWorks
	}
	if local == IOCapDisplayOnly && peer == IOCapDisplayOnly {
		return MethodJustWorks
	}
	if secureConnections && hasDisplay(local) && hasDisplay(peer) && local != IOCapDisplayOnly && peer != IOCapDisplayOnly {
		return MethodNumericComparison
	}
	if hasKeyboard(local) || hasKeyboard(peer) {
		return MethodPasskeyEntry
	}
	return MethodJustWorks
}

// passkeyDisplaySide reports whether the local side is the one that
// generates and displays the passkey (true) versus the one the user types
// it into (false), when Role's own capability doesn't already decide it.
func (sess *Session) passkeyDisplaySide() bool {
	localKbd, peerKbd := hasKeyboard(sess.Params.LocalIOCap), hasKeyboard(sess.Params.PeerIOCap)
	switch {
	case localKbd && !peerKbd:
		return false
	case peerKbd && !localKbd:
		return true
	default:
		return sess.Role == RoleResponder // arbitrary, documented tie-break.
	}
}

// -- OnData dispatch -----------------------------------------------------

// OnData implements transport.ChannelHandler.
func (e *Engine) OnData(channel uint16, b []byte) {
	sess, ok := e.sessionByChannel(channel)
	if len(b) == 0 {
		return
	}
	op := Opcode(b[0])
	if !ok {
		if op == OpPairingRequest {
			e.handleInboundPairingRequest(channel, b)
			return
		}
		if op == OpSecurityRequest {
			// Peer asking us (as would-be initiator) to start pairing; left
			// for the application to react to by calling Initiate, since it
			// alone knows the connection handle and peer address for channel.
			e.log.Log(logging.Info, "smp: security request received with no session bound", "channel", channel)
			return
		}
		e.log.Log(logging.Warning, "smp: data on unbound channel", "channel", channel, "opcode", op)
		return
	}

	switch op {
	case OpPairingResponse:
		e.handlePairingResponse(sess, b)
	case OpPairingConfirm:
		e.handlePairingConfirm(sess, b)
	case OpPairingRandom:
		e.handlePairingRandom(sess, b)
	case OpPairingPublicKey:
		e.handlePairingPublicKey(sess, b)
	case OpPairingDHKeyCheck:
		e.handleDHKeyCheck(sess, b)
	case OpPairingFailed:
		reason, err := decodePairingFailed(b)
		if err != nil {
			reason = ReasonUnspecifiedReason
		}
		sess.complete(StateFailed, reason, errors.New("smp: peer reported pairing failure"))
		e.listener.PairingFailed(sess.Conn, reason, sess.FailErr)
		e.unregister(sess)
	case OpEncryptionInfo:
		if len(b) == 17 {
			v, _ := decode16ByteValue(b)
			sess.Scratch.LTK = v
			sess.ReceivedKeys |= KeyDistEncKey
		}
	case OpMasterIdentification:
		ediv, rnd, err := decodeMasterIdentification(b)
		if err == nil {
			sess.Scratch.EDIV = ediv
			sess.Scratch.RAND = rnd
		}
		e.checkKeyDistComplete(sess)
	case OpIdentityInfo:
		if v, err := decode16ByteValue(b); err == nil {
			sess.Scratch.IRK = v
			sess.ReceivedKeys |= KeyDistIDKey
		}
	case OpIdentityAddrInfo:
		addrType, addr, err := decodeIdentityAddressInformation(b)
		if err == nil {
			t := bdaddr.Public
			if addrType == 1 {
				t = bdaddr.Random
			}
			ia := bdaddr.Address{Bytes: addr, Type: t}
			sess.IdentityAddr = &ia
			e.listener.IdentityAddressReceived(sess.Conn, ia)
		}
		e.checkKeyDistComplete(sess)
	case OpSigningInfo:
		if v, err := decode16ByteValue(b); err == nil {
			sess.Scratch.CSRK = v
			sess.ReceivedKeys |= KeyDistSign
		}
		e.checkKeyDistComplete(sess)
	default:
		e.fail(sess, ReasonCommandNotSupported, errors.Errorf("smp: unrecognized opcode %#02x", op))
	}
}

// OnOpen implements transport.ChannelHandler.
func (e *Engine) OnOpen(channel uint16) {}

// OnClose implements transport.ChannelHandler; any session on channel is
// failed since its peer connection is gone.
func (e *Engine) OnClose(channel uint16) {
	if sess, ok := e.sessionByChannel(channel); ok {
		e.fail(sess, ReasonUnspecifiedReason, errors.New("smp: link closed mid-pairing"))
	}
}

func (e *Engine) handleInboundPairingRequest(channel uint16, b []byte) {
	req, err := decodePairingPDU(b)
	if err != nil {
		e.log.Log(logging.Warning, "smp: malformed pairing request", "err", err)
		return
	}
	// A session may already exist if the application pre-registered one
	// via RequestSecurity; otherwise create one on the fly, using channel
	// itself as the connection handle. This is only safe because, per the
	// out-of-scope L2CAP boundary's own convention, channel already
	// uniquely identifies the connection for fixed-channel traffic (see
	// the Engine doc comment).
	sess, ok := e.sessionByChannel(channel)
	if !ok {
		sess = NewSession(transport.ConnHandle(channel), RoleResponder, bdaddr.Address{})
		sess.Channel = channel
		sess.LocalAddr = e.localAddr
		e.register(sess)
		e.startTimer(sess, e.cfg.PairingTimeout)
	}
	sess.Role = RoleResponder
	sess.Params.PeerIOCap = req.IOCap
	sess.Params.PeerAuthReq = req.AuthReq
	sess.Params.PeerMaxKeySize = req.MaxKeySize
	sess.Params.PeerOOB = req.OOBDataFlag
	sess.Params.PeerInitKeyDist = req.InitKeyDist
	sess.Params.PeerRespKeyDist = req.RespKeyDist
	sess.Params.PairingReqBytes = append([]byte(nil), b...)
	e.listener.PairingStarted(sess.Conn, sess.PeerAddr)
	e.sendPairingResponse(sess)
}

func (e *Engine) sendPairingResponse(sess *Session) {
	rsp := pairingPDU{
		IOCap:       e.cfg.IOCapability,
		AuthReq:     e.cfg.AuthReq,
		MaxKeySize:  e.cfg.MaxKeySize,
		InitKeyDist: e.cfg.InitKeyDist & sess.Params.PeerInitKeyDist,
		RespKeyDist: e.cfg.RespKeyDist & sess.Params.PeerRespKeyDist,
	}
	sess.Params.LocalIOCap = rsp.IOCap
	sess.Params.LocalAuthReq = rsp.AuthReq
	sess.Params.LocalMaxKeySize = rsp.MaxKeySize
	sess.Params.LocalInitKeyDist = rsp.InitKeyDist
	sess.Params.LocalRespKeyDist = rsp.RespKeyDist
	sess.Params.PairingRspBytes = encodePairingPDU(OpPairingResponse, rsp)

	e.negotiate(sess)
	if err := e.send(sess, sess.Params.PairingRspBytes); err != nil {
		e.fail(sess, ReasonUnspecifiedReason, err)
		return
	}
	e.afterPairingParamsAgreed(sess)
}

func (e *Engine) handlePairingResponse(sess *Session, b []byte) {
	if sess.GetState() != StateWaitPairingRsp {
		e.fail(sess, ReasonUnspecifiedReason, errors.New("smp: unexpected pairing response"))
		return
	}
	rsp, err := decodePairingPDU(b)
	if err != nil {
		e.fail(sess, ReasonInvalidParameters, err)
		return
	}
	sess.Params.PeerIOCap = rsp.IOCap
	sess.Params.PeerAuthReq = rsp.AuthReq
	sess.Params.PeerMaxKeySize = rsp.MaxKeySize
	sess.Params.PeerOOB = rsp.OOBDataFlag
	sess.Params.PeerInitKeyDist = rsp.InitKeyDist
	sess.Params.PeerRespKeyDist = rsp.RespKeyDist
	sess.Params.PairingRspBytes = append([]byte(nil), b...)

	e.negotiate(sess)
	e.afterPairingParamsAgreed(sess)
}

// negotiate fills in Secure and Method once both sides' parameters are
// known, common to both initiator and responder paths.
func (e *Engine) negotiate(sess *Session) {
	sess.Secure = sess.Params.LocalAuthReq&AuthReqSC != 0 && sess.Params.PeerAuthReq&AuthReqSC != 0
	mitm := sess.Params.LocalAuthReq&AuthReqMITM != 0 || sess.Params.PeerAuthReq&AuthReqMITM != 0
	local, peer := sess.Params.LocalIOCap, sess.Params.PeerIOCap
	if sess.Role == RoleResponder {
		// selectMethod's local/peer ordering follows the initiator-first
		// convention of the Core Specification table; swap so "local"
		// always means the initiator here regardless of our role.
		local, peer = peer, local
	}
	sess.Method = selectMethod(sess.Secure, mitm, sess.Params.LocalOOB, sess.Params.PeerOOB, local, peer)
}

// negotiatedKeySize returns min(LocalMaxKeySize, PeerMaxKeySize), the
// encryption key size the link will actually use once paired.
func negotiatedKeySize(sess *Session) uint8 {
	if sess.Params.LocalMaxKeySize < sess.Params.PeerMaxKeySize {
		return sess.Params.LocalMaxKeySize
	}
	return sess.Params.PeerMaxKeySize
}

func (e *Engine) afterPairingParamsAgreed(sess *Session) {
	if negotiatedKeySize(sess) < 7 {
		e.fail(sess, ReasonEncryptionKeySize, errors.Errorf(
			"smp: negotiated key size %d below the minimum of 7", negotiatedKeySize(sess)))
		return
	}
	if sess.Method == MethodOOBLegacy || sess.Method == MethodOOBSecureConnections {
		e.fail(sess, ReasonOOBNotAvailable, errors.New("smp: out-of-band pairing is not supported"))
		return
	}
	if sess.Secure {
		sess.SetState(StateWaitPublicKey)
		e.ensureLocalPublicKey(sess)
		return
	}
	e.startLegacyConfirm(sess)
}

// -- Secure Connections public key / DHKey exchange ---------------------

func (e *Engine) ensureLocalPublicKey(sess *Session) {
	e.mu.Lock()
	ready := e.pubKeyReady
	if !ready {
		e.pubKeyWaiters = append(e.pubKeyWaiters, sess.Conn)
	}
	e.mu.Unlock()
	if ready {
		e.sendPublicKey(sess)
		return
	}
	_ = e.hci.Send([]byte{cmdReadLocalP256PublicKey})
}

func (e *Engine) sendPublicKey(sess *Session) {
	e.mu.Lock()
	sess.Scratch.LocalP256X, sess.Scratch.LocalP256Y = e.localP256X, e.localP256Y
	e.mu.Unlock()
	if err := e.send(sess, encodePublicKey(sess.Scratch.LocalP256X, sess.Scratch.LocalP256Y)); err != nil {
		e.fail(sess, ReasonUnspecifiedReason, err)
	}
}

// OnLEMeta implements transport.EventHandler.
func (e *Engine) OnLEMeta(subevent byte, params []byte) {
	switch subevent {
	case transport.SubeventPublicKeyComplete:
		if len(params) != 64 {
			return
		}
		e.mu.Lock()
		copy(e.localP256X[:], params[0:32])
		copy(e.localP256Y[:], params[32:64])
		e.pubKeyReady = true
		waiters := append([]transport.ConnHandle(nil), e.pubKeyWaiters...)
		e.pubKeyWaiters = nil
		e.mu.Unlock()
		for _, conn := range waiters {
			if sess, ok := e.sessionByConn(conn); ok {
				e.sendPublicKey(sess)
			}
		}
	case transport.SubeventDHKeyComplete:
		if len(params) < 2 {
			return
		}
		conn := transport.ConnHandle(uint16(params[0]) | uint16(params[1])<<8)
		sess, ok := e.sessionByConn(conn)
		if !ok || len(params) != 34 {
			return
		}
		copy(sess.Scratch.DHKey[:], params[2:34])
		e.onDHKeyReady(sess)
	case transport.SubeventLTKRequest:
		if len(params) != 2 {
			return
		}
		conn := transport.ConnHandle(uint16(params[0]) | uint16(params[1])<<8)
		sess, ok := e.sessionByConn(conn)
		if !ok {
			_ = e.hci.Send(append([]byte{cmdLTKRequestNegReply}, params...))
			return
		}
		ltk := sess.Scratch.LTK
		reply := append([]byte{cmdLTKRequestReply}, params...)
		reply = append(reply, ltk[:]...)
		_ = e.hci.Send(reply)
	}
}

// OnEvent implements transport.EventHandler.
func (e *Engine) OnEvent(code byte, params []byte) {
	if code != transport.EventEncryptionChange && code != transport.EventEncryptionKeyRefresh {
		return
	}
	if len(params) < 3 {
		return
	}
	conn := transport.ConnHandle(uint16(params[0]) | uint16(params[1])<<8)
	status := params[2]
	sess, ok := e.sessionByConn(conn)
	if !ok {
		return
	}
	if status != 0 {
		e.fail(sess, ReasonUnspecifiedReason, errors.New("smp: link layer failed to start encryption"))
		return
	}
	e.beginKeyDistribution(sess)
}

func (e *Engine) onDHKeyReady(sess *Session) {
	switch sess.Method {
	case MethodJustWorks, MethodNumericComparison:
		e.scStartConfirm(sess)
	case MethodPasskeyEntry:
		sess.PasskeyRound = 0
		e.promptPasskey(sess)
	default:
		e.fail(sess, ReasonUnspecifiedReason, errors.New("smp: unsupported SC method"))
	}
}

func (e *Engine) handlePairingPublicKey(sess *Session, b []byte) {
	if sess.GetState() != StateWaitPublicKey {
		e.fail(sess, ReasonUnspecifiedReason, errors.New("smp: unexpected public key PDU"))
		return
	}
	x, y, err := decodePublicKey(b)
	if err != nil {
		e.fail(sess, ReasonInvalidParameters, err)
		return
	}
	sess.Scratch.PeerP256X, sess.Scratch.PeerP256Y = x, y
	sess.SetState(StateWaitDHKey)
	peerPub := append(append([]byte(nil), x[:]...), y[:]...)
	_ = e.hci.Send(append([]byte{cmdGenerateDHKey}, peerPub...))
}

func (e *Engine) promptPasskey(sess *Session) {
	if !sess.passkeyDisplaySide() {
		e.listener.PasskeyRequired(sess.Conn, false, 0)
		return // wait for ProvidePasskey.
	}
	var buf [4]byte
	rand.Read(buf[:])
	sess.Passkey = (uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])) % 1000000
	e.listener.PasskeyRequired(sess.Conn, true, sess.Passkey)
	if sess.Secure {
		e.scPasskeyRound(sess)
		return
	}
	e.legacyStartWithTK(sess, passkeyTK(sess.Passkey))
}

// ProvidePasskey supplies a user-entered passkey for a session where
// PasskeyRequired was notified with display=false (Legacy or SC Passkey
// Entry, inputting side).
func (e *Engine) ProvidePasskey(conn transport.ConnHandle, passkey uint32) error {
	sess, ok := e.sessionByConn(conn)
	if !ok {
		return errors.Errorf("smp: no session for connection %d", conn)
	}
	sess.Passkey = passkey % 1000000
	if sess.Secure {
		e.scPasskeyRound(sess)
		return nil
	}
	e.legacyStartWithTK(sess, passkeyTK(sess.Passkey))
	return nil
}

func passkeyTK(passkey uint32) [16]byte {
	var tk [16]byte
	tk[0] = byte(passkey)
	tk[1] = byte(passkey >> 8)
	tk[2] = byte(passkey >> 16)
	return tk
}

// ConfirmNumericComparison supplies the user's yes/no answer to a
// NumericComparisonRequired notification.
func (e *Engine) ConfirmNumericComparison(conn transport.ConnHandle, accept bool) error {
	sess, ok := e.sessionByConn(conn)
	if !ok {
		return errors.Errorf("smp: no session for connection %d", conn)
	}
	if !accept {
		e.fail(sess, ReasonNumericComparisonFailed, errors.New("smp: user rejected numeric comparison"))
		return nil
	}
	e.scDeriveAndCheck(sess)
	return nil
}

// -- Secure Connections confirm/random/DHKey check -----------------------

func scAddr(a bdaddr.Address) [7]byte {
	var out [7]byte
	copy(out[0:6], a.Bytes[:])
	if a.Type == bdaddr.Random {
		out[6] = 1
	}
	return out
}

func (e *Engine) scStartConfirm(sess *Session) {
	rand.Read(sess.Scratch.LocalRand[:])
	sess.SetState(StateWaitConfirm)
	if sess.Role == RoleResponder {
		e.scSendConfirm(sess, 0)
	}
	// The initiator waits for the responder's confirm before sending its
	// own random value (per the Core Specification's SC flow, only the
	// responder issues a Pairing Confirm in Just Works/Numeric Comparison).
}

func (e *Engine) scSendConfirm(sess *Session, z byte) {
	c, err := ctoolbox.F4(sess.Scratch.LocalP256X[:], sess.Scratch.PeerP256X[:], sess.Scratch.LocalRand[:], z)
	if err != nil {
		e.fail(sess, ReasonUnspecifiedReason, err)
		return
	}
	copy(sess.Scratch.LocalConfirm[:], c)
	if err := e.send(sess, encode16ByteValue(OpPairingConfirm, sess.Scratch.LocalConfirm)); err != nil {
		e.fail(sess, ReasonUnspecifiedReason, err)
	}
}

func (e *Engine) handlePairingConfirm(sess *Session, b []byte) {
	if !sess.Secure {
		e.legacyHandleConfirm(sess, b)
		return
	}
	v, err := decode16ByteValue(b)
	if err != nil {
		e.fail(sess, ReasonInvalidParameters, err)
		return
	}
	sess.Scratch.PeerConfirm = v
	if sess.Method == MethodPasskeyEntry {
		e.scPasskeyConfirmReceived(sess)
		return
	}
	if sess.Role == RoleInitiator {
		rand.Read(sess.Scratch.LocalRand[:])
		if err := e.send(sess, encode16ByteValue(OpPairingRandom, sess.Scratch.LocalRand)); err != nil {
			e.fail(sess, ReasonUnspecifiedReason, err)
		}
		sess.SetState(StateWaitRandom)
	}
}

func (e *Engine) handlePairingRandom(sess *Session, b []byte) {
	if !sess.Secure {
		e.legacyHandleRandom(sess, b)
		return
	}
	v, err := decode16ByteValue(b)
	if err != nil {
		e.fail(sess, ReasonInvalidParameters, err)
		return
	}
	sess.Scratch.PeerRand = v
	if sess.Method == MethodPasskeyEntry {
		e.scPasskeyRandomReceived(sess)
		return
	}
	// Only the Responder sends a Pairing Confirm in Just Works/Numeric
	// Comparison, so only the Initiator has a confirm value to verify
	// here; the Responder simply reveals its own random in reply.
	if sess.Role == RoleInitiator {
		expect, err := ctoolbox.F4(sess.Scratch.PeerP256X[:], sess.Scratch.LocalP256X[:], sess.Scratch.PeerRand[:], 0)
		if err != nil {
			e.fail(sess, ReasonUnspecifiedReason, err)
			return
		}
		var got [16]byte
		copy(got[:], expect)
		if got != sess.Scratch.PeerConfirm {
			e.fail(sess, ReasonConfirmValueFailed, errors.New("smp: SC confirm value mismatch"))
			return
		}
	} else {
		if err := e.send(sess, encode16ByteValue(OpPairingRandom, sess.Scratch.LocalRand)); err != nil {
			e.fail(sess, ReasonUnspecifiedReason, err)
			return
		}
	}
	if sess.Method == MethodNumericComparison {
		val, err := ctoolbox.G2(sess.Scratch.LocalP256X[:], sess.Scratch.PeerP256X[:], sess.Scratch.LocalRand[:], sess.Scratch.PeerRand[:])
		if sess.Role == RoleResponder {
			val, err = ctoolbox.G2(sess.Scratch.PeerP256X[:], sess.Scratch.LocalP256X[:], sess.Scratch.PeerRand[:], sess.Scratch.LocalRand[:])
		}
		if err != nil {
			e.fail(sess, ReasonUnspecifiedReason, err)
			return
		}
		e.listener.NumericComparisonRequired(sess.Conn, val)
		return // wait for ConfirmNumericComparison.
	}
	e.scDeriveAndCheck(sess)
}

// scNonces returns (Na, Nb) in initiator/responder order regardless of
// which side is local.
func (sess *Session) scNonces() (na, nb [16]byte) {
	if sess.Role == RoleInitiator {
		return sess.Scratch.LocalRand, sess.Scratch.PeerRand
	}
	return sess.Scratch.PeerRand, sess.Scratch.LocalRand
}

// ioCap3 renders the 3-byte field the DHKey check commits to: IO
// Capability, OOB data flag, AuthReq, matching the layout of the first
// three octets of the Pairing Request/Response PDU.
func ioCap3(iocap IOCapability, oob bool, authReq AuthReq) []byte {
	var o byte
	if oob {
		o = 1
	}
	return []byte{byte(iocap), o, byte(authReq)}
}

// scDeriveAndCheck derives MacKey/LTK via F5 and computes both DHKey
// check values (Ea from the initiator, Eb from the responder), sending
// this side's own and recording the peer's expected value to verify once
// it arrives.
func (e *Engine) scDeriveAndCheck(sess *Session) {
	na, nb := sess.scNonces()
	a1, a2 := scAddr(sess.addrA()), scAddr(sess.addrB()) // a1 = initiator, a2 = responder.

	mac, ltk, err := ctoolbox.F5(sess.Scratch.DHKey[:], na[:], nb[:], a1, a2)
	if err != nil {
		e.fail(sess, ReasonUnspecifiedReason, err)
		return
	}
	copy(sess.Scratch.MacKey[:], mac)
	copy(sess.Scratch.LTK[:], ltk)

	var r [16]byte
	if sess.Method == MethodPasskeyEntry {
		r = passkeyTK(sess.Passkey)
	}

	iocapInitiator := ioCap3(sess.iocapOf(RoleInitiator), sess.oobOf(RoleInitiator), sess.authReqOf(RoleInitiator))
	iocapResponder := ioCap3(sess.iocapOf(RoleResponder), sess.oobOf(RoleResponder), sess.authReqOf(RoleResponder))

	ea, err := ctoolbox.F6(sess.Scratch.MacKey[:], na[:], nb[:], r[:], iocapInitiator, a1, a2)
	if err != nil {
		e.fail(sess, ReasonUnspecifiedReason, err)
		return
	}
	eb, err := ctoolbox.F6(sess.Scratch.MacKey[:], nb[:], na[:], r[:], iocapResponder, a2, a1)
	if err != nil {
		e.fail(sess, ReasonUnspecifiedReason, err)
		return
	}

	sess.SetState(StateWaitDHKeyCheck)
	if sess.Role == RoleInitiator {
		copy(sess.Scratch.LocalDHKeyCheck[:], ea)
		copy(sess.Scratch.ExpectedPeerCheck[:], eb)
		if err := e.send(sess, encode16ByteValue(OpPairingDHKeyCheck, sess.Scratch.LocalDHKeyCheck)); err != nil {
			e.fail(sess, ReasonUnspecifiedReason, err)
		}
		return
	}
	copy(sess.Scratch.LocalDHKeyCheck[:], eb)
	copy(sess.Scratch.ExpectedPeerCheck[:], ea)
	// Responder waits for the initiator's Pairing DHKey Check first.
}

func (sess *Session) addrA() bdaddr.Address {
	if sess.Role == RoleInitiator {
		return sess.LocalAddr
	}
	return sess.PeerAddr
}

func (sess *Session) addrB() bdaddr.Address {
	if sess.Role == RoleInitiator {
		return sess.PeerAddr
	}
	return sess.LocalAddr
}

func (sess *Session) iocapOf(role Role) IOCapability {
	if role == sess.Role {
		return sess.Params.LocalIOCap
	}
	return sess.Params.PeerIOCap
}

func (sess *Session) oobOf(role Role) bool {
	if role == sess.Role {
		return sess.Params.LocalOOB
	}
	return sess.Params.PeerOOB
}

func (sess *Session) authReqOf(role Role) AuthReq {
	if role == sess.Role {
		return sess.Params.LocalAuthReq
	}
	return sess.Params.PeerAuthReq
}

func (e *Engine) handleDHKeyCheck(sess *Session, b []byte) {
	v, err := decode16ByteValue(b)
	if err != nil {
		e.fail(sess, ReasonInvalidParameters, err)
		return
	}
	sess.Scratch.PeerDHKeyCheck = v
	if v != sess.Scratch.ExpectedPeerCheck {
		e.fail(sess, ReasonDHKeyCheckFailed, errors.New("smp: DHKey check mismatch"))
		return
	}
	if sess.Role == RoleResponder {
		if err := e.send(sess, encode16ByteValue(OpPairingDHKeyCheck, sess.Scratch.LocalDHKeyCheck)); err != nil {
			e.fail(sess, ReasonUnspecifiedReason, err)
			return
		}
	}
	e.startEncryption(sess, sess.Scratch.LTK, 0, 0)
}

// -- SC Passkey Entry, 20-round bit commitment ---------------------------

// scPasskeyRound starts round sess.PasskeyRound of the 20-round SC Passkey
// Entry bit-commitment loop: a fresh nonce and confirm value for the
// single passkey bit this round commits to. Per Bluetooth Core Spec v5.3
// Vol 3 Part H §2.3.5.3, each round is Initiator Confirm, Responder
// Confirm, Initiator Random, Responder Random in that order; the
// Initiator sends its confirm immediately, the Responder waits until it
// has received the Initiator's.
func (e *Engine) scPasskeyRound(sess *Session) {
	bit := (sess.Passkey >> uint(sess.PasskeyRound)) & 1
	z := byte(0x80) | byte(bit)
	rand.Read(sess.Scratch.LocalRand[:])
	sess.SetState(StateWaitConfirm)
	c, err := ctoolbox.F4(sess.Scratch.LocalP256X[:], sess.Scratch.PeerP256X[:], sess.Scratch.LocalRand[:], z)
	if err != nil {
		e.fail(sess, ReasonUnspecifiedReason, err)
		return
	}
	copy(sess.Scratch.LocalConfirm[:], c)
	if sess.Role == RoleInitiator {
		if err := e.send(sess, encode16ByteValue(OpPairingConfirm, sess.Scratch.LocalConfirm)); err != nil {
			e.fail(sess, ReasonUnspecifiedReason, err)
		}
	}
}

// scPasskeyConfirmReceived runs once this round's peer Confirm PDU has
// arrived: the Responder replies with its own Confirm, the Initiator
// (having now seen the Responder's Confirm) sends its Random.
func (e *Engine) scPasskeyConfirmReceived(sess *Session) {
	sess.SetState(StateWaitRandom)
	if sess.Role == RoleResponder {
		if err := e.send(sess, encode16ByteValue(OpPairingConfirm, sess.Scratch.LocalConfirm)); err != nil {
			e.fail(sess, ReasonUnspecifiedReason, err)
		}
		return
	}
	if err := e.send(sess, encode16ByteValue(OpPairingRandom, sess.Scratch.LocalRand)); err != nil {
		e.fail(sess, ReasonUnspecifiedReason, err)
	}
}

// scPasskeyRandomReceived verifies the peer's confirm for this round
// against its just-revealed Random, replies with this side's own Random
// once (the Responder's turn, after the Initiator's), and either advances
// to the next round or, after round 20, proceeds to the DHKey check.
func (e *Engine) scPasskeyRandomReceived(sess *Session) {
	bit := (sess.Passkey >> uint(sess.PasskeyRound)) & 1
	z := byte(0x80) | byte(bit)
	expect, err := ctoolbox.F4(sess.Scratch.PeerP256X[:], sess.Scratch.LocalP256X[:], sess.Scratch.PeerRand[:], z)
	if err != nil {
		e.fail(sess, ReasonUnspecifiedReason, err)
		return
	}
	var got [16]byte
	copy(got[:], expect)
	if got != sess.Scratch.PeerConfirm {
		e.fail(sess, ReasonPasskeyEntryFailed, errors.New("smp: SC passkey confirm mismatch"))
		return
	}
	if sess.Role == RoleResponder {
		if err := e.send(sess, encode16ByteValue(OpPairingRandom, sess.Scratch.LocalRand)); err != nil {
			e.fail(sess, ReasonUnspecifiedReason, err)
			return
		}
	}
	sess.PasskeyRound++
	if sess.PasskeyRound < 20 {
		e.scPasskeyRound(sess)
		return
	}
	e.scDeriveAndCheck(sess)
}

// -- Legacy flow ----------------------------------------------------------

func (e *Engine) startLegacyConfirm(sess *Session) {
	switch sess.Method {
	case MethodJustWorks:
		e.legacyStartWithTK(sess, [16]byte{})
	case MethodPasskeyEntry:
		sess.SetState(StateWaitConfirm)
		e.promptPasskey(sess)
	default:
		e.fail(sess, ReasonAuthenticationRequirements, errors.New("smp: unsupported Legacy method"))
	}
}

func (e *Engine) legacyStartWithTK(sess *Session, tk [16]byte) {
	sess.Scratch.TK = tk
	rand.Read(sess.Scratch.LocalRand[:])
	sess.SetState(StateWaitConfirm)
	c, err := ctoolbox.C1(sess.Scratch.TK[:], sess.Scratch.LocalRand[:], sess.Params.PairingReqBytes, sess.Params.PairingRspBytes,
		addrType(sess.addrA()), addrType(sess.addrB()), sess.addrA().Bytes, sess.addrB().Bytes)
	if err != nil {
		e.fail(sess, ReasonUnspecifiedReason, err)
		return
	}
	copy(sess.Scratch.LocalConfirm[:], c)
	sess.LocalConfirmReady = true
	if sess.Role == RoleInitiator {
		if err := e.send(sess, encode16ByteValue(OpPairingConfirm, sess.Scratch.LocalConfirm)); err != nil {
			e.fail(sess, ReasonUnspecifiedReason, err)
		}
	} else if sess.GetState() == StateWaitConfirm {
		// The peer's confirm may already be waiting (e.g. TK just became
		// known via ProvidePasskey); reply now if so.
		var zero [16]byte
		if sess.Scratch.PeerConfirm != zero {
			_ = e.send(sess, encode16ByteValue(OpPairingConfirm, sess.Scratch.LocalConfirm))
		}
	}
}

func addrType(a bdaddr.Address) byte {
	if a.Type == bdaddr.Random {
		return 1
	}
	return 0
}

func (e *Engine) legacyHandleConfirm(sess *Session, b []byte) {
	v, err := decode16ByteValue(b)
	if err != nil {
		e.fail(sess, ReasonInvalidParameters, err)
		return
	}
	sess.Scratch.PeerConfirm = v
	if sess.Role == RoleResponder {
		if !sess.LocalConfirmReady {
			// TK not yet known (passkey entry still pending the user/local
			// value); legacyStartWithTK replies once ProvidePasskey arrives.
			return
		}
		if err := e.send(sess, encode16ByteValue(OpPairingConfirm, sess.Scratch.LocalConfirm)); err != nil {
			e.fail(sess, ReasonUnspecifiedReason, err)
		}
		return
	}
	// The Responder's Confirm has arrived at the Initiator: reveal our
	// own random value now.
	sess.SetState(StateWaitRandom)
	if err := e.send(sess, encode16ByteValue(OpPairingRandom, sess.Scratch.LocalRand)); err != nil {
		e.fail(sess, ReasonUnspecifiedReason, err)
	}
}

func (e *Engine) legacyHandleRandom(sess *Session, b []byte) {
	v, err := decode16ByteValue(b)
	if err != nil {
		e.fail(sess, ReasonInvalidParameters, err)
		return
	}
	sess.Scratch.PeerRand = v
	expect, err := ctoolbox.C1(sess.Scratch.TK[:], sess.Scratch.PeerRand[:], sess.Params.PairingReqBytes, sess.Params.PairingRspBytes,
		addrType(sess.addrA()), addrType(sess.addrB()), sess.addrA().Bytes, sess.addrB().Bytes)
	if err != nil {
		e.fail(sess, ReasonUnspecifiedReason, err)
		return
	}
	var got [16]byte
	copy(got[:], expect)
	if got != sess.Scratch.PeerConfirm {
		e.fail(sess, ReasonConfirmValueFailed, errors.New("smp: Legacy confirm value mismatch"))
		return
	}
	if sess.Role == RoleResponder {
		if err := e.send(sess, encode16ByteValue(OpPairingRandom, sess.Scratch.LocalRand)); err != nil {
			e.fail(sess, ReasonUnspecifiedReason, err)
			return
		}
	}
	var stk []byte
	if sess.Role == RoleInitiator {
		stk, err = ctoolbox.S1(sess.Scratch.TK[:], sess.Scratch.PeerRand, sess.Scratch.LocalRand)
	} else {
		stk, err = ctoolbox.S1(sess.Scratch.TK[:], sess.Scratch.LocalRand, sess.Scratch.PeerRand)
	}
	if err != nil {
		e.fail(sess, ReasonUnspecifiedReason, err)
		return
	}
	var stkArr [16]byte
	copy(stkArr[:], stk)
	e.startEncryption(sess, stkArr, 0, 0)
}

// -- encryption start / key distribution ----------------------------------

func (e *Engine) startEncryption(sess *Session, ltk [16]byte, ediv uint16, rnd uint64) {
	sess.Scratch.LTK = ltk
	sess.Scratch.EDIV, sess.Scratch.RAND = ediv, rnd
	if sess.Role == RoleInitiator {
		sess.SetState(StateWaitEncryption)
		cmd := []byte{cmdStartEncryption, byte(sess.Conn), byte(sess.Conn >> 8)}
		for i := 0; i < 8; i++ {
			cmd = append(cmd, byte(rnd>>(8*i)))
		}
		cmd = append(cmd, byte(ediv), byte(ediv>>8))
		cmd = append(cmd, ltk[:]...)
		_ = e.hci.Send(cmd)
		return
	}
	sess.SetState(StateWaitLTKRequest)
}

func (e *Engine) beginKeyDistribution(sess *Session) {
	sess.SetState(StateKeyDistribution)
	var myMask, peerMask uint8
	if sess.Role == RoleInitiator {
		myMask = sess.Params.LocalInitKeyDist & sess.Params.PeerInitKeyDist
		peerMask = sess.Params.LocalRespKeyDist & sess.Params.PeerRespKeyDist
	} else {
		myMask = sess.Params.LocalRespKeyDist & sess.Params.PeerRespKeyDist
		peerMask = sess.Params.LocalInitKeyDist & sess.Params.PeerInitKeyDist
	}
	if sess.Secure {
		// SC already mutually derived the LTK via F5; EncKey is not
		// re-distributed over the wire even if the bit is set.
		myMask &^= KeyDistEncKey
		peerMask &^= KeyDistEncKey
	}
	sess.ExpectKeys = peerMask

	if myMask&KeyDistEncKey != 0 {
		var ediv uint16
		var rnd uint64
		var ltk [16]byte
		rand.Read(ltk[:])
		b := make([]byte, 2)
		rand.Read(b)
		ediv = uint16(b[0]) | uint16(b[1])<<8
		rb := make([]byte, 8)
		rand.Read(rb)
		for i, v := range rb {
			rnd |= uint64(v) << (8 * i)
		}
		// This side's own bond record must agree with what it just handed
		// the peer, not the STK the link was encrypted with to get here.
		sess.Scratch.LTK = ltk
		sess.Scratch.EDIV, sess.Scratch.RAND = ediv, rnd
		_ = e.send(sess, encodeEncryptionInformation(ltk))
		_ = e.send(sess, encodeMasterIdentification(ediv, rnd))
	}
	if myMask&KeyDistIDKey != 0 {
		_ = e.send(sess, encodeIdentityInformation(e.localIRK))
		_ = e.send(sess, encodeIdentityAddressInformation(addrType(e.localAddr), e.localAddr.Bytes))
	}
	if myMask&KeyDistSign != 0 {
		_ = e.send(sess, encodeSigningInformation(e.localCSRK))
	}
	sess.SentKeys = true
	e.checkKeyDistComplete(sess)
}

// checkKeyDistComplete finalizes pairing once both sides have sent every
// key their negotiated masks call for. EncryptionInformation and
// IdentityInformation set their bit on arrival, but this check runs only
// from the handlers of the PDUs that complete their logical unit
// (MasterIdentification, IdentityAddressInformation), not from
// OpEncryptionInfo/OpIdentityInfo.
func (e *Engine) checkKeyDistComplete(sess *Session) {
	if sess.GetState() != StateKeyDistribution || !sess.SentKeys {
		return
	}
	if sess.ReceivedKeys&sess.ExpectKeys != sess.ExpectKeys {
		return
	}
	e.finalizePairing(sess)
}

func (e *Engine) finalizePairing(sess *Session) {
	bond := &Bonding{
		PeerAddr:          sess.PeerAddr,
		IdentityAddr:      sess.IdentityAddr,
		HasLTK:            true,
		LTK:               sess.Scratch.LTK,
		EDIV:              sess.Scratch.EDIV,
		RAND:              sess.Scratch.RAND,
		IRK:               sess.Scratch.IRK,
		CSRK:              sess.Scratch.CSRK,
		KeySize:           negotiatedKeySize(sess),
		Authenticated:     sess.Method != MethodJustWorks,
		SecureConnections: sess.Secure,
		CreatedAt:         time.Now(),
	}

	// CTKD stores the derived BR/EDR link key under the same identity
	// (if received) and current address as the LE bond, so a later BR/EDR
	// connection to either address can reuse it without re-pairing.
	if sess.Params.LocalAuthReq&AuthReqCTKD != 0 && sess.Params.PeerAuthReq&AuthReqCTKD != 0 {
		if linkKey, err := ctoolbox.DeriveBREDRFromLTK(sess.Scratch.LTK[:], sess.Secure); err != nil {
			e.log.Log(logging.Warning, "smp: CTKD derivation failed", "err", err)
		} else {
			bond.HasLinkKey = true
			copy(bond.LinkKey[:], linkKey)
		}
	}

	if e.store != nil {
		if err := e.store.Put(bond); err != nil {
			e.log.Log(logging.Warning, "smp: persisting bond failed", "err", err)
		}
	}
	sess.complete(StatePaired, 0, nil)
	e.listener.PairingComplete(sess.Conn, bond)
	e.unregister(sess)
}
