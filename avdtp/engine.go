/*
NAME
  engine.go

DESCRIPTION
  engine.go implements the AVDTP signaling/media engine: initiator-side
  Discover/GetCapabilities/SetConfiguration/Open/Start/Suspend/Close
  command dispatch with transaction-label correlation, acceptor-side
  command handling against a local endpoint table, and RTP-framed SBC
  media transmit/receive, over the transport.L2CAP facade.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package avdtp

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ausocean/btstack/internal/logging"
	"github.com/ausocean/btstack/internal/transport"
)

// DefaultCommandTimeout bounds how long an initiator command waits for
// its Accept/Reject before failing.
const DefaultCommandTimeout = 5 * time.Second

// Config parameterizes an Engine: the local Stream Endpoints it exposes
// to peers and the per-command timeout.
type Config struct {
	LocalEndpoints []StreamEndpoint
	CommandTimeout time.Duration
}

// Listener receives AVDTP session lifecycle and media notifications.
// Implementations must not block.
type Listener interface {
	Connected(conn transport.ConnHandle)
	EndpointsDiscovered(conn transport.ConnHandle, eps []EndpointInfo)
	StreamConfigured(conn transport.ConnHandle)
	StreamOpened(conn transport.ConnHandle)
	StreamStarted(conn transport.ConnHandle)
	StreamSuspended(conn transport.ConnHandle)
	StreamClosed(conn transport.ConnHandle)
	MediaReceived(conn transport.ConnHandle, timestamp uint32, payload []byte)
}

// NopListener implements Listener with no-op methods, for callers that
// only care about a subset of events (embed and override).
type NopListener struct{}

func (NopListener) Connected(transport.ConnHandle)                      {}
func (NopListener) EndpointsDiscovered(transport.ConnHandle, []EndpointInfo) {}
func (NopListener) StreamConfigured(transport.ConnHandle)                {}
func (NopListener) StreamOpened(transport.ConnHandle)                    {}
func (NopListener) StreamStarted(transport.ConnHandle)                   {}
func (NopListener) StreamSuspended(transport.ConnHandle)                 {}
func (NopListener) StreamClosed(transport.ConnHandle)                    {}
func (NopListener) MediaReceived(transport.ConnHandle, uint32, []byte)   {}

type cmdResponse struct {
	accept  bool
	payload []byte
}

type pendingCmd struct {
	signalID uint8
	respCh   chan cmdResponse
}

// Engine drives the AVDTP signaling and media state machine for every
// connection it is handed, either as the initiator (Connect/Discover/...)
// or as the acceptor of a peer's requests against the local endpoint
// table. One Engine instance owns PSM 0x0019 on its L2CAP facade for
// both signaling and media channels.
type Engine struct {
	l2cap transport.L2CAP
	log   logging.Logger
	cfg   Config
	lis   Listener

	mu           sync.Mutex
	localEPs     map[uint8]*StreamEndpoint
	sessions     map[transport.ConnHandle]*AvdtpSession
	sigChans     map[uint16]*AvdtpSession
	mediaChans   map[uint16]*AvdtpSession
	pending      map[transport.ConnHandle]map[uint8]*pendingCmd
	nextChan     uint16
	ssrcCounter  uint32
}

// NewEngine returns an Engine exposing cfg.LocalEndpoints as its Stream
// Endpoints, reporting to lis, and registering itself as the AVDTP
// signaling/media acceptor on l2cap.
func NewEngine(l2cap transport.L2CAP, log logging.Logger, cfg Config, lis Listener) *Engine {
	if log == nil {
		log = logging.Discard
	}
	if lis == nil {
		lis = NopListener{}
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	e := &Engine{
		l2cap:      l2cap,
		log:        log,
		cfg:        cfg,
		lis:        lis,
		localEPs:   make(map[uint8]*StreamEndpoint),
		sessions:   make(map[transport.ConnHandle]*AvdtpSession),
		sigChans:   make(map[uint16]*AvdtpSession),
		mediaChans: make(map[uint16]*AvdtpSession),
		pending:    make(map[transport.ConnHandle]map[uint8]*pendingCmd),
		nextChan:   0x0040,
	}
	for i := range cfg.LocalEndpoints {
		ep := cfg.LocalEndpoints[i]
		e.localEPs[ep.SEID] = &ep
	}
	l2cap.RegisterServer(transport.PSMAVDTP, e.acceptConnection)
	return e
}

// acceptConnection is the transport.L2CAP server callback for PSM 0x19.
// The first incoming channel for a connection becomes its signaling
// channel; the second becomes its media channel, mirroring A2DP's
// sequence of opening signaling first and media only after Open accepts.
func (e *Engine) acceptConnection(conn transport.ConnHandle) (uint16, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[conn]
	if !ok {
		sess = NewAvdtpSession(conn, e.nextSSRC())
		e.sessions[conn] = sess
		ch := e.allocChan()
		sess.SignalChan = ch
		e.sigChans[ch] = sess
		e.lis.Connected(conn)
		return ch, true
	}
	if sess.MediaChan == 0 {
		ch := e.allocChan()
		sess.MediaChan = ch
		e.mediaChans[ch] = sess
		return ch, true
	}
	return 0, false
}

func (e *Engine) allocChan() uint16 {
	ch := e.nextChan
	e.nextChan++
	return ch
}

func (e *Engine) nextSSRC() uint32 {
	e.ssrcCounter++
	return e.ssrcCounter
}

func (e *Engine) sessionByConn(conn transport.ConnHandle) (*AvdtpSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[conn]
	if !ok {
		return nil, errors.Errorf("avdtp: no session for connection %v", conn)
	}
	return sess, nil
}

// Connect opens a signaling channel to conn and registers a session for
// it. Call Discover next to learn the peer's endpoints.
func (e *Engine) Connect(ctx context.Context, conn transport.ConnHandle) error {
	ch, err := e.l2cap.OpenChannel(ctx, conn, transport.PSMAVDTP)
	if err != nil {
		return errors.Wrap(err, "avdtp: open signaling channel")
	}
	e.mu.Lock()
	sess := NewAvdtpSession(conn, e.nextSSRC())
	sess.SignalChan = ch
	e.sessions[conn] = sess
	e.sigChans[ch] = sess
	e.mu.Unlock()
	e.lis.Connected(conn)
	return nil
}

// OnOpen implements transport.ChannelHandler.
func (e *Engine) OnOpen(channel uint16) {}

// OnClose implements transport.ChannelHandler.
func (e *Engine) OnClose(channel uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sess, ok := e.sigChans[channel]; ok {
		delete(e.sigChans, channel)
		delete(e.sessions, sess.Conn)
		if sess.MediaChan != 0 {
			delete(e.mediaChans, sess.MediaChan)
		}
		sess.SetState(StreamIdle)
		e.lis.StreamClosed(sess.Conn)
		return
	}
	if sess, ok := e.mediaChans[channel]; ok {
		delete(e.mediaChans, channel)
		sess.MediaChan = 0
	}
}

// OnData implements transport.ChannelHandler, dispatching to signaling
// or media handling depending on which channel the data arrived on.
func (e *Engine) OnData(channel uint16, b []byte) {
	e.mu.Lock()
	sess, isMedia := e.mediaChans[channel]
	if !isMedia {
		sess, _ = e.sigChans[channel]
	}
	e.mu.Unlock()
	if sess == nil {
		e.log.Log(logging.Warning, "avdtp: data on unknown channel", "channel", channel)
		return
	}
	if isMedia {
		e.handleMedia(sess, b)
		return
	}
	e.handleSignaling(sess, b)
}

func (e *Engine) handleMedia(sess *AvdtpSession, b []byte) {
	pkt, err := ParseMediaPacket(b)
	if err != nil {
		e.log.Log(logging.Warning, "avdtp: bad media packet", "err", err)
		return
	}
	for _, f := range pkt.Frames {
		e.lis.MediaReceived(sess.Conn, pkt.Timestamp, f)
	}
}

func (e *Engine) handleSignaling(sess *AvdtpSession, b []byte) {
	h, body, err := decodeHeader(b)
	if err != nil {
		e.log.Log(logging.Warning, "avdtp: bad signaling PDU", "err", err)
		return
	}
	switch h.MessageType {
	case MsgCommand:
		e.handleCommand(sess, h, body)
	case MsgAccept, MsgReject, MsgGeneralReject:
		e.deliverResponse(sess.Conn, h.Label, h.MessageType == MsgAccept, body)
	}
}

func (e *Engine) deliverResponse(conn transport.ConnHandle, label uint8, accept bool, payload []byte) {
	e.mu.Lock()
	m := e.pending[conn]
	var p *pendingCmd
	if m != nil {
		p = m[label]
		delete(m, label)
	}
	e.mu.Unlock()
	if p == nil {
		return
	}
	p.respCh <- cmdResponse{accept: accept, payload: payload}
}

// sendCommand sends a command PDU and blocks for its Accept/Reject,
// translating a Reject into a *ProtocolError.
func (e *Engine) sendCommand(ctx context.Context, sess *AvdtpSession, signalID uint8, body []byte) ([]byte, error) {
	label := sess.nextLabel()
	p := &pendingCmd{signalID: signalID, respCh: make(chan cmdResponse, 1)}

	e.mu.Lock()
	if e.pending[sess.Conn] == nil {
		e.pending[sess.Conn] = make(map[uint8]*pendingCmd)
	}
	e.pending[sess.Conn][label] = p
	e.mu.Unlock()

	pdu := append(encodeHeader(header{Label: label, PacketType: PacketSingle, MessageType: MsgCommand, SignalID: signalID}), body...)
	if err := e.l2cap.Send(sess.SignalChan, pdu); err != nil {
		e.mu.Lock()
		delete(e.pending[sess.Conn], label)
		e.mu.Unlock()
		return nil, errors.Wrap(err, "avdtp: send command")
	}

	timeout := e.cfg.CommandTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-p.respCh:
		if !resp.accept {
			code := ErrNotSupportedCommand
			if len(resp.payload) > 0 {
				code = ErrorCode(resp.payload[len(resp.payload)-1])
			}
			return nil, newProtocolError(code, "command rejected")
		}
		return resp.payload, nil
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.pending[sess.Conn], label)
		e.mu.Unlock()
		return nil, ctx.Err()
	case <-timer.C:
		e.mu.Lock()
		delete(e.pending[sess.Conn], label)
		e.mu.Unlock()
		return nil, errors.New("avdtp: command timed out")
	}
}

func (e *Engine) sendResponse(sess *AvdtpSession, label uint8, signalID uint8, msgType uint8, payload []byte) {
	pdu := append(encodeHeader(header{Label: label, PacketType: PacketSingle, MessageType: msgType, SignalID: signalID}), payload...)
	if err := e.l2cap.Send(sess.SignalChan, pdu); err != nil {
		e.log.Log(logging.Warning, "avdtp: send response", "err", err)
	}
}

// handleCommand implements the acceptor side of every signal, validating
// state transitions against the §4.4 state diagram.
func (e *Engine) handleCommand(sess *AvdtpSession, h header, body []byte) {
	switch h.SignalID {
	case SignalDiscover:
		e.mu.Lock()
		eps := make([]EndpointInfo, 0, len(e.localEPs))
		for _, ep := range e.localEPs {
			eps = append(eps, EndpointInfo{SEID: ep.SEID, InUse: ep.InUse, Source: ep.Source, Audio: true})
		}
		e.mu.Unlock()
		e.sendResponse(sess, h.Label, h.SignalID, MsgAccept, encodeDiscoverResponse(eps))

	case SignalGetCapabilities, SignalGetAllCapabilities:
		if len(body) < 1 {
			e.sendResponse(sess, h.Label, h.SignalID, MsgReject, encodeReject(ErrBadLength))
			return
		}
		seid := decodeSeid(body[0])
		e.mu.Lock()
		ep, ok := e.localEPs[seid]
		e.mu.Unlock()
		if !ok {
			e.sendResponse(sess, h.Label, h.SignalID, MsgReject, encodeReject(ErrBadAcpSeid))
			return
		}
		e.sendResponse(sess, h.Label, h.SignalID, MsgAccept, encodeCapabilities(ep.Caps))

	case SignalSetConfiguration:
		params, err := decodeSetConfiguration(body)
		if err != nil {
			e.sendResponse(sess, h.Label, h.SignalID, MsgReject, encodeReject(ErrBadLength))
			return
		}
		e.mu.Lock()
		ep, ok := e.localEPs[params.AcpSeid]
		e.mu.Unlock()
		if !ok {
			e.sendResponse(sess, h.Label, h.SignalID, MsgReject, encodeReject(ErrBadAcpSeid))
			return
		}
		if ep.InUse {
			e.sendResponse(sess, h.Label, h.SignalID, MsgReject, encodeRejectWithCategory(CatMediaCodec, ErrSepInUse))
			return
		}
		if err := ep.applyConfig(params.Caps); err != nil {
			e.sendResponse(sess, h.Label, h.SignalID, MsgReject, encodeRejectWithCategory(CatMediaCodec, ErrInvalidCapabilities))
			return
		}
		ep.InUse = true
		sess.ActiveLocal = params.AcpSeid
		sess.ActiveRemote = params.IntSeid
		sess.SetState(StreamConfigured)
		e.sendResponse(sess, h.Label, h.SignalID, MsgAccept, nil)
		e.lis.StreamConfigured(sess.Conn)

	case SignalOpen:
		if sess.GetState() != StreamConfigured {
			e.sendResponse(sess, h.Label, h.SignalID, MsgReject, encodeReject(ErrBadState))
			return
		}
		sess.SetState(StreamOpen)
		e.sendResponse(sess, h.Label, h.SignalID, MsgAccept, nil)
		e.lis.StreamOpened(sess.Conn)

	case SignalStart:
		if sess.GetState() != StreamOpen {
			e.sendResponse(sess, h.Label, h.SignalID, MsgReject, encodeReject(ErrBadState))
			return
		}
		sess.resetMediaCounters()
		sess.SetState(StreamStreaming)
		e.sendResponse(sess, h.Label, h.SignalID, MsgAccept, nil)
		e.lis.StreamStarted(sess.Conn)

	case SignalSuspend:
		if sess.GetState() != StreamStreaming {
			e.sendResponse(sess, h.Label, h.SignalID, MsgReject, encodeReject(ErrBadState))
			return
		}
		sess.SetState(StreamOpen)
		e.sendResponse(sess, h.Label, h.SignalID, MsgAccept, nil)
		e.lis.StreamSuspended(sess.Conn)

	case SignalClose:
		e.releaseEndpoint(sess)
		sess.SetState(StreamIdle)
		e.sendResponse(sess, h.Label, h.SignalID, MsgAccept, nil)
		e.lis.StreamClosed(sess.Conn)

	case SignalAbort:
		e.releaseEndpoint(sess)
		sess.SetState(StreamIdle)
		e.sendResponse(sess, h.Label, h.SignalID, MsgAccept, nil)
		e.lis.StreamClosed(sess.Conn)

	case SignalDelayReport:
		if len(body) < 3 {
			e.sendResponse(sess, h.Label, h.SignalID, MsgReject, encodeReject(ErrBadLength))
			return
		}
		sess.mu.Lock()
		sess.Delay = uint16(body[1])<<8 | uint16(body[2])
		sess.mu.Unlock()
		e.sendResponse(sess, h.Label, h.SignalID, MsgAccept, nil)

	default:
		e.sendResponse(sess, h.Label, h.SignalID, MsgGeneralReject, nil)
	}
}

func (e *Engine) releaseEndpoint(sess *AvdtpSession) {
	e.mu.Lock()
	if ep, ok := e.localEPs[sess.ActiveLocal]; ok {
		ep.InUse = false
		ep.Config = nil
	}
	e.mu.Unlock()
}

// Discover requests the peer's Stream Endpoints and records them in the
// session's remote endpoint table.
func (e *Engine) Discover(ctx context.Context, conn transport.ConnHandle) ([]EndpointInfo, error) {
	sess, err := e.sessionByConn(conn)
	if err != nil {
		return nil, err
	}
	payload, err := e.sendCommand(ctx, sess, SignalDiscover, nil)
	if err != nil {
		return nil, err
	}
	eps, err := decodeDiscoverResponse(payload)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	for _, info := range eps {
		sess.Remote[info.SEID] = &StreamEndpoint{SEID: info.SEID, InUse: info.InUse, Source: info.Source}
	}
	e.mu.Unlock()
	e.lis.EndpointsDiscovered(conn, eps)
	return eps, nil
}

// GetAllCapabilities fetches and records the full capability set of the
// peer's seid.
func (e *Engine) GetAllCapabilities(ctx context.Context, conn transport.ConnHandle, seid uint8) ([]Capability, error) {
	sess, err := e.sessionByConn(conn)
	if err != nil {
		return nil, err
	}
	payload, err := e.sendCommand(ctx, sess, SignalGetAllCapabilities, []byte{encodeSeid(seid)})
	if err != nil {
		return nil, err
	}
	caps, err := decodeCapabilities(payload)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if ep, ok := sess.Remote[seid]; ok {
		ep.Caps = caps
	}
	e.mu.Unlock()
	return caps, nil
}

// SetConfiguration configures localSeid (one of our endpoints) against
// remoteSeid (the peer's), carrying caps as the negotiated configuration.
func (e *Engine) SetConfiguration(ctx context.Context, conn transport.ConnHandle, localSeid, remoteSeid uint8, caps []Capability) error {
	sess, err := e.sessionByConn(conn)
	if err != nil {
		return err
	}
	body := encodeSetConfiguration(setConfigParams{AcpSeid: remoteSeid, IntSeid: localSeid, Caps: caps})
	if _, err := e.sendCommand(ctx, sess, SignalSetConfiguration, body); err != nil {
		return err
	}
	e.mu.Lock()
	if ep, ok := e.localEPs[localSeid]; ok {
		ep.InUse = true
		if err := ep.applyConfig(caps); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	e.mu.Unlock()
	sess.ActiveLocal = localSeid
	sess.ActiveRemote = remoteSeid
	sess.SetState(StreamConfigured)
	e.lis.StreamConfigured(conn)
	return nil
}

// Open requests the peer open the stream and then opens the media L2CAP
// channel.
func (e *Engine) Open(ctx context.Context, conn transport.ConnHandle) error {
	sess, err := e.sessionByConn(conn)
	if err != nil {
		return err
	}
	if _, err := e.sendCommand(ctx, sess, SignalOpen, []byte{encodeSeid(sess.ActiveRemote)}); err != nil {
		return err
	}
	ch, err := e.l2cap.OpenChannel(ctx, conn, transport.PSMAVDTP)
	if err != nil {
		return errors.Wrap(err, "avdtp: open media channel")
	}
	e.mu.Lock()
	sess.MediaChan = ch
	e.mediaChans[ch] = sess
	e.mu.Unlock()
	sess.SetState(StreamOpen)
	e.lis.StreamOpened(conn)
	return nil
}

// Start requests the peer start streaming and resets the local RTP
// counters.
func (e *Engine) Start(ctx context.Context, conn transport.ConnHandle) error {
	sess, err := e.sessionByConn(conn)
	if err != nil {
		return err
	}
	if _, err := e.sendCommand(ctx, sess, SignalStart, []byte{encodeSeid(sess.ActiveRemote)}); err != nil {
		return err
	}
	sess.resetMediaCounters()
	sess.SetState(StreamStreaming)
	e.lis.StreamStarted(conn)
	return nil
}

// Suspend requests the peer suspend streaming.
func (e *Engine) Suspend(ctx context.Context, conn transport.ConnHandle) error {
	sess, err := e.sessionByConn(conn)
	if err != nil {
		return err
	}
	if _, err := e.sendCommand(ctx, sess, SignalSuspend, []byte{encodeSeid(sess.ActiveRemote)}); err != nil {
		return err
	}
	sess.SetState(StreamOpen)
	e.lis.StreamSuspended(conn)
	return nil
}

// Close requests the peer close the stream and releases the local
// endpoint.
func (e *Engine) Close(ctx context.Context, conn transport.ConnHandle) error {
	sess, err := e.sessionByConn(conn)
	if err != nil {
		return err
	}
	if _, err := e.sendCommand(ctx, sess, SignalClose, []byte{encodeSeid(sess.ActiveRemote)}); err != nil {
		return err
	}
	e.releaseEndpoint(sess)
	sess.SetState(StreamIdle)
	e.lis.StreamClosed(conn)
	return nil
}

// SendMedia encodes frame as the next single-frame SBC media packet on
// conn's stream and transmits it.
func (e *Engine) SendMedia(conn transport.ConnHandle, frame []byte, samplesPerFrame uint32) error {
	sess, err := e.sessionByConn(conn)
	if err != nil {
		return err
	}
	if sess.GetState() != StreamStreaming {
		return newProtocolError(ErrBadState, "not streaming")
	}
	buf := buildNextSbc(sess, frame, samplesPerFrame, nil)
	return e.l2cap.Send(sess.MediaChan, buf)
}
