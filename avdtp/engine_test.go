package avdtp

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/ausocean/btstack/internal/transport"
)

// linkEnd is a minimal two-party transport.L2CAP stand-in, the same
// synchronous-delivery shape as internal/transport/fake.L2CAP: Send hands
// the bytes straight to the peer's OnData. That is safe here (unlike
// SMP's two-engine test, which needs a queued bridge) because AVDTP's
// signaling protocol is strictly request/reply — an acceptor's whole
// response to a command is produced and sent before the command's own
// OnData call returns, so the initiator's blocking sendCommand always
// finds its answer already buffered in the response channel by the time
// the call stack unwinds back to it.
type linkEnd struct {
	peer       transport.ChannelHandler
	peerLink   *linkEnd
	peerAccept func(transport.ConnHandle) (uint16, bool)
	acceptFn   func(transport.ConnHandle) (uint16, bool)
	nextChan   uint16
	toPeer     map[uint16]uint16
}

func newLinkEnd() *linkEnd {
	return &linkEnd{nextChan: 0x0040, toPeer: make(map[uint16]uint16)}
}

func (p *linkEnd) OpenChannel(ctx context.Context, conn transport.ConnHandle, psm uint16) (uint16, error) {
	if p.peerAccept == nil {
		return 0, errors.New("link: no peer registered")
	}
	peerChan, ok := p.peerAccept(conn)
	if !ok {
		return 0, errors.New("link: peer rejected channel")
	}
	myChan := p.nextChan
	p.nextChan++
	p.toPeer[myChan] = peerChan
	p.peerLink.toPeer[peerChan] = myChan
	return myChan, nil
}

func (p *linkEnd) Send(channel uint16, b []byte) error {
	peerChan, ok := p.toPeer[channel]
	if !ok {
		return errors.Errorf("link: no peer channel for local channel %#04x", channel)
	}
	p.peer.OnData(peerChan, append([]byte(nil), b...))
	return nil
}

func (p *linkEnd) Close(uint16) error { return nil }

func (p *linkEnd) RegisterServer(psm uint16, accept func(transport.ConnHandle) (uint16, bool)) {
	p.acceptFn = accept
}

func (p *linkEnd) RegisterFixedChannel(uint16, transport.ChannelHandler) {}

type recording struct {
	NopListener
	connected  []transport.ConnHandle
	discovered [][]EndpointInfo
	configured int
	opened     int
	started    int
	suspended  int
	closed     int
	media      [][]byte
}

func (r *recording) Connected(conn transport.ConnHandle) { r.connected = append(r.connected, conn) }
func (r *recording) EndpointsDiscovered(conn transport.ConnHandle, eps []EndpointInfo) {
	r.discovered = append(r.discovered, eps)
}
func (r *recording) StreamConfigured(transport.ConnHandle) { r.configured++ }
func (r *recording) StreamOpened(transport.ConnHandle)     { r.opened++ }
func (r *recording) StreamStarted(transport.ConnHandle)    { r.started++ }
func (r *recording) StreamSuspended(transport.ConnHandle)  { r.suspended++ }
func (r *recording) StreamClosed(transport.ConnHandle)     { r.closed++ }
func (r *recording) MediaReceived(conn transport.ConnHandle, ts uint32, payload []byte) {
	r.media = append(r.media, payload)
}

const testConn = transport.ConnHandle(1)

func sbcCap() Capability {
	return EncodeSBCCapability(SBCCapability{
		SamplingFreq: 0x2, // 44.1kHz bit, per A2DP's freq bitmask ordering.
		ChannelMode:  0x1, // JointStereo bit.
		BlockLength:  1 << 3, // 16 blocks.
		Subbands:     1 << 1, // 8 subbands.
		Allocation:   1 << 1, // Loudness.
		MinBitpool:   2,
		MaxBitpool:   53,
	})
}

func newPair() (initEngine, acptEngine *Engine, recI, recA *recording) {
	pI, pA := newLinkEnd(), newLinkEnd()

	recI, recA = &recording{}, &recording{}

	sourceEP := StreamEndpoint{SEID: 1, Source: true, Caps: []Capability{sbcCap()}}
	sinkEP := StreamEndpoint{SEID: 2, Source: false, Caps: []Capability{sbcCap()}}

	initEngine = NewEngine(pI, nil, Config{LocalEndpoints: []StreamEndpoint{sourceEP}}, recI)
	acptEngine = NewEngine(pA, nil, Config{LocalEndpoints: []StreamEndpoint{sinkEP}}, recA)

	pI.peer, pA.peer = acptEngine, initEngine
	pI.peerLink, pA.peerLink = pA, pI
	pI.peerAccept = pA.acceptFn
	pA.peerAccept = pI.acceptFn
	return
}

// TestDiscoverConfigureStartStream drives the full Discover/Configure/
// Open/Start sequence from spec.md §8's AVDTP scenario and checks the
// session lands in STREAMING on both sides, then exchanges one media
// packet.
func TestDiscoverConfigureStartStream(t *testing.T) {
	initEngine, _, recI, recA := newPair()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := initEngine.Connect(ctx, testConn); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if len(recA.connected) != 1 {
		t.Fatalf("acceptor did not observe Connected")
	}

	eps, err := initEngine.Discover(ctx, testConn)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(eps) != 1 || eps[0].SEID != 2 || eps[0].Source {
		t.Fatalf("unexpected discover result: %+v", eps)
	}

	if err := initEngine.SetConfiguration(ctx, testConn, 1, 2, []Capability{sbcCap()}); err != nil {
		t.Fatalf("SetConfiguration: %v", err)
	}
	if recA.configured != 1 || recI.configured != 1 {
		t.Fatalf("expected both sides configured: init=%d acpt=%d", recI.configured, recA.configured)
	}

	if err := initEngine.Open(ctx, testConn); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if recA.opened != 1 || recI.opened != 1 {
		t.Fatalf("expected both sides opened: init=%d acpt=%d", recI.opened, recA.opened)
	}

	if err := initEngine.Start(ctx, testConn); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if recA.started != 1 || recI.started != 1 {
		t.Fatalf("expected both sides streaming: init=%d acpt=%d", recI.started, recA.started)
	}

	frame := make([]byte, 119)
	if err := initEngine.SendMedia(testConn, frame, 128); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	if len(recA.media) != 1 || len(recA.media[0]) != 119 {
		t.Fatalf("acceptor did not receive the media frame")
	}
}

// TestOpenBeforeConfigureRejected checks the §4.4 state linearity
// invariant: Open issued from IDLE (before SetConfiguration) is rejected
// with BadState.
func TestOpenBeforeConfigureRejected(t *testing.T) {
	initEngine, _, _, _ := newPair()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := initEngine.Connect(ctx, testConn); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	err := initEngine.Open(ctx, testConn)
	if err == nil {
		t.Fatalf("expected Open before SetConfiguration to fail")
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Code != ErrBadState {
		t.Fatalf("expected BadState, got %v", err)
	}
}
