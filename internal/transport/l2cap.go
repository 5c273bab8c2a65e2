/*
NAME
  l2cap.go

DESCRIPTION
  l2cap.go declares the L2CAP facade consumed by the SMP, AVDTP and SDP
  engines. L2CAP channel management itself is out of scope; this package
  only fixes the boundary those engines program against.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package transport declares the L2CAP and HCI facades the core engines
// are driven through, plus a loopback implementation of each for tests.
package transport

import "context"

// ConnHandle identifies an ACL connection.
type ConnHandle uint16

// L2CAP is the channel-management facade. OUT OF SCOPE per the host stack
// boundary: L2CAP channel management itself (segmentation, flow control,
// credit-based LE channels) lives in the controller/HCI layer below this
// interface.
type L2CAP interface {
	Send(channel uint16, b []byte) error
	OpenChannel(ctx context.Context, conn ConnHandle, psm uint16) (channel uint16, err error)
	Close(channel uint16) error
	RegisterServer(psm uint16, accept func(conn ConnHandle) (channel uint16, ok bool))
	RegisterFixedChannel(cid uint16, h ChannelHandler)
}

// ChannelHandler receives L2CAP channel lifecycle and data events.
type ChannelHandler interface {
	OnData(channel uint16, b []byte)
	OnOpen(channel uint16)
	OnClose(channel uint16)
}

// Fixed channel identifiers used by SMP.
const (
	CIDSMPLE   uint16 = 0x0006
	CIDSMPBREDR uint16 = 0x0007
)

// Well-known PSMs used by AVDTP and SDP.
const (
	PSMAVDTP uint16 = 0x0019
	PSMSDP   uint16 = 0x0001
)
