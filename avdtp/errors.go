/*
NAME
  errors.go

DESCRIPTION
  errors.go defines the AVDTP error code taxonomy carried in Reject PDUs,
  plus the ProtocolError wrapper returned by the signaling codec and
  engine.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package avdtp

import "github.com/pkg/errors"

// ErrorCode is an AVDTP error code, per Bluetooth A2DP/AVDTP Reject PDUs.
type ErrorCode uint8

const (
	ErrBadHeaderFormat         ErrorCode = 0x01
	ErrBadLength               ErrorCode = 0x11
	ErrBadAcpSeid              ErrorCode = 0x12
	ErrSepInUse                ErrorCode = 0x13
	ErrSepNotInUse             ErrorCode = 0x14
	ErrBadServCategory         ErrorCode = 0x17
	ErrBadPayloadFormat        ErrorCode = 0x18
	ErrNotSupportedCommand     ErrorCode = 0x19
	ErrInvalidCapabilities     ErrorCode = 0x1A
	ErrUnsupportedConfiguration ErrorCode = 0x29
	ErrBadState                ErrorCode = 0x31
)

// ProtocolError wraps an AVDTP error code alongside the underlying cause.
type ProtocolError struct {
	Code ErrorCode
	Err  error
}

func (e *ProtocolError) Error() string {
	return errors.Wrapf(e.Err, "avdtp: error %#02x", e.Code).Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func newProtocolError(code ErrorCode, msg string) *ProtocolError {
	return &ProtocolError{Code: code, Err: errors.New(msg)}
}
