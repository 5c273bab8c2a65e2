/*
NAME
  errors.go

DESCRIPTION
  errors.go defines the SMP reason codes and the ProtocolError type used
  across the session and engine to report pairing failures both to the
  peer (on the wire) and to the local listener.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package smp

import "github.com/pkg/errors"

// ReasonCode is an SMP pairing failure reason, per Bluetooth Core Spec v5.3
// Vol 3 Part H §3.5.5.
type ReasonCode uint8

const (
	ReasonPasskeyEntryFailed        ReasonCode = 0x01
	ReasonOOBNotAvailable           ReasonCode = 0x02
	ReasonAuthenticationRequirements ReasonCode = 0x03
	ReasonConfirmValueFailed        ReasonCode = 0x04
	ReasonPairingNotSupported       ReasonCode = 0x05
	ReasonEncryptionKeySize         ReasonCode = 0x06
	ReasonCommandNotSupported       ReasonCode = 0x07
	ReasonUnspecifiedReason         ReasonCode = 0x08
	ReasonRepeatedAttempts          ReasonCode = 0x09
	ReasonInvalidParameters         ReasonCode = 0x0A
	ReasonDHKeyCheckFailed          ReasonCode = 0x0B
	ReasonNumericComparisonFailed   ReasonCode = 0x0C
)

// ProtocolError pairs a ReasonCode with the underlying cause, so callers
// can branch on Code while pkg/errors's wrap chain still carries the
// diagnostic message.
type ProtocolError struct {
	Code ReasonCode
	Err  error
}

func (e *ProtocolError) Error() string {
	return errors.Wrapf(e.Err, "smp: reason %#02x", e.Code).Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func newProtocolError(code ReasonCode, msg string) *ProtocolError {
	return &ProtocolError{Code: code, Err: errors.New(msg)}
}
