package sdp

import "github.com/pkg/errors"

// ErrorCode is an SDP error code, as carried in an ErrorResponse PDU.
type ErrorCode uint16

const (
	ErrInvalidServiceRecordHandle ErrorCode = 0x0002
	ErrInvalidRequestSyntax       ErrorCode = 0x0003
	ErrInvalidPDUSize             ErrorCode = 0x0004
	ErrInvalidContinuationState   ErrorCode = 0x0005
	ErrInsufficientResources      ErrorCode = 0x0006
)

// ProtocolError wraps an SDP error code alongside the underlying cause, so
// callers can recover the code via errors.Cause-style inspection while the
// wrapped message chain remains useful in logs.
type ProtocolError struct {
	Code ErrorCode
	Err  error
}

func (e *ProtocolError) Error() string {
	return errors.Wrapf(e.Err, "sdp: error %#04x", e.Code).Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func newProtocolError(code ErrorCode, msg string) *ProtocolError {
	return &ProtocolError{Code: code, Err: errors.New(msg)}
}
