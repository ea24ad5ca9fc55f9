package hq

import (
	"errors"
	"fmt"
)

// ErrorCode is an application error code as it appears on the wire in
// RESET_STREAM, STOP_SENDING and CONNECTION_CLOSE frames.
type ErrorCode uint64

const (
	ErrCodeNoError              ErrorCode = 0x100
	ErrCodeGeneralProtocolError ErrorCode = 0x101
	ErrCodeInternalError        ErrorCode = 0x102
	ErrCodeWrongStream          ErrorCode = 0x103
	ErrCodeClosedCriticalStream ErrorCode = 0x104
	ErrCodeWrongStreamCount     ErrorCode = 0x105
	ErrCodeFrameError           ErrorCode = 0x106
	ErrCodeUnknownStreamType    ErrorCode = 0x107
	ErrCodeMalformedPushPromise ErrorCode = 0x108
	ErrCodeRequestRejected      ErrorCode = 0x10b
	ErrCodeRequestCancelled     ErrorCode = 0x10c
	ErrCodeConnectFailed        ErrorCode = 0x10f
	ErrCodeFieldSectionError    ErrorCode = 0x200

	// ErrCodeGiveUpZeroRTT never appears on the wire. It signals that the
	// handshake should be retried without early data.
	ErrCodeGiveUpZeroRTT ErrorCode = 1<<62 - 1
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeNoError:
		return "NO_ERROR"
	case ErrCodeGeneralProtocolError:
		return "GENERAL_PROTOCOL_ERROR"
	case ErrCodeInternalError:
		return "INTERNAL_ERROR"
	case ErrCodeWrongStream:
		return "WRONG_STREAM"
	case ErrCodeClosedCriticalStream:
		return "CLOSED_CRITICAL_STREAM"
	case ErrCodeWrongStreamCount:
		return "WRONG_STREAM_COUNT"
	case ErrCodeFrameError:
		return "FRAME_ERROR"
	case ErrCodeUnknownStreamType:
		return "UNKNOWN_STREAM_TYPE"
	case ErrCodeMalformedPushPromise:
		return "MALFORMED_PUSH_PROMISE"
	case ErrCodeRequestRejected:
		return "REQUEST_REJECTED"
	case ErrCodeRequestCancelled:
		return "REQUEST_CANCELLED"
	case ErrCodeConnectFailed:
		return "CONNECT_FAILED"
	case ErrCodeFieldSectionError:
		return "FIELD_SECTION_ERROR"
	case ErrCodeGiveUpZeroRTT:
		return "GIVE_UP_ZERO_RTT"
	}

	return fmt.Sprintf("0x%x", uint64(c))
}

// errorKind separates errors that kill a single transaction from errors that
// kill the whole connection.
type errorKind int8

const (
	kindStream errorKind = iota
	kindConnection
)

// Error is the error type surfaced to transaction handlers and latched on the
// session for connection-level failures.
type Error struct {
	code ErrorCode
	kind errorKind
	msg  string

	// retriable marks an error whose request was never processed by the
	// peer, so the caller may safely reissue it on a new connection.
	retriable bool
}

func (e Error) Error() string {
	if e.msg == "" {
		return e.code.String()
	}

	return e.code.String() + ": " + e.msg
}

func (e Error) Code() ErrorCode {
	return e.code
}

// Retriable reports whether the failed request is safe to retry elsewhere.
func (e Error) Retriable() bool {
	return e.retriable
}

// NewStreamError returns an error scoped to a single stream. Sibling streams
// survive it.
func NewStreamError(code ErrorCode, msg string) Error {
	return Error{code: code, kind: kindStream, msg: msg}
}

// NewConnectionError returns an error that is fatal to the whole session.
func NewConnectionError(code ErrorCode, msg string) Error {
	return Error{code: code, kind: kindConnection, msg: msg}
}

// NewRetriableError marks a stream error as "unacknowledged - safe to retry".
func NewRetriableError(code ErrorCode, msg string) Error {
	return Error{code: code, kind: kindStream, msg: msg, retriable: true}
}

func isConnectionError(err error) bool {
	var hqErr Error
	if errors.As(err, &hqErr) {
		return hqErr.kind == kindConnection
	}

	return false
}

func toError(err error) Error {
	var hqErr Error
	if errors.As(err, &hqErr) {
		return hqErr
	}

	return NewStreamError(ErrCodeInternalError, err.Error())
}
