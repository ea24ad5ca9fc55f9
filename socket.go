package hq

import (
	"net"
	"time"
)

// StreamID is a QUIC stream identifier. The two low bits encode the
// initiator (bit 0) and the directionality (bit 1).
type StreamID = uint64

// PushID identifies a pushed response. Push ids live in their own number
// space, independent of stream ids.
type PushID = uint64

// maxStreamID is the largest stream id a QUIC varint can carry. A GOAWAY
// advertising it places no cap on the peer.
const maxStreamID StreamID = 1<<62 - 1

func isServerInitiated(id StreamID) bool {
	return id&0x1 != 0
}

func isUnidirectional(id StreamID) bool {
	return id&0x2 != 0
}

func isBidirectional(id StreamID) bool {
	return id&0x2 == 0
}

// isPeerInitiated reports whether the peer of a session with the given
// direction opened the stream.
func isPeerInitiated(dir Direction, id StreamID) bool {
	if dir == Downstream {
		return !isServerInitiated(id)
	}

	return isServerInitiated(id)
}

// Direction tells which side of the connection this session is.
type Direction int8

const (
	// Upstream sessions speak to a server: they initiate requests.
	Upstream Direction = iota
	// Downstream sessions speak to a client: they serve requests.
	Downstream
)

func (d Direction) String() string {
	if d == Upstream {
		return "upstream"
	}

	return "downstream"
}

// FlowControl is a point-in-time snapshot of a flow control window.
type FlowControl struct {
	// SendWindowAvailable is how many more bytes may be written.
	SendWindowAvailable uint64
	// ReceiveWindowAvailable is how many more bytes the peer may send.
	ReceiveWindowAvailable uint64
}

// TransportInfo is the connection-level information exposed by the socket.
type TransportInfo struct {
	RTT                  time.Duration
	RTTVariance          time.Duration
	BytesSent            uint64
	BytesReceived        uint64
	PacketsRetransmitted uint64
}

// StreamTransportInfo is the per-stream counterpart of TransportInfo.
type StreamTransportInfo struct {
	TotalHeadOfLineBlockedTime time.Duration
	HolbCount                  uint32
	IsHolb                     bool
}

// ReadCallback receives read-side events for a single stream.
type ReadCallback interface {
	ReadAvailable(id StreamID)
	ReadError(id StreamID, code ErrorCode)
}

// PeekCallback observes buffered stream bytes without consuming them. The
// unidirectional dispatcher uses it to classify streams before handing them
// to their owner.
type PeekCallback interface {
	PeekAvailable(id StreamID, data []byte, eof bool)
	PeekError(id StreamID, code ErrorCode)
}

// DeliveryCallback fires when bytes up to a registered offset have been
// acknowledged by the peer, or when the registration is torn down first.
type DeliveryCallback interface {
	OnDeliveryAck(id StreamID, offset uint64)
	OnCanceled(id StreamID, offset uint64)
}

// ConnectionCallback receives connection-level transport events. The session
// implements it.
type ConnectionCallback interface {
	OnTransportReady()
	OnReplaySafe()
	OnNewBidirectionalStream(id StreamID)
	OnNewUnidirectionalStream(id StreamID)
	OnFlowControlUpdate(id StreamID)
	OnConnectionWriteReady(budget uint64)
	OnConnectionWriteError(code ErrorCode)
	OnStopSending(id StreamID, code ErrorCode)
	OnConnectionEnd()
	OnConnectionError(code ErrorCode, msg string)
	OnDataExpired(id StreamID, offset uint64)
	OnDataRejected(id StreamID, offset uint64)
}

// Socket is the QUIC transport capability the session consumes. All methods
// must be called from the session's event loop, and all callbacks are
// delivered on it. The session never parses transport wire bytes itself;
// everything below frames, streams and flow control belongs to the Socket.
type Socket interface {
	SetConnectionCallback(cb ConnectionCallback)

	CreateBidirectionalStream() (StreamID, error)
	CreateUnidirectionalStream() (StreamID, error)

	SetReadCallback(id StreamID, cb ReadCallback) error
	SetPeekCallback(id StreamID, cb PeekCallback) error
	PauseRead(id StreamID) error
	ResumeRead(id StreamID) error

	// Read consumes up to max buffered bytes. eof is true once the final
	// byte of the stream has been returned.
	Read(id StreamID, max int) (data []byte, eof bool, err error)
	// Consume discards n bytes previously observed through a peek.
	Consume(id StreamID, n int) error

	// WriteChain appends data to the stream, optionally with the FIN bit.
	// Bytes the transport could not accept are returned and remain the
	// caller's responsibility.
	WriteChain(id StreamID, data []byte, fin bool, cb DeliveryCallback) (notWritten []byte, err error)

	StreamFlowControl(id StreamID) (FlowControl, error)
	ConnectionFlowControl() FlowControl
	SetStreamFlowControlWindow(id StreamID, w uint64) error
	SetConnectionFlowControlWindow(w uint64) error

	// StreamWriteOffset is the number of bytes committed to the stream,
	// excluding bytes still buffered inside the transport.
	StreamWriteOffset(id StreamID) (uint64, error)
	StreamWriteBufferedBytes(id StreamID) (uint64, error)

	RegisterDeliveryCallback(id StreamID, offset uint64, cb DeliveryCallback) error

	ResetStream(id StreamID, code ErrorCode) error
	StopSending(id StreamID, code ErrorCode) error

	// SetControlStream marks a stream as critical: a transport-level reset
	// of it is a connection error.
	SetControlStream(id StreamID) error

	// Partial reliability.
	SendDataExpired(id StreamID, offset uint64) error
	SendDataRejected(id StreamID, offset uint64) error

	// SendPing elicits a transport-level liveness probe.
	SendPing() error

	TransportInfo() TransportInfo
	StreamTransportInfo(id StreamID) (StreamTransportInfo, error)

	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// AppProtocol returns the negotiated ALPN label, or "" before the
	// handshake completes.
	AppProtocol() string

	// Good reports whether the connection is still usable.
	Good() bool

	// Close tears the connection down with an application error.
	Close(code ErrorCode, msg string) error
}
