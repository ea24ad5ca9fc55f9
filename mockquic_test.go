package hq

import (
	"net"
	"sort"
	"time"
)

// mockSocket scripts the transport side of a session: tests inject peer
// bytes and transport events, then drain the loop and inspect what the
// session wrote.
type mockSocket struct {
	cb   ConnectionCallback
	alpn string
	good bool

	dir Direction

	nextBidi StreamID
	nextUni  StreamID

	connSendWindow uint64

	streams map[StreamID]*mockStream

	closed    bool
	closeCode ErrorCode

	pings int

	localAddr, remoteAddr net.Addr
}

type mockStream struct {
	id StreamID

	readBuf []byte
	readEOF bool

	readCB ReadCallback
	peekCB PeekCallback
	paused bool

	written     []byte
	finReceived bool

	sendWindow uint64
	recvWindow uint64

	resetSent       *ErrorCode
	stopSendingSent *ErrorCode

	isControl bool

	dataExpiredAt  *uint64
	dataRejectedAt *uint64

	deliveries []mockDelivery
}

type mockDelivery struct {
	offset uint64
	cb     DeliveryCallback
}

func newMockSocket(dir Direction, alpn string) *mockSocket {
	m := &mockSocket{
		alpn:           alpn,
		good:           true,
		dir:            dir,
		connSendWindow: 1 << 24,
		streams:        make(map[StreamID]*mockStream),
		localAddr:      &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433},
		remoteAddr:     &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 52000},
	}

	// local stream id spaces depend on which side we are
	if dir == Downstream {
		m.nextBidi = 1
		m.nextUni = 3
	} else {
		m.nextBidi = 0
		m.nextUni = 2
	}

	return m
}

func (m *mockSocket) stream(id StreamID) *mockStream {
	strm, ok := m.streams[id]
	if !ok {
		strm = &mockStream{id: id, sendWindow: 1 << 20, recvWindow: 1 << 20}
		m.streams[id] = strm
	}

	return strm
}

// ---------------------------------------------------------------------------
// test driver surface

func (m *mockSocket) handshake() {
	m.cb.OnTransportReady()
}

func (m *mockSocket) peerOpenBidi(id StreamID) {
	m.stream(id)
	m.cb.OnNewBidirectionalStream(id)
}

func (m *mockSocket) peerOpenUni(id StreamID) {
	m.stream(id)
	m.cb.OnNewUnidirectionalStream(id)
}

// deliverData appends peer bytes and fires the stream's peek or read
// callback, as the transport would.
func (m *mockSocket) deliverData(id StreamID, data []byte, eof bool) {
	strm := m.stream(id)
	strm.readBuf = append(strm.readBuf, data...)
	if eof {
		strm.readEOF = true
	}

	m.wakeStream(strm)
}

func (m *mockSocket) wakeStream(strm *mockStream) {
	switch {
	case strm.peekCB != nil:
		strm.peekCB.PeekAvailable(strm.id, strm.readBuf, strm.readEOF)
	case strm.readCB != nil && !strm.paused:
		strm.readCB.ReadAvailable(strm.id)
	}
}

// ackDeliveries fires every registered delivery callback on the stream in
// offset order.
func (m *mockSocket) ackDeliveries(id StreamID) {
	strm := m.stream(id)

	pending := strm.deliveries
	strm.deliveries = nil

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].offset < pending[j].offset
	})

	for _, d := range pending {
		d.cb.OnDeliveryAck(id, d.offset)
	}
}

func (m *mockSocket) cancelDeliveries(id StreamID) {
	strm := m.stream(id)

	pending := strm.deliveries
	strm.deliveries = nil

	for _, d := range pending {
		d.cb.OnCanceled(id, d.offset)
	}
}

// openStreamWindow raises a stream's send window and fires the flow
// control upcall.
func (m *mockSocket) openStreamWindow(id StreamID, w uint64) {
	m.stream(id).sendWindow = w
	m.cb.OnFlowControlUpdate(id)
}

func (m *mockSocket) pendingDeliveries(id StreamID) int {
	return len(m.stream(id).deliveries)
}

// ---------------------------------------------------------------------------
// Socket

func (m *mockSocket) SetConnectionCallback(cb ConnectionCallback) {
	m.cb = cb
}

func (m *mockSocket) CreateBidirectionalStream() (StreamID, error) {
	id := m.nextBidi
	m.nextBidi += 4
	m.stream(id)

	return id, nil
}

func (m *mockSocket) CreateUnidirectionalStream() (StreamID, error) {
	id := m.nextUni
	m.nextUni += 4
	m.stream(id)

	return id, nil
}

func (m *mockSocket) SetReadCallback(id StreamID, cb ReadCallback) error {
	strm := m.stream(id)
	strm.readCB = cb

	if cb != nil && (len(strm.readBuf) > 0 || strm.readEOF) && !strm.paused {
		cb.ReadAvailable(id)
	}

	return nil
}

func (m *mockSocket) SetPeekCallback(id StreamID, cb PeekCallback) error {
	strm := m.stream(id)
	strm.peekCB = cb

	if cb != nil && (len(strm.readBuf) > 0 || strm.readEOF) {
		cb.PeekAvailable(id, strm.readBuf, strm.readEOF)
	}

	return nil
}

func (m *mockSocket) PauseRead(id StreamID) error {
	m.stream(id).paused = true
	return nil
}

func (m *mockSocket) ResumeRead(id StreamID) error {
	strm := m.stream(id)
	strm.paused = false
	m.wakeStream(strm)

	return nil
}

func (m *mockSocket) Read(id StreamID, max int) ([]byte, bool, error) {
	strm := m.stream(id)

	n := len(strm.readBuf)
	if n > max {
		n = max
	}

	data := append([]byte(nil), strm.readBuf[:n]...)
	strm.readBuf = strm.readBuf[n:]

	return data, strm.readEOF && len(strm.readBuf) == 0, nil
}

func (m *mockSocket) Consume(id StreamID, n int) error {
	strm := m.stream(id)
	if n > len(strm.readBuf) {
		n = len(strm.readBuf)
	}
	strm.readBuf = strm.readBuf[n:]

	return nil
}

func (m *mockSocket) WriteChain(id StreamID, data []byte, fin bool, cb DeliveryCallback) ([]byte, error) {
	strm := m.stream(id)

	accept := uint64(len(data))
	if accept > strm.sendWindow {
		accept = strm.sendWindow
	}
	if accept > m.connSendWindow {
		accept = m.connSendWindow
	}

	strm.written = append(strm.written, data[:accept]...)
	strm.sendWindow -= accept
	m.connSendWindow -= accept

	notWritten := append([]byte(nil), data[accept:]...)
	if fin && len(notWritten) == 0 {
		strm.finReceived = true
	}

	return notWritten, nil
}

func (m *mockSocket) StreamFlowControl(id StreamID) (FlowControl, error) {
	strm := m.stream(id)
	return FlowControl{
		SendWindowAvailable:    strm.sendWindow,
		ReceiveWindowAvailable: strm.recvWindow,
	}, nil
}

func (m *mockSocket) ConnectionFlowControl() FlowControl {
	return FlowControl{SendWindowAvailable: m.connSendWindow}
}

func (m *mockSocket) SetStreamFlowControlWindow(id StreamID, w uint64) error {
	m.stream(id).recvWindow = w
	return nil
}

func (m *mockSocket) SetConnectionFlowControlWindow(uint64) error {
	return nil
}

func (m *mockSocket) StreamWriteOffset(id StreamID) (uint64, error) {
	return uint64(len(m.stream(id).written)), nil
}

func (m *mockSocket) StreamWriteBufferedBytes(StreamID) (uint64, error) {
	return 0, nil
}

func (m *mockSocket) RegisterDeliveryCallback(id StreamID, offset uint64, cb DeliveryCallback) error {
	strm := m.stream(id)
	strm.deliveries = append(strm.deliveries, mockDelivery{offset: offset, cb: cb})

	return nil
}

func (m *mockSocket) ResetStream(id StreamID, code ErrorCode) error {
	strm := m.stream(id)
	strm.resetSent = &code

	pending := strm.deliveries
	strm.deliveries = nil
	for _, d := range pending {
		d.cb.OnCanceled(id, d.offset)
	}

	return nil
}

func (m *mockSocket) StopSending(id StreamID, code ErrorCode) error {
	strm := m.stream(id)
	strm.stopSendingSent = &code

	return nil
}

func (m *mockSocket) SetControlStream(id StreamID) error {
	m.stream(id).isControl = true
	return nil
}

func (m *mockSocket) SendDataExpired(id StreamID, offset uint64) error {
	strm := m.stream(id)
	strm.dataExpiredAt = &offset

	return nil
}

func (m *mockSocket) SendDataRejected(id StreamID, offset uint64) error {
	strm := m.stream(id)
	strm.dataRejectedAt = &offset

	return nil
}

func (m *mockSocket) SendPing() error {
	m.pings++
	return nil
}

func (m *mockSocket) TransportInfo() TransportInfo {
	return TransportInfo{RTT: 10 * time.Millisecond}
}

func (m *mockSocket) StreamTransportInfo(StreamID) (StreamTransportInfo, error) {
	return StreamTransportInfo{}, nil
}

func (m *mockSocket) LocalAddr() net.Addr {
	return m.localAddr
}

func (m *mockSocket) RemoteAddr() net.Addr {
	return m.remoteAddr
}

func (m *mockSocket) AppProtocol() string {
	return m.alpn
}

func (m *mockSocket) Good() bool {
	return m.good && !m.closed
}

func (m *mockSocket) Close(code ErrorCode, _ string) error {
	if m.closed {
		return nil
	}

	m.closed = true
	m.closeCode = code
	m.good = false

	for id, strm := range m.streams {
		pending := strm.deliveries
		strm.deliveries = nil
		for _, d := range pending {
			d.cb.OnCanceled(id, d.offset)
		}
	}

	return nil
}
