package hq

import (
	"golang.org/x/net/http2/hpack"
)

type streamKind int8

const (
	streamKindRequest streamKind = iota
	streamKindIngressPush
	streamKindEgressPush
)

func (k streamKind) String() string {
	switch k {
	case streamKindRequest:
		return "request"
	case streamKindIngressPush:
		return "ingress push"
	case streamKindEgressPush:
		return "egress push"
	}

	return "IDK"
}

// eomGate is a 2-of-2 latch: the transaction's ingress EOM fires exactly
// once, when both the codec has reported end of message and the transport
// has delivered the stream FIN.
type eomGate struct {
	codecSawEOM     bool
	transportSawEOF bool
	fired           bool
}

// setCodec latches the codec bit and reports whether the gate just opened.
func (g *eomGate) setCodec() bool {
	g.codecSawEOM = true
	return g.tryFire()
}

// setTransport latches the transport bit and reports whether the gate just
// opened.
func (g *eomGate) setTransport() bool {
	g.transportSawEOF = true
	return g.tryFire()
}

func (g *eomGate) tryFire() bool {
	if g.fired || !g.codecSawEOM || !g.transportSawEOF {
		return false
	}

	g.fired = true
	return true
}

// streamTransport is the per-request stream state: it buffers ingress for
// the codec, buffers serialized egress for the scheduler, and implements the
// transaction/transport contract. Ingress push streams start without a
// transport stream id and acquire one when the peer's push stream preface
// reveals their push id; egress push streams never have ingress.
type streamTransport struct {
	sess *Session
	kind streamKind

	// id is the quic stream id. Zero and bound=false for an ingress push
	// stream that has not rendezvoused yet.
	id     StreamID
	pushID PushID
	bound  bool

	codec StreamCodec
	txn   *Transaction

	readBuf  *streamBuf
	writeBuf *streamBuf

	handle *egressHandle

	eomGate      eomGate
	pendingEOM   bool
	finSent      bool
	readEOF      bool
	eofDelivered bool
	ingressError bool
	detached     bool

	// bytesWritten is the stream write offset: bytes committed to the
	// transport plus bytes still buffered locally.
	bytesWritten uint64
	bytesSkipped uint64

	// egressBodyStart is the write offset where body bytes begin, used to
	// translate body offsets for partial reliability.
	egressBodyStart uint64

	numActiveDeliveryCallbacks int

	// egressHeadersAckOffset is armed when final headers are generated
	// and registered with the transport once those bytes flush.
	egressHeadersAckOffset *uint64
	headersAckedOffset     *uint64
	finAckOffset           *uint64

	// firstByteArmed fires the transaction's first-byte event on the
	// first successful flush.
	firstByteArmed bool

	inPendingReads bool
}

func newStreamTransport(sess *Session, kind streamKind, id StreamID, codec StreamCodec) *streamTransport {
	strm := &streamTransport{
		sess:     sess,
		kind:     kind,
		id:       id,
		bound:    kind != streamKindIngressPush,
		codec:    codec,
		readBuf:  acquireStreamBuf(),
		writeBuf: acquireStreamBuf(),
	}

	if codec != nil {
		codec.SetCallback(strm)
	}

	return strm
}

// releaseStreamTransport returns the buffers to their pool. The transport
// struct itself may still be referenced by a detached transaction, so it is
// not recycled.
func releaseStreamTransport(strm *streamTransport) {
	if strm.codec != nil {
		strm.codec.SetCallback(nil)
	}

	releaseStreamBuf(strm.readBuf)
	releaseStreamBuf(strm.writeBuf)
}

// bindStream attaches a transport stream id to an ingress push stream.
// Binding happens at most once; a second attempt with a different id fails.
func (strm *streamTransport) bindStream(id StreamID) bool {
	if strm.bound {
		return strm.id == id
	}

	strm.id = id
	strm.bound = true

	return true
}

// ---------------------------------------------------------------------------
// ingress: transport -> codec -> transaction

// onReadAvailable moves buffered transport bytes into the read buffer. The
// codec runs later, from the loop callback, after all reads in the loop.
func (strm *streamTransport) onReadAvailable() {
	if strm.ingressError {
		return
	}

	data, eof, err := strm.sess.sock.Read(strm.id, 1<<16)
	if err != nil {
		strm.errorOnTransaction(NewStreamError(ErrCodeInternalError, "read failed"))
		return
	}

	strm.readBuf.Append(data)
	if eof {
		strm.readEOF = true
	}

	strm.sess.addPendingRead(strm)
}

// processIngress feeds buffered bytes into the codec until it blocks, the
// buffer drains, or it errors.
func (strm *streamTransport) processIngress() {
	if strm.ingressError || strm.detached {
		return
	}

	if strm.eomGate.codecSawEOM && !strm.readBuf.Empty() {
		// bytes after the codec already reported end of message
		strm.errorOnTransaction(NewStreamError(ErrCodeGeneralProtocolError, "bytes after message end"))
		return
	}

	for !strm.readBuf.Empty() {
		consumed := strm.codec.OnIngress(strm.readBuf.Bytes())
		if strm.ingressError {
			return
		}
		if consumed == 0 {
			break // blocked, possibly on the encoder stream
		}

		strm.readBuf.DropFront(consumed)

		if strm.txn != nil {
			strm.txn.refreshIdleTimeout()
		}
	}

	if strm.readEOF && strm.readBuf.Empty() && !strm.eofDelivered {
		strm.eofDelivered = true
		strm.codec.OnIngressEOF()

		if !strm.ingressError && strm.eomGate.setTransport() {
			strm.deliverIngressEOM()
		}
	}
}

func (strm *streamTransport) deliverIngressEOM() {
	if strm.txn != nil {
		strm.txn.onIngressEOM()
	}
}

// ---------------------------------------------------------------------------
// CodecCallback

func (strm *streamTransport) OnMessageBegin(StreamID) {}

func (strm *streamTransport) OnHeadersComplete(_ StreamID, msg *Message) {
	strm.sess.onIngressMessage(strm, msg)

	if strm.txn != nil {
		strm.txn.onIngressHeaders(msg)
	}
}

func (strm *streamTransport) OnBody(_ StreamID, data []byte) {
	if strm.txn != nil {
		strm.txn.onIngressBody(data)
	}
}

func (strm *streamTransport) OnTrailersComplete(_ StreamID, trailers []hpack.HeaderField) {
	if strm.txn != nil {
		strm.txn.onIngressTrailers(trailers)
	}
}

func (strm *streamTransport) OnMessageComplete(StreamID) {
	if strm.eomGate.setCodec() {
		strm.deliverIngressEOM()
	}
}

func (strm *streamTransport) OnPushPromise(_ StreamID, pushID PushID, msg *Message) {
	strm.sess.onPushPromise(strm, pushID, msg)
}

func (strm *streamTransport) OnSettings(*Settings) {
	strm.errorOnTransaction(NewStreamError(ErrCodeFrameError, "SETTINGS on request stream"))
}

func (strm *streamTransport) OnGoaway(StreamID, ErrorCode) {
	strm.errorOnTransaction(NewStreamError(ErrCodeFrameError, "GOAWAY on request stream"))
}

func (strm *streamTransport) OnCancelPush(PushID) {
	strm.errorOnTransaction(NewStreamError(ErrCodeFrameError, "CANCEL_PUSH on request stream"))
}

func (strm *streamTransport) OnMaxPushID(PushID) {
	strm.errorOnTransaction(NewStreamError(ErrCodeFrameError, "MAX_PUSH_ID on request stream"))
}

func (strm *streamTransport) OnCodecError(_ StreamID, err Error) {
	if isConnectionError(err) {
		strm.sess.latchConnectionError(err)
		return
	}

	strm.ingressError = true
	strm.errorOnTransaction(err)
}

// ---------------------------------------------------------------------------
// egress: transaction -> codec -> write buffer -> scheduler

func (strm *streamTransport) sendHeaders(msg *Message) {
	before := strm.bytesWritten
	strm.bytesWritten += uint64(strm.codec.GenerateHeader(strm.writeBuf, msg))
	strm.egressBodyStart = strm.bytesWritten

	if !strm.firstByteArmed && strm.bytesWritten > before {
		strm.firstByteArmed = true
	}

	// final headers keep the transaction alive until the peer acks them
	if msg.IsFinal() && strm.bytesWritten > 0 {
		offset := strm.bytesWritten - 1
		strm.egressHeadersAckOffset = &offset
	}

	strm.notifyPendingEgress()
}

func (strm *streamTransport) sendBody(data []byte) {
	strm.bytesWritten += uint64(strm.codec.GenerateBody(strm.writeBuf, data))
	strm.notifyPendingEgress()
}

func (strm *streamTransport) sendChunkHeader(size int) {
	strm.bytesWritten += uint64(strm.codec.GenerateChunkHeader(strm.writeBuf, size))
}

func (strm *streamTransport) sendChunkTerminator() {
	strm.bytesWritten += uint64(strm.codec.GenerateChunkTerminator(strm.writeBuf))
	strm.notifyPendingEgress()
}

func (strm *streamTransport) sendTrailers(trailers []hpack.HeaderField) {
	strm.bytesWritten += uint64(strm.codec.GenerateTrailers(strm.writeBuf, trailers))
	strm.notifyPendingEgress()
}

// sendEOM latches pending-EOM; the FIN bit reaches the transport whenever
// flow control lets the write loop get there.
func (strm *streamTransport) sendEOM() {
	strm.bytesWritten += uint64(strm.codec.GenerateEOM(strm.writeBuf))
	strm.pendingEOM = true
	strm.notifyPendingEgress()
}

func (strm *streamTransport) sendPushPromise(pushID PushID, msg *Message) {
	strm.bytesWritten += uint64(strm.codec.GeneratePushPromise(strm.writeBuf, pushID, msg))
	strm.notifyPendingEgress()
}

func (strm *streamTransport) sendAbort(code ErrorCode) {
	if strm.bound && strm.sess.sock.Good() {
		_ = strm.sess.sock.ResetStream(strm.id, code)

		if strm.kind == streamKindRequest {
			_ = strm.sess.sock.StopSending(strm.id, code)
		}
	}

	strm.writeBuf.Reset()
	strm.pendingEOM = false
	strm.ingressError = true
	strm.clearPendingEgress()
	strm.sess.scheduleLoopCallback()
}

func (strm *streamTransport) notifyPendingEgress() {
	if strm.handle != nil {
		strm.handle.txnEnqueued = true
	}

	strm.sess.signalPendingEgress(strm)
}

func (strm *streamTransport) clearPendingEgress() {
	if strm.handle != nil {
		strm.handle.txnEnqueued = false
	}

	strm.sess.clearPendingEgress(strm)
}

// hasPendingEgress reports whether the scheduler still owes this stream a
// write: buffered bytes or an unflushed FIN.
func (strm *streamTransport) hasPendingEgress() bool {
	return !strm.writeBuf.Empty() || (strm.pendingEOM && !strm.finSent)
}

// ---------------------------------------------------------------------------
// partial reliability

// skipBodyTo declares egress body bytes up to bodyOffset expired. Bytes not
// yet handed to the transport are dropped from the write buffer.
func (strm *streamTransport) skipBodyTo(bodyOffset uint64) error {
	wireOffset := strm.egressBodyStart + bodyOffset

	committed := strm.bytesWritten - uint64(strm.writeBuf.Len())
	if wireOffset > committed {
		dropped := strm.writeBuf.DropFront(int(wireOffset - committed))
		strm.bytesSkipped += uint64(dropped)
	}

	return strm.sess.sock.SendDataExpired(strm.id, wireOffset)
}

// rejectBodyTo tells the peer we will not read ingress body bytes before
// bodyOffset.
func (strm *streamTransport) rejectBodyTo(bodyOffset uint64) error {
	return strm.sess.sock.SendDataRejected(strm.id, bodyOffset)
}

func (strm *streamTransport) onDataExpired(offset uint64) {
	if strm.txn != nil {
		strm.txn.onIngressBodySkipped(offset)
	}
}

func (strm *streamTransport) onDataRejected(offset uint64) {
	strm.bytesSkipped += offset
	if strm.txn != nil {
		strm.txn.onEgressBodyRejected(offset)
	}
}

// ---------------------------------------------------------------------------
// peer aborts

// onResetStream maps a peer reset to a transaction error with the
// direction-aware reply policy.
func (strm *streamTransport) onResetStream(code ErrorCode) {
	if strm.sess.sock.Good() && strm.kind == streamKindRequest {
		replyCode := ErrCodeRequestCancelled
		if strm.sess.direction == Downstream {
			if strm.txn == nil || !strm.txn.ingressHeadersSeen {
				replyCode = ErrCodeRequestRejected
			} else {
				replyCode = ErrCodeNoError
			}
		}

		_ = strm.sess.sock.ResetStream(strm.id, replyCode)
	}

	var err Error
	if code == ErrCodeRequestRejected {
		err = NewRetriableError(ErrCodeRequestRejected, "peer rejected the request")
	} else {
		err = NewStreamError(code, "peer reset the stream")
	}

	strm.ingressError = true
	strm.errorOnTransaction(err)
}

// onStopSending is a peer egress abort mid-response.
func (strm *streamTransport) onStopSending(code ErrorCode) {
	if strm.sess.sock.Good() {
		_ = strm.sess.sock.ResetStream(strm.id, code)
	}

	strm.writeBuf.Reset()
	strm.pendingEOM = false
	strm.clearPendingEgress()
	strm.errorOnTransaction(NewStreamError(code, "stream abort"))
}

func (strm *streamTransport) errorOnTransaction(err Error) {
	if strm.txn != nil {
		strm.txn.onError(err)
	}

	strm.sess.scheduleLoopCallback()
}

// ---------------------------------------------------------------------------
// delivery callbacks

func (strm *streamTransport) OnDeliveryAck(_ StreamID, offset uint64) {
	strm.numActiveDeliveryCallbacks--

	if strm.headersAckedOffset != nil && offset == *strm.headersAckedOffset {
		strm.headersAckedOffset = nil
		if strm.txn != nil {
			strm.txn.onLastEgressHeaderByteAcked()
		}
	}

	if strm.finAckOffset != nil && offset == *strm.finAckOffset {
		strm.finAckOffset = nil
		if strm.txn != nil {
			strm.txn.onLastByteAcked()
		}
	}

	strm.sess.scheduleLoopCallback()
}

func (strm *streamTransport) OnCanceled(StreamID, uint64) {
	strm.numActiveDeliveryCallbacks--

	if strm.txn != nil {
		strm.txn.releaseByteEvent()
	}

	strm.sess.scheduleLoopCallback()
}

// ---------------------------------------------------------------------------
// detach / erase

func (strm *streamTransport) onTransactionDetached() {
	strm.detached = true
	strm.readBuf.Reset()
	strm.sess.scheduleLoopCallback()
}

// eligibleForErase is checked only from the loop callback, never inline
// with an upcall.
func (strm *streamTransport) eligibleForErase() bool {
	if !strm.detached || strm.numActiveDeliveryCallbacks > 0 {
		return false
	}
	if strm.ingressError {
		return true
	}

	enqueued := strm.handle != nil && strm.handle.transportEnqueued

	return strm.writeBuf.Empty() && (!strm.pendingEOM || strm.finSent) && !enqueued
}
