package hq

import (
	"time"

	"golang.org/x/net/http2/hpack"
)

// Handler receives the lifecycle of one transaction. Implementations run on
// the session's event loop; no method may block.
type Handler interface {
	// SetTransaction hands the handler its transaction before any other
	// callback.
	SetTransaction(txn *Transaction)

	OnHeadersComplete(msg *Message)
	OnBody(data []byte)
	OnTrailers(trailers []hpack.HeaderField)
	OnEOM()

	// OnError is delivered at most once, before OnDetachTransaction.
	OnError(err Error)
	// OnDetachTransaction is the terminal callback: the transaction and
	// its stream are gone afterwards.
	OnDetachTransaction()
}

// ByteEventHandler is implemented by handlers that want flush/ack byte
// events. They fire only on clean completion; aborts cancel them.
type ByteEventHandler interface {
	OnFirstByteFlushed()
	OnLastByteFlushed()
	OnLastByteAcked()
	OnLastEgressHeaderByteAcked()
}

// GoawayHandler is implemented by handlers that want to observe the peer
// draining the session while their transaction continues.
type GoawayHandler interface {
	OnGoaway(code ErrorCode)
}

// PushHandler is implemented by upstream handlers that accept server push.
type PushHandler interface {
	// OnPushPromise delivers the promised request and the transaction of
	// the pushed response.
	OnPushPromise(pushTxn *Transaction, msg *Message)
}

// Controller supplies session-level policy hooks.
type Controller interface {
	// GetTimeoutHandler is consulted when a transaction times out before
	// any handler is attached; the returned handler observes the
	// synthetic error.
	GetTimeoutHandler(txn *Transaction, msg *Message) Handler
}

// Transaction is one HTTP message exchange bound to a stream transport.
type Transaction struct {
	strm    *streamTransport
	sess    *Session
	handler Handler

	ingressHeadersSeen bool
	ingressEOMSeen     bool
	egressHeadersSent  bool
	egressEOMQueued    bool
	egressPaused       bool
	ingressPaused      bool

	ingressMsg *Message

	// pendingByteEvents holds the transaction open until every armed
	// delivery callback has been acked or canceled.
	pendingByteEvents int

	errorDelivered bool
	detached       bool

	idleTimeout time.Duration
	idleTimer   Timer

	priority PriorityParam
}

func newTransaction(sess *Session, strm *streamTransport, handler Handler) *Transaction {
	txn := &Transaction{
		sess:    sess,
		strm:    strm,
		handler: handler,
	}

	strm.txn = txn

	if handler != nil {
		handler.SetTransaction(txn)
	}

	return txn
}

// ID returns the quic stream id the transaction is bound to; for an unbound
// ingress push transaction it returns the push id.
func (txn *Transaction) ID() StreamID {
	if txn.strm.bound {
		return txn.strm.id
	}

	return txn.strm.pushID
}

func (txn *Transaction) IsPush() bool {
	return txn.strm.kind != streamKindRequest
}

// SetHandler installs a late-attached handler (for example once request
// headers arrive).
func (txn *Transaction) SetHandler(handler Handler) {
	txn.handler = handler
	if handler != nil {
		handler.SetTransaction(txn)
	}
}

// ---------------------------------------------------------------------------
// egress API

func (txn *Transaction) SendHeaders(msg *Message) {
	if txn.detached {
		return
	}

	txn.egressHeadersSent = true
	txn.strm.sendHeaders(msg)
	txn.refreshIdleTimeout()
}

func (txn *Transaction) SendBody(data []byte) {
	if txn.detached {
		return
	}

	txn.strm.sendBody(data)
	txn.refreshIdleTimeout()
}

func (txn *Transaction) SendChunkHeader(size int) {
	if txn.detached {
		return
	}

	txn.strm.sendChunkHeader(size)
}

func (txn *Transaction) SendChunkTerminator() {
	if txn.detached {
		return
	}

	txn.strm.sendChunkTerminator()
}

func (txn *Transaction) SendTrailers(trailers []hpack.HeaderField) {
	if txn.detached {
		return
	}

	txn.strm.sendTrailers(trailers)
}

func (txn *Transaction) SendEOM() {
	if txn.detached {
		return
	}

	txn.egressEOMQueued = true
	txn.strm.sendEOM()
}

// SendAbort resets the stream in both directions and detaches.
func (txn *Transaction) SendAbort(code ErrorCode) {
	if txn.detached {
		return
	}

	txn.strm.sendAbort(code)
	txn.detach()
}

// SendPushPromise reserves a push id, emits the promise on this request
// stream and returns the egress push transaction. Downstream HQ only.
func (txn *Transaction) SendPushPromise(msg *Message, handler Handler) (*Transaction, error) {
	if txn.detached {
		return nil, NewStreamError(ErrCodeInternalError, "transaction detached")
	}

	return txn.sess.createEgressPush(txn, msg, handler)
}

// SkipBodyTo declares egress body bytes before offset expired (partial
// reliability).
func (txn *Transaction) SkipBodyTo(offset uint64) error {
	if !txn.sess.partialReliabilityEnabled() {
		return NewStreamError(ErrCodeInternalError, "partial reliability not negotiated")
	}

	return txn.strm.skipBodyTo(offset)
}

// RejectBodyTo refuses ingress body bytes before offset (partial
// reliability).
func (txn *Transaction) RejectBodyTo(offset uint64) error {
	if !txn.sess.partialReliabilityEnabled() {
		return NewStreamError(ErrCodeInternalError, "partial reliability not negotiated")
	}

	return txn.strm.rejectBodyTo(offset)
}

// ---------------------------------------------------------------------------
// ingress control

// PauseIngress stops transport reads; a no-op on egress push streams.
func (txn *Transaction) PauseIngress() {
	if txn.strm.kind == streamKindEgressPush || !txn.strm.bound {
		return
	}

	txn.ingressPaused = true
	_ = txn.sess.sock.PauseRead(txn.strm.id)
}

func (txn *Transaction) ResumeIngress() {
	if txn.strm.kind == streamKindEgressPush || !txn.strm.bound {
		return
	}

	txn.ingressPaused = false
	_ = txn.sess.sock.ResumeRead(txn.strm.id)
}

// ---------------------------------------------------------------------------
// priority / timeout

func (txn *Transaction) SetPriority(pri PriorityParam) {
	txn.priority = pri
	txn.sess.updatePriority(txn.strm, pri)
}

func (txn *Transaction) SetIdleTimeout(d time.Duration) {
	txn.idleTimeout = d
	txn.refreshIdleTimeout()
}

func (txn *Transaction) refreshIdleTimeout() {
	if txn.idleTimeout <= 0 || txn.detached {
		return
	}

	if txn.idleTimer != nil {
		txn.idleTimer.Reset(txn.idleTimeout)
		return
	}

	txn.idleTimer = txn.sess.loop.RunAfterDelay(txn.idleTimeout, txn.onIdleTimeout)
}

// onIdleTimeout fires transactionTimeout. A transaction whose headers never
// completed has no handler yet; the controller supplies one for the
// synthetic error.
func (txn *Transaction) onIdleTimeout() {
	if txn.detached {
		return
	}

	if txn.handler == nil {
		if txn.sess.controller != nil {
			txn.SetHandler(txn.sess.controller.GetTimeoutHandler(txn, txn.ingressMsg))
		}
	}

	txn.strm.sendAbort(ErrCodeRequestCancelled)
	txn.onError(NewStreamError(ErrCodeRequestCancelled, "transaction timeout"))
}

// ---------------------------------------------------------------------------
// ingress upcalls from the stream transport

func (txn *Transaction) onIngressHeaders(msg *Message) {
	txn.ingressHeadersSeen = true
	txn.ingressMsg = msg
	txn.refreshIdleTimeout()

	if txn.handler == nil && txn.sess.handlerFactory != nil {
		txn.SetHandler(txn.sess.handlerFactory(txn, msg))
	}

	if txn.handler != nil {
		txn.handler.OnHeadersComplete(msg)
	}
}

func (txn *Transaction) onIngressBody(data []byte) {
	if txn.handler != nil {
		txn.handler.OnBody(data)
	}
}

func (txn *Transaction) onIngressTrailers(trailers []hpack.HeaderField) {
	if txn.handler != nil {
		txn.handler.OnTrailers(trailers)
	}
}

func (txn *Transaction) onIngressEOM() {
	if txn.ingressEOMSeen || txn.detached {
		return
	}
	txn.ingressEOMSeen = true

	if txn.handler != nil {
		txn.handler.OnEOM()
	}

	txn.maybeDetach()
}

// onIngressBodySkipped records that the peer expired a body prefix; the
// next delivered bytes start at offset.
func (txn *Transaction) onIngressBodySkipped(offset uint64) {
	txn.strm.bytesSkipped = offset
}

// onEgressBodyRejected drops egress the peer refuses to read.
func (txn *Transaction) onEgressBodyRejected(uint64) {
	txn.strm.writeBuf.Reset()
}

func (txn *Transaction) onGoaway(code ErrorCode) {
	if gh, ok := txn.handler.(GoawayHandler); ok {
		gh.OnGoaway(code)
	}
}

// ---------------------------------------------------------------------------
// byte events

func (txn *Transaction) armByteEvent() {
	txn.pendingByteEvents++
}

func (txn *Transaction) releaseByteEvent() {
	if txn.pendingByteEvents > 0 {
		txn.pendingByteEvents--
	}

	txn.maybeDetach()
}

func (txn *Transaction) onFirstByteFlushed() {
	if h, ok := txn.handler.(ByteEventHandler); ok {
		h.OnFirstByteFlushed()
	}
}

func (txn *Transaction) onLastByteFlushed() {
	if h, ok := txn.handler.(ByteEventHandler); ok {
		h.OnLastByteFlushed()
	}

	txn.maybeDetach()
}

func (txn *Transaction) onLastByteAcked() {
	if h, ok := txn.handler.(ByteEventHandler); ok {
		h.OnLastByteAcked()
	}

	txn.releaseByteEvent()

	txn.maybeDetach()
}

func (txn *Transaction) onLastEgressHeaderByteAcked() {
	if h, ok := txn.handler.(ByteEventHandler); ok {
		h.OnLastEgressHeaderByteAcked()
	}

	txn.releaseByteEvent()
}

// ---------------------------------------------------------------------------
// termination

func (txn *Transaction) onError(err Error) {
	if txn.detached {
		return
	}

	if !txn.errorDelivered {
		txn.errorDelivered = true
		if txn.handler != nil {
			txn.handler.OnError(err)
		}
	}

	txn.detach()
}

// maybeDetach completes the transaction once both directions are done and
// no delivery callback holds it open.
func (txn *Transaction) maybeDetach() {
	if txn.detached || txn.pendingByteEvents > 0 {
		return
	}

	ingressDone := txn.ingressEOMSeen || txn.strm.kind == streamKindEgressPush
	egressDone := txn.egressEOMQueued && txn.strm.finSent ||
		txn.strm.kind == streamKindIngressPush && !txn.egressHeadersSent

	if ingressDone && egressDone {
		txn.detach()
	}
}

func (txn *Transaction) detach() {
	if txn.detached {
		return
	}
	txn.detached = true

	stopTimer(txn.idleTimer)
	txn.idleTimer = nil

	if txn.handler != nil {
		txn.handler.OnDetachTransaction()
	}

	txn.strm.onTransactionDetached()
	txn.sess.onTransactionDetached()
}
