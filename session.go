package hq

import (
	"log"
	"os"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fastrand"

	"github.com/countingdata/hq/hqutils"
)

// drainState tracks the progress towards shutdown. Transitions only ever
// increase the ordinal.
type drainState int8

const (
	drainNone drainState = iota
	drainPending
	drainCloseSent
	drainCloseReceived
	drainFirstGoaway
	drainSecondGoaway
	drainDone
)

func (ds drainState) String() string {
	switch ds {
	case drainNone:
		return "NONE"
	case drainPending:
		return "PENDING"
	case drainCloseSent:
		return "CLOSE_SENT"
	case drainCloseReceived:
		return "CLOSE_RECEIVED"
	case drainFirstGoaway:
		return "FIRST_GOAWAY"
	case drainSecondGoaway:
		return "SECOND_GOAWAY"
	case drainDone:
		return "DONE"
	}

	return "IDK"
}

var defaultLogger fasthttp.Logger = log.New(os.Stdout, "[HQ] ", log.LstdFlags)

// HandlerFactory builds the handler of a freshly parsed downstream request.
type HandlerFactory func(txn *Transaction, msg *Message) Handler

// per-loop cap on bytes handed to the transport, on top of connection flow
// control
const maxWritesPerLoop = 64 * 1024

// Session owns one HTTP-over-QUIC connection: its streams, its codecs, its
// priority queue and its shutdown state machine. Everything runs on the
// session's event loop.
type Session struct {
	sock Socket
	loop *EventLoop

	direction Direction

	variant      Variant
	variantBound bool

	logger fasthttp.Logger
	debug  bool

	controller     Controller
	handlerFactory HandlerFactory
	destroyCb      func()

	registry     *streamRegistry
	dispatcher   *uniStreamDispatcher
	queue        *priorityQueue
	fieldSection *fieldSectionCodec

	streamReads *streamReadCallback

	egressSettings  Settings
	ingressSettings Settings

	pendingReads        []*streamTransport
	pendingControlReads []*controlStream

	loopScheduled bool

	drainState         drainState
	dropping           bool
	destroyed          bool
	closeWhenIdleLatch bool

	// maxIncomingStreamID is the highest peer-initiated request stream
	// admitted so far; it labels the final GOAWAY.
	maxIncomingStreamID StreamID
	// advertisedMaxStreamID is the limit of our last emitted GOAWAY.
	advertisedMaxStreamID StreamID
	// peerMaxAllowedStreamID is the limit from the peer's GOAWAY.
	peerMaxAllowedStreamID StreamID

	nextPushID    PushID
	peerMaxPushID *PushID

	// dropInNextLoop defers a fatal error to the next loop iteration so
	// the session is never destroyed mid-upcall.
	dropInNextLoop *Error

	replaySafe    bool
	replayWaiters []func()

	transactionTimeout    time.Duration
	connectionIdleTimeout time.Duration
	connIdleTimer         Timer

	streamFlowControlWindow uint64
}

// streamReadCallback fans per-stream transport read events back into the
// owning stream transport.
type streamReadCallback struct {
	sess *Session
}

func (rc *streamReadCallback) ReadAvailable(id StreamID) {
	if strm := rc.sess.registry.findStream(id); strm != nil {
		strm.onReadAvailable()
		rc.sess.scheduleLoopCallback()
	}
}

func (rc *streamReadCallback) ReadError(id StreamID, code ErrorCode) {
	if strm := rc.sess.registry.findStream(id); strm != nil {
		strm.onResetStream(code)
	}
}

// ---------------------------------------------------------------------------
// startup

// OnTransportReady inspects the negotiated protocol, binds the variant
// strategy and opens the egress control plane. An unknown ALPN label drops
// the connection.
func (s *Session) OnTransportReady() {
	if s.variantBound || s.destroyed {
		return
	}

	v, ok := variantForALPN(s.sock.AppProtocol())
	if !ok {
		s.dropConnectionWithError(NewConnectionError(ErrCodeConnectFailed, "unknown protocol "+s.sock.AppProtocol()))
		return
	}

	s.variant = v
	s.variantBound = true

	if s.debug {
		s.logger.Printf("%s session ready, variant=%s\n", s.direction, v)
	}

	for _, typ := range v.controlStreamTypes() {
		if !s.createEgressControlStream(typ) {
			return
		}
	}

	if v.sendsSettings() {
		cs := s.registry.findControlByType(streamTypeControl)
		cs.generateSettings(&s.egressSettings)
	}

	s.openGreaseStream()

	// a drain requested before the handshake finished is emitted now
	if s.drainState == drainPending {
		s.sendGoaway()
	}

	s.scheduleLoopCallback()
}

func (s *Session) createEgressControlStream(typ uniStreamType) bool {
	id, err := s.sock.CreateUnidirectionalStream()
	if err != nil {
		s.dropConnectionWithError(NewConnectionError(ErrCodeInternalError, "cannot open control stream"))
		return false
	}

	cs := newControlStream(s, typ, id)
	cs.ingressCodec = s.variant.newControlCodec(id, typ)
	s.registry.insertControl(cs)
	_ = s.sock.SetControlStream(id)

	return true
}

// openGreaseStream opens one unidirectional stream with a reserved type,
// which the peer must discard.
func (s *Session) openGreaseStream() {
	if !s.variant.supportsPush() { // grease only exists in the typed space
		return
	}

	id, err := s.sock.CreateUnidirectionalStream()
	if err != nil {
		return
	}

	typ := greaseStreamBase + greaseStreamStep*uniStreamType(fastrand.Uint32n(1<<8))
	_, _ = s.sock.WriteChain(id, hqutils.AppendVarint(nil, uint64(typ)), true, nil)
}

// OnReplaySafe flushes callers parked behind WaitForReplaySafe.
func (s *Session) OnReplaySafe() {
	s.replaySafe = true

	waiters := s.replayWaiters
	s.replayWaiters = nil
	for _, fn := range waiters {
		fn()
	}
}

// WaitForReplaySafe defers fn until the handshake protects against replay.
func (s *Session) WaitForReplaySafe(fn func()) {
	if s.replaySafe {
		fn()
		return
	}

	s.replayWaiters = append(s.replayWaiters, fn)
}

// ---------------------------------------------------------------------------
// stream admission

func (s *Session) OnNewBidirectionalStream(id StreamID) {
	if s.destroyed || s.dropping || !isBidirectional(id) {
		return
	}

	// only clients initiate request streams
	if s.direction == Upstream || !isPeerInitiated(s.direction, id) {
		_ = s.sock.ResetStream(id, ErrCodeWrongStream)
		_ = s.sock.StopSending(id, ErrCodeWrongStream)
		return
	}

	if s.isDraining() && id > s.advertisedMaxStreamID {
		if s.debug {
			s.logger.Printf("draining, rejecting stream %d\n", id)
		}

		_ = s.sock.ResetStream(id, ErrCodeRequestRejected)
		_ = s.sock.StopSending(id, ErrCodeRequestRejected)
		return
	}

	if id > s.maxIncomingStreamID {
		s.maxIncomingStreamID = id
	}

	strm := s.createRequestStream(id)
	newTransaction(s, strm, nil).SetIdleTimeout(s.transactionTimeout)

	stopTimer(s.connIdleTimer)
	s.connIdleTimer = nil
}

func (s *Session) createRequestStream(id StreamID) *streamTransport {
	strm := newStreamTransport(s, streamKindRequest, id, s.variant.newRequestCodec(s, id))
	strm.handle = s.queue.Insert(id, PriorityParam{})

	s.registry.insertRequest(strm)
	_ = s.sock.SetReadCallback(id, s.streamReads)

	if s.streamFlowControlWindow > 0 {
		_ = s.sock.SetStreamFlowControlWindow(id, s.streamFlowControlWindow)
	}

	return strm
}

func (s *Session) OnNewUnidirectionalStream(id StreamID) {
	if s.destroyed || s.dropping || !isUnidirectional(id) {
		return
	}

	if !s.variantBound || len(s.variant.controlStreamTypes()) == 0 && !s.variant.supportsPush() {
		// the connection-close variant has no unidirectional streams
		_ = s.sock.StopSending(id, ErrCodeWrongStream)
		return
	}

	s.dispatcher.takeStream(id)
}

// ---------------------------------------------------------------------------
// dispatcherCallback

func (s *Session) parseStreamPreface(preface uint64) (uniStreamType, bool) {
	return s.variant.parsePreface(preface)
}

func (s *Session) assignReadCallback(id StreamID, typ uniStreamType, consume int) {
	cs := s.registry.findControlByType(typ)
	if cs == nil || !cs.linkIngress(id) {
		s.latchConnectionError(NewConnectionError(ErrCodeWrongStreamCount, "duplicate "+typ.String()+" stream"))
		return
	}

	_ = s.sock.Consume(id, consume)
	_ = s.sock.SetPeekCallback(id, nil)
	_ = s.sock.SetReadCallback(id, cs)
	_ = s.sock.SetControlStream(id)
}

func (s *Session) onNewPushStream(id StreamID, pushID PushID, consume int) {
	if s.direction != Upstream {
		s.latchConnectionError(NewConnectionError(ErrCodeWrongStream, "push stream from a client"))
		return
	}

	if !s.registry.bindPush(pushID, id) {
		s.latchConnectionError(NewConnectionError(ErrCodeGeneralProtocolError, "conflicting push stream binding"))
		return
	}

	_ = s.sock.Consume(id, consume)
	_ = s.sock.SetPeekCallback(id, nil)

	strm := s.registry.findIngressPushByID(pushID)
	if strm == nil {
		// push stream arrived before its promise; park it until then
		strm = s.createIngressPushStream(pushID)
	}

	strm.bindStream(id)
	strm.codec = s.variant.newRequestCodec(s, id)
	strm.codec.SetCallback(strm)
	_ = s.sock.SetReadCallback(id, s.streamReads)
}

func (s *Session) rejectStream(id StreamID) {
	_ = s.sock.StopSending(id, ErrCodeUnknownStreamType)
	_ = s.sock.SetPeekCallback(id, nil)
}

func (s *Session) createIngressPushStream(pushID PushID) *streamTransport {
	strm := newStreamTransport(s, streamKindIngressPush, 0, nil)
	strm.pushID = pushID
	s.registry.insertIngressPush(strm)

	newTransaction(s, strm, nil).SetIdleTimeout(s.transactionTimeout)

	return strm
}

// ---------------------------------------------------------------------------
// push

// onPushPromise handles a PUSH_PROMISE parsed off an upstream request
// stream.
func (s *Session) onPushPromise(parent *streamTransport, pushID PushID, msg *Message) {
	if s.direction != Upstream {
		s.latchConnectionError(NewConnectionError(ErrCodeMalformedPushPromise, "PUSH_PROMISE from a client"))
		return
	}

	strm := s.registry.findIngressPushByID(pushID)
	if strm == nil {
		strm = s.createIngressPushStream(pushID)
	}
	strm.txn.ingressMsg = msg

	if parent.txn != nil {
		if ph, ok := parent.txn.handler.(PushHandler); ok {
			ph.OnPushPromise(strm.txn, msg)
		}
	}
}

// createEgressPush reserves a push id, opens the push stream and emits the
// promise on the parent request stream.
func (s *Session) createEgressPush(parent *Transaction, msg *Message, handler Handler) (*Transaction, error) {
	if s.direction != Downstream || !s.variant.supportsPush() {
		return nil, NewStreamError(ErrCodeInternalError, "push not supported")
	}

	if s.peerMaxPushID == nil || s.nextPushID > *s.peerMaxPushID {
		return nil, NewStreamError(ErrCodeInternalError, "push id limit reached")
	}

	id, err := s.sock.CreateUnidirectionalStream()
	if err != nil {
		return nil, NewStreamError(ErrCodeInternalError, "cannot open push stream")
	}

	pushID := s.nextPushID
	s.nextPushID++

	strm := newStreamTransport(s, streamKindEgressPush, id, s.variant.newRequestCodec(s, id))
	strm.pushID = pushID
	strm.handle = s.queue.Insert(id, PriorityParam{})
	strm.bytesWritten += uint64(strm.codec.GeneratePushPreface(strm.writeBuf, pushID))

	s.registry.insertEgressPush(strm)
	s.registry.bindPush(pushID, id)

	txn := newTransaction(s, strm, handler)
	parent.strm.sendPushPromise(pushID, msg)
	strm.notifyPendingEgress()

	return txn, nil
}

func (s *Session) onCancelPush(pushID PushID) {
	strm := s.registry.findStreamByPushID(pushID)

	if strm != nil && strm.txn != nil {
		strm.txn.onError(NewStreamError(ErrCodeRequestCancelled, "push cancelled"))
	}
}

func (s *Session) onMaxPushID(pushID PushID) {
	if s.peerMaxPushID == nil || pushID > *s.peerMaxPushID {
		s.peerMaxPushID = &pushID
	}
}

// ---------------------------------------------------------------------------
// ingress plumbing

func (s *Session) addPendingRead(strm *streamTransport) {
	if strm.inPendingReads {
		return
	}

	strm.inPendingReads = true
	s.pendingReads = append(s.pendingReads, strm)
	s.scheduleLoopCallback()
}

func (s *Session) addPendingControlRead(cs *controlStream) {
	for _, pending := range s.pendingControlReads {
		if pending == cs {
			return
		}
	}

	s.pendingControlReads = append(s.pendingControlReads, cs)
}

// onFieldSectionUnblocked re-queues request streams whose header sections
// became decodable after encoder stream progress.
func (s *Session) onFieldSectionUnblocked(ids []StreamID) {
	for _, id := range ids {
		if strm := s.registry.findStream(id); strm != nil {
			s.addPendingRead(strm)
		}
	}

	s.scheduleLoopCallback()
}

// onIngressMessage lets the connection-close drain variant observe every
// parsed message head.
func (s *Session) onIngressMessage(_ *streamTransport, msg *Message) {
	if !s.variantBound || !s.variant.usesConnectionCloseDrain() || !msg.WantsClose() {
		return
	}

	switch s.drainState {
	case drainCloseSent:
		s.drainState = drainDone
	case drainNone, drainPending:
		s.drainState = drainCloseReceived
	}

	s.scheduleLoopCallback()
}

func (s *Session) onIngressSettings(st *Settings) {
	st.CopyTo(&s.ingressSettings)

	// the peer's table size caps our encoder
	s.fieldSection.SetMaxTableSize(st.HeaderTableSize())
}

// ---------------------------------------------------------------------------
// drain / goaway

func (s *Session) isDraining() bool {
	return s.drainState != drainNone || s.dropping
}

// Drain asks the session to stop accepting new work and finish what is
// open.
func (s *Session) Drain() {
	s.NotifyPendingShutdown()
}

// NotifyPendingShutdown starts the drain sequence. Idempotent.
func (s *Session) NotifyPendingShutdown() {
	switch s.drainState {
	case drainNone:
		s.drainState = drainPending
	case drainCloseReceived:
		// the peer already sent "Connection: close"; sending ours completes
		// the drain
	default:
		return
	}

	if s.variantBound {
		s.sendGoaway()
	}
}

func (s *Session) sendGoaway() {
	if s.variant.usesConnectionCloseDrain() {
		// drain rides on "Connection: close" in each direction
		s.registry.invokeOnAllStreams(func(strm *streamTransport) {
			if codec, ok := strm.codec.(*h1qCodec); ok {
				codec.ForceClose()
			}
		})

		if s.drainState == drainCloseReceived {
			s.drainState = drainDone
		} else {
			s.drainState = drainCloseSent
		}

		s.scheduleLoopCallback()
		return
	}

	if s.drainState == drainDone {
		return
	}

	typ := streamTypeControl
	if s.variant == VariantV2 {
		typ = streamTypeLegacyControl
	}

	cs := s.registry.findControlByType(typ)
	if cs == nil {
		s.drainState = drainDone
		return
	}

	limit := s.goawayStreamID()
	if !cs.generateGoaway(limit, ErrCodeNoError) {
		// shortcut to shutdown
		s.drainState = drainDone
		return
	}
	s.advertisedMaxStreamID = limit

	if s.debug {
		s.logger.Printf("generated GOAWAY maxStreamID=%d state=%s\n", limit, s.drainState)
	}

	if s.direction == Upstream {
		// clients send at most one GOAWAY
		cs.goawayAckOffset = nil
		s.drainState = drainDone
	} else if s.drainState == drainPending {
		s.drainState = drainFirstGoaway
	} else {
		s.drainState = drainSecondGoaway
	}

	s.scheduleLoopCallback()
}

// goawayStreamID is the limit the next GOAWAY advertises: no cap until the
// first GOAWAY is delivered, then the last accepted incoming stream id.
func (s *Session) goawayStreamID() StreamID {
	if s.drainState == drainNone || s.drainState == drainPending {
		return maxStreamID
	}

	return s.maxIncomingStreamID
}

// onGoawayAck advances the two-GOAWAY sequence when the peer acknowledges
// delivery.
func (s *Session) onGoawayAck() {
	if s.drainState == drainFirstGoaway {
		s.sendGoaway()
	} else if s.drainState == drainSecondGoaway {
		s.drainState = drainDone
	}

	s.scheduleLoopCallback()
}

// onPeerGoaway fails outgoing transactions beyond the advertised limit with
// a retriable error; everything else continues with a notification.
func (s *Session) onPeerGoaway(lastID StreamID, code ErrorCode) {
	if lastID > s.peerMaxAllowedStreamID {
		// a GOAWAY limit may never grow
		s.latchConnectionError(NewConnectionError(ErrCodeGeneralProtocolError, "goaway limit increased"))
		return
	}

	s.peerMaxAllowedStreamID = lastID

	s.registry.invokeOnAllStreams(func(strm *streamTransport) {
		if strm.txn == nil || strm.kind != streamKindRequest {
			return
		}

		if !isPeerInitiated(s.direction, strm.id) && strm.id > lastID {
			strm.txn.onError(NewRetriableError(ErrCodeRequestRejected, "request not processed before goaway"))
			return
		}

		strm.txn.onGoaway(code)
	})

	s.scheduleLoopCallback()
}

// ---------------------------------------------------------------------------
// shutdown

// CloseWhenIdle drains and tears the session down once no stream remains.
// Idempotent.
func (s *Session) CloseWhenIdle() {
	s.NotifyPendingShutdown()
	s.closeWhenIdleLatch = true
	s.scheduleLoopCallback()
}

// DropConnection forcibly closes the connection, erroring every open
// transaction. Idempotent.
func (s *Session) DropConnection() {
	s.dropConnectionWithError(NewConnectionError(ErrCodeNoError, "connection dropped"))
}

func (s *Session) DropConnectionWithError(err Error) {
	s.dropConnectionWithError(err)
}

func (s *Session) dropConnectionWithError(err Error) {
	if s.dropping {
		return
	}
	s.dropping = true
	s.drainState = drainDone

	if s.debug {
		s.logger.Printf("dropping session: %s\n", err.Error())
	}

	s.errorAllTransactions(err)
	s.dispatcher.cleanup()

	if s.sock.Good() {
		_ = s.sock.Close(err.Code(), err.Error())
	}

	s.destroy()
}

func (s *Session) errorAllTransactions(err Error) {
	s.registry.invokeOnAllStreams(func(strm *streamTransport) {
		if strm.txn != nil && !strm.txn.detached {
			strm.txn.onError(err)
		}
	})
}

// latchConnectionError defers a fatal error to the next loop iteration so
// the current upcall stack unwinds first.
func (s *Session) latchConnectionError(err Error) {
	if s.dropInNextLoop != nil || s.dropping || s.destroyed {
		return
	}

	latched := err
	s.dropInNextLoop = &latched
	s.scheduleLoopCallback()
}

func (s *Session) destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true

	stopTimer(s.connIdleTimer)
	s.connIdleTimer = nil

	s.registry.invokeOnAllStreams(func(strm *streamTransport) {
		s.eraseStream(strm)
	})

	if s.destroyCb != nil {
		s.destroyCb()
	}
}

// ---------------------------------------------------------------------------
// loop callback: reads, then field section acks, then control writes, then
// request writes, then erase and shutdown checks

func (s *Session) scheduleLoopCallback() {
	if s.loopScheduled || s.destroyed {
		return
	}

	s.loopScheduled = true
	s.loop.RunInLoop(s.loopCallback)
}

func (s *Session) loopCallback() {
	s.loopScheduled = false
	if s.destroyed {
		return
	}

	if s.dropInNextLoop != nil {
		err := *s.dropInNextLoop
		s.dropInNextLoop = nil
		s.dropConnectionWithError(err)
		return
	}

	s.processPendingReads()

	if s.destroyed || s.dropInNextLoop != nil {
		s.scheduleLoopCallback()
		return
	}

	s.emitFieldSectionData()

	budget := s.connectionWriteBudget()
	budget = s.writeControlStreams(budget)
	s.writeRequestStreams(budget)

	s.eraseEligibleStreams()
	s.checkForShutdown()
}

func (s *Session) processPendingReads() {
	// control bytes first: encoder stream progress can unblock request
	// streams within the same pass
	ctrl := s.pendingControlReads
	s.pendingControlReads = nil
	for _, cs := range ctrl {
		cs.processIngress()
	}

	streams := s.pendingReads
	s.pendingReads = nil
	for _, strm := range streams {
		strm.inPendingReads = false
		strm.processIngress()
	}
}

// emitFieldSectionData moves pending encoder instructions and decoder acks
// onto their control streams.
func (s *Session) emitFieldSectionData() {
	if !s.variantBound || s.variant != VariantHQ {
		return
	}

	if enc := s.fieldSection.TakeEncoderOutput(); len(enc) > 0 {
		if cs := s.registry.findControlByType(streamTypeEncoder); cs != nil {
			cs.bytesWritten += uint64(cs.writeBuf.Append(enc))
		}
	}

	if dec := s.fieldSection.TakeDecoderOutput(); len(dec) > 0 {
		if cs := s.registry.findControlByType(streamTypeDecoder); cs != nil {
			cs.bytesWritten += uint64(cs.writeBuf.Append(dec))
		}
	}
}

func (s *Session) connectionWriteBudget() uint64 {
	budget := s.sock.ConnectionFlowControl().SendWindowAvailable
	if budget > maxWritesPerLoop {
		budget = maxWritesPerLoop
	}

	return budget
}

// writeControlStreams drains control stream write buffers ahead of any
// request traffic: SETTINGS precedes GOAWAY precedes requests, and encoder
// instructions reach the peer promptly.
func (s *Session) writeControlStreams(budget uint64) uint64 {
	if !s.sock.Good() {
		return budget
	}

	for _, cs := range s.registry.allControlStreams() {
		for cs.hasPendingEgress() && budget > 0 {
			take := cs.writeBuf.Len()
			if uint64(take) > budget {
				take = int(budget)
			}

			chunk := cs.writeBuf.TakeFront(take)
			notWritten, err := s.sock.WriteChain(cs.egressID, chunk, false, nil)
			if err != nil {
				s.latchConnectionError(NewConnectionError(ErrCodeClosedCriticalStream, "control stream write failed"))
				return 0
			}

			accepted := take - len(notWritten)
			if len(notWritten) > 0 {
				cs.writeBuf.Prepend(notWritten)
			}

			budget -= uint64(accepted)
			if accepted == 0 {
				break
			}
		}

		if cs.goawayAckOffset != nil && cs.flushedOffset() > *cs.goawayAckOffset {
			offset := *cs.goawayAckOffset
			cs.goawayAckOffset = nil

			if s.sock.RegisterDeliveryCallback(cs.egressID, offset, cs) == nil {
				cs.deliveryCallbacks++
			} else {
				// shortcut to shutdown
				s.drainState = drainDone
			}
		}
	}

	return budget
}

// writeRequestStreams visits pending streams in priority order and writes
// up to min(stream window, remaining budget) each.
func (s *Session) writeRequestStreams(budget uint64) {
	if budget == 0 || !s.sock.Good() {
		return
	}

	s.queue.NextEgress(func(id StreamID, ratio float64) bool {
		strm := s.registry.findStream(id)
		if strm == nil || !strm.bound {
			return true
		}

		fc, err := s.sock.StreamFlowControl(strm.id)
		if err != nil {
			return true
		}

		canSend := fc.SendWindowAvailable
		if canSend > budget {
			canSend = budget
		}

		if canSend == 0 {
			// flow-control blocked: stay enqueued, pause the sender
			strm.pauseTransactionEgress()
			return true
		}

		take := strm.writeBuf.Len()
		if uint64(take) > canSend {
			take = int(canSend)
		}

		fin := strm.pendingEOM && !strm.finSent && take == strm.writeBuf.Len()

		chunk := strm.writeBuf.TakeFront(take)
		notWritten, werr := s.sock.WriteChain(strm.id, chunk, fin, nil)
		if werr != nil {
			strm.onStopSending(ErrCodeInternalError)
			return true
		}

		accepted := take - len(notWritten)
		if len(notWritten) > 0 {
			strm.writeBuf.Prepend(notWritten)
			fin = false
		}

		budget -= uint64(accepted)

		if accepted > 0 || fin {
			s.onStreamBytesFlushed(strm, fin)
		}

		if !strm.hasPendingEgress() {
			s.queue.ClearPendingEgress(strm.handle)
			strm.resumeTransactionEgress()
		} else {
			strm.pauseTransactionEgress()
		}

		return budget > 0
	})
}

// onStreamBytesFlushed arms byte events and delivery callbacks for the
// bytes that just reached the transport.
func (s *Session) onStreamBytesFlushed(strm *streamTransport, finFlushed bool) {
	flushed := strm.bytesWritten - uint64(strm.writeBuf.Len())

	if strm.firstByteArmed {
		strm.firstByteArmed = false
		if strm.txn != nil {
			strm.txn.onFirstByteFlushed()
		}
	}

	if strm.egressHeadersAckOffset != nil && flushed > *strm.egressHeadersAckOffset {
		offset := *strm.egressHeadersAckOffset
		strm.egressHeadersAckOffset = nil

		if s.sock.RegisterDeliveryCallback(strm.id, offset, strm) == nil {
			strm.numActiveDeliveryCallbacks++
			strm.headersAckedOffset = &offset
			if strm.txn != nil {
				strm.txn.armByteEvent()
			}
		}
	}

	if finFlushed {
		strm.finSent = true

		if strm.bytesWritten > 0 {
			offset := strm.bytesWritten - 1
			if s.sock.RegisterDeliveryCallback(strm.id, offset, strm) == nil {
				strm.numActiveDeliveryCallbacks++
				strm.finAckOffset = &offset
				if strm.txn != nil {
					strm.txn.armByteEvent()
				}
			}
		}

		if strm.txn != nil {
			strm.txn.onLastByteFlushed()
		}
	}
}

func (strm *streamTransport) pauseTransactionEgress() {
	if strm.txn != nil {
		strm.txn.egressPaused = true
	}
}

func (strm *streamTransport) resumeTransactionEgress() {
	if strm.txn != nil {
		strm.txn.egressPaused = false
	}
}

func (s *Session) signalPendingEgress(strm *streamTransport) {
	if strm.handle != nil {
		s.queue.SignalPendingEgress(strm.handle)
	}

	s.scheduleLoopCallback()
}

func (s *Session) clearPendingEgress(strm *streamTransport) {
	if strm.handle != nil {
		s.queue.ClearPendingEgress(strm.handle)
	}
}

func (s *Session) updatePriority(strm *streamTransport, pri PriorityParam) {
	if strm.handle != nil {
		s.queue.UpdatePriority(strm.handle, pri)
	}
}

// ---------------------------------------------------------------------------
// erase / shutdown checks

func (s *Session) eraseEligibleStreams() {
	s.registry.invokeOnAllStreams(func(strm *streamTransport) {
		if strm.eligibleForErase() {
			s.eraseStream(strm)
		}
	})
}

func (s *Session) eraseStream(strm *streamTransport) {
	if s.sock.Good() && strm.bound {
		_ = s.sock.SetReadCallback(strm.id, nil)
		_ = s.sock.SetPeekCallback(strm.id, nil)
	}

	if strm.handle != nil {
		s.queue.Remove(strm.handle)
	}

	if s.registry.eraseStream(strm) {
		releaseStreamTransport(strm)
	}
}

func (s *Session) onTransactionDetached() {
	s.scheduleLoopCallback()
}

func (s *Session) checkForShutdown() {
	if s.destroyed {
		return
	}

	streams := s.registry.numberOfStreams()

	if (s.drainState == drainDone || s.closeWhenIdleLatch) && streams == 0 {
		s.dispatcher.cleanup()
		if s.sock.Good() {
			_ = s.sock.Close(ErrCodeNoError, "")
		}

		s.destroy()
		return
	}

	// the idle-connection timeout is suppressed while work is in flight
	if streams == 0 && s.connectionIdleTimeout > 0 && s.connIdleTimer == nil {
		s.connIdleTimer = s.loop.RunAfterDelay(s.connectionIdleTimeout, s.onConnectionIdle)
	}
}

func (s *Session) onConnectionIdle() {
	if s.destroyed || s.registry.numberOfStreams() != 0 {
		return
	}

	if s.debug {
		s.logger.Printf("connection idle, closing\n")
	}

	s.CloseWhenIdle()
}

// ---------------------------------------------------------------------------
// remaining transport upcalls

func (s *Session) OnFlowControlUpdate(id StreamID) {
	if strm := s.registry.findStream(id); strm != nil && strm.hasPendingEgress() {
		s.signalPendingEgress(strm)
	}

	s.scheduleLoopCallback()
}

func (s *Session) OnConnectionWriteReady(uint64) {
	s.scheduleLoopCallback()
}

func (s *Session) OnConnectionWriteError(code ErrorCode) {
	s.latchConnectionError(NewConnectionError(code, "connection write error"))
}

func (s *Session) OnStopSending(id StreamID, code ErrorCode) {
	if cs := s.registry.findControlByStreamID(id); cs != nil {
		s.latchConnectionError(NewConnectionError(ErrCodeClosedCriticalStream, "stop sending on control stream"))
		return
	}

	if strm := s.registry.findStream(id); strm != nil {
		strm.onStopSending(code)
	}
}

func (s *Session) OnConnectionEnd() {
	if s.destroyed {
		return
	}

	s.errorAllTransactions(NewConnectionError(ErrCodeNoError, "connection ended"))
	s.drainState = drainDone
	s.destroy()
}

func (s *Session) OnConnectionError(code ErrorCode, msg string) {
	if s.destroyed {
		return
	}

	s.errorAllTransactions(NewConnectionError(code, msg))
	s.drainState = drainDone
	s.destroy()
}

func (s *Session) OnDataExpired(id StreamID, offset uint64) {
	if strm := s.registry.findStream(id); strm != nil {
		strm.onDataExpired(offset)
	}
}

func (s *Session) OnDataRejected(id StreamID, offset uint64) {
	if strm := s.registry.findStream(id); strm != nil {
		strm.onDataRejected(offset)
	}
}

// ---------------------------------------------------------------------------
// public API

// NewTransaction opens a local request stream with the given handler. It
// returns nil when the session is draining, dropping or past the peer's
// GOAWAY limit.
func (s *Session) NewTransaction(handler Handler) *Transaction {
	if !s.variantBound || s.isDraining() || s.destroyed || !s.sock.Good() {
		return nil
	}

	id, err := s.sock.CreateBidirectionalStream()
	if err != nil {
		return nil
	}

	if id > s.peerMaxAllowedStreamID {
		_ = s.sock.ResetStream(id, ErrCodeRequestCancelled)
		return nil
	}

	strm := s.createRequestStream(id)
	txn := newTransaction(s, strm, handler)
	txn.SetIdleTimeout(s.transactionTimeout)

	stopTimer(s.connIdleTimer)
	s.connIdleTimer = nil

	return txn
}

// SetEgressSettings replaces the settings advertised on the control stream.
// Only effective before the transport is ready.
func (s *Session) SetEgressSettings(st *Settings) {
	if s.variantBound {
		return
	}

	st.CopyTo(&s.egressSettings)
	s.fieldSection.SetMaxBlocked(s.egressSettings.BlockedStreams())
}

// SendSettings serializes a SETTINGS frame on the control stream.
func (s *Session) SendSettings() error {
	if !s.variantBound || !s.variant.sendsSettings() {
		return NewStreamError(ErrCodeInternalError, "variant has no SETTINGS")
	}

	cs := s.registry.findControlByType(streamTypeControl)
	if cs == nil {
		return NewStreamError(ErrCodeInternalError, "no control stream")
	}

	cs.generateSettings(&s.egressSettings)
	s.scheduleLoopCallback()

	return nil
}

// SetFlowControl updates the connection and default stream receive windows.
func (s *Session) SetFlowControl(connWindow, streamWindow uint64) {
	s.streamFlowControlWindow = streamWindow
	_ = s.sock.SetConnectionFlowControlWindow(connWindow)

	s.registry.invokeOnAllStreams(func(strm *streamTransport) {
		if strm.bound {
			_ = s.sock.SetStreamFlowControlWindow(strm.id, streamWindow)
		}
	})
}

func (s *Session) SendPing() error {
	return s.sock.SendPing()
}

func (s *Session) Direction() Direction {
	return s.direction
}

// CodecProtocol names the bound variant, or "" before transport-ready.
func (s *Session) CodecProtocol() string {
	if !s.variantBound {
		return ""
	}

	return s.variant.String()
}

func (s *Session) LocalAddress() string {
	if addr := s.sock.LocalAddr(); addr != nil {
		return addr.String()
	}

	return ""
}

func (s *Session) PeerAddress() string {
	if addr := s.sock.RemoteAddr(); addr != nil {
		return addr.String()
	}

	return ""
}

func (s *Session) TransportInfo() TransportInfo {
	return s.sock.TransportInfo()
}

func (s *Session) NumberOfStreams() int {
	return s.registry.numberOfStreams()
}

func (s *Session) NumberOfIngressStreams() int {
	return s.registry.numberOfIngressStreams()
}

func (s *Session) NumberOfEgressStreams() int {
	return s.registry.numberOfEgressStreams()
}

func (s *Session) NumberOfPushStreams() int {
	return s.registry.numberOfPushStreams()
}

func (s *Session) partialReliabilityEnabled() bool {
	return s.variantBound && s.variant.supportsPartialReliability() &&
		s.egressSettings.PartialReliability() && s.ingressSettings.PartialReliability()
}
