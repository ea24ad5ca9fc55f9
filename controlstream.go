package hq

import (
	"golang.org/x/net/http2/hpack"

	"github.com/countingdata/hq/hqutils"
)

// controlStream pairs a locally created egress unidirectional stream with
// the matching peer stream of the same type, linked later when its preface
// arrives. Any failure on either half is fatal to the connection.
type controlStream struct {
	sess *Session
	typ  uniStreamType

	egressID  StreamID
	ingressID *StreamID

	// ingressCodec parses peer control frames; nil for the encoder and
	// decoder streams, whose bytes feed the field section codec directly.
	ingressCodec StreamCodec

	readBuf  *streamBuf
	writeBuf *streamBuf

	// bytesWritten is the egress write offset including buffered bytes.
	bytesWritten uint64

	// goawayAckOffset is armed when a GOAWAY is generated; its delivery
	// ack drives the two-GOAWAY drain sequence.
	goawayAckOffset *uint64

	deliveryCallbacks int
}

func newControlStream(sess *Session, typ uniStreamType, egressID StreamID) *controlStream {
	cs := &controlStream{
		sess:     sess,
		typ:      typ,
		egressID: egressID,
		readBuf:  acquireStreamBuf(),
		writeBuf: acquireStreamBuf(),
	}

	// every egress unidirectional stream starts with its type preface
	cs.bytesWritten += uint64(cs.writeBuf.Append(hqutils.AppendVarint(nil, uint64(typ))))

	return cs
}

// linkIngress binds the peer's stream of this type. At most one per type is
// allowed.
func (cs *controlStream) linkIngress(id StreamID) bool {
	if cs.ingressID != nil {
		return false
	}

	cs.ingressID = &id
	return true
}

func (cs *controlStream) generateSettings(st *Settings) {
	if cs.ingressCodecOrEgress() == nil {
		return
	}

	cs.bytesWritten += uint64(cs.ingressCodecOrEgress().GenerateSettings(cs.writeBuf, st))
}

// generateGoaway serializes a GOAWAY and arms its delivery ack at the
// offset of its last byte.
func (cs *controlStream) generateGoaway(lastID StreamID, code ErrorCode) bool {
	codec := cs.ingressCodecOrEgress()
	if codec == nil {
		return false
	}

	n := codec.GenerateGoaway(cs.writeBuf, lastID, code)
	if n == 0 {
		return false
	}

	cs.bytesWritten += uint64(n)
	offset := cs.bytesWritten - 1
	cs.goawayAckOffset = &offset

	return true
}

// ingressCodecOrEgress returns the codec used for both parse and generate.
// The egress side exists before the ingress stream is linked, so the codec
// is created eagerly for control-type streams.
func (cs *controlStream) ingressCodecOrEgress() StreamCodec {
	return cs.ingressCodec
}

func (cs *controlStream) hasPendingEgress() bool {
	return !cs.writeBuf.Empty()
}

func (cs *controlStream) flushedOffset() uint64 {
	return cs.bytesWritten - uint64(cs.writeBuf.Len())
}

// ---------------------------------------------------------------------------
// ReadCallback for the linked ingress stream

func (cs *controlStream) ReadAvailable(id StreamID) {
	data, eof, err := cs.sess.sock.Read(id, 1<<16)
	if err != nil {
		cs.sess.latchConnectionError(NewConnectionError(ErrCodeClosedCriticalStream, "control stream read failed"))
		return
	}

	cs.readBuf.Append(data)
	cs.sess.addPendingControlRead(cs)

	if eof {
		// EOF on a control stream is never clean
		cs.sess.latchConnectionError(NewConnectionError(ErrCodeClosedCriticalStream, "control stream closed"))
	}

	cs.sess.scheduleLoopCallback()
}

func (cs *controlStream) ReadError(id StreamID, code ErrorCode) {
	if code == ErrCodeNoError {
		return
	}

	cs.sess.latchConnectionError(NewConnectionError(ErrCodeClosedCriticalStream, "control stream reset"))
}

// processIngress feeds buffered control bytes to their consumer.
func (cs *controlStream) processIngress() {
	if cs.readBuf.Empty() {
		return
	}

	switch cs.typ {
	case streamTypeEncoder:
		consumed, err := cs.sess.fieldSection.FeedEncoderStream(cs.readBuf.Bytes())
		if err != nil {
			cs.sess.latchConnectionError(toError(err))
			return
		}
		cs.readBuf.DropFront(consumed)

	case streamTypeDecoder:
		consumed, err := cs.sess.fieldSection.FeedDecoderStream(cs.readBuf.Bytes())
		if err != nil {
			cs.sess.latchConnectionError(toError(err))
			return
		}
		cs.readBuf.DropFront(consumed)

	default:
		if cs.ingressCodec == nil {
			return
		}

		cs.ingressCodec.SetCallback(cs)
		consumed := cs.ingressCodec.OnIngress(cs.readBuf.Bytes())
		cs.ingressCodec.SetCallback(nil)

		cs.readBuf.DropFront(consumed)
	}
}

// ---------------------------------------------------------------------------
// CodecCallback: control frames route to the session

func (cs *controlStream) OnMessageBegin(StreamID)                          {}
func (cs *controlStream) OnHeadersComplete(StreamID, *Message)             {}
func (cs *controlStream) OnBody(StreamID, []byte)                          {}
func (cs *controlStream) OnTrailersComplete(StreamID, []hpack.HeaderField) {}
func (cs *controlStream) OnMessageComplete(StreamID)                       {}
func (cs *controlStream) OnPushPromise(StreamID, PushID, *Message)         {}

func (cs *controlStream) OnSettings(st *Settings) {
	cs.sess.onIngressSettings(st)
}

func (cs *controlStream) OnGoaway(lastID StreamID, code ErrorCode) {
	cs.sess.onPeerGoaway(lastID, code)
}

func (cs *controlStream) OnCancelPush(pushID PushID) {
	cs.sess.onCancelPush(pushID)
}

func (cs *controlStream) OnMaxPushID(pushID PushID) {
	cs.sess.onMaxPushID(pushID)
}

func (cs *controlStream) OnCodecError(_ StreamID, err Error) {
	cs.sess.latchConnectionError(NewConnectionError(ErrCodeClosedCriticalStream, err.Error()))
}

// ---------------------------------------------------------------------------
// DeliveryCallback: GOAWAY acks drive the drain sequence

func (cs *controlStream) OnDeliveryAck(StreamID, uint64) {
	cs.deliveryCallbacks--
	cs.sess.onGoawayAck()
}

func (cs *controlStream) OnCanceled(StreamID, uint64) {
	// accelerate draining; there is nothing left to wait for
	cs.deliveryCallbacks--
	cs.sess.drainState = drainDone
	cs.sess.scheduleLoopCallback()
}
