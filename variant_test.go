package hq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVariantForALPN(t *testing.T) {
	v, ok := variantForALPN("h3")
	require.True(t, ok)
	require.Equal(t, VariantHQ, v)

	v, ok = variantForALPN("h1q-fb")
	require.True(t, ok)
	require.Equal(t, VariantV1, v)

	v, ok = variantForALPN("h1q-fb-v2")
	require.True(t, ok)
	require.Equal(t, VariantV2, v)

	_, ok = variantForALPN("http/1.1")
	require.False(t, ok)
}

func TestVariantPrefaceParsing(t *testing.T) {
	for _, typ := range []uniStreamType{streamTypeControl, streamTypePush, streamTypeEncoder, streamTypeDecoder} {
		got, ok := VariantHQ.parsePreface(uint64(typ))
		require.True(t, ok)
		require.Equal(t, typ, got)
	}

	_, ok := VariantHQ.parsePreface(uint64(streamTypeLegacyControl))
	require.False(t, ok)
	_, ok = VariantHQ.parsePreface(uint64(greaseStreamBase))
	require.False(t, ok)

	got, ok := VariantV2.parsePreface(uint64(streamTypeLegacyControl))
	require.True(t, ok)
	require.Equal(t, streamTypeLegacyControl, got)
	_, ok = VariantV2.parsePreface(uint64(streamTypeControl))
	require.False(t, ok)

	_, ok = VariantV1.parsePreface(uint64(streamTypeControl))
	require.False(t, ok)
}

func newV1Downstream() (*Session, *mockSocket, *EventLoop, *[]*testHandler) {
	mock := newMockSocket(Downstream, "h1q-fb")
	loop := NewEventLoop(newFakeClock())

	handlers := &[]*testHandler{}
	sess := NewDownstreamSession(loop, mock, func(txn *Transaction, msg *Message) Handler {
		h := &testHandler{}
		*handlers = append(*handlers, h)
		return h
	}, Config{})

	mock.handshake()
	loop.Run()

	return sess, mock, loop, handlers
}

func TestV1RoundTrip(t *testing.T) {
	sess, mock, loop, handlers := newV1Downstream()

	mock.peerOpenBidi(0)
	mock.deliverData(0, []byte("GET /v1 HTTP/1.1\r\nHost: a\r\n\r\n"), true)
	loop.Run()

	require.Len(t, *handlers, 1)
	h := (*handlers)[0]
	require.Equal(t, "/v1", h.headers[0].Path)
	require.Equal(t, 1, h.eomCount)

	reply200(h, 20)
	loop.Run()

	strm := mock.stream(0)
	require.Contains(t, string(strm.written), "HTTP/1.1 200 OK")
	require.True(t, strm.finReceived)

	mock.ackDeliveries(0)
	loop.Run()
	require.True(t, h.detached)
	require.Equal(t, 0, sess.NumberOfStreams())
}

func TestV1RejectsUnidirectionalStreams(t *testing.T) {
	_, mock, loop, _ := newV1Downstream()

	mock.peerOpenUni(2)
	loop.Run()

	require.NotNil(t, mock.stream(2).stopSendingSent)
}

func TestV1ConnectionCloseDrain(t *testing.T) {
	sess, mock, loop, handlers := newV1Downstream()

	mock.peerOpenBidi(0)
	mock.deliverData(0, []byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n"), true)
	loop.Run()
	require.Len(t, *handlers, 1)

	sess.NotifyPendingShutdown()
	require.Equal(t, drainCloseSent, sess.drainState)

	// the drained response carries the close header
	reply200((*handlers)[0], 5)
	loop.Run()
	require.Contains(t, string(mock.stream(0).written), "Connection: close")

	// a new request announcing close completes the handshake
	mock.peerOpenBidi(4)
	mock.deliverData(4, []byte("GET /bye HTTP/1.1\r\nHost: a\r\nConnection: close\r\n\r\n"), true)
	loop.Run()

	require.Equal(t, drainDone, sess.drainState)
}

func TestV1CloseReceivedBeforeDrain(t *testing.T) {
	sess, mock, loop, _ := newV1Downstream()

	mock.peerOpenBidi(0)
	mock.deliverData(0, []byte("GET / HTTP/1.1\r\nHost: a\r\nConnection: close\r\n\r\n"), true)
	loop.Run()
	require.Equal(t, drainCloseReceived, sess.drainState)

	sess.NotifyPendingShutdown()
	require.Equal(t, drainDone, sess.drainState)
}

func TestV2LegacyControlGoaway(t *testing.T) {
	mock := newMockSocket(Downstream, "h1q-fb-v2")
	loop := NewEventLoop(newFakeClock())

	handlers := &[]*testHandler{}
	sess := NewDownstreamSession(loop, mock, func(txn *Transaction, msg *Message) Handler {
		h := &testHandler{}
		*handlers = append(*handlers, h)
		return h
	}, Config{})

	mock.handshake()
	loop.Run()
	require.Equal(t, "h1q-fb-v2", sess.CodecProtocol())

	// one legacy control stream, no SETTINGS on it
	ctrl := mock.stream(3)
	require.NotEmpty(t, ctrl.written)
	frames := parseWrittenFrames(ctrl.written)
	require.Empty(t, frames)

	// requests still speak HTTP/1.1
	mock.peerOpenBidi(0)
	mock.deliverData(0, []byte("GET /v2 HTTP/1.1\r\nHost: a\r\n\r\n"), true)
	loop.Run()
	require.Len(t, *handlers, 1)

	sess.CloseWhenIdle()
	loop.Run()

	goaways := goawayValues(parseWrittenFrames(ctrl.written))
	require.Equal(t, []uint64{uint64(maxStreamID)}, goaways)

	mock.ackDeliveries(3)
	loop.Run()

	goaways = goawayValues(parseWrittenFrames(ctrl.written))
	require.Equal(t, []uint64{uint64(maxStreamID), 0}, goaways)
}

func TestDrainStateIsMonotone(t *testing.T) {
	sess, mock, loop, handlers := newTestDownstream(Config{})
	p := openHQPeer(mock, Downstream, nil)
	loop.Run()

	p.sendRequest(0, simpleGET("/"), nil, true)
	loop.Run()
	require.Len(t, *handlers, 1)

	states := []drainState{sess.drainState}
	record := func() {
		if sess.drainState != states[len(states)-1] {
			states = append(states, sess.drainState)
		}
	}

	sess.NotifyPendingShutdown()
	record()
	loop.Run()
	record()
	mock.ackDeliveries(3)
	record()
	loop.Run()
	record()
	mock.ackDeliveries(3)
	record()

	for i := 1; i < len(states); i++ {
		require.Greater(t, states[i], states[i-1])
	}
	require.Equal(t, drainDone, states[len(states)-1])
}

func TestVariantGreaseDetection(t *testing.T) {
	require.True(t, isGreaseStreamType(greaseStreamBase))
	require.True(t, isGreaseStreamType(greaseStreamBase+greaseStreamStep*5))
	require.False(t, isGreaseStreamType(streamTypeControl))
	require.False(t, isGreaseStreamType(greaseStreamBase+1))
}
