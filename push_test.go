package hq

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/countingdata/hq/hqutils"
)

func TestEgressPushRoundTrip(t *testing.T) {
	sess, mock, loop, handlers := newTestDownstream(Config{})
	p := openHQPeer(mock, Downstream, nil)
	p.maxPushID(10)
	loop.Run()

	p.sendRequest(0, simpleGET("/page"), nil, true)
	loop.Run()
	require.Len(t, *handlers, 1)
	parent := (*handlers)[0]

	pushHandler := &testHandler{}
	promised := simpleGET("/style.css")

	pushTxn, err := parent.txn.SendPushPromise(promised, pushHandler)
	require.NoError(t, err)
	require.NotNil(t, pushTxn)
	require.True(t, pushTxn.IsPush())

	pushTxn.SendHeaders(&Message{Status: 200})
	pushTxn.SendBody([]byte("body{}"))
	pushTxn.SendEOM()
	loop.Run()

	// the promise went out on the request stream
	frames := parseWrittenFramesNoPreface(mock.stream(0).written)
	var promiseSeen bool
	for _, fr := range frames {
		if fr.typ == framePushPromise {
			pushID, _, err := hqutils.ReadVarint(fr.payload)
			require.NoError(t, err)
			require.EqualValues(t, 0, pushID)
			promiseSeen = true
		}
	}
	require.True(t, promiseSeen)

	// the push stream starts with the push preface, then the response.
	// local unidirectional ids: control 3, encoder 7, decoder 11,
	// grease 15, push 19.
	pushStream := mock.stream(19)
	require.NotEmpty(t, pushStream.written)

	typ, n, err := hqutils.ReadVarint(pushStream.written)
	require.NoError(t, err)
	require.EqualValues(t, streamTypePush, typ)

	pushID, _, err := hqutils.ReadVarint(pushStream.written[n:])
	require.NoError(t, err)
	require.EqualValues(t, 0, pushID)
	require.True(t, pushStream.finReceived)
	require.Equal(t, 1, sess.NumberOfPushStreams())

	// acks release the push transaction
	mock.ackDeliveries(19)
	loop.Run()
	require.True(t, pushHandler.detached)
	require.Equal(t, 0, sess.NumberOfPushStreams())
}

func TestEgressPushRequiresMaxPushID(t *testing.T) {
	_, mock, loop, handlers := newTestDownstream(Config{})
	p := openHQPeer(mock, Downstream, nil)
	loop.Run()

	p.sendRequest(0, simpleGET("/"), nil, true)
	loop.Run()
	require.Len(t, *handlers, 1)

	_, err := (*handlers)[0].txn.SendPushPromise(simpleGET("/x"), &testHandler{})
	require.Error(t, err)
}

func TestIngressPushBinding(t *testing.T) {
	mock := newMockSocket(Upstream, "h3")
	loop := NewEventLoop(newFakeClock())
	sess := NewUpstreamSession(loop, mock, Config{})
	mock.handshake()
	loop.Run()

	p := openHQPeer(mock, Upstream, nil)
	loop.Run()

	h := &pushAwareHandler{}
	txn := sess.NewTransaction(h)
	require.NotNil(t, txn)
	txn.SendHeaders(simpleGET("/page"))
	txn.SendEOM()
	loop.Run()

	// the server promises a push on the request stream
	promise := simpleGET("/style.css")
	section := p.fs.EncodeFieldSection(messageToFields(promise))
	mock.deliverData(p.encoderID, p.fs.TakeEncoderOutput(), false)

	payload := hqutils.AppendVarint(nil, 7) // push id
	payload = append(payload, section...)
	frame := hqutils.AppendVarint(nil, framePushPromise)
	frame = hqutils.AppendVarint(frame, uint64(len(payload)))
	frame = append(frame, payload...)

	mock.deliverData(0, frame, false)
	loop.Run()

	require.Len(t, h.promises, 1)
	require.Equal(t, "/style.css", h.promises[0].Path)
	require.NotNil(t, h.pushTxn)
	require.Equal(t, 1, sess.NumberOfPushStreams())

	// the push stream arrives, carrying the same push id
	pushHandler := &testHandler{}
	h.pushTxn.SetHandler(pushHandler)

	resp := &Message{Status: 200}
	respFrame, respEnc := p.encodeHeaders(resp)
	if len(respEnc) > 0 {
		mock.deliverData(p.encoderID, respEnc, false)
	}

	preface := hqutils.AppendVarint(nil, uint64(streamTypePush))
	preface = hqutils.AppendVarint(preface, 7)

	mock.peerOpenUni(15)
	mock.deliverData(15, preface, false)
	mock.deliverData(15, append(respFrame, dataFrame([]byte("css"))...), true)
	loop.Run()

	require.Len(t, pushHandler.headers, 1)
	require.Equal(t, 200, pushHandler.headers[0].Status)
	require.Equal(t, "css", string(pushHandler.body))
	require.Equal(t, 1, pushHandler.eomCount)
}

func TestIngressPushStreamBeforePromise(t *testing.T) {
	mock := newMockSocket(Upstream, "h3")
	loop := NewEventLoop(newFakeClock())
	sess := NewUpstreamSession(loop, mock, Config{})
	mock.handshake()
	loop.Run()

	openHQPeer(mock, Upstream, nil)
	loop.Run()

	// out-of-order delivery: the push stream beats the promise
	preface := hqutils.AppendVarint(nil, uint64(streamTypePush))
	preface = hqutils.AppendVarint(preface, 3)

	mock.peerOpenUni(15)
	mock.deliverData(15, preface, false)
	loop.Run()

	require.Equal(t, 1, sess.NumberOfPushStreams())

	strm := sess.registry.findStreamByPushID(3)
	require.NotNil(t, strm)
	require.True(t, strm.bound)
	require.Same(t, strm, sess.registry.findStream(15))
}

type pushAwareHandler struct {
	testHandler

	promises []*Message
	pushTxn  *Transaction
}

func (h *pushAwareHandler) OnPushPromise(pushTxn *Transaction, msg *Message) {
	h.promises = append(h.promises, msg)
	h.pushTxn = pushTxn
}
