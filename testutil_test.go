package hq

import (
	"sync"
	"time"

	"golang.org/x/net/http2/hpack"

	"github.com/countingdata/hq/hqutils"
)

// ---------------------------------------------------------------------------
// deterministic clock

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clock: c, when: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)

	return t
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	t := &fakeTimer{clock: c, ch: make(chan time.Time, 1)}

	c.mu.Lock()
	t.when = c.now.Add(d)
	c.timers = append(c.timers, t)
	c.mu.Unlock()

	return t
}

// advance moves time forward and fires every timer that came due.
func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)

	var due []*fakeTimer
	remaining := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.when.After(c.now) {
			t.stopped = true
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
	now := c.now
	c.mu.Unlock()

	for _, t := range due {
		if t.fn != nil {
			t.fn()
		} else if t.ch != nil {
			t.ch <- now
		}
	}
}

type fakeTimer struct {
	clock   *fakeClock
	when    time.Time
	fn      func()
	ch      chan time.Time
	stopped bool
}

func (t *fakeTimer) C() <-chan time.Time {
	return t.ch
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	was := !t.stopped
	t.stopped = true

	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	was := !t.stopped
	t.stopped = false
	t.when = t.clock.now.Add(d)

	for _, existing := range t.clock.timers {
		if existing == t {
			return was
		}
	}
	t.clock.timers = append(t.clock.timers, t)

	return was
}

// ---------------------------------------------------------------------------
// scripted transaction handler

type testHandler struct {
	txn *Transaction

	headers  []*Message
	body     []byte
	trailers [][]hpack.HeaderField

	eomCount int
	errs     []Error
	detached bool
	goaways  int

	firstByteFlushed int
	lastByteFlushed  int
	lastByteAcked    int
	headerByteAcked  int

	// onHeaders and onEOM script the handler's replies
	onHeaders func(h *testHandler, msg *Message)
	onEOM     func(h *testHandler)
}

func (h *testHandler) SetTransaction(txn *Transaction) {
	h.txn = txn
}

func (h *testHandler) OnHeadersComplete(msg *Message) {
	h.headers = append(h.headers, msg)

	if h.onHeaders != nil {
		h.onHeaders(h, msg)
	}
}

func (h *testHandler) OnBody(data []byte) {
	h.body = append(h.body, data...)
}

func (h *testHandler) OnTrailers(trailers []hpack.HeaderField) {
	h.trailers = append(h.trailers, trailers)
}

func (h *testHandler) OnEOM() {
	h.eomCount++

	if h.onEOM != nil {
		h.onEOM(h)
	}
}

func (h *testHandler) OnError(err Error) {
	h.errs = append(h.errs, err)
}

func (h *testHandler) OnDetachTransaction() {
	h.detached = true
}

func (h *testHandler) OnGoaway(ErrorCode) {
	h.goaways++
}

func (h *testHandler) OnFirstByteFlushed() {
	h.firstByteFlushed++
}

func (h *testHandler) OnLastByteFlushed() {
	h.lastByteFlushed++
}

func (h *testHandler) OnLastByteAcked() {
	h.lastByteAcked++
}

func (h *testHandler) OnLastEgressHeaderByteAcked() {
	h.headerByteAcked++
}

type testController struct {
	timeoutHandlers []*testHandler
}

func (c *testController) GetTimeoutHandler(*Transaction, *Message) Handler {
	h := &testHandler{}
	c.timeoutHandlers = append(c.timeoutHandlers, h)

	return h
}

// ---------------------------------------------------------------------------
// scripted peer

// testPeer plays the remote endpoint of an HQ session: it owns the peer's
// field section state and the peer-initiated control plane.
type testPeer struct {
	fs   *fieldSectionCodec
	mock *mockSocket

	controlID StreamID
	encoderID StreamID
	decoderID StreamID
}

// openHQPeer opens the peer's control, encoder and decoder streams against
// a session of the given direction.
func openHQPeer(mock *mockSocket, sessDir Direction, settings *Settings) *testPeer {
	base := StreamID(2) // client unidirectional ids against a downstream session
	if sessDir == Upstream {
		base = 3
	}

	p := &testPeer{
		fs:        newFieldSectionCodec(),
		mock:      mock,
		controlID: base,
		encoderID: base + 4,
		decoderID: base + 8,
	}

	if settings == nil {
		settings = &Settings{}
		settings.Reset()
	}

	payload := settings.appendWire(nil)

	control := hqutils.AppendVarint(nil, uint64(streamTypeControl))
	control = hqutils.AppendVarint(control, frameSettings)
	control = hqutils.AppendVarint(control, uint64(len(payload)))
	control = append(control, payload...)

	mock.peerOpenUni(p.controlID)
	mock.deliverData(p.controlID, control, false)

	mock.peerOpenUni(p.encoderID)
	mock.deliverData(p.encoderID, hqutils.AppendVarint(nil, uint64(streamTypeEncoder)), false)

	mock.peerOpenUni(p.decoderID)
	mock.deliverData(p.decoderID, hqutils.AppendVarint(nil, uint64(streamTypeDecoder)), false)

	return p
}

// goaway sends a GOAWAY on the peer control stream.
func (p *testPeer) goaway(lastID StreamID) {
	payload := hqutils.AppendVarint(nil, lastID)
	frame := hqutils.AppendVarint(nil, frameGoaway)
	frame = hqutils.AppendVarint(frame, uint64(len(payload)))
	frame = append(frame, payload...)

	p.mock.deliverData(p.controlID, frame, false)
}

// maxPushID raises the push id limit on the peer control stream.
func (p *testPeer) maxPushID(id PushID) {
	payload := hqutils.AppendVarint(nil, id)
	frame := hqutils.AppendVarint(nil, frameMaxPushID)
	frame = hqutils.AppendVarint(frame, uint64(len(payload)))
	frame = append(frame, payload...)

	p.mock.deliverData(p.controlID, frame, false)
}

// encodeHeaders builds a HEADERS frame and returns it together with the
// encoder stream bytes it depends on.
func (p *testPeer) encodeHeaders(msg *Message) (frame, encoderBytes []byte) {
	section := p.fs.EncodeFieldSection(messageToFields(msg))
	encoderBytes = p.fs.TakeEncoderOutput()

	frame = hqutils.AppendVarint(nil, frameHeaders)
	frame = hqutils.AppendVarint(frame, uint64(len(section)))
	frame = append(frame, section...)

	return frame, encoderBytes
}

func dataFrame(body []byte) []byte {
	frame := hqutils.AppendVarint(nil, frameData)
	frame = hqutils.AppendVarint(frame, uint64(len(body)))

	return append(frame, body...)
}

// sendRequest delivers a complete request: encoder bytes first, then the
// HEADERS (and optional DATA) on the request stream.
func (p *testPeer) sendRequest(id StreamID, msg *Message, body []byte, eof bool) {
	frame, enc := p.encodeHeaders(msg)
	if len(enc) > 0 {
		p.mock.deliverData(p.encoderID, enc, false)
	}

	p.mock.peerOpenBidi(id)

	if len(body) > 0 {
		frame = append(frame, dataFrame(body)...)
	}

	p.mock.deliverData(id, frame, eof)
}

// ---------------------------------------------------------------------------
// assertions over written bytes

// parseWrittenFrames decodes the frames a session wrote on a
// unidirectional stream, skipping the type preface.
func parseWrittenFrames(written []byte) []writtenFrame {
	_, n, err := hqutils.ReadVarint(written)
	if err != nil {
		return nil
	}
	written = written[n:]

	var frames []writtenFrame
	for len(written) > 0 {
		typ, length, headerLen, ok := parseFrameHeader(written)
		if !ok || uint64(len(written[headerLen:])) < length {
			break
		}

		frames = append(frames, writtenFrame{
			typ:     typ,
			payload: append([]byte(nil), written[headerLen:headerLen+int(length)]...),
		})
		written = written[headerLen+int(length):]
	}

	return frames
}

type writtenFrame struct {
	typ     uint64
	payload []byte
}

func goawayValues(frames []writtenFrame) []uint64 {
	var values []uint64
	for _, fr := range frames {
		if fr.typ == frameGoaway {
			v, _, err := hqutils.ReadVarint(fr.payload)
			if err == nil {
				values = append(values, v)
			}
		}
	}

	return values
}

func simpleGET(path string) *Message {
	return &Message{
		Method:    "GET",
		Scheme:    "https",
		Authority: "example.com",
		Path:      path,
		Headers: []hpack.HeaderField{
			{Name: "user-agent", Value: "hq-test/1.0"},
		},
	}
}

func reply200(h *testHandler, bodyLen int) {
	msg := &Message{Status: 200}
	msg.AddHeader("server", "hq-test")

	h.txn.SendHeaders(msg)
	h.txn.SendBody(make([]byte, bodyLen))
	h.txn.SendEOM()
}

// newTestDownstream wires a downstream session with a scripted transport
// and a handler factory that records every request. The returned slice
// pointer grows as requests arrive.
func newTestDownstream(cfg Config) (*Session, *mockSocket, *EventLoop, *[]*testHandler) {
	mock := newMockSocket(Downstream, "h3")
	if cfg.Clock == nil {
		cfg.Clock = newFakeClock()
	}

	loop := NewEventLoop(cfg.Clock)

	handlers := &[]*testHandler{}

	sess := NewDownstreamSession(loop, mock, func(txn *Transaction, msg *Message) Handler {
		h := &testHandler{}
		*handlers = append(*handlers, h)
		return h
	}, cfg)

	mock.handshake()
	loop.Run()

	return sess, mock, loop, handlers
}
