package hq

import (
	"bytes"

	"golang.org/x/net/http2/hpack"
)

// Message is the header section of a request or response as the codecs see
// it. A zero Status marks a request.
type Message struct {
	Method    string
	Scheme    string
	Authority string
	Path      string

	Status int

	Headers []hpack.HeaderField
}

func (m *Message) IsRequest() bool {
	return m.Status == 0
}

// IsFinal reports whether the message terminates the header phase: any
// request, or a response with a non-1xx status.
func (m *Message) IsFinal() bool {
	return m.IsRequest() || m.Status >= 200
}

func (m *Message) AddHeader(name, value string) {
	m.Headers = append(m.Headers, hpack.HeaderField{Name: name, Value: value})
}

func (m *Message) HeaderValue(name string) string {
	for i := range m.Headers {
		if m.Headers[i].Name == name {
			return m.Headers[i].Value
		}
	}

	return ""
}

// WantsClose reports whether the message carries "Connection: close", the
// drain signal of the connection-close protocol variant.
func (m *Message) WantsClose() bool {
	v := m.HeaderValue("connection")
	return v != "" && bytes.EqualFold([]byte(v), []byte("close"))
}

// CodecCallback is the upcall surface a StreamCodec drives while parsing
// ingress bytes. The stream transport implements the message callbacks; the
// control stream implements the control-frame callbacks and forwards them to
// the session.
type CodecCallback interface {
	OnMessageBegin(id StreamID)
	OnHeadersComplete(id StreamID, msg *Message)
	OnBody(id StreamID, data []byte)
	OnTrailersComplete(id StreamID, trailers []hpack.HeaderField)
	OnMessageComplete(id StreamID)
	OnPushPromise(id StreamID, pushID PushID, msg *Message)
	OnSettings(st *Settings)
	OnGoaway(lastID StreamID, code ErrorCode)
	OnCancelPush(pushID PushID)
	OnMaxPushID(pushID PushID)
	// OnCodecError reports a parse failure. The error's kind decides
	// whether the stream or the whole connection dies.
	OnCodecError(id StreamID, err Error)
}

// StreamCodec parses ingress bytes into callbacks and serializes egress
// events into a stream write buffer. One instance per stream; the session
// core treats it as a black box.
type StreamCodec interface {
	// SetCallback installs (or clears, with nil) the upcall target.
	// Targets change when a stream is re-parented, so installation is a
	// stack discipline around each feed, not a one-time registration.
	SetCallback(cb CodecCallback)

	// OnIngress consumes a prefix of data and returns its length. Zero
	// with no error means the codec is blocked until more input arrives,
	// possibly on a different stream. Errors are reported through
	// OnCodecError before returning.
	OnIngress(data []byte) int

	// OnIngressEOF tells the codec the transport delivered the stream FIN
	// with the read buffer empty.
	OnIngressEOF()

	GenerateHeader(buf *streamBuf, msg *Message) int
	GenerateBody(buf *streamBuf, data []byte) int
	GenerateChunkHeader(buf *streamBuf, size int) int
	GenerateChunkTerminator(buf *streamBuf) int
	GenerateTrailers(buf *streamBuf, trailers []hpack.HeaderField) int
	GenerateEOM(buf *streamBuf) int
	GeneratePushPromise(buf *streamBuf, pushID PushID, msg *Message) int
	GeneratePushPreface(buf *streamBuf, pushID PushID) int
	GenerateGoaway(buf *streamBuf, lastID StreamID, code ErrorCode) int
	GenerateSettings(buf *streamBuf, st *Settings) int
}

// baseCodec provides the no-op half of StreamCodec so concrete codecs only
// spell out what they support.
type baseCodec struct {
	id StreamID
	cb CodecCallback
}

func (c *baseCodec) SetCallback(cb CodecCallback) {
	c.cb = cb
}

func (c *baseCodec) GenerateChunkHeader(*streamBuf, int) int { return 0 }
func (c *baseCodec) GenerateChunkTerminator(*streamBuf) int  { return 0 }
func (c *baseCodec) GeneratePushPromise(*streamBuf, PushID, *Message) int {
	return 0
}
func (c *baseCodec) GeneratePushPreface(*streamBuf, PushID) int { return 0 }
func (c *baseCodec) GenerateGoaway(*streamBuf, StreamID, ErrorCode) int {
	return 0
}
func (c *baseCodec) GenerateSettings(*streamBuf, *Settings) int { return 0 }
