package hq

import (
	"strconv"

	"golang.org/x/net/http2/hpack"

	"github.com/countingdata/hq/hqutils"
)

// HTTP/3 frame types.
const (
	frameData        = 0x0
	frameHeaders     = 0x1
	frameCancelPush  = 0x3
	frameSettings    = 0x4
	framePushPromise = 0x5
	frameGoaway      = 0x7
	frameMaxPushID   = 0xd
)

const (
	pseudoMethod    = ":method"
	pseudoScheme    = ":scheme"
	pseudoAuthority = ":authority"
	pseudoPath      = ":path"
	pseudoStatus    = ":status"
)

func messageToFields(msg *Message) []hpack.HeaderField {
	fields := make([]hpack.HeaderField, 0, len(msg.Headers)+4)

	if msg.IsRequest() {
		fields = append(fields,
			hpack.HeaderField{Name: pseudoMethod, Value: msg.Method},
			hpack.HeaderField{Name: pseudoScheme, Value: msg.Scheme},
			hpack.HeaderField{Name: pseudoAuthority, Value: msg.Authority},
			hpack.HeaderField{Name: pseudoPath, Value: msg.Path},
		)
	} else {
		fields = append(fields, hpack.HeaderField{
			Name: pseudoStatus, Value: strconv.Itoa(msg.Status),
		})
	}

	return append(fields, msg.Headers...)
}

func fieldsToMessage(fields []hpack.HeaderField) (*Message, error) {
	msg := &Message{}

	for _, f := range fields {
		switch f.Name {
		case pseudoMethod:
			msg.Method = f.Value
		case pseudoScheme:
			msg.Scheme = f.Value
		case pseudoAuthority:
			msg.Authority = f.Value
		case pseudoPath:
			msg.Path = f.Value
		case pseudoStatus:
			status, err := strconv.Atoi(f.Value)
			if err != nil {
				return nil, NewStreamError(ErrCodeGeneralProtocolError, "bad :status")
			}
			msg.Status = status
		default:
			msg.Headers = append(msg.Headers, f)
		}
	}

	return msg, nil
}

// hqRequestCodec frames a single HTTP/3 request (or push) stream. Header
// sections go through the session-wide field section codec, so parsing a
// HEADERS frame can block on bytes owed to the encoder stream.
type hqRequestCodec struct {
	baseCodec

	fs *fieldSectionCodec

	headersSeen   bool
	eomSignaled   bool
	dataRemaining uint64
	skipRemaining uint64
}

func newHQRequestCodec(id StreamID, fs *fieldSectionCodec) *hqRequestCodec {
	return &hqRequestCodec{baseCodec: baseCodec{id: id}, fs: fs}
}

func (c *hqRequestCodec) fail(err Error) int {
	if c.cb != nil {
		c.cb.OnCodecError(c.id, err)
	}

	return 0
}

func (c *hqRequestCodec) OnIngress(data []byte) int {
	consumed := 0

	for consumed < len(data) {
		rest := data[consumed:]

		// mid-DATA: hand whatever arrived straight to the transaction
		if c.dataRemaining > 0 {
			chunk := rest
			if uint64(len(chunk)) > c.dataRemaining {
				chunk = chunk[:c.dataRemaining]
			}

			c.dataRemaining -= uint64(len(chunk))
			consumed += len(chunk)

			if c.cb != nil {
				c.cb.OnBody(c.id, chunk)
			}
			continue
		}

		if c.skipRemaining > 0 {
			n := uint64(len(rest))
			if n > c.skipRemaining {
				n = c.skipRemaining
			}

			c.skipRemaining -= n
			consumed += int(n)
			continue
		}

		typ, length, headerLen, ok := parseFrameHeader(rest)
		if !ok {
			break
		}

		switch typ {
		case frameData:
			if !c.headersSeen {
				return c.fail(NewConnectionError(ErrCodeFrameError, "DATA before HEADERS"))
			}

			c.dataRemaining = length
			consumed += headerLen

		case frameHeaders:
			if uint64(len(rest[headerLen:])) < length {
				return consumed // wait for the full section
			}

			section := rest[headerLen : headerLen+int(length)]
			fields, blocked, err := c.fs.DecodeFieldSection(c.id, section)
			if err != nil {
				return c.fail(toError(err))
			}
			if blocked {
				return consumed // retry once the encoder stream catches up
			}

			consumed += headerLen + int(length)

			if !c.headersSeen {
				c.headersSeen = true

				msg, merr := fieldsToMessage(fields)
				if merr != nil {
					return c.fail(toError(merr))
				}

				if c.cb != nil {
					c.cb.OnMessageBegin(c.id)
					c.cb.OnHeadersComplete(c.id, msg)
				}
			} else {
				if c.cb != nil {
					c.cb.OnTrailersComplete(c.id, fields)
				}
			}

		case framePushPromise:
			if uint64(len(rest[headerLen:])) < length {
				return consumed
			}

			payload := rest[headerLen : headerLen+int(length)]
			pushID, n, verr := hqutils.ReadVarint(payload)
			if verr != nil {
				return c.fail(NewConnectionError(ErrCodeMalformedPushPromise, "truncated push id"))
			}

			fields, blocked, err := c.fs.DecodeFieldSection(c.id, payload[n:])
			if err != nil {
				return c.fail(toError(err))
			}
			if blocked {
				return consumed
			}

			consumed += headerLen + int(length)

			msg, merr := fieldsToMessage(fields)
			if merr != nil {
				return c.fail(NewConnectionError(ErrCodeMalformedPushPromise, "bad promised request"))
			}

			if c.cb != nil {
				c.cb.OnPushPromise(c.id, pushID, msg)
			}

		case frameSettings, frameGoaway, frameMaxPushID, frameCancelPush:
			return c.fail(NewConnectionError(ErrCodeFrameError, "control frame on request stream"))

		default:
			// unknown or grease frame, skip the payload
			c.skipRemaining = length
			consumed += headerLen
		}
	}

	return consumed
}

func (c *hqRequestCodec) OnIngressEOF() {
	if c.dataRemaining > 0 || c.skipRemaining > 0 {
		if c.cb != nil {
			c.cb.OnCodecError(c.id, NewStreamError(ErrCodeFrameError, "stream ended mid-frame"))
		}
		return
	}

	if c.eomSignaled {
		return
	}
	c.eomSignaled = true

	if c.cb != nil {
		c.cb.OnMessageComplete(c.id)
	}
}

func appendFrameHeader(buf *streamBuf, typ uint64, length uint64) int {
	header := hqutils.AppendVarint(nil, typ)
	header = hqutils.AppendVarint(header, length)
	return buf.Append(header)
}

func (c *hqRequestCodec) GenerateHeader(buf *streamBuf, msg *Message) int {
	section := c.fs.EncodeFieldSection(messageToFields(msg))
	n := appendFrameHeader(buf, frameHeaders, uint64(len(section)))
	return n + buf.Append(section)
}

func (c *hqRequestCodec) GenerateBody(buf *streamBuf, data []byte) int {
	if len(data) == 0 {
		return 0
	}

	n := appendFrameHeader(buf, frameData, uint64(len(data)))
	return n + buf.Append(data)
}

func (c *hqRequestCodec) GenerateTrailers(buf *streamBuf, trailers []hpack.HeaderField) int {
	section := c.fs.EncodeFieldSection(trailers)
	n := appendFrameHeader(buf, frameHeaders, uint64(len(section)))
	return n + buf.Append(section)
}

// GenerateEOM is a no-op: HTTP/3 expresses end of message with the stream
// FIN, which the transport latches separately.
func (c *hqRequestCodec) GenerateEOM(*streamBuf) int {
	return 0
}

func (c *hqRequestCodec) GeneratePushPromise(buf *streamBuf, pushID PushID, msg *Message) int {
	section := c.fs.EncodeFieldSection(messageToFields(msg))
	payload := hqutils.AppendVarint(nil, pushID)

	n := appendFrameHeader(buf, framePushPromise, uint64(len(payload)+len(section)))
	n += buf.Append(payload)
	return n + buf.Append(section)
}

func (c *hqRequestCodec) GeneratePushPreface(buf *streamBuf, pushID PushID) int {
	preface := hqutils.AppendVarint(nil, uint64(streamTypePush))
	preface = hqutils.AppendVarint(preface, pushID)
	return buf.Append(preface)
}

func parseFrameHeader(b []byte) (typ, length uint64, headerLen int, ok bool) {
	typ, n1, err := hqutils.ReadVarint(b)
	if err != nil {
		return 0, 0, 0, false
	}

	length, n2, err := hqutils.ReadVarint(b[n1:])
	if err != nil {
		return 0, 0, 0, false
	}

	return typ, length, n1 + n2, true
}

// hqControlCodec frames the session control stream: SETTINGS first, then
// GOAWAY / MAX_PUSH_ID / CANCEL_PUSH.
type hqControlCodec struct {
	baseCodec

	settingsSeen  bool
	skipRemaining uint64

	// settingsRequired is false for the legacy control stream variant,
	// which never exchanges SETTINGS.
	settingsRequired bool
}

func newHQControlCodec(id StreamID, settingsRequired bool) *hqControlCodec {
	return &hqControlCodec{
		baseCodec:        baseCodec{id: id},
		settingsRequired: settingsRequired,
	}
}

func (c *hqControlCodec) fail(err Error) int {
	if c.cb != nil {
		c.cb.OnCodecError(c.id, err)
	}

	return 0
}

func (c *hqControlCodec) OnIngress(data []byte) int {
	consumed := 0

	for consumed < len(data) {
		rest := data[consumed:]

		if c.skipRemaining > 0 {
			n := uint64(len(rest))
			if n > c.skipRemaining {
				n = c.skipRemaining
			}

			c.skipRemaining -= n
			consumed += int(n)
			continue
		}

		typ, length, headerLen, ok := parseFrameHeader(rest)
		if !ok {
			break
		}

		if uint64(len(rest[headerLen:])) < length {
			break
		}
		payload := rest[headerLen : headerLen+int(length)]

		if c.settingsRequired && !c.settingsSeen && typ != frameSettings {
			return c.fail(NewConnectionError(ErrCodeFrameError, "first control frame is not SETTINGS"))
		}

		switch typ {
		case frameSettings:
			if c.settingsSeen {
				return c.fail(NewConnectionError(ErrCodeFrameError, "duplicate SETTINGS"))
			}
			c.settingsSeen = true

			var st Settings
			st.Reset()
			if err := st.readWire(payload); err != nil {
				return c.fail(toError(err))
			}

			if c.cb != nil {
				c.cb.OnSettings(&st)
			}

		case frameGoaway:
			lastID, _, verr := hqutils.ReadVarint(payload)
			if verr != nil {
				return c.fail(NewConnectionError(ErrCodeFrameError, "truncated GOAWAY"))
			}

			if c.cb != nil {
				c.cb.OnGoaway(lastID, ErrCodeNoError)
			}

		case frameMaxPushID:
			pushID, _, verr := hqutils.ReadVarint(payload)
			if verr != nil {
				return c.fail(NewConnectionError(ErrCodeFrameError, "truncated MAX_PUSH_ID"))
			}

			if c.cb != nil {
				c.cb.OnMaxPushID(pushID)
			}

		case frameCancelPush:
			pushID, _, verr := hqutils.ReadVarint(payload)
			if verr != nil {
				return c.fail(NewConnectionError(ErrCodeFrameError, "truncated CANCEL_PUSH"))
			}

			if c.cb != nil {
				c.cb.OnCancelPush(pushID)
			}

		case frameData, frameHeaders, framePushPromise:
			return c.fail(NewConnectionError(ErrCodeFrameError, "request frame on control stream"))

		default:
			c.skipRemaining = length
			consumed += headerLen
			continue
		}

		consumed += headerLen + int(length)
	}

	return consumed
}

// OnIngressEOF on a control stream is handled by the session error policy;
// the codec has no message to complete.
func (c *hqControlCodec) OnIngressEOF() {}

func (c *hqControlCodec) GenerateHeader(*streamBuf, *Message) int              { return 0 }
func (c *hqControlCodec) GenerateBody(*streamBuf, []byte) int                  { return 0 }
func (c *hqControlCodec) GenerateTrailers(*streamBuf, []hpack.HeaderField) int { return 0 }
func (c *hqControlCodec) GenerateEOM(*streamBuf) int                           { return 0 }

func (c *hqControlCodec) GenerateGoaway(buf *streamBuf, lastID StreamID, code ErrorCode) int {
	payload := hqutils.AppendVarint(nil, lastID)
	n := appendFrameHeader(buf, frameGoaway, uint64(len(payload)))
	return n + buf.Append(payload)
}

func (c *hqControlCodec) GenerateSettings(buf *streamBuf, st *Settings) int {
	payload := st.appendWire(nil)
	n := appendFrameHeader(buf, frameSettings, uint64(len(payload)))
	return n + buf.Append(payload)
}
