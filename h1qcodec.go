package hq

import (
	"bufio"
	"bytes"
	"strconv"

	"github.com/valyala/fasthttp"
	"golang.org/x/net/http2/hpack"
)

var crlf = []byte("\r\n")
var headTerminator = []byte("\r\n\r\n")

// h1qCodec speaks HTTP/1.1 over a single QUIC stream, the bring-up variants'
// request framing. Message heads are parsed and serialized with fasthttp;
// ingress bodies are delimited by Content-Length or by the stream FIN.
type h1qCodec struct {
	baseCodec

	// direction of the owning session: downstream parses requests and
	// serializes responses, upstream the reverse.
	direction Direction

	headersSeen   bool
	eomSignaled   bool
	chunkedEgress bool

	// forceClose adds "Connection: close" to the next generated head,
	// the drain signal of the connection-close variant.
	forceClose bool

	// bodyRemaining counts down Content-Length bytes. A negative value
	// means the body runs until the stream FIN.
	bodyRemaining int64
}

func newH1QCodec(id StreamID, dir Direction) *h1qCodec {
	return &h1qCodec{
		baseCodec:     baseCodec{id: id},
		direction:     dir,
		bodyRemaining: -1,
	}
}

func (c *h1qCodec) fail(err Error) int {
	if c.cb != nil {
		c.cb.OnCodecError(c.id, err)
	}

	return 0
}

func (c *h1qCodec) OnIngress(data []byte) int {
	consumed := 0

	if !c.headersSeen {
		headEnd := bytes.Index(data, headTerminator)
		if headEnd < 0 {
			return 0 // wait for the full head
		}
		headLen := headEnd + len(headTerminator)

		msg, err := c.parseHead(data[:headLen])
		if err != nil {
			return c.fail(toError(err))
		}

		c.headersSeen = true
		consumed = headLen

		if c.cb != nil {
			c.cb.OnMessageBegin(c.id)
			c.cb.OnHeadersComplete(c.id, msg)
		}

		if c.bodyRemaining == 0 {
			c.signalEOM()
		}
	}

	rest := data[consumed:]
	if len(rest) == 0 {
		return consumed
	}

	if c.eomSignaled {
		// the stream transport aborts the transaction on extra bytes;
		// the error stops further ingress, so nothing is reported consumed
		return c.fail(NewStreamError(ErrCodeGeneralProtocolError, "bytes after message end"))
	}

	chunk := rest
	if c.bodyRemaining >= 0 && int64(len(chunk)) > c.bodyRemaining {
		chunk = chunk[:c.bodyRemaining]
	}

	if len(chunk) > 0 {
		if c.bodyRemaining > 0 {
			c.bodyRemaining -= int64(len(chunk))
		}

		consumed += len(chunk)

		if c.cb != nil {
			c.cb.OnBody(c.id, chunk)
		}
	}

	if c.bodyRemaining == 0 {
		c.signalEOM()
	}

	return consumed
}

func (c *h1qCodec) signalEOM() {
	if c.eomSignaled {
		return
	}
	c.eomSignaled = true

	if c.cb != nil {
		c.cb.OnMessageComplete(c.id)
	}
}

func (c *h1qCodec) OnIngressEOF() {
	if !c.headersSeen {
		if c.cb != nil {
			c.cb.OnCodecError(c.id, NewStreamError(ErrCodeGeneralProtocolError, "stream ended before message head"))
		}
		return
	}

	if c.bodyRemaining > 0 {
		if c.cb != nil {
			c.cb.OnCodecError(c.id, NewStreamError(ErrCodeGeneralProtocolError, "stream ended mid-body"))
		}
		return
	}

	c.signalEOM()
}

func (c *h1qCodec) parseHead(head []byte) (*Message, error) {
	msg := &Message{}
	br := bufio.NewReader(bytes.NewReader(head))

	if c.direction == Downstream {
		var h fasthttp.RequestHeader
		if err := h.Read(br); err != nil {
			return nil, NewStreamError(ErrCodeGeneralProtocolError, "bad request head")
		}

		msg.Method = string(h.Method())
		msg.Path = string(h.RequestURI())
		msg.Authority = string(h.Host())
		msg.Scheme = "https"
		c.bodyRemaining = int64(h.ContentLength())

		h.VisitAll(func(k, v []byte) {
			msg.AddHeader(string(bytes.ToLower(k)), string(v))
		})
	} else {
		var h fasthttp.ResponseHeader
		if err := h.Read(br); err != nil {
			return nil, NewStreamError(ErrCodeGeneralProtocolError, "bad response head")
		}

		msg.Status = h.StatusCode()
		c.bodyRemaining = int64(h.ContentLength())

		h.VisitAll(func(k, v []byte) {
			msg.AddHeader(string(bytes.ToLower(k)), string(v))
		})
	}

	// negative means unknown length; the FIN delimits the body
	if c.bodyRemaining < 0 {
		c.bodyRemaining = -1
	}

	return msg, nil
}

// ForceClose makes the next generated head carry "Connection: close".
func (c *h1qCodec) ForceClose() {
	c.forceClose = true
}

func (c *h1qCodec) GenerateHeader(buf *streamBuf, msg *Message) int {
	if msg.IsRequest() {
		var h fasthttp.RequestHeader
		h.SetMethod(msg.Method)
		h.SetRequestURI(msg.Path)
		h.SetHost(msg.Authority)

		applyEgressFields(msg.Headers, func(k, v string) {
			h.Add(k, v)
		}, func(n int) {
			h.SetContentLength(n)
		})

		if c.forceClose {
			h.SetConnectionClose()
		}

		return buf.Append(h.Header())
	}

	var h fasthttp.ResponseHeader
	h.SetStatusCode(msg.Status)
	h.SetContentLength(-2) // identity: the FIN delimits the body

	applyEgressFields(msg.Headers, func(k, v string) {
		h.Add(k, v)
	}, func(n int) {
		h.SetContentLength(n)
	})

	if c.forceClose {
		h.SetConnectionClose()
	}

	return buf.Append(h.Header())
}

func applyEgressFields(fields []hpack.HeaderField, add func(k, v string), setLen func(n int)) {
	for _, f := range fields {
		if f.Name == "content-length" {
			if n, err := strconv.Atoi(f.Value); err == nil {
				setLen(n)
				continue
			}
		}

		add(f.Name, f.Value)
	}
}

func (c *h1qCodec) GenerateBody(buf *streamBuf, data []byte) int {
	return buf.Append(data)
}

func (c *h1qCodec) GenerateChunkHeader(buf *streamBuf, size int) int {
	c.chunkedEgress = true

	n := buf.Append([]byte(strconv.FormatInt(int64(size), 16)))
	return n + buf.Append(crlf)
}

func (c *h1qCodec) GenerateChunkTerminator(buf *streamBuf) int {
	return buf.Append(crlf)
}

func (c *h1qCodec) GenerateEOM(buf *streamBuf) int {
	if !c.chunkedEgress {
		return 0
	}

	n := buf.Append([]byte("0"))
	n += buf.Append(crlf)
	return n + buf.Append(crlf)
}

func (c *h1qCodec) GenerateTrailers(*streamBuf, []hpack.HeaderField) int {
	return 0
}
