package hq

import "github.com/valyala/bytebufferpool"

// streamBuf is a pooled byte queue used for both per-stream read buffers
// (bytes from the transport that the codec has not consumed yet) and write
// buffers (serialized egress the scheduler has not flushed yet).
type streamBuf struct {
	bb *bytebufferpool.ByteBuffer
}

func acquireStreamBuf() *streamBuf {
	return &streamBuf{bb: bytebufferpool.Get()}
}

func releaseStreamBuf(sb *streamBuf) {
	if sb.bb != nil {
		bytebufferpool.Put(sb.bb)
		sb.bb = nil
	}
}

func (sb *streamBuf) Len() int {
	return len(sb.bb.B)
}

func (sb *streamBuf) Empty() bool {
	return len(sb.bb.B) == 0
}

func (sb *streamBuf) Bytes() []byte {
	return sb.bb.B
}

func (sb *streamBuf) Append(p []byte) int {
	sb.bb.B = append(sb.bb.B, p...)
	return len(p)
}

// TakeFront removes and returns up to n bytes from the front. The returned
// slice is only valid until the next Append.
func (sb *streamBuf) TakeFront(n int) []byte {
	if n > len(sb.bb.B) {
		n = len(sb.bb.B)
	}

	front := sb.bb.B[:n]
	sb.bb.B = sb.bb.B[n:]

	return front
}

// Prepend puts bytes the transport refused back at the front of the queue.
func (sb *streamBuf) Prepend(p []byte) {
	if len(p) == 0 {
		return
	}

	sb.bb.B = append(append(make([]byte, 0, len(p)+len(sb.bb.B)), p...), sb.bb.B...)
}

// DropFront discards the first n bytes, returning how many were dropped.
func (sb *streamBuf) DropFront(n int) int {
	if n > len(sb.bb.B) {
		n = len(sb.bb.B)
	}

	sb.bb.B = sb.bb.B[n:]

	return n
}

func (sb *streamBuf) Reset() {
	sb.bb.Reset()
}
