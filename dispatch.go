package hq

import (
	"fmt"

	"github.com/countingdata/hq/hqutils"
)

// uniStreamType is the varint preface identifying a peer-initiated
// unidirectional stream.
type uniStreamType uint64

const (
	streamTypeControl uniStreamType = 0x00
	streamTypePush    uniStreamType = 0x01
	streamTypeEncoder uniStreamType = 0x02
	streamTypeDecoder uniStreamType = 0x03

	// streamTypeLegacyControl is the control stream preface of the second
	// bring-up variant, which predates the reserved type space.
	streamTypeLegacyControl uniStreamType = 0x43

	// greased stream types are 0x1f*N+0x21; peers must discard them
	greaseStreamBase uniStreamType = 0x21
	greaseStreamStep uniStreamType = 0x1f
)

func (t uniStreamType) String() string {
	switch t {
	case streamTypeControl:
		return "control"
	case streamTypePush:
		return "push"
	case streamTypeEncoder:
		return "encoder"
	case streamTypeDecoder:
		return "decoder"
	case streamTypeLegacyControl:
		return "legacy control"
	}

	return fmt.Sprintf("0x%x", uint64(t))
}

func isGreaseStreamType(t uniStreamType) bool {
	return t >= greaseStreamBase && (t-greaseStreamBase)%greaseStreamStep == 0
}

// dispatcherCallback is the session surface the dispatcher drives once it
// has classified a stream.
type dispatcherCallback interface {
	// assignReadCallback rebinds a classified control-type stream to its
	// owner after consuming the preface bytes.
	assignReadCallback(id StreamID, typ uniStreamType, consume int)
	// onNewPushStream hands over a push stream whose push id is known.
	onNewPushStream(id StreamID, pushID PushID, consume int)
	// rejectStream disposes of a stream with an unknown preface.
	rejectStream(id StreamID)
	// parseStreamPreface maps a preface value through the active variant.
	parseStreamPreface(preface uint64) (uniStreamType, bool)
}

// uniStreamDispatcher peeks the preface of every new peer-initiated
// unidirectional stream and routes the stream to its owner. Streams whose
// preface has not fully arrived stay in the pending set so their transport
// callbacks can be cleared on teardown.
type uniStreamDispatcher struct {
	sock    Socket
	cb      dispatcherCallback
	pending map[StreamID]struct{}
}

func newUniStreamDispatcher(sock Socket, cb dispatcherCallback) *uniStreamDispatcher {
	return &uniStreamDispatcher{
		sock:    sock,
		cb:      cb,
		pending: make(map[StreamID]struct{}),
	}
}

// takeStream starts watching a new unidirectional stream.
func (d *uniStreamDispatcher) takeStream(id StreamID) {
	d.pending[id] = struct{}{}
	_ = d.sock.SetPeekCallback(id, d)
}

// PeekAvailable observes the buffered prefix of a pending stream. Nothing
// is consumed here; the classified owner consumes the preface.
func (d *uniStreamDispatcher) PeekAvailable(id StreamID, data []byte, eof bool) {
	if _, ok := d.pending[id]; !ok {
		return
	}

	preface, n, err := hqutils.ReadVarint(data)
	if err != nil {
		if eof {
			d.forget(id)
			d.cb.rejectStream(id)
		}
		return // wait for the complete preface
	}

	typ, ok := d.cb.parseStreamPreface(preface)
	if !ok {
		d.forget(id)
		d.cb.rejectStream(id)
		return
	}

	switch typ {
	case streamTypePush:
		// the push id follows the preface
		pushID, m, err := hqutils.ReadVarint(data[n:])
		if err != nil {
			if eof {
				d.forget(id)
				d.cb.rejectStream(id)
			}
			return
		}

		d.forget(id)
		d.cb.onNewPushStream(id, pushID, n+m)

	default:
		d.forget(id)
		d.cb.assignReadCallback(id, typ, n)
	}
}

func (d *uniStreamDispatcher) PeekError(id StreamID, code ErrorCode) {
	d.forget(id)
}

func (d *uniStreamDispatcher) forget(id StreamID) {
	delete(d.pending, id)
}

// cleanup clears the peek callbacks of every still-unclassified stream so a
// tearing-down session receives no further upcalls for them.
func (d *uniStreamDispatcher) cleanup() {
	for id := range d.pending {
		_ = d.sock.SetPeekCallback(id, nil)
		delete(d.pending, id)
	}
}

func (d *uniStreamDispatcher) pendingCount() int {
	return len(d.pending)
}
