package hq

import "sort"

// streamRegistry is the session's typed lookup structure: request streams by
// bidirectional stream id, ingress push streams by push id, egress push
// streams by unidirectional stream id, control streams by type, and the
// pushId/streamId bimap that ties nascent push streams to their promises.
type streamRegistry struct {
	requests    map[StreamID]*streamTransport
	ingressPush map[PushID]*streamTransport
	egressPush  map[StreamID]*streamTransport
	control     map[uniStreamType]*controlStream

	pushToStream map[PushID]StreamID
	streamToPush map[StreamID]PushID
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{
		requests:     make(map[StreamID]*streamTransport),
		ingressPush:  make(map[PushID]*streamTransport),
		egressPush:   make(map[StreamID]*streamTransport),
		control:      make(map[uniStreamType]*controlStream),
		pushToStream: make(map[PushID]StreamID),
		streamToPush: make(map[StreamID]PushID),
	}
}

func (r *streamRegistry) insertRequest(strm *streamTransport) {
	r.requests[strm.id] = strm
}

func (r *streamRegistry) insertIngressPush(strm *streamTransport) {
	r.ingressPush[strm.pushID] = strm
}

func (r *streamRegistry) insertEgressPush(strm *streamTransport) {
	r.egressPush[strm.id] = strm
}

func (r *streamRegistry) insertControl(cs *controlStream) {
	r.control[cs.typ] = cs
}

// bindPush records the pushId/streamId pairing revealed by a push stream
// preface. Binding is idempotent; a conflicting entry on either side is an
// error.
func (r *streamRegistry) bindPush(pushID PushID, streamID StreamID) bool {
	if existing, ok := r.pushToStream[pushID]; ok {
		return existing == streamID
	}
	if _, ok := r.streamToPush[streamID]; ok {
		return false
	}

	r.pushToStream[pushID] = streamID
	r.streamToPush[streamID] = pushID

	return true
}

// findStream looks a transport up by quic stream id: request streams first,
// then egress push, then ingress push through the bimap.
func (r *streamRegistry) findStream(id StreamID) *streamTransport {
	if strm, ok := r.requests[id]; ok {
		return strm
	}
	if strm, ok := r.egressPush[id]; ok {
		return strm
	}
	if pushID, ok := r.streamToPush[id]; ok {
		if strm, ok := r.ingressPush[pushID]; ok {
			return strm
		}
	}

	return nil
}

func (r *streamRegistry) findIngressPushByID(pushID PushID) *streamTransport {
	return r.ingressPush[pushID]
}

// findStreamByPushID resolves a push id to its transport on either side:
// ingress push streams directly, egress push streams through the bimap.
func (r *streamRegistry) findStreamByPushID(pushID PushID) *streamTransport {
	if strm, ok := r.ingressPush[pushID]; ok {
		return strm
	}
	if id, ok := r.pushToStream[pushID]; ok {
		return r.findStream(id)
	}

	return nil
}

func (r *streamRegistry) findControlByType(typ uniStreamType) *controlStream {
	return r.control[typ]
}

func (r *streamRegistry) findControlByStreamID(id StreamID) *controlStream {
	for _, cs := range r.control {
		if cs.egressID == id {
			return cs
		}
		if cs.ingressID != nil && *cs.ingressID == id {
			return cs
		}
	}

	return nil
}

// eraseStream removes a transport from whichever registry holds it and
// clears its bimap entries. Reports whether anything was erased.
func (r *streamRegistry) eraseStream(strm *streamTransport) bool {
	erased := false

	switch strm.kind {
	case streamKindRequest:
		if _, ok := r.requests[strm.id]; ok {
			delete(r.requests, strm.id)
			erased = true
		}
	case streamKindIngressPush:
		if _, ok := r.ingressPush[strm.pushID]; ok {
			delete(r.ingressPush, strm.pushID)
			erased = true
		}
	case streamKindEgressPush:
		if _, ok := r.egressPush[strm.id]; ok {
			delete(r.egressPush, strm.id)
			erased = true
		}
	}

	if pushID, ok := r.streamToPush[strm.id]; ok {
		delete(r.streamToPush, strm.id)
		delete(r.pushToStream, pushID)
	}
	if id, ok := r.pushToStream[strm.pushID]; ok && strm.kind != streamKindRequest {
		delete(r.pushToStream, strm.pushID)
		delete(r.streamToPush, id)
	}

	return erased
}

func (r *streamRegistry) numberOfStreams() int {
	return len(r.requests) + len(r.ingressPush) + len(r.egressPush)
}

func (r *streamRegistry) numberOfIngressStreams() int {
	n := len(r.ingressPush)
	for _, strm := range r.requests {
		if !strm.detached {
			n++
		}
	}

	return n
}

func (r *streamRegistry) numberOfEgressStreams() int {
	n := len(r.egressPush)
	for _, strm := range r.requests {
		if !strm.detached {
			n++
		}
	}

	return n
}

func (r *streamRegistry) numberOfPushStreams() int {
	return len(r.ingressPush) + len(r.egressPush)
}

// allStreams snapshots every transport in deterministic id order, so
// callbacks invoked during iteration may erase the current stream without
// upsetting the walk. Streams added during iteration are not visited.
func (r *streamRegistry) allStreams() []*streamTransport {
	streams := make([]*streamTransport, 0, r.numberOfStreams())
	for _, strm := range r.requests {
		streams = append(streams, strm)
	}
	for _, strm := range r.ingressPush {
		streams = append(streams, strm)
	}
	for _, strm := range r.egressPush {
		streams = append(streams, strm)
	}

	sort.Slice(streams, func(i, j int) bool {
		return streams[i].id < streams[j].id
	})

	return streams
}

func (r *streamRegistry) invokeOnAllStreams(fn func(*streamTransport)) {
	for _, strm := range r.allStreams() {
		fn(strm)
	}
}

func (r *streamRegistry) allControlStreams() []*controlStream {
	ctrl := make([]*controlStream, 0, len(r.control))
	for _, cs := range r.control {
		ctrl = append(ctrl, cs)
	}

	sort.Slice(ctrl, func(i, j int) bool {
		return ctrl[i].typ < ctrl[j].typ
	})

	return ctrl
}
