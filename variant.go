package hq

// Variant selects which of the three protocol flavors a session speaks.
// The set is closed: the session dispatches variant behavior through
// exhaustive switches, and exactly one variant is bound on transport-ready,
// never to change.
type Variant int8

const (
	// VariantHQ is HTTP/3: framed streams, field section compression,
	// control plus encoder/decoder streams, GOAWAY drain.
	VariantHQ Variant = iota
	// VariantV1 is HTTP/1.1 messages over per-request streams with
	// "Connection: close" drain semantics. No unidirectional streams.
	VariantV1
	// VariantV2 is VariantV1 plus a legacy control stream carrying
	// GOAWAY frames.
	VariantV2
)

func (v Variant) String() string {
	switch v {
	case VariantHQ:
		return "hq"
	case VariantV1:
		return "h1q-fb"
	case VariantV2:
		return "h1q-fb-v2"
	}

	return "IDK"
}

// variantForALPN maps a negotiated protocol label to a variant.
func variantForALPN(alpn string) (Variant, bool) {
	switch alpn {
	case "h3", "h3-29", "h3-fb-05":
		return VariantHQ, true
	case "h1q-fb":
		return VariantV1, true
	case "h1q-fb-v2":
		return VariantV2, true
	}

	return 0, false
}

// controlStreamTypes lists the egress control streams the variant opens at
// session start.
func (v Variant) controlStreamTypes() []uniStreamType {
	switch v {
	case VariantHQ:
		return []uniStreamType{streamTypeControl, streamTypeEncoder, streamTypeDecoder}
	case VariantV2:
		return []uniStreamType{streamTypeLegacyControl}
	case VariantV1:
		return nil
	}

	return nil
}

// sendsSettings reports whether the variant exchanges SETTINGS frames.
func (v Variant) sendsSettings() bool {
	return v == VariantHQ
}

// usesConnectionCloseDrain reports whether drain rides on message headers
// instead of GOAWAY frames.
func (v Variant) usesConnectionCloseDrain() bool {
	return v == VariantV1
}

// parsePreface maps an ingress unidirectional stream preface to a stream
// type. Unknown values, including grease, are rejected by the dispatcher.
func (v Variant) parsePreface(preface uint64) (uniStreamType, bool) {
	typ := uniStreamType(preface)

	switch v {
	case VariantHQ:
		switch typ {
		case streamTypeControl, streamTypePush, streamTypeEncoder, streamTypeDecoder:
			return typ, true
		}
	case VariantV2:
		if typ == streamTypeLegacyControl {
			return typ, true
		}
	case VariantV1:
		// V1 has no unidirectional streams at all
	}

	return 0, false
}

// newRequestCodec builds the per-request-stream codec.
func (v Variant) newRequestCodec(sess *Session, id StreamID) StreamCodec {
	switch v {
	case VariantHQ:
		return newHQRequestCodec(id, sess.fieldSection)
	case VariantV1, VariantV2:
		return newH1QCodec(id, sess.direction)
	}

	return nil
}

// newControlCodec builds the codec of a control-type stream, nil for the
// encoder and decoder streams (their bytes bypass framing).
func (v Variant) newControlCodec(id StreamID, typ uniStreamType) StreamCodec {
	switch typ {
	case streamTypeControl:
		return newHQControlCodec(id, true)
	case streamTypeLegacyControl:
		return newHQControlCodec(id, false)
	}

	return nil
}

// supportsPartialReliability reports whether body skip/reject can be
// negotiated at all.
func (v Variant) supportsPartialReliability() bool {
	return v == VariantHQ
}

// supportsPush reports whether server push exists in this variant.
func (v Variant) supportsPush() bool {
	return v == VariantHQ
}
