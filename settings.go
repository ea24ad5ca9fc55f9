package hq

import (
	"github.com/valyala/fastrand"

	"github.com/countingdata/hq/hqutils"
)

// SettingID identifies a single setting in a SETTINGS frame.
type SettingID uint64

const (
	SettingHeaderTableSize          SettingID = 0x1
	SettingMaxFieldSectionSize      SettingID = 0x6
	SettingBlockedStreams           SettingID = 0x7
	SettingEnablePartialReliability SettingID = 0xc671

	// Reserved setting ids of the form 0x1f*N+0x21 must be ignored by the
	// peer. One is included in every egress SETTINGS frame.
	greaseSettingBase SettingID = 0x21
	greaseSettingStep SettingID = 0x1f
)

const (
	defaultHeaderTableSize     = 4096
	defaultMaxFieldSectionSize = 1 << 20
	defaultBlockedStreams      = 100
)

// Settings holds the session-level parameters exchanged on the control
// stream. A session keeps one Settings for each direction.
type Settings struct {
	headerTableSize     uint64
	maxFieldSectionSize uint64
	blockedStreams      uint64
	partialReliability  bool

	received bool
}

func (st *Settings) Reset() {
	st.headerTableSize = defaultHeaderTableSize
	st.maxFieldSectionSize = defaultMaxFieldSectionSize
	st.blockedStreams = defaultBlockedStreams
	st.partialReliability = false
	st.received = false
}

func (st *Settings) HeaderTableSize() uint64 {
	return st.headerTableSize
}

func (st *Settings) SetHeaderTableSize(size uint64) {
	st.headerTableSize = size
}

func (st *Settings) MaxFieldSectionSize() uint64 {
	return st.maxFieldSectionSize
}

func (st *Settings) SetMaxFieldSectionSize(size uint64) {
	st.maxFieldSectionSize = size
}

func (st *Settings) BlockedStreams() uint64 {
	return st.blockedStreams
}

func (st *Settings) SetBlockedStreams(n uint64) {
	st.blockedStreams = n
}

func (st *Settings) PartialReliability() bool {
	return st.partialReliability
}

func (st *Settings) SetPartialReliability(on bool) {
	st.partialReliability = on
}

// Received reports whether a SETTINGS frame has been applied to st.
func (st *Settings) Received() bool {
	return st.received
}

func (st *Settings) CopyTo(other *Settings) {
	*other = *st
}

// apply installs a single decoded setting. Unknown ids, including grease,
// are ignored.
func (st *Settings) apply(id SettingID, value uint64) {
	switch id {
	case SettingHeaderTableSize:
		st.headerTableSize = value
	case SettingMaxFieldSectionSize:
		st.maxFieldSectionSize = value
	case SettingBlockedStreams:
		st.blockedStreams = value
	case SettingEnablePartialReliability:
		st.partialReliability = value != 0
	}
}

// appendWire serializes the settings payload (id/value varint pairs) to dst.
func (st *Settings) appendWire(dst []byte) []byte {
	dst = hqutils.AppendVarint(dst, uint64(SettingHeaderTableSize))
	dst = hqutils.AppendVarint(dst, st.headerTableSize)
	dst = hqutils.AppendVarint(dst, uint64(SettingMaxFieldSectionSize))
	dst = hqutils.AppendVarint(dst, st.maxFieldSectionSize)
	dst = hqutils.AppendVarint(dst, uint64(SettingBlockedStreams))
	dst = hqutils.AppendVarint(dst, st.blockedStreams)

	if st.partialReliability {
		dst = hqutils.AppendVarint(dst, uint64(SettingEnablePartialReliability))
		dst = hqutils.AppendVarint(dst, 1)
	}

	dst = hqutils.AppendVarint(dst, uint64(greaseSettingID()))
	dst = hqutils.AppendVarint(dst, 0)

	return dst
}

// readWire decodes a settings payload. Truncated pairs are a framing error.
func (st *Settings) readWire(b []byte) error {
	for len(b) > 0 {
		id, n, err := hqutils.ReadVarint(b)
		if err != nil {
			return NewConnectionError(ErrCodeFrameError, "truncated setting id")
		}
		b = b[n:]

		value, n, err := hqutils.ReadVarint(b)
		if err != nil {
			return NewConnectionError(ErrCodeFrameError, "truncated setting value")
		}
		b = b[n:]

		st.apply(SettingID(id), value)
	}

	st.received = true
	return nil
}

func greaseSettingID() SettingID {
	return greaseSettingBase + greaseSettingStep*SettingID(fastrand.Uint32n(1<<8))
}
