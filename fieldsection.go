package hq

import (
	"golang.org/x/net/http2/hpack"

	"github.com/countingdata/hq/hqutils"
)

// fieldSectionCodec compresses header field sections with a dynamic table
// fed over a dedicated encoder stream, mirrored by acknowledgments on a
// decoder stream. Field sections referencing table entries that have not
// arrived yet cannot be decoded; the owning request stream stays blocked
// until the encoder stream catches up.
//
// One instance serves the whole session: the encoder half compresses local
// egress, the decoder half decompresses peer ingress.
type fieldSectionCodec struct {
	// encoder half
	insertCount   uint64
	knownReceived uint64
	maxTableSize  uint64
	tableUse      uint64
	dynamicIndex  map[string]uint64
	encoderOutput []byte // pending instructions for the peer decoder
	maxBlocked    uint64

	// decoder half
	receivedInserts uint64
	decoderOutput   []byte // pending section acks for the peer encoder
	blocked         map[StreamID]uint64

	// onUnblocked is invoked with the streams whose required insert count
	// became satisfied by newly received encoder instructions.
	onUnblocked func(ids []StreamID)
}

// decoder stream instruction opcodes (internal wire format)
const (
	fsInstrSectionAck      = 0x0
	fsInstrInsertIncrement = 0x1
	fsInstrStreamCancel    = 0x2
)

// field flags inside a section
const (
	fsFieldLiteral = 0x0
	fsFieldHuffman = 0x1
)

// approximate per-entry table overhead, in the spirit of RFC 9204 §3.2.1
const fsEntryOverhead = 32

func newFieldSectionCodec() *fieldSectionCodec {
	return &fieldSectionCodec{
		maxTableSize: defaultHeaderTableSize,
		maxBlocked:   defaultBlockedStreams,
		dynamicIndex: make(map[string]uint64),
		blocked:      make(map[StreamID]uint64),
	}
}

func (fs *fieldSectionCodec) SetMaxTableSize(size uint64) {
	fs.maxTableSize = size
}

func (fs *fieldSectionCodec) SetMaxBlocked(n uint64) {
	fs.maxBlocked = n
}

// InsertCount is the number of dynamic table entries the encoder has emitted.
func (fs *fieldSectionCodec) InsertCount() uint64 {
	return fs.insertCount
}

// ReceivedInserts is the number of entries read off the peer encoder stream.
func (fs *fieldSectionCodec) ReceivedInserts() uint64 {
	return fs.receivedInserts
}

func (fs *fieldSectionCodec) entrySize(f hpack.HeaderField) uint64 {
	return uint64(len(f.Name)+len(f.Value)) + fsEntryOverhead
}

func (fs *fieldSectionCodec) insert(f hpack.HeaderField) {
	key := f.Name + "\x00" + f.Value
	if _, ok := fs.dynamicIndex[key]; ok {
		return
	}

	size := fs.entrySize(f)
	if fs.tableUse+size > fs.maxTableSize {
		return
	}

	fs.insertCount++
	fs.tableUse += size
	fs.dynamicIndex[key] = fs.insertCount

	fs.encoderOutput = hqutils.AppendVarint(fs.encoderOutput, uint64(len(f.Name)))
	fs.encoderOutput = append(fs.encoderOutput, f.Name...)
	fs.encoderOutput = hqutils.AppendVarint(fs.encoderOutput, uint64(len(f.Value)))
	fs.encoderOutput = append(fs.encoderOutput, f.Value...)
}

// EncodeFieldSection compresses fields into a self-contained section and
// queues any dynamic table inserts on the encoder stream output.
func (fs *fieldSectionCodec) EncodeFieldSection(fields []hpack.HeaderField) []byte {
	for _, f := range fields {
		fs.insert(f)
	}

	section := hqutils.AppendVarint(nil, fs.insertCount)
	section = hqutils.AppendVarint(section, uint64(len(fields)))

	for _, f := range fields {
		section = hqutils.AppendVarint(section, uint64(len(f.Name)))
		section = append(section, f.Name...)

		if hpack.HuffmanEncodeLength(f.Value) < uint64(len(f.Value)) {
			huff := hpack.AppendHuffmanString(nil, f.Value)
			section = append(section, fsFieldHuffman)
			section = hqutils.AppendVarint(section, uint64(len(huff)))
			section = append(section, huff...)
		} else {
			section = append(section, fsFieldLiteral)
			section = hqutils.AppendVarint(section, uint64(len(f.Value)))
			section = append(section, f.Value...)
		}
	}

	return section
}

// DecodeFieldSection decompresses a section received on stream id. A nil
// field slice with blocked=true means the section references dynamic table
// entries not yet delivered on the encoder stream.
func (fs *fieldSectionCodec) DecodeFieldSection(id StreamID, section []byte) (fields []hpack.HeaderField, blocked bool, err error) {
	required, n, verr := hqutils.ReadVarint(section)
	if verr != nil {
		return nil, false, NewConnectionError(ErrCodeFieldSectionError, "truncated section prefix")
	}
	section = section[n:]

	if required > fs.receivedInserts {
		if uint64(len(fs.blocked)) >= fs.maxBlocked {
			return nil, false, NewConnectionError(ErrCodeFieldSectionError, "too many blocked streams")
		}

		fs.blocked[id] = required
		return nil, true, nil
	}
	delete(fs.blocked, id)

	count, n, verr := hqutils.ReadVarint(section)
	if verr != nil {
		return nil, false, NewConnectionError(ErrCodeFieldSectionError, "truncated field count")
	}
	section = section[n:]

	fields = make([]hpack.HeaderField, 0, count)
	for i := uint64(0); i < count; i++ {
		var f hpack.HeaderField

		nameLen, n, verr := hqutils.ReadVarint(section)
		if verr != nil || uint64(len(section[n:])) < nameLen {
			return nil, false, NewConnectionError(ErrCodeFieldSectionError, "truncated field name")
		}
		section = section[n:]
		f.Name = string(section[:nameLen])
		section = section[nameLen:]

		if len(section) == 0 {
			return nil, false, NewConnectionError(ErrCodeFieldSectionError, "missing field flags")
		}
		flags := section[0]
		section = section[1:]

		valLen, n, verr := hqutils.ReadVarint(section)
		if verr != nil || uint64(len(section[n:])) < valLen {
			return nil, false, NewConnectionError(ErrCodeFieldSectionError, "truncated field value")
		}
		section = section[n:]

		switch flags {
		case fsFieldLiteral:
			f.Value = string(section[:valLen])
		case fsFieldHuffman:
			decoded, derr := hpack.HuffmanDecodeToString(section[:valLen])
			if derr != nil {
				return nil, false, NewConnectionError(ErrCodeFieldSectionError, "bad huffman value")
			}
			f.Value = decoded
		default:
			return nil, false, NewConnectionError(ErrCodeFieldSectionError, "unknown field flags")
		}
		section = section[valLen:]

		fields = append(fields, f)
	}

	fs.decoderOutput = hqutils.AppendVarint(fs.decoderOutput, fsInstrSectionAck)
	fs.decoderOutput = hqutils.AppendVarint(fs.decoderOutput, id)

	return fields, false, nil
}

// FeedEncoderStream consumes instructions from the peer's encoder stream and
// reports streams that became decodable. Incomplete trailing instructions
// remain unconsumed.
func (fs *fieldSectionCodec) FeedEncoderStream(data []byte) (consumed int, err error) {
	for {
		rest := data[consumed:]
		if len(rest) == 0 {
			break
		}

		nameLen, n1, verr := hqutils.ReadVarint(rest)
		if verr != nil {
			break
		}
		if uint64(len(rest[n1:])) < nameLen {
			break
		}
		after := rest[n1+int(nameLen):]

		valLen, n2, verr := hqutils.ReadVarint(after)
		if verr != nil {
			break
		}
		if uint64(len(after[n2:])) < valLen {
			break
		}

		consumed += n1 + int(nameLen) + n2 + int(valLen)
		fs.receivedInserts++
	}

	if consumed > 0 {
		fs.notifyUnblocked()

		fs.decoderOutput = hqutils.AppendVarint(fs.decoderOutput, fsInstrInsertIncrement)
		fs.decoderOutput = hqutils.AppendVarint(fs.decoderOutput, fs.receivedInserts)
	}

	return consumed, nil
}

// FeedDecoderStream consumes acknowledgment instructions from the peer's
// decoder stream.
func (fs *fieldSectionCodec) FeedDecoderStream(data []byte) (consumed int, err error) {
	for {
		rest := data[consumed:]
		if len(rest) == 0 {
			break
		}

		op, n1, verr := hqutils.ReadVarint(rest)
		if verr != nil {
			break
		}

		arg, n2, verr := hqutils.ReadVarint(rest[n1:])
		if verr != nil {
			break
		}

		switch op {
		case fsInstrSectionAck, fsInstrStreamCancel:
			// nothing held per-section beyond the known received count
		case fsInstrInsertIncrement:
			if arg > fs.insertCount {
				return consumed, NewConnectionError(ErrCodeFieldSectionError, "ack beyond insert count")
			}
			if arg > fs.knownReceived {
				fs.knownReceived = arg
			}
		default:
			return consumed, NewConnectionError(ErrCodeFieldSectionError, "unknown decoder instruction")
		}

		consumed += n1 + n2
	}

	return consumed, nil
}

// CancelStream withdraws a blocked section and queues a cancellation for the
// peer encoder.
func (fs *fieldSectionCodec) CancelStream(id StreamID) {
	delete(fs.blocked, id)

	fs.decoderOutput = hqutils.AppendVarint(fs.decoderOutput, fsInstrStreamCancel)
	fs.decoderOutput = hqutils.AppendVarint(fs.decoderOutput, id)
}

// TakeEncoderOutput drains pending encoder stream instructions.
func (fs *fieldSectionCodec) TakeEncoderOutput() []byte {
	out := fs.encoderOutput
	fs.encoderOutput = nil
	return out
}

// TakeDecoderOutput drains pending decoder stream acknowledgments.
func (fs *fieldSectionCodec) TakeDecoderOutput() []byte {
	out := fs.decoderOutput
	fs.decoderOutput = nil
	return out
}

func (fs *fieldSectionCodec) notifyUnblocked() {
	if len(fs.blocked) == 0 || fs.onUnblocked == nil {
		return
	}

	var ready []StreamID
	for id, required := range fs.blocked {
		if required <= fs.receivedInserts {
			ready = append(ready, id)
		}
	}

	if len(ready) > 0 {
		fs.onUnblocked(ready)
	}
}
