package protocol

import (
	"encoding/binary"
	"fmt"
)

// MetadataSize is the length of the BEGIN payload.
const MetadataSize = 42

const fileIDSize = 4

// Metadata describes one file transfer and is carried by BeginTransfer.
type Metadata struct {
	FileID      uint32
	FileSize    uint32
	SHA256      [32]byte
	TotalChunks uint16
}

// Message is a decoded logical message. The concrete types below are the only
// implementations.
type Message interface {
	Channel() Channel
	Type() uint8
}

// StartTransfer asks the producer to stream a file. Oldest requests whatever
// file the producer holds with the smallest id; FileID is then ignored.
type StartTransfer struct {
	FileID uint32
	Oldest bool
}

// CompleteTransfer tells the producer that FileID was received and verified,
// and that it may delete its copy.
type CompleteTransfer struct{ FileID uint32 }

// FileAdded announces a file available for transfer.
type FileAdded struct{ FileID uint32 }

// FileDeleted announces a file that is no longer available.
type FileDeleted struct{ FileID uint32 }

// BeginTransfer opens a transfer.
type BeginTransfer struct{ Metadata Metadata }

// Chunk carries one slice of file data at Index.
type Chunk struct {
	Index uint16
	Data  []byte
}

// EndTransfer closes a transfer.
type EndTransfer struct{}

func (StartTransfer) Channel() Channel    { return ChannelControl }
func (CompleteTransfer) Channel() Channel { return ChannelControl }
func (FileAdded) Channel() Channel        { return ChannelStatus }
func (FileDeleted) Channel() Channel      { return ChannelStatus }
func (BeginTransfer) Channel() Channel    { return ChannelData }
func (Chunk) Channel() Channel            { return ChannelData }
func (EndTransfer) Channel() Channel      { return ChannelData }

func (StartTransfer) Type() uint8    { return TypeStartTransfer }
func (CompleteTransfer) Type() uint8 { return TypeCompleteTransfer }
func (FileAdded) Type() uint8        { return TypeFileAdded }
func (FileDeleted) Type() uint8      { return TypeFileDeleted }
func (BeginTransfer) Type() uint8    { return TypeBeginTransfer }
func (Chunk) Type() uint8            { return TypeChunk }
func (EndTransfer) Type() uint8      { return TypeEndTransfer }

// ParseMessage interprets a (reassembled) payload received on ch. seq is only
// meaningful for Chunk, where it is the chunk index.
func ParseMessage(ch Channel, typ uint8, seq uint16, payload []byte) (Message, error) {
	switch {
	case ch == ChannelControl && typ == TypeStartTransfer:
		if len(payload) == 0 {
			return StartTransfer{Oldest: true}, nil
		}
		id, err := parseFileID(typ, payload)
		return StartTransfer{FileID: id}, err

	case ch == ChannelControl && typ == TypeCompleteTransfer:
		id, err := parseFileID(typ, payload)
		return CompleteTransfer{FileID: id}, err

	case ch == ChannelStatus && typ == TypeFileAdded:
		id, err := parseFileID(typ, payload)
		return FileAdded{FileID: id}, err

	case ch == ChannelStatus && typ == TypeFileDeleted:
		id, err := parseFileID(typ, payload)
		return FileDeleted{FileID: id}, err

	case ch == ChannelData && typ == TypeBeginTransfer:
		meta, err := DecodeMetadata(payload)
		return BeginTransfer{Metadata: meta}, err

	case ch == ChannelData && typ == TypeChunk:
		return Chunk{Index: seq, Data: payload}, nil

	case ch == ChannelData && typ == TypeEndTransfer:
		return EndTransfer{}, nil
	}

	return nil, fmt.Errorf("%w: 0x%02x on %s channel", ErrUnknownMessageType, typ, ch)
}

// MessagePayload returns the wire payload of m.
func MessagePayload(m Message) []byte {
	switch m := m.(type) {
	case StartTransfer:
		if m.Oldest {
			return nil
		}
		return encodeFileID(m.FileID)
	case CompleteTransfer:
		return encodeFileID(m.FileID)
	case FileAdded:
		return encodeFileID(m.FileID)
	case FileDeleted:
		return encodeFileID(m.FileID)
	case BeginTransfer:
		return EncodeMetadata(m.Metadata)
	case Chunk:
		return m.Data
	default:
		return nil
	}
}

// EncodeMetadata writes the 42-byte BEGIN layout:
// FileID(4) + FileSize(4) + SHA256(32) + TotalChunks(2), big endian.
func EncodeMetadata(m Metadata) []byte {
	buf := make([]byte, MetadataSize)
	binary.BigEndian.PutUint32(buf[0:4], m.FileID)
	binary.BigEndian.PutUint32(buf[4:8], m.FileSize)
	copy(buf[8:40], m.SHA256[:])
	binary.BigEndian.PutUint16(buf[40:42], m.TotalChunks)
	return buf
}

// DecodeMetadata parses the 42-byte BEGIN layout. Any other length is
// rejected, including the historical 266-byte padded form.
func DecodeMetadata(b []byte) (Metadata, error) {
	if len(b) != MetadataSize {
		return Metadata{}, fmt.Errorf("%w: begin payload is %d bytes, want %d", ErrLengthMismatch, len(b), MetadataSize)
	}
	m := Metadata{
		FileID:      binary.BigEndian.Uint32(b[0:4]),
		FileSize:    binary.BigEndian.Uint32(b[4:8]),
		TotalChunks: binary.BigEndian.Uint16(b[40:42]),
	}
	copy(m.SHA256[:], b[8:40])
	return m, nil
}

func parseFileID(typ uint8, b []byte) (uint32, error) {
	if len(b) < fileIDSize {
		return 0, fmt.Errorf("%w: type 0x%02x needs %d byte file id, got %d", ErrLengthMismatch, typ, fileIDSize, len(b))
	}
	return binary.BigEndian.Uint32(b[:fileIDSize]), nil
}

func encodeFileID(id uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, id)
}

// EncodeMessage renders m as one or more encoded frames tagged with id, none
// larger than mtu. A Chunk is always a single frame whose SEQ is the chunk
// index; any other message is fragmented when it does not fit.
func EncodeMessage(m Message, id uint16, mtu int) ([][]byte, error) {
	var frames []*Frame

	if c, ok := m.(Chunk); ok {
		if len(c.Data) > ChunkSize(mtu) {
			return nil, fmt.Errorf("%w: chunk of %d bytes exceeds mtu %d", ErrPayloadTooLarge, len(c.Data), mtu)
		}
		frames = []*Frame{{Type: TypeChunk, ID: id, Seq: c.Index, Payload: c.Data}}
	} else {
		var err error
		frames, err = Fragment(m.Type(), id, MessagePayload(m), ChunkSize(mtu))
		if err != nil {
			return nil, err
		}
	}

	out := make([][]byte, 0, len(frames))
	for _, f := range frames {
		b, err := Encode(f)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
