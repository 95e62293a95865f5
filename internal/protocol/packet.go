// Package protocol defines the frame format, channels and message types for
// the audio transfer link.
package protocol

import "errors"

// Channel identifies one logical sub-link of the transport.
type Channel uint8

const (
	ChannelControl Channel = iota // consumer → producer commands
	ChannelStatus                 // producer → consumer file inventory notifications
	ChannelData                   // producer → consumer file transfer
)

// String returns the channel name used in logs.
func (c Channel) String() string {
	switch c {
	case ChannelControl:
		return "control"
	case ChannelStatus:
		return "status"
	case ChannelData:
		return "data"
	default:
		return "unknown"
	}
}

// Channels lists every logical channel in wire order.
var Channels = []Channel{ChannelControl, ChannelStatus, ChannelData}

// Message type constants, grouped by the channel that carries them.
const (
	TypeStartTransfer    uint8 = 0x01 // CONTROL: fileId (4 bytes) or empty for the oldest file
	TypeCompleteTransfer uint8 = 0x02 // CONTROL: fileId (4 bytes)

	TypeFileAdded   uint8 = 0x40 // STATUS: fileId (4 bytes)
	TypeFileDeleted uint8 = 0x41 // STATUS: fileId (4 bytes)

	TypeBeginTransfer uint8 = 0x80 // DATA: Metadata (42 bytes)
	TypeChunk         uint8 = 0x81 // DATA: file bytes, SEQ carries the chunk index
	TypeEndTransfer   uint8 = 0x82 // DATA: no payload
)

const (
	// HeaderSize is the fixed header size: Type(1) + ID(2) + Seq(2) + Length(2).
	HeaderSize = 7

	// MaxPayloadSize is the largest payload the LENGTH field can describe.
	MaxPayloadSize = 0xFFFF

	// MaxSeq is the largest fragment number / chunk index; bit 15 is the MORE flag.
	MaxSeq = 0x7FFF

	// DefaultMTU is the negotiated BLE ATT MTU the link is tuned for.
	DefaultMTU = 512

	// MinMTU leaves room for the header and one payload byte.
	MinMTU = HeaderSize + 1

	moreFlag = 0x8000
)

// Framing errors. These are handled locally by receivers: logged and dropped.
var (
	ErrFrameTooShort      = errors.New("frame too short")
	ErrLengthMismatch     = errors.New("payload length mismatch")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrSeqOutOfRange      = errors.New("sequence number out of range")
)

// Frame is one unit transmitted on a channel.
type Frame struct {
	Type    uint8
	ID      uint16 // per-channel conversation tag
	Seq     uint16 // fragment number or chunk index, 0..MaxSeq
	More    bool   // more fragments follow under the same ID
	Length  uint16 // declared payload length
	Payload []byte
}

// Truncated reports whether fewer payload bytes arrived than LENGTH declared.
func (f *Frame) Truncated() bool {
	return len(f.Payload) < int(f.Length)
}
