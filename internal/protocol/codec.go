package protocol

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes a Frame for transmission on a channel. The Length field of
// f is ignored; the written LENGTH is always len(f.Payload).
func Encode(f *Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}
	if f.Seq > MaxSeq {
		return nil, fmt.Errorf("%w: %d", ErrSeqOutOfRange, f.Seq)
	}

	seq := f.Seq
	if f.More {
		seq |= moreFlag
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = f.Type
	binary.BigEndian.PutUint16(buf[1:3], f.ID)
	binary.BigEndian.PutUint16(buf[3:5], seq)
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// Decode deserializes a Frame. If fewer payload bytes are present than LENGTH
// declares, only the present bytes are kept and no error is returned; callers
// can detect this with Frame.Truncated. Bytes beyond LENGTH are ignored.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrFrameTooShort, len(data), HeaderSize)
	}

	seq := binary.BigEndian.Uint16(data[3:5])
	f := &Frame{
		Type:   data[0],
		ID:     binary.BigEndian.Uint16(data[1:3]),
		Seq:    seq &^ moreFlag,
		More:   seq&moreFlag != 0,
		Length: binary.BigEndian.Uint16(data[5:7]),
	}

	n := min(int(f.Length), len(data)-HeaderSize)
	f.Payload = make([]byte, n)
	copy(f.Payload, data[HeaderSize:HeaderSize+n])
	return f, nil
}

// Fragment splits one logical message into frames of at most maxPayload
// payload bytes. Fragment numbers ascend from 0 and every frame but the last
// carries the MORE flag. An empty payload yields a single empty frame.
func Fragment(typ uint8, id uint16, payload []byte, maxPayload int) ([]*Frame, error) {
	if maxPayload < 1 {
		return nil, fmt.Errorf("invalid fragment size %d", maxPayload)
	}
	maxPayload = min(maxPayload, MaxPayloadSize)

	count := max(1, ChunkCount(len(payload), maxPayload))
	if count-1 > MaxSeq {
		return nil, fmt.Errorf("%w: message needs %d fragments", ErrSeqOutOfRange, count)
	}

	frames := make([]*Frame, 0, count)
	for i := range count {
		start := i * maxPayload
		end := min(start+maxPayload, len(payload))
		part := payload[start:end]
		frames = append(frames, &Frame{
			Type:    typ,
			ID:      id,
			Seq:     uint16(i),
			More:    i < count-1,
			Length:  uint16(len(part)),
			Payload: part,
		})
	}
	return frames, nil
}

// ChunkSize returns the payload capacity of one frame for the given MTU.
func ChunkSize(mtu int) int {
	return mtu - HeaderSize
}

// ChunkCount returns how many chunks of chunkSize are needed for size bytes.
func ChunkCount(size, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}
