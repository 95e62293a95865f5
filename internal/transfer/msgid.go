package transfer

import (
	"sync/atomic"

	"github.com/1ureka/tmslink/internal/protocol"
)

// MessageIDs hands out per-channel conversation tags. Each channel has its own
// counter; ordering inside a transfer is carried by SEQ, never by these ids.
// All operations are atomic so senders on different goroutines can share it.
type MessageIDs struct {
	counters [3]atomic.Uint32
}

// NewMessageIDs creates an allocator whose first id on every channel is 1.
func NewMessageIDs() *MessageIDs {
	return &MessageIDs{}
}

// Next returns the next id for ch, wrapping modulo 65536.
func (m *MessageIDs) Next(ch protocol.Channel) uint16 {
	return uint16(m.counters[ch%3].Add(1))
}

// Reset restarts every channel at 1.
func (m *MessageIDs) Reset() {
	for i := range m.counters {
		m.counters[i].Store(0)
	}
}
