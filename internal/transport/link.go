// Package transport provides the links that carry the three logical channels
// between a producer and a consumer: WebRTC DataChannels and a KISS-framed
// byte stream for UART-attached BLE bridges.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/1ureka/tmslink/internal/protocol"
)

// Link is a bidirectional message link with one sub-link per logical channel.
type Link interface {
	// Send queues one encoded frame on ch. It blocks while the link is
	// congested and fails once the link is done.
	Send(ch protocol.Channel, data []byte) error

	// OnMessage registers the handler for inbound frames. Frames received
	// before a handler is registered are held until it is.
	OnMessage(fn func(ch protocol.Channel, data []byte))

	Done() <-chan struct{}
	Close() error
}

var (
	ErrLinkClosed     = errors.New("link closed")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrFrameTooLarge  = errors.New("frame exceeds link mtu")
)

func validChannel(ch protocol.Channel) bool {
	return int(ch) < len(protocol.Channels)
}

// inbox holds a link's message handler.
type inbox struct {
	mu      sync.RWMutex
	fn      func(protocol.Channel, []byte)
	set     chan struct{}
	setOnce sync.Once
}

func newInbox() *inbox {
	return &inbox{set: make(chan struct{})}
}

func (b *inbox) register(fn func(protocol.Channel, []byte)) {
	b.mu.Lock()
	b.fn = fn
	b.mu.Unlock()
	b.setOnce.Do(func() { close(b.set) })
}

// deliver hands data to the handler, waiting for one to be registered. It
// gives up when ctx is done.
func (b *inbox) deliver(ctx context.Context, ch protocol.Channel, data []byte) {
	select {
	case <-b.set:
	case <-ctx.Done():
		return
	}

	b.mu.RLock()
	fn := b.fn
	b.mu.RUnlock()

	if fn != nil {
		fn(ch, data)
	}
}
