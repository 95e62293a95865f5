package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/1ureka/tmslink/internal/protocol"
	"github.com/1ureka/tmslink/internal/util"
	"go.bug.st/serial"
)

// DefaultSerialMTU matches the notification payload most UART BLE bridge
// modules forward in one piece.
const DefaultSerialMTU = 244

const serialReadTimeout = 100 * time.Millisecond

var _ Link = (*StreamLink)(nil)

// StreamLink carries the three logical channels over one byte stream. Every
// frame travels as a KISS envelope whose first byte is the channel.
type StreamLink struct {
	rwc io.ReadWriteCloser
	mtu int

	wmu sync.Mutex

	inbox *inbox

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// OpenSerial opens a serial port and runs a StreamLink over it.
func OpenSerial(ctx context.Context, portName string, baud, mtu int) (*StreamLink, error) {
	port, err := serial.Open(portName, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portName, err)
	}
	// Reads return periodically so the reader notices Close.
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("configure serial port %s: %w", portName, err)
	}
	util.LogInfo("serial port %s opened at %d baud", portName, baud)
	return NewStreamLink(ctx, port, mtu), nil
}

// NewStreamLink starts a link over rwc. Frames longer than mtu are refused;
// mtu <= 0 selects DefaultSerialMTU. The link takes ownership of rwc.
func NewStreamLink(ctx context.Context, rwc io.ReadWriteCloser, mtu int) *StreamLink {
	if mtu <= 0 {
		mtu = DefaultSerialMTU
	}
	lCtx, cancel := context.WithCancel(ctx)
	l := &StreamLink{
		rwc:    rwc,
		mtu:    mtu,
		inbox:  newInbox(),
		ctx:    lCtx,
		cancel: cancel,
	}
	go l.readLoop()
	go func() {
		<-lCtx.Done()
		l.Close()
	}()
	return l
}

// MTU returns the largest frame the link accepts.
func (l *StreamLink) MTU() int { return l.mtu }

func (l *StreamLink) Done() <-chan struct{} { return l.ctx.Done() }

// Close stops the reader and closes the underlying stream.
func (l *StreamLink) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.closeErr = l.rwc.Close()
	})
	return l.closeErr
}

func (l *StreamLink) OnMessage(fn func(ch protocol.Channel, data []byte)) {
	l.inbox.register(fn)
}

// Send writes one frame as a KISS envelope. Writes are serialized.
func (l *StreamLink) Send(ch protocol.Channel, data []byte) error {
	if !validChannel(ch) {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, ch)
	}
	if len(data) > l.mtu {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), l.mtu)
	}
	if l.ctx.Err() != nil {
		return ErrLinkClosed
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()

	if _, err := l.rwc.Write(kissEncode(byte(ch), data)); err != nil {
		if l.ctx.Err() != nil {
			return ErrLinkClosed
		}
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

// readLoop splits the stream into envelopes and hands each frame to the
// handler. It ends the link on a read error.
func (l *StreamLink) readLoop() {
	defer l.cancel()

	dec := newKISSDecoder(l.mtu + 1)
	buf := make([]byte, 1024)

	for {
		n, err := l.rwc.Read(buf)
		if n > 0 {
			for _, env := range dec.feed(buf[:n]) {
				l.dispatch(env)
			}
		}
		if err != nil {
			if l.ctx.Err() == nil && !errors.Is(err, io.EOF) {
				util.LogWarning("serial read: %v", err)
			}
			return
		}
		if l.ctx.Err() != nil {
			return
		}
	}
}

func (l *StreamLink) dispatch(env []byte) {
	ch := protocol.Channel(env[0])
	if !validChannel(ch) {
		util.LogDebug("serial envelope for unknown channel %d dropped", env[0])
		return
	}
	l.inbox.deliver(l.ctx, ch, env[1:])
}
