package transfer

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/tmslink/internal/protocol"
)

var errLinkClosed = errors.New("link closed")

// mockLink is one end of an in-process link. Frames sent on a channel reach
// the peer's handler in order, each after a random delay, and channels are
// delivered independently of each other.
type mockLink struct {
	mu      sync.RWMutex
	handler func(protocol.Channel, []byte)
	peer    *mockLink
	queues  [3]chan []byte
	done    chan struct{}
	once    sync.Once
}

// mockLinks creates a connected pair of links.
func mockLinks(maxDelay time.Duration) (a, b *mockLink) {
	a = &mockLink{done: make(chan struct{})}
	b = &mockLink{done: make(chan struct{})}
	a.peer, b.peer = b, a
	for _, l := range []*mockLink{a, b} {
		for _, ch := range protocol.Channels {
			l.queues[ch] = make(chan []byte, 1024)
			go l.deliver(ch, maxDelay)
		}
	}
	return a, b
}

func (m *mockLink) Send(ch protocol.Channel, data []byte) error {
	select {
	case m.peer.queues[ch] <- bytes.Clone(data):
		return nil
	case <-m.done:
		return errLinkClosed
	case <-m.peer.done:
		return errLinkClosed
	}
}

func (m *mockLink) OnMessage(fn func(protocol.Channel, []byte)) {
	m.mu.Lock()
	m.handler = fn
	m.mu.Unlock()
}

func (m *mockLink) Close() {
	m.once.Do(func() { close(m.done) })
}

// deliver hands queued frames for ch to the handler one at a time.
func (m *mockLink) deliver(ch protocol.Channel, maxDelay time.Duration) {
	for {
		select {
		case data := <-m.queues[ch]:
			select {
			case <-time.After(time.Duration(rand.Int64N(int64(maxDelay) + 1))):
			case <-m.done:
				return
			}
			m.mu.RLock()
			fn := m.handler
			m.mu.RUnlock()
			if fn != nil {
				fn(ch, data)
			}
		case <-m.done:
			return
		}
	}
}

// TestEndToEndAutoDownload moves several files from a Producer to a
// Coordinator over a delaying link and checks they arrive oldest first,
// verified, and are deleted at the source.
func TestEndToEndAutoDownload(t *testing.T) {
	files := map[uint32][]byte{
		1700000300: makeTestData(2500, 3),
		1700000100: makeTestData(1010, 1),
		1700000200: makeTestData(10, 2),
	}
	src := newMemorySource(map[uint32][]byte{})
	for id, data := range files {
		src.files[id] = data
	}

	producerLink, consumerLink := mockLinks(2 * time.Millisecond)
	defer producerLink.Close()
	defer consumerLink.Close()

	completed := make(chan uint32, len(files))
	store := &memoryStore{}
	c := NewCoordinator(Options{
		Store:        store,
		AutoDownload: true,
		OnEvent: func(e Event) {
			switch e.Kind {
			case EventCompleted:
				completed <- e.FileID
			case EventFailed:
				t.Errorf("file %d failed: %v", e.FileID, e.Err)
			}
		},
	})
	p := NewProducer(src, ProducerOptions{Pacing: time.Millisecond})

	consumerLink.OnMessage(c.HandleInbound)
	producerLink.OnMessage(p.HandleInbound)
	c.Attach(consumerLink)
	defer c.Detach()
	if err := p.Attach(producerLink); err != nil {
		t.Fatalf("producer Attach: %v", err)
	}
	defer p.Detach()

	var order []uint32
	for range files {
		select {
		case id := <-completed:
			order = append(order, id)
		case <-time.After(10 * time.Second):
			t.Fatalf("only %d of %d files completed", len(order), len(files))
		}
	}

	want := []uint32{1700000100, 1700000200, 1700000300}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("completion order: got %v, want %v", order, want)
		}
	}
	for id, data := range files {
		if !bytes.Equal(store.files[id], data) {
			t.Fatalf("file %d differs after transfer", id)
		}
	}
	waitFor(t, "source cleanup", func() bool { return len(src.IDs()) == 0 })
	waitFor(t, "pending drain", func() bool { return len(c.Pending()) == 0 })
}

// TestEndToEndLateFile checks that a file announced while idle is fetched.
func TestEndToEndLateFile(t *testing.T) {
	src := newMemorySource(map[uint32][]byte{})
	producerLink, consumerLink := mockLinks(time.Millisecond)
	defer producerLink.Close()
	defer consumerLink.Close()

	completed := make(chan uint32, 1)
	c := NewCoordinator(Options{
		Store:        &memoryStore{},
		AutoDownload: true,
		OnEvent: func(e Event) {
			if e.Kind == EventCompleted {
				completed <- e.FileID
			}
		},
	})
	p := NewProducer(src, ProducerOptions{Pacing: time.Millisecond})
	consumerLink.OnMessage(c.HandleInbound)
	producerLink.OnMessage(p.HandleInbound)
	c.Attach(consumerLink)
	defer c.Detach()
	p.Attach(producerLink)
	defer p.Detach()

	src.mu.Lock()
	src.files[42] = makeTestData(777, 7)
	src.mu.Unlock()
	p.NotifyAdded(42)

	select {
	case id := <-completed:
		if id != 42 {
			t.Fatalf("completed %d, want 42", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("late file never transferred")
	}
}
