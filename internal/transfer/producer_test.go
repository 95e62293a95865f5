package transfer

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/tmslink/internal/protocol"
)

// memorySource is a FileSource backed by a map.
type memorySource struct {
	mu    sync.Mutex
	files map[uint32][]byte
}

func newMemorySource(files map[uint32][]byte) *memorySource {
	return &memorySource{files: files}
}

func (s *memorySource) IDs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint32, 0, len(s.files))
	for id := range s.files {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *memorySource) Oldest() (uint32, bool) {
	ids := s.IDs()
	if len(ids) == 0 {
		return 0, false
	}
	return ids[0], true
}

func (s *memorySource) Open(id uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrFileNotFound, id)
	}
	return data, nil
}

func (s *memorySource) Remove(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		return fmt.Errorf("%w: %d", ErrFileNotFound, id)
	}
	delete(s.files, id)
	return nil
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func control(t *testing.T, p *Producer, m protocol.Message) {
	t.Helper()
	frames, err := protocol.EncodeMessage(m, 1, protocol.DefaultMTU)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	for _, b := range frames {
		p.HandleInbound(protocol.ChannelControl, b)
	}
}

func TestProducerAnnouncesInventory(t *testing.T) {
	src := newMemorySource(map[uint32][]byte{30: {1}, 10: {2}, 20: {3}})
	p := NewProducer(src, ProducerOptions{Pacing: time.Millisecond})
	sink := &recordingSink{}

	if err := p.Attach(sink); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer p.Detach()

	var announced []uint32
	for _, m := range sink.messages() {
		announced = append(announced, m.(protocol.FileAdded).FileID)
	}
	if !slices.Equal(announced, []uint32{10, 20, 30}) {
		t.Fatalf("announced: got %v", announced)
	}
}

func TestProducerStreamsRequestedFile(t *testing.T) {
	data := makeTestData(1300, 6)
	src := newMemorySource(map[uint32][]byte{5: data, 6: {1, 2, 3}})
	p := NewProducer(src, ProducerOptions{Pacing: time.Millisecond})
	sink := &recordingSink{}
	p.Attach(sink)
	defer p.Detach()

	control(t, p, protocol.StartTransfer{FileID: 5})
	waitFor(t, "end of transfer", func() bool {
		msgs := sink.messages()
		_, ok := msgs[len(msgs)-1].(protocol.EndTransfer)
		return ok
	})

	s := NewSession(5, false)
	for _, m := range sink.messages() {
		switch m := m.(type) {
		case protocol.BeginTransfer:
			if m.Metadata.TotalChunks != 3 || m.Metadata.FileSize != 1300 {
				t.Fatalf("metadata: %+v", m.Metadata)
			}
			s.Begin(m.Metadata)
		case protocol.Chunk:
			s.AddChunk(m.Index, m.Data)
		}
	}
	if _, err := s.End(); err != nil {
		t.Fatalf("received stream does not verify: %v", err)
	}
	waitFor(t, "stream slot release", func() bool { return !p.Streaming() })

	if _, err := src.Open(5); err != nil {
		t.Fatalf("file removed before acknowledgement")
	}
}

func TestProducerStreamsOldest(t *testing.T) {
	src := newMemorySource(map[uint32][]byte{9: {9}, 4: {4}})
	p := NewProducer(src, ProducerOptions{Pacing: time.Millisecond})
	sink := &recordingSink{}
	p.Attach(sink)
	defer p.Detach()

	control(t, p, protocol.StartTransfer{Oldest: true})
	waitFor(t, "begin", func() bool {
		for _, m := range sink.messages() {
			if b, ok := m.(protocol.BeginTransfer); ok {
				if b.Metadata.FileID != 4 {
					t.Fatalf("streamed %d, want oldest 4", b.Metadata.FileID)
				}
				return true
			}
		}
		return false
	})
}

func TestProducerIgnoresStartWhileStreaming(t *testing.T) {
	src := newMemorySource(map[uint32][]byte{1: makeTestData(5000, 1), 2: {2}})
	p := NewProducer(src, ProducerOptions{Pacing: 5 * time.Millisecond})
	sink := &recordingSink{}
	p.Attach(sink)
	defer p.Detach()

	control(t, p, protocol.StartTransfer{FileID: 1})
	control(t, p, protocol.StartTransfer{FileID: 2})
	waitFor(t, "stream end", func() bool { return !p.Streaming() })

	begins := 0
	for _, m := range sink.messages() {
		if b, ok := m.(protocol.BeginTransfer); ok {
			begins++
			if b.Metadata.FileID != 1 {
				t.Fatalf("second request was served: %d", b.Metadata.FileID)
			}
		}
	}
	if begins != 1 {
		t.Fatalf("begins: got %d, want 1", begins)
	}
}

func TestProducerCompleteRemovesFile(t *testing.T) {
	src := newMemorySource(map[uint32][]byte{7: {7}})
	p := NewProducer(src, ProducerOptions{})
	sink := &recordingSink{}
	p.Attach(sink)
	defer p.Detach()

	control(t, p, protocol.CompleteTransfer{FileID: 7})

	if len(src.IDs()) != 0 {
		t.Fatalf("file kept after acknowledgement")
	}
	msgs := sink.messages()
	if d, ok := msgs[len(msgs)-1].(protocol.FileDeleted); !ok || d.FileID != 7 {
		t.Fatalf("last message: %#v", msgs[len(msgs)-1])
	}

	// A repeated acknowledgement finds nothing to delete and stays quiet.
	n := len(msgs)
	control(t, p, protocol.CompleteTransfer{FileID: 7})
	if len(sink.messages()) != n {
		t.Fatalf("repeated acknowledgement notified the peer")
	}
}

func TestProducerUnknownFile(t *testing.T) {
	p := NewProducer(newMemorySource(map[uint32][]byte{}), ProducerOptions{Pacing: time.Millisecond})
	sink := &recordingSink{}
	p.Attach(sink)
	defer p.Detach()

	control(t, p, protocol.StartTransfer{FileID: 404})
	waitFor(t, "stream slot release", func() bool { return !p.Streaming() })
	if len(sink.messages()) != 0 {
		t.Fatalf("sent %d messages for a missing file", len(sink.messages()))
	}

	control(t, p, protocol.StartTransfer{Oldest: true})
	if p.Streaming() || len(sink.messages()) != 0 {
		t.Fatalf("oldest request with no files started a stream")
	}
}

func TestProducerRefusesOversizedFile(t *testing.T) {
	// At MTU 23 a chunk holds 16 bytes; one byte more than 0x8000 chunks
	// would need a chunk index beyond 0x7FFF.
	src := newMemorySource(map[uint32][]byte{1: make([]byte, 16*(protocol.MaxSeq+1)+1)})
	p := NewProducer(src, ProducerOptions{MTU: 23, Pacing: time.Millisecond})
	sink := &recordingSink{}
	p.Attach(sink)
	defer p.Detach()

	n := len(sink.messages())
	control(t, p, protocol.StartTransfer{FileID: 1})
	waitFor(t, "stream slot release", func() bool { return !p.Streaming() })
	if len(sink.messages()) != n {
		t.Fatalf("oversized file was streamed")
	}
}

func TestProducerDetachStopsStream(t *testing.T) {
	src := newMemorySource(map[uint32][]byte{1: makeTestData(50000, 1)})
	p := NewProducer(src, ProducerOptions{Pacing: 5 * time.Millisecond})
	sink := &recordingSink{}
	p.Attach(sink)

	control(t, p, protocol.StartTransfer{FileID: 1})
	waitFor(t, "first chunk", func() bool { return len(sink.messages()) > 3 })
	p.Detach()

	if p.Streaming() {
		t.Fatalf("stream still running after Detach")
	}
	n := len(sink.messages())
	time.Sleep(20 * time.Millisecond)
	if len(sink.messages()) != n {
		t.Fatalf("frames sent after Detach")
	}
	for _, m := range sink.messages() {
		if _, ok := m.(protocol.EndTransfer); ok {
			t.Fatalf("stopped stream sent END")
		}
	}
}

func TestProducerDropsNonControlFrames(t *testing.T) {
	src := newMemorySource(map[uint32][]byte{1: {1}})
	p := NewProducer(src, ProducerOptions{Pacing: time.Millisecond})
	sink := &recordingSink{}
	p.Attach(sink)
	defer p.Detach()

	frames, _ := protocol.EncodeMessage(protocol.StartTransfer{FileID: 1}, 1, protocol.DefaultMTU)
	p.HandleInbound(protocol.ChannelData, frames[0])
	p.HandleInbound(protocol.ChannelControl, []byte{0x01})

	if p.Streaming() {
		t.Fatalf("misrouted start began a stream")
	}
}

// timedSink records when each frame was written.
type timedSink struct {
	recordingSink
	mu    sync.Mutex
	times []time.Time
}

func (s *timedSink) Send(ch protocol.Channel, data []byte) error {
	s.mu.Lock()
	s.times = append(s.times, time.Now())
	s.mu.Unlock()
	return s.recordingSink.Send(ch, data)
}

func (s *timedSink) stamps() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.times)
}

func TestProducerPacesEveryWriteAfterBegin(t *testing.T) {
	const pacing = 15 * time.Millisecond
	// The chunk size equals the BEGIN payload, so every message is one frame.
	src := newMemorySource(map[uint32][]byte{9: makeTestData(3*protocol.MetadataSize, 1)})
	p := NewProducer(src, ProducerOptions{MTU: protocol.HeaderSize + protocol.MetadataSize, Pacing: pacing})
	sink := &timedSink{}
	if err := p.Attach(sink); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer p.Detach()

	control(t, p, protocol.StartTransfer{FileID: 9})
	waitFor(t, "end of transfer", func() bool { return !p.Streaming() })

	msgs, stamps := sink.messages(), sink.stamps()
	if len(msgs) != len(stamps) {
		t.Fatalf("%d messages but %d writes", len(msgs), len(stamps))
	}
	begin := slices.IndexFunc(msgs, func(m protocol.Message) bool {
		_, ok := m.(protocol.BeginTransfer)
		return ok
	})
	if begin < 0 {
		t.Fatal("no begin sent")
	}
	// BEGIN, three chunks, END.
	if n := len(msgs) - begin; n != 5 {
		t.Fatalf("got %d frames from begin on, want 5", n)
	}
	if _, ok := msgs[len(msgs)-1].(protocol.EndTransfer); !ok {
		t.Fatalf("last frame is %T, want EndTransfer", msgs[len(msgs)-1])
	}
	for i := begin + 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < pacing {
			t.Fatalf("frame %d (%T) followed the previous one after %v, want at least %v", i, msgs[i], gap, pacing)
		}
	}
}

func TestProducerDropsStartWithoutConsumer(t *testing.T) {
	src := newMemorySource(map[uint32][]byte{3: {1, 2, 3}})
	p := NewProducer(src, ProducerOptions{Pacing: time.Millisecond})

	control(t, p, protocol.StartTransfer{Oldest: true})
	if p.Streaming() {
		t.Fatal("streaming without a consumer")
	}

	sink := &recordingSink{}
	if err := p.Attach(sink); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer p.Detach()
	control(t, p, protocol.StartTransfer{Oldest: true})
	waitFor(t, "end of transfer", func() bool {
		msgs := sink.messages()
		_, ok := msgs[len(msgs)-1].(protocol.EndTransfer)
		return ok
	})
}
