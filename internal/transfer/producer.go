package transfer

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/1ureka/tmslink/internal/protocol"
	"github.com/1ureka/tmslink/internal/util"
	"github.com/google/uuid"
)

// DefaultPacing is the pause between consecutive frame writes of a stream.
// Bounded-queue links drop notifications when written back to back.
const DefaultPacing = 20 * time.Millisecond

// FileSource is the producer's view of the files it may hand out.
type FileSource interface {
	IDs() []uint32
	Oldest() (uint32, bool)
	Open(id uint32) ([]byte, error)
	Remove(id uint32) error
}

// ProducerOptions configures a Producer.
type ProducerOptions struct {
	MTU     int           // defaults to protocol.DefaultMTU
	Pacing  time.Duration // defaults to DefaultPacing
	Metrics *util.Metrics
}

// Producer is the file-source side of one peer connection. It announces its
// inventory, streams one file at a time on request and deletes a file once
// the consumer acknowledged it.
type Producer struct {
	src     FileSource
	mtu     int
	pacing  time.Duration
	metrics *util.Metrics

	mu     sync.Mutex
	sink   Sink
	log    *util.Logger
	ids    *MessageIDs
	reasm  *Reassembler
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProducer creates a detached producer serving files from src.
func NewProducer(src FileSource, opts ProducerOptions) *Producer {
	if opts.MTU <= 0 {
		opts.MTU = protocol.DefaultMTU
	}
	if opts.Pacing <= 0 {
		opts.Pacing = DefaultPacing
	}
	if opts.Metrics == nil {
		opts.Metrics = util.NopMetrics()
	}
	return &Producer{
		src:     src,
		mtu:     opts.MTU,
		pacing:  opts.Pacing,
		metrics: opts.Metrics,
		log:     util.NewLogger("producer"),
		ids:     NewMessageIDs(),
		reasm:   NewReassembler(0, 0),
	}
}

// Attach subscribes sink and announces every file currently held.
func (p *Producer) Attach(sink Sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sink = sink
	p.log = util.NewLogger(uuid.NewString()[:8])

	ids := p.src.IDs()
	p.log.Infof("peer attached, announcing %d files", len(ids))
	for _, id := range ids {
		if err := p.sendLocked(protocol.FileAdded{FileID: id}); err != nil {
			return fmt.Errorf("announce file %d: %w", id, err)
		}
	}
	return nil
}

// Detach revokes the sink and stops any stream before returning.
func (p *Producer) Detach() {
	p.mu.Lock()
	p.sink = nil
	p.reasm.Reset()
	p.ids.Reset()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Streaming reports whether a file is currently being sent.
func (p *Producer) Streaming() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// NotifyAdded announces a new file to the attached peer.
func (p *Producer) NotifyAdded(id uint32) {
	p.notify(protocol.FileAdded{FileID: id})
}

// NotifyDeleted tells the attached peer a file is gone.
func (p *Producer) NotifyDeleted(id uint32) {
	p.notify(protocol.FileDeleted{FileID: id})
}

func (p *Producer) notify(m protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sink == nil {
		return
	}
	if err := p.sendLocked(m); err != nil {
		p.log.Warnf("notify %T: %v", m, err)
	}
}

// HandleInbound processes one raw frame from the consumer. Only CONTROL
// carries requests; anything else is dropped.
func (p *Producer) HandleInbound(ch protocol.Channel, raw []byte) {
	p.metrics.FramesRecv.Inc(1)
	p.metrics.BytesRecv.Inc(int64(len(raw)))

	if ch != protocol.ChannelControl {
		p.drop(ch, fmt.Errorf("%w: producer only accepts control", protocol.ErrUnknownMessageType))
		return
	}
	f, err := protocol.Decode(raw)
	if err != nil {
		p.drop(ch, err)
		return
	}

	p.mu.Lock()
	payload, complete := p.reasm.Feed(f)
	p.mu.Unlock()
	if !complete {
		return
	}

	msg, err := protocol.ParseMessage(ch, f.Type, f.Seq, payload)
	if err != nil {
		p.drop(ch, err)
		return
	}

	switch m := msg.(type) {
	case protocol.StartTransfer:
		p.start(m)
	case protocol.CompleteTransfer:
		p.complete(m.FileID)
	}
}

func (p *Producer) drop(ch protocol.Channel, err error) {
	p.metrics.FramesDropped.Inc(1)
	p.mu.Lock()
	log := p.log
	p.mu.Unlock()
	log.Warnf("dropped %s frame: %v", ch, err)
}

func (p *Producer) start(m protocol.StartTransfer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sink == nil {
		p.log.Warnf("start request dropped, no consumer attached")
		return
	}
	if p.cancel != nil {
		p.log.Warnf("start request ignored, a transfer is in progress")
		return
	}

	id := m.FileID
	if m.Oldest {
		var ok bool
		if id, ok = p.src.Oldest(); !ok {
			p.log.Warnf("start request for the oldest file, but none are held")
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.stream(ctx, p.sink, p.log, id, p.done)
}

// stream sends one file: BEGIN, every chunk in order, END, pausing between
// writes. The file stays on disk until the consumer acknowledges it.
func (p *Producer) stream(ctx context.Context, sink Sink, log *util.Logger, id uint32, done chan struct{}) {
	defer close(done)

	started := time.Now()
	if err := p.sendFile(ctx, sink, log, id, done); err != nil {
		p.release(done)
		if ctx.Err() != nil {
			log.Infof("stream of file %d stopped", id)
			return
		}
		log.Errorf("stream of file %d: %v", id, err)
		return
	}

	p.metrics.TransferDuration.Record(time.Since(started))
	log.Infof("file %d sent in %s, awaiting acknowledgement", id, time.Since(started).Round(time.Millisecond))
}

// release frees the stream slot if it still belongs to done.
func (p *Producer) release(done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(done)
}

func (p *Producer) releaseLocked(done chan struct{}) {
	if p.done == done {
		p.cancel()
		p.cancel, p.done = nil, nil
	}
}

func (p *Producer) sendFile(ctx context.Context, sink Sink, log *util.Logger, id uint32, done chan struct{}) error {
	data, err := p.src.Open(id)
	if err != nil {
		return err
	}

	cs := protocol.ChunkSize(p.mtu)
	total := protocol.ChunkCount(len(data), cs)
	if uint64(len(data)) > math.MaxUint32 || total > protocol.MaxSeq+1 {
		return fmt.Errorf("%w: %d bytes at mtu %d", ErrFileTooLarge, len(data), p.mtu)
	}
	meta := protocol.Metadata{
		FileID:      id,
		FileSize:    uint32(len(data)),
		SHA256:      sha256.Sum256(data),
		TotalChunks: uint16(total),
	}
	log.Infof("sending file %d: %d bytes in %d chunks, sha256 %s", id, meta.FileSize, total, util.ShortHash(meta.SHA256))

	if err := p.write(ctx, sink, protocol.BeginTransfer{Metadata: meta}, false); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for i := range total {
		end := min((i+1)*cs, len(data))
		if err := p.write(ctx, sink, protocol.Chunk{Index: uint16(i), Data: data[i*cs : end]}, true); err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		p.metrics.ChunksSent.Inc(1)
	}

	if err := p.pause(ctx); err != nil {
		return err
	}

	// END and the release of the stream slot happen under one lock, so a
	// START that the consumer sends in reply to END is never refused as busy.
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	p.releaseLocked(done)
	if err := p.writeFrames(sink, protocol.EndTransfer{}); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	return nil
}

// write sends every frame of m, pausing before each one when pace is set.
func (p *Producer) write(ctx context.Context, sink Sink, m protocol.Message, pace bool) error {
	frames, err := protocol.EncodeMessage(m, p.ids.Next(m.Channel()), p.mtu)
	if err != nil {
		return err
	}
	for i, b := range frames {
		if pace || i > 0 {
			if err := p.pause(ctx); err != nil {
				return err
			}
		}
		if err := sink.Send(m.Channel(), b); err != nil {
			return err
		}
		p.metrics.FramesSent.Inc(1)
		p.metrics.BytesSent.Inc(int64(len(b)))
	}
	return nil
}

// pause waits one pacing interval.
func (p *Producer) pause(ctx context.Context) error {
	t := time.NewTimer(p.pacing)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// complete deletes an acknowledged file and withdraws it from the peer.
func (p *Producer) complete(id uint32) {
	if err := p.src.Remove(id); err != nil {
		p.mu.Lock()
		p.log.Errorf("remove acknowledged file %d: %v", id, err)
		p.mu.Unlock()
		return
	}
	p.metrics.TransfersCompleted.Inc(1)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.log.Infof("file %d acknowledged and removed", id)
	if p.sink != nil {
		if err := p.sendLocked(protocol.FileDeleted{FileID: id}); err != nil {
			p.log.Warnf("notify deletion of %d: %v", id, err)
		}
	}
}

func (p *Producer) sendLocked(m protocol.Message) error {
	return p.writeFrames(p.sink, m)
}

// writeFrames sends m without pacing.
func (p *Producer) writeFrames(sink Sink, m protocol.Message) error {
	frames, err := protocol.EncodeMessage(m, p.ids.Next(m.Channel()), p.mtu)
	if err != nil {
		return err
	}
	for _, b := range frames {
		if err := sink.Send(m.Channel(), b); err != nil {
			return err
		}
		p.metrics.FramesSent.Inc(1)
		p.metrics.BytesSent.Inc(int64(len(b)))
	}
	return nil
}
