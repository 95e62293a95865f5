// Package transfer implements both ends of the file transfer: the consumer
// side Coordinator, which drives one Session per peer, and the Producer, which
// streams files out of a FileSource.
package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/tmslink/internal/protocol"
	"github.com/1ureka/tmslink/internal/util"
	"github.com/google/uuid"
)

// DefaultInactivity is how long a session may wait for the next DATA frame
// before it is failed.
const DefaultInactivity = 30 * time.Second

// Sink sends encoded frames on a logical channel. Links implement it.
// Send must not call back into the coordinator synchronously.
type Sink interface {
	Send(ch protocol.Channel, data []byte) error
}

// CompletionStore persists a verified file before the producer is told it may
// delete its copy.
type CompletionStore interface {
	Save(meta protocol.Metadata, data []byte) error
}

// EventKind tells which fields of an Event are set.
type EventKind int

const (
	EventStateChanged EventKind = iota // State, FileID
	EventProgress                      // FileID, Progress
	EventCompleted                     // FileID, Metadata
	EventFailed                        // FileID, Err
	EventQueueChanged                  // Pending
)

// Event reports coordinator activity to the controlling collaborator.
type Event struct {
	Kind     EventKind
	State    State
	FileID   uint32
	Progress float64
	Metadata protocol.Metadata
	Pending  []uint32
	Err      error
}

// Options configures a Coordinator.
type Options struct {
	Store        CompletionStore
	MTU          int           // outgoing frame limit; defaults to protocol.DefaultMTU
	Inactivity   time.Duration // 0 selects DefaultInactivity, negative disables
	AutoDownload bool
	Completed    []uint32 // ids already received in earlier runs
	MaxPartials  int
	PartialTTL   time.Duration
	Metrics      *util.Metrics
	OnEvent      func(Event)
}

// Coordinator is the consumer side of one peer connection. Inbound frames from
// all three channels, operator requests and the inactivity timer are
// serialized by one mutex; events are delivered after it is released.
type Coordinator struct {
	store      CompletionStore
	mtu        int
	inactivity time.Duration
	metrics    *util.Metrics
	onEvent    func(Event)

	mu      sync.Mutex
	sink    Sink
	log     *util.Logger
	ids     *MessageIDs
	reasm   [3]*Reassembler
	queue   *Queue
	session *Session
	started time.Time
	timer   *time.Timer
	timerID uint64
	events  []Event
}

// NewCoordinator creates an idle, detached coordinator.
func NewCoordinator(opts Options) *Coordinator {
	if opts.MTU <= 0 {
		opts.MTU = protocol.DefaultMTU
	}
	if opts.Inactivity == 0 {
		opts.Inactivity = DefaultInactivity
	}
	if opts.Metrics == nil {
		opts.Metrics = util.NopMetrics()
	}

	c := &Coordinator{
		store:      opts.Store,
		mtu:        opts.MTU,
		inactivity: opts.Inactivity,
		metrics:    opts.Metrics,
		onEvent:    opts.OnEvent,
		log:        util.NewLogger("consumer"),
		ids:        NewMessageIDs(),
		queue:      NewQueue(opts.AutoDownload, opts.Completed),
	}
	for _, ch := range protocol.Channels {
		r := NewReassembler(opts.MaxPartials, opts.PartialTTL)
		r.onEvict = func(id uint16, n int) {
			c.log.Warnf("dropping %d stale fragments of %s message %d", n, ch, id)
			c.metrics.FragmentsEvicted.Inc(1)
		}
		c.reasm[ch] = r
	}
	return c
}

// unlock releases the mutex and then delivers the events queued while it was
// held.
func (c *Coordinator) unlock() {
	events := c.events
	c.events = nil
	c.mu.Unlock()

	if c.onEvent == nil {
		return
	}
	for _, e := range events {
		c.onEvent(e)
	}
}

func (c *Coordinator) emit(e Event) {
	c.events = append(c.events, e)
}

// ---------------------------------------------------------------------------
// Peer lifecycle
// ---------------------------------------------------------------------------

// Attach subscribes sink as the output of a newly connected peer. A previous
// peer, if any, is detached first. Files announced before the sink was
// attached are fetched now when auto-download is on.
func (c *Coordinator) Attach(sink Sink) {
	c.mu.Lock()
	defer c.unlock()

	if c.sink != nil {
		c.detachLocked()
	}
	c.sink = sink
	c.log = util.NewLogger(uuid.NewString()[:8])
	c.log.Infof("peer attached")
	c.drainLocked()
}

// Detach revokes the sink. Any session is cancelled, and buffered chunks and
// fragments, message ids and the pending set are cleared.
func (c *Coordinator) Detach() {
	c.mu.Lock()
	defer c.unlock()

	if c.sink == nil {
		return
	}
	c.detachLocked()
	c.log.Infof("peer detached")
}

func (c *Coordinator) detachLocked() {
	c.cancelLocked(fmt.Errorf("%w: peer detached", ErrCancelled))
	c.sink = nil
	for _, r := range c.reasm {
		r.Reset()
	}
	c.ids.Reset()
	if c.queue.Len() > 0 {
		c.queue.Clear()
		c.queueChangedLocked()
	}
}

// ---------------------------------------------------------------------------
// Operator requests
// ---------------------------------------------------------------------------

// RequestTransfer starts a transfer of fileID. It fails with ErrTransferBusy
// while another session is active.
func (c *Coordinator) RequestTransfer(fileID uint32) error {
	c.mu.Lock()
	defer c.unlock()

	if err := c.canStartLocked(); err != nil {
		return err
	}
	c.queue.ClearFailed(fileID)
	return c.startLocked(fileID, false)
}

// RequestOldest starts a transfer of whichever file the producer holds with
// the smallest id.
func (c *Coordinator) RequestOldest() error {
	c.mu.Lock()
	defer c.unlock()

	if err := c.canStartLocked(); err != nil {
		return err
	}
	return c.startLocked(0, true)
}

// Cancel abandons the active session, if any, and returns to Idle.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.unlock()

	c.cancelLocked(ErrCancelled)
}

// SetAutoDownload toggles the drain loop. Enabling it while idle starts the
// oldest pending transfer immediately.
func (c *Coordinator) SetAutoDownload(on bool) {
	c.mu.Lock()
	defer c.unlock()

	c.queue.SetAutoDownload(on)
	c.drainLocked()
}

// State returns the active session's state, or StateIdle.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return StateIdle
	}
	return c.session.State()
}

// Progress returns the active session's progress in [0, 1].
func (c *Coordinator) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return 0
	}
	return c.session.Progress()
}

// Pending returns the announced ids not yet transferred, ascending.
func (c *Coordinator) Pending() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.queue.Pending()
}

func (c *Coordinator) canStartLocked() error {
	if c.sink == nil {
		return ErrNotAttached
	}
	if c.session != nil {
		return fmt.Errorf("%w: file %d is %s", ErrTransferBusy, c.session.FileID(), c.session.State())
	}
	return nil
}

func (c *Coordinator) startLocked(fileID uint32, oldest bool) error {
	s := NewSession(fileID, oldest)
	if err := c.sendLocked(protocol.StartTransfer{FileID: fileID, Oldest: oldest}); err != nil {
		return fmt.Errorf("send start: %w", err)
	}

	c.session = s
	c.started = time.Now()
	c.armTimerLocked()

	if oldest {
		c.log.Infof("requested oldest file")
	} else {
		c.log.Infof("requested file %d", fileID)
	}
	c.emit(Event{Kind: EventStateChanged, State: s.State(), FileID: fileID})
	return nil
}

// drainLocked issues Start for the oldest pending id when auto-download is on
// and nothing is in flight.
func (c *Coordinator) drainLocked() {
	if !c.queue.AutoDownload() || c.session != nil || c.sink == nil {
		return
	}
	id, ok := c.queue.Next()
	if !ok {
		return
	}
	if err := c.startLocked(id, false); err != nil {
		c.log.Warnf("auto-download of %d: %v", id, err)
	}
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// HandleInbound processes one raw frame received on ch. Malformed frames and
// messages that do not fit the current state are logged and dropped.
func (c *Coordinator) HandleInbound(ch protocol.Channel, raw []byte) {
	c.mu.Lock()
	defer c.unlock()

	c.metrics.FramesRecv.Inc(1)
	c.metrics.BytesRecv.Inc(int64(len(raw)))

	msg, ok := c.decodeLocked(ch, raw)
	if !ok {
		return
	}

	switch m := msg.(type) {
	case protocol.FileAdded:
		if c.queue.Add(m.FileID) {
			c.log.Debugf("file %d announced", m.FileID)
			c.queueChangedLocked()
		}
		c.drainLocked()

	case protocol.FileDeleted:
		if c.queue.Remove(m.FileID) {
			c.log.Debugf("file %d withdrawn", m.FileID)
			c.queueChangedLocked()
		}

	case protocol.BeginTransfer:
		c.onBeginLocked(m.Metadata)

	case protocol.Chunk:
		c.onChunkLocked(m)

	case protocol.EndTransfer:
		c.onEndLocked()

	default:
		c.log.Debugf("ignoring %T on %s channel", msg, ch)
	}
}

func (c *Coordinator) decodeLocked(ch protocol.Channel, raw []byte) (protocol.Message, bool) {
	f, err := protocol.Decode(raw)
	if err != nil {
		c.dropLocked(ch, err)
		return nil, false
	}
	if f.Truncated() {
		c.log.Debugf("%s frame 0x%02x declares %d bytes, %d present", ch, f.Type, f.Length, len(f.Payload))
	}

	// Chunk frames are never fragmented: SEQ is the chunk index.
	if ch == protocol.ChannelData && f.Type == protocol.TypeChunk {
		return protocol.Chunk{Index: f.Seq, Data: f.Payload}, true
	}

	if int(ch) >= len(c.reasm) {
		c.dropLocked(ch, fmt.Errorf("%w: unknown channel", protocol.ErrUnknownMessageType))
		return nil, false
	}
	payload, complete := c.reasm[ch].Feed(f)
	if !complete {
		return nil, false
	}

	msg, err := protocol.ParseMessage(ch, f.Type, f.Seq, payload)
	if err != nil {
		c.dropLocked(ch, err)
		return nil, false
	}
	return msg, true
}

func (c *Coordinator) dropLocked(ch protocol.Channel, err error) {
	c.metrics.FramesDropped.Inc(1)
	c.log.Warnf("dropped %s frame: %v", ch, err)
}

func (c *Coordinator) onBeginLocked(meta protocol.Metadata) {
	s := c.session
	if s == nil || s.State() != StateAwaitingBegin {
		c.log.Warnf("unexpected begin for file %d", meta.FileID)
		return
	}
	if err := s.Begin(meta); err != nil {
		c.failLocked(err)
		return
	}

	c.armTimerLocked()
	c.log.Infof("receiving file %d: %d bytes in %d chunks, sha256 %s",
		meta.FileID, meta.FileSize, meta.TotalChunks, util.ShortHash(meta.SHA256))
	c.emit(Event{Kind: EventStateChanged, State: s.State(), FileID: s.FileID()})
	c.emit(Event{Kind: EventProgress, FileID: s.FileID(), Progress: 0})
}

func (c *Coordinator) onChunkLocked(m protocol.Chunk) {
	s := c.session
	if s == nil || s.State() != StateReceiving {
		c.log.Debugf("chunk %d outside a transfer", m.Index)
		return
	}

	dup, err := s.AddChunk(m.Index, m.Data)
	if err != nil {
		c.dropLocked(protocol.ChannelData, err)
		return
	}
	c.armTimerLocked()
	c.metrics.ChunksReceived.Inc(1)
	if dup {
		c.metrics.DuplicateChunks.Inc(1)
		c.log.Debugf("duplicate chunk %d of file %d", m.Index, s.FileID())
	}
	c.emit(Event{Kind: EventProgress, FileID: s.FileID(), Progress: s.Progress()})
}

func (c *Coordinator) onEndLocked() {
	s := c.session
	if s == nil || s.State() != StateReceiving {
		c.log.Warnf("unexpected end of transfer")
		return
	}

	data, err := s.End()
	if err != nil {
		c.failLocked(err)
		return
	}
	c.completeLocked(s, data)
}

// completeLocked persists a verified file, acknowledges it and moves on to
// the next pending file. COMPLETE is only sent once the store accepted the
// file.
func (c *Coordinator) completeLocked(s *Session, data []byte) {
	c.stopTimerLocked()
	meta := s.Metadata()

	if c.store != nil {
		if err := c.store.Save(meta, data); err != nil {
			c.failLocked(s.Fail(fmt.Errorf("store file %d: %w", meta.FileID, err)))
			return
		}
	}

	if err := c.sendLocked(protocol.CompleteTransfer{FileID: meta.FileID}); err != nil {
		// The file is already stored; the producer keeps its copy and will
		// announce it again, which the completed set ignores.
		c.log.Warnf("acknowledge file %d: %v", meta.FileID, err)
	}

	c.metrics.TransfersCompleted.Inc(1)
	c.metrics.TransferDuration.Record(time.Since(c.started))
	c.log.Infof("file %d complete (%d bytes)", meta.FileID, len(data))

	c.emit(Event{Kind: EventStateChanged, State: StateComplete, FileID: meta.FileID})
	c.emit(Event{Kind: EventCompleted, FileID: meta.FileID, Metadata: meta, Progress: 1})

	hadPending := c.queue.Remove(meta.FileID)
	c.queue.MarkCompleted(meta.FileID)
	if hadPending {
		c.queueChangedLocked()
	}

	c.session = nil
	c.emit(Event{Kind: EventStateChanged, State: StateIdle, FileID: meta.FileID})
	c.drainLocked()
}

// failLocked ends the active session with err and returns to Idle. The file
// stays pending but is not retried automatically.
func (c *Coordinator) failLocked(err error) {
	s := c.session
	if s == nil {
		return
	}
	c.stopTimerLocked()
	if s.State() != StateFailed {
		s.Fail(err)
	}
	c.reasm[protocol.ChannelData].Reset()

	c.metrics.TransfersFailed.Inc(1)
	c.log.Errorf("file %d failed: %v", s.FileID(), err)

	if !s.Placeholder() {
		c.queue.MarkFailed(s.FileID())
	}
	c.emit(Event{Kind: EventStateChanged, State: StateFailed, FileID: s.FileID()})
	c.emit(Event{Kind: EventFailed, FileID: s.FileID(), Err: err})

	c.session = nil
	c.emit(Event{Kind: EventStateChanged, State: StateIdle, FileID: s.FileID()})
}

func (c *Coordinator) cancelLocked(reason error) {
	s := c.session
	if s == nil {
		return
	}
	c.stopTimerLocked()
	s.Reset()
	c.reasm[protocol.ChannelData].Reset()
	c.session = nil

	c.log.Infof("transfer of file %d cancelled", s.FileID())
	c.emit(Event{Kind: EventFailed, FileID: s.FileID(), Err: reason})
	c.emit(Event{Kind: EventStateChanged, State: StateIdle, FileID: s.FileID()})
}

func (c *Coordinator) queueChangedLocked() {
	c.metrics.PendingFiles.Update(float64(c.queue.Len()))
	c.emit(Event{Kind: EventQueueChanged, Pending: c.queue.Pending()})
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

func (c *Coordinator) sendLocked(m protocol.Message) error {
	if c.sink == nil {
		return ErrNotAttached
	}
	frames, err := protocol.EncodeMessage(m, c.ids.Next(m.Channel()), c.mtu)
	if err != nil {
		return err
	}
	for _, b := range frames {
		if err := c.sink.Send(m.Channel(), b); err != nil {
			return err
		}
		c.metrics.FramesSent.Inc(1)
		c.metrics.BytesSent.Inc(int64(len(b)))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Inactivity timer
// ---------------------------------------------------------------------------

// armTimerLocked (re)starts the inactivity timer. Each arming gets a new id so
// a timer that already fired but lost the race for the mutex is ignored.
func (c *Coordinator) armTimerLocked() {
	if c.inactivity < 0 {
		return
	}
	c.stopTimerLocked()
	c.timerID++
	id := c.timerID
	c.timer = time.AfterFunc(c.inactivity, func() { c.onInactivity(id) })
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coordinator) onInactivity(id uint64) {
	c.mu.Lock()
	defer c.unlock()

	if id != c.timerID || c.session == nil {
		return
	}
	switch c.session.State() {
	case StateAwaitingBegin, StateReceiving:
		c.timer = nil
		c.failLocked(fmt.Errorf("%w: no data for %s", ErrInactivityTimeout, c.inactivity))
	}
}
