package transfer

import (
	"time"

	"github.com/1ureka/tmslink/internal/protocol"
)

// Reassembler limits.
const (
	DefaultMaxPartials = 16
	DefaultPartialTTL  = 10 * time.Second
)

// partial collects the fragments of one message id.
type partial struct {
	fragments map[uint16][]byte
	last      int // fragment number of the final fragment, -1 until seen
	firstSeen time.Time
}

// Reassembler joins messages split across frames that share one message id.
// It is used inside the coordinator's critical section and needs no locking.
//
// At most maxPartials ids are buffered at once (the oldest is evicted to make
// room) and partials older than ttl are dropped on the next Feed.
type Reassembler struct {
	maxPartials int
	ttl         time.Duration
	now         func() time.Time
	onEvict     func(id uint16, fragments int)

	partials map[uint16]*partial
}

// NewReassembler creates a reassembler. Non-positive limits select the defaults.
func NewReassembler(maxPartials int, ttl time.Duration) *Reassembler {
	if maxPartials <= 0 {
		maxPartials = DefaultMaxPartials
	}
	if ttl <= 0 {
		ttl = DefaultPartialTTL
	}
	return &Reassembler{
		maxPartials: maxPartials,
		ttl:         ttl,
		now:         time.Now,
		partials:    make(map[uint16]*partial),
	}
}

// Feed buffers f and returns the full payload once every fragment 0..last is
// present. A frame without the MORE flag marks the last fragment; fragments
// that arrive after it are still accepted until the message completes.
func (r *Reassembler) Feed(f *protocol.Frame) ([]byte, bool) {
	r.sweep()

	p, ok := r.partials[f.ID]
	if !ok {
		// Common case: an unfragmented message.
		if !f.More && f.Seq == 0 {
			return f.Payload, true
		}
		r.makeRoom()
		p = &partial{fragments: make(map[uint16][]byte), last: -1, firstSeen: r.now()}
		r.partials[f.ID] = p
	}

	p.fragments[f.Seq] = f.Payload
	if !f.More {
		p.last = int(f.Seq)
	}
	if p.last < 0 {
		return nil, false
	}

	size := 0
	for i := 0; i <= p.last; i++ {
		frag, ok := p.fragments[uint16(i)]
		if !ok {
			return nil, false
		}
		size += len(frag)
	}

	out := make([]byte, 0, size)
	for i := 0; i <= p.last; i++ {
		out = append(out, p.fragments[uint16(i)]...)
	}
	delete(r.partials, f.ID)
	return out, true
}

// ResetForID drops any buffered fragments for id.
func (r *Reassembler) ResetForID(id uint16) {
	delete(r.partials, id)
}

// Reset drops every buffered fragment.
func (r *Reassembler) Reset() {
	clear(r.partials)
}

// Partials returns the number of ids with buffered fragments.
func (r *Reassembler) Partials() int {
	return len(r.partials)
}

// sweep evicts partials older than the ttl.
func (r *Reassembler) sweep() {
	cutoff := r.now().Add(-r.ttl)
	for id, p := range r.partials {
		if p.firstSeen.Before(cutoff) {
			r.evict(id, p)
		}
	}
}

// makeRoom evicts the oldest partial when the table is full.
func (r *Reassembler) makeRoom() {
	if len(r.partials) < r.maxPartials {
		return
	}
	var (
		oldestID uint16
		oldest   *partial
	)
	for id, p := range r.partials {
		if oldest == nil || p.firstSeen.Before(oldest.firstSeen) {
			oldestID, oldest = id, p
		}
	}
	if oldest != nil {
		r.evict(oldestID, oldest)
	}
}

func (r *Reassembler) evict(id uint16, p *partial) {
	delete(r.partials, id)
	if r.onEvict != nil {
		r.onEvict(id, len(p.fragments))
	}
}
