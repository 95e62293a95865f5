package transfer

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/1ureka/tmslink/internal/protocol"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateAwaitingBegin
	StateReceiving
	StateVerifying
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingBegin:
		return "awaiting-begin"
	case StateReceiving:
		return "receiving"
	case StateVerifying:
		return "verifying"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session tracks one file's chunked transfer and its verification.
// It is owned by a Coordinator and is not safe for concurrent use.
type Session struct {
	fileID      uint32
	placeholder bool // requested as "oldest"; fileID is unknown until BEGIN

	meta   protocol.Metadata
	chunks map[uint16][]byte
	state  State
	err    error
}

// NewSession creates a session waiting for BEGIN. A placeholder session
// adopts whatever file id the producer announces.
func NewSession(fileID uint32, placeholder bool) *Session {
	return &Session{
		fileID:      fileID,
		placeholder: placeholder,
		state:       StateAwaitingBegin,
	}
}

func (s *Session) FileID() uint32              { return s.fileID }
func (s *Session) Placeholder() bool           { return s.placeholder }
func (s *Session) Metadata() protocol.Metadata { return s.meta }
func (s *Session) State() State                { return s.state }
func (s *Session) Err() error                  { return s.err }

// Received returns the number of distinct chunk indices stored.
func (s *Session) Received() int { return len(s.chunks) }

// Progress returns received/total in [0, 1].
func (s *Session) Progress() float64 {
	switch {
	case s.state == StateComplete:
		return 1
	case s.meta.TotalChunks == 0:
		return 0
	default:
		return float64(len(s.chunks)) / float64(s.meta.TotalChunks)
	}
}

// Begin moves AwaitingBegin → Receiving. A concrete session that is offered a
// different file fails with ErrSessionIdentityMismatch.
func (s *Session) Begin(meta protocol.Metadata) error {
	if s.state != StateAwaitingBegin {
		return fmt.Errorf("begin for file %d in state %s", meta.FileID, s.state)
	}

	if s.placeholder {
		s.fileID = meta.FileID
		s.placeholder = false
	} else if meta.FileID != s.fileID {
		return s.Fail(fmt.Errorf("%w: expected %d, got %d", ErrSessionIdentityMismatch, s.fileID, meta.FileID))
	}

	s.meta = meta
	s.chunks = make(map[uint16][]byte, meta.TotalChunks)
	s.state = StateReceiving
	return nil
}

// AddChunk stores data at index. A repeated index overwrites the previous
// data; the returned bool reports whether it was a duplicate. An index at or
// past TotalChunks is refused with ErrChunkOutOfRange.
func (s *Session) AddChunk(index uint16, data []byte) (bool, error) {
	if s.state != StateReceiving {
		return false, fmt.Errorf("chunk %d in state %s", index, s.state)
	}
	if index >= s.meta.TotalChunks {
		return false, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, index, s.meta.TotalChunks)
	}
	_, dup := s.chunks[index]
	s.chunks[index] = data
	return dup, nil
}

// End moves Receiving → Verifying and then to Complete or Failed. On success
// it returns the assembled file.
func (s *Session) End() ([]byte, error) {
	if s.state != StateReceiving {
		return nil, fmt.Errorf("end in state %s", s.state)
	}
	s.state = StateVerifying

	total := int(s.meta.TotalChunks)
	var missing []int
	size := 0
	for i := range total {
		c, ok := s.chunks[uint16(i)]
		if !ok {
			missing = append(missing, i)
			continue
		}
		size += len(c)
	}
	if len(missing) > 0 {
		return nil, s.Fail(fmt.Errorf("%w: %d of %d absent, first %d", ErrMissingChunks, len(missing), total, missing[0]))
	}
	if size != int(s.meta.FileSize) {
		return nil, s.Fail(fmt.Errorf("%w: assembled %d bytes, expected %d", ErrSizeMismatch, size, s.meta.FileSize))
	}

	buf := bytes.NewBuffer(make([]byte, 0, size))
	for i := range total {
		buf.Write(s.chunks[uint16(i)])
	}
	data := buf.Bytes()

	if sum := sha256.Sum256(data); sum != s.meta.SHA256 {
		return nil, s.Fail(fmt.Errorf("%w: file %d", ErrHashMismatch, s.fileID))
	}

	s.state = StateComplete
	s.chunks = nil
	return data, nil
}

// Fail marks the session Failed with err and drops buffered chunks.
func (s *Session) Fail(err error) error {
	s.state = StateFailed
	s.err = err
	s.chunks = nil
	return err
}

// Reset returns the session to Idle and discards all buffered data.
func (s *Session) Reset() {
	s.state = StateIdle
	s.chunks = nil
	s.err = nil
}
