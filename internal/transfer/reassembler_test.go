package transfer

import (
	"bytes"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/1ureka/tmslink/internal/protocol"
)

func fragments(t *testing.T, id uint16, payload []byte, size int) []*protocol.Frame {
	t.Helper()
	frames, err := protocol.Fragment(protocol.TypeBeginTransfer, id, payload, size)
	if err != nil {
		t.Fatalf("Fragment failed: %v", err)
	}
	return frames
}

func TestReassemblerSingleFrame(t *testing.T) {
	r := NewReassembler(0, 0)

	got, ok := r.Feed(&protocol.Frame{ID: 1, Payload: []byte("whole")})
	if !ok || string(got) != "whole" {
		t.Fatalf("got %q, %v", got, ok)
	}
	if r.Partials() != 0 {
		t.Errorf("single frame left state behind")
	}
}

func TestReassemblerInOrder(t *testing.T) {
	r := NewReassembler(0, 0)
	payload := bytes.Repeat([]byte("0123456789"), 10)
	frames := fragments(t, 5, payload, 16)

	for i, f := range frames {
		got, ok := r.Feed(f)
		if i < len(frames)-1 {
			if ok {
				t.Fatalf("completed early at fragment %d", i)
			}
			continue
		}
		if !ok || !bytes.Equal(got, payload) {
			t.Fatalf("final fragment: ok=%v, payload mismatch", ok)
		}
	}
	if r.Partials() != 0 {
		t.Errorf("state not cleared after completion")
	}
}

// TestReassemblerPermuted delivers fragments in random orders, including the
// final fragment before earlier ones.
func TestReassemblerPermuted(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	for round := range 50 {
		r := NewReassembler(0, 0)
		frames := fragments(t, uint16(round), payload, 23)
		rng.Shuffle(len(frames), func(i, j int) { frames[i], frames[j] = frames[j], frames[i] })

		var (
			got  []byte
			done int
		)
		for _, f := range frames {
			if out, ok := r.Feed(f); ok {
				got = out
				done++
			}
		}
		if done != 1 {
			t.Fatalf("round %d: completed %d times", round, done)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("round %d: payload mismatch", round)
		}
	}
}

func TestReassemblerMissingFragmentRetainsState(t *testing.T) {
	r := NewReassembler(0, 0)
	frames := fragments(t, 9, []byte("abcdefghij"), 4) // 3 fragments

	r.Feed(frames[0])
	if _, ok := r.Feed(frames[2]); ok {
		t.Fatalf("completed with fragment 1 missing")
	}
	if r.Partials() != 1 {
		t.Fatalf("partials: got %d, want 1", r.Partials())
	}

	got, ok := r.Feed(frames[1])
	if !ok || string(got) != "abcdefghij" {
		t.Fatalf("late fragment: got %q, %v", got, ok)
	}
}

func TestReassemblerIndependentIDs(t *testing.T) {
	r := NewReassembler(0, 0)
	a := fragments(t, 1, []byte("aaaaaaaa"), 4)
	b := fragments(t, 2, []byte("bbbbbbbb"), 4)

	r.Feed(a[0])
	r.Feed(b[0])
	if got, ok := r.Feed(b[1]); !ok || string(got) != "bbbbbbbb" {
		t.Fatalf("id 2: got %q, %v", got, ok)
	}
	if got, ok := r.Feed(a[1]); !ok || string(got) != "aaaaaaaa" {
		t.Fatalf("id 1: got %q, %v", got, ok)
	}
}

func TestReassemblerReset(t *testing.T) {
	r := NewReassembler(0, 0)
	r.Feed(&protocol.Frame{ID: 1, Seq: 0, More: true, Payload: []byte("x")})
	r.Feed(&protocol.Frame{ID: 2, Seq: 0, More: true, Payload: []byte("y")})

	r.ResetForID(1)
	if r.Partials() != 1 {
		t.Fatalf("ResetForID: partials %d, want 1", r.Partials())
	}
	r.Reset()
	if r.Partials() != 0 {
		t.Fatalf("Reset: partials %d, want 0", r.Partials())
	}
}

func TestReassemblerEvictsOldestWhenFull(t *testing.T) {
	now := time.Unix(0, 0)
	r := NewReassembler(2, time.Hour)
	r.now = func() time.Time { return now }

	var evicted []uint16
	r.onEvict = func(id uint16, _ int) { evicted = append(evicted, id) }

	for id := uint16(1); id <= 3; id++ {
		r.Feed(&protocol.Frame{ID: id, More: true, Payload: []byte{byte(id)}})
		now = now.Add(time.Second)
	}

	if r.Partials() != 2 {
		t.Fatalf("partials: got %d, want 2", r.Partials())
	}
	if len(evicted) != 1 || evicted[0] != 1 {
		t.Fatalf("evicted: got %v, want [1]", evicted)
	}
}

func TestReassemblerEvictsExpired(t *testing.T) {
	now := time.Unix(0, 0)
	r := NewReassembler(0, 5*time.Second)
	r.now = func() time.Time { return now }

	var evicted []uint16
	r.onEvict = func(id uint16, _ int) { evicted = append(evicted, id) }

	r.Feed(&protocol.Frame{ID: 1, More: true, Payload: []byte("stale")})
	now = now.Add(6 * time.Second)
	r.Feed(&protocol.Frame{ID: 2, Payload: []byte("fresh")})

	if r.Partials() != 0 {
		t.Fatalf("partials: got %d, want 0", r.Partials())
	}
	if len(evicted) != 1 || evicted[0] != 1 {
		t.Fatalf("evicted: got %v, want [1]", evicted)
	}
}
