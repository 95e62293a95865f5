package transfer

import (
	"testing"

	"github.com/1ureka/tmslink/internal/protocol"
)

func TestMessageIDsIndependentPerChannel(t *testing.T) {
	ids := NewMessageIDs()

	if got := ids.Next(protocol.ChannelControl); got != 1 {
		t.Fatalf("first control id: got %d, want 1", got)
	}
	if got := ids.Next(protocol.ChannelControl); got != 2 {
		t.Fatalf("second control id: got %d, want 2", got)
	}
	if got := ids.Next(protocol.ChannelData); got != 1 {
		t.Fatalf("first data id: got %d, want 1", got)
	}
	if got := ids.Next(protocol.ChannelStatus); got != 1 {
		t.Fatalf("first status id: got %d, want 1", got)
	}
}

func TestMessageIDsWrap(t *testing.T) {
	ids := NewMessageIDs()
	ids.counters[protocol.ChannelData].Store(0xFFFE)

	if got := ids.Next(protocol.ChannelData); got != 0xFFFF {
		t.Fatalf("got %d, want 65535", got)
	}
	if got := ids.Next(protocol.ChannelData); got != 0 {
		t.Fatalf("got %d, want 0 after wrap", got)
	}
	if got := ids.Next(protocol.ChannelData); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
}

func TestMessageIDsReset(t *testing.T) {
	ids := NewMessageIDs()
	ids.Next(protocol.ChannelControl)
	ids.Next(protocol.ChannelControl)
	ids.Reset()

	if got := ids.Next(protocol.ChannelControl); got != 1 {
		t.Fatalf("after reset: got %d, want 1", got)
	}
}
