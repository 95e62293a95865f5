package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/1ureka/tmslink/internal/protocol"
)

func TestMessageJSON(t *testing.T) {
	data, err := json.Marshal(Message{Type: MsgTypeOffer, SDP: "v=0"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"offer","sdp":"v=0"}` {
		t.Fatalf("got %s", data)
	}

	var msg Message
	if err := json.Unmarshal([]byte(`{"type":"candidate","candidate":"{}"}`), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != MsgTypeCandidate || msg.Candidate != "{}" {
		t.Fatalf("got %+v", msg)
	}
}

func TestURL(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"192.168.1.5", "ws://192.168.1.5:8080/ws?pin=0042"},
		{"fe80::1", "ws://[fe80::1]:8080/ws?pin=0042"},
	}
	for _, tt := range tests {
		if got := URL(tt.host, 8080, "0042"); got != tt.want {
			t.Errorf("URL(%s): got %s, want %s", tt.host, got, tt.want)
		}
	}
}

func TestGeneratePIN(t *testing.T) {
	for range 20 {
		pin := GeneratePIN(DefaultPINLength)
		if len(pin) != DefaultPINLength {
			t.Fatalf("length: got %q", pin)
		}
		if strings.Trim(pin, "0123456789") != "" {
			t.Fatalf("non-digit in %q", pin)
		}
	}
}

func TestServerChecksPINAndAcceptsOneClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := newServer("1234")
	port, err := srv.start(0)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.close()

	if _, err := connect(ctx, URL("127.0.0.1", port, "9999")); !errors.Is(err, ErrInvalidPIN) {
		t.Fatalf("wrong PIN: got %v", err)
	}

	first, err := connect(ctx, URL("127.0.0.1", port, "1234"))
	if err != nil {
		t.Fatalf("first client: %v", err)
	}
	defer first.Close()

	accepted, err := srv.waitForClient(ctx)
	if err != nil {
		t.Fatalf("waitForClient: %v", err)
	}
	defer accepted.Close()

	// The slot stays taken until the producer reads it, so fill it again.
	second, err := connect(ctx, URL("127.0.0.1", port, "1234"))
	if err != nil {
		t.Fatalf("second client: %v", err)
	}
	defer second.Close()
	third, err := connect(ctx, URL("127.0.0.1", port, "1234"))
	if err != nil {
		t.Fatalf("third client: %v", err)
	}
	defer third.Close()

	third.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := third.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("third client: got %v, want policy violation close", err)
	}
}

func TestWaitForClientHonoursContext(t *testing.T) {
	srv := newServer("1234")
	if _, err := srv.start(0); err != nil {
		t.Fatal(err)
	}
	defer srv.close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := srv.waitForClient(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v", err)
	}
}

// TestEstablishOverLoopback runs both sides of the handshake against real
// ICE. It needs a usable network interface, so it is opt-in.
func TestEstablishOverLoopback(t *testing.T) {
	if os.Getenv("TMSLINK_WEBRTC_TEST") == "" {
		t.Skip("set TMSLINK_WEBRTC_TEST=1 to run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	listening := make(chan string, 1)
	type result struct {
		err  error
		done func()
	}
	producerDone := make(chan result, 1)

	go func() {
		link, err := EstablishAsProducer(ctx, ProducerOptions{
			PIN:         "4321",
			STUNServers: []string{},
			OnListening: func(port int, pin string) {
				listening <- URL("127.0.0.1", port, pin)
			},
		})
		if err != nil {
			producerDone <- result{err: err}
			return
		}
		link.OnMessage(func(ch protocol.Channel, data []byte) {
			_ = link.Send(ch, data) // echo
		})
		producerDone <- result{done: func() { link.Close() }}
	}()

	var wsURL string
	select {
	case wsURL = <-listening:
	case <-ctx.Done():
		t.Fatal("producer never listened")
	}

	consumer, err := EstablishAsConsumer(ctx, wsURL, []string{})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	defer consumer.Close()

	res := <-producerDone
	if res.err != nil {
		t.Fatalf("producer: %v", res.err)
	}
	defer res.done()

	echoed := make(chan protocol.Channel, 3)
	consumer.OnMessage(func(ch protocol.Channel, data []byte) {
		echoed <- ch
	})
	for _, ch := range protocol.Channels {
		if err := consumer.Send(ch, []byte{byte(ch)}); err != nil {
			t.Fatalf("send on %s: %v", ch, err)
		}
	}
	seen := map[protocol.Channel]bool{}
	for range protocol.Channels {
		select {
		case ch := <-echoed:
			seen[ch] = true
		case <-ctx.Done():
			t.Fatalf("echo missing, got %v", seen)
		}
	}
	if len(seen) != len(protocol.Channels) {
		t.Fatalf("channels echoed: %v", seen)
	}
}

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	printBanner(&buf, 8080, "0042")
	out := buf.String()

	if !strings.Contains(out, "8080") || !strings.Contains(out, "0042") {
		t.Fatalf("banner lacks port or PIN:\n%s", out)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "║") || strings.HasPrefix(line, "╔") || strings.HasPrefix(line, "╚") || strings.HasPrefix(line, "╠") {
			if n := utf8.RuneCountInString(line); n != 44 {
				t.Errorf("box line is %d runes wide: %q", n, line)
			}
		}
		if strings.ContainsFunc(line, func(r rune) bool { return unicode.Is(unicode.Han, r) }) {
			t.Errorf("untranslated line: %q", line)
		}
	}
}
