// Package signaling bootstraps the WebRTC link: a WebSocket server guarded by
// a PIN exchanges SDP and ICE candidates, and mDNS lets a consumer find the
// producer's server on the local network.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gorilla/websocket"

	"github.com/1ureka/tmslink/internal/transport"
	"github.com/1ureka/tmslink/internal/util"
)

// ErrInvalidPIN is returned when the producer refuses the consumer's PIN.
var ErrInvalidPIN = errors.New("signaling: invalid PIN")

// ProducerOptions configures the producer side of signaling.
type ProducerOptions struct {
	Port        int      // 0 picks a free port
	PIN         string   // empty generates DefaultPINLength digits
	Advertise   bool     // announce the endpoint over mDNS
	Instance    string   // mDNS instance name
	STUNServers []string // nil selects transport.DefaultSTUNServers

	// OnListening is called once the server is bound. When nil a banner is
	// printed instead.
	OnListening func(port int, pin string)
}

// EstablishAsProducer executes the full producer-side signaling flow:
//  1. Start a WS server and optionally advertise it over mDNS
//  2. Wait for the consumer to connect
//  3. Create a WebRTCLink and send the offer
//  4. Exchange the answer and ICE candidates
//  5. Return the link once all DataChannels are open
//
// The server and the WebSocket are closed before returning.
func EstablishAsProducer(ctx context.Context, opts ProducerOptions) (*transport.WebRTCLink, error) {
	pin := opts.PIN
	if pin == "" {
		pin = GeneratePIN(DefaultPINLength)
	}

	srv := newServer(pin)
	port, err := srv.start(opts.Port)
	if err != nil {
		return nil, err
	}
	defer srv.close()

	if opts.Advertise {
		adv, err := Advertise(opts.Instance, port, pin)
		if err != nil {
			util.LogWarning("mDNS advertisement unavailable: %v", err)
		} else {
			defer adv.Stop()
		}
	}

	if opts.OnListening != nil {
		opts.OnListening(port, pin)
	} else {
		printBanner(os.Stdout, port, pin)
	}

	wsConn, err := srv.waitForClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for consumer: %w", err)
	}
	defer wsConn.Close()
	util.LogInfo("consumer connected from %s", wsConn.RemoteAddr())

	link, err := transport.NewWebRTCLink(ctx, opts.STUNServers)
	if err != nil {
		return nil, fmt.Errorf("create link: %w", err)
	}

	s := &sender{link: link, conn: wsConn}
	r := &receiver{link: link, conn: wsConn, sender: s}
	s.trickle()

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch() // ends when wsConn is closed
	}()

	// The producer sends the offer first.
	if err := s.sendOffer(); err != nil {
		link.Close()
		return nil, fmt.Errorf("send offer: %w", err)
	}

	return awaitLink(ctx, link, errCh)
}

// EstablishAsConsumer executes the consumer-side signaling flow: connect to
// the producer's WS server, answer its offer, exchange ICE candidates and
// return the link once all DataChannels are open.
func EstablishAsConsumer(ctx context.Context, wsURL string, stunServers []string) (*transport.WebRTCLink, error) {
	util.LogInfo("connecting to producer at %s", wsURL)
	wsConn, err := connect(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()

	link, err := transport.NewWebRTCLink(ctx, stunServers)
	if err != nil {
		return nil, fmt.Errorf("create link: %w", err)
	}

	s := &sender{link: link, conn: wsConn}
	r := &receiver{link: link, conn: wsConn, sender: s}
	s.trickle()

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch()
	}()

	return awaitLink(ctx, link, errCh)
}

func awaitLink(ctx context.Context, link *transport.WebRTCLink, errCh <-chan error) (*transport.WebRTCLink, error) {
	select {
	case <-link.Ready():
		util.LogSuccess("WebRTC DataChannels established, closing WS")
		return link, nil

	case err := <-errCh:
		// The peer may close the WebSocket right after its side opened.
		select {
		case <-link.Ready():
			return link, nil
		default:
		}
		link.Close()
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			return nil, errors.New("signaling failed: producer already has a consumer")
		}
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-ctx.Done():
		link.Close()
		return nil, ctx.Err()
	}
}

func printBanner(w io.Writer, port int, pin string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔══════════════════════════════════════════╗")
	fmt.Fprintln(w, "║        WebSocket Signaling Server        ║")
	fmt.Fprintln(w, "╠══════════════════════════════════════════╣")
	fmt.Fprintf(w, "║  Port : %-32d ║\n", port)
	fmt.Fprintf(w, "║  PIN  : %-32s ║\n", pin)
	fmt.Fprintln(w, "╠══════════════════════════════════════════╣")
	fmt.Fprintln(w, "║  Consumers on this LAN find it by mDNS,  ║")
	fmt.Fprintln(w, "║  or connect with -wsUrl and the PIN      ║")
	fmt.Fprintln(w, "╚══════════════════════════════════════════╝")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Waiting for a consumer to connect...")
}
