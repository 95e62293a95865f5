package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/1ureka/tmslink/internal/protocol"
	"github.com/1ureka/tmslink/internal/util"
	"github.com/pion/webrtc/v4"
)

var _ Link = (*WebRTCLink)(nil)

// WebRTCLink wraps a single PeerConnection with one pre-negotiated
// DataChannel per logical channel, providing a high-level API for signaling
// exchange, frame sending with backpressure, and frame receiving.
//
// Its lifecycle is governed by the DataChannel states and the context passed
// at construction time: the link is done as soon as any channel closes. The
// PeerConnection state is recorded but does not drive open/close decisions.
type WebRTCLink struct {
	pc       *webrtc.PeerConnection
	channels [3]*webrtc.DataChannel
	senders  [3]*sender
	inbox    *inbox

	openSignal chan struct{}
	opened     atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// NewWebRTCLink creates a link backed by a new PeerConnection and three
// pre-negotiated DataChannels. The caller performs signaling via the exposed
// methods (CreateOffer / CreateAnswer / …) and then uses Send / OnMessage.
// A nil stunServers selects DefaultSTUNServers.
func NewWebRTCLink(ctx context.Context, stunServers []string) (*WebRTCLink, error) {
	if stunServers == nil {
		stunServers = DefaultSTUNServers
	}
	pc, err := newPeerConnection(stunServers)
	if err != nil {
		return nil, err
	}

	lCtx, lCancel := context.WithCancel(ctx)
	l := &WebRTCLink{
		pc:         pc,
		inbox:      newInbox(),
		openSignal: make(chan struct{}),
		ctx:        lCtx,
		cancel:     lCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	for _, ch := range protocol.Channels {
		dc, err := newDataChannel(pc, ch)
		if err != nil {
			lCancel()
			pc.Close()
			return nil, fmt.Errorf("create %s channel: %w", ch, err)
		}
		l.channels[ch] = dc

		// Open gate: the link is ready once every channel is open.
		var openOnce sync.Once
		dc.OnOpen(func() {
			openOnce.Do(func() {
				if l.opened.Add(1) == int32(len(protocol.Channels)) {
					close(l.openSignal)
				}
			})
		})

		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			l.inbox.deliver(lCtx, ch, msg.Data)
		})

		// Any channel closing ends the link.
		dc.OnClose(func() {
			util.LogDebug("%s DataChannel closed", ch)
			lCancel()
		})
	}

	// Record PC state (informational only).
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		l.mu.Lock()
		l.pcState = state
		l.mu.Unlock()
	})

	for _, ch := range protocol.Channels {
		l.senders[ch] = newSender(lCtx, l.channels[ch], l.openSignal)
	}

	return l, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when all DataChannels are open and
// the link is ready to send and receive.
func (l *WebRTCLink) Ready() <-chan struct{} {
	return l.openSignal
}

// Done returns a channel that is closed when the link is shut down (a
// DataChannel closed or the parent context was cancelled).
func (l *WebRTCLink) Done() <-chan struct{} {
	return l.ctx.Done()
}

// Close shuts down the DataChannels and the PeerConnection.
func (l *WebRTCLink) Close() error {
	l.cancel()
	errs := make([]error, 0, len(l.channels)+1)
	for _, dc := range l.channels {
		errs = append(errs, dc.Close())
	}
	errs = append(errs, l.pc.Close())
	return errors.Join(errs...)
}

// ConnectionState returns the last observed PeerConnection state.
func (l *WebRTCLink) ConnectionState() webrtc.PeerConnectionState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (l *WebRTCLink) CreateOffer() (webrtc.SessionDescription, error) {
	return l.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (l *WebRTCLink) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (l *WebRTCLink) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return l.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (l *WebRTCLink) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (l *WebRTCLink) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	l.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (l *WebRTCLink) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send enqueues one encoded frame on the DataChannel of ch.
func (l *WebRTCLink) Send(ch protocol.Channel, data []byte) error {
	if !validChannel(ch) {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, ch)
	}
	return l.senders[ch].send(l.ctx, data)
}

// OnMessage registers a callback invoked for every inbound DataChannel
// message, tagged with the channel it arrived on.
func (l *WebRTCLink) OnMessage(fn func(ch protocol.Channel, data []byte)) {
	l.inbox.register(fn)
}
