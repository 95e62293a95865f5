package transport

import (
	"github.com/1ureka/tmslink/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used for ICE candidate gathering when none are
// configured. No TURN; producer and consumer are expected to reach each other
// directly.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// newPeerConnection creates a PeerConnection using the given STUN servers.
func newPeerConnection(stunServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates the pre-negotiated DataChannel for ch. Negotiated
// mode lets both sides create the same channels without OnDataChannel; the
// SCTP stream id is ch+1. Channels are ordered so END never overtakes the
// last chunk.
func newDataChannel(pc *webrtc.PeerConnection, ch protocol.Channel) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(ch) + 1

	return pc.CreateDataChannel(ch.String(), &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
