package signaling

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/tmslink/internal/transport"
)

// sender serializes outgoing signaling messages to the WebSocket.
type sender struct {
	link *transport.WebRTCLink
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *sender) send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// sendOffer creates an SDP offer, sets it as local description, and sends it.
func (s *sender) sendOffer() error {
	offer, err := s.link.CreateOffer()
	if err != nil {
		return err
	}
	if err := s.link.SetLocalDescription(offer); err != nil {
		return err
	}
	return s.send(Message{Type: MsgTypeOffer, SDP: offer.SDP})
}

// sendAnswer creates an SDP answer, sets it as local description, and sends it.
func (s *sender) sendAnswer() error {
	answer, err := s.link.CreateAnswer()
	if err != nil {
		return err
	}
	if err := s.link.SetLocalDescription(answer); err != nil {
		return err
	}
	return s.send(Message{Type: MsgTypeAnswer, SDP: answer.SDP})
}

// trickle forwards every gathered local candidate. Send errors are ignored:
// once the DataChannels open the WebSocket is closed under it.
func (s *sender) trickle() {
	s.link.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		_ = s.send(Message{Type: MsgTypeCandidate, Candidate: string(data)})
	})
}
