package signaling

import "github.com/pion/webrtc/v3"

type MessageType string

const (
	MessageTypeOffer     MessageType = "offer"
	MessageTypeCandidate MessageType = "candidate"
	MessageTypeEndTrack  MessageType = "end_track"
	MessageTypeAnswer    MessageType = "answer"
	MessageTypeTrackEnd  MessageType = "track_end"
	MessageTypeError     MessageType = "error"
)

// Description is a session description as sent over the websocket. The
// type is kept as a string so that unexpected values reach validation
// instead of failing JSON decoding.
type Description struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

func (d Description) SessionDescription() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func DescriptionFrom(desc webrtc.SessionDescription) *Description {
	return &Description{SDP: desc.SDP, Type: desc.Type.String()}
}

// SignalingMessage is every message exchanged on /ws/{client_id}.
type SignalingMessage struct {
	Type      MessageType              `json:"type"`
	Offer     *Description             `json:"offer,omitempty"`
	Answer    *Description             `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Error     string                   `json:"error,omitempty"`
}
