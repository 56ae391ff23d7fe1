package model

import "encoding/json"

// ConnID addresses one signaling connection for its whole lifetime.
type ConnID string

type Room struct {
	ID      string   `json:"room_id"`
	Members []ConnID `json:"members"`
}

// RoomDelta describes a room that lost a member and who is still in it.
type RoomDelta struct {
	RoomID    string
	Remaining []ConnID
}

// Message types sent by clients.
const (
	TypeCreateRoom   = "create-room"
	TypeJoinRoom     = "join-room"
	TypeLeaveRoom    = "leave-room"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

// Message types sent by the coordinator.
const (
	TypeWelcome     = "welcome"
	TypeRoomCreated = "room-created"
	TypeRoomJoined  = "room-joined"
	TypeUserJoined  = "user-joined"
	TypeUserLeft    = "user-left"
	TypeError       = "error"
)

// Error codes carried by TypeError messages.
const (
	ErrCodeRoomNotFound = "room-not-found"
	ErrCodeNotInRoom    = "not-in-room"
	ErrCodeBadRequest   = "bad-request"
)

// Message is the envelope for every signaling frame in both directions.
// Offer, Answer and Candidate are opaque to the coordinator.
type Message struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	PeerID    ConnID          `json:"peerId,omitempty"`
	To        ConnID          `json:"to,omitempty"`
	From      ConnID          `json:"from,omitempty"` // for inbound messages server re-assigns this based on websocket session
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// IsDirected reports whether the message is negotiation traffic routed to a single peer.
func (m *Message) IsDirected() bool {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

type Wire struct {
	RX chan Message
	TX chan Message
}

const defaultWireBuffer = 64

func NewWire() Wire {
	return Wire{
		RX: make(chan Message),
		TX: make(chan Message, defaultWireBuffer),
	}
}
