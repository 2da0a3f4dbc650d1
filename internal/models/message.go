package models

import (
	"encoding/json"
	"time"
)

// EventType identifies a signaling event on the WebSocket wire.
type EventType string

const (
	EventJoinRoom       EventType = "join-room"
	EventAllUsers       EventType = "all-users"
	EventUserJoined     EventType = "user-joined"
	EventUserLeft       EventType = "user-left"
	EventOffer          EventType = "offer"
	EventAnswer         EventType = "answer"
	EventICECandidate   EventType = "ice-candidate"
	EventSendMessage    EventType = "send-message"
	EventReceiveMessage EventType = "receive-message"
	EventLeaveRoom      EventType = "leave-room"
	EventError          EventType = "error"
)

// SignalMessage is the envelope for every signaling event. Only the fields
// relevant to the event type are populated; the rest stay empty and are
// omitted on the wire.
//
// SDP and Candidate are carried opaque: the relay forwards them without
// inspecting their contents, so only the two endpoints need to agree on the
// session description format.
type SignalMessage struct {
	Type   EventType `json:"type"`
	RoomID string    `json:"roomId,omitempty"`

	// From is set by the relay on forwarded peer-to-peer events; Target is
	// set by the sending client to address a specific peer.
	From   string `json:"from,omitempty"`
	Target string `json:"target,omitempty"`

	// SocketID carries the subject peer of user-joined / user-left, and the
	// joiner's own assigned ID on the all-users snapshot.
	SocketID string `json:"socketId,omitempty"`

	User  *User         `json:"user,omitempty"`
	Users []RosterEntry `json:"users,omitempty"`

	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	// Message carries chat text for send-message / receive-message.
	Message string `json:"message,omitempty"`

	Error string `json:"error,omitempty"`
}

// User is the authenticated identity attached to a room join. The ID comes
// from the auth API and stays stable across reconnects, unlike the SocketID,
// which is minted per WebSocket connection.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RosterEntry pairs a connection-scoped peer ID with its user identity.
// A list of these forms the all-users snapshot sent to a joining peer.
type RosterEntry struct {
	SocketID string `json:"socketId"`
	User     User   `json:"user"`
}

// ChatMessage is a chat line as observed by one client. Messages are ordered
// by arrival at each client; there is no global ordering across the room.
type ChatMessage struct {
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}
