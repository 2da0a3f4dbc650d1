package room

import (
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/peer"
	"github.com/mossy-p/webrtc-mesh/internal/signaling"
)

// Participant is one entry in the aggregated room view.
type Participant struct {
	PeerID    string
	Name      string
	Local     bool
	HasStream bool

	// Tracks is the inbound media aggregate for remote participants; nil for
	// the local participant, whose media comes from the source directly.
	Tracks []peer.RemoteTrack
}

// NoticeKind tags events the coordinator surfaces to the application.
type NoticeKind int

const (
	// NoticeParticipants carries a fresh display-facing participant list.
	NoticeParticipants NoticeKind = iota

	// NoticeChat carries one appended chat message (local or remote).
	NoticeChat

	// NoticeConnectivity reports signaling channel state for the banner.
	NoticeConnectivity

	// NoticePeerUnreachable is the diagnostic for a post-connection peer
	// failure. The room continues without that peer.
	NoticePeerUnreachable

	// NoticeMediaUnavailable reports a terminal local capture failure after
	// the session is live, such as the camera not coming back when a screen
	// share ends. Err classifies the cause; the user may retry.
	NoticeMediaUnavailable
)

// Notice is one upward event. Only the fields for its kind are set.
type Notice struct {
	Kind         NoticeKind
	Participants []Participant
	Chat         models.ChatMessage
	Connectivity signaling.State
	PeerID       string
	Err          error
}
