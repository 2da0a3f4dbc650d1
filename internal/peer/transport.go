package peer

import (
	"encoding/json"

	"github.com/mossy-p/webrtc-mesh/internal/media"
)

// TransportState is the connection state reported by the underlying
// transport. It is authoritative for failure detection; the negotiation
// state machine never infers failure on its own.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// RemoteTrack describes one inbound media track surfaced by the transport.
type RemoteTrack interface {
	ID() string
	Kind() string
}

// Sender is the handle for one outbound track slot on a negotiated
// connection. Swapping the track identity through ReplaceTrack does not
// trigger renegotiation.
type Sender interface {
	ReplaceTrack(t *media.Track) error
}

// Transport is the media-negotiation black box behind a peer link: it carries
// session descriptions and candidates as opaque JSON so the link's state
// machine can be exercised without a real connection underneath.
//
// Callbacks fire on transport-owned goroutines; registrants must not call
// back into the transport synchronously.
type Transport interface {
	// Offer creates a local session description, applies it, and returns it.
	Offer() (json.RawMessage, error)

	// Answer applies the remote offer, creates the local answer, applies it,
	// and returns it. After Answer returns, the remote description is set.
	Answer(offer json.RawMessage) (json.RawMessage, error)

	// AcceptAnswer applies the remote answer to a previously offered session.
	AcceptAnswer(answer json.RawMessage) error

	// AddICECandidate applies one remote candidate. Only valid once a remote
	// description has been applied.
	AddICECandidate(candidate json.RawMessage) error

	// AddTrack attaches an outbound track and returns its sender slot.
	AddTrack(t *media.Track) (Sender, error)

	OnICECandidate(fn func(candidate json.RawMessage))
	OnTrack(fn func(t RemoteTrack))
	OnStateChange(fn func(state TransportState))

	Close() error
}
