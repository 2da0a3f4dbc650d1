// Package peer implements the per-remote-participant negotiation state
// machine. A Link owns exactly one transport instance; the room coordinator
// owns all Links and calls into them from a single goroutine, so Link itself
// carries no locking.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mossy-p/webrtc-mesh/internal/media"
)

// State is the negotiation state of one link.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateOfferReceived
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateOfferReceived:
		return "offer-received"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrNegotiationFailed wraps offer/answer errors from the transport.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrInvalidState is returned when an operation does not apply to the
	// link's current negotiation state.
	ErrInvalidState = errors.New("invalid link state")
)

// EventKind tags asynchronous link events delivered to the owner.
type EventKind int

const (
	// EventLocalCandidate carries a freshly gathered local ICE candidate to
	// forward through the signaling channel.
	EventLocalCandidate EventKind = iota

	// EventInboundTrack announces a new remote media track.
	EventInboundTrack

	// EventStateChange reports a transport connection state transition.
	EventStateChange
)

// Event is an asynchronous occurrence on a link's transport. Epoch
// identifies the link instance it originated from: events from a replaced
// instance must be discarded by the owner.
type Event struct {
	PeerID    string
	Epoch     uint64
	Kind      EventKind
	Candidate json.RawMessage
	Track     RemoteTrack
	Transport TransportState
}

// Link is one negotiated connection to a single remote participant.
type Link struct {
	peerID string
	epoch  uint64
	tr     Transport

	state     State
	remoteSet bool

	// pendingCandidates buffers remote candidates that arrived before the
	// remote description, in arrival order.
	pendingCandidates []json.RawMessage

	senders map[media.Kind]Sender
	inbound []RemoteTrack
}

// NewLink attaches the current outbound track set to a fresh transport and
// wires its callbacks to emit. The link starts Idle; the owner then either
// offers or feeds it a received offer.
func NewLink(peerID string, epoch uint64, tr Transport, tracks []*media.Track, emit func(Event)) (*Link, error) {
	l := &Link{
		peerID:  peerID,
		epoch:   epoch,
		tr:      tr,
		state:   StateIdle,
		senders: make(map[media.Kind]Sender, len(tracks)),
	}

	for _, t := range tracks {
		sender, err := tr.AddTrack(t)
		if err != nil {
			tr.Close()
			return nil, fmt.Errorf("attach %s track: %w", t.Kind(), err)
		}
		l.senders[t.Kind()] = sender
	}

	tr.OnICECandidate(func(candidate json.RawMessage) {
		emit(Event{PeerID: peerID, Epoch: epoch, Kind: EventLocalCandidate, Candidate: candidate})
	})
	tr.OnTrack(func(t RemoteTrack) {
		emit(Event{PeerID: peerID, Epoch: epoch, Kind: EventInboundTrack, Track: t})
	})
	tr.OnStateChange(func(state TransportState) {
		emit(Event{PeerID: peerID, Epoch: epoch, Kind: EventStateChange, Transport: state})
	})

	return l, nil
}

func (l *Link) PeerID() string { return l.peerID }
func (l *Link) Epoch() uint64  { return l.epoch }
func (l *Link) State() State   { return l.state }

// Offer starts the offer path: Idle -> Offering. The returned description is
// sent to the remote peer through the signaling channel.
func (l *Link) Offer() (json.RawMessage, error) {
	if l.state != StateIdle {
		return nil, fmt.Errorf("offer in state %s: %w", l.state, ErrInvalidState)
	}

	sdp, err := l.tr.Offer()
	if err != nil {
		l.state = StateFailed
		return nil, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	l.state = StateOffering
	return sdp, nil
}

// HandleOffer runs the answer path: the remote description is applied,
// buffered candidates flush, and the synthesized answer is returned for
// sending. Idle -> OfferReceived -> Connected.
func (l *Link) HandleOffer(offer json.RawMessage) (json.RawMessage, error) {
	if l.state != StateIdle {
		return nil, fmt.Errorf("handle offer in state %s: %w", l.state, ErrInvalidState)
	}

	l.state = StateOfferReceived
	answer, err := l.tr.Answer(offer)
	if err != nil {
		l.state = StateFailed
		return nil, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	l.remoteSet = true
	l.flushCandidates()
	l.state = StateConnected
	return answer, nil
}

// HandleAnswer completes the offer path: Offering -> Connected once the
// remote description is applied.
func (l *Link) HandleAnswer(answer json.RawMessage) error {
	if l.state != StateOffering {
		return fmt.Errorf("handle answer in state %s: %w", l.state, ErrInvalidState)
	}

	if err := l.tr.AcceptAnswer(answer); err != nil {
		l.state = StateFailed
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	l.remoteSet = true
	l.flushCandidates()
	l.state = StateConnected
	return nil
}

// AddCandidate applies a remote candidate immediately when the remote
// description is already set; otherwise it is buffered and flushed, in
// arrival order, once the description lands.
func (l *Link) AddCandidate(candidate json.RawMessage) {
	if !l.remoteSet {
		l.pendingCandidates = append(l.pendingCandidates, candidate)
		return
	}
	if err := l.tr.AddICECandidate(candidate); err != nil {
		slog.Warn("failed to add ICE candidate", "peer", l.peerID, "err", err)
	}
}

// PendingCandidates reports how many remote candidates are buffered.
func (l *Link) PendingCandidates() int {
	return len(l.pendingCandidates)
}

func (l *Link) flushCandidates() {
	for _, candidate := range l.pendingCandidates {
		if err := l.tr.AddICECandidate(candidate); err != nil {
			slog.Warn("failed to flush ICE candidate", "peer", l.peerID, "err", err)
		}
	}
	l.pendingCandidates = nil
}

// AcceptTrack records an inbound remote track announced by the transport.
func (l *Link) AcceptTrack(t RemoteTrack) {
	l.inbound = append(l.inbound, t)
}

// Inbound returns the remote tracks received so far, in arrival order.
func (l *Link) Inbound() []RemoteTrack {
	return l.inbound
}

// HasInbound reports whether any remote media has arrived yet. Participants
// without inbound media stay off the display list.
func (l *Link) HasInbound() bool {
	return len(l.inbound) > 0
}

// ReplaceVideo swaps the video slot's outbound track without renegotiation.
func (l *Link) ReplaceVideo(t *media.Track) error {
	sender, ok := l.senders[media.KindVideo]
	if !ok {
		return fmt.Errorf("no video sender on link to %s", l.peerID)
	}
	return sender.ReplaceTrack(t)
}

// MarkFailed records a terminal transport failure.
func (l *Link) MarkFailed() {
	if l.state != StateClosed {
		l.state = StateFailed
	}
}

// Close shuts the transport down. Idempotent; a closed link never leaves
// StateClosed.
func (l *Link) Close() {
	if l.state == StateClosed {
		return
	}
	l.state = StateClosed
	if err := l.tr.Close(); err != nil {
		slog.Debug("transport close", "peer", l.peerID, "err", err)
	}
}
