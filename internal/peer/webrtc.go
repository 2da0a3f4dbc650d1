package peer

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/webrtc-mesh/internal/media"
)

// NewTransport creates a pion-backed Transport configured with the given
// STUN servers. No TURN by default: NAT traversal may fail for symmetric
// NATs, which surfaces as a transport failure on the link.
func NewTransport(stunServers []string) (Transport, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &pionTransport{pc: pc}, nil
}

type pionTransport struct {
	pc *webrtc.PeerConnection
}

func (t *pionTransport) Offer() (json.RawMessage, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(t.pc.LocalDescription())
}

func (t *pionTransport) Answer(offer json.RawMessage) (json.RawMessage, error) {
	var remote webrtc.SessionDescription
	if err := json.Unmarshal(offer, &remote); err != nil {
		return nil, fmt.Errorf("parse offer: %w", err)
	}
	if err := t.pc.SetRemoteDescription(remote); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(t.pc.LocalDescription())
}

func (t *pionTransport) AcceptAnswer(answer json.RawMessage) error {
	var remote webrtc.SessionDescription
	if err := json.Unmarshal(answer, &remote); err != nil {
		return fmt.Errorf("parse answer: %w", err)
	}
	if err := t.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (t *pionTransport) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("parse ICE candidate: %w", err)
	}
	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

func (t *pionTransport) AddTrack(track *media.Track) (Sender, error) {
	sender, err := t.pc.AddTrack(track.Local())
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}

	// Drain RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	return &pionSender{sender: sender}, nil
}

func (t *pionTransport) OnICECandidate(fn func(json.RawMessage)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(data)
	})
}

func (t *pionTransport) OnTrack(fn func(RemoteTrack)) {
	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := &pionRemoteTrack{track: track}
		go rt.drain()
		fn(rt)
	})
}

func (t *pionTransport) OnStateChange(fn func(TransportState)) {
	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(mapPeerConnectionState(state))
	})
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}

type pionSender struct {
	sender *webrtc.RTPSender
}

func (s *pionSender) ReplaceTrack(t *media.Track) error {
	if err := s.sender.ReplaceTrack(t.Local()); err != nil {
		return fmt.Errorf("replace track: %w", err)
	}
	return nil
}

// pionRemoteTrack wraps an inbound track. Read drains RTP so the remote
// stream keeps flowing even when the application only displays metadata.
type pionRemoteTrack struct {
	track *webrtc.TrackRemote
}

func (t *pionRemoteTrack) ID() string   { return t.track.ID() }
func (t *pionRemoteTrack) Kind() string { return t.track.Kind().String() }

// drain consumes inbound RTP until the track ends so the stream keeps
// flowing; this client surfaces track metadata rather than decoded frames.
func (t *pionRemoteTrack) drain() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := t.track.Read(buf); err != nil {
			return
		}
	}
}

func mapPeerConnectionState(state webrtc.PeerConnectionState) TransportState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return TransportNew
	case webrtc.PeerConnectionStateConnecting:
		return TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return TransportClosed
	}
	return TransportNew
}
