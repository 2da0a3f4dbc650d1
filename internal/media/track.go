package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Kind distinguishes audio from video tracks.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Origin records which device a track came from.
type Origin string

const (
	OriginCamera     Origin = "camera"
	OriginMicrophone Origin = "microphone"
	OriginScreen     Origin = "screen"
)

// Track is one outbound media track. The Source owns it; peer links hold
// read-only references and must never mutate enablement or identity.
//
// Muting flips the enabled flag in place. Because the track identity is
// unchanged, downstream links keep their negotiated sender and no
// renegotiation happens.
type Track struct {
	id     string
	kind   Kind
	origin Origin
	local  webrtc.TrackLocal

	mu      sync.Mutex
	enabled bool
	ended   bool
	onEnded func()
	stop    func()
}

// NewTrack wraps a local track handle. stop releases the underlying device
// and may be nil. Tracks start enabled.
func NewTrack(id string, kind Kind, origin Origin, local webrtc.TrackLocal, stop func()) *Track {
	return &Track{
		id:      id,
		kind:    kind,
		origin:  origin,
		local:   local,
		enabled: true,
		stop:    stop,
	}
}

func (t *Track) ID() string     { return t.id }
func (t *Track) Kind() Kind     { return t.kind }
func (t *Track) Origin() Origin { return t.origin }

// Local exposes the negotiable track handle for attachment to a peer link.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled flips the mute flag. Only the Source calls this.
func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

// OnEnded registers a callback fired when the capture ends outside our
// control (the user stopping an OS-level screen share). If the track already
// ended the callback fires immediately.
func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	ended := t.ended
	if !ended {
		t.onEnded = fn
	}
	t.mu.Unlock()

	if ended && fn != nil {
		fn()
	}
}

// End marks the track as ended by its capture device and fires the OnEnded
// callback once.
func (t *Track) End() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fn := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Stop releases the capture device. Idempotent.
func (t *Track) Stop() {
	t.mu.Lock()
	stop := t.stop
	t.stop = nil
	t.mu.Unlock()

	if stop != nil {
		stop()
	}
}
