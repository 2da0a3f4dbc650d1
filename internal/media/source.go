package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Source owns the local capture tracks: one audio slot and one video slot.
// It is the only component allowed to mutate track enablement or swap track
// identity; peer links receive read-only references.
type Source struct {
	capture     Capture
	constraints Constraints

	mu      sync.Mutex
	started bool
	audio   *Track
	video   *Track
	sharing bool
}

// NewSource creates a stopped source over the given capture backend.
func NewSource(capture Capture, constraints Constraints) *Source {
	return &Source{capture: capture, constraints: constraints}
}

// Start acquires camera and microphone with the preferred constraints. On a
// constraint failure it retries once with an unconstrained request before
// surfacing the terminal error.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	audio, video, err := s.capture.UserMedia(ctx, s.constraints)
	if errors.Is(err, ErrOverconstrained) {
		slog.Warn("capture constraints not satisfiable, retrying unconstrained")
		audio, video, err = s.capture.UserMedia(ctx, Constraints{})
	}
	if err != nil {
		return fmt.Errorf("start media source: %w", err)
	}

	s.audio = audio
	s.video = video
	s.started = true
	s.sharing = false
	return nil
}

// Started reports whether the source currently owns live tracks.
func (s *Source) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Tracks returns the current outbound track set, audio first.
func (s *Source) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracks := make([]*Track, 0, 2)
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	return tracks
}

// AudioTrack returns the owned audio track, or nil before Start.
func (s *Source) AudioTrack() *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

// VideoTrack returns the track currently occupying the video slot.
func (s *Source) VideoTrack() *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video
}

// ToggleMic flips the audio mute flag in place and returns the new enabled
// state. This is a mute, not a stop: no renegotiation results.
func (s *Source) ToggleMic() (bool, error) {
	return s.toggle(KindAudio)
}

// ToggleCam flips the video mute flag in place and returns the new enabled
// state.
func (s *Source) ToggleCam() (bool, error) {
	return s.toggle(KindVideo)
}

func (s *Source) toggle(kind Kind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return false, ErrNotStarted
	}
	track := s.audio
	if kind == KindVideo {
		track = s.video
	}
	if track == nil {
		return false, ErrNotStarted
	}

	next := !track.Enabled()
	track.SetEnabled(next)
	return next, nil
}

// ShareScreen acquires a screen-capture track and installs it in the video
// slot, superseding the camera. The caller distributes the returned track to
// every live peer link in the same logical step. The superseded camera track
// is stopped; RestoreCamera reacquires one.
func (s *Source) ShareScreen(ctx context.Context) (*Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil, ErrNotStarted
	}
	if s.sharing {
		return nil, ErrAlreadySharing
	}

	screen, err := s.capture.Screen(ctx)
	if err != nil {
		return nil, fmt.Errorf("share screen: %w", err)
	}

	if s.video != nil {
		s.video.Stop()
	}
	s.video = screen
	s.sharing = true
	return screen, nil
}

// RestoreCamera reacquires a camera track and installs it in the video slot,
// superseding the screen track. Called explicitly or when the screen capture
// ends on its own.
func (s *Source) RestoreCamera(ctx context.Context) (*Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil, ErrNotStarted
	}

	camera, err := s.capture.Camera(ctx, s.constraints)
	if err != nil {
		return nil, fmt.Errorf("restore camera: %w", err)
	}

	if s.video != nil {
		s.video.Stop()
	}
	s.video = camera
	s.sharing = false
	return camera, nil
}

// DropVideo releases the video slot without a replacement. Used when a
// screen capture has ended and no camera could be reacquired: keeping the
// dead track would leave every link sending a stream that no longer exists.
func (s *Source) DropVideo() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.video != nil {
		s.video.Stop()
		s.video = nil
	}
	s.sharing = false
}

// Sharing reports whether the video slot currently holds a screen track.
func (s *Source) Sharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sharing
}

// Stop releases every owned track. Subsequent use requires a fresh Start.
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.audio != nil {
		s.audio.Stop()
		s.audio = nil
	}
	if s.video != nil {
		s.video.Stop()
		s.video = nil
	}
	s.started = false
	s.sharing = false
}
