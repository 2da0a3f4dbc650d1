package media

import "context"

// Constraints is the preferred capture resolution. The zero value requests
// whatever the device offers.
type Constraints struct {
	Width  int
	Height int
}

// Capture abstracts the local capture devices. Implementations return tracks
// they have acquired; the Source owns them from then on.
//
// Acquisition errors should be *Error for terminal device failures or
// ErrOverconstrained when only the constraints are at fault.
type Capture interface {
	// UserMedia acquires a microphone audio track and a camera video track
	// in one request.
	UserMedia(ctx context.Context, c Constraints) (audio, video *Track, err error)

	// Camera acquires only a camera video track (used when restoring after a
	// screen share).
	Camera(ctx context.Context, c Constraints) (*Track, error)

	// Screen acquires a screen-capture video track.
	Screen(ctx context.Context) (*Track, error)
}
