package media

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// SyntheticCapture is a device-less capture backend for headless clients.
// Its tracks are fully negotiable but carry no samples; remote peers see a
// silent, black participant. Acquisition never fails.
type SyntheticCapture struct{}

func NewSyntheticCapture() *SyntheticCapture {
	return &SyntheticCapture{}
}

func (s *SyntheticCapture) UserMedia(ctx context.Context, c Constraints) (*Track, *Track, error) {
	audio, err := syntheticTrack(KindAudio, OriginMicrophone)
	if err != nil {
		return nil, nil, err
	}
	video, err := syntheticTrack(KindVideo, OriginCamera)
	if err != nil {
		return nil, nil, err
	}
	return audio, video, nil
}

func (s *SyntheticCapture) Camera(ctx context.Context, c Constraints) (*Track, error) {
	return syntheticTrack(KindVideo, OriginCamera)
}

func (s *SyntheticCapture) Screen(ctx context.Context) (*Track, error) {
	return syntheticTrack(KindVideo, OriginScreen)
}

func syntheticTrack(kind Kind, origin Origin) (*Track, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	if kind == KindVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	}

	id := uuid.New().String()
	local, err := webrtc.NewTrackLocalStaticSample(capability, id, "webrtc-mesh")
	if err != nil {
		return nil, fmt.Errorf("create synthetic %s track: %w", kind, err)
	}
	return NewTrack(id, kind, origin, local, nil), nil
}
