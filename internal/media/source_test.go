package media

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// fakeCapture counts acquisitions and can fail on demand.
type fakeCapture struct {
	userMediaCalls  int
	cameraCalls     int
	screenCalls     int
	lastConstraints Constraints

	constrainedFails bool // fail non-zero constraint requests with ErrOverconstrained
	userMediaErr     error
	screenErr        error

	stopped []string
}

func (f *fakeCapture) newTrack(id string, kind Kind, origin Origin) *Track {
	return NewTrack(id, kind, origin, nil, func() {
		f.stopped = append(f.stopped, id)
	})
}

func (f *fakeCapture) UserMedia(_ context.Context, c Constraints) (*Track, *Track, error) {
	f.userMediaCalls++
	f.lastConstraints = c
	if f.userMediaErr != nil {
		return nil, nil, f.userMediaErr
	}
	if f.constrainedFails && c != (Constraints{}) {
		return nil, nil, ErrOverconstrained
	}
	audio := f.newTrack(fmt.Sprintf("mic-%d", f.userMediaCalls), KindAudio, OriginMicrophone)
	video := f.newTrack(fmt.Sprintf("cam-%d", f.userMediaCalls), KindVideo, OriginCamera)
	return audio, video, nil
}

func (f *fakeCapture) Camera(_ context.Context, c Constraints) (*Track, error) {
	f.cameraCalls++
	f.lastConstraints = c
	return f.newTrack(fmt.Sprintf("cam-r%d", f.cameraCalls), KindVideo, OriginCamera), nil
}

func (f *fakeCapture) Screen(_ context.Context) (*Track, error) {
	f.screenCalls++
	if f.screenErr != nil {
		return nil, f.screenErr
	}
	return f.newTrack(fmt.Sprintf("screen-%d", f.screenCalls), KindVideo, OriginScreen), nil
}

func TestStartAcquiresBothTracks(t *testing.T) {
	capture := &fakeCapture{}
	source := NewSource(capture, Constraints{Width: 1280, Height: 720})

	if err := source.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !source.Started() {
		t.Fatal("source not started")
	}

	tracks := source.Tracks()
	if len(tracks) != 2 {
		t.Fatalf("tracks = %d, want 2", len(tracks))
	}
	if tracks[0].Kind() != KindAudio || tracks[1].Kind() != KindVideo {
		t.Fatal("tracks not ordered audio, video")
	}
	if capture.lastConstraints != (Constraints{Width: 1280, Height: 720}) {
		t.Fatalf("constraints not passed through: %+v", capture.lastConstraints)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	capture := &fakeCapture{}
	source := NewSource(capture, Constraints{})

	source.Start(context.Background())
	source.Start(context.Background())

	if capture.userMediaCalls != 1 {
		t.Fatalf("UserMedia called %d times, want 1", capture.userMediaCalls)
	}
}

func TestStartRetriesUnconstrained(t *testing.T) {
	capture := &fakeCapture{constrainedFails: true}
	source := NewSource(capture, Constraints{Width: 1920, Height: 1080})

	if err := source.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if capture.userMediaCalls != 2 {
		t.Fatalf("UserMedia called %d times, want 2", capture.userMediaCalls)
	}
	if capture.lastConstraints != (Constraints{}) {
		t.Fatalf("retry carried constraints: %+v", capture.lastConstraints)
	}
}

func TestStartSurfacesTerminalCause(t *testing.T) {
	capture := &fakeCapture{
		userMediaErr: &Error{Op: "getUserMedia", Cause: CausePermissionDenied},
	}
	source := NewSource(capture, Constraints{})

	err := source.Start(context.Background())
	if err == nil {
		t.Fatal("Start succeeded with failing capture")
	}
	cause, ok := Unavailable(err)
	if !ok || cause != CausePermissionDenied {
		t.Fatalf("Unavailable = %q/%v, want permission-denied/true", cause, ok)
	}
	if source.Started() {
		t.Fatal("source started after failure")
	}
}

func TestToggleMicRoundTripKeepsIdentity(t *testing.T) {
	source := NewSource(&fakeCapture{}, Constraints{})
	source.Start(context.Background())

	before := source.AudioTrack()

	enabled, err := source.ToggleMic()
	if err != nil || enabled {
		t.Fatalf("first toggle = %v, %v; want false, nil", enabled, err)
	}
	enabled, err = source.ToggleMic()
	if err != nil || !enabled {
		t.Fatalf("second toggle = %v, %v; want true, nil", enabled, err)
	}

	if source.AudioTrack() != before {
		t.Fatal("toggle replaced the track instead of muting in place")
	}
}

func TestToggleBeforeStart(t *testing.T) {
	source := NewSource(&fakeCapture{}, Constraints{})

	if _, err := source.ToggleMic(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("ToggleMic err = %v, want ErrNotStarted", err)
	}
	if _, err := source.ToggleCam(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("ToggleCam err = %v, want ErrNotStarted", err)
	}
}

func TestShareScreenReplacesVideoSlot(t *testing.T) {
	capture := &fakeCapture{}
	source := NewSource(capture, Constraints{})
	source.Start(context.Background())

	camera := source.VideoTrack()

	screen, err := source.ShareScreen(context.Background())
	if err != nil {
		t.Fatalf("ShareScreen: %v", err)
	}
	if screen.Origin() != OriginScreen {
		t.Fatalf("origin = %s, want screen", screen.Origin())
	}
	if source.VideoTrack() != screen {
		t.Fatal("video slot does not hold the screen track")
	}
	if !source.Sharing() {
		t.Fatal("Sharing() false during share")
	}
	if len(capture.stopped) != 1 || capture.stopped[0] != camera.ID() {
		t.Fatalf("superseded camera not stopped: %v", capture.stopped)
	}

	if _, err := source.ShareScreen(context.Background()); !errors.Is(err, ErrAlreadySharing) {
		t.Fatalf("second ShareScreen err = %v, want ErrAlreadySharing", err)
	}
}

func TestRestoreCameraEndsShare(t *testing.T) {
	capture := &fakeCapture{}
	source := NewSource(capture, Constraints{})
	source.Start(context.Background())

	screen, _ := source.ShareScreen(context.Background())

	camera, err := source.RestoreCamera(context.Background())
	if err != nil {
		t.Fatalf("RestoreCamera: %v", err)
	}
	if camera.Origin() != OriginCamera {
		t.Fatalf("origin = %s, want camera", camera.Origin())
	}
	if source.Sharing() {
		t.Fatal("Sharing() still true after restore")
	}

	stoppedScreen := false
	for _, id := range capture.stopped {
		if id == screen.ID() {
			stoppedScreen = true
		}
	}
	if !stoppedScreen {
		t.Fatal("superseded screen track not stopped")
	}
}

func TestTrackEndFiresCallbackOnce(t *testing.T) {
	track := NewTrack("s", KindVideo, OriginScreen, nil, nil)

	fired := 0
	track.OnEnded(func() { fired++ })

	track.End()
	track.End()
	if fired != 1 {
		t.Fatalf("OnEnded fired %d times, want 1", fired)
	}

	// Registering after the end fires immediately.
	late := 0
	track.OnEnded(func() { late++ })
	if late != 1 {
		t.Fatalf("late OnEnded fired %d times, want 1", late)
	}
}

func TestStopReleasesEverything(t *testing.T) {
	capture := &fakeCapture{}
	source := NewSource(capture, Constraints{})
	source.Start(context.Background())

	source.Stop()

	if source.Started() {
		t.Fatal("source still started")
	}
	if len(capture.stopped) != 2 {
		t.Fatalf("stopped %d tracks, want 2", len(capture.stopped))
	}
	if len(source.Tracks()) != 0 {
		t.Fatal("tracks remain after Stop")
	}
}
