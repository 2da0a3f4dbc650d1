package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-mesh/config"
	"github.com/mossy-p/webrtc-mesh/internal/media"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/peer"
	"github.com/mossy-p/webrtc-mesh/internal/signaling"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeChannel struct {
	mu         sync.Mutex
	sent       []models.SignalMessage
	hook       func(models.SignalMessage)
	connectErr error
	connects   int
	closed     bool

	events chan models.SignalMessage
	states chan signaling.State
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		events: make(chan models.SignalMessage, 64),
		states: make(chan signaling.State, 8),
	}
}

func (ch *fakeChannel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.connects++
	return ch.connectErr
}

func (ch *fakeChannel) Send(msg *models.SignalMessage) error {
	ch.mu.Lock()
	cp := *msg
	ch.sent = append(ch.sent, cp)
	hook := ch.hook
	ch.mu.Unlock()

	if hook != nil {
		hook(cp)
	}
	return nil
}

func (ch *fakeChannel) Events() <-chan models.SignalMessage { return ch.events }
func (ch *fakeChannel) States() <-chan signaling.State      { return ch.states }

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closed = true
	return nil
}

func (ch *fakeChannel) deliver(msg models.SignalMessage) {
	ch.events <- msg
}

func (ch *fakeChannel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) countSent(typ models.EventType) int {
	return len(ch.sentOfType(typ))
}

func (ch *fakeChannel) sentOfType(typ models.EventType) []models.SignalMessage {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	var out []models.SignalMessage
	for _, msg := range ch.sent {
		if msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

type stubSender struct {
	mu       sync.Mutex
	replaced []*media.Track
}

func (s *stubSender) ReplaceTrack(t *media.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced = append(s.replaced, t)
	return nil
}

func (s *stubSender) replacedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replaced)
}

func (s *stubSender) lastReplaced() *media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replaced) == 0 {
		return nil
	}
	return s.replaced[len(s.replaced)-1]
}

type stubTransport struct {
	mu         sync.Mutex
	closes     int
	accepted   []json.RawMessage
	candidates []json.RawMessage
	senders    []*stubSender

	onCandidate func(json.RawMessage)
	onTrack     func(peer.RemoteTrack)
	onState     func(peer.TransportState)
}

func (f *stubTransport) Offer() (json.RawMessage, error) {
	return json.RawMessage(`{"type":"offer"}`), nil
}

func (f *stubTransport) Answer(offer json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"answer"}`), nil
}

func (f *stubTransport) AcceptAnswer(answer json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, answer)
	return nil
}

func (f *stubTransport) AddICECandidate(candidate json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *stubTransport) AddTrack(t *media.Track) (peer.Sender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sender := &stubSender{}
	f.senders = append(f.senders, sender)
	return sender, nil
}

func (f *stubTransport) OnICECandidate(fn func(json.RawMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

func (f *stubTransport) OnTrack(fn func(peer.RemoteTrack)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *stubTransport) OnStateChange(fn func(peer.TransportState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *stubTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *stubTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes > 0
}

func (f *stubTransport) acceptedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accepted)
}

func (f *stubTransport) candidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidates)
}

func (f *stubTransport) candidateAt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.candidates[i])
}

func (f *stubTransport) videoSender() *stubSender {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Senders are created in track order: audio first, video second.
	return f.senders[1]
}

func (f *stubTransport) fireTrack(t peer.RemoteTrack) {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	fn(t)
}

func (f *stubTransport) fireState(s peer.TransportState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	fn(s)
}

type stubFactory struct {
	mu      sync.Mutex
	created []*stubTransport
}

func (f *stubFactory) create() (peer.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr := &stubTransport{}
	f.created = append(f.created, tr)
	return tr, nil
}

func (f *stubFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *stubFactory) at(i int) *stubTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

type stubCapture struct {
	mu        sync.Mutex
	n         int
	cameraErr error
}

func (s *stubCapture) track(kind media.Kind, origin media.Origin) *media.Track {
	s.mu.Lock()
	s.n++
	id := fmt.Sprintf("%s-%d", origin, s.n)
	s.mu.Unlock()
	return media.NewTrack(id, kind, origin, nil, nil)
}

func (s *stubCapture) UserMedia(context.Context, media.Constraints) (*media.Track, *media.Track, error) {
	return s.track(media.KindAudio, media.OriginMicrophone), s.track(media.KindVideo, media.OriginCamera), nil
}

func (s *stubCapture) Camera(context.Context, media.Constraints) (*media.Track, error) {
	s.mu.Lock()
	err := s.cameraErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.track(media.KindVideo, media.OriginCamera), nil
}

func (s *stubCapture) Screen(context.Context) (*media.Track, error) {
	return s.track(media.KindVideo, media.OriginScreen), nil
}

type stubRemoteTrack struct{ id, kind string }

func (t stubRemoteTrack) ID() string   { return t.id }
func (t stubRemoteTrack) Kind() string { return t.kind }

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func waitNotice(t *testing.T, c *Coordinator, kind NoticeKind) Notice {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case n := <-c.Events():
			if n.Kind == kind {
				return n
			}
		case <-timeout:
			t.Fatalf("timed out waiting for notice kind %d", kind)
		}
	}
}

func testConfig() config.ClientConfig {
	return config.ClientConfig{
		ServerURL:   "ws://localhost/ws",
		JoinTimeout: 2 * time.Second,
	}
}

// joinSession brings up a session against a hand-driven channel: it starts
// Join, waits for the join announcement, and answers it with a snapshot
// containing the given pre-existing peers.
func joinSession(t *testing.T, cfg config.ClientConfig, ch *fakeChannel, f *stubFactory, selfID string, peers ...models.RosterEntry) (*Coordinator, *media.Source) {
	t.Helper()

	source := media.NewSource(&stubCapture{}, media.Constraints{})
	c := New(cfg, ch, source, f.create)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Join(context.Background(), "room-1", models.User{ID: "u-" + selfID, Name: "Self"})
	}()

	waitFor(t, "join announcement", func() bool { return ch.countSent(models.EventJoinRoom) >= 1 })
	ch.deliver(models.SignalMessage{Type: models.EventAllUsers, SocketID: selfID, Users: peers})

	if err := <-errCh; err != nil {
		t.Fatalf("Join: %v", err)
	}
	t.Cleanup(c.Leave)
	return c, source
}

func entry(id, name string) models.RosterEntry {
	return models.RosterEntry{SocketID: id, User: models.User{ID: "u-" + id, Name: name}}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestJoinOffersToEveryRosteredPeer(t *testing.T) {
	ch := newFakeChannel()
	f := &stubFactory{}
	c, _ := joinSession(t, testConfig(), ch, f, "self", entry("p1", "Ann"), entry("p2", "Ben"))

	waitFor(t, "offers to roster", func() bool { return ch.countSent(models.EventOffer) == 2 })

	targets := map[string]bool{}
	for _, msg := range ch.sentOfType(models.EventOffer) {
		targets[msg.Target] = true
		if len(msg.SDP) == 0 {
			t.Fatal("offer sent without a session description")
		}
	}
	if !targets["p1"] || !targets["p2"] {
		t.Fatalf("offer targets = %v, want p1 and p2", targets)
	}
	if f.count() != 2 {
		t.Fatalf("transports created = %d, want 2", f.count())
	}

	// Nobody has inbound media yet: only the local participant displays.
	peers := c.Peers()
	if len(peers) != 1 || !peers[0].Local {
		t.Fatalf("peers = %+v, want only the local participant", peers)
	}
}

func TestJoinFailsWhenRelayUnreachable(t *testing.T) {
	ch := newFakeChannel()
	ch.connectErr = errors.New("connection refused")

	c := New(testConfig(), ch, media.NewSource(&stubCapture{}, media.Constraints{}), (&stubFactory{}).create)
	err := c.Join(context.Background(), "room-1", models.User{ID: "u", Name: "Self"})
	if !errors.Is(err, ErrSignalingUnavailable) {
		t.Fatalf("err = %v, want ErrSignalingUnavailable", err)
	}
}

func TestJoinTimesOutWithoutSnapshot(t *testing.T) {
	cfg := testConfig()
	cfg.JoinTimeout = 50 * time.Millisecond

	ch := newFakeChannel()
	c := New(cfg, ch, media.NewSource(&stubCapture{}, media.Constraints{}), (&stubFactory{}).create)

	err := c.Join(context.Background(), "room-1", models.User{ID: "u", Name: "Self"})
	if !errors.Is(err, ErrSignalingUnavailable) {
		t.Fatalf("err = %v, want ErrSignalingUnavailable", err)
	}
}

func TestDuplicateUserJoinedOnlyRefreshesName(t *testing.T) {
	ch := newFakeChannel()
	f := &stubFactory{}
	c, _ := joinSession(t, testConfig(), ch, f, "self")

	user := models.User{ID: "u-p1", Name: "Ann"}
	ch.deliver(models.SignalMessage{Type: models.EventUserJoined, SocketID: "p1", User: &user})
	waitFor(t, "offer to newcomer", func() bool { return ch.countSent(models.EventOffer) == 1 })

	renamed := models.User{ID: "u-p1", Name: "Annabel"}
	ch.deliver(models.SignalMessage{Type: models.EventUserJoined, SocketID: "p1", User: &renamed})
	waitFor(t, "name refresh", func() bool {
		roster := c.Roster()
		return len(roster) == 1 && roster[0].Name == "Annabel"
	})

	if got := ch.countSent(models.EventOffer); got != 1 {
		t.Fatalf("offers = %d after duplicate notification, want 1", got)
	}
	if f.count() != 1 {
		t.Fatalf("transports = %d after duplicate notification, want 1", f.count())
	}
}

func TestAnswerCompletesWithoutRenegotiationOnMute(t *testing.T) {
	ch := newFakeChannel()
	f := &stubFactory{}
	c, source := joinSession(t, testConfig(), ch, f, "self", entry("p1", "Ann"))

	waitFor(t, "offer", func() bool { return ch.countSent(models.EventOffer) == 1 })
	ch.deliver(models.SignalMessage{Type: models.EventAnswer, From: "p1", SDP: json.RawMessage(`{"type":"answer"}`)})
	waitFor(t, "answer applied", func() bool { return f.at(0).acceptedCount() == 1 })

	before := source.AudioTrack()
	if enabled, err := c.ToggleMic(); err != nil || enabled {
		t.Fatalf("first ToggleMic = %v, %v; want false, nil", enabled, err)
	}
	if enabled, err := c.ToggleMic(); err != nil || !enabled {
		t.Fatalf("second ToggleMic = %v, %v; want true, nil", enabled, err)
	}

	if source.AudioTrack() != before {
		t.Fatal("mute replaced the audio track")
	}
	if got := ch.countSent(models.EventOffer); got != 1 {
		t.Fatalf("offers = %d after mute round trip, want 1", got)
	}
	if f.at(0).isClosed() {
		t.Fatal("mute closed the transport")
	}
}

func TestEarlyCandidatesFlushInOrder(t *testing.T) {
	ch := newFakeChannel()
	f := &stubFactory{}
	joinSession(t, testConfig(), ch, f, "self", entry("p1", "Ann"))

	waitFor(t, "offer", func() bool { return ch.countSent(models.EventOffer) == 1 })

	ch.deliver(models.SignalMessage{Type: models.EventICECandidate, From: "p1", Candidate: json.RawMessage(`{"candidate":"one"}`)})
	ch.deliver(models.SignalMessage{Type: models.EventICECandidate, From: "p1", Candidate: json.RawMessage(`{"candidate":"two"}`)})
	ch.deliver(models.SignalMessage{Type: models.EventAnswer, From: "p1", SDP: json.RawMessage(`{"type":"answer"}`)})

	waitFor(t, "candidates flushed", func() bool { return f.at(0).candidateCount() == 2 })
	if f.at(0).candidateAt(0) != `{"candidate":"one"}` || f.at(0).candidateAt(1) != `{"candidate":"two"}` {
		t.Fatal("candidates flushed out of arrival order")
	}
}

func TestGlareLowerPeerIDWinsAsOfferer(t *testing.T) {
	ch := newFakeChannel()
	f := &stubFactory{}
	joinSession(t, testConfig(), ch, f, "bbb")

	// A lower-ID peer joins; both sides offer.
	user := models.User{ID: "u-aaa", Name: "Ann"}
	ch.deliver(models.SignalMessage{Type: models.EventUserJoined, SocketID: "aaa", User: &user})
	waitFor(t, "our offer", func() bool { return ch.countSent(models.EventOffer) == 1 })

	// The remote offer wins the tie-break: we abandon our own offer and answer.
	ch.deliver(models.SignalMessage{Type: models.EventOffer, From: "aaa", SDP: json.RawMessage(`{"type":"offer"}`)})
	waitFor(t, "answer to winning offer", func() bool { return ch.countSent(models.EventAnswer) == 1 })

	if f.count() != 2 {
		t.Fatalf("transports = %d, want 2 (abandoned offerer plus answerer)", f.count())
	}
	if !f.at(0).isClosed() {
		t.Fatal("abandoned offerer transport not closed")
	}
	if f.at(1).isClosed() {
		t.Fatal("answerer transport closed")
	}
}

func TestGlareHigherPeerIDOfferDiscarded(t *testing.T) {
	ch := newFakeChannel()
	f := &stubFactory{}
	c, _ := joinSession(t, testConfig(), ch, f, "bbb")

	user := models.User{ID: "u-ccc", Name: "Cat"}
	ch.deliver(models.SignalMessage{Type: models.EventUserJoined, SocketID: "ccc", User: &user})
	waitFor(t, "our offer", func() bool { return ch.countSent(models.EventOffer) == 1 })

	ch.deliver(models.SignalMessage{Type: models.EventOffer, From: "ccc", SDP: json.RawMessage(`{"type":"offer"}`)})

	// A trailing chat message proves the offer has been processed.
	ch.deliver(models.SignalMessage{Type: models.EventReceiveMessage, From: "ccc", Message: "ping", User: &user})
	waitNotice(t, c, NoticeChat)

	if got := ch.countSent(models.EventAnswer); got != 0 {
		t.Fatalf("answers = %d, want 0 (we hold the winning offer)", got)
	}
	if f.count() != 1 {
		t.Fatalf("transports = %d, want 1 (our offer stands)", f.count())
	}
}

func TestUserLeftTearsDownAndStaleSignalingIsDropped(t *testing.T) {
	ch := newFakeChannel()
	f := &stubFactory{}
	c, _ := joinSession(t, testConfig(), ch, f, "self", entry("p1", "Ann"))

	waitFor(t, "offer", func() bool { return ch.countSent(models.EventOffer) == 1 })

	ch.deliver(models.SignalMessage{Type: models.EventUserLeft, SocketID: "p1"})
	waitFor(t, "roster cleared", func() bool { return len(c.Roster()) == 0 })
	if !f.at(0).isClosed() {
		t.Fatal("departed peer's transport not closed")
	}

	// Signaling that was already queued for the departed peer is dropped.
	ch.deliver(models.SignalMessage{Type: models.EventICECandidate, From: "p1", Candidate: json.RawMessage(`{"candidate":"late"}`)})
	ch.deliver(models.SignalMessage{Type: models.EventAnswer, From: "p1", SDP: json.RawMessage(`{"type":"answer"}`)})
	user := models.User{ID: "u-x", Name: "X"}
	ch.deliver(models.SignalMessage{Type: models.EventReceiveMessage, From: "x", Message: "fence", User: &user})
	waitNotice(t, c, NoticeChat)

	if f.count() != 1 {
		t.Fatalf("transports = %d after stale signaling, want 1", f.count())
	}
	if f.at(0).candidateCount() != 0 || f.at(0).acceptedCount() != 0 {
		t.Fatal("stale signaling reached the closed transport")
	}
}

func TestTransportFailureRemovesOnePeerOnly(t *testing.T) {
	ch := newFakeChannel()
	f := &stubFactory{}
	c, _ := joinSession(t, testConfig(), ch, f, "self", entry("p1", "Ann"), entry("p2", "Ben"))

	waitFor(t, "offers", func() bool { return ch.countSent(models.EventOffer) == 2 })

	f.at(0).fireState(peer.TransportFailed)

	notice := waitNotice(t, c, NoticePeerUnreachable)
	if notice.PeerID != "p1" {
		t.Fatalf("unreachable peer = %s, want p1", notice.PeerID)
	}
	if notice.Err == nil {
		t.Fatal("unreachable notice carries no diagnostic")
	}

	waitFor(t, "p1 removed", func() bool {
		roster := c.Roster()
		return len(roster) == 1 && roster[0].PeerID == "p2"
	})
	if !f.at(0).isClosed() {
		t.Fatal("failed transport not closed")
	}
	if f.at(1).isClosed() {
		t.Fatal("unrelated transport closed")
	}
}

func TestInboundTrackMarksParticipantStreaming(t *testing.T) {
	ch := newFakeChannel()
	f := &stubFactory{}
	c, _ := joinSession(t, testConfig(), ch, f, "self", entry("p1", "Ann"))

	waitFor(t, "offer", func() bool { return ch.countSent(models.EventOffer) == 1 })

	f.at(0).fireTrack(stubRemoteTrack{id: "t-video", kind: "video"})

	waitFor(t, "participant listed", func() bool { return len(c.Peers()) == 2 })
	peers := c.Peers()
	if !peers[0].Local {
		t.Fatal("local participant not listed first")
	}
	remote := peers[1]
	if remote.PeerID != "p1" || !remote.HasStream {
		t.Fatalf("remote participant = %+v, want p1 with stream", remote)
	}
	if len(remote.Tracks) != 1 || remote.Tracks[0].ID() != "t-video" {
		t.Fatalf("remote tracks = %+v, want the announced track", remote.Tracks)
	}
}

func TestScreenShareSwapsTrackWithoutRenegotiation(t *testing.T) {
	ch := newFakeChannel()
	f := &stubFactory{}
	c, source := joinSession(t, testConfig(), ch, f, "self", entry("p1", "Ann"))

	waitFor(t, "offer", func() bool { return ch.countSent(models.EventOffer) == 1 })
	ch.deliver(models.SignalMessage{Type: models.EventAnswer, From: "p1", SDP: json.RawMessage(`{"type":"answer"}`)})
	waitFor(t, "answer applied", func() bool { return f.at(0).acceptedCount() == 1 })

	if err := c.ShareScreen(context.Background()); err != nil {
		t.Fatalf("ShareScreen: %v", err)
	}

	sender := f.at(0).videoSender()
	if sender.replacedCount() != 1 || sender.lastReplaced().Origin() != media.OriginScreen {
		t.Fatal("video sender did not receive the screen track")
	}
	if got := ch.countSent(models.EventOffer); got != 1 {
		t.Fatalf("offers = %d after screen share, want 1 (no renegotiation)", got)
	}
	if !source.Sharing() {
		t.Fatal("source not marked sharing")
	}

	// The capture ending on its own restores the camera automatically.
	source.VideoTrack().End()
	waitFor(t, "camera restored", func() bool {
		return sender.replacedCount() == 2 && !source.Sharing()
	})
	if sender.lastReplaced().Origin() != media.OriginCamera {
		t.Fatalf("restored origin = %s, want camera", sender.lastReplaced().Origin())
	}
	if f.at(0).isClosed() {
		t.Fatal("screen share cycled the transport")
	}
}

func TestFailedAutoRestoreSurfacesMediaUnavailable(t *testing.T) {
	ch := newFakeChannel()
	f := &stubFactory{}
	capture := &stubCapture{
		cameraErr: &media.Error{Op: "getUserMedia", Cause: media.CauseDeviceBusy},
	}
	source := media.NewSource(capture, media.Constraints{})
	c := New(testConfig(), ch, source, f.create)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Join(context.Background(), "room-1", models.User{ID: "u-self", Name: "Self"})
	}()
	waitFor(t, "join announcement", func() bool { return ch.countSent(models.EventJoinRoom) >= 1 })
	ch.deliver(models.SignalMessage{Type: models.EventAllUsers, SocketID: "self", Users: []models.RosterEntry{entry("p1", "Ann")}})
	if err := <-errCh; err != nil {
		t.Fatalf("Join: %v", err)
	}
	t.Cleanup(c.Leave)

	waitFor(t, "offer", func() bool { return ch.countSent(models.EventOffer) == 1 })
	ch.deliver(models.SignalMessage{Type: models.EventAnswer, From: "p1", SDP: json.RawMessage(`{"type":"answer"}`)})
	waitFor(t, "answer applied", func() bool { return f.at(0).acceptedCount() == 1 })

	if err := c.ShareScreen(context.Background()); err != nil {
		t.Fatalf("ShareScreen: %v", err)
	}

	// The capture ends on its own and the camera cannot be reacquired.
	source.VideoTrack().End()

	notice := waitNotice(t, c, NoticeMediaUnavailable)
	cause, ok := media.Unavailable(notice.Err)
	if !ok || cause != media.CauseDeviceBusy {
		t.Fatalf("notice cause = %q/%v, want device-busy/true", cause, ok)
	}

	// The dead screen track is released rather than left in the video slot.
	waitFor(t, "share state cleared", func() bool {
		return !source.Sharing() && source.VideoTrack() == nil
	})
}

func TestOfferToConnectedLinkResetsStreamState(t *testing.T) {
	ch := newFakeChannel()
	f := &stubFactory{}
	c, _ := joinSession(t, testConfig(), ch, f, "self", entry("p1", "Ann"))

	waitFor(t, "offer", func() bool { return ch.countSent(models.EventOffer) == 1 })
	ch.deliver(models.SignalMessage{Type: models.EventAnswer, From: "p1", SDP: json.RawMessage(`{"type":"answer"}`)})
	waitFor(t, "answer applied", func() bool { return f.at(0).acceptedCount() == 1 })

	f.at(0).fireTrack(stubRemoteTrack{id: "t-old", kind: "video"})
	waitFor(t, "participant streaming", func() bool { return len(c.Peers()) == 2 })

	// The peer renegotiates from scratch: its inbound media belonged to the
	// discarded link, so it leaves the display list until new media arrives.
	ch.deliver(models.SignalMessage{Type: models.EventOffer, From: "p1", SDP: json.RawMessage(`{"type":"offer"}`)})
	waitFor(t, "link recreated", func() bool {
		return ch.countSent(models.EventAnswer) == 1 && f.count() == 2 && f.at(0).isClosed()
	})
	waitFor(t, "stale stream cleared", func() bool { return len(c.Peers()) == 1 })

	f.at(1).fireTrack(stubRemoteTrack{id: "t-new", kind: "video"})
	waitFor(t, "fresh stream listed", func() bool {
		peers := c.Peers()
		return len(peers) == 2 && len(peers[1].Tracks) == 1 && peers[1].Tracks[0].ID() == "t-new"
	})
}

func TestChatAppendsLocallyAndDeliversRemotes(t *testing.T) {
	ch := newFakeChannel()
	f := &stubFactory{}
	c, _ := joinSession(t, testConfig(), ch, f, "self", entry("p1", "Ann"))

	if err := c.SendChat("hello"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}

	// Optimistic local append: the relay will not echo our own message back.
	msgs := c.Messages()
	if len(msgs) != 1 || msgs[0].Text != "hello" || msgs[0].SenderName != "Self" {
		t.Fatalf("messages after send = %+v", msgs)
	}
	if got := ch.countSent(models.EventSendMessage); got != 1 {
		t.Fatalf("send-message count = %d, want 1", got)
	}
	waitNotice(t, c, NoticeChat)

	user := models.User{ID: "u-p1", Name: "Ann"}
	ch.deliver(models.SignalMessage{Type: models.EventReceiveMessage, From: "p1", Message: "hi back", User: &user})
	notice := waitNotice(t, c, NoticeChat)
	if notice.Chat.Text != "hi back" || notice.Chat.SenderName != "Ann" {
		t.Fatalf("remote chat notice = %+v", notice.Chat)
	}

	msgs = c.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
}

func TestReconnectReannouncesAndReconciles(t *testing.T) {
	ch := newFakeChannel()
	f := &stubFactory{}
	c, _ := joinSession(t, testConfig(), ch, f, "self", entry("p1", "Ann"), entry("p2", "Ben"))

	waitFor(t, "offers", func() bool { return ch.countSent(models.EventOffer) == 2 })

	ch.states <- signaling.StateReconnecting
	ch.states <- signaling.StateConnected

	// The restored channel triggers a fresh join announcement.
	waitFor(t, "re-join", func() bool { return ch.countSent(models.EventJoinRoom) == 2 })

	// The fresh snapshot no longer lists p2: it left during the outage.
	ch.deliver(models.SignalMessage{
		Type:     models.EventAllUsers,
		SocketID: "self",
		Users:    []models.RosterEntry{entry("p1", "Ann")},
	})
	waitFor(t, "p2 reconciled away", func() bool {
		roster := c.Roster()
		return len(roster) == 1 && roster[0].PeerID == "p1"
	})

	if !f.at(1).isClosed() {
		t.Fatal("departed peer's transport survived reconciliation")
	}
	if f.at(0).isClosed() {
		t.Fatal("surviving peer's transport was cycled")
	}
	if got := ch.countSent(models.EventOffer); got != 2 {
		t.Fatalf("offers = %d after reconcile, want 2 (no re-offer to live link)", got)
	}
}

func TestNegotiationTimeoutRemovesPeer(t *testing.T) {
	cfg := testConfig()
	cfg.NegotiationTimeout = 40 * time.Millisecond

	ch := newFakeChannel()
	f := &stubFactory{}
	c, _ := joinSession(t, cfg, ch, f, "self", entry("p1", "Ann"))

	notice := waitNotice(t, c, NoticePeerUnreachable)
	if notice.PeerID != "p1" {
		t.Fatalf("timed-out peer = %s, want p1", notice.PeerID)
	}
	waitFor(t, "roster cleared", func() bool { return len(c.Roster()) == 0 })
	if !f.at(0).isClosed() {
		t.Fatal("timed-out transport not closed")
	}
}

func TestLeaveShutsDownOnce(t *testing.T) {
	ch := newFakeChannel()
	f := &stubFactory{}
	c, source := joinSession(t, testConfig(), ch, f, "self", entry("p1", "Ann"))

	waitFor(t, "offer", func() bool { return ch.countSent(models.EventOffer) == 1 })

	c.Leave()
	<-c.Done()

	if !ch.isClosed() {
		t.Fatal("channel not closed")
	}
	if source.Started() {
		t.Fatal("media source still running")
	}
	if !f.at(0).isClosed() {
		t.Fatal("peer transport not closed")
	}
	if got := ch.countSent(models.EventLeaveRoom); got != 1 {
		t.Fatalf("leave-room count = %d, want 1", got)
	}

	c.Leave() // idempotent
	if got := ch.countSent(models.EventLeaveRoom); got != 1 {
		t.Fatalf("leave-room count after second Leave = %d, want 1", got)
	}

	if err := c.SendChat("too late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendChat after Leave = %v, want ErrClosed", err)
	}
}
