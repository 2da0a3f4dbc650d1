// Package room implements the room coordinator: the single owner of the
// peer roster, every peer link, and the local track set. All structural
// mutations run on one goroutine, so no two of them ever interleave;
// signaling events and link events are processed in arrival order per peer.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mossy-p/webrtc-mesh/config"
	"github.com/mossy-p/webrtc-mesh/internal/media"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/peer"
	"github.com/mossy-p/webrtc-mesh/internal/signaling"
)

var (
	// ErrSignalingUnavailable means the channel could not be opened, or no
	// roster snapshot arrived, within the join timeout. The caller may retry.
	ErrSignalingUnavailable = errors.New("signaling unavailable")

	// ErrClosed is returned by operations on a left or failed session.
	ErrClosed = errors.New("room session closed")
)

// Channel is the slice of the signaling client the coordinator consumes.
// *signaling.Channel satisfies it.
type Channel interface {
	Connect(ctx context.Context) error
	Send(msg *models.SignalMessage) error
	Events() <-chan models.SignalMessage
	States() <-chan signaling.State
	Close() error
}

// TransportFactory creates the transport behind one peer link.
type TransportFactory func() (peer.Transport, error)

type remotePeer struct {
	user      models.User
	hasStream bool
}

type negotiationTimeout struct {
	peerID string
	epoch  uint64
}

// Coordinator drives one room session from join to leave.
type Coordinator struct {
	cfg          config.ClientConfig
	channel      Channel
	source       *media.Source
	newTransport TransportFactory

	cmds       chan func()
	linkEvents chan peer.Event
	timeouts   chan negotiationTimeout
	notices    chan Notice
	done       chan struct{}

	started      atomic.Bool
	leaveOnce    sync.Once
	snapshotOnce sync.Once
	snapshotDone chan struct{}

	// Everything below is owned by the run goroutine.
	roomID    string
	local     models.User
	selfID    string
	roster    map[string]*remotePeer
	order     []string
	links     map[string]*peer.Link
	timers    map[string]*time.Timer
	nextEpoch uint64
	chat      []models.ChatMessage
}

// New creates a coordinator over the given channel and media source. A nil
// factory means real connections configured from cfg.
func New(cfg config.ClientConfig, channel Channel, source *media.Source, factory TransportFactory) *Coordinator {
	if factory == nil {
		factory = func() (peer.Transport, error) {
			return peer.NewTransport(cfg.STUNServers)
		}
	}
	return &Coordinator{
		cfg:          cfg,
		channel:      channel,
		source:       source,
		newTransport: factory,
		cmds:         make(chan func()),
		linkEvents:   make(chan peer.Event, 128),
		timeouts:     make(chan negotiationTimeout, 16),
		notices:      make(chan Notice, 128),
		done:         make(chan struct{}),
		snapshotDone: make(chan struct{}),
		roster:       make(map[string]*remotePeer),
		links:        make(map[string]*peer.Link),
		timers:       make(map[string]*time.Timer),
	}
}

// Join opens the signaling channel, starts local media, announces join-room,
// and waits for the roster snapshot — all bounded by the join timeout.
// On success the session is live and Events starts delivering notices.
func (c *Coordinator) Join(ctx context.Context, roomID string, user models.User) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.JoinTimeout)
	defer cancel()

	if err := c.channel.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}

	if err := c.source.Start(ctx); err != nil {
		c.channel.Close()
		return err
	}

	c.roomID = roomID
	c.local = user
	c.started.Store(true)
	go c.run()

	if err := c.channel.Send(&models.SignalMessage{
		Type:   models.EventJoinRoom,
		RoomID: roomID,
		User:   &user,
	}); err != nil {
		c.Leave()
		return fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}

	select {
	case <-c.snapshotDone:
		return nil
	case <-ctx.Done():
		c.Leave()
		return fmt.Errorf("%w: no roster snapshot: %v", ErrSignalingUnavailable, ctx.Err())
	case <-c.done:
		return ErrClosed
	}
}

// Events delivers notices to the application. Best-effort: a consumer that
// falls far behind loses notices rather than stalling the room.
func (c *Coordinator) Events() <-chan Notice {
	return c.notices
}

// Done is closed once the session has fully shut down.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Leave closes every peer link, stops local media, and sends a best-effort
// leave notification. Idempotent.
func (c *Coordinator) Leave() {
	c.leaveOnce.Do(func() {
		if !c.started.Load() {
			// Never joined: nothing to unwind beyond the shared resources.
			c.source.Stop()
			c.channel.Close()
			close(c.done)
			return
		}
		_ = c.do(c.shutdown)
	})
}

// EndCall is the control-surface alias for Leave.
func (c *Coordinator) EndCall() {
	c.Leave()
}

// Peers returns the display-facing list: the local participant first, then
// every remote peer with inbound media, in arrival order.
func (c *Coordinator) Peers() []Participant {
	var out []Participant
	c.do(func() { out = c.participants() })
	return out
}

// Roster returns every tracked remote peer, including those still
// negotiating, for diagnostics.
func (c *Coordinator) Roster() []Participant {
	var out []Participant
	c.do(func() {
		for _, id := range c.order {
			p := c.roster[id]
			out = append(out, Participant{
				PeerID:    id,
				Name:      p.user.Name,
				HasStream: p.hasStream,
			})
		}
	})
	return out
}

// Messages returns the chat log observed so far.
func (c *Coordinator) Messages() []models.ChatMessage {
	var out []models.ChatMessage
	c.do(func() {
		out = append(out, c.chat...)
	})
	return out
}

// SendChat appends the message locally first (optimistic, matching how the
// relay excludes the sender from the broadcast) and then sends it.
func (c *Coordinator) SendChat(text string) error {
	if text == "" {
		return nil
	}
	return c.do(func() {
		msg := models.ChatMessage{
			SenderID:   c.local.ID,
			SenderName: c.local.Name,
			Text:       text,
			Timestamp:  time.Now(),
		}
		c.chat = append(c.chat, msg)
		c.emit(Notice{Kind: NoticeChat, Chat: msg})

		c.send(&models.SignalMessage{
			Type:    models.EventSendMessage,
			RoomID:  c.roomID,
			Message: text,
			User:    &c.local,
		})
	})
}

// ToggleMic flips the microphone mute flag. No renegotiation: the track
// identity is unchanged and links keep sending the same (now silent) track.
func (c *Coordinator) ToggleMic() (enabled bool, err error) {
	doErr := c.do(func() {
		enabled, err = c.source.ToggleMic()
	})
	if doErr != nil {
		return false, doErr
	}
	return enabled, err
}

// ToggleCam flips the camera mute flag in place.
func (c *Coordinator) ToggleCam() (enabled bool, err error) {
	doErr := c.do(func() {
		enabled, err = c.source.ToggleCam()
	})
	if doErr != nil {
		return false, doErr
	}
	return enabled, err
}

// ShareScreen swaps the video slot of every live link to a screen-capture
// track in one step. When the capture ends on its own, the camera is
// restored automatically.
func (c *Coordinator) ShareScreen(ctx context.Context) error {
	var err error
	doErr := c.do(func() {
		var track *media.Track
		track, err = c.source.ShareScreen(ctx)
		if err != nil {
			return
		}
		c.replaceVideo(track)

		track.OnEnded(func() {
			// Fires on a capture goroutine (or synchronously if the track is
			// already dead); hop off to avoid re-entering the run loop.
			go c.restoreAfterShare()
		})
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// restoreAfterShare runs when the screen capture ends outside our control.
// A failed camera reacquisition is terminal: the dead screen track is
// released so the share state clears, and the failure is surfaced for the
// user to retry. The video slot stays empty until a retry succeeds.
func (c *Coordinator) restoreAfterShare() {
	err := c.RestoreCamera(context.Background())
	if err == nil || errors.Is(err, ErrClosed) {
		return
	}
	c.do(func() {
		c.source.DropVideo()
		c.emit(Notice{Kind: NoticeMediaUnavailable, Err: err})
	})
}

// RestoreCamera reacquires a camera track and swaps it into every live link.
func (c *Coordinator) RestoreCamera(ctx context.Context) error {
	var err error
	doErr := c.do(func() {
		var track *media.Track
		track, err = c.source.RestoreCamera(ctx)
		if err != nil {
			return
		}
		c.replaceVideo(track)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// ---------------------------------------------------------------------------
// Run loop
// ---------------------------------------------------------------------------

// do runs fn on the coordinator goroutine and waits for it.
func (c *Coordinator) do(fn func()) error {
	if !c.started.Load() {
		return ErrClosed
	}
	ran := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(ran) }:
	case <-c.done:
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Coordinator) run() {
	events := c.channel.Events()
	states := c.channel.States()

	for {
		select {
		case fn := <-c.cmds:
			fn()

		case msg, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.handleSignal(msg)

		case state := <-states:
			c.handleConnectivity(state)

		case ev := <-c.linkEvents:
			c.handleLinkEvent(ev)

		case to := <-c.timeouts:
			c.handleTimeout(to)

		case <-c.done:
			return
		}
	}
}

func (c *Coordinator) handleSignal(msg models.SignalMessage) {
	switch msg.Type {
	case models.EventAllUsers:
		c.handleSnapshot(msg)
	case models.EventUserJoined:
		c.handleUserJoined(msg)
	case models.EventUserLeft:
		c.removePeer(msg.SocketID, nil)
	case models.EventOffer:
		c.handleOffer(msg)
	case models.EventAnswer:
		c.handleAnswer(msg)
	case models.EventICECandidate:
		c.handleCandidate(msg)
	case models.EventReceiveMessage:
		c.handleChat(msg)
	case models.EventError:
		slog.Warn("relay error", "err", msg.Error)
	default:
		slog.Debug("ignoring signaling event", "type", msg.Type)
	}
}

// handleSnapshot processes the roster snapshot, both on first join and after
// a reconnect. Rostered peers absent from the snapshot left during an
// outage and are reconciled away; new peers get an offer — the joining side
// always offers to pre-existing members.
func (c *Coordinator) handleSnapshot(msg models.SignalMessage) {
	if msg.SocketID != "" {
		c.selfID = msg.SocketID
	}

	present := make(map[string]bool, len(msg.Users))
	for _, entry := range msg.Users {
		present[entry.SocketID] = true
	}
	for _, id := range append([]string(nil), c.order...) {
		if !present[id] {
			c.removePeer(id, nil)
		}
	}

	for _, entry := range msg.Users {
		if entry.SocketID == c.selfID {
			continue
		}
		if _, ok := c.links[entry.SocketID]; ok {
			c.roster[entry.SocketID].user = entry.User
			continue
		}
		c.ensurePeer(entry.SocketID, entry.User)
		c.offerTo(entry.SocketID)
	}

	c.snapshotOnce.Do(func() { close(c.snapshotDone) })
	c.emitParticipants()
}

// handleUserJoined creates a link and offers — the existing member offers to
// the newcomer. A duplicate notification only refreshes the display name.
func (c *Coordinator) handleUserJoined(msg models.SignalMessage) {
	id := msg.SocketID
	if id == "" || id == c.selfID {
		return
	}

	if _, ok := c.links[id]; ok {
		if msg.User != nil {
			c.ensurePeer(id, *msg.User)
			c.roster[id].user = *msg.User
			c.emitParticipants()
		}
		return
	}

	var user models.User
	if msg.User != nil {
		user = *msg.User
	}
	c.ensurePeer(id, user)
	c.offerTo(id)
}

func (c *Coordinator) handleOffer(msg models.SignalMessage) {
	from := msg.From
	if from == "" || from == c.selfID {
		return
	}

	if link, ok := c.links[from]; ok {
		if link.State() == peer.StateOffering {
			// Glare: both sides offered. The lower peer ID wins as offerer;
			// the loser abandons its own offer and answers instead.
			if from > c.selfID {
				slog.Debug("discarding glare offer from higher peer ID", "peer", from)
				return
			}
		}
		// Half-negotiated or superseded link: tear down and recreate rather
		// than reuse.
	}

	c.ensurePeer(from, models.User{})

	link, err := c.createLink(from)
	if err != nil {
		c.failPeer(from, err)
		return
	}

	answer, err := link.HandleOffer(msg.SDP)
	if err != nil {
		c.failPeer(from, err)
		return
	}
	c.cancelTimer(from)

	c.send(&models.SignalMessage{
		Type:   models.EventAnswer,
		RoomID: c.roomID,
		Target: from,
		SDP:    answer,
	})
}

func (c *Coordinator) handleAnswer(msg models.SignalMessage) {
	from := msg.From
	link, ok := c.links[from]
	if !ok || link.State() != peer.StateOffering {
		slog.Debug("dropping stale answer", "peer", from)
		return
	}

	if err := link.HandleAnswer(msg.SDP); err != nil {
		c.failPeer(from, err)
		return
	}
	c.cancelTimer(from)
}

func (c *Coordinator) handleCandidate(msg models.SignalMessage) {
	link, ok := c.links[msg.From]
	if !ok {
		slog.Debug("dropping stale ICE candidate", "peer", msg.From)
		return
	}
	link.AddCandidate(msg.Candidate)
}

func (c *Coordinator) handleChat(msg models.SignalMessage) {
	chat := models.ChatMessage{
		SenderID:  msg.From,
		Text:      msg.Message,
		Timestamp: time.Now(),
	}
	if msg.User != nil {
		chat.SenderID = msg.User.ID
		chat.SenderName = msg.User.Name
	}
	c.chat = append(c.chat, chat)
	c.emit(Notice{Kind: NoticeChat, Chat: chat})
}

// handleConnectivity surfaces the banner state and, once the channel comes
// back, re-announces the join so the relay returns a fresh snapshot to
// reconcile against. In-flight peer links are left untouched.
func (c *Coordinator) handleConnectivity(state signaling.State) {
	c.emit(Notice{Kind: NoticeConnectivity, Connectivity: state})

	if state == signaling.StateConnected && c.roomID != "" {
		c.send(&models.SignalMessage{
			Type:   models.EventJoinRoom,
			RoomID: c.roomID,
			User:   &c.local,
		})
	}
}

func (c *Coordinator) handleLinkEvent(ev peer.Event) {
	link, ok := c.links[ev.PeerID]
	if !ok || link.Epoch() != ev.Epoch {
		// Event from a replaced or torn-down instance.
		return
	}

	switch ev.Kind {
	case peer.EventLocalCandidate:
		c.send(&models.SignalMessage{
			Type:      models.EventICECandidate,
			RoomID:    c.roomID,
			Target:    ev.PeerID,
			Candidate: ev.Candidate,
		})

	case peer.EventInboundTrack:
		link.AcceptTrack(ev.Track)
		if p := c.roster[ev.PeerID]; p != nil && !p.hasStream {
			p.hasStream = true
			c.emitParticipants()
		}

	case peer.EventStateChange:
		switch ev.Transport {
		case peer.TransportConnected:
			c.cancelTimer(ev.PeerID)
		case peer.TransportFailed:
			link.MarkFailed()
			c.removePeer(ev.PeerID, fmt.Errorf("transport failed: %w", peer.ErrNegotiationFailed))
		case peer.TransportClosed:
			// Expected on remote leave: same teardown, no diagnostic.
			c.removePeer(ev.PeerID, nil)
		}
	}
}

func (c *Coordinator) handleTimeout(to negotiationTimeout) {
	link, ok := c.links[to.peerID]
	if !ok || link.Epoch() != to.epoch || link.State() == peer.StateConnected {
		return
	}
	c.removePeer(to.peerID, fmt.Errorf("negotiation timed out: %w", peer.ErrNegotiationFailed))
}

// ---------------------------------------------------------------------------
// Roster and link bookkeeping (run goroutine only)
// ---------------------------------------------------------------------------

func (c *Coordinator) ensurePeer(id string, user models.User) {
	if p, ok := c.roster[id]; ok {
		if user.Name != "" {
			p.user = user
		}
		return
	}
	c.roster[id] = &remotePeer{user: user}
	c.order = append(c.order, id)
}

// createLink replaces any existing link for the peer: the previous instance
// is closed and discarded before the new one exists. Inbound media belonged
// to the discarded instance, so the participant leaves the display list
// until the fresh link delivers its first track.
func (c *Coordinator) createLink(id string) (*peer.Link, error) {
	c.dropLink(id)

	if p, ok := c.roster[id]; ok && p.hasStream {
		p.hasStream = false
		c.emitParticipants()
	}

	tr, err := c.newTransport()
	if err != nil {
		return nil, fmt.Errorf("create transport for %s: %w", id, err)
	}

	c.nextEpoch++
	epoch := c.nextEpoch
	link, err := peer.NewLink(id, epoch, tr, c.source.Tracks(), c.emitLinkEvent)
	if err != nil {
		return nil, fmt.Errorf("create link for %s: %w", id, err)
	}

	c.links[id] = link
	c.armTimer(id, epoch)
	return link, nil
}

func (c *Coordinator) offerTo(id string) {
	link, err := c.createLink(id)
	if err != nil {
		c.failPeer(id, err)
		return
	}

	sdp, err := link.Offer()
	if err != nil {
		c.failPeer(id, err)
		return
	}

	c.send(&models.SignalMessage{
		Type:   models.EventOffer,
		RoomID: c.roomID,
		Target: id,
		SDP:    sdp,
	})
}

func (c *Coordinator) emitLinkEvent(ev peer.Event) {
	select {
	case c.linkEvents <- ev:
	case <-c.done:
	}
}

func (c *Coordinator) armTimer(id string, epoch uint64) {
	c.cancelTimer(id)
	if c.cfg.NegotiationTimeout <= 0 {
		return
	}
	c.timers[id] = time.AfterFunc(c.cfg.NegotiationTimeout, func() {
		select {
		case c.timeouts <- negotiationTimeout{peerID: id, epoch: epoch}:
		case <-c.done:
		}
	})
}

func (c *Coordinator) cancelTimer(id string) {
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *Coordinator) dropLink(id string) {
	c.cancelTimer(id)
	if link, ok := c.links[id]; ok {
		link.Close()
		delete(c.links, id)
	}
}

// failPeer handles a negotiation failure: the one peer is torn down with a
// diagnostic; the room carries on for everyone else.
func (c *Coordinator) failPeer(id string, err error) {
	slog.Warn("peer negotiation failed", "peer", id, "err", err)
	c.removePeer(id, err)
}

// removePeer tears down the link (if any) and removes the participant. A
// non-nil unreachable error additionally emits the PeerUnreachable
// diagnostic. Queued signaling for the peer is dropped by the stale-message
// guards once the link is gone.
func (c *Coordinator) removePeer(id string, unreachable error) {
	if id == "" {
		return
	}

	c.dropLink(id)

	if _, ok := c.roster[id]; ok {
		delete(c.roster, id)
		for i, oid := range c.order {
			if oid == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}

	if unreachable != nil {
		c.emit(Notice{Kind: NoticePeerUnreachable, PeerID: id, Err: unreachable})
	}
	c.emitParticipants()
}

func (c *Coordinator) replaceVideo(track *media.Track) {
	for id, link := range c.links {
		if err := link.ReplaceVideo(track); err != nil {
			slog.Warn("failed to replace video track", "peer", id, "err", err)
		}
	}
}

func (c *Coordinator) participants() []Participant {
	list := []Participant{{
		PeerID:    c.selfID,
		Name:      c.local.Name,
		Local:     true,
		HasStream: c.source.Started(),
	}}
	for _, id := range c.order {
		p := c.roster[id]
		if !p.hasStream {
			continue
		}
		var tracks []peer.RemoteTrack
		if link, ok := c.links[id]; ok {
			tracks = link.Inbound()
		}
		list = append(list, Participant{
			PeerID:    id,
			Name:      p.user.Name,
			HasStream: true,
			Tracks:    tracks,
		})
	}
	return list
}

func (c *Coordinator) emitParticipants() {
	c.emit(Notice{Kind: NoticeParticipants, Participants: c.participants()})
}

func (c *Coordinator) emit(n Notice) {
	select {
	case c.notices <- n:
	default:
		slog.Debug("notice queue full, dropping", "kind", n.Kind)
	}
}

func (c *Coordinator) send(msg *models.SignalMessage) {
	if err := c.channel.Send(msg); err != nil {
		slog.Warn("failed to send signaling message", "type", msg.Type, "err", err)
	}
}

// shutdown runs on the coordinator goroutine and ends the session.
func (c *Coordinator) shutdown() {
	if c.roomID != "" {
		// Best-effort: the relay also detects the socket close.
		c.channel.Send(&models.SignalMessage{
			Type:   models.EventLeaveRoom,
			RoomID: c.roomID,
		})
	}

	for id := range c.links {
		c.dropLink(id)
	}
	c.roster = make(map[string]*remotePeer)
	c.order = nil

	c.source.Stop()
	c.channel.Close()
	close(c.done)
}
