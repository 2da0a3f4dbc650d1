package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/redis"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Room tracks the clients currently joined to one room, in arrival order.
type Room struct {
	ID    string
	mu    sync.RWMutex
	peers map[string]*Client
	order []string
}

// Client represents one WebSocket connection. SocketID is minted on upgrade
// and identifies the peer for the lifetime of the connection; the User
// identity is attached when the client sends join-room.
type Client struct {
	SocketID string
	Conn     *websocket.Conn
	Send     chan []byte

	mu     sync.Mutex
	roomID string
	user   models.User
}

var rooms = make(map[string]*Room)
var roomsMu sync.RWMutex

// HandleSignaling upgrades the connection and runs the relay protocol.
// Membership is message-driven: the client announces join-room after the
// socket is up, and may leave and rejoin on the same connection.
func HandleSignaling(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("failed to upgrade connection", "err", err)
		return
	}

	client := &Client{
		SocketID: uuid.New().String(),
		Conn:     conn,
		Send:     make(chan []byte, 256),
	}

	slog.Info("socket connected", "socket_id", client.SocketID)

	go client.writePump()
	go client.readPump()
}

func getOrCreateRoom(roomID string) *Room {
	roomsMu.Lock()
	defer roomsMu.Unlock()

	room, exists := rooms[roomID]
	if !exists {
		room = &Room{
			ID:    roomID,
			peers: make(map[string]*Client),
		}
		rooms[roomID] = room
		slog.Info("room opened", "room_id", roomID)
	}
	return room
}

func (r *Room) addClient(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[client.SocketID]; ok {
		return
	}
	r.peers[client.SocketID] = client
	r.order = append(r.order, client.SocketID)
}

func (r *Room) removeClient(client *Client) {
	r.mu.Lock()
	delete(r.peers, client.SocketID)
	for i, id := range r.order {
		if id == client.SocketID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	empty := len(r.peers) == 0
	r.mu.Unlock()

	if empty {
		roomsMu.Lock()
		delete(rooms, r.ID)
		roomsMu.Unlock()
		slog.Info("room closed", "room_id", r.ID)
	}
}

// roster returns the current members in arrival order, excluding one peer.
func (r *Room) roster(excludeSocketID string) []models.RosterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]models.RosterEntry, 0, len(r.order))
	for _, id := range r.order {
		if id == excludeSocketID {
			continue
		}
		client := r.peers[id]
		entries = append(entries, models.RosterEntry{
			SocketID: client.SocketID,
			User:     client.userInfo(),
		})
	}
	return entries
}

func (r *Room) broadcastMessage(msg models.SignalMessage, excludeSocketID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal message", "err", err)
		return
	}

	for socketID, client := range r.peers {
		if socketID != excludeSocketID {
			client.enqueue(data)
		}
	}
}

func (r *Room) sendToClient(msg models.SignalMessage, targetSocketID string) {
	r.mu.RLock()
	client, exists := r.peers[targetSocketID]
	r.mu.RUnlock()

	if !exists {
		slog.Warn("target peer not in room", "target", targetSocketID, "room_id", r.ID)
		return
	}
	client.sendMessage(msg)
}

func (c *Client) userInfo() models.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *Client) currentRoom() *Room {
	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()
	if roomID == "" {
		return nil
	}
	roomsMu.RLock()
	defer roomsMu.RUnlock()
	return rooms[roomID]
}

func (c *Client) readPump() {
	defer func() {
		c.detach()
		c.Conn.Close()
		slog.Info("socket disconnected", "socket_id", c.SocketID)
	}()

	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket error", "socket_id", c.SocketID, "err", err)
			}
			break
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			slog.Warn("failed to parse message", "socket_id", c.SocketID, "err", err)
			continue
		}

		c.route(msg)
	}
}

// route dispatches one inbound message. Messages for a room the client has
// not joined are answered with an error event rather than silently eaten.
func (c *Client) route(msg models.SignalMessage) {
	switch msg.Type {
	case models.EventJoinRoom:
		c.handleJoin(msg)

	case models.EventOffer, models.EventAnswer, models.EventICECandidate:
		room := c.currentRoom()
		if room == nil {
			c.sendError("not joined to a room")
			return
		}
		if msg.Target == "" {
			c.sendError("missing target")
			return
		}
		forward := msg
		forward.From = c.SocketID
		forward.RoomID = room.ID
		forward.Target = ""
		room.sendToClient(forward, msg.Target)

	case models.EventSendMessage:
		room := c.currentRoom()
		if room == nil {
			c.sendError("not joined to a room")
			return
		}
		user := c.userInfo()
		room.broadcastMessage(models.SignalMessage{
			Type:    models.EventReceiveMessage,
			RoomID:  room.ID,
			From:    c.SocketID,
			User:    &user,
			Message: msg.Message,
		}, c.SocketID)

	case models.EventLeaveRoom:
		c.detach()

	default:
		slog.Warn("unknown message type", "type", msg.Type, "socket_id", c.SocketID)
	}
}

func (c *Client) handleJoin(msg models.SignalMessage) {
	if msg.RoomID == "" || msg.User == nil {
		c.sendError("join-room requires roomId and user")
		return
	}

	roomID, meta, err := ValidateRoomExists(msg.RoomID)
	if err != nil {
		c.sendError(err.Error())
		return
	}

	// Rejoining while already in a room is treated as leave + join.
	c.detach()

	c.mu.Lock()
	c.roomID = roomID
	c.user = *msg.User
	c.mu.Unlock()

	room := getOrCreateRoom(roomID)
	room.addClient(c)

	if redisClient := redis.GetClient(); redisClient != nil {
		ctx := redis.GetContext()
		redisClient.SAdd(ctx, "room:"+roomID+":peers", c.SocketID)
		redisClient.Expire(ctx, "room:"+roomID+":peers", roomTTL)
	}

	slog.Info("peer joined room",
		"socket_id", c.SocketID, "room_id", roomID,
		"name", msg.User.Name, "capacity", meta.MaxParticipants)

	// Snapshot of pre-existing members to the joiner; the joiner's own
	// assigned socket ID rides along so the client can tell self apart.
	c.sendMessage(models.SignalMessage{
		Type:     models.EventAllUsers,
		RoomID:   roomID,
		SocketID: c.SocketID,
		Users:    room.roster(c.SocketID),
	})

	user := c.userInfo()
	room.broadcastMessage(models.SignalMessage{
		Type:     models.EventUserJoined,
		RoomID:   roomID,
		SocketID: c.SocketID,
		User:     &user,
	}, c.SocketID)
}

// detach removes the client from its current room, if any, and notifies the
// remaining members. Safe to call repeatedly.
func (c *Client) detach() {
	c.mu.Lock()
	roomID := c.roomID
	c.roomID = ""
	c.mu.Unlock()

	if roomID == "" {
		return
	}

	roomsMu.RLock()
	room := rooms[roomID]
	roomsMu.RUnlock()
	if room == nil {
		return
	}

	room.removeClient(c)

	if redisClient := redis.GetClient(); redisClient != nil {
		redisClient.SRem(redis.GetContext(), "room:"+roomID+":peers", c.SocketID)
	}

	room.broadcastMessage(models.SignalMessage{
		Type:     models.EventUserLeft,
		RoomID:   roomID,
		SocketID: c.SocketID,
	}, c.SocketID)

	slog.Info("peer left room", "socket_id", c.SocketID, "room_id", roomID)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Warn("failed to write message", "socket_id", c.SocketID, "err", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendMessage(msg models.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal message", "err", err)
		return
	}
	c.enqueue(data)
}

func (c *Client) sendError(text string) {
	c.sendMessage(models.SignalMessage{Type: models.EventError, Error: text})
}

func (c *Client) enqueue(data []byte) {
	select {
	case c.Send <- data:
	default:
		slog.Warn("send buffer full, dropping message", "socket_id", c.SocketID)
	}
}
