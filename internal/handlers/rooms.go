package handlers

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/redis"
)

const (
	roomCodeLength = 6
	roomTTL        = 24 * time.Hour
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

// CreateRoom creates a new room (requires authentication)
func CreateRoom(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Default capacity if not specified
	if req.MaxParticipants == 0 {
		req.MaxParticipants = 8
	}

	// Generate unique room ID and code
	roomID := uuid.New().String()
	roomCode := generateRoomCode()

	room := models.RoomMetadata{
		ID:               roomID,
		Code:             roomCode,
		CreatorID:        userID.(string),
		CreatedAt:        time.Now(),
		MaxParticipants:  req.MaxParticipants,
		ParticipantCount: 0,
	}

	redisClient := redis.GetClient()
	ctx := redis.GetContext()

	// Store room metadata by ID
	roomData, err := json.Marshal(room)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	if err := redisClient.Set(ctx, "room:"+roomID, roomData, roomTTL).Err(); err != nil {
		slog.Error("failed to store room", "room_id", roomID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	// Store code-to-ID mapping for easy lookup
	if err := redisClient.Set(ctx, "code:"+roomCode, roomID, roomTTL).Err(); err != nil {
		slog.Error("failed to store room code", "room_id", roomID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	slog.Info("room created", "room_id", roomID, "code", roomCode, "creator", userID)

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: roomID,
		Code:   roomCode,
	})
}

// GetRoom gets room information by code or ID (public)
func GetRoom(c *gin.Context) {
	roomIdentifier := c.Param("roomId")

	redisClient := redis.GetClient()
	ctx := redis.GetContext()

	// Try to find room by code first, then by ID
	roomID := roomIdentifier

	// Check if it's a code (6 chars) vs UUID
	if len(roomIdentifier) == roomCodeLength {
		id, err := redisClient.Get(ctx, "code:"+roomIdentifier).Result()
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		roomID = id
	}

	// Get room metadata
	roomData, err := redisClient.Get(ctx, "room:"+roomID).Result()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	var room models.RoomMetadata
	if err := json.Unmarshal([]byte(roomData), &room); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to parse room data"})
		return
	}

	// Get current participant count
	count, _ := redisClient.SCard(ctx, "room:"+roomID+":peers").Result()
	room.ParticipantCount = int(count)

	c.JSON(http.StatusOK, room)
}

// DeleteRoom deletes a room (requires authentication and creator)
func DeleteRoom(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	roomID := c.Param("roomId")

	redisClient := redis.GetClient()
	ctx := redis.GetContext()

	// Get room metadata to verify creator
	roomData, err := redisClient.Get(ctx, "room:"+roomID).Result()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	var room models.RoomMetadata
	if err := json.Unmarshal([]byte(roomData), &room); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to parse room data"})
		return
	}

	// Verify user is the creator
	if room.CreatorID != userID.(string) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}

	// Delete room data
	redisClient.Del(ctx, "room:"+roomID)
	redisClient.Del(ctx, "code:"+room.Code)
	redisClient.Del(ctx, "room:"+roomID+":peers")

	slog.Info("room deleted", "room_id", roomID, "user", userID)

	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}

// ValidateRoomExists checks if a room exists and is not full. With no Redis
// connection (standalone relay, tests) every room is accepted as-is.
func ValidateRoomExists(roomIdentifier string) (string, *models.RoomMetadata, error) {
	redisClient := redis.GetClient()
	if redisClient == nil {
		return roomIdentifier, &models.RoomMetadata{ID: roomIdentifier, MaxParticipants: 16}, nil
	}
	ctx := redis.GetContext()

	// Try to find room by code first, then by ID
	roomID := roomIdentifier

	// Check if it's a code (6 chars) vs UUID
	if len(roomIdentifier) == roomCodeLength {
		id, err := redisClient.Get(ctx, "code:"+roomIdentifier).Result()
		if err != nil {
			return "", nil, fmt.Errorf("room not found")
		}
		roomID = id
	}

	// Get room metadata
	roomData, err := redisClient.Get(ctx, "room:"+roomID).Result()
	if err != nil {
		return "", nil, fmt.Errorf("room not found")
	}

	var room models.RoomMetadata
	if err := json.Unmarshal([]byte(roomData), &room); err != nil {
		return "", nil, fmt.Errorf("failed to parse room data")
	}

	// Check if room is full
	count, _ := redisClient.SCard(ctx, "room:"+roomID+":peers").Result()
	if int(count) >= room.MaxParticipants {
		return "", nil, fmt.Errorf("room is full")
	}

	return roomID, &room, nil
}
