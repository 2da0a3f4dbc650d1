package models

import "time"

// RoomMetadata stores information about a room
type RoomMetadata struct {
	ID               string    `json:"id"`
	Code             string    `json:"code"`      // Short, shareable room code (e.g., "ABCD123")
	CreatorID        string    `json:"creatorId"` // User ID from JWT who created the room
	CreatedAt        time.Time `json:"createdAt"`
	MaxParticipants  int       `json:"maxParticipants"`
	ParticipantCount int       `json:"participantCount"`
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	MaxParticipants int `json:"maxParticipants" binding:"min=0,max=16"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// UserRecord is the stored form of a registered account. The password is
// kept only as a bcrypt hash.
type UserRecord struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}
