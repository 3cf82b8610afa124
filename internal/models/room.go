package models

import (
	"encoding/json"
	"regexp"
	"time"
)

type Privacy string

const (
	PrivacyPublic  Privacy = "public"
	PrivacyPrivate Privacy = "private"
)

var roomNamePattern = regexp.MustCompile(`^[A-Za-z0-9]{1,20}$`)

// ValidRoomName reports whether name is 1-20 ASCII letters or digits.
func ValidRoomName(name string) bool {
	return roomNamePattern.MatchString(name)
}

// Room is the stored room record. Verifier is an opaque, client-computed
// password verifier and is never returned by the API.
type Room struct {
	Name      string    `json:"name"`
	Privacy   Privacy   `json:"privacy"`
	Verifier  string    `json:"verifier,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the room is past its expiry at now.
func (r Room) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	Name       string  `json:"name" binding:"required"`
	Verifier   string  `json:"verifier"`
	Privacy    Privacy `json:"privacy"`
	TTLMinutes int     `json:"ttlMinutes" binding:"omitempty,min=1"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	Name        string    `json:"name"`
	ExpiresAt   time.Time `json:"expiresAt"`
	AccessToken string    `json:"accessToken"`
}

type JoinRoomRequest struct {
	Verifier string `json:"verifier"`
}

type JoinRoomResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type ValidateRoomResponse struct {
	Valid  bool `json:"valid"`
	Exists bool `json:"exists"`
}

type ShareLinkResponse struct {
	Name        string    `json:"name"`
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// StatelessSignalRequest is the body of the HTTP signaling fallback, where
// each call carries its own access token.
type StatelessSignalRequest struct {
	Room        string          `json:"room"`
	Payload     json.RawMessage `json:"payload"`
	SenderID    string          `json:"senderId"`
	AccessToken string          `json:"accessToken"`
}
