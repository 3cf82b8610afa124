// Package token issues and verifies short-lived, room-scoped access tokens.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed    = errors.New("token malformed")
	ErrExpired      = errors.New("token expired")
	ErrRoomMismatch = errors.New("token room mismatch")
)

// Claims are the only claims a room token carries: the room name and exp.
type Claims struct {
	Room string `json:"room"`
	jwt.RegisteredClaims
}

type Service struct {
	secret []byte
	now    func() time.Time
}

func NewService(secret string) *Service {
	return &Service{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// Issue signs a token for room that expires after ttl.
func (s *Service) Issue(room string, ttl time.Duration) (string, time.Time, error) {
	expiresAt := s.now().Add(ttl)
	claims := Claims{
		Room: room,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenString, claims.ExpiresAt.Time, nil
}

// Verify checks the signature and expiry of tokenString and that it was
// issued for expectedRoom.
func (s *Service) Verify(tokenString, expectedRoom string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMalformed
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if claims.Room != expectedRoom {
		return nil, ErrRoomMismatch
	}
	return claims, nil
}

// Reason maps a verification error to the string reported to clients.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrRoomMismatch):
		return "room_mismatch"
	default:
		return "malformed"
	}
}
