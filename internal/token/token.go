// Package token issues and verifies the pair tokens that bind a matched
// sender/receiver to a room. Sockets authenticate with these tokens.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the lifetime of a regular pair token.
const DefaultTTL = 7 * 24 * time.Hour

// FriendTTL makes friend-chat tokens effectively non-expiring.
const FriendTTL = 365 * 24 * time.Hour * 10

const issuerName = "parley-api"

// Claims is the fixed-shape payload of a pair token.
type Claims struct {
	SenderID         string `json:"senderId"`
	ReceiverID       string `json:"receiverId"`
	RoomID           string `json:"roomId"`
	SenderUsername   string `json:"senderUsername,omitempty"`
	ReceiverUsername string `json:"receiverUsername,omitempty"`
	jwt.RegisteredClaims
}

// Validate enforces the required fields during parsing. jwt/v5 invokes this
// automatically for custom claim types.
func (c Claims) Validate() error {
	if c.SenderID == "" || c.ReceiverID == "" || c.RoomID == "" {
		return errors.New("token missing required pairing fields")
	}
	return nil
}

// Issuer signs and verifies pair tokens with a shared HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer returns an Issuer using the default token lifetime.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: DefaultTTL}
}

// NewIssuerWithTTL returns an Issuer with a custom token lifetime.
func NewIssuerWithTTL(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Issue signs a pair token for sender -> receiver in roomID.
func (i *Issuer) Issue(senderID, receiverID, roomID, senderUsername, receiverUsername string) (string, error) {
	return i.issue(senderID, receiverID, roomID, senderUsername, receiverUsername, i.ttl)
}

// IssueFriend signs an effectively non-expiring token for friend chats.
func (i *Issuer) IssueFriend(senderID, receiverID, roomID, senderUsername, receiverUsername string) (string, error) {
	return i.issue(senderID, receiverID, roomID, senderUsername, receiverUsername, FriendTTL)
}

func (i *Issuer) issue(senderID, receiverID, roomID, senderUsername, receiverUsername string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		SenderID:         senderID,
		ReceiverID:       receiverID,
		RoomID:           roomID,
		SenderUsername:   senderUsername,
		ReceiverUsername: receiverUsername,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Subject:   senderID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify parses tokenString and returns its claims. Any failure (malformed
// input, bad signature, expiry, missing fields) yields the zero Claims so
// the socket layer can treat bad tokens as plain unauthorized connections
// instead of handling parse errors case by case.
func (i *Issuer) Verify(tokenString string) Claims {
	if tokenString == "" {
		return Claims{}
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Claims{}
	}
	return claims
}
