// Package token issues and validates the short-lived tokens a durable
// iterator link attaches to a channel subscription: who may reconnect, to
// which channel, and which RPCs the resulting socket may invoke.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrExpired is returned when a token's expiry has passed.
var ErrExpired = errors.New("token: expired")

// ErrInvalidSignature is returned when a token fails signature verification.
var ErrInvalidSignature = errors.New("token: invalid signature")

// Claims is the payload attached to a channel subscription token: the
// channel it authorizes, an opaque attachment the durable object hands back
// unchanged on reconnect, and the RPC names the socket may invoke.
type Claims struct {
	Channel    string   `json:"channel"`
	Attachment string   `json:"attachment,omitempty"`
	AllowedRPC []string `json:"allowed_rpc,omitempty"`
	jwt.RegisteredClaims
}

// Manager issues and validates channel subscription tokens.
type Manager struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
}

// NewManager creates a token manager. ttl bounds how long an issued token
// authorizes a reconnect before the durable iterator link must refetch one.
func NewManager(signingKey []byte, issuer string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if issuer == "" {
		issuer = "eventcore"
	}
	return &Manager{signingKey: signingKey, issuer: issuer, ttl: ttl}
}

// Issue produces a signed token scoping a subscriber to channel with the
// given attachment and allowed RPC set.
func (m *Manager) Issue(channel, attachment string, allowedRPC []string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(m.ttl)

	claims := Claims{
		Channel:    channel,
		Attachment: attachment,
		AllowedRPC: allowedRPC,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(m.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses and verifies a token, returning its claims if it is
// unexpired and correctly signed.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalidSignature
	}
	if !tok.Valid {
		return nil, ErrInvalidSignature
	}
	return claims, nil
}

// Allows reports whether rpc is permitted by claims. An empty AllowedRPC
// list means every RPC is permitted (the common case for a plain event
// subscription with no peer-framed request/response traffic).
func (c *Claims) Allows(rpc string) bool {
	if len(c.AllowedRPC) == 0 {
		return true
	}
	for _, allowed := range c.AllowedRPC {
		if allowed == rpc {
			return true
		}
	}
	return false
}
