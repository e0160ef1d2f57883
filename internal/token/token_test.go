package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManager_IssueAndValidateRoundTrip(t *testing.T) {
	m := NewManager([]byte("test-signing-key"), "eventcore-test", time.Minute)

	signed, expiresAt, err := m.Issue("room-1", "socket-attachment-data", []string{"subscribe"})
	require.NoError(t, err)
	require.NotEmpty(t, signed)
	require.WithinDuration(t, time.Now().Add(time.Minute), expiresAt, 2*time.Second)

	claims, err := m.Validate(signed)
	require.NoError(t, err)
	require.Equal(t, "room-1", claims.Channel)
	require.Equal(t, "socket-attachment-data", claims.Attachment)
	require.True(t, claims.Allows("subscribe"))
	require.False(t, claims.Allows("invoke"))
}

func TestManager_ValidateRejectsExpiredToken(t *testing.T) {
	m := NewManager([]byte("test-signing-key"), "eventcore-test", time.Minute)
	m.ttl = -time.Minute // NewManager replaces a non-positive ttl with its default

	signed, _, err := m.Issue("room-1", "", nil)
	require.NoError(t, err)

	_, err = m.Validate(signed)
	require.ErrorIs(t, err, ErrExpired)
}

func TestManager_ValidateRejectsWrongKey(t *testing.T) {
	issuer := NewManager([]byte("key-a"), "eventcore-test", time.Minute)
	verifier := NewManager([]byte("key-b"), "eventcore-test", time.Minute)

	signed, _, err := issuer.Issue("room-1", "", nil)
	require.NoError(t, err)

	_, err = verifier.Validate(signed)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestClaims_AllowsEmptyListPermitsAnyRPC(t *testing.T) {
	c := &Claims{Channel: "room-1"}
	require.True(t, c.Allows("anything"))
}
