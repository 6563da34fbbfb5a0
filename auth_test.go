package delta

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSessionTokenRoundtrip(t *testing.T) {
	secret := []byte("test-secret")
	sessionId := NewId()

	tokenStr, err := MintSessionToken(secret, sessionId, "client-7", 1*time.Hour)
	assert.Equal(t, err, nil)

	claims, err := VerifySessionToken(secret, tokenStr)
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.SessionId, sessionId)
	assert.Equal(t, claims.Subject, "client-7")

	_, err = VerifySessionToken([]byte("other-secret"), tokenStr)
	assert.NotEqual(t, err, nil)

	// no ttl means no expiry
	tokenStr, err = MintSessionToken(secret, sessionId, "client-7", 0)
	assert.Equal(t, err, nil)
	_, err = VerifySessionToken(secret, tokenStr)
	assert.Equal(t, err, nil)
}

func TestSessionTokenExpiry(t *testing.T) {
	secret := []byte("test-secret")
	sessionId := NewId()

	// exp truncates to whole seconds
	tokenStr, err := MintSessionToken(secret, sessionId, "client-7", 1*time.Second)
	assert.Equal(t, err, nil)

	time.Sleep(1500 * time.Millisecond)

	_, err = VerifySessionToken(secret, tokenStr)
	assert.NotEqual(t, err, nil)
}

func TestParseSessionTokenUnverified(t *testing.T) {
	secret := []byte("test-secret")
	sessionId := NewId()

	tokenStr, err := MintSessionToken(secret, sessionId, "client-7", 1*time.Hour)
	assert.Equal(t, err, nil)

	// no secret needed to read the claims
	claims, err := ParseSessionTokenUnverified(tokenStr)
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.SessionId, sessionId)

	_, err = ParseSessionTokenUnverified("not-a-token")
	assert.NotEqual(t, err, nil)
}
