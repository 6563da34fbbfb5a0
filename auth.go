package delta

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionAuth is what a client presents to the ordering authority when
// connecting.
type SessionAuth struct {
	Token       string
	AppVersion  string
	Environment string
}

type SessionClaims struct {
	SessionId Id
	Subject   string
}

// MintSessionToken signs a session token for `subject` scoped to `sessionId`.
// A non-positive ttl mints a token without expiry.
func MintSessionToken(secret []byte, sessionId Id, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"session_id": sessionId.String(),
		"sub":        subject,
		"iat":        now.Unix(),
	}
	if 0 < ttl {
		claims["exp"] = now.Add(ttl).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func VerifySessionToken(secret []byte, tokenStr string) (*SessionClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}
	return sessionClaims(token)
}

// ParseSessionTokenUnverified reads the claims without checking the
// signature. Display only, never for authorization.
func ParseSessionTokenUnverified(tokenStr string) (*SessionClaims, error) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenStr, jwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	return sessionClaims(token)
}

func sessionClaims(token *jwt.Token) (*SessionClaims, error) {
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("bad session token claims")
	}
	sessionIdStr, ok := claims["session_id"].(string)
	if !ok {
		return nil, fmt.Errorf("missing session_id claim")
	}
	sessionId, err := ParseId(sessionIdStr)
	if err != nil {
		return nil, err
	}
	subject, _ := claims["sub"].(string)
	return &SessionClaims{
		SessionId: sessionId,
		Subject:   subject,
	}, nil
}
