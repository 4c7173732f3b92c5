package gateway

import (
	"crypto/subtle"
	"errors"
)

// ErrAuthFailed is returned for connections with a bad or missing token.
var ErrAuthFailed = errors.New("gateway: authentication failed")

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) error
}

// TokenAuth authenticates against a single static token using
// constant-time comparison. An empty configured token disables
// authentication, for local development only.
type TokenAuth struct {
	token []byte
}

func NewTokenAuth(token string) *TokenAuth {
	return &TokenAuth{token: []byte(token)}
}

func (a *TokenAuth) Authenticate(token string) error {
	if len(a.token) == 0 {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(token), a.token) == 1 {
		return nil
	}
	return ErrAuthFailed
}
