package feed

import (
	"context"
	"errors"
	"fmt"
)

// Credential is the bearer material the upstream feed expects during
// the handshake. Obtained from an external auth collaborator; this
// core never refreshes it.
type Credential struct {
	Bearer     string
	ClientCode string
}

// ErrUnavailable is returned by a CredentialSource that currently has
// no valid credential. The client treats it exactly like an upstream
// authentication rejection: terminal, no retry loop.
var ErrUnavailable = errors.New("credential unavailable")

// CredentialSource supplies a valid credential on (re)connect.
type CredentialSource interface {
	Credential(ctx context.Context) (Credential, error)
}

// AuthError marks a rejection that must not be retried.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("feed authentication rejected: %s", e.Reason)
}

// IsAuthError reports whether err is fatal to the session.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) || errors.Is(err, ErrUnavailable)
}

// StaticCredentials adapts a fixed token (e.g. from the environment)
// to the CredentialSource interface. An empty token is Unavailable.
type StaticCredentials struct {
	Token      string
	ClientCode string
}

func (s StaticCredentials) Credential(ctx context.Context) (Credential, error) {
	if s.Token == "" {
		return Credential{}, ErrUnavailable
	}
	return Credential{Bearer: s.Token, ClientCode: s.ClientCode}, nil
}
