// Package identity supplies the credential carried on every request and channel connection.
package identity

import (
	"context"
	"fmt"
	"sync"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// CredentialProvider supplies the current user and their auth token.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
	Identity() *Identity
}

// Identity is the subject a token was issued to, read without verification.
type Identity struct {
	UID      string
	Username string
}

var _ CredentialProvider = &StaticCredentials{}

// StaticCredentials holds a token obtained out of band.
type StaticCredentials struct {
	lock     sync.RWMutex
	token    string
	identity *Identity
}

// NewStaticCredentials wraps a token. JWT claims `sub` and `username` are read
// unverified to identify the user locally. Opaque tokens are accepted as is.
func NewStaticCredentials(token string) (*StaticCredentials, error) {
	if token == "" {
		return nil, fmt.Errorf("token is empty")
	}
	c := &StaticCredentials{}
	c.SetToken(token)
	return c, nil
}

func (c *StaticCredentials) Token(ctx context.Context) (string, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if c.token == "" {
		return "", fmt.Errorf("no credential available")
	}
	return c.token, nil
}

func (c *StaticCredentials) Identity() *Identity {
	c.lock.RLock()
	defer c.lock.RUnlock()
	id := *c.identity
	return &id
}

// SetToken replaces the token, e.g. after the identity provider refreshed it.
func (c *StaticCredentials) SetToken(token string) {
	identity := ParseUnverified(token)

	c.lock.Lock()
	defer c.lock.Unlock()
	c.token = token
	c.identity = identity
}

// ParseUnverified extracts the subject of a JWT without checking its signature.
// The server remains the only verifier.
func ParseUnverified(token string) *Identity {
	identity := &Identity{}

	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return identity
	}

	claims := parsed.Claims.(gojwt.MapClaims)
	if sub, ok := claims["sub"].(string); ok {
		identity.UID = sub
	}
	if username, ok := claims["username"].(string); ok {
		identity.Username = username
	}
	if identity.Username == "" {
		identity.Username = identity.UID
	}

	return identity
}
