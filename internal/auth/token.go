package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("no bearer token")
	ErrNoSubject    = errors.New("token has no subject")
	ErrMalformedJWT = errors.New("malformed token")
)

// TokenSource supplies the bearer credential for outbound cart calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Holder is a per-session TokenSource set at login and cleared at logout.
type Holder struct {
	m     sync.RWMutex
	token string
}

func (h *Holder) Set(token string) {
	h.m.Lock()
	defer h.m.Unlock()
	h.token = token
}

func (h *Holder) Clear() {
	h.Set("")
}

func (h *Holder) Token(context.Context) (string, error) {
	h.m.RLock()
	defer h.m.RUnlock()
	if h.token == "" {
		return "", ErrNoToken
	}
	return h.token, nil
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) (string, error) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrNoToken
	}
	tok := strings.TrimSpace(header[len(prefix):])
	if tok == "" {
		return "", ErrNoToken
	}
	return tok, nil
}

// UserIDFromToken reads the subject claim. The signature is not checked here:
// the identity service issued the token and the cart API verifies it on
// every call.
func UserIDFromToken(token string) (string, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedJWT, err)
	}
	if claims.Subject == "" {
		return "", ErrNoSubject
	}
	return claims.Subject, nil
}
