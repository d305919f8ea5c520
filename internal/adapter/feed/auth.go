package feed

import (
	"crypto/subtle"

	"msgline/internal/domain"
	"msgline/internal/infra/config"
)

// ClientInfo holds metadata about an authenticated feed consumer.
type ClientInfo struct {
	Name string
}

// Authenticator validates incoming feed connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

type authEntry struct {
	token []byte
	info  *ClientInfo
}

// StaticTokenAuth authenticates consumers against a static token list
// using constant-time comparison.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from configured tokens.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, 0, len(tokens))}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		a.entries = append(a.entries, authEntry{
			token: []byte(t.Token),
			info:  &ClientInfo{Name: t.Name},
		})
	}
	return a
}

// Authenticate returns client info if the token is valid.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			return e.info, nil
		}
	}
	return nil, domain.ErrFeedAuthFailed
}

// OpenAuth accepts every connection. Only meant for loopback listeners.
type OpenAuth struct{}

// Authenticate implements Authenticator.
func (OpenAuth) Authenticate(string) (*ClientInfo, error) {
	return &ClientInfo{Name: "anonymous"}, nil
}

// NewAuthenticator picks the authenticator for cfg.Type.
func NewAuthenticator(cfg config.AuthConfig) (Authenticator, error) {
	switch cfg.Type {
	case "":
		return OpenAuth{}, nil
	case "static":
		return NewStaticTokenAuth(cfg.Tokens), nil
	default:
		return nil, domain.NewDomainError("feed.NewAuthenticator", domain.ErrInvalidInput, "auth type "+cfg.Type)
	}
}
