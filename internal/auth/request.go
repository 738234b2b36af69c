package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/healthkiosk/telehealth-signaling/internal/config"
)

// Development identity headers, honoured only with AUTH_MODE=none.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// RequestAuthenticator resolves the caller of a REST request.
type RequestAuthenticator func(r *http.Request) (Identity, error)

// NewRequestAuthenticator verifies bearer tokens in jwt mode and trusts the
// development identity headers in none mode.
func NewRequestAuthenticator(cfg config.Config) (RequestAuthenticator, error) {
	if cfg.AuthMode == config.AuthModeNone {
		return HeaderIdentity, nil
	}
	v, err := NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	return VerifiedIdentity(v), nil
}

// VerifiedIdentity reads the request credential and verifies it with v.
func VerifiedIdentity(v Verifier) RequestAuthenticator {
	return func(r *http.Request) (Identity, error) {
		cred, err := CredentialFromRequest(r)
		if err != nil {
			return Identity{}, err
		}
		return v.Verify(cred)
	}
}

func HeaderIdentity(r *http.Request) (Identity, error) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: %s header is required", ErrMissingCredentials, HeaderUserID)
	}
	role, err := ParseRole(r.Header.Get(HeaderUserRole))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return Identity{UserID: userID, Role: role}, nil
}
