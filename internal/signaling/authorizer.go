package signaling

import (
	"errors"
	"net/http"
	"strings"

	"github.com/healthkiosk/telehealth-signaling/internal/auth"
	"github.com/healthkiosk/telehealth-signaling/internal/config"
)

// Authorizer resolves the identity of a signaling connection.
//
// Authorize is first called with hello == nil using only the upgrade request.
// If that fails with auth.ErrMissingCredentials the server waits for an auth
// event and calls Authorize again with its payload.
//
// A nil identity with a nil error means the connection is accepted without an
// identity; join-room must then carry the userId.
type Authorizer interface {
	Authorize(r *http.Request, hello *auth.WireAuthMessage) (*auth.Identity, error)
}

type AllowAllAuthorizer struct{}

func (AllowAllAuthorizer) Authorize(*http.Request, *auth.WireAuthMessage) (*auth.Identity, error) {
	return nil, nil
}

// AuthAuthorizer enforces AUTH_MODE=jwt. Credentials come from the auth event
// when present, otherwise from the Authorization header or token query
// parameter.
type AuthAuthorizer struct {
	verifier auth.Verifier
}

// NewAuthorizer returns the authorizer for cfg.AuthMode.
func NewAuthorizer(cfg config.Config) (Authorizer, error) {
	if cfg.AuthMode == config.AuthModeNone {
		return AllowAllAuthorizer{}, nil
	}
	v, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	return AuthAuthorizer{verifier: v}, nil
}

func NewAuthAuthorizer(v auth.Verifier) AuthAuthorizer {
	return AuthAuthorizer{verifier: v}
}

func (a AuthAuthorizer) Authorize(r *http.Request, hello *auth.WireAuthMessage) (*auth.Identity, error) {
	if a.verifier == nil {
		return nil, errors.New("auth verifier not configured")
	}
	cred, err := credentialFromHelloAndRequest(hello, r)
	if err != nil {
		return nil, err
	}
	id, err := a.verifier.Verify(cred)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func credentialFromHelloAndRequest(hello *auth.WireAuthMessage, r *http.Request) (string, error) {
	if hello != nil {
		if v := strings.TrimSpace(hello.Token); v != "" {
			return v, nil
		}
		return "", auth.ErrMissingCredentials
	}
	return auth.CredentialFromRequest(r)
}

// IsAuthMissing reports whether err represents missing credentials (as opposed
// to invalid credentials).
func IsAuthMissing(err error) bool {
	return errors.Is(err, auth.ErrMissingCredentials)
}

func unauthorizedMessage(err error) string {
	if err == nil || auth.IsUnauthorized(err) {
		return "unauthorized"
	}
	return "authorization failed"
}
