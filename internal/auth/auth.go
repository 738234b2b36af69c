package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/healthkiosk/telehealth-signaling/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Role is the participant's side of a consultation.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RolePatient:
		return RolePatient, nil
	case RoleDoctor:
		return RoleDoctor, nil
	default:
		return "", fmt.Errorf("unknown role %q", raw)
	}
}

// Identity is the authenticated participant bound to a connection or
// request. UserID is the signaling routing key.
type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

type Verifier interface {
	Verify(credential string) (Identity, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

func CredentialFromQuery(q url.Values) (string, error) {
	if token := strings.TrimSpace(q.Get("token")); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}

// WireAuthMessage is the payload of the first-message auth event for clients
// that cannot put a token in the upgrade URL or headers.
type WireAuthMessage struct {
	Token string `json:"token"`
}

func CredentialFromAuthMessage(msg WireAuthMessage) (string, error) {
	if token := strings.TrimSpace(msg.Token); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}

// CredentialFromRequest reads `Authorization: Bearer <token>` and falls back
// to the `token` query parameter.
func CredentialFromRequest(r *http.Request) (string, error) {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		scheme, token, ok := strings.Cut(authz, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", ErrInvalidCredentials
		}
		return strings.TrimSpace(token), nil
	}
	return CredentialFromQuery(r.URL.Query())
}

// IsUnauthorized reports whether err should be treated as an authentication
// failure rather than a server problem.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrMissingCredentials) || errors.Is(err, ErrInvalidCredentials)
}
