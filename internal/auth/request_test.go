package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/healthkiosk/telehealth-signaling/internal/config"
)

func TestRequestAuthenticator_NoneModeTrustsHeaders(t *testing.T) {
	authn, err := NewRequestAuthenticator(config.Config{AuthMode: config.AuthModeNone})
	if err != nil {
		t.Fatalf("NewRequestAuthenticator: %v", err)
	}

	r := httptest.NewRequest("GET", "/api/consultations/requests", nil)
	r.Header.Set(HeaderUserID, "doc1")
	r.Header.Set(HeaderUserRole, "Doctor")
	id, err := authn(r)
	if err != nil {
		t.Fatalf("authn: %v", err)
	}
	if id.UserID != "doc1" || id.Role != RoleDoctor {
		t.Fatalf("identity=%+v", id)
	}

	r = httptest.NewRequest("GET", "/api/consultations/requests", nil)
	if _, err := authn(r); !IsUnauthorized(err) {
		t.Fatalf("err=%v, want unauthorized", err)
	}

	r.Header.Set(HeaderUserID, "doc1")
	r.Header.Set(HeaderUserRole, "nurse")
	if _, err := authn(r); !IsUnauthorized(err) {
		t.Fatalf("err=%v, want unauthorized for unknown role", err)
	}
}

func TestRequestAuthenticator_JWTModeIgnoresHeaders(t *testing.T) {
	authn, err := NewRequestAuthenticator(config.Config{AuthMode: config.AuthModeJWT, JWTSecret: "secret", JWTIssuer: "kiosk"})
	if err != nil {
		t.Fatalf("NewRequestAuthenticator: %v", err)
	}

	r := httptest.NewRequest("GET", "/api/consultations/requests", nil)
	r.Header.Set(HeaderUserID, "doc1")
	r.Header.Set(HeaderUserRole, "doctor")
	if _, err := authn(r); !IsUnauthorized(err) {
		t.Fatalf("err=%v, want unauthorized without a token", err)
	}

	issuer, err := NewIssuer("secret", "kiosk", time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, _, err := issuer.Issue(Identity{UserID: "pat1", Role: RolePatient})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	r.Header.Set("Authorization", "Bearer "+token)
	id, err := authn(r)
	if err != nil {
		t.Fatalf("authn: %v", err)
	}
	if id.UserID != "pat1" || id.Role != RolePatient {
		t.Fatalf("identity=%+v", id)
	}
}
