package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestJWTRoundTrip(t *testing.T) {
	issuer, err := NewIssuer("secret", "kiosk", time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, exp, err := issuer.Issue(Identity{UserID: "doc1", Role: RoleDoctor})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("exp=%v should be in the future", exp)
	}

	id, err := NewJWTVerifier("secret", "kiosk").Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "doc1" || id.Role != RoleDoctor {
		t.Fatalf("identity=%+v", id)
	}
}

func TestJWTVerifierRejects(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	issuer, err := NewIssuer("secret", "kiosk", time.Minute)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	issuer.now = fixedClock(now)
	token, _, err := issuer.Issue(Identity{UserID: "pat1", Role: RolePatient})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	t.Run("wrong secret", func(t *testing.T) {
		v := NewJWTVerifier("other", "kiosk")
		v.now = fixedClock(now)
		if _, err := v.Verify(token); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
		}
	})

	t.Run("wrong issuer", func(t *testing.T) {
		v := NewJWTVerifier("secret", "elsewhere")
		v.now = fixedClock(now)
		if _, err := v.Verify(token); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
		}
	})

	t.Run("expired", func(t *testing.T) {
		v := NewJWTVerifier("secret", "kiosk")
		v.now = fixedClock(now.Add(2 * time.Minute))
		if _, err := v.Verify(token); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
		}
	})

	t.Run("empty", func(t *testing.T) {
		if _, err := NewJWTVerifier("secret", "kiosk").Verify(""); !errors.Is(err, ErrMissingCredentials) {
			t.Fatalf("err=%v, want %v", err, ErrMissingCredentials)
		}
	})

	t.Run("none alg", func(t *testing.T) {
		unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
			Role: string(RolePatient),
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "kiosk",
				Subject:   "pat1",
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
		})
		raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("SignedString: %v", err)
		}
		v := NewJWTVerifier("secret", "kiosk")
		v.now = fixedClock(now)
		if _, err := v.Verify(raw); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
		}
	})

	t.Run("unknown role", func(t *testing.T) {
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
			Role: "admin",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "kiosk",
				Subject:   "x",
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
		}).SignedString([]byte("secret"))
		if err != nil {
			t.Fatalf("SignedString: %v", err)
		}
		v := NewJWTVerifier("secret", "kiosk")
		v.now = fixedClock(now)
		if _, err := v.Verify(raw); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
		}
	})
}

func TestIssuerValidation(t *testing.T) {
	if _, err := NewIssuer("", "kiosk", time.Hour); err == nil {
		t.Fatalf("expected error for empty secret")
	}
	if _, err := NewIssuer("s", "kiosk", 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
	issuer, _ := NewIssuer("s", "kiosk", time.Hour)
	if _, _, err := issuer.Issue(Identity{Role: RoleDoctor}); err == nil {
		t.Fatalf("expected error for empty user id")
	}
}
