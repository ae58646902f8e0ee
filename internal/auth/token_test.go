package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewTokenService_ShortSecret(t *testing.T) {
	if _, err := NewTokenService("short", "sesmailer", time.Hour); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestTokenService_IssueAndValidate(t *testing.T) {
	ts, err := NewTokenService(testSecret, "sesmailer", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenService() error: %v", err)
	}

	token, err := ts.Issue("billing-service")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	claims, err := ts.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if claims.Subject != "billing-service" {
		t.Errorf("expected subject billing-service, got %s", claims.Subject)
	}
	if claims.ExpiresAt == nil {
		t.Error("expected expiry to be set")
	}
}

func TestTokenService_Expired(t *testing.T) {
	ts, _ := NewTokenService(testSecret, "sesmailer", time.Minute)
	issued := time.Now().Add(-time.Hour)
	ts.now = func() time.Time { return issued }
	token, err := ts.Issue("svc")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	ts.now = time.Now
	if _, err := ts.Validate(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestTokenService_Rejects(t *testing.T) {
	ts, _ := NewTokenService(testSecret, "sesmailer", time.Hour)
	other, _ := NewTokenService(strings.Repeat("x", 32), "sesmailer", time.Hour)
	wrongIssuer, _ := NewTokenService(testSecret, "someone-else", time.Hour)

	forged, _ := other.Issue("svc")
	foreign, _ := wrongIssuer.Issue("svc")
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "svc", Issuer: "sesmailer"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"malformed", "not.a.token", ErrTokenMalformed},
		{"wrong key", forged, ErrTokenInvalid},
		{"wrong issuer", foreign, ErrTokenInvalid},
		{"none alg", none, ErrSigningMethod},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ts.Validate(tt.token); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
