package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionSubject       = "operator"
)

func signTestClaims(t *testing.T, claims AdminClaims, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims(now time.Time) AdminClaims {
	return AdminClaims{
		Scope: ScopeAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    DefaultIssuer,
			Audience:  []string{DefaultAudience},
			Subject:   testSessionSubject,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	expired := validClaims(clockNow)
	expired.ExpiresAt = jwt.NewNumericDate(clockNow.Add(-time.Second))
	wrongScope := validClaims(clockNow)
	wrongScope.Scope = "viewer"
	wrongAudience := validClaims(clockNow)
	wrongAudience.Audience = []string{"someone-else"}
	missingSubject := validClaims(clockNow)
	missingSubject.Subject = ""

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "valid", token: signTestClaims(t, validClaims(clockNow), testSessionSigningSecret)},
		{name: "empty", token: " ", wantErr: ErrMissingSessionToken},
		{name: "expired", token: signTestClaims(t, expired, testSessionSigningSecret), wantErr: ErrExpiredSessionToken},
		{name: "wrong-secret", token: signTestClaims(t, validClaims(clockNow), "other"), wantErr: ErrInvalidSessionToken},
		{name: "wrong-audience", token: signTestClaims(t, wrongAudience, testSessionSigningSecret), wantErr: ErrInvalidSessionToken},
		{name: "wrong-scope", token: signTestClaims(t, wrongScope, testSessionSigningSecret), wantErr: ErrInsufficientScope},
		{name: "missing-subject", token: signTestClaims(t, missingSubject, testSessionSigningSecret), wantErr: ErrMissingSessionSubject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := validator.ValidateToken(tt.token)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected validation failure: %v", err)
				}
				if claims.Subject != testSessionSubject {
					t.Fatalf("unexpected subject: %s", claims.Subject)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSessionValidatorValidateRequestUsesBearerHeader(t *testing.T) {
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	signed := signTestClaims(t, validClaims(time.Now()), testSessionSigningSecret)

	request := httptest.NewRequest(http.MethodGet, "/api/media-groups", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+signed)
	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.Subject != testSessionSubject {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}

	missing := httptest.NewRequest(http.MethodGet, "/api/media-groups", http.NoBody)
	if _, err := validator.ValidateRequest(missing); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestNewSessionValidatorRequiresSecret(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
}
