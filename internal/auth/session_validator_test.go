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
	testSessionCookieName    = "app_session"
	testSessionUserID        = "user-123"
)

func mustSignSession(t *testing.T, claims SessionClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	signed := mustSignSession(t, SessionClaims{
		UserID: testSessionUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})

	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
}

func TestSessionValidatorRejectsBadTokens(t *testing.T) {
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

	tests := []struct {
		name   string
		claims SessionClaims
		want   error
	}{
		{
			name: "expired",
			claims: SessionClaims{UserID: testSessionUserID, RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    defaultSessionIssuer,
				Subject:   testSessionUserID,
				ExpiresAt: jwt.NewNumericDate(clockNow.Add(-time.Hour)),
			}},
			want: ErrExpiredSessionToken,
		},
		{
			name: "foreign-issuer",
			claims: SessionClaims{UserID: testSessionUserID, RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "someone-else",
				Subject:   testSessionUserID,
				ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
			}},
			want: ErrInvalidSessionToken,
		},
		{
			name: "missing-subject",
			claims: SessionClaims{RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    defaultSessionIssuer,
				ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
			}},
			want: ErrMissingSessionSubject,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validator.ValidateToken(mustSignSession(t, tt.claims))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestSessionValidatorValidateRequest(t *testing.T) {
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	signed := mustSignSession(t, SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	bearer := httptest.NewRequest(http.MethodGet, "/v1/tables/notes", http.NoBody)
	bearer.Header.Set("Authorization", "Bearer "+signed)

	cookie := httptest.NewRequest(http.MethodGet, "/v1/tables/notes", http.NoBody)
	cookie.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: signed})

	for name, request := range map[string]*http.Request{"bearer": bearer, "cookie": cookie} {
		claims, err := validator.ValidateRequest(request)
		if err != nil {
			t.Fatalf("%s validation failed: %v", name, err)
		}
		if claims.UserID != testSessionUserID {
			t.Fatalf("%s: subject must populate the user id, got %q", name, claims.UserID)
		}
	}

	anonymous := httptest.NewRequest(http.MethodGet, "/v1/tables/notes", http.NoBody)
	if _, err := validator.ValidateRequest(anonymous); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}

	basic := httptest.NewRequest(http.MethodGet, "/v1/tables/notes", http.NoBody)
	basic.Header.Set("Authorization", "Basic abc")
	if _, err := validator.ValidateRequest(basic); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}
