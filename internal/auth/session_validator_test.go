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
	testSessionUserID        = "google:1234"
	testSessionUserEmail     = "user@example.com"
)

var testClockNow = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func newTestValidator(t *testing.T) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Clock: func() time.Time {
			return testClockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signTestToken(t *testing.T, issuer string, issuedAt, expiresAt time.Time, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		UserID:    testSessionUserID,
		UserEmail: testSessionUserEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestNewSessionValidatorDefaults(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected missing signing key, got %v", err)
	}
	validator := newTestValidator(t)
	if validator.CookieName() != DefaultCookieName {
		t.Fatalf("expected default cookie name, got %s", validator.CookieName())
	}
}

func TestSessionValidatorValidateToken(t *testing.T) {
	validator := newTestValidator(t)
	signed := signTestToken(t, DefaultIssuer, testClockNow.Add(-time.Minute), testClockNow.Add(time.Hour), testSessionSigningSecret)

	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID || claims.UserEmail != testSessionUserEmail {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestSessionValidatorRejectsInvalidTokens(t *testing.T) {
	validator := newTestValidator(t)
	testCases := []struct {
		name     string
		token    string
		expected error
	}{
		{
			name:     "expired",
			token:    signTestToken(t, DefaultIssuer, testClockNow.Add(-2*time.Hour), testClockNow.Add(-time.Hour), testSessionSigningSecret),
			expected: ErrExpiredSessionToken,
		},
		{
			name:     "wrong issuer",
			token:    signTestToken(t, "someone-else", testClockNow.Add(-time.Minute), testClockNow.Add(time.Hour), testSessionSigningSecret),
			expected: ErrInvalidSessionToken,
		},
		{
			name:     "wrong secret",
			token:    signTestToken(t, DefaultIssuer, testClockNow.Add(-time.Minute), testClockNow.Add(time.Hour), "other-secret"),
			expected: ErrInvalidSessionToken,
		},
		{
			name:     "empty",
			token:    "  ",
			expected: ErrMissingSessionToken,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := validator.ValidateToken(testCase.token); !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestSessionValidatorValidateRequestUsesCookie(t *testing.T) {
	validator := newTestValidator(t)
	signed := signTestToken(t, DefaultIssuer, testClockNow.Add(-time.Minute), testClockNow.Add(time.Hour), testSessionSigningSecret)

	request := httptest.NewRequest(http.MethodGet, "/api/pages", http.NoBody)
	request.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: signed})

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
}

func TestSessionValidatorValidateRequestFallsBackToBearer(t *testing.T) {
	validator := newTestValidator(t)
	signed := signTestToken(t, DefaultIssuer, testClockNow.Add(-time.Minute), testClockNow.Add(time.Hour), testSessionSigningSecret)

	request := httptest.NewRequest(http.MethodGet, "/api/pages", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+signed)
	if _, err := validator.ValidateRequest(request); err != nil {
		t.Fatalf("bearer validation failed: %v", err)
	}

	anonymous := httptest.NewRequest(http.MethodGet, "/api/pages", http.NoBody)
	if _, err := validator.ValidateRequest(anonymous); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}
