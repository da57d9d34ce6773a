package auth

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-jwt-secret-that-is-32-chars-!"

func newTestService(ttl time.Duration) *TokenService {
	return NewTokenService([]byte(testSecret), ttl)
}

func TestResolveSigningKey(t *testing.T) {
	t.Run("configured secret is used as is", func(t *testing.T) {
		key, err := ResolveSigningKey(testSecret)
		if err != nil {
			t.Fatalf("ResolveSigningKey() error: %v", err)
		}
		if string(key) != testSecret {
			t.Errorf("key = %q, want %q", key, testSecret)
		}
	})

	t.Run("short secret is accepted with a warning", func(t *testing.T) {
		key, err := ResolveSigningKey("short")
		if err != nil {
			t.Fatalf("ResolveSigningKey() error: %v", err)
		}
		if string(key) != "short" {
			t.Errorf("key = %q, want short", key)
		}
	})

	t.Run("production mode requires secret", func(t *testing.T) {
		t.Setenv("DEV_MODE", "")
		t.Setenv("GIN_MODE", "release")
		_, err := ResolveSigningKey("")
		if !errors.Is(err, ErrMissingSecret) {
			t.Errorf("ResolveSigningKey() error = %v, want ErrMissingSecret", err)
		}
	})

	t.Run("dev mode generates random secret", func(t *testing.T) {
		t.Setenv("DEV_MODE", "true")
		a, err := ResolveSigningKey("")
		if err != nil {
			t.Fatalf("ResolveSigningKey() error: %v", err)
		}
		b, _ := ResolveSigningKey("")
		if len(a) != 64 {
			t.Errorf("generated key length = %d, want 64 hex chars", len(a))
		}
		if string(a) == string(b) {
			t.Error("two generated keys should differ")
		}
	})
}

func TestIssueAndVerify(t *testing.T) {
	svc := newTestService(time.Hour)

	t.Run("round trip", func(t *testing.T) {
		token, err := svc.Issue("user-123", "admin")
		if err != nil {
			t.Fatalf("Issue() error: %v", err)
		}
		claims, err := svc.Verify(token)
		if err != nil {
			t.Fatalf("Verify() error: %v", err)
		}
		if claims.UserID != "user-123" {
			t.Errorf("claims.UserID = %q, want user-123", claims.UserID)
		}
		if claims.Role != "admin" {
			t.Errorf("claims.Role = %q, want admin", claims.Role)
		}
		if claims.Issuer != Issuer {
			t.Errorf("claims.Issuer = %q, want %q", claims.Issuer, Issuer)
		}
	})

	t.Run("default ttl is one hour", func(t *testing.T) {
		def := NewTokenService([]byte(testSecret), 0)
		token, err := def.Issue("uid", "user")
		if err != nil {
			t.Fatalf("Issue() error: %v", err)
		}
		claims, err := def.Verify(token)
		if err != nil {
			t.Fatalf("Verify() error: %v", err)
		}
		remaining := time.Until(claims.ExpiresAt.Time)
		if remaining < 59*time.Minute || remaining > 61*time.Minute {
			t.Errorf("remaining = %v, want ~1h", remaining)
		}
	})

	t.Run("token is valid just before expiry and rejected after", func(t *testing.T) {
		start := time.Now()
		clock := NewTokenService([]byte(testSecret), time.Hour)
		clock.now = func() time.Time { return start }

		token, err := clock.Issue("uid", "user")
		if err != nil {
			t.Fatalf("Issue() error: %v", err)
		}

		clock.now = func() time.Time { return start.Add(59 * time.Minute) }
		if _, err := clock.Verify(token); err != nil {
			t.Errorf("Verify() before expiry error: %v", err)
		}

		clock.now = func() time.Time { return start.Add(61 * time.Minute) }
		if _, err := clock.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify() after expiry error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("garbage and empty tokens", func(t *testing.T) {
		for _, tok := range []string{"not.a.valid.token", "", "abc"} {
			if _, err := svc.Verify(tok); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify(%q) error = %v, want ErrInvalidToken", tok, err)
			}
		}
	})

	t.Run("different secret is rejected", func(t *testing.T) {
		other := NewTokenService([]byte("completely-different-secret-32ch!"), time.Hour)
		token, err := other.Issue("uid", "user")
		if err != nil {
			t.Fatalf("Issue() error: %v", err)
		}
		if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("alg none is rejected", func(t *testing.T) {
		claims := &Claims{
			UserID: "uid",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    Issuer,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("SignedString() error: %v", err)
		}
		if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("foreign issuer is rejected", func(t *testing.T) {
		claims := &Claims{
			UserID: "uid",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "someone-else",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("SignedString() error: %v", err)
		}
		if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
		}
	})
}

func TestResetTokens(t *testing.T) {
	svc := newTestService(time.Hour)
	const hash = "$2a$10$currentpasswordhashcurrentpasswordhashcurrentpa"

	token, err := svc.IssueResetToken("alice", hash, 15*time.Minute)
	if err != nil {
		t.Fatalf("IssueResetToken() error: %v", err)
	}

	t.Run("valid for the same user", func(t *testing.T) {
		if err := svc.VerifyResetToken(token, "alice", hash); err != nil {
			t.Errorf("VerifyResetToken() error: %v", err)
		}
	})

	t.Run("rejected for another user", func(t *testing.T) {
		if err := svc.VerifyResetToken(token, "bob", hash); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("VerifyResetToken() error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("rejected once the password changed", func(t *testing.T) {
		if err := svc.VerifyResetToken(token, "alice", "$2a$10$somenewhash"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("VerifyResetToken() error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("does not embed the hash", func(t *testing.T) {
		if strings.Contains(token, hash) {
			t.Error("reset token carries the password hash")
		}
		parts := strings.Split(token, ".")
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if strings.Contains(string(payload), hash[len(hash)-16:]) {
			t.Error("reset token payload carries part of the password hash")
		}
	})

	t.Run("not accepted as a session token", func(t *testing.T) {
		if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("session token is not a reset token", func(t *testing.T) {
		session, err := svc.Issue("uid", "user")
		if err != nil {
			t.Fatalf("Issue() error: %v", err)
		}
		if err := svc.VerifyResetToken(session, "uid", ""); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("VerifyResetToken() error = %v, want ErrInvalidToken", err)
		}
	})
}
