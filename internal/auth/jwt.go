// Package auth - jwt.go issues and verifies the HS256 session tokens handed
// out by POST /login, plus the short-lived password reset tokens used when
// recovery runs in reset_token mode.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Issuer is stamped on every token and required on verification.
	Issuer = "sensorhub"

	// DefaultTokenTTL is used when NewTokenService is given a zero TTL.
	DefaultTokenTTL = time.Hour

	// MinSecretLength is the recommended minimum signing key length.
	MinSecretLength = 32

	resetAudience = "password-reset"
)

var (
	// ErrInvalidToken covers bad signatures, malformed tokens, wrong
	// algorithms and expired tokens alike.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingSecret is returned by ResolveSigningKey outside dev mode.
	ErrMissingSecret = errors.New("SECURITY ERROR: SHB_AUTH_JWT_SECRET is required in production. " +
		"Generate a secure secret with: openssl rand -hex 32")
)

// Claims is the session token payload.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	// PasswordFingerprint binds a reset token to the password hash it was
	// issued against. Empty on session tokens.
	PasswordFingerprint string `json:"pwd_fp,omitempty"`
	jwt.RegisteredClaims
}

// isDevMode reports whether the process runs in a development setting.
func isDevMode() bool {
	devMode := os.Getenv("DEV_MODE")
	return devMode == "true" || devMode == "1" ||
		os.Getenv("GIN_MODE") == "debug"
}

// generateRandomSecret creates a 256-bit hex encoded secret.
func generateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ResolveSigningKey turns the configured secret into the signing key. An empty
// secret is fatal unless dev mode is on, in which case a random per-process key
// is generated and every restart invalidates outstanding tokens.
func ResolveSigningKey(secret string) ([]byte, error) {
	if secret == "" {
		if !isDevMode() {
			return nil, ErrMissingSecret
		}
		generated, err := generateRandomSecret()
		if err != nil {
			return nil, err
		}
		slog.Warn("SHB_AUTH_JWT_SECRET not set, using an auto-generated secret for development; sessions will not survive restarts")
		return []byte(generated), nil
	}

	if len(secret) < MinSecretLength {
		slog.Warn("SHB_AUTH_JWT_SECRET is shorter than recommended", "min_length", MinSecretLength)
	}
	return []byte(secret), nil
}

// TokenService signs and verifies tokens with a key fixed at construction.
type TokenService struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewTokenService creates a TokenService. The key must not be modified after
// this call.
func NewTokenService(key []byte, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenService{key: key, ttl: ttl, now: time.Now}
}

// TTL returns the lifetime of session tokens.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Issue creates a session token for the user.
func (s *TokenService) Issue(userID, role string) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    Issuer,
			Subject:   userID,
		},
	}
	return s.sign(claims)
}

// Verify checks the signature, algorithm, issuer and expiry of a session token.
// Reset tokens are not accepted here.
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	for _, aud := range claims.Audience {
		if aud == resetAudience {
			return nil, fmt.Errorf("%w: reset token used as session token", ErrInvalidToken)
		}
	}
	return claims, nil
}

// IssueResetToken creates a token that authorises one password change for
// username within ttl. passwordHash is the user's current stored hash; once
// the password changes the token no longer verifies.
func (s *TokenService) IssueResetToken(username, passwordHash string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := &Claims{
		PasswordFingerprint: s.passwordFingerprint(passwordHash),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    Issuer,
			Subject:   username,
			Audience:  jwt.ClaimStrings{resetAudience},
		},
	}
	return s.sign(claims)
}

// VerifyResetToken checks that tokenString is a live reset token for username
// issued against passwordHash, the hash currently stored for that user.
func (s *TokenService) VerifyResetToken(tokenString, username, passwordHash string) error {
	claims, err := s.parse(tokenString, jwt.WithAudience(resetAudience))
	if err != nil {
		return err
	}
	if claims.Subject != username {
		return fmt.Errorf("%w: reset token issued for a different user", ErrInvalidToken)
	}
	want := s.passwordFingerprint(passwordHash)
	if !hmac.Equal([]byte(claims.PasswordFingerprint), []byte(want)) {
		return fmt.Errorf("%w: reset token already used or superseded", ErrInvalidToken)
	}
	return nil
}

// passwordFingerprint is a keyed digest of a bcrypt hash, so the token never
// carries any part of the hash itself.
func (s *TokenService) passwordFingerprint(passwordHash string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(passwordHash))
	return hex.EncodeToString(mac.Sum(nil)[:16])
}

func (s *TokenService) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *TokenService) parse(tokenString string, extra ...jwt.ParserOption) (*Claims, error) {
	opts := append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}, extra...)

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
