// Package accounts implements the credential endpoints: registration, login,
// pet-name password recovery and password change.
package accounts

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sensorhub/sensorhub/internal/auth"
	"github.com/sensorhub/sensorhub/internal/config"
	"github.com/sensorhub/sensorhub/internal/db/models"
	"github.com/sensorhub/sensorhub/internal/db/repositories"
	"github.com/sensorhub/sensorhub/internal/middleware"
	"github.com/sensorhub/sensorhub/internal/telemetry"
)

// bcrypt ignores everything past 72 bytes and GenerateFromPassword refuses
// longer input outright.
const maxPasswordBytes = 72

// Error messages shared between handlers and tests.
const (
	msgInvalidLogin    = "Invalid username or password"
	msgUserExists      = "User already exists"
	msgRecoveryFailed  = "Username or recovery secret incorrect"
	msgUserNotFound    = "User not found"
	msgInvalidReset    = "Invalid or expired reset token"
	msgInternalFailure = "Internal server error"
)

// AccountHandlers serves the credential endpoints
type AccountHandlers struct {
	cfg      *config.AuthConfig
	userRepo *repositories.UserRepository
	tokens   *auth.TokenService
}

// NewAccountHandlers creates a new AccountHandlers instance
func NewAccountHandlers(cfg *config.AuthConfig, db *sql.DB, tokens *auth.TokenService) *AccountHandlers {
	return &AccountHandlers{
		cfg:      cfg,
		userRepo: repositories.NewUserRepository(db),
		tokens:   tokens,
	}
}

// RegisterRequest is the body of POST /register. DogName is the field name
// older clients use for the recovery secret.
type RegisterRequest struct {
	Username       string `json:"username"`
	Password       string `json:"password"`
	RecoverySecret string `json:"recovery_secret"`
	DogName        string `json:"dogName"`
	Role           string `json:"role"`
}

func (r *RegisterRequest) secret() string {
	if r.RecoverySecret != "" {
		return r.RecoverySecret
	}
	return r.DogName
}

// LoginRequest is the body of POST /login
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// RecoverRequest is the body of POST /recover-password
type RecoverRequest struct {
	Username       string `json:"username"`
	RecoverySecret string `json:"recovery_secret"`
	DogName        string `json:"dogName"`
}

func (r *RecoverRequest) secret() string {
	if r.RecoverySecret != "" {
		return r.RecoverySecret
	}
	return r.DogName
}

// ChangePasswordRequest is the body of POST /change-password. ResetToken is
// required when recovery runs in reset_token mode.
type ChangePasswordRequest struct {
	Username    string `json:"username" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
	ResetToken  string `json:"reset_token"`
}

// RegisterHandler creates a user account
// POST /register
func (h *AccountHandlers) RegisterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		req.Username = strings.TrimSpace(req.Username)
		if req.Username == "" || req.Password == "" || req.secret() == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username, password and recovery_secret are required"})
			return
		}
		if len(req.Password) > maxPasswordBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "password must be at most 72 bytes"})
			return
		}
		if req.Role == "" {
			req.Role = models.RoleUser
		}
		if !models.ValidRole(req.Role) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "role must be user or admin"})
			return
		}

		ctx := c.Request.Context()
		existing, err := h.userRepo.GetUserByUsername(ctx, req.Username)
		if err != nil {
			slog.Error("register: failed to look up user", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternalFailure})
			return
		}
		if existing != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": msgUserExists})
			return
		}

		hash, err := auth.HashPassword(req.Password, h.cfg.BcryptCost)
		if err != nil {
			slog.Error("register: failed to hash password", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternalFailure})
			return
		}

		user := &models.User{
			Username:       req.Username,
			PasswordHash:   hash,
			RecoverySecret: req.secret(),
			Role:           req.Role,
		}
		if err := h.userRepo.CreateUser(ctx, user); err != nil {
			// A concurrent registration, or a recovery secret already in use.
			if errors.Is(err, repositories.ErrConflict) {
				c.JSON(http.StatusBadRequest, gin.H{"error": msgUserExists})
				return
			}
			slog.Error("register: failed to create user", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternalFailure})
			return
		}

		middleware.SetAuditAction(c, "user.register", "user")
		middleware.SetAuditSubject(c, user.ID)
		middleware.AddAuditMetadata(c, "username", user.Username)
		middleware.AddAuditMetadata(c, "role", user.Role)

		c.JSON(http.StatusCreated, gin.H{"message": "User registered successfully"})
	}
}

// LoginHandler exchanges a username and password for a session token
// POST /login
func (h *AccountHandlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidLogin})
			return
		}
		req.Username = strings.TrimSpace(req.Username)

		user, err := h.authenticate(c.Request.Context(), req.Username, req.Password)
		if errors.Is(err, auth.ErrInvalidCredentials) {
			telemetry.LoginAttemptsTotal.WithLabelValues("failure").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidLogin})
			return
		}
		if err != nil {
			slog.Error("login: failed to look up user", "error", err)
			telemetry.LoginAttemptsTotal.WithLabelValues("error").Inc()
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternalFailure})
			return
		}

		token, err := h.tokens.Issue(user.ID, user.Role)
		if err != nil {
			slog.Error("login: failed to issue token", "error", err)
			telemetry.LoginAttemptsTotal.WithLabelValues("error").Inc()
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternalFailure})
			return
		}

		telemetry.LoginAttemptsTotal.WithLabelValues("success").Inc()
		c.JSON(http.StatusOK, gin.H{
			"message":    "Login successful",
			"token":      token,
			"expires_in": int(h.tokens.TTL().Seconds()),
		})
	}
}

// authenticate returns auth.ErrInvalidCredentials for both an unknown user
// and a wrong password, after a bcrypt comparison in either case.
func (h *AccountHandlers) authenticate(ctx context.Context, username, password string) (*models.User, error) {
	user, err := h.userRepo.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		auth.BurnPasswordCheck(password)
		return nil, auth.ErrInvalidCredentials
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		return nil, auth.ErrInvalidCredentials
	}
	return user, nil
}

// RecoverPasswordHandler verifies the recovery secret. In hash mode it returns
// the stored bcrypt hash; in reset_token mode it returns a reset token.
// POST /recover-password
func (h *AccountHandlers) RecoverPasswordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RecoverRequest
		err := c.ShouldBindJSON(&req)
		req.Username = strings.TrimSpace(req.Username)
		if err != nil || req.Username == "" || req.secret() == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username and recovery_secret are required"})
			return
		}

		user, err := h.userRepo.GetUserByUsername(c.Request.Context(), req.Username)
		if err != nil {
			slog.Error("recover-password: failed to look up user", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternalFailure})
			return
		}
		if user == nil || subtle.ConstantTimeCompare([]byte(user.RecoverySecret), []byte(req.secret())) != 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": msgRecoveryFailed})
			return
		}

		middleware.SetAuditAction(c, "user.recover_password", "user")
		middleware.SetAuditSubject(c, user.ID)
		middleware.AddAuditMetadata(c, "mode", h.cfg.RecoveryMode)

		if h.cfg.RecoveryMode == config.RecoveryModeResetToken {
			token, err := h.tokens.IssueResetToken(user.Username, user.PasswordHash, h.cfg.ResetTokenTTL)
			if err != nil {
				slog.Error("recover-password: failed to issue reset token", "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternalFailure})
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"message":     "Recovery secret verified",
				"reset_token": token,
				"expires_in":  int(h.cfg.ResetTokenTTL.Seconds()),
			})
			return
		}

		slog.Warn("password hash disclosed through recovery; set auth.recovery_mode=reset_token to disable",
			"user_id", user.ID)
		c.JSON(http.StatusOK, gin.H{
			"message":       "Recovery secret verified",
			"password_hash": user.PasswordHash,
		})
	}
}

// ChangePasswordHandler replaces a user's password
// POST /change-password
func (h *AccountHandlers) ChangePasswordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ChangePasswordRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username and new_password are required"})
			return
		}
		req.Username = strings.TrimSpace(req.Username)
		if req.Username == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username and new_password are required"})
			return
		}
		if len(req.NewPassword) > maxPasswordBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "password must be at most 72 bytes"})
			return
		}

		if h.cfg.RecoveryMode == config.RecoveryModeResetToken && !h.checkResetToken(c, req) {
			return
		}

		hash, err := auth.HashPassword(req.NewPassword, h.cfg.BcryptCost)
		if err != nil {
			slog.Error("change-password: failed to hash password", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternalFailure})
			return
		}

		if err := h.userRepo.UpdatePassword(c.Request.Context(), req.Username, hash); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				c.JSON(http.StatusBadRequest, gin.H{"error": msgUserNotFound})
				return
			}
			slog.Error("change-password: failed to update password", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternalFailure})
			return
		}

		middleware.SetAuditAction(c, "user.change_password", "user")
		middleware.AddAuditMetadata(c, "username", req.Username)

		c.JSON(http.StatusOK, gin.H{"message": "Password changed successfully"})
	}
}

// checkResetToken verifies the reset token against the user's current password
// hash, so a token stops working once it has been used. It writes the error
// response and returns false when the change must not go ahead.
func (h *AccountHandlers) checkResetToken(c *gin.Context, req ChangePasswordRequest) bool {
	if req.ResetToken == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": msgInvalidReset})
		return false
	}
	user, err := h.userRepo.GetUserByUsername(c.Request.Context(), req.Username)
	if err != nil {
		slog.Error("change-password: failed to look up user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternalFailure})
		return false
	}
	if user == nil || h.tokens.VerifyResetToken(req.ResetToken, req.Username, user.PasswordHash) != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": msgInvalidReset})
		return false
	}
	return true
}
