// Package handlers provides HTTP handlers for the Strato control plane API.
// This file implements the first-run setup wizard for system admin
// onboarding: a fallback path to set the initial admin password when the
// bootstrap admin user was created (by migration or an operator) without
// one, e.g. before an SSO provider is wired up.
//
// Security:
// - Only reachable while the bootstrap admin has no password set.
// - Password confirmation and a minimum-length check.
// - Single-use: the update is conditioned on password_hash still being
//   empty, so a concurrent request can't double-configure the account.
package handlers

import (
	"database/sql"
	"fmt"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/strato-hq/strato/internal/db"
)

const bootstrapAdminUsername = "admin"

// SetupHandler handles the initial system admin setup wizard.
type SetupHandler struct {
	database *db.Database
}

func NewSetupHandler(database *db.Database) *SetupHandler {
	return &SetupHandler{database: database}
}

type SetupStatusResponse struct {
	SetupRequired bool   `json:"setup_required"`
	AdminExists   bool   `json:"admin_exists"`
	HasPassword   bool   `json:"has_password"`
	Message       string `json:"message,omitempty"`
}

// GetSetupStatus reports whether the setup wizard should be shown.
// GET /api/v1/auth/setup/status
func (h *SetupHandler) GetSetupStatus(c *gin.Context) {
	setupRequired, adminExists, hasPassword := h.isSetupRequired()

	var message string
	switch {
	case setupRequired:
		message = "Setup wizard is available - admin account needs a password"
	case !adminExists:
		message = "Setup wizard unavailable - bootstrap admin user does not exist"
	case hasPassword:
		message = "Setup wizard disabled - admin account is already configured"
	}

	c.JSON(http.StatusOK, SetupStatusResponse{
		SetupRequired: setupRequired,
		AdminExists:   adminExists,
		HasPassword:   hasPassword,
		Message:       message,
	})
}

// isSetupRequired returns (setupRequired, adminExists, hasPassword).
func (h *SetupHandler) isSetupRequired() (bool, bool, bool) {
	var passwordHash sql.NullString
	err := h.database.DB().QueryRow(
		`SELECT password_hash FROM users WHERE username = $1 AND system_admin = true`,
		bootstrapAdminUsername,
	).Scan(&passwordHash)

	if err != nil {
		if err == sql.ErrNoRows {
			return false, false, false
		}
		return false, true, false
	}

	hasPassword := passwordHash.Valid && passwordHash.String != ""
	return !hasPassword, true, hasPassword
}

type SetupAdminRequest struct {
	Password        string `json:"password" binding:"required"`
	PasswordConfirm string `json:"password_confirm" binding:"required"`
	Email           string `json:"email" binding:"required,email"`
}

type SetupAdminResponse struct {
	Message  string `json:"message"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// SetupAdmin configures the bootstrap admin's password. Only reachable
// while that account has none set.
// POST /api/v1/auth/setup
func (h *SetupHandler) SetupAdmin(c *gin.Context) {
	setupRequired, adminExists, hasPassword := h.isSetupRequired()
	if !setupRequired {
		if !adminExists {
			c.JSON(http.StatusForbidden, gin.H{
				"error": "Setup wizard is not available - bootstrap admin user does not exist",
			})
			return
		}
		if hasPassword {
			c.JSON(http.StatusForbidden, gin.H{
				"error": "Setup wizard is disabled - admin account is already configured",
				"hint":  "Use the login page instead",
			})
			return
		}
	}

	var req SetupAdminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	if req.Password != req.PasswordConfirm {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Passwords do not match"})
		return
	}
	if err := validatePasswordStrength(req.Password); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validateEmailFormat(req.Email); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process password"})
		return
	}

	tx, err := h.database.DB().Begin()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start database transaction"})
		return
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE users
		SET password_hash = $1, email = $2, updated_at = CURRENT_TIMESTAMP
		WHERE username = $3 AND system_admin = true AND (password_hash IS NULL OR password_hash = '')
	`, string(hashedPassword), req.Email, bootstrapAdminUsername)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to configure admin account"})
		return
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify setup completion"})
		return
	}
	if rowsAffected == 0 {
		c.JSON(http.StatusConflict, gin.H{
			"error": "Admin account was already configured by another request",
			"hint":  "Setup wizard is now disabled - use the login page",
		})
		return
	}

	if err := tx.Commit(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to commit admin configuration"})
		return
	}

	c.JSON(http.StatusOK, SetupAdminResponse{
		Message:  "Admin account configured successfully - setup wizard is now disabled",
		Username: bootstrapAdminUsername,
		Email:    req.Email,
	})
}

// validatePasswordStrength enforces the NIST 800-63B minimum for admin accounts.
func validatePasswordStrength(password string) error {
	if len(password) < 12 {
		return fmt.Errorf("password must be at least 12 characters long")
	}
	if len(password) > 128 {
		return fmt.Errorf("password must be 128 characters or less")
	}

	weakPasswords := []string{
		"123456789012",
		"password1234",
		"admin1234567",
		"changeme1234",
	}
	for _, weak := range weakPasswords {
		if password == weak {
			return fmt.Errorf("password is too common - please choose a stronger password")
		}
	}
	return nil
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

func validateEmailFormat(email string) error {
	if len(email) == 0 {
		return fmt.Errorf("email is required")
	}
	if len(email) > 254 {
		return fmt.Errorf("email must be 254 characters or less")
	}
	if !emailRegex.MatchString(email) {
		return fmt.Errorf("invalid email format")
	}
	return nil
}

// RegisterRoutes registers the setup wizard endpoints. These are public
// (no auth) since they exist to bootstrap auth in the first place.
func (h *SetupHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/setup/status", h.GetSetupStatus)
	router.POST("/setup", h.SetupAdmin)
}
