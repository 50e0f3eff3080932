// Package handlers provides HTTP handlers for the Strato control plane API.
// This file implements personal access token management: long-lived API
// keys a user generates for programmatic (non-browser) API access.
//
// SECURITY:
// - Keys are bcrypt-hashed before storage; plaintext is never persisted.
// - Keys are shown in full only once, at creation time.
// - Users may only list, rename-via-recreate, or delete their own keys.
//
// API Endpoints:
// - POST   /api/v1/apikeys - Create a new API key
// - GET    /api/v1/apikeys - List the caller's API keys
// - DELETE /api/v1/apikeys/:id - Delete an API key
package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/strato-hq/strato/internal/apierr"
	"github.com/strato-hq/strato/internal/auth"
	"github.com/strato-hq/strato/internal/db"
	"github.com/strato-hq/strato/internal/middleware"
	"github.com/strato-hq/strato/internal/models"
	"github.com/strato-hq/strato/internal/validator"
)

// APIKeyHandler handles personal access token management.
type APIKeyHandler struct {
	apiKeyDB *db.APIKeyDB
}

// NewAPIKeyHandler creates a new API key handler.
func NewAPIKeyHandler(apiKeyDB *db.APIKeyDB) *APIKeyHandler {
	return &APIKeyHandler{apiKeyDB: apiKeyDB}
}

// RegisterRoutes registers API key management routes.
func (h *APIKeyHandler) RegisterRoutes(router *gin.RouterGroup) {
	keyRoutes := router.Group("/apikeys")
	{
		keyRoutes.POST("", h.CreateAPIKey)
		keyRoutes.GET("", h.ListAPIKeys)
		keyRoutes.DELETE("/:id", h.DeleteAPIKey)
	}
}

// CreateAPIKey godoc
// @Summary Create an API key
// @Tags apikeys
// @Accept json
// @Produce json
// @Param key body models.CreateAPIKeyRequest true "API key creation request"
// @Success 201 {object} gin.H
// @Router /api/v1/apikeys [post]
func (h *APIKeyHandler) CreateAPIKey(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		apierr.HandleError(c, apierr.PermissionDenied(err.Error()))
		return
	}

	var req models.CreateAPIKeyRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	var expiresAt *time.Time
	if req.ExpiresIn != "" {
		duration, err := parseAPIKeyDuration(req.ExpiresIn)
		if err != nil {
			apierr.HandleError(c, apierr.BadRequest("invalid expires_in: "+err.Error()))
			return
		}
		expiry := time.Now().Add(duration)
		expiresAt = &expiry
	}

	metadata, err := auth.GenerateAPIKeyWithMetadata()
	if err != nil {
		apierr.HandleError(c, apierr.Internal("failed to generate api key", err))
		return
	}
	prefix := metadata.PlaintextKey[:8]

	key, err := h.apiKeyDB.CreateAPIKey(c.Request.Context(), userID, req.Name, prefix, metadata.Hash, expiresAt)
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":         key.ID,
		"key":        metadata.PlaintextKey, // shown once
		"prefix":     key.Prefix,
		"name":       key.Name,
		"expires_at": key.ExpiresAt,
		"created_at": key.CreatedAt,
		"message":    "API key created. Store it securely - it will not be shown again.",
	})
}

// ListAPIKeys godoc
// @Summary List the caller's API keys
// @Tags apikeys
// @Produce json
// @Success 200 {object} gin.H
// @Router /api/v1/apikeys [get]
func (h *APIKeyHandler) ListAPIKeys(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		apierr.HandleError(c, apierr.PermissionDenied(err.Error()))
		return
	}

	keys, err := h.apiKeyDB.ListAPIKeys(c.Request.Context(), userID)
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  keys,
		"total": len(keys),
	})
}

// DeleteAPIKey godoc
// @Summary Delete an API key
// @Tags apikeys
// @Produce json
// @Param id path string true "API key ID"
// @Success 200 {object} SuccessResponse
// @Router /api/v1/apikeys/{id} [delete]
func (h *APIKeyHandler) DeleteAPIKey(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		apierr.HandleError(c, apierr.PermissionDenied(err.Error()))
		return
	}
	keyID := c.Param("id")

	deleted, err := h.apiKeyDB.DeleteAPIKey(c.Request.Context(), userID, keyID)
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}
	if !deleted {
		apierr.HandleError(c, apierr.NotFound("api key"))
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "API key deleted successfully"})
}

// parseAPIKeyDuration parses duration strings like "30d", "1y", "6m".
func parseAPIKeyDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration format")
	}

	unit := s[len(s)-1:]
	value := s[:len(s)-1]

	var n int
	if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
		return 0, err
	}

	switch unit {
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	case "w":
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	case "m":
		return time.Duration(n) * 30 * 24 * time.Hour, nil
	case "y":
		return time.Duration(n) * 365 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid duration unit: %s", unit)
	}
}
