// Package handlers provides HTTP handlers for the Strato control plane API.
// This file implements user account management, scoped to the caller's
// organization. Resource quotas are not a per-user concept in Strato — they
// live on the org/OU/project hierarchy (see quotas.go) — so this file is
// CRUD plus group membership lookup only.
//
// API Endpoints:
// - GET    /api/v1/users - List users in the caller's org
// - POST   /api/v1/users - Create a user account
// - GET    /api/v1/users/me - Get the current authenticated user
// - GET    /api/v1/users/:id - Get user by ID
// - PATCH  /api/v1/users/:id - Update user information
// - DELETE /api/v1/users/:id - Delete a user account
// - GET    /api/v1/users/:id/groups - Get a user's group memberships
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/strato-hq/strato/internal/apierr"
	"github.com/strato-hq/strato/internal/db"
	"github.com/strato-hq/strato/internal/middleware"
	"github.com/strato-hq/strato/internal/models"
	"github.com/strato-hq/strato/internal/validator"
)

// UserHandler handles user-related API requests.
type UserHandler struct {
	userDB  *db.UserDB
	groupDB *db.GroupDB
}

// NewUserHandler creates a new user handler.
func NewUserHandler(userDB *db.UserDB, groupDB *db.GroupDB) *UserHandler {
	return &UserHandler{
		userDB:  userDB,
		groupDB: groupDB,
	}
}

// RegisterRoutes registers user management routes.
func (h *UserHandler) RegisterRoutes(router *gin.RouterGroup) {
	userRoutes := router.Group("/users")
	{
		userRoutes.GET("", h.ListUsers)
		userRoutes.POST("", h.CreateUser)
		userRoutes.GET("/me", h.GetCurrentUser)
		userRoutes.GET("/:id", h.GetUser)
		userRoutes.PATCH("/:id", h.UpdateUser)
		userRoutes.DELETE("/:id", h.DeleteUser)
		userRoutes.GET("/:id/groups", h.GetUserGroups)
	}
}

func redact(user *models.User) *models.User {
	if user != nil {
		user.PasswordHash = ""
	}
	return user
}

// ListUsers godoc
// @Summary List users
// @Description List users in the caller's organization, optionally active-only
// @Tags users
// @Produce json
// @Param active query boolean false "Filter to active users only"
// @Success 200 {object} gin.H
// @Router /api/v1/users [get]
func (h *UserHandler) ListUsers(c *gin.Context) {
	orgID, err := middleware.GetOrgID(c)
	if err != nil {
		apierr.HandleError(c, apierr.PermissionDenied(err.Error()))
		return
	}
	activeOnly := c.Query("active") == "true"

	users, err := h.userDB.ListUsers(c.Request.Context(), orgID, activeOnly)
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}
	for _, user := range users {
		redact(user)
	}

	c.JSON(http.StatusOK, gin.H{
		"users": users,
		"total": len(users),
	})
}

// CreateUser godoc
// @Summary Create a user
// @Tags users
// @Accept json
// @Produce json
// @Param user body models.CreateUserRequest true "User creation request"
// @Success 201 {object} models.User
// @Router /api/v1/users [post]
func (h *UserHandler) CreateUser(c *gin.Context) {
	orgID, err := middleware.GetOrgID(c)
	if err != nil {
		apierr.HandleError(c, apierr.PermissionDenied(err.Error()))
		return
	}

	var req models.CreateUserRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	if (req.Provider == "" || req.Provider == "local") && req.Password == "" {
		apierr.HandleError(c, apierr.BadRequest("password is required for local authentication"))
		return
	}

	user, err := h.userDB.CreateUser(c.Request.Context(), orgID, &req)
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}

	c.JSON(http.StatusCreated, redact(user))
}

// GetUser godoc
// @Summary Get user by ID
// @Tags users
// @Produce json
// @Param id path string true "User ID"
// @Success 200 {object} models.User
// @Router /api/v1/users/{id} [get]
func (h *UserHandler) GetUser(c *gin.Context) {
	userID := c.Param("id")

	user, err := h.userDB.GetUser(c.Request.Context(), userID)
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}
	if user == nil {
		apierr.HandleError(c, apierr.NotFound("user"))
		return
	}

	c.JSON(http.StatusOK, redact(user))
}

// GetCurrentUser godoc
// @Summary Get the current authenticated user
// @Tags users
// @Produce json
// @Success 200 {object} models.User
// @Router /api/v1/users/me [get]
func (h *UserHandler) GetCurrentUser(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		apierr.HandleError(c, apierr.PermissionDenied(err.Error()))
		return
	}

	user, err := h.userDB.GetUser(c.Request.Context(), userID)
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}
	if user == nil {
		apierr.HandleError(c, apierr.NotFound("user"))
		return
	}

	c.JSON(http.StatusOK, redact(user))
}

// UpdateUser godoc
// @Summary Update a user
// @Tags users
// @Accept json
// @Produce json
// @Param id path string true "User ID"
// @Param user body models.UpdateUserRequest true "User update request"
// @Success 200 {object} models.User
// @Router /api/v1/users/{id} [patch]
func (h *UserHandler) UpdateUser(c *gin.Context) {
	userID := c.Param("id")

	var req models.UpdateUserRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	if err := h.userDB.UpdateUser(c.Request.Context(), userID, &req); err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}

	user, err := h.userDB.GetUser(c.Request.Context(), userID)
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}
	if user == nil {
		apierr.HandleError(c, apierr.NotFound("user"))
		return
	}

	c.JSON(http.StatusOK, redact(user))
}

// DeleteUser godoc
// @Summary Delete a user
// @Tags users
// @Produce json
// @Param id path string true "User ID"
// @Success 200 {object} SuccessResponse
// @Router /api/v1/users/{id} [delete]
func (h *UserHandler) DeleteUser(c *gin.Context) {
	userID := c.Param("id")

	if err := h.userDB.DeleteUser(c.Request.Context(), userID); err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "User deleted successfully"})
}

// GetUserGroups godoc
// @Summary List a user's groups
// @Tags users, groups
// @Produce json
// @Param id path string true "User ID"
// @Success 200 {object} gin.H
// @Router /api/v1/users/{id}/groups [get]
func (h *UserHandler) GetUserGroups(c *gin.Context) {
	userID := c.Param("id")

	groupIDs, err := h.userDB.GetUserGroups(c.Request.Context(), userID)
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}

	groups := make([]*models.Group, 0, len(groupIDs))
	for _, groupID := range groupIDs {
		group, err := h.groupDB.GetGroup(c.Request.Context(), groupID)
		if err == nil && group != nil {
			groups = append(groups, group)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"groups": groups,
		"total":  len(groups),
	})
}
