// Package handlers provides HTTP handlers for the Strato control plane API.
// This file implements group management: flat, org-scoped collections of
// users used to grant shared access (e.g. via authz policies keyed on group
// membership). Groups carry no quota or role of their own — resource limits
// live on the org/OU/project hierarchy, and a member's permissions come from
// their OrgRole.
//
// API Endpoints:
// - GET    /api/v1/groups - List groups in the caller's org
// - POST   /api/v1/groups - Create a group
// - GET    /api/v1/groups/:id - Get group by ID
// - DELETE /api/v1/groups/:id - Delete group
// - GET    /api/v1/groups/:id/members - List group members (enriched with user info)
// - POST   /api/v1/groups/:id/members - Add a user to a group
// - DELETE /api/v1/groups/:id/members/:userId - Remove a user from a group
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

// GroupHandler handles group-related API requests.
type GroupHandler struct {
	groupDB *db.GroupDB
	userDB  *db.UserDB
}

// NewGroupHandler creates a new group handler.
func NewGroupHandler(groupDB *db.GroupDB, userDB *db.UserDB) *GroupHandler {
	return &GroupHandler{
		groupDB: groupDB,
		userDB:  userDB,
	}
}

// RegisterRoutes registers group management routes.
func (h *GroupHandler) RegisterRoutes(router *gin.RouterGroup) {
	groupRoutes := router.Group("/groups")
	{
		groupRoutes.GET("", h.ListGroups)
		groupRoutes.POST("", h.CreateGroup)
		groupRoutes.GET("/:id", h.GetGroup)
		groupRoutes.DELETE("/:id", h.DeleteGroup)

		groupRoutes.GET("/:id/members", h.GetGroupMembers)
		groupRoutes.POST("/:id/members", h.AddGroupMember)
		groupRoutes.DELETE("/:id/members/:userId", h.RemoveGroupMember)
	}
}

// ListGroups godoc
// @Summary List groups
// @Description List all groups in the caller's organization
// @Tags groups
// @Produce json
// @Success 200 {object} gin.H
// @Router /api/v1/groups [get]
func (h *GroupHandler) ListGroups(c *gin.Context) {
	orgID, err := middleware.GetOrgID(c)
	if err != nil {
		apierr.HandleError(c, apierr.PermissionDenied(err.Error()))
		return
	}

	groups, err := h.groupDB.ListGroups(c.Request.Context(), orgID)
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"groups": groups,
		"total":  len(groups),
	})
}

// CreateGroup godoc
// @Summary Create a group
// @Tags groups
// @Accept json
// @Produce json
// @Param group body models.CreateGroupRequest true "Group creation request"
// @Success 201 {object} models.Group
// @Router /api/v1/groups [post]
func (h *GroupHandler) CreateGroup(c *gin.Context) {
	orgID, err := middleware.GetOrgID(c)
	if err != nil {
		apierr.HandleError(c, apierr.PermissionDenied(err.Error()))
		return
	}

	var req models.CreateGroupRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	group, err := h.groupDB.CreateGroup(c.Request.Context(), orgID, &req)
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}

	c.JSON(http.StatusCreated, group)
}

// GetGroup godoc
// @Summary Get group by ID
// @Tags groups
// @Produce json
// @Param id path string true "Group ID"
// @Success 200 {object} models.Group
// @Router /api/v1/groups/{id} [get]
func (h *GroupHandler) GetGroup(c *gin.Context) {
	groupID := c.Param("id")

	group, err := h.groupDB.GetGroup(c.Request.Context(), groupID)
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}
	if group == nil {
		apierr.HandleError(c, apierr.NotFound("group"))
		return
	}

	c.JSON(http.StatusOK, group)
}

// DeleteGroup godoc
// @Summary Delete a group
// @Tags groups
// @Produce json
// @Param id path string true "Group ID"
// @Success 200 {object} SuccessResponse
// @Router /api/v1/groups/{id} [delete]
func (h *GroupHandler) DeleteGroup(c *gin.Context) {
	groupID := c.Param("id")

	if err := h.groupDB.DeleteGroup(c.Request.Context(), groupID); err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "Group deleted successfully"})
}

// GetGroupMembers godoc
// @Summary List group members
// @Tags groups
// @Produce json
// @Param id path string true "Group ID"
// @Success 200 {object} gin.H
// @Router /api/v1/groups/{id}/members [get]
func (h *GroupHandler) GetGroupMembers(c *gin.Context) {
	groupID := c.Param("id")

	members, err := h.groupDB.GetGroupMembers(c.Request.Context(), groupID)
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}

	enriched := make([]gin.H, 0, len(members))
	for _, member := range members {
		user, err := h.userDB.GetUser(c.Request.Context(), member.UserID)
		if err != nil || user == nil {
			continue
		}
		user.PasswordHash = ""
		enriched = append(enriched, gin.H{
			"user":     user,
			"joinedAt": member.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"members": enriched,
		"total":   len(enriched),
	})
}

// AddGroupMember godoc
// @Summary Add a user to a group
// @Tags groups
// @Accept json
// @Produce json
// @Param id path string true "Group ID"
// @Param member body models.AddGroupMemberRequest true "Member add request"
// @Success 200 {object} SuccessResponse
// @Router /api/v1/groups/{id}/members [post]
func (h *GroupHandler) AddGroupMember(c *gin.Context) {
	groupID := c.Param("id")

	var req models.AddGroupMemberRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	user, err := h.userDB.GetUser(c.Request.Context(), req.UserID)
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}
	if user == nil {
		apierr.HandleError(c, apierr.NotFound("user"))
		return
	}

	if err := h.groupDB.AddGroupMember(c.Request.Context(), groupID, &req); err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "User added to group successfully"})
}

// RemoveGroupMember godoc
// @Summary Remove a user from a group
// @Tags groups
// @Produce json
// @Param id path string true "Group ID"
// @Param userId path string true "User ID"
// @Success 200 {object} SuccessResponse
// @Router /api/v1/groups/{id}/members/{userId} [delete]
func (h *GroupHandler) RemoveGroupMember(c *gin.Context) {
	groupID := c.Param("id")
	userID := c.Param("userId")

	if err := h.groupDB.RemoveGroupMember(c.Request.Context(), groupID, userID); err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "User removed from group successfully"})
}
