// Package handlers provides HTTP handlers for the Strato control plane API.
// This file implements the resource hierarchy: Organization -> Organizational
// Unit -> Project -> Environment. Quotas and VMs hang off a Project; an OU
// exists purely to group projects and other OUs under a policy boundary.
//
// API Endpoints:
// - POST /api/v1/organizations                        - Create an organization
// - GET  /api/v1/organizations/:id                     - Get an organization
// - POST /api/v1/organizational-units                  - Create an OU
// - GET  /api/v1/organizational-units/:id               - Get an OU
// - POST /api/v1/projects                              - Create a project
// - GET  /api/v1/projects/:id                          - Get a project
// - POST /api/v1/projects/:id/environments              - Declare an environment on a project
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/strato-hq/strato/internal/apierr"
	"github.com/strato-hq/strato/internal/db"
	"github.com/strato-hq/strato/internal/models"
	"github.com/strato-hq/strato/internal/validator"
)

// HierarchyHandler handles organization/OU/project/environment management.
type HierarchyHandler struct {
	hierarchyDB *db.HierarchyDB
}

func NewHierarchyHandler(hierarchyDB *db.HierarchyDB) *HierarchyHandler {
	return &HierarchyHandler{hierarchyDB: hierarchyDB}
}

func (h *HierarchyHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/organizations", h.CreateOrganization)
	router.GET("/organizations/:id", h.GetOrganization)

	router.POST("/organizational-units", h.CreateOU)
	router.GET("/organizational-units/:id", h.GetOU)

	projectRoutes := router.Group("/projects")
	{
		projectRoutes.POST("", h.CreateProject)
		projectRoutes.GET("/:id", h.GetProject)
		projectRoutes.POST("/:id/environments", h.AddEnvironment)
	}
}

func (h *HierarchyHandler) CreateOrganization(c *gin.Context) {
	var req models.CreateOrganizationRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	org, err := h.hierarchyDB.CreateOrganization(c.Request.Context(), &req)
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}

	c.JSON(http.StatusCreated, org)
}

func (h *HierarchyHandler) GetOrganization(c *gin.Context) {
	org, err := h.hierarchyDB.GetOrganization(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}
	if org == nil {
		apierr.HandleError(c, apierr.NotFound("organization"))
		return
	}

	c.JSON(http.StatusOK, org)
}

func (h *HierarchyHandler) CreateOU(c *gin.Context) {
	var req models.CreateOURequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	ou, err := h.hierarchyDB.CreateOU(c.Request.Context(), &req)
	if err != nil {
		apierr.HandleError(c, apierr.BadRequest(err.Error()))
		return
	}

	c.JSON(http.StatusCreated, ou)
}

func (h *HierarchyHandler) GetOU(c *gin.Context) {
	ou, err := h.hierarchyDB.GetOU(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}
	if ou == nil {
		apierr.HandleError(c, apierr.NotFound("organizational unit"))
		return
	}

	c.JSON(http.StatusOK, ou)
}

func (h *HierarchyHandler) CreateProject(c *gin.Context) {
	var req models.CreateProjectRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}
	validDefault := false
	for _, env := range req.Environments {
		if env == req.DefaultEnvironment {
			validDefault = true
			break
		}
	}
	if !validDefault {
		apierr.HandleError(c, apierr.BadRequest("default_environment must be one of environments"))
		return
	}

	project, err := h.hierarchyDB.CreateProject(c.Request.Context(), &req)
	if err != nil {
		apierr.HandleError(c, apierr.BadRequest(err.Error()))
		return
	}

	c.JSON(http.StatusCreated, project)
}

func (h *HierarchyHandler) GetProject(c *gin.Context) {
	project, err := h.hierarchyDB.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}
	if project == nil {
		apierr.HandleError(c, apierr.NotFound("project"))
		return
	}

	c.JSON(http.StatusOK, project)
}

func (h *HierarchyHandler) AddEnvironment(c *gin.Context) {
	var req models.AddEnvironmentRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	if err := h.hierarchyDB.AddEnvironment(c.Request.Context(), c.Param("id"), req.Name); err != nil {
		apierr.HandleError(c, apierr.BadRequest(err.Error()))
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "Environment added"})
}
