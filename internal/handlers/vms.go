// Package handlers provides HTTP handlers for the Strato control plane API.
// This file implements VM lifecycle operations: everything routes through
// internal/lifecycle.Coordinator, which owns the authz -> quota -> schedule
// -> agent-command pipeline; this handler is a thin translation of HTTP
// requests into Coordinator calls and VMDB reads.
//
// API Endpoints:
// - POST   /projects/:id/vms          - Create (schedule) a VM
// - GET    /projects/:id/vms          - List VMs in a project
// - GET    /vms/:id                   - Get a VM
// - POST   /vms/:id/start             - Start a stopped VM
// - POST   /vms/:id/stop              - Stop a running VM
// - POST   /vms/:id/restart           - Restart a running VM
// - POST   /vms/:id/pause             - Pause a running VM
// - POST   /vms/:id/resume            - Resume a paused VM
// - DELETE /vms/:id                   - Delete a VM
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/strato-hq/strato/internal/apierr"
	"github.com/strato-hq/strato/internal/db"
	"github.com/strato-hq/strato/internal/lifecycle"
	"github.com/strato-hq/strato/internal/middleware"
	"github.com/strato-hq/strato/internal/models"
	"github.com/strato-hq/strato/internal/validator"
)

// VMHandler handles VM lifecycle HTTP requests, delegating all placement
// and command-dispatch logic to the lifecycle Coordinator.
type VMHandler struct {
	coordinator *lifecycle.Coordinator
	vmDB        *db.VMDB
}

func NewVMHandler(coordinator *lifecycle.Coordinator, vmDB *db.VMDB) *VMHandler {
	return &VMHandler{coordinator: coordinator, vmDB: vmDB}
}

func (h *VMHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/projects/:id/vms", h.CreateVM)
	router.GET("/projects/:id/vms", h.ListProjectVMs)

	vmRoutes := router.Group("/vms/:id")
	{
		vmRoutes.GET("", h.GetVM)
		vmRoutes.DELETE("", h.DeleteVM)
		vmRoutes.POST("/start", h.controlOp("start"))
		vmRoutes.POST("/stop", h.controlOp("stop"))
		vmRoutes.POST("/restart", h.controlOp("restart"))
		vmRoutes.POST("/pause", h.PauseVM)
		vmRoutes.POST("/resume", h.ResumeVM)
	}
}

func (h *VMHandler) CreateVM(c *gin.Context) {
	caller, err := middleware.GetUserID(c)
	if err != nil {
		apierr.HandleError(c, apierr.PermissionDenied(err.Error()))
		return
	}
	projectID := c.Param("id")

	var req models.CreateVMRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	vm, err := h.coordinator.CreateVM(c.Request.Context(), caller, projectID, &req)
	if err != nil {
		apierr.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, vm)
}

func (h *VMHandler) ListProjectVMs(c *gin.Context) {
	projectID := c.Param("id")

	vms, err := h.vmDB.ListVMsForProject(c.Request.Context(), projectID)
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"vms": vms, "total": len(vms)})
}

func (h *VMHandler) GetVM(c *gin.Context) {
	vm, err := h.vmDB.GetVM(c.Param("id"))
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}
	if vm == nil {
		apierr.HandleError(c, apierr.NotFound("vm"))
		return
	}
	c.JSON(http.StatusOK, vm)
}

func (h *VMHandler) controlOp(op string) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := middleware.GetUserID(c)
		if err != nil {
			apierr.HandleError(c, apierr.PermissionDenied(err.Error()))
			return
		}
		vm, err := h.coordinator.ControlVM(c.Request.Context(), caller, c.Param("id"), op)
		if err != nil {
			apierr.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, vm)
	}
}

func (h *VMHandler) PauseVM(c *gin.Context) {
	caller, err := middleware.GetUserID(c)
	if err != nil {
		apierr.HandleError(c, apierr.PermissionDenied(err.Error()))
		return
	}
	if err := h.coordinator.PauseVM(c.Request.Context(), caller, c.Param("id")); err != nil {
		apierr.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "VM paused"})
}

func (h *VMHandler) ResumeVM(c *gin.Context) {
	caller, err := middleware.GetUserID(c)
	if err != nil {
		apierr.HandleError(c, apierr.PermissionDenied(err.Error()))
		return
	}
	if err := h.coordinator.ResumeVM(c.Request.Context(), caller, c.Param("id")); err != nil {
		apierr.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "VM resumed"})
}

func (h *VMHandler) DeleteVM(c *gin.Context) {
	caller, err := middleware.GetUserID(c)
	if err != nil {
		apierr.HandleError(c, apierr.PermissionDenied(err.Error()))
		return
	}
	if err := h.coordinator.DeleteVM(c.Request.Context(), caller, c.Param("id")); err != nil {
		apierr.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "VM deleted"})
}
