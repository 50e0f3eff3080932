// Package handlers provides HTTP handlers for the Strato control plane API.
// This file implements CRUD over the resource quotas the Quota Ledger
// enforces: per-scope (organization/OU/project), optionally narrowed to one
// environment, maxima on cpu/memory/disk/vm-count.
//
// API Endpoints (mounted once per scope kind by RegisterRoutes):
// - GET    /organizations/:id/quotas             - List org-scoped quotas
// - PUT    /organizations/:id/quotas             - Create/update a quota
// - DELETE /organizations/:id/quotas/:quotaId    - Delete a quota
// - (same three routes under /organizational_units/:id and /projects/:id)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/strato-hq/strato/internal/apierr"
	"github.com/strato-hq/strato/internal/db"
	"github.com/strato-hq/strato/internal/models"
	"github.com/strato-hq/strato/internal/validator"
)

// QuotasHandler handles resource quota CRUD across all three scope kinds.
type QuotasHandler struct {
	quotaDB *db.QuotaDB
}

func NewQuotasHandler(quotaDB *db.QuotaDB) *QuotasHandler {
	return &QuotasHandler{quotaDB: quotaDB}
}

// RegisterRoutes mounts quota routes under each of the three hierarchy
// resources that can own a quota.
func (h *QuotasHandler) RegisterRoutes(router *gin.RouterGroup) {
	h.registerScopeRoutes(router.Group("/organizations/:id"), models.QuotaScopeOrganization)
	h.registerScopeRoutes(router.Group("/organizational_units/:id"), models.QuotaScopeOU)
	h.registerScopeRoutes(router.Group("/projects/:id"), models.QuotaScopeProject)
}

func (h *QuotasHandler) registerScopeRoutes(scoped *gin.RouterGroup, kind models.QuotaScopeKind) {
	scoped.GET("/quotas", h.listQuotas(kind))
	scoped.PUT("/quotas", h.setQuota(kind))
	scoped.DELETE("/quotas/:quotaId", h.deleteQuota())
}

func (h *QuotasHandler) listQuotas(kind models.QuotaScopeKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		scopeID := c.Param("id")

		quotas, err := h.quotaDB.ListQuotasForScope(c.Request.Context(), kind, scopeID)
		if err != nil {
			apierr.HandleError(c, apierr.PersistenceUnavailable(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"quotas": quotas, "total": len(quotas)})
	}
}

func (h *QuotasHandler) setQuota(kind models.QuotaScopeKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		scopeID := c.Param("id")

		var req models.SetQuotaRequest
		if !validator.BindAndValidate(c, &req) {
			return
		}

		quota, err := h.quotaDB.SetQuota(c.Request.Context(), kind, scopeID, &req)
		if err != nil {
			apierr.HandleError(c, apierr.Wrap(apierr.KindConflict, "quota maximum below reserved usage", err))
			return
		}
		c.JSON(http.StatusOK, quota)
	}
}

func (h *QuotasHandler) deleteQuota() gin.HandlerFunc {
	return func(c *gin.Context) {
		quotaID := c.Param("quotaId")

		existing, err := h.quotaDB.GetQuota(c.Request.Context(), quotaID)
		if err != nil {
			apierr.HandleError(c, apierr.PersistenceUnavailable(err))
			return
		}
		if existing == nil {
			apierr.HandleError(c, apierr.NotFound("quota"))
			return
		}

		if err := h.quotaDB.DeleteQuota(c.Request.Context(), quotaID); err != nil {
			apierr.HandleError(c, apierr.Wrap(apierr.KindConflict, "quota has live reservations", err))
			return
		}
		c.JSON(http.StatusOK, SuccessResponse{Message: "Quota deleted successfully"})
	}
}
