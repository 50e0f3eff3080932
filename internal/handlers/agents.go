// Package handlers provides HTTP handlers for the Strato control plane API.
// This file implements the admin-facing half of agent lifecycle management:
// inventory reads over the Agent Registry/DB, join-token minting, and
// certificate revocation. The agent-facing half (register/heartbeat frames,
// VM commands) never touches HTTP: it runs over the persistent Agent
// Channel (internal/agentchannel) and the enrollment handshake
// (internal/enrollment), neither of which is a REST resource.
//
// API Endpoints:
// - GET    /agents              - List known agents (DB inventory + live registry status)
// - GET    /agents/:id          - Get one agent
// - POST   /agents/join-tokens  - Mint a join token for a new agent
// - DELETE /agents/:id          - Revoke an agent's certificate and disconnect it
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/strato-hq/strato/internal/apierr"
	"github.com/strato-hq/strato/internal/ca"
	"github.com/strato-hq/strato/internal/db"
	"github.com/strato-hq/strato/internal/middleware"
	"github.com/strato-hq/strato/internal/models"
	"github.com/strato-hq/strato/internal/registry"
	"github.com/strato-hq/strato/internal/validator"
)

// channelCloser is the subset of agentchannel.Hub a revoke needs: drop the
// live connection the instant the certificate backing it is revoked.
type channelCloser interface {
	ForceClose(agentID string)
}

// joinTokenMinter is the subset of enrollment.Service this handler calls.
// Enroll itself is not here: it is invoked over the bootstrap HTTP route by
// the agent during provisioning, not by an authenticated admin, so it lives
// in its own unauthenticated handler group (see enrollment.go).
type joinTokenMinter interface {
	MintJoinToken(agentID, createdBy string, ttl time.Duration) (string, time.Time, error)
}

// AgentHandler handles agent inventory, enrollment token issuance, and
// certificate revocation.
type AgentHandler struct {
	agentDB  *db.AgentDB
	registry *registry.Registry
	minter   joinTokenMinter
	ca       *ca.CA
	channel  channelCloser
}

func NewAgentHandler(agentDB *db.AgentDB, reg *registry.Registry, minter joinTokenMinter, identityService *ca.CA, channel channelCloser) *AgentHandler {
	return &AgentHandler{agentDB: agentDB, registry: reg, minter: minter, ca: identityService, channel: channel}
}

func (h *AgentHandler) RegisterRoutes(router *gin.RouterGroup) {
	agentRoutes := router.Group("/agents")
	{
		agentRoutes.GET("", h.ListAgents)
		agentRoutes.GET("/:id", h.GetAgent)
		agentRoutes.POST("/join-tokens", h.MintJoinToken)
		agentRoutes.DELETE("/:id", h.RevokeAgent)
	}
}

// ListAgents returns the DB inventory, overlaying each entry's live status
// and available capacity from the Registry when the agent currently has a
// snapshot entry there — the DB row is the durable record, the snapshot is
// the freshest truth while connected.
func (h *AgentHandler) ListAgents(c *gin.Context) {
	agents, err := h.agentDB.ListAgents(c.Request.Context())
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}

	live := make(map[string]models.AgentSnapshotEntry)
	for _, entry := range h.registry.Snapshot() {
		live[entry.AgentID] = entry
	}
	for _, agent := range agents {
		if entry, ok := live[agent.ID]; ok {
			agent.Status = entry.Status
			agent.AvailableCapacity = entry.AvailableCapacity
		}
	}

	c.JSON(http.StatusOK, gin.H{"agents": agents, "total": len(agents)})
}

func (h *AgentHandler) GetAgent(c *gin.Context) {
	agentID := c.Param("id")

	agent, err := h.agentDB.GetAgent(c.Request.Context(), agentID)
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}
	if agent == nil {
		apierr.HandleError(c, apierr.NotFound("agent"))
		return
	}

	for _, entry := range h.registry.Snapshot() {
		if entry.AgentID == agentID {
			agent.Status = entry.Status
			agent.AvailableCapacity = entry.AvailableCapacity
			break
		}
	}

	c.JSON(http.StatusOK, agent)
}

// MintJoinToken issues a single-use bearer value an operator hands to a new
// hypervisor host out of band; the host presents it, plus a CSR, to the
// enrollment endpoint to obtain its certificate.
func (h *AgentHandler) MintJoinToken(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		apierr.HandleError(c, apierr.PermissionDenied(err.Error()))
		return
	}

	var req models.MintJoinTokenRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	ttl := time.Duration(req.TTLSecs) * time.Second
	token, expiresAt, err := h.minter.MintJoinToken(req.AgentID, userID, ttl)
	if err != nil {
		apierr.HandleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token":      token,
		"expires_at": expiresAt,
		"message":    "Join token minted. It is shown once and cannot be retrieved again.",
	})
}

// RevokeAgent revokes the agent's active certificate and force-closes any
// open Agent Channel connection so the revocation takes effect immediately
// rather than at the next CRL refresh the agent happens to observe.
func (h *AgentHandler) RevokeAgent(c *gin.Context) {
	agentID := c.Param("id")

	agent, err := h.agentDB.GetAgent(c.Request.Context(), agentID)
	if err != nil {
		apierr.HandleError(c, apierr.PersistenceUnavailable(err))
		return
	}
	if agent == nil {
		apierr.HandleError(c, apierr.NotFound("agent"))
		return
	}
	if agent.CertificateSerial == "" {
		apierr.HandleError(c, apierr.Conflict("agent has no active certificate"))
		return
	}

	if err := h.ca.RevokeCertificate(agent.CertificateSerial, "revoked by admin"); err != nil {
		apierr.HandleError(c, err)
		return
	}
	h.channel.ForceClose(agentID)

	c.JSON(http.StatusOK, SuccessResponse{Message: "Agent revoked"})
}
