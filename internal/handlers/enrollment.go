// Package handlers provides HTTP handlers for the Strato control plane API.
// This file implements the bootstrap provisioning surface a hypervisor host
// uses before it has any identity: presenting its join token and a CSR to
// obtain a certificate, and fetching the CA trust bundle and CRL it needs to
// validate the control plane and other agents in turn. None of these routes
// carry session auth - the join token itself is the credential.
//
// API Endpoints:
// - POST /enroll - Exchange a join token + CSR for a signed certificate
// - GET  /ca      - Fetch the CA trust bundle (PEM)
// - GET  /crl     - Fetch the current certificate revocation list (DER)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/strato-hq/strato/internal/apierr"
	"github.com/strato-hq/strato/internal/ca"
	"github.com/strato-hq/strato/internal/models"
	"github.com/strato-hq/strato/internal/validator"
)

// enroller is the subset of enrollment.Service this handler calls.
type enroller interface {
	Enroll(bearerToken string, csrPEM []byte, metadata models.RegisterAgentRequest) (certPEM, trustBundlePEM []byte, err error)
}

// EnrollmentHandler handles the unauthenticated agent provisioning routes.
type EnrollmentHandler struct {
	service enroller
	ca      *ca.CA
}

func NewEnrollmentHandler(service enroller, identityService *ca.CA) *EnrollmentHandler {
	return &EnrollmentHandler{service: service, ca: identityService}
}

func (h *EnrollmentHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/enroll", h.Enroll)
	router.GET("/ca", h.GetTrustBundle)
	router.GET("/crl", h.GetCRL)
}

func (h *EnrollmentHandler) Enroll(c *gin.Context) {
	var req models.EnrollRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	certPEM, trustBundlePEM, err := h.service.Enroll(req.Token, []byte(req.CSRPEM), req.Metadata)
	if err != nil {
		apierr.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.EnrollResponse{
		CertificatePEM: string(certPEM),
		TrustBundlePEM: string(trustBundlePEM),
	})
}

func (h *EnrollmentHandler) GetTrustBundle(c *gin.Context) {
	c.Data(http.StatusOK, "application/x-pem-file", h.ca.GetTrustBundle())
}

func (h *EnrollmentHandler) GetCRL(c *gin.Context) {
	crl, err := h.ca.GenerateCRL()
	if err != nil {
		apierr.HandleError(c, err)
		return
	}
	c.Header("Cache-Control", "max-age=3600")
	c.Data(http.StatusOK, "application/pkix-crl", crl)
}
