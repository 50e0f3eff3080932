// Package handlers provides HTTP handlers for the Strato control plane API.
// This file implements read access to the audit log written by
// internal/middleware.AuditLogger: every mutating API call, keyed by actor,
// action and affected resource, for compliance review and incident response.
//
// API Endpoints:
// - GET /api/v1/admin/audit        - List audit entries with filters/pagination
// - GET /api/v1/admin/audit/:id    - Get a single audit entry
// - GET /api/v1/admin/audit/export - Export filtered entries as CSV or JSON
package handlers

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/strato-hq/strato/internal/db"
)

// AuditEntry is a single row of the audit_log table. Details carries
// whatever extra context the logging middleware captured for the request
// (username, method, path, status code, duration, etc).
type AuditEntry struct {
	ID        string                 `json:"id"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource"`
	IPAddress string                 `json:"ip_address"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

type AuditEntryListResponse struct {
	Entries    []AuditEntry `json:"entries"`
	Total      int64        `json:"total"`
	Page       int          `json:"page"`
	PageSize   int          `json:"page_size"`
	TotalPages int          `json:"total_pages"`
}

// AuditHandler handles read access to the audit log. Entries are written
// exclusively by the audit logging middleware; this handler never inserts.
type AuditHandler struct {
	database *db.Database
}

func NewAuditHandler(database *db.Database) *AuditHandler {
	return &AuditHandler{database: database}
}

// RegisterRoutes registers audit log routes. Intended to be mounted under an
// org-admin or system-admin protected group.
func (h *AuditHandler) RegisterRoutes(router *gin.RouterGroup) {
	auditRoutes := router.Group("/audit")
	{
		auditRoutes.GET("", h.ListAuditEntries)
		auditRoutes.GET("/export", h.ExportAuditEntries)
		auditRoutes.GET("/:id", h.GetAuditEntry)
	}
}

func auditFilters(c *gin.Context) ([]string, []interface{}) {
	var whereClauses []string
	var args []interface{}
	n := 1

	if actor := c.Query("actor"); actor != "" {
		whereClauses = append(whereClauses, fmt.Sprintf("actor = $%d", n))
		args = append(args, actor)
		n++
	}
	if action := c.Query("action"); action != "" {
		whereClauses = append(whereClauses, fmt.Sprintf("action = $%d", n))
		args = append(args, action)
		n++
	}
	if resource := c.Query("resource"); resource != "" {
		whereClauses = append(whereClauses, fmt.Sprintf("resource = $%d", n))
		args = append(args, resource)
		n++
	}
	if ip := c.Query("ip_address"); ip != "" {
		whereClauses = append(whereClauses, fmt.Sprintf("ip_address = $%d", n))
		args = append(args, ip)
		n++
	}
	return whereClauses, args
}

// parseDateRange appends start_date/end_date query params (RFC3339) to the
// filter, returning false (after writing the error response) on bad input.
func parseDateRange(c *gin.Context, whereClauses []string, args []interface{}, n int) ([]string, []interface{}, int, bool) {
	if startDate := c.Query("start_date"); startDate != "" {
		parsed, err := time.Parse(time.RFC3339, startDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid start_date format",
				Message: "Use ISO 8601 format: 2025-01-01T00:00:00Z",
			})
			return nil, nil, 0, false
		}
		whereClauses = append(whereClauses, fmt.Sprintf("created_at >= $%d", n))
		args = append(args, parsed)
		n++
	}
	if endDate := c.Query("end_date"); endDate != "" {
		parsed, err := time.Parse(time.RFC3339, endDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid end_date format",
				Message: "Use ISO 8601 format: 2025-12-31T23:59:59Z",
			})
			return nil, nil, 0, false
		}
		whereClauses = append(whereClauses, fmt.Sprintf("created_at <= $%d", n))
		args = append(args, parsed)
		n++
	}
	return whereClauses, args, n, true
}

func scanAuditEntry(scan func(dest ...interface{}) error) (AuditEntry, error) {
	var entry AuditEntry
	var detailsJSON []byte
	if err := scan(&entry.ID, &entry.Actor, &entry.Action, &entry.Resource, &entry.IPAddress, &detailsJSON, &entry.CreatedAt); err != nil {
		return entry, err
	}
	if len(detailsJSON) > 0 {
		json.Unmarshal(detailsJSON, &entry.Details)
	}
	return entry, nil
}

// ListAuditEntries godoc
// @Summary List audit log entries
// @Description Filterable, paginated access to the audit trail
// @Tags admin, audit
// @Produce json
// @Param actor query string false "Filter by actor"
// @Param action query string false "Filter by action"
// @Param resource query string false "Filter by resource"
// @Param ip_address query string false "Filter by IP address"
// @Param start_date query string false "Filter from date (RFC3339)"
// @Param end_date query string false "Filter to date (RFC3339)"
// @Param page query int false "Page number (default: 1)"
// @Param page_size query int false "Page size (default: 100, max: 1000)"
// @Success 200 {object} AuditEntryListResponse
// @Router /api/v1/admin/audit [get]
func (h *AuditHandler) ListAuditEntries(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "100"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 1000 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	whereClauses, args := auditFilters(c)
	whereClauses, args, n, ok := parseDateRange(c, whereClauses, args, len(args)+1)
	if !ok {
		return
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = "WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM audit_log %s", whereSQL)
	if err := h.database.DB().QueryRow(countQuery, args...).Scan(&total); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to count audit entries", Message: err.Error()})
		return
	}

	query := fmt.Sprintf(`
		SELECT id, actor, action, resource, ip_address, details, created_at
		FROM audit_log
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, whereSQL, n, n+1)
	args = append(args, pageSize, offset)

	rows, err := h.database.DB().Query(query, args...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to retrieve audit entries", Message: err.Error()})
		return
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		entry, err := scanAuditEntry(rows.Scan)
		if err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to scan audit entry", Message: err.Error()})
			return
		}
		entries = append(entries, entry)
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	c.JSON(http.StatusOK, AuditEntryListResponse{
		Entries:    entries,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	})
}

// GetAuditEntry godoc
// @Summary Get a single audit log entry
// @Tags admin, audit
// @Produce json
// @Param id path string true "Audit entry ID"
// @Success 200 {object} AuditEntry
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/admin/audit/{id} [get]
func (h *AuditHandler) GetAuditEntry(c *gin.Context) {
	id := c.Param("id")

	row := h.database.DB().QueryRow(`
		SELECT id, actor, action, resource, ip_address, details, created_at
		FROM audit_log WHERE id = $1
	`, id)

	entry, err := scanAuditEntry(row.Scan)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Audit entry not found", Message: fmt.Sprintf("No audit entry with ID %s", id)})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to retrieve audit entry", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, entry)
}

// ExportAuditEntries godoc
// @Summary Export audit log entries to CSV or JSON
// @Tags admin, audit
// @Produce text/csv,application/json
// @Param format query string false "Export format: 'csv' or 'json' (default: csv)"
// @Param actor query string false "Filter by actor"
// @Param action query string false "Filter by action"
// @Param resource query string false "Filter by resource"
// @Param start_date query string false "Filter from date"
// @Param end_date query string false "Filter to date"
// @Param limit query int false "Maximum records to export (default: 10000, max: 100000)"
// @Success 200 {file} file "CSV or JSON file"
// @Router /api/v1/admin/audit/export [get]
func (h *AuditHandler) ExportAuditEntries(c *gin.Context) {
	format := c.DefaultQuery("format", "csv")
	if format != "csv" && format != "json" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid format", Message: "Format must be 'csv' or 'json'"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10000"))
	if limit < 1 || limit > 100000 {
		limit = 10000
	}

	whereClauses, args := auditFilters(c)
	whereClauses, args, n, ok := parseDateRange(c, whereClauses, args, len(args)+1)
	if !ok {
		return
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = "WHERE " + strings.Join(whereClauses, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT id, actor, action, resource, ip_address, details, created_at
		FROM audit_log
		%s
		ORDER BY created_at DESC
		LIMIT $%d
	`, whereSQL, n)
	args = append(args, limit)

	rows, err := h.database.DB().Query(query, args...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to retrieve audit entries", Message: err.Error()})
		return
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		entry, err := scanAuditEntry(rows.Scan)
		if err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to scan audit entry", Message: err.Error()})
			return
		}
		entries = append(entries, entry)
	}

	stamp := time.Now().Format("20060102_150405")
	if format == "json" {
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=audit_log_%s.json", stamp))
		c.Header("Content-Type", "application/json")
		c.JSON(http.StatusOK, entries)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=audit_log_%s.csv", stamp))
	c.Header("Content-Type", "text/csv")

	writer := csv.NewWriter(c.Writer)
	defer writer.Flush()

	writer.Write([]string{"ID", "Created At", "Actor", "Action", "Resource", "IP Address", "Details"})
	for _, entry := range entries {
		detailsJSON, _ := json.Marshal(entry.Details)
		writer.Write([]string{
			entry.ID,
			entry.CreatedAt.Format(time.RFC3339),
			entry.Actor,
			entry.Action,
			entry.Resource,
			entry.IPAddress,
			string(detailsJSON),
		})
	}
}
