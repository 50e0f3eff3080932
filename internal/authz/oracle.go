// Package authz implements a thin synchronous client to the externalized
// Authorization Oracle: a Zanzibar-style permission service the core treats
// as an opaque relation store. The core's only obligations are passing the
// right resource id and writing the right relationship tuples when
// entities are created, moved, or deleted — inheritance rules live entirely
// in the external store.
package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/strato-hq/strato/internal/apierr"
	"github.com/strato-hq/strato/internal/logger"
)

// Permission names the core uses.
const (
	PermCreateResources  = "create_resources"
	PermViewProject      = "view_project"
	PermManageProject    = "manage_project"
	PermManageEnvironments = "manage_environments"
	PermManageQuotas     = "manage_quotas"

	PermVMRead    = "read"
	PermVMUpdate  = "update"
	PermVMDelete  = "delete"
	PermVMStart   = "start"
	PermVMStop    = "stop"
	PermVMRestart = "restart"
	PermVMPause   = "pause"
	PermVMResume  = "resume"
	PermViewConsole = "view_console"

	PermManageOrganization = "manage_organization"
	PermViewOrganization   = "view_organization"
	PermCreateOU           = "create_ou"
	PermManageMembers      = "manage_members"
)

// Client checks and writes permission tuples against the external store.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

func NewClient(endpoint, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		endpoint:   endpoint,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type checkRequest struct {
	Subject    string `json:"subject"`
	Permission string `json:"permission"`
	Resource   string `json:"resource"`
}

type checkResponse struct {
	Allowed         bool   `json:"allowed"`
	ConsistencyToken string `json:"consistency_token"`
}

// Check resolves a single permission check. On transient failure (network
// error, non-2xx, bad body) it fails closed: denied, PermissionStoreDown.
func (c *Client) Check(ctx context.Context, subject, permission, resource string) (allowed bool, consistencyToken string, err error) {
	body, err := json.Marshal(checkRequest{Subject: subject, Permission: permission, Resource: resource})
	if err != nil {
		return false, "", apierr.Internal("marshaling authz check", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/check", bytes.NewReader(body))
	if err != nil {
		return false, "", apierr.PermissionStoreUnavailable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Authz().Error().Err(err).Str("permission", permission).Msg("permission store unreachable, failing closed")
		return false, "", apierr.PermissionStoreUnavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Authz().Error().Int("status", resp.StatusCode).Msg("permission store returned non-200, failing closed")
		return false, "", apierr.PermissionStoreUnavailable(fmt.Errorf("status %d", resp.StatusCode))
	}

	var out checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, "", apierr.PermissionStoreUnavailable(err)
	}

	return out.Allowed, out.ConsistencyToken, nil
}

// RequirePermission is a convenience wrapper for call sites that just need
// PermissionDenied or nil.
func (c *Client) RequirePermission(ctx context.Context, subject, permission, resource string) error {
	allowed, _, err := c.Check(ctx, subject, permission, resource)
	if err != nil {
		return err
	}
	if !allowed {
		return apierr.PermissionDenied(fmt.Sprintf("%s denied on %s", permission, resource))
	}
	return nil
}

type writeTupleRequest struct {
	Subject  string `json:"subject"`
	Relation string `json:"relation"`
	Resource string `json:"resource"`
}

// WriteTuple records a relationship (e.g. "user:alice is admin of org:acme")
// when an entity is created, moved, or deleted. Best-effort: failures are
// logged, not surfaced, since the tuple write follows a persisted mutation
// the caller has already committed.
func (c *Client) WriteTuple(ctx context.Context, subject, relation, resource string) {
	body, err := json.Marshal(writeTupleRequest{Subject: subject, Relation: relation, Resource: resource})
	if err != nil {
		logger.Authz().Error().Err(err).Msg("marshaling tuple write")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/tuples", bytes.NewReader(body))
	if err != nil {
		logger.Authz().Error().Err(err).Msg("building tuple write request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Authz().Error().Err(err).Msg("writing permission tuple")
		return
	}
	defer resp.Body.Close()
}
