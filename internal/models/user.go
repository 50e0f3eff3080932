// Package models defines the core data structures for the Strato control
// plane: the hierarchy (organization.go), hypervisor agents (agent.go), VMs
// (vm.go), quotas and certificates, and human users (this file).
package models

import "time"

// User is a human operator of the control plane. Created on first successful
// authentication (local, OIDC, or SAML); never silently mutated.
type User struct {
	ID           string     `json:"id" db:"id"`
	OrgID        string     `json:"org_id" db:"org_id"`
	Username     string     `json:"username" db:"username"`
	Email        string     `json:"email" db:"email"`
	DisplayName  string     `json:"display_name" db:"display_name"`
	SystemAdmin  bool       `json:"system_admin" db:"system_admin"`
	OrgRole      string     `json:"org_role,omitempty" db:"org_role"`
	Provider     string     `json:"provider" db:"provider"`
	Active       bool       `json:"active" db:"active"`
	PasswordHash string     `json:"-" db:"password_hash"`
	LastLogin    *time.Time `json:"last_login,omitempty" db:"last_login"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

type CreateUserRequest struct {
	Username    string `json:"username" binding:"required" validate:"required,username"`
	Email       string `json:"email" binding:"required,email" validate:"required,email"`
	DisplayName string `json:"display_name" binding:"required" validate:"required,min=1,max=200"`
	Password    string `json:"password" validate:"omitempty,password"`
	OrgRole     string `json:"org_role" validate:"omitempty,oneof=org_admin maintainer user viewer"`
	Provider    string `json:"provider" validate:"omitempty,oneof=local saml oidc"`
}

type UpdateUserRequest struct {
	Email       *string `json:"email,omitempty" validate:"omitempty,email"`
	DisplayName *string `json:"display_name,omitempty" validate:"omitempty,min=1,max=200"`
	OrgRole     *string `json:"org_role,omitempty" validate:"omitempty,oneof=org_admin maintainer user viewer"`
	Active      *bool   `json:"active,omitempty"`
}

// GroupMembership is the only relation a Group carries: which users belong.
type GroupMembership struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	GroupID   string    `json:"group_id" db:"group_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type AddGroupMemberRequest struct {
	UserID string `json:"user_id" binding:"required" validate:"required"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      *User     `json:"user"`
}

// APIKey is a long-lived personal access token a user generates for
// programmatic (non-browser) API access. The plaintext key is shown exactly
// once, at creation; only its bcrypt hash and a display prefix are persisted.
type APIKey struct {
	ID         string     `json:"id" db:"id"`
	UserID     string     `json:"user_id" db:"user_id"`
	Name       string     `json:"name" db:"name"`
	Prefix     string     `json:"prefix" db:"prefix"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

type CreateAPIKeyRequest struct {
	Name      string `json:"name" binding:"required" validate:"required,min=3,max=100"`
	ExpiresIn string `json:"expires_in" validate:"omitempty,min=2,max=10"`
}
