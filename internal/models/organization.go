// Package models defines the core data structures for the Strato control
// plane.
//
// This file implements the hierarchy: Organization -> OrganizationalUnit ->
// Project -> Environment. All resources below an Organization are reachable
// by walking materialized paths, never by recursive parent lookups.
package models

import (
	"strings"
	"time"
)

// Organization is the root of the hierarchy.
type Organization struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

type CreateOrganizationRequest struct {
	Name        string `json:"name" binding:"required" validate:"required,min=3,max=50,lowercase"`
	DisplayName string `json:"display_name" binding:"required" validate:"required,min=3,max=100"`
	Description string `json:"description" validate:"omitempty,max=500"`
}

type UpdateOrganizationRequest struct {
	DisplayName *string `json:"display_name,omitempty" validate:"omitempty,min=3,max=100"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=500"`
}

// ParentKind distinguishes the two possible parents of an OU or Project.
// Modeled as a tagged sum rather than two nullable foreign keys, per the
// hierarchy's design notes: exactly one of OrgID/OUID is meaningful,
// selected by Kind.
type ParentKind string

const (
	ParentOrganization      ParentKind = "organization"
	ParentOrganizationalUnit ParentKind = "organizational_unit"
)

// Parent identifies the immediate parent of an OU or Project.
type Parent struct {
	Kind ParentKind `json:"kind"`
	ID   string     `json:"id"`
}

// OrganizationalUnit is an internal node in the hierarchy below an
// Organization. Its materialized Path always begins with the owning
// Organization's id; Depth is len(pathSegments) - 1.
type OrganizationalUnit struct {
	ID        string    `json:"id" db:"id"`
	OrgID     string    `json:"org_id" db:"org_id"`
	Name      string    `json:"name" db:"name"`
	Parent    Parent    `json:"parent" db:"-"`
	ParentKind string   `json:"-" db:"parent_kind"`
	ParentID  string    `json:"-" db:"parent_id"`
	Path      string    `json:"path" db:"path"`
	Depth     int       `json:"depth" db:"depth"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// PathSegments splits the materialized path into its component ids.
func (ou *OrganizationalUnit) PathSegments() []string {
	return strings.Split(ou.Path, "/")
}

// ContainsInPath reports whether id appears anywhere in ou's ancestor chain,
// used by move operations to reject cycles: newParent.path must not contain
// the OU being moved.
func (ou *OrganizationalUnit) ContainsInPath(id string) bool {
	for _, seg := range ou.PathSegments() {
		if seg == id {
			return true
		}
	}
	return false
}

type CreateOURequest struct {
	Name       string     `json:"name" binding:"required" validate:"required,min=1,max=100"`
	ParentKind ParentKind `json:"parent_kind" binding:"required" validate:"required,oneof=organization organizational_unit"`
	ParentID   string     `json:"parent_id" binding:"required" validate:"required"`
}

// Project holds a declared, non-empty set of Environments and owns VMs.
// Its Parent is either an Organization or an OrganizationalUnit, exactly
// like an OU's.
type Project struct {
	ID                 string    `json:"id" db:"id"`
	OrgID              string    `json:"org_id" db:"org_id"`
	Name               string    `json:"name" db:"name"`
	ParentKind         string    `json:"-" db:"parent_kind"`
	ParentID           string    `json:"-" db:"parent_id"`
	Path               string    `json:"path" db:"path"`
	Depth              int       `json:"depth" db:"depth"`
	Environments       []string  `json:"environments" db:"-"`
	DefaultEnvironment string    `json:"default_environment" db:"default_environment"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// HasEnvironment reports whether env is declared for the project.
func (p *Project) HasEnvironment(env string) bool {
	for _, e := range p.Environments {
		if e == env {
			return true
		}
	}
	return false
}

type CreateProjectRequest struct {
	Name               string     `json:"name" binding:"required" validate:"required,min=1,max=100"`
	ParentKind         ParentKind `json:"parent_kind" binding:"required" validate:"required,oneof=organization organizational_unit"`
	ParentID           string     `json:"parent_id" binding:"required" validate:"required"`
	Environments       []string   `json:"environments" binding:"required" validate:"required,min=1"`
	DefaultEnvironment string     `json:"default_environment" binding:"required" validate:"required"`
}

type AddEnvironmentRequest struct {
	Name string `json:"name" binding:"required" validate:"required,min=1,max=63"`
}

// OrgRole defines a user's role within an organization.
type OrgRole string

const (
	OrgRoleAdmin      OrgRole = "org_admin"
	OrgRoleMaintainer OrgRole = "maintainer"
	OrgRoleUser       OrgRole = "user"
	OrgRoleViewer     OrgRole = "viewer"
)

func ValidOrgRoles() []OrgRole {
	return []OrgRole{OrgRoleAdmin, OrgRoleMaintainer, OrgRoleUser, OrgRoleViewer}
}

func IsValidOrgRole(role string) bool {
	for _, r := range ValidOrgRoles() {
		if string(r) == role {
			return true
		}
	}
	return false
}

// Group is a named set of users scoped to an organization.
type Group struct {
	ID          string    `json:"id" db:"id"`
	OrgID       string    `json:"org_id" db:"org_id"`
	Name        string    `json:"name" db:"name"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

type CreateGroupRequest struct {
	Name        string `json:"name" binding:"required" validate:"required,min=1,max=100"`
	DisplayName string `json:"display_name" binding:"required"`
	Description string `json:"description" validate:"omitempty,max=500"`
}
