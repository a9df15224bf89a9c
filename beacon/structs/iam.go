// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"strings"
	"time"
)

const (
	// RootUser is seeded at first start and always authorizes.
	RootUser = "nacos"

	// RootRole marks management principals.
	RootRole = "ROLE_ADMIN"
)

// Actions grantable on a resource pattern.
const (
	ActionRead      = "r"
	ActionWrite     = "w"
	ActionReadWrite = "rw"
)

// ValidAction reports whether a is a grantable action.
func ValidAction(a string) bool {
	return a == ActionRead || a == ActionWrite || a == ActionReadWrite
}

// User is a principal with a salted password hash. The hash is bcrypt
// output and never leaves the server.
type User struct {
	Username     string
	PasswordHash []byte

	CreateIndex uint64
	ModifyIndex uint64
}

// RoleBinding links a role to a user; the pair is the identity.
type RoleBinding struct {
	Role     string
	Username string

	CreateIndex uint64
}

// Permission grants an action on a resource pattern to a role. Resource is
// `namespace:group:dataId` where each part may be `*`.
type Permission struct {
	Role     string
	Resource string
	Action   string

	CreateIndex uint64
}

func (p *Permission) Validate() error {
	if p.Role == "" {
		return NewInvalidArgumentError("missing role")
	}
	if !ValidAction(p.Action) {
		return NewInvalidArgumentError("unknown action %q", p.Action)
	}
	if strings.Count(p.Resource, ":") != 2 {
		return NewInvalidArgumentError("resource %q is not namespace:group:dataId", p.Resource)
	}
	return nil
}

// Namespace is the top-level isolation unit.
type Namespace struct {
	ID          string
	Name        string
	Description string

	CreateIndex uint64
	ModifyIndex uint64
}

// Principal is the authenticated identity attached to a session or
// request.
type Principal struct {
	Username string
	Roles    []string

	// Management short-circuits authorization (root account).
	Management bool
}

// TokenTTL is the default access-token lifetime.
const TokenTTL = 5 * time.Hour

type LoginRequest struct {
	Username string
	Password string
}

type LoginResponse struct {
	AccessToken string
	TokenTTL    int64
	GlobalAdmin bool
}

type UserUpsertRequest struct {
	Username string
	Password string

	WriteRequest
}

type UserDeleteRequest struct {
	Username string

	WriteRequest
}

type UserListRequest struct {
	// Search filters usernames by substring when set.
	Search string

	PageRequest
	QueryOptions
}

type UserListResponse struct {
	Count int
	Users []string

	QueryMeta
}

type RoleUpsertRequest struct {
	Role     string
	Username string

	WriteRequest
}

type RoleDeleteRequest struct {
	Role     string
	Username string

	WriteRequest
}

type RoleListRequest struct {
	Username string
	Search   string

	PageRequest
	QueryOptions
}

type RoleListResponse struct {
	Count    int
	Bindings []*RoleBinding

	QueryMeta
}

type PermissionUpsertRequest struct {
	Permission Permission

	WriteRequest
}

type PermissionDeleteRequest struct {
	Permission Permission

	WriteRequest
}

type PermissionListRequest struct {
	Role string

	PageRequest
	QueryOptions
}

type PermissionListResponse struct {
	Count       int
	Permissions []*Permission

	QueryMeta
}

type NamespaceUpsertRequest struct {
	Namespace *Namespace

	WriteRequest
}

type NamespaceDeleteRequest struct {
	ID string

	WriteRequest
}

type NamespaceListResponse struct {
	Namespaces []*Namespace

	QueryMeta
}
