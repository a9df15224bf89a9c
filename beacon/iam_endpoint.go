// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package beacon

import (
	"strings"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/beacon/beacon/iam"
	"github.com/hashicorp/beacon/beacon/structs"
)

// IAMEndpoint is the users/roles/permissions/namespaces RPC surface.
// Everything but Login and self password change is management-only.
type IAMEndpoint struct {
	srv *Server
	ctx *RPCContext
}

func (e *IAMEndpoint) Login(args *structs.LoginRequest, reply *structs.LoginResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "iam", "login"}, time.Now())

	if args.Username == "" || args.Password == "" {
		return structs.NewInvalidArgumentError("missing username or password")
	}
	resp, err := e.srv.auth.Login(e.srv.shutdownCtx, args.Username, args.Password)
	if err != nil {
		return err
	}
	*reply = *resp
	return nil
}

// requireManagement authenticates and rejects non-management principals.
func (e *IAMEndpoint) requireManagement(token string) (structs.Principal, error) {
	principal, err := e.srv.requestPrincipal(e.ctx, token)
	if err != nil {
		return structs.Principal{}, err
	}
	if !principal.Management {
		return structs.Principal{}, structs.ErrPermissionDenied
	}
	return principal, nil
}

// UserUpsert creates a user or rotates a password. Users may rotate their
// own; only management may touch others.
func (e *IAMEndpoint) UserUpsert(args *structs.UserUpsertRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "iam", "user_upsert"}, time.Now())

	if args.Username == "" || args.Password == "" {
		return structs.NewInvalidArgumentError("missing username or password")
	}

	principal, err := e.srv.requestPrincipal(e.ctx, args.AuthToken)
	if err != nil {
		return err
	}
	if !principal.Management && principal.Username != args.Username {
		return structs.ErrPermissionDenied
	}
	// Creating a new user stays management-only even for self-named
	// requests from unprivileged principals.
	existing, err := e.srv.state.UserByName(args.Username)
	if err != nil {
		return err
	}
	if existing == nil && !principal.Management {
		return structs.ErrPermissionDenied
	}

	hash, err := iam.HashPassword(args.Password)
	if err != nil {
		return err
	}
	if err := e.srv.state.UpsertUser(e.srv.shutdownCtx, &structs.User{
		Username:     args.Username,
		PasswordHash: hash,
	}); err != nil {
		return err
	}
	return e.finishWrite(reply)
}

// UserDelete removes a user and its role bindings. The root account is
// not deletable.
func (e *IAMEndpoint) UserDelete(args *structs.UserDeleteRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "iam", "user_delete"}, time.Now())

	if _, err := e.requireManagement(args.AuthToken); err != nil {
		return err
	}
	if args.Username == structs.RootUser {
		return structs.NewInvalidArgumentError("the root account cannot be deleted")
	}
	if err := e.srv.state.DeleteUser(e.srv.shutdownCtx, args.Username); err != nil {
		return err
	}
	return e.finishWrite(reply)
}

func (e *IAMEndpoint) UserList(args *structs.UserListRequest, reply *structs.UserListResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "iam", "user_list"}, time.Now())

	if _, err := e.requireManagement(args.AuthToken); err != nil {
		return err
	}
	users, err := e.srv.state.Usernames(args.Search)
	if err != nil {
		return err
	}
	reply.Count = len(users)
	offset, limit := args.Bounds(len(users))
	reply.Users = users[offset : offset+limit]
	return nil
}

func (e *IAMEndpoint) RoleUpsert(args *structs.RoleUpsertRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "iam", "role_upsert"}, time.Now())

	if args.Role == "" || args.Username == "" {
		return structs.NewInvalidArgumentError("missing role or username")
	}
	if _, err := e.requireManagement(args.AuthToken); err != nil {
		return err
	}
	user, err := e.srv.state.UserByName(args.Username)
	if err != nil {
		return err
	}
	if user == nil {
		return structs.NewInvalidArgumentError("unknown user %q", args.Username)
	}
	if err := e.srv.state.UpsertRoleBinding(e.srv.shutdownCtx, args.Role, args.Username); err != nil {
		return err
	}
	return e.finishWrite(reply)
}

func (e *IAMEndpoint) RoleDelete(args *structs.RoleDeleteRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "iam", "role_delete"}, time.Now())

	if _, err := e.requireManagement(args.AuthToken); err != nil {
		return err
	}
	if args.Role == structs.RootRole && args.Username == structs.RootUser {
		return structs.NewInvalidArgumentError("the root role binding cannot be removed")
	}
	if err := e.srv.state.DeleteRoleBinding(e.srv.shutdownCtx, args.Role, args.Username); err != nil {
		return err
	}
	return e.finishWrite(reply)
}

func (e *IAMEndpoint) RoleList(args *structs.RoleListRequest, reply *structs.RoleListResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "iam", "role_list"}, time.Now())

	if _, err := e.requireManagement(args.AuthToken); err != nil {
		return err
	}
	bindings, err := e.srv.state.RoleBindings(args.Username, args.Search)
	if err != nil {
		return err
	}
	reply.Count = len(bindings)
	offset, limit := args.Bounds(len(bindings))
	reply.Bindings = bindings[offset : offset+limit]
	return nil
}

func (e *IAMEndpoint) PermissionUpsert(args *structs.PermissionUpsertRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "iam", "permission_upsert"}, time.Now())

	if err := args.Permission.Validate(); err != nil {
		return err
	}
	if _, err := e.requireManagement(args.AuthToken); err != nil {
		return err
	}
	if err := e.srv.state.UpsertPermission(e.srv.shutdownCtx, &args.Permission); err != nil {
		return err
	}
	return e.finishWrite(reply)
}

func (e *IAMEndpoint) PermissionDelete(args *structs.PermissionDeleteRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "iam", "permission_delete"}, time.Now())

	if _, err := e.requireManagement(args.AuthToken); err != nil {
		return err
	}
	if err := e.srv.state.DeletePermission(e.srv.shutdownCtx, &args.Permission); err != nil {
		return err
	}
	return e.finishWrite(reply)
}

func (e *IAMEndpoint) PermissionList(args *structs.PermissionListRequest, reply *structs.PermissionListResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "iam", "permission_list"}, time.Now())

	if _, err := e.requireManagement(args.AuthToken); err != nil {
		return err
	}
	perms, err := e.srv.state.PermissionsByRole(args.Role)
	if err != nil {
		return err
	}
	reply.Count = len(perms)
	offset, limit := args.Bounds(len(perms))
	reply.Permissions = perms[offset : offset+limit]
	return nil
}

func (e *IAMEndpoint) NamespaceUpsert(args *structs.NamespaceUpsertRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "iam", "namespace_upsert"}, time.Now())

	ns := args.Namespace
	if ns == nil || ns.ID == "" {
		return structs.NewInvalidArgumentError("missing namespace id")
	}
	if strings.ContainsAny(ns.ID, "/ \t") {
		return structs.NewInvalidArgumentError("namespace id %q contains reserved characters", ns.ID)
	}
	if _, err := e.requireManagement(args.AuthToken); err != nil {
		return err
	}
	if ns.Name == "" {
		ns.Name = ns.ID
	}
	if err := e.srv.state.UpsertNamespace(e.srv.shutdownCtx, ns, false); err != nil {
		return err
	}
	return e.finishWrite(reply)
}

// NamespaceDelete refuses while the namespace still holds services or
// configs.
func (e *IAMEndpoint) NamespaceDelete(args *structs.NamespaceDeleteRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "iam", "namespace_delete"}, time.Now())

	if args.ID == "" {
		return structs.NewInvalidArgumentError("missing namespace id")
	}
	if args.ID == structs.DefaultNamespace {
		return structs.NewInvalidArgumentError("the default namespace cannot be deleted")
	}
	if _, err := e.requireManagement(args.AuthToken); err != nil {
		return err
	}
	if err := e.srv.state.DeleteNamespace(e.srv.shutdownCtx, args.ID); err != nil {
		return err
	}
	return e.finishWrite(reply)
}

func (e *IAMEndpoint) NamespaceList(args *structs.QueryOptions, reply *structs.NamespaceListResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "iam", "namespace_list"}, time.Now())

	_, aclObj, err := e.srv.requestACL(e.ctx, args.AuthToken)
	if err != nil {
		return err
	}

	namespaces, err := e.srv.state.Namespaces()
	if err != nil {
		return err
	}
	visible := namespaces[:0]
	for _, ns := range namespaces {
		if aclObj.AllowNamespace(ns.ID) {
			visible = append(visible, ns)
		}
	}
	reply.Namespaces = visible
	return nil
}

func (e *IAMEndpoint) finishWrite(reply *structs.GenericResponse) error {
	index, err := e.srv.state.LatestIndex()
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}
