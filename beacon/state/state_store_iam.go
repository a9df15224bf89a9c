// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"context"
	"fmt"
	"sort"
	"strings"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/beacon/beacon/structs"
	"github.com/hashicorp/beacon/kv"
)

// UpsertUser stores a user. The password hash is computed by the caller.
func (s *StateStore) UpsertUser(ctx context.Context, user *structs.User) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	index, err := s.nextIndex(txn, tableUsers)
	if err != nil {
		return err
	}
	if raw, err := txn.First(tableUsers, "id", user.Username); err != nil {
		return err
	} else if raw != nil {
		user.CreateIndex = raw.(*structs.User).CreateIndex
	} else {
		user.CreateIndex = index
	}
	user.ModifyIndex = index

	if err := s.durablePut(ctx, kv.UserPath(user.Username), user); err != nil {
		return err
	}
	if err := txn.Insert(tableUsers, user); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// DeleteUser removes a user and cascades its role bindings. Roles and
// their permissions survive.
func (s *StateStore) DeleteUser(ctx context.Context, username string) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableUsers, "id", username)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%w: user %q", structs.ErrNotFound, username)
	}

	if err := s.durableDelete(ctx, kv.UserPath(username)); err != nil {
		return err
	}
	if err := txn.Delete(tableUsers, raw); err != nil {
		return err
	}

	iter, err := txn.Get(tableRoles, "user", username)
	if err != nil {
		return err
	}
	var bindings []*structs.RoleBinding
	for braw := iter.Next(); braw != nil; braw = iter.Next() {
		bindings = append(bindings, braw.(*structs.RoleBinding))
	}
	for _, b := range bindings {
		if err := s.durableDelete(ctx, kv.RolePath(b.Role, b.Username)); err != nil {
			return err
		}
		if err := txn.Delete(tableRoles, b); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}

// UserByName returns the user or nil.
func (s *StateStore) UserByName(username string) (*structs.User, error) {
	raw, err := s.snapshot().First(tableUsers, "id", username)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.User), nil
}

// Usernames lists usernames, optionally filtered by substring.
func (s *StateStore) Usernames(search string) ([]string, error) {
	iter, err := s.snapshot().Get(tableUsers, "id")
	if err != nil {
		return nil, err
	}
	var names []string
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		name := raw.(*structs.User).Username
		if search == "" || strings.Contains(name, search) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// UpsertRoleBinding links a role to a user.
func (s *StateStore) UpsertRoleBinding(ctx context.Context, role, username string) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	if raw, err := txn.First(tableRoles, "id", role, username); err != nil {
		return err
	} else if raw != nil {
		return nil
	}
	index, err := s.nextIndex(txn, tableRoles)
	if err != nil {
		return err
	}
	binding := &structs.RoleBinding{Role: role, Username: username, CreateIndex: index}
	if err := s.durablePut(ctx, kv.RolePath(role, username), binding); err != nil {
		return err
	}
	if err := txn.Insert(tableRoles, binding); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// DeleteRoleBinding removes one (role, username) pair. When it was the
// role's last binding the role's permissions are cascaded away.
func (s *StateStore) DeleteRoleBinding(ctx context.Context, role, username string) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableRoles, "id", role, username)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%w: role binding %s/%s", structs.ErrNotFound, role, username)
	}
	if err := s.durableDelete(ctx, kv.RolePath(role, username)); err != nil {
		return err
	}
	if err := txn.Delete(tableRoles, raw); err != nil {
		return err
	}

	remaining, err := txn.First(tableRoles, "id_prefix", role)
	if err != nil {
		return err
	}
	if remaining == nil {
		if err := s.deleteRolePermsTxn(ctx, txn, role); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}

func (s *StateStore) deleteRolePermsTxn(ctx context.Context, txn *memdb.Txn, role string) error {
	iter, err := txn.Get(tablePerms, "id_prefix", role)
	if err != nil {
		return err
	}
	var perms []*structs.Permission
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		perms = append(perms, raw.(*structs.Permission))
	}
	for _, p := range perms {
		if err := s.durableDelete(ctx, kv.PermPath(p.Role, p.Resource, p.Action)); err != nil {
			return err
		}
		if err := txn.Delete(tablePerms, p); err != nil {
			return err
		}
	}
	return nil
}

// RolesByUser returns the role names bound to a user.
func (s *StateStore) RolesByUser(username string) ([]string, error) {
	iter, err := s.snapshot().Get(tableRoles, "user", username)
	if err != nil {
		return nil, err
	}
	var roles []string
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		roles = append(roles, raw.(*structs.RoleBinding).Role)
	}
	sort.Strings(roles)
	return roles, nil
}

// RoleBindings lists bindings, optionally filtered by username or role
// substring.
func (s *StateStore) RoleBindings(username, search string) ([]*structs.RoleBinding, error) {
	txn := s.snapshot()
	var iter memdb.ResultIterator
	var err error
	if username != "" {
		iter, err = txn.Get(tableRoles, "user", username)
	} else {
		iter, err = txn.Get(tableRoles, "id")
	}
	if err != nil {
		return nil, err
	}
	var out []*structs.RoleBinding
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		b := raw.(*structs.RoleBinding)
		if search == "" || strings.Contains(b.Role, search) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].Username < out[j].Username
	})
	return out, nil
}

// UpsertPermission stores one (role, resource, action) triple.
func (s *StateStore) UpsertPermission(ctx context.Context, perm *structs.Permission) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	if raw, err := txn.First(tablePerms, "id", perm.Role, perm.Resource, perm.Action); err != nil {
		return err
	} else if raw != nil {
		return fmt.Errorf("%w: permission %s/%s/%s", structs.ErrAlreadyExists, perm.Role, perm.Resource, perm.Action)
	}
	index, err := s.nextIndex(txn, tablePerms)
	if err != nil {
		return err
	}
	perm.CreateIndex = index
	if err := s.durablePut(ctx, kv.PermPath(perm.Role, perm.Resource, perm.Action), perm); err != nil {
		return err
	}
	if err := txn.Insert(tablePerms, perm); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// DeletePermission removes one triple.
func (s *StateStore) DeletePermission(ctx context.Context, perm *structs.Permission) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tablePerms, "id", perm.Role, perm.Resource, perm.Action)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%w: permission %s/%s/%s", structs.ErrNotFound, perm.Role, perm.Resource, perm.Action)
	}
	if err := s.durableDelete(ctx, kv.PermPath(perm.Role, perm.Resource, perm.Action)); err != nil {
		return err
	}
	if err := txn.Delete(tablePerms, raw); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// PermissionsByRole lists a role's permissions.
func (s *StateStore) PermissionsByRole(role string) ([]*structs.Permission, error) {
	iter, err := s.snapshot().Get(tablePerms, "id_prefix", role)
	if err != nil {
		return nil, err
	}
	var out []*structs.Permission
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Permission))
	}
	return out, nil
}

// PermissionPairsForUser flattens the grants of every role bound to the
// user into (resource, action) pairs for ACL compilation.
func (s *StateStore) PermissionPairsForUser(username string) ([][2]string, error) {
	roles, err := s.RolesByUser(username)
	if err != nil {
		return nil, err
	}
	var pairs [][2]string
	for _, role := range roles {
		perms, err := s.PermissionsByRole(role)
		if err != nil {
			return nil, err
		}
		for _, p := range perms {
			pairs = append(pairs, [2]string{p.Resource, p.Action})
		}
	}
	return pairs, nil
}

// UpsertNamespace creates or updates a namespace.
func (s *StateStore) UpsertNamespace(ctx context.Context, ns *structs.Namespace, mustNotExist bool) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableNamespaces, "id", ns.ID)
	if err != nil {
		return err
	}
	if raw != nil && mustNotExist {
		return fmt.Errorf("%w: namespace %q", structs.ErrAlreadyExists, ns.ID)
	}
	index, err := s.nextIndex(txn, tableNamespaces)
	if err != nil {
		return err
	}
	if raw != nil {
		ns.CreateIndex = raw.(*structs.Namespace).CreateIndex
	} else {
		ns.CreateIndex = index
	}
	ns.ModifyIndex = index
	if err := s.durablePut(ctx, kv.NamespacePath(ns.ID), ns); err != nil {
		return err
	}
	if err := txn.Insert(tableNamespaces, ns); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// DeleteNamespace removes a namespace. Rejected while it still contains
// services or configs.
func (s *StateStore) DeleteNamespace(ctx context.Context, id string) error {
	if nServices, err := s.CountServices(id); err != nil {
		return err
	} else if nServices > 0 {
		return fmt.Errorf("%w: namespace %q still has %d services", structs.ErrConflict, id, nServices)
	}
	if nConfigs, err := s.CountConfigs(id); err != nil {
		return err
	} else if nConfigs > 0 {
		return fmt.Errorf("%w: namespace %q still has %d configs", structs.ErrConflict, id, nConfigs)
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableNamespaces, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%w: namespace %q", structs.ErrNotFound, id)
	}
	if err := s.durableDelete(ctx, kv.NamespacePath(id)); err != nil {
		return err
	}
	if err := txn.Delete(tableNamespaces, raw); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// NamespaceByID returns the namespace or nil.
func (s *StateStore) NamespaceByID(id string) (*structs.Namespace, error) {
	raw, err := s.snapshot().First(tableNamespaces, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.Namespace), nil
}

// Namespaces lists all namespaces ordered by id.
func (s *StateStore) Namespaces() ([]*structs.Namespace, error) {
	iter, err := s.snapshot().Get(tableNamespaces, "id")
	if err != nil {
		return nil, err
	}
	var out []*structs.Namespace
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Namespace))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Restore loads every keyspace from the KV backend into memdb. Called once
// at server startup before the listeners open.
func (s *StateStore) Restore(ctx context.Context) error {
	if err := s.restoreIAM(ctx); err != nil {
		return fmt.Errorf("failed to restore iam state: %w", err)
	}
	if err := s.restoreConfigs(ctx); err != nil {
		return fmt.Errorf("failed to restore config state: %w", err)
	}
	if err := s.restoreInstances(ctx); err != nil {
		return fmt.Errorf("failed to restore registry state: %w", err)
	}
	return nil
}

func (s *StateStore) restoreIAM(ctx context.Context) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	restore := []struct {
		prefix string
		make   func() interface{}
		table  string
	}{
		{kv.UserPrefix, func() interface{} { return new(structs.User) }, tableUsers},
		{kv.RolePrefix, func() interface{} { return new(structs.RoleBinding) }, tableRoles},
		{kv.PermPrefix, func() interface{} { return new(structs.Permission) }, tablePerms},
		{kv.NamespacePrefix, func() interface{} { return new(structs.Namespace) }, tableNamespaces},
	}
	for _, r := range restore {
		items, err := s.durable.List(ctx, r.prefix)
		if err != nil {
			return err
		}
		for _, item := range items {
			obj := r.make()
			if err := structs.Decode(item.Value, obj); err != nil {
				return fmt.Errorf("failed to decode %q: %w", item.Key, err)
			}
			if err := txn.Insert(r.table, obj); err != nil {
				return err
			}
		}
	}
	txn.Commit()
	return nil
}
