// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package acl

import (
	"github.com/hashicorp/go-multierror"
)

// ACL is the compiled authorization object for a principal. It is built
// from the union of the grants held by the principal's roles and is
// immutable once compiled, so it is safe to cache and share.
type ACL struct {
	management bool
	grants     []*Grant
}

// ManagementACL is the singleton that bypasses all checks. It is assigned
// to the root account.
var ManagementACL = &ACL{management: true}

// AnonymousACL holds no grants; every check is denied.
var AnonymousACL = &ACL{}

// Compile builds an ACL from raw (resource, action) pairs. A single
// invalid pair fails the compile so a broken permission row cannot widen
// access by being silently skipped.
func Compile(pairs [][2]string) (*ACL, error) {
	var mErr multierror.Error
	acl := &ACL{}
	for _, p := range pairs {
		grant, err := ParseGrant(p[0], p[1])
		if err != nil {
			mErr.Errors = append(mErr.Errors, err)
			continue
		}
		acl.grants = append(acl.grants, grant)
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return nil, err
	}
	return acl, nil
}

// IsManagement reports whether the ACL bypasses checks.
func (a *ACL) IsManagement() bool { return a.management }

// AllowRead checks read access on the concrete resource.
func (a *ACL) AllowRead(namespace, group, dataID string) bool {
	return a.allow(namespace, group, dataID, ActionRead)
}

// AllowWrite checks write access on the concrete resource.
func (a *ACL) AllowWrite(namespace, group, dataID string) bool {
	return a.allow(namespace, group, dataID, ActionWrite)
}

// AllowNamespace checks whether any grant touches the namespace at all,
// used for namespace-scoped list endpoints.
func (a *ACL) AllowNamespace(namespace string) bool {
	if a.management {
		return true
	}
	for _, g := range a.grants {
		if pat := g.Resource.Namespace; pat == "*" || pat == namespace {
			return true
		}
	}
	return false
}

func (a *ACL) allow(namespace, group, dataID, action string) bool {
	if a.management {
		return true
	}
	for _, g := range a.grants {
		if g.Allows(namespace, group, dataID, action) {
			return true
		}
	}
	return false
}
