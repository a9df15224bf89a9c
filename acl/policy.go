// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package acl

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ryanuber/go-glob"
)

const (
	// The following are the only valid actions on a permission. When
	// permissions are merged together the most privilege is granted:
	// read-write covers both read and write.

	ActionRead      = "r"
	ActionWrite     = "w"
	ActionReadWrite = "rw"
)

var (
	validPart = regexp.MustCompile(`^[a-zA-Z0-9-_.:*]{0,256}$`)
)

// Resource is a parsed `namespace:group:dataId` pattern. Each part may be
// `*` or contain `*` glob-wise. An empty part matches only the empty
// string.
type Resource struct {
	Namespace string
	Group     string
	DataID    string

	Raw string
}

// ParseResource parses and validates a three-part resource pattern.
func ParseResource(pattern string) (*Resource, error) {
	parts := strings.SplitN(pattern, ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid resource %q: want namespace:group:dataId", pattern)
	}
	for _, p := range parts {
		if !validPart.MatchString(p) {
			return nil, fmt.Errorf("invalid resource part %q in %q", p, pattern)
		}
	}
	return &Resource{
		Namespace: parts[0],
		Group:     parts[1],
		DataID:    parts[2],
		Raw:       pattern,
	}, nil
}

// Match reports whether the pattern covers the concrete resource parts.
func (r *Resource) Match(namespace, group, dataID string) bool {
	return glob.Glob(r.Namespace, namespace) &&
		glob.Glob(r.Group, group) &&
		glob.Glob(r.DataID, dataID)
}

// isActionValid makes sure the given string is one of the valid actions.
func isActionValid(action string) bool {
	switch action {
	case ActionRead, ActionWrite, ActionReadWrite:
		return true
	default:
		return false
	}
}

// expandAction returns the set of base actions an action grant covers.
func expandAction(action string) []string {
	switch action {
	case ActionRead:
		return []string{ActionRead}
	case ActionWrite:
		return []string{ActionWrite}
	case ActionReadWrite:
		return []string{ActionRead, ActionWrite}
	default:
		return nil
	}
}

// Grant is one validated permission: an action over a resource pattern.
type Grant struct {
	Resource *Resource

	// actions is the expanded base-action set.
	actions map[string]struct{}
}

// ParseGrant validates and compiles a (resource, action) pair.
func ParseGrant(resource, action string) (*Grant, error) {
	if !isActionValid(action) {
		return nil, fmt.Errorf("invalid action %q", action)
	}
	res, err := ParseResource(resource)
	if err != nil {
		return nil, err
	}
	g := &Grant{Resource: res, actions: map[string]struct{}{}}
	for _, a := range expandAction(action) {
		g.actions[a] = struct{}{}
	}
	return g, nil
}

// Allows reports whether the grant covers the base action on the concrete
// resource.
func (g *Grant) Allows(namespace, group, dataID, action string) bool {
	if _, ok := g.actions[action]; !ok {
		return false
	}
	return g.Resource.Match(namespace, group, dataID)
}
