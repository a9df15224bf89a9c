// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package kv defines the pluggable durable key-value backend the server
// persists to. The in-memory state plane is authoritative at runtime; the
// backend exists to survive restarts. Values are msgpack.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/beacon/beacon/structs"
)

// ErrKeyNotFound is returned by Get for a missing key.
var ErrKeyNotFound = errors.New("key not found")

// Item is one stored pair.
type Item struct {
	Key   string
	Value []byte
}

// Store is the backend contract. Implementations must be safe for
// concurrent use. List returns items in key order.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Item, error)
	Close() error
}

// Keyspace layout. Ephemeral instances are deliberately not persisted.
const (
	ConfigPrefix        = "config/"
	ConfigHistoryPrefix = "config-history/"
	ConfigGrayPrefix    = "config-gray/"
	ConfigAggrPrefix    = "config-aggr/"
	UserPrefix          = "iam/users/"
	RolePrefix          = "iam/roles/"
	PermPrefix          = "iam/perms/"
	NamespacePrefix     = "ns/"
	RegistryPrefix      = "registry/"
)

func ConfigPath(k structs.ConfigKey) string {
	return ConfigPrefix + k.Namespace + "/" + k.Group + "/" + k.DataID
}

func ConfigHistoryPath(k structs.ConfigKey, nid uint64) string {
	return fmt.Sprintf("%s%s/%s/%s/%020d", ConfigHistoryPrefix, k.Namespace, k.Group, k.DataID, nid)
}

func ConfigGrayPath(k structs.ConfigKey) string {
	return ConfigGrayPrefix + k.Namespace + "/" + k.Group + "/" + k.DataID
}

func ConfigAggrPath(k structs.ConfigKey, datumID string) string {
	return ConfigAggrPrefix + k.Namespace + "/" + k.Group + "/" + k.DataID + "/" + datumID
}

func UserPath(username string) string {
	return UserPrefix + username
}

func RolePath(role, username string) string {
	return RolePrefix + role + "/" + username
}

func PermPath(role, resource, action string) string {
	return PermPrefix + role + "/" + resource + "/" + action
}

func NamespacePath(id string) string {
	return NamespacePrefix + id
}

func PersistentInstancePath(k structs.ServiceKey, inst *structs.Instance) string {
	return fmt.Sprintf("%s%s/%s/%s/%s/%s:%d",
		RegistryPrefix, k.Namespace, k.Group, k.Name, inst.ClusterName, inst.IP, inst.Port)
}

// PutMsg encodes v as msgpack and stores it.
func PutMsg(ctx context.Context, s Store, key string, v interface{}) error {
	buf, err := structs.Encode(v)
	if err != nil {
		return err
	}
	return s.Put(ctx, key, buf)
}

// GetMsg loads key and decodes it into out.
func GetMsg(ctx context.Context, s Store, key string, out interface{}) error {
	buf, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return structs.Decode(buf, out)
}

// Mem is the map-backed Store used by tests and by servers running with
// persistence disabled.
type Mem struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMem() *Mem {
	return &Mem{data: map[string][]byte{}}
}

func (m *Mem) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Mem) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}

func (m *Mem) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Mem) List(_ context.Context, prefix string) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []Item
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out := make([]byte, len(v))
			copy(out, v)
			items = append(items, Item{Key: k, Value: out})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

func (m *Mem) Close() error { return nil }
