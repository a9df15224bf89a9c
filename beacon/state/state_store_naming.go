// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/beacon/beacon/structs"
	"github.com/hashicorp/beacon/kv"
)

// ServiceInfoCacheMillis is the refresh hint pushed with every snapshot.
const ServiceInfoCacheMillis = 10_000

// serviceInstance is the instance table row. Fields are flattened for the
// memdb indexers.
type serviceInstance struct {
	Namespace string
	Group     string
	Service   string
	HostPort  string
	SessionID string

	Instance *structs.Instance
}

func newServiceInstance(key structs.ServiceKey, inst *structs.Instance) *serviceInstance {
	return &serviceInstance{
		Namespace: key.Namespace,
		Group:     key.Group,
		Service:   key.Name,
		HostPort:  inst.HostPortKey(),
		SessionID: inst.SessionID,
		Instance:  inst,
	}
}

// UpsertInstance registers or updates one instance. Re-registering a
// structurally equal instance is a no-op: no index bump, no event. Returns
// whether the state changed.
func (s *StateStore) UpsertInstance(ctx context.Context, key structs.ServiceKey, inst *structs.Instance) (bool, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	changed, events, err := s.upsertInstanceTxn(ctx, txn, key, inst)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	txn.Commit()
	s.publishEvents(events)
	return true, nil
}

// UpsertInstances atomically replaces the session's instance set for one
// service: the batch is registered and any instance the session owned
// that is absent from the batch is dropped, all under one commit with a
// single change event.
func (s *StateStore) UpsertInstances(ctx context.Context, key structs.ServiceKey, sessionID string, instances []*structs.Instance) (bool, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	var anyChanged bool
	var events *structs.Events
	seen := make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		seen[inst.HostPortKey()] = struct{}{}
		changed, evs, err := s.upsertInstanceTxn(ctx, txn, key, inst)
		if err != nil {
			return false, err
		}
		if changed {
			anyChanged = true
			events = evs
		}
	}

	iter, err := txn.Get(tableInstances, "id_prefix", key.Namespace, key.Group, key.Name)
	if err != nil {
		return false, err
	}
	var stale []*serviceInstance
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		row := raw.(*serviceInstance)
		if row.SessionID != sessionID {
			continue
		}
		if _, ok := seen[row.HostPort]; !ok {
			stale = append(stale, row)
		}
	}
	for _, row := range stale {
		changed, evs, err := s.deleteInstanceTxn(ctx, txn, key, row.Instance.IP, row.Instance.Port, row.Instance.ClusterName)
		if err != nil {
			return false, err
		}
		if changed {
			anyChanged = true
			events = evs
		}
	}

	if !anyChanged {
		return false, nil
	}
	txn.Commit()
	s.publishEvents(events)
	return true, nil
}

func (s *StateStore) upsertInstanceTxn(ctx context.Context, txn *memdb.Txn, key structs.ServiceKey, inst *structs.Instance) (bool, *structs.Events, error) {
	if inst.Ephemeral && inst.SessionID == "" {
		return false, nil, structs.NewInvalidArgumentError("ephemeral instance requires a session")
	}

	svc, err := s.ensureServiceTxn(txn, key, inst.ClusterName)
	if err != nil {
		return false, nil, err
	}

	row := newServiceInstance(key, inst)
	raw, err := txn.First(tableInstances, "id", key.Namespace, key.Group, key.Name, row.HostPort)
	if err != nil {
		return false, nil, err
	}
	if raw != nil {
		existing := raw.(*serviceInstance)
		if existing.Instance.Ephemeral != inst.Ephemeral {
			return false, nil, structs.NewInvalidArgumentError(
				"instance %s cannot flip ephemeral mode", row.HostPort)
		}
		if existing.Instance.Ephemeral && existing.Instance.SessionID != inst.SessionID {
			return false, nil, fmt.Errorf("%w: ephemeral instance %s owned by another session",
				structs.ErrConflict, row.HostPort)
		}
		if existing.Instance.Equal(inst) {
			return false, nil, nil
		}
		inst.CreateIndex = existing.Instance.CreateIndex
	}

	index, err := s.nextIndex(txn, tableServices)
	if err != nil {
		return false, nil, err
	}
	if raw == nil {
		inst.CreateIndex = index
	}
	inst.ModifyIndex = index

	if !inst.Ephemeral {
		if err := s.durablePut(ctx, kv.PersistentInstancePath(key, inst), inst); err != nil {
			return false, nil, err
		}
	}

	if err := txn.Insert(tableInstances, row); err != nil {
		return false, nil, err
	}

	events, err := s.touchServiceTxn(txn, svc, index)
	if err != nil {
		return false, nil, err
	}
	return true, events, nil
}

// DeleteInstance removes one instance. Removing a non-existent instance is
// a no-op success.
func (s *StateStore) DeleteInstance(ctx context.Context, key structs.ServiceKey, ip string, port int, cluster string) (bool, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	changed, events, err := s.deleteInstanceTxn(ctx, txn, key, ip, port, cluster)
	if err != nil || !changed {
		return false, err
	}
	txn.Commit()
	s.publishEvents(events)
	return true, nil
}

func (s *StateStore) deleteInstanceTxn(ctx context.Context, txn *memdb.Txn, key structs.ServiceKey, ip string, port int, cluster string) (bool, *structs.Events, error) {
	if cluster == "" {
		cluster = structs.DefaultCluster
	}
	hostPort := fmt.Sprintf("%s#%d#%s", ip, port, cluster)
	raw, err := txn.First(tableInstances, "id", key.Namespace, key.Group, key.Name, hostPort)
	if err != nil {
		return false, nil, err
	}
	if raw == nil {
		return false, nil, nil
	}
	row := raw.(*serviceInstance)

	index, err := s.nextIndex(txn, tableServices)
	if err != nil {
		return false, nil, err
	}

	if !row.Instance.Ephemeral {
		if err := s.durableDelete(ctx, kv.PersistentInstancePath(key, row.Instance)); err != nil {
			return false, nil, err
		}
	}
	if err := txn.Delete(tableInstances, row); err != nil {
		return false, nil, err
	}

	svcRaw, err := txn.First(tableServices, "id", key.Namespace, key.Group, key.Name)
	if err != nil {
		return false, nil, err
	}
	svc := svcRaw.(*structs.Service).Copy()

	// Tombstone the service once its last instance is gone; the grace
	// period absorbs register/deregister flap.
	remaining, err := s.countInstancesTxn(txn, key)
	if err != nil {
		return false, nil, err
	}
	if remaining == 0 {
		svc.TombstonedAt = time.Now()
	}

	events, err := s.touchServiceTxn(txn, svc, index)
	if err != nil {
		return false, nil, err
	}
	return true, events, nil
}

// DeleteSessionInstances removes every ephemeral instance owned by the
// session, returning the services that changed.
func (s *StateStore) DeleteSessionInstances(ctx context.Context, sessionID string) ([]structs.ServiceKey, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	iter, err := txn.Get(tableInstances, "session", sessionID)
	if err != nil {
		return nil, err
	}
	var rows []*serviceInstance
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		rows = append(rows, raw.(*serviceInstance))
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var all []structs.Event
	var index uint64
	touched := map[string]structs.ServiceKey{}
	for _, row := range rows {
		key := structs.ServiceKey{Namespace: row.Namespace, Group: row.Group, Name: row.Service}
		changed, events, err := s.deleteInstanceTxn(ctx, txn, key, row.Instance.IP, row.Instance.Port, row.Instance.ClusterName)
		if err != nil {
			return nil, err
		}
		if changed {
			touched[key.ID()] = key
			all = append(all, events.Events...)
			index = events.Index
		}
	}

	txn.Commit()
	s.publishEvents(&structs.Events{Index: index, Events: all})

	keys := make([]structs.ServiceKey, 0, len(touched))
	for _, k := range touched {
		keys = append(keys, k)
	}
	return keys, nil
}

// SessionInstances lists the ephemeral instances a session owns, for the
// per-client console views.
func (s *StateStore) SessionInstances(sessionID string) ([]*structs.SessionInstance, error) {
	txn := s.snapshot()
	iter, err := txn.Get(tableInstances, "session", sessionID)
	if err != nil {
		return nil, err
	}
	var out []*structs.SessionInstance
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		row := raw.(*serviceInstance)
		out = append(out, &structs.SessionInstance{
			Service:  structs.ServiceKey{Namespace: row.Namespace, Group: row.Group, Name: row.Service},
			Instance: row.Instance.Copy(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Service.ID() != out[j].Service.ID() {
			return out[i].Service.ID() < out[j].Service.ID()
		}
		return out[i].Instance.HostPortKey() < out[j].Instance.HostPortKey()
	})
	return out, nil
}

// UpdateInstanceHealth is the admin override for non-ephemeral instances.
func (s *StateStore) UpdateInstanceHealth(ctx context.Context, key structs.ServiceKey, ip string, port int, cluster string, healthy bool) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	if cluster == "" {
		cluster = structs.DefaultCluster
	}
	hostPort := fmt.Sprintf("%s#%d#%s", ip, port, cluster)
	raw, err := txn.First(tableInstances, "id", key.Namespace, key.Group, key.Name, hostPort)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%w: instance %s", structs.ErrNotFound, hostPort)
	}
	row := raw.(*serviceInstance)
	if row.Instance.Ephemeral {
		return structs.NewInvalidArgumentError("health of ephemeral instance %s is session-driven", hostPort)
	}
	if row.Instance.Healthy == healthy {
		return nil
	}

	inst := row.Instance.Copy()
	inst.Healthy = healthy
	return s.finishHealthUpdate(ctx, txn, key, row, inst)
}

func (s *StateStore) finishHealthUpdate(ctx context.Context, txn *memdb.Txn, key structs.ServiceKey, row *serviceInstance, inst *structs.Instance) error {
	index, err := s.nextIndex(txn, tableServices)
	if err != nil {
		return err
	}
	inst.ModifyIndex = index
	if err := s.durablePut(ctx, kv.PersistentInstancePath(key, inst), inst); err != nil {
		return err
	}
	newRow := newServiceInstance(key, inst)
	if err := txn.Insert(tableInstances, newRow); err != nil {
		return err
	}
	svcRaw, err := txn.First(tableServices, "id", key.Namespace, key.Group, key.Name)
	if err != nil {
		return err
	}
	events, err := s.touchServiceTxn(txn, svcRaw.(*structs.Service).Copy(), index)
	if err != nil {
		return err
	}
	txn.Commit()
	s.publishEvents(events)
	return nil
}

// ensureServiceTxn auto-creates the service and cluster rows on first
// registration or subscription.
func (s *StateStore) ensureServiceTxn(txn *memdb.Txn, key structs.ServiceKey, cluster string) (*structs.Service, error) {
	raw, err := txn.First(tableServices, "id", key.Namespace, key.Group, key.Name)
	if err != nil {
		return nil, err
	}
	var svc *structs.Service
	if raw == nil {
		svc = &structs.Service{
			ServiceKey: key,
			Clusters:   map[string]*structs.Cluster{},
		}
	} else {
		svc = raw.(*structs.Service).Copy()
	}
	if cluster != "" {
		if _, ok := svc.Clusters[cluster]; !ok {
			svc.Clusters[cluster] = &structs.Cluster{Name: cluster, HealthChecker: "NONE"}
		}
	}
	svc.TombstonedAt = time.Time{}
	return svc, nil
}

// EnsureService creates the service row if missing, used by subscribe.
func (s *StateStore) EnsureService(key structs.ServiceKey) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableServices, "id", key.Namespace, key.Group, key.Name)
	if err != nil {
		return err
	}
	if raw != nil {
		return nil
	}
	svc, err := s.ensureServiceTxn(txn, key, "")
	if err != nil {
		return err
	}
	index, err := s.nextIndex(txn, tableServices)
	if err != nil {
		return err
	}
	svc.CreateIndex = index
	svc.ModifyIndex = index
	if err := txn.Insert(tableServices, svc); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// touchServiceTxn bumps the service revision, stores it, and builds the
// change event carrying the post-mutation revision.
func (s *StateStore) touchServiceTxn(txn *memdb.Txn, svc *structs.Service, index uint64) (*structs.Events, error) {
	if svc.CreateIndex == 0 {
		svc.CreateIndex = index
	}
	svc.ModifyIndex = index
	svc.Revision++
	if err := txn.Insert(tableServices, svc); err != nil {
		return nil, err
	}
	key := svc.ServiceKey
	return &structs.Events{Index: index, Events: []structs.Event{{
		Topic: structs.TopicService,
		Type:  structs.TypeServiceChanged,
		Key:   key.ID(),
		Index: index,
		Payload: &structs.ServiceEventPayload{
			Service:  &key,
			Revision: svc.Revision,
		},
	}}}, nil
}

func (s *StateStore) countInstancesTxn(txn *memdb.Txn, key structs.ServiceKey) (int, error) {
	iter, err := txn.Get(tableInstances, "id_prefix", key.Namespace, key.Group, key.Name)
	if err != nil {
		return 0, err
	}
	n := 0
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		n++
	}
	return n, nil
}

// ServiceByKey returns the service row or nil.
func (s *StateStore) ServiceByKey(key structs.ServiceKey) (*structs.Service, error) {
	txn := s.snapshot()
	raw, err := txn.First(tableServices, "id", key.Namespace, key.Group, key.Name)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.Service), nil
}

// ServiceNames lists service names in a namespace/group ordered by name.
func (s *StateStore) ServiceNames(namespace, group string) ([]string, error) {
	txn := s.snapshot()
	var iter memdb.ResultIterator
	var err error
	if group != "" {
		iter, err = txn.Get(tableServices, "id_prefix", namespace, group)
	} else {
		iter, err = txn.Get(tableServices, "id_prefix", namespace)
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		svc := raw.(*structs.Service)
		if svc.TombstonedAt.IsZero() {
			names = append(names, svc.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ServiceInfo builds the wire snapshot for the key and cluster filter.
// Hosts are cluster-filtered but never health-filtered.
func (s *StateStore) ServiceInfo(key structs.ServiceKey, clusters string) (*structs.ServiceInfo, error) {
	txn := s.snapshot()

	var revision uint64
	if raw, err := txn.First(tableServices, "id", key.Namespace, key.Group, key.Name); err != nil {
		return nil, err
	} else if raw != nil {
		revision = raw.(*structs.Service).Revision
	}

	iter, err := txn.Get(tableInstances, "id_prefix", key.Namespace, key.Group, key.Name)
	if err != nil {
		return nil, err
	}
	filter := structs.FilterClusters(clusters)
	hosts := []*structs.Instance{}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		inst := raw.(*serviceInstance).Instance
		if filter != nil {
			if _, ok := filter[inst.ClusterName]; !ok {
				continue
			}
		}
		hosts = append(hosts, inst.Copy())
	}
	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].IP != hosts[j].IP {
			return hosts[i].IP < hosts[j].IP
		}
		return hosts[i].Port < hosts[j].Port
	})

	return &structs.ServiceInfo{
		Namespace:   key.Namespace,
		GroupName:   key.Group,
		Name:        key.Name,
		Clusters:    clusters,
		Hosts:       hosts,
		CacheMillis: ServiceInfoCacheMillis,
		LastRefTime: time.Now().UnixMilli(),
		Checksum:    fmt.Sprintf("%s#%d", key.GroupedName(), revision),
	}, nil
}

// CountServices returns the number of live services in a namespace, used
// by the namespace-delete guard.
func (s *StateStore) CountServices(namespace string) (int, error) {
	txn := s.snapshot()
	iter, err := txn.Get(tableServices, "id_prefix", namespace)
	if err != nil {
		return 0, err
	}
	n := 0
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if raw.(*structs.Service).TombstonedAt.IsZero() {
			n++
		}
	}
	return n, nil
}

// ReapTombstones removes services that have been empty past the grace
// period and have no remaining subscribers.
func (s *StateStore) ReapTombstones(grace time.Duration, hasSubscribers func(structs.ServiceKey) bool) (int, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	iter, err := txn.Get(tableServices, "id")
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-grace)
	var doomed []*structs.Service
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		svc := raw.(*structs.Service)
		if svc.TombstonedAt.IsZero() || svc.TombstonedAt.After(cutoff) {
			continue
		}
		if hasSubscribers != nil && hasSubscribers(svc.ServiceKey) {
			continue
		}
		doomed = append(doomed, svc)
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	index, err := s.nextIndex(txn, tableServices)
	if err != nil {
		return 0, err
	}
	var events []structs.Event
	for _, svc := range doomed {
		if err := txn.Delete(tableServices, svc); err != nil {
			return 0, err
		}
		key := svc.ServiceKey
		events = append(events, structs.Event{
			Topic:   structs.TopicService,
			Type:    structs.TypeServiceRemoved,
			Key:     key.ID(),
			Index:   index,
			Payload: &structs.ServiceEventPayload{Service: &key},
		})
	}
	txn.Commit()
	s.publishEvents(&structs.Events{Index: index, Events: events})
	return len(doomed), nil
}

// restoreInstances loads persistent instances from the KV backend.
func (s *StateStore) restoreInstances(ctx context.Context) error {
	items, err := s.durable.List(ctx, kv.RegistryPrefix)
	if err != nil {
		return err
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	for _, item := range items {
		parts := strings.Split(strings.TrimPrefix(item.Key, kv.RegistryPrefix), "/")
		if len(parts) != 5 {
			s.logger.Warn("skipping malformed registry key", "key", item.Key)
			continue
		}
		key := structs.ServiceKey{Namespace: parts[0], Group: parts[1], Name: parts[2]}
		var inst structs.Instance
		if err := structs.Decode(item.Value, &inst); err != nil {
			return fmt.Errorf("failed to decode instance %q: %w", item.Key, err)
		}
		svc, err := s.ensureServiceTxn(txn, key, inst.ClusterName)
		if err != nil {
			return err
		}
		if err := txn.Insert(tableServices, svc); err != nil {
			return err
		}
		if err := txn.Insert(tableInstances, newServiceInstance(key, &inst)); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}
