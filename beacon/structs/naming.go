// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"maps"
	"net"
	"sort"
	"strings"
	"time"
)

// ServiceKey identifies a service. Group defaults to DEFAULT_GROUP and
// Namespace to public; Canonicalize applies the defaults.
type ServiceKey struct {
	Namespace string
	Group     string
	Name      string
}

func (k *ServiceKey) Canonicalize() {
	if k.Namespace == "" {
		k.Namespace = DefaultNamespace
	}
	if k.Group == "" {
		k.Group = DefaultGroup
	}
}

func (k ServiceKey) Validate() error {
	if k.Name == "" {
		return NewInvalidArgumentError("missing service name")
	}
	if strings.ContainsAny(k.Name, "@# ") {
		return NewInvalidArgumentError("service name %q contains reserved characters", k.Name)
	}
	return nil
}

// ID is the state store primary key for the service.
func (k ServiceKey) ID() string {
	return k.Namespace + "/" + k.Group + "/" + k.Name
}

func (k ServiceKey) String() string {
	return k.Namespace + "@@" + k.Group + "@@" + k.Name
}

// GroupedName is the group@@name form used on the wire.
func (k ServiceKey) GroupedName() string {
	return k.Group + "@@" + k.Name
}

// Service is the registry record for a named service. Instances live in
// their own table; the service row carries cluster policy metadata and the
// tombstone bookkeeping used to absorb register/deregister flap.
type Service struct {
	ServiceKey

	// Clusters maps cluster name to its health-check policy metadata.
	Clusters map[string]*Cluster

	// ProtectThreshold is the healthy-ratio floor pushed to clients.
	ProtectThreshold float64

	Metadata map[string]string

	// Revision increments on every effective mutation of the service's
	// instance set and is carried on pushed snapshots.
	Revision uint64

	// TombstonedAt is non-zero while the service is empty and awaiting
	// reap. Any registration clears it.
	TombstonedAt time.Time

	CreateIndex uint64
	ModifyIndex uint64
}

func (s *Service) Copy() *Service {
	if s == nil {
		return nil
	}
	ns := *s
	ns.Clusters = make(map[string]*Cluster, len(s.Clusters))
	for name, c := range s.Clusters {
		cc := *c
		ns.Clusters[name] = &cc
	}
	ns.Metadata = maps.Clone(s.Metadata)
	return &ns
}

// Cluster holds per-cluster health check policy.
type Cluster struct {
	Name string

	// HealthChecker names the probe driving health of persistent
	// instances in this cluster (TCP, HTTP, NONE).
	HealthChecker string

	CheckPort int

	Metadata map[string]string
}

// Instance is a single host:port of a service. (IP, Port, ClusterName) is
// unique within the service.
type Instance struct {
	InstanceID  string
	IP          string
	Port        int
	ClusterName string
	Weight      float64
	Healthy     bool
	Enabled     bool
	Ephemeral   bool
	Metadata    map[string]string

	// SessionID links an ephemeral instance to its owning session. Empty
	// for persistent instances.
	SessionID string

	CreateIndex uint64
	ModifyIndex uint64
}

// Canonicalize applies defaults prior to validation.
func (i *Instance) Canonicalize() {
	if i.ClusterName == "" {
		i.ClusterName = DefaultCluster
	}
	if i.Metadata == nil {
		i.Metadata = map[string]string{}
	}
}

func (i *Instance) Validate() error {
	if net.ParseIP(i.IP) == nil {
		return NewInvalidArgumentError("instance ip %q is not an address", i.IP)
	}
	if i.Port <= 0 || i.Port > 65535 {
		return NewInvalidArgumentError("instance port %d out of range", i.Port)
	}
	if i.Weight < 0 {
		return NewInvalidArgumentError("instance weight %v is negative", i.Weight)
	}
	return nil
}

// HostPortKey identifies the instance within its service.
func (i *Instance) HostPortKey() string {
	return fmt.Sprintf("%s#%d#%s", i.IP, i.Port, i.ClusterName)
}

// Equal compares the client-settable fields. Registration of an Equal
// instance is a no-op and must not emit a change event.
func (i *Instance) Equal(o *Instance) bool {
	if i == nil || o == nil {
		return i == o
	}
	return i.IP == o.IP &&
		i.Port == o.Port &&
		i.ClusterName == o.ClusterName &&
		i.Weight == o.Weight &&
		i.Healthy == o.Healthy &&
		i.Enabled == o.Enabled &&
		i.Ephemeral == o.Ephemeral &&
		maps.Equal(i.Metadata, o.Metadata)
}

func (i *Instance) Copy() *Instance {
	if i == nil {
		return nil
	}
	ni := *i
	ni.Metadata = maps.Clone(i.Metadata)
	return &ni
}

// ServiceInfo is the wire-level push unit: the snapshot of a service's
// instances for a given cluster filter. Hosts are not health-filtered;
// clients choose healthy-only at call time.
type ServiceInfo struct {
	Namespace   string
	GroupName   string
	Name        string
	Clusters    string
	Hosts       []*Instance
	CacheMillis int64
	LastRefTime int64
	Checksum    string
}

// HostsFingerprint hashes the snapshot's host set over every
// client-settable field. Two snapshots with equal fingerprints present
// the same view to a subscriber, so a push may be suppressed.
func (si *ServiceInfo) HostsFingerprint() string {
	h := md5.New()
	for _, inst := range si.Hosts {
		fmt.Fprintf(h, "%s#%v#%v#%v#%v#", inst.HostPortKey(),
			inst.Weight, inst.Healthy, inst.Enabled, inst.Ephemeral)
		keys := make([]string, 0, len(inst.Metadata))
		for k := range inst.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "%s=%s,", k, inst.Metadata[k])
		}
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FilterClusters returns the comma-split cluster filter as a set, or nil
// for "all clusters".
func FilterClusters(clusters string) map[string]struct{} {
	if clusters == "" {
		return nil
	}
	set := make(map[string]struct{})
	for _, c := range strings.Split(clusters, ",") {
		if c = strings.TrimSpace(c); c != "" {
			set[c] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

// InstanceRegisterRequest registers or updates one instance.
type InstanceRegisterRequest struct {
	Service  ServiceKey
	Instance *Instance

	// SessionID is required when the instance is ephemeral.
	SessionID string

	WriteRequest
}

type InstanceDeregisterRequest struct {
	Service     ServiceKey
	IP          string
	Port        int
	ClusterName string
	SessionID   string

	WriteRequest
}

type InstanceBatchRegisterRequest struct {
	Service   ServiceKey
	Instances []*Instance
	SessionID string

	WriteRequest
}

// InstanceUpdateHealthRequest is the admin health override for
// non-ephemeral instances.
type InstanceUpdateHealthRequest struct {
	Service     ServiceKey
	IP          string
	Port        int
	ClusterName string
	Healthy     bool

	WriteRequest
}

type ServiceQueryRequest struct {
	Service     ServiceKey
	Clusters    string
	HealthyOnly bool

	QueryOptions
}

type ServiceQueryResponse struct {
	ServiceInfo *ServiceInfo

	QueryMeta
}

type ServiceListRequest struct {
	Namespace string
	Group     string

	PageRequest
	QueryOptions
}

type ServiceListResponse struct {
	Count    int
	Services []string

	QueryMeta
}

type ServiceSubscribeRequest struct {
	Service   ServiceKey
	Clusters  string
	SessionID string

	// Subscribe false means unsubscribe.
	Subscribe bool

	WriteRequest
}

type ServiceSubscribeResponse struct {
	ServiceInfo *ServiceInfo

	WriteMeta
}

// ClientInfo is the console view of one connected client session.
type ClientInfo struct {
	ClientID    string
	ClientIP    string
	CreatedTime int64
}

// SessionInstance pairs an ephemeral instance with the service it was
// registered under, for the per-client console views.
type SessionInstance struct {
	Service  ServiceKey
	Instance *Instance
}

// ServiceSubscription is one (service, cluster filter) a session watches.
type ServiceSubscription struct {
	Service  ServiceKey
	Clusters string
}

type ClientListRequest struct {
	QueryOptions
}

type ClientListResponse struct {
	ClientIDs []string

	QueryMeta
}

// ClientGetRequest addresses one client session by its id; shared by the
// detail, published-instance, and subscription views.
type ClientGetRequest struct {
	ClientID string

	QueryOptions
}

type ClientGetResponse struct {
	Client *ClientInfo

	QueryMeta
}

type ClientPublishedResponse struct {
	Instances []*SessionInstance

	QueryMeta
}

type ClientSubscriptionsResponse struct {
	Subscriptions []*ServiceSubscription

	QueryMeta
}
