// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package beacon

import (
	"fmt"
	"sort"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/beacon/beacon/sessions"
	"github.com/hashicorp/beacon/beacon/structs"
)

// NamingEndpoint is the service registry RPC surface.
type NamingEndpoint struct {
	srv *Server
	ctx *RPCContext
}

// Register upserts one instance. Registering an identical instance is a
// no-op and does not disturb subscribers.
func (e *NamingEndpoint) Register(args *structs.InstanceRegisterRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "naming", "register"}, time.Now())

	args.Service.Canonicalize()
	if err := args.Service.Validate(); err != nil {
		return err
	}
	if args.Instance == nil {
		return structs.NewInvalidArgumentError("missing instance")
	}
	args.Instance.Canonicalize()
	if err := args.Instance.Validate(); err != nil {
		return err
	}

	_, aclObj, err := e.srv.requestACL(e.ctx, args.AuthToken)
	if err != nil {
		return err
	}
	if !aclObj.AllowWrite(args.Service.Namespace, args.Service.Group, args.Service.Name) {
		return structs.ErrPermissionDenied
	}

	if args.Instance.Ephemeral {
		sessionID, err := e.srv.sessionFor(e.ctx, args.SessionID)
		if err != nil {
			return err
		}
		args.Instance.SessionID = sessionID
	} else {
		args.Instance.SessionID = ""
	}

	if _, err := e.srv.state.UpsertInstance(e.srv.shutdownCtx, args.Service, args.Instance); err != nil {
		return err
	}
	index, err := e.srv.state.LatestIndex()
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// BatchRegister replaces the session's instances of one service
// atomically.
func (e *NamingEndpoint) BatchRegister(args *structs.InstanceBatchRegisterRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "naming", "batch_register"}, time.Now())

	args.Service.Canonicalize()
	if err := args.Service.Validate(); err != nil {
		return err
	}
	if len(args.Instances) == 0 {
		return structs.NewInvalidArgumentError("missing instances")
	}

	_, aclObj, err := e.srv.requestACL(e.ctx, args.AuthToken)
	if err != nil {
		return err
	}
	if !aclObj.AllowWrite(args.Service.Namespace, args.Service.Group, args.Service.Name) {
		return structs.ErrPermissionDenied
	}

	sessionID, err := e.srv.sessionFor(e.ctx, args.SessionID)
	if err != nil {
		return err
	}
	for _, inst := range args.Instances {
		inst.Canonicalize()
		if err := inst.Validate(); err != nil {
			return err
		}
		if !inst.Ephemeral {
			return structs.NewInvalidArgumentError("batch registration is ephemeral-only")
		}
		inst.SessionID = sessionID
	}

	if _, err := e.srv.state.UpsertInstances(e.srv.shutdownCtx, args.Service, sessionID, args.Instances); err != nil {
		return err
	}
	index, err := e.srv.state.LatestIndex()
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// Deregister removes one instance. Removing an absent instance succeeds.
func (e *NamingEndpoint) Deregister(args *structs.InstanceDeregisterRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "naming", "deregister"}, time.Now())

	args.Service.Canonicalize()
	if err := args.Service.Validate(); err != nil {
		return err
	}
	if args.ClusterName == "" {
		args.ClusterName = structs.DefaultCluster
	}

	_, aclObj, err := e.srv.requestACL(e.ctx, args.AuthToken)
	if err != nil {
		return err
	}
	if !aclObj.AllowWrite(args.Service.Namespace, args.Service.Group, args.Service.Name) {
		return structs.ErrPermissionDenied
	}

	if _, err := e.srv.state.DeleteInstance(e.srv.shutdownCtx, args.Service, args.IP, args.Port, args.ClusterName); err != nil {
		return err
	}
	index, err := e.srv.state.LatestIndex()
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// UpdateHealth is the admin health override for persistent instances.
func (e *NamingEndpoint) UpdateHealth(args *structs.InstanceUpdateHealthRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "naming", "update_health"}, time.Now())

	args.Service.Canonicalize()
	if err := args.Service.Validate(); err != nil {
		return err
	}
	if args.ClusterName == "" {
		args.ClusterName = structs.DefaultCluster
	}

	_, aclObj, err := e.srv.requestACL(e.ctx, args.AuthToken)
	if err != nil {
		return err
	}
	if !aclObj.AllowWrite(args.Service.Namespace, args.Service.Group, args.Service.Name) {
		return structs.ErrPermissionDenied
	}

	if err := e.srv.state.UpdateInstanceHealth(e.srv.shutdownCtx, args.Service, args.IP, args.Port, args.ClusterName, args.Healthy); err != nil {
		return err
	}
	index, err := e.srv.state.LatestIndex()
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// Query returns the instance snapshot for a service.
func (e *NamingEndpoint) Query(args *structs.ServiceQueryRequest, reply *structs.ServiceQueryResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "naming", "query"}, time.Now())

	args.Service.Canonicalize()
	if err := args.Service.Validate(); err != nil {
		return err
	}

	_, aclObj, err := e.srv.requestACL(e.ctx, args.AuthToken)
	if err != nil {
		return err
	}
	if !aclObj.AllowRead(args.Service.Namespace, args.Service.Group, args.Service.Name) {
		return structs.ErrPermissionDenied
	}

	info, err := e.srv.state.ServiceInfo(args.Service, args.Clusters)
	if err != nil {
		return err
	}
	if args.HealthyOnly {
		healthy := info.Hosts[:0]
		for _, h := range info.Hosts {
			if h.Healthy {
				healthy = append(healthy, h)
			}
		}
		info.Hosts = healthy
	}
	reply.ServiceInfo = info

	index, err := e.srv.state.LatestIndex()
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// List pages through service names in a namespace and group.
func (e *NamingEndpoint) List(args *structs.ServiceListRequest, reply *structs.ServiceListResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "naming", "list"}, time.Now())

	if args.Namespace == "" {
		args.Namespace = structs.DefaultNamespace
	}

	_, aclObj, err := e.srv.requestACL(e.ctx, args.AuthToken)
	if err != nil {
		return err
	}
	if !aclObj.AllowNamespace(args.Namespace) {
		return structs.ErrPermissionDenied
	}

	names, err := e.srv.state.ServiceNames(args.Namespace, args.Group)
	if err != nil {
		return err
	}
	reply.Count = len(names)
	offset, limit := args.Bounds(len(names))
	reply.Services = names[offset : offset+limit]

	index, err := e.srv.state.LatestIndex()
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// Subscribe registers or removes a push subscription for the connection's
// session and returns the current snapshot on subscribe.
func (e *NamingEndpoint) Subscribe(args *structs.ServiceSubscribeRequest, reply *structs.ServiceSubscribeResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "naming", "subscribe"}, time.Now())

	args.Service.Canonicalize()
	if err := args.Service.Validate(); err != nil {
		return err
	}

	_, aclObj, err := e.srv.requestACL(e.ctx, args.AuthToken)
	if err != nil {
		return err
	}
	if !aclObj.AllowRead(args.Service.Namespace, args.Service.Group, args.Service.Name) {
		return structs.ErrPermissionDenied
	}

	sessionID, err := e.srv.sessionFor(e.ctx, args.SessionID)
	if err != nil {
		return err
	}

	if !args.Subscribe {
		e.srv.subs.Unsubscribe(sessionID, args.Service)
		return nil
	}

	info, err := e.srv.subs.Subscribe(sessionID, args.Service, args.Clusters)
	if err != nil {
		return err
	}
	reply.ServiceInfo = info

	index, err := e.srv.state.LatestIndex()
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// requireManagement gates the per-client console views.
func (e *NamingEndpoint) requireManagement(token string) error {
	_, aclObj, err := e.srv.requestACL(e.ctx, token)
	if err != nil {
		return err
	}
	if !aclObj.IsManagement() {
		return structs.ErrPermissionDenied
	}
	return nil
}

// clientSession resolves a console clientId to its live session.
func (e *NamingEndpoint) clientSession(clientID string) (*sessions.Session, error) {
	if clientID == "" {
		return nil, structs.NewInvalidArgumentError("missing clientId")
	}
	sess, err := e.srv.sessions.Get(clientID)
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", clientID, structs.ErrNotFound)
	}
	return sess, nil
}

// ClientList names every connected client session.
func (e *NamingEndpoint) ClientList(args *structs.ClientListRequest, reply *structs.ClientListResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "naming", "client_list"}, time.Now())

	if err := e.requireManagement(args.AuthToken); err != nil {
		return err
	}

	ids := []string{}
	for _, sess := range e.srv.sessions.List() {
		ids = append(ids, sess.ID)
	}
	sort.Strings(ids)
	reply.ClientIDs = ids

	index, err := e.srv.state.LatestIndex()
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// ClientGet returns one client session's detail.
func (e *NamingEndpoint) ClientGet(args *structs.ClientGetRequest, reply *structs.ClientGetResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "naming", "client_get"}, time.Now())

	if err := e.requireManagement(args.AuthToken); err != nil {
		return err
	}
	sess, err := e.clientSession(args.ClientID)
	if err != nil {
		return err
	}
	reply.Client = &structs.ClientInfo{
		ClientID:    sess.ID,
		ClientIP:    sess.ClientIP,
		CreatedTime: sess.CreatedAt.UnixMilli(),
	}

	index, err := e.srv.state.LatestIndex()
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// ClientPublished lists the ephemeral instances a client session owns.
func (e *NamingEndpoint) ClientPublished(args *structs.ClientGetRequest, reply *structs.ClientPublishedResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "naming", "client_published"}, time.Now())

	if err := e.requireManagement(args.AuthToken); err != nil {
		return err
	}
	sess, err := e.clientSession(args.ClientID)
	if err != nil {
		return err
	}

	instances, err := e.srv.state.SessionInstances(sess.ID)
	if err != nil {
		return err
	}
	reply.Instances = instances

	index, err := e.srv.state.LatestIndex()
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// ClientSubscriptions lists the services a client session watches.
func (e *NamingEndpoint) ClientSubscriptions(args *structs.ClientGetRequest, reply *structs.ClientSubscriptionsResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "naming", "client_subscriptions"}, time.Now())

	if err := e.requireManagement(args.AuthToken); err != nil {
		return err
	}
	sess, err := e.clientSession(args.ClientID)
	if err != nil {
		return err
	}
	reply.Subscriptions = e.srv.subs.Subscriptions(sess.ID)

	index, err := e.srv.state.LatestIndex()
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}
