// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/hashicorp/beacon/beacon/structs"
)

// serviceKey reads the common naming triple from the request.
func (s *HTTPServer) serviceKey(req *http.Request) structs.ServiceKey {
	key := structs.ServiceKey{
		Namespace: req.FormValue("namespaceId"),
		Group:     req.FormValue("groupName"),
		Name:      req.FormValue("serviceName"),
	}
	key.Canonicalize()
	return key
}

// instanceFromForm builds an instance from the form parameters. HTTP
// registrations default to persistent; ephemeral instances belong to RPC
// sessions.
func instanceFromForm(req *http.Request) (*structs.Instance, error) {
	port, err := strconv.Atoi(req.FormValue("port"))
	if err != nil {
		return nil, structs.NewInvalidArgumentError("invalid port %q", req.FormValue("port"))
	}
	inst := &structs.Instance{
		IP:          req.FormValue("ip"),
		Port:        port,
		ClusterName: req.FormValue("clusterName"),
		Weight:      1,
		Healthy:     true,
		Enabled:     true,
	}
	if raw := req.FormValue("weight"); raw != "" {
		w, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, structs.NewInvalidArgumentError("invalid weight %q", raw)
		}
		inst.Weight = w
	}
	for field, dst := range map[string]*bool{
		"healthy":   &inst.Healthy,
		"enabled":   &inst.Enabled,
		"ephemeral": &inst.Ephemeral,
	} {
		if raw := req.FormValue(field); raw != "" {
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, structs.NewInvalidArgumentError("invalid %s %q", field, raw)
			}
			*dst = b
		}
	}
	if raw := req.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &inst.Metadata); err != nil {
			return nil, structs.NewInvalidArgumentError("invalid metadata: %v", err)
		}
	}
	return inst, nil
}

func (s *HTTPServer) InstanceRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodPost, http.MethodPut:
		inst, err := instanceFromForm(req)
		if err != nil {
			return nil, err
		}
		args := structs.InstanceRegisterRequest{
			Service:      s.serviceKey(req),
			Instance:     inst,
			WriteRequest: structs.WriteRequest{AuthToken: s.token(req)},
		}
		var out structs.GenericResponse
		if err := s.agent.server.RPC("Naming.Register", &args, &out); err != nil {
			return nil, err
		}
		return "ok", nil

	case http.MethodDelete:
		port, err := strconv.Atoi(req.FormValue("port"))
		if err != nil {
			return nil, structs.NewInvalidArgumentError("invalid port %q", req.FormValue("port"))
		}
		args := structs.InstanceDeregisterRequest{
			Service:      s.serviceKey(req),
			IP:           req.FormValue("ip"),
			Port:         port,
			ClusterName:  req.FormValue("clusterName"),
			WriteRequest: structs.WriteRequest{AuthToken: s.token(req)},
		}
		var out structs.GenericResponse
		if err := s.agent.server.RPC("Naming.Deregister", &args, &out); err != nil {
			return nil, err
		}
		return "ok", nil

	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

// hostData is the instance wire shape.
type hostData struct {
	InstanceID  string            `json:"instanceId"`
	IP          string            `json:"ip"`
	Port        int               `json:"port"`
	Weight      float64           `json:"weight"`
	Healthy     bool              `json:"healthy"`
	Enabled     bool              `json:"enabled"`
	Ephemeral   bool              `json:"ephemeral"`
	ClusterName string            `json:"clusterName"`
	Metadata    map[string]string `json:"metadata"`
}

// serviceInfoData is the pushed/queried snapshot wire shape.
type serviceInfoData struct {
	Name        string      `json:"name"`
	GroupName   string      `json:"groupName"`
	Clusters    string      `json:"clusters"`
	CacheMillis int64       `json:"cacheMillis"`
	Hosts       []*hostData `json:"hosts"`
	LastRefTime int64       `json:"lastRefTime"`
	Checksum    string      `json:"checksum"`
}

func serviceInfoDataFrom(info *structs.ServiceInfo) *serviceInfoData {
	data := &serviceInfoData{
		Name:        info.Name,
		GroupName:   info.GroupName,
		Clusters:    info.Clusters,
		CacheMillis: info.CacheMillis,
		Hosts:       make([]*hostData, 0, len(info.Hosts)),
		LastRefTime: info.LastRefTime,
		Checksum:    info.Checksum,
	}
	for _, h := range info.Hosts {
		data.Hosts = append(data.Hosts, &hostData{
			InstanceID:  h.InstanceID,
			IP:          h.IP,
			Port:        h.Port,
			Weight:      h.Weight,
			Healthy:     h.Healthy,
			Enabled:     h.Enabled,
			Ephemeral:   h.Ephemeral,
			ClusterName: h.ClusterName,
			Metadata:    h.Metadata,
		})
	}
	return data
}

func (s *HTTPServer) InstanceListRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	healthyOnly := false
	if raw := req.FormValue("healthyOnly"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, structs.NewInvalidArgumentError("invalid healthyOnly %q", raw)
		}
		healthyOnly = b
	}
	args := structs.ServiceQueryRequest{
		Service:      s.serviceKey(req),
		Clusters:     req.FormValue("clusters"),
		HealthyOnly:  healthyOnly,
		QueryOptions: structs.QueryOptions{AuthToken: s.token(req)},
	}
	var out structs.ServiceQueryResponse
	if err := s.agent.server.RPC("Naming.Query", &args, &out); err != nil {
		return nil, err
	}
	return serviceInfoDataFrom(out.ServiceInfo), nil
}

// ServiceRequest returns one service's snapshot; the console uses it for
// the service detail page.
func (s *HTTPServer) ServiceRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	args := structs.ServiceQueryRequest{
		Service:      s.serviceKey(req),
		QueryOptions: structs.QueryOptions{AuthToken: s.token(req)},
	}
	var out structs.ServiceQueryResponse
	if err := s.agent.server.RPC("Naming.Query", &args, &out); err != nil {
		return nil, err
	}
	return serviceInfoDataFrom(out.ServiceInfo), nil
}

func (s *HTTPServer) ServiceListRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	page, err := parsePage(req)
	if err != nil {
		return nil, err
	}
	args := structs.ServiceListRequest{
		Namespace:    req.FormValue("namespaceId"),
		Group:        req.FormValue("groupName"),
		PageRequest:  page,
		QueryOptions: structs.QueryOptions{AuthToken: s.token(req)},
	}
	var out structs.ServiceListResponse
	if err := s.agent.server.RPC("Naming.List", &args, &out); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"count":    out.Count,
		"services": out.Services,
	}, nil
}

func (s *HTTPServer) HealthInstanceRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPut {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	port, err := strconv.Atoi(req.FormValue("port"))
	if err != nil {
		return nil, structs.NewInvalidArgumentError("invalid port %q", req.FormValue("port"))
	}
	healthy, err := strconv.ParseBool(req.FormValue("healthy"))
	if err != nil {
		return nil, structs.NewInvalidArgumentError("invalid healthy %q", req.FormValue("healthy"))
	}
	args := structs.InstanceUpdateHealthRequest{
		Service:      s.serviceKey(req),
		IP:           req.FormValue("ip"),
		Port:         port,
		ClusterName:  req.FormValue("clusterName"),
		Healthy:      healthy,
		WriteRequest: structs.WriteRequest{AuthToken: s.token(req)},
	}
	var out structs.GenericResponse
	if err := s.agent.server.RPC("Naming.UpdateHealth", &args, &out); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (s *HTTPServer) OperatorMetricsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	server := s.agent.server
	stats, err := server.Stats()
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// OperatorSwitchesRequest reports the runtime switches. This server has no
// toggleable distro behavior, so the set is small and read-only.
func (s *HTTPServer) OperatorSwitchesRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	return map[string]interface{}{
		"healthCheckEnabled":     true,
		"pushEnabled":            true,
		"defaultPushCacheMillis": 10000,
	}, nil
}

// ClientListRequest names the connected client sessions.
func (s *HTTPServer) ClientListRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	args := structs.ClientListRequest{
		QueryOptions: structs.QueryOptions{AuthToken: s.token(req)},
	}
	var out structs.ClientListResponse
	if err := s.agent.server.RPC("Naming.ClientList", &args, &out); err != nil {
		return nil, err
	}
	return out.ClientIDs, nil
}

// ClientRequest returns one client session's detail.
func (s *HTTPServer) ClientRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	args := structs.ClientGetRequest{
		ClientID:     req.FormValue("clientId"),
		QueryOptions: structs.QueryOptions{AuthToken: s.token(req)},
	}
	var out structs.ClientGetResponse
	if err := s.agent.server.RPC("Naming.ClientGet", &args, &out); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"clientId":    out.Client.ClientID,
		"clientIp":    out.Client.ClientIP,
		"createdTime": out.Client.CreatedTime,
		"ephemeral":   true,
	}, nil
}

// ClientPublishListRequest lists the instances a client registered.
func (s *HTTPServer) ClientPublishListRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	args := structs.ClientGetRequest{
		ClientID:     req.FormValue("clientId"),
		QueryOptions: structs.QueryOptions{AuthToken: s.token(req)},
	}
	var out structs.ClientPublishedResponse
	if err := s.agent.server.RPC("Naming.ClientPublished", &args, &out); err != nil {
		return nil, err
	}
	items := make([]map[string]interface{}, 0, len(out.Instances))
	for _, si := range out.Instances {
		items = append(items, map[string]interface{}{
			"namespace":   si.Service.Namespace,
			"groupName":   si.Service.Group,
			"serviceName": si.Service.Name,
			"registeredInstance": map[string]interface{}{
				"ip":          si.Instance.IP,
				"port":        si.Instance.Port,
				"clusterName": si.Instance.ClusterName,
			},
		})
	}
	return items, nil
}

// ClientSubscribeListRequest lists the services a client watches.
func (s *HTTPServer) ClientSubscribeListRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	args := structs.ClientGetRequest{
		ClientID:     req.FormValue("clientId"),
		QueryOptions: structs.QueryOptions{AuthToken: s.token(req)},
	}
	var out structs.ClientSubscriptionsResponse
	if err := s.agent.server.RPC("Naming.ClientSubscriptions", &args, &out); err != nil {
		return nil, err
	}
	items := make([]map[string]interface{}, 0, len(out.Subscriptions))
	for _, sub := range out.Subscriptions {
		items = append(items, map[string]interface{}{
			"namespace":   sub.Service.Namespace,
			"groupName":   sub.Service.Group,
			"serviceName": sub.Service.Name,
			"clusters":    sub.Clusters,
		})
	}
	return items, nil
}
