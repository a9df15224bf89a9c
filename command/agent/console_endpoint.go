// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"time"
)

// clusterNode describes this server in the console cluster views. There
// is no inter-node replication, so the cluster is always a single node.
type clusterNode struct {
	Address string `json:"address"`
	State   string `json:"state"`
	Version string `json:"version"`
}

func (s *HTTPServer) clusterSelf() *clusterNode {
	return &clusterNode{
		Address: s.Addr,
		State:   "UP",
		Version: s.agent.config.Version,
	}
}

func (s *HTTPServer) ClusterSelfRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	return s.clusterSelf(), nil
}

func (s *HTTPServer) ClusterListRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	return []*clusterNode{s.clusterSelf()}, nil
}

func (s *HTTPServer) ClusterHealthRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	return "UP", nil
}

// HealthLivenessRequest reports process liveness.
func (s *HTTPServer) HealthLivenessRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	return "ok", nil
}

// HealthReadinessRequest reports readiness: the state store must answer.
func (s *HTTPServer) HealthReadinessRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	if _, err := s.agent.server.State().LatestIndex(); err != nil {
		return nil, err
	}
	return "ok", nil
}

// ServerStateRequest is the console bootstrap probe: feature flags and
// version, readable without authentication.
func (s *HTTPServer) ServerStateRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	return map[string]interface{}{
		"version":         s.agent.config.Version,
		"standalone_mode": "standalone",
		"function_mode":   "All",
		"auth_enabled":    s.agent.config.AuthEnabled,
		"startup_mode":    "standalone",
		"server_port":     s.Addr,
		"uptime_ms":       time.Since(s.agent.startTime).Milliseconds(),
	}, nil
}
