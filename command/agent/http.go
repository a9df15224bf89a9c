// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-connlimit"
	log "github.com/hashicorp/go-hclog"
	"github.com/rs/cors"

	"github.com/hashicorp/beacon/beacon/structs"
)

const (
	// ErrInvalidMethod is used if the HTTP method is not supported.
	ErrInvalidMethod = "Invalid method"
)

// allowCORS sets permissive CORS headers for read handlers consumed by
// browser consoles.
var allowCORS = cors.New(cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{"HEAD", "GET"},
	AllowedHeaders: []string{"*"},
})

// HTTPServer wraps an Agent and exposes it over HTTP.
type HTTPServer struct {
	agent      *Agent
	mux        *http.ServeMux
	listener   net.Listener
	listenerCh chan struct{}
	logger     log.Logger
	Addr       string
}

// NewHTTPServer starts the HTTP server over the agent.
func NewHTTPServer(agent *Agent, config *Config) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", config.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to start HTTP listener: %w", err)
	}

	srv := &HTTPServer{
		agent:      agent,
		mux:        http.NewServeMux(),
		listener:   ln,
		listenerCh: make(chan struct{}),
		logger:     agent.logger.Named("http"),
		Addr:       ln.Addr().String(),
	}
	srv.registerHandlers(config.EnableDebug)

	httpServer := &http.Server{
		Addr:    srv.Addr,
		Handler: srv.mux,
		ErrorLog: agent.logger.Named("http").StandardLogger(&log.StandardLoggerOptions{
			InferLevels: true,
		}),
	}
	if config.HTTPMaxConnsPerClient > 0 {
		limiter := connlimit.NewLimiter(connlimit.Config{
			MaxConnsPerClientIP: config.HTTPMaxConnsPerClient,
		})
		httpServer.ConnState = limiter.HTTPConnStateFunc()
	}

	go func() {
		defer close(srv.listenerCh)
		httpServer.Serve(ln)
	}()

	return srv, nil
}

// Shutdown closes the listener and waits for the serve loop to return.
func (s *HTTPServer) Shutdown() {
	if s == nil {
		return
	}
	s.logger.Debug("shutting down http server")
	s.listener.Close()
	<-s.listenerCh
}

func (s *HTTPServer) registerHandlers(enableDebug bool) {
	s.mux.HandleFunc("/nacos/v1/auth/login", s.wrap(s.LoginRequest))
	s.mux.HandleFunc("/nacos/v3/auth/user/login", s.wrap(s.LoginRequest))

	s.mux.HandleFunc("/nacos/v3/auth/user", s.wrap(s.UserRequest))
	s.mux.HandleFunc("/nacos/v3/auth/user/search", s.wrap(s.UserSearchRequest))
	s.mux.HandleFunc("/nacos/v3/auth/user/searchPage", s.wrap(s.UserSearchRequest))
	s.mux.HandleFunc("/nacos/v3/auth/role", s.wrap(s.RoleRequest))
	s.mux.HandleFunc("/nacos/v3/auth/role/search", s.wrap(s.RoleSearchRequest))
	s.mux.HandleFunc("/nacos/v3/auth/role/searchPage", s.wrap(s.RoleSearchRequest))
	s.mux.HandleFunc("/nacos/v3/auth/permission", s.wrap(s.PermissionRequest))

	s.mux.HandleFunc("/nacos/v2/console/namespace", s.wrap(s.NamespaceRequest))
	s.mux.HandleFunc("/nacos/v2/console/namespace/list", s.wrap(s.NamespaceListRequest))

	s.mux.HandleFunc("/nacos/v1/cs/configs", s.wrap(s.ConfigRequest))
	s.mux.HandleFunc("/nacos/v1/cs/configs/listener", s.wrap(s.ConfigListenerRequest))
	s.mux.HandleFunc("/nacos/v2/cs/config", s.wrap(s.ConfigRequest))
	s.mux.HandleFunc("/nacos/v2/cs/config/beta", s.wrap(s.ConfigBetaRequest))
	s.mux.HandleFunc("/nacos/v2/cs/config/aggr", s.wrap(s.ConfigAggrRequest))
	s.mux.HandleFunc("/nacos/v2/cs/config/history/list", s.wrap(s.ConfigHistoryListRequest))
	s.mux.HandleFunc("/nacos/v2/cs/config/history", s.wrap(s.ConfigHistoryRequest))
	s.mux.HandleFunc("/nacos/v2/cs/config/history/previous", s.wrap(s.ConfigHistoryPreviousRequest))
	s.mux.HandleFunc("/nacos/v2/cs/config/export", s.ConfigExportRequest)
	s.mux.HandleFunc("/nacos/v2/cs/config/import", s.wrap(s.ConfigImportRequest))
	s.mux.HandleFunc("/nacos/v3/console/cs/config", s.wrap(s.ConfigRequest))
	s.mux.HandleFunc("/nacos/v3/console/cs/config/beta", s.wrap(s.ConfigBetaRequest))

	s.mux.HandleFunc("/nacos/v2/ns/instance", s.wrap(s.InstanceRequest))
	s.mux.Handle("/nacos/v2/ns/instance/list", wrapCORS(s.wrap(s.InstanceListRequest)))
	s.mux.Handle("/nacos/v2/ns/service", wrapCORS(s.wrap(s.ServiceRequest)))
	s.mux.Handle("/nacos/v2/ns/service/list", wrapCORS(s.wrap(s.ServiceListRequest)))
	s.mux.HandleFunc("/nacos/v2/ns/health/instance", s.wrap(s.HealthInstanceRequest))
	s.mux.HandleFunc("/nacos/v2/ns/operator/metrics", s.wrap(s.OperatorMetricsRequest))
	s.mux.HandleFunc("/nacos/v2/ns/operator/switches", s.wrap(s.OperatorSwitchesRequest))
	s.mux.HandleFunc("/nacos/v2/ns/client", s.wrap(s.ClientRequest))
	s.mux.HandleFunc("/nacos/v2/ns/client/list", s.wrap(s.ClientListRequest))
	s.mux.HandleFunc("/nacos/v2/ns/client/publish/list", s.wrap(s.ClientPublishListRequest))
	s.mux.HandleFunc("/nacos/v2/ns/client/subscribe/list", s.wrap(s.ClientSubscribeListRequest))

	s.mux.HandleFunc("/nacos/v2/core/cluster/node/self", s.wrap(s.ClusterSelfRequest))
	s.mux.HandleFunc("/nacos/v2/core/cluster/node/list", s.wrap(s.ClusterListRequest))
	s.mux.HandleFunc("/nacos/v2/core/cluster/node/self/health", s.wrap(s.ClusterHealthRequest))
	s.mux.HandleFunc("/nacos/v3/console/cluster/nodes", s.wrap(s.ClusterListRequest))

	s.mux.HandleFunc("/nacos/v3/console/health/liveness", s.wrap(s.HealthLivenessRequest))
	s.mux.HandleFunc("/nacos/v3/console/health/readiness", s.wrap(s.HealthReadinessRequest))
	s.mux.HandleFunc("/nacos/v1/console/server/state", s.wrap(s.ServerStateRequest))

	s.mux.HandleFunc("/v1/metrics", s.wrap(s.MetricsRequest))

	if enableDebug {
		s.mux.HandleFunc("/debug/pprof/", pprof.Index)
		s.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		s.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		s.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		s.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
}

// HTTPCodedError carries an explicit HTTP status with an error.
type HTTPCodedError interface {
	error
	Code() int
}

func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

type codedError struct {
	s    string
	code int
}

func (e *codedError) Error() string { return e.s }
func (e *codedError) Code() int     { return e.code }

// envelope is the wire response wrapper.
type envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// wrap turns a handler into the {code, message, data} envelope form and
// maps errors onto envelope codes and HTTP statuses.
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) func(resp http.ResponseWriter, req *http.Request) {
	return func(resp http.ResponseWriter, req *http.Request) {
		reqURL := req.URL.String()
		start := time.Now()
		defer func() {
			s.logger.Debug("request complete", "method", req.Method, "path", reqURL, "duration", time.Since(start))
		}()

		obj, err := handler(resp, req)
		if err != nil {
			s.handleError(resp, req, err)
			return
		}
		// Handlers that wrote the response themselves return nil, nil.
		if obj == nil {
			return
		}

		resp.Header().Set("Content-Type", "application/json")
		buf, err := json.Marshal(&envelope{
			Code:    structs.CodeOK,
			Message: "success",
			Data:    obj,
		})
		if err != nil {
			s.handleError(resp, req, err)
			return
		}
		resp.Write(buf)
	}
}

func (s *HTTPServer) handleError(resp http.ResponseWriter, req *http.Request, err error) {
	s.logger.Error("request failed", "method", req.Method, "path", req.URL.String(), "error", err)

	code := structs.CodeForError(err)
	status := structs.HTTPStatusForCode(code)
	if coded, ok := err.(HTTPCodedError); ok {
		status = coded.Code()
		if code == structs.CodeInternal {
			code = structs.CodeInvalidArgument
		}
	}

	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(status)
	buf, _ := json.Marshal(&envelope{
		Code:    code,
		Message: err.Error(),
		Data:    nil,
	})
	resp.Write(buf)
}

// token extracts the caller's access token: the accessToken form value
// wins, then the Authorization header with or without a Bearer prefix.
func (s *HTTPServer) token(req *http.Request) string {
	if t := req.FormValue("accessToken"); t != "" {
		return t
	}
	auth := req.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return auth
}

// configKey reads the common key triple from the request. The tenant
// parameter is the namespace, nacos-style.
func (s *HTTPServer) configKey(req *http.Request) structs.ConfigKey {
	key := structs.ConfigKey{
		Namespace: req.FormValue("namespaceId"),
		Group:     req.FormValue("group"),
		DataID:    req.FormValue("dataId"),
	}
	if key.Namespace == "" {
		key.Namespace = req.FormValue("tenant")
	}
	key.Canonicalize()
	return key
}

func parseInt(req *http.Request, field string) (int, error) {
	raw := req.FormValue(field)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, structs.NewInvalidArgumentError("invalid %s %q", field, raw)
	}
	return v, nil
}

func parsePage(req *http.Request) (structs.PageRequest, error) {
	no, err := parseInt(req, "pageNo")
	if err != nil {
		return structs.PageRequest{}, err
	}
	size, err := parseInt(req, "pageSize")
	if err != nil {
		return structs.PageRequest{}, err
	}
	return structs.PageRequest{PageNo: no, PageSize: size}, nil
}

func wrapCORS(f func(http.ResponseWriter, *http.Request)) http.Handler {
	return allowCORS.Handler(http.HandlerFunc(f))
}
