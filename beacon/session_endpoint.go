// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package beacon

import (
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/beacon/acl"
	"github.com/hashicorp/beacon/beacon/structs"
)

// SessionEndpoint manages the connection-bound session lifecycle.
type SessionEndpoint struct {
	srv *Server
	ctx *RPCContext
}

// ConnectionSetup must be the first call on a new connection. It binds a
// session to the connection and arms the push pipe. Calling it twice on
// one connection returns the existing session.
func (e *SessionEndpoint) ConnectionSetup(args *structs.ConnectionSetupRequest, reply *structs.ConnectionSetupResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "session", "connection_setup"}, time.Now())

	if e.ctx == nil || e.ctx.Session == nil {
		return structs.NewInvalidArgumentError("connection setup requires a client connection")
	}
	if e.ctx.SessionID != "" {
		reply.SessionID = e.ctx.SessionID
		return nil
	}

	principal, err := e.srv.auth.Authenticate(args.AuthToken)
	if err != nil {
		return err
	}

	clientIP := e.ctx.RemoteIP
	if clientIP == "" {
		clientIP = args.ClientIP
	}

	sess, err := e.srv.sessions.Create(principal, clientIP, args.Meta)
	if err != nil {
		return err
	}
	e.ctx.SessionID = sess.ID
	e.srv.pushes.Attach(sess.ID, e.ctx.Session)

	reply.SessionID = sess.ID
	return nil
}

// Ping keeps the session alive. It also answers server probes.
func (e *SessionEndpoint) Ping(args *structs.SessionPingRequest, reply *structs.SessionPingResponse) error {
	defer metrics.MeasureSince([]string{"beacon", "session", "ping"}, time.Now())

	id := args.SessionID
	if id == "" && e.ctx != nil {
		id = e.ctx.SessionID
	}
	if id == "" {
		return structs.NewInvalidArgumentError("missing session id")
	}
	return e.srv.sessions.Touch(id)
}

// requestPrincipal resolves the caller's identity: an explicit token wins,
// otherwise the connection's session identity applies.
func (s *Server) requestPrincipal(ctx *RPCContext, token string) (structs.Principal, error) {
	if token == "" && ctx != nil && ctx.SessionID != "" {
		sess, err := s.sessions.Get(ctx.SessionID)
		if err != nil {
			return structs.Principal{}, err
		}
		return sess.Principal, nil
	}
	return s.auth.Authenticate(token)
}

// requestACL authenticates and compiles authorization in one step.
func (s *Server) requestACL(ctx *RPCContext, token string) (structs.Principal, *acl.ACL, error) {
	principal, err := s.requestPrincipal(ctx, token)
	if err != nil {
		return structs.Principal{}, nil, err
	}
	compiled, err := s.auth.ResolveACL(principal)
	if err != nil {
		return structs.Principal{}, nil, err
	}
	return principal, compiled, nil
}

// sessionFor resolves the session an RPC operates on: the explicit ID when
// given, else the connection binding. The session is touched so activity
// feeds keepalive.
func (s *Server) sessionFor(ctx *RPCContext, explicit string) (string, error) {
	id := explicit
	if id == "" && ctx != nil {
		id = ctx.SessionID
	}
	if id == "" {
		return "", structs.NewInvalidArgumentError("missing session id")
	}
	if err := s.sessions.Touch(id); err != nil {
		return "", err
	}
	return id, nil
}
