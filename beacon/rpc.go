// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package beacon

import (
	"context"
	"errors"
	"io"
	"net"
	"net/rpc"
	"strings"

	metrics "github.com/hashicorp/go-metrics"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"
	"github.com/hashicorp/yamux"

	"github.com/hashicorp/beacon/beacon/structs"
)

// RPCContext carries per-connection state into the endpoints. Endpoints
// registered for local in-process calls get a nil context.
type RPCContext struct {
	// Conn is the raw client connection.
	Conn net.Conn

	// Session is the multiplexed session over Conn. The server opens
	// reverse streams on it to push to the client.
	Session *yamux.Session

	// RemoteIP is the address observed on the socket.
	RemoteIP string

	// SessionID is set once the client completes ConnectionSetup.
	SessionID string
}

// listen accepts client connections until ctx is done.
func (s *Server) listen(ctx context.Context) {
	for {
		conn, err := s.rpcListener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Error("failed to accept rpc connection", "error", err)
			continue
		}
		metrics.IncrCounter([]string{"beacon", "rpc", "accept_conn"}, 1)
		go s.handleConn(ctx, conn)
	}
}

// handleConn owns one client connection: a yamux session whose inbound
// streams all serve the same per-connection RPC server, so every stream
// shares the connection's session binding.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remoteIP := ""
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = addr.IP.String()
	}

	conf := yamux.DefaultConfig()
	if s.config.LogOutput != nil {
		conf.LogOutput = s.config.LogOutput
	}
	mux, err := yamux.Server(conn, conf)
	if err != nil {
		s.logger.Error("failed to create multiplexed session", "error", err)
		conn.Close()
		return
	}

	rpcCtx := &RPCContext{
		Conn:     conn,
		Session:  mux,
		RemoteIP: remoteIP,
	}
	server := rpc.NewServer()
	s.setupRPCServer(server, rpcCtx)

	defer func() {
		// The connection is gone; tear down the session it carried.
		if rpcCtx.SessionID != "" {
			if err := s.sessions.Close(s.shutdownCtx, rpcCtx.SessionID); err != nil {
				s.logger.Error("session cleanup failed", "session_id", rpcCtx.SessionID, "error", err)
			}
		}
		conn.Close()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		sub, err := mux.Accept()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("multiplexed accept failed", "error", err)
			}
			return
		}
		go s.serveConn(ctx, sub, server)
	}
}

// serveConn services RPC requests on a single stream.
func (s *Server) serveConn(ctx context.Context, conn net.Conn, server *rpc.Server) {
	defer conn.Close()
	rpcCodec := msgpackrpc.NewCodecFromHandle(true, true, conn, structs.MsgpackHandle())
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		default:
		}

		if err := server.ServeRequest(rpcCodec); err != nil {
			if !errors.Is(err, io.EOF) && !strings.Contains(err.Error(), "closed") {
				s.logger.Error("rpc request failed", "error", err)
				metrics.IncrCounter([]string{"beacon", "rpc", "request_error"}, 1)
			}
			return
		}
		metrics.IncrCounter([]string{"beacon", "rpc", "request"}, 1)
	}
}

// setupRPCServer registers the endpoints against a server. rpcCtx is nil
// for the in-process server used by the HTTP layer.
func (s *Server) setupRPCServer(server *rpc.Server, rpcCtx *RPCContext) {
	server.RegisterName("Session", &SessionEndpoint{srv: s, ctx: rpcCtx})
	server.RegisterName("Naming", &NamingEndpoint{srv: s, ctx: rpcCtx})
	server.RegisterName("Config", &ConfigEndpoint{srv: s, ctx: rpcCtx})
	server.RegisterName("IAM", &IAMEndpoint{srv: s, ctx: rpcCtx})
}
