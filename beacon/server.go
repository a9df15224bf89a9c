// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package beacon implements the server core: the in-memory state plane,
// the event fan-out that drives pushes, session lifecycle, and the
// bidirectional RPC surface clients connect to.
package beacon

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"path/filepath"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/beacon/beacon/iam"
	"github.com/hashicorp/beacon/beacon/notify"
	"github.com/hashicorp/beacon/beacon/sessions"
	"github.com/hashicorp/beacon/beacon/state"
	"github.com/hashicorp/beacon/beacon/stream"
	"github.com/hashicorp/beacon/beacon/structs"
	"github.com/hashicorp/beacon/helper/codec"
	"github.com/hashicorp/beacon/kv"
	"github.com/hashicorp/beacon/kv/boltkv"
)

// Server ties the subsystems together and owns their lifecycles.
type Server struct {
	config *Config
	logger hclog.InterceptLogger

	kvStore  kv.Store
	state    *state.StateStore
	broker   *stream.EventBroker
	notify   *notify.Bus
	subs     *subscribers
	sessions *sessions.Manager
	auth     *iam.Auth
	pushes   *pushRouter

	// rpcServer serves local (in-process) RPCs for the HTTP layer.
	rpcServer   *rpc.Server
	rpcListener net.Listener

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	shutdownCh     chan struct{}
	shutdownLock   sync.Mutex
	shutdown       bool

	wg sync.WaitGroup
}

// NewServer builds and starts a server from config.
func NewServer(config *Config) (*Server, error) {
	if config.Logger == nil {
		config.Logger = hclog.NewInterceptLogger(&hclog.LoggerOptions{
			Name:   "beacon",
			Output: config.LogOutput,
		})
	}
	logger := config.Logger

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:         config,
		logger:         logger,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
		shutdownCh:     make(chan struct{}),
	}

	var err error
	if config.DataDir != "" {
		s.kvStore, err = boltkv.Open(filepath.Join(config.DataDir, "state.db"), logger.Named("boltkv"))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open durable store: %w", err)
		}
	} else {
		s.kvStore = kv.NewMem()
	}

	s.state, err = state.NewStateStore(&state.StateStoreConfig{
		Logger:  logger,
		Durable: s.kvStore,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	if err := s.state.Restore(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to restore state: %w", err)
	}

	// The default namespace always exists.
	ns, err := s.state.NamespaceByID(structs.DefaultNamespace)
	if err != nil {
		cancel()
		return nil, err
	}
	if ns == nil {
		err = s.state.UpsertNamespace(ctx, &structs.Namespace{
			ID:   structs.DefaultNamespace,
			Name: structs.DefaultNamespace,
		}, false)
		if err != nil {
			cancel()
			return nil, err
		}
	}

	s.broker = stream.NewEventBroker(ctx, stream.EventBrokerCfg{
		EventBufferSize: config.EventBufferSize,
	})
	s.state.SetPublisher(s.broker.Publish)

	s.pushes = newPushRouter(logger, config.PushQueueDepth, config.PushSaturationWait)
	s.notify = notify.NewBus(logger, s.state, s.pushes)
	s.subs = newSubscribers(logger, s.state, s.pushes)

	s.sessions = sessions.NewManager(&sessions.Config{
		Logger:      logger,
		IdleTimeout: config.SessionIdleTimeout,
		PingGrace:   config.SessionPingGrace,
		OnClose:     s.cleanupSession,
		Ping:        func(sess *sessions.Session) error { return s.pushes.Ping(sess.ID) },
	})
	// A saturated or broken push pipe tears the whole session down.
	s.pushes.onStall = func(sessionID string) {
		go func() {
			if err := s.sessions.Close(s.shutdownCtx, sessionID); err != nil {
				logger.Error("failed to close stalled session", "session_id", sessionID, "error", err)
			}
		}()
	}

	s.auth, err = iam.New(&iam.Config{
		Logger:      logger,
		State:       s.state,
		Enabled:     config.AuthEnabled,
		TokenSecret: []byte(config.TokenSecret),
		TokenTTL:    config.TokenTTL,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	if err := s.auth.Bootstrap(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to bootstrap auth: %w", err)
	}

	s.rpcServer = rpc.NewServer()
	s.setupRPCServer(s.rpcServer, nil)

	if config.RPCAddr != "" {
		s.rpcListener, err = net.Listen("tcp", config.RPCAddr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to bind rpc listener: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.listen(ctx)
		}()
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.notify.Run(ctx, s.broker.Subscribe(&stream.SubscribeRequest{
			Topics: map[structs.Topic][]string{structs.TopicConfig: {"*"}},
		}))
	}()
	go func() {
		defer s.wg.Done()
		s.subs.Run(ctx, s.broker.Subscribe(&stream.SubscribeRequest{
			Topics: map[structs.Topic][]string{structs.TopicService: {"*"}},
		}))
	}()
	go func() {
		defer s.wg.Done()
		s.sessions.Run(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reapLoop(ctx)
	}()

	logger.Info("server started", "rpc_addr", config.RPCAddr, "auth_enabled", config.AuthEnabled)
	return s, nil
}

// cleanupSession is the ordered teardown for one session: drop its
// ephemeral instances first so subscribers learn about the shrink, then
// its config listens, then its naming subscriptions and push pipe.
func (s *Server) cleanupSession(ctx context.Context, sess *sessions.Session) error {
	_, err := s.state.DeleteSessionInstances(ctx, sess.ID)
	s.notify.DropSession(sess.ID)
	s.subs.DropSession(sess.ID)
	s.pushes.Drop(sess.ID)
	return err
}

// State exposes the state store to the HTTP layer for read paths that
// need no RPC round trip.
func (s *Server) State() *state.StateStore { return s.state }

// Auth exposes the auth service.
func (s *Server) Auth() *iam.Auth { return s.auth }

// Sessions exposes the session manager.
func (s *Server) Sessions() *sessions.Manager { return s.sessions }

// RPCAddr returns the bound RPC address, or empty when disabled.
func (s *Server) RPCAddr() string {
	if s.rpcListener == nil {
		return ""
	}
	return s.rpcListener.Addr().String()
}

// Stats summarizes registry and session load for the operator surface.
func (s *Server) Stats() (map[string]interface{}, error) {
	namespaces, err := s.state.Namespaces()
	if err != nil {
		return nil, err
	}
	var services, configs int
	for _, ns := range namespaces {
		n, err := s.state.CountServices(ns.ID)
		if err != nil {
			return nil, err
		}
		services += n
		c, err := s.state.CountConfigs(ns.ID)
		if err != nil {
			return nil, err
		}
		configs += c
	}
	index, err := s.state.LatestIndex()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"serviceCount": services,
		"configCount":  configs,
		"sessionCount": s.sessions.Count(),
		"stateIndex":   index,
	}, nil
}

// RPC makes a local RPC call through the same endpoints remote clients
// hit, used by the HTTP layer.
func (s *Server) RPC(method string, args interface{}, reply interface{}) error {
	c := &codec.InmemCodec{
		Method: method,
		Args:   args,
		Reply:  reply,
	}
	if err := s.rpcServer.ServeRequest(c); err != nil {
		return err
	}
	return c.Err
}

// reapLoop collects tombstoned services that stayed empty through the
// grace window and have no live subscribers.
func (s *Server) reapLoop(ctx context.Context) {
	interval := s.config.ReapInterval
	if interval == 0 {
		interval = 10 * time.Second
	}
	grace := s.config.TombstoneGrace
	if grace == 0 {
		grace = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.state.ReapTombstones(grace, s.subs.HasSubscribers)
			if err != nil {
				s.logger.Error("tombstone reap failed", "error", err)
			} else if n > 0 {
				s.logger.Debug("reaped empty services", "count", n)
			}
		}
	}
}

// Shutdown stops the server and tears down every live session.
func (s *Server) Shutdown() error {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()
	if s.shutdown {
		return nil
	}
	s.shutdown = true
	s.logger.Info("shutting down")

	if err := s.sessions.CloseAll(s.shutdownCtx); err != nil {
		s.logger.Error("session teardown reported errors", "error", err)
	}

	s.shutdownCancel()
	close(s.shutdownCh)
	if s.rpcListener != nil {
		s.rpcListener.Close()
	}
	s.wg.Wait()
	return s.kvStore.Close()
}
