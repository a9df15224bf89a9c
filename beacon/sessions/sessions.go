// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package sessions tracks live client connections. A session owns the
// ephemeral instances it registered and the config listens it holds; both
// are torn down, in that order, exactly once when the session closes, no
// matter whether the close came from a client disconnect, a keepalive
// expiry, or a server shutdown.
package sessions

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-uuid"

	"github.com/hashicorp/beacon/beacon/structs"
)

const (
	// shardCount spreads session lookups across locks. Power of two.
	shardCount = 32

	// DefaultIdleTimeout is how long a session may be silent before the
	// server probes it.
	DefaultIdleTimeout = 20 * time.Second

	// DefaultPingGrace is how long a probed session has to answer before
	// it is torn down.
	DefaultPingGrace = 5 * time.Second

	keepaliveInterval = 1 * time.Second
)

// Session is one live connection. Mutable fields are guarded by mu.
type Session struct {
	ID        string
	Principal structs.Principal
	ClientIP  string
	Meta      map[string]string
	CreatedAt time.Time

	mu         sync.Mutex
	closed     bool
	lastActive time.Time
	pingedAt   time.Time
}

// Touch records activity and clears any outstanding probe.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
	s.pingedAt = time.Time{}
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Config configures a Manager. OnClose runs the ordered teardown for a
// session: deregister its ephemeral instances, then drop its listens, then
// release its transport. Ping sends a liveness probe.
type Config struct {
	Logger      hclog.Logger
	IdleTimeout time.Duration
	PingGrace   time.Duration

	OnClose func(ctx context.Context, sess *Session) error
	Ping    func(sess *Session) error
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Manager is the sharded session table plus the keepalive loop.
type Manager struct {
	logger      hclog.Logger
	idleTimeout time.Duration
	pingGrace   time.Duration
	onClose     func(ctx context.Context, sess *Session) error
	ping        func(sess *Session) error

	shards [shardCount]*shard
}

func NewManager(cfg *Config) *Manager {
	m := &Manager{
		logger:      cfg.Logger.Named("sessions"),
		idleTimeout: cfg.IdleTimeout,
		pingGrace:   cfg.PingGrace,
		onClose:     cfg.OnClose,
		ping:        cfg.Ping,
	}
	if m.idleTimeout == 0 {
		m.idleTimeout = DefaultIdleTimeout
	}
	if m.pingGrace == 0 {
		m.pingGrace = DefaultPingGrace
	}
	for i := range m.shards {
		m.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return m
}

func (m *Manager) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return m.shards[h.Sum32()&(shardCount-1)]
}

// Create registers a new session and returns it.
func (m *Manager) Create(principal structs.Principal, clientIP string, meta map[string]string) (*Session, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	sess := &Session{
		ID:         id,
		Principal:  principal,
		ClientIP:   clientIP,
		Meta:       meta,
		CreatedAt:  now,
		lastActive: now,
	}

	sh := m.shardFor(id)
	sh.mu.Lock()
	sh.sessions[id] = sess
	sh.mu.Unlock()

	metrics.IncrCounter([]string{"beacon", "sessions", "created"}, 1)
	m.logger.Debug("session created", "session_id", id, "client_ip", clientIP)
	return sess, nil
}

// Get returns the live session or ErrSessionClosed. Messages arriving for
// a session that is gone are late by definition.
func (m *Manager) Get(id string) (*Session, error) {
	sh := m.shardFor(id)
	sh.mu.RLock()
	sess := sh.sessions[id]
	sh.mu.RUnlock()
	if sess == nil || sess.Closed() {
		return nil, structs.ErrSessionClosed
	}
	return sess, nil
}

// Touch marks a session active. Unknown sessions report ErrSessionClosed.
func (m *Manager) Touch(id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	sess.Touch()
	return nil
}

// Close tears a session down exactly once: the closed flag flips under the
// session lock, then the OnClose hook runs its ordered cleanup, then the
// table entry is removed. Closing an unknown or already-closed session is
// a no-op.
func (m *Manager) Close(ctx context.Context, id string) error {
	sh := m.shardFor(id)
	sh.mu.RLock()
	sess := sh.sessions[id]
	sh.mu.RUnlock()
	if sess == nil {
		return nil
	}

	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return nil
	}
	sess.closed = true
	sess.mu.Unlock()

	var mErr *multierror.Error
	if m.onClose != nil {
		if err := m.onClose(ctx, sess); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}

	sh.mu.Lock()
	delete(sh.sessions, id)
	sh.mu.Unlock()

	metrics.IncrCounter([]string{"beacon", "sessions", "closed"}, 1)
	m.logger.Debug("session closed", "session_id", id)
	return mErr.ErrorOrNil()
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// List snapshots the live sessions.
func (m *Manager) List() []*Session {
	var out []*Session
	for _, sh := range m.shards {
		sh.mu.RLock()
		for _, sess := range sh.sessions {
			out = append(out, sess)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Run drives keepalive until ctx is done. Idle sessions get one probe;
// sessions that stay silent through the grace window are closed.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	now := time.Now()
	metrics.SetGauge([]string{"beacon", "sessions", "live"}, float32(m.Count()))

	for _, sess := range m.List() {
		sess.mu.Lock()
		closed := sess.closed
		idleFor := now.Sub(sess.lastActive)
		pingedAt := sess.pingedAt
		if !closed && pingedAt.IsZero() && idleFor >= m.idleTimeout {
			sess.pingedAt = now
			pingedAt = now
		}
		sess.mu.Unlock()

		if closed {
			continue
		}

		switch {
		case pingedAt.Equal(now):
			if m.ping != nil {
				if err := m.ping(sess); err != nil {
					m.logger.Debug("liveness probe failed", "session_id", sess.ID, "error", err)
					if err := m.Close(ctx, sess.ID); err != nil {
						m.logger.Error("session cleanup failed", "session_id", sess.ID, "error", err)
					}
				}
			}
		case !pingedAt.IsZero() && now.Sub(pingedAt) >= m.pingGrace:
			m.logger.Info("session expired", "session_id", sess.ID, "idle", idleFor)
			if err := m.Close(ctx, sess.ID); err != nil {
				m.logger.Error("session cleanup failed", "session_id", sess.ID, "error", err)
			}
		}
	}
}

// CloseAll tears down every live session, for server shutdown.
func (m *Manager) CloseAll(ctx context.Context) error {
	var mErr *multierror.Error
	for _, sess := range m.List() {
		if err := m.Close(ctx, sess.ID); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	return mErr.ErrorOrNil()
}
