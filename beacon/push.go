// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package beacon

import (
	"fmt"
	"net/rpc"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"
	"github.com/hashicorp/yamux"

	"github.com/hashicorp/beacon/beacon/structs"
)

// Client-side RPC methods invoked over the reverse stream.
const (
	clientMethodNotifySubscriber = "Client.NotifySubscriber"
	clientMethodConfigChange     = "Client.ConfigChangeNotify"
	clientMethodDetection        = "Client.ClientDetection"
	clientMethodConnectReset     = "Client.ConnectReset"
)

// pushRouter fans server-initiated RPCs out to the sessions that should
// receive them. Each session gets one worker draining a coalescing queue:
// per key only the newest payload survives, while delivery order across
// keys stays FIFO.
type pushRouter struct {
	logger     hclog.Logger
	queueDepth int
	stallWait  time.Duration

	// onStall is called when a session's queue stays full or its pipe
	// stops accepting writes. Set by the server after construction.
	onStall func(sessionID string)

	mu   sync.Mutex
	byID map[string]*sessionPusher
}

func newPushRouter(logger hclog.Logger, queueDepth int, stallWait time.Duration) *pushRouter {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	if stallWait <= 0 {
		stallWait = 10 * time.Second
	}
	return &pushRouter{
		logger:     logger.Named("push"),
		queueDepth: queueDepth,
		stallWait:  stallWait,
		byID:       make(map[string]*sessionPusher),
	}
}

// Attach binds a session to its connection's multiplexer and starts the
// delivery worker.
func (r *pushRouter) Attach(sessionID string, mux *yamux.Session) {
	p := &sessionPusher{
		sessionID: sessionID,
		logger:    r.logger,
		mux:       mux,
		depth:     r.queueDepth,
		stallWait: r.stallWait,
		onStall:   r.onStall,
		pending:   make(map[string]pushItem),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	r.mu.Lock()
	r.byID[sessionID] = p
	r.mu.Unlock()
	go p.run()
}

// Drop stops delivery for a session and releases its pipe.
func (r *pushRouter) Drop(sessionID string) {
	r.mu.Lock()
	p := r.byID[sessionID]
	delete(r.byID, sessionID)
	r.mu.Unlock()
	if p != nil {
		p.stop()
	}
}

func (r *pushRouter) get(sessionID string) *sessionPusher {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[sessionID]
}

// PushConfigChange implements notify.Pusher.
func (r *pushRouter) PushConfigChange(sessionID string, key structs.ConfigKey) {
	if p := r.get(sessionID); p != nil {
		p.enqueue("config/"+key.ID(), pushItem{
			method: clientMethodConfigChange,
			args:   &structs.ConfigChangeNotifyRequest{Config: key},
			reply:  &structs.ConfigChangeNotifyResponse{},
		})
	}
}

// PushService delivers a fresh service snapshot to a subscriber session.
func (r *pushRouter) PushService(sessionID string, info *structs.ServiceInfo) {
	if p := r.get(sessionID); p != nil {
		p.enqueue("service/"+info.Namespace+"/"+info.GroupName+"/"+info.Name, pushItem{
			method: clientMethodNotifySubscriber,
			args:   &structs.NotifySubscriberRequest{ServiceInfo: info},
			reply:  &structs.NotifySubscriberResponse{},
		})
	}
}

// Ping probes the client synchronously. An error means the pipe is dead.
func (r *pushRouter) Ping(sessionID string) error {
	p := r.get(sessionID)
	if p == nil {
		return fmt.Errorf("no push pipe for session %s", sessionID)
	}
	return p.call(clientMethodDetection, &structs.ClientDetectionRequest{}, &structs.ClientDetectionResponse{})
}

// Reset tells the client to reconnect. Best effort.
func (r *pushRouter) Reset(sessionID string) {
	if p := r.get(sessionID); p != nil {
		if err := p.call(clientMethodConnectReset, &structs.ConnectResetRequest{}, &structs.ConnectResetResponse{}); err != nil {
			r.logger.Debug("connect reset failed", "session_id", sessionID, "error", err)
		}
	}
}

type pushItem struct {
	method string
	args   interface{}
	reply  interface{}
}

type sessionPusher struct {
	sessionID string
	logger    hclog.Logger
	mux       *yamux.Session
	depth     int
	stallWait time.Duration
	onStall   func(string)

	mu      sync.Mutex
	pending map[string]pushItem
	order   []string
	fullAt  time.Time
	stopped bool

	wake   chan struct{}
	stopCh chan struct{}

	clientMu sync.Mutex
	client   *rpc.Client
}

// enqueue coalesces by key: a newer payload for a queued key replaces the
// old one in place, keeping its position in the order.
func (p *sessionPusher) enqueue(key string, item pushItem) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	if _, queued := p.pending[key]; !queued {
		if len(p.order) >= p.depth {
			// Saturated. Give the session a stall window, then cut it
			// loose rather than buffer without bound.
			if p.fullAt.IsZero() {
				p.fullAt = time.Now()
			} else if time.Since(p.fullAt) >= p.stallWait {
				p.mu.Unlock()
				p.logger.Warn("push queue saturated, dropping session", "session_id", p.sessionID)
				metrics.IncrCounter([]string{"beacon", "push", "saturated"}, 1)
				if p.onStall != nil {
					p.onStall(p.sessionID)
				}
				return
			}
			p.mu.Unlock()
			metrics.IncrCounter([]string{"beacon", "push", "dropped"}, 1)
			return
		}
		p.order = append(p.order, key)
	}
	p.pending[key] = item
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *sessionPusher) next() (pushItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.order) == 0 {
		return pushItem{}, false
	}
	key := p.order[0]
	p.order = p.order[1:]
	item := p.pending[key]
	delete(p.pending, key)
	p.fullAt = time.Time{}
	return item, true
}

func (p *sessionPusher) run() {
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.wake:
		}
		for {
			item, ok := p.next()
			if !ok {
				break
			}
			if err := p.call(item.method, item.args, item.reply); err != nil {
				p.logger.Debug("push delivery failed", "session_id", p.sessionID,
					"method", item.method, "error", err)
				metrics.IncrCounter([]string{"beacon", "push", "failed"}, 1)
				if p.onStall != nil {
					p.onStall(p.sessionID)
				}
				return
			}
			metrics.IncrCounter([]string{"beacon", "push", "delivered"}, 1)
		}
	}
}

// call issues one client RPC over the reverse stream, bounded by the
// stall window.
func (p *sessionPusher) call(method string, args, reply interface{}) error {
	client, err := p.getClient()
	if err != nil {
		return err
	}

	done := client.Go(method, args, reply, make(chan *rpc.Call, 1)).Done
	select {
	case call := <-done:
		return call.Error
	case <-time.After(p.stallWait):
		return fmt.Errorf("push of %s timed out after %s", method, p.stallWait)
	case <-p.stopCh:
		return fmt.Errorf("session %s push pipe closed", p.sessionID)
	}
}

// getClient lazily opens the reverse stream and keeps one RPC client on
// it for the lifetime of the session.
func (p *sessionPusher) getClient() (*rpc.Client, error) {
	p.clientMu.Lock()
	defer p.clientMu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	stream, err := p.mux.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open reverse stream: %w", err)
	}
	p.client = rpc.NewClientWithCodec(msgpackrpc.NewCodecFromHandle(true, true, stream, structs.MsgpackHandle()))
	return p.client, nil
}

func (p *sessionPusher) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	close(p.stopCh)

	p.clientMu.Lock()
	if p.client != nil {
		p.client.Close()
	}
	p.clientMu.Unlock()
}
