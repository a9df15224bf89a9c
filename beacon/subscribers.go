// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package beacon

import (
	"context"
	"errors"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/beacon/beacon/state"
	"github.com/hashicorp/beacon/beacon/stream"
	"github.com/hashicorp/beacon/beacon/structs"
)

// servicePusher is the slice of pushRouter the subscriber table needs.
type servicePusher interface {
	PushService(sessionID string, info *structs.ServiceInfo)
}

// watcher is one session's view of one service. clusters is fixed at
// subscribe time; lastFP is the fingerprint of the last snapshot the
// session saw, guarded by the table lock.
type watcher struct {
	clusters string
	lastFP   string
}

// subscribers tracks which session wants pushes for which service, with
// its cluster filter, and converts service events into snapshot pushes.
// A push is delivered only when the subscriber's cluster-filtered host
// set actually changed since its last snapshot.
type subscribers struct {
	logger hclog.Logger
	state  *state.StateStore
	pusher servicePusher

	mu        sync.Mutex
	byKey     map[structs.ServiceKey]map[string]*watcher
	bySession map[string]map[structs.ServiceKey]struct{}
}

func newSubscribers(logger hclog.Logger, store *state.StateStore, pusher servicePusher) *subscribers {
	return &subscribers{
		logger:    logger.Named("subscribers"),
		state:     store,
		pusher:    pusher,
		byKey:     make(map[structs.ServiceKey]map[string]*watcher),
		bySession: make(map[string]map[structs.ServiceKey]struct{}),
	}
}

// Subscribe registers the session for pushes and returns the current
// snapshot so the caller starts from known state. Subscribing pins the
// service: it is created empty if absent and the reaper spares it.
func (s *subscribers) Subscribe(sessionID string, key structs.ServiceKey, clusters string) (*structs.ServiceInfo, error) {
	if err := s.state.EnsureService(key); err != nil {
		return nil, err
	}

	w := &watcher{clusters: clusters}
	s.mu.Lock()
	keyed := s.byKey[key]
	if keyed == nil {
		keyed = make(map[string]*watcher)
		s.byKey[key] = keyed
	}
	keyed[sessionID] = w

	held := s.bySession[sessionID]
	if held == nil {
		held = make(map[structs.ServiceKey]struct{})
		s.bySession[sessionID] = held
	}
	held[key] = struct{}{}
	s.mu.Unlock()

	metrics.IncrCounter([]string{"beacon", "subscribers", "subscribe"}, 1)
	info, err := s.state.ServiceInfo(key, clusters)
	if err != nil {
		return nil, err
	}

	// The returned snapshot is what the subscriber now knows; pushes are
	// suppressed until the filtered view diverges from it.
	fp := info.HostsFingerprint()
	s.mu.Lock()
	if cur := s.byKey[key][sessionID]; cur == w {
		cur.lastFP = fp
	}
	s.mu.Unlock()
	return info, nil
}

// Subscriptions snapshots the (service, filter) pairs a session watches.
func (s *subscribers) Subscriptions(sessionID string) []*structs.ServiceSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*structs.ServiceSubscription
	for key := range s.bySession[sessionID] {
		if w := s.byKey[key][sessionID]; w != nil {
			out = append(out, &structs.ServiceSubscription{Service: key, Clusters: w.clusters})
		}
	}
	return out
}

// Unsubscribe drops one subscription. Unknown pairs are a no-op.
func (s *subscribers) Unsubscribe(sessionID string, key structs.ServiceKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(sessionID, key)
	held := s.bySession[sessionID]
	delete(held, key)
	if len(held) == 0 {
		delete(s.bySession, sessionID)
	}
}

// DropSession removes every subscription the session holds.
func (s *subscribers) DropSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.bySession[sessionID] {
		s.dropLocked(sessionID, key)
	}
	delete(s.bySession, sessionID)
}

func (s *subscribers) dropLocked(sessionID string, key structs.ServiceKey) {
	keyed := s.byKey[key]
	delete(keyed, sessionID)
	if len(keyed) == 0 {
		delete(s.byKey, key)
	}
}

// HasSubscribers reports whether any live session watches the service.
// The reaper keeps tombstoned services alive while this is true.
func (s *subscribers) HasSubscribers(key structs.ServiceKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey[key]) > 0
}

// Run consumes service events until ctx is done.
func (s *subscribers) Run(ctx context.Context, sub *stream.Subscription) {
	defer sub.Unsubscribe()
	for {
		events, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Debug("event subscription ended", "error", err)
			}
			return
		}
		for _, event := range events.Events {
			payload, ok := event.Payload.(*structs.ServiceEventPayload)
			if !ok || payload.Service == nil {
				continue
			}
			s.push(*payload.Service)
		}
	}
}

// push snapshots the service per distinct cluster filter and delivers to
// each watching session whose filtered view changed. A mutation outside
// a subscriber's filter leaves its fingerprint intact and pushes nothing.
func (s *subscribers) push(key structs.ServiceKey) {
	s.mu.Lock()
	watchers := make(map[string]*watcher, len(s.byKey[key]))
	for sessionID, w := range s.byKey[key] {
		watchers[sessionID] = w
	}
	s.mu.Unlock()
	if len(watchers) == 0 {
		return
	}

	type snapshot struct {
		info *structs.ServiceInfo
		fp   string
	}
	snaps := make(map[string]snapshot)
	for sessionID, w := range watchers {
		snap, ok := snaps[w.clusters]
		if !ok {
			info, err := s.state.ServiceInfo(key, w.clusters)
			if err != nil {
				s.logger.Error("failed to snapshot service for push", "service", key.ID(), "error", err)
				continue
			}
			snap = snapshot{info: info, fp: info.HostsFingerprint()}
			snaps[w.clusters] = snap
		}

		s.mu.Lock()
		cur := s.byKey[key][sessionID]
		deliver := cur == w && cur.lastFP != snap.fp
		if deliver {
			cur.lastFP = snap.fp
		}
		s.mu.Unlock()

		if !deliver {
			metrics.IncrCounter([]string{"beacon", "subscribers", "suppressed"}, 1)
			continue
		}
		s.pusher.PushService(sessionID, snap.info)
	}
}
