// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package notify tracks which session listens to which config keys and
// turns committed config events into per-session change pushes. A listener
// registers the md5 it believes is current; the bus notifies it whenever
// the effective content for its source ip diverges from that md5. The bus
// never re-delivers content, only the key; the client re-queries and then
// refreshes its listen with the new md5.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/beacon/beacon/state"
	"github.com/hashicorp/beacon/beacon/stream"
	"github.com/hashicorp/beacon/beacon/structs"
)

// Pusher delivers a config-changed notification to a session. The bus does
// not care how the push travels or whether it coalesces; that is the
// session layer's problem.
type Pusher interface {
	PushConfigChange(sessionID string, key structs.ConfigKey)
}

type listener struct {
	// md5 is what the client last reported, not what the server last
	// pushed. It only moves when the client re-listens.
	md5      string
	clientIP string
}

// Bus is the listener table plus the event consumer that drives pushes.
type Bus struct {
	logger hclog.Logger
	state  *state.StateStore
	pusher Pusher

	mu        sync.Mutex
	byKey     map[structs.ConfigKey]map[string]*listener
	bySession map[string]map[structs.ConfigKey]struct{}
}

func NewBus(logger hclog.Logger, store *state.StateStore, pusher Pusher) *Bus {
	return &Bus{
		logger:    logger.Named("notify"),
		state:     store,
		pusher:    pusher,
		byKey:     make(map[structs.ConfigKey]map[string]*listener),
		bySession: make(map[string]map[structs.ConfigKey]struct{}),
	}
}

// Listen registers or refreshes fingerprints for a session and returns the
// keys whose effective content already differs from the reported md5, so
// the caller can answer the initial diff without waiting for an event.
func (b *Bus) Listen(sessionID, clientIP string, fps []structs.ConfigFingerprint) ([]structs.ConfigKey, error) {
	b.mu.Lock()

	held := b.bySession[sessionID]
	added := 0
	for i := range fps {
		fps[i].Canonicalize()
		if _, ok := held[fps[i].ConfigKey]; !ok {
			added++
		}
	}
	if len(held)+added > structs.MaxListenPerSession {
		b.mu.Unlock()
		return nil, fmt.Errorf("session holds %d listens, limit is %d: %w",
			len(held), structs.MaxListenPerSession, structs.ErrResourceExhausted)
	}

	if held == nil {
		held = make(map[structs.ConfigKey]struct{})
		b.bySession[sessionID] = held
	}
	for _, fp := range fps {
		keyed := b.byKey[fp.ConfigKey]
		if keyed == nil {
			keyed = make(map[string]*listener)
			b.byKey[fp.ConfigKey] = keyed
		}
		keyed[sessionID] = &listener{md5: fp.MD5, clientIP: clientIP}
		held[fp.ConfigKey] = struct{}{}
	}
	b.mu.Unlock()

	// Immediate diff against current state, outside the table lock.
	return b.Diff(clientIP, fps)
}

// Diff returns the keys whose effective content for clientIP differs from
// the fingerprint md5, without touching the listener table. The HTTP
// long-poll path uses it directly.
func (b *Bus) Diff(clientIP string, fps []structs.ConfigFingerprint) ([]structs.ConfigKey, error) {
	var changed []structs.ConfigKey
	for i := range fps {
		fps[i].Canonicalize()
		entry, _, err := b.state.ResolveConfig(fps[i].ConfigKey, clientIP)
		if err != nil {
			return nil, err
		}
		current := ""
		if entry != nil {
			current = entry.MD5
		}
		if fps[i].MD5 != current {
			changed = append(changed, fps[i].ConfigKey)
		}
	}
	return changed, nil
}

// Unlisten drops the given keys for a session. Unknown keys are ignored.
func (b *Bus) Unlisten(sessionID string, keys []structs.ConfigKey) {
	b.mu.Lock()
	defer b.mu.Unlock()

	held := b.bySession[sessionID]
	for i := range keys {
		keys[i].Canonicalize()
		b.dropLocked(sessionID, keys[i])
		delete(held, keys[i])
	}
	if len(held) == 0 {
		delete(b.bySession, sessionID)
	}
}

// DropSession removes every listen the session holds.
func (b *Bus) DropSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key := range b.bySession[sessionID] {
		b.dropLocked(sessionID, key)
	}
	delete(b.bySession, sessionID)
}

func (b *Bus) dropLocked(sessionID string, key structs.ConfigKey) {
	keyed := b.byKey[key]
	delete(keyed, sessionID)
	if len(keyed) == 0 {
		delete(b.byKey, key)
	}
}

// CountListens returns how many fingerprints a session currently holds.
func (b *Bus) CountListens(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bySession[sessionID])
}

// Run consumes config events until ctx is done or the subscription is
// closed server-side.
func (b *Bus) Run(ctx context.Context, sub *stream.Subscription) {
	defer sub.Unsubscribe()
	for {
		events, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				b.logger.Debug("event subscription ended", "error", err)
			}
			return
		}
		for _, event := range events.Events {
			payload, ok := event.Payload.(*structs.ConfigEventPayload)
			if !ok {
				continue
			}
			b.handleEvent(payload)
		}
	}
}

func (b *Bus) handleEvent(payload *structs.ConfigEventPayload) {
	b.mu.Lock()
	var targets []string
	for sessionID, l := range b.byKey[payload.Key] {
		current := ""
		if payload.Gray != nil && payload.Gray.Rule.Matches(l.clientIP) {
			current = payload.Gray.MD5
		} else if payload.Entry != nil {
			current = payload.Entry.MD5
		}
		if l.md5 != current {
			targets = append(targets, sessionID)
		}
	}
	b.mu.Unlock()

	for _, sessionID := range targets {
		metrics.IncrCounter([]string{"beacon", "notify", "pushed"}, 1)
		b.pusher.PushConfigChange(sessionID, payload.Key)
	}
}
