// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"context"
	"sync"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/beacon/beacon/structs"
)

const (
	defaultEventBufferSize = 1024
)

type EventBrokerCfg struct {
	EventBufferSize int64
}

// EventBroker fans committed state changes out to subscriptions. Appends
// flow through a single goroutine so readers observe events in commit
// order.
type EventBroker struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}

	eventBuf *eventBuffer

	publishCh chan *structs.Events
}

// NewEventBroker returns an EventBroker for publishing change events. The
// broker runs until ctx is canceled, at which point every subscription is
// force-closed.
func NewEventBroker(ctx context.Context, cfg EventBrokerCfg) *EventBroker {
	if cfg.EventBufferSize == 0 {
		cfg.EventBufferSize = defaultEventBufferSize
	}

	b := &EventBroker{
		subs:      map[*Subscription]struct{}{},
		eventBuf:  newEventBuffer(cfg.EventBufferSize),
		publishCh: make(chan *structs.Events, 64),
	}

	go b.handleUpdates(ctx)

	return b
}

// Len returns the current buffered event count, for monitoring.
func (b *EventBroker) Len() int {
	return b.eventBuf.Len()
}

// Publish appends events to the buffer. Empty sets are dropped.
func (b *EventBroker) Publish(events *structs.Events) {
	if len(events.Events) == 0 {
		return
	}
	metrics.IncrCounter([]string{"beacon", "broker", "published"}, float32(len(events.Events)))
	b.publishCh <- events
}

// Subscribe returns a new Subscription positioned at the buffer tail:
// subscribers see only events published after they subscribe.
func (b *EventBroker) Subscribe(req *SubscribeRequest) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	head := b.eventBuf.Tail()

	var sub *Subscription
	sub = newSubscription(req, head, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		sub.forceClose()
		delete(b.subs, sub)
	})
	b.subs[sub] = struct{}{}
	return sub
}

func (b *EventBroker) handleUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case update := <-b.publishCh:
			b.eventBuf.Append(update)
		}
	}
}

func (b *EventBroker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.forceClose()
	}
	b.subs = map[*Subscription]struct{}{}
}
