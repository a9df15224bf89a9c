// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/hashicorp/beacon/beacon/structs"
)

const (
	// subscriptionStateOpen is the default state of a subscription. An open
	// subscription may receive new events.
	subscriptionStateOpen uint32 = 0

	// subscriptionStateClosed indicates that the subscription was closed
	// and will not receive new events. The subscriber must issue a new
	// Subscribe request.
	subscriptionStateClosed uint32 = 1
)

// ErrSubscriptionClosed signals the subscription was closed server-side.
// The consumer should resubscribe from current state.
var ErrSubscriptionClosed = errors.New("subscription closed by server, client should resubscribe")

type Subscription struct {
	// state must be accessed atomically. 0 open, 1 closed.
	state uint32

	req *SubscribeRequest

	// currentItem stores the buffer item we are on. It is mutated by calls
	// to Next.
	currentItem *bufferItem

	// forceClosed is closed when forceClose is called. It is used by
	// EventBroker to cancel Next().
	forceClosed chan struct{}

	// unsub frees broker-side resources. Idempotent and safe to call from
	// multiple goroutines.
	unsub func()
}

// SubscribeRequest scopes a subscription to topics and keys. An empty
// Topics map subscribes to everything.
type SubscribeRequest struct {
	Topics map[structs.Topic][]string
}

func newSubscription(req *SubscribeRequest, item *bufferItem, unsub func()) *Subscription {
	return &Subscription{
		forceClosed: make(chan struct{}),
		req:         req,
		currentItem: item,
		unsub:       unsub,
	}
}

// Next blocks until a matching set of events is available.
func (s *Subscription) Next(ctx context.Context) (structs.Events, error) {
	if atomic.LoadUint32(&s.state) == subscriptionStateClosed {
		return structs.Events{}, ErrSubscriptionClosed
	}

	for {
		next, err := s.currentItem.Next(ctx, s.forceClosed)
		switch {
		case err != nil && atomic.LoadUint32(&s.state) == subscriptionStateClosed:
			return structs.Events{}, ErrSubscriptionClosed
		case err != nil:
			return structs.Events{}, err
		}
		s.currentItem = next

		events := filter(s.req, next.Events.Events)
		if len(events) == 0 {
			continue
		}
		return structs.Events{Index: next.Events.Index, Events: events}, nil
	}
}

// NextNoBlock returns buffered matching events, or nil when caught up.
func (s *Subscription) NextNoBlock() ([]structs.Event, error) {
	if atomic.LoadUint32(&s.state) == subscriptionStateClosed {
		return nil, ErrSubscriptionClosed
	}

	for {
		next := s.currentItem.NextNoBlock()
		if next == nil {
			return nil, nil
		}
		s.currentItem = next

		events := filter(s.req, next.Events.Events)
		if len(events) == 0 {
			continue
		}
		return events, nil
	}
}

func (s *Subscription) Unsubscribe() {
	s.unsub()
}

func (s *Subscription) forceClose() {
	if atomic.CompareAndSwapUint32(&s.state, subscriptionStateOpen, subscriptionStateClosed) {
		close(s.forceClosed)
	}
}

// filter events down to those matching the subscription's topics and keys.
func filter(req *SubscribeRequest, events []structs.Event) []structs.Event {
	if len(events) == 0 {
		return nil
	}

	if len(req.Topics) == 0 {
		return events
	}

	var result []structs.Event
	for _, event := range events {
		keys, ok := req.Topics[event.Topic]
		if !ok {
			keys = req.Topics[structs.TopicAll]
		}
		if len(keys) == 0 {
			continue
		}
		for _, key := range keys {
			if key == string(structs.TopicAll) || key == event.Key {
				result = append(result, event)
				break
			}
		}
	}
	return result
}
