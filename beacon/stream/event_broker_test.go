// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/beacon/beacon/structs"
)

func TestEventBroker_PublishChangesAndSubscribe(t *testing.T) {
	subscription := &SubscribeRequest{
		Topics: map[structs.Topic][]string{
			structs.TopicService: {"public/DEFAULT_GROUP/svc-A"},
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	broker := NewEventBroker(ctx, EventBrokerCfg{EventBufferSize: 100})
	sub := broker.Subscribe(subscription)
	eventCh := consumeSubscription(ctx, sub)

	// Now subscriber should block waiting for updates
	assertNoResult(t, eventCh)

	events := []structs.Event{{
		Index: 1,
		Topic: structs.TopicService,
		Type:  structs.TypeServiceChanged,
		Key:   "public/DEFAULT_GROUP/svc-A",
	}}
	broker.Publish(&structs.Events{Index: 1, Events: events})

	// Subscriber should see the published event
	result := nextResult(t, eventCh)
	require.NoError(t, result.Err)
	require.Len(t, result.Events, 1)
	require.Equal(t, uint64(1), result.Events[0].Index)

	// Now subscriber should block waiting for updates
	assertNoResult(t, eventCh)

	// An event for a different service must not be delivered
	broker.Publish(&structs.Events{Index: 2, Events: []structs.Event{{
		Index: 2,
		Topic: structs.TopicService,
		Type:  structs.TypeServiceChanged,
		Key:   "public/DEFAULT_GROUP/svc-B",
	}}})
	assertNoResult(t, eventCh)

	// A second event on the watched key is delivered in order
	broker.Publish(&structs.Events{Index: 3, Events: []structs.Event{{
		Index: 3,
		Topic: structs.TopicService,
		Type:  structs.TypeServiceChanged,
		Key:   "public/DEFAULT_GROUP/svc-A",
	}}})
	result = nextResult(t, eventCh)
	require.NoError(t, result.Err)
	require.Equal(t, uint64(3), result.Events[0].Index)
}

func TestEventBroker_ShutdownClosesSubscriptions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	broker := NewEventBroker(ctx, EventBrokerCfg{})

	sub1 := broker.Subscribe(&SubscribeRequest{})
	defer sub1.Unsubscribe()

	sub2 := broker.Subscribe(&SubscribeRequest{})
	defer sub2.Unsubscribe()

	cancel() // Shutdown

	err := consumeSub(context.Background(), sub1)
	require.Equal(t, ErrSubscriptionClosed, err)

	_, err = sub2.Next(context.Background())
	require.Equal(t, ErrSubscriptionClosed, err)
}

func TestEventBroker_DistinctSubscriptions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	broker := NewEventBroker(ctx, EventBrokerCfg{})

	sub1 := broker.Subscribe(&SubscribeRequest{})
	defer sub1.Unsubscribe()

	sub2 := broker.Subscribe(&SubscribeRequest{})
	require.NotNil(t, sub2)

	sub1.Unsubscribe()

	require.Equal(t, subscriptionStateOpen, atomic.LoadUint32(&sub2.state))
}

func consumeSubscription(ctx context.Context, sub *Subscription) <-chan subNextResult {
	eventCh := make(chan subNextResult, 1)
	go func() {
		for {
			es, err := sub.Next(ctx)
			eventCh <- subNextResult{
				Events: es.Events,
				Err:    err,
			}
			if err != nil {
				return
			}
		}
	}()
	return eventCh
}

type subNextResult struct {
	Events []structs.Event
	Err    error
}

func nextResult(t *testing.T, eventCh <-chan subNextResult) subNextResult {
	t.Helper()
	select {
	case next := <-eventCh:
		return next
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("no event after 100ms")
	}
	return subNextResult{}
}

func assertNoResult(t *testing.T, eventCh <-chan subNextResult) {
	t.Helper()
	select {
	case next := <-eventCh:
		require.NoError(t, next.Err)
		require.Len(t, next.Events, 1)
		t.Fatalf("received unexpected event: %#v", next.Events[0])
	case <-time.After(100 * time.Millisecond):
	}
}

func consumeSub(ctx context.Context, sub *Subscription) error {
	for {
		_, err := sub.Next(ctx)
		if err != nil {
			return err
		}
	}
}
