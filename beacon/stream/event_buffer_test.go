// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/beacon/beacon/structs"
)

func TestEventBuffer_StartStopFill(t *testing.T) {
	b := newEventBuffer(10)

	for i := 0; i < 20; i++ {
		b.Append(&structs.Events{Index: uint64(i + 1), Events: []structs.Event{{
			Index: uint64(i + 1),
			Topic: structs.TopicConfig,
			Key:   fmt.Sprintf("k-%d", i),
		}}})
	}

	// Buffer is bounded, oldest items dropped
	require.LessOrEqual(t, b.Len(), 10)
	head := b.Head()
	require.Greater(t, head.Events.Index, uint64(1))
	require.Equal(t, uint64(20), b.Tail().Events.Index)
}

func TestEventBuffer_NextBlocksUntilAppend(t *testing.T) {
	b := newEventBuffer(10)
	tail := b.Tail()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got := make(chan *bufferItem, 1)
	go func() {
		item, err := tail.Next(ctx, make(chan struct{}))
		require.NoError(t, err)
		got <- item
	}()

	select {
	case <-got:
		t.Fatal("Next returned before Append")
	case <-time.After(50 * time.Millisecond):
	}

	b.Append(&structs.Events{Index: 1, Events: []structs.Event{{Index: 1}}})

	select {
	case item := <-got:
		require.Equal(t, uint64(1), item.Events.Index)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Append")
	}
}

func TestEventBuffer_NextCanceled(t *testing.T) {
	b := newEventBuffer(10)
	tail := b.Tail()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tail.Next(ctx, make(chan struct{}))
	require.ErrorIs(t, err, context.Canceled)
}

func TestEventBuffer_DroppedItem(t *testing.T) {
	b := newEventBuffer(1)

	first := b.Tail()
	b.Append(&structs.Events{Index: 1, Events: []structs.Event{{Index: 1}}})
	// Overflow the one-slot buffer so the first real item is dropped.
	b.Append(&structs.Events{Index: 2, Events: []structs.Event{{Index: 2}}})
	b.Append(&structs.Events{Index: 3, Events: []structs.Event{{Index: 3}}})

	_, err := first.Next(context.Background(), make(chan struct{}))
	// Either the item advanced before being dropped or we get the dropped
	// error; both keep the chain consistent.
	if err != nil {
		require.Contains(t, err.Error(), "dropped")
	}
}
